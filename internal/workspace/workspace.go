// Package workspace provisions isolated checkouts for work items on top of
// per-repository bare mirrors. A mirror is cloned once per repository; each
// item then gets a cheap branch-scoped checkout in one of three modes:
// shared (worktree of the mirror), isolated (fresh local clone), or
// copy_on_write (filesystem copy of a warm cache checkout).
package workspace

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lsadehaan/cloud-code/internal/git"
	"github.com/lsadehaan/cloud-code/internal/protocol"
	"github.com/lsadehaan/cloud-code/pkg/models"
)

// ProvisionError wraps any failure to produce a usable workspace. Dispatch
// treats it as retryable unless Conflict is set.
type ProvisionError struct {
	ItemID   string
	Op       string
	Conflict bool
	Err      error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provision workspace for %s: %s: %v", e.ItemID, e.Op, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// Workspace is one provisioned checkout.
type Workspace struct {
	ItemID       string
	Path         string
	Branch       string
	BaseRevision string
	Mode         string
	MirrorPath   string
}

// Manager owns the mirror cache and all active workspaces under one home.
type Manager struct {
	home string

	mu     sync.Mutex
	active map[string]*Workspace // by item id

	mirrorMu map[string]*sync.Mutex // per-mirror fetch lock

	retries   int
	baseDelay time.Duration
}

// NewManager returns a workspace manager rooted at home.
func NewManager(home string) *Manager {
	return &Manager{
		home:      home,
		active:    map[string]*Workspace{},
		mirrorMu:  map[string]*sync.Mutex{},
		retries:   3,
		baseDelay: 500 * time.Millisecond,
	}
}

func (m *Manager) mirrorLock(mirror string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	mu, ok := m.mirrorMu[mirror]
	if !ok {
		mu = &sync.Mutex{}
		m.mirrorMu[mirror] = mu
	}
	return mu
}

// withBackoff retries fn with doubling delays, honoring ctx cancellation.
func (m *Manager) withBackoff(ctx context.Context, fn func() error) error {
	delay := m.baseDelay
	var err error
	for attempt := 0; attempt < m.retries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == m.retries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

// Get provisions (or returns the already-provisioned) workspace for item.
// Calling Get twice for the same item yields the same path and branch.
func (m *Manager) Get(ctx context.Context, item *models.WorkItem) (*Workspace, error) {
	mode := item.WorkspaceMode
	if mode == "" {
		mode = models.ModeShared
	}
	switch mode {
	case models.ModeShared, models.ModeIsolated, models.ModeCopyOnWrite:
	default:
		return nil, &ProvisionError{ItemID: item.ID, Op: "mode", Err: fmt.Errorf("unknown workspace mode %q", mode)}
	}

	branch := item.Branch
	if branch == "" {
		branch = git.BranchName(item.ID)
	}
	mirror := git.MirrorPath(m.home, item.RepoOwner, item.RepoName)
	path := git.WorkspacePath(m.home, item.RepoOwner, item.RepoName, item.ID)

	m.mu.Lock()
	if ws, ok := m.active[item.ID]; ok {
		m.mu.Unlock()
		return ws, nil
	}
	// Two active items on the same branch must agree on isolation mode; the
	// first one wins and the second fails loudly instead of guessing.
	for _, ws := range m.active {
		if ws.MirrorPath == mirror && ws.Branch == branch && ws.Mode != mode {
			m.mu.Unlock()
			return nil, &ProvisionError{
				ItemID:   item.ID,
				Op:       "mode-conflict",
				Conflict: true,
				Err:      fmt.Errorf("branch %s already active in mode %s (item %s)", branch, ws.Mode, ws.ItemID),
			}
		}
	}
	m.mu.Unlock()

	baseRev, err := m.ensureMirror(ctx, mirror, item.CloneURL)
	if err != nil {
		return nil, &ProvisionError{ItemID: item.ID, Op: "mirror", Err: err}
	}

	// An existing checkout means a previous Get succeeded; reuse it.
	if _, statErr := os.Stat(path); statErr == nil {
		head, revErr := git.RevParse(ctx, path, "HEAD")
		if revErr == nil {
			baseRev = head
		}
	} else {
		if err := m.checkout(ctx, mode, mirror, path, branch); err != nil {
			return nil, &ProvisionError{ItemID: item.ID, Op: "checkout", Err: err}
		}
	}

	if err := os.MkdirAll(protocol.CredentialsPath(path), 0o700); err != nil {
		return nil, &ProvisionError{ItemID: item.ID, Op: "control-dir", Err: err}
	}

	ws := &Workspace{
		ItemID:       item.ID,
		Path:         path,
		Branch:       branch,
		BaseRevision: baseRev,
		Mode:         mode,
		MirrorPath:   mirror,
	}
	m.mu.Lock()
	m.active[item.ID] = ws
	m.mu.Unlock()
	return ws, nil
}

// ensureMirror clones the mirror if missing, else fetches it. A failed fetch
// on an existing mirror degrades to the last-known state rather than failing
// the provision. Returns the mirror's default-branch HEAD.
func (m *Manager) ensureMirror(ctx context.Context, mirror, cloneURL string) (string, error) {
	lock := m.mirrorLock(mirror)
	lock.Lock()
	defer lock.Unlock()

	if _, err := os.Stat(mirror); os.IsNotExist(err) {
		if cloneURL == "" {
			return "", fmt.Errorf("no mirror at %s and no clone url", mirror)
		}
		if err := m.withBackoff(ctx, func() error {
			return git.CloneMirror(ctx, mirror, cloneURL)
		}); err != nil {
			return "", err
		}
	} else {
		if err := m.withBackoff(ctx, func() error {
			return git.FetchMirror(ctx, mirror)
		}); err != nil {
			slog.Warn("mirror fetch failed, using last-known state", "mirror", mirror, "error", err)
		}
	}
	return git.RevParse(ctx, mirror, "HEAD")
}

func (m *Manager) checkout(ctx context.Context, mode, mirror, path, branch string) error {
	switch mode {
	case models.ModeShared:
		ref := "HEAD"
		if git.BranchExists(ctx, mirror, branch) {
			// Branch survives a released workspace; re-checkout from it.
			return git.AddWorktreeExisting(ctx, mirror, path, branch)
		}
		return git.AddWorktree(ctx, mirror, path, branch, ref)
	case models.ModeIsolated:
		if err := git.CloneFromMirror(ctx, mirror, path); err != nil {
			return err
		}
		return checkoutItemBranch(ctx, mirror, path, branch)
	case models.ModeCopyOnWrite:
		cache, err := m.ensureCache(ctx, mirror)
		if err != nil {
			return err
		}
		if err := copyTree(cache, path); err != nil {
			_ = os.RemoveAll(path)
			return err
		}
		return checkoutItemBranch(ctx, mirror, path, branch)
	}
	return fmt.Errorf("unknown mode %q", mode)
}

// checkoutItemBranch checks out the item branch in a clone whose origin is
// the mirror. When a previous attempt already pushed the branch back, it is
// fetched and resumed so committed work carries over; otherwise a fresh
// branch is cut from HEAD.
func checkoutItemBranch(ctx context.Context, mirror, path, branch string) error {
	if git.BranchExists(ctx, mirror, branch) {
		if err := git.FetchBranch(ctx, path, branch); err == nil {
			return git.CheckoutBranch(ctx, path, branch)
		}
	}
	return git.CheckoutNewBranch(ctx, path, branch, "HEAD")
}

// ensureCache keeps one warm plain checkout per mirror for copy_on_write.
func (m *Manager) ensureCache(ctx context.Context, mirror string) (string, error) {
	cache := filepath.Join(filepath.Dir(mirror), "."+filepath.Base(mirror)+".cache")
	if _, err := os.Stat(cache); os.IsNotExist(err) {
		if err := git.CloneFromMirror(ctx, mirror, cache); err != nil {
			return "", err
		}
	}
	return cache, nil
}

// Harvest pushes the item's branch back to the mirror so committed work
// survives workspace teardown. Shared worktrees write their refs into the
// mirror directly, and pushing from one would hit the mirror's real upstream,
// so only clone-based modes push. Harvesting an unknown item is a no-op.
func (m *Manager) Harvest(ctx context.Context, itemID string) error {
	m.mu.Lock()
	ws, ok := m.active[itemID]
	m.mu.Unlock()
	if !ok || ws.Mode == models.ModeShared {
		return nil
	}
	if !git.BranchExists(ctx, ws.Path, ws.Branch) {
		return nil
	}
	return git.PushBranch(ctx, ws.Path, ws.Branch)
}

// Release tears down the workspace for itemID. Releasing an unknown or
// already-released item is a no-op.
func (m *Manager) Release(ctx context.Context, itemID string) error {
	m.mu.Lock()
	ws, ok := m.active[itemID]
	delete(m.active, itemID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	switch ws.Mode {
	case models.ModeShared:
		if err := git.RemoveWorktree(ctx, ws.MirrorPath, ws.Path); err != nil {
			return fmt.Errorf("release %s: %w", itemID, err)
		}
	default:
		if err := os.RemoveAll(ws.Path); err != nil {
			return fmt.Errorf("release %s: %w", itemID, err)
		}
	}
	return nil
}

// Active returns the workspace for itemID, if provisioned.
func (m *Manager) Active(itemID string) (*Workspace, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.active[itemID]
	return ws, ok
}

// copyTree copies src into dst recursively, preserving file modes. Symlinks
// are re-created as links.
func copyTree(src, dst string) error {
	return filepath.Walk(src, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		mode := info.Mode()
		switch {
		case mode.IsDir():
			return os.MkdirAll(target, mode.Perm())
		case mode&os.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		default:
			return copyFile(p, target, mode.Perm())
		}
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
