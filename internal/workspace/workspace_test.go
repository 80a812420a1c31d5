package workspace

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/lsadehaan/cloud-code/internal/git"
	"github.com/lsadehaan/cloud-code/pkg/models"
)

// initRepo creates a local git repository with one commit and returns its path.
func initRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
	dir := t.TempDir()
	mustGit(t, dir, "init")
	mustGit(t, dir, "config", "user.email", "test@example.com")
	mustGit(t, dir, "config", "user.name", "test")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	mustGit(t, dir, "add", "-A")
	mustGit(t, dir, "commit", "-m", "initial")
	return dir
}

func mustGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v: %v: %s", args, err, out)
	}
}

func testItem(id, mode, src string) *models.WorkItem {
	return &models.WorkItem{
		ID:            id,
		RepoOwner:     "acme",
		RepoName:      "repo",
		CloneURL:      src,
		WorkspaceMode: mode,
	}
}

func TestGet_sharedIdempotent(t *testing.T) {
	src := initRepo(t)
	home := t.TempDir()
	m := NewManager(home)
	ctx := context.Background()

	ws, err := m.Get(ctx, testItem("item-1", models.ModeShared, src))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	wantPath := git.WorkspacePath(home, "acme", "repo", "item-1")
	if ws.Path != wantPath {
		t.Errorf("path: got %q, want %q", ws.Path, wantPath)
	}
	if ws.Branch != "cloud-code/item-1" {
		t.Errorf("branch: got %q", ws.Branch)
	}
	if ws.BaseRevision == "" {
		t.Error("base revision empty")
	}
	if _, err := os.Stat(filepath.Join(ws.Path, ".cloud-code", "credentials")); err != nil {
		t.Errorf("control dir missing: %v", err)
	}

	again, err := m.Get(ctx, testItem("item-1", models.ModeShared, src))
	if err != nil {
		t.Fatalf("second Get: %v", err)
	}
	if again.Path != ws.Path || again.Branch != ws.Branch {
		t.Errorf("Get not idempotent: %+v vs %+v", again, ws)
	}
}

func TestGet_isolatedHasOwnRepo(t *testing.T) {
	src := initRepo(t)
	m := NewManager(t.TempDir())
	ws, err := m.Get(context.Background(), testItem("item-2", models.ModeIsolated, src))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	fi, err := os.Stat(filepath.Join(ws.Path, ".git"))
	if err != nil || !fi.IsDir() {
		t.Errorf("isolated workspace should carry a full .git dir: %v", err)
	}
}

func TestGet_copyOnWrite(t *testing.T) {
	src := initRepo(t)
	m := NewManager(t.TempDir())
	ws, err := m.Get(context.Background(), testItem("item-3", models.ModeCopyOnWrite, src))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := os.Stat(filepath.Join(ws.Path, "README.md")); err != nil {
		t.Errorf("copied tree missing file: %v", err)
	}
}

func TestGet_modeConflict(t *testing.T) {
	src := initRepo(t)
	m := NewManager(t.TempDir())
	ctx := context.Background()

	first := testItem("item-a", models.ModeShared, src)
	first.Branch = "cloud-code/shared-branch"
	if _, err := m.Get(ctx, first); err != nil {
		t.Fatalf("Get first: %v", err)
	}

	second := testItem("item-b", models.ModeIsolated, src)
	second.Branch = "cloud-code/shared-branch"
	_, err := m.Get(ctx, second)
	var pe *ProvisionError
	if !errors.As(err, &pe) || !pe.Conflict {
		t.Fatalf("expected conflict ProvisionError, got %v", err)
	}
}

func TestGet_unknownMode(t *testing.T) {
	m := NewManager(t.TempDir())
	_, err := m.Get(context.Background(), testItem("item-x", "weird", "src"))
	var pe *ProvisionError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProvisionError, got %v", err)
	}
}

func TestGet_missingMirrorAndURL(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
	m := NewManager(t.TempDir())
	_, err := m.Get(context.Background(), testItem("item-y", models.ModeShared, ""))
	var pe *ProvisionError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProvisionError, got %v", err)
	}
}

func TestHarvest_pushesBranchToMirror(t *testing.T) {
	src := initRepo(t)
	m := NewManager(t.TempDir())
	ctx := context.Background()

	ws, err := m.Get(ctx, testItem("item-h", models.ModeIsolated, src))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := os.WriteFile(filepath.Join(ws.Path, "fix.txt"), []byte("patched\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	mustGit(t, ws.Path, "add", "-A")
	mustGit(t, ws.Path, "-c", "user.email=t@example.com", "-c", "user.name=t", "commit", "-m", "patch")

	if err := m.Harvest(ctx, "item-h"); err != nil {
		t.Fatalf("Harvest: %v", err)
	}
	if !git.BranchExists(ctx, ws.MirrorPath, ws.Branch) {
		t.Error("branch not pushed to mirror")
	}

	// Unknown items are a no-op.
	if err := m.Harvest(ctx, "never-seen"); err != nil {
		t.Errorf("Harvest unknown item: %v", err)
	}
}

func TestHarvest_sharedModeNoop(t *testing.T) {
	src := initRepo(t)
	m := NewManager(t.TempDir())
	ctx := context.Background()

	ws, err := m.Get(ctx, testItem("item-sh", models.ModeShared, src))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := m.Harvest(ctx, "item-sh"); err != nil {
		t.Fatalf("Harvest shared: %v", err)
	}
	// Worktree branch refs already live in the mirror.
	if !git.BranchExists(ctx, ws.MirrorPath, ws.Branch) {
		t.Error("worktree branch missing from mirror")
	}
}

func TestGet_resumesHarvestedBranch(t *testing.T) {
	src := initRepo(t)
	m := NewManager(t.TempDir())
	ctx := context.Background()

	ws, err := m.Get(ctx, testItem("item-res", models.ModeIsolated, src))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := os.WriteFile(filepath.Join(ws.Path, "resume.txt"), []byte("carry over\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	mustGit(t, ws.Path, "add", "-A")
	mustGit(t, ws.Path, "-c", "user.email=t@example.com", "-c", "user.name=t", "commit", "-m", "first attempt")

	if err := m.Harvest(ctx, "item-res"); err != nil {
		t.Fatalf("Harvest: %v", err)
	}
	if err := m.Release(ctx, "item-res"); err != nil {
		t.Fatalf("Release: %v", err)
	}

	// A later attempt picks the branch back up with the commit in place.
	again, err := m.Get(ctx, testItem("item-res", models.ModeIsolated, src))
	if err != nil {
		t.Fatalf("second Get: %v", err)
	}
	if _, err := os.Stat(filepath.Join(again.Path, "resume.txt")); err != nil {
		t.Errorf("earlier attempt's commit missing: %v", err)
	}
}

func TestRelease_idempotent(t *testing.T) {
	src := initRepo(t)
	m := NewManager(t.TempDir())
	ctx := context.Background()

	ws, err := m.Get(ctx, testItem("item-r", models.ModeIsolated, src))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := m.Release(ctx, "item-r"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(ws.Path); !os.IsNotExist(err) {
		t.Error("workspace path should be removed")
	}
	if err := m.Release(ctx, "item-r"); err != nil {
		t.Errorf("second Release: %v", err)
	}
	if err := m.Release(ctx, "never-seen"); err != nil {
		t.Errorf("Release unknown item: %v", err)
	}
}

func TestRelease_sharedWorktree(t *testing.T) {
	src := initRepo(t)
	m := NewManager(t.TempDir())
	ctx := context.Background()

	ws, err := m.Get(ctx, testItem("item-s", models.ModeShared, src))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := m.Release(ctx, "item-s"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(ws.Path); !os.IsNotExist(err) {
		t.Error("worktree path should be removed")
	}
	// The mirror must survive the release for the next item.
	if _, err := os.Stat(ws.MirrorPath); err != nil {
		t.Errorf("mirror should persist: %v", err)
	}
}
