// Package git shells out to the git binary for mirror, worktree, and clone
// operations. All functions are idempotent where the callers require it.
package git

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// BranchName returns the deterministic branch name for a work item.
func BranchName(itemID string) string {
	return "cloud-code/" + itemID
}

// MirrorPath returns the bare mirror path under home: <home>/protected/mirrors/<owner>/<repo>.git.
func MirrorPath(home, owner, repo string) string {
	safeOwner := strings.ReplaceAll(owner, " ", "_")
	safeRepo := strings.ReplaceAll(repo, " ", "_")
	return filepath.Join(home, "protected", "mirrors", safeOwner, safeRepo+".git")
}

// WorkspacePath returns the checkout path for an item: <home>/protected/workspaces/<owner>/<repo>/<item-id>.
func WorkspacePath(home, owner, repo, itemID string) string {
	safeOwner := strings.ReplaceAll(owner, " ", "_")
	safeRepo := strings.ReplaceAll(repo, " ", "_")
	return filepath.Join(home, "protected", "workspaces", safeOwner, safeRepo, itemID)
}

func run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

// CloneMirror creates a bare mirror of sourceURL at mirrorPath. If the mirror
// already exists it is left untouched (idempotent).
func CloneMirror(ctx context.Context, mirrorPath, sourceURL string) error {
	if mirrorPath == "" || sourceURL == "" {
		return fmt.Errorf("mirror_path and source_url required")
	}
	if _, err := os.Stat(mirrorPath); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(mirrorPath), 0o755); err != nil {
		return err
	}
	if _, err := run(ctx, "", "clone", "--mirror", sourceURL, mirrorPath); err != nil {
		_ = os.RemoveAll(mirrorPath)
		return err
	}
	return nil
}

// FetchMirror updates all refs in the bare mirror from its origin. No
// pruning: item branches exist only in the mirror, and a pruning fetch
// would delete them.
func FetchMirror(ctx context.Context, mirrorPath string) error {
	_, err := run(ctx, mirrorPath, "fetch", "origin")
	return err
}

// CloneFromMirror makes a full local clone of the mirror at dest. Local clones
// hardlink objects so this is cheap relative to a network clone.
func CloneFromMirror(ctx context.Context, mirrorPath, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	if _, err := run(ctx, "", "clone", mirrorPath, dest); err != nil {
		_ = os.RemoveAll(dest)
		return err
	}
	return nil
}

// AddWorktree adds a worktree of the mirror at dest on a new branch created
// from ref. The branch must not already be checked out elsewhere.
func AddWorktree(ctx context.Context, mirrorPath, dest, branch, ref string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	if _, err := run(ctx, mirrorPath, "worktree", "add", "-b", branch, dest, ref); err != nil {
		return err
	}
	return nil
}

// AddWorktreeExisting adds a worktree of the mirror at dest checking out an
// existing branch.
func AddWorktreeExisting(ctx context.Context, mirrorPath, dest, branch string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	if _, err := run(ctx, mirrorPath, "worktree", "add", dest, branch); err != nil {
		return err
	}
	return nil
}

// RemoveWorktree detaches dest from the mirror's worktree list and removes the
// directory. Missing worktrees are a no-op.
func RemoveWorktree(ctx context.Context, mirrorPath, dest string) error {
	if dest == "" {
		return nil
	}
	if _, err := os.Stat(dest); os.IsNotExist(err) {
		// Still prune stale bookkeeping in the mirror.
		_, _ = run(ctx, mirrorPath, "worktree", "prune")
		return nil
	}
	if _, err := run(ctx, mirrorPath, "worktree", "remove", "--force", dest); err != nil {
		// Fall back to removing the directory and pruning.
		if rmErr := os.RemoveAll(dest); rmErr != nil {
			return rmErr
		}
		_, _ = run(ctx, mirrorPath, "worktree", "prune")
	}
	return nil
}

// CheckoutNewBranch creates branch from ref and checks it out in dir.
func CheckoutNewBranch(ctx context.Context, dir, branch, ref string) error {
	_, err := run(ctx, dir, "checkout", "-b", branch, ref)
	return err
}

// CheckoutBranch checks out an existing branch in dir.
func CheckoutBranch(ctx context.Context, dir, branch string) error {
	_, err := run(ctx, dir, "checkout", branch)
	return err
}

// BranchExists reports whether branch exists in the repository at dir.
func BranchExists(ctx context.Context, dir, branch string) bool {
	_, err := run(ctx, dir, "rev-parse", "--verify", "refs/heads/"+branch)
	return err == nil
}

// RevParse resolves ref to a commit SHA in dir.
func RevParse(ctx context.Context, dir, ref string) (string, error) {
	return run(ctx, dir, "rev-parse", ref)
}

// FetchBranch fetches branch from origin into a local branch of the same name.
func FetchBranch(ctx context.Context, dir, branch string) error {
	_, err := run(ctx, dir, "fetch", "origin", branch+":"+branch)
	return err
}

// ChangedFiles returns git status --porcelain paths for uncommitted changes in dir.
func ChangedFiles(ctx context.Context, dir string) ([]string, error) {
	out, err := run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if len(line) > 3 {
			files = append(files, strings.TrimSpace(line[3:]))
		}
	}
	return files, nil
}

// CommitAll stages everything and commits with message. Returns the new HEAD
// SHA, or "" with nil error when there was nothing to commit.
func CommitAll(ctx context.Context, dir, message string) (string, error) {
	if _, err := run(ctx, dir, "add", "-A"); err != nil {
		return "", err
	}
	if out, err := run(ctx, dir, "status", "--porcelain"); err != nil {
		return "", err
	} else if out == "" {
		return "", nil
	}
	if _, err := run(ctx, dir, "commit", "-m", message); err != nil {
		return "", err
	}
	return run(ctx, dir, "rev-parse", "HEAD")
}

// CommitsSince returns "sha<TAB>subject" lines for commits in dir after baseSHA.
func CommitsSince(ctx context.Context, dir, baseSHA string) ([]string, error) {
	if baseSHA == "" {
		return nil, nil
	}
	out, err := run(ctx, dir, "log", "--format=%H\t%s", baseSHA+"..HEAD")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// PushBranch pushes branch from dir back to the mirror's origin.
func PushBranch(ctx context.Context, dir, branch string) error {
	_, err := run(ctx, dir, "push", "origin", branch)
	return err
}
