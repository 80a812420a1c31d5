package git

import (
	"context"
	"path/filepath"
	"testing"
)

func TestBranchName(t *testing.T) {
	got := BranchName("item-42")
	if got != "cloud-code/item-42" {
		t.Errorf("BranchName: got %q", got)
	}
}

func TestMirrorPath(t *testing.T) {
	got := MirrorPath("/home", "acme corp", "repo one")
	want := filepath.Join("/home", "protected", "mirrors", "acme_corp", "repo_one.git")
	if got != want {
		t.Errorf("MirrorPath: got %q, want %q", got, want)
	}
}

func TestWorkspacePath(t *testing.T) {
	got := WorkspacePath("/home", "acme", "repo", "item-1")
	want := filepath.Join("/home", "protected", "workspaces", "acme", "repo", "item-1")
	if got != want {
		t.Errorf("WorkspacePath: got %q, want %q", got, want)
	}
}

func TestCloneMirror_validation(t *testing.T) {
	ctx := context.Background()
	if err := CloneMirror(ctx, "", "http://x"); err == nil {
		t.Fatal("CloneMirror empty path: expected error")
	}
	if err := CloneMirror(ctx, t.TempDir(), ""); err == nil {
		t.Fatal("CloneMirror empty sourceURL: expected error")
	}
}

func TestCloneMirror_existingDirIsNoop(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	if err := CloneMirror(ctx, dir, "http://unreachable.invalid/repo.git"); err != nil {
		t.Errorf("CloneMirror on existing dir: %v", err)
	}
}

func TestRemoveWorktree_emptyAndMissing(t *testing.T) {
	ctx := context.Background()
	if err := RemoveWorktree(ctx, t.TempDir(), ""); err != nil {
		t.Errorf("RemoveWorktree empty dest: %v", err)
	}
	if err := RemoveWorktree(ctx, t.TempDir(), filepath.Join(t.TempDir(), "nonexistent")); err != nil {
		t.Errorf("RemoveWorktree missing dest: %v", err)
	}
}

func TestCommitsSince_emptyBase(t *testing.T) {
	ctx := context.Background()
	lines, err := CommitsSince(ctx, t.TempDir(), "")
	if err != nil {
		t.Errorf("CommitsSince empty base: %v", err)
	}
	if lines != nil {
		t.Errorf("CommitsSince empty base: got %v", lines)
	}
}
