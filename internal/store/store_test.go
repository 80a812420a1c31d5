package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	s, err := OpenDSN(filepath.Join(t.TempDir(), "test.sqlite"))
	if err != nil {
		t.Fatalf("OpenDSN: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveItem_upsertAndGet(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	rec := ItemRecord{
		ID: "item-1", Title: "Add endpoint", Status: "pending",
		CapabilityClass: "general", Priority: 1,
	}
	if err := s.SaveItem(ctx, rec); err != nil {
		t.Fatalf("SaveItem: %v", err)
	}

	rec.Status = "in_progress"
	rec.Attempts = 2
	rec.CostUSD = 1.25
	rec.NeedsApproval = true
	if err := s.SaveItem(ctx, rec); err != nil {
		t.Fatalf("SaveItem update: %v", err)
	}

	got, err := s.GetItem(ctx, "item-1")
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if got.Status != "in_progress" || got.Attempts != 2 || got.CostUSD != 1.25 || !got.NeedsApproval {
		t.Errorf("got %+v", got)
	}
}

func TestGetItem_notFound(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	if _, err := s.GetItem(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListItems(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if err := s.SaveItem(ctx, ItemRecord{ID: id, Title: id, Status: "pending"}); err != nil {
			t.Fatal(err)
		}
	}
	items, err := s.ListItems(ctx, 2)
	if err != nil {
		t.Fatalf("ListItems: %v", err)
	}
	if len(items) != 2 {
		t.Errorf("limit ignored: got %d items", len(items))
	}
}

func TestExecutions(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.RecordExecution(ctx, ExecutionRecord{
		ItemID: "item-1", Workstation: "ws-1", Tool: "claude",
		Outcome: "failed", Error: "tool crashed", StartedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("RecordExecution: %v", err)
	}
	if id == 0 {
		t.Error("expected row id")
	}
	if _, err := s.RecordExecution(ctx, ExecutionRecord{
		ItemID: "item-1", Outcome: "completed", StartedAt: time.Now(), FinishedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	execs, err := s.ListExecutions(ctx, "item-1")
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(execs) != 2 || execs[0].Outcome != "failed" || execs[1].Outcome != "completed" {
		t.Errorf("executions: %+v", execs)
	}
}

func TestGrants(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	g := GrantRecord{RequestID: "r1", ItemID: "item-1", Type: "github_token", Scope: "read_only", Status: "pending"}
	if err := s.RecordGrant(ctx, g); err != nil {
		t.Fatalf("RecordGrant: %v", err)
	}
	g.Status = "injected"
	g.ExpiresAt = time.Now().Add(time.Hour)
	if err := s.RecordGrant(ctx, g); err != nil {
		t.Fatalf("RecordGrant update: %v", err)
	}

	grants, err := s.ListGrants(ctx, "item-1")
	if err != nil {
		t.Fatalf("ListGrants: %v", err)
	}
	if len(grants) != 1 || grants[0].Status != "injected" {
		t.Errorf("grants: %+v", grants)
	}
	if grants[0].ExpiresAt.IsZero() {
		t.Error("expiry lost")
	}
}

func TestMarkNotified_exactlyOncePerEpoch(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.MarkNotified(ctx, "item-1", 0, "github", "needs human review")
	if err != nil {
		t.Fatalf("MarkNotified: %v", err)
	}
	if !first {
		t.Error("first notification should win")
	}
	second, err := s.MarkNotified(ctx, "item-1", 0, "github", "needs human review again")
	if err != nil {
		t.Fatalf("MarkNotified second: %v", err)
	}
	if second {
		t.Error("second notification in the same epoch should be suppressed")
	}

	// A human unblock opens a new epoch and earns one fresh notification.
	fresh, err := s.MarkNotified(ctx, "item-1", 1, "github", "item completed")
	if err != nil {
		t.Fatalf("MarkNotified new epoch: %v", err)
	}
	if !fresh {
		t.Error("new epoch should notify again")
	}
	if again, _ := s.MarkNotified(ctx, "item-1", 1, "github", "item completed again"); again {
		t.Error("repeat within the new epoch should be suppressed")
	}
}
