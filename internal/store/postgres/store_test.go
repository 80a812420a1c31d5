package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/lsadehaan/cloud-code/internal/store"
)

func TestOpen_skipIfNoDatabaseURL(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set, skipping postgres test")
	}
	st, err := Open(dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = st.Close() }()
	ctx := context.Background()

	rec := store.ItemRecord{ID: "pg-test-item", Title: "pg roundtrip", Status: "pending", CreatedAt: time.Now()}
	if err := st.SaveItem(ctx, rec); err != nil {
		t.Fatalf("SaveItem: %v", err)
	}
	got, err := st.GetItem(ctx, "pg-test-item")
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if got.Title != "pg roundtrip" {
		t.Errorf("got %+v", got)
	}
}

func TestOpen_requiresDSN(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	if _, err := Open(""); err == nil {
		t.Fatal("expected error without DSN")
	}
}
