package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestWithHome_HomeFrom(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	if _, ok := HomeFrom(ctx); ok {
		t.Fatal("expected no home in empty context")
	}
	ctx = WithHome(ctx, "/foo/bar")
	got, ok := HomeFrom(ctx)
	if !ok || got != "/foo/bar" {
		t.Fatalf("HomeFrom: got %q, ok=%v; want /foo/bar, true", got, ok)
	}
}

func TestMustHomeFrom_panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic when home missing")
		}
	}()
	MustHomeFrom(context.Background())
}

func TestResolveHome_override(t *testing.T) {
	t.Parallel()
	got, err := ResolveHome("/custom/home")
	if err != nil {
		t.Fatalf("ResolveHome: %v", err)
	}
	if got != filepath.Clean("/custom/home") {
		t.Fatalf("ResolveHome: got %q", got)
	}
}

func TestResolveHome_env(t *testing.T) {
	t.Setenv("CLOUDCODE_HOME", "/env/home")
	got, err := ResolveHome("")
	if err != nil {
		t.Fatalf("ResolveHome: %v", err)
	}
	if got != filepath.Clean("/env/home") {
		t.Fatalf("ResolveHome from env: got %q", got)
	}
}

func TestResolveHome_default(t *testing.T) {
	t.Setenv("CLOUDCODE_HOME", "")
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("UserHomeDir: %v", err)
	}
	got, err := ResolveHome("")
	if err != nil {
		t.Fatalf("ResolveHome: %v", err)
	}
	want := filepath.Join(home, ".cloud-code")
	if got != want {
		t.Fatalf("ResolveHome default: got %q, want %q", got, want)
	}
}

func TestLoad_missingFileDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxAttempts != 3 {
		t.Errorf("MaxAttempts: got %d, want 3", cfg.MaxAttempts)
	}
	if cfg.PoolCeiling != 8 {
		t.Errorf("PoolCeiling: got %d, want 8", cfg.PoolCeiling)
	}
	if cfg.DefaultClass == "" {
		t.Error("DefaultClass empty")
	}
	if _, ok := cfg.Class(cfg.DefaultClass); !ok {
		t.Errorf("default class %q not declared", cfg.DefaultClass)
	}
	if cfg.StoreDriver != "sqlite" {
		t.Errorf("StoreDriver: got %q, want sqlite", cfg.StoreDriver)
	}
	if len(cfg.AutoApprovals) == 0 {
		t.Error("expected default auto-approval table")
	}
}

func TestLoad_fileOverrides(t *testing.T) {
	t.Parallel()
	home := t.TempDir()
	data := `
listen_addr: "127.0.0.1:9999"
max_attempts: 5
default_class: fast
classes:
  - name: fast
    tool: aider
    image: cloudcode/worker-aider:latest
    keywords: [fix, typo]
`
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(home)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:9999" {
		t.Errorf("ListenAddr: got %q", cfg.ListenAddr)
	}
	if cfg.MaxAttempts != 5 {
		t.Errorf("MaxAttempts: got %d, want 5", cfg.MaxAttempts)
	}
	cl, ok := cfg.Class("fast")
	if !ok || cl.Tool != "aider" {
		t.Fatalf("Class(fast): got %+v, ok=%v", cl, ok)
	}
}

func TestLoad_invalidDefaultClass(t *testing.T) {
	t.Parallel()
	home := t.TempDir()
	data := `
default_class: nope
classes:
  - name: general
    tool: claude
    image: img
`
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(home); err == nil {
		t.Fatal("expected error for undeclared default_class")
	}
}

func TestLoad_duplicateClass(t *testing.T) {
	t.Parallel()
	home := t.TempDir()
	data := `
classes:
  - name: general
    tool: claude
    image: img
  - name: general
    tool: aider
    image: img2
`
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(home); err == nil {
		t.Fatal("expected error for duplicate class name")
	}
}

func TestSaveLoad_roundTrip(t *testing.T) {
	t.Parallel()
	home := t.TempDir()
	cfg := &Config{ListenAddr: "127.0.0.1:7777", MaxAttempts: 2}
	if err := Save(home, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(home)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.ListenAddr != "127.0.0.1:7777" || got.MaxAttempts != 2 {
		t.Fatalf("round trip: got %+v", got)
	}
}
