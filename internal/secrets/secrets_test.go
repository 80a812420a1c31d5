package secrets

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestEnvStore(t *testing.T) {
	t.Setenv("CLOUDCODE_SECRET_GITHUB_TOKEN", "ghp_test")
	s := &EnvStore{}
	got, err := s.Fetch(context.Background(), "github_token")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got != "ghp_test" {
		t.Errorf("Fetch: got %q", got)
	}
}

func TestEnvStore_missing(t *testing.T) {
	t.Setenv("CLOUDCODE_SECRET_NOPE", "")
	s := &EnvStore{}
	_, err := s.Fetch(context.Background(), "nope")
	var nf *ErrNotFound
	if !errors.As(err, &nf) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestVaultStore_fetch(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/secret/data/cloudcode/github_token" {
			t.Errorf("path: %s", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("X-Vault-Token") != "tok" {
			t.Errorf("token header: %q", r.Header.Get("X-Vault-Token"))
		}
		w.Write([]byte(`{"data":{"data":{"value":"ghp_vault"}}}`))
	}))
	defer srv.Close()

	s := &VaultStore{Addr: srv.URL, Token: "tok"}
	got, err := s.Fetch(context.Background(), "github_token")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got != "ghp_vault" {
		t.Errorf("Fetch: got %q", got)
	}
}

func TestVaultStore_notFound(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	s := &VaultStore{Addr: srv.URL, Token: "tok"}
	_, err := s.Fetch(context.Background(), "missing")
	var nf *ErrNotFound
	if !errors.As(err, &nf) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestVaultStore_emptyValue(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"data":{}}}`))
	}))
	defer srv.Close()

	s := &VaultStore{Addr: srv.URL}
	if _, err := s.Fetch(context.Background(), "empty"); err == nil {
		t.Fatal("expected error for empty value")
	}
}
