// Package secrets resolves long-lived credential material by logical name.
// The broker derives short-lived scoped tokens from what a Store returns;
// raw store material never reaches a workspace directly.
package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// ErrNotFound is returned when a logical name has no secret behind it.
type ErrNotFound struct{ Name string }

func (e *ErrNotFound) Error() string { return fmt.Sprintf("secret %q not found", e.Name) }

// Store fetches a long-lived credential by logical name (e.g. "github_token").
type Store interface {
	Fetch(ctx context.Context, name string) (string, error)
}

// EnvStore resolves secrets from environment variables, uppercasing the
// logical name with a prefix: github_token -> CLOUDCODE_SECRET_GITHUB_TOKEN.
// Intended for development and single-host deployments.
type EnvStore struct {
	Prefix string // empty means "CLOUDCODE_SECRET_"
}

func (s *EnvStore) Fetch(_ context.Context, name string) (string, error) {
	prefix := s.Prefix
	if prefix == "" {
		prefix = "CLOUDCODE_SECRET_"
	}
	key := prefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	if v := os.Getenv(key); v != "" {
		return v, nil
	}
	return "", &ErrNotFound{Name: name}
}

// VaultStore reads secrets from a HashiCorp Vault KV version 2 mount over the
// HTTP API. The secret is expected at <mount>/data/cloudcode/<name> with the
// material under the "value" key.
type VaultStore struct {
	Addr  string // e.g. https://vault.internal:8200
	Token string
	Mount string // empty means "secret"

	// Client overrides the HTTP client; nil means a 10s-timeout default.
	Client *http.Client
}

func (s *VaultStore) client() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func (s *VaultStore) mount() string {
	if s.Mount != "" {
		return s.Mount
	}
	return "secret"
}

type vaultResponse struct {
	Data struct {
		Data map[string]string `json:"data"`
	} `json:"data"`
}

func (s *VaultStore) Fetch(ctx context.Context, name string) (string, error) {
	if s.Addr == "" {
		return "", fmt.Errorf("vault address not set")
	}
	u := fmt.Sprintf("%s/v1/%s/data/cloudcode/%s",
		strings.TrimRight(s.Addr, "/"), s.mount(), url.PathEscape(name))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("X-Vault-Token", s.Token)
	resp, err := s.client().Do(req)
	if err != nil {
		return "", fmt.Errorf("vault fetch %s: %w", name, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusNotFound {
		return "", &ErrNotFound{Name: name}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("vault fetch %s: status %d", name, resp.StatusCode)
	}
	var vr vaultResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return "", fmt.Errorf("vault fetch %s: decode: %w", name, err)
	}
	v, ok := vr.Data.Data["value"]
	if !ok || v == "" {
		return "", &ErrNotFound{Name: name}
	}
	return v, nil
}
