// Package broker resolves scoped credential requests filed by workers. A
// static table decides which (type, scope) pairs may be granted without a
// human; everything else parks as pending review. Granted material is written
// as a short-lived grant file into the workspace credentials directory and
// removed again when the workspace is released.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/lsadehaan/cloud-code/internal/config"
	"github.com/lsadehaan/cloud-code/internal/protocol"
	"github.com/lsadehaan/cloud-code/internal/secrets"
	"github.com/lsadehaan/cloud-code/pkg/models"
)

// GrantFile is the JSON document injected into the workspace credentials
// directory, one file per credential type.
type GrantFile struct {
	RequestID string    `json:"request_id"`
	Type      string    `json:"type"`
	Scope     string    `json:"scope"`
	Token     string    `json:"token"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type request struct {
	models.CredentialRequest
	workspace string
	expiresAt time.Time
}

// Broker applies the auto-approval policy and manages grant lifecycles.
type Broker struct {
	store       secrets.Store
	ttl         time.Duration
	renewWithin time.Duration
	now         func() time.Time

	mu       sync.Mutex
	table    map[string]map[string]bool // type -> scope -> allowed
	requests map[string]*request        // by request id
}

// New builds a broker over store with the given auto-approval table.
func New(store secrets.Store, approvals []config.AutoApproval, ttl, renewWithin time.Duration) *Broker {
	table := map[string]map[string]bool{}
	for _, a := range approvals {
		scopes := table[a.Type]
		if scopes == nil {
			scopes = map[string]bool{}
			table[a.Type] = scopes
		}
		for _, s := range a.Scopes {
			scopes[s] = true
		}
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	if renewWithin <= 0 {
		renewWithin = 10 * time.Minute
	}
	return &Broker{
		store:       store,
		ttl:         ttl,
		renewWithin: renewWithin,
		now:         time.Now,
		table:       table,
		requests:    map[string]*request{},
	}
}

func (b *Broker) autoApproved(credType, scope string) bool {
	scopes, ok := b.table[credType]
	return ok && scopes[scope]
}

// Process reconciles the credential requests reported from one workspace:
// new in-policy requests are granted and injected, new out-of-policy requests
// park as pending review, denied requests stay denied, and injected grants
// close to expiry are re-issued in place.
func (b *Broker) Process(ctx context.Context, workspacePath string, reqs []models.CredentialRequest) error {
	var firstErr error
	for _, cr := range reqs {
		if cr.ID == "" {
			continue
		}
		b.mu.Lock()
		known, ok := b.requests[cr.ID]
		if !ok {
			known = &request{CredentialRequest: cr, workspace: workspacePath}
			known.Status = models.CredPending
			b.requests[cr.ID] = known
		}
		status := known.Status
		expiresAt := known.expiresAt
		b.mu.Unlock()

		switch status {
		case models.CredPending:
			if b.autoApproved(cr.Type, cr.Scope) {
				if err := b.issue(ctx, known); err != nil && firstErr == nil {
					firstErr = err
				}
			}
			// Out-of-policy requests stay pending until a human decides.
		case models.CredInjected:
			if b.now().Add(b.renewWithin).After(expiresAt) {
				if err := b.issue(ctx, known); err != nil && firstErr == nil {
					firstErr = err
				}
			}
		case models.CredDenied:
			// Denied is final; never auto-retried.
		}
	}
	return firstErr
}

// issue fetches the base material, synthesizes a scoped short-lived grant,
// and writes it into the workspace credentials directory.
func (b *Broker) issue(ctx context.Context, r *request) error {
	token, err := b.store.Fetch(ctx, r.Type)
	if err != nil {
		return fmt.Errorf("issue %s (%s): %w", r.ID, r.Type, err)
	}
	now := b.now().UTC()
	gf := GrantFile{
		RequestID: r.ID,
		Type:      r.Type,
		Scope:     r.Scope,
		Token:     token,
		IssuedAt:  now,
		ExpiresAt: now.Add(b.ttl),
	}
	if err := writeGrant(protocol.CredentialsPath(r.workspace), gf); err != nil {
		return fmt.Errorf("inject %s: %w", r.ID, err)
	}
	b.mu.Lock()
	r.Status = models.CredInjected
	r.expiresAt = gf.ExpiresAt
	b.mu.Unlock()
	slog.Info("credential injected", "request", r.ID, "type", r.Type, "scope", r.Scope, "expires_at", gf.ExpiresAt)
	return nil
}

func writeGrant(dir string, gf GrantFile) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(gf, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, gf.Type+".json"), data, 0o600)
}

// Pending returns requests waiting for human review, sorted by request time.
func (b *Broker) Pending() []models.CredentialRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []models.CredentialRequest
	for _, r := range b.requests {
		if r.Status == models.CredPending && !b.autoApproved(r.Type, r.Scope) {
			out = append(out, r.CredentialRequest)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out
}

// Approve grants a pending request by human decision and injects it.
func (b *Broker) Approve(ctx context.Context, requestID string) error {
	b.mu.Lock()
	r, ok := b.requests[requestID]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("unknown credential request %q", requestID)
	}
	if r.Status == models.CredDenied {
		b.mu.Unlock()
		return fmt.Errorf("credential request %q was denied", requestID)
	}
	b.mu.Unlock()
	return b.issue(ctx, r)
}

// Deny marks a request as denied. Denied requests are never re-issued, even
// if the worker files them again.
func (b *Broker) Deny(requestID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.requests[requestID]
	if !ok {
		return fmt.Errorf("unknown credential request %q", requestID)
	}
	r.Status = models.CredDenied
	return nil
}

// Status returns the broker's view of a request.
func (b *Broker) Status(requestID string) (models.CredentialRequest, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.requests[requestID]
	if !ok {
		return models.CredentialRequest{}, false
	}
	return r.CredentialRequest, true
}

// Invalidate removes every grant injected into workspacePath and forgets the
// associated requests. Called when a workspace is released.
func (b *Broker) Invalidate(workspacePath string) error {
	b.mu.Lock()
	for id, r := range b.requests {
		if r.workspace == workspacePath {
			delete(b.requests, id)
		}
	}
	b.mu.Unlock()
	dir := protocol.CredentialsPath(workspacePath)
	if err := os.RemoveAll(dir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("invalidate %s: %w", workspacePath, err)
	}
	return nil
}
