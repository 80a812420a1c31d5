package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lsadehaan/cloud-code/pkg/models"
)

func TestNew(t *testing.T) {
	c := New("http://localhost:4820", "")
	if c.BaseURL != "http://localhost:4820" || c.APIKey != "" {
		t.Errorf("New: %+v", c)
	}
	c2 := New("http://localhost:4820", "secret")
	if c2.APIKey != "secret" {
		t.Errorf("New with key: %+v", c2)
	}
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	ok, err := c.Health(context.Background())
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if !ok {
		t.Fatal("Health: expected ok true")
	}
}

func TestHealth_error(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":"down"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	if _, err := c.Health(context.Background()); err == nil {
		t.Fatal("expected error from 503")
	}
}

func TestClient_setsAPIKeyHeader(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-Key")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "mykey")
	_, _ = c.Health(context.Background())
	if gotKey != "mykey" {
		t.Errorf("X-API-Key: got %q", gotKey)
	}
}

func TestSubmitItem(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/items" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		var in models.WorkItem
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			t.Fatalf("decode: %v", err)
		}
		in.ID = "item-1"
		in.Status = "pending"
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(in)
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	got, err := c.SubmitItem(context.Background(), models.WorkItem{
		Title:     "Fix flaky test",
		RepoOwner: "acme",
		RepoName:  "repo",
	})
	if err != nil {
		t.Fatalf("SubmitItem: %v", err)
	}
	if got.ID != "item-1" || got.Status != "pending" || got.Title != "Fix flaky test" {
		t.Errorf("SubmitItem: %+v", got)
	}
}

func TestListItems_limit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/items" || r.URL.Query().Get("limit") != "5" {
			t.Errorf("url: %s", r.URL.String())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"id":"a","title":"t","capability_class":"general","priority":1,"repo_owner":"o","repo_name":"n","status":"pending","attempts":0,"cost_usd":0}]`))
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	items, err := c.ListItems(context.Background(), 5)
	if err != nil {
		t.Fatalf("ListItems: %v", err)
	}
	if len(items) != 1 || items[0].ID != "a" {
		t.Errorf("ListItems: %+v", items)
	}
}

func TestCancelItem_pathEscapes(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"x","title":"t","capability_class":"general","priority":1,"repo_owner":"o","repo_name":"n","status":"cancelled","attempts":0,"cost_usd":0}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	item, err := c.CancelItem(context.Background(), "x")
	if err != nil {
		t.Fatalf("CancelItem: %v", err)
	}
	if gotPath != "/items/x/cancel" {
		t.Errorf("path: %s", gotPath)
	}
	if item.Status != "cancelled" {
		t.Errorf("status: %s", item.Status)
	}
}

func TestCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/credentials":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`[{"id":"req-1","type":"github_token","scope":"read_only","status":"pending"}]`))
		case "/credentials/req-1/approve":
			if r.Method != http.MethodPost {
				t.Errorf("method: %s", r.Method)
			}
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"ok":true}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	reqs, err := c.ListCredentials(context.Background())
	if err != nil {
		t.Fatalf("ListCredentials: %v", err)
	}
	if len(reqs) != 1 || reqs[0].Type != "github_token" {
		t.Errorf("ListCredentials: %+v", reqs)
	}
	if err := c.ApproveCredential(context.Background(), "req-1"); err != nil {
		t.Fatalf("ApproveCredential: %v", err)
	}
}
