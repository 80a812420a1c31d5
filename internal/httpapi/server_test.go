package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lsadehaan/cloud-code/internal/broker"
	"github.com/lsadehaan/cloud-code/internal/config"
	"github.com/lsadehaan/cloud-code/internal/dispatch"
	"github.com/lsadehaan/cloud-code/internal/fleet"
	"github.com/lsadehaan/cloud-code/internal/routing"
	"github.com/lsadehaan/cloud-code/internal/secrets"
	"github.com/lsadehaan/cloud-code/internal/store"
	"github.com/lsadehaan/cloud-code/internal/tracker"
	"github.com/lsadehaan/cloud-code/internal/workspace"
	"github.com/lsadehaan/cloud-code/pkg/models"
)

func newTestApp(t *testing.T, opts ServerOptions) (*App, *httptest.Server) {
	t.Helper()
	home := t.TempDir()
	opts.Home = home
	cfg, err := config.Load(home)
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	st, err := store.Open(home)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	fl := fleet.NewManager(fleet.NewStubExecutor(), cfg.Classes, cfg.PoolCeiling)
	br := broker.New(&secrets.EnvStore{}, cfg.AutoApprovals, time.Hour, 10*time.Minute)
	d := dispatch.New(cfg, workspace.NewManager(home), fl, br, st, &tracker.LogNotifier{}, routing.StaticResolver{Class: cfg.DefaultClass})

	app, err := NewApp(opts, d, fl, br, st)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	srv := httptest.NewServer(app.Server.Handler)
	t.Cleanup(srv.Close)
	return app, srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func TestHealth(t *testing.T) {
	_, srv := newTestApp(t, ServerOptions{})
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	if body["ok"] != true {
		t.Errorf("body: %v", body)
	}
}

func TestItems_submitAndGet(t *testing.T) {
	_, srv := newTestApp(t, ServerOptions{})

	resp := postJSON(t, srv.URL+"/items", map[string]any{
		"title":      "Fix flaky test",
		"repo_owner": "acme",
		"repo_name":  "repo",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("submit status: %d", resp.StatusCode)
	}
	item := decode[models.WorkItem](t, resp)
	if item.ID == "" || item.Status != models.StatusPending {
		t.Fatalf("item: %+v", item)
	}
	if item.CapabilityClass == "" {
		t.Error("class not defaulted")
	}

	resp, err := http.Get(srv.URL + "/items/" + item.ID)
	if err != nil {
		t.Fatal(err)
	}
	got := decode[models.WorkItem](t, resp)
	if got.ID != item.ID {
		t.Errorf("get: %+v", got)
	}

	resp, err = http.Get(srv.URL + "/items")
	if err != nil {
		t.Fatal(err)
	}
	list := decode[[]models.WorkItem](t, resp)
	if len(list) != 1 {
		t.Errorf("list: %d items", len(list))
	}
}

func TestItems_validation(t *testing.T) {
	_, srv := newTestApp(t, ServerOptions{})

	resp := postJSON(t, srv.URL+"/items", map[string]any{"repo_owner": "acme", "repo_name": "repo"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing title: %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/items", map[string]any{"title": "x"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing repo: %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp, err := http.Get(srv.URL + "/items/no-such-item")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown item: %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestItems_cancelAndConflict(t *testing.T) {
	_, srv := newTestApp(t, ServerOptions{})
	resp := postJSON(t, srv.URL+"/items", map[string]any{
		"title": "t", "repo_owner": "acme", "repo_name": "repo",
	})
	item := decode[models.WorkItem](t, resp)

	resp = postJSON(t, srv.URL+"/items/"+item.ID+"/cancel", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel: %d", resp.StatusCode)
	}
	got := decode[models.WorkItem](t, resp)
	if got.Status != models.StatusCancelled {
		t.Errorf("status: %s", got.Status)
	}

	resp = postJSON(t, srv.URL+"/items/"+item.ID+"/cancel", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second cancel: %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/items/"+item.ID+"/unblock", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("unblock cancelled item: %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestItems_executionsEmpty(t *testing.T) {
	_, srv := newTestApp(t, ServerOptions{})
	resp := postJSON(t, srv.URL+"/items", map[string]any{
		"title": "t", "repo_owner": "acme", "repo_name": "repo",
	})
	item := decode[models.WorkItem](t, resp)

	resp, err := http.Get(srv.URL + "/items/" + item.ID + "/executions")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("executions: %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestStations(t *testing.T) {
	_, srv := newTestApp(t, ServerOptions{})
	resp, err := http.Get(srv.URL + "/stations")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stations: %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/stations/missing")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown station: %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestCredentials(t *testing.T) {
	_, srv := newTestApp(t, ServerOptions{})
	resp, err := http.Get(srv.URL + "/credentials")
	if err != nil {
		t.Fatal(err)
	}
	pending := decode[[]models.CredentialRequest](t, resp)
	if len(pending) != 0 {
		t.Errorf("pending: %+v", pending)
	}

	resp = postJSON(t, srv.URL+"/credentials/no-such-request/approve", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("approve unknown: %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/credentials/no-such-request/deny", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("deny unknown: %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAPIKeyMiddleware(t *testing.T) {
	_, srv := newTestApp(t, ServerOptions{APIKey: "sekrit"})

	// Health is always open.
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health: %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/items")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no key: %d", resp.StatusCode)
	}
	resp.Body.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/items", nil)
	req.Header.Set("X-API-Key", "sekrit")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("with key: %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Query-string key also accepted.
	resp, err = http.Get(srv.URL + "/items?api_key=sekrit")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("query key: %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestMetricsFallback(t *testing.T) {
	_, srv := newTestApp(t, ServerOptions{})
	postJSON(t, srv.URL+"/items", map[string]any{
		"title": "t", "repo_owner": "acme", "repo_name": "repo",
	}).Body.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "cloudcode_work_items_total") {
		t.Errorf("metrics body: %s", body)
	}
}

func TestConfigEndpoint(t *testing.T) {
	app, srv := newTestApp(t, ServerOptions{})
	resp, err := http.Get(srv.URL + "/config")
	if err != nil {
		t.Fatal(err)
	}
	cfg := decode[models.Config](t, resp)
	if cfg.Home != app.Home {
		t.Errorf("home: %s", cfg.Home)
	}
	if cfg.BootstrapID == "" {
		t.Error("bootstrap id empty")
	}

	// The bootstrap id is stable across calls.
	resp, err = http.Get(srv.URL + "/config")
	if err != nil {
		t.Fatal(err)
	}
	again := decode[models.Config](t, resp)
	if again.BootstrapID != cfg.BootstrapID {
		t.Errorf("bootstrap id changed: %s vs %s", again.BootstrapID, cfg.BootstrapID)
	}
}
