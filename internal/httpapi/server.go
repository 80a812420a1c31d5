// Package httpapi serves the daemon's control API: work-item submission and
// review, workstation inspection, credential approvals, metrics, and an SSE
// event stream for dashboards.
package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/lsadehaan/cloud-code/internal/broker"
	"github.com/lsadehaan/cloud-code/internal/dispatch"
	"github.com/lsadehaan/cloud-code/internal/fleet"
	"github.com/lsadehaan/cloud-code/internal/store"
	"github.com/lsadehaan/cloud-code/pkg/models"
)

// defaultMaxRequestBodyBytes is the default limit for request body size (1 MiB) to prevent OOM.
const defaultMaxRequestBodyBytes = 1 << 20

// limitBody wraps r.Body with http.MaxBytesReader so handlers cannot read more than maxBytes.
func limitBody(w http.ResponseWriter, r *http.Request, maxBytes int64) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
}

// bodyLimitMiddleware limits request body size for POST, PUT, PATCH to prevent OOM.
func bodyLimitMiddleware(maxBytes int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			limitBody(w, r, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// ServerOptions configures the HTTP server (home dir, listen addr, API key, metrics).
type ServerOptions struct {
	Home           string
	Addr           string
	APIKey         string       // if set, require X-API-Key header or query api_key
	MetricsHandler http.Handler // if set, used for /metrics (e.g. OTel Prometheus handler)
	UseOtelHTTP    bool         // if true, wrap handler with otelhttp for request metrics
}

// App holds the HTTP server, SSE hub, and the daemon components it fronts.
type App struct {
	Server     *http.Server
	Hub        *SSEHub
	Dispatcher *dispatch.Dispatcher
	Home       string
}

// NewApp registers all routes over the daemon components and wires dispatcher
// events into the SSE stream.
func NewApp(opts ServerOptions, d *dispatch.Dispatcher, fl *fleet.Manager, br *broker.Broker, st store.Store) (*App, error) {
	if d == nil || fl == nil || br == nil || st == nil {
		return nil, errors.New("httpapi: all daemon components are required")
	}
	hub := NewSSEHub()
	d.Events = func(ev dispatch.Event) {
		hub.Publish(ev.Type, map[string]any{"item": ev.Item})
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"ok": true})
	})

	if opts.MetricsHandler != nil {
		mux.Handle("/metrics", opts.MetricsHandler)
	} else {
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			_, _ = fmt.Fprintf(w, "# TYPE cloudcode_work_items_total gauge\n")
			for status, n := range d.ItemCounts() {
				_, _ = fmt.Fprintf(w, "cloudcode_work_items_total{status=%q} %d\n", status, n)
			}
		})
	}

	mux.HandleFunc("/config", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, models.Config{Home: opts.Home, BootstrapID: getBootstrapID(opts.Home)})
	})

	mux.Handle("/stream", hub)

	// --- Work items ---
	mux.HandleFunc("/items", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			items := d.Items()
			limit := 0
			if l := r.URL.Query().Get("limit"); l != "" {
				if n, _ := fmt.Sscanf(l, "%d", &limit); n == 1 && limit > 0 {
					if limit > models.DefaultTaskListLimit {
						limit = models.DefaultTaskListLimit
					}
					if limit < len(items) {
						items = items[:limit]
					}
				}
			}
			writeJSON(w, items)
			return
		case http.MethodPost:
			var body models.WorkItem
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				writeJSONError(w, http.StatusBadRequest, "invalid json")
				return
			}
			if body.Title == "" {
				writeJSONError(w, http.StatusBadRequest, "title required")
				return
			}
			if body.RepoOwner == "" || body.RepoName == "" {
				writeJSONError(w, http.StatusBadRequest, "repo_owner and repo_name required")
				return
			}
			item, err := d.Submit(r.Context(), body)
			if err != nil {
				writeJSONError(w, http.StatusBadRequest, err.Error())
				return
			}
			writeJSON(w, item)
			return
		default:
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
	})

	// --- Item-scoped endpoints ---
	mux.HandleFunc("/items/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/items/")
		parts := strings.Split(rest, "/")
		if len(parts) < 1 || parts[0] == "" {
			writeJSONError(w, http.StatusNotFound, "not found")
			return
		}
		id := parts[0]
		item, ok := d.Item(id)
		if !ok {
			writeJSONError(w, http.StatusNotFound, "work item not found")
			return
		}

		// /items/{id}
		if len(parts) == 1 || parts[1] == "" {
			if r.Method != http.MethodGet {
				writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			writeJSON(w, item)
			return
		}

		switch parts[1] {
		case "report":
			if r.Method != http.MethodGet {
				writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			report, ok := d.Report(id)
			if !ok {
				writeJSONError(w, http.StatusNotFound, "no report for item")
				return
			}
			writeJSON(w, report)
			return

		case "executions":
			if r.Method != http.MethodGet {
				writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			execs, err := st.ListExecutions(r.Context(), id)
			if err != nil {
				writeJSONError(w, http.StatusInternalServerError, err.Error())
				return
			}
			writeJSON(w, execs)
			return

		case "grants":
			if r.Method != http.MethodGet {
				writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			grants, err := st.ListGrants(r.Context(), id)
			if err != nil {
				writeJSONError(w, http.StatusInternalServerError, err.Error())
				return
			}
			writeJSON(w, grants)
			return

		case "cancel":
			if r.Method != http.MethodPost {
				writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			if err := d.Cancel(r.Context(), id); err != nil {
				writeJSONError(w, http.StatusConflict, err.Error())
				return
			}
			updated, _ := d.Item(id)
			writeJSON(w, updated)
			return

		case "unblock":
			if r.Method != http.MethodPost {
				writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			if err := d.Unblock(r.Context(), id); err != nil {
				writeJSONError(w, http.StatusConflict, err.Error())
				return
			}
			updated, _ := d.Item(id)
			writeJSON(w, updated)
			return

		default:
			writeJSONError(w, http.StatusNotFound, "not found")
			return
		}
	})

	// --- Workstations ---
	mux.HandleFunc("/stations", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		writeJSON(w, fl.List())
	})
	mux.HandleFunc("/stations/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		id := strings.TrimPrefix(r.URL.Path, "/stations/")
		st, ok := fl.Station(id)
		if !ok {
			writeJSONError(w, http.StatusNotFound, "workstation not found")
			return
		}
		writeJSON(w, st.Workstation)
	})

	// --- Credential reviews ---
	mux.HandleFunc("/credentials", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		pending := br.Pending()
		if pending == nil {
			pending = []models.CredentialRequest{}
		}
		writeJSON(w, pending)
	})
	mux.HandleFunc("/credentials/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		rest := strings.TrimPrefix(r.URL.Path, "/credentials/")
		parts := strings.Split(rest, "/")
		if len(parts) != 2 || parts[0] == "" {
			writeJSONError(w, http.StatusNotFound, "not found")
			return
		}
		id, action := parts[0], parts[1]
		switch action {
		case "approve":
			if err := br.Approve(r.Context(), id); err != nil {
				writeJSONError(w, http.StatusBadRequest, err.Error())
				return
			}
		case "deny":
			if err := br.Deny(id); err != nil {
				writeJSONError(w, http.StatusBadRequest, err.Error())
				return
			}
		default:
			writeJSONError(w, http.StatusNotFound, "not found")
			return
		}
		hub.Publish("credential_update", map[string]any{"request": id, "action": action})
		writeJSON(w, map[string]any{"ok": true})
	})

	var handler http.Handler = mux
	handler = bodyLimitMiddleware(defaultMaxRequestBodyBytes, handler)
	if opts.APIKey != "" {
		handler = apiKeyMiddleware(opts.APIKey, handler)
	}
	handler = requestLogMiddleware(handler)
	if opts.UseOtelHTTP {
		handler = otelhttp.NewHandler(handler, "cloudcode")
	}
	srv := &http.Server{
		Addr:              opts.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return &App{Server: srv, Hub: hub, Dispatcher: d, Home: opts.Home}, nil
}

// responseRecorder captures status code for logging and forwards Flusher if supported.
type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func apiKeyMiddleware(apiKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if path == "/health" || path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = r.URL.Query().Get("api_key")
		}
		if key != apiKey {
			writeJSONError(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, req)
		slog.Info("request",
			"method", req.Method,
			"path", req.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

// getBootstrapID returns the stable install id, minting one on first call.
func getBootstrapID(home string) string {
	protected := filepath.Join(home, "protected")
	_ = os.MkdirAll(protected, 0o755)
	path := filepath.Join(protected, "bootstrap_id")
	if b, err := os.ReadFile(path); err == nil {
		if s := strings.TrimSpace(string(b)); s != "" {
			return s
		}
	}
	id := randomHex(16)
	_ = os.WriteFile(path, []byte(id+"\n"), 0o644)
	return id
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// fallback: time-based
		return hex.EncodeToString([]byte(time.Now().Format(time.RFC3339Nano)))
	}
	return hex.EncodeToString(b)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

// writeJSONError sends a JSON body {"error": "message"} with the given status code.
func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": message})
}
