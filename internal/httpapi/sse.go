package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/lsadehaan/cloud-code/internal/otel"
	"github.com/lsadehaan/cloud-code/pkg/models"
)

// keepaliveInterval is how often an idle stream gets a comment line so
// intermediaries don't reap the connection.
const keepaliveInterval = 30 * time.Second

// SSEHub fans daemon events out to /stream clients. It is an http.Handler:
// every request subscribes for the lifetime of its connection. A subscriber
// that stops draining its buffer misses events instead of stalling the rest.
type SSEHub struct {
	mu   sync.Mutex
	subs map[chan []byte]struct{}
}

func NewSSEHub() *SSEHub {
	return &SSEHub{subs: map[chan []byte]struct{}{}}
}

// Publish delivers one typed event to every connected client. The event type
// rides in the payload's "type" field alongside the given fields.
func (h *SSEHub) Publish(eventType string, fields map[string]any) {
	payload := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		payload[k] = v
	}
	payload["type"] = eventType
	b, err := json.Marshal(payload)
	if err != nil {
		return
	}
	otel.RecordSSEEvent(context.Background())
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- b:
		default: // subscriber too slow, skip it
		}
	}
}

func (h *SSEHub) subscribe() chan []byte {
	ch := make(chan []byte, models.DefaultSSEChannelBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	otel.AddSSEConnection()
	return ch
}

func (h *SSEHub) unsubscribe(ch chan []byte) {
	h.mu.Lock()
	_, ok := h.subs[ch]
	delete(h.subs, ch)
	h.mu.Unlock()
	if ok {
		close(ch)
		otel.RemoveSSEConnection()
	}
}

// ServeHTTP streams events to one client until it disconnects.
func (h *SSEHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ch := h.subscribe()
	defer h.unsubscribe(ch)

	writeData := func(b []byte) {
		_, _ = fmt.Fprintf(w, "data: %s\n\n", b)
		flusher.Flush()
	}
	// Opening event so clients know the stream is live.
	writeData([]byte(`{"type":"connected"}`))

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			_, _ = fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case msg, open := <-ch:
			if !open {
				return
			}
			writeData(msg)
		}
	}
}
