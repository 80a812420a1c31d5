package httpapi

import (
	"bufio"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestSSEHub_publishAndDrop(t *testing.T) {
	h := NewSSEHub()
	ch := h.subscribe()
	defer h.unsubscribe(ch)

	h.Publish("item_submitted", map[string]any{"item": map[string]any{"id": "item-1"}})
	select {
	case msg := <-ch:
		if !strings.Contains(string(msg), `"type":"item_submitted"`) {
			t.Errorf("msg: %s", msg)
		}
		if !strings.Contains(string(msg), "item-1") {
			t.Errorf("msg missing fields: %s", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("no message received")
	}

	// A full subscriber buffer never blocks the publisher.
	for i := 0; i < cap(ch)+10; i++ {
		h.Publish("tick", map[string]any{"n": i})
	}
}

func TestSSEHub_unsubscribeIdempotent(t *testing.T) {
	h := NewSSEHub()
	ch := h.subscribe()
	h.unsubscribe(ch)
	h.unsubscribe(ch)
	// Publishing after unsubscribe must not panic on the closed channel.
	h.Publish("x", nil)
}

func TestSSEHub_streams(t *testing.T) {
	h := NewSSEHub()
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type: %s", ct)
	}

	r := bufio.NewReader(resp.Body)
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(line, "connected") {
		t.Errorf("first event: %q", line)
	}

	go func() {
		// Give the handler a moment to enter its select loop.
		time.Sleep(50 * time.Millisecond)
		h.Publish("item_assigned", nil)
	}()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		line, err = r.ReadString('\n')
		if err != nil {
			t.Fatal(err)
		}
		if strings.Contains(line, "item_assigned") {
			return
		}
	}
	t.Fatal("published event never arrived")
}
