package runner

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestForTool(t *testing.T) {
	t.Parallel()
	for _, tool := range Tools() {
		r, err := ForTool(tool, time.Minute, "")
		if err != nil {
			t.Errorf("ForTool(%s): %v", tool, err)
			continue
		}
		if r.Name() != tool {
			t.Errorf("Name: got %q, want %q", r.Name(), tool)
		}
	}
	if _, err := ForTool("vim", time.Minute, ""); err == nil {
		t.Error("expected error for unsupported tool")
	}
}

func TestParseHandoff(t *testing.T) {
	t.Parallel()
	tests := []struct {
		output string
		want   string
	}{
		{"all done", ""},
		{"I cannot proceed.\nrecommend_handoff: reviewer\n", "reviewer"},
		{"RECOMMEND_HANDOFF: Heavy-Duty", "heavy-duty"},
		{"mentions recommend_handoff without colon class", ""},
	}
	for _, tt := range tests {
		if got := ParseHandoff(tt.output); got != tt.want {
			t.Errorf("ParseHandoff(%q): got %q, want %q", tt.output, got, tt.want)
		}
	}
}

func TestParseCost(t *testing.T) {
	t.Parallel()
	tests := []struct {
		output string
		want   float64
	}{
		{"no cost here", 0},
		{"Total cost: $0.42", 0.42},
		{"total cost 1.5", 1.5},
		{"TOTAL COST: $12", 12},
	}
	for _, tt := range tests {
		if got := ParseCost(tt.output); got != tt.want {
			t.Errorf("ParseCost(%q): got %v, want %v", tt.output, got, tt.want)
		}
	}
}

func TestSubprocess_timeout(t *testing.T) {
	t.Parallel()
	r := &Subprocess{
		Tool:    "sleepy",
		Timeout: 50 * time.Millisecond,
		spec:    commandSpec{command: "sleep", args: []string{"5"}},
	}
	_, err := r.Run(context.Background(), t.TempDir(), "")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestSubprocess_capturesOutput(t *testing.T) {
	t.Parallel()
	r := &Subprocess{
		Tool: "echoer",
		spec: commandSpec{command: "echo", args: []string{"recommend_handoff: reviewer"}},
	}
	res, err := r.Run(context.Background(), t.TempDir(), "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.HandoffClass != "reviewer" {
		t.Errorf("HandoffClass: got %q", res.HandoffClass)
	}
}

func TestStub(t *testing.T) {
	t.Parallel()
	s := &Stub{
		Results: []Result{{Output: "first"}, {Output: "second"}},
		Errs:    []error{nil, errors.New("boom")},
	}
	res, err := s.Run(context.Background(), "", "p1")
	if err != nil || res.Output != "first" {
		t.Fatalf("first call: %v %v", res, err)
	}
	if _, err := s.Run(context.Background(), "", "p2"); err == nil {
		t.Fatal("expected scripted error")
	}
	if len(s.Calls) != 2 || s.Calls[0] != "p1" {
		t.Errorf("Calls: %v", s.Calls)
	}
}
