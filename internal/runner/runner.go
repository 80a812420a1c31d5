// Package runner invokes coding tools against a workspace. Each supported
// tool is a subprocess with a known non-interactive invocation; the worker
// loop feeds it a prompt and interprets the textual result.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/lsadehaan/cloud-code/internal/sandbox"
)

// ErrTimeout is returned when the tool exceeds its wall-clock budget.
var ErrTimeout = errors.New("tool execution timed out")

// Result is what a tool run produced.
type Result struct {
	Output string
	// CostUSD is the spend the tool reported for this run, 0 when unknown.
	CostUSD float64
	// HandoffClass is set when the tool recommends another capability class
	// take over the task.
	HandoffClass string
}

// Runner executes one prompt against a workspace directory.
type Runner interface {
	Name() string
	Run(ctx context.Context, dir, prompt string) (Result, error)
}

type commandSpec struct {
	command string
	args    []string
	// promptArg true means the prompt is passed as a trailing argument;
	// false means it is written to stdin.
	promptArg bool
}

// toolTable maps tool names to their non-interactive invocations.
var toolTable = map[string]commandSpec{
	"claude": {command: "claude", args: []string{"-p", "--output-format", "text", "--dangerously-skip-permissions"}, promptArg: true},
	"aider":  {command: "aider", args: []string{"--yes-always", "--no-auto-commits", "--message"}, promptArg: true},
	"codex":  {command: "codex", args: []string{"exec", "--full-auto"}, promptArg: true},
	"gemini": {command: "gemini", args: []string{"--yolo", "-p"}, promptArg: true},
}

// Tools returns the supported tool names.
func Tools() []string {
	out := make([]string, 0, len(toolTable))
	for name := range toolTable {
		out = append(out, name)
	}
	return out
}

// Subprocess runs one coding tool as a child process.
type Subprocess struct {
	Tool    string
	Timeout time.Duration
	// SandboxHome enables bubblewrap confinement when set; writes are then
	// restricted to the workspace directory.
	SandboxHome string
	// Env entries appended to the tool environment (e.g. credential paths).
	Env []string

	spec commandSpec
}

// ForTool returns a subprocess runner for a supported tool name.
func ForTool(tool string, timeout time.Duration, sandboxHome string) (*Subprocess, error) {
	spec, ok := toolTable[tool]
	if !ok {
		return nil, fmt.Errorf("unsupported tool %q", tool)
	}
	return &Subprocess{Tool: tool, Timeout: timeout, SandboxHome: sandboxHome, spec: spec}, nil
}

func (r *Subprocess) Name() string { return r.Tool }

// Run executes the tool in dir with prompt. A deadline overrun maps to
// ErrTimeout so callers can distinguish it from tool failure.
func (r *Subprocess) Run(ctx context.Context, dir, prompt string) (Result, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	args := append([]string(nil), r.spec.args...)
	if r.spec.promptArg {
		args = append(args, prompt)
	}
	cmd := sandbox.WrapCommand(ctx, r.SandboxHome, dir, r.spec.command, args)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), r.Env...)
	if !r.spec.promptArg {
		cmd.Stdin = strings.NewReader(prompt)
	}
	out, err := cmd.CombinedOutput()
	output := string(out)
	if ctx.Err() == context.DeadlineExceeded {
		return Result{Output: output}, fmt.Errorf("%s after %s: %w", r.Tool, r.Timeout, ErrTimeout)
	}
	if err != nil {
		return Result{Output: output}, fmt.Errorf("%s: %w: %s", r.Tool, err, truncate(output, 512))
	}
	return Result{
		Output:       output,
		CostUSD:      ParseCost(output),
		HandoffClass: ParseHandoff(output),
	}, nil
}

var (
	handoffRe = regexp.MustCompile(`(?mi)recommend_handoff:\s*([a-z0-9_-]+)`)
	costRe    = regexp.MustCompile(`(?mi)total cost[:=]?\s*\$?([0-9]+(?:\.[0-9]+)?)`)
)

// ParseHandoff extracts a "recommend_handoff:<class>" marker from tool output.
func ParseHandoff(output string) string {
	if m := handoffRe.FindStringSubmatch(output); m != nil {
		return strings.ToLower(m[1])
	}
	return ""
}

// ParseCost extracts a reported dollar spend from tool output, 0 when absent.
func ParseCost(output string) float64 {
	if m := costRe.FindStringSubmatch(output); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			return v
		}
	}
	return 0
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Stub is a scripted runner for tests and dry runs.
type Stub struct {
	Tool    string
	Results []Result
	Errs    []error
	Calls   []string // prompts received

	i int
}

func (s *Stub) Name() string {
	if s.Tool != "" {
		return s.Tool
	}
	return "stub"
}

func (s *Stub) Run(_ context.Context, _, prompt string) (Result, error) {
	s.Calls = append(s.Calls, prompt)
	idx := s.i
	s.i++
	var res Result
	if idx < len(s.Results) {
		res = s.Results[idx]
	}
	var err error
	if idx < len(s.Errs) {
		err = s.Errs[idx]
	}
	return res, err
}

var _ Runner = (*Subprocess)(nil)
var _ Runner = (*Stub)(nil)

// CheckTool reports whether the tool's binary is installed.
func CheckTool(tool string) error {
	spec, ok := toolTable[tool]
	if !ok {
		return fmt.Errorf("unsupported tool %q", tool)
	}
	if _, err := exec.LookPath(spec.command); err != nil {
		return fmt.Errorf("tool %q: %w", tool, err)
	}
	return nil
}
