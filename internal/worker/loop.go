// Package worker implements the control loop that runs inside a workstation
// against one mounted workspace. It is the single writer of the workspace's
// reporting document and only ever reads the tasking document.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lsadehaan/cloud-code/internal/git"
	"github.com/lsadehaan/cloud-code/internal/protocol"
	"github.com/lsadehaan/cloud-code/internal/runner"
	"github.com/lsadehaan/cloud-code/pkg/models"
)

// credentialRe matches a tool asking for a scoped credential:
// request_credential: <type>/<scope>
var credentialRe = regexp.MustCompile(`(?mi)request_credential:\s*([a-z0-9_-]+)/([a-z0-9_-]+)`)

// Loop polls the tasking document, executes eligible tasks with a coding
// tool, and reports progress on the reporting channel.
type Loop struct {
	Workspace string
	AgentType string
	AgentID   string
	Runner    runner.Runner
	// Poll is the tasking-document poll interval.
	Poll time.Duration
	// CredentialWait bounds how long a task waits for a requested credential
	// before reporting blocked.
	CredentialWait time.Duration

	reporting *protocol.ReportingChannel
}

// New returns a worker loop over a mounted workspace.
func New(workspacePath, agentType string, r runner.Runner) *Loop {
	return &Loop{
		Workspace:      workspacePath,
		AgentType:      agentType,
		AgentID:        agentType + "-" + uuid.NewString()[:8],
		Runner:         r,
		Poll:           2 * time.Second,
		CredentialWait: 5 * time.Minute,
	}
}

// Run processes tasks until ctx is cancelled. It initializes a fresh
// reporting document on entry, discarding any previous run's state.
func (l *Loop) Run(ctx context.Context) error {
	l.reporting = protocol.NewReportingChannel(l.Workspace, l.AgentType, l.AgentID)
	if err := l.reporting.Init(); err != nil {
		return fmt.Errorf("init reporting: %w", err)
	}
	slog.Info("worker started", "agent", l.AgentID, "workspace", l.Workspace)

	for {
		task, err := l.next()
		if err != nil {
			slog.Warn("tasking poll failed", "error", err)
		}
		if task == nil {
			if err := l.reporting.SetAgentStatus(models.AgentIdle); err != nil {
				return err
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(l.Poll):
			}
			continue
		}
		if err := l.reporting.SetAgentStatus(models.AgentWorking); err != nil {
			return err
		}
		l.execute(ctx, task)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// next returns the next eligible task, or nil when nothing is ready. A
// corrupt tasking document is treated as empty and surfaced as an error.
func (l *Loop) next() (*protocol.Task, error) {
	tasking, terr := protocol.LoadTasking(l.Workspace)
	reporting, rerr := protocol.LoadReporting(l.Workspace)
	task := protocol.SelectNext(tasking, reporting)
	if terr != nil {
		return task, terr
	}
	return task, rerr
}

// cancelled re-reads the tasking document and reports whether the assignment
// has been withdrawn. Checked at every step boundary.
func (l *Loop) cancelled(taskID string) bool {
	tasking, err := protocol.LoadTasking(l.Workspace)
	if err != nil && !protocol.IsCorrupt(err) {
		return false
	}
	for _, t := range tasking.Tasks {
		if t.ID == taskID {
			return t.Status == models.AssignmentCancelled
		}
	}
	return false
}

// execute walks one task through received -> planning -> in_progress and a
// terminal report. Failures are reported, never returned: the loop survives
// any single task.
func (l *Loop) execute(ctx context.Context, task *protocol.Task) {
	report := func(status, msg string) {
		if err := l.reporting.ReportStatus(task.ID, status, msg); err != nil {
			slog.Error("report write failed", "task", task.ID, "error", err)
		}
	}

	report(models.ReportReceived, "task received")
	if l.cancelled(task.ID) {
		slog.Info("task cancelled before start", "task", task.ID)
		return
	}

	report(models.ReportPlanning, "building prompt")
	prompt := BuildPrompt(task)
	if l.cancelled(task.ID) {
		slog.Info("task cancelled during planning", "task", task.ID)
		return
	}

	report(models.ReportInProgress, "running "+l.Runner.Name())
	res, err := l.runWithCredentials(ctx, task, prompt)
	if err != nil {
		report(models.ReportFailed, "tool failed")
		l.setError(task.ID, err.Error())
		return
	}
	if l.cancelled(task.ID) {
		slog.Info("task cancelled after tool run", "task", task.ID)
		return
	}
	if res.HandoffClass != "" {
		l.reportBlocked(task.ID, "recommend_handoff:"+res.HandoffClass)
		return
	}

	l.finish(ctx, task, res)
}

// runWithCredentials runs the tool, and when the output asks for a scoped
// credential, files the request and waits for injection before one re-run.
func (l *Loop) runWithCredentials(ctx context.Context, task *protocol.Task, prompt string) (runner.Result, error) {
	res, err := l.Runner.Run(ctx, l.Workspace, prompt)
	if err != nil {
		return res, err
	}
	m := credentialRe.FindStringSubmatch(res.Output)
	if m == nil {
		return res, nil
	}
	credType, scope := strings.ToLower(m[1]), strings.ToLower(m[2])
	reqID := uuid.NewString()
	if err := l.reporting.RequestCredential(task.ID, reqID, credType, scope, "requested by "+l.Runner.Name()); err != nil {
		return res, err
	}
	if err := l.reporting.ReportStatus(task.ID, models.ReportInProgress, "waiting for credential "+credType+"/"+scope); err != nil {
		return res, err
	}
	if !l.waitForGrant(ctx, task.ID, credType) {
		return res, fmt.Errorf("credential %s/%s not granted in time", credType, scope)
	}
	return l.Runner.Run(ctx, l.Workspace, prompt)
}

// waitForGrant polls the credentials directory for the injected grant file,
// honoring cancellation at each checkpoint.
func (l *Loop) waitForGrant(ctx context.Context, taskID, credType string) bool {
	deadline := time.Now().Add(l.CredentialWait)
	grantPath := filepath.Join(protocol.CredentialsPath(l.Workspace), credType+".json")
	for time.Now().Before(deadline) {
		if _, err := os.Stat(grantPath); err == nil {
			return true
		}
		if l.cancelled(taskID) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(l.Poll):
		}
	}
	return false
}

// finish commits the work and writes the terminal completed report.
func (l *Loop) finish(ctx context.Context, task *protocol.Task, res runner.Result) {
	var files []models.FileChange

	changed, err := git.ChangedFiles(ctx, l.Workspace)
	if err != nil {
		slog.Warn("changed-files check failed", "task", task.ID, "error", err)
	}
	for _, f := range changed {
		files = append(files, models.FileChange{Path: f, ChangeType: "modified"})
	}
	var headSHA string
	if len(changed) > 0 {
		headSHA, err = git.CommitAll(ctx, l.Workspace, commitMessage(task))
		if err != nil {
			l.reportBlocked(task.ID, "commit failed: "+err.Error())
			return
		}
	}
	commits := l.branchCommits(ctx, task, headSHA)

	summary := ExtractSummary(res.Output)
	uerr := l.reporting.UpdateReport(task.ID, func(r *models.TaskReport) {
		r.Status = models.ReportCompleted
		r.Summary = summary
		r.Commits = append(r.Commits, commits...)
		r.FilesModified = append(r.FilesModified, files...)
		for _, c := range task.AcceptanceCriteria {
			r.AcceptanceCriteria = append(r.AcceptanceCriteria, models.CriterionStatus{Criterion: c, Status: "done"})
		}
		r.Progress = append(r.Progress, models.ProgressEntry{
			Timestamp: time.Now().UTC(),
			Status:    models.ReportCompleted,
			Message:   "task completed",
			Details:   map[string]any{"cost_usd": res.CostUSD, "commits": len(commits)},
		})
	})
	if uerr != nil {
		slog.Error("completion report failed", "task", task.ID, "error", uerr)
	}
	slog.Info("task completed", "task", task.ID, "commits", len(commits), "cost_usd", res.CostUSD)
}

// branchCommits lists every commit on the branch since the assignment's base
// revision, so work committed by earlier attempts is reported too. Without a
// base revision only this run's commit is known.
func (l *Loop) branchCommits(ctx context.Context, task *protocol.Task, headSHA string) []models.CommitRecord {
	lines, err := git.CommitsSince(ctx, l.Workspace, task.BaseRevision)
	if err != nil {
		slog.Warn("commit listing failed", "task", task.ID, "error", err)
		lines = nil
	}
	if len(lines) == 0 {
		if headSHA == "" {
			return nil
		}
		return []models.CommitRecord{{SHA: headSHA, Message: commitMessage(task)}}
	}
	commits := make([]models.CommitRecord, 0, len(lines))
	for _, line := range lines {
		sha, subject, _ := strings.Cut(line, "\t")
		commits = append(commits, models.CommitRecord{SHA: sha, Message: subject})
	}
	return commits
}

func (l *Loop) reportBlocked(taskID, reason string) {
	err := l.reporting.UpdateReport(taskID, func(r *models.TaskReport) {
		r.Status = models.ReportBlocked
		r.BlockedReason = reason
		r.Progress = append(r.Progress, models.ProgressEntry{
			Timestamp: time.Now().UTC(),
			Status:    models.ReportBlocked,
			Message:   reason,
		})
	})
	if err != nil {
		slog.Error("blocked report failed", "task", taskID, "error", err)
	}
}

func (l *Loop) setError(taskID, msg string) {
	err := l.reporting.UpdateReport(taskID, func(r *models.TaskReport) {
		r.Error = msg
	})
	if err != nil {
		slog.Error("error report failed", "task", taskID, "error", err)
	}
}

func commitMessage(task *protocol.Task) string {
	return fmt.Sprintf("%s (%s)", task.Title, task.ID)
}

// BuildPrompt renders the task into the prompt handed to the coding tool.
func BuildPrompt(task *protocol.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", task.Title)
	if task.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", task.Description)
	}
	if len(task.AcceptanceCriteria) > 0 {
		b.WriteString("\nAcceptance criteria:\n")
		for _, c := range task.AcceptanceCriteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	b.WriteString("\nWork only inside this repository. Do not run git branch, fetch, push, or merge commands.\n")
	b.WriteString("If the task needs a capability this tool lacks, output a single line: recommend_handoff:<class>.\n")
	b.WriteString("If you need a scoped credential, output a single line: request_credential:<type>/<scope>.\n")
	return b.String()
}

// ExtractSummary pulls a short human-readable summary from tool output: the
// last non-empty paragraph, capped at 500 characters.
func ExtractSummary(output string) string {
	paras := strings.Split(strings.TrimSpace(output), "\n\n")
	for i := len(paras) - 1; i >= 0; i-- {
		p := strings.TrimSpace(paras[i])
		if p == "" {
			continue
		}
		if len(p) > 500 {
			p = p[:500] + "..."
		}
		return p
	}
	return ""
}
