// Package protocol implements the dual-channel file exchange between the
// dispatcher and a worker sharing a workspace. The dispatcher is the only
// writer of tasking.yaml; the worker is the only writer of reporting.yaml.
// Every write replaces the whole document atomically (temp file + rename in
// the same directory), so a reader never observes a partial document.
package protocol

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lsadehaan/cloud-code/pkg/models"
)

const (
	// Dir is the control directory inside every workspace.
	Dir = ".cloud-code"

	TaskingFile   = "tasking.yaml"
	ReportingFile = "reporting.yaml"
	// CredentialsDir holds broker-injected secret files, one per grant.
	CredentialsDir = "credentials"

	// Version is the current document schema version.
	Version = 1
)

// CorruptionError flags a document that exists but cannot be parsed. Callers
// receive an empty document alongside it and decide how loudly to react.
type CorruptionError struct {
	Path string
	Err  error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("corrupt protocol document %s: %v", e.Path, e.Err)
}

func (e *CorruptionError) Unwrap() error { return e.Err }

// Task is one assignment in the tasking document.
type Task struct {
	ID                 string   `yaml:"id"`
	Title              string   `yaml:"title"`
	Description        string   `yaml:"description,omitempty"`
	Status             string   `yaml:"status"` // assigned | cancelled
	Priority           int      `yaml:"priority"`
	Branch             string   `yaml:"branch,omitempty"`
	BaseRevision       string   `yaml:"base_revision,omitempty"`
	WorkspaceMode      string   `yaml:"workspace_mode,omitempty"`
	AcceptanceCriteria []string `yaml:"acceptance_criteria,omitempty"`
	DependsOn          []string `yaml:"depends_on,omitempty"`
	CapabilityClass    string   `yaml:"capability_class,omitempty"`
}

// TaskingDoc is the dispatcher-owned channel document.
type TaskingDoc struct {
	Version   int       `yaml:"version"`
	UpdatedAt time.Time `yaml:"updated_at"`
	Workspace string    `yaml:"workspace,omitempty"`
	Tasks     []Task    `yaml:"tasks"`
}

// ReportingDoc is the worker-owned channel document.
type ReportingDoc struct {
	Version   int                           `yaml:"version"`
	AgentType string                        `yaml:"agent_type,omitempty"`
	AgentID   string                        `yaml:"agent_id,omitempty"`
	Status    string                        `yaml:"status"` // idle | working | error
	UpdatedAt time.Time                     `yaml:"updated_at"`
	Tasks     map[string]*models.TaskReport `yaml:"tasks"`
}

// TaskingPath returns the tasking document path for a workspace root.
func TaskingPath(workspace string) string {
	return filepath.Join(workspace, Dir, TaskingFile)
}

// ReportingPath returns the reporting document path for a workspace root.
func ReportingPath(workspace string) string {
	return filepath.Join(workspace, Dir, ReportingFile)
}

// CredentialsPath returns the injected-credentials directory for a workspace root.
func CredentialsPath(workspace string) string {
	return filepath.Join(workspace, Dir, CredentialsDir)
}

// saveAtomic marshals doc and replaces path in one rename. The temp file lives
// in the target directory so the rename never crosses filesystems.
func saveAtomic(path string, doc any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// LoadTasking reads the tasking document from a workspace. A missing file
// yields an empty document; a malformed file yields an empty document plus a
// *CorruptionError so the reader can keep operating from a clean slate.
func LoadTasking(workspace string) (*TaskingDoc, error) {
	doc := &TaskingDoc{Version: Version}
	path := TaskingPath(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return doc, nil
		}
		return doc, err
	}
	if err := yaml.Unmarshal(data, doc); err != nil {
		return &TaskingDoc{Version: Version}, &CorruptionError{Path: path, Err: err}
	}
	return doc, nil
}

// LoadReporting reads the reporting document from a workspace with the same
// missing/corrupt semantics as LoadTasking.
func LoadReporting(workspace string) (*ReportingDoc, error) {
	doc := &ReportingDoc{Version: Version, Tasks: map[string]*models.TaskReport{}}
	path := ReportingPath(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return doc, nil
		}
		return doc, err
	}
	if err := yaml.Unmarshal(data, doc); err != nil {
		return &ReportingDoc{Version: Version, Tasks: map[string]*models.TaskReport{}}, &CorruptionError{Path: path, Err: err}
	}
	if doc.Tasks == nil {
		doc.Tasks = map[string]*models.TaskReport{}
	}
	return doc, nil
}

// IsCorrupt reports whether err flags an unparseable channel document.
func IsCorrupt(err error) bool {
	var ce *CorruptionError
	return errors.As(err, &ce)
}

// TaskingChannel is the dispatcher's write handle on a workspace's tasking
// document. Exactly one TaskingChannel per workspace may be writing at a time;
// the mutex serializes the daemon's own goroutines.
type TaskingChannel struct {
	workspace string
	mu        sync.Mutex
}

// NewTaskingChannel returns the write handle for a workspace root.
func NewTaskingChannel(workspace string) *TaskingChannel {
	return &TaskingChannel{workspace: workspace}
}

// Workspace returns the workspace root this channel writes into.
func (c *TaskingChannel) Workspace() string { return c.workspace }

// Publish adds task to the tasking document, replacing any existing entry with
// the same id. Publishing the same task twice is idempotent.
func (c *TaskingChannel) Publish(task Task) error {
	if task.ID == "" {
		return fmt.Errorf("publish: task id required")
	}
	if task.Status == "" {
		task.Status = models.AssignmentAssigned
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	doc, err := LoadTasking(c.workspace)
	if err != nil && !IsCorrupt(err) {
		return err
	}
	replaced := false
	for i := range doc.Tasks {
		if doc.Tasks[i].ID == task.ID {
			doc.Tasks[i] = task
			replaced = true
			break
		}
	}
	if !replaced {
		doc.Tasks = append(doc.Tasks, task)
	}
	doc.Version = Version
	doc.Workspace = c.workspace
	doc.UpdatedAt = time.Now().UTC()
	return saveAtomic(TaskingPath(c.workspace), doc)
}

// Cancel marks the task with id as cancelled. A task not present in the
// document is a no-op: the worker never saw it, so there is nothing to stop.
func (c *TaskingChannel) Cancel(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc, err := LoadTasking(c.workspace)
	if err != nil && !IsCorrupt(err) {
		return err
	}
	found := false
	for i := range doc.Tasks {
		if doc.Tasks[i].ID == id {
			doc.Tasks[i].Status = models.AssignmentCancelled
			found = true
			break
		}
	}
	if !found {
		return nil
	}
	doc.UpdatedAt = time.Now().UTC()
	return saveAtomic(TaskingPath(c.workspace), doc)
}

// ReportingChannel is the worker's write handle on a workspace's reporting
// document.
type ReportingChannel struct {
	workspace string
	agentType string
	agentID   string
	mu        sync.Mutex
}

// NewReportingChannel returns the write handle for a workspace root.
func NewReportingChannel(workspace, agentType, agentID string) *ReportingChannel {
	return &ReportingChannel{workspace: workspace, agentType: agentType, agentID: agentID}
}

// Init writes a fresh idle reporting document, discarding any previous run's
// state. Called once when the worker starts against a workspace.
func (c *ReportingChannel) Init() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc := &ReportingDoc{
		Version:   Version,
		AgentType: c.agentType,
		AgentID:   c.agentID,
		Status:    models.AgentIdle,
		UpdatedAt: time.Now().UTC(),
		Tasks:     map[string]*models.TaskReport{},
	}
	return saveAtomic(ReportingPath(c.workspace), doc)
}

// update loads, mutates, and atomically rewrites the reporting document.
func (c *ReportingChannel) update(mutate func(doc *ReportingDoc)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc, err := LoadReporting(c.workspace)
	if err != nil && !IsCorrupt(err) {
		return err
	}
	doc.Version = Version
	doc.AgentType = c.agentType
	doc.AgentID = c.agentID
	mutate(doc)
	doc.UpdatedAt = time.Now().UTC()
	return saveAtomic(ReportingPath(c.workspace), doc)
}

// SetAgentStatus records the agent-level status (idle, working, error).
func (c *ReportingChannel) SetAgentStatus(status string) error {
	return c.update(func(doc *ReportingDoc) { doc.Status = status })
}

// ReportStatus moves a task to status and appends a progress entry with
// message. The progress log is append-only; prior entries are never rewritten.
func (c *ReportingChannel) ReportStatus(taskID, status, message string) error {
	return c.update(func(doc *ReportingDoc) {
		r := doc.Tasks[taskID]
		if r == nil {
			r = &models.TaskReport{}
			doc.Tasks[taskID] = r
		}
		r.Status = status
		if status == models.ReportInProgress && r.StartedAt == nil {
			now := time.Now().UTC()
			r.StartedAt = &now
		}
		r.Progress = append(r.Progress, models.ProgressEntry{
			Timestamp: time.Now().UTC(),
			Status:    status,
			Message:   message,
		})
	})
}

// UpdateReport applies mutate to a task's report, creating it if absent.
func (c *ReportingChannel) UpdateReport(taskID string, mutate func(r *models.TaskReport)) error {
	return c.update(func(doc *ReportingDoc) {
		r := doc.Tasks[taskID]
		if r == nil {
			r = &models.TaskReport{}
			doc.Tasks[taskID] = r
		}
		mutate(r)
	})
}

// RequestCredential files a scoped credential request on a task's report and
// returns the request id. The broker resolves it out of band; the worker polls
// the injected-credentials directory rather than the reporting document.
func (c *ReportingChannel) RequestCredential(taskID, requestID, credType, scope, reason string) error {
	return c.UpdateReport(taskID, func(r *models.TaskReport) {
		for i := range r.CredentialRequests {
			if r.CredentialRequests[i].ID == requestID {
				return
			}
		}
		r.CredentialRequests = append(r.CredentialRequests, models.CredentialRequest{
			ID:          requestID,
			ItemID:      taskID,
			Type:        credType,
			Scope:       scope,
			Reason:      reason,
			Status:      models.CredPending,
			RequestedAt: time.Now().UTC(),
		})
	})
}

// SelectNext returns the next task the worker should pick up: lowest priority
// number first, publish order within a priority, skipping cancelled
// assignments, tasks already finished, and tasks whose dependencies have not
// all completed. Returns nil when nothing is eligible.
func SelectNext(tasking *TaskingDoc, reporting *ReportingDoc) *Task {
	reports := map[string]*models.TaskReport{}
	if reporting != nil && reporting.Tasks != nil {
		reports = reporting.Tasks
	}
	var best *Task
	for i := range tasking.Tasks {
		t := &tasking.Tasks[i]
		if t.Status != models.AssignmentAssigned {
			continue
		}
		if r, ok := reports[t.ID]; ok && models.ReportTerminal(r.Status) {
			continue
		}
		if !depsCompleted(t, reports) {
			continue
		}
		if best == nil || t.Priority < best.Priority {
			best = t
		}
	}
	return best
}

func depsCompleted(t *Task, reports map[string]*models.TaskReport) bool {
	for _, dep := range t.DependsOn {
		r, ok := reports[dep]
		if !ok || r.Status != models.ReportCompleted {
			return false
		}
	}
	return true
}
