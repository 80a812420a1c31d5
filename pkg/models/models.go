// Package models provides shared types for the Cloud Code HTTP API and external
// tools. These types mirror the API JSON and are stable for use by pkg/client
// and other consumers.
package models

import "time"

// WorkItem is a unit of requested change tracked through the status state machine.
// Identity fields are set at creation and never change; execution fields are
// owned by the dispatcher.
type WorkItem struct {
	ID                 string    `json:"id" yaml:"id"`
	Title              string    `json:"title" yaml:"title"`
	Description        string    `json:"description,omitempty" yaml:"description,omitempty"`
	AcceptanceCriteria []string  `json:"acceptance_criteria,omitempty" yaml:"acceptance_criteria,omitempty"`
	CapabilityClass    string    `json:"capability_class" yaml:"capability_class"`
	Priority           int       `json:"priority" yaml:"priority"`
	DependsOn          []string  `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	RepoOwner          string    `json:"repo_owner" yaml:"repo_owner"`
	RepoName           string    `json:"repo_name" yaml:"repo_name"`
	CloneURL           string    `json:"clone_url,omitempty" yaml:"clone_url,omitempty"`
	WorkspaceMode      string    `json:"workspace_mode,omitempty" yaml:"workspace_mode,omitempty"`
	CreatedAt          time.Time `json:"created_at,omitempty" yaml:"created_at,omitempty"`

	// Execution state (dispatcher-owned).
	Status        string    `json:"status" yaml:"status"`
	Workstation   string    `json:"workstation,omitempty" yaml:"workstation,omitempty"`
	Branch        string    `json:"branch,omitempty" yaml:"branch,omitempty"`
	BaseRevision  string    `json:"base_revision,omitempty" yaml:"base_revision,omitempty"`
	Attempts      int       `json:"attempts" yaml:"attempts"`
	MaxAttempts   int       `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	CostUSD       float64   `json:"cost_usd" yaml:"cost_usd"`
	CostLimitUSD  float64   `json:"cost_limit_usd,omitempty" yaml:"cost_limit_usd,omitempty"`
	NeedsApproval bool      `json:"needs_approval,omitempty" yaml:"needs_approval,omitempty"`
	LastError     string    `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	UpdatedAt     time.Time `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
}

// Workstation is a provisioned execution environment bound to a capability class.
type Workstation struct {
	ID              string    `json:"id" yaml:"id"`
	CapabilityClass string    `json:"capability_class" yaml:"capability_class"`
	Status          string    `json:"status" yaml:"status"`
	CurrentItem     string    `json:"current_item,omitempty" yaml:"current_item,omitempty"`
	CacheVolume     string    `json:"cache_volume,omitempty" yaml:"cache_volume,omitempty"`
	ItemsServed     int       `json:"items_served,omitempty" yaml:"items_served,omitempty"`
	Recreations     int       `json:"recreations,omitempty" yaml:"recreations,omitempty"`
	CreatedAt       time.Time `json:"created_at,omitempty" yaml:"created_at,omitempty"`
}

// CredentialRequest is a scoped credential request emitted by a worker through
// the reporting channel.
type CredentialRequest struct {
	ID          string    `json:"id" yaml:"id"`
	ItemID      string    `json:"item_id,omitempty" yaml:"item_id,omitempty"`
	Type        string    `json:"type" yaml:"type"`
	Scope       string    `json:"scope" yaml:"scope"`
	Reason      string    `json:"reason,omitempty" yaml:"reason,omitempty"`
	Status      string    `json:"status" yaml:"status"`
	RequestedAt time.Time `json:"requested_at,omitempty" yaml:"requested_at,omitempty"`
}

// Grant is the broker's resolution of a credential request.
type Grant struct {
	RequestID string    `json:"request_id" yaml:"request_id"`
	Status    string    `json:"status" yaml:"status"`
	ExpiresAt time.Time `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
}

// ProgressEntry is one timestamped line in a task's progress log.
type ProgressEntry struct {
	Timestamp time.Time      `json:"timestamp" yaml:"timestamp"`
	Status    string         `json:"status" yaml:"status"`
	Message   string         `json:"message" yaml:"message"`
	Details   map[string]any `json:"details,omitempty" yaml:"details,omitempty"`
}

// FileChange is one changed file in a task report.
type FileChange struct {
	Path         string `json:"path" yaml:"path"`
	ChangeType   string `json:"change_type" yaml:"change_type"` // created | modified | deleted
	LinesAdded   int    `json:"lines_added,omitempty" yaml:"lines_added,omitempty"`
	LinesRemoved int    `json:"lines_removed,omitempty" yaml:"lines_removed,omitempty"`
}

// CommitRecord is one commit produced for a task.
type CommitRecord struct {
	SHA     string `json:"sha" yaml:"sha"`
	Message string `json:"message" yaml:"message"`
}

// CriterionStatus tracks one acceptance criterion.
type CriterionStatus struct {
	Criterion string `json:"criterion" yaml:"criterion"`
	Status    string `json:"status" yaml:"status"` // pending | in_progress | done | blocked
}

// TaskReport is the per-item progress record from the reporting document,
// surfaced over the API for the dashboard.
type TaskReport struct {
	Status             string              `json:"status" yaml:"status"`
	StartedAt          *time.Time          `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	CurrentStep        string              `json:"current_step,omitempty" yaml:"current_step,omitempty"`
	Summary            string              `json:"summary,omitempty" yaml:"summary,omitempty"`
	Progress           []ProgressEntry     `json:"progress,omitempty" yaml:"progress,omitempty"`
	ChangesSummary     []string            `json:"changes_summary,omitempty" yaml:"changes_summary,omitempty"`
	FilesModified      []FileChange        `json:"files_modified,omitempty" yaml:"files_modified,omitempty"`
	Commits            []CommitRecord      `json:"commits,omitempty" yaml:"commits,omitempty"`
	AcceptanceCriteria []CriterionStatus   `json:"acceptance_criteria,omitempty" yaml:"acceptance_criteria,omitempty"`
	Error              string              `json:"error,omitempty" yaml:"error,omitempty"`
	BlockedReason      string              `json:"blocked_reason,omitempty" yaml:"blocked_reason,omitempty"`
	CredentialRequests []CredentialRequest `json:"credential_requests,omitempty" yaml:"credential_requests,omitempty"`
}

// Config is the /config API response.
type Config struct {
	Home        string `json:"home,omitempty" yaml:"home,omitempty"`
	BootstrapID string `json:"bootstrap_id,omitempty" yaml:"bootstrap_id,omitempty"`
}
