package models

// Work-item statuses used throughout the codebase.
const (
	StatusPending          = "pending"
	StatusAssigned         = "assigned"
	StatusInProgress       = "in_progress"
	StatusBlocked          = "blocked"
	StatusCompleted        = "completed"
	StatusFailed           = "failed"
	StatusCancelled        = "cancelled"
	StatusRequiresApproval = "requires_human_approval"
)

// Terminal reports whether a work item in this status can no longer move on
// its own. requires_human_approval is terminal until a human unblocks the item.
func Terminal(status string) bool {
	switch status {
	case StatusCompleted, StatusCancelled, StatusRequiresApproval:
		return true
	}
	return false
}

// Per-task reporting statuses written by the worker loop.
const (
	ReportReceived   = "received"
	ReportPlanning   = "planning"
	ReportInProgress = "in_progress"
	ReportBlocked    = "blocked"
	ReportCompleted  = "completed"
	ReportFailed     = "failed"
)

// ReportTerminal reports whether a per-task reporting status is final for the worker.
func ReportTerminal(status string) bool {
	switch status {
	case ReportCompleted, ReportFailed, ReportBlocked:
		return true
	}
	return false
}

// Agent-level statuses in the reporting document header.
const (
	AgentIdle    = "idle"
	AgentWorking = "working"
	AgentError   = "error"
)

// Tasking-document assignment statuses (dispatcher-written).
const (
	AssignmentAssigned  = "assigned"
	AssignmentCancelled = "cancelled"
)

// Workstation statuses.
const (
	StationIdle  = "idle"
	StationBusy  = "busy"
	StationError = "error"
)

// Workspace isolation modes.
const (
	ModeShared      = "shared"
	ModeIsolated    = "isolated"
	ModeCopyOnWrite = "copy_on_write"
)

// Credential request statuses.
const (
	CredPending  = "pending"
	CredApproved = "approved"
	CredDenied   = "denied"
	CredInjected = "injected"
)

// Default limits.
const (
	DefaultMaxAttempts        = 3
	DefaultPoolCeiling        = 8
	DefaultCostLimitUSD       = 10.0
	DefaultExecTimeoutSeconds = 3600
	DefaultTaskListLimit      = 1000
	DefaultSSEChannelBuffer   = 256
	DefaultDispatchChanSize   = 32
)
