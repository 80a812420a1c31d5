package store

import "time"

// ItemRecord is the audit row for a work item.
type ItemRecord struct {
	ID              string
	Title           string
	Status          string
	CapabilityClass string
	Priority        int
	Workstation     string
	Branch          string
	BaseRevision    string
	Attempts        int
	CostUSD         float64
	NeedsApproval   bool
	LastError       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ExecutionRecord is one dispatch attempt of an item on a workstation.
type ExecutionRecord struct {
	ID          int64
	ItemID      string
	Workstation string
	Tool        string
	Outcome     string // completed | failed | blocked | timeout | handoff
	CostUSD     float64
	Error       string
	StartedAt   time.Time
	FinishedAt  time.Time
}

// GrantRecord is the audit row for a credential grant decision.
type GrantRecord struct {
	RequestID string
	ItemID    string
	Type      string
	Scope     string
	Status    string // injected | pending | denied
	ExpiresAt time.Time
	CreatedAt time.Time
}
