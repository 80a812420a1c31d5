package store

import "context"

// Store is the audit persistence interface: a durable record of work items,
// execution attempts, credential grants, and terminal notifications. The
// dispatcher writes through it for observability and restart recovery; core
// correctness never depends on it.
// Implementations: the SQLite store in this package and *postgres.Store.
type Store interface {
	// Work items
	SaveItem(ctx context.Context, rec ItemRecord) error
	GetItem(ctx context.Context, id string) (*ItemRecord, error)
	ListItems(ctx context.Context, limit int) ([]ItemRecord, error)

	// Execution attempts
	RecordExecution(ctx context.Context, rec ExecutionRecord) (int64, error)
	ListExecutions(ctx context.Context, itemID string) ([]ExecutionRecord, error)

	// Credential grants
	RecordGrant(ctx context.Context, rec GrantRecord) error
	ListGrants(ctx context.Context, itemID string) ([]GrantRecord, error)

	// Terminal notifications. MarkNotified returns false when the item was
	// already notified within the given epoch, which is how "exactly one
	// terminal notification per transition" survives a daemon restart. The
	// dispatcher bumps the epoch on every human unblock.
	MarkNotified(ctx context.Context, itemID string, epoch int, channel, message string) (bool, error)

	Close() error
}
