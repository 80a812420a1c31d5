package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lsadehaan/cloud-code/pkg/models"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

func (s *sqliteStore) SaveItem(ctx context.Context, rec ItemRecord) error {
	now := time.Now().Unix()
	created := rec.CreatedAt.Unix()
	if rec.CreatedAt.IsZero() {
		created = now
	}
	_, err := s.stmtSaveItem.ExecContext(ctx,
		rec.ID, rec.Title, rec.Status, rec.CapabilityClass, rec.Priority,
		rec.Workstation, rec.Branch, rec.BaseRevision, rec.Attempts, rec.CostUSD,
		boolToInt(rec.NeedsApproval), rec.LastError, created, now)
	return err
}

func scanItem(row interface{ Scan(...any) error }) (*ItemRecord, error) {
	var rec ItemRecord
	var needsApproval int
	var created, updated int64
	err := row.Scan(&rec.ID, &rec.Title, &rec.Status, &rec.CapabilityClass, &rec.Priority,
		&rec.Workstation, &rec.Branch, &rec.BaseRevision, &rec.Attempts, &rec.CostUSD,
		&needsApproval, &rec.LastError, &created, &updated)
	if err != nil {
		return nil, err
	}
	rec.NeedsApproval = needsApproval != 0
	rec.CreatedAt = time.Unix(created, 0).UTC()
	rec.UpdatedAt = time.Unix(updated, 0).UTC()
	return &rec, nil
}

func (s *sqliteStore) GetItem(ctx context.Context, id string) (*ItemRecord, error) {
	rec, err := scanItem(s.stmtGetItem.QueryRowContext(ctx, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func (s *sqliteStore) ListItems(ctx context.Context, limit int) ([]ItemRecord, error) {
	if limit <= 0 {
		limit = models.DefaultTaskListLimit
	}
	rows, err := s.stmtListItems.QueryContext(ctx, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []ItemRecord
	for rows.Next() {
		rec, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (s *sqliteStore) RecordExecution(ctx context.Context, rec ExecutionRecord) (int64, error) {
	res, err := s.DB.ExecContext(ctx,
		`INSERT INTO executions(item_id, workstation, tool, outcome, cost_usd, error, started_at, finished_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ItemID, rec.Workstation, rec.Tool, rec.Outcome, rec.CostUSD, rec.Error,
		rec.StartedAt.Unix(), finishedUnix(rec.FinishedAt))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqliteStore) ListExecutions(ctx context.Context, itemID string) ([]ExecutionRecord, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, item_id, workstation, tool, outcome, cost_usd, error, started_at, finished_at
FROM executions WHERE item_id = ? ORDER BY id ASC`, itemID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []ExecutionRecord
	for rows.Next() {
		var rec ExecutionRecord
		var started, finished int64
		if err := rows.Scan(&rec.ID, &rec.ItemID, &rec.Workstation, &rec.Tool, &rec.Outcome,
			&rec.CostUSD, &rec.Error, &started, &finished); err != nil {
			return nil, err
		}
		rec.StartedAt = time.Unix(started, 0).UTC()
		if finished > 0 {
			rec.FinishedAt = time.Unix(finished, 0).UTC()
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqliteStore) RecordGrant(ctx context.Context, rec GrantRecord) error {
	created := rec.CreatedAt.Unix()
	if rec.CreatedAt.IsZero() {
		created = time.Now().Unix()
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO credential_grants(request_id, item_id, cred_type, scope, status, expires_at, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(request_id) DO UPDATE SET status=excluded.status, expires_at=excluded.expires_at`,
		rec.RequestID, rec.ItemID, rec.Type, rec.Scope, rec.Status, expiresUnix(rec.ExpiresAt), created)
	return err
}

func (s *sqliteStore) ListGrants(ctx context.Context, itemID string) ([]GrantRecord, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT request_id, item_id, cred_type, scope, status, expires_at, created_at
FROM credential_grants WHERE item_id = ? ORDER BY created_at ASC`, itemID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []GrantRecord
	for rows.Next() {
		var rec GrantRecord
		var expires, created int64
		if err := rows.Scan(&rec.RequestID, &rec.ItemID, &rec.Type, &rec.Scope, &rec.Status, &expires, &created); err != nil {
			return nil, err
		}
		if expires > 0 {
			rec.ExpiresAt = time.Unix(expires, 0).UTC()
		}
		rec.CreatedAt = time.Unix(created, 0).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MarkNotified inserts the notification row; the primary key on
// (item_id, epoch) makes the second caller within an epoch lose, so each
// terminal transition fires exactly one notification.
func (s *sqliteStore) MarkNotified(ctx context.Context, itemID string, epoch int, channel, message string) (bool, error) {
	res, err := s.DB.ExecContext(ctx,
		`INSERT INTO notifications(item_id, epoch, channel, message, sent_at) VALUES(?, ?, ?, ?, ?)
ON CONFLICT(item_id, epoch) DO NOTHING`,
		itemID, epoch, channel, message, time.Now().Unix())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func finishedUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func expiresUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
