// Package postgres is the PostgreSQL implementation of store.Store, for
// deployments where the audit record must outlive a single host.
package postgres

import (
	"context"
	"embed"
	"errors"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lsadehaan/cloud-code/internal/store"
	"github.com/lsadehaan/cloud-code/pkg/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the PostgreSQL implementation of store.Store.
type Store struct {
	Pool *pgxpool.Pool
}

// Open opens a PostgreSQL connection pool and runs migrations. dsn may be
// empty to use DATABASE_URL.
func Open(dsn string) (store.Store, error) {
	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
	}
	if dsn == "" {
		return nil, errors.New("postgres DSN or DATABASE_URL required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 20
	pool, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, err
	}
	s := &Store{Pool: pool}
	if err := s.Migrate(context.Background()); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	if s == nil || s.Pool == nil {
		return nil
	}
	s.Pool.Close()
	return nil
}

// Migrate runs pending migrations (only those not already in schema_migrations).
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.Pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER PRIMARY KEY,
  applied_at BIGINT NOT NULL
);`); err != nil {
		return err
	}

	applied := make(map[int]bool)
	rows, err := s.Pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return err
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return err
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	type mig struct {
		version int
		name    string
		sql     string
	}
	var migs []mig
	files, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".sql") {
			continue
		}
		base := strings.TrimSuffix(f.Name(), ".sql")
		v, err := strconv.Atoi(strings.SplitN(base, "_", 2)[0])
		if err != nil {
			return errors.New("invalid migration version in " + f.Name())
		}
		body, err := migrationsFS.ReadFile("migrations/" + f.Name())
		if err != nil {
			return err
		}
		migs = append(migs, mig{version: v, name: f.Name(), sql: string(body)})
	}
	sort.Slice(migs, func(i, j int) bool { return migs[i].version < migs[j].version })

	for _, m := range migs {
		if applied[m.version] {
			continue
		}
		tx, err := s.Pool.Begin(ctx)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, m.sql); err != nil {
			_ = tx.Rollback(ctx)
			return err
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES($1, $2)`, m.version, time.Now().Unix()); err != nil {
			_ = tx.Rollback(ctx)
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) SaveItem(ctx context.Context, rec store.ItemRecord) error {
	now := time.Now().UTC()
	created := rec.CreatedAt
	if created.IsZero() {
		created = now
	}
	_, err := s.Pool.Exec(ctx, `
INSERT INTO work_items(id, title, status, capability_class, priority, workstation, branch, base_revision, attempts, cost_usd, needs_approval, last_error, created_at, updated_at)
VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT(id) DO UPDATE SET
  title=EXCLUDED.title, status=EXCLUDED.status, capability_class=EXCLUDED.capability_class,
  priority=EXCLUDED.priority, workstation=EXCLUDED.workstation, branch=EXCLUDED.branch,
  base_revision=EXCLUDED.base_revision, attempts=EXCLUDED.attempts, cost_usd=EXCLUDED.cost_usd,
  needs_approval=EXCLUDED.needs_approval, last_error=EXCLUDED.last_error, updated_at=EXCLUDED.updated_at`,
		rec.ID, rec.Title, rec.Status, rec.CapabilityClass, rec.Priority,
		rec.Workstation, rec.Branch, rec.BaseRevision, rec.Attempts, rec.CostUSD,
		rec.NeedsApproval, rec.LastError, created, now)
	return err
}

const itemColumns = `id, title, status, capability_class, priority, workstation, branch, base_revision, attempts, cost_usd, needs_approval, last_error, created_at, updated_at`

func scanItem(row pgx.Row) (*store.ItemRecord, error) {
	var rec store.ItemRecord
	err := row.Scan(&rec.ID, &rec.Title, &rec.Status, &rec.CapabilityClass, &rec.Priority,
		&rec.Workstation, &rec.Branch, &rec.BaseRevision, &rec.Attempts, &rec.CostUSD,
		&rec.NeedsApproval, &rec.LastError, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) GetItem(ctx context.Context, id string) (*store.ItemRecord, error) {
	rec, err := scanItem(s.Pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM work_items WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return rec, err
}

func (s *Store) ListItems(ctx context.Context, limit int) ([]store.ItemRecord, error) {
	if limit <= 0 {
		limit = models.DefaultTaskListLimit
	}
	rows, err := s.Pool.Query(ctx, `SELECT `+itemColumns+` FROM work_items ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.ItemRecord
	for rows.Next() {
		rec, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (s *Store) RecordExecution(ctx context.Context, rec store.ExecutionRecord) (int64, error) {
	var id int64
	err := s.Pool.QueryRow(ctx, `
INSERT INTO executions(item_id, workstation, tool, outcome, cost_usd, error, started_at, finished_at)
VALUES($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		rec.ItemID, rec.Workstation, rec.Tool, rec.Outcome, rec.CostUSD, rec.Error,
		rec.StartedAt, nullable(rec.FinishedAt)).Scan(&id)
	return id, err
}

func (s *Store) ListExecutions(ctx context.Context, itemID string) ([]store.ExecutionRecord, error) {
	rows, err := s.Pool.Query(ctx, `
SELECT id, item_id, workstation, tool, outcome, cost_usd, error, started_at, finished_at
FROM executions WHERE item_id = $1 ORDER BY id ASC`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.ExecutionRecord
	for rows.Next() {
		var rec store.ExecutionRecord
		var finished *time.Time
		if err := rows.Scan(&rec.ID, &rec.ItemID, &rec.Workstation, &rec.Tool, &rec.Outcome,
			&rec.CostUSD, &rec.Error, &rec.StartedAt, &finished); err != nil {
			return nil, err
		}
		if finished != nil {
			rec.FinishedAt = *finished
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) RecordGrant(ctx context.Context, rec store.GrantRecord) error {
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.Pool.Exec(ctx, `
INSERT INTO credential_grants(request_id, item_id, cred_type, scope, status, expires_at, created_at)
VALUES($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT(request_id) DO UPDATE SET status=EXCLUDED.status, expires_at=EXCLUDED.expires_at`,
		rec.RequestID, rec.ItemID, rec.Type, rec.Scope, rec.Status, nullable(rec.ExpiresAt), created)
	return err
}

func (s *Store) ListGrants(ctx context.Context, itemID string) ([]store.GrantRecord, error) {
	rows, err := s.Pool.Query(ctx, `
SELECT request_id, item_id, cred_type, scope, status, expires_at, created_at
FROM credential_grants WHERE item_id = $1 ORDER BY created_at ASC`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.GrantRecord
	for rows.Next() {
		var rec store.GrantRecord
		var expires *time.Time
		if err := rows.Scan(&rec.RequestID, &rec.ItemID, &rec.Type, &rec.Scope, &rec.Status, &expires, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if expires != nil {
			rec.ExpiresAt = *expires
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) MarkNotified(ctx context.Context, itemID string, epoch int, channel, message string) (bool, error) {
	tag, err := s.Pool.Exec(ctx, `
INSERT INTO notifications(item_id, epoch, channel, message, sent_at) VALUES($1, $2, $3, $4, $5)
ON CONFLICT(item_id, epoch) DO NOTHING`,
		itemID, epoch, channel, message, time.Now().UTC())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func nullable(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

var _ store.Store = (*Store)(nil)
