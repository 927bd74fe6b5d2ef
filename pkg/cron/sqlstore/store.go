// Package sqlstore keeps cron jobs and run history in SQLite or PostgreSQL.
package sqlstore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/HKUDS/nanobot-gateway/pkg/cron"
)

//go:embed schema.sql
var schema string

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Driver      string
	DSN         string // file path for sqlite
	BusyTimeout time.Duration
}

// Store implements cron.Store on top of database/sql.
type Store struct {
	db     *sqlx.DB
	driver string
}

var _ cron.Store = (*Store)(nil)

// Open connects and applies the schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("sqlstore: dsn is required")
	}

	switch cfg.Driver {
	case DriverSQLite:
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("sqlstore: create db dir: %w", err)
		}
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("sqlstore: unsupported driver %q", cfg.Driver)
	}

	db, err := sqlx.ConnectContext(ctx, cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: connect: %w", err)
	}

	if cfg.Driver == DriverSQLite {
		// SQLite prefers a single writer.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		if cfg.BusyTimeout > 0 {
			_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
		}
		_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
		_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlstore: migrate: %w", err)
	}
	return &Store{db: db, driver: cfg.Driver}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Load(ctx context.Context) ([]cron.CronJob, error) {
	var bodies []string
	if err := s.db.SelectContext(ctx, &bodies, `SELECT body FROM cron_jobs ORDER BY id`); err != nil {
		return nil, fmt.Errorf("sqlstore: load jobs: %w", err)
	}

	jobs := make([]cron.CronJob, 0, len(bodies))
	for _, body := range bodies {
		var job cron.CronJob
		if err := json.Unmarshal([]byte(body), &job); err != nil {
			return nil, fmt.Errorf("%w: %v", cron.ErrStoreCorrupt, err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *Store) SaveJob(ctx context.Context, job cron.CronJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("sqlstore: marshal job: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO cron_jobs (id, name, enabled, next_run_at_ms, updated_at_ms, body)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			enabled = excluded.enabled,
			next_run_at_ms = excluded.next_run_at_ms,
			updated_at_ms = excluded.updated_at_ms,
			body = excluded.body`),
		job.ID, job.Name, job.Enabled, job.State.NextRunAtMs, job.UpdatedAtMs, string(body))
	if err != nil {
		return fmt.Errorf("sqlstore: save job %s: %w", job.ID, err)
	}
	return nil
}

func (s *Store) DeleteJob(ctx context.Context, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore: begin: %w", err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM cron_runs WHERE job_id = ?`), id); err != nil {
		return errors.Join(fmt.Errorf("sqlstore: delete runs: %w", err), tx.Rollback())
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM cron_jobs WHERE id = ?`), id); err != nil {
		return errors.Join(fmt.Errorf("sqlstore: delete job: %w", err), tx.Rollback())
	}
	return tx.Commit()
}

type runRow struct {
	JobID          string `db:"job_id"`
	Ts             int64  `db:"ts"`
	Status         string `db:"status"`
	DurationMs     int64  `db:"duration_ms"`
	Summary        string `db:"summary"`
	Error          string `db:"error"`
	DeliveryStatus string `db:"delivery_status"`
	DeliveryError  string `db:"delivery_error"`
	NextRunAtMs    int64  `db:"next_run_at_ms"`
}

func (r runRow) entry() cron.RunLogEntry {
	return cron.RunLogEntry{
		JobID:          r.JobID,
		Ts:             r.Ts,
		Status:         cron.RunStatus(r.Status),
		DurationMs:     r.DurationMs,
		Summary:        r.Summary,
		Error:          r.Error,
		DeliveryStatus: r.DeliveryStatus,
		DeliveryError:  r.DeliveryError,
		NextRunAtMs:    r.NextRunAtMs,
	}
}

func (s *Store) AppendRun(ctx context.Context, e cron.RunLogEntry) error {
	row := runRow{
		JobID:          e.JobID,
		Ts:             e.Ts,
		Status:         string(e.Status),
		DurationMs:     e.DurationMs,
		Summary:        e.Summary,
		Error:          e.Error,
		DeliveryStatus: e.DeliveryStatus,
		DeliveryError:  e.DeliveryError,
		NextRunAtMs:    e.NextRunAtMs,
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO cron_runs (job_id, ts, status, duration_ms, summary, error, delivery_status, delivery_error, next_run_at_ms)
		VALUES (:job_id, :ts, :status, :duration_ms, :summary, :error, :delivery_status, :delivery_error, :next_run_at_ms)`, row)
	if err != nil {
		return fmt.Errorf("sqlstore: append run: %w", err)
	}
	return nil
}

func (s *Store) ListRuns(ctx context.Context, jobID string, limit int) ([]cron.RunLogEntry, error) {
	query := `SELECT job_id, ts, status, duration_ms, summary, error, delivery_status, delivery_error, next_run_at_ms
		FROM cron_runs WHERE job_id = ? ORDER BY ts DESC`
	args := []interface{}{jobID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var rows []runRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlstore: list runs: %w", err)
	}
	out := make([]cron.RunLogEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.entry())
	}
	return out, nil
}

func (s *Store) PruneRuns(ctx context.Context, jobID string, keep int) error {
	if keep <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		DELETE FROM cron_runs WHERE job_id = ? AND ts < (
			SELECT ts FROM cron_runs WHERE job_id = ? ORDER BY ts DESC LIMIT 1 OFFSET ?
		)`), jobID, jobID, keep-1)
	if err != nil {
		return fmt.Errorf("sqlstore: prune runs: %w", err)
	}
	return nil
}
