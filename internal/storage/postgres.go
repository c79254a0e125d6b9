package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/user/crawl-supervisor/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS scrape_runs (
	run_id       TEXT PRIMARY KEY,
	url          TEXT NOT NULL,
	domain       TEXT NOT NULL,
	status       TEXT NOT NULL,
	exit_code    INTEGER,
	failure_kind TEXT NOT NULL DEFAULT '',
	error        TEXT NOT NULL DEFAULT '',
	files        INTEGER NOT NULL DEFAULT 0,
	started_at   TIMESTAMPTZ NOT NULL,
	finished_at  TIMESTAMPTZ,
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS scrape_runs_domain_idx ON scrape_runs (domain, started_at DESC);
`

// PostgresStore keeps the history of scrape runs in PostgreSQL.
type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connStr string) (*PostgresStore, error) {
	db, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	s := &PostgresStore{db: db}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the run table if it does not exist yet.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *PostgresStore) Close() {
	s.db.Close()
}

// SaveRun inserts or updates a run record.
func (s *PostgresStore) SaveRun(ctx context.Context, run domain.RunStatusResponse) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO scrape_runs (run_id, url, domain, status, exit_code, failure_kind, error, files, started_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (run_id) DO UPDATE SET
		   status = EXCLUDED.status, exit_code = EXCLUDED.exit_code, failure_kind = EXCLUDED.failure_kind,
		   error = EXCLUDED.error, files = EXCLUDED.files, finished_at = EXCLUDED.finished_at, updated_at = NOW()`,
		run.RunID, run.URL, run.Domain, string(run.Status), run.ExitCode, run.Kind, run.Error, run.Files,
		run.StartedAt, run.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("save run %s: %w", run.RunID, err)
	}
	return nil
}

// GetRun loads one run record.
func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*domain.RunStatusResponse, error) {
	var (
		run    domain.RunStatusResponse
		status string
	)
	err := s.db.QueryRow(ctx,
		`SELECT run_id, url, domain, status, exit_code, failure_kind, error, files, started_at, finished_at
		 FROM scrape_runs WHERE run_id = $1`,
		runID,
	).Scan(&run.RunID, &run.URL, &run.Domain, &status, &run.ExitCode, &run.Kind, &run.Error, &run.Files,
		&run.StartedAt, &run.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	run.Status = domain.RunStatus(status)
	return &run, nil
}

// ListRuns returns the most recent runs first.
func (s *PostgresStore) ListRuns(ctx context.Context, limit int) ([]domain.RunStatusResponse, error) {
	rows, err := s.db.Query(ctx,
		`SELECT run_id, url, domain, status, exit_code, failure_kind, error, files, started_at, finished_at
		 FROM scrape_runs ORDER BY started_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.RunStatusResponse, error) {
		var (
			run    domain.RunStatusResponse
			status string
		)
		err := row.Scan(&run.RunID, &run.URL, &run.Domain, &status, &run.ExitCode, &run.Kind, &run.Error, &run.Files,
			&run.StartedAt, &run.FinishedAt)
		run.Status = domain.RunStatus(status)
		return run, err
	})
}
