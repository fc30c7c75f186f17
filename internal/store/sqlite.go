package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/easel-dev/easel/internal/model"

	_ "modernc.org/sqlite"
)

const createJobsTable = `
CREATE TABLE IF NOT EXISTS jobs (
    id            TEXT PRIMARY KEY,
    workflow_id   TEXT NOT NULL,
    session_id    TEXT NOT NULL,
    state         TEXT NOT NULL,
    bindings      TEXT,
    failure_kind  TEXT,
    error         TEXT,
    output_id     TEXT,
    result        BLOB,
    result_format INTEGER,
    duration_ms   INTEGER,
    submitted_at  DATETIME NOT NULL,
    dispatched_at DATETIME,
    started_at    DATETIME,
    finished_at   DATETIME
)`

const createPrepTable = `
CREATE TABLE IF NOT EXISTS prep_status (
    fingerprint TEXT PRIMARY KEY,
    installed   BOOLEAN NOT NULL,
    updated_at  DATETIME NOT NULL
)`

// ErrNotFound is returned when a job is not in the archive.
var ErrNotFound = errors.New("job not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite allows one writer at a time; a single pooled connection keeps
	// the pragmas and :memory: databases attached to every query.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createJobsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create jobs table: %w", err)
	}

	if _, err := db.Exec(createPrepTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create prep_status table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ArchiveJob writes a job record, replacing any previous archive of the same
// id. Jobs are archived at every terminal transition, so replacement keeps
// the archive idempotent.
func (s *SQLiteStore) ArchiveJob(ctx context.Context, j *model.Job) error {
	bindings, err := marshalBindings(j.Bindings)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO jobs (
			id, workflow_id, session_id, state, bindings, failure_kind,
			error, output_id, result, result_format, duration_ms,
			submitted_at, dispatched_at, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.WorkflowID, j.SessionID, j.State, bindings, j.FailureKind,
		j.Error, j.OutputID, j.Result, j.ResultFormat, j.DurationMS,
		j.SubmittedAt, j.DispatchedAt, j.StartedAt, j.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("archive job: %w", err)
	}
	return nil
}

// GetJob retrieves an archived job by ID.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, session_id, state, bindings, failure_kind,
			error, output_id, result, result_format, duration_ms,
			submitted_at, dispatched_at, started_at, finished_at
		FROM jobs WHERE id = ?`, id,
	)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// ListJobs returns a paginated list of archived jobs ordered by submitted_at
// DESC, along with the total archive size.
func (s *SQLiteStore) ListJobs(ctx context.Context, limit, offset int) ([]*model.Job, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, workflow_id, session_id, state, bindings, failure_kind,
			error, output_id, result, result_format, duration_ms,
			submitted_at, dispatched_at, started_at, finished_at
		FROM jobs ORDER BY submitted_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate jobs: %w", err)
	}

	return jobs, total, nil
}

// GetJobStats returns aggregate statistics over the archive.
func (s *SQLiteStore) GetJobStats(ctx context.Context) (*JobStats, error) {
	stats := &JobStats{CountByState: make(map[string]int)}

	rows, err := s.db.QueryContext(ctx, "SELECT state, COUNT(*) FROM jobs GROUP BY state")
	if err != nil {
		return nil, fmt.Errorf("count jobs by state: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("scan state count: %w", err)
		}
		stats.CountByState[state] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate state counts: %w", err)
	}

	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx,
		"SELECT AVG(duration_ms) FROM jobs WHERE duration_ms IS NOT NULL",
	).Scan(&avg); err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}
	if avg.Valid {
		stats.AvgDurationMS = avg.Float64
	}

	return stats, nil
}

// PrepInstalled reports whether the dependency set identified by fingerprint
// has been installed.
func (s *SQLiteStore) PrepInstalled(ctx context.Context, fingerprint string) (bool, error) {
	var installed bool
	err := s.db.QueryRowContext(ctx,
		"SELECT installed FROM prep_status WHERE fingerprint = ?", fingerprint,
	).Scan(&installed)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get prep status: %w", err)
	}
	return installed, nil
}

// SetPrepInstalled records the install outcome for a dependency fingerprint.
func (s *SQLiteStore) SetPrepInstalled(ctx context.Context, fingerprint string, installed bool) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO prep_status (fingerprint, installed, updated_at) VALUES (?, ?, ?)",
		fingerprint, installed, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("set prep status: %w", err)
	}
	return nil
}

// scanner covers both sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*model.Job, error) {
	j := &model.Job{}
	var bindings sql.NullString
	if err := row.Scan(
		&j.ID, &j.WorkflowID, &j.SessionID, &j.State, &bindings, &j.FailureKind,
		&j.Error, &j.OutputID, &j.Result, &j.ResultFormat, &j.DurationMS,
		&j.SubmittedAt, &j.DispatchedAt, &j.StartedAt, &j.FinishedAt,
	); err != nil {
		return nil, err
	}
	if bindings.Valid && bindings.String != "" {
		if err := json.Unmarshal([]byte(bindings.String), &j.Bindings); err != nil {
			return nil, fmt.Errorf("decode bindings: %w", err)
		}
	}
	return j, nil
}

func marshalBindings(bindings map[string]any) (sql.NullString, error) {
	if bindings == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(bindings)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode bindings: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
