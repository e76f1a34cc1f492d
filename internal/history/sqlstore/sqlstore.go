// Package sqlstore keeps run history in a deploy_history table on
// PostgreSQL or SQLite.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/loykin/deployr/internal/history"
	"github.com/loykin/deployr/internal/sqldb"
)

// ErrAlreadyRecorded is returned when a finished run is recorded twice.
var ErrAlreadyRecorded = errors.New("build already recorded")

type Store struct {
	db *sqldb.DB
}

// New opens dsn (see sqldb.Open) and creates the schema if missing.
func New(dsn string) (*Store, error) {
	db, err := sqldb.Open(dsn)
	if err != nil {
		return nil, err
	}
	s, err := NewWithDB(context.Background(), db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func NewWithDB(ctx context.Context, db *sqldb.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	ts := "TIMESTAMP"
	if s.db.Dialect == sqldb.Postgres {
		ts = "TIMESTAMPTZ"
	}
	return s.db.Exec(ctx,
		`CREATE TABLE IF NOT EXISTS deploy_history(
			job TEXT NOT NULL,
			build_id BIGINT NOT NULL,
			started_at `+ts+` NOT NULL,
			finished_at `+ts+` NOT NULL,
			output_log TEXT NOT NULL,
			success BOOLEAN NOT NULL,
			aborted BOOLEAN NOT NULL,
			state TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			exit_code INTEGER NOT NULL DEFAULT 0,
			metadata TEXT NOT NULL DEFAULT '{}',
			PRIMARY KEY (job, build_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_deploy_history_started ON deploy_history(job, started_at);`,
	)
}

func (s *Store) Close() error { return s.db.Close() }

// stateReserved marks a row that holds a build id for a run still in
// progress. Reads skip such rows; RecordRun overwrites them.
const stateReserved = "reserved"

const reserveAttempts = 5

// NextBuildID allocates MAX+1 by inserting a reserved row, so two runs of the
// same job can never be handed the same id. A concurrent allocation that
// takes the id first makes the insert a no-op and the next attempt moves on.
func (s *Store) NextBuildID(ctx context.Context, job string) (int64, error) {
	q := s.db.Rebind(`INSERT INTO deploy_history(job, build_id, started_at, finished_at, output_log, success, aborted, state)
		SELECT ?, COALESCE(MAX(build_id), 0) + 1, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP, '', FALSE, FALSE, '` + stateReserved + `'
		FROM deploy_history WHERE job = ?
		ON CONFLICT (job, build_id) DO NOTHING
		RETURNING build_id`)
	for i := 0; i < reserveAttempts; i++ {
		var id int64
		err := s.db.QueryRowContext(ctx, q, job, job).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("next build id: %w", err)
		}
		return id, nil
	}
	return 0, fmt.Errorf("next build id for %s: gave up after %d conflicting attempts", job, reserveAttempts)
}

// RecordRun stores a finished run, filling in the row NextBuildID reserved
// for it when there is one. A run that was already recorded is an error.
func (s *Store) RecordRun(ctx context.Context, r history.Run) error {
	meta, err := encodeMetadata(r.Metadata)
	if err != nil {
		return err
	}
	q := s.db.Rebind(`INSERT INTO deploy_history(
		job, build_id, started_at, finished_at, output_log, success, aborted, state, reason, exit_code, metadata
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (job, build_id) DO UPDATE SET
		started_at = excluded.started_at,
		finished_at = excluded.finished_at,
		output_log = excluded.output_log,
		success = excluded.success,
		aborted = excluded.aborted,
		state = excluded.state,
		reason = excluded.reason,
		exit_code = excluded.exit_code,
		metadata = excluded.metadata
	WHERE deploy_history.state = '` + stateReserved + `'`)
	res, err := s.db.ExecContext(ctx, q,
		r.Job, r.BuildID, r.StartedAt.UTC(), r.FinishedAt.UTC(), r.Log,
		r.Success, r.Aborted, r.State, r.Reason, r.ExitCode, meta)
	if err != nil {
		return fmt.Errorf("record run %s#%d: %w", r.Job, r.BuildID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("record run %s#%d: %w", r.Job, r.BuildID, err)
	}
	if n == 0 {
		return fmt.Errorf("record run %s#%d: %w", r.Job, r.BuildID, ErrAlreadyRecorded)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, job string, buildID int64) (history.Run, error) {
	q := s.db.Rebind(`SELECT started_at, finished_at, output_log, success, aborted, state, reason, exit_code, metadata
		FROM deploy_history WHERE job = ? AND build_id = ? AND state <> '` + stateReserved + `'`)
	r := history.Run{Job: job, BuildID: buildID}
	var meta string
	err := s.db.QueryRowContext(ctx, q, job, buildID).Scan(
		&r.StartedAt, &r.FinishedAt, &r.Log, &r.Success, &r.Aborted, &r.State, &r.Reason, &r.ExitCode, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return history.Run{}, history.ErrNotFound
	}
	if err != nil {
		return history.Run{}, err
	}
	if r.Metadata, err = decodeMetadata(meta); err != nil {
		return history.Run{}, err
	}
	return r, nil
}

func (s *Store) List(ctx context.Context, job string, limit int) ([]history.Summary, error) {
	if limit <= 0 {
		limit = history.DefaultListLimit
	}
	q := s.db.Rebind(`SELECT build_id, started_at, finished_at, success, aborted, state, metadata
		FROM deploy_history WHERE job = ? AND state <> '` + stateReserved + `'
		ORDER BY started_at DESC, build_id DESC LIMIT ?`)
	rows, err := s.db.QueryContext(ctx, q, job, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]history.Summary, 0, limit)
	for rows.Next() {
		sm := history.Summary{Job: job}
		var meta string
		if err := rows.Scan(&sm.BuildID, &sm.StartedAt, &sm.FinishedAt, &sm.Success, &sm.Aborted, &sm.State, &meta); err != nil {
			return nil, err
		}
		if sm.Metadata, err = decodeMetadata(meta); err != nil {
			return nil, err
		}
		out = append(out, sm)
	}
	return out, rows.Err()
}

func encodeMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(b), nil
}

func decodeMetadata(s string) (map[string]string, error) {
	if s == "" || s == "{}" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return m, nil
}
