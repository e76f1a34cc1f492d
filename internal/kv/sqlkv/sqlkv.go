// Package sqlkv implements kv.Store on a single kv_entries table in
// PostgreSQL or SQLite. Every conditional primitive is one statement, so the
// database's row locking provides the atomicity.
package sqlkv

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/loykin/deployr/internal/kv"
	"github.com/loykin/deployr/internal/sqldb"
)

// Store keeps expires_at as unix milliseconds of the database clock; NULL
// means the entry never expires.
type Store struct {
	db *sqldb.DB

	qSetNX, qExpire, qCAD, qGet, qSetTTL, qSetPersist string
	qDelete, qGetDel, qTTL, qSweep                    string
}

var _ kv.Store = (*Store)(nil)

// New opens the database selected by dsn and creates the schema if missing.
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

// NewWithDB uses an already opened handle. The Store takes ownership of it.
func NewWithDB(ctx context.Context, db *sqldb.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, kv.Unavailable("sqlkv schema", err)
	}
	s.prepare()
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	return s.db.Exec(ctx,
		`CREATE TABLE IF NOT EXISTS kv_entries(
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			expires_at BIGINT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_kv_entries_expires ON kv_entries(expires_at);`,
	)
}

func (s *Store) prepare() {
	now := s.db.NowMillis()
	live := "(expires_at IS NULL OR expires_at > " + now + ")"
	r := s.db.Rebind

	s.qSetNX = r(`INSERT INTO kv_entries(key, value, expires_at) VALUES(?, ?, ` + now + ` + ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
		WHERE kv_entries.expires_at IS NOT NULL AND kv_entries.expires_at <= ` + now)
	s.qExpire = r(`UPDATE kv_entries SET expires_at = ` + now + ` + ? WHERE key = ? AND value = ? AND ` + live)
	s.qCAD = r(`DELETE FROM kv_entries WHERE key = ? AND value = ? AND ` + live)
	s.qGet = r(`SELECT value FROM kv_entries WHERE key = ? AND ` + live)
	s.qSetTTL = r(`INSERT INTO kv_entries(key, value, expires_at) VALUES(?, ?, ` + now + ` + ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`)
	s.qSetPersist = r(`INSERT INTO kv_entries(key, value, expires_at) VALUES(?, ?, NULL)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = NULL`)
	s.qDelete = r(`DELETE FROM kv_entries WHERE key = ?`)
	s.qGetDel = r(`DELETE FROM kv_entries WHERE key = ? AND ` + live + ` RETURNING value`)
	s.qTTL = r(`SELECT expires_at - ` + now + ` FROM kv_entries WHERE key = ? AND ` + live)
	s.qSweep = r(`DELETE FROM kv_entries WHERE key LIKE ? ESCAPE '\' AND expires_at IS NOT NULL AND expires_at <= ` + now)
}

func (s *Store) exec(ctx context.Context, op, q string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, kv.Unavailable("sqlkv "+op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, kv.Unavailable("sqlkv "+op, err)
	}
	return n, nil
}

func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := kv.ValidTTL(ttl); err != nil {
		return false, err
	}
	n, err := s.exec(ctx, "setnx", s.qSetNX, key, value, ttl.Milliseconds())
	return n == 1, err
}

func (s *Store) CompareAndExpire(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := kv.ValidTTL(ttl); err != nil {
		return false, err
	}
	n, err := s.exec(ctx, "expire", s.qExpire, ttl.Milliseconds(), key, value)
	return n == 1, err
}

func (s *Store) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	n, err := s.exec(ctx, "cad", s.qCAD, key, value)
	return n == 1, err
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, s.qGet, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", kv.ErrNotFound
	}
	if err != nil {
		return "", kv.Unavailable("sqlkv get", err)
	}
	return v, nil
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	switch {
	case ttl < 0:
		return kv.ValidTTL(ttl)
	case ttl == 0:
		_, err := s.exec(ctx, "set", s.qSetPersist, key, value)
		return err
	default:
		_, err := s.exec(ctx, "set", s.qSetTTL, key, value, ttl.Milliseconds())
		return err
	}
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.exec(ctx, "delete", s.qDelete, key)
	return err
}

func (s *Store) GetDelete(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, s.qGetDel, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, kv.Unavailable("sqlkv getdel", err)
	}
	return v, true, nil
}

func (s *Store) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	var ms sql.NullInt64
	err := s.db.QueryRowContext(ctx, s.qTTL, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, kv.Unavailable("sqlkv ttl", err)
	}
	if !ms.Valid {
		return 0, true, nil
	}
	return time.Duration(ms.Int64) * time.Millisecond, true, nil
}

func (s *Store) Sweep(ctx context.Context, prefix string) (int, error) {
	n, err := s.exec(ctx, "sweep", s.qSweep, sqldb.EscapeLike(prefix)+"%")
	return int(n), err
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return kv.Unavailable("sqlkv ping", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }
