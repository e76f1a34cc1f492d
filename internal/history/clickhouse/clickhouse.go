// Package clickhouse exports finished runs to a ClickHouse table.
package clickhouse

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/deployr/internal/history"
)

// Sink inserts one row per run using the official ClickHouse Go client.
type Sink struct {
	conn  driver.Conn
	table string
}

// Schema is the table layout Send writes to.
const Schema = `CREATE TABLE IF NOT EXISTS %s (
	job String,
	build_id Int64,
	started_at DateTime64(6),
	finished_at DateTime64(6),
	duration_ms Int64,
	success Bool,
	aborted Bool,
	state LowCardinality(String),
	reason String,
	exit_code Int32,
	metadata String
) ENGINE = MergeTree()
ORDER BY (job, started_at)`

func New(addr, table string) (*Sink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: "default",
			Username: "default",
			Password: "",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	return &Sink{conn: conn, table: table}, nil
}

// EnsureTable creates the target table when it does not exist.
func (s *Sink) EnsureTable(ctx context.Context) error {
	return s.conn.Exec(ctx, fmt.Sprintf(Schema, s.table))
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, r history.Run) error {
	meta, err := json.Marshal(r.Metadata)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`INSERT INTO %s (job, build_id, started_at, finished_at, duration_ms, success, aborted, state, reason, exit_code, metadata) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table)
	err = s.conn.Exec(ctx, query,
		r.Job,
		r.BuildID,
		r.StartedAt,
		r.FinishedAt,
		r.FinishedAt.Sub(r.StartedAt).Milliseconds(),
		r.Success,
		r.Aborted,
		r.State,
		r.Reason,
		int32(r.ExitCode),
		string(meta),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run into ClickHouse: %w", err)
	}
	return nil
}
