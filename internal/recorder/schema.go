package recorder

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Schema creates the stream_messages table. received_at is microseconds
// since the epoch, matching the rest of the time-series tables.
const Schema = `
CREATE TABLE IF NOT EXISTS stream_messages (
	received_at   BIGINT NOT NULL,
	conn_id       UUID   NOT NULL,
	type          TEXT   NOT NULL,
	sid           BIGINT NOT NULL,
	seq           BIGINT NOT NULL DEFAULT 0,
	market_ticker TEXT   NOT NULL DEFAULT '',
	payload       JSONB
);
CREATE INDEX IF NOT EXISTS stream_messages_conn_idx ON stream_messages (conn_id, received_at);
`

// Hypertable partitions stream_messages into one-day chunks of received_at.
const Hypertable = `
SELECT create_hypertable('stream_messages', 'received_at',
	chunk_time_interval => 86400000000,
	if_not_exists => TRUE,
	migrate_data => TRUE)
`

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// EnsureSchema creates the table if it does not exist and makes it a
// hypertable. The timescaledb extension must already be installed.
func EnsureSchema(ctx context.Context, db execer) error {
	if _, err := db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create stream_messages: %w", err)
	}
	if _, err := db.Exec(ctx, Hypertable); err != nil {
		return fmt.Errorf("create hypertable: %w", err)
	}
	return nil
}
