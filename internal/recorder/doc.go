// Package recorder writes stream envelopes to TimescaleDB.
//
// Envelopes are queued without blocking the connection's read loop and
// inserted in batches with pgx. Each row carries the ID of the connection
// that delivered it, so reconnect boundaries are visible in the data.
// The table is an append-only TimescaleDB hypertable.
package recorder
