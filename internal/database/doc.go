// Package database provides the TimescaleDB connection pool used by the
// stream recorder.
package database
