package reconnect

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rickgao/kalshi-stream/internal/connection"
)

// Conn is the live transport a Websocket proxies to. *connection.Client
// implements it.
type Conn interface {
	Subscribe(ctx context.Context, sub connection.Subscription, cb connection.Callback) (connection.Handle, error)
	CreateStream(ctx context.Context, subs []connection.Subscription) (<-chan connection.StreamResult, error)
	CreateStreamSpecific(ctx context.Context, params []connection.SubscribeParams) (<-chan connection.RawResult, error)
	Disconnect()
}

// Dialer constructs a new Conn. It is called once by Instantiate and again
// on every reconnect attempt, so it must capture immutable parameters.
type Dialer func(ctx context.Context) (Conn, error)

// ConstructionError is returned by Instantiate when the first dial fails.
// Later dial failures are retried inside the reconnect loop.
type ConstructionError struct {
	Err error
}

func (e *ConstructionError) Error() string {
	return fmt.Sprintf("construct connection: %v", e.Err)
}

func (e *ConstructionError) Unwrap() error { return e.Err }

// ReplayError is a subscription that could not be re-established during a
// reconnect episode. It aborts the episode and is never returned to callers.
type ReplayError struct {
	Subscription connection.Subscription
	Err          error
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("replay %s: %v", e.Subscription, e.Err)
}

func (e *ReplayError) Unwrap() error { return e.Err }

// Stats describes the reconnect history of a Websocket.
type Stats struct {
	Registrations     int       // Subscriptions recorded for replay
	Episodes          int64     // Reconnect episodes started
	Reconnects        int64     // Episodes that finished with a full replay
	DialAttempts      int64     // Dials made by the loop (excludes Instantiate)
	DialFailures      int64     // Dials that returned an error
	ReplayFailures    int64     // Replays aborted by a failed subscribe
	LastReconnectedAt time.Time // Zero until the first successful reconnect
}

// Option configures a Websocket.
type Option func(*options)

type options struct {
	logger            *slog.Logger
	replayConcurrency int
}

func defaultOptions() options {
	return options{
		logger:            slog.Default(),
		replayConcurrency: 1,
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithReplayConcurrency bounds how many replay subscribes may be in flight
// at once. With the default of 1 subscriptions are replayed strictly in
// registration order; higher values start them in order but let their
// acknowledgements overlap. n <= 0 removes the bound.
func WithReplayConcurrency(n int) Option {
	return func(o *options) {
		o.replayConcurrency = n
	}
}
