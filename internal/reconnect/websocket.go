package reconnect

import (
	"context"
	"errors"
	"runtime"
	"time"
	"weak"

	"github.com/rickgao/kalshi-stream/internal/connection"
)

// Websocket is a connection that survives transport failures. Subscriptions
// made through Subscribe are replayed on every new connection.
type Websocket struct {
	holder   *holder
	registry *registry
	trigger  *trigger
	counters *counters

	loopExited <-chan struct{}
}

// Instantiate dials the first connection and starts the reconnect loop.
// A failed first dial is returned as a *ConstructionError and not retried.
// dial is reused unchanged for every reconnect; reattemptInterval is the
// fixed pause between failed attempts.
func Instantiate(ctx context.Context, dial Dialer, reattemptInterval time.Duration, opts ...Option) (*Websocket, error) {
	if dial == nil {
		return nil, errors.New("reconnect: nil dialer")
	}
	if reattemptInterval <= 0 {
		return nil, errors.New("reconnect: reattempt interval must be positive")
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	conn, err := dial(ctx)
	if err != nil {
		return nil, &ConstructionError{Err: err}
	}

	w := &Websocket{
		holder:   &holder{conn: conn},
		registry: &registry{},
		trigger:  newTrigger(),
		counters: &counters{},
	}

	done := make(chan struct{})
	exited := make(chan struct{})
	w.loopExited = exited

	l := &loop{
		dial:              dial,
		interval:          reattemptInterval,
		replayConcurrency: o.replayConcurrency,
		holder:            weak.Make(w.holder),
		registry:          weak.Make(w.registry),
		trigger:           w.trigger,
		counters:          w.counters,
		done:              done,
		exited:            exited,
		logger:            o.logger.With("component", "reconnect"),
	}

	runtime.AddCleanup(w, release, releaseArgs{done: done, holder: w.holder})
	go l.run()

	return w, nil
}

type releaseArgs struct {
	done   chan struct{}
	holder *holder
}

// release runs once the Websocket is unreachable: it stops the loop and
// tears down the last connection.
func release(a releaseArgs) {
	close(a.done)
	go a.holder.disconnect()
}

// Subscribe records the subscription for replay and subscribes it on the
// current connection. cb receives every message unchanged, including the
// fatal socket error, which additionally schedules a reconnect.
//
// The subscription is recorded even if this first subscribe fails; it is
// then established by the next reconnect.
func (w *Websocket) Subscribe(ctx context.Context, sub connection.Subscription, cb connection.Callback) (connection.Handle, error) {
	if cb == nil {
		return connection.Handle{}, connection.ErrNilCallback
	}

	w.registry.append(registration{sub: sub, cb: cb})
	wrapped := wrapCallback(cb, w.trigger)

	var h connection.Handle
	err := w.holder.withConnection(func(c Conn) error {
		var err error
		h, err = c.Subscribe(ctx, sub, wrapped)
		return err
	})
	return h, err
}

// CreateStream merges subs into one channel on the current connection. It
// is not recorded: the stream ends with the connection and is not replayed.
func (w *Websocket) CreateStream(ctx context.Context, subs []connection.Subscription) (<-chan connection.StreamResult, error) {
	var out <-chan connection.StreamResult
	err := w.holder.withConnection(func(c Conn) error {
		var err error
		out, err = c.CreateStream(ctx, subs)
		return err
	})
	return out, err
}

// CreateStreamSpecific is CreateStream for explicit subscribe commands,
// yielding raw frames. It is not replayed either.
func (w *Websocket) CreateStreamSpecific(ctx context.Context, params []connection.SubscribeParams) (<-chan connection.RawResult, error) {
	var out <-chan connection.RawResult
	err := w.holder.withConnection(func(c Conn) error {
		var err error
		out, err = c.CreateStreamSpecific(ctx, params)
		return err
	})
	return out, err
}

// Disconnect tears down the current connection. It does not schedule a
// reconnect, stop the loop, or forget recorded subscriptions; a later fatal
// error on a replayed connection still reconnects.
func (w *Websocket) Disconnect() {
	w.holder.disconnect()
}

// Stats returns the reconnect history.
func (w *Websocket) Stats() Stats {
	return w.counters.stats(w.registry.len())
}
