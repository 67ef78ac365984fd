package reconnect

import (
	"context"
	"errors"
	"log/slog"
	"time"
	"weak"

	"golang.org/x/sync/errgroup"
)

// errReleased means the Websocket that owned the loop has been collected.
var errReleased = errors.New("websocket released")

// loop is the background reconnect task of one Websocket. It runs one
// episode at a time and never holds a strong reference to the Websocket's
// state while idle.
type loop struct {
	dial              Dialer
	interval          time.Duration
	replayConcurrency int

	holder   weak.Pointer[holder]
	registry weak.Pointer[registry]
	trigger  *trigger
	counters *counters

	done   <-chan struct{} // closed when the Websocket is collected
	exited chan struct{}
	logger *slog.Logger
}

func (l *loop) run() {
	defer close(l.exited)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-l.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for l.trigger.wait(l.done) {
		if !l.reconnect(ctx) {
			break
		}
	}

	l.logger.Debug("reconnect loop stopped")
}

// reconnect runs one episode until a full replay succeeds. It returns false
// when the Websocket is gone and the loop should stop.
func (l *loop) reconnect(ctx context.Context) bool {
	episode := l.counters.episodes.Add(1)
	logger := l.logger.With("episode", episode)
	logger.Info("connection lost, reconnecting")

	for attempt := 1; ; attempt++ {
		err := l.attempt(ctx)
		if err == nil {
			l.counters.reconnects.Add(1)
			l.counters.lastReconnect.Store(time.Now().UnixNano())
			logger.Info("reconnected", "attempts", attempt)
			return true
		}
		if errors.Is(err, errReleased) || ctx.Err() != nil {
			return false
		}

		logger.Warn("reconnect attempt failed",
			"attempt", attempt,
			"error", err,
			"retry_in", l.interval,
		)

		select {
		case <-time.After(l.interval):
		case <-ctx.Done():
			return false
		}
	}
}

// attempt dials, installs and replays. Strong references to the holder and
// registry live only for the duration of the call.
func (l *loop) attempt(ctx context.Context) error {
	h, r := l.holder.Value(), l.registry.Value()
	if h == nil || r == nil {
		return errReleased
	}

	l.counters.dialAttempts.Add(1)
	conn, err := l.dial(ctx)
	if err != nil {
		l.counters.dialFailures.Add(1)
		return &ConstructionError{Err: err}
	}

	err = h.install(conn, func(conn Conn) error {
		return l.replay(ctx, conn, r.snapshot())
	})

	if ctx.Err() != nil {
		// Released mid-episode; nobody will use the new connection.
		h.disconnect()
		return ctx.Err()
	}
	if err != nil {
		l.counters.replayFailures.Add(1)
	}
	return err
}

// replay subscribes every registration on conn, dispatching in registration
// order, and waits for all of them. The first failure is returned.
func (l *loop) replay(ctx context.Context, conn Conn, regs []registration) error {
	var g errgroup.Group
	if l.replayConcurrency > 0 {
		g.SetLimit(l.replayConcurrency)
	}

	for _, reg := range regs {
		g.Go(func() error {
			if _, err := conn.Subscribe(ctx, reg.sub, wrapCallback(reg.cb, l.trigger)); err != nil {
				return &ReplayError{Subscription: reg.sub, Err: err}
			}
			return nil
		})
	}

	return g.Wait()
}
