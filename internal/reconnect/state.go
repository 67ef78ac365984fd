package reconnect

import (
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/kalshi-stream/internal/connection"
)

// holder owns the live connection. All access goes through its lock, so a
// connection being replaced is never used concurrently with the swap.
type holder struct {
	mu   sync.Mutex
	conn Conn
}

// withConnection runs fn against the current connection under the lock.
func (h *holder) withConnection(fn func(Conn) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return fn(h.conn)
}

// install swaps in conn, tears the old one down, and runs fn against the new
// one without releasing the lock in between.
func (h *holder) install(conn Conn, fn func(Conn) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	old := h.conn
	h.conn = conn
	if old != nil {
		old.Disconnect()
	}
	return fn(conn)
}

func (h *holder) disconnect() {
	h.withConnection(func(c Conn) error {
		c.Disconnect()
		return nil
	})
}

// registration is one Subscribe call, kept for replay.
type registration struct {
	sub connection.Subscription
	cb  connection.Callback
}

// registry is the append-only replay log. Its lock is never held during I/O.
type registry struct {
	mu   sync.Mutex
	regs []registration
}

func (r *registry) append(reg registration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.regs = append(r.regs, reg)
}

// snapshot returns a copy in registration order.
func (r *registry) snapshot() []registration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.regs)
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.regs)
}

// trigger wakes the reconnect loop. Every fire is counted and consumed
// individually; a fire while an episode runs causes one more episode.
type trigger struct {
	mu      sync.Mutex
	pending int
	wake    chan struct{}
}

func newTrigger() *trigger {
	return &trigger{wake: make(chan struct{}, 1)}
}

// fire never blocks.
func (t *trigger) fire() {
	t.mu.Lock()
	t.pending++
	t.mu.Unlock()

	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// wait consumes one fire. It returns false once done is closed.
func (t *trigger) wait(done <-chan struct{}) bool {
	for {
		select {
		case <-done:
			return false
		default:
		}

		t.mu.Lock()
		if t.pending > 0 {
			t.pending--
			t.mu.Unlock()
			return true
		}
		t.mu.Unlock()

		select {
		case <-t.wake:
		case <-done:
			return false
		}
	}
}

// wrapCallback forwards every message to cb unchanged and fires t when the
// message is the fatal socket error. It must not capture the Websocket.
func wrapCallback(cb connection.Callback, t *trigger) connection.Callback {
	return func(env connection.Envelope, err error) {
		if errors.Is(err, connection.ErrSocketClosed) {
			t.fire()
		}
		cb(env, err)
	}
}

// counters back Stats; shared by the Websocket and its loop.
type counters struct {
	episodes       atomic.Int64
	reconnects     atomic.Int64
	dialAttempts   atomic.Int64
	dialFailures   atomic.Int64
	replayFailures atomic.Int64
	lastReconnect  atomic.Int64 // unix nanos
}

func (c *counters) stats(registrations int) Stats {
	s := Stats{
		Registrations:  registrations,
		Episodes:       c.episodes.Load(),
		Reconnects:     c.reconnects.Load(),
		DialAttempts:   c.dialAttempts.Load(),
		DialFailures:   c.dialFailures.Load(),
		ReplayFailures: c.replayFailures.Load(),
	}
	if ns := c.lastReconnect.Load(); ns != 0 {
		s.LastReconnectedAt = time.Unix(0, ns)
	}
	return s
}
