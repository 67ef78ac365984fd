package connection

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/rickgao/kalshi-stream/internal/buffer"
)

// Subscribe subscribes to one topic. cb receives every envelope for it
// until the connection is disconnected or fails; on failure cb receives an
// error wrapping ErrSocketClosed exactly once.
func (c *Client) Subscribe(ctx context.Context, sub Subscription, cb Callback) (Handle, error) {
	if cb == nil {
		return Handle{}, ErrNilCallback
	}

	sids, err := c.command(ctx, "subscribe", sub.Params(), route{cb: cb})
	if err != nil {
		c.release(sids)
		return Handle{}, fmt.Errorf("subscribe %s: %w", sub, err)
	}

	h := Handle{
		ID:           uuid.New(),
		ConnID:       c.id,
		SID:          sids[0],
		Subscription: sub,
	}

	c.logger.Debug("subscribed", "subscription", sub, "sid", h.SID)

	return h, nil
}

// CreateStream subscribes to every topic and merges their envelopes into
// one channel. The channel is closed when ctx is cancelled or the connection
// goes away; after a transport failure the last item carries the error.
// Cancelling ctx unsubscribes the stream's SIDs.
func (c *Client) CreateStream(ctx context.Context, subs []Subscription) (<-chan StreamResult, error) {
	s := newStream(c.cfg.BufferSize, func(err error) StreamResult {
		return StreamResult{Envelope: Envelope{ConnID: c.id}, Err: err}
	})
	cb := func(env Envelope, err error) {
		s.queue.Push(StreamResult{Envelope: env, Err: err})
	}

	if !c.addStream(s) {
		return nil, c.closedErr()
	}

	var sids []int64
	for _, sub := range subs {
		acked, err := c.command(ctx, "subscribe", sub.Params(), route{cb: cb, stream: true})
		sids = append(sids, acked...)
		if err != nil {
			c.release(sids)
			c.removeStream(s)
			s.end(nil)
			return nil, fmt.Errorf("create stream %s: %w", sub, err)
		}
	}

	out := make(chan StreamResult)
	go pumpStream[StreamResult](ctx, c, s, sids, out)
	return out, nil
}

// CreateStreamSpecific is CreateStream for explicit subscribe commands. It
// yields raw frames instead of envelopes.
func (c *Client) CreateStreamSpecific(ctx context.Context, params []SubscribeParams) (<-chan RawResult, error) {
	s := newStream(c.cfg.BufferSize, func(err error) RawResult {
		return RawResult{Err: err}
	})
	cb := func(env Envelope, err error) {
		s.queue.Push(RawResult{Data: env.Raw, ReceivedAt: env.ReceivedAt, Err: err})
	}

	if !c.addStream(s) {
		return nil, c.closedErr()
	}

	var sids []int64
	for _, p := range params {
		acked, err := c.command(ctx, "subscribe", p, route{cb: cb, stream: true})
		sids = append(sids, acked...)
		if err != nil {
			c.release(sids)
			c.removeStream(s)
			s.end(nil)
			return nil, fmt.Errorf("create stream %v: %w", p.Channels, err)
		}
	}

	out := make(chan RawResult)
	go pumpStream[RawResult](ctx, c, s, sids, out)
	return out, nil
}

// streamEnder is implemented by every stream type so the client can end
// them without knowing their item type.
type streamEnder interface {
	end(err error)
}

type stream[T any] struct {
	queue *buffer.Queue[T]
	final func(err error) T
}

func newStream[T any](capacity int, final func(error) T) *stream[T] {
	return &stream[T]{
		queue: buffer.NewQueue[T](capacity),
		final: final,
	}
}

// end closes the stream, queueing err as the last item if non-nil.
func (s *stream[T]) end(err error) {
	if err != nil {
		s.queue.Push(s.final(err))
	}
	s.queue.Close()
}

func (c *Client) addStream(s streamEnder) bool {
	c.routesMu.Lock()
	defer c.routesMu.Unlock()
	if c.streams == nil {
		return false
	}
	c.streams[s] = struct{}{}
	return true
}

func (c *Client) removeStream(s streamEnder) {
	c.routesMu.Lock()
	defer c.routesMu.Unlock()
	if c.streams != nil {
		delete(c.streams, s)
	}
}

// pumpStream moves items from the stream queue to out until the queue is
// closed and drained or ctx is done. On exit the stream's SIDs are released
// before out is closed.
func pumpStream[T any](ctx context.Context, c *Client, s *stream[T], sids []int64, out chan<- T) {
	defer close(out)
	defer c.release(sids)
	defer c.removeStream(s)
	defer s.queue.Close()

	for {
		item, err := s.queue.Pop(ctx)
		if err != nil {
			return
		}
		select {
		case out <- item:
		case <-ctx.Done():
			return
		}
	}
}
