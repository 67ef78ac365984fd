package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Client is a single live WebSocket connection to Kalshi. A Client is never
// reused: once it fails or is disconnected a new one has to be dialed.
type Client struct {
	id     uuid.UUID
	cfg    ClientConfig
	logger *slog.Logger

	conn *websocket.Conn
	done chan struct{}

	// Write serialization
	writeMu sync.Mutex

	// State
	mu         sync.RWMutex
	connected  bool
	lastPingAt time.Time
	failure    error // set when the socket died, nil after a clean Disconnect

	// Command/response correlation
	cmdID     atomic.Int64
	pendingMu sync.Mutex
	pending   map[int64]*pendingCmd

	// SID routing; both maps are nil once the client is closed.
	routesMu sync.RWMutex
	routes   map[int64]route
	streams  map[streamEnder]struct{}
}

// route is the destination of data frames for one SID.
type route struct {
	cb Callback
	// stream routes are ended through their stream instead of receiving the
	// fatal error directly.
	stream bool
}

// pendingCmd tracks a command awaiting its acknowledgements. A subscribe
// with N channels is acknowledged by N "subscribed" responses.
type pendingCmd struct {
	expect int
	route  route
	sids   []int64
	result chan error
}

// Dial connects a new client. The returned client is live; callers own it
// and must call Disconnect when done.
func Dial(ctx context.Context, cfg ClientConfig, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	id := uuid.New()
	c := &Client{
		id:      id,
		cfg:     cfg,
		logger:  logger.With("conn_id", id),
		done:    make(chan struct{}),
		pending: make(map[int64]*pendingCmd),
		routes:  make(map[int64]route),
		streams: make(map[streamEnder]struct{}),
	}

	header := http.Header{}
	header.Set("Accept", "application/json")

	if cfg.Credentials != nil {
		parsedURL, err := url.Parse(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse WebSocket URL: %w", err)
		}
		signed, err := cfg.Credentials.Header(http.MethodGet, parsedURL.Path)
		if err != nil {
			return nil, fmt.Errorf("sign handshake: %w", err)
		}
		for k, v := range signed {
			header[k] = v
		}
	} else {
		c.logger.Warn("connecting without authentication")
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.HandshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, cfg.URL, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.URL, err)
	}

	c.conn = conn
	c.connected = true
	c.lastPingAt = time.Now()

	// Server sends ping, we respond with pong
	conn.SetPingHandler(func(data string) error {
		c.mu.Lock()
		c.lastPingAt = time.Now()
		c.mu.Unlock()

		return conn.WriteControl(
			websocket.PongMessage,
			[]byte(data),
			time.Now().Add(time.Second),
		)
	})

	go c.readLoop()
	if cfg.PingTimeout > 0 {
		go c.heartbeatLoop()
	}

	c.logger.Debug("websocket connected", "url", cfg.URL)

	return c, nil
}

// ID returns the connection instance ID.
func (c *Client) ID() uuid.UUID {
	return c.id
}

// IsConnected returns the current connection state.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Disconnect closes the connection. Callbacks receive nothing; open streams
// end without an error. Safe to call more than once.
func (c *Client) Disconnect() {
	if !c.shutdown(nil) {
		return
	}

	c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.conn.Close()

	_, streams := c.takeRoutes()
	for s := range streams {
		s.end(nil)
	}

	c.logger.Debug("websocket disconnected")
}

// ForceDisconnect simulates a transport failure: every active callback
// receives ErrSocketClosed exactly as if the socket had dropped.
func (c *Client) ForceDisconnect() {
	c.fail(ErrForcedDisconnect)
}

// shutdown marks the client closed. It returns false if it already was.
func (c *Client) shutdown(cause error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return false
	default:
	}

	c.connected = false
	c.failure = cause
	close(c.done)
	return true
}

// fail tears the connection down after a transport failure and delivers
// the fatal error to every subscriber.
func (c *Client) fail(cause error) {
	if !c.shutdown(cause) {
		return
	}

	c.logger.Warn("websocket failed", "error", cause)
	c.conn.Close()

	fatal := fmt.Errorf("%w: %w", ErrSocketClosed, cause)
	routes, streams := c.takeRoutes()
	for _, r := range routes {
		if !r.stream {
			r.cb(Envelope{ConnID: c.id}, fatal)
		}
	}
	for s := range streams {
		s.end(fatal)
	}
}

// closedErr is the error returned by operations on a closed client.
func (c *Client) closedErr() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.failure != nil {
		return ErrSocketClosed
	}
	return ErrNotConnected
}

func (c *Client) takeRoutes() (map[int64]route, map[streamEnder]struct{}) {
	c.routesMu.Lock()
	defer c.routesMu.Unlock()

	routes, streams := c.routes, c.streams
	c.routes, c.streams = nil, nil
	return routes, streams
}

// addRoute installs r for sid. It reports false once the client is closed.
func (c *Client) addRoute(sid int64, r route) bool {
	c.routesMu.Lock()
	defer c.routesMu.Unlock()
	if c.routes == nil {
		return false
	}
	c.routes[sid] = r
	return true
}

// send writes raw bytes to the connection.
func (c *Client) send(data []byte) error {
	c.mu.RLock()
	connected := c.connected
	c.mu.RUnlock()
	if !connected {
		return c.closedErr()
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.cfg.WriteTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// command sends a subscribe-style command and waits until every expected
// acknowledgement has arrived. Routes for the acknowledged SIDs are
// installed by the read loop before the waiter wakes, so no data frame that
// follows an ack can be missed. On failure the SIDs acknowledged before it
// are returned with the error.
func (c *Client) command(ctx context.Context, cmd string, params SubscribeParams, r route) ([]int64, error) {
	if len(params.Channels) == 0 {
		return nil, fmt.Errorf("%s: no channels", cmd)
	}

	id := c.cmdID.Add(1)
	p := &pendingCmd{
		expect: len(params.Channels),
		route:  r,
		result: make(chan error, 1),
	}

	c.pendingMu.Lock()
	c.pending[id] = p
	c.pendingMu.Unlock()

	// abandon stops routing acks to p and returns the SIDs acknowledged so
	// far, whose routes are already installed.
	abandon := func() []int64 {
		c.pendingMu.Lock()
		defer c.pendingMu.Unlock()
		delete(c.pending, id)
		return p.sids
	}

	data, err := json.Marshal(Command{ID: id, Cmd: cmd, Params: params})
	if err != nil {
		abandon()
		return nil, fmt.Errorf("encode %s: %w", cmd, err)
	}
	if err := c.send(data); err != nil {
		abandon()
		return nil, err
	}

	timeout := c.cfg.SubscribeTimeout
	if timeout <= 0 {
		timeout = DefaultClientConfig().SubscribeTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return abandon(), ctx.Err()
	case <-c.done:
		return abandon(), c.closedErr()
	case <-timer.C:
		return abandon(), ErrTimeout
	case err := <-p.result:
		sids := abandon()
		if err != nil {
			return sids, err
		}
		return sids, nil
	}
}

// release removes the routes for sids and asks the server to stop sending
// them. The unsubscribe is best effort and not acknowledged.
func (c *Client) release(sids []int64) {
	if len(sids) == 0 {
		return
	}

	c.routesMu.Lock()
	for _, sid := range sids {
		delete(c.routes, sid)
	}
	c.routesMu.Unlock()

	data, err := json.Marshal(Command{ID: c.cmdID.Add(1), Cmd: "unsubscribe", Params: UnsubscribeParams{SIDs: sids}})
	if err != nil {
		return
	}
	if err := c.send(data); err != nil {
		c.logger.Debug("unsubscribe not sent", "sids", sids, "error", err)
		return
	}
	c.logger.Debug("unsubscribed", "sids", sids)
}

// readLoop reads frames until the socket dies or the client is closed.
func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		receivedAt := time.Now() // Capture timestamp immediately

		if err != nil {
			select {
			case <-c.done:
				// Closed on purpose
			default:
				c.fail(err)
			}
			return
		}

		c.handleFrame(data, receivedAt)
	}
}

// handleFrame classifies a frame as a command response, an error frame for
// a subscription, or a data frame, and routes it.
func (c *Client) handleFrame(data []byte, receivedAt time.Time) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		c.logger.Warn("dropping malformed frame", "error", err)
		return
	}

	if f.ID != 0 {
		switch f.Type {
		case "subscribed", "unsubscribed", "error", "ok":
			c.routeResponse(Response{ID: f.ID, Type: f.Type, Msg: f.Msg})
			return
		}
	}

	env := Envelope{
		Type:       f.Type,
		SID:        f.SID,
		Seq:        f.Seq,
		Msg:        f.Msg,
		Raw:        data,
		ConnID:     c.id,
		ReceivedAt: receivedAt,
	}

	var frameErr error
	if f.Type == "error" {
		frameErr = decodeAPIError(f.Msg)
	}

	c.routesMu.RLock()
	r, ok := c.routes[f.SID]
	c.routesMu.RUnlock()

	if !ok {
		c.logger.Debug("no route for frame", "type", f.Type, "sid", f.SID)
		return
	}
	r.cb(env, frameErr)
}

// routeResponse hands a command response to the waiting goroutine.
func (c *Client) routeResponse(resp Response) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	p, ok := c.pending[resp.ID]
	if !ok {
		c.logger.Debug("response for unknown command", "id", resp.ID, "type", resp.Type)
		return
	}

	switch resp.Type {
	case "subscribed":
		var sub SubscribedMsg
		if err := json.Unmarshal(resp.Msg, &sub); err != nil {
			delete(c.pending, resp.ID)
			p.result <- fmt.Errorf("decode subscribed: %w", err)
			return
		}
		if p.route.cb != nil && !c.addRoute(sub.SID, p.route) {
			// The client failed after the ack was read; the route would
			// never see the fatal error.
			delete(c.pending, resp.ID)
			p.result <- c.closedErr()
			return
		}
		p.sids = append(p.sids, sub.SID)
		p.expect--
		if p.expect > 0 {
			return
		}
		delete(c.pending, resp.ID)
		p.result <- nil

	case "error":
		delete(c.pending, resp.ID)
		p.result <- decodeAPIError(resp.Msg)

	default:
		delete(c.pending, resp.ID)
		p.result <- nil
	}
}

func decodeAPIError(msg json.RawMessage) *APIError {
	apiErr := &APIError{}
	if err := json.Unmarshal(msg, apiErr); err != nil {
		apiErr.Message = string(msg)
	}
	return apiErr
}

// heartbeatLoop declares the connection dead when the server stops pinging.
func (c *Client) heartbeatLoop() {
	ticker := time.NewTicker(c.cfg.PingTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.RLock()
			lastPing := c.lastPingAt
			c.mu.RUnlock()

			if time.Since(lastPing) > c.cfg.PingTimeout {
				c.logger.Warn("no ping received, connection stale",
					"last_ping", lastPing,
					"timeout", c.cfg.PingTimeout,
				)
				c.fail(ErrStaleConnection)
				return
			}
		}
	}
}
