package connection

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/kalshi-stream/internal/auth"
)

// Errors
var (
	// ErrSocketClosed is the fatal transport error. It is delivered once to
	// every active callback when the socket dies; the connection is unusable
	// afterwards and has to be rebuilt.
	ErrSocketClosed = errors.New("socket closed")

	ErrNotConnected     = errors.New("not connected")
	ErrStaleConnection  = errors.New("connection stale (no ping)")
	ErrTimeout          = errors.New("operation timeout")
	ErrForcedDisconnect = errors.New("forced disconnect")
	ErrNilCallback      = errors.New("nil callback")
)

// APIError is an application-level error reported by the server, either as
// a command rejection or as an error frame on a subscription.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("kalshi error %d: %s", e.Code, e.Message)
}

// Channel names understood by the server.
const (
	ChannelTicker          = "ticker"
	ChannelTrade           = "trade"
	ChannelOrderbookDelta  = "orderbook_delta"
	ChannelMarketLifecycle = "market_lifecycle"
	ChannelFill            = "fill"
)

// Subscription identifies one stream topic. It is a plain value: two equal
// subscriptions are still two independent subscriptions.
type Subscription struct {
	Channel      string
	MarketTicker string // Empty for global channels
}

func (s Subscription) String() string {
	if s.MarketTicker == "" {
		return s.Channel
	}
	return s.Channel + ":" + s.MarketTicker
}

// Params converts the shorthand form into an explicit subscribe command.
func (s Subscription) Params() SubscribeParams {
	return SubscribeParams{
		Channels:     []string{s.Channel},
		MarketTicker: s.MarketTicker,
	}
}

// Envelope is a data frame routed to a subscription.
type Envelope struct {
	Type       string          // "ticker", "trade", "orderbook_delta", ...
	SID        int64           // Server subscription ID
	Seq        int64           // Sequence number (orderbook only)
	Msg        json.RawMessage // Channel-specific payload
	Raw        []byte          // The complete frame as received
	ConnID     uuid.UUID       // Connection instance that delivered the frame
	ReceivedAt time.Time       // Local timestamp when the frame was read
}

// Callback receives every envelope for a subscription, or an error. It may
// be called concurrently with other callbacks and must not block for long.
type Callback func(env Envelope, err error)

// Handle identifies a subscription accepted by one connection instance.
type Handle struct {
	ID           uuid.UUID
	ConnID       uuid.UUID
	SID          int64
	Subscription Subscription
}

// StreamResult is one item of a CreateStream sequence.
type StreamResult struct {
	Envelope Envelope
	Err      error
}

// RawResult is one item of a CreateStreamSpecific sequence.
type RawResult struct {
	Data       []byte
	ReceivedAt time.Time
	Err        error
}

// Command is a WebSocket command to send to the server.
type Command struct {
	ID     int64       `json:"id"`
	Cmd    string      `json:"cmd"`
	Params interface{} `json:"params"`
}

// SubscribeParams are parameters for a subscribe command.
type SubscribeParams struct {
	Channels      []string `json:"channels"`
	MarketTicker  string   `json:"market_ticker,omitempty"`
	MarketTickers []string `json:"market_tickers,omitempty"`
}

// UnsubscribeParams are parameters for an unsubscribe command.
type UnsubscribeParams struct {
	SIDs []int64 `json:"sids"`
}

// Response is a command response from the server.
type Response struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"` // "subscribed", "unsubscribed", "error", "ok"
	Msg  json.RawMessage `json:"msg"`
}

// SubscribedMsg is the message content for a "subscribed" response.
type SubscribedMsg struct {
	SID     int64  `json:"sid"`
	Channel string `json:"channel"`
}

// frame is the union of every field the read loop needs to classify a frame.
type frame struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	SID  int64           `json:"sid"`
	Seq  int64           `json:"seq,omitempty"`
	Msg  json.RawMessage `json:"msg"`
}

// ClientConfig configures a WebSocket client. It is captured once and reused
// unchanged for every reconnect.
type ClientConfig struct {
	URL              string            // e.g. wss://api.elections.kalshi.com/trade-api/ws/v2
	Credentials      *auth.Credentials // nil = unauthenticated
	PingTimeout      time.Duration     // Max time without ping before considering connection stale
	WriteTimeout     time.Duration     // Write deadline for sends
	HandshakeTimeout time.Duration     // Dial handshake deadline
	SubscribeTimeout time.Duration     // Max wait for a subscribe ack
	BufferSize       int               // Initial stream queue capacity
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		PingTimeout:      60 * time.Second,
		WriteTimeout:     5 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		SubscribeTimeout: 10 * time.Second,
		BufferSize:       1024,
	}
}
