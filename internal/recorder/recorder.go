package recorder

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rickgao/kalshi-stream/internal/buffer"
	"github.com/rickgao/kalshi-stream/internal/connection"
)

const insertMessage = `
	INSERT INTO stream_messages (received_at, conn_id, type, sid, seq, market_ticker, payload)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
`

// batchSender is the part of *pgxpool.Pool the recorder uses.
type batchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Config holds recorder settings.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	BufferSize    int // Initial queue capacity; the queue grows past it
}

// DefaultConfig returns the default recorder settings.
func DefaultConfig() Config {
	return Config{
		BatchSize:     1000,
		FlushInterval: time.Second,
		BufferSize:    10000,
	}
}

// Stats are cumulative recorder counters.
type Stats struct {
	Received int64 // Envelopes accepted into the queue
	Dropped  int64 // Envelopes offered after Stop
	Inserts  int64
	Errors   int64 // Failed batches
	Flushes  int64
}

// message is one queued envelope with the ticker of its subscription.
type message struct {
	ticker string
	env    connection.Envelope
}

// row is one stream_messages row.
type row struct {
	ReceivedAt   int64 // Microseconds
	ConnID       uuid.UUID
	Type         string
	SID          int64
	Seq          int64
	MarketTicker string
	Payload      []byte
}

// Recorder appends every envelope it is given to the stream_messages table
// in batches.
type Recorder struct {
	cfg    Config
	logger *slog.Logger

	input *buffer.Queue[message]
	db    batchSender

	// Batching
	batch       []row
	batchMu     sync.Mutex
	flushTicker *time.Ticker

	// Lifecycle
	ctx      context.Context
	cancel   context.CancelFunc
	consumed chan struct{} // closed when consumeLoop has drained the input
	wg       sync.WaitGroup

	stats Stats
}

// New creates a Recorder writing through db, typically a *pgxpool.Pool.
func New(cfg Config, db batchSender, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	return &Recorder{
		cfg:    cfg,
		logger: logger,
		input:  buffer.NewQueue[message](cfg.BufferSize),
		db:     db,
		batch:  make([]row, 0, cfg.BatchSize),
	}
}

// Callback returns a subscription callback that records every envelope for
// sub. Errors are logged, not recorded.
func (r *Recorder) Callback(sub connection.Subscription) connection.Callback {
	return func(env connection.Envelope, err error) {
		if err != nil {
			r.logger.Warn("subscription error", "subscription", sub, "error", err)
			return
		}
		r.Record(sub.MarketTicker, env)
	}
}

// Record queues one envelope. It never blocks.
func (r *Recorder) Record(ticker string, env connection.Envelope) {
	ok := r.input.Push(message{ticker: ticker, env: env})

	r.batchMu.Lock()
	if ok {
		r.stats.Received++
	} else {
		r.stats.Dropped++
	}
	r.batchMu.Unlock()
}

// Start begins consuming envelopes and writing to the database. The
// recorder keeps ctx's values but runs until Stop, so envelopes received
// during shutdown are still written.
func (r *Recorder) Start(ctx context.Context) error {
	if r.cfg.FlushInterval <= 0 {
		return errors.New("recorder: flush interval must be positive")
	}

	r.ctx, r.cancel = context.WithCancel(context.WithoutCancel(ctx))
	r.consumed = make(chan struct{})
	r.flushTicker = time.NewTicker(r.cfg.FlushInterval)

	// Consumer goroutine
	r.wg.Add(1)
	go r.consumeLoop()

	// Flush ticker goroutine
	r.wg.Add(1)
	go r.flushLoop()

	r.logger.Info("recorder started",
		"batch_size", r.cfg.BatchSize,
		"flush_interval", r.cfg.FlushInterval,
	)
	return nil
}

// Stop closes the input and lets the consumer drain it, including any
// insert already in flight, then writes the remaining partial batch using
// ctx. If ctx ends first the goroutines are cancelled and ctx's error is
// returned.
func (r *Recorder) Stop(ctx context.Context) error {
	r.logger.Info("stopping recorder")

	r.input.Close()
	if r.cancel != nil {
		defer r.cancel()
	}

	// Wait for goroutines
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warn("recorder stop timed out")
		return ctx.Err()
	}

	if r.flushTicker != nil {
		r.flushTicker.Stop()
	}

	// Final flush
	for _, msg := range r.input.Drain(0) {
		r.add(msg)
	}
	err := r.flush(ctx)

	r.logger.Info("recorder stopped")
	return err
}

// Stats returns current counters.
func (r *Recorder) Stats() Stats {
	r.batchMu.Lock()
	defer r.batchMu.Unlock()
	return r.stats
}

// consumeLoop moves envelopes from the queue into the batch until the queue
// is closed and empty.
func (r *Recorder) consumeLoop() {
	defer r.wg.Done()
	defer close(r.consumed)

	for {
		msg, err := r.input.Pop(r.ctx)
		if err != nil {
			return
		}
		if r.add(msg) {
			r.flush(r.ctx)
		}
	}
}

// flushLoop periodically flushes the batch.
func (r *Recorder) flushLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.consumed:
			return
		case <-r.flushTicker.C:
			r.flush(r.ctx)
		}
	}
}

// add appends a message to the batch and reports whether it is full.
func (r *Recorder) add(msg message) bool {
	rw := transform(msg)

	r.batchMu.Lock()
	defer r.batchMu.Unlock()
	r.batch = append(r.batch, rw)
	return len(r.batch) >= r.cfg.BatchSize
}

func transform(msg message) row {
	return row{
		ReceivedAt:   msg.env.ReceivedAt.UnixMicro(),
		ConnID:       msg.env.ConnID,
		Type:         msg.env.Type,
		SID:          msg.env.SID,
		Seq:          msg.env.Seq,
		MarketTicker: msg.ticker,
		Payload:      msg.env.Msg,
	}
}

// flush writes the current batch. A failed batch is counted and dropped.
func (r *Recorder) flush(ctx context.Context) error {
	r.batchMu.Lock()
	if len(r.batch) == 0 {
		r.batchMu.Unlock()
		return nil
	}

	// Take ownership of current batch
	batch := r.batch
	r.batch = make([]row, 0, r.cfg.BatchSize)
	r.batchMu.Unlock()

	start := time.Now()

	if err := r.batchInsert(ctx, batch); err != nil {
		r.logger.Error("batch insert failed", "error", err, "count", len(batch))
		r.batchMu.Lock()
		r.stats.Errors++
		r.batchMu.Unlock()
		return err
	}

	r.batchMu.Lock()
	r.stats.Inserts += int64(len(batch))
	r.stats.Flushes++
	r.batchMu.Unlock()

	r.logger.Debug("flushed stream messages",
		"count", len(batch),
		"duration", time.Since(start),
	)
	return nil
}

func (r *Recorder) batchInsert(ctx context.Context, rows []row) error {
	if r.db == nil {
		return errors.New("recorder: no database")
	}

	batch := &pgx.Batch{}
	for _, rw := range rows {
		batch.Queue(insertMessage,
			rw.ReceivedAt, rw.ConnID, rw.Type, rw.SID, rw.Seq, rw.MarketTicker, rw.Payload)
	}

	results := r.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return nil
}
