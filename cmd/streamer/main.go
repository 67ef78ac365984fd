// streamer keeps a configured set of Kalshi WebSocket subscriptions alive
// across disconnects and logs or records every message.
// Usage: go run ./cmd/streamer --config configs/streamer.example.yaml
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/kalshi-stream/internal/auth"
	"github.com/rickgao/kalshi-stream/internal/config"
	"github.com/rickgao/kalshi-stream/internal/connection"
	"github.com/rickgao/kalshi-stream/internal/database"
	"github.com/rickgao/kalshi-stream/internal/reconnect"
	"github.com/rickgao/kalshi-stream/internal/recorder"
	"github.com/rickgao/kalshi-stream/internal/version"
)

const statsInterval = 30 * time.Second

func main() {
	configPath := flag.String("config", "configs/streamer.example.yaml", "path to config file")
	chaosInterval := flag.Duration("chaos-interval", 0, "force a socket failure this often (0 = never)")
	healthAddr := flag.String("health-addr", ":8080", "health server address (empty = disabled)")
	verbose := flag.Bool("verbose", false, "log every message")
	flag.Parse()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting streamer", version.Attr(), "config", *configPath)

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if empty := cfg.EmptyEnv(); len(empty) > 0 {
		logger.Warn("config references empty environment variables", "vars", empty)
	}

	logger.Info("configuration loaded",
		"instance_id", cfg.Instance.ID,
		"ws_url", cfg.API.WSURL,
		"subscriptions", len(cfg.Subscriptions),
		"recorder", cfg.Recorder.Enabled,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Load authentication credentials
	var creds *auth.Credentials
	if cfg.API.APIKey != "" {
		creds, err = auth.LoadCredentials(cfg.API.APIKey, cfg.API.PrivateKeyPath)
		if err != nil {
			logger.Error("failed to load credentials", "error", err)
			os.Exit(1)
		}
	}

	// Optional recorder
	var (
		pool *pgxpool.Pool
		rec  *recorder.Recorder
	)
	if cfg.Recorder.Enabled {
		pool, rec, err = startRecorder(ctx, cfg, logger)
		if err != nil {
			logger.Error("failed to start recorder", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
	}

	// The client config is captured once; every reconnect dials with it.
	clientCfg := connection.ClientConfig{
		URL:              cfg.API.WSURL,
		Credentials:      creds,
		PingTimeout:      cfg.Stream.Heartbeat(),
		WriteTimeout:     cfg.Stream.WriteTimeout,
		HandshakeTimeout: cfg.Stream.HandshakeTimeout,
		SubscribeTimeout: cfg.Stream.SubscribeTimeout,
		BufferSize:       cfg.Stream.BufferSize,
	}

	var current atomic.Pointer[connection.Client]
	dial := func(ctx context.Context) (reconnect.Conn, error) {
		c, err := connection.Dial(ctx, clientCfg, logger)
		if err != nil {
			return nil, err
		}
		current.Store(c)
		return c, nil
	}

	ws, err := reconnect.Instantiate(ctx, dial, cfg.Stream.ReattemptInterval,
		reconnect.WithLogger(logger),
		reconnect.WithReplayConcurrency(cfg.Stream.ReplayConcurrency),
	)
	if err != nil {
		logger.Error("failed to connect", "error", err)
		os.Exit(1)
	}

	for _, sc := range cfg.Subscriptions {
		sub := connection.Subscription{Channel: sc.Channel, MarketTicker: sc.MarketTicker}

		var cb connection.Callback
		if rec != nil {
			cb = rec.Callback(sub)
		} else {
			cb = logCallback(logger, sub, *verbose)
		}

		if _, err := ws.Subscribe(ctx, sub, cb); err != nil {
			// Still recorded; the next reconnect replays it.
			logger.Warn("subscribe failed", "subscription", sub, "error", err)
			continue
		}
		logger.Info("subscribed", "subscription", sub)
	}

	var healthServer *http.Server
	if *healthAddr != "" {
		healthServer = &http.Server{
			Addr:    *healthAddr,
			Handler: createHealthHandler(ws, rec, &current),
		}
		go func() {
			logger.Info("starting health server", "addr", *healthAddr)
			if err := healthServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				logger.Error("health server error", "error", err)
			}
		}()
	}

	var chaos <-chan time.Time
	if *chaosInterval > 0 {
		ticker := time.NewTicker(*chaosInterval)
		defer ticker.Stop()
		chaos = ticker.C
		logger.Warn("chaos mode enabled", "interval", *chaosInterval)
	}

	statsTicker := time.NewTicker(statsInterval)
	defer statsTicker.Stop()

	logger.Info("streamer running", "instance_id", cfg.Instance.ID)

	for running := true; running; {
		select {
		case <-ctx.Done():
			running = false
		case <-chaos:
			if c := current.Load(); c != nil {
				logger.Warn("forcing socket failure", "conn_id", c.ID())
				c.ForceDisconnect()
			}
		case <-statsTicker.C:
			logStats(logger, ws, rec)
		}
	}

	logger.Info("shutting down...")

	ws.Disconnect()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if healthServer != nil {
		healthServer.Shutdown(shutdownCtx)
	}
	if rec != nil {
		if err := rec.Stop(shutdownCtx); err != nil {
			logger.Error("recorder stop failed", "error", err)
		}
	}

	logStats(logger, ws, rec)
	logger.Info("streamer stopped")
}

// startRecorder connects to TimescaleDB, creates the table and starts the
// recorder.
func startRecorder(ctx context.Context, cfg *config.StreamerConfig, logger *slog.Logger) (*pgxpool.Pool, *recorder.Recorder, error) {
	logger.Info("connecting to database",
		"host", cfg.Database.Timescale.Host,
		"port", cfg.Database.Timescale.Port,
		"database", cfg.Database.Timescale.Name,
	)

	pool, err := database.Connect(ctx, cfg.Database.Timescale)
	if err != nil {
		return nil, nil, err
	}

	if err := recorder.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, err
	}

	rec := recorder.New(recorder.Config{
		BatchSize:     cfg.Recorder.BatchSize,
		FlushInterval: cfg.Recorder.FlushInterval,
		BufferSize:    cfg.Recorder.BufferSize,
	}, pool, logger.With("component", "recorder"))

	if err := rec.Start(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return pool, rec, nil
}

// logCallback logs messages for sub. Message bodies are logged only when
// verbose.
func logCallback(logger *slog.Logger, sub connection.Subscription, verbose bool) connection.Callback {
	return func(env connection.Envelope, err error) {
		if err != nil {
			logger.Warn("subscription error", "subscription", sub, "error", err)
			return
		}
		if verbose {
			logger.Info("message",
				"subscription", sub,
				"type", env.Type,
				"sid", env.SID,
				"seq", env.Seq,
				"msg", string(env.Msg),
			)
			return
		}
		logger.Debug("message", "subscription", sub, "type", env.Type, "seq", env.Seq)
	}
}

func logStats(logger *slog.Logger, ws *reconnect.Websocket, rec *recorder.Recorder) {
	s := ws.Stats()
	logger.Info("stream stats",
		"registrations", s.Registrations,
		"episodes", s.Episodes,
		"reconnects", s.Reconnects,
		"dial_failures", s.DialFailures,
		"replay_failures", s.ReplayFailures,
		"last_reconnect", s.LastReconnectedAt,
	)
	if rec != nil {
		rs := rec.Stats()
		logger.Info("recorder stats",
			"received", rs.Received,
			"inserts", rs.Inserts,
			"errors", rs.Errors,
			"flushes", rs.Flushes,
		)
	}
}

// createHealthHandler creates the HTTP handler for health checks.
func createHealthHandler(ws *reconnect.Websocket, rec *recorder.Recorder, current *atomic.Pointer[connection.Client]) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		health := struct {
			Status     string                 `json:"status"`
			Components map[string]interface{} `json:"components"`
		}{
			Status:     "healthy",
			Components: make(map[string]interface{}),
		}

		c := current.Load()
		if c == nil || !c.IsConnected() {
			health.Status = "degraded"
			health.Components["websocket"] = "reconnecting"
		} else {
			health.Components["websocket"] = map[string]interface{}{
				"status":  "connected",
				"conn_id": c.ID(),
			}
		}
		health.Components["reconnect"] = ws.Stats()

		if rec != nil {
			rs := rec.Stats()
			health.Components["recorder"] = rs
			if rs.Errors > 0 {
				health.Status = "degraded"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(health)
	})

	return mux
}
