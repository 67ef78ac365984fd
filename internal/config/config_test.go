package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	yaml := `
instance:
  id: test-streamer
api:
  ws_url: wss://demo-api.kalshi.co/trade-api/ws/v2
  api_key: key-id
  private_key_path: /keys/kalshi.pem
stream:
  reattempt_interval: 250ms
  replay_concurrency: 4
subscriptions:
  - channel: ticker
  - channel: orderbook_delta
    market_ticker: KXBTC-25DEC31
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Instance.ID != "test-streamer" {
		t.Errorf("Instance.ID = %q, want %q", cfg.Instance.ID, "test-streamer")
	}
	if cfg.API.WSURL != "wss://demo-api.kalshi.co/trade-api/ws/v2" {
		t.Errorf("API.WSURL = %q, want %q", cfg.API.WSURL, "wss://demo-api.kalshi.co/trade-api/ws/v2")
	}
	if cfg.Stream.ReattemptInterval != 250*time.Millisecond {
		t.Errorf("Stream.ReattemptInterval = %v, want %v", cfg.Stream.ReattemptInterval, 250*time.Millisecond)
	}
	if cfg.Stream.ReplayConcurrency != 4 {
		t.Errorf("Stream.ReplayConcurrency = %d, want 4", cfg.Stream.ReplayConcurrency)
	}
	if len(cfg.Subscriptions) != 2 {
		t.Fatalf("len(Subscriptions) = %d, want 2", len(cfg.Subscriptions))
	}
	if cfg.Subscriptions[1].MarketTicker != "KXBTC-25DEC31" {
		t.Errorf("Subscriptions[1].MarketTicker = %q, want %q", cfg.Subscriptions[1].MarketTicker, "KXBTC-25DEC31")
	}
}

func TestLoadWithEnvSubstitution(t *testing.T) {
	t.Setenv("TEST_DB_PASSWORD", "secret123")
	t.Setenv("TEST_API_KEY", "key-from-env")

	yaml := `
instance:
  id: test-streamer
api:
  api_key: ${TEST_API_KEY}
database:
  timescale:
    host: localhost
    name: test_ts
    user: testuser
    password: ${TEST_DB_PASSWORD}
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Database.Timescale.Password != "secret123" {
		t.Errorf("Database.Timescale.Password = %q, want %q", cfg.Database.Timescale.Password, "secret123")
	}
	if cfg.API.APIKey != "key-from-env" {
		t.Errorf("API.APIKey = %q, want %q", cfg.API.APIKey, "key-from-env")
	}
}

func TestLoadReportsEmptyEnv(t *testing.T) {
	t.Setenv("TEST_API_KEY", "")
	t.Setenv("TEST_KEY_PATH", "/keys/kalshi.pem")
	t.Setenv("TEST_DB_PASSWORD", "")
	os.Unsetenv("TEST_DB_PASSWORD")

	yaml := `
instance:
  id: test-streamer
api:
  api_key: ${TEST_API_KEY}
  private_key_path: ${TEST_KEY_PATH}
database:
  timescale:
    password: ${TEST_DB_PASSWORD}
    user: $TEST_DB_PASSWORD
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	got := cfg.EmptyEnv()
	want := []string{"TEST_API_KEY", "TEST_DB_PASSWORD"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("EmptyEnv() = %v, want %v", got, want)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil || !strings.Contains(err.Error(), "read config file") {
		t.Errorf("Load() error = %v, want read error", err)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeTempFile(t, "instance: [unterminated")

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "parse config yaml") {
		t.Errorf("Load() error = %v, want parse error", err)
	}
}

func TestLoadWithDefaults(t *testing.T) {
	yaml := `
instance:
  id: test-streamer
subscriptions:
  - channel: trade
`
	path := writeTempFile(t, yaml)

	cfg, err := LoadWithDefaults(path)
	if err != nil {
		t.Fatalf("LoadWithDefaults failed: %v", err)
	}

	// Check defaults were applied
	if cfg.API.WSURL != DefaultWSURL {
		t.Errorf("API.WSURL = %q, want default %q", cfg.API.WSURL, DefaultWSURL)
	}
	if cfg.Stream.ReattemptInterval != DefaultReattemptInterval {
		t.Errorf("Stream.ReattemptInterval = %v, want default %v", cfg.Stream.ReattemptInterval, DefaultReattemptInterval)
	}
	if cfg.Stream.SubscribeTimeout != DefaultSubscribeTimeout {
		t.Errorf("Stream.SubscribeTimeout = %v, want default %v", cfg.Stream.SubscribeTimeout, DefaultSubscribeTimeout)
	}
	if cfg.Stream.ReplayConcurrency != 1 {
		t.Errorf("Stream.ReplayConcurrency = %d, want default 1", cfg.Stream.ReplayConcurrency)
	}
	if cfg.Stream.PingTimeout != DefaultPingTimeout {
		t.Errorf("Stream.PingTimeout = %v, want default %v", cfg.Stream.PingTimeout, DefaultPingTimeout)
	}
	if cfg.Database.Timescale.Port != DefaultDBPort {
		t.Errorf("Database.Timescale.Port = %d, want default %d", cfg.Database.Timescale.Port, DefaultDBPort)
	}
	if cfg.Recorder.BatchSize != DefaultBatchSize {
		t.Errorf("Recorder.BatchSize = %d, want default %d", cfg.Recorder.BatchSize, DefaultBatchSize)
	}
	if cfg.Recorder.Enabled {
		t.Error("Recorder.Enabled = true, want false by default")
	}
}

func TestLoadAndValidate(t *testing.T) {
	path := writeTempFile(t, "instance:\n  id: test-streamer\n")

	_, err := LoadAndValidate(path)
	if err == nil {
		t.Fatal("LoadAndValidate() expected error for config without subscriptions")
	}
	if !strings.HasPrefix(err.Error(), "validate config: ") {
		t.Errorf("LoadAndValidate() error = %q, want validate prefix", err.Error())
	}
}

func TestLoadWithDefaults_KeepsExplicitValues(t *testing.T) {
	yaml := `
instance:
  id: test-streamer
stream:
  ping_timeout: -1s
database:
  timescale:
    max_conns: 1
subscriptions:
  - channel: trade
`
	path := writeTempFile(t, yaml)

	cfg, err := LoadWithDefaults(path)
	if err != nil {
		t.Fatalf("LoadWithDefaults failed: %v", err)
	}

	if got := cfg.Stream.Heartbeat(); got != 0 {
		t.Errorf("Stream.Heartbeat() = %v, want 0 (disabled)", got)
	}
	if cfg.Database.Timescale.MaxConns != 1 {
		t.Errorf("Database.Timescale.MaxConns = %d, want 1", cfg.Database.Timescale.MaxConns)
	}
	if cfg.Database.Timescale.MinConns != 0 {
		t.Errorf("Database.Timescale.MinConns = %d, want 0", cfg.Database.Timescale.MinConns)
	}
	if err := cfg.Database.Timescale.validate("database.timescale"); err == nil || err.Error() != "database.timescale.host is required" {
		t.Errorf("validate() error = %v, want only the missing host", err)
	}
}

func TestStreamConfig_Heartbeat(t *testing.T) {
	tests := []struct {
		ping time.Duration
		want time.Duration
	}{
		{ping: 30 * time.Second, want: 30 * time.Second},
		{ping: -1, want: 0},
		{ping: -time.Minute, want: 0},
	}

	for _, tt := range tests {
		s := StreamConfig{PingTimeout: tt.ping}
		if got := s.Heartbeat(); got != tt.want {
			t.Errorf("Heartbeat() with ping_timeout %v = %v, want %v", tt.ping, got, tt.want)
		}
	}
}

func TestLoadAndValidate_NamesEmptyEnv(t *testing.T) {
	t.Setenv("TEST_MISSING_KEY", "")
	os.Unsetenv("TEST_MISSING_KEY")
	yaml := `
instance:
  id: test-streamer
api:
  api_key: ${TEST_MISSING_KEY}
  private_key_path: /keys/kalshi.pem
subscriptions:
  - channel: trade
`
	path := writeTempFile(t, yaml)

	_, err := LoadAndValidate(path)
	if err == nil {
		t.Fatal("LoadAndValidate() expected error for unset api key")
	}
	want := "validate config: api.api_key and api.private_key_path must be set together (empty environment variables: TEST_MISSING_KEY)"
	if err.Error() != want {
		t.Errorf("LoadAndValidate() error = %q, want %q", err.Error(), want)
	}
}

func validConfig() StreamerConfig {
	return StreamerConfig{
		Instance: InstanceConfig{ID: "test"},
		API:      APIConfig{WSURL: DefaultWSURL},
		Stream: StreamConfig{
			ReattemptInterval: time.Second,
			SubscribeTimeout:  time.Second,
			BufferSize:        16,
		},
		Subscriptions: []SubscriptionConfig{{Channel: "ticker"}},
	}
}

func TestValidate(t *testing.T) {
	db := DBConfig{Host: "localhost", Name: "db", User: "user", Password: "pass", MaxConns: 10, MinConns: 2}

	tests := []struct {
		name    string
		modify  func(*StreamerConfig)
		wantErr string
	}{
		{
			name:    "valid config",
			modify:  func(*StreamerConfig) {},
			wantErr: "",
		},
		{
			name:    "missing instance id",
			modify:  func(c *StreamerConfig) { c.Instance.ID = "" },
			wantErr: "instance.id is required",
		},
		{
			name:    "api key without private key",
			modify:  func(c *StreamerConfig) { c.API.APIKey = "key" },
			wantErr: "api.api_key and api.private_key_path must be set together",
		},
		{
			name:    "zero reattempt interval",
			modify:  func(c *StreamerConfig) { c.Stream.ReattemptInterval = 0 },
			wantErr: "stream.reattempt_interval must be > 0",
		},
		{
			name:    "no subscriptions",
			modify:  func(c *StreamerConfig) { c.Subscriptions = nil },
			wantErr: "subscriptions must not be empty",
		},
		{
			name: "unknown channel",
			modify: func(c *StreamerConfig) {
				c.Subscriptions = append(c.Subscriptions, SubscriptionConfig{Channel: "quotes"})
			},
			wantErr: `subscriptions[1].channel "quotes" is not a known channel`,
		},
		{
			name: "orderbook without ticker",
			modify: func(c *StreamerConfig) {
				c.Subscriptions = []SubscriptionConfig{{Channel: "orderbook_delta"}}
			},
			wantErr: "subscriptions[0].market_ticker is required for orderbook_delta",
		},
		{
			name:    "recorder without database",
			modify:  func(c *StreamerConfig) { c.Recorder = RecorderConfig{Enabled: true, BatchSize: 1, FlushInterval: time.Second, BufferSize: 1} },
			wantErr: "database.timescale.host is required",
		},
		{
			name: "recorder min_conns exceeds max_conns",
			modify: func(c *StreamerConfig) {
				c.Recorder = RecorderConfig{Enabled: true, BatchSize: 1, FlushInterval: time.Second, BufferSize: 1}
				c.Database.Timescale = db
				c.Database.Timescale.MinConns = 20
			},
			wantErr: "database.timescale.min_conns (20) cannot exceed max_conns (10)",
		},
		{
			name: "recorder single connection",
			modify: func(c *StreamerConfig) {
				c.Recorder = RecorderConfig{Enabled: true, BatchSize: 1, FlushInterval: time.Second, BufferSize: 1}
				c.Database.Timescale = db
				c.Database.Timescale.MaxConns = 1
				c.Database.Timescale.MinConns = 0
			},
			wantErr: "",
		},
		{
			name:    "negative ping timeout disables heartbeat",
			modify:  func(c *StreamerConfig) { c.Stream.PingTimeout = -1 },
			wantErr: "",
		},
		{
			name: "recorder zero batch size",
			modify: func(c *StreamerConfig) {
				c.Recorder = RecorderConfig{Enabled: true, FlushInterval: time.Second, BufferSize: 1}
				c.Database.Timescale = db
			},
			wantErr: "recorder.batch_size must be >= 1",
		},
		{
			name: "valid recorder",
			modify: func(c *StreamerConfig) {
				c.Recorder = RecorderConfig{Enabled: true, BatchSize: 100, FlushInterval: time.Second, BufferSize: 1000}
				c.Database.Timescale = db
			},
			wantErr: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(&cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
			} else {
				if err == nil {
					t.Errorf("Validate() expected error containing %q, got nil", tt.wantErr)
				} else if err.Error() != tt.wantErr {
					t.Errorf("Validate() error = %q, want %q", err.Error(), tt.wantErr)
				}
			}
		})
	}
}

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}
