package config

import "time"

// StreamerConfig is the root configuration for a streamer instance.
type StreamerConfig struct {
	Instance      InstanceConfig       `yaml:"instance"`
	API           APIConfig            `yaml:"api"`
	Stream        StreamConfig         `yaml:"stream"`
	Subscriptions []SubscriptionConfig `yaml:"subscriptions"`
	Database      DatabaseConfig       `yaml:"database"`
	Recorder      RecorderConfig       `yaml:"recorder"`

	emptyEnv []string
}

// InstanceConfig identifies this streamer.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// APIConfig holds Kalshi API settings.
type APIConfig struct {
	WSURL          string `yaml:"ws_url"`
	APIKey         string `yaml:"api_key"`          // API key ID (for KALSHI-ACCESS-KEY header)
	PrivateKeyPath string `yaml:"private_key_path"` // Path to RSA private key PEM file
}

// StreamConfig holds connection and reconnect settings. They are captured
// once at startup and reused for every reconnect.
type StreamConfig struct {
	ReattemptInterval time.Duration `yaml:"reattempt_interval"`
	SubscribeTimeout  time.Duration `yaml:"subscribe_timeout"`
	PingTimeout       time.Duration `yaml:"ping_timeout"` // Negative disables the heartbeat
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	BufferSize        int           `yaml:"buffer_size"`
	ReplayConcurrency int           `yaml:"replay_concurrency"` // Negative = unbounded
}

// Heartbeat returns the ping timeout to dial with; 0 disables the heartbeat.
func (s StreamConfig) Heartbeat() time.Duration {
	if s.PingTimeout < 0 {
		return 0
	}
	return s.PingTimeout
}

// SubscriptionConfig is one subscription made at startup.
type SubscriptionConfig struct {
	Channel      string `yaml:"channel"`
	MarketTicker string `yaml:"market_ticker"`
}

// DatabaseConfig holds the TimescaleDB connection used by the recorder.
type DatabaseConfig struct {
	Timescale DBConfig `yaml:"timescale"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"` // 0 = open connections on demand
}

// RecorderConfig holds batch recorder settings.
type RecorderConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}
