package config

import (
	"errors"
	"fmt"
)

// knownChannels maps each channel to whether it requires a market ticker.
var knownChannels = map[string]bool{
	"ticker":           false,
	"trade":            false,
	"orderbook_delta":  true,
	"market_lifecycle": false,
	"fill":             false,
}

// Validate checks that all required fields are set and values are valid.
func (c *StreamerConfig) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if c.API.WSURL == "" {
		return errors.New("api.ws_url is required")
	}
	if (c.API.APIKey == "") != (c.API.PrivateKeyPath == "") {
		return errors.New("api.api_key and api.private_key_path must be set together")
	}

	if c.Stream.ReattemptInterval <= 0 {
		return errors.New("stream.reattempt_interval must be > 0")
	}
	if c.Stream.SubscribeTimeout <= 0 {
		return errors.New("stream.subscribe_timeout must be > 0")
	}
	if c.Stream.BufferSize < 1 {
		return errors.New("stream.buffer_size must be >= 1")
	}

	if len(c.Subscriptions) == 0 {
		return errors.New("subscriptions must not be empty")
	}
	for i, sub := range c.Subscriptions {
		if err := sub.validate(fmt.Sprintf("subscriptions[%d]", i)); err != nil {
			return err
		}
	}

	if c.Recorder.Enabled {
		if err := c.Database.Timescale.validate("database.timescale"); err != nil {
			return err
		}
		if c.Recorder.BatchSize < 1 {
			return errors.New("recorder.batch_size must be >= 1")
		}
		if c.Recorder.FlushInterval <= 0 {
			return errors.New("recorder.flush_interval must be > 0")
		}
		if c.Recorder.BufferSize < 1 {
			return errors.New("recorder.buffer_size must be >= 1")
		}
	}

	return nil
}

func (s *SubscriptionConfig) validate(prefix string) error {
	needsTicker, ok := knownChannels[s.Channel]
	if !ok {
		return fmt.Errorf("%s.channel %q is not a known channel", prefix, s.Channel)
	}
	if needsTicker && s.MarketTicker == "" {
		return fmt.Errorf("%s.market_ticker is required for %s", prefix, s.Channel)
	}
	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
