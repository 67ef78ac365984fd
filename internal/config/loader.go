package config

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// expandEnv substitutes ${VAR} and $VAR references and returns the names
// that expanded to an empty string, sorted and deduplicated.
func expandEnv(s string) (string, []string) {
	var empty []string
	out := os.Expand(s, func(name string) string {
		v := os.Getenv(name)
		if v == "" {
			empty = append(empty, name)
		}
		return v
	})
	slices.Sort(empty)
	return out, slices.Compact(empty)
}

// Load reads a YAML config file and expands environment variables. Variables
// that expanded to nothing are available from EmptyEnv.
func Load(path string) (*StreamerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded, empty := expandEnv(string(data))

	var cfg StreamerConfig
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	cfg.emptyEnv = empty

	return &cfg, nil
}

// LoadWithDefaults loads config and applies default values.
func LoadWithDefaults(path string) (*StreamerConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// LoadAndValidate loads config, applies defaults, and validates. A
// validation failure names any environment variables that expanded empty,
// since an unset variable is the usual cause.
func LoadAndValidate(path string) (*StreamerConfig, error) {
	cfg, err := LoadWithDefaults(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		if len(cfg.emptyEnv) > 0 {
			return nil, fmt.Errorf("validate config: %w (empty environment variables: %s)",
				err, strings.Join(cfg.emptyEnv, ", "))
		}
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// EmptyEnv returns the environment variables referenced by the config file
// that were unset or empty when it was loaded.
func (c *StreamerConfig) EmptyEnv() []string {
	return slices.Clone(c.emptyEnv)
}
