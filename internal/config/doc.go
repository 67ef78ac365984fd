// Package config handles YAML configuration loading with environment variable substitution.
//
// Configuration files support ${VAR} syntax for environment variable interpolation.
// The stream section is read once; the reconnect loop redials with exactly
// these values for the life of the process.
package config
