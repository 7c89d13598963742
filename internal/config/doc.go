// Package config provides environment-based configuration.
//
// Loads settings from environment variables with defaults, validates ranges,
// and returns a Config struct consumed at startup.
package config
