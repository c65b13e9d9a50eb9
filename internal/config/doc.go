// Package config loads, validates, and defaults the TOML configuration for
// the medgate daemon and CLI.
package config
