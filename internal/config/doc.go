// Package config loads the Agent Hub runtime configuration from JSON, TOML or
// YAML files and fills in the escrow, verifier and dispatch defaults.
package config
