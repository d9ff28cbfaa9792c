// Package config loads the worker's settings from defaults, an optional
// config.yaml and FLARE_-prefixed environment variables, and validates them
// before any component starts.
package config
