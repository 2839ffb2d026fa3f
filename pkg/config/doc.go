// Package config loads orchestrator configuration from environment variables
// and an optional YAML file, with the documented defaults.
package config
