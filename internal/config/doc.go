// Package config loads and validates service configuration from a YAML file
// with environment-variable overrides.
package config
