// Package config loads the extension host configuration from YAML with
// defaults and environment overrides for deployment secrets and endpoints.
package config
