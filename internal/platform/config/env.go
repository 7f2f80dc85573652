// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix namespaces every edge environment variable.
const EnvPrefix = "NONCE_EDGE_"

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// ParseEnvWithPrefix loads configuration from environment variables whose
// names start with prefix. Slice fields are split on commas.
func ParseEnvWithPrefix(target any, prefix string) error {
	opts := env.Options{Prefix: strings.TrimSpace(prefix)}
	if err := env.ParseWithOptions(target, opts); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
