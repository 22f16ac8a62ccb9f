// Package config provides API key management utilities.
package config

import (
	"errors"
	"os"
	"strings"
)

// ErrNoAPIKey is returned when no Jules API key is configured.
var ErrNoAPIKey = errors.New("no Jules API key configured")

// GetAPIKey returns the Jules API key from the configuration.
// It checks in order: environment variable, config file.
func GetAPIKey(cfg *Config) (string, error) {
	if key := os.Getenv("JULES_API_KEY"); key != "" {
		return key, nil
	}

	if cfg != nil && cfg.Jules.APIKey != "" {
		key := os.ExpandEnv(cfg.Jules.APIKey)
		if key != "" && !strings.HasPrefix(key, "${") {
			return key, nil
		}
	}

	return "", ErrNoAPIKey
}

// ValidateAPIKey performs basic validation on an API key.
// It checks format but does not call the API.
func ValidateAPIKey(key string) error {
	if key == "" {
		return ErrNoAPIKey
	}
	if strings.ContainsAny(key, " \t\n") {
		return errors.New("invalid API key format: contains whitespace")
	}
	if len(key) < 20 {
		return errors.New("invalid API key format: key too short")
	}
	return nil
}

// IsOAuthToken reports whether key is a short-lived OAuth access token
// rather than an API key. OAuth tokens go in the Authorization header.
func IsOAuthToken(key string) bool {
	return strings.HasPrefix(key, "ya29.")
}

// MaskAPIKey returns a masked version of the API key for display.
// Shows the first 5 and last 4 characters.
func MaskAPIKey(key string) string {
	if key == "" {
		return "(not set)"
	}

	if len(key) <= 15 {
		return "***"
	}

	return key[:5] + "..." + key[len(key)-4:]
}

// KeySource represents where an API key was loaded from.
type KeySource string

const (
	KeySourceEnv    KeySource = "environment"
	KeySourceConfig KeySource = "config_file"
	KeySourceNone   KeySource = "none"
)

// GetAPIKeySource returns where the API key was sourced from.
func GetAPIKeySource(cfg *Config) KeySource {
	if os.Getenv("JULES_API_KEY") != "" {
		return KeySourceEnv
	}

	if cfg != nil && cfg.Jules.APIKey != "" {
		key := os.ExpandEnv(cfg.Jules.APIKey)
		if key != "" && !strings.HasPrefix(key, "${") {
			return KeySourceConfig
		}
	}

	return KeySourceNone
}
