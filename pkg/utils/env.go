package utils

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// GetEnv retrieves an environment variable or returns a default value if not set
func GetEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// ExpandEnvVars expands ${VAR} and $VAR references. References of the form
// ${VAR:-default} fall back to default when VAR is unset or empty.
func ExpandEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		name, def, hasDefault := strings.Cut(key, ":-")
		if val := os.Getenv(name); val != "" {
			return val
		}
		if hasDefault {
			return def
		}
		return ""
	})
}

// BoolFromEnv converts an environment variable to a boolean
// "true", "yes", "1", "on" are considered true (case-insensitive)
// Any other value is considered false
func BoolFromEnv(key string, defaultVal bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}

	val = strings.ToLower(val)
	return val == "true" || val == "yes" || val == "1" || val == "on"
}

// IntFromEnv parses an integer variable, returning defaultVal when unset or malformed.
func IntFromEnv(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

// DurationFromEnv parses a Go duration ("30s", "5m").
func DurationFromEnv(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return defaultVal
	}
	return d
}
