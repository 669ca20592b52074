package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("FABRIC_HOST", "10.0.0.1")
	t.Setenv("FABRIC_EMPTY", "")

	assert.Equal(t, "ws://10.0.0.1:8080", ExpandEnvVars("ws://${FABRIC_HOST}:8080"))
	assert.Equal(t, "fallback", ExpandEnvVars("${FABRIC_EMPTY:-fallback}"))
	assert.Equal(t, "10.0.0.1", ExpandEnvVars("${FABRIC_HOST:-other}"))
	assert.Equal(t, "", ExpandEnvVars("${FABRIC_UNSET_VAR}"))
}

func TestTypedEnv(t *testing.T) {
	t.Setenv("FABRIC_BOOL", "Yes")
	t.Setenv("FABRIC_INT", "42")
	t.Setenv("FABRIC_BAD_INT", "x")
	t.Setenv("FABRIC_DUR", "750ms")

	assert.True(t, BoolFromEnv("FABRIC_BOOL", false))
	assert.True(t, BoolFromEnv("FABRIC_MISSING", true))
	assert.Equal(t, 42, IntFromEnv("FABRIC_INT", 1))
	assert.Equal(t, 1, IntFromEnv("FABRIC_BAD_INT", 1))
	assert.Equal(t, 750*time.Millisecond, DurationFromEnv("FABRIC_DUR", time.Second))
	assert.Equal(t, "d", GetEnv("FABRIC_MISSING", "d"))
}
