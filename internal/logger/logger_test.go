package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(&buf, "production", "info")

	log.Debug().Msg("hidden")
	log.Info().Str("user_id", "user1").Msg("charged")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "info", entry["severity"])
	assert.Equal(t, "charged", entry["message"])
	assert.Equal(t, "user1", entry["user_id"])
	assert.Equal(t, "billingd", entry["service"])
}

func TestNewLogger_LevelFallback(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(&buf, "production", "loud")

	log.Debug().Msg("hidden")
	assert.Zero(t, buf.Len())

	log.Warn().Msg("shown")
	assert.NotZero(t, buf.Len())
}

func TestNewLogger_Development(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(&buf, "development", "debug")

	log.Debug().Msg("readable")
	assert.Contains(t, buf.String(), "readable")
	assert.False(t, json.Valid(buf.Bytes()))
}
