package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel("warning"))
	assert.Equal(t, zerolog.ErrorLevel, ParseLevel(" error "))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("verbose"))
}

func TestNewJSONFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "warn", "json")

	logger.Info().Msg("dropped")
	logger.Warn().Str("actor_id", "a-1").Msg("kept")

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "kept", line["message"])
	assert.Equal(t, "a-1", line["actor_id"])
	assert.Equal(t, "warn", line["level"])
}
