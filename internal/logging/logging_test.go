package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStructuredLogger(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, false, true)

	log.Info().Msg("hidden")
	log.Warn().Str("project", "api").Msg("port busy")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "api", entry["project"])
	assert.Equal(t, "port busy", entry["message"])
	assert.Equal(t, "octo", entry["component"])
}

func TestDebugLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, true, false)

	log.Debug().Msg("probing ports")
	assert.Contains(t, buf.String(), "probing ports")
}
