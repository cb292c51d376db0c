package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLevel(t *testing.T) {
	l, err := New(Config{Level: "warn", Output: "stderr"})
	require.NoError(t, err)
	assert.Equal(t, zerolog.WarnLevel, l.GetLevel())

	l, err = New(Config{Level: "warn", Debug: true})
	require.NoError(t, err)
	assert.Equal(t, zerolog.DebugLevel, l.GetLevel(), "Debug важнее Level")

	_, err = New(Config{Level: "loud"})
	assert.Error(t, err)
}

func TestFileOutputAndComponent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "webphone.log")
	require.NoError(t, Init(Config{Level: "info", Output: path}))
	t.Cleanup(func() { _ = Init(Config{}) })

	log := WithComponent("coordinator")
	log.Info().Str("type", "dial").Msg("команда")
	log.Debug().Msg("не попадет в лог")

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := bytes.Split(bytes.TrimSpace(data), []byte("\n"))
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "coordinator", entry["component"])
	assert.Equal(t, "dial", entry["type"])
	assert.Equal(t, "info", entry["level"])
	assert.Contains(t, entry, "time")
}
