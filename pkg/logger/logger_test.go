package logger_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/boardsync/boardsync/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlogHandler(t *testing.T) {
	buff := bytes.NewBuffer([]byte{})
	log := logger.New(slog.NewJSONHandler(buff, &slog.HandlerOptions{Level: slog.LevelDebug}))

	require.Equal(t, 0, buff.Len())
	log.Info("session: synced", "room", "r1")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buff.Bytes(), &record))
	assert.Equal(t, "INFO", record["level"])
	assert.Equal(t, "session: synced", record["msg"])
	assert.Equal(t, "r1", record["room"])
}

func TestZerolog(t *testing.T) {
	buff := bytes.NewBuffer([]byte{})
	templogger, err := logger.NewZerolog().FromBuffer(buff).Level("debug").Make()
	require.NoError(t, err)
	require.NotNil(t, templogger)

	templogger.Warn("relay: peer dropped", "room", "r1", "error", errors.New("boom"), "dangling")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buff.Bytes(), &record))
	assert.Equal(t, "warn", record["level"])
	assert.Equal(t, "relay: peer dropped", record["message"])
	assert.Equal(t, "r1", record["room"])
	assert.Equal(t, "boom", record["error"])
	assert.Equal(t, "dangling", record["!BADKEY"])
	require.NoError(t, templogger.Close())
}

func TestZerologLevelFilters(t *testing.T) {
	buff := bytes.NewBuffer([]byte{})
	templogger, err := logger.NewZerolog().FromBuffer(buff).Level("warn").Make()
	require.NoError(t, err)

	templogger.Info("dropped")
	assert.Equal(t, 0, buff.Len())
}

func TestDiscard(t *testing.T) {
	log := logger.OrDiscard(nil)
	require.NotNil(t, log)
	log.Error("ignored", "k", "v")
}
