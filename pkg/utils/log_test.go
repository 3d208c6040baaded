package utils

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogHandler(t *testing.T) {
	t.Run("json_respects_level", func(t *testing.T) {
		var out bytes.Buffer
		logger := slog.New(newLogHandler(&out, HandlerTypeJSON, LogLevelWarn, false /*addSource*/))
		logger.Info("Dropped line.")
		logger.Warn("Kept line.", "pool", "posts")

		var record map[string]any
		require.NoError(t, json.Unmarshal(out.Bytes(), &record))
		assert.Equal(t, "Kept line.", record["msg"])
		assert.Equal(t, "posts", record["pool"])
	})
	t.Run("text_handler", func(t *testing.T) {
		var out bytes.Buffer
		logger := slog.New(newLogHandler(&out, HandlerTypeText, LogLevelDebug, false /*addSource*/))
		logger.Debug("Debug line.")
		assert.Contains(t, out.String(), "msg=\"Debug line.\"")
	})
	t.Run("unknown_level_falls_back_to_info", func(t *testing.T) {
		before := GetMetricValue("log", "unsupported_log_level")
		assert.Equal(t, slog.LevelInfo, parseLogLevel("verbose"))
		assert.Equal(t, before+1, GetMetricValue("log", "unsupported_log_level"))
	})
}
