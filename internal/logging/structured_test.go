package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogrusLogger(t *testing.T) {
	logger, err := NewLogrusLogger(nil)
	require.NoError(t, err)
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())

	logger, err = NewLogrusLogger(&LogConfig{Level: "debug", Format: "json", Output: "stderr"})
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)

	_, err = NewLogrusLogger(&LogConfig{Level: "loud"})
	assert.Error(t, err)

	_, err = NewLogrusLogger(&LogConfig{Level: "info", Format: "xml"})
	assert.Error(t, err)
}

func TestNewLogrusLogger_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "minter.log")
	logger, err := NewLogrusLogger(&LogConfig{Level: "info", Format: "text", Output: path})
	require.NoError(t, err)

	logger.Info("写入文件")
	assert.FileExists(t, path)
}

func TestStructuredLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	base, err := NewStructuredLoggerWithWriter(&buf, "json", slog.LevelInfo)
	require.NoError(t, err)

	NewAuctionLogger(base, 7).Info("拍卖已创建", "seller", "0x01")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "拍卖已创建", line["msg"])
	assert.Equal(t, "auction_engine", line["component"])
	assert.Equal(t, float64(7), line["auction_id"])
	assert.Equal(t, "0x01", line["seller"])

	buf.Reset()
	NewLedgerLogger(base, "mint").Debug("低于级别")
	assert.Zero(t, buf.Len())

	NewLedgerLogger(base, "mint").Warn("余额不足")
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "ledger", line["component"])
	assert.Equal(t, "mint", line["operation"])
	assert.Equal(t, "WARN", line["level"])
}

func TestStructuredLogger_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	base, err := NewStructuredLoggerWithWriter(&buf, "text", slog.LevelDebug)
	require.NoError(t, err)

	base.InfoWithFields("快照已保存", map[string]any{"accounts": 3})
	assert.Contains(t, buf.String(), "accounts=3")

	_, err = NewStructuredLoggerWithWriter(&buf, "xml", slog.LevelInfo)
	assert.Error(t, err)
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"", slog.LevelInfo},
		{"WARNING", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := parseLogLevel(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := parseLogLevel("trace")
	assert.Error(t, err)
}
