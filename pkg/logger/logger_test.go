package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wonny/aegis/intraday/pkg/config"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestNew(t *testing.T) {
	cfg := &config.Config{
		Env:       "development",
		LogLevel:  "debug",
		LogFormat: "json",
		Trading:   config.TradingConfig{InstanceID: "node-a", Mode: config.ModePaper},
	}

	log := New(cfg)
	require.NotNil(t, log)
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"INFO", zerolog.InfoLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"fatal", zerolog.FatalLevel},
		{"invalid", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, parseLogLevel(tt.input))
		})
	}
}

func TestLoggerLevels(t *testing.T) {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)

	var buf bytes.Buffer
	log := NewWithWriter(&buf)

	tests := []struct {
		name  string
		emit  func()
		level string
		msg   string
	}{
		{"debug", func() { log.Debug("d") }, "debug", "d"},
		{"info", func() { log.Info("i") }, "info", "i"},
		{"warn", func() { log.Warn("w") }, "warn", "w"},
		{"error", func() { log.Error("e") }, "error", "e"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()
			tt.emit()
			entry := decodeLine(t, &buf)
			assert.Equal(t, tt.level, entry["level"])
			assert.Equal(t, tt.msg, entry["message"])
		})
	}
}

func TestLoggerFields(t *testing.T) {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)

	var buf bytes.Buffer
	log := NewWithWriter(&buf).WithComponent("oco")

	log.WithFields(map[string]interface{}{
		"group_id": "G1",
		"qty":      75,
	}).WithError(errors.New("broker down")).Warn("Leg placement failed")

	entry := decodeLine(t, &buf)
	assert.Equal(t, "oco", entry["component"])
	assert.Equal(t, "G1", entry["group_id"])
	assert.Equal(t, float64(75), entry["qty"])
	assert.Equal(t, "broker down", entry["error"])
}

func TestNop(t *testing.T) {
	assert.NotPanics(t, func() {
		Nop().WithField("k", "v").Info("discarded")
	})
}

func TestSampled(t *testing.T) {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)

	var buf bytes.Buffer
	log := NewWithWriter(&buf).Sampled(2, time.Hour)
	for i := 0; i < 10; i++ {
		log.Warn("broker unreachable")
	}
	assert.Equal(t, 2, bytes.Count(buf.Bytes(), []byte("broker unreachable")))
}
