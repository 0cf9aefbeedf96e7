package logging

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLevels(t *testing.T) {
	tests := []struct {
		level    string
		debug    bool
		info     bool
		warnings bool
	}{
		{level: "debug", debug: true, info: true, warnings: true},
		{level: "info", info: true, warnings: true},
		{level: "WARN", warnings: true},
		{level: "bogus", info: true, warnings: true},
		{level: "", info: true, warnings: true},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			logger := New(Config{Level: tt.level, Output: &buf})
			logger.Debug().Msg("debug message")
			logger.Info().Msg("info message")
			logger.Warn().Msg("warn message")

			out := buf.String()
			assert.Equal(t, tt.debug, bytes.Contains(buf.Bytes(), []byte("debug message")), out)
			assert.Equal(t, tt.info, bytes.Contains(buf.Bytes(), []byte("info message")), out)
			assert.Equal(t, tt.warnings, bytes.Contains(buf.Bytes(), []byte("warn message")), out)
		})
	}
}

func TestNewWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithComponent(Config{Level: "info", Output: &buf}, "remote")
	logger.Info().Msg("attached")
	assert.Contains(t, buf.String(), `"component":"remote"`)
}

func TestPretty(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "info", Pretty: true, Output: &buf})
	logger.Info().Msg("pretty message")
	assert.Contains(t, buf.String(), "pretty message")
	assert.NotContains(t, buf.String(), `"message"`)
}

type closer struct{ err error }

func (c closer) Close() error { return c.err }

func TestDeferClose(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "info", Output: &buf})

	DeferClose(logger, nil, "nil closer")
	DeferClose(logger, closer{}, "clean close")
	assert.Empty(t, buf.String())

	DeferClose(logger, closer{err: errors.New("broken pipe")}, "close failed")
	assert.Contains(t, buf.String(), "close failed")
	assert.Contains(t, buf.String(), "broken pipe")
}
