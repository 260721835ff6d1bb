// Package logging builds the structured run log written next to the run
// artifacts.
package logging

import (
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ParseLevel maps --log-level values onto zap levels. An empty value means info.
func ParseLevel(value string) (zapcore.Level, error) {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	if trimmed == "" {
		return zapcore.InfoLevel, nil
	}
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(trimmed)); err != nil {
		return level, fmt.Errorf("invalid log level %q", value)
	}
	return level, nil
}

// NewRunLogger returns a JSON logger appending to file inside dir. Event
// names are carried in the message field.
func NewRunLogger(dir, file string, level zapcore.Level) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(level)
	config.Encoding = "json"
	config.Sampling = nil
	config.DisableStacktrace = true
	config.DisableCaller = true
	config.EncoderConfig.TimeKey = "ts"
	config.EncoderConfig.MessageKey = "event"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.OutputPaths = []string{filepath.Join(dir, file)}
	config.ErrorOutputPaths = []string{"stderr"}
	logger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("initialize run log: %w", err)
	}
	return logger, nil
}
