package logging

import (
	"fmt"

	"go.uber.org/zap/zapcore"
)

// TraceLevel sits below Debug for wire-level detail.
const TraceLevel = zapcore.Level(-2)

// Level aliases so callers need not import zapcore.
const (
	DebugLevel = zapcore.DebugLevel
	InfoLevel  = zapcore.InfoLevel
	WarnLevel  = zapcore.WarnLevel
	ErrorLevel = zapcore.ErrorLevel
)

// Config holds logging configuration.
type Config struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Output string `koanf:"output"`
}

// NewDefaultConfig returns console logging at info level to stderr.
func NewDefaultConfig() *Config {
	return &Config{Level: "info", Format: "console", Output: "stderr"}
}

// Validate checks the format and level.
func (c *Config) Validate() error {
	switch c.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("format must be json or console, got %q", c.Format)
	}
	if _, err := LevelFromString(c.Level); err != nil {
		return fmt.Errorf("level: %w", err)
	}
	return nil
}

// LevelFromString parses a level name, supporting "trace". Empty means info.
func LevelFromString(level string) (zapcore.Level, error) {
	switch level {
	case "":
		return zapcore.InfoLevel, nil
	case "trace":
		return TraceLevel, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return zapcore.InfoLevel, err
	}
	return l, nil
}
