package config

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
)

// LogConfig represents slog configuration options
type LogConfig struct {
	Level  string `env:"LEVEL"`
	Format string `env:"FORMAT"`
}

// Handler builds a slog handler writing to w.
func (logConfig *LogConfig) Handler(w io.Writer) (slog.Handler, error) {
	var level slog.Level
	switch strings.ToLower(logConfig.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, errors.New("invalid log level: " + logConfig.Level)
	}

	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(logConfig.Format) {
	case "json":
		return slog.NewJSONHandler(w, opts), nil
	case "plain", "", "text":
		return slog.NewTextHandler(w, opts), nil
	default:
		return nil, errors.New("invalid log format: " + logConfig.Format)
	}
}

// Apply configures the global slog logger based on the configuration
func (logConfig *LogConfig) Apply() error {
	handler, err := logConfig.Handler(os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(handler))
	return nil
}
