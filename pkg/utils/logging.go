package utils

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// LogFormat selects the slog handler.
type LogFormat string

const (
	FormatText LogFormat = "text"
	FormatJSON LogFormat = "json"
)

// LoggerConfig describes where and how to log.
type LoggerConfig struct {
	Level  string
	Format LogFormat
	File   string
	Output io.Writer
}

// ParseLogLevel parses a string log level
func ParseLogLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO", "":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// NewLogger builds a slog logger from cfg. A non-empty File wins over Output;
// with neither set the logger writes to stdout.
func NewLogger(cfg LoggerConfig) (*slog.Logger, error) {
	level, err := ParseLogLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	var output io.Writer = os.Stdout
	if cfg.Output != nil {
		output = cfg.Output
	}
	if cfg.File != "" {
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		output = file
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch cfg.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(output, opts)
	case FormatText, "":
		handler = slog.NewTextHandler(output, opts)
	default:
		return nil, fmt.Errorf("invalid log format: %s", cfg.Format)
	}

	return slog.New(handler), nil
}

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// FormatBytes formats bytes as human-readable string
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// ParseBytes parses a human-readable byte string. Binary multiples are used
// for both "MB" and "MiB" spellings.
func ParseBytes(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty string")
	}

	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.TrimSuffix(s, "B")
	s = strings.TrimSuffix(s, "I")

	var multiplier int64 = 1
	numStr := s

	if len(s) > 0 {
		switch s[len(s)-1] {
		case 'K':
			multiplier = 1 << 10
			numStr = s[:len(s)-1]
		case 'M':
			multiplier = 1 << 20
			numStr = s[:len(s)-1]
		case 'G':
			multiplier = 1 << 30
			numStr = s[:len(s)-1]
		case 'T':
			multiplier = 1 << 40
			numStr = s[:len(s)-1]
		case 'P':
			multiplier = 1 << 50
			numStr = s[:len(s)-1]
		}
	}

	var num float64
	if _, err := fmt.Sscanf(strings.TrimSpace(numStr), "%f", &num); err != nil {
		return 0, fmt.Errorf("invalid number format: %s", s)
	}
	if num < 0 {
		return 0, fmt.Errorf("negative size: %s", s)
	}

	return int64(num * float64(multiplier)), nil
}
