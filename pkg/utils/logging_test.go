package utils

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected slog.Level
		wantErr  bool
	}{
		{name: "debug level", input: "DEBUG", expected: slog.LevelDebug},
		{name: "info level", input: "INFO", expected: slog.LevelInfo},
		{name: "empty defaults to info", input: "", expected: slog.LevelInfo},
		{name: "warn level", input: "WARN", expected: slog.LevelWarn},
		{name: "warning level", input: "WARNING", expected: slog.LevelWarn},
		{name: "error level", input: "ERROR", expected: slog.LevelError},
		{name: "case insensitive", input: "debug", expected: slog.LevelDebug},
		{name: "invalid level", input: "INVALID", expected: slog.LevelInfo, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ParseLogLevel(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseLogLevel() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if result != tt.expected {
				t.Errorf("ParseLogLevel() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	t.Run("text output with level filtering", func(t *testing.T) {
		var buf bytes.Buffer
		logger, err := NewLogger(LoggerConfig{Level: "WARN", Output: &buf})
		if err != nil {
			t.Fatalf("NewLogger() error = %v", err)
		}

		logger.Info("hidden message")
		logger.Warn("visible message", "component", "cache")

		output := buf.String()
		if strings.Contains(output, "hidden message") {
			t.Errorf("info message should be filtered: %s", output)
		}
		if !strings.Contains(output, "visible message") || !strings.Contains(output, "component=cache") {
			t.Errorf("expected warn message with attributes, got: %s", output)
		}
	})

	t.Run("json output", func(t *testing.T) {
		var buf bytes.Buffer
		logger, err := NewLogger(LoggerConfig{Level: "debug", Format: FormatJSON, Output: &buf})
		if err != nil {
			t.Fatalf("NewLogger() error = %v", err)
		}

		logger.Debug("sealed", "key", "b/k")
		if !strings.Contains(buf.String(), `"key":"b/k"`) {
			t.Errorf("expected JSON attribute, got: %s", buf.String())
		}
	})

	t.Run("file output", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "geds.log")
		logger, err := NewLogger(LoggerConfig{Level: "info", File: path})
		if err != nil {
			t.Fatalf("NewLogger() error = %v", err)
		}

		logger.Info("to file")
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("ReadFile() error = %v", err)
		}
		if !strings.Contains(string(data), "to file") {
			t.Errorf("log file missing message: %s", data)
		}
	})

	t.Run("invalid format", func(t *testing.T) {
		if _, err := NewLogger(LoggerConfig{Format: "xml"}); err == nil {
			t.Error("expected error for invalid format")
		}
	})

	t.Run("invalid level", func(t *testing.T) {
		if _, err := NewLogger(LoggerConfig{Level: "loud"}); err == nil {
			t.Error("expected error for invalid level")
		}
	})
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		name     string
		bytes    int64
		expected string
	}{
		{name: "zero bytes", bytes: 0, expected: "0 B"},
		{name: "bytes", bytes: 512, expected: "512 B"},
		{name: "kilobytes", bytes: 1024, expected: "1.0 KB"},
		{name: "megabytes", bytes: 1024 * 1024, expected: "1.0 MB"},
		{name: "block size", bytes: 32 * 1024 * 1024, expected: "32.0 MB"},
		{name: "gigabytes", bytes: 1024 * 1024 * 1024, expected: "1.0 GB"},
		{name: "terabytes", bytes: 1024 * 1024 * 1024 * 1024, expected: "1.0 TB"},
		{name: "fractional", bytes: 1536, expected: "1.5 KB"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := FormatBytes(tt.bytes)
			if result != tt.expected {
				t.Errorf("FormatBytes() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestParseBytes(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected int64
		wantErr  bool
	}{
		{name: "bytes", input: "512", expected: 512},
		{name: "bytes with B suffix", input: "512B", expected: 512},
		{name: "kilobytes", input: "1K", expected: 1024},
		{name: "kilobytes with B suffix", input: "2KB", expected: 2048},
		{name: "megabytes", input: "1M", expected: 1024 * 1024},
		{name: "megabytes with B suffix", input: "5MB", expected: 5 * 1024 * 1024},
		{name: "mebibytes", input: "32MiB", expected: 32 * 1024 * 1024},
		{name: "gigabytes", input: "2G", expected: 2 * 1024 * 1024 * 1024},
		{name: "gibibytes lowercase", input: "16gib", expected: 16 * 1024 * 1024 * 1024},
		{name: "terabytes", input: "1TB", expected: 1024 * 1024 * 1024 * 1024},
		{name: "fractional", input: "1.5K", expected: 1536},
		{name: "surrounding space", input: " 4 KB ", expected: 4096},
		{name: "empty string", input: "", wantErr: true},
		{name: "invalid number", input: "abcK", wantErr: true},
		{name: "negative", input: "-1K", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ParseBytes(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseBytes() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && result != tt.expected {
				t.Errorf("ParseBytes() = %v, want %v", result, tt.expected)
			}
		})
	}
}
