package utils

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger is a structured JSON logger that owns its output file.
type Logger struct {
	*slog.Logger
	file *os.File
}

// NewLogger creates a JSON logger appending to filePath, or writing to stderr
// when filePath is empty. level is one of DEBUG, INFO, WARN, ERROR.
func NewLogger(filePath, level string) (*Logger, error) {
	var out io.Writer = os.Stderr
	var file *os.File
	if filePath != "" {
		f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		file = f
		out = f
	}

	h := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: ParseLevel(level)})
	return &Logger{Logger: slog.New(h), file: file}, nil
}

// ParseLevel maps a level name to a slog.Level, defaulting to Info.
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Close closes the log file, if any.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// OrDefault returns l, or slog.Default() when l is nil.
func OrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
