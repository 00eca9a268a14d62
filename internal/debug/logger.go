package debug

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

type Options struct {
	// Enabled turns on Printf/Println tracing and debug-level records.
	Enabled bool
	// Path is the log file. Empty means stderr.
	Path  string
	Level string
}

// Logger is the single logging entry point. A nil *Logger discards
// everything, so components can take one optionally.
type Logger struct {
	enabled bool
	slog    *slog.Logger
	closer  io.Closer
}

func NewLogger(opts Options) (*Logger, error) {
	var (
		out    io.Writer = os.Stderr
		closer io.Closer
	)
	if opts.Path != "" {
		f, err := os.OpenFile(opts.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, fmt.Errorf("open debug log: %w", err)
		}
		out, closer = f, f
	}

	level := parseLevel(opts.Level)
	if opts.Enabled {
		level = slog.LevelDebug
	}
	l := New(slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})), opts.Enabled)
	l.closer = closer
	if opts.Enabled {
		l.Printf("=== DEBUG MODE ENABLED ===")
	}
	return l, nil
}

// New wraps an existing slog.Logger.
func New(logger *slog.Logger, enabled bool) *Logger {
	return &Logger{enabled: enabled, slog: logger}
}

// Discard returns a logger that writes nowhere.
func Discard() *Logger {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)), false)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func (d *Logger) Printf(format string, args ...any) {
	if d == nil || !d.enabled {
		return
	}
	d.slog.Debug(fmt.Sprintf(format, args...))
}

func (d *Logger) Println(args ...any) {
	if d == nil || !d.enabled {
		return
	}
	d.slog.Debug(strings.TrimSuffix(fmt.Sprintln(args...), "\n"))
}

func (d *Logger) Info(msg string, args ...any) {
	if d != nil {
		d.slog.Info(msg, args...)
	}
}

func (d *Logger) Warn(msg string, args ...any) {
	if d != nil {
		d.slog.Warn(msg, args...)
	}
}

func (d *Logger) Error(msg string, args ...any) {
	if d != nil {
		d.slog.Error(msg, args...)
	}
}

// With returns a logger that adds args to every record.
func (d *Logger) With(args ...any) *Logger {
	if d == nil {
		return nil
	}
	return &Logger{enabled: d.enabled, slog: d.slog.With(args...)}
}

func (d *Logger) Enabled() bool {
	return d != nil && d.enabled
}

func (d *Logger) Close() error {
	if d == nil || d.closer == nil {
		return nil
	}
	return d.closer.Close()
}
