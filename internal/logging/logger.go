package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Options select where and how log records are written.
type Options struct {
	App    string
	Level  string    // debug, info, warn, error (default: info)
	Format string    // text or json (default: text)
	Writer io.Writer // default: os.Stderr
}

// New creates a new structured logger with text output on stderr.
// app: application name (e.g., "warp")
// level: one of "debug", "info", "warn", "error" (default: "info")
func New(app string, level string) *slog.Logger {
	return NewWithOptions(Options{App: app, Level: level})
}

// NewWithOptions creates a logger tagged with app and pid.
func NewWithOptions(opts Options) *slog.Logger {
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}
	hopts := &slog.HandlerOptions{
		Level: ParseLevel(opts.Level),
	}
	var handler slog.Handler
	if strings.EqualFold(opts.Format, "json") {
		handler = slog.NewJSONHandler(w, hopts)
	} else {
		handler = slog.NewTextHandler(w, hopts)
	}
	logger := slog.New(handler)

	return logger.With(
		slog.String("app", opts.App),
		slog.Int("pid", os.Getpid()),
	)
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// OrDiscard returns l, or a discard logger when l is nil.
func OrDiscard(l *slog.Logger) *slog.Logger {
	if l == nil {
		return Discard()
	}
	return l
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
