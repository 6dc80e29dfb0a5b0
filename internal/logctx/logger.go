package logctx

import (
	"io"
	"log/slog"
	"strings"

	slogmulti "github.com/samber/slog-multi"
)

// ParseLevel maps a case-insensitive level name to a slog.Level. Unknown
// names fall back to info.
func ParseLevel(name string) slog.Level {
	switch strings.ToUpper(name) {
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

// NewLogger builds the process logger: JSON records on w, fanned out to every
// non-nil extra handler. Every destination sees the context enrichment of
// ContextHandler.
func NewLogger(w io.Writer, level slog.Level, extra ...slog.Handler) *slog.Logger {
	handlers := []slog.Handler{slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})}

	for _, h := range extra {
		if h != nil {
			handlers = append(handlers, h)
		}
	}

	if len(handlers) == 1 {
		return slog.New(NewContextHandler(handlers[0]))
	}

	return slog.New(NewContextHandler(slogmulti.Fanout(handlers...)))
}
