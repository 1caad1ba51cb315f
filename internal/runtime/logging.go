package runtime

import (
	"io"
	"log/slog"
	"strings"

	"github.com/loqalabs/loqa-voiceprint/internal/config"
)

// NewLogger returns the JSON logger used by the daemon at the level named in
// cfg. Unknown levels fall back to info.
func NewLogger(cfg config.TelemetryConfig, w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(cfg.LogLevel)}))
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
