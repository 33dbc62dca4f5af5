package telemetry

import (
	"log/slog"
	"os"
)

// InitSlog points the default logger at stderr so scraped output on
// stdout stays machine-readable.
func InitSlog(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}
