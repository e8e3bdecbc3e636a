package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/phrazzld/xengine/internal/config"
)

// Setup initializes the application's logging system based on the provided
// configuration. It creates a structured JSON logger writing to stdout, sets
// it as the default logger and returns it together with the LevelVar that
// controls its level, so the level can be changed at runtime.
func Setup(cfg config.ServerConfig) (*slog.Logger, *slog.LevelVar) {
	return SetupWithWriter(cfg, os.Stdout)
}

// SetupWithWriter is Setup with an explicit destination.
func SetupWithWriter(cfg config.ServerConfig, w io.Writer) (*slog.Logger, *slog.LevelVar) {
	level := new(slog.LevelVar)
	SetLevel(level, cfg.LogLevel)

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})
	logger := slog.New(handler)

	// Allows using slog.Info etc. directly
	slog.SetDefault(logger)

	return logger, level
}

// SetLevel parses name and stores it in level. An unknown name selects info
// and logs a warning to stderr.
func SetLevel(level *slog.LevelVar, name string) {
	parsed, ok := ParseLevel(name)
	if !ok {
		tmpLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))
		tmpLogger.Warn("invalid log level configured, using default level",
			"configured_level", name,
			"default_level", "info")
	}
	level.Set(parsed)
}

// ParseLevel maps a case-insensitive level name to a slog.Level. It returns
// slog.LevelInfo and false for unknown names.
func ParseLevel(name string) (slog.Level, bool) {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}
