package main

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dokzlo13/yeelightd/internal/config"
)

// setupLogging configures the global logger. The returned func flushes and
// closes the log file, if any.
func setupLogging(cfg config.LogConfig) func() {
	// ISO 8601 format with timezone
	zerolog.TimeFieldFormat = time.RFC3339

	var console io.Writer = os.Stderr
	if !cfg.JSON {
		// Text output (with optional colors)
		console = zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "2006-01-02T15:04:05.000Z07:00",
			NoColor:    !cfg.Colors,
		}
	}

	closer := func() {}
	out := console
	if cfg.File.Path != "" {
		// The file always gets JSON lines
		file := &lumberjack.Logger{
			Filename:   cfg.File.Path,
			MaxSize:    cfg.File.MaxSizeMB,
			MaxBackups: cfg.File.MaxBackups,
			Compress:   cfg.File.Compress,
		}
		out = zerolog.MultiLevelWriter(console, file)
		closer = func() { file.Close() }
	}

	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))
	return closer
}

// parseLevel falls back to info for empty or unknown names.
func parseLevel(level string) zerolog.Level {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil || parsed == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return parsed
}
