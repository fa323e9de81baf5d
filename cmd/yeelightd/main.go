package main

import (
	"flag"
	"os"

	"github.com/peterbourgon/ff/v3"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/yeelightd/internal/app"
	"github.com/dokzlo13/yeelightd/internal/config"
)

func main() {
	fs := flag.NewFlagSet("yeelightd", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file (defaults are used when empty)")
	logLevel := fs.String("log-level", "", "Override log.level (trace, debug, info, warn, error)")

	// Every flag can also be set as YEELIGHTD_<FLAG>, e.g. YEELIGHTD_CONFIG
	if err := ff.Parse(fs, os.Args[1:], ff.WithEnvVarPrefix("YEELIGHTD")); err != nil {
		log.Fatal().Err(err).Msg("Failed to parse arguments")
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	// Setup logging
	closeLog := setupLogging(cfg.Log)
	defer closeLog()

	log.Info().Str("config", *configPath).Msg("Starting yeelightd")

	// Create application
	application, err := app.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create application")
	}

	if err := application.Run(app.SignalContext()); err != nil {
		log.Error().Err(err).Msg("yeelightd stopped with error")
		closeLog()
		os.Exit(1)
	}
}
