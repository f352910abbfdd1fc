package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/klear-lend/internal/config"
	"github.com/ksred/klear-lend/internal/server"
)

// setupLogging configures the application logging based on config
// Outside production it enables pretty printing with timestamps
// Debug logging can also be enabled via DEBUG environment variable
func setupLogging(cfg *config.Config) {
	if !cfg.IsProduction() {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if os.Getenv("DEBUG") == "true" {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
}

// main runs the lending API server with graceful shutdown support
func main() {
	configPath := flag.String("config", os.Getenv("KLEAR_CONFIG"), "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load config")
	}
	setupLogging(cfg)

	srv, err := server.New(cfg)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize server")
	}
	defer srv.Close()

	// Wait for interrupt signal
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		zlog.Error().Err(err).Msg("Server stopped with error")
		srv.Close()
		os.Exit(1)
	}

	zlog.Info().Msg("Server exiting")
}
