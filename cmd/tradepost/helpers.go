package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	tradepost "github.com/tradepost-im/tradepost-go"
)

// newLogger builds a console logger honoring --verbose and the configured
// log level.
func newLogger(cfg *Config) zerolog.Logger {
	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(cfg.Default.LogLevel); err == nil && cfg.Default.LogLevel != "" {
		level = parsed
	}
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).
		With().Timestamp().Logger()
}

// tokenSource picks the credential source from config: an inline token wins,
// otherwise a token file is read on every connection attempt.
func tokenSource(cfg *Config) tradepost.TokenSource {
	if cfg.Auth.Token != "" {
		return tradepost.StaticToken(cfg.Auth.Token)
	}
	if cfg.Auth.TokenFile != "" {
		return tradepost.FileTokenSource{Path: cfg.Auth.TokenFile}
	}
	return nil
}

// getClient creates a Tradepost client from the stored configuration.
func getClient() (*tradepost.Client, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.UserID == "" {
		fmt.Fprintln(os.Stderr, "No user configured. Run 'tradepost init <user-id> <token>' first.")
		os.Exit(1)
	}

	opts := []tradepost.ClientOption{
		tradepost.WithLogger(newLogger(cfg)),
	}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, tradepost.WithBaseURL(cfg.Default.BaseURL))
	}
	if ts := tokenSource(cfg); ts != nil {
		opts = append(opts, tradepost.WithTokenSource(ts))
	}

	return tradepost.NewClient(cfg.Auth.UserID, opts...), cfg
}

// pollInterval returns the configured poll period.
func pollInterval(cfg *Config) time.Duration {
	if cfg.Default.PollIntervalSeconds > 0 {
		return time.Duration(cfg.Default.PollIntervalSeconds) * time.Second
	}
	return 30 * time.Second
}
