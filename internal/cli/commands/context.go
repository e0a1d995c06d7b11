// Package commands implements the leapgrid subcommands.
package commands

import (
	"context"
	"log/slog"

	"github.com/leapstack-labs/leapgrid/internal/config"
)

type configKey struct{}
type loggerKey struct{}

// WithConfig stores the resolved config on the command context.
func WithConfig(ctx context.Context, cfg *config.Config) context.Context {
	return context.WithValue(ctx, configKey{}, cfg)
}

// ConfigFromContext retrieves the config, falling back to defaults so
// commands stay runnable in tests without the root command's preamble.
func ConfigFromContext(ctx context.Context) *config.Config {
	if c, ok := ctx.Value(configKey{}).(*config.Config); ok {
		return c
	}
	return &config.Config{
		Host:        config.DefaultHost,
		Port:        config.DefaultPort,
		Database:    config.DefaultDatabase,
		StatePath:   config.DefaultStatePath,
		BatchSize:   config.DefaultBatchSize,
		PersistRows: config.DefaultPersistRows,
	}
}

// WithLogger stores the logger on the command context.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFromContext retrieves the logger, or the default one.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}
