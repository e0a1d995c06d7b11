package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/leapstack-labs/leapgrid/internal/config"
	"github.com/leapstack-labs/leapgrid/internal/engine"
	"github.com/leapstack-labs/leapgrid/internal/source"
	"github.com/leapstack-labs/leapgrid/internal/state"
	"github.com/leapstack-labs/leapgrid/internal/ui"
)

// app bundles the long-lived pieces a command works with: the engine,
// the snapshot store, and the tab registry.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	engine   *engine.Engine
	store    state.Store
	registry *ui.Registry
}

// newApp opens the engine, registers configured file sources and
// attachments, and opens the snapshot store. withStore disables
// persistence for one-shot commands that should not touch it.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, withStore bool) (*app, error) {
	eng, err := engine.Open(ctx, engine.Config{Path: cfg.Database, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("failed to open engine: %w", err)
	}

	for name, path := range cfg.Files {
		if err := eng.RegisterFile(ctx, name, path); err != nil {
			_ = eng.Close()
			return nil, err
		}
	}
	for alias, path := range cfg.Attach {
		if err := eng.Attach(ctx, alias, path); err != nil {
			_ = eng.Close()
			return nil, err
		}
	}

	var store state.Store
	if withStore && cfg.StatePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.StatePath), 0o755); err != nil {
			_ = eng.Close()
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
		store, err = state.Open(cfg.StatePath)
		if err != nil {
			_ = eng.Close()
			return nil, fmt.Errorf("failed to open state store: %w", err)
		}
	}

	registry := ui.NewRegistry(ui.RegistryConfig{
		Engine:      eng,
		Store:       store,
		Logger:      logger,
		BatchSize:   cfg.BatchSize,
		PersistRows: cfg.PersistRows,
	})

	return &app{
		cfg:      cfg,
		logger:   logger,
		engine:   eng,
		store:    store,
		registry: registry,
	}, nil
}

func (a *app) close() {
	if a.store != nil {
		_ = a.store.Close()
	}
	_ = a.engine.Close()
}

// parseDescriptor turns a command-line source argument into a descriptor.
// Data files go by extension, anything that reads like SQL becomes a
// script, and the rest is treated as a table or view name.
func parseDescriptor(arg string) source.Descriptor {
	switch strings.ToLower(filepath.Ext(arg)) {
	case ".csv", ".tsv", ".parquet", ".json", ".ndjson", ".jsonl":
		return source.Descriptor{Kind: source.KindFile, Path: arg, Name: baseName(arg)}
	}

	trimmed := strings.TrimSpace(strings.ToLower(arg))
	for _, prefix := range []string{"select", "with", "from", "pivot"} {
		if strings.HasPrefix(trimmed, prefix+" ") || strings.HasPrefix(trimmed, prefix+"\n") {
			return source.Descriptor{Kind: source.KindScript, SQL: arg}
		}
	}

	if schema, name, ok := strings.Cut(arg, "."); ok {
		return source.Descriptor{Kind: source.KindTable, Schema: schema, Name: name}
	}
	return source.Descriptor{Kind: source.KindTable, Name: arg}
}

func baseName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
