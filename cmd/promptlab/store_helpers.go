package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/promptlab/promptlab/internal/config"
	"github.com/promptlab/promptlab/internal/trace"
)

func openTraceStore(cfg config.Config) (trace.Store, error) {
	switch strings.TrimSpace(cfg.Storage.Driver) {
	case "jsonl":
		return trace.NewJSONLStore(cfg.Storage.Path)
	case "sqlite":
		return trace.NewSQLiteStore(cfg.Storage.Path)
	case "postgres":
		return trace.NewPostgresStore(cfg.Storage.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage.driver %q", cfg.Storage.Driver)
	}
}

func closeTraceStore(store trace.Store) error {
	if store == nil {
		return nil
	}
	if closer, ok := store.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

func closeTraceStoreWithWarning(store trace.Store, errOut io.Writer) {
	if err := closeTraceStore(store); err != nil {
		fmt.Fprintf(errOut, "warning: failed to close trace store: %v\n", err)
	}
}
