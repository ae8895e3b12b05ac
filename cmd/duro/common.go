package main

import (
	"context"
	"fmt"

	"github.com/duro-db/duro/internal/catalog"
	"github.com/duro-db/duro/internal/rec"
	"github.com/spf13/cobra"
)

var traceLevel int

func addBackendFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().IntVar(&traceLevel, "trace", 0, "backend trace level")
}

func openEnv(ctx context.Context, kind, connStr string) (rec.Environment, error) {
	return rec.Open(ctx, kind, connStr, rec.WithTraceLevel(traceLevel))
}

// bootstrapCatalog opens env's catalog tables in a fresh top-level
// transaction, committing on success and aborting on failure.
func bootstrapCatalog(ctx context.Context, env rec.Environment) (*catalog.Catalog, error) {
	tx, err := env.Begin(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	cat, err := catalog.Bootstrap(ctx, env, tx)
	if err != nil {
		_ = tx.Abort(ctx)
		return nil, fmt.Errorf("bootstrap catalog: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return cat, nil
}
