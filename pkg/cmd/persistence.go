// Package cmd provides common initialization functions for the leasesync
// binaries.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/leaseloop/leasesync/pkg/persistence"
	"github.com/leaseloop/leasesync/pkg/persistence/memory"
	"github.com/leaseloop/leasesync/pkg/persistence/postgresql"
)

// NewPersistence selects the storage backend from the database URL. An empty
// URL or "memory" yields the in-memory backend, useful for local development.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	switch {
	case databaseURL == "" || databaseURL == "memory":
		return memory.NewPersistence(), nil

	case strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://"):
		return postgresql.NewPersistence(ctx, logger, databaseURL)

	default:
		return nil, fmt.Errorf("unsupported database URL: %q", databaseURL)
	}
}
