package store

import (
	"context"
	"fmt"

	"github.com/ocx/threatfabric/internal/config"
)

// New selects and constructs the configured persistence backend. memory
// is the default and what the test suite and local dev run against;
// postgres and spanner are the two production-grade options, chosen the
// same way the rest of the exchange selects infrastructure backends —
// one config field, one switch.
func New(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "postgres":
		if cfg.Postgres.DSN == "" {
			return nil, fmt.Errorf("store: postgres backend selected but dsn is empty")
		}
		return NewPostgresStore(cfg.Postgres.DSN)
	case "spanner":
		if cfg.Spanner.ProjectID == "" || cfg.Spanner.InstanceID == "" || cfg.Spanner.DatabaseID == "" {
			return nil, fmt.Errorf("store: spanner backend selected but project/instance/database is incomplete")
		}
		return NewSpannerStore(ctx, cfg.Spanner.ProjectID, cfg.Spanner.InstanceID, cfg.Spanner.DatabaseID)
	default:
		return nil, fmt.Errorf("store: unknown backend %q", cfg.Backend)
	}
}
