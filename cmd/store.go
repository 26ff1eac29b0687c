package cmd

import (
	"context"
	"fmt"

	"jobrun/internal/config"
	"jobrun/internal/infra/memstore"
	"jobrun/internal/infra/redistore"
	"jobrun/internal/infra/sqlitestore"
	"jobrun/internal/ports"
)

// newStore builds the storage adapter selected by the config. The returned
// close func releases backend resources and is a no-op for memory.
func newStore(ctx context.Context, cfg *config.Config) (ports.Storage, func() error, error) {
	switch cfg.Store {
	case "memory":
		s, err := memstore.New()
		if err != nil {
			return nil, nil, err
		}
		return s, func() error { return nil }, nil

	case "sqlite":
		s, err := sqlitestore.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil

	case "redis":
		s := redistore.New(cfg.Redis)
		if err := s.Connect(ctx); err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}

	return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store)
}
