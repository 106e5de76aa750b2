package main

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/runsync/internal/resilience"
	"github.com/sells-group/runsync/internal/store"
)

// storeRetry covers a database that is still starting when the service
// boots alongside it.
var storeRetry = resilience.RetryConfig{
	MaxAttempts: 5,
	Backoff:     resilience.Backoff{Base: time.Second, Multiplier: 2, Max: 15 * time.Second, JitterFraction: 0.1},
	ShouldRetry: func(err error) bool { return !strings.Contains(err.Error(), "parse config") },
	OnRetry:     resilience.RetryLogger("cmd", "connect store"),
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "runsync.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		var st *store.PostgresStore
		err := resilience.Do(ctx, storeRetry, func(ctx context.Context) error {
			var err error
			st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
				MaxConns: cfg.Store.MaxConns,
				MinConns: cfg.Store.MinConns,
			})
			return err
		})
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// openStore initializes the store and applies migrations.
func openStore(ctx context.Context) (store.Store, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}
