package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"ledger/cmd/internal/creds"
	"ledger/cmd/internal/store/memstore"
	"ledger/cmd/internal/store/pgstore"
	"ledger/cmd/internal/store/sqlitestore"
)

// Stores are the persistence backends selected by LEDGER_STORE.
type Stores struct {
	Batches creds.BatchStore
	Tokens  creds.TokenStore
	// Pinger is nil for the in-memory store.
	Pinger creds.Pinger

	close func() error
}

// Close releases the backend (pool, database file).
func (s Stores) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

// OpenStores builds the configured backend. Postgres tables are created if missing.
func OpenStores(ctx context.Context, cfg Config, log Logger) (Stores, error) {
	switch cfg.StoreDriver {
	case StoreMemory, "":
		log.Info("store.open", "driver", StoreMemory)
		st := memstore.New()
		return Stores{Batches: st, Tokens: st}, nil

	case StoreSQLite:
		st, err := sqlitestore.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return Stores{}, err
		}
		log.Info("store.open", "driver", StoreSQLite, "path", cfg.SQLitePath)
		return Stores{Batches: st, Tokens: st, Pinger: st, close: st.Close}, nil

	case StorePostgres:
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return Stores{}, err
		}
		st, err := pgstore.New(pool, pgstore.WithSchema(cfg.DBSchema))
		if err != nil {
			pool.Close()
			return Stores{}, err
		}
		if err := st.EnsureSchema(ctx); err != nil {
			pool.Close()
			return Stores{}, fmt.Errorf("ensure schema: %w", err)
		}
		log.Info("store.open", "driver", StorePostgres, "schema", cfg.DBSchema)
		// The pool is owned here; pgstore.Store.Close is a no-op.
		return Stores{Batches: st, Tokens: st, Pinger: st, close: func() error {
			pool.Close()
			return nil
		}}, nil
	}
	return Stores{}, errors.New("store: unknown driver " + cfg.StoreDriver)
}

// NewDBPool builds a pgxpool and checks connectivity.
func NewDBPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if cfg.DBMaxConns > 0 {
		pcfg.MaxConns = cfg.DBMaxConns
	}
	if cfg.DBMinConns >= 0 {
		pcfg.MinConns = cfg.DBMinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	if err := PingDB(ctx, pool, 3*time.Second); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// PingDB checks if we can acquire a connection within timeout.
func PingDB(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	conn.Release()
	return nil
}
