package app

import (
	"context"
	"log/slog"
	"strings"

	"relay/cmd/internal/chatlog"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store backends reported in logs and by MessageLog.Kind.
const (
	StorePostgres = "postgres"
	StoreBadger   = "badger"
	StoreMemory   = "memory"
)

// MessageLog is the configured chatlog.Store plus the resources it runs on.
//
// Ownership model:
// - MessageLog owns the pgx pool when Postgres is selected
// - Close closes the store first, then the pool
type MessageLog struct {
	chatlog.Store

	Kind string
	pool *pgxpool.Pool
}

// Pool returns the Postgres pool, or nil for other backends.
func (m *MessageLog) Pool() *pgxpool.Pool { return m.pool }

// Close releases the store and its pool.
func (m *MessageLog) Close() error {
	if m == nil || m.Store == nil {
		return nil
	}
	err := m.Store.Close()
	if m.pool != nil {
		m.pool.Close()
	}
	return err
}

// OpenMessageLog picks the message store: RELAY_DATABASE_URL selects Postgres,
// else RELAY_BADGER_PATH selects Badger, else an in-memory store.
func OpenMessageLog(ctx context.Context, cfg Config, log *slog.Logger) (*MessageLog, error) {
	switch {
	case strings.TrimSpace(cfg.DatabaseURL) != "":
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		st, err := chatlog.NewPostgresStore(pool, chatlog.WithSchema(cfg.DBSchema))
		if err != nil {
			pool.Close()
			return nil, err
		}
		if err := st.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		log.Info("store.enabled", "kind", StorePostgres, "schema", cfg.DBSchema)
		return &MessageLog{Store: st, Kind: StorePostgres, pool: pool}, nil

	case strings.TrimSpace(cfg.BadgerPath) != "":
		st, err := chatlog.OpenBadgerStore(cfg.BadgerPath, log)
		if err != nil {
			return nil, err
		}
		log.Info("store.enabled", "kind", StoreBadger, "path", cfg.BadgerPath)
		return &MessageLog{Store: st, Kind: StoreBadger}, nil

	default:
		log.Info("store.enabled", "kind", StoreMemory)
		return &MessageLog{Store: chatlog.NewMemoryStore(), Kind: StoreMemory}, nil
	}
}
