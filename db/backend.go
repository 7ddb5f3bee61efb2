package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/lol-autostream/config"
	"github.com/onnwee/lol-autostream/crypto"
	"github.com/onnwee/lol-autostream/store"
)

// Tokens is the OAuth token persistence both backends provide.
type Tokens interface {
	GetOAuthToken(ctx context.Context, provider string) (access, refresh string, expiry time.Time, scope string, err error)
	UpsertOAuthToken(ctx context.Context, provider, access, refresh string, expiry time.Time, scope string) error
	DeleteOAuthToken(ctx context.Context, provider string) error
}

// Backend is the storage selected by STORE_BACKEND. SQL is set only for postgres.
type Backend struct {
	Name   string
	KV     store.KV
	Tokens Tokens
	SQL    *sql.DB
	closer func() error
}

// Close releases connections held by the backend.
func (b *Backend) Close() error {
	if b.closer == nil {
		return nil
	}
	return b.closer()
}

// OpenBackend opens the configured store. For postgres it applies the
// versioned migrations and falls back to the idempotent schema when they fail.
func OpenBackend(ctx context.Context, cfg *config.Config, enc crypto.Encryptor) (*Backend, error) {
	log := slog.Default().With(slog.String("component", "store"), slog.String("backend", cfg.StoreBackend))
	b := &Backend{Name: cfg.StoreBackend}
	switch cfg.StoreBackend {
	case config.BackendMemory:
		b.KV = store.NewMemory()
	case config.BackendFile:
		f, err := store.NewFile(cfg.StorePath)
		if err != nil {
			return nil, fmt.Errorf("open file store: %w", err)
		}
		b.KV = f
	case config.BackendRedis:
		r, err := store.DialRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, fmt.Errorf("open redis store: %w", err)
		}
		b.KV, b.closer = r, r.Close
	case config.BackendPostgres:
		database, err := Connect(ctx, cfg.DBDsn)
		if err != nil {
			return nil, err
		}
		if err := RunMigrations(database); err != nil {
			log.Warn("versioned migrations failed, applying embedded schema", slog.Any("err", err))
			if err := Migrate(ctx, database); err != nil {
				_ = database.Close()
				return nil, err
			}
		}
		b.SQL, b.closer = database, database.Close
		b.KV = &KV{DB: database}
		b.Tokens = &TokenStore{DB: database, Enc: enc}
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
	if b.Tokens == nil {
		b.Tokens = &store.TokenVault{KV: b.KV, Enc: enc}
	}
	log.Info("store opened")
	return b, nil
}
