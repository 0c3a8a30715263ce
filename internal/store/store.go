package store

import (
	"context"
	"fmt"

	"github.com/router-for-me/cliproxy-console/internal/config"
	coreauth "github.com/router-for-me/cliproxy-console/sdk/cliproxy/auth"
)

// Store is an auth store that holds resources until closed.
type Store interface {
	coreauth.Store
	Close() error
}

// New builds the store selected by auth-store.type.
func New(ctx context.Context, cfg *config.Config) (Store, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	sc := cfg.AuthStore
	switch sc.Type {
	case "", "file":
		return NewFileStore(cfg.AuthDir)
	case "postgres":
		return NewPostgresStore(ctx, sc.DSN, sc.Table)
	case "object":
		return NewObjectStore(ctx, ObjectConfig{
			Endpoint:  sc.Endpoint,
			Bucket:    sc.Bucket,
			Prefix:    sc.Prefix,
			AccessKey: sc.AccessKey,
			SecretKey: sc.SecretKey,
			UseSSL:    sc.UseSSL,
		})
	default:
		return nil, fmt.Errorf("store: unknown type %q", sc.Type)
	}
}
