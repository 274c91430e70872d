package storage

import (
	"context"
	"errors"
	"strings"

	"relaybot/pkg/logx"
)

// Store is the dedup persistence API used by the forwarding pipeline.
type Store interface {
	// Claim atomically inserts the key if absent. It returns true when
	// this call was the inserter and false when the key already existed.
	Claim(ctx context.Context, key string) (bool, error)

	// Seen reports whether the key has been claimed, without claiming it.
	Seen(ctx context.Context, key string) (bool, error)

	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory":
		return newMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
