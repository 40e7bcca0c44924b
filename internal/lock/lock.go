package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired means another instance holds the lock. It is an expected
// concurrency outcome, not a failure.
var ErrNotAcquired = errors.New("lock held by another instance")

// ProcessLock guarantees at most one running cycle.
type ProcessLock interface {
	// TryAcquire returns immediately. It returns ErrNotAcquired when the lock
	// is held elsewhere and any other error when the lock resource itself is unusable.
	TryAcquire(ctx context.Context) error
	Release(ctx context.Context) error
}

// Config selects the lock backend.
type Config struct {
	Backend   string // file, redis
	FilePath  string
	RedisAddr string
	RedisPass string
	RedisDB   int
	Key       string
	TTL       time.Duration
}

// New builds the configured lock. File is the default backend.
func New(cfg Config) (ProcessLock, error) {
	switch cfg.Backend {
	case "", "file":
		if cfg.FilePath == "" {
			return nil, fmt.Errorf("lock file path is required")
		}
		return NewFileLock(cfg.FilePath), nil
	case "redis":
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("redis lock requires an address")
		}
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPass,
			DB:       cfg.RedisDB,
			PoolSize: 2,
		})
		return NewRedisLock(client, cfg.Key, cfg.TTL), nil
	default:
		return nil, fmt.Errorf("unsupported lock backend: %s", cfg.Backend)
	}
}
