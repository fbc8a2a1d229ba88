// Package redis provides a Redis implementation of the billing.Locker interface.
// Locks are SET NX PX keys holding a random token; release runs a Lua script
// so an instance never deletes a lock it no longer owns.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/inkpass/pkg/billing"
)

// ErrLockTimeout is returned when ctx ends before the lock is acquired.
var ErrLockTimeout = errors.New("timed out acquiring lock")

// Locker implements billing.Locker across instances sharing one Redis.
type Locker struct {
	client  redis.UniversalClient
	config  Config
	release *redis.Script
}

var _ billing.Locker = (*Locker)(nil)

// Config holds Redis locker configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "inkpass:lock:")
	KeyPrefix string `env:"REDIS_LOCK_PREFIX" envDefault:"inkpass:lock:"`

	// TTL bounds how long a crashed holder keeps a lock (default: 30s)
	TTL time.Duration `env:"REDIS_LOCK_TTL" envDefault:"30s"`

	// RetryInterval is the polling interval while a lock is held elsewhere (default: 25ms)
	RetryInterval time.Duration `env:"REDIS_LOCK_RETRY" envDefault:"25ms"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:     "inkpass:lock:",
		TTL:           30 * time.Second,
		RetryInterval: 25 * time.Millisecond,
	}
}

// New creates a new Redis locker.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Locker, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	def := DefaultConfig()
	if config.KeyPrefix == "" {
		config.KeyPrefix = def.KeyPrefix
	}
	if config.TTL <= 0 {
		config.TTL = def.TTL
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = def.RetryInterval
	}

	return &Locker{
		client: client,
		config: config,
		release: redis.NewScript(`
			if redis.call('GET', KEYS[1]) == ARGV[1] then
				return redis.call('DEL', KEYS[1])
			end
			return 0
		`),
	}, nil
}

// Lock blocks until key is held or ctx is done. The returned func releases
// the lock and is safe to call more than once.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := l.config.KeyPrefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(l.config.RetryInterval)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.config.TTL).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrLockTimeout, key, ctx.Err())
			}
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if ok {
			return l.unlocker(redisKey, token), nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", ErrLockTimeout, key, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (l *Locker) unlocker(redisKey, token string) func() {
	released := false
	return func() {
		if released {
			return
		}
		released = true
		// Release must run even when the caller's context is already done.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		//nolint:errcheck // An expired lock has nothing to release.
		_ = l.release.Run(ctx, l.client, []string{redisKey}, token).Err()
	}
}

// Held reports whether key is currently locked by any instance.
func (l *Locker) Held(ctx context.Context, key string) (bool, error) {
	n, err := l.client.Exists(ctx, l.config.KeyPrefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check lock %s: %w", key, err)
	}
	return n == 1, nil
}
