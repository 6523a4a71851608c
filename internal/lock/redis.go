// Package lock provides a Redis-backed lock shared by every API replica, so
// renames of the same group or to the same slug run one at a time.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultTTL   = 30 * time.Second
	pollInterval = 25 * time.Millisecond
)

// unlockScript deletes the key only while it still holds our token, so a lock
// that expired and was taken by someone else is left alone.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements consistency.Locker with SET NX PX keys.
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *log.Logger
}

// NewRedisLocker connects to redisURL. ttl bounds how long a crashed holder
// can block others; zero selects the default.
func NewRedisLocker(redisURL string, ttl time.Duration) (*RedisLocker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisLockerWithClient(client, ttl), nil
}

// NewRedisLockerWithClient builds a locker on an existing client.
func NewRedisLockerWithClient(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisLocker{
		client: client,
		prefix: "copydesk:lock:",
		ttl:    ttl,
		logger: log.Default().With("component", "lock"),
	}
}

// WithLogger replaces the logger used to report failed releases.
func (l *RedisLocker) WithLogger(logger *log.Logger) *RedisLocker {
	l.logger = logger
	return l
}

func (l *RedisLocker) key(name string) string {
	return l.prefix + name
}

// Lock acquires every key in order, polling until the context ends. On
// failure the keys already taken are released.
func (l *RedisLocker) Lock(ctx context.Context, keys ...string) (func(), error) {
	token := uuid.NewString()
	held := make([]string, 0, len(keys))
	for _, name := range keys {
		if err := l.acquire(ctx, l.key(name), token); err != nil {
			l.release(held, token)
			return nil, err
		}
		held = append(held, l.key(name))
	}
	var once sync.Once
	return func() {
		once.Do(func() { l.release(held, token) })
	}, nil
}

func (l *RedisLocker) acquire(ctx context.Context, key, token string) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return fmt.Errorf("acquire %s: %w", key, ctxErr)
			}
			return fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("acquire %s: %w", key, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (l *RedisLocker) release(keys []string, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := len(keys) - 1; i >= 0; i-- {
		err := unlockScript.Run(ctx, l.client, []string{keys[i]}, token).Err()
		if err != nil && !errors.Is(err, redis.Nil) {
			l.logger.Warn("release lock", "key", keys[i], "err", err)
		}
	}
}

// Close closes the Redis connection
func (l *RedisLocker) Close() error {
	return l.client.Close()
}

// Ping checks if Redis is reachable
func (l *RedisLocker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}
