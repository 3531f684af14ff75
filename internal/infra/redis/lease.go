package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/delivery-notifier/internal/lease"
	goredis "github.com/redis/go-redis/v9"
)

const leaseKeyPrefix = "notifier:lease:"

var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

var _ lease.Locker = (*RedisLocker)(nil)

// RedisLocker hands out leases with SET NX PX. Release only deletes the key
// while it still carries the holder's token.
type RedisLocker struct {
	client *goredis.Client
	script *goredis.Script
}

func NewRedisLocker(client *goredis.Client) (*RedisLocker, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &RedisLocker{client: client, script: releaseScript}, nil
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (lease.ReleaseFunc, bool, error) {
	noop := func(context.Context) error { return nil }

	key = strings.TrimSpace(key)
	if key == "" {
		return noop, false, fmt.Errorf("lease key is required")
	}
	if ttl <= 0 {
		return noop, false, fmt.Errorf("lease ttl must be positive")
	}

	redisKey := leaseKeyPrefix + key
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, redisKey, token, ttl).Result()
	if err != nil {
		return noop, false, fmt.Errorf("failed to acquire lease %s: %w", key, err)
	}
	if !ok {
		return noop, false, nil
	}

	release := func(ctx context.Context) error {
		if err := l.script.Run(ctx, l.client, []string{redisKey}, token).Err(); err != nil {
			return fmt.Errorf("failed to release lease %s: %w", key, err)
		}
		return nil
	}
	return release, true, nil
}
