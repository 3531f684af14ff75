package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/delivery-notifier/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultSubmitPerSec = 10
	defaultStatusPerSec = 20
	rateWindow          = time.Second
	minWaitStep         = time.Millisecond
)

// reserveScript keeps a sliding log of granted calls per bucket. It returns 0
// when the call is granted, otherwise the milliseconds until the oldest call
// leaves the window.
var reserveScript = goredis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - window)
if redis.call("ZCARD", KEYS[1]) < limit then
  redis.call("ZADD", KEYS[1], now, ARGV[4])
  redis.call("PEXPIRE", KEYS[1], window)
  return 0
end
local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
local wait = tonumber(oldest[2]) + window - now
if wait < 1 then
  wait = 1
end
return wait
`)

var _ ratelimit.RateLimiter = (*RedisRateLimiter)(nil)

// Limits is the number of transport calls per second allowed in each bucket.
type Limits struct {
	SubmitPerSec int
	StatusPerSec int
}

func (l Limits) forBucket(bucket string) int64 {
	switch bucket {
	case ratelimit.BucketStatus:
		if l.StatusPerSec > 0 {
			return int64(l.StatusPerSec)
		}
		return defaultStatusPerSec
	default:
		if l.SubmitPerSec > 0 {
			return int64(l.SubmitPerSec)
		}
		return defaultSubmitPerSec
	}
}

// RedisRateLimiter is a sliding one-second window shared by every notifier
// instance pointed at the same Redis, so the provider sees one caller.
type RedisRateLimiter struct {
	client *goredis.Client
	limits Limits
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	newID  func() string
}

func NewRedisRateLimiter(client *goredis.Client, limits Limits) (*RedisRateLimiter, error) {
	return newRedisRateLimiter(client, limits, time.Now, sleepWithContext)
}

func newRedisRateLimiter(
	client *goredis.Client,
	limits Limits,
	nowFn func() time.Time,
	sleepFn func(ctx context.Context, d time.Duration) error,
) (*RedisRateLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if sleepFn == nil {
		sleepFn = sleepWithContext
	}

	return &RedisRateLimiter{
		client: client,
		limits: limits,
		now:    nowFn,
		sleep:  sleepFn,
		newID:  uuid.NewString,
	}, nil
}

// Allow grants one call in bucket when the window has room.
func (r *RedisRateLimiter) Allow(ctx context.Context, bucket string) (bool, error) {
	wait, err := r.reserve(ctx, bucket)
	if err != nil {
		return false, err
	}
	return wait == 0, nil
}

// Wait blocks until a call in bucket is granted or ctx ends.
func (r *RedisRateLimiter) Wait(ctx context.Context, bucket string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		wait, err := r.reserve(ctx, bucket)
		if err != nil {
			return err
		}
		if wait == 0 {
			return nil
		}
		if err := r.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (r *RedisRateLimiter) reserve(ctx context.Context, bucket string) (time.Duration, error) {
	if r == nil || r.client == nil {
		return 0, fmt.Errorf("rate limiter is not initialized")
	}

	normalized := strings.ToLower(strings.TrimSpace(bucket))
	if normalized == "" {
		return 0, fmt.Errorf("bucket is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	key := "notifier:ratelimit:" + normalized
	nowMs := r.now().UTC().UnixMilli()
	result, err := reserveScript.Run(ctx, r.client, []string{key},
		nowMs, rateWindow.Milliseconds(), r.limits.forBucket(normalized), r.newID(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to evaluate rate limit: %w", err)
	}

	if result <= 0 {
		return 0, nil
	}
	wait := time.Duration(result) * time.Millisecond
	if wait < minWaitStep {
		wait = minWaitStep
	}
	return wait, nil
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
