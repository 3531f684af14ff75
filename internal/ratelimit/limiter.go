package ratelimit

import "context"

// Buckets throttle the two kinds of paid transport calls independently.
const (
	BucketSubmit = "submit"
	BucketStatus = "status"
)

// RateLimiter controls transport call throughput per bucket.
type RateLimiter interface {
	Allow(ctx context.Context, bucket string) (bool, error)
	Wait(ctx context.Context, bucket string) error
}
