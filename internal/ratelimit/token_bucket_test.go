package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newBucket(t *testing.T, opts Options) (*TokenBucket, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewTokenBucket(client, opts), mr
}

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newBucket(t, Options{Capacity: 2, RefillPerSecond: 1, TTL: time.Minute})

	if err := bucket.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	d, err := bucket.Allow(ctx, "10.0.0.1")
	if err != nil || !d.Allowed {
		t.Fatalf("expected first token allowed got allowed=%v err=%v", d.Allowed, err)
	}
	d, _ = bucket.Allow(ctx, "10.0.0.1")
	if !d.Allowed {
		t.Fatalf("expected second token allowed")
	}
	d, _ = bucket.Allow(ctx, "10.0.0.1")
	if d.Allowed {
		t.Fatalf("expected third token to be rejected")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Second {
		t.Fatalf("retry-after out of range: %s", d.RetryAfter)
	}

	// Refill cannot be driven with miniredis.FastForward(): the script takes
	// its clock from the caller, not from Redis.
}

func TestTokenBucketKeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	bucket, mr := newBucket(t, Options{Capacity: 1, RefillPerSecond: 0.01})

	if d, _ := bucket.Allow(ctx, "a"); !d.Allowed {
		t.Fatalf("client a should get a token")
	}
	if d, _ := bucket.Allow(ctx, "a"); d.Allowed {
		t.Fatalf("client a should be throttled")
	}
	if d, _ := bucket.Allow(ctx, "b"); !d.Allowed {
		t.Fatalf("client b has its own bucket")
	}
	if !mr.Exists(defaultPrefix + "a") {
		t.Fatalf("expected bucket stored under prefixed key")
	}
}

func TestTokenBucketRedisDown(t *testing.T) {
	bucket, mr := newBucket(t, Options{Capacity: 1, RefillPerSecond: 1})
	mr.Close()

	if _, err := bucket.Allow(context.Background(), "a"); err == nil {
		t.Fatalf("expected error when redis is unavailable")
	}
}
