package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisLock(t *testing.T, s *miniredis.Miniredis, ttl time.Duration) *RedisLock {
	t.Helper()
	l := NewRedisLock(redis.NewClient(&redis.Options{Addr: s.Addr()}), "test:cycle", ttl)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRedisLockIsExclusive(t *testing.T) {
	ctx := context.Background()
	s := miniredis.RunT(t)

	first := newRedisLock(t, s, time.Minute)
	second := newRedisLock(t, s, time.Minute)

	if err := first.TryAcquire(ctx); err != nil {
		t.Fatalf("First acquire failed: %v", err)
	}
	if err := second.TryAcquire(ctx); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("Expected ErrNotAcquired, got %v", err)
	}
	if err := first.Release(ctx); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if s.Exists("test:cycle") {
		t.Error("Expected the key deleted on release")
	}
	if err := second.TryAcquire(ctx); err != nil {
		t.Fatalf("Expected acquire after release to succeed, got %v", err)
	}
	second.Release(ctx)
}

func TestRedisLockExtendResetsTTL(t *testing.T) {
	ctx := context.Background()
	s := miniredis.RunT(t)
	l := newRedisLock(t, s, time.Minute)

	if err := l.TryAcquire(ctx); err != nil {
		t.Fatalf("TryAcquire failed: %v", err)
	}
	defer l.Release(ctx)

	s.FastForward(50 * time.Second)
	if ttl := s.TTL("test:cycle"); ttl != 10*time.Second {
		t.Fatalf("Expected 10s left, got %s", ttl)
	}
	if err := l.extend(ctx, l.token); err != nil {
		t.Fatalf("extend failed: %v", err)
	}
	if ttl := s.TTL("test:cycle"); ttl != time.Minute {
		t.Errorf("Expected TTL reset to 1m, got %s", ttl)
	}

	if err := l.extend(ctx, "someone-else"); err == nil {
		t.Error("Expected extend with a foreign token to fail")
	}
}

func TestRedisLockReleaseAfterExpiry(t *testing.T) {
	ctx := context.Background()
	s := miniredis.RunT(t)
	l := newRedisLock(t, s, time.Minute)

	if err := l.TryAcquire(ctx); err != nil {
		t.Fatalf("TryAcquire failed: %v", err)
	}
	s.FastForward(2 * time.Minute)

	// Another host took over after expiry; release must not delete its key.
	if err := s.Set("test:cycle", "other-token"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := l.Release(ctx); err == nil {
		t.Error("Expected an error releasing an expired lock")
	}
	if got, _ := s.Get("test:cycle"); got != "other-token" {
		t.Errorf("Expected the other holder's key kept, got %q", got)
	}
}

func TestRedisLockTokenFailure(t *testing.T) {
	ctx := context.Background()
	s := miniredis.RunT(t)
	l := newRedisLock(t, s, time.Minute)

	saved := randRead
	randRead = func(b []byte) (int, error) { return 0, errors.New("entropy unavailable") }
	defer func() { randRead = saved }()

	if err := l.TryAcquire(ctx); err == nil || errors.Is(err, ErrNotAcquired) {
		t.Fatalf("Expected a token error, got %v", err)
	}
	if s.Exists("test:cycle") {
		t.Error("Expected no key written without a token")
	}
}
