package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// unlockScript deletes the key only when it still carries our token.
const unlockScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`

// extendScript pushes the expiry out only while we still hold the key.
const extendScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`

var randRead = rand.Read

// RedisLock serializes cycles across hosts with SET NX and a per-acquire token.
// While held, the TTL is renewed every third of its length, so it only bounds
// how long a crashed holder can block the next cycle.
type RedisLock struct {
	client *redis.Client
	key    string
	ttl    time.Duration

	mu    sync.Mutex
	token string
	stop  context.CancelFunc
	done  chan struct{}
}

func NewRedisLock(client *redis.Client, key string, ttl time.Duration) *RedisLock {
	if key == "" {
		key = "alpha_agent:cycle"
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &RedisLock{client: client, key: key, ttl: ttl}
}

func generateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := randRead(b); err != nil {
		return "", fmt.Errorf("generate lock token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func (r *RedisLock) TryAcquire(ctx context.Context) error {
	token, err := generateToken()
	if err != nil {
		return err
	}
	ok, err := r.client.SetNX(ctx, r.key, token, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("redis setnx failed: %w", err)
	}
	if !ok {
		return ErrNotAcquired
	}

	keepCtx, stop := context.WithCancel(context.Background())
	r.mu.Lock()
	r.token = token
	r.stop = stop
	r.done = make(chan struct{})
	r.mu.Unlock()
	go r.keepAlive(keepCtx, token, r.done)
	return nil
}

func (r *RedisLock) keepAlive(ctx context.Context, token string, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.extend(ctx, token); err != nil {
				log.Printf("⚠️ Lock renewal for %s failed: %v", r.key, err)
			}
		}
	}
}

// extend resets the TTL of a key we still hold.
func (r *RedisLock) extend(ctx context.Context, token string) error {
	result, err := r.client.Eval(ctx, extendScript, []string{r.key}, token, r.ttl.Milliseconds()).Result()
	if err != nil {
		return fmt.Errorf("redis eval failed: %w", err)
	}
	if n, ok := result.(int64); !ok || n == 0 {
		return fmt.Errorf("lock %s no longer held", r.key)
	}
	return nil
}

func (r *RedisLock) Release(ctx context.Context) error {
	r.mu.Lock()
	token, stop, done := r.token, r.stop, r.done
	r.token, r.stop, r.done = "", nil, nil
	r.mu.Unlock()
	if token == "" {
		return nil
	}
	stop()
	<-done

	result, err := r.client.Eval(ctx, unlockScript, []string{r.key}, token).Result()
	if err != nil {
		return fmt.Errorf("redis eval failed: %w", err)
	}
	if n, ok := result.(int64); !ok || n == 0 {
		return fmt.Errorf("lock %s expired before release", r.key)
	}
	return nil
}

// Close releases the client connections.
func (r *RedisLock) Close() error {
	return r.client.Close()
}
