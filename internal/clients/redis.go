package clients

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/151300/FreeNodes/internal/config"
	"github.com/151300/FreeNodes/internal/launcher"
)

const redisProbeName = "lock"

// releaseScript deletes the lock only if it still holds our token, so an
// expired lock re-acquired by another launcher is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// extendScript resets the TTL only while the lock still holds our token.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// lockStore is the interface used by RedisLocker. It is implemented by the
// real go-redis client and by test doubles.
type lockStore interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, value string) error
	Extend(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	PingResult(ctx context.Context) (string, error)
	Close() error
}

// realLockStore wraps a *redis.Client and adapts it to lockStore. The wrapper
// exists so tests can inject a fake without constructing redis command types.
type realLockStore struct {
	client *redis.Client
}

func (r *realLockStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, ttl).Result()
}

func (r *realLockStore) Release(ctx context.Context, key, value string) error {
	return releaseScript.Run(ctx, r.client, []string{key}, value).Err()
}

func (r *realLockStore) Extend(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	n, err := extendScript.Run(ctx, r.client, []string{key}, value, ttl.Milliseconds()).Int()
	return n == 1, err
}

func (r *realLockStore) PingResult(ctx context.Context) (string, error) {
	return r.client.Ping(ctx).Result()
}

func (r *realLockStore) Close() error {
	return r.client.Close()
}

// RedisLocker serialises launches of the same project root across
// processes and hosts sharing one Redis.
type RedisLocker struct {
	cfg   config.RedisConfig
	key   string
	ttl   time.Duration
	cb    *gobreaker.CircuitBreaker
	store lockStore
	token func() string
}

// NewRedisLocker creates a RedisLocker for the project root. No connection
// is opened at construction time.
func NewRedisLocker(cfg config.LockConfig, root string, cb *gobreaker.CircuitBreaker) *RedisLocker {
	return &RedisLocker{
		cfg:   cfg.Redis,
		key:   cfg.KeyPrefix + root,
		ttl:   cfg.TTL,
		cb:    cb,
		token: newToken,
	}
}

// Acquire takes the lock or returns launcher.ErrLocked when another holder
// has it. The lock is renewed in the background until the returned release
// func is called, which must happen once the launch ends.
func (c *RedisLocker) Acquire(ctx context.Context) (func(context.Context) error, error) {
	token := c.token()
	store := c.open()

	// A refused SetNX is not a Redis failure and must not trip the breaker.
	var acquired bool
	_, err := c.cb.Execute(func() (any, error) {
		ok, err := store.SetNX(ctx, c.key, token, c.ttl)
		if err != nil {
			return nil, fmt.Errorf("setnx %s: %w", c.key, err)
		}
		acquired = ok
		return nil, nil
	})
	if err != nil {
		store.Close() //nolint:errcheck
		if errors.Is(err, gobreaker.ErrOpenState) {
			return nil, fmt.Errorf("circuit open: %w", err)
		}
		return nil, err
	}
	if !acquired {
		store.Close() //nolint:errcheck
		return nil, fmt.Errorf("%w: %s", launcher.ErrLocked, c.key)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go c.renew(store, token, stop, done)

	var once sync.Once
	release := func(ctx context.Context) error {
		var err error
		once.Do(func() {
			close(stop)
			<-done
			defer store.Close() //nolint:errcheck
			if rerr := store.Release(ctx, c.key, token); rerr != nil {
				err = fmt.Errorf("releasing %s: %w", c.key, rerr)
			}
		})
		return err
	}
	return release, nil
}

// renew extends the lock every third of its TTL until stop is closed, so a
// processor running longer than the TTL keeps the lock. It gives up once
// the token is no longer stored.
func (c *RedisLocker) renew(store lockStore, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	if c.ttl <= 0 {
		return
	}

	ticker := time.NewTicker(c.renewEvery())
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.ttl)
			ok, err := store.Extend(ctx, c.key, token, c.ttl)
			cancel()
			switch {
			case err != nil:
				slog.Warn("extending run lock failed", "key", c.key, "error", err)
			case !ok:
				slog.Error("run lock lost before the launch finished", "key", c.key)
				return
			}
		}
	}
}

func (c *RedisLocker) renewEvery() time.Duration {
	if d := c.ttl / 3; d > 0 {
		return d
	}
	return c.ttl
}

// Probe sends a PING command to Redis and validates the PONG response.
func (c *RedisLocker) Probe(ctx context.Context) launcher.ProbeResult {
	start := time.Now()

	_, err := c.cb.Execute(func() (any, error) {
		s := c.open()
		defer s.Close() //nolint:errcheck

		val, err := s.PingResult(ctx)
		if err != nil {
			return nil, fmt.Errorf("ping: %w", err)
		}
		if val != "PONG" {
			return nil, fmt.Errorf("unexpected PING response: %q", val)
		}
		return nil, nil
	})

	return probeResult(redisProbeName, start, err)
}

// open returns the injected store, or a fresh go-redis client.
func (c *RedisLocker) open() lockStore {
	if c.store != nil {
		return c.store
	}
	return &realLockStore{
		client: redis.NewClient(&redis.Options{
			Addr:     fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port),
			Password: c.cfg.Password,
			DB:       c.cfg.DB,
		}),
	}
}

func newToken() string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d-%d", os.Getpid(), time.Now().UnixNano())
	}
	host, _ := os.Hostname()
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), hex.EncodeToString(b))
}
