package clients

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/151300/FreeNodes/internal/config"
	"github.com/151300/FreeNodes/internal/launcher"
)

type memEntry struct {
	value   string
	expires time.Time
}

// memLockStore is an in-memory lockStore with key expiry, shared by
// several lockers.
type memLockStore struct {
	mu      sync.Mutex
	keys    map[string]memEntry
	setErr  error
	pingVal string
	pingErr error
	extends int
	closes  int
}

func newMemLockStore() *memLockStore {
	return &memLockStore{keys: map[string]memEntry{}, pingVal: "PONG"}
}

// live returns the entry for key unless it has expired. Callers hold mu.
func (m *memLockStore) live(key string) (memEntry, bool) {
	e, ok := m.keys[key]
	if ok && !e.expires.IsZero() && time.Now().After(e.expires) {
		delete(m.keys, key)
		return memEntry{}, false
	}
	return e, ok
}

func (m *memLockStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return false, m.setErr
	}
	if _, ok := m.live(key); ok {
		return false, nil
	}
	e := memEntry{value: value}
	if ttl > 0 {
		e.expires = time.Now().Add(ttl)
	}
	m.keys[key] = e
	return true, nil
}

func (m *memLockStore) Extend(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok || e.value != value {
		return false, nil
	}
	e.expires = time.Now().Add(ttl)
	m.keys[key] = e
	m.extends++
	return true, nil
}

func (m *memLockStore) Release(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.live(key); ok && e.value == value {
		delete(m.keys, key)
	}
	return nil
}

func (m *memLockStore) PingResult(_ context.Context) (string, error) { return m.pingVal, m.pingErr }

func (m *memLockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes++
	return nil
}

func (m *memLockStore) set(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[key] = memEntry{value: value}
}

func (m *memLockStore) holder(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, _ := m.live(key)
	return e.value
}

func (m *memLockStore) extendCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.extends
}

const testLockKey = "freenodes:launcher:lock:/project"

func makeRedisLocker(store lockStore, name, token string, ttl time.Duration) *RedisLocker {
	return &RedisLocker{
		key:   testLockKey,
		ttl:   ttl,
		cb:    NewCircuitBreaker(name),
		store: store,
		token: func() string { return token },
	}
}

func TestNewRedisLocker(t *testing.T) {
	t.Parallel()

	cfg := config.LockConfig{TTL: time.Hour, KeyPrefix: "lock:", Redis: config.RedisConfig{Host: "cache", Port: 6379}}
	lk := NewRedisLocker(cfg, "/srv/project", NewCircuitBreaker("new-redis"))

	assert.Equal(t, "lock:/srv/project", lk.key)
	assert.Equal(t, time.Hour, lk.ttl)
	assert.Equal(t, "cache", lk.cfg.Host)
	assert.NotEmpty(t, lk.token())
}

func TestRedisLocker_AcquireRelease(t *testing.T) {
	t.Parallel()

	store := newMemLockStore()
	first := makeRedisLocker(store, "redis-lock-first", "a", time.Minute)
	second := makeRedisLocker(store, "redis-lock-second", "b", time.Minute)

	release, err := first.Acquire(context.Background())
	require.NoError(t, err)

	_, err = second.Acquire(context.Background())
	assert.ErrorIs(t, err, launcher.ErrLocked)

	require.NoError(t, release(context.Background()))
	require.NoError(t, release(context.Background()), "release is idempotent")

	release2, err := second.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, release2(context.Background()))
	assert.Empty(t, store.holder(testLockKey))
}

func TestRedisLocker_HeldLockOutlivesTTL(t *testing.T) {
	t.Parallel()

	const ttl = 60 * time.Millisecond
	store := newMemLockStore()
	first := makeRedisLocker(store, "redis-renew-first", "first", ttl)
	second := makeRedisLocker(store, "redis-renew-second", "second", ttl)

	release, err := first.Acquire(context.Background())
	require.NoError(t, err)

	// Hold for several TTLs, as a long processor run would.
	time.Sleep(5 * ttl)

	_, err = second.Acquire(context.Background())
	assert.ErrorIs(t, err, launcher.ErrLocked)
	assert.Equal(t, "first", store.holder(testLockKey))
	assert.GreaterOrEqual(t, store.extendCount(), 3)

	require.NoError(t, release(context.Background()))
	extends := store.extendCount()
	time.Sleep(2 * ttl)
	assert.Equal(t, extends, store.extendCount(), "renewal stops on release")

	release2, err := second.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, release2(context.Background()))
}

func TestRedisLocker_RenewalStopsWhenLockIsLost(t *testing.T) {
	t.Parallel()

	const ttl = 60 * time.Millisecond
	store := newMemLockStore()
	lk := makeRedisLocker(store, "redis-renew-lost", "mine", ttl)

	release, err := lk.Acquire(context.Background())
	require.NoError(t, err)

	// Another launcher took over after an expiry.
	store.set(testLockKey, "theirs")
	time.Sleep(3 * ttl)

	require.NoError(t, release(context.Background()))
	assert.Equal(t, "theirs", store.holder(testLockKey))
	assert.Zero(t, store.extendCount())
}

func TestRedisLocker_RefusedLockDoesNotTripBreaker(t *testing.T) {
	t.Parallel()

	store := newMemLockStore()
	store.set(testLockKey, "other")
	lk := makeRedisLocker(store, "redis-lock-refused", "mine", time.Minute)

	for iter := 0; iter < 5; iter++ {
		_, err := lk.Acquire(context.Background())
		assert.ErrorIs(t, err, launcher.ErrLocked)
		assert.NotContains(t, err.Error(), "circuit open")
	}
}

func TestRedisLocker_StoreErrorTripsBreaker(t *testing.T) {
	t.Parallel()

	store := newMemLockStore()
	store.setErr = errors.New("connection refused")
	lk := makeRedisLocker(store, "redis-lock-cb", "mine", time.Minute)

	for i := 0; i < 3; i++ {
		_, err := lk.Acquire(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "connection refused", "attempt %d", i+1)
	}

	_, err := lk.Acquire(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit open")
}

func TestRedisLocker_Probe(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		pingVal    string
		pingErr    error
		wantOK     bool
		wantErrSub string
	}{
		{name: "PING returns PONG", pingVal: "PONG", wantOK: true},
		{name: "PING returns error", pingErr: errors.New("connection refused"), wantErrSub: "connection refused"},
		{name: "PING returns unexpected value", pingVal: "WHOOPS", wantErrSub: "unexpected PING response"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			store := newMemLockStore()
			store.pingVal, store.pingErr = tc.pingVal, tc.pingErr
			lk := makeRedisLocker(store, "redis-probe-"+tc.name, "x", time.Minute)

			p := lk.Probe(context.Background())
			assert.Equal(t, redisProbeName, p.Name)
			assert.Equal(t, tc.wantOK, p.OK)
			if tc.wantErrSub != "" {
				assert.Contains(t, p.Error, tc.wantErrSub)
			} else {
				assert.Empty(t, p.Error)
			}
		})
	}
}
