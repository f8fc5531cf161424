package cache

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// storeFactories returns every backend that can run without external
// services, each wired to the same fake clock.
func storeFactories(t *testing.T) map[string]func(clock *fakeClock) Store {
	return map[string]func(clock *fakeClock) Store{
		"memory": func(clock *fakeClock) Store {
			return NewMemoryStore(clock.Now)
		},
		"sqlite": func(clock *fakeClock) Store {
			s, err := OpenSQLite(filepath.Join(t.TempDir(), "cache.sqlite"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			s.clock = clock.Now
			return s
		},
	}
}

func TestStore_GetSetDelete(t *testing.T) {
	ctx := context.Background()
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(newFakeClock())

			_, ok, err := s.Get(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.Set(ctx, "k", "v1", time.Minute))
			v, ok, err := s.Get(ctx, "k")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "v1", v)

			require.NoError(t, s.Set(ctx, "k", "v2", time.Minute))
			v, _, _ = s.Get(ctx, "k")
			assert.Equal(t, "v2", v)

			require.NoError(t, s.Delete(ctx, "k"))
			_, ok, _ = s.Get(ctx, "k")
			assert.False(t, ok)

			require.NoError(t, s.Delete(ctx, "never-existed"))
		})
	}
}

func TestStore_EntryNeverServedAtOrAfterExpiry(t *testing.T) {
	ctx := context.Background()
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			clock := newFakeClock()
			s := factory(clock)

			require.NoError(t, s.Set(ctx, "token", "abc", 10*time.Second))

			clock.Advance(9 * time.Second)
			_, ok, err := s.Get(ctx, "token")
			require.NoError(t, err)
			assert.True(t, ok, "entry should be live before expiry")

			clock.Advance(time.Second)
			_, ok, err = s.Get(ctx, "token")
			require.NoError(t, err)
			assert.False(t, ok, "entry must not be served at its expiry")
		})
	}
}

func TestStore_SetWithoutTTLPersists(t *testing.T) {
	ctx := context.Background()
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			clock := newFakeClock()
			s := factory(clock)

			require.NoError(t, s.Set(ctx, "k", "v", 0))
			clock.Advance(365 * 24 * time.Hour)
			v, ok, err := s.Get(ctx, "k")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "v", v)
		})
	}
}

func TestStore_AddIsSetIfAbsent(t *testing.T) {
	ctx := context.Background()
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			clock := newFakeClock()
			s := factory(clock)

			added, err := s.Add(ctx, "lock", "a", 10*time.Second)
			require.NoError(t, err)
			assert.True(t, added)

			added, err = s.Add(ctx, "lock", "b", 10*time.Second)
			require.NoError(t, err)
			assert.False(t, added)

			v, _, _ := s.Get(ctx, "lock")
			assert.Equal(t, "a", v, "losing Add must not overwrite")

			clock.Advance(10 * time.Second)
			added, err = s.Add(ctx, "lock", "c", 10*time.Second)
			require.NoError(t, err)
			assert.True(t, added, "expired lock can be re-acquired")

			require.NoError(t, s.Delete(ctx, "lock"))
			added, err = s.Add(ctx, "lock", "d", 10*time.Second)
			require.NoError(t, err)
			assert.True(t, added)
		})
	}
}

func TestStore_IncrAppliesTTLOnCreate(t *testing.T) {
	ctx := context.Background()
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			clock := newFakeClock()
			s := factory(clock)

			for want := int64(1); want <= 3; want++ {
				n, err := s.Incr(ctx, "bucket", time.Second)
				require.NoError(t, err)
				assert.Equal(t, want, n)
			}

			clock.Advance(500 * time.Millisecond)
			n, err := s.Incr(ctx, "bucket", time.Second)
			require.NoError(t, err)
			assert.Equal(t, int64(4), n, "ttl must not be extended by later increments")

			clock.Advance(500 * time.Millisecond)
			n, err = s.Incr(ctx, "bucket", time.Second)
			require.NoError(t, err)
			assert.Equal(t, int64(1), n, "counter restarts once the window lapses")
		})
	}
}

func TestStore_ConcurrentIncrIsAtomic(t *testing.T) {
	ctx := context.Background()
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(newFakeClock())

			const goroutines = 20
			const perGoroutine = 10

			var wg sync.WaitGroup
			wg.Add(goroutines)
			errs := make(chan error, goroutines*perGoroutine)
			for i := 0; i < goroutines; i++ {
				go func() {
					defer wg.Done()
					for j := 0; j < perGoroutine; j++ {
						if _, err := s.Incr(ctx, "shared", time.Minute); err != nil {
							errs <- err
						}
					}
				}()
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				require.NoError(t, err)
			}

			v, ok, err := s.Get(ctx, "shared")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, fmt.Sprint(goroutines*perGoroutine), v)
		})
	}
}

func TestMemoryStore_IncrOnNonInteger(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)
	require.NoError(t, s.Set(ctx, "k", "not-a-number", 0))

	_, err := s.Incr(ctx, "k", time.Second)
	assert.ErrorIs(t, err, ErrNotInteger)
}

func TestMemoryStore_LenEvictsExpired(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := NewMemoryStore(clock.Now)

	require.NoError(t, s.Set(ctx, "short", "1", time.Second))
	require.NoError(t, s.Set(ctx, "long", "1", time.Hour))
	assert.Equal(t, 2, s.Len())

	clock.Advance(2 * time.Second)
	assert.Equal(t, 1, s.Len())
}

func TestSQLiteStore_PurgeExpired(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "cache.sqlite"))
	require.NoError(t, err)
	defer s.Close()
	s.clock = clock.Now

	require.NoError(t, s.Set(ctx, "a", "1", time.Second))
	require.NoError(t, s.Set(ctx, "b", "1", time.Second))
	require.NoError(t, s.Set(ctx, "c", "1", 0))

	clock.Advance(time.Second)
	n, err := s.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, ok, _ := s.Get(ctx, "c")
	assert.True(t, ok)
}

func TestSQLiteStore_SharedBetweenHandles(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.sqlite")

	first, err := OpenSQLite(path)
	require.NoError(t, err)
	defer first.Close()
	second, err := OpenSQLite(path)
	require.NoError(t, err)
	defer second.Close()

	added, err := first.Add(ctx, "lock", "p1", 10*time.Second)
	require.NoError(t, err)
	require.True(t, added)

	added, err = second.Add(ctx, "lock", "p2", 10*time.Second)
	require.NoError(t, err)
	assert.False(t, added, "lock held through another handle")
}

func TestMemoryStore_UnreadBucketsDoNotAccumulate(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := NewMemoryStore(clock.Now)

	// One rate bucket per second, never read again once its second ends.
	for sec := 0; sec < 10000; sec++ {
		_, err := s.Incr(ctx, fmt.Sprintf("openbanking:rl:ACCT0001:%d", sec), time.Second)
		require.NoError(t, err)
		clock.Advance(time.Second)
	}

	s.mu.Lock()
	retained := len(s.entries)
	s.mu.Unlock()
	assert.LessOrEqual(t, retained, memorySweepMin)
}

func TestMemoryStore_SweepKeepsLiveEntries(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := NewMemoryStore(clock.Now)

	require.NoError(t, s.Set(ctx, "token", "abc", time.Hour))
	for i := 0; i < 3*memorySweepMin; i++ {
		require.NoError(t, s.Set(ctx, fmt.Sprintf("short-%d", i), "x", time.Millisecond))
		clock.Advance(time.Millisecond)
	}

	v, ok, err := s.Get(ctx, "token")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "abc", v)
}

func TestMemoryStore_PurgeExpired(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := NewMemoryStore(clock.Now)

	require.NoError(t, s.Set(ctx, "a", "1", time.Second))
	require.NoError(t, s.Set(ctx, "b", "2", time.Second))
	require.NoError(t, s.Set(ctx, "keep", "3", 0))
	clock.Advance(time.Second)

	n, err := s.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, 1, s.Len())
}

func TestRunJanitor_PurgesSQLite(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clock := newFakeClock()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "cache.sqlite"))
	require.NoError(t, err)
	defer s.Close()
	s.clock = clock.Now

	for sec := 0; sec < 50; sec++ {
		_, err := s.Incr(ctx, fmt.Sprintf("openbanking:rl:ACCT0001:%d", sec), time.Second)
		require.NoError(t, err)
	}
	require.NoError(t, s.Set(ctx, "token", "abc", time.Hour))
	clock.Advance(2 * time.Second)

	done := make(chan struct{})
	go func() {
		RunJanitor(ctx, s, 10*time.Millisecond, nil)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		var rows int
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM kv_entry`).Scan(&rows); err != nil {
			return false
		}
		return rows == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop after cancel")
	}
}

var (
	_ Purger = (*MemoryStore)(nil)
	_ Purger = (*SQLiteStore)(nil)
	_ Purger = (*PostgresStore)(nil)
)
