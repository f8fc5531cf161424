package gateway

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"doodook.app/openbanking/internal/cache"
)

// cachePurgeInterval is how often durable backends drop lapsed rate buckets
// and tokens.
const cachePurgeInterval = time.Minute

// OpenCache builds the backend named by cfg.Cache. Durable backends get a
// janitor that purges expired entries until the returned func releases the
// store.
func OpenCache(ctx context.Context, cfg Config) (cache.Store, func(), error) {
	switch cfg.Cache {
	case CacheMemory, "":
		return cache.NewMemoryStore(nil), func() {}, nil
	case CacheSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.CachePath), 0o750); err != nil {
			return nil, nil, fmt.Errorf("create cache dir: %w", err)
		}
		s, err := cache.OpenSQLite(cfg.CachePath)
		if err != nil {
			return nil, nil, err
		}
		return s, startJanitor(ctx, s, func() { _ = s.Close() }), nil
	case CachePostgres:
		s, err := cache.OpenPostgres(ctx, cfg.CacheDSN)
		if err != nil {
			return nil, nil, err
		}
		return s, startJanitor(ctx, s, s.Close), nil
	default:
		return nil, nil, fmt.Errorf("unsupported cache backend %q", cfg.Cache)
	}
}

// startJanitor runs cache.RunJanitor against p and returns a func that stops
// it, waits for it to exit, then calls release.
func startJanitor(ctx context.Context, p cache.Purger, release func()) func() {
	jctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		cache.RunJanitor(jctx, p, cachePurgeInterval, nil)
	}()
	return func() {
		cancel()
		<-done
		release()
	}
}
