package cache

import (
	"context"
	"log/slog"
	"time"
)

// RunJanitor purges expired entries from p every interval until ctx is
// cancelled. Purge failures are logged and retried on the next tick.
func RunJanitor(ctx context.Context, p Purger, interval time.Duration, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.PurgeExpired(ctx)
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("purge expired cache entries", slog.String("error", err.Error()))
				}
				continue
			}
			if n > 0 {
				logger.Debug("purged expired cache entries", slog.Int64("count", n))
			}
		}
	}
}
