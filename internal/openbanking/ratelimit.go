package openbanking

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"doodook.app/openbanking/internal/cache"
)

const rateWindow = time.Second

// RateLimiter caps upstream calls per fintech use number in fixed
// one-second windows counted in the shared store.
type RateLimiter struct {
	store   cache.Store
	clock   func() time.Time
	metrics *Metrics
	logger  *slog.Logger
}

func NewRateLimiter(store cache.Store, metrics *Metrics, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{store: store, clock: time.Now, metrics: metrics, logger: logger}
}

// Enforce counts one call for fintech in the current window. The call that
// pushes the count past limit is rejected. limit <= 0 disables the check.
func (r *RateLimiter) Enforce(ctx context.Context, fintech string, limit int) error {
	if limit <= 0 {
		return nil
	}
	key := fmt.Sprintf("openbanking:rl:%s:%d", fintech, r.clock().Unix())
	count, err := r.store.Incr(ctx, key, rateWindow)
	if err != nil {
		return serviceError("rate limit store", err)
	}
	if count > int64(limit) {
		r.metrics.rejected()
		r.logger.Warn("openbanking rate limit exceeded",
			slog.String("fintech", MaskFintech(fintech)),
			slog.Int("limit", limit))
		return newError(KindRateLimited, "")
	}
	return nil
}
