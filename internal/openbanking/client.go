// Package openbanking is a token-cached, rate-limited, retrying client for
// the OpenBanking account API, with a fixture-backed sandbox mode.
package openbanking

import (
	"context"
	"log/slog"
	"strings"

	"doodook.app/openbanking/internal/cache"
)

// Client is safe for concurrent use.
type Client struct {
	cfg     Config
	fetcher Fetcher
	limiter *RateLimiter
	tokens  *TokenManager
	logger  *slog.Logger
}

// NewClient wires a client for cfg. store holds tokens, the refresh lock and
// rate-limit counters; share it between processes to share those too.
// metrics may be nil.
func NewClient(cfg Config, store cache.Store, metrics *Metrics, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "openbanking"))

	base := newLazyClient(cfg)
	tokens := NewTokenManager(cfg, store, base, metrics, logger)

	var fetcher Fetcher
	if cfg.Sandbox {
		fetcher = newSandboxFetcher()
	} else {
		fetcher = &liveFetcher{
			cfg:     cfg,
			tokens:  tokens,
			doer:    NewRetryDoer(base, cfg.Retries, metrics, logger),
			metrics: metrics,
			logger:  logger,
		}
	}

	return &Client{
		cfg:     cfg,
		fetcher: fetcher,
		limiter: NewRateLimiter(store, metrics, logger),
		tokens:  tokens,
		logger:  logger,
	}
}

// Config returns the configuration the client was built with.
func (c *Client) Config() Config { return c.cfg }

// AccessToken exposes the token manager for operators.
func (c *Client) AccessToken(ctx context.Context, force bool) (string, error) {
	return c.tokens.AccessToken(ctx, force)
}

func (c *Client) FetchBalance(ctx context.Context, fintech string) (Balance, error) {
	fintech = strings.TrimSpace(fintech)
	if fintech == "" {
		return Balance{}, newError(KindService, "fintech_use_num is required for balance lookup")
	}
	if err := c.limiter.Enforce(ctx, fintech, c.cfg.RateLimit); err != nil {
		return Balance{}, err
	}
	c.logger.Info("openbanking balance",
		slog.String("fintech", MaskFintech(fintech)),
		slog.Bool("sandbox", c.cfg.Sandbox))

	raw, err := c.fetcher.FetchBalance(ctx, fintech)
	if err != nil {
		return Balance{}, err
	}
	return NormalizeBalance(fintech, raw), nil
}

func (c *Client) FetchTransactions(ctx context.Context, q TransactionQuery) (TransactionPage, error) {
	q.FintechUseNum = strings.TrimSpace(q.FintechUseNum)
	if q.FintechUseNum == "" {
		return TransactionPage{}, newError(KindService, "fintech_use_num is required for transaction lookup")
	}
	q = q.withDefaults()
	if err := c.limiter.Enforce(ctx, q.FintechUseNum, c.cfg.RateLimit); err != nil {
		return TransactionPage{}, err
	}
	c.logger.Info("openbanking transactions",
		slog.String("fintech", MaskFintech(q.FintechUseNum)),
		slog.String("from", q.From),
		slog.String("to", q.To),
		slog.Bool("sandbox", c.cfg.Sandbox))

	raw, err := c.fetcher.FetchTransactions(ctx, q)
	if err != nil {
		return TransactionPage{}, err
	}
	return NormalizeTransactions(q.FintechUseNum, raw, q), nil
}
