package openbanking

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"doodook.app/openbanking/internal/cache"
)

const (
	TokenCacheKey = "openbanking:token"
	TokenLockKey  = "openbanking:token:lock"
	SandboxToken  = "SANDBOX-DEMO-TOKEN"

	tokenLockTTL      = 10 * time.Second
	tokenLockAttempts = 3
	tokenLockDelay    = 300 * time.Millisecond
	minTokenTTL       = 60 * time.Second
	tokenTTLMargin    = 60 * time.Second
)

// TokenManager issues and caches client-credentials access tokens. The
// cache store is shared between processes, so at most one of them refreshes
// at a time while holding TokenLockKey.
type TokenManager struct {
	cfg     Config
	store   cache.Store
	doer    Doer
	metrics *Metrics
	logger  *slog.Logger

	lockDelay time.Duration
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewTokenManager returns a manager that posts to cfg.TokenURL through doer.
// doer should not retry; the token endpoint is not idempotent.
func NewTokenManager(cfg Config, store cache.Store, doer Doer, metrics *Metrics, logger *slog.Logger) *TokenManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenManager{
		cfg:       cfg,
		store:     store,
		doer:      doer,
		metrics:   metrics,
		logger:    logger,
		lockDelay: tokenLockDelay,
		sleep:     sleepContext,
	}
}

// AccessToken returns a usable bearer token. With force set the cached
// token is ignored and a new one is issued.
func (m *TokenManager) AccessToken(ctx context.Context, force bool) (string, error) {
	if m.cfg.Sandbox {
		if m.cfg.DebugToken != "" {
			return m.cfg.DebugToken, nil
		}
		return SandboxToken, nil
	}
	if m.cfg.DebugToken != "" && !force {
		return m.cfg.DebugToken, nil
	}
	if !force {
		if token, ok := m.cached(ctx); ok {
			return token, nil
		}
	}

	acquired := false
	for attempt := 0; attempt < tokenLockAttempts; attempt++ {
		added, err := m.store.Add(ctx, TokenLockKey, newRequestID(), tokenLockTTL)
		if err != nil {
			return "", serviceError("acquire token lock", err)
		}
		if added {
			acquired = true
			break
		}
		if err := m.sleep(ctx, m.lockDelay); err != nil {
			return "", serviceError("acquire token lock", err)
		}
		if token, ok := m.cached(ctx); ok {
			return token, nil
		}
	}
	if !acquired {
		m.metrics.tokenRefreshed("lock_timeout")
		return "", newError(KindService, "Unable to acquire OpenBanking token lock")
	}
	defer func() {
		if err := m.store.Delete(context.WithoutCancel(ctx), TokenLockKey); err != nil {
			m.logger.Warn("release token lock", slog.String("error", err.Error()))
		}
	}()

	if !force {
		if token, ok := m.cached(ctx); ok {
			return token, nil
		}
	}

	token, expiresIn, err := m.issue(ctx)
	if err != nil {
		m.metrics.tokenRefreshed("error")
		return "", err
	}
	ttl := max(time.Duration(expiresIn)*time.Second-tokenTTLMargin, minTokenTTL)
	if err := m.store.Set(ctx, TokenCacheKey, token, ttl); err != nil {
		m.logger.Warn("cache access token", slog.String("error", err.Error()))
	}
	m.metrics.tokenRefreshed("issued")
	m.logger.Info("issued openbanking access token", slog.Duration("ttl", ttl))
	return token, nil
}

// cached reports a store failure as a miss.
func (m *TokenManager) cached(ctx context.Context) (string, bool) {
	token, ok, err := m.store.Get(ctx, TokenCacheKey)
	if err != nil {
		m.logger.Warn("read cached token", slog.String("error", err.Error()))
		return "", false
	}
	return token, ok && token != ""
}

func (m *TokenManager) issue(ctx context.Context) (string, int64, error) {
	if m.cfg.ClientID == "" || m.cfg.ClientSecret == "" {
		return "", 0, newError(KindService, "OPENBANKING_CLIENT_ID/SECRET are not configured")
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("scope", m.cfg.Scope)
	form.Set("client_id", m.cfg.ClientID)
	form.Set("client_secret", m.cfg.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.TokenURL(), strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, serviceError("build token request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", m.cfg.UserAgent)

	started := time.Now()
	resp, err := m.doer.Do(req)
	if err != nil {
		m.metrics.observeRequest(m.cfg.TokenPath, 0, time.Since(started))
		mapped := transportError(err)
		m.logger.Warn("openbanking token request failed",
			slog.String("kind", string(mapped.Kind)),
			slog.String("error", err.Error()))
		return "", 0, mapped
	}
	defer resp.Body.Close()
	m.metrics.observeRequest(m.cfg.TokenPath, resp.StatusCode, time.Since(started))

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", 0, errorForStatus(resp.StatusCode, strings.TrimSpace(string(body)), false)
	}

	payload, err := decodeObject(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		m.logger.Error("invalid token response", slog.String("error", err.Error()))
		return "", 0, bodyError("Invalid token response from OpenBanking", err)
	}

	token, _ := payload["access_token"].(string)
	rawExpiry := firstPresent(payload, "expires_in")
	if token == "" || rawExpiry == nil {
		return "", 0, newError(KindService, "Token response is missing access_token or expires_in")
	}
	expiresIn, err := parseExpiresIn(rawExpiry)
	if err != nil {
		return "", 0, serviceError("expires_in must be an integer", err)
	}
	return token, expiresIn, nil
}

func parseExpiresIn(v any) (int64, error) {
	switch t := v.(type) {
	case json.Number:
		return t.Int64()
	case string:
		return strconv.ParseInt(strings.TrimSpace(t), 10, 64)
	default:
		return 0, fmt.Errorf("unsupported expires_in type %T", v)
	}
}
