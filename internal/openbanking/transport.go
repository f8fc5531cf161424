package openbanking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Doer sends a single HTTP request. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

const (
	defaultBackoff  = 300 * time.Millisecond
	maxRetryAfter   = 5 * time.Second
	maxResponseBody = 4 << 20
	maxErrorBody    = 1024
)

var retryableStatus = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// lazyClient builds its *http.Client on first use and reuses it for the
// lifetime of the process. Each request, body read included, is bounded by
// the connect plus read timeout.
type lazyClient struct {
	connectTimeout time.Duration
	readTimeout    time.Duration

	once   sync.Once
	client *http.Client
}

func newLazyClient(cfg Config) *lazyClient {
	return &lazyClient{connectTimeout: cfg.ConnectTimeout, readTimeout: cfg.ReadTimeout}
}

func (l *lazyClient) Do(req *http.Request) (*http.Response, error) {
	l.once.Do(func() {
		dialer := &net.Dialer{Timeout: l.connectTimeout, KeepAlive: 30 * time.Second}
		l.client = &http.Client{
			Timeout: l.connectTimeout + l.readTimeout,
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				DialContext:           dialer.DialContext,
				TLSHandshakeTimeout:   l.connectTimeout,
				ResponseHeaderTimeout: l.readTimeout,
				MaxIdleConns:          20,
				MaxIdleConnsPerHost:   10,
				IdleConnTimeout:       90 * time.Second,
			},
		}
	})
	return l.client.Do(req)
}

// RetryDoer retries idempotent requests on transport timeouts and on the
// retryable status codes, backing off exponentially between attempts.
type RetryDoer struct {
	next    Doer
	retries int
	backoff time.Duration
	metrics *Metrics
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewRetryDoer(next Doer, retries int, metrics *Metrics, logger *slog.Logger) *RetryDoer {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryDoer{
		next:    next,
		retries: retries,
		backoff: defaultBackoff,
		metrics: metrics,
		logger:  logger,
		sleep:   sleepContext,
	}
}

func (r *RetryDoer) Do(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return r.next.Do(req)
	}
	ctx := req.Context()
	for attempt := 0; ; attempt++ {
		resp, err := r.next.Do(req.Clone(ctx))
		retryable := (err != nil && isTimeout(err)) || (err == nil && retryableStatus[resp.StatusCode])
		if !retryable || attempt >= r.retries {
			return resp, err
		}

		wait := r.backoff * time.Duration(1<<attempt)
		status := 0
		if resp != nil {
			status = resp.StatusCode
			if ra, ok := retryAfter(resp.Header.Get("Retry-After")); ok && ra > wait {
				wait = min(ra, maxRetryAfter)
			}
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
			resp.Body.Close()
		}
		r.metrics.retried(req.URL.Path)
		r.logger.Debug("retrying openbanking request",
			slog.String("path", req.URL.Path),
			slog.Int("attempt", attempt+1),
			slog.Int("status", status),
			slog.Duration("wait", wait))
		if err := r.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

func retryAfter(header string) (time.Duration, bool) {
	if header == "" {
		return 0, false
	}
	secs, err := strconv.Atoi(strings.TrimSpace(header))
	if err != nil || secs < 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// transportError maps a failed round trip onto the error taxonomy.
func transportError(err error) *Error {
	if isTimeout(err) {
		e := newError(KindTimeout, "")
		e.Err = err
		return e
	}
	return serviceError("OpenBanking request failed", err)
}

func newRequestID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// getJSON performs an authenticated data request and decodes the JSON
// object it returns.
func getJSON(ctx context.Context, doer Doer, rawURL, token, userAgent string, params url.Values, metrics *Metrics, logger *slog.Logger) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, serviceError("build request", err)
	}
	req.URL.RawQuery = params.Encode()

	requestID := newRequestID()
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Request-ID", requestID)
	req.Header.Set("api_tran_id", requestID[:20])

	fintech := MaskFintech(params.Get("fintech_use_num"))
	endpoint := req.URL.Path
	started := time.Now()
	resp, err := doer.Do(req)
	if err != nil {
		metrics.observeRequest(endpoint, 0, time.Since(started))
		mapped := transportError(err)
		logger.Warn("openbanking request failed",
			slog.String("fintech", fintech),
			slog.String("request_id", requestID),
			slog.String("kind", string(mapped.Kind)),
			slog.String("error", err.Error()))
		return nil, mapped
	}
	defer resp.Body.Close()
	metrics.observeRequest(endpoint, resp.StatusCode, time.Since(started))

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, errorForStatus(resp.StatusCode, strings.TrimSpace(string(body)), true)
	}

	payload, err := decodeObject(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		logger.Error("invalid json from openbanking",
			slog.String("fintech", fintech),
			slog.String("request_id", requestID),
			slog.String("error", err.Error()))
		return nil, bodyError("Invalid response from OpenBanking", err)
	}
	return payload, nil
}

// bodyError maps a failed body read: a stalled body is a timeout, anything
// else is a malformed response.
func bodyError(msg string, err error) *Error {
	if isTimeout(err) {
		return transportError(err)
	}
	return serviceError(msg, err)
}

// decodeObject decodes a JSON object keeping numbers as json.Number so
// amounts survive without float rounding.
func decodeObject(r io.Reader) (map[string]any, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	if payload == nil {
		return nil, errors.New("decode json: not an object")
	}
	return payload, nil
}
