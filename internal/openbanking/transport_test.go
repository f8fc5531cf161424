package openbanking

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// statusSequence replies with the given codes in order, repeating the last.
func statusSequence(t *testing.T, codes ...int) (*httptest.Server, *int64) {
	t.Helper()
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(&calls, 1)
		code := codes[len(codes)-1]
		if int(n) <= len(codes) {
			code = codes[n-1]
		}
		w.WriteHeader(code)
		if code == http.StatusOK {
			_, _ = w.Write([]byte(`{"balance_amt":"1000"}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newTestRetryDoer(retries int) (*RetryDoer, *recordingSleep) {
	sleeps := &recordingSleep{}
	r := NewRetryDoer(http.DefaultClient, retries, nil, discardLogger())
	r.sleep = sleeps.Sleep
	return r, sleeps
}

func get(t *testing.T, d Doer, rawURL string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	require.NoError(t, err)
	resp, err := d.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestRetryDoer_RecoversFromTransientFailures(t *testing.T) {
	srv, calls := statusSequence(t, 503, 503, 200)
	r, sleeps := newTestRetryDoer(2)

	resp := get(t, r, srv.URL)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(3), atomic.LoadInt64(calls))
	assert.Equal(t, []time.Duration{300 * time.Millisecond, 600 * time.Millisecond}, sleeps.Delays())
}

func TestRetryDoer_GivesUpAfterRetries(t *testing.T) {
	srv, calls := statusSequence(t, 503)
	r, _ := newTestRetryDoer(2)

	resp := get(t, r, srv.URL)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, int64(3), atomic.LoadInt64(calls))
}

func TestRetryDoer_NonRetryableStatus(t *testing.T) {
	for _, code := range []int{400, 401, 404} {
		srv, calls := statusSequence(t, code, 200)
		r, _ := newTestRetryDoer(2)

		resp := get(t, r, srv.URL)
		assert.Equal(t, code, resp.StatusCode)
		assert.Equal(t, int64(1), atomic.LoadInt64(calls))
	}
}

func TestRetryDoer_ZeroRetries(t *testing.T) {
	srv, calls := statusSequence(t, 502, 200)
	r, _ := newTestRetryDoer(0)

	resp := get(t, r, srv.URL)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, int64(1), atomic.LoadInt64(calls))
}

func TestRetryDoer_SkipsNonIdempotentMethods(t *testing.T) {
	srv, calls := statusSequence(t, 503, 200)
	r, _ := newTestRetryDoer(2)

	req, err := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader("a=b"))
	require.NoError(t, err)
	resp, err := r.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, int64(1), atomic.LoadInt64(calls))
}

func TestRetryDoer_RetryAfter(t *testing.T) {
	tests := []struct {
		header string
		want   time.Duration
	}{
		{"2", 2 * time.Second},
		{"30", maxRetryAfter},
		{"0", 300 * time.Millisecond},
		{"Wed, 21 Oct 2015 07:28:00 GMT", 300 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			var calls int64
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if atomic.AddInt64(&calls, 1) == 1 {
					w.Header().Set("Retry-After", tt.header)
					w.WriteHeader(http.StatusTooManyRequests)
					return
				}
				w.WriteHeader(http.StatusOK)
			}))
			defer srv.Close()

			r, sleeps := newTestRetryDoer(2)
			resp := get(t, r, srv.URL)
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, []time.Duration{tt.want}, sleeps.Delays())
		})
	}
}

func TestRetryDoer_RetriesTimeouts(t *testing.T) {
	var calls int64
	next := doerFunc(func(req *http.Request) (*http.Response, error) {
		if atomic.AddInt64(&calls, 1) == 1 {
			return nil, &url.Error{Op: "Get", URL: req.URL.String(), Err: os.ErrDeadlineExceeded}
		}
		return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody, Header: http.Header{}}, nil
	})
	r := NewRetryDoer(next, 2, nil, discardLogger())
	r.sleep = (&recordingSleep{}).Sleep

	resp := get(t, r, "http://upstream.test/v2.0/account/balance")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(2), atomic.LoadInt64(&calls))
}

func TestRetryDoer_StopsWhenContextCancelled(t *testing.T) {
	srv, calls := statusSequence(t, 503)
	r := NewRetryDoer(http.DefaultClient, 5, nil, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	r.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return sleepContext(ctx, d)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	_, err = r.Do(req)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(1), atomic.LoadInt64(calls))
}

func TestGetJSON_Headers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, DefaultUserAgent, r.Header.Get("User-Agent"))

		requestID := r.Header.Get("X-Request-ID")
		assert.Regexp(t, `^[0-9a-f]{32}$`, requestID)
		assert.Equal(t, requestID[:20], r.Header.Get("api_tran_id"))
		assert.Equal(t, "FIN0001", r.URL.Query().Get("fintech_use_num"))
		_, _ = w.Write([]byte(`{"balance_amt":12345678901234567890}`))
	}))
	defer srv.Close()

	params := url.Values{"fintech_use_num": {"FIN0001"}}
	payload, err := getJSON(context.Background(), http.DefaultClient, srv.URL+balancePath, "tok", DefaultUserAgent, params, nil, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, "12345678901234567890", toString(payload["balance_amt"]), "large numbers keep their digits")
}

func TestGetJSON_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		target error
		kind   Kind
	}{
		{"unauthorized", 401, "expired", ErrUnauthorized, KindUnauthorized},
		{"rate limited", 429, "slow", ErrRateLimited, KindRateLimited},
		{"upstream", 503, "down", ErrUpstream, KindUpstream},
		{"client error", 404, "nope", ErrService, KindService},
		{"invalid json", 200, "not json", ErrService, KindService},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := getJSON(context.Background(), http.DefaultClient, srv.URL, "tok", DefaultUserAgent, url.Values{}, nil, discardLogger())
			assert.ErrorIs(t, err, tt.target)
			var obErr *Error
			require.True(t, errors.As(err, &obErr))
			assert.Equal(t, tt.kind, obErr.Kind)
		})
	}
}

func TestGetJSON_TransportErrors(t *testing.T) {
	timeout := doerFunc(func(req *http.Request) (*http.Response, error) {
		return nil, &url.Error{Op: "Get", URL: req.URL.String(), Err: context.DeadlineExceeded}
	})
	_, err := getJSON(context.Background(), timeout, "http://upstream.test", "tok", DefaultUserAgent, url.Values{}, nil, discardLogger())
	assert.ErrorIs(t, err, ErrTimeout)

	refused := doerFunc(func(req *http.Request) (*http.Response, error) {
		return nil, &url.Error{Op: "Get", URL: req.URL.String(), Err: errors.New("connection refused")}
	})
	_, err = getJSON(context.Background(), refused, "http://upstream.test", "tok", DefaultUserAgent, url.Values{}, nil, discardLogger())
	assert.ErrorIs(t, err, ErrService)
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestLazyClient_AppliesTimeouts(t *testing.T) {
	cfg := DefaultConfig()
	l := newLazyClient(cfg)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	resp := get(t, l, srv.URL)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	first := l.client
	_ = get(t, l, srv.URL)
	assert.Same(t, first, l.client, "client is built once")

	transport, ok := l.client.Transport.(*http.Transport)
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, transport.TLSHandshakeTimeout)
	assert.Equal(t, 6*time.Second, transport.ResponseHeaderTimeout)
	assert.Equal(t, 8*time.Second, l.client.Timeout)
}

// stalledBody sends headers and a partial JSON body, then stops writing
// until the client goes away.
func stalledBody(t *testing.T, partial string) *httptest.Server {
	t.Helper()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(partial))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})
	return srv
}

func TestGetJSON_StalledBodyTimesOut(t *testing.T) {
	srv := stalledBody(t, `{"balance_amt":`)
	l := newLazyClient(Config{ConnectTimeout: 100 * time.Millisecond, ReadTimeout: 200 * time.Millisecond})

	// The caller's context has no deadline, like an inbound gateway request.
	started := time.Now()
	_, err := getJSON(context.Background(), l, srv.URL+balancePath, "tok", DefaultUserAgent,
		url.Values{"fintech_use_num": {"120220000000000000000001"}}, nil, discardLogger())
	elapsed := time.Since(started)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, elapsed, 2*time.Second)
}
