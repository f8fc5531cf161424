package openbanking

import (
	"fmt"
	"net/http"
)

// Kind classifies upstream-facing failures.
type Kind string

const (
	KindService      Kind = "service_error"
	KindTimeout      Kind = "timeout"
	KindUnauthorized Kind = "unauthorized"
	KindRateLimited  Kind = "rate_limited"
	KindUpstream     Kind = "upstream_unavailable"
)

// Error is the single error type surfaced by the client. Status is an
// HTTP-like code the calling layer can map onto its own responses.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	// Detail carries the raw upstream body when there is one.
	Detail string
	Err    error
}

// Sentinels for errors.Is. Every *Error matches ErrService.
var (
	ErrService      = &Error{Kind: KindService, Status: http.StatusBadGateway}
	ErrTimeout      = &Error{Kind: KindTimeout, Status: http.StatusGatewayTimeout}
	ErrUnauthorized = &Error{Kind: KindUnauthorized, Status: http.StatusUnauthorized}
	ErrRateLimited  = &Error{Kind: KindRateLimited, Status: http.StatusTooManyRequests}
	ErrUpstream     = &Error{Kind: KindUpstream, Status: http.StatusBadGateway}
)

var defaultMessages = map[Kind]string{
	KindService:      "OpenBanking service error",
	KindTimeout:      "OpenBanking request timed out",
	KindUnauthorized: "OpenBanking authorization failed",
	KindRateLimited:  "OpenBanking rate limit exceeded",
	KindUpstream:     "OpenBanking upstream unavailable",
}

// Text is the message without upstream detail or cause, safe to show to
// API callers.
func (e *Error) Text() string {
	if e.Message != "" {
		return e.Message
	}
	return defaultMessages[e.Kind]
}

func (e *Error) Error() string {
	msg := e.Text()
	if e.Detail != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Detail)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t == ErrService {
		return true
	}
	return t.Kind == e.Kind && t.Message == "" && t.Detail == ""
}

func newError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Status: statusFor(kind), Message: message}
}

func serviceError(message string, err error) *Error {
	e := newError(KindService, message)
	e.Err = err
	return e
}

func statusFor(kind Kind) int {
	switch kind {
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusBadGateway
	}
}

// errorForStatus maps a non-2xx upstream status to the taxonomy. 429 is
// only distinguished on data calls; the token endpoint folds it into the
// generic service error.
func errorForStatus(status int, body string, distinguishRateLimit bool) *Error {
	var kind Kind
	switch {
	case status == http.StatusUnauthorized:
		kind = KindUnauthorized
	case status == http.StatusTooManyRequests && distinguishRateLimit:
		kind = KindRateLimited
	case status >= 500:
		kind = KindUpstream
	default:
		kind = KindService
	}
	e := newError(kind, "")
	e.Detail = body
	return e
}
