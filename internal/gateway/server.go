package gateway

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"doodook.app/openbanking/internal/openbanking"
)

// Server exposes the OpenBanking client over HTTP. It runs standalone or
// under CGI.
type Server struct {
	Config   Config
	Client   *openbanking.Client
	Accounts *AccountStore
	Logger   *slog.Logger

	throttle *throttle
	metrics  http.Handler
}

// NewServer constructs a gateway Server. accounts and gatherer may be nil.
func NewServer(cfg Config, client *openbanking.Client, accounts *AccountStore, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Config:   cfg,
		Client:   client,
		Accounts: accounts,
		Logger:   logger.With(slog.String("component", "gateway")),
		throttle: newThrottle(cfg.RateLimit, cfg.RateBurst),
	}
	if gatherer != nil {
		s.metrics = promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}
	return s
}

// ServeHTTP routes incoming requests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p := strings.TrimSuffix(r.URL.Path, "/")
	switch {
	case r.Method == http.MethodGet && strings.HasSuffix(p, "/healthz"):
		s.handleHealthz(w, r)
		return
	case r.Method == http.MethodGet && strings.HasSuffix(p, "/metrics") && s.metrics != nil:
		s.metrics.ServeHTTP(w, r)
		return
	}

	if !s.throttle.Allow(clientAddr(r)) {
		w.Header().Set("Retry-After", "1")
		respondJSONError(w, http.StatusTooManyRequests, "too many requests")
		return
	}

	switch {
	case r.Method == http.MethodGet && strings.HasSuffix(p, "/v1/openbanking/balance"):
		s.handleBalance(w, r)
	case r.Method == http.MethodGet && strings.HasSuffix(p, "/v1/openbanking/transactions"):
		s.handleTransactions(w, r)
	case r.Method == http.MethodGet && strings.HasSuffix(p, "/v1/openbanking/callback"):
		s.handleCallback(w, r)
	case r.Method == http.MethodGet && strings.HasSuffix(p, "/v1/openbanking/accounts"):
		s.handleListAccounts(w, r)
	case r.Method == http.MethodPost && strings.HasSuffix(p, "/v1/openbanking/accounts"):
		s.handleUpsertAccount(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	fintech, err := validateFintech(q.Get("fintech_use_num"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	info, err := s.accountInfo(r.Context(), fintech)
	if err != nil {
		s.respondError(w, err)
		return
	}

	bal, err := s.Client.FetchBalance(r.Context(), fintech)
	if err != nil {
		s.respondError(w, err)
		return
	}
	bal.Account = info
	if !debugRequested(q.Get("debug")) {
		bal.Raw = nil
	}
	respondJSON(w, http.StatusOK, bal)
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query, err := parseTransactionQuery(q)
	if err != nil {
		s.respondError(w, err)
		return
	}
	info, err := s.accountInfo(r.Context(), query.FintechUseNum)
	if err != nil {
		s.respondError(w, err)
		return
	}

	page, err := s.Client.FetchTransactions(r.Context(), query)
	if err != nil {
		s.respondError(w, err)
		return
	}
	page.Account = info
	if !debugRequested(q.Get("debug")) {
		page.Raw = nil
	}
	respondJSON(w, http.StatusOK, page)
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if errStr := q.Get("error"); errStr != "" {
		respondJSONError(w, http.StatusBadRequest, errStr+": "+q.Get("error_description"))
		return
	}
	code := strings.TrimSpace(q.Get("code"))
	if code == "" {
		s.respondError(w, invalid("code", "code is required"))
		return
	}
	if len(code) > maxCodeLen {
		s.respondError(w, invalid("code", "must be at most %d characters", maxCodeLen))
		return
	}
	state, scope := q.Get("state"), q.Get("scope")
	if len(state) > maxStateLen {
		s.respondError(w, invalid("state", "must be at most %d characters", maxStateLen))
		return
	}
	if len(scope) > maxStateLen {
		s.respondError(w, invalid("scope", "must be at most %d characters", maxStateLen))
		return
	}

	s.Logger.Info("openbanking callback received", slog.Bool("has_state", state != ""))
	respondJSON(w, http.StatusOK, map[string]any{
		"code":         code,
		"state":        optional(state),
		"scope":        optional(scope),
		"redirect_uri": s.Client.Config().RedirectURI,
	})
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	if s.Accounts == nil {
		respondJSON(w, http.StatusOK, map[string]any{"accounts": []Account{}})
		return
	}
	accounts, err := s.Accounts.List(r.Context(), debugRequested(r.URL.Query().Get("all")))
	if err != nil {
		s.Logger.Error("list accounts failed", slog.Any("error", err))
		respondJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"accounts": accounts})
}

func (s *Server) handleUpsertAccount(w http.ResponseWriter, r *http.Request) {
	if s.Accounts == nil {
		respondJSONError(w, http.StatusServiceUnavailable, "account registry is not configured")
		return
	}
	var req accountRequest
	if err := decodeJSONBody(r.Body, &req); err != nil {
		respondJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	acct, err := req.validate()
	if err != nil {
		s.respondError(w, err)
		return
	}
	saved, err := s.Accounts.Upsert(r.Context(), acct)
	if err != nil {
		s.Logger.Error("upsert account failed", slog.Any("error", err))
		respondJSONError(w, http.StatusInternalServerError, "unable to persist account")
		return
	}
	s.Logger.Info("account saved",
		slog.String("fintech", openbanking.MaskFintech(saved.FintechUseNum)),
		slog.Bool("enabled", saved.Enabled))
	respondJSON(w, http.StatusOK, saved)
}

var errAccountDisabled = errors.New("account is disabled")

// accountInfo returns the registry alias and bank name for fintech.
// Unregistered accounts get an empty AccountInfo.
func (s *Server) accountInfo(ctx context.Context, fintech string) (openbanking.AccountInfo, error) {
	if s.Accounts == nil {
		return openbanking.AccountInfo{}, nil
	}
	acct, err := s.Accounts.Lookup(ctx, fintech)
	if errors.Is(err, sql.ErrNoRows) {
		return openbanking.AccountInfo{}, nil
	}
	if err != nil {
		return openbanking.AccountInfo{}, err
	}
	if !acct.Enabled {
		return openbanking.AccountInfo{}, errAccountDisabled
	}
	alias := acct.Alias
	return openbanking.AccountInfo{Alias: &alias, BankName: acct.BankName}, nil
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	var (
		verr  *validationError
		obErr *openbanking.Error
	)
	switch {
	case errors.As(err, &verr):
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": verr.Message, "field": verr.Field})
	case errors.Is(err, errAccountDisabled):
		respondJSONError(w, http.StatusForbidden, "Account is disabled")
	case errors.As(err, &obErr):
		s.Logger.Warn("openbanking request failed",
			slog.String("code", string(obErr.Kind)),
			slog.Int("status", obErr.Status),
			slog.Any("error", err))
		if obErr.Kind == openbanking.KindRateLimited {
			w.Header().Set("Retry-After", "1")
		}
		body := map[string]string{"error": obErr.Text(), "code": string(obErr.Kind)}
		if obErr.Detail != "" {
			body["detail"] = obErr.Detail
		}
		respondJSON(w, obErr.Status, body)
	default:
		s.Logger.Error("request failed", slog.Any("error", err))
		respondJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

func debugRequested(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func decodeJSONBody(body io.ReadCloser, dst any) error {
	defer body.Close()
	decoder := json.NewDecoder(io.LimitReader(body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	_ = enc.Encode(payload)
}

func respondJSONError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

// ListenAndServe runs s on addr until ctx is cancelled.
func ListenAndServe(ctx context.Context, addr string, s *Server) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
