package openbanking

import (
	"context"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
)

const (
	balancePath      = "/v2.0/account/balance"
	transactionsPath = "/v2.0/account/transaction_list"
)

// Fetcher returns raw upstream payloads. The client picks one
// implementation when it is built.
type Fetcher interface {
	FetchBalance(ctx context.Context, fintech string) (map[string]any, error)
	FetchTransactions(ctx context.Context, q TransactionQuery) (map[string]any, error)
}

// liveFetcher calls the OpenBanking API with a bearer token from the
// token manager.
type liveFetcher struct {
	cfg     Config
	tokens  *TokenManager
	doer    Doer
	metrics *Metrics
	logger  *slog.Logger
}

func (f *liveFetcher) FetchBalance(ctx context.Context, fintech string) (map[string]any, error) {
	params := url.Values{}
	params.Set("fintech_use_num", fintech)
	return f.get(ctx, balancePath, params)
}

func (f *liveFetcher) FetchTransactions(ctx context.Context, q TransactionQuery) (map[string]any, error) {
	params := url.Values{}
	params.Set("fintech_use_num", q.FintechUseNum)
	params.Set("from_date", compactDate(q.From))
	params.Set("to_date", compactDate(q.To))
	params.Set("sort", q.Sort)
	params.Set("page", strconv.Itoa(q.Page))
	params.Set("size", strconv.Itoa(q.Size))
	return f.get(ctx, transactionsPath, params)
}

func (f *liveFetcher) get(ctx context.Context, path string, params url.Values) (map[string]any, error) {
	token, err := f.tokens.AccessToken(ctx, false)
	if err != nil {
		return nil, err
	}
	return getJSON(ctx, f.doer, f.cfg.BaseURL+path, token, f.cfg.UserAgent, params, f.metrics, f.logger)
}

// compactDate turns YYYY-MM-DD into the YYYYMMDD form the API expects.
func compactDate(date string) string {
	return strings.ReplaceAll(date, "-", "")
}
