package openbanking

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
)

//go:embed fixtures/*.json
var fixtureFS embed.FS

const (
	balanceFixture      = "demo_balance.json"
	transactionsFixture = "demo_transactions.json"
)

// sandboxFetcher serves fixture payloads and never touches the network.
type sandboxFetcher struct {
	fixtures fs.FS
}

func newSandboxFetcher() *sandboxFetcher {
	sub, _ := fs.Sub(fixtureFS, "fixtures")
	return &sandboxFetcher{fixtures: sub}
}

func (f *sandboxFetcher) FetchBalance(_ context.Context, _ string) (map[string]any, error) {
	stub, err := f.load(balanceFixture)
	if err != nil {
		return nil, err
	}
	if v := firstPresent(stub, "balance_amt"); v == nil {
		stub["balance_amt"] = stub["balance"]
	}
	return stub, nil
}

// FetchTransactions keeps fixture entries whose date falls inside the
// query window. Entries without a timestamp are always kept.
func (f *sandboxFetcher) FetchTransactions(_ context.Context, q TransactionQuery) (map[string]any, error) {
	stub, err := f.load(transactionsFixture)
	if err != nil {
		return nil, err
	}
	items, _ := stub["list"].([]any)
	filtered := make([]any, 0, len(items))
	for _, it := range items {
		item, ok := it.(map[string]any)
		if !ok {
			continue
		}
		stamp := toString(firstPresent(item, "time", "tran_time"))
		if stamp == "" {
			filtered = append(filtered, item)
			continue
		}
		day, _, _ := strings.Cut(stamp, "T")
		if q.From <= day && day <= q.To {
			filtered = append(filtered, item)
		}
	}
	out := make(map[string]any, len(stub))
	for k, v := range stub {
		out[k] = v
	}
	out["list"] = filtered
	return out, nil
}

func (f *sandboxFetcher) load(name string) (map[string]any, error) {
	file, err := f.fixtures.Open(name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, newError(KindService, fmt.Sprintf("Fixture %s is missing for sandbox mode", name))
	}
	if err != nil {
		return nil, serviceError("open fixture", err)
	}
	defer file.Close()
	payload, err := decodeObject(file)
	if err != nil {
		return nil, serviceError("decode fixture "+name, err)
	}
	return payload, nil
}
