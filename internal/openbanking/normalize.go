package openbanking

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Upstream field aliases, in precedence order. The first present alias wins.
var (
	balanceAmountKeys = []string{"balance_amt", "balance", "balanceAmount"}
	currencyKeys      = []string{"currency", "currency_code"}
	transactionKeys   = []string{"list", "res_list", "resList"}

	tranIDKeys      = []string{"tran_id", "tranId", "bank_tran_id"}
	tranTimeKeys    = []string{"time", "tran_time", "tranDtime"}
	tranSummaryKeys = []string{"summary", "description", "print_content"}
	tranAmountKeys  = []string{"amount", "tran_amt", "tranAmount"}
	tranBalanceKeys = []string{"balance", "balance_amt", "after_balance_amt"}
	tranInoutKeys   = []string{"inout", "inout_type", "tran_type"}
)

const defaultCurrency = "KRW"

// NormalizeBalance maps an upstream balance payload onto Balance. raw is
// attached unchanged.
func NormalizeBalance(fintech string, raw map[string]any) Balance {
	b := Balance{
		FintechUseNum: fintech,
		Amount:        toDecimal(firstPresent(raw, balanceAmountKeys...)),
		Currency:      defaultCurrency,
		Raw:           raw,
	}
	if v := firstPresent(raw, currencyKeys...); v != nil {
		b.Currency = toString(v)
	}
	return b
}

// NormalizeTransactions maps an upstream transaction list onto a page.
// Entries sharing a transaction id are dropped after the first.
func NormalizeTransactions(fintech string, raw map[string]any, q TransactionQuery) TransactionPage {
	q = q.withDefaults()
	var items []any
	if v, ok := firstPresent(raw, transactionKeys...).([]any); ok {
		items = v
	}
	return TransactionPage{
		FintechUseNum: fintech,
		List:          normalizeItems(items),
		Range:         DateRange{From: q.From, To: q.To},
		Sort:          q.Sort,
		Page:          q.Page,
		Size:          q.Size,
		Raw:           raw,
	}
}

func normalizeItems(items []any) []Transaction {
	seen := make(map[string]struct{}, len(items))
	out := make([]Transaction, 0, len(items))
	for _, it := range items {
		item, ok := it.(map[string]any)
		if !ok {
			continue
		}
		id := toString(firstPresent(item, tranIDKeys...))
		if id == "" {
			id = strings.ReplaceAll(uuid.NewString(), "-", "")
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, Transaction{
			ID:        id,
			Time:      optionalString(firstPresent(item, tranTimeKeys...)),
			Summary:   optionalString(firstPresent(item, tranSummaryKeys...)),
			Amount:    toDecimal(firstPresent(item, tranAmountKeys...)),
			Balance:   toDecimal(firstPresent(item, tranBalanceKeys...)),
			Direction: toDirection(firstPresent(item, tranInoutKeys...)),
		})
	}
	return out
}

// firstPresent returns the value of the first key that is set, non-null
// and not an empty string. Numeric zero counts as present.
func firstPresent(m map[string]any, keys ...string) any {
	for _, k := range keys {
		v, ok := m[k]
		if !ok || v == nil {
			continue
		}
		if s, isStr := v.(string); isStr && s == "" {
			continue
		}
		return v
	}
	return nil
}

func toString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

func optionalString(v any) *string {
	if v == nil {
		return nil
	}
	s := toString(v)
	return &s
}

// toDecimal parses numbers and numeric strings. Anything else is null; the
// raw payload still carries the original value.
func toDecimal(v any) decimal.NullDecimal {
	var (
		d   decimal.Decimal
		err error
	)
	switch t := v.(type) {
	case nil:
		return decimal.NullDecimal{}
	case json.Number:
		d, err = decimal.NewFromString(t.String())
	case string:
		d, err = decimal.NewFromString(strings.ReplaceAll(strings.TrimSpace(t), ",", ""))
	case float64:
		d = decimal.NewFromFloat(t)
	case int:
		d = decimal.NewFromInt(int64(t))
	case int64:
		d = decimal.NewFromInt(t)
	default:
		return decimal.NullDecimal{}
	}
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}

var directionCodes = map[string]Direction{
	"in":         DirectionIn,
	"i":          DirectionIn,
	"deposit":    DirectionIn,
	"입금":         DirectionIn,
	"out":        DirectionOut,
	"o":          DirectionOut,
	"withdrawal": DirectionOut,
	"출금":         DirectionOut,
}

func toDirection(v any) *Direction {
	if v == nil {
		return nil
	}
	s := toString(v)
	d, ok := directionCodes[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		d = Direction(s)
	}
	return &d
}
