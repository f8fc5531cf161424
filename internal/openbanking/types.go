package openbanking

import "github.com/shopspring/decimal"

// AccountInfo is filled in by callers that keep an account registry. The
// upstream balance call never returns it.
type AccountInfo struct {
	Alias    *string `json:"alias"`
	BankName *string `json:"bank_name"`
}

type Balance struct {
	FintechUseNum string              `json:"fintech_use_num"`
	Account       AccountInfo         `json:"account"`
	Amount        decimal.NullDecimal `json:"balance"`
	Currency      string              `json:"currency"`
	Raw           map[string]any      `json:"raw,omitempty"`
}

// Direction is "in" or "out" when the upstream code is recognised, and the
// upstream value otherwise.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

type Transaction struct {
	ID        string              `json:"tran_id"`
	Time      *string             `json:"time"`
	Summary   *string             `json:"summary"`
	Amount    decimal.NullDecimal `json:"amount"`
	Balance   decimal.NullDecimal `json:"balance"`
	Direction *Direction          `json:"inout"`
}

type DateRange struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type TransactionPage struct {
	FintechUseNum string         `json:"fintech_use_num"`
	Account       AccountInfo    `json:"account"`
	List          []Transaction  `json:"list"`
	Range         DateRange      `json:"range"`
	Sort          string         `json:"sort"`
	Page          int            `json:"page"`
	Size          int            `json:"size"`
	Raw           map[string]any `json:"raw,omitempty"`
}

const (
	SortTime   = "time"
	SortAmount = "amount"

	DefaultPage = 1
	DefaultSize = 100
)

// TransactionQuery selects a window of transactions. From and To are
// inclusive YYYY-MM-DD dates; callers validate them.
type TransactionQuery struct {
	FintechUseNum string
	From          string
	To            string
	Sort          string
	Page          int
	Size          int
}

func (q TransactionQuery) withDefaults() TransactionQuery {
	if q.Sort == "" {
		q.Sort = SortTime
	}
	if q.Page <= 0 {
		q.Page = DefaultPage
	}
	if q.Size <= 0 {
		q.Size = DefaultSize
	}
	return q
}
