package openbanking

import (
	"encoding/json"
	"regexp"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeRaw(t *testing.T, s string) map[string]any {
	t.Helper()
	raw, err := decodeObject(strings.NewReader(s))
	require.NoError(t, err)
	return raw
}

func TestMaskFintech(t *testing.T) {
	tests := map[string]string{
		"":                         "",
		"1234":                     "1234",
		"12345":                    "*2345",
		"120220000000000000000001": "********************0001",
	}
	for in, want := range tests {
		assert.Equal(t, want, MaskFintech(in), in)
	}
}

func TestNormalizeBalance_AliasPrecedence(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		amount   string
		currency string
	}{
		{"balance_amt wins", `{"balance_amt":"100","balance":"200","balanceAmount":"300"}`, "100", "KRW"},
		{"empty string skipped", `{"balance_amt":"","balance":"200"}`, "200", "KRW"},
		{"null skipped", `{"balance_amt":null,"balanceAmount":300}`, "300", "KRW"},
		{"numeric zero is present", `{"balance_amt":0,"balance":"200"}`, "0", "KRW"},
		{"currency_code fallback", `{"balance":"1.5","currency_code":"USD"}`, "1.5", "USD"},
		{"currency first", `{"balance":"1","currency":"JPY","currency_code":"USD"}`, "1", "JPY"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := decodeRaw(t, tt.payload)
			b := NormalizeBalance("FIN0001", raw)
			require.True(t, b.Amount.Valid)
			assert.True(t, decimal.RequireFromString(tt.amount).Equal(b.Amount.Decimal))
			assert.Equal(t, tt.currency, b.Currency)
			assert.Equal(t, "FIN0001", b.FintechUseNum)
			assert.Equal(t, raw, b.Raw)
		})
	}
}

func TestNormalizeBalance_MissingAmount(t *testing.T) {
	b := NormalizeBalance("FIN0001", map[string]any{"rsp_code": "A0000"})
	assert.False(t, b.Amount.Valid)
	assert.Equal(t, "KRW", b.Currency)
	assert.Nil(t, b.Account.Alias)
}

func TestNormalizeTransactions_DedupFirstWins(t *testing.T) {
	raw := decodeRaw(t, `{"res_list":[
		{"tran_id":"A","summary":"first","amount":"10","inout":"입금"},
		{"tranId":"B","description":"second","tran_amt":20,"inout_type":"OUT"},
		{"tran_id":"A","summary":"dup","amount":"99"},
		{"bank_tran_id":"C","print_content":"third","tranAmount":"30","tran_type":"x"}
	]}`)

	page := NormalizeTransactions("FIN0001", raw, TransactionQuery{From: "2024-01-01", To: "2024-01-31"})

	require.Len(t, page.List, 3)
	assert.Equal(t, []string{"A", "B", "C"}, []string{page.List[0].ID, page.List[1].ID, page.List[2].ID})
	assert.Equal(t, "first", *page.List[0].Summary)
	assert.Equal(t, DirectionIn, *page.List[0].Direction)
	assert.Equal(t, DirectionOut, *page.List[1].Direction)
	assert.Equal(t, Direction("x"), *page.List[2].Direction, "unknown codes pass through")
	assert.True(t, decimal.NewFromInt(20).Equal(page.List[1].Amount.Decimal))

	assert.Equal(t, DateRange{From: "2024-01-01", To: "2024-01-31"}, page.Range)
	assert.Equal(t, SortTime, page.Sort)
	assert.Equal(t, DefaultPage, page.Page)
	assert.Equal(t, DefaultSize, page.Size)
	assert.Equal(t, raw, page.Raw)
}

func TestNormalizeTransactions_FieldAliases(t *testing.T) {
	raw := decodeRaw(t, `{"list":[
		{"tran_id":"1","time":"2024-01-02T10:00:00","tran_time":"ignored","balance":"5","balance_amt":"6"},
		{"tran_id":"2","tranDtime":"20240103101010","after_balance_amt":"7"},
		{"tran_id":"3"}
	]}`)

	page := NormalizeTransactions("FIN0001", raw, TransactionQuery{})
	require.Len(t, page.List, 3)

	assert.Equal(t, "2024-01-02T10:00:00", *page.List[0].Time)
	assert.True(t, decimal.NewFromInt(5).Equal(page.List[0].Balance.Decimal))
	assert.Equal(t, "20240103101010", *page.List[1].Time)
	assert.True(t, decimal.NewFromInt(7).Equal(page.List[1].Balance.Decimal))

	assert.Nil(t, page.List[2].Time)
	assert.Nil(t, page.List[2].Summary)
	assert.Nil(t, page.List[2].Direction)
	assert.False(t, page.List[2].Amount.Valid)
}

func TestNormalizeTransactions_SynthesizesIDs(t *testing.T) {
	raw := decodeRaw(t, `{"list":[{"summary":"a"},{"summary":"b"}]}`)
	page := NormalizeTransactions("FIN0001", raw, TransactionQuery{})

	require.Len(t, page.List, 2, "entries without ids are never merged")
	hex := regexp.MustCompile(`^[0-9a-f]{32}$`)
	assert.Regexp(t, hex, page.List[0].ID)
	assert.NotEqual(t, page.List[0].ID, page.List[1].ID)
}

func TestNormalizeTransactions_NoList(t *testing.T) {
	page := NormalizeTransactions("FIN0001", map[string]any{"list": nil}, TransactionQuery{})
	assert.NotNil(t, page.List)
	assert.Empty(t, page.List)

	out, err := json.Marshal(page)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"list":[]`)
}
