package gateway

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"doodook.app/openbanking/internal/openbanking"
)

const (
	dateLayout     = "2006-01-02"
	maxWindowDays  = 93
	maxPage        = 1000
	maxSize        = 500
	maxAliasLen    = 50
	maxBankNameLen = 50
	maxMaskedLen   = 64
	maxCodeLen     = 128
	maxStateLen    = 255
)

var fintechPattern = regexp.MustCompile(`^[0-9A-Za-z]{4,24}$`)

// validationError is reported to callers as a 400.
type validationError struct {
	Field   string
	Message string
}

func (e *validationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) error {
	return &validationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func validateFintech(raw string) (string, error) {
	fintech := strings.TrimSpace(raw)
	if fintech == "" {
		return "", invalid("fintech_use_num", "fintech_use_num is required")
	}
	if !fintechPattern.MatchString(fintech) {
		return "", invalid("fintech_use_num", "must be 4-24 letters or digits")
	}
	return fintech, nil
}

func parseTransactionQuery(q url.Values) (openbanking.TransactionQuery, error) {
	var out openbanking.TransactionQuery
	fintech, err := validateFintech(q.Get("fintech_use_num"))
	if err != nil {
		return out, err
	}
	from, err := parseDate("from_date", q.Get("from_date"))
	if err != nil {
		return out, err
	}
	to, err := parseDate("to_date", q.Get("to_date"))
	if err != nil {
		return out, err
	}
	if from.After(to) {
		return out, invalid("range", "from_date cannot be greater than to_date")
	}
	if to.Sub(from) > maxWindowDays*24*time.Hour {
		return out, invalid("range", "maximum lookup window is %d days", maxWindowDays)
	}

	sort := strings.TrimSpace(q.Get("sort"))
	switch sort {
	case "":
		sort = openbanking.SortTime
	case openbanking.SortTime, openbanking.SortAmount:
	default:
		return out, invalid("sort", "must be one of time, amount")
	}
	page, err := parseBounded("page", q.Get("page"), openbanking.DefaultPage, maxPage)
	if err != nil {
		return out, err
	}
	size, err := parseBounded("size", q.Get("size"), openbanking.DefaultSize, maxSize)
	if err != nil {
		return out, err
	}

	return openbanking.TransactionQuery{
		FintechUseNum: fintech,
		From:          from.Format(dateLayout),
		To:            to.Format(dateLayout),
		Sort:          sort,
		Page:          page,
		Size:          size,
	}, nil
}

func parseDate(field, raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, invalid(field, "%s is required", field)
	}
	t, err := time.Parse(dateLayout, raw)
	if err != nil {
		return time.Time{}, invalid(field, "must be a YYYY-MM-DD date")
	}
	return t, nil
}

func parseBounded(field, raw string, def, limit int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, invalid(field, "must be an integer")
	}
	if n < 1 || n > limit {
		return 0, invalid(field, "must be between 1 and %d", limit)
	}
	return n, nil
}

type accountRequest struct {
	FintechUseNum string  `json:"fintech_use_num"`
	Alias         string  `json:"alias"`
	BankName      *string `json:"bank_name"`
	AccountMasked *string `json:"account_masked"`
	Enabled       *bool   `json:"enabled"`
}

func (req accountRequest) validate() (Account, error) {
	fintech, err := validateFintech(req.FintechUseNum)
	if err != nil {
		return Account{}, err
	}
	alias := strings.TrimSpace(req.Alias)
	if alias == "" {
		return Account{}, invalid("alias", "alias is required")
	}
	if len([]rune(alias)) > maxAliasLen {
		return Account{}, invalid("alias", "must be at most %d characters", maxAliasLen)
	}
	if req.BankName != nil && len([]rune(*req.BankName)) > maxBankNameLen {
		return Account{}, invalid("bank_name", "must be at most %d characters", maxBankNameLen)
	}
	if req.AccountMasked != nil && len([]rune(*req.AccountMasked)) > maxMaskedLen {
		return Account{}, invalid("account_masked", "must be at most %d characters", maxMaskedLen)
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	return Account{
		FintechUseNum: fintech,
		Alias:         alias,
		BankName:      req.BankName,
		AccountMasked: req.AccountMasked,
		Enabled:       enabled,
	}, nil
}
