package gateway

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

var (
	//go:embed sql/schema.sql
	schemaSQL string
)

// Account is a linked OpenBanking account known to the gateway.
type Account struct {
	FintechUseNum string    `json:"fintech_use_num"`
	Alias         string    `json:"alias"`
	BankName      *string   `json:"bank_name"`
	AccountMasked *string   `json:"account_masked"`
	Enabled       bool      `json:"enabled"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// AccountStore wraps SQLite persistence for the account registry.
type AccountStore struct {
	db    *sql.DB
	clock func() time.Time
}

// OpenAccountStore opens (and initialises) the registry database.
func OpenAccountStore(path string) (*AccountStore, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &AccountStore{db: db, clock: time.Now}, nil
}

// Close releases the underlying database handle.
func (s *AccountStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Upsert creates the account or replaces its mutable fields. CreatedAt is
// kept from the first insert.
func (s *AccountStore) Upsert(ctx context.Context, acct Account) (*Account, error) {
	now := s.clock().Unix()
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO openbanking_account(fintech_use_num, alias, bank_name, account_masked, enabled, created_at, updated_at)
        VALUES(?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(fintech_use_num) DO UPDATE SET
            alias = excluded.alias,
            bank_name = excluded.bank_name,
            account_masked = excluded.account_masked,
            enabled = excluded.enabled,
            updated_at = excluded.updated_at
    `, acct.FintechUseNum, acct.Alias, nullable(acct.BankName), nullable(acct.AccountMasked), boolInt(acct.Enabled), now, now)
	if err != nil {
		return nil, fmt.Errorf("upsert account: %w", err)
	}
	return s.Lookup(ctx, acct.FintechUseNum)
}

// Lookup returns sql.ErrNoRows when the account is not registered.
func (s *AccountStore) Lookup(ctx context.Context, fintech string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT fintech_use_num, alias, bank_name, account_masked, enabled, created_at, updated_at
          FROM openbanking_account
         WHERE fintech_use_num = ?
    `, fintech)
	return scanAccount(row)
}

// List returns accounts ordered by alias. Disabled accounts are skipped
// unless includeDisabled is set.
func (s *AccountStore) List(ctx context.Context, includeDisabled bool) ([]Account, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT fintech_use_num, alias, bank_name, account_masked, enabled, created_at, updated_at
          FROM openbanking_account
         WHERE enabled = 1 OR ?
         ORDER BY alias, fintech_use_num
    `, boolInt(includeDisabled))
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	accounts := []Account{}
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *acct)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate accounts: %w", err)
	}
	return accounts, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*Account, error) {
	var (
		acct             Account
		bank, masked     sql.NullString
		enabled          int64
		created, updated int64
	)
	err := row.Scan(&acct.FintechUseNum, &acct.Alias, &bank, &masked, &enabled, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan account: %w", err)
	}
	if bank.Valid {
		acct.BankName = &bank.String
	}
	if masked.Valid {
		acct.AccountMasked = &masked.String
	}
	acct.Enabled = enabled != 0
	acct.CreatedAt = time.Unix(created, 0).UTC()
	acct.UpdatedAt = time.Unix(updated, 0).UTC()
	return &acct, nil
}

func nullable(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
