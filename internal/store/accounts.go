package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/evault/ledgerops/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const accountColumns = `id, account_number, user_id, balance, available_balance, currency,
	account_type, status, version, created_at, updated_at`

type pgAccounts struct {
	db DBTX
}

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var a domain.Account
	err := row.Scan(&a.ID, &a.AccountNumber, &a.UserID, &a.Balance, &a.AvailableBalance, &a.Currency,
		&a.Type, &a.Status, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetAccount retrieves a single account by ID.
func (s *pgAccounts) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	a, err := scanAccount(s.db.QueryRow(ctx, "SELECT "+accountColumns+" FROM accounts WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrAccountNotFound, id)
		}
		return nil, translate("get account", err)
	}
	return a, nil
}

func (s *pgAccounts) ListAccountsForUser(ctx context.Context, userID string) ([]domain.Account, error) {
	rows, err := s.db.Query(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE user_id = $1 ORDER BY created_at, id", userID)
	if err != nil {
		return nil, translate("list accounts", err)
	}
	defer rows.Close()

	accounts := []domain.Account{}
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, translate("scan account", err)
		}
		accounts = append(accounts, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, translate("list accounts", err)
	}
	return accounts, nil
}

func (s *pgAccounts) LockAccounts(ctx context.Context, ids ...string) (map[string]*domain.Account, error) {
	ordered := uniqueSorted(ids)
	locked := make(map[string]*domain.Account, len(ordered))

	// Acquire locks in ID order
	for _, id := range ordered {
		a, err := scanAccount(s.db.QueryRow(ctx,
			"SELECT "+accountColumns+" FROM accounts WHERE id = $1 FOR UPDATE", id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, fmt.Errorf("%w: %s", domain.ErrAccountNotFound, id)
			}
			return nil, translate("lock account", err)
		}
		locked[id] = a
	}
	return locked, nil
}

func (s *pgAccounts) AdjustBalances(ctx context.Context, id string, balanceDelta, availableDelta decimal.Decimal) (*domain.Account, error) {
	a, err := scanAccount(s.db.QueryRow(ctx, `
		UPDATE accounts
		SET balance = balance + $2,
		    available_balance = available_balance + $3,
		    version = version + 1,
		    updated_at = now()
		WHERE id = $1
		  AND status = 'ACTIVE'
		  AND balance + $2 >= 0
		  AND available_balance + $3 >= 0
		RETURNING `+accountColumns,
		id, balanceDelta, availableDelta))
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, translate("adjust balances", err)
	}

	// Nothing matched; work out which guard rejected the update.
	current, getErr := s.GetAccount(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if !current.IsActive() {
		return nil, fmt.Errorf("%w: %s is %s", domain.ErrAccountInactive, id, current.Status)
	}
	return nil, fmt.Errorf("%w: account %s", domain.ErrInsufficientFunds, id)
}

func (s *pgAccounts) CreateAccount(ctx context.Context, account *domain.Account) error {
	if err := prepareAccount(account, time.Now().UTC()); err != nil {
		return err
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO accounts (id, account_number, user_id, balance, available_balance, currency,
			account_type, status, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, $9)`,
		account.ID, account.AccountNumber, account.UserID, account.Balance, account.AvailableBalance,
		account.Currency, account.Type, account.Status, account.CreatedAt)
	if isForeignKeyViolation(err) {
		return fmt.Errorf("%s: %w", account.UserID, domain.ErrUserNotFound)
	}
	return translate("create account", err)
}

// UpdateStatus applies an administrative status change. CLOSED is final.
func (s *pgAccounts) UpdateStatus(ctx context.Context, id string, status domain.AccountStatus) (*domain.Account, error) {
	a, err := scanAccount(s.db.QueryRow(ctx, `
		UPDATE accounts SET status = $2, version = version + 1, updated_at = now()
		WHERE id = $1 AND status <> 'CLOSED'
		RETURNING `+accountColumns, id, status))
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, translate("update account status", err)
	}
	if _, getErr := s.GetAccount(ctx, id); getErr != nil {
		return nil, getErr
	}
	return nil, fmt.Errorf("%w: account %s is closed", domain.ErrInvalidTransition, id)
}

func uniqueSorted(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
