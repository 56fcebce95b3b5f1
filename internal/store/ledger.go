package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/evault/ledgerops/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const transactionColumns = `id, idempotency_key, reference, sender_account_id, recipient_account_id,
	amount, currency, category, description, status, COALESCE(failure_reason, ''), metadata,
	created_at, completed_at, updated_at`

const referenceConstraint = "transactions_reference_key"

const maxReferenceAttempts = 3

type pgLedger struct {
	db DBTX
}

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var t domain.Transaction
	var metadata []byte
	err := row.Scan(&t.ID, &t.IdempotencyKey, &t.Reference, &t.SenderAccountID, &t.RecipientAccountID,
		&t.Amount, &t.Currency, &t.Category, &t.Description, &t.Status, &t.FailureReason, &metadata,
		&t.CreatedAt, &t.CompletedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &t.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &t, nil
}

func scanTransactions(rows pgx.Rows) ([]domain.Transaction, error) {
	defer rows.Close()
	items := []domain.Transaction{}
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *t)
	}
	return items, rows.Err()
}

// CreatePending writes the durability checkpoint for a transfer attempt.
func (s *pgLedger) CreatePending(ctx context.Context, intent domain.TransferIntent) (*domain.Transaction, error) {
	metadata := intent.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}

	id := uuid.NewString()
	for attempt := 1; ; attempt++ {
		now := time.Now().UTC()
		t, err := scanTransaction(s.db.QueryRow(ctx, `
			INSERT INTO transactions (id, idempotency_key, reference, sender_account_id, recipient_account_id,
				amount, currency, category, description, status, metadata, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'PENDING', $10, $11, $11)
			RETURNING `+transactionColumns,
			id, intent.IdempotencyKey, NewReference(now), intent.SenderAccountID, intent.RecipientAccountID,
			intent.Amount, intent.Currency, intent.Category, intent.Description, metaJSON, now))
		if err == nil {
			return t, nil
		}
		// A reference collision is retried with a fresh reference. Inside an
		// outer transaction the failed statement aborts it, so only retry
		// when running directly on the pool.
		if isUniqueViolation(err, referenceConstraint) && attempt < maxReferenceAttempts {
			if _, inTx := s.db.(pgx.Tx); !inTx {
				continue
			}
		}
		return nil, translate("create pending transaction", err)
	}
}

// Finalize moves a PENDING row to a terminal status. Any other starting
// status is rejected with ErrInvalidTransition.
func (s *pgLedger) Finalize(ctx context.Context, id string, status domain.TransactionStatus, reason string) (*domain.Transaction, error) {
	if !status.Terminal() {
		return nil, fmt.Errorf("%w: %s is not a terminal status", domain.ErrInvalidTransition, status)
	}

	t, err := scanTransaction(s.db.QueryRow(ctx, `
		UPDATE transactions
		SET status = $2,
		    failure_reason = NULLIF($3, ''),
		    completed_at = CASE WHEN $2 = 'COMPLETED' THEN now() ELSE NULL END,
		    updated_at = now()
		WHERE id = $1 AND status = 'PENDING'
		RETURNING `+transactionColumns,
		id, status, reason))
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, translate("finalize transaction", err)
	}

	current, getErr := s.GetByID(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, current.Status, status)
}

func (s *pgLedger) GetByID(ctx context.Context, id string) (*domain.Transaction, error) {
	t, err := scanTransaction(s.db.QueryRow(ctx, "SELECT "+transactionColumns+" FROM transactions WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrTransactionNotFound, id)
		}
		return nil, translate("get transaction", err)
	}
	return t, nil
}

func (s *pgLedger) ListForAccount(ctx context.Context, accountID string, page, pageSize int) (*domain.Page, error) {
	page, pageSize, offset := NormalizePage(page, pageSize)

	var total int
	err := s.db.QueryRow(ctx,
		"SELECT COUNT(*) FROM transactions WHERE sender_account_id = $1 OR recipient_account_id = $1",
		accountID).Scan(&total)
	if err != nil {
		return nil, translate("count account transactions", err)
	}

	rows, err := s.db.Query(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE sender_account_id = $1 OR recipient_account_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`, accountID, pageSize, offset)
	if err != nil {
		return nil, translate("list account transactions", err)
	}
	items, err := scanTransactions(rows)
	if err != nil {
		return nil, translate("scan transactions", err)
	}
	return &domain.Page{Items: items, Total: total, Page: page, PageSize: pageSize}, nil
}

func (s *pgLedger) ListForUser(ctx context.Context, userID string, page, pageSize int) (*domain.Page, error) {
	page, pageSize, offset := NormalizePage(page, pageSize)

	const userFilter = `
		sender_account_id IN (SELECT id FROM accounts WHERE user_id = $1)
		OR recipient_account_id IN (SELECT id FROM accounts WHERE user_id = $1)`

	var total int
	if err := s.db.QueryRow(ctx, "SELECT COUNT(*) FROM transactions WHERE "+userFilter, userID).Scan(&total); err != nil {
		return nil, translate("count user transactions", err)
	}

	rows, err := s.db.Query(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE `+userFilter+`
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`, userID, pageSize, offset)
	if err != nil {
		return nil, translate("list user transactions", err)
	}
	items, err := scanTransactions(rows)
	if err != nil {
		return nil, translate("scan transactions", err)
	}
	return &domain.Page{Items: items, Total: total, Page: page, PageSize: pageSize}, nil
}

func (s *pgLedger) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]domain.Transaction, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE status = 'PENDING' AND created_at < $1
		ORDER BY created_at
		LIMIT $2`, olderThan, limit)
	if err != nil {
		return nil, translate("list stale pending", err)
	}
	items, err := scanTransactions(rows)
	if err != nil {
		return nil, translate("scan transactions", err)
	}
	return items, nil
}
