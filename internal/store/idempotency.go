package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/evault/ledgerops/internal/domain"
	"github.com/jackc/pgx/v5"
)

type pgIdempotency struct {
	db DBTX
}

func (s *pgIdempotency) Reserve(ctx context.Context, key, requestHash, transactionID string) error {
	_, err := s.db.Exec(ctx,
		"INSERT INTO idempotency_keys (key, request_hash, transaction_id) VALUES ($1, $2, $3)",
		key, requestHash, transactionID)
	return translate("reserve idempotency key", err)
}

func (s *pgIdempotency) Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	var rec domain.IdempotencyRecord
	var outcome, reason *string
	var body []byte
	err := s.db.QueryRow(ctx, `
		SELECT key, request_hash, transaction_id, outcome, failure_reason, response_body, created_at, completed_at
		FROM idempotency_keys WHERE key = $1`, key,
	).Scan(&rec.Key, &rec.RequestHash, &rec.TransactionID, &outcome, &reason, &body,
		&rec.CreatedAt, &rec.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrIdempotencyKeyNotFound
		}
		return nil, translate("get idempotency key", err)
	}
	if outcome != nil {
		rec.Outcome = domain.TransactionStatus(*outcome)
	}
	if reason != nil {
		rec.FailureReason = *reason
	}
	if len(body) > 0 {
		rec.ResponseBody = body
	}
	return &rec, nil
}

// Complete records the terminal outcome once. The body is the serialized
// TransferResult for COMPLETED transfers and nil otherwise.
func (s *pgIdempotency) Complete(ctx context.Context, key string, outcome domain.TransactionStatus, reason string, body []byte) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE idempotency_keys
		SET outcome = $2, failure_reason = NULLIF($3, ''), response_body = $4, completed_at = now()
		WHERE key = $1 AND outcome IS NULL`,
		key, outcome, reason, body)
	if err != nil {
		return translate("complete idempotency key", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: idempotency key %s already resolved or missing", domain.ErrInvalidTransition, key)
	}
	return nil
}

// PurgeBefore drops resolved keys created before cutoff. Unresolved keys are
// kept until the reconciler settles their transaction.
func (s *pgIdempotency) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx,
		"DELETE FROM idempotency_keys WHERE created_at < $1 AND outcome IS NOT NULL", cutoff)
	if err != nil {
		return 0, translate("purge idempotency keys", err)
	}
	return tag.RowsAffected(), nil
}
