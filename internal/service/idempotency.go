package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/evault/ledgerops/internal/domain"
	"github.com/evault/ledgerops/internal/store"
)

const maxReserveAttempts = 3

// Reservation is the outcome of CheckAndReserve. Exactly one of Transaction
// (a fresh PENDING row owned by this caller) or Existing is set.
type Reservation struct {
	IsNew       bool
	Transaction *domain.Transaction
	Existing    *domain.TransferResult
}

// IdempotencyGuard makes a retried transfer execute at most once. The unique
// insert of the key is the only concurrency gate; the guard holds no locks.
type IdempotencyGuard struct {
	store        store.Store
	waitTimeout  time.Duration
	pollInterval time.Duration
	logger       *slog.Logger
}

func NewIdempotencyGuard(s store.Store, waitTimeout, pollInterval time.Duration, logger *slog.Logger) *IdempotencyGuard {
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}
	return &IdempotencyGuard{store: s, waitTimeout: waitTimeout, pollInterval: pollInterval, logger: logger}
}

// Check looks the key up without reserving it. It returns (nil, nil) for an
// unknown key, the recorded result for a completed one, and the recorded
// failure for a failed one. A key still in flight is waited on for at most
// the configured timeout.
func (g *IdempotencyGuard) Check(ctx context.Context, key, requestHash string) (*domain.TransferResult, error) {
	result, err := g.await(ctx, key, requestHash)
	if errors.Is(err, store.ErrIdempotencyKeyNotFound) {
		return nil, nil
	}
	return result, err
}

// CheckAndReserve writes the PENDING ledger row and the idempotency record in
// one store transaction. Losing the insert race to a concurrent request with
// the same key yields that request's result instead.
func (g *IdempotencyGuard) CheckAndReserve(ctx context.Context, requestHash string, intent domain.TransferIntent) (*Reservation, error) {
	for attempt := 1; ; attempt++ {
		var pending *domain.Transaction
		err := g.store.ExecTx(ctx, func(tx store.Store) error {
			t, err := tx.Ledger().CreatePending(ctx, intent)
			if err != nil {
				return err
			}
			if err := tx.Idempotency().Reserve(ctx, intent.IdempotencyKey, requestHash, t.ID); err != nil {
				return err
			}
			pending = t
			return nil
		})
		if err == nil {
			return &Reservation{IsNew: true, Transaction: pending}, nil
		}
		if !errors.Is(err, domain.ErrDuplicateRequest) {
			return nil, err
		}

		g.logger.Info("idempotency key already reserved, waiting for original request",
			"idempotency_key", intent.IdempotencyKey,
			"attempt", attempt,
		)
		existing, waitErr := g.await(ctx, intent.IdempotencyKey, requestHash)
		if waitErr == nil {
			return &Reservation{Existing: existing}, nil
		}
		// The winner rolled back, or its record was purged while the ledger
		// row still holds the key.
		if errors.Is(waitErr, store.ErrIdempotencyKeyNotFound) && attempt < maxReserveAttempts {
			continue
		}
		if errors.Is(waitErr, store.ErrIdempotencyKeyNotFound) {
			return nil, fmt.Errorf("%w: key %s was already used", domain.ErrDuplicateRequest, intent.IdempotencyKey)
		}
		return nil, waitErr
	}
}

func (g *IdempotencyGuard) await(ctx context.Context, key, requestHash string) (*domain.TransferResult, error) {
	deadline := time.Now().Add(g.waitTimeout)
	for {
		rec, err := g.store.Idempotency().Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if rec.RequestHash != requestHash {
			return nil, domain.ErrIdempotencyMismatch
		}
		if rec.Resolved() {
			return decodeOutcome(rec)
		}

		if !time.Now().Before(deadline) {
			return nil, domain.ErrRequestInProgress
		}
		select {
		case <-ctx.Done():
			return nil, domain.ErrRequestInProgress
		case <-time.After(g.pollInterval):
		}
	}
}

func decodeOutcome(rec *domain.IdempotencyRecord) (*domain.TransferResult, error) {
	if rec.Outcome != domain.StatusCompleted {
		return nil, domain.ReasonError(rec.FailureReason)
	}
	var result domain.TransferResult
	if err := json.Unmarshal(rec.ResponseBody, &result); err != nil {
		return nil, domain.NewStorageError("decode stored result", err)
	}
	result.Replayed = true
	return &result, nil
}

// Record stores the terminal outcome for key inside the caller's store
// transaction.
func (g *IdempotencyGuard) Record(ctx context.Context, tx store.Store, key string, outcome domain.TransactionStatus, reason string, result *domain.TransferResult) error {
	var body []byte
	if result != nil {
		var err error
		if body, err = json.Marshal(result); err != nil {
			return fmt.Errorf("encode transfer result: %w", err)
		}
	}
	return tx.Idempotency().Complete(ctx, key, outcome, reason, body)
}

// settleKey records a non-completed outcome for a ledger row finalized
// outside the engine. Missing or already resolved keys are left alone.
func settleKey(ctx context.Context, tx store.Store, key string, outcome domain.TransactionStatus, reason string) error {
	err := tx.Idempotency().Complete(ctx, key, outcome, reason, nil)
	if err == nil || errors.Is(err, domain.ErrInvalidTransition) {
		return nil
	}
	return err
}
