package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/evault/ledgerops/internal/domain"
	"github.com/evault/ledgerops/internal/store"
	"github.com/shopspring/decimal"
)

const (
	maxAmountPlaces      = 2
	maxAmountDigits      = 16 // integer digits of NUMERIC(20,4)
	maxAmountScale       = 20
	maxCoefficientBits   = 128
	maxDescriptionLength = 255
	maxIdempotencyKeyLen = 255
)

var amountCeiling = decimal.New(1, maxAmountDigits)

// TransferService moves funds between two accounts. Every accepted command
// ends with exactly one ledger row whose status matches the balance effect:
// COMPLETED means both balances moved, anything else means neither did.
type TransferService struct {
	store      store.Store
	guard      *IdempotencyGuard
	resolver   *Resolver
	publisher  EventPublisher
	currencies map[string]bool
	logger     *slog.Logger
}

func NewTransferService(s store.Store, guard *IdempotencyGuard, resolver *Resolver, publisher EventPublisher, currencies []string, logger *slog.Logger) *TransferService {
	if publisher == nil {
		publisher = noopPublisher{}
	}
	supported := make(map[string]bool, len(currencies))
	for _, c := range currencies {
		supported[strings.ToUpper(strings.TrimSpace(c))] = true
	}
	return &TransferService{
		store:      s,
		guard:      guard,
		resolver:   resolver,
		publisher:  publisher,
		currencies: supported,
		logger:     logger,
	}
}

// Transfer executes cmd at most once per idempotency key. A repeated key with
// identical parameters returns the first outcome without touching balances.
func (s *TransferService) Transfer(ctx context.Context, cmd domain.TransferCommand) (*domain.TransferResult, error) {
	start := time.Now()
	result, err := s.transfer(ctx, cmd)

	outcome := outcomeLabel(result, err)
	transfersTotal.WithLabelValues(outcome).Inc()
	transferDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	return result, err
}

func (s *TransferService) transfer(ctx context.Context, cmd domain.TransferCommand) (*domain.TransferResult, error) {
	cmd = normalizeCommand(cmd)
	log := s.logger.With("idempotency_key", cmd.IdempotencyKey, "sender_account_id", cmd.SenderAccountID)

	if err := s.validateCommand(cmd); err != nil {
		log.Warn("transfer rejected", "error", err)
		return nil, err
	}
	hash := RequestHash(cmd)

	// 1. Idempotency Check
	if existing, err := s.guard.Check(ctx, cmd.IdempotencyKey, hash); err != nil || existing != nil {
		if existing != nil {
			log.Info("replaying stored transfer result", "transaction_id", existing.TransactionID)
		}
		return existing, err
	}

	// 2. Validation against fresh account state. Nothing is written on failure.
	intent, err := s.buildIntent(ctx, cmd)
	if err != nil {
		log.Warn("transfer rejected", "error", err)
		return nil, err
	}

	// 3. Reserve the key and record the PENDING intent together
	res, err := s.guard.CheckAndReserve(ctx, hash, intent)
	if err != nil {
		return nil, err
	}
	if !res.IsNew {
		log.Info("concurrent duplicate resolved to original result", "transaction_id", res.Existing.TransactionID)
		return res.Existing, nil
	}
	pending := res.Transaction
	log = log.With("transaction_id", pending.ID, "reference", pending.Reference)

	// 4-5. Apply and finalize. A client disconnect must not abandon a row
	// halfway through, so the rest runs detached from the caller.
	applyCtx := context.WithoutCancel(ctx)
	result, err := s.apply(applyCtx, pending)
	if err == nil {
		log.Info("transfer completed", "amount", pending.Amount.String(), "currency", pending.Currency)
		s.publish(applyCtx, pending.ID)
		return result, nil
	}

	if reason, ok := domain.FailureReason(err); ok {
		log.Warn("transfer failed", "reason", reason, "error", err)
		s.fail(applyCtx, pending, reason)
		return nil, err
	}

	if errors.Is(err, domain.ErrInvalidTransition) {
		// Finalized elsewhere (reconciler or admin cancel) while we held it.
		current, getErr := s.store.Ledger().GetByID(applyCtx, pending.ID)
		if getErr != nil {
			return nil, getErr
		}
		log.Warn("transaction finalized concurrently", "status", current.Status, "reason", current.FailureReason)
		return nil, domain.ReasonError(current.FailureReason)
	}

	log.Error("transfer left pending after storage failure", "error", err)
	if !errors.Is(err, domain.ErrStorageFailure) {
		err = domain.NewStorageError("apply transfer", err)
	}
	return nil, err
}

func (s *TransferService) apply(ctx context.Context, pending *domain.Transaction) (*domain.TransferResult, error) {
	var result *domain.TransferResult
	err := s.store.ExecTx(ctx, func(tx store.Store) error {
		locked, err := tx.Accounts().LockAccounts(ctx, pending.SenderAccountID, pending.RecipientAccountID)
		if err != nil {
			return err
		}
		for _, id := range []string{pending.SenderAccountID, pending.RecipientAccountID} {
			if err := checkParty(locked[id], pending.Currency); err != nil {
				return err
			}
		}

		debited, err := tx.Accounts().AdjustBalances(ctx, pending.SenderAccountID, pending.Amount.Neg(), pending.Amount.Neg())
		if err != nil {
			return err
		}
		credited, err := tx.Accounts().AdjustBalances(ctx, pending.RecipientAccountID, pending.Amount, pending.Amount)
		if err != nil {
			return err
		}

		done, err := tx.Ledger().Finalize(ctx, pending.ID, domain.StatusCompleted, "")
		if err != nil {
			return err
		}

		result = &domain.TransferResult{
			TransactionID: done.ID,
			Reference:     done.Reference,
			Amount:        done.Amount,
			Currency:      done.Currency,
			SenderAccount: domain.PartyBalance{
				ID:            debited.ID,
				AccountNumber: debited.AccountNumber,
				NewBalance:    debited.Balance,
			},
			RecipientAccount: domain.PartyBalance{
				ID:            credited.ID,
				AccountNumber: credited.AccountNumber,
				NewBalance:    credited.Balance,
			},
			Timestamp: done.UpdatedAt,
		}
		return s.guard.Record(ctx, tx, pending.IdempotencyKey, domain.StatusCompleted, "", result)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// fail records a business failure. The apply transaction has already rolled
// back, so no balance moved. If this write fails too the row stays PENDING
// and the reconciler picks it up.
func (s *TransferService) fail(ctx context.Context, pending *domain.Transaction, reason string) {
	err := s.store.ExecTx(ctx, func(tx store.Store) error {
		if _, err := tx.Ledger().Finalize(ctx, pending.ID, domain.StatusFailed, reason); err != nil {
			return err
		}
		return s.guard.Record(ctx, tx, pending.IdempotencyKey, domain.StatusFailed, reason, nil)
	})
	if err != nil {
		s.logger.Error("failed to record transfer failure",
			"transaction_id", pending.ID,
			"reason", reason,
			"error", err,
		)
		return
	}
	s.publish(ctx, pending.ID)
}

// Cancel moves a PENDING transaction to CANCELLED. Terminal rows are never
// touched.
func (s *TransferService) Cancel(ctx context.Context, transactionID, reason string) (*domain.Transaction, error) {
	if strings.TrimSpace(transactionID) == "" {
		return nil, domain.NewValidationError("transactionId", "is required")
	}
	if reason == "" {
		reason = domain.ReasonCancelledByOperator
	}
	var cancelled *domain.Transaction
	err := s.store.ExecTx(ctx, func(tx store.Store) error {
		t, err := tx.Ledger().Finalize(ctx, transactionID, domain.StatusCancelled, reason)
		if err != nil {
			return err
		}
		cancelled = t
		return settleKey(ctx, tx, t.IdempotencyKey, domain.StatusCancelled, reason)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("transaction cancelled", "transaction_id", transactionID, "reason", reason)
	s.publish(ctx, cancelled.ID)
	return cancelled, nil
}

func (s *TransferService) publish(ctx context.Context, transactionID string) {
	t, err := s.store.Ledger().GetByID(ctx, transactionID)
	if err != nil {
		s.logger.Warn("could not load transaction for event", "transaction_id", transactionID, "error", err)
		return
	}
	if err := s.publisher.PublishTransferEvent(ctx, domain.NewTransferEvent(t)); err != nil {
		s.logger.Warn("failed to publish transfer event", "transaction_id", transactionID, "error", err)
	}
}

func (s *TransferService) validateCommand(cmd domain.TransferCommand) error {
	switch {
	case cmd.IdempotencyKey == "":
		return domain.NewValidationError("idempotencyKey", "is required")
	case len(cmd.IdempotencyKey) > maxIdempotencyKeyLen:
		return domain.NewValidationError("idempotencyKey", fmt.Sprintf("must be at most %d characters", maxIdempotencyKeyLen))
	case cmd.SenderAccountID == "":
		return domain.NewValidationError("senderAccountId", "is required")
	case cmd.RecipientAccountID == "" && cmd.RecipientIdentifier == "":
		return domain.NewValidationError("recipientAccountId", "recipientAccountId or recipientIdentifier is required")
	case !cmd.Amount.IsPositive():
		return domain.NewValidationError("amount", "must be greater than zero")
	case !amountInRange(cmd.Amount):
		return domain.NewValidationError("amount", fmt.Sprintf("must be less than %s", amountCeiling.String()))
	case !cmd.Amount.Equal(cmd.Amount.Truncate(maxAmountPlaces)):
		return domain.NewValidationError("amount", fmt.Sprintf("must have at most %d decimal places", maxAmountPlaces))
	case !s.currencies[cmd.Currency]:
		return domain.NewValidationError("currency", fmt.Sprintf("%q is not supported", cmd.Currency))
	case !cmd.Category.Valid():
		return domain.NewValidationError("category", fmt.Sprintf("%q is not a known category", cmd.Category))
	case len(cmd.Description) > maxDescriptionLength:
		return domain.NewValidationError("description", fmt.Sprintf("must be at most %d characters", maxDescriptionLength))
	case cmd.RecipientAccountID != "" && cmd.RecipientAccountID == cmd.SenderAccountID:
		return domain.NewValidationError("recipientAccountId", "cannot transfer to the same account")
	}
	return nil
}

// amountInRange bounds exponent and coefficient size before comparing, so a
// value like 1e50000000 is never expanded.
func amountInRange(a decimal.Decimal) bool {
	exp := a.Exponent()
	if exp > maxAmountDigits || exp < -maxAmountScale {
		return false
	}
	if a.Coefficient().BitLen() > maxCoefficientBits {
		return false
	}
	return a.LessThan(amountCeiling)
}

func (s *TransferService) buildIntent(ctx context.Context, cmd domain.TransferCommand) (domain.TransferIntent, error) {
	recipientID := cmd.RecipientAccountID
	if recipientID == "" {
		resolution, err := s.resolver.Resolve(ctx, cmd.RecipientIdentifier)
		if err != nil {
			return domain.TransferIntent{}, err
		}
		account, err := resolution.PreferredAccount(cmd.Currency)
		if err != nil {
			return domain.TransferIntent{}, err
		}
		recipientID = account.ID
	}
	if recipientID == cmd.SenderAccountID {
		return domain.TransferIntent{}, domain.NewValidationError("recipientAccountId", "cannot transfer to the same account")
	}

	sender, err := s.store.Accounts().GetAccount(ctx, cmd.SenderAccountID)
	if err != nil {
		return domain.TransferIntent{}, fmt.Errorf("sender: %w", err)
	}
	recipient, err := s.store.Accounts().GetAccount(ctx, recipientID)
	if err != nil {
		return domain.TransferIntent{}, fmt.Errorf("recipient: %w", err)
	}
	if err := checkParty(sender, cmd.Currency); err != nil {
		return domain.TransferIntent{}, fmt.Errorf("sender: %w", err)
	}
	if err := checkParty(recipient, cmd.Currency); err != nil {
		return domain.TransferIntent{}, fmt.Errorf("recipient: %w", err)
	}
	if sender.AvailableBalance.LessThan(cmd.Amount) {
		return domain.TransferIntent{}, fmt.Errorf("%w: available %s, requested %s",
			domain.ErrInsufficientFunds, sender.AvailableBalance.StringFixed(maxAmountPlaces), cmd.Amount.StringFixed(maxAmountPlaces))
	}

	return domain.TransferIntent{
		IdempotencyKey:     cmd.IdempotencyKey,
		SenderAccountID:    sender.ID,
		RecipientAccountID: recipient.ID,
		Amount:             cmd.Amount,
		Currency:           cmd.Currency,
		Category:           cmd.Category,
		Description:        cmd.Description,
		Metadata:           cmd.Metadata,
	}, nil
}

func checkParty(a *domain.Account, currency string) error {
	if a == nil {
		return domain.ErrAccountNotFound
	}
	if !a.IsActive() {
		return fmt.Errorf("%w: account %s is %s", domain.ErrAccountInactive, a.ID, a.Status)
	}
	if a.Currency != currency {
		return domain.NewValidationError("currency", fmt.Sprintf("account %s holds %s, not %s", a.ID, a.Currency, currency))
	}
	return nil
}

func normalizeCommand(cmd domain.TransferCommand) domain.TransferCommand {
	cmd.IdempotencyKey = strings.TrimSpace(cmd.IdempotencyKey)
	cmd.SenderAccountID = strings.TrimSpace(cmd.SenderAccountID)
	cmd.RecipientAccountID = strings.TrimSpace(cmd.RecipientAccountID)
	cmd.RecipientIdentifier = strings.TrimSpace(cmd.RecipientIdentifier)
	cmd.Currency = strings.ToUpper(strings.TrimSpace(cmd.Currency))
	cmd.Description = strings.TrimSpace(cmd.Description)
	if cmd.Category == "" {
		cmd.Category = domain.CategoryTransfer
	}
	return cmd
}

// RequestHash fingerprints the parameters that must match for a repeated
// idempotency key to count as the same request.
func RequestHash(cmd domain.TransferCommand) string {
	h := sha256.New()
	fields := []string{
		cmd.SenderAccountID,
		cmd.RecipientAccountID,
		cmd.RecipientIdentifier,
		cmd.Amount.String(),
		cmd.Currency,
		string(cmd.Category),
		cmd.Description,
	}
	keys := make([]string, 0, len(cmd.Metadata))
	for k := range cmd.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, k+"="+cmd.Metadata[k])
	}
	for _, f := range fields {
		h.Write([]byte(f))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func outcomeLabel(result *domain.TransferResult, err error) string {
	switch {
	case err == nil && result != nil && result.Replayed:
		return "replayed"
	case err == nil:
		return "completed"
	case errors.Is(err, domain.ErrValidation):
		return "rejected"
	case errors.Is(err, domain.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, domain.ErrIdempotencyMismatch), errors.Is(err, domain.ErrRequestInProgress), errors.Is(err, domain.ErrDuplicateRequest):
		return "idempotency_conflict"
	case errors.Is(err, domain.ErrStorageFailure):
		return "storage_failure"
	case domain.IsNotFound(err):
		return "not_found"
	}
	return "failed"
}
