package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransferEvent is published after a ledger row reaches a terminal status.
type TransferEvent struct {
	TransactionID      string            `json:"transaction_id"`
	Reference          string            `json:"reference"`
	Status             TransactionStatus `json:"status"`
	FailureReason      string            `json:"failure_reason,omitempty"`
	SenderAccountID    string            `json:"sender_account_id"`
	RecipientAccountID string            `json:"recipient_account_id"`
	Amount             decimal.Decimal   `json:"amount"`
	Currency           string            `json:"currency"`
	Timestamp          time.Time         `json:"timestamp"`
}

func NewTransferEvent(t *Transaction) TransferEvent {
	return TransferEvent{
		TransactionID:      t.ID,
		Reference:          t.Reference,
		Status:             t.Status,
		FailureReason:      t.FailureReason,
		SenderAccountID:    t.SenderAccountID,
		RecipientAccountID: t.RecipientAccountID,
		Amount:             t.Amount,
		Currency:           t.Currency,
		Timestamp:          t.UpdatedAt,
	}
}
