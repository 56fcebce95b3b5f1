package service

import (
	"context"

	"github.com/evault/ledgerops/internal/domain"
)

// EventPublisher announces terminal ledger transitions to other services.
// Delivery is best-effort; a publish error never changes a transfer outcome.
type EventPublisher interface {
	PublishTransferEvent(ctx context.Context, event domain.TransferEvent) error
}

type noopPublisher struct{}

func (noopPublisher) PublishTransferEvent(context.Context, domain.TransferEvent) error { return nil }
