package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/evault/ledgerops/internal/domain"
	"github.com/evault/ledgerops/internal/store"
)

type ReconcilerConfig struct {
	PendingTimeout time.Duration
	BatchSize      int
	KeyRetention   time.Duration
}

type SweepResult struct {
	Failed  int
	Skipped int
	Purged  int64
}

// Reconciler resolves ledger rows left PENDING by a crashed or failed
// request. A PENDING row at rest never has a committed balance change, so
// failing it is always safe.
type Reconciler struct {
	store     store.Store
	cfg       ReconcilerConfig
	publisher EventPublisher
	logger    *slog.Logger
	now       func() time.Time
}

func NewReconciler(s store.Store, cfg ReconcilerConfig, publisher EventPublisher, logger *slog.Logger) *Reconciler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if publisher == nil {
		publisher = noopPublisher{}
	}
	return &Reconciler{store: s, cfg: cfg, publisher: publisher, logger: logger, now: time.Now}
}

func (r *Reconciler) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := r.now()

	stale, err := r.store.Ledger().ListStalePending(ctx, now.Add(-r.cfg.PendingTimeout), r.cfg.BatchSize)
	if err != nil {
		return res, err
	}

	for _, t := range stale {
		var failed *domain.Transaction
		err := r.store.ExecTx(ctx, func(tx store.Store) error {
			f, err := tx.Ledger().Finalize(ctx, t.ID, domain.StatusFailed, domain.ReasonReconciliationTimeout)
			if err != nil {
				return err
			}
			failed = f
			return settleKey(ctx, tx, t.IdempotencyKey, domain.StatusFailed, domain.ReasonReconciliationTimeout)
		})
		if errors.Is(err, domain.ErrInvalidTransition) {
			// The engine finished it between our read and our write.
			res.Skipped++
			continue
		}
		if err != nil {
			r.logger.Error("failed to reconcile transaction", "transaction_id", t.ID, "error", err)
			return res, err
		}
		res.Failed++
		reconciledTotal.Inc()
		r.logger.Warn("stale pending transaction failed",
			"transaction_id", t.ID,
			"reference", t.Reference,
			"age", now.Sub(t.CreatedAt).String(),
		)
		if err := r.publisher.PublishTransferEvent(ctx, domain.NewTransferEvent(failed)); err != nil {
			r.logger.Warn("failed to publish transfer event", "transaction_id", t.ID, "error", err)
		}
	}

	if r.cfg.KeyRetention > 0 {
		purged, err := r.store.Idempotency().PurgeBefore(ctx, now.Add(-r.cfg.KeyRetention))
		if err != nil {
			return res, err
		}
		res.Purged = purged
		purgedKeysTotal.Add(float64(purged))
	}

	r.logger.Info("reconciliation sweep finished", "failed", res.Failed, "skipped", res.Skipped, "purged_keys", res.Purged)
	return res, nil
}
