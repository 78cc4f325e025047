/**
 * @description
 * Background jobs of the ledger-service. The poll job is the fallback
 * reconciliation channel for transfers whose webhook or broker notification
 * never arrived. The audit jobs report transactions stuck in RevertFailed and
 * pending transactions that never received an external id.
 */
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/GFFB0314/Bafoka-teamZ/internal/app"
	"github.com/GFFB0314/Bafoka-teamZ/internal/config"
	"github.com/GFFB0314/Bafoka-teamZ/internal/domain"
	"github.com/GFFB0314/Bafoka-teamZ/internal/metrics"
	"github.com/GFFB0314/Bafoka-teamZ/pkg/settlement"
)

// Repository defines the reads the jobs need.
type Repository interface {
	ListPendingTransactions(ctx context.Context, olderThan time.Time, limit int) ([]domain.Transaction, error)
	ListUnreferencedPendingTransactions(ctx context.Context, olderThan time.Time, limit int) ([]domain.Transaction, error)
	ListRevertFailedTransactions(ctx context.Context, limit int) ([]domain.Transaction, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	repo    Repository
	applier app.ExternalUpdateApplier
	querier settlement.StatusQuerier
	logger  *slog.Logger
	config  config.Config
	now     func() time.Time
}

// NewJobs creates a new Jobs runner. querier may be nil when the configured
// backend cannot be polled; the poll job then does nothing.
func NewJobs(repo Repository, applier app.ExternalUpdateApplier, querier settlement.StatusQuerier, logger *slog.Logger, cfg config.Config) *Jobs {
	return &Jobs{
		repo:    repo,
		applier: applier,
		querier: querier,
		logger:  logger,
		config:  cfg,
		now:     time.Now,
	}
}

// PollPendingTransfers asks the settlement backend for the status of
// transfers that have been pending for too long.
func (j *Jobs) PollPendingTransfers() {
	if j.querier == nil {
		return
	}
	ctx := context.Background()

	cutoff := j.now().Add(-j.config.PendingAge())
	pending, err := j.repo.ListPendingTransactions(ctx, cutoff, j.config.ReconcileBatchSize)
	if err != nil {
		j.logger.Error("failed to list pending transfers", "error", err)
		return
	}
	if len(pending) == 0 {
		return
	}

	j.logger.Info("polling pending transfers", "count", len(pending))
	var applied, failed int
	for _, txn := range pending {
		callCtx, cancel := context.WithTimeout(ctx, j.config.SettlementTimeout())
		started := time.Now()
		receipt, err := j.querier.TransferStatus(callCtx, *txn.ExternalID)
		cancel()
		metrics.ObserveSettlementCall("transfer_status", started, err)
		if err != nil {
			j.logger.Warn("settlement status query failed", "tx_id", txn.ID, "external_id", *txn.ExternalID, "error", err)
			failed++
			continue
		}

		result, err := j.applier.ApplyExternalUpdate(ctx, app.ExternalUpdate{
			ExternalID: *txn.ExternalID,
			Status:     receipt.Status.Raw,
			Metadata:   receipt.Raw,
			Source:     app.SourcePoll,
		})
		if err != nil {
			if errors.Is(err, app.ErrRevertFailed) {
				j.logger.Error("revert failed during poll reconciliation", "tx_id", txn.ID, "error", err)
			} else {
				j.logger.Error("failed to apply polled status", "tx_id", txn.ID, "error", err)
			}
			failed++
			continue
		}
		if result.Action != domain.ReconcileActionNone {
			applied++
		}
	}

	j.logger.Info("pending transfer poll finished", "applied", applied, "failed", failed)
}

// AuditRevertFailures publishes the number of RevertFailed transactions and
// logs each one. Nothing is retried automatically.
func (j *Jobs) AuditRevertFailures() {
	ctx := context.Background()

	stuck, err := j.repo.ListRevertFailedTransactions(ctx, 500)
	if err != nil {
		j.logger.Error("failed to list revert-failed transactions", "error", err)
		return
	}

	metrics.RevertFailedTransactions.Set(float64(len(stuck)))
	for _, txn := range stuck {
		j.logger.Error("transaction awaiting manual revert",
			"tx_id", txn.ID,
			"from", txn.FromIdentity,
			"to", txn.ToIdentity,
			"amount", txn.Amount,
			"updated_at", txn.UpdatedAt,
		)
	}
}

// AuditUnreferencedPending reports pending transactions that have no external
// id. No channel can reconcile them: the poll job and webhooks both key on the
// external id. Each one is raised for an operator.
func (j *Jobs) AuditUnreferencedPending() {
	ctx := context.Background()

	cutoff := j.now().Add(-j.config.PendingAge())
	stuck, err := j.repo.ListUnreferencedPendingTransactions(ctx, cutoff, 500)
	if err != nil {
		j.logger.Error("failed to list unreferenced pending transactions", "error", err)
		return
	}

	metrics.UnreferencedPendingTransactions.Set(float64(len(stuck)))
	for _, txn := range stuck {
		j.logger.Error("pending transaction has no external id; needs manual settlement",
			"alert", "settlement_unreferenced",
			"tx_id", txn.ID,
			"from", txn.FromIdentity,
			"to", txn.ToIdentity,
			"amount", txn.Amount,
			"created_at", txn.CreatedAt,
		)
	}
}
