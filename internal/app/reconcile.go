package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/GFFB0314/Bafoka-teamZ/internal/domain"
	"github.com/GFFB0314/Bafoka-teamZ/internal/metrics"
	"github.com/GFFB0314/Bafoka-teamZ/internal/store"
	"github.com/GFFB0314/Bafoka-teamZ/pkg/settlement"
)

// Inbound channels that deliver external updates.
const (
	SourceWebhook = "webhook"
	SourceQueue   = "queue"
	SourcePoll    = "poll"
	SourceAdmin   = "admin"
)

// ExternalUpdate is a status report from the settlement authority for a
// transfer it previously accepted.
type ExternalUpdate struct {
	ExternalID string
	Status     string
	Metadata   json.RawMessage
	Source     string
}

// ApplyExternalUpdate reconciles a transaction with a status reported by the
// settlement authority. It is keyed by external id only, and safe to call any
// number of times, in any order, concurrently with new transfers.
//
// A failure report on a transaction whose revert cannot be written returns
// the marked row's result together with ErrRevertFailed.
func (s *Service) ApplyExternalUpdate(ctx context.Context, update ExternalUpdate) (*domain.ReconcileResult, error) {
	externalID := strings.TrimSpace(update.ExternalID)
	if externalID == "" || strings.TrimSpace(update.Status) == "" {
		return nil, ErrInvalidExternalUpdate
	}
	source := update.Source
	if source == "" {
		source = SourceAdmin
	}
	reported := settlement.ParseStatus(update.Status)

	found, err := s.repo.FindTransactionByExternalID(ctx, externalID)
	if err != nil {
		if errors.Is(err, store.ErrTransactionNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("lookup transaction: %w", err)
	}

	var (
		result  *domain.ReconcileResult
		updated *domain.Transaction
		locked  *domain.Transaction
	)
	err = s.repo.RunInTx(ctx, func(tx store.LedgerTx) error {
		current, err := tx.LockTransaction(ctx, found.ID)
		if err != nil {
			return err
		}
		locked = current
		result, updated, err = s.reconcileLocked(ctx, tx, current, reported, update.Metadata)
		return err
	})

	if errors.Is(err, ErrRevertFailed) {
		raw := reported.Raw
		reason := "settlement reported " + raw
		marked := s.recordRevertFailure(ctx, locked, store.UpdateTransactionParams{
			SettlementStatus: &raw,
			FailureReason:    &reason,
			Metadata:         update.Metadata,
		}, err)
		metrics.ReconciliationsTotal.WithLabelValues("revert_failed", source).Inc()
		return &domain.ReconcileResult{
			Applied:       false,
			Action:        domain.ReconcileActionUpdated,
			TransactionID: marked.ID,
			Status:        marked.Status,
		}, err
	}
	if err != nil {
		return nil, fmt.Errorf("apply external update: %w", err)
	}

	metrics.ReconciliationsTotal.WithLabelValues(string(result.Action), source).Inc()
	log.Printf("level=info component=reconcile msg=\"external update applied\" tx_id=%s external_id=%s reported=%q class=%s action=%s source=%s", result.TransactionID, externalID, reported.Raw, reported.Class, result.Action, source)

	switch result.Action {
	case domain.ReconcileActionReverted:
		s.publishOutcome(ctx, RoutingKeyTransferReverted, updated, reported.Raw)
	case domain.ReconcileActionConfirmed:
		s.publishOutcome(ctx, RoutingKeyTransferSucceeded, updated, "")
	}
	return result, nil
}

// reconcileLocked decides and applies the effect of a reported status on a
// locked transaction row.
func (s *Service) reconcileLocked(ctx context.Context, tx store.LedgerTx, current *domain.Transaction, reported settlement.Status, metadata json.RawMessage) (*domain.ReconcileResult, *domain.Transaction, error) {
	result := &domain.ReconcileResult{Applied: true, Action: domain.ReconcileActionNone, TransactionID: current.ID, Status: current.Status}
	raw := reported.Raw

	if reported.Class == settlement.ClassUnknown {
		if current.SettlementStatus != nil && *current.SettlementStatus == raw {
			return result, current, nil
		}
		updated, err := tx.UpdateTransaction(ctx, current.ID, store.UpdateTransactionParams{SettlementStatus: &raw, Metadata: metadata})
		if err != nil {
			return nil, nil, err
		}
		result.Action = domain.ReconcileActionUpdated
		return result, updated, nil
	}

	if classStatus(reported.Class) == current.Status {
		return result, current, nil
	}

	switch reported.Class {
	case settlement.ClassFailed:
		reason := "settlement reported " + raw
		updated, err := s.revertLocked(ctx, tx, current, store.UpdateTransactionParams{
			SettlementStatus: &raw,
			FailureReason:    &reason,
			Metadata:         metadata,
		})
		if err != nil {
			return nil, nil, err
		}
		result.Action = domain.ReconcileActionReverted
		result.Status = updated.Status
		return result, updated, nil

	case settlement.ClassSucceeded:
		if current.Reverted {
			// The authority settled a transfer that was already compensated
			// locally. Balances are left as they are and the raw status kept.
			metrics.SettlementDivergenceTotal.Inc()
			log.Printf("level=fatal component=reconcile alert=settlement_divergence msg=\"success reported for a reverted transfer\" tx_id=%s from=%s to=%s amount=%d reported=%q", current.ID, current.FromIdentity, current.ToIdentity, current.Amount, raw)
			updated, err := tx.UpdateTransaction(ctx, current.ID, store.UpdateTransactionParams{SettlementStatus: &raw, Metadata: metadata})
			if err != nil {
				return nil, nil, err
			}
			result.Action = domain.ReconcileActionUpdated
			return result, updated, nil
		}
		// Also resolves a failed row whose revert never landed: its balances
		// still carry the transfer, which is now the settled outcome.
		status := domain.TransferStatusSucceeded
		updated, err := tx.UpdateTransaction(ctx, current.ID, store.UpdateTransactionParams{
			Status:           &status,
			SettlementStatus: &raw,
			Metadata:         metadata,
		})
		if err != nil {
			return nil, nil, err
		}
		result.Action = domain.ReconcileActionConfirmed
		result.Status = updated.Status
		return result, updated, nil

	default:
		// A pending report for a row that already reached a final state.
		updated, err := tx.UpdateTransaction(ctx, current.ID, store.UpdateTransactionParams{SettlementStatus: &raw, Metadata: metadata})
		if err != nil {
			return nil, nil, err
		}
		result.Action = domain.ReconcileActionUpdated
		return result, updated, nil
	}
}

// RetryRevert re-attempts the compensating revert of a RevertFailed
// transaction. Balances are checked under lock before the delta is applied,
// so a retry never compensates twice.
func (s *Service) RetryRevert(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	var updated *domain.Transaction
	err := s.repo.RunInTx(ctx, func(tx store.LedgerTx) error {
		current, err := tx.LockTransaction(ctx, id)
		if err != nil {
			return err
		}
		if !current.RevertFailed() {
			return ErrRevertNotNeeded
		}
		updated, err = s.revertLocked(ctx, tx, current, store.UpdateTransactionParams{})
		return err
	})
	switch {
	case errors.Is(err, store.ErrTransactionNotFound):
		return nil, ErrTransactionNotFound
	case errors.Is(err, ErrRevertNotNeeded):
		return nil, err
	case errors.Is(err, ErrRevertFailed):
		log.Printf("level=error component=reconcile msg=\"manual revert retry failed\" tx_id=%s err=%v", id, err)
		return nil, err
	case err != nil:
		return nil, fmt.Errorf("retry revert: %w", err)
	}

	metrics.ReconciliationsTotal.WithLabelValues(string(domain.ReconcileActionReverted), SourceAdmin).Inc()
	log.Printf("level=warn component=reconcile msg=\"revert recovered manually\" tx_id=%s from=%s to=%s amount=%d", updated.ID, updated.FromIdentity, updated.ToIdentity, updated.Amount)
	s.publishOutcome(ctx, RoutingKeyTransferReverted, updated, "manual revert")
	return updated, nil
}

func classStatus(class settlement.Class) domain.TransferStatus {
	switch class {
	case settlement.ClassSucceeded:
		return domain.TransferStatusSucceeded
	case settlement.ClassFailed:
		return domain.TransferStatusFailed
	case settlement.ClassPending:
		return domain.TransferStatusPending
	}
	return ""
}
