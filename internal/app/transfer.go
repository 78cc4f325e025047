package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/GFFB0314/Bafoka-teamZ/internal/domain"
	"github.com/GFFB0314/Bafoka-teamZ/internal/metrics"
	"github.com/GFFB0314/Bafoka-teamZ/internal/store"
	"github.com/GFFB0314/Bafoka-teamZ/pkg/settlement"
)

// settlementWriteAttempts bounds the writes of a settlement answer onto its row.
const settlementWriteAttempts = 3

// Routing keys of the outcome events published on the events exchange.
const (
	RoutingKeyTransferSucceeded    = "transfer.succeeded"
	RoutingKeyTransferFailed       = "transfer.failed"
	RoutingKeyTransferPending      = "transfer.pending"
	RoutingKeyTransferReverted     = "transfer.reverted"
	RoutingKeyTransferRevertFailed = "transfer.revert_failed"
)

// TransferCommand is the input of a single transfer. An empty
// IdempotencyToken disables replay protection.
type TransferCommand struct {
	FromIdentity     string
	ToIdentity       string
	Amount           int64
	IdempotencyToken string
}

// Transfer moves amount between two accounts of the same community.
//
// The local debit and credit commit first, together with the transaction row
// and the idempotency token. The settlement call runs after that commit
// without holding any row lock. A failed settlement is compensated by a
// revert; a pending one is left for reconciliation.
func (s *Service) Transfer(ctx context.Context, cmd TransferCommand) (*domain.TransferResult, error) {
	from := strings.TrimSpace(cmd.FromIdentity)
	to := strings.TrimSpace(cmd.ToIdentity)
	token := strings.TrimSpace(cmd.IdempotencyToken)

	if cmd.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if from == "" || to == "" {
		return nil, ErrInvalidIdentity
	}
	if from == to {
		return nil, ErrInvalidTransfer
	}

	fingerprint := transferFingerprint(from, to, cmd.Amount)
	if token != "" {
		result, err := s.replay(ctx, token, fingerprint)
		if err != nil || result != nil {
			return result, err
		}
	}

	if err := s.enforceTransferRateLimit(ctx, from); err != nil {
		return nil, err
	}

	var txn *domain.Transaction
	err := s.repo.RunInTx(ctx, func(tx store.LedgerTx) error {
		accounts, err := tx.LockAccounts(ctx, from, to)
		if err != nil {
			if errors.Is(err, store.ErrAccountNotFound) {
				return ErrAccountNotFound
			}
			return err
		}
		sender, recipient := accounts[from], accounts[to]
		if err := validatePair(sender, recipient); err != nil {
			return err
		}
		if sender.LocalBalance < cmd.Amount {
			return ErrInsufficientFunds
		}

		txn = &domain.Transaction{
			ID:           uuid.New(),
			FromIdentity: from,
			ToIdentity:   to,
			Amount:       cmd.Amount,
			Status:       domain.TransferStatusPending,
		}
		if err := tx.InsertTransaction(ctx, txn); err != nil {
			return fmt.Errorf("insert transaction: %w", err)
		}
		if token != "" {
			if err := tx.ReserveIdempotencyKey(ctx, domain.IdempotencyRecord{
				Token:         token,
				TransactionID: txn.ID,
				Fingerprint:   fingerprint,
			}); err != nil {
				return err
			}
		}
		if _, err := tx.AdjustBalance(ctx, from, -cmd.Amount); err != nil {
			return fmt.Errorf("debit sender: %w", err)
		}
		if _, err := tx.AdjustBalance(ctx, to, cmd.Amount); err != nil {
			return fmt.Errorf("credit recipient: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrIdempotencyKeyExists) {
			// A concurrent request with the same token committed first.
			result, replayErr := s.replay(ctx, token, fingerprint)
			if replayErr != nil {
				return nil, replayErr
			}
			if result != nil {
				return result, nil
			}
		}
		if isRejection(err) {
			metrics.TransfersTotal.WithLabelValues("rejected").Inc()
			return nil, err
		}
		return nil, fmt.Errorf("apply transfer: %w", err)
	}

	log.Printf("level=info component=transfer msg=\"local transfer applied\" tx_id=%s from=%s to=%s amount=%d", txn.ID, from, to, cmd.Amount)

	// The local mutation is committed: from here on the transfer can only be
	// confirmed or reverted, never abandoned because the caller went away.
	ctx = context.WithoutCancel(ctx)
	result := s.settle(ctx, txn)

	if token != "" {
		if err := s.repo.CompleteIdempotencyRecord(ctx, token, result.Status); err != nil {
			log.Printf("level=warn component=idempotency msg=\"recording transfer result failed\" tx_id=%s err=%v", txn.ID, err)
		}
	}
	metrics.TransfersTotal.WithLabelValues(string(result.Status)).Inc()
	return result, nil
}

// replay returns the stored result for token, or nil when the token is unused.
func (s *Service) replay(ctx context.Context, token, fingerprint string) (*domain.TransferResult, error) {
	record, err := s.repo.FindIdempotencyRecord(ctx, token)
	if errors.Is(err, store.ErrIdempotencyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup idempotency key: %w", err)
	}
	if record.Fingerprint != fingerprint {
		return nil, ErrIdempotencyKeyReused
	}

	result := &domain.TransferResult{TransactionID: record.TransactionID, Replayed: true}
	if record.ResultStatus != nil {
		result.Status = *record.ResultStatus
	}

	// The token was reserved but the first call has not finished or crashed
	// before recording its result; report the row as it stands.
	txn, err := s.repo.FindTransactionByID(ctx, record.TransactionID)
	if err != nil {
		if result.Status != "" {
			return result, nil
		}
		return nil, fmt.Errorf("lookup replayed transaction: %w", err)
	}
	if result.Status == "" {
		result.Status = txn.Status
	}
	if result.Status == domain.TransferStatusFailed && txn.FailureReason != nil {
		result.FailureReason = *txn.FailureReason
	}
	return result, nil
}

func (s *Service) enforceTransferRateLimit(ctx context.Context, from string) error {
	if s.rateLimiter == nil || s.opts.TransferRateLimitPerMinute <= 0 {
		return nil
	}
	count, retryAfter, err := s.rateLimiter.ConsumeRateLimit(ctx, transferRateLimitScope, from, s.opts.TransferRateLimitPerMinute, time.Minute)
	if err != nil {
		// Fail open: the limiter protects the settlement API, not the books.
		log.Printf("level=warn component=transfer msg=\"rate limiter unavailable\" identity=%s err=%v", from, err)
		return nil
	}
	if count > s.opts.TransferRateLimitPerMinute {
		return &RateLimitError{RetryAfterSeconds: retryAfter}
	}
	return nil
}

func validatePair(sender, recipient *domain.Account) error {
	if sender == nil || recipient == nil {
		return ErrAccountNotFound
	}
	if !sender.Active() || !recipient.Active() {
		return ErrAccountDeactivated
	}
	if sender.Community != recipient.Community {
		return ErrCommunityMismatch
	}
	if !sender.Linked() || !recipient.Linked() {
		return ErrAccountNotLinked
	}
	return nil
}

func isRejection(err error) bool {
	for _, target := range []error{
		ErrAccountNotFound, ErrAccountDeactivated, ErrCommunityMismatch,
		ErrAccountNotLinked, ErrInsufficientFunds, ErrIdempotencyKeyReused,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// settle calls the settlement backend for an already applied transfer and
// moves the transaction to its post-call state.
func (s *Service) settle(ctx context.Context, txn *domain.Transaction) *domain.TransferResult {
	callCtx, cancel := context.WithTimeout(ctx, s.opts.SettlementTimeout)
	started := time.Now()
	receipt, err := s.settlement.ExecuteTransfer(callCtx, settlement.TransferRequest{
		FromIdentity: txn.FromIdentity,
		ToIdentity:   txn.ToIdentity,
		Amount:       txn.Amount,
		Reference:    txn.ID.String(),
	})
	cancel()
	metrics.ObserveSettlementCall("execute_transfer", started, err)

	if err != nil {
		log.Printf("level=warn component=transfer msg=\"settlement call failed; reverting\" tx_id=%s unavailable=%t err=%v", txn.ID, errors.Is(err, settlement.ErrUnavailable), err)
		return s.failTransfer(ctx, txn, err.Error(), nil, "", nil)
	}

	if receipt.ExternalID == "" && receipt.Status.Class != settlement.ClassFailed {
		// The network accepted the transfer but gave no reference to reconcile
		// against. The local state stays as applied; an operator settles it.
		metrics.UnreferencedSettlementsTotal.Inc()
		log.Printf("level=error component=transfer alert=settlement_unreferenced msg=\"settlement accepted without a transaction id\" tx_id=%s settlement_status=%q", txn.ID, receipt.Status.Raw)
	}

	switch receipt.Status.Class {
	case settlement.ClassSucceeded:
		return s.confirm(ctx, txn, receipt)
	case settlement.ClassFailed:
		reason := "settlement reported " + receipt.Status.Raw
		return s.failTransfer(ctx, txn, reason, optionalString(receipt.ExternalID), receipt.Status.Raw, receipt.Raw)
	default:
		return s.awaitReconciliation(ctx, txn, receipt)
	}
}

func (s *Service) confirm(ctx context.Context, txn *domain.Transaction, receipt *settlement.TransferReceipt) *domain.TransferResult {
	status := domain.TransferStatusSucceeded
	raw := receipt.Status.Raw
	updated, err := s.recordSettlement(ctx, txn, receipt.ExternalID, store.UpdateTransactionParams{
		Status:           &status,
		ExternalID:       optionalString(receipt.ExternalID),
		SettlementStatus: &raw,
		Metadata:         receipt.Raw,
	})
	if err != nil {
		// The balances already reflect the transfer and the network moved
		// the value; only the row is stale.
		return &domain.TransferResult{TransactionID: txn.ID, Status: domain.TransferStatusPending}
	}
	log.Printf("level=info component=transfer msg=\"transfer confirmed\" tx_id=%s external_id=%s", txn.ID, receipt.ExternalID)
	s.publishOutcome(ctx, RoutingKeyTransferSucceeded, updated, "")
	return &domain.TransferResult{TransactionID: txn.ID, Status: domain.TransferStatusSucceeded}
}

func (s *Service) awaitReconciliation(ctx context.Context, txn *domain.Transaction, receipt *settlement.TransferReceipt) *domain.TransferResult {
	raw := receipt.Status.Raw
	updated, err := s.recordSettlement(ctx, txn, receipt.ExternalID, store.UpdateTransactionParams{
		ExternalID:       optionalString(receipt.ExternalID),
		SettlementStatus: &raw,
		Metadata:         receipt.Raw,
	})
	if err != nil {
		updated = txn
	}
	log.Printf("level=info component=transfer msg=\"transfer awaiting reconciliation\" tx_id=%s external_id=%s settlement_status=%q", txn.ID, receipt.ExternalID, raw)
	s.publishOutcome(ctx, RoutingKeyTransferPending, updated, "")
	return &domain.TransferResult{TransactionID: txn.ID, Status: domain.TransferStatusPending}
}

// recordSettlement writes the settlement answer onto the transaction row,
// retrying a bounded number of times. When every attempt fails the row stays
// pending without an external id; the unreferenced-pending audit reports it.
func (s *Service) recordSettlement(ctx context.Context, txn *domain.Transaction, externalID string, params store.UpdateTransactionParams) (*domain.Transaction, error) {
	var lastErr error
	for attempt := 1; attempt <= settlementWriteAttempts; attempt++ {
		updated, err := s.updateTransaction(ctx, txn.ID, params)
		if err == nil {
			return updated, nil
		}
		lastErr = err
		log.Printf("level=warn component=transfer msg=\"recording settlement result failed\" tx_id=%s external_id=%s attempt=%d err=%v", txn.ID, externalID, attempt, err)
		if attempt < settlementWriteAttempts {
			time.Sleep(time.Duration(attempt) * s.opts.SettlementWriteBackoff)
		}
	}

	metrics.UnrecordedSettlementsTotal.Inc()
	log.Printf("level=fatal component=transfer alert=settlement_unrecorded msg=\"settlement result could not be stored; row left pending\" tx_id=%s external_id=%s from=%s to=%s amount=%d err=%v", txn.ID, externalID, txn.FromIdentity, txn.ToIdentity, txn.Amount, lastErr)
	return nil, lastErr
}

// failTransfer compensates a failed settlement. The revert and the status
// change commit together; if that write fails the row is marked failed with
// reverted=false and an alert is raised.
func (s *Service) failTransfer(ctx context.Context, txn *domain.Transaction, reason string, externalID *string, rawStatus string, metadata []byte) *domain.TransferResult {
	params := store.UpdateTransactionParams{
		ExternalID:    externalID,
		FailureReason: &reason,
		Metadata:      metadata,
	}
	if rawStatus != "" {
		params.SettlementStatus = &rawStatus
	}

	var reverted *domain.Transaction
	err := s.repo.RunInTx(ctx, func(tx store.LedgerTx) error {
		current, err := tx.LockTransaction(ctx, txn.ID)
		if err != nil {
			return err
		}
		reverted, err = s.revertLocked(ctx, tx, current, params)
		return err
	})
	if err != nil {
		failed := s.recordRevertFailure(ctx, txn, params, err)
		return &domain.TransferResult{TransactionID: txn.ID, Status: domain.TransferStatusFailed, FailureReason: derefString(failed.FailureReason)}
	}

	log.Printf("level=info component=transfer msg=\"transfer reverted\" tx_id=%s reason=%q", txn.ID, reason)
	s.publishOutcome(ctx, RoutingKeyTransferFailed, reverted, reason)
	return &domain.TransferResult{TransactionID: txn.ID, Status: domain.TransferStatusFailed, FailureReason: reason}
}

// revertLocked undoes the optimistic delta of a locked transaction row and
// marks it failed and reverted. The caller holds the transaction row lock;
// the accounts are locked here in the usual order. A row already reverted is
// returned unchanged.
func (s *Service) revertLocked(ctx context.Context, tx store.LedgerTx, txn *domain.Transaction, params store.UpdateTransactionParams) (*domain.Transaction, error) {
	if txn.Reverted {
		return txn, nil
	}

	accounts, err := tx.LockAccounts(ctx, txn.FromIdentity, txn.ToIdentity)
	if err != nil {
		return nil, fmt.Errorf("%w: lock accounts: %v", ErrRevertFailed, err)
	}
	// The recipient may have spent the credit already. Taking it back would
	// drive the balance negative, so the row is left for manual recovery.
	if recipient := accounts[txn.ToIdentity]; recipient.LocalBalance < txn.Amount {
		return nil, fmt.Errorf("%w: recipient %s holds %d, needs %d", ErrRevertFailed, txn.ToIdentity, recipient.LocalBalance, txn.Amount)
	}
	if _, err := tx.AdjustBalance(ctx, txn.ToIdentity, -txn.Amount); err != nil {
		return nil, fmt.Errorf("%w: debit recipient: %v", ErrRevertFailed, err)
	}
	if _, err := tx.AdjustBalance(ctx, txn.FromIdentity, txn.Amount); err != nil {
		return nil, fmt.Errorf("%w: credit sender: %v", ErrRevertFailed, err)
	}

	status := domain.TransferStatusFailed
	revertedFlag := true
	params.Status = &status
	params.Reverted = &revertedFlag
	updated, err := tx.UpdateTransaction(ctx, txn.ID, params)
	if err != nil {
		return nil, fmt.Errorf("%w: update transaction: %v", ErrRevertFailed, err)
	}
	return updated, nil
}

// recordRevertFailure marks txn failed without reverting it. This is the one
// state that leaves the books unbalanced.
func (s *Service) recordRevertFailure(ctx context.Context, txn *domain.Transaction, params store.UpdateTransactionParams, cause error) *domain.Transaction {
	status := domain.TransferStatusFailed
	notReverted := false
	reason := "revert failed: " + cause.Error()
	if params.FailureReason != nil {
		reason = *params.FailureReason + "; " + reason
	}
	params.Status = &status
	params.Reverted = &notReverted
	params.FailureReason = &reason

	metrics.RevertFailuresTotal.Inc()
	log.Printf("level=fatal component=transfer alert=revert_failed msg=\"compensating revert failed; books unbalanced until manual recovery\" tx_id=%s from=%s to=%s amount=%d err=%v", txn.ID, txn.FromIdentity, txn.ToIdentity, txn.Amount, cause)

	marked := *txn
	updated, err := s.updateTransaction(ctx, txn.ID, params)
	if err != nil {
		log.Printf("level=fatal component=transfer alert=revert_failed msg=\"marking transaction failed also failed\" tx_id=%s err=%v", txn.ID, err)
		marked.Status = status
		marked.FailureReason = &reason
		updated = &marked
	}
	s.publishOutcome(ctx, RoutingKeyTransferRevertFailed, updated, reason)
	return updated
}

// updateTransaction applies params to a single row under its lock.
func (s *Service) updateTransaction(ctx context.Context, id uuid.UUID, params store.UpdateTransactionParams) (*domain.Transaction, error) {
	var updated *domain.Transaction
	err := s.repo.RunInTx(ctx, func(tx store.LedgerTx) error {
		if _, err := tx.LockTransaction(ctx, id); err != nil {
			return err
		}
		var err error
		updated, err = tx.UpdateTransaction(ctx, id, params)
		return err
	})
	return updated, err
}

func optionalString(value string) *string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return &value
}

func derefString(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
