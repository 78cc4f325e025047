/**
 * @description
 * Transfer ledger models: the transaction row, its closed status set, and the
 * result types returned by the transfer and reconciliation paths.
 *
 * @notes
 * - Status is a closed enum. Raw strings reported by the settlement authority
 *   are kept separately in SettlementStatus and never widen this set.
 * - Reverted is set at most once and guards against double compensation.
 */

package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TransferStatus is the local lifecycle state of a transaction.
type TransferStatus string

const (
	TransferStatusPending   TransferStatus = "pending"
	TransferStatusSucceeded TransferStatus = "succeeded"
	TransferStatusFailed    TransferStatus = "failed"
)

// Valid reports whether s is one of the three known states.
func (s TransferStatus) Valid() bool {
	switch s {
	case TransferStatusPending, TransferStatusSucceeded, TransferStatusFailed:
		return true
	}
	return false
}

// Transaction maps to the `transactions` table: one row per transfer attempt.
type Transaction struct {
	ID               uuid.UUID       `json:"id"`
	ExternalID       *string         `json:"external_id,omitempty"`
	FromIdentity     string          `json:"from_identity"`
	ToIdentity       string          `json:"to_identity"`
	Amount           int64           `json:"amount"`
	Status           TransferStatus  `json:"status"`
	Reverted         bool            `json:"reverted"`
	SettlementStatus *string         `json:"settlement_status,omitempty"` // raw, verbatim
	FailureReason    *string         `json:"failure_reason,omitempty"`
	Metadata         json.RawMessage `json:"metadata,omitempty"` // last-seen settlement response
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// RevertFailed reports the one non-self-healing state: settlement failed and
// the compensating write did not land.
func (t *Transaction) RevertFailed() bool {
	return t.Status == TransferStatusFailed && !t.Reverted
}

// TransferResult is what the transfer engine returns and what the idempotency
// ledger replays.
type TransferResult struct {
	TransactionID uuid.UUID      `json:"transaction_id"`
	Status        TransferStatus `json:"status"`
	FailureReason string         `json:"failure_reason,omitempty"`
	Replayed      bool           `json:"replayed"`
}

// IdempotencyRecord maps a caller token to the transaction it produced.
type IdempotencyRecord struct {
	Token         string          `json:"token"`
	TransactionID uuid.UUID       `json:"transaction_id"`
	Fingerprint   string          `json:"fingerprint"`
	ResultStatus  *TransferStatus `json:"result_status,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

// ReconcileAction describes what an external update did to a transaction.
type ReconcileAction string

const (
	ReconcileActionNone      ReconcileAction = "none"
	ReconcileActionReverted  ReconcileAction = "reverted"
	ReconcileActionConfirmed ReconcileAction = "confirmed"
	ReconcileActionUpdated   ReconcileAction = "updated"
)

// ReconcileResult is returned by ApplyExternalUpdate.
type ReconcileResult struct {
	Applied       bool            `json:"applied"`
	Action        ReconcileAction `json:"action"`
	TransactionID uuid.UUID       `json:"transaction_id"`
	Status        TransferStatus  `json:"status"`
}
