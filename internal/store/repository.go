/**
 * @description
 * Persistence contract for the ledger-service. Reads go through Repository
 * directly. Every balance mutation goes through RunInTx, whose LedgerTx
 * exposes the row-locking primitives the transfer and reconciliation paths
 * are built from.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/GFFB0314/Bafoka-teamZ/internal/domain"
)

var (
	ErrAccountNotFound      = errors.New("account not found")
	ErrAccountExists        = errors.New("account already exists")
	ErrTransactionNotFound  = errors.New("transaction not found")
	ErrIdempotencyKeyExists = errors.New("idempotency key already reserved")
	ErrIdempotencyNotFound  = errors.New("idempotency key not found")
	ErrExternalIDConflict   = errors.New("external id already assigned")
	ErrGrantExists          = errors.New("balance grant already recorded")
)

// Repository defines the data access operations outside of a ledger transaction.
type Repository interface {
	// RunInTx executes fn inside one database transaction. The transaction
	// commits if fn returns nil and rolls back otherwise.
	RunInTx(ctx context.Context, fn func(tx LedgerTx) error) error

	// Accounts
	FindAccountByIdentity(ctx context.Context, identity string) (*domain.Account, error)
	CreateAccount(ctx context.Context, account *domain.Account) (*domain.Account, error)
	UpdateAccountProfile(ctx context.Context, identity, displayName string, community domain.Community) error
	HasTransactions(ctx context.Context, identity string) (bool, error)

	// Transactions
	FindTransactionByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
	FindTransactionByExternalID(ctx context.Context, externalID string) (*domain.Transaction, error)
	ListPendingTransactions(ctx context.Context, olderThan time.Time, limit int) ([]domain.Transaction, error)
	// ListUnreferencedPendingTransactions returns pending rows that never got
	// an external id. Nothing can reconcile them without an operator.
	ListUnreferencedPendingTransactions(ctx context.Context, olderThan time.Time, limit int) ([]domain.Transaction, error)
	ListRevertFailedTransactions(ctx context.Context, limit int) ([]domain.Transaction, error)

	// Idempotency
	FindIdempotencyRecord(ctx context.Context, token string) (*domain.IdempotencyRecord, error)
	CompleteIdempotencyRecord(ctx context.Context, token string, status domain.TransferStatus) error
}

// LedgerTx is the set of operations available inside RunInTx.
type LedgerTx interface {
	// LockAccounts locks the given accounts FOR UPDATE in ascending identity
	// order and returns them keyed by identity. A missing account yields
	// ErrAccountNotFound.
	LockAccounts(ctx context.Context, identities ...string) (map[string]*domain.Account, error)
	// AdjustBalance adds delta to a locked account's balance and returns the new row.
	AdjustBalance(ctx context.Context, identity string, delta int64) (*domain.Account, error)
	// SetSettlementHandle records the identifier the settlement authority returned.
	SetSettlementHandle(ctx context.Context, identity, handle string) error
	// CountUnsettledTransactions counts the pending and RevertFailed rows the
	// identity takes part in.
	CountUnsettledTransactions(ctx context.Context, identity string) (int, error)
	// DeactivateAccount stamps deactivated_at on a locked account. An account
	// already deactivated keeps its original timestamp.
	DeactivateAccount(ctx context.Context, identity string) (*domain.Account, error)

	InsertTransaction(ctx context.Context, tx *domain.Transaction) error
	// LockTransaction loads a transaction row FOR UPDATE.
	LockTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
	UpdateTransaction(ctx context.Context, id uuid.UUID, params UpdateTransactionParams) (*domain.Transaction, error)

	// ReserveIdempotencyKey inserts the token. A token already present yields
	// ErrIdempotencyKeyExists.
	ReserveIdempotencyKey(ctx context.Context, record domain.IdempotencyRecord) error

	// InsertBalanceGrant records value created outside the transfer path. A
	// second grant with the same identity and reason yields ErrGrantExists.
	InsertBalanceGrant(ctx context.Context, grant *domain.BalanceGrant) error
}

// UpdateTransactionParams holds the optional fields of a transaction update.
// Nil fields keep their stored value.
type UpdateTransactionParams struct {
	Status           *domain.TransferStatus
	Reverted         *bool
	ExternalID       *string
	SettlementStatus *string
	FailureReason    *string
	Metadata         json.RawMessage
}
