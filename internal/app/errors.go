package app

import "errors"

// Rejections raised before any balance mutation. Callers may retry after
// fixing the input.
var (
	ErrInvalidAmount        = errors.New("amount must be positive")
	ErrInvalidTransfer      = errors.New("sender and recipient must differ")
	ErrAccountNotFound      = errors.New("account not found")
	ErrCommunityMismatch    = errors.New("accounts belong to different communities")
	ErrAccountNotLinked     = errors.New("account is not linked to the settlement network")
	ErrAccountDeactivated   = errors.New("account is deactivated")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrIdempotencyKeyReused = errors.New("idempotency key reused with different transfer parameters")
	ErrRateLimited          = errors.New("too many transfer requests")
)

// Account registration and administration.
var (
	ErrInvalidIdentity  = errors.New("identity is required")
	ErrInvalidCommunity = errors.New("unknown community")
	ErrCommunityLocked  = errors.New("community can only be changed by an administrator")
	// ErrUnsettledTransfers blocks deactivation while the account takes part
	// in a pending or RevertFailed transaction.
	ErrUnsettledTransfers = errors.New("account has unsettled transfers")
	ErrInvalidLimit       = errors.New("limit must be between 1 and 500")
)

var (
	ErrTransactionNotFound = errors.New("transaction not found")
	// ErrRevertFailed marks the one failure that leaves the books unbalanced.
	ErrRevertFailed = errors.New("compensating revert failed")
	// ErrRevertNotNeeded is returned when a retry targets a row that is not in
	// the RevertFailed state.
	ErrRevertNotNeeded = errors.New("transaction does not need a revert")
	// ErrInvalidExternalUpdate rejects a settlement notification without an
	// external id or status.
	ErrInvalidExternalUpdate = errors.New("external update requires an external id and a status")
)
