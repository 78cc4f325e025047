// Package settlement defines the contract between the ledger and the external
// settlement authority. Concrete backends live in sub-packages; exactly one of
// them is constructed at startup and handed to the ledger.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Client is implemented by every settlement backend.
type Client interface {
	CreateAccount(ctx context.Context, req CreateAccountRequest) (*Account, error)
	GetBalance(ctx context.Context, identity string) (*Balance, error)
	ExecuteTransfer(ctx context.Context, req TransferRequest) (*TransferReceipt, error)
}

// StatusQuerier is implemented by backends that can be polled for the status
// of a transfer they previously accepted.
type StatusQuerier interface {
	TransferStatus(ctx context.Context, externalID string) (*TransferReceipt, error)
}

type CreateAccountRequest struct {
	Identity    string
	DisplayName string
	Community   string
}

type Account struct {
	Handle string
}

type Balance struct {
	Balance       int64
	CurrencyLabel string
}

type TransferRequest struct {
	FromIdentity string
	ToIdentity   string
	Amount       int64
	// Reference is forwarded as the backend's idempotency key.
	Reference string
}

// TransferReceipt is the backend's answer to a transfer, already translated.
type TransferReceipt struct {
	ExternalID string
	Status     Status
	// Raw is the undecoded response body, kept as transaction metadata.
	Raw []byte
}

// Class groups the many status strings a backend may emit.
type Class int

const (
	ClassUnknown Class = iota
	ClassPending
	ClassSucceeded
	ClassFailed
)

func (c Class) String() string {
	switch c {
	case ClassPending:
		return "pending"
	case ClassSucceeded:
		return "succeeded"
	case ClassFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Status pairs the translated class with the raw string it came from.
type Status struct {
	Class Class
	Raw   string
}

var (
	successStatuses = map[string]struct{}{
		"success": {}, "successful": {}, "succeeded": {}, "confirmed": {}, "completed": {}, "complete": {},
	}
	failureStatuses = map[string]struct{}{
		"failed": {}, "failure": {}, "rejected": {}, "cancelled": {}, "canceled": {},
		"error": {}, "declined": {}, "reversed": {},
	}
	pendingStatuses = map[string]struct{}{
		"pending": {}, "initiated": {}, "processing": {}, "submitted": {}, "queued": {},
	}
)

// ParseStatus translates a raw backend status string. Unrecognized values are
// returned as ClassUnknown with Raw preserved.
func ParseStatus(raw string) Status {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	status := Status{Class: ClassUnknown, Raw: strings.TrimSpace(raw)}
	if _, ok := successStatuses[normalized]; ok {
		status.Class = ClassSucceeded
	} else if _, ok := failureStatuses[normalized]; ok {
		status.Class = ClassFailed
	} else if _, ok := pendingStatuses[normalized]; ok {
		status.Class = ClassPending
	}
	return status
}

// Kind is the failure taxonomy every backend maps its errors onto.
type Kind int

const (
	// KindUnavailable covers network errors, timeouts, throttling and 5xx.
	KindUnavailable Kind = iota + 1
	// KindRejected covers validation failures the backend answered explicitly.
	KindRejected
)

var (
	ErrUnavailable = errors.New("settlement unavailable")
	ErrRejected    = errors.New("settlement rejected")
)

// Error is returned by backends for every failed call.
type Error struct {
	Kind       Kind
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	label := "settlement unavailable"
	if e.Kind == KindRejected {
		label = "settlement rejected"
	}
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (status %d): %s", label, e.Op, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s: %s: %s", label, e.Op, msg)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch target {
	case ErrUnavailable:
		return e.Kind == KindUnavailable
	case ErrRejected:
		return e.Kind == KindRejected
	}
	return false
}

// Unavailable builds a KindUnavailable error.
func Unavailable(op string, statusCode int, err error) *Error {
	return &Error{Kind: KindUnavailable, Op: op, StatusCode: statusCode, Err: err}
}

// Rejected builds a KindRejected error.
func Rejected(op string, statusCode int, message string) *Error {
	return &Error{Kind: KindRejected, Op: op, StatusCode: statusCode, Message: message}
}
