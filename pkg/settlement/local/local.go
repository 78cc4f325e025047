// Package local is an in-process settlement backend used for development and
// demos when the Bafoka sandbox is not reachable. It keeps wallets in memory
// and mirrors the sandbox's answers: opening airdrop, 404-style rejection for
// unknown wallets, and rejection on insufficient funds.
package local

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GFFB0314/Bafoka-teamZ/pkg/settlement"
)

// Mode selects how transfers are answered.
type Mode string

const (
	// ModeConfirm settles every accepted transfer synchronously.
	ModeConfirm Mode = "confirm"
	// ModePending accepts transfers as pending; they settle on the first
	// status poll after SettleAfter, or when Resolve is called.
	ModePending Mode = "pending"
)

type Options struct {
	Mode           Mode
	OpeningBalance int64
	SettleAfter    time.Duration
	CurrencyLabels map[string]string
}

type wallet struct {
	name      string
	community string
	balance   int64
}

type transfer struct {
	id         string
	from       string
	to         string
	amount     int64
	status     string
	acceptedAt time.Time
}

// Backend implements settlement.Client and settlement.StatusQuerier in memory.
type Backend struct {
	opts Options
	now  func() time.Time

	mu        sync.Mutex
	wallets   map[string]*wallet
	transfers map[string]*transfer
	byRef     map[string]string
}

var (
	_ settlement.Client        = (*Backend)(nil)
	_ settlement.StatusQuerier = (*Backend)(nil)
)

func New(opts Options) *Backend {
	if opts.Mode == "" {
		opts.Mode = ModeConfirm
	}
	return &Backend{
		opts:      opts,
		now:       time.Now,
		wallets:   make(map[string]*wallet),
		transfers: make(map[string]*transfer),
		byRef:     make(map[string]string),
	}
}

func (b *Backend) CreateAccount(ctx context.Context, req settlement.CreateAccountRequest) (*settlement.Account, error) {
	identity := strings.TrimSpace(req.Identity)
	if identity == "" || strings.TrimSpace(req.Community) == "" {
		return nil, settlement.Rejected("create_account", 400, "missing fields")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.wallets[identity]; !ok {
		b.wallets[identity] = &wallet{
			name:      req.DisplayName,
			community: req.Community,
			balance:   b.opts.OpeningBalance,
		}
		log.Printf("level=info component=local_settlement msg=\"wallet created\" identity=%s community=%s opening_balance=%d", identity, req.Community, b.opts.OpeningBalance)
	}
	return &settlement.Account{Handle: identity}, nil
}

func (b *Backend) GetBalance(ctx context.Context, identity string) (*settlement.Balance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	w, ok := b.wallets[identity]
	if !ok {
		return nil, settlement.Rejected("get_balance", 404, "wallet not found")
	}
	return &settlement.Balance{Balance: w.balance, CurrencyLabel: b.opts.CurrencyLabels[w.community]}, nil
}

// ExecuteTransfer moves value between wallets at acceptance time. In pending
// mode the move is already applied but the reported status lags behind. A
// repeated Reference returns the original transfer.
func (b *Backend) ExecuteTransfer(ctx context.Context, req settlement.TransferRequest) (*settlement.TransferReceipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, settlement.Unavailable("execute_transfer", 0, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if req.Reference != "" {
		if id, ok := b.byRef[req.Reference]; ok {
			return b.receiptLocked(b.transfers[id]), nil
		}
	}

	from, okFrom := b.wallets[req.FromIdentity]
	to, okTo := b.wallets[req.ToIdentity]
	if !okFrom || !okTo {
		return nil, settlement.Rejected("execute_transfer", 404, "user not found")
	}
	if req.Amount <= 0 {
		return nil, settlement.Rejected("execute_transfer", 400, "invalid amount")
	}
	if from.balance < req.Amount {
		return nil, settlement.Rejected("execute_transfer", 400, "insufficient funds")
	}

	from.balance -= req.Amount
	to.balance += req.Amount

	status := "confirmed"
	if b.opts.Mode == ModePending {
		status = "pending"
	}
	t := &transfer{
		id:         fmt.Sprintf("TX-%s", uuid.NewString()),
		from:       req.FromIdentity,
		to:         req.ToIdentity,
		amount:     req.Amount,
		status:     status,
		acceptedAt: b.now(),
	}
	b.transfers[t.id] = t
	if req.Reference != "" {
		b.byRef[req.Reference] = t.id
	}
	return b.receiptLocked(t), nil
}

func (b *Backend) TransferStatus(ctx context.Context, externalID string) (*settlement.TransferReceipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.transfers[externalID]
	if !ok {
		return nil, settlement.Rejected("transfer_status", 404, "transaction not found")
	}
	if t.status == "pending" && b.now().Sub(t.acceptedAt) >= b.opts.SettleAfter {
		t.status = "confirmed"
	}
	return b.receiptLocked(t), nil
}

// Resolve forces the final status of a pending transfer. A failed outcome
// returns the value to the sender's wallet.
func (b *Backend) Resolve(externalID, status string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.transfers[externalID]
	if !ok {
		return fmt.Errorf("transfer %s not found", externalID)
	}
	if t.status != "pending" {
		return fmt.Errorf("transfer %s already %s", externalID, t.status)
	}
	if settlement.ParseStatus(status).Class == settlement.ClassFailed {
		b.wallets[t.from].balance += t.amount
		b.wallets[t.to].balance -= t.amount
	}
	t.status = status
	return nil
}

func (b *Backend) receiptLocked(t *transfer) *settlement.TransferReceipt {
	raw, _ := json.Marshal(map[string]interface{}{
		"success": true,
		"tx_id":   t.id,
		"status":  t.status,
		"backend": "local",
	})
	return &settlement.TransferReceipt{
		ExternalID: t.id,
		Status:     settlement.ParseStatus(t.status),
		Raw:        raw,
	}
}
