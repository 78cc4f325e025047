package app

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GFFB0314/Bafoka-teamZ/internal/domain"
	"github.com/GFFB0314/Bafoka-teamZ/internal/store"
	"github.com/GFFB0314/Bafoka-teamZ/pkg/settlement"
)

// memState is the full contents of the in-memory store.
type memState struct {
	accounts     map[string]domain.Account
	transactions map[uuid.UUID]domain.Transaction
	idempotency  map[string]domain.IdempotencyRecord
	grants       map[string]domain.BalanceGrant
	nextGrantID  int64
}

func (s *memState) clone() *memState {
	c := &memState{
		accounts:     make(map[string]domain.Account, len(s.accounts)),
		transactions: make(map[uuid.UUID]domain.Transaction, len(s.transactions)),
		idempotency:  make(map[string]domain.IdempotencyRecord, len(s.idempotency)),
		grants:       make(map[string]domain.BalanceGrant, len(s.grants)),
		nextGrantID:  s.nextGrantID,
	}
	for k, v := range s.accounts {
		c.accounts[k] = v
	}
	for k, v := range s.transactions {
		c.transactions[k] = v
	}
	for k, v := range s.idempotency {
		c.idempotency[k] = v
	}
	for k, v := range s.grants {
		c.grants[k] = v
	}
	return c
}

// memRepo is a store.Repository whose RunInTx serializes all transactions
// and commits by swapping in a modified copy of the state.
type memRepo struct {
	mu    sync.Mutex
	state *memState

	// failUpdate, when set, is consulted before every UpdateTransaction.
	failUpdate func(id uuid.UUID, params store.UpdateTransactionParams) error
	// failAdjust, when set, is consulted before every AdjustBalance.
	failAdjust func(identity string, delta int64) error
	// beforeLock runs inside RunInTx before the first account lock.
	beforeLock func()
}

func newMemRepo() *memRepo {
	return &memRepo{state: &memState{
		accounts:     map[string]domain.Account{},
		transactions: map[uuid.UUID]domain.Transaction{},
		idempotency:  map[string]domain.IdempotencyRecord{},
		grants:       map[string]domain.BalanceGrant{},
	}}
}

func (r *memRepo) seedAccount(identity string, community domain.Community, balance int64, linked bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	account := domain.Account{Identity: identity, DisplayName: identity, Community: community, LocalBalance: balance}
	if linked {
		handle := "W-" + identity
		account.SettlementHandle = &handle
	}
	r.state.accounts[identity] = account
}

func (r *memRepo) balance(identity string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.accounts[identity].LocalBalance
}

func (r *memRepo) transaction(id uuid.UUID) domain.Transaction {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.transactions[id]
}

func (r *memRepo) transactionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.state.transactions)
}

func (r *memRepo) RunInTx(ctx context.Context, fn func(tx store.LedgerTx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	working := r.state.clone()
	if err := fn(&memTx{repo: r, state: working}); err != nil {
		return err
	}
	r.state = working
	return nil
}

func (r *memRepo) FindAccountByIdentity(ctx context.Context, identity string) (*domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	account, ok := r.state.accounts[identity]
	if !ok {
		return nil, store.ErrAccountNotFound
	}
	return &account, nil
}

func (r *memRepo) CreateAccount(ctx context.Context, account *domain.Account) (*domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.state.accounts[account.Identity]; ok {
		return nil, store.ErrAccountExists
	}
	created := *account
	created.CreatedAt = time.Now()
	created.UpdatedAt = created.CreatedAt
	r.state.accounts[account.Identity] = created
	return &created, nil
}

func (r *memRepo) UpdateAccountProfile(ctx context.Context, identity, displayName string, community domain.Community) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	account, ok := r.state.accounts[identity]
	if !ok {
		return store.ErrAccountNotFound
	}
	if displayName != "" {
		account.DisplayName = displayName
	}
	account.Community = community
	r.state.accounts[identity] = account
	return nil
}

func (r *memRepo) HasTransactions(ctx context.Context, identity string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, txn := range r.state.transactions {
		if txn.FromIdentity == identity || txn.ToIdentity == identity {
			return true, nil
		}
	}
	return false, nil
}

func (r *memRepo) FindTransactionByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	txn, ok := r.state.transactions[id]
	if !ok {
		return nil, store.ErrTransactionNotFound
	}
	return &txn, nil
}

func (r *memRepo) FindTransactionByExternalID(ctx context.Context, externalID string) (*domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, txn := range r.state.transactions {
		if txn.ExternalID != nil && *txn.ExternalID == externalID {
			found := txn
			return &found, nil
		}
	}
	return nil, store.ErrTransactionNotFound
}

func (r *memRepo) ListPendingTransactions(ctx context.Context, olderThan time.Time, limit int) ([]domain.Transaction, error) {
	return r.listPending(olderThan, limit, true), nil
}

func (r *memRepo) ListUnreferencedPendingTransactions(ctx context.Context, olderThan time.Time, limit int) ([]domain.Transaction, error) {
	return r.listPending(olderThan, limit, false), nil
}

// listPending mirrors the SQL filters: referenced rows carry an external id,
// unreferenced ones do not.
func (r *memRepo) listPending(olderThan time.Time, limit int, referenced bool) []domain.Transaction {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Transaction
	for _, txn := range r.state.transactions {
		if txn.Status != domain.TransferStatusPending || !txn.CreatedAt.Before(olderThan) {
			continue
		}
		if (txn.ExternalID != nil) == referenced {
			out = append(out, txn)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (r *memRepo) ListRevertFailedTransactions(ctx context.Context, limit int) ([]domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Transaction
	for _, txn := range r.state.transactions {
		if txn.RevertFailed() {
			out = append(out, txn)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memRepo) FindIdempotencyRecord(ctx context.Context, token string) (*domain.IdempotencyRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.state.idempotency[token]
	if !ok {
		return nil, store.ErrIdempotencyNotFound
	}
	return &record, nil
}

func (r *memRepo) CompleteIdempotencyRecord(ctx context.Context, token string, status domain.TransferStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.state.idempotency[token]
	if !ok {
		return store.ErrIdempotencyNotFound
	}
	now := time.Now()
	record.ResultStatus = &status
	record.CompletedAt = &now
	r.state.idempotency[token] = record
	return nil
}

type memTx struct {
	repo  *memRepo
	state *memState
}

func (t *memTx) LockAccounts(ctx context.Context, identities ...string) (map[string]*domain.Account, error) {
	if t.repo.beforeLock != nil {
		t.repo.beforeLock()
	}
	out := make(map[string]*domain.Account, len(identities))
	for _, identity := range identities {
		account, ok := t.state.accounts[identity]
		if !ok {
			return nil, store.ErrAccountNotFound
		}
		out[identity] = &account
	}
	return out, nil
}

func (t *memTx) AdjustBalance(ctx context.Context, identity string, delta int64) (*domain.Account, error) {
	if t.repo.failAdjust != nil {
		if err := t.repo.failAdjust(identity, delta); err != nil {
			return nil, err
		}
	}
	account, ok := t.state.accounts[identity]
	if !ok {
		return nil, store.ErrAccountNotFound
	}
	account.LocalBalance += delta
	t.state.accounts[identity] = account
	return &account, nil
}

func (t *memTx) SetSettlementHandle(ctx context.Context, identity, handle string) error {
	account, ok := t.state.accounts[identity]
	if !ok {
		return store.ErrAccountNotFound
	}
	account.SettlementHandle = &handle
	t.state.accounts[identity] = account
	return nil
}

func (t *memTx) CountUnsettledTransactions(ctx context.Context, identity string) (int, error) {
	count := 0
	for _, txn := range t.state.transactions {
		if txn.FromIdentity != identity && txn.ToIdentity != identity {
			continue
		}
		if txn.Status == domain.TransferStatusPending || txn.RevertFailed() {
			count++
		}
	}
	return count, nil
}

func (t *memTx) DeactivateAccount(ctx context.Context, identity string) (*domain.Account, error) {
	account, ok := t.state.accounts[identity]
	if !ok {
		return nil, store.ErrAccountNotFound
	}
	if account.DeactivatedAt == nil {
		now := time.Now()
		account.DeactivatedAt = &now
	}
	t.state.accounts[identity] = account
	return &account, nil
}

func (t *memTx) InsertTransaction(ctx context.Context, txn *domain.Transaction) error {
	if txn.ID == uuid.Nil {
		txn.ID = uuid.New()
	}
	txn.CreatedAt = time.Now()
	txn.UpdatedAt = txn.CreatedAt
	t.state.transactions[txn.ID] = *txn
	return nil
}

func (t *memTx) LockTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	txn, ok := t.state.transactions[id]
	if !ok {
		return nil, store.ErrTransactionNotFound
	}
	return &txn, nil
}

func (t *memTx) UpdateTransaction(ctx context.Context, id uuid.UUID, params store.UpdateTransactionParams) (*domain.Transaction, error) {
	if t.repo.failUpdate != nil {
		if err := t.repo.failUpdate(id, params); err != nil {
			return nil, err
		}
	}
	txn, ok := t.state.transactions[id]
	if !ok {
		return nil, store.ErrTransactionNotFound
	}
	if params.Status != nil {
		txn.Status = *params.Status
	}
	if params.Reverted != nil {
		txn.Reverted = *params.Reverted
	}
	if params.ExternalID != nil {
		for otherID, other := range t.state.transactions {
			if otherID != id && other.ExternalID != nil && *other.ExternalID == *params.ExternalID {
				return nil, store.ErrExternalIDConflict
			}
		}
		txn.ExternalID = params.ExternalID
	}
	if params.SettlementStatus != nil {
		txn.SettlementStatus = params.SettlementStatus
	}
	if params.FailureReason != nil {
		txn.FailureReason = params.FailureReason
	}
	if len(params.Metadata) > 0 && json.Valid(params.Metadata) {
		txn.Metadata = params.Metadata
	}
	txn.UpdatedAt = time.Now()
	t.state.transactions[id] = txn
	return &txn, nil
}

func (t *memTx) ReserveIdempotencyKey(ctx context.Context, record domain.IdempotencyRecord) error {
	if _, ok := t.state.idempotency[record.Token]; ok {
		return store.ErrIdempotencyKeyExists
	}
	record.CreatedAt = time.Now()
	t.state.idempotency[record.Token] = record
	return nil
}

func (t *memTx) InsertBalanceGrant(ctx context.Context, grant *domain.BalanceGrant) error {
	key := grant.Identity + "|" + grant.Reason
	if _, ok := t.state.grants[key]; ok {
		return store.ErrGrantExists
	}
	t.state.nextGrantID++
	grant.ID = t.state.nextGrantID
	grant.CreatedAt = time.Now()
	t.state.grants[key] = *grant
	return nil
}

// settlementStub is a settlement.Client driven by per-test functions.
type settlementStub struct {
	mu        sync.Mutex
	calls     int
	requests  []settlement.TransferRequest
	execute   func(req settlement.TransferRequest) (*settlement.TransferReceipt, error)
	create    func(req settlement.CreateAccountRequest) (*settlement.Account, error)
	balanceOf func(identity string) (*settlement.Balance, error)
}

func (s *settlementStub) CreateAccount(ctx context.Context, req settlement.CreateAccountRequest) (*settlement.Account, error) {
	if s.create != nil {
		return s.create(req)
	}
	return &settlement.Account{Handle: "W-" + req.Identity}, nil
}

func (s *settlementStub) GetBalance(ctx context.Context, identity string) (*settlement.Balance, error) {
	if s.balanceOf != nil {
		return s.balanceOf(identity)
	}
	return &settlement.Balance{Balance: 0, CurrencyLabel: "MUNKAP"}, nil
}

func (s *settlementStub) ExecuteTransfer(ctx context.Context, req settlement.TransferRequest) (*settlement.TransferReceipt, error) {
	s.mu.Lock()
	s.calls++
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	if s.execute != nil {
		return s.execute(req)
	}
	return &settlement.TransferReceipt{ExternalID: "TX-" + req.Reference, Status: settlement.ParseStatus("success")}, nil
}

func (s *settlementStub) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func respondWith(raw string) func(req settlement.TransferRequest) (*settlement.TransferReceipt, error) {
	return func(req settlement.TransferRequest) (*settlement.TransferReceipt, error) {
		return &settlement.TransferReceipt{
			ExternalID: "TX-" + req.Reference,
			Status:     settlement.ParseStatus(raw),
			Raw:        []byte(`{"status":"` + raw + `"}`),
		}, nil
	}
}

// publisherStub records published routing keys.
type publisherStub struct {
	mu   sync.Mutex
	keys []string
}

func (p *publisherStub) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, routingKey)
	return nil
}

func (p *publisherStub) Close() {}

func (p *publisherStub) published(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, k := range p.keys {
		if k == key {
			n++
		}
	}
	return n
}
