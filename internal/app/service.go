/**
 * @description
 * Core business logic for the ledger-service. The `Service` struct owns the
 * transfer engine, the reconciliation handler and account registration, and
 * coordinates the repository, the configured settlement backend and the
 * message broker.
 *
 * Key features:
 * - Optimistic local transfers with a compensating revert on settlement failure.
 * - Idempotent handling of repeated transfer requests and settlement notifications.
 * - Account registration against the settlement network, including the signup grant.
 *
 * @dependencies
 * - internal/domain, internal/store: domain models and data access.
 * - pkg/settlement: the backend-agnostic settlement contract.
 * - pkg/rabbitmq: outcome events for the chat layer.
 */

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
	"github.com/GFFB0314/Bafoka-teamZ/pkg/rabbitmq"
	"github.com/GFFB0314/Bafoka-teamZ/pkg/settlement"
)

const (
	defaultSettlementTimeout = 15 * time.Second
	defaultEventsExchange    = "ledger.events"
	transferRateLimitScope   = "transfer"
	maxListLimit             = 500

	defaultSettlementWriteBackoff = 100 * time.Millisecond
)

// RateLimiter throttles transfer requests per sender.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope string, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// Options carries the tunables injected at construction.
type Options struct {
	SettlementTimeout          time.Duration
	SignupBonus                int64
	TransferRateLimitPerMinute int
	EventsExchange             string
	// SettlementWriteBackoff spaces the retries of a failed settlement write.
	SettlementWriteBackoff time.Duration
}

// Service provides the core business logic for the ledger.
type Service struct {
	repo          store.Repository
	settlement    settlement.Client
	eventProducer rabbitmq.Publisher
	rateLimiter   RateLimiter
	opts          Options
}

// NewService creates a new ledger service. A nil producer is replaced by the
// logging fallback.
func NewService(repo store.Repository, client settlement.Client, producer rabbitmq.Publisher, opts Options) *Service {
	if producer == nil {
		producer = &rabbitmq.EventProducerFallback{}
	}
	if opts.SettlementTimeout <= 0 {
		opts.SettlementTimeout = defaultSettlementTimeout
	}
	if strings.TrimSpace(opts.EventsExchange) == "" {
		opts.EventsExchange = defaultEventsExchange
	}
	if opts.SettlementWriteBackoff <= 0 {
		opts.SettlementWriteBackoff = defaultSettlementWriteBackoff
	}
	return &Service{
		repo:          repo,
		settlement:    client,
		eventProducer: producer,
		opts:          opts,
	}
}

// SetRateLimiter enables per-sender transfer throttling.
func (s *Service) SetRateLimiter(limiter RateLimiter) {
	s.rateLimiter = limiter
}

// RegisterCommand is the input of account registration.
type RegisterCommand struct {
	Identity    string
	DisplayName string
	Community   string
}

// RegistrationResult reports what registration did.
type RegistrationResult struct {
	Account      *domain.Account `json:"account"`
	Created      bool            `json:"created"`
	Linked       bool            `json:"linked"`
	BonusGranted int64           `json:"bonus_granted"`
}

// RegisterAccount creates the local account if needed and links it to the
// settlement network. Registering an existing identity refreshes its display
// name and retries linking when an earlier attempt failed. Changing community
// this way is refused; see UpdateCommunity.
func (s *Service) RegisterAccount(ctx context.Context, cmd RegisterCommand) (*RegistrationResult, error) {
	identity := strings.TrimSpace(cmd.Identity)
	if identity == "" {
		return nil, ErrInvalidIdentity
	}
	community, err := domain.ParseCommunity(cmd.Community)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCommunity, cmd.Community)
	}
	displayName := strings.TrimSpace(cmd.DisplayName)

	result := &RegistrationResult{}
	account, err := s.repo.FindAccountByIdentity(ctx, identity)
	switch {
	case errors.Is(err, store.ErrAccountNotFound):
		account, err = s.repo.CreateAccount(ctx, &domain.Account{
			Identity:    identity,
			DisplayName: displayName,
			Community:   community,
		})
		if errors.Is(err, store.ErrAccountExists) {
			// Lost a race with a concurrent registration of the same identity.
			account, err = s.repo.FindAccountByIdentity(ctx, identity)
		} else if err == nil {
			result.Created = true
			log.Printf("level=info component=registration msg=\"account created\" identity=%s community=%s", identity, community)
		}
		if err != nil {
			return nil, fmt.Errorf("create account: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("lookup account: %w", err)
	default:
		if !account.Active() {
			return nil, ErrAccountDeactivated
		}
		if account.Community != community {
			return nil, ErrCommunityLocked
		}
		if displayName != "" && displayName != account.DisplayName {
			if err := s.repo.UpdateAccountProfile(ctx, identity, displayName, account.Community); err != nil {
				return nil, fmt.Errorf("update account profile: %w", err)
			}
			account.DisplayName = displayName
		}
	}

	result.Account = account
	if !account.Linked() {
		result.BonusGranted = s.linkAccount(ctx, account)
	}
	result.Linked = account.Linked()
	return result, nil
}

// linkAccount creates the account on the settlement network, stores the
// returned handle and grants the signup bonus. Failures are logged and leave
// the account unlinked so registration can be retried.
func (s *Service) linkAccount(ctx context.Context, account *domain.Account) int64 {
	callCtx, cancel := context.WithTimeout(ctx, s.opts.SettlementTimeout)
	started := time.Now()
	external, err := s.settlement.CreateAccount(callCtx, settlement.CreateAccountRequest{
		Identity:    account.Identity,
		DisplayName: account.DisplayName,
		Community:   string(account.Community),
	})
	cancel()
	metrics.ObserveSettlementCall("create_account", started, err)
	if err != nil {
		log.Printf("level=warn component=registration msg=\"settlement account creation failed; account left unlinked\" identity=%s err=%v", account.Identity, err)
		return 0
	}

	granted, err := s.linkAndGrant(ctx, account.Identity, external.Handle)
	if err != nil {
		log.Printf("level=error component=registration msg=\"storing settlement handle failed; account left unlinked\" identity=%s handle=%s err=%v", account.Identity, external.Handle, err)
		return 0
	}
	handle := external.Handle
	account.SettlementHandle = &handle
	account.LocalBalance += granted
	log.Printf("level=info component=registration msg=\"account linked\" identity=%s handle=%s bonus=%d", account.Identity, handle, granted)
	return granted
}

// linkAndGrant stores the settlement handle and the signup grant in one
// transaction. If either write fails the account stays unlinked, so the next
// registration retries both.
func (s *Service) linkAndGrant(ctx context.Context, identity, handle string) (int64, error) {
	amount := s.opts.SignupBonus
	grant := &domain.BalanceGrant{Identity: identity, Amount: amount, Reason: domain.GrantReasonSignupBonus}
	var balance int64
	granted := false
	err := s.repo.RunInTx(ctx, func(tx store.LedgerTx) error {
		if _, err := tx.LockAccounts(ctx, identity); err != nil {
			return err
		}
		if err := tx.SetSettlementHandle(ctx, identity, handle); err != nil {
			return err
		}
		if amount <= 0 {
			return nil
		}
		var err error
		granted, balance, err = grantSignupBonus(ctx, tx, grant)
		return err
	})
	if err != nil {
		return 0, err
	}
	if !granted {
		return 0, nil
	}

	metrics.BalanceGrantsTotal.WithLabelValues(grant.Reason).Inc()
	log.Printf("level=info component=grants msg=\"conservation exception: balance granted\" identity=%s amount=%d reason=%s grant_id=%d balance_after=%d", identity, amount, grant.Reason, grant.ID, balance)
	return amount, nil
}

// grantSignupBonus credits the one-off signup grant on a locked account. It
// creates value outside the transfer path, so the credit is written together
// with a balance_grants row. At most one grant exists per identity; a second
// one reports false without error.
func grantSignupBonus(ctx context.Context, tx store.LedgerTx, grant *domain.BalanceGrant) (bool, int64, error) {
	if err := tx.InsertBalanceGrant(ctx, grant); err != nil {
		if errors.Is(err, store.ErrGrantExists) {
			return false, 0, nil
		}
		return false, 0, err
	}
	account, err := tx.AdjustBalance(ctx, grant.Identity, grant.Amount)
	if err != nil {
		return false, 0, err
	}
	return true, account.LocalBalance, nil
}

// GetBalance returns the local balance and, when reachable, the settlement
// network's view of the same account.
func (s *Service) GetBalance(ctx context.Context, identity string) (*domain.BalanceView, error) {
	account, err := s.repo.FindAccountByIdentity(ctx, strings.TrimSpace(identity))
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("lookup account: %w", err)
	}

	view := &domain.BalanceView{
		Identity:      account.Identity,
		Community:     account.Community,
		CurrencyLabel: account.Community.CurrencyLabel(),
		LocalBalance:  account.LocalBalance,
	}
	if !account.Linked() {
		return view, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, s.opts.SettlementTimeout)
	defer cancel()
	started := time.Now()
	external, err := s.settlement.GetBalance(callCtx, account.Identity)
	metrics.ObserveSettlementCall("get_balance", started, err)
	if err != nil {
		log.Printf("level=warn component=balance msg=\"settlement balance unavailable\" identity=%s err=%v", account.Identity, err)
		return view, nil
	}

	balance := external.Balance
	view.ExternalBalance = &balance
	view.ExternalCurrency = external.CurrencyLabel
	view.ExternalAvailable = true
	if balance != account.LocalBalance {
		log.Printf("level=info component=balance msg=\"local and settlement balances differ\" identity=%s local=%d external=%d", account.Identity, account.LocalBalance, balance)
	}
	return view, nil
}

// UpdateCommunity is the administrative path for moving an account to another community.
func (s *Service) UpdateCommunity(ctx context.Context, identity, rawCommunity string) (*domain.Account, error) {
	community, err := domain.ParseCommunity(rawCommunity)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCommunity, rawCommunity)
	}
	identity = strings.TrimSpace(identity)

	account, err := s.repo.FindAccountByIdentity(ctx, identity)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("lookup account: %w", err)
	}
	if account.Community == community {
		return account, nil
	}

	hasHistory, err := s.repo.HasTransactions(ctx, identity)
	if err != nil {
		return nil, err
	}
	if err := s.repo.UpdateAccountProfile(ctx, identity, "", community); err != nil {
		return nil, fmt.Errorf("update community: %w", err)
	}
	log.Printf("level=warn component=admin msg=\"community changed\" identity=%s from=%s to=%s has_history=%t", identity, account.Community, community, hasHistory)
	account.Community = community
	return account, nil
}

// GetTransaction returns a transaction by its local id.
func (s *Service) GetTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	txn, err := s.repo.FindTransactionByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrTransactionNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return txn, nil
}

// ListRevertFailed returns transactions waiting for manual revert recovery.
func (s *Service) ListRevertFailed(ctx context.Context, limit int) ([]domain.Transaction, error) {
	if limit <= 0 || limit > maxListLimit {
		return nil, ErrInvalidLimit
	}
	return s.repo.ListRevertFailedTransactions(ctx, limit)
}

// DeactivateAccount closes an account for new transfers. The row and its
// history are kept so the books still add up. It is refused while the
// account takes part in a pending or RevertFailed transaction. Deactivating
// twice returns the account unchanged.
func (s *Service) DeactivateAccount(ctx context.Context, identity string) (*domain.Account, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return nil, ErrInvalidIdentity
	}

	var account *domain.Account
	err := s.repo.RunInTx(ctx, func(tx store.LedgerTx) error {
		// The account lock orders this against transfers, which lock the
		// same row before inserting their pending transaction.
		accounts, err := tx.LockAccounts(ctx, identity)
		if err != nil {
			return err
		}
		if !accounts[identity].Active() {
			account = accounts[identity]
			return nil
		}
		unsettled, err := tx.CountUnsettledTransactions(ctx, identity)
		if err != nil {
			return err
		}
		if unsettled > 0 {
			return fmt.Errorf("%w: %d open", ErrUnsettledTransfers, unsettled)
		}
		account, err = tx.DeactivateAccount(ctx, identity)
		return err
	})
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	log.Printf("level=warn component=admin msg=\"account deactivated\" identity=%s balance=%d deactivated_at=%s", identity, account.LocalBalance, account.DeactivatedAt.UTC().Format(time.RFC3339))
	return account, nil
}

func (s *Service) publishOutcome(ctx context.Context, routingKey string, txn *domain.Transaction, reason string) {
	event := domain.TransferOutcomeEvent{
		TransactionID: txn.ID.String(),
		FromIdentity:  txn.FromIdentity,
		ToIdentity:    txn.ToIdentity,
		Amount:        txn.Amount,
		Status:        string(txn.Status),
		Reverted:      txn.Reverted,
		Reason:        reason,
		OccurredAt:    time.Now().UTC(),
	}
	if txn.ExternalID != nil {
		event.ExternalID = *txn.ExternalID
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.eventProducer.Publish(pubCtx, s.opts.EventsExchange, routingKey, event); err != nil {
		log.Printf("level=warn component=events msg=\"outcome publish failed\" routing_key=%s tx_id=%s err=%v", routingKey, txn.ID, err)
	}
}
