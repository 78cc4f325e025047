package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/GFFB0314/Bafoka-teamZ/internal/domain"
	"github.com/GFFB0314/Bafoka-teamZ/internal/store"
	"github.com/GFFB0314/Bafoka-teamZ/pkg/settlement"
	"github.com/google/uuid"
)

func newTestService(repo *memRepo, client settlement.Client) (*Service, *publisherStub) {
	publisher := &publisherStub{}
	svc := NewService(repo, client, publisher, Options{SettlementTimeout: time.Second, SignupBonus: 1000, SettlementWriteBackoff: time.Millisecond})
	return svc, publisher
}

func seedPair(repo *memRepo, fromBalance, toBalance int64) {
	repo.seedAccount("alice", domain.CommunityBameka, fromBalance, true)
	repo.seedAccount("bob", domain.CommunityBameka, toBalance, true)
}

func TestTransfer_SynchronousSuccess(t *testing.T) {
	repo := newMemRepo()
	seedPair(repo, 1000, 0)
	client := &settlementStub{}
	svc, publisher := newTestService(repo, client)

	result, err := svc.Transfer(context.Background(), TransferCommand{FromIdentity: "alice", ToIdentity: "bob", Amount: 300})
	if err != nil {
		t.Fatalf("Transfer returned error: %v", err)
	}
	if result.Status != domain.TransferStatusSucceeded {
		t.Fatalf("expected succeeded, got %s", result.Status)
	}
	if repo.balance("alice") != 700 || repo.balance("bob") != 300 {
		t.Fatalf("unexpected balances alice=%d bob=%d", repo.balance("alice"), repo.balance("bob"))
	}

	txn := repo.transaction(result.TransactionID)
	if txn.ExternalID == nil || *txn.ExternalID != "TX-"+result.TransactionID.String() {
		t.Fatalf("expected external id to be recorded, got %v", txn.ExternalID)
	}
	if txn.SettlementStatus == nil || *txn.SettlementStatus != "success" {
		t.Fatalf("expected raw settlement status to be stored, got %v", txn.SettlementStatus)
	}
	if client.requests[0].Reference != result.TransactionID.String() {
		t.Fatalf("expected transaction id as settlement reference, got %q", client.requests[0].Reference)
	}
	if publisher.published(RoutingKeyTransferSucceeded) != 1 {
		t.Fatalf("expected one success event, got %v", publisher.keys)
	}
}

func TestTransfer_RejectionsDoNotMutate(t *testing.T) {
	cases := []struct {
		name    string
		seed    func(repo *memRepo)
		cmd     TransferCommand
		wantErr error
	}{
		{
			name:    "zero amount",
			seed:    func(repo *memRepo) { seedPair(repo, 1000, 0) },
			cmd:     TransferCommand{FromIdentity: "alice", ToIdentity: "bob", Amount: 0},
			wantErr: ErrInvalidAmount,
		},
		{
			name:    "negative amount",
			seed:    func(repo *memRepo) { seedPair(repo, 1000, 0) },
			cmd:     TransferCommand{FromIdentity: "alice", ToIdentity: "bob", Amount: -5},
			wantErr: ErrInvalidAmount,
		},
		{
			name:    "self transfer",
			seed:    func(repo *memRepo) { seedPair(repo, 1000, 0) },
			cmd:     TransferCommand{FromIdentity: "alice", ToIdentity: "alice", Amount: 5},
			wantErr: ErrInvalidTransfer,
		},
		{
			name:    "unknown recipient",
			seed:    func(repo *memRepo) { repo.seedAccount("alice", domain.CommunityBameka, 1000, true) },
			cmd:     TransferCommand{FromIdentity: "alice", ToIdentity: "nobody", Amount: 5},
			wantErr: ErrAccountNotFound,
		},
		{
			name: "community mismatch",
			seed: func(repo *memRepo) {
				repo.seedAccount("alice", domain.CommunityBameka, 1000, true)
				repo.seedAccount("bob", domain.CommunityBatoufam, 0, true)
			},
			cmd:     TransferCommand{FromIdentity: "alice", ToIdentity: "bob", Amount: 5},
			wantErr: ErrCommunityMismatch,
		},
		{
			name: "recipient not linked",
			seed: func(repo *memRepo) {
				repo.seedAccount("alice", domain.CommunityBameka, 1000, true)
				repo.seedAccount("bob", domain.CommunityBameka, 0, false)
			},
			cmd:     TransferCommand{FromIdentity: "alice", ToIdentity: "bob", Amount: 5},
			wantErr: ErrAccountNotLinked,
		},
		{
			name:    "insufficient funds",
			seed:    func(repo *memRepo) { seedPair(repo, 100, 0) },
			cmd:     TransferCommand{FromIdentity: "alice", ToIdentity: "bob", Amount: 101},
			wantErr: ErrInsufficientFunds,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := newMemRepo()
			tc.seed(repo)
			client := &settlementStub{}
			svc, _ := newTestService(repo, client)
			before := repo.balance("alice") + repo.balance("bob")

			_, err := svc.Transfer(context.Background(), tc.cmd)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
			if repo.transactionCount() != 0 {
				t.Fatal("expected no transaction row to be created")
			}
			if client.callCount() != 0 {
				t.Fatal("expected settlement not to be called")
			}
			if after := repo.balance("alice") + repo.balance("bob"); after != before {
				t.Fatalf("expected balances untouched, before=%d after=%d", before, after)
			}
		})
	}
}

func TestTransfer_SynchronousFailureReverts(t *testing.T) {
	cases := []struct {
		name string
		err  error
	}{
		{name: "rejected", err: settlement.Rejected("initiate_transaction", 400, "invalid receiver")},
		{name: "unavailable", err: settlement.Unavailable("initiate_transaction", 503, errors.New("upstream down"))},
		{name: "timeout", err: settlement.Unavailable("initiate_transaction", 0, context.DeadlineExceeded)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := newMemRepo()
			seedPair(repo, 1000, 0)
			client := &settlementStub{execute: func(settlement.TransferRequest) (*settlement.TransferReceipt, error) {
				return nil, tc.err
			}}
			svc, publisher := newTestService(repo, client)

			result, err := svc.Transfer(context.Background(), TransferCommand{FromIdentity: "alice", ToIdentity: "bob", Amount: 300})
			if err != nil {
				t.Fatalf("expected failure surfaced as a result, got error %v", err)
			}
			if result.Status != domain.TransferStatusFailed || result.FailureReason == "" {
				t.Fatalf("unexpected result %+v", result)
			}
			if repo.balance("alice") != 1000 || repo.balance("bob") != 0 {
				t.Fatalf("expected balances restored, alice=%d bob=%d", repo.balance("alice"), repo.balance("bob"))
			}
			txn := repo.transaction(result.TransactionID)
			if txn.Status != domain.TransferStatusFailed || !txn.Reverted {
				t.Fatalf("expected failed and reverted row, got %+v", txn)
			}
			if publisher.published(RoutingKeyTransferFailed) != 1 {
				t.Fatalf("expected a failure event, got %v", publisher.keys)
			}
		})
	}
}

func TestTransfer_FailedStatusFromSettlementReverts(t *testing.T) {
	repo := newMemRepo()
	seedPair(repo, 1000, 0)
	svc, _ := newTestService(repo, &settlementStub{execute: respondWith("declined")})

	result, err := svc.Transfer(context.Background(), TransferCommand{FromIdentity: "alice", ToIdentity: "bob", Amount: 300})
	if err != nil {
		t.Fatalf("Transfer returned error: %v", err)
	}
	txn := repo.transaction(result.TransactionID)
	if !txn.Reverted || txn.ExternalID == nil || *txn.SettlementStatus != "declined" {
		t.Fatalf("expected reverted row with external id and raw status, got %+v", txn)
	}
	if repo.balance("alice") != 1000 {
		t.Fatalf("expected sender restored, got %d", repo.balance("alice"))
	}
}

func TestTransfer_PendingThenFailureNotificationReverts(t *testing.T) {
	repo := newMemRepo()
	seedPair(repo, 1000, 0)
	svc, publisher := newTestService(repo, &settlementStub{execute: respondWith("pending")})

	result, err := svc.Transfer(context.Background(), TransferCommand{FromIdentity: "alice", ToIdentity: "bob", Amount: 300})
	if err != nil {
		t.Fatalf("Transfer returned error: %v", err)
	}
	if result.Status != domain.TransferStatusPending {
		t.Fatalf("expected pending, got %s", result.Status)
	}
	if repo.balance("alice") != 700 || repo.balance("bob") != 300 {
		t.Fatalf("expected optimistic balances, alice=%d bob=%d", repo.balance("alice"), repo.balance("bob"))
	}

	externalID := *repo.transaction(result.TransactionID).ExternalID
	rec, err := svc.ApplyExternalUpdate(context.Background(), ExternalUpdate{ExternalID: externalID, Status: "failed", Source: SourceWebhook})
	if err != nil {
		t.Fatalf("ApplyExternalUpdate returned error: %v", err)
	}
	if rec.Action != domain.ReconcileActionReverted {
		t.Fatalf("expected reverted action, got %s", rec.Action)
	}
	if repo.balance("alice") != 1000 || repo.balance("bob") != 0 {
		t.Fatalf("expected balances restored, alice=%d bob=%d", repo.balance("alice"), repo.balance("bob"))
	}
	txn := repo.transaction(result.TransactionID)
	if txn.Status != domain.TransferStatusFailed || !txn.Reverted {
		t.Fatalf("expected failed and reverted row, got %+v", txn)
	}
	if publisher.published(RoutingKeyTransferPending) != 1 || publisher.published(RoutingKeyTransferReverted) != 1 {
		t.Fatalf("unexpected events %v", publisher.keys)
	}
}

func TestTransfer_IdempotentReplay(t *testing.T) {
	repo := newMemRepo()
	seedPair(repo, 1000, 0)
	client := &settlementStub{}
	svc, _ := newTestService(repo, client)
	cmd := TransferCommand{FromIdentity: "alice", ToIdentity: "bob", Amount: 250, IdempotencyToken: "wa-msg-1"}

	first, err := svc.Transfer(context.Background(), cmd)
	if err != nil {
		t.Fatalf("first Transfer returned error: %v", err)
	}
	second, err := svc.Transfer(context.Background(), cmd)
	if err != nil {
		t.Fatalf("second Transfer returned error: %v", err)
	}

	if second.TransactionID != first.TransactionID || second.Status != first.Status {
		t.Fatalf("expected identical result, first=%+v second=%+v", first, second)
	}
	if !second.Replayed || first.Replayed {
		t.Fatal("expected only the second result to be marked replayed")
	}
	if client.callCount() != 1 {
		t.Fatalf("expected one settlement call, got %d", client.callCount())
	}
	if repo.balance("alice") != 750 || repo.balance("bob") != 250 {
		t.Fatalf("expected balances mutated once, alice=%d bob=%d", repo.balance("alice"), repo.balance("bob"))
	}
}

func TestTransfer_IdempotencyTokenReusedWithOtherParameters(t *testing.T) {
	repo := newMemRepo()
	seedPair(repo, 1000, 0)
	svc, _ := newTestService(repo, &settlementStub{})

	if _, err := svc.Transfer(context.Background(), TransferCommand{FromIdentity: "alice", ToIdentity: "bob", Amount: 100, IdempotencyToken: "tok"}); err != nil {
		t.Fatalf("first Transfer returned error: %v", err)
	}
	_, err := svc.Transfer(context.Background(), TransferCommand{FromIdentity: "alice", ToIdentity: "bob", Amount: 200, IdempotencyToken: "tok"})
	if !errors.Is(err, ErrIdempotencyKeyReused) {
		t.Fatalf("expected ErrIdempotencyKeyReused, got %v", err)
	}
	if repo.balance("alice") != 900 {
		t.Fatalf("expected second call not to mutate, got %d", repo.balance("alice"))
	}
}

func TestTransfer_ReplayOfUnfinishedTokenReportsRowStatus(t *testing.T) {
	repo := newMemRepo()
	seedPair(repo, 1000, 0)
	svc, _ := newTestService(repo, &settlementStub{execute: respondWith("pending")})
	cmd := TransferCommand{FromIdentity: "alice", ToIdentity: "bob", Amount: 100, IdempotencyToken: "tok"}

	first, err := svc.Transfer(context.Background(), cmd)
	if err != nil {
		t.Fatalf("Transfer returned error: %v", err)
	}
	// Simulate a crash between the settlement call and recording the result.
	repo.mu.Lock()
	record := repo.state.idempotency["tok"]
	record.ResultStatus = nil
	repo.state.idempotency["tok"] = record
	repo.mu.Unlock()

	replayed, err := svc.Transfer(context.Background(), cmd)
	if err != nil {
		t.Fatalf("replay returned error: %v", err)
	}
	if replayed.TransactionID != first.TransactionID || replayed.Status != domain.TransferStatusPending {
		t.Fatalf("unexpected replay %+v", replayed)
	}
}

func TestTransfer_NoDoubleSpendUnderConcurrency(t *testing.T) {
	const n = 10
	const amount = 100
	repo := newMemRepo()
	seedPair(repo, amount*(n-1), 0)
	svc, _ := newTestService(repo, &settlementStub{})

	var wg sync.WaitGroup
	errs := make([]error, n)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = svc.Transfer(context.Background(), TransferCommand{FromIdentity: "alice", ToIdentity: "bob", Amount: amount})
		}(i)
	}
	close(start)
	wg.Wait()

	var ok, insufficient int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrInsufficientFunds):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != n-1 || insufficient != 1 {
		t.Fatalf("expected %d successes and 1 insufficient, got %d and %d", n-1, ok, insufficient)
	}
	if repo.balance("alice") != 0 || repo.balance("bob") != amount*(n-1) {
		t.Fatalf("unexpected balances alice=%d bob=%d", repo.balance("alice"), repo.balance("bob"))
	}
}

func TestTransfer_Conservation(t *testing.T) {
	outcomes := []func(settlement.TransferRequest) (*settlement.TransferReceipt, error){
		respondWith("success"),
		respondWith("failed"),
		func(settlement.TransferRequest) (*settlement.TransferReceipt, error) {
			return nil, settlement.Rejected("initiate_transaction", 422, "bad")
		},
	}
	for _, execute := range outcomes {
		repo := newMemRepo()
		seedPair(repo, 500, 40)
		svc, _ := newTestService(repo, &settlementStub{execute: execute})

		if _, err := svc.Transfer(context.Background(), TransferCommand{FromIdentity: "alice", ToIdentity: "bob", Amount: 120}); err != nil {
			t.Fatalf("Transfer returned error: %v", err)
		}
		if sum := repo.balance("alice") + repo.balance("bob"); sum != 540 {
			t.Fatalf("expected total 540 preserved, got %d", sum)
		}
	}
}

func TestTransfer_RevertWriteFailureMarksRevertFailed(t *testing.T) {
	repo := newMemRepo()
	seedPair(repo, 1000, 0)
	repo.failUpdate = func(id uuid.UUID, params store.UpdateTransactionParams) error {
		if params.Reverted != nil && *params.Reverted {
			return errors.New("disk full")
		}
		return nil
	}
	client := &settlementStub{execute: func(settlement.TransferRequest) (*settlement.TransferReceipt, error) {
		return nil, settlement.Rejected("initiate_transaction", 400, "nope")
	}}
	svc, publisher := newTestService(repo, client)

	result, err := svc.Transfer(context.Background(), TransferCommand{FromIdentity: "alice", ToIdentity: "bob", Amount: 300})
	if err != nil {
		t.Fatalf("Transfer returned error: %v", err)
	}
	if result.Status != domain.TransferStatusFailed {
		t.Fatalf("expected failed result, got %s", result.Status)
	}
	txn := repo.transaction(result.TransactionID)
	if !txn.RevertFailed() {
		t.Fatalf("expected failed and not reverted row, got %+v", txn)
	}
	// The revert rolled back as a whole: the optimistic delta is still applied.
	if repo.balance("alice") != 700 || repo.balance("bob") != 300 {
		t.Fatalf("expected optimistic balances to remain, alice=%d bob=%d", repo.balance("alice"), repo.balance("bob"))
	}
	if publisher.published(RoutingKeyTransferRevertFailed) != 1 {
		t.Fatalf("expected revert_failed event, got %v", publisher.keys)
	}

	stuck, err := svc.ListRevertFailed(context.Background(), 10)
	if err != nil || len(stuck) != 1 || stuck[0].ID != result.TransactionID {
		t.Fatalf("expected the row in the revert-failed list, got %v err=%v", stuck, err)
	}

	repo.failUpdate = nil
	recovered, err := svc.RetryRevert(context.Background(), result.TransactionID)
	if err != nil {
		t.Fatalf("RetryRevert returned error: %v", err)
	}
	if !recovered.Reverted || repo.balance("alice") != 1000 || repo.balance("bob") != 0 {
		t.Fatalf("expected manual revert to restore balances, alice=%d bob=%d", repo.balance("alice"), repo.balance("bob"))
	}
	if _, err := svc.RetryRevert(context.Background(), result.TransactionID); !errors.Is(err, ErrRevertNotNeeded) {
		t.Fatalf("expected second retry to be refused, got %v", err)
	}
}

func TestTransfer_SuccessWithoutExternalIDIsKept(t *testing.T) {
	repo := newMemRepo()
	seedPair(repo, 1000, 0)
	client := &settlementStub{execute: func(settlement.TransferRequest) (*settlement.TransferReceipt, error) {
		return &settlement.TransferReceipt{Status: settlement.ParseStatus("confirmed"), Raw: []byte(`{"success":true,"status":"confirmed"}`)}, nil
	}}
	svc, publisher := newTestService(repo, client)

	result, err := svc.Transfer(context.Background(), TransferCommand{FromIdentity: "alice", ToIdentity: "bob", Amount: 300})
	if err != nil {
		t.Fatalf("Transfer returned error: %v", err)
	}
	if result.Status != domain.TransferStatusSucceeded {
		t.Fatalf("expected succeeded, got %s (%s)", result.Status, result.FailureReason)
	}
	if repo.balance("alice") != 700 || repo.balance("bob") != 300 {
		t.Fatalf("expected the transfer to stand, alice=%d bob=%d", repo.balance("alice"), repo.balance("bob"))
	}
	txn := repo.transaction(result.TransactionID)
	if txn.Reverted || txn.ExternalID != nil {
		t.Fatalf("unexpected row %+v", txn)
	}
	if publisher.published(RoutingKeyTransferFailed) != 0 {
		t.Fatalf("expected no failure event, got %v", publisher.keys)
	}
}

func TestTransfer_PendingWithoutExternalIDIsAudited(t *testing.T) {
	repo := newMemRepo()
	seedPair(repo, 1000, 0)
	client := &settlementStub{execute: func(settlement.TransferRequest) (*settlement.TransferReceipt, error) {
		return &settlement.TransferReceipt{Status: settlement.ParseStatus("")}, nil
	}}
	svc, _ := newTestService(repo, client)

	result, err := svc.Transfer(context.Background(), TransferCommand{FromIdentity: "alice", ToIdentity: "bob", Amount: 300})
	if err != nil {
		t.Fatalf("Transfer returned error: %v", err)
	}
	if result.Status != domain.TransferStatusPending || repo.balance("bob") != 300 {
		t.Fatalf("expected pending with credit applied, got %s bob=%d", result.Status, repo.balance("bob"))
	}

	later := time.Now().Add(time.Minute)
	unreferenced, _ := repo.ListUnreferencedPendingTransactions(context.Background(), later, 10)
	if len(unreferenced) != 1 || unreferenced[0].ID != result.TransactionID {
		t.Fatalf("expected the row in the unreferenced audit, got %+v", unreferenced)
	}
	pollable, _ := repo.ListPendingTransactions(context.Background(), later, 10)
	if len(pollable) != 0 {
		t.Fatalf("expected nothing to poll, got %+v", pollable)
	}
}

func TestTransfer_SettlementWriteIsRetried(t *testing.T) {
	repo := newMemRepo()
	seedPair(repo, 1000, 0)
	failures := 0
	repo.failUpdate = func(id uuid.UUID, params store.UpdateTransactionParams) error {
		if failures < 2 {
			failures++
			return errors.New("connection reset")
		}
		return nil
	}
	svc, _ := newTestService(repo, &settlementStub{})

	result, err := svc.Transfer(context.Background(), TransferCommand{FromIdentity: "alice", ToIdentity: "bob", Amount: 300})
	if err != nil {
		t.Fatalf("Transfer returned error: %v", err)
	}
	if result.Status != domain.TransferStatusSucceeded {
		t.Fatalf("expected the retried write to confirm, got %s", result.Status)
	}
	txn := repo.transaction(result.TransactionID)
	if txn.Status != domain.TransferStatusSucceeded || txn.ExternalID == nil {
		t.Fatalf("unexpected row %+v", txn)
	}
}

func TestTransfer_SettlementWriteExhaustedLeavesAuditableRow(t *testing.T) {
	repo := newMemRepo()
	seedPair(repo, 1000, 0)
	attempts := 0
	repo.failUpdate = func(id uuid.UUID, params store.UpdateTransactionParams) error {
		attempts++
		return errors.New("connection reset")
	}
	svc, _ := newTestService(repo, &settlementStub{})

	result, err := svc.Transfer(context.Background(), TransferCommand{FromIdentity: "alice", ToIdentity: "bob", Amount: 300})
	if err != nil {
		t.Fatalf("Transfer returned error: %v", err)
	}
	if attempts != settlementWriteAttempts {
		t.Fatalf("expected %d write attempts, got %d", settlementWriteAttempts, attempts)
	}
	if result.Status != domain.TransferStatusPending || repo.balance("alice") != 700 {
		t.Fatalf("expected pending without revert, got %s alice=%d", result.Status, repo.balance("alice"))
	}
	unreferenced, _ := repo.ListUnreferencedPendingTransactions(context.Background(), time.Now().Add(time.Minute), 10)
	if len(unreferenced) != 1 || unreferenced[0].ID != result.TransactionID {
		t.Fatalf("expected the row in the unreferenced audit, got %+v", unreferenced)
	}
}

func TestTransfer_DeactivatedAccountRejected(t *testing.T) {
	repo := newMemRepo()
	seedPair(repo, 1000, 0)
	svc, _ := newTestService(repo, &settlementStub{})
	if _, err := svc.DeactivateAccount(context.Background(), "bob"); err != nil {
		t.Fatalf("DeactivateAccount returned error: %v", err)
	}

	_, err := svc.Transfer(context.Background(), TransferCommand{FromIdentity: "alice", ToIdentity: "bob", Amount: 300})
	if !errors.Is(err, ErrAccountDeactivated) {
		t.Fatalf("expected ErrAccountDeactivated, got %v", err)
	}
	if repo.balance("alice") != 1000 || repo.transactionCount() != 0 {
		t.Fatal("expected no mutation")
	}
}

type limiterStub struct {
	count int
	err   error
	calls int
}

func (l *limiterStub) ConsumeRateLimit(ctx context.Context, scope string, subject string, limit int, window time.Duration) (int, int, error) {
	l.calls++
	return l.count, 42, l.err
}

func TestTransfer_RateLimited(t *testing.T) {
	repo := newMemRepo()
	seedPair(repo, 1000, 0)
	svc := NewService(repo, &settlementStub{}, &publisherStub{}, Options{TransferRateLimitPerMinute: 5})
	svc.SetRateLimiter(&limiterStub{count: 6})

	_, err := svc.Transfer(context.Background(), TransferCommand{FromIdentity: "alice", ToIdentity: "bob", Amount: 10})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	var limitErr *RateLimitError
	if !errors.As(err, &limitErr) || limitErr.RetryAfterSeconds != 42 {
		t.Fatalf("expected retry-after to be carried, got %v", err)
	}
	if repo.transactionCount() != 0 {
		t.Fatal("expected no transaction row")
	}
}

func TestTransfer_RateLimiterErrorFailsOpen(t *testing.T) {
	repo := newMemRepo()
	seedPair(repo, 1000, 0)
	svc := NewService(repo, &settlementStub{}, &publisherStub{}, Options{TransferRateLimitPerMinute: 5})
	svc.SetRateLimiter(&limiterStub{err: errors.New("redis down")})

	if _, err := svc.Transfer(context.Background(), TransferCommand{FromIdentity: "alice", ToIdentity: "bob", Amount: 10}); err != nil {
		t.Fatalf("expected transfer to proceed, got %v", err)
	}
}

func TestTransfer_SettlementCallSurvivesCallerCancellation(t *testing.T) {
	repo := newMemRepo()
	seedPair(repo, 1000, 0)
	ctx, cancel := context.WithCancel(context.Background())
	client := &settlementStub{execute: func(req settlement.TransferRequest) (*settlement.TransferReceipt, error) {
		cancel()
		return nil, settlement.Unavailable("initiate_transaction", 0, context.Canceled)
	}}
	svc, _ := newTestService(repo, client)

	result, err := svc.Transfer(ctx, TransferCommand{FromIdentity: "alice", ToIdentity: "bob", Amount: 300})
	if err != nil {
		t.Fatalf("Transfer returned error: %v", err)
	}
	if !repo.transaction(result.TransactionID).Reverted {
		t.Fatal("expected revert to complete after the caller went away")
	}
}

func TestRedisRateLimiter_DisabledWithoutClient(t *testing.T) {
	limiter := NewRedisRateLimiter(nil, " custom:prefix: ")
	if limiter.prefix != "custom:prefix" {
		t.Fatalf("expected trimmed prefix, got %q", limiter.prefix)
	}
	count, retry, err := limiter.ConsumeRateLimit(context.Background(), "transfer", "alice", 5, time.Minute)
	if err != nil || count != 0 || retry != 0 {
		t.Fatalf("expected no-op, got count=%d retry=%d err=%v", count, retry, err)
	}
	if got := NewRedisRateLimiter(nil, "").key("transfer", "alice"); got != "bafoka:rate_limit:transfer:alice" {
		t.Fatalf("unexpected key %q", got)
	}
}

func TestTransferFingerprint(t *testing.T) {
	a := transferFingerprint("alice", "bob", 10)
	if a != transferFingerprint("alice", "bob", 10) {
		t.Fatal("expected fingerprint to be deterministic")
	}
	if a == transferFingerprint("alice", "bob", 11) || a == transferFingerprint("bob", "alice", 10) {
		t.Fatal("expected fingerprint to depend on every parameter")
	}
}
