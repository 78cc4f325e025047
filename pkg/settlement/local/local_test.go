package local

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GFFB0314/Bafoka-teamZ/pkg/settlement"
)

func seed(t *testing.T, b *Backend, identities ...string) {
	t.Helper()
	for _, id := range identities {
		_, err := b.CreateAccount(context.Background(), settlement.CreateAccountRequest{Identity: id, DisplayName: id, Community: "BAMEKA"})
		require.NoError(t, err)
	}
}

func TestBackend_ConfirmModeMovesValue(t *testing.T) {
	b := New(Options{Mode: ModeConfirm, OpeningBalance: 1000, CurrencyLabels: map[string]string{"BAMEKA": "MUNKAP"}})
	seed(t, b, "a", "b")

	receipt, err := b.ExecuteTransfer(context.Background(), settlement.TransferRequest{FromIdentity: "a", ToIdentity: "b", Amount: 300})
	require.NoError(t, err)
	assert.Equal(t, settlement.ClassSucceeded, receipt.Status.Class)

	balA, err := b.GetBalance(context.Background(), "a")
	require.NoError(t, err)
	balB, err := b.GetBalance(context.Background(), "b")
	require.NoError(t, err)
	assert.EqualValues(t, 700, balA.Balance)
	assert.EqualValues(t, 1300, balB.Balance)
	assert.Equal(t, "MUNKAP", balA.CurrencyLabel)
}

func TestBackend_CreateAccountIsIdempotent(t *testing.T) {
	b := New(Options{OpeningBalance: 1000})
	seed(t, b, "a")
	seed(t, b, "a")
	bal, err := b.GetBalance(context.Background(), "a")
	require.NoError(t, err)
	assert.EqualValues(t, 1000, bal.Balance)
}

func TestBackend_RejectsInsufficientFundsAndUnknownWallets(t *testing.T) {
	b := New(Options{OpeningBalance: 100})
	seed(t, b, "a", "b")

	_, err := b.ExecuteTransfer(context.Background(), settlement.TransferRequest{FromIdentity: "a", ToIdentity: "b", Amount: 101})
	assert.True(t, errors.Is(err, settlement.ErrRejected))

	_, err = b.ExecuteTransfer(context.Background(), settlement.TransferRequest{FromIdentity: "a", ToIdentity: "ghost", Amount: 1})
	assert.True(t, errors.Is(err, settlement.ErrRejected))
}

func TestBackend_ReferenceDeduplicatesTransfers(t *testing.T) {
	b := New(Options{OpeningBalance: 100})
	seed(t, b, "a", "b")

	req := settlement.TransferRequest{FromIdentity: "a", ToIdentity: "b", Amount: 40, Reference: "tx-1"}
	first, err := b.ExecuteTransfer(context.Background(), req)
	require.NoError(t, err)
	second, err := b.ExecuteTransfer(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.ExternalID, second.ExternalID)

	bal, err := b.GetBalance(context.Background(), "a")
	require.NoError(t, err)
	assert.EqualValues(t, 60, bal.Balance)
}

func TestBackend_PendingModeSettlesOnPoll(t *testing.T) {
	b := New(Options{Mode: ModePending, OpeningBalance: 100, SettleAfter: time.Minute})
	current := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return current }
	seed(t, b, "a", "b")

	receipt, err := b.ExecuteTransfer(context.Background(), settlement.TransferRequest{FromIdentity: "a", ToIdentity: "b", Amount: 10})
	require.NoError(t, err)
	assert.Equal(t, settlement.ClassPending, receipt.Status.Class)

	polled, err := b.TransferStatus(context.Background(), receipt.ExternalID)
	require.NoError(t, err)
	assert.Equal(t, settlement.ClassPending, polled.Status.Class)

	current = current.Add(2 * time.Minute)
	polled, err = b.TransferStatus(context.Background(), receipt.ExternalID)
	require.NoError(t, err)
	assert.Equal(t, settlement.ClassSucceeded, polled.Status.Class)
}

func TestBackend_ResolveFailedRefundsSender(t *testing.T) {
	b := New(Options{Mode: ModePending, OpeningBalance: 100, SettleAfter: time.Hour})
	seed(t, b, "a", "b")

	receipt, err := b.ExecuteTransfer(context.Background(), settlement.TransferRequest{FromIdentity: "a", ToIdentity: "b", Amount: 30})
	require.NoError(t, err)
	require.NoError(t, b.Resolve(receipt.ExternalID, "failed"))

	bal, err := b.GetBalance(context.Background(), "a")
	require.NoError(t, err)
	assert.EqualValues(t, 100, bal.Balance)
	assert.Error(t, b.Resolve(receipt.ExternalID, "confirmed"))
}
