package escrow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

type engineFixture struct {
	engine   *Engine
	store    *MemStore
	chain    *MockChainClient
	notifier *MockNotifier
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	store := NewMemStore()
	chain := NewMockChainClient()
	notifier := NewMockNotifier()
	engine := NewEngine(store, chain, notifier, NewCodeIssuer(6), "VaultAddr111", nil, testLogger())
	return &engineFixture{engine: engine, store: store, chain: chain, notifier: notifier}
}

func TestCreatePayment_Escrowed(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	rec, err := f.engine.CreatePayment(ctx, CreatePaymentParams{
		Sender:    "SenderAddr",
		Receiver:  "ReceiverAddr",
		Amount:    50,
		TokenType: "usdc",
	})
	require.NoError(t, err)

	assert.Equal(t, StatusActive, rec.Status)
	assert.Len(t, rec.PlainCode, 6)
	assert.NotEmpty(t, rec.Digest)
	assert.Nil(t, rec.UpdatedDigest)

	// Funding transfer went to the vault, not the receiver.
	require.Len(t, f.chain.Transfers, 1)
	assert.Equal(t, "VaultAddr111", f.chain.Transfers[0].To)
	assert.Equal(t, int64(50), f.chain.Transfers[0].Amount)

	// The persisted record never carries the plaintext.
	stored, err := f.store.GetTransaction(ctx, rec.Digest)
	require.NoError(t, err)
	assert.Empty(t, stored.PlainCode)
	assert.Equal(t, rec.CodeHash, stored.CodeHash)

	// The receiver was notified with the one-time code.
	require.Len(t, f.notifier.ClaimCodes, 1)
	assert.Equal(t, rec.PlainCode, f.notifier.ClaimCodes[0].PlainCode)
}

func TestCreatePayment_Direct(t *testing.T) {
	f := newEngineFixture(t)

	rec, err := f.engine.CreatePayment(context.Background(), CreatePaymentParams{
		Sender:    "SenderAddr",
		Receiver:  "ReceiverAddr",
		Amount:    10,
		TokenType: "sol",
		Direct:    true,
	})
	require.NoError(t, err)

	// Direct sends bypass escrow entirely: completed immediately, no code,
	// funds go straight to the receiver.
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Empty(t, rec.PlainCode)
	assert.Empty(t, rec.CodeHash)
	require.Len(t, f.chain.Transfers, 1)
	assert.Equal(t, "ReceiverAddr", f.chain.Transfers[0].To)
	assert.Empty(t, f.notifier.ClaimCodes)
}

func TestCreatePayment_Validation(t *testing.T) {
	f := newEngineFixture(t)

	tests := []struct {
		name   string
		params CreatePaymentParams
	}{
		{"zero amount", CreatePaymentParams{Sender: "S", Receiver: "R", Amount: 0, TokenType: "sol"}},
		{"negative amount", CreatePaymentParams{Sender: "S", Receiver: "R", Amount: -5, TokenType: "sol"}},
		{"missing sender", CreatePaymentParams{Receiver: "R", Amount: 5, TokenType: "sol"}},
		{"missing receiver", CreatePaymentParams{Sender: "S", Amount: 5, TokenType: "sol"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.CreatePayment(context.Background(), tt.params)
			assert.Error(t, err)
		})
	}
	assert.Empty(t, f.chain.Transfers, "no funds should move on validation failure")
}

func TestCreatePayment_ChainFailure(t *testing.T) {
	f := newEngineFixture(t)
	f.chain.TransferErr = errors.New("rpc unavailable")

	_, err := f.engine.CreatePayment(context.Background(), CreatePaymentParams{
		Sender: "S", Receiver: "R", Amount: 5, TokenType: "sol",
	})
	require.Error(t, err)
	assert.True(t, IsUpstreamTransferError(err))

	// Nothing persisted.
	_, _, err = f.engine.GetPayment(context.Background(), "mockdigest-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateBulkPayment(t *testing.T) {
	f := newEngineFixture(t)

	rec, err := f.engine.CreateBulkPayment(context.Background(), CreateBulkPaymentParams{
		Sender:    "SenderAddr",
		TokenType: "usdc",
		Recipients: []BulkRecipient{
			{Address: "R1", Amount: 10},
			{Address: "R2", Amount: 20},
			{Address: "R3", Amount: 5},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, int64(35), rec.TotalAmount)
	require.Len(t, rec.Recipients, 3)
	codes := make(map[string]string)
	for _, slot := range rec.Recipients {
		assert.Equal(t, StatusActive, slot.Status)
		assert.Len(t, slot.PlainCode, 6)
		codes[slot.Address] = slot.PlainCode
	}

	// One funding transfer of the total to the vault.
	require.Len(t, f.chain.Transfers, 1)
	assert.Equal(t, int64(35), f.chain.Transfers[0].Amount)

	// Every recipient got exactly their own code.
	require.Len(t, f.notifier.ClaimCodes, 3)
	for _, nc := range f.notifier.ClaimCodes {
		assert.Equal(t, codes[nc.Recipient], nc.PlainCode)
	}
}

func TestCreateBulkPayment_TotalMismatch(t *testing.T) {
	f := newEngineFixture(t)

	_, err := f.engine.CreateBulkPayment(context.Background(), CreateBulkPaymentParams{
		Sender:      "SenderAddr",
		TokenType:   "usdc",
		TotalAmount: 40,
		Recipients: []BulkRecipient{
			{Address: "R1", Amount: 10},
			{Address: "R2", Amount: 20},
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match")
	assert.Empty(t, f.chain.Transfers)
}

func TestVerify(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	rec, err := f.engine.CreatePayment(ctx, CreatePaymentParams{
		Sender: "S", Receiver: "R", Amount: 5, TokenType: "sol",
	})
	require.NoError(t, err)

	// Wrong codes return false without error and never invalidate the code.
	for i := 0; i < 3; i++ {
		ok, err := f.engine.Verify(ctx, rec.Digest, "R", "NOPE00")
		require.NoError(t, err)
		assert.False(t, ok)
	}

	ok, err := f.engine.Verify(ctx, rec.Digest, "R", rec.PlainCode)
	require.NoError(t, err)
	assert.True(t, ok)

	// Status is untouched by verification.
	stored, err := f.store.GetTransaction(ctx, rec.Digest)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, stored.Status)

	// Unknown digest -> NotFound; wrong claimant -> Forbidden.
	_, err = f.engine.Verify(ctx, "no-such-digest", "R", rec.PlainCode)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.engine.Verify(ctx, rec.Digest, "Stranger", rec.PlainCode)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestClaim(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	rec, err := f.engine.CreatePayment(ctx, CreatePaymentParams{
		Sender: "S", Receiver: "R", Amount: 50, TokenType: "usdc",
	})
	require.NoError(t, err)

	slot, err := f.engine.Claim(ctx, rec.Digest, "R", rec.PlainCode)
	require.NoError(t, err)
	assert.Equal(t, StatusClaimed, slot.Status)
	require.NotNil(t, slot.UpdatedDigest)

	// Settlement transfer went to the claimant.
	require.Len(t, f.chain.Transfers, 2) // funding + settlement
	assert.Equal(t, "R", f.chain.Transfers[1].To)
	assert.Equal(t, int64(50), f.chain.Transfers[1].Amount)

	// Sender was notified of the claim.
	require.NotEmpty(t, f.notifier.StatusChanges)
	assert.Equal(t, "S", f.notifier.StatusChanges[0].Party)
	assert.Equal(t, StatusClaimed, f.notifier.StatusChanges[0].Status)
}

func TestClaim_Idempotence(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	rec, err := f.engine.CreatePayment(ctx, CreatePaymentParams{
		Sender: "S", Receiver: "R", Amount: 50, TokenType: "usdc",
	})
	require.NoError(t, err)

	_, err = f.engine.Claim(ctx, rec.Digest, "R", rec.PlainCode)
	require.NoError(t, err)

	// A second claim is a hard error, never a silent success.
	_, err = f.engine.Claim(ctx, rec.Digest, "R", rec.PlainCode)
	assert.ErrorIs(t, err, ErrAlreadyTransitioned)

	// The settlement was applied exactly once.
	assert.Len(t, f.chain.Transfers, 2)
}

func TestClaim_ConcurrentAttempts(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	rec, err := f.engine.CreatePayment(ctx, CreatePaymentParams{
		Sender: "S", Receiver: "R", Amount: 50, TokenType: "usdc",
	})
	require.NoError(t, err)

	const attempts = 8
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.engine.Claim(ctx, rec.Digest, "R", rec.PlainCode)
		}(i)
	}
	wg.Wait()

	var succeeded int
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrAlreadyTransitioned)
		}
	}
	assert.Equal(t, 1, succeeded, "exactly one concurrent claim must win")
	assert.Len(t, f.chain.Transfers, 2, "funds must settle exactly once")
}

func TestClaim_WrongCode(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	rec, err := f.engine.CreatePayment(ctx, CreatePaymentParams{
		Sender: "S", Receiver: "R", Amount: 50, TokenType: "usdc",
	})
	require.NoError(t, err)

	_, err = f.engine.Claim(ctx, rec.Digest, "R", "WRONG1")
	assert.ErrorIs(t, err, ErrCodeMismatch)

	// Wrong code moved nothing; the correct code still works afterwards.
	stored, err := f.store.GetTransaction(ctx, rec.Digest)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, stored.Status)

	_, err = f.engine.Claim(ctx, rec.Digest, "R", rec.PlainCode)
	assert.NoError(t, err)
}

func TestClaim_ChainFailureRollsBack(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	rec, err := f.engine.CreatePayment(ctx, CreatePaymentParams{
		Sender: "S", Receiver: "R", Amount: 50, TokenType: "usdc",
	})
	require.NoError(t, err)

	f.chain.TransferErr = errors.New("rpc timeout")
	_, err = f.engine.Claim(ctx, rec.Digest, "R", rec.PlainCode)
	require.Error(t, err)
	assert.True(t, IsUpstreamTransferError(err))

	// No partial state: the slot is back to active and retryable.
	stored, err := f.store.GetTransaction(ctx, rec.Digest)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, stored.Status)
	assert.Nil(t, stored.UpdatedDigest)

	f.chain.TransferErr = nil
	slot, err := f.engine.Claim(ctx, rec.Digest, "R", rec.PlainCode)
	require.NoError(t, err)
	assert.Equal(t, StatusClaimed, slot.Status)
}

func TestClaim_NotifierFailureDoesNotRollBack(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	rec, err := f.engine.CreatePayment(ctx, CreatePaymentParams{
		Sender: "S", Receiver: "R", Amount: 50, TokenType: "usdc",
	})
	require.NoError(t, err)

	f.notifier.SendErr = errors.New("smtp down")
	slot, err := f.engine.Claim(ctx, rec.Digest, "R", rec.PlainCode)
	require.NoError(t, err)
	assert.Equal(t, StatusClaimed, slot.Status)
}

func TestReject(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	rec, err := f.engine.CreatePayment(ctx, CreatePaymentParams{
		Sender: "S", Receiver: "R", Amount: 50, TokenType: "usdc",
	})
	require.NoError(t, err)
	fundingTransfers := len(f.chain.Transfers)

	slot, err := f.engine.Reject(ctx, rec.Digest, "R", rec.PlainCode)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, slot.Status)

	// Rejection moves no funds.
	assert.Len(t, f.chain.Transfers, fundingTransfers)
	assert.Empty(t, f.chain.Refunds)

	// Claiming a rejected slot is illegal.
	_, err = f.engine.Claim(ctx, rec.Digest, "R", rec.PlainCode)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRefund_ActiveSlot(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	rec, err := f.engine.CreatePayment(ctx, CreatePaymentParams{
		Sender: "S", Receiver: "R", Amount: 50, TokenType: "usdc",
	})
	require.NoError(t, err)

	slot, err := f.engine.Refund(ctx, rec.Digest, "S", "R")
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, slot.Status)
	require.NotNil(t, slot.UpdatedDigest)

	require.Len(t, f.chain.Refunds, 1)
	assert.Equal(t, "S", f.chain.Refunds[0].To)
	assert.Equal(t, int64(50), f.chain.Refunds[0].Amount)
}

func TestRefund_RejectedSlot(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	rec, err := f.engine.CreatePayment(ctx, CreatePaymentParams{
		Sender: "S", Receiver: "R", Amount: 50, TokenType: "usdc",
	})
	require.NoError(t, err)

	_, err = f.engine.Reject(ctx, rec.Digest, "R", rec.PlainCode)
	require.NoError(t, err)

	slot, err := f.engine.Refund(ctx, rec.Digest, "S", "R")
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, slot.Status)
}

func TestRefund_RoleAndTransitionChecks(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	rec, err := f.engine.CreatePayment(ctx, CreatePaymentParams{
		Sender: "S", Receiver: "R", Amount: 50, TokenType: "usdc",
	})
	require.NoError(t, err)

	// Only the sender may refund.
	_, err = f.engine.Refund(ctx, rec.Digest, "R", "R")
	assert.ErrorIs(t, err, ErrForbidden)

	// Refunding a claimed slot is illegal.
	_, err = f.engine.Claim(ctx, rec.Digest, "R", rec.PlainCode)
	require.NoError(t, err)
	_, err = f.engine.Refund(ctx, rec.Digest, "S", "R")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// Double refund on another record reports already transitioned.
	rec2, err := f.engine.CreatePayment(ctx, CreatePaymentParams{
		Sender: "S", Receiver: "R2", Amount: 5, TokenType: "usdc",
	})
	require.NoError(t, err)
	_, err = f.engine.Refund(ctx, rec2.Digest, "S", "R2")
	require.NoError(t, err)
	_, err = f.engine.Refund(ctx, rec2.Digest, "S", "R2")
	assert.ErrorIs(t, err, ErrAlreadyTransitioned)
}

// Bulk scenario: R2 submits the wrong code once, then the right code, then
// claims; only R2's slot moves. The sender then refunds R1's still-active
// slot; R2 and R3 are unaffected.
func TestBulk_IndependentSlots(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	rec, err := f.engine.CreateBulkPayment(ctx, CreateBulkPaymentParams{
		Sender:    "S",
		TokenType: "usdc",
		Recipients: []BulkRecipient{
			{Address: "R1", Amount: 10},
			{Address: "R2", Amount: 20},
			{Address: "R3", Amount: 5},
		},
	})
	require.NoError(t, err)
	require.Equal(t, int64(35), rec.TotalAmount)

	var r2Code string
	for _, slot := range rec.Recipients {
		if slot.Address == "R2" {
			r2Code = slot.PlainCode
		}
	}

	ok, err := f.engine.Verify(ctx, rec.Digest, "R2", "BADCOD")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = f.engine.Verify(ctx, rec.Digest, "R2", r2Code)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = f.engine.Claim(ctx, rec.Digest, "R2", r2Code)
	require.NoError(t, err)

	statuses := slotStatuses(t, f.store, rec.Digest)
	assert.Equal(t, StatusActive, statuses["R1"])
	assert.Equal(t, StatusClaimed, statuses["R2"])
	assert.Equal(t, StatusActive, statuses["R3"])

	// Sender refunds R1; the other slots keep their states.
	_, err = f.engine.Refund(ctx, rec.Digest, "S", "R1")
	require.NoError(t, err)

	statuses = slotStatuses(t, f.store, rec.Digest)
	assert.Equal(t, StatusRefunded, statuses["R1"])
	assert.Equal(t, StatusClaimed, statuses["R2"])
	assert.Equal(t, StatusActive, statuses["R3"])
}

func TestListPayments(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	_, err := f.engine.CreatePayment(ctx, CreatePaymentParams{
		Sender: "S", Receiver: "R", Amount: 5, TokenType: "sol",
	})
	require.NoError(t, err)
	_, err = f.engine.CreateBulkPayment(ctx, CreateBulkPaymentParams{
		Sender:    "Other",
		TokenType: "usdc",
		Recipients: []BulkRecipient{
			{Address: "R", Amount: 1},
			{Address: "X", Amount: 2},
		},
	})
	require.NoError(t, err)

	// R appears as a receiver in both shapes.
	singles, bulks, err := f.engine.ListPayments(ctx, "R")
	require.NoError(t, err)
	assert.Len(t, singles, 1)
	assert.Len(t, bulks, 1)

	// A stranger sees nothing.
	singles, bulks, err = f.engine.ListPayments(ctx, "Nobody")
	require.NoError(t, err)
	assert.Empty(t, singles)
	assert.Empty(t, bulks)
}

func slotStatuses(t *testing.T, store Store, digest string) map[string]Status {
	t.Helper()
	rec, err := store.GetBulkTransaction(context.Background(), digest)
	require.NoError(t, err)
	out := make(map[string]Status, len(rec.Recipients))
	for _, slot := range rec.Recipients {
		out[slot.Address] = slot.Status
	}
	return out
}
