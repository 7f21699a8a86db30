package solana

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockRPC implements RPCClient for tests. It records submitted transactions
// and returns canned balances.
type mockRPC struct {
	blockhashErr error
	sendErr      error
	balanceErr   error
	tokenErr     error

	sent         []*solana.Transaction
	solBalance   uint64
	tokenBalance string
}

func (m *mockRPC) GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	if m.blockhashErr != nil {
		return nil, m.blockhashErr
	}
	return &rpc.GetLatestBlockhashResult{
		Value: &rpc.LatestBlockhashResult{Blockhash: solana.Hash{}},
	}, nil
}

func (m *mockRPC) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	if m.sendErr != nil {
		return solana.Signature{}, m.sendErr
	}
	m.sent = append(m.sent, tx)
	return tx.Signatures[0], nil
}

func (m *mockRPC) GetBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error) {
	if m.balanceErr != nil {
		return nil, m.balanceErr
	}
	return &rpc.GetBalanceResult{Value: m.solBalance}, nil
}

func (m *mockRPC) GetTokenAccountBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetTokenAccountBalanceResult, error) {
	if m.tokenErr != nil {
		return nil, m.tokenErr
	}
	return &rpc.GetTokenAccountBalanceResult{
		Value: &rpc.UiTokenAmount{Amount: m.tokenBalance},
	}, nil
}

func newTestClient(t *testing.T, mock *mockRPC) *Client {
	t.Helper()
	wallet := solana.NewWallet()
	mint := solana.NewWallet().PublicKey()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	client, err := NewClient(mock, wallet.PrivateKey.String(), mint.String(), "devnet", nil, logger)
	require.NoError(t, err)
	return client
}

func TestNewClient_InvalidKeys(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	mint := solana.NewWallet().PublicKey().String()

	_, err := NewClient(&mockRPC{}, "not-base58!", mint, "devnet", nil, logger)
	assert.Error(t, err)

	wallet := solana.NewWallet()
	_, err = NewClient(&mockRPC{}, wallet.PrivateKey.String(), "not-a-mint!", "devnet", nil, logger)
	assert.Error(t, err)
}

func TestTransfer_SOL(t *testing.T) {
	mock := &mockRPC{}
	client := newTestClient(t, mock)
	dest := solana.NewWallet().PublicKey()

	sig, err := client.Transfer(context.Background(), dest.String(), 1_000_000, TokenSOL)
	require.NoError(t, err)
	assert.NotEmpty(t, sig)
	require.Len(t, mock.sent, 1)

	// Exactly one instruction, signed by the service wallet.
	tx := mock.sent[0]
	assert.Len(t, tx.Message.Instructions, 1)
	assert.Len(t, tx.Signatures, 1)
}

func TestTransfer_USDC(t *testing.T) {
	mock := &mockRPC{}
	client := newTestClient(t, mock)
	dest := solana.NewWallet().PublicKey()

	sig, err := client.Transfer(context.Background(), dest.String(), 5_000_000, TokenUSDC)
	require.NoError(t, err)
	assert.NotEmpty(t, sig)
	assert.Len(t, mock.sent, 1)
}

func TestTransfer_Validation(t *testing.T) {
	mock := &mockRPC{}
	client := newTestClient(t, mock)
	dest := solana.NewWallet().PublicKey()

	_, err := client.Transfer(context.Background(), dest.String(), 0, TokenSOL)
	assert.Error(t, err)

	_, err = client.Transfer(context.Background(), "bad-address!", 1, TokenSOL)
	assert.Error(t, err)

	_, err = client.Transfer(context.Background(), dest.String(), 1, "doge")
	assert.Error(t, err)

	assert.Empty(t, mock.sent, "nothing should be submitted on validation failure")
}

func TestTransfer_RPCFailure(t *testing.T) {
	mock := &mockRPC{sendErr: errors.New("node unavailable")}
	client := newTestClient(t, mock)
	dest := solana.NewWallet().PublicKey()

	_, err := client.Transfer(context.Background(), dest.String(), 1, TokenSOL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to send transaction")
}

func TestRefund(t *testing.T) {
	mock := &mockRPC{}
	client := newTestClient(t, mock)
	dest := solana.NewWallet().PublicKey()

	sig, err := client.Refund(context.Background(), dest.String(), 42, TokenSOL)
	require.NoError(t, err)
	assert.NotEmpty(t, sig)
	assert.Len(t, mock.sent, 1)
}

func TestBalanceOf(t *testing.T) {
	mock := &mockRPC{solBalance: 2_000_000_000, tokenBalance: "7500000"}
	client := newTestClient(t, mock)
	owner := solana.NewWallet().PublicKey()

	balance, err := client.BalanceOf(context.Background(), owner.String())
	require.NoError(t, err)
	assert.Equal(t, int64(2_000_000_000), balance.Primary)
	assert.Equal(t, int64(7_500_000), balance.Secondary)
}

func TestBalanceOf_NoTokenAccount(t *testing.T) {
	mock := &mockRPC{solBalance: 100, tokenErr: errors.New("could not find account")}
	client := newTestClient(t, mock)
	owner := solana.NewWallet().PublicKey()

	// A wallet without a token account still reports its SOL balance.
	balance, err := client.BalanceOf(context.Background(), owner.String())
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance.Primary)
	assert.Equal(t, int64(0), balance.Secondary)
}
