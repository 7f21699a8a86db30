package solana

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/brojonat/paylock/service/escrow"
	"github.com/brojonat/paylock/service/metrics"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
)

// Token types accepted by the payment API.
const (
	TokenSOL  = "sol"
	TokenUSDC = "usdc"
)

// RPCClient is an interface for the Solana RPC operations we need.
// This allows us to mock the RPC layer in tests without hitting real Solana nodes.
type RPCClient interface {
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	GetBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error)
	GetTokenAccountBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetTokenAccountBalanceResult, error)
}

// Client moves funds from the service wallet and reports balances. It
// implements escrow.ChainClient: the service wallet doubles as the escrow
// vault, so claims, refunds, and funding transfers are all signed by the same
// key.
type Client struct {
	rpc      RPCClient
	wallet   solana.PrivateKey
	usdcMint solana.PublicKey
	network  string // "mainnet" or "devnet", used for metrics labeling
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewClient creates a new Solana client. privateKey is the base58-encoded
// service wallet key; usdcMint is the mint address for the stable token on
// the configured network. If metrics is nil, no metrics will be recorded.
func NewClient(rpcClient RPCClient, privateKey, usdcMint, network string, m *metrics.Metrics, logger *slog.Logger) (*Client, error) {
	wallet, err := solana.PrivateKeyFromBase58(privateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid service wallet private key: %w", err)
	}
	mint, err := solana.PublicKeyFromBase58(usdcMint)
	if err != nil {
		return nil, fmt.Errorf("invalid USDC mint address: %w", err)
	}
	return &Client{
		rpc:      rpcClient,
		wallet:   wallet,
		usdcMint: mint,
		network:  network,
		metrics:  m,
		logger:   logger,
	}, nil
}

// WalletAddress returns the service wallet's public address. Escrowed funds
// are held here between funding and settlement.
func (c *Client) WalletAddress() string {
	return c.wallet.PublicKey().String()
}

// Transfer moves amount of tokenType from the service wallet to the given
// address and returns the transaction signature.
func (c *Client) Transfer(ctx context.Context, to string, amount int64, tokenType string) (string, error) {
	return c.send(ctx, "Transfer", to, amount, tokenType)
}

// Refund returns amount of tokenType to the given address. On chain it is the
// same operation as Transfer; it is separate in the interface so callers and
// metrics can distinguish settlement direction.
func (c *Client) Refund(ctx context.Context, to string, amount int64, tokenType string) (string, error) {
	return c.send(ctx, "Refund", to, amount, tokenType)
}

func (c *Client) send(ctx context.Context, method, to string, amount int64, tokenType string) (string, error) {
	if amount <= 0 {
		return "", fmt.Errorf("amount must be positive, got %d", amount)
	}
	dest, err := solana.PublicKeyFromBase58(to)
	if err != nil {
		return "", fmt.Errorf("invalid destination address %q: %w", to, err)
	}

	instruction, err := c.buildInstruction(dest, uint64(amount), tokenType)
	if err != nil {
		return "", err
	}

	start := time.Now()
	sig, err := c.submit(ctx, instruction)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = "error"
		c.logger.ErrorContext(ctx, "transfer failed",
			"method", method,
			"to", to,
			"amount", amount,
			"token", tokenType,
			"network", c.network,
			"error", err,
		)
	}
	if c.metrics != nil {
		c.metrics.RecordChainCall(method, status, duration)
	}
	if err != nil {
		return "", err
	}

	c.logger.InfoContext(ctx, "transfer submitted",
		"method", method,
		"to", to,
		"amount", amount,
		"token", tokenType,
		"signature", sig,
	)
	return sig, nil
}

func (c *Client) buildInstruction(dest solana.PublicKey, amount uint64, tokenType string) (solana.Instruction, error) {
	from := c.wallet.PublicKey()

	switch tokenType {
	case TokenSOL:
		return system.NewTransferInstruction(amount, from, dest).Build(), nil

	case TokenUSDC:
		source, _, err := solana.FindAssociatedTokenAddress(from, c.usdcMint)
		if err != nil {
			return nil, fmt.Errorf("failed to derive source token account: %w", err)
		}
		destAccount, _, err := solana.FindAssociatedTokenAddress(dest, c.usdcMint)
		if err != nil {
			return nil, fmt.Errorf("failed to derive destination token account: %w", err)
		}
		return token.NewTransferInstruction(amount, source, destAccount, from, nil).Build(), nil

	default:
		return nil, fmt.Errorf("unsupported token type %q", tokenType)
	}
}

func (c *Client) submit(ctx context.Context, instruction solana.Instruction) (string, error) {
	blockhash, err := c.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return "", fmt.Errorf("failed to fetch blockhash: %w", err)
	}

	tx, err := solana.NewTransaction(
		[]solana.Instruction{instruction},
		blockhash.Value.Blockhash,
		solana.TransactionPayer(c.wallet.PublicKey()),
	)
	if err != nil {
		return "", fmt.Errorf("failed to build transaction: %w", err)
	}

	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(c.wallet.PublicKey()) {
			return &c.wallet
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}

	sig, err := c.rpc.SendTransaction(ctx, tx)
	if err != nil {
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}
	return sig.String(), nil
}

// BalanceOf reports the SOL and USDC balances of an address in base units
// (lamports and USDC base units respectively). A missing token account is
// reported as a zero balance, not an error.
func (c *Client) BalanceOf(ctx context.Context, address string) (escrow.Balance, error) {
	owner, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return escrow.Balance{}, fmt.Errorf("invalid address %q: %w", address, err)
	}

	start := time.Now()
	balance, err := c.rpc.GetBalance(ctx, owner, rpc.CommitmentFinalized)
	if c.metrics != nil {
		c.metrics.RecordChainCall("GetBalance", chainStatus(err), time.Since(start).Seconds())
	}
	if err != nil {
		return escrow.Balance{}, fmt.Errorf("failed to fetch balance for %s: %w", address, err)
	}

	out := escrow.Balance{Primary: int64(balance.Value)}

	tokenAccount, _, err := solana.FindAssociatedTokenAddress(owner, c.usdcMint)
	if err != nil {
		return escrow.Balance{}, fmt.Errorf("failed to derive token account for %s: %w", address, err)
	}

	start = time.Now()
	tokenBalance, err := c.rpc.GetTokenAccountBalance(ctx, tokenAccount, rpc.CommitmentFinalized)
	if c.metrics != nil {
		c.metrics.RecordChainCall("GetTokenAccountBalance", chainStatus(err), time.Since(start).Seconds())
	}
	if err != nil {
		// Wallets that never held USDC have no token account.
		c.logger.DebugContext(ctx, "no token account balance",
			"address", address, "token_account", tokenAccount.String(), "error", err)
		return out, nil
	}
	if tokenBalance.Value != nil {
		amount, err := strconv.ParseInt(tokenBalance.Value.Amount, 10, 64)
		if err != nil {
			return escrow.Balance{}, fmt.Errorf("failed to parse token balance %q: %w", tokenBalance.Value.Amount, err)
		}
		out.Secondary = amount
	}
	return out, nil
}

func chainStatus(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
