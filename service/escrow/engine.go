package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/paylock/service/metrics"
)

// Engine is the authoritative state machine over payment records. It owns
// every status transition: it validates the caller's role and the requested
// edge, reserves the slot with an atomic compare-and-set, drives the ledger
// transfer, and only then records the settlement. A chain failure rolls the
// reservation back so no transition is ever partially applied.
type Engine struct {
	store    Store
	chain    ChainClient
	notifier Notifier
	issuer   *CodeIssuer
	vault    string // escrow holding address funding transfers are sent to
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewEngine creates an Engine with the given dependencies. The vault is the
// escrow holding address that funding transfers are parked at until claimed
// or refunded. metrics may be nil.
func NewEngine(store Store, chain ChainClient, notifier Notifier, issuer *CodeIssuer, vault string, m *metrics.Metrics, logger *slog.Logger) *Engine {
	return &Engine{
		store:    store,
		chain:    chain,
		notifier: notifier,
		issuer:   issuer,
		vault:    vault,
		metrics:  m,
		logger:   logger,
	}
}

// CreatePaymentParams describes a new single-recipient payment.
type CreatePaymentParams struct {
	Sender    string
	Receiver  string
	Amount    int64
	TokenType string
	// Direct bypasses escrow entirely: the transfer goes straight to the
	// receiver, the record is created as completed, and no code is issued.
	Direct bool
}

// CreatePayment funds and persists a new single-recipient payment. For
// escrowed payments the returned record carries the one-time plaintext claim
// code; it is not retrievable afterwards.
func (e *Engine) CreatePayment(ctx context.Context, p CreatePaymentParams) (*TransactionRecord, error) {
	if p.Amount <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	if p.Sender == "" || p.Receiver == "" {
		return nil, fmt.Errorf("sender and receiver are required")
	}

	dest := e.vault
	if p.Direct {
		dest = p.Receiver
	}
	digest, err := e.transfer(ctx, dest, p.Amount, p.TokenType)
	if err != nil {
		e.metrics.RecordTransition("create", "upstream_failed")
		return nil, err
	}

	rec := &TransactionRecord{
		Digest:    digest,
		Sender:    p.Sender,
		Receiver:  p.Receiver,
		Amount:    p.Amount,
		TokenType: p.TokenType,
		Status:    StatusActive,
		CreatedAt: time.Now().UTC(),
	}

	var plain string
	if p.Direct {
		rec.Status = StatusCompleted
	} else {
		rec.CodeHash, plain = e.issuer.Issue()
		e.metrics.RecordCodeIssued()
	}

	if err := e.store.CreateTransaction(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to persist payment: %w", err)
	}
	e.metrics.RecordTransition("create", "applied")

	e.logger.InfoContext(ctx, "payment created",
		"digest", rec.Digest,
		"sender", rec.Sender,
		"receiver", rec.Receiver,
		"amount", rec.Amount,
		"token", rec.TokenType,
		"status", rec.Status,
	)

	// Plaintext lives only on the returned copy, never in the store.
	rec.PlainCode = plain

	if !p.Direct {
		e.notifyClaimCode(ctx, rec.Receiver, rec.Amount, rec.TokenType, plain)
	}
	return rec, nil
}

// BulkRecipient is one planned recipient of a bulk payment.
type BulkRecipient struct {
	Address string
	Amount  int64
}

// CreateBulkPaymentParams describes a new multi-recipient payment funded by a
// single transfer.
type CreateBulkPaymentParams struct {
	Sender     string
	Recipients []BulkRecipient
	TokenType  string
	// TotalAmount, when non-zero, must equal the sum of recipient amounts.
	// When zero it is computed from the recipients.
	TotalAmount int64
	Direct      bool
}

// CreateBulkPayment funds and persists a new bulk payment. Every recipient
// slot gets its own independently tracked status and claim code.
func (e *Engine) CreateBulkPayment(ctx context.Context, p CreateBulkPaymentParams) (*BulkTransactionRecord, error) {
	if len(p.Recipients) == 0 {
		return nil, fmt.Errorf("at least one recipient is required")
	}
	if p.Sender == "" {
		return nil, fmt.Errorf("sender is required")
	}

	var total int64
	seen := make(map[string]struct{}, len(p.Recipients))
	for _, r := range p.Recipients {
		if r.Address == "" {
			return nil, fmt.Errorf("recipient address is required")
		}
		if r.Amount <= 0 {
			return nil, fmt.Errorf("recipient %s: amount must be positive", r.Address)
		}
		if _, dup := seen[r.Address]; dup {
			return nil, fmt.Errorf("duplicate recipient address %s", r.Address)
		}
		seen[r.Address] = struct{}{}
		total += r.Amount
	}
	if p.TotalAmount != 0 && p.TotalAmount != total {
		return nil, fmt.Errorf("total_amount %d does not match sum of recipient amounts %d", p.TotalAmount, total)
	}

	dest := e.vault
	status := StatusActive
	if p.Direct {
		status = StatusCompleted
	}

	digest, err := e.transfer(ctx, dest, total, p.TokenType)
	if err != nil {
		e.metrics.RecordTransition("create_bulk", "upstream_failed")
		return nil, err
	}
	// Direct bulk sends settle each recipient individually after the funding
	// transfer lands in the vault.
	if p.Direct {
		for _, r := range p.Recipients {
			if _, err := e.transfer(ctx, r.Address, r.Amount, p.TokenType); err != nil {
				e.metrics.RecordTransition("create_bulk", "upstream_failed")
				return nil, err
			}
		}
	}

	rec := &BulkTransactionRecord{
		Digest:      digest,
		Sender:      p.Sender,
		TotalAmount: total,
		TokenType:   p.TokenType,
		CreatedAt:   time.Now().UTC(),
		Recipients:  make([]RecipientSlot, len(p.Recipients)),
	}

	plains := make([]string, len(p.Recipients))
	for i, r := range p.Recipients {
		slot := RecipientSlot{
			Address: r.Address,
			Amount:  r.Amount,
			Status:  status,
		}
		if !p.Direct {
			slot.CodeHash, plains[i] = e.issuer.Issue()
			e.metrics.RecordCodeIssued()
		}
		rec.Recipients[i] = slot
	}

	if err := e.store.CreateBulkTransaction(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to persist bulk payment: %w", err)
	}
	e.metrics.RecordTransition("create_bulk", "applied")

	e.logger.InfoContext(ctx, "bulk payment created",
		"digest", rec.Digest,
		"sender", rec.Sender,
		"recipients", len(rec.Recipients),
		"total_amount", rec.TotalAmount,
		"token", rec.TokenType,
	)

	for i := range rec.Recipients {
		rec.Recipients[i].PlainCode = plains[i]
		if !p.Direct {
			e.notifyClaimCode(ctx, rec.Recipients[i].Address, rec.Recipients[i].Amount, rec.TokenType, plains[i])
		}
	}
	return rec, nil
}

// Verify checks a receiver-submitted claim code against the stored code for
// exactly one slot. A mismatch is a normal false result, not an error, and
// does not invalidate the code. Only active slots are visible to Verify.
func (e *Engine) Verify(ctx context.Context, digest, claimant, code string) (bool, error) {
	slot, err := e.store.GetSlot(ctx, digest, claimant)
	if err != nil {
		e.metrics.RecordVerifyAttempt(errOutcome(err))
		return false, err
	}
	if slot.Status != StatusActive {
		e.metrics.RecordVerifyAttempt("not_found")
		return false, fmt.Errorf("no active slot for digest %s: %w", digest, ErrNotFound)
	}
	if VerifyCode(slot.CodeHash, code) {
		e.metrics.RecordVerifyAttempt("match")
		return true, nil
	}
	e.metrics.RecordVerifyAttempt("mismatch")
	return false, nil
}

// Claim transitions the claimant's slot from active to claimed, settles the
// held funds to the claimant, and records the settlement digest. Exactly one
// of two concurrent claims on the same slot succeeds; the loser gets
// ErrAlreadyTransitioned.
func (e *Engine) Claim(ctx context.Context, digest, claimant, code string) (*SlotView, error) {
	slot, err := e.settleTransition(ctx, settleParams{
		op:       "claim",
		digest:   digest,
		party:    claimant,
		code:     &code,
		to:       StatusClaimed,
		settleTo: claimant,
	})
	if err != nil {
		return nil, err
	}
	e.notifyStatusChange(ctx, slot.Sender, digest, StatusClaimed)
	return slot, nil
}

// Reject transitions the claimant's slot from active to rejected. No funds
// move; the sender may refund a rejected slot.
func (e *Engine) Reject(ctx context.Context, digest, claimant, code string) (*SlotView, error) {
	slot, err := e.store.GetSlot(ctx, digest, claimant)
	if err != nil {
		e.metrics.RecordTransition("reject", errOutcome(err))
		return nil, err
	}
	if err := checkEdge(slot.Status, StatusRejected); err != nil {
		e.metrics.RecordTransition("reject", errOutcome(err))
		return nil, err
	}
	if !VerifyCode(slot.CodeHash, code) {
		e.metrics.RecordTransition("reject", "code_mismatch")
		return nil, ErrCodeMismatch
	}

	if err := e.store.TransitionSlot(ctx, digest, claimant, StatusActive, StatusRejected); err != nil {
		e.metrics.RecordTransition("reject", errOutcome(err))
		return nil, err
	}
	e.metrics.RecordTransition("reject", "applied")
	e.logger.InfoContext(ctx, "slot rejected", "digest", digest, "address", claimant)

	slot.Status = StatusRejected
	e.notifyStatusChange(ctx, slot.Sender, digest, StatusRejected)
	return slot, nil
}

// Refund transitions a slot from active or rejected to refunded, returns the
// held funds to the sender, and records the settlement digest. Only the
// record's sender may refund.
func (e *Engine) Refund(ctx context.Context, digest, sender, recipient string) (*SlotView, error) {
	slot, err := e.settleTransition(ctx, settleParams{
		op:       "refund",
		digest:   digest,
		party:    recipient,
		sender:   &sender,
		to:       StatusRefunded,
		settleTo: sender,
		refund:   true,
	})
	if err != nil {
		return nil, err
	}
	e.notifyStatusChange(ctx, recipient, digest, StatusRefunded)
	return slot, nil
}

// settleParams drives the shared claim/refund path: reserve the slot with a
// CAS, move funds, record settlement, roll back the CAS on chain failure.
type settleParams struct {
	op       string
	digest   string
	party    string  // the recipient slot address
	code     *string // claim code to check, nil for refund
	sender   *string // required sender identity, nil for claim
	to       Status
	settleTo string // address receiving the settlement transfer
	refund   bool   // use ChainClient.Refund instead of Transfer
}

func (e *Engine) settleTransition(ctx context.Context, p settleParams) (*SlotView, error) {
	slot, err := e.store.GetSlot(ctx, p.digest, p.party)
	if err != nil {
		e.metrics.RecordTransition(p.op, errOutcome(err))
		return nil, err
	}
	if p.sender != nil && slot.Sender != *p.sender {
		e.metrics.RecordTransition(p.op, "forbidden")
		return nil, fmt.Errorf("address %s is not the sender of %s: %w", *p.sender, p.digest, ErrForbidden)
	}
	if err := checkEdge(slot.Status, p.to); err != nil {
		e.metrics.RecordTransition(p.op, errOutcome(err))
		return nil, err
	}
	if p.code != nil && !VerifyCode(slot.CodeHash, *p.code) {
		e.metrics.RecordTransition(p.op, "code_mismatch")
		return nil, ErrCodeMismatch
	}

	from := slot.Status
	if err := e.store.TransitionSlot(ctx, p.digest, p.party, from, p.to); err != nil {
		e.metrics.RecordTransition(p.op, errOutcome(err))
		return nil, err
	}

	var settlement string
	if p.refund {
		settlement, err = e.refundTransfer(ctx, p.settleTo, slot.Amount, slot.TokenType)
	} else {
		settlement, err = e.transfer(ctx, p.settleTo, slot.Amount, slot.TokenType)
	}
	if err != nil {
		// Release the reservation so the caller can retry the whole
		// operation. If the rollback itself fails the slot stays reserved
		// and operator intervention is needed; log loudly.
		if rbErr := e.store.TransitionSlot(ctx, p.digest, p.party, p.to, from); rbErr != nil {
			e.logger.ErrorContext(ctx, "failed to roll back reserved transition",
				"op", p.op, "digest", p.digest, "address", p.party, "error", rbErr)
		}
		e.metrics.RecordTransition(p.op, "upstream_failed")
		return nil, err
	}

	if err := e.store.SetSlotSettlement(ctx, p.digest, p.party, settlement); err != nil {
		e.logger.ErrorContext(ctx, "failed to record settlement digest",
			"op", p.op, "digest", p.digest, "address", p.party, "settlement", settlement, "error", err)
	}
	e.metrics.RecordTransition(p.op, "applied")
	e.logger.InfoContext(ctx, "slot transitioned",
		"op", p.op,
		"digest", p.digest,
		"address", p.party,
		"from", from,
		"to", p.to,
		"settlement", settlement,
	)

	slot.Status = p.to
	slot.UpdatedDigest = &settlement
	return slot, nil
}

// ListPayments returns all single and bulk records where the address is the
// sender or a recipient. Code material is already absent from the returned
// records (the store never loads plaintext, and hashes stay internal to the
// serialization layer).
func (e *Engine) ListPayments(ctx context.Context, address string) ([]*TransactionRecord, []*BulkTransactionRecord, error) {
	singles, err := e.store.ListTransactionsByParty(ctx, address)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list payments: %w", err)
	}
	bulks, err := e.store.ListBulkTransactionsByParty(ctx, address)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list bulk payments: %w", err)
	}
	return singles, bulks, nil
}

// GetPayment returns the record carrying the digest, single or bulk.
func (e *Engine) GetPayment(ctx context.Context, digest string) (*TransactionRecord, *BulkTransactionRecord, error) {
	rec, err := e.store.GetTransaction(ctx, digest)
	if err == nil {
		return rec, nil, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, nil, err
	}
	bulk, err := e.store.GetBulkTransaction(ctx, digest)
	if err != nil {
		return nil, nil, err
	}
	return nil, bulk, nil
}

// transfer wraps ChainClient.Transfer with metrics and error classification.
func (e *Engine) transfer(ctx context.Context, to string, amount int64, token string) (string, error) {
	start := time.Now()
	digest, err := e.chain.Transfer(ctx, to, amount, token)
	e.metrics.RecordChainCall("Transfer", chainStatus(err), time.Since(start).Seconds())
	if err != nil {
		return "", &UpstreamTransferError{Op: "transfer", Err: err}
	}
	return digest, nil
}

// refundTransfer wraps ChainClient.Refund the same way.
func (e *Engine) refundTransfer(ctx context.Context, to string, amount int64, token string) (string, error) {
	start := time.Now()
	digest, err := e.chain.Refund(ctx, to, amount, token)
	e.metrics.RecordChainCall("Refund", chainStatus(err), time.Since(start).Seconds())
	if err != nil {
		return "", &UpstreamTransferError{Op: "refund", Err: err}
	}
	return digest, nil
}

func (e *Engine) notifyClaimCode(ctx context.Context, recipient string, amount int64, token, plain string) {
	if e.notifier == nil {
		return
	}
	start := time.Now()
	err := e.notifier.SendClaimCode(ctx, recipient, amount, token, plain)
	e.metrics.RecordNotification("claim_code", chainStatus(err), time.Since(start).Seconds())
	if err != nil {
		e.logger.WarnContext(ctx, "failed to send claim code notification",
			"recipient", recipient, "error", err)
	}
}

func (e *Engine) notifyStatusChange(ctx context.Context, party, digest string, status Status) {
	if e.notifier == nil {
		return
	}
	start := time.Now()
	err := e.notifier.SendStatusChange(ctx, party, digest, status)
	e.metrics.RecordNotification("status_change", chainStatus(err), time.Since(start).Seconds())
	if err != nil {
		e.logger.WarnContext(ctx, "failed to send status change notification",
			"party", party, "digest", digest, "status", status, "error", err)
	}
}

// checkEdge validates the requested transition from the slot's current
// status. A repeat of an already-applied transition is reported as
// ErrAlreadyTransitioned; any other illegal edge as ErrInvalidTransition.
func checkEdge(from, to Status) error {
	if from == to {
		return fmt.Errorf("slot is already %s: %w", from, ErrAlreadyTransitioned)
	}
	if !legalTransition(from, to) {
		return fmt.Errorf("cannot transition %s -> %s: %w", from, to, ErrInvalidTransition)
	}
	return nil
}

// errOutcome maps an error to a metrics outcome label.
func errOutcome(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrAlreadyTransitioned):
		return "already_transitioned"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid"
	case errors.Is(err, ErrCodeMismatch):
		return "code_mismatch"
	case IsUpstreamTransferError(err):
		return "upstream_failed"
	default:
		return "error"
	}
}

// chainStatus maps an error to a success/error label.
func chainStatus(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
