package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/paylock/service/metrics"
	"github.com/google/uuid"
)

// Activator manages scheduled intents: not-yet-live payments awaiting sender
// action. Funds are held at scheduling time; activation mints the claim codes
// and replaces the intent with a live record, cancellation refunds the hold.
// There is no background scheduler — an intent whose time has passed stays
// pending until a human activates or cancels it, and the authoritative time
// check lives here, not in any client.
type Activator struct {
	store    Store
	chain    ChainClient
	notifier Notifier
	issuer   *CodeIssuer
	vault    string
	now      func() time.Time
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewActivator creates an Activator. now may be nil, in which case time.Now
// is used; tests inject a fixed clock.
func NewActivator(store Store, chain ChainClient, notifier Notifier, issuer *CodeIssuer, vault string, now func() time.Time, m *metrics.Metrics, logger *slog.Logger) *Activator {
	if now == nil {
		now = time.Now
	}
	return &Activator{
		store:    store,
		chain:    chain,
		notifier: notifier,
		issuer:   issuer,
		vault:    vault,
		now:      now,
		metrics:  m,
		logger:   logger,
	}
}

// ScheduleParams describes a new scheduled intent, single or bulk.
type ScheduleParams struct {
	Sender      string
	TokenType   string
	ScheduledAt time.Time
	Recipients  []IntentRecipient
}

// Schedule holds the total amount in escrow and persists a pending intent.
// No codes are minted and no live record exists until activation.
func (a *Activator) Schedule(ctx context.Context, p ScheduleParams) (*ScheduledIntent, error) {
	if p.Sender == "" {
		return nil, fmt.Errorf("sender is required")
	}
	if len(p.Recipients) == 0 {
		return nil, fmt.Errorf("at least one recipient is required")
	}
	if !p.ScheduledAt.After(a.now()) {
		return nil, fmt.Errorf("scheduled_at must be in the future")
	}
	var total int64
	for _, r := range p.Recipients {
		if r.Address == "" {
			return nil, fmt.Errorf("recipient address is required")
		}
		if r.Amount <= 0 {
			return nil, fmt.Errorf("recipient %s: amount must be positive", r.Address)
		}
		total += r.Amount
	}

	start := time.Now()
	funding, err := a.chain.Transfer(ctx, a.vault, total, p.TokenType)
	a.metrics.RecordChainCall("Transfer", chainStatus(err), time.Since(start).Seconds())
	if err != nil {
		a.metrics.RecordIntentOperation("schedule", "upstream_failed")
		return nil, &UpstreamTransferError{Op: "transfer", Err: err}
	}

	intent := &ScheduledIntent{
		ID:            uuid.New().String(),
		Sender:        p.Sender,
		TokenType:     p.TokenType,
		FundingDigest: funding,
		TotalAmount:   total,
		ScheduledAt:   p.ScheduledAt.UTC(),
		CreatedAt:     a.now().UTC(),
		Recipients:    p.Recipients,
	}
	if err := a.store.CreateIntent(ctx, intent); err != nil {
		a.metrics.RecordIntentOperation("schedule", "error")
		return nil, fmt.Errorf("failed to persist scheduled intent: %w", err)
	}
	a.metrics.RecordIntentOperation("schedule", "applied")

	a.logger.InfoContext(ctx, "payment scheduled",
		"intent_id", intent.ID,
		"sender", intent.Sender,
		"recipients", len(intent.Recipients),
		"total_amount", intent.TotalAmount,
		"scheduled_at", intent.ScheduledAt,
	)
	return intent, nil
}

// ActivationResult is the live record produced by a successful activation.
// Exactly one of Transaction and Bulk is set.
type ActivationResult struct {
	Transaction *TransactionRecord
	Bulk        *BulkTransactionRecord
}

// Activate converts a pending intent into a live escrowed record. It is legal
// only for the intent's sender and only at or after the scheduled instant
// (client-side "expired" badges are advisory; this check is the authoritative
// one). Codes are minted now, the intent is deleted, and each recipient is
// notified best-effort with their plaintext code. A second activation of the
// same intent fails with ErrNotFound.
func (a *Activator) Activate(ctx context.Context, intentID, sender string) (*ActivationResult, error) {
	intent, err := a.store.GetIntent(ctx, intentID)
	if err != nil {
		a.metrics.RecordIntentOperation("activate", errOutcome(err))
		return nil, err
	}
	if intent.Sender != sender {
		a.metrics.RecordIntentOperation("activate", "forbidden")
		return nil, fmt.Errorf("address %s is not the sender of intent %s: %w", sender, intentID, ErrForbidden)
	}
	if a.now().Before(intent.ScheduledAt) {
		a.metrics.RecordIntentOperation("activate", "not_due")
		return nil, fmt.Errorf("intent %s is scheduled for %s: %w", intentID, intent.ScheduledAt.Format(time.RFC3339), ErrNotBeforeSchedule)
	}

	result := &ActivationResult{}
	var plains []string
	if intent.Bulk() {
		bulk := &BulkTransactionRecord{
			Digest:      intent.FundingDigest,
			Sender:      intent.Sender,
			TotalAmount: intent.TotalAmount,
			TokenType:   intent.TokenType,
			CreatedAt:   a.now().UTC(),
			Recipients:  make([]RecipientSlot, len(intent.Recipients)),
		}
		plains = make([]string, len(intent.Recipients))
		for i, r := range intent.Recipients {
			slot := RecipientSlot{
				Address: r.Address,
				Amount:  r.Amount,
				Status:  StatusActive,
			}
			slot.CodeHash, plains[i] = a.issuer.Issue()
			a.metrics.RecordCodeIssued()
			bulk.Recipients[i] = slot
		}
		if err := a.store.CreateBulkTransaction(ctx, bulk); err != nil {
			a.metrics.RecordIntentOperation("activate", "error")
			return nil, fmt.Errorf("failed to create live record: %w", err)
		}
		result.Bulk = bulk
	} else {
		r := intent.Recipients[0]
		rec := &TransactionRecord{
			Digest:    intent.FundingDigest,
			Sender:    intent.Sender,
			Receiver:  r.Address,
			Amount:    r.Amount,
			TokenType: intent.TokenType,
			Status:    StatusActive,
			CreatedAt: a.now().UTC(),
		}
		var plain string
		rec.CodeHash, plain = a.issuer.Issue()
		a.metrics.RecordCodeIssued()
		plains = []string{plain}
		if err := a.store.CreateTransaction(ctx, rec); err != nil {
			a.metrics.RecordIntentOperation("activate", "error")
			return nil, fmt.Errorf("failed to create live record: %w", err)
		}
		result.Transaction = rec
	}

	// Activation is a replace, not a copy: the intent and its live record
	// must never both be visible.
	if err := a.store.DeleteIntent(ctx, intentID); err != nil {
		a.logger.ErrorContext(ctx, "failed to delete activated intent",
			"intent_id", intentID, "error", err)
	}
	a.metrics.RecordIntentOperation("activate", "applied")

	a.logger.InfoContext(ctx, "intent activated",
		"intent_id", intentID,
		"digest", intent.FundingDigest,
		"recipients", len(intent.Recipients),
	)

	// Surface plaintexts on the returned copies only, then notify.
	if result.Bulk != nil {
		for i := range result.Bulk.Recipients {
			result.Bulk.Recipients[i].PlainCode = plains[i]
			a.sendClaimCode(ctx, result.Bulk.Recipients[i].Address, result.Bulk.Recipients[i].Amount, intent.TokenType, plains[i])
		}
	} else {
		result.Transaction.PlainCode = plains[0]
		a.sendClaimCode(ctx, result.Transaction.Receiver, result.Transaction.Amount, intent.TokenType, plains[0])
	}
	return result, nil
}

// Cancel discards a pending intent and refunds the held amount to the
// sender. Legal at any time before activation; no live record is ever
// created for a cancelled intent.
func (a *Activator) Cancel(ctx context.Context, intentID, sender string) (string, error) {
	intent, err := a.store.GetIntent(ctx, intentID)
	if err != nil {
		a.metrics.RecordIntentOperation("cancel", errOutcome(err))
		return "", err
	}
	if intent.Sender != sender {
		a.metrics.RecordIntentOperation("cancel", "forbidden")
		return "", fmt.Errorf("address %s is not the sender of intent %s: %w", sender, intentID, ErrForbidden)
	}

	start := time.Now()
	refund, err := a.chain.Refund(ctx, intent.Sender, intent.TotalAmount, intent.TokenType)
	a.metrics.RecordChainCall("Refund", chainStatus(err), time.Since(start).Seconds())
	if err != nil {
		a.metrics.RecordIntentOperation("cancel", "upstream_failed")
		return "", &UpstreamTransferError{Op: "refund", Err: err}
	}

	if err := a.store.DeleteIntent(ctx, intentID); err != nil {
		a.metrics.RecordIntentOperation("cancel", errOutcome(err))
		return "", err
	}
	a.metrics.RecordIntentOperation("cancel", "applied")

	a.logger.InfoContext(ctx, "intent cancelled",
		"intent_id", intentID,
		"sender", intent.Sender,
		"refund_digest", refund,
	)
	return refund, nil
}

// ListIntents returns all pending intents created by the sender.
func (a *Activator) ListIntents(ctx context.Context, sender string) ([]*ScheduledIntent, error) {
	return a.store.ListIntentsBySender(ctx, sender)
}

// GetIntent returns a single pending intent.
func (a *Activator) GetIntent(ctx context.Context, id string) (*ScheduledIntent, error) {
	return a.store.GetIntent(ctx, id)
}

func (a *Activator) sendClaimCode(ctx context.Context, recipient string, amount int64, token, plain string) {
	if a.notifier == nil {
		return
	}
	start := time.Now()
	err := a.notifier.SendClaimCode(ctx, recipient, amount, token, plain)
	a.metrics.RecordNotification("claim_code", chainStatus(err), time.Since(start).Seconds())
	if err != nil {
		a.logger.WarnContext(ctx, "failed to send claim code notification",
			"recipient", recipient, "error", err)
	}
}
