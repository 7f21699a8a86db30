package escrow

import (
	"context"
	"time"
)

// Status is the lifecycle state of a payment record or of a single recipient
// slot within a bulk record. Transitions are validated by the engine; the
// store only applies them atomically.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusClaimed   Status = "claimed"
	StatusRejected  Status = "rejected"
	StatusRefunded  Status = "refunded"
)

// Valid reports whether s is one of the five known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusCompleted, StatusClaimed, StatusRejected, StatusRefunded:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible from s.
// Rejected slots can still be refunded by the sender, so rejected is not
// terminal.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusClaimed || s == StatusRefunded
}

// legalTransition reports whether the edge from -> to exists in the status
// graph: active -> {claimed, rejected, completed, refunded} and
// rejected -> refunded.
func legalTransition(from, to Status) bool {
	switch from {
	case StatusActive:
		return to == StatusClaimed || to == StatusRejected || to == StatusCompleted || to == StatusRefunded
	case StatusRejected:
		return to == StatusRefunded
	}
	return false
}

// TransactionRecord is a live single-recipient payment. The funding transfer
// has already happened on chain (Digest references it); the record tracks
// whether the receiver has claimed, rejected, or been refunded out of escrow.
type TransactionRecord struct {
	Digest        string
	Sender        string
	Receiver      string
	Amount        int64
	TokenType     string
	Status        Status
	CodeHash      string // one-way derivation of the claim code; never serialized out
	PlainCode     string // populated only on the issuance response, empty thereafter
	UpdatedDigest *string
	CreatedAt     time.Time
}

// RecipientSlot is one recipient entry within a bulk record. Each slot has an
// independently tracked status and claim code; the batch has no aggregate
// status of its own.
type RecipientSlot struct {
	Address       string
	Amount        int64
	Status        Status
	CodeHash      string
	PlainCode     string
	UpdatedDigest *string
}

// BulkTransactionRecord is a live multi-recipient payment funded by a single
// chain transfer. TotalAmount equals the sum of slot amounts at creation and
// is never recomputed.
type BulkTransactionRecord struct {
	Digest      string
	Sender      string
	TotalAmount int64
	TokenType   string
	CreatedAt   time.Time
	Recipients  []RecipientSlot
}

// IntentRecipient is a planned recipient inside a scheduled intent. No status
// and no code: codes are minted at activation time, not at scheduling time.
type IntentRecipient struct {
	Address string
	Amount  int64
}

// ScheduledIntent is a not-yet-live payment awaiting sender activation or
// cancellation. Funds are held at scheduling time (FundingDigest references
// the hold); the intent is deleted on both exit paths and replaced by a live
// record only on activation.
type ScheduledIntent struct {
	ID            string
	Sender        string
	TokenType     string
	FundingDigest string
	TotalAmount   int64
	ScheduledAt   time.Time
	CreatedAt     time.Time
	Recipients    []IntentRecipient
}

// Bulk reports whether activating this intent produces a bulk record.
func (i *ScheduledIntent) Bulk() bool { return len(i.Recipients) > 1 }

// SlotView is the store's uniform view of one claimable slot, whether it
// comes from a single-recipient record or from one entry of a bulk record.
// All transition checks in the engine operate on this view.
type SlotView struct {
	Digest        string
	Sender        string
	Address       string
	Amount        int64
	TokenType     string
	Status        Status
	CodeHash      string
	UpdatedDigest *string
}

// Balance is a wallet balance as reported by the chain.
type Balance struct {
	Primary   int64 // native token, base units
	Secondary int64 // stable token, base units
}

// Store is the durable backing store for payment records and scheduled
// intents. Implementations must apply TransitionSlot as an atomic
// compare-and-set so that exactly one of two concurrent transition attempts
// on the same slot succeeds.
type Store interface {
	CreateTransaction(ctx context.Context, rec *TransactionRecord) error
	CreateBulkTransaction(ctx context.Context, rec *BulkTransactionRecord) error
	GetTransaction(ctx context.Context, digest string) (*TransactionRecord, error)
	GetBulkTransaction(ctx context.Context, digest string) (*BulkTransactionRecord, error)

	// GetSlot returns the slot for (digest, address). It returns ErrNotFound
	// when no record carries the digest and ErrForbidden when the record
	// exists but the address is not one of its recipients.
	GetSlot(ctx context.Context, digest, address string) (*SlotView, error)

	// TransitionSlot atomically moves the slot from `from` to `to`. It
	// returns ErrAlreadyTransitioned when the slot is no longer in `from`.
	TransitionSlot(ctx context.Context, digest, address string, from, to Status) error

	// SetSlotSettlement records the settlement digest produced by a claim or
	// refund transfer.
	SetSlotSettlement(ctx context.Context, digest, address, updatedDigest string) error

	// ListTransactionsByParty returns all single-recipient records where the
	// address is the sender or the receiver.
	ListTransactionsByParty(ctx context.Context, address string) ([]*TransactionRecord, error)

	// ListBulkTransactionsByParty returns all bulk records where the address
	// is the sender or any recipient slot.
	ListBulkTransactionsByParty(ctx context.Context, address string) ([]*BulkTransactionRecord, error)

	CreateIntent(ctx context.Context, intent *ScheduledIntent) error
	GetIntent(ctx context.Context, id string) (*ScheduledIntent, error)
	DeleteIntent(ctx context.Context, id string) error
	ListIntentsBySender(ctx context.Context, sender string) ([]*ScheduledIntent, error)
}

// ChainClient performs the actual ledger transfers. Calls are opaque and may
// fail; a successful call is a precondition for any transition that claims to
// move funds.
type ChainClient interface {
	// Transfer moves amount of token to the given address and returns the
	// ledger digest of the transfer.
	Transfer(ctx context.Context, to string, amount int64, token string) (string, error)

	// Refund returns amount of token to the given address out of the escrow
	// hold and returns the ledger digest.
	Refund(ctx context.Context, to string, amount int64, token string) (string, error)

	// BalanceOf reports the balances of an address.
	BalanceOf(ctx context.Context, address string) (Balance, error)
}

// Notifier delivers best-effort notifications. Failures are logged and
// surfaced as warnings; they never roll back a transition.
type Notifier interface {
	// SendClaimCode notifies a recipient that funds are waiting, including
	// the one-time plaintext claim code.
	SendClaimCode(ctx context.Context, recipient string, amount int64, token, plainCode string) error

	// SendStatusChange notifies a party that a slot they are involved in
	// changed status.
	SendStatusChange(ctx context.Context, party, digest string, status Status) error
}
