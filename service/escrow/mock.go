package escrow

import (
	"context"
	"fmt"
	"sync"
)

// MemStore is an in-memory Store implementation used by unit tests and the
// CLI smoke test. All operations are guarded by a single mutex, which makes
// TransitionSlot a true compare-and-set.
type MemStore struct {
	mu      sync.Mutex
	singles map[string]*TransactionRecord
	bulks   map[string]*BulkTransactionRecord
	intents map[string]*ScheduledIntent
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		singles: make(map[string]*TransactionRecord),
		bulks:   make(map[string]*BulkTransactionRecord),
		intents: make(map[string]*ScheduledIntent),
	}
}

// CreateTransaction stores a copy of the record with any plaintext stripped,
// mirroring what a durable store persists.
func (s *MemStore) CreateTransaction(ctx context.Context, rec *TransactionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.singles[rec.Digest]; exists {
		return fmt.Errorf("duplicate digest %s", rec.Digest)
	}
	if _, exists := s.bulks[rec.Digest]; exists {
		return fmt.Errorf("duplicate digest %s", rec.Digest)
	}
	cp := *rec
	cp.PlainCode = ""
	s.singles[rec.Digest] = &cp
	return nil
}

func (s *MemStore) CreateBulkTransaction(ctx context.Context, rec *BulkTransactionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.bulks[rec.Digest]; exists {
		return fmt.Errorf("duplicate digest %s", rec.Digest)
	}
	if _, exists := s.singles[rec.Digest]; exists {
		return fmt.Errorf("duplicate digest %s", rec.Digest)
	}
	cp := *rec
	cp.Recipients = make([]RecipientSlot, len(rec.Recipients))
	for i, slot := range rec.Recipients {
		slot.PlainCode = ""
		cp.Recipients[i] = slot
	}
	s.bulks[rec.Digest] = &cp
	return nil
}

func (s *MemStore) GetTransaction(ctx context.Context, digest string) (*TransactionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.singles[digest]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", digest, ErrNotFound)
	}
	cp := *rec
	return &cp, nil
}

func (s *MemStore) GetBulkTransaction(ctx context.Context, digest string) (*BulkTransactionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.bulks[digest]
	if !ok {
		return nil, fmt.Errorf("bulk transaction %s: %w", digest, ErrNotFound)
	}
	cp := *rec
	cp.Recipients = append([]RecipientSlot(nil), rec.Recipients...)
	return &cp, nil
}

func (s *MemStore) GetSlot(ctx context.Context, digest, address string) (*SlotView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getSlotLocked(digest, address)
}

func (s *MemStore) getSlotLocked(digest, address string) (*SlotView, error) {
	if rec, ok := s.singles[digest]; ok {
		if rec.Receiver != address {
			return nil, fmt.Errorf("address %s is not a recipient of %s: %w", address, digest, ErrForbidden)
		}
		return &SlotView{
			Digest:        rec.Digest,
			Sender:        rec.Sender,
			Address:       rec.Receiver,
			Amount:        rec.Amount,
			TokenType:     rec.TokenType,
			Status:        rec.Status,
			CodeHash:      rec.CodeHash,
			UpdatedDigest: rec.UpdatedDigest,
		}, nil
	}
	if rec, ok := s.bulks[digest]; ok {
		for i := range rec.Recipients {
			slot := &rec.Recipients[i]
			if slot.Address == address {
				return &SlotView{
					Digest:        rec.Digest,
					Sender:        rec.Sender,
					Address:       slot.Address,
					Amount:        slot.Amount,
					TokenType:     rec.TokenType,
					Status:        slot.Status,
					CodeHash:      slot.CodeHash,
					UpdatedDigest: slot.UpdatedDigest,
				}, nil
			}
		}
		return nil, fmt.Errorf("address %s is not a recipient of %s: %w", address, digest, ErrForbidden)
	}
	return nil, fmt.Errorf("transaction %s: %w", digest, ErrNotFound)
}

func (s *MemStore) TransitionSlot(ctx context.Context, digest, address string, from, to Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.singles[digest]; ok && rec.Receiver == address {
		if rec.Status != from {
			return fmt.Errorf("slot %s/%s is %s, expected %s: %w", digest, address, rec.Status, from, ErrAlreadyTransitioned)
		}
		rec.Status = to
		return nil
	}
	if rec, ok := s.bulks[digest]; ok {
		for i := range rec.Recipients {
			slot := &rec.Recipients[i]
			if slot.Address != address {
				continue
			}
			if slot.Status != from {
				return fmt.Errorf("slot %s/%s is %s, expected %s: %w", digest, address, slot.Status, from, ErrAlreadyTransitioned)
			}
			slot.Status = to
			return nil
		}
	}
	return fmt.Errorf("slot %s/%s: %w", digest, address, ErrNotFound)
}

func (s *MemStore) SetSlotSettlement(ctx context.Context, digest, address, updatedDigest string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.singles[digest]; ok && rec.Receiver == address {
		rec.UpdatedDigest = &updatedDigest
		return nil
	}
	if rec, ok := s.bulks[digest]; ok {
		for i := range rec.Recipients {
			if rec.Recipients[i].Address == address {
				rec.Recipients[i].UpdatedDigest = &updatedDigest
				return nil
			}
		}
	}
	return fmt.Errorf("slot %s/%s: %w", digest, address, ErrNotFound)
}

func (s *MemStore) ListTransactionsByParty(ctx context.Context, address string) ([]*TransactionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*TransactionRecord
	for _, rec := range s.singles {
		if rec.Sender == address || rec.Receiver == address {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemStore) ListBulkTransactionsByParty(ctx context.Context, address string) ([]*BulkTransactionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*BulkTransactionRecord
	for _, rec := range s.bulks {
		match := rec.Sender == address
		if !match {
			for _, slot := range rec.Recipients {
				if slot.Address == address {
					match = true
					break
				}
			}
		}
		if match {
			cp := *rec
			cp.Recipients = append([]RecipientSlot(nil), rec.Recipients...)
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemStore) CreateIntent(ctx context.Context, intent *ScheduledIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.intents[intent.ID]; exists {
		return fmt.Errorf("duplicate intent id %s", intent.ID)
	}
	cp := *intent
	cp.Recipients = append([]IntentRecipient(nil), intent.Recipients...)
	s.intents[intent.ID] = &cp
	return nil
}

func (s *MemStore) GetIntent(ctx context.Context, id string) (*ScheduledIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	intent, ok := s.intents[id]
	if !ok {
		return nil, fmt.Errorf("intent %s: %w", id, ErrNotFound)
	}
	cp := *intent
	cp.Recipients = append([]IntentRecipient(nil), intent.Recipients...)
	return &cp, nil
}

func (s *MemStore) DeleteIntent(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.intents[id]; !ok {
		return fmt.Errorf("intent %s: %w", id, ErrNotFound)
	}
	delete(s.intents, id)
	return nil
}

func (s *MemStore) ListIntentsBySender(ctx context.Context, sender string) ([]*ScheduledIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*ScheduledIntent
	for _, intent := range s.intents {
		if intent.Sender == sender {
			cp := *intent
			cp.Recipients = append([]IntentRecipient(nil), intent.Recipients...)
			out = append(out, &cp)
		}
	}
	return out, nil
}

// MockChainClient is a ChainClient for tests. It mints sequential digests and
// records every call; TransferErr/RefundErr force failures.
type MockChainClient struct {
	mu          sync.Mutex
	seq         int
	TransferErr error
	RefundErr   error
	Transfers   []MockTransfer
	Refunds     []MockTransfer
	Balances    map[string]Balance
}

// MockTransfer records one Transfer or Refund call.
type MockTransfer struct {
	To     string
	Amount int64
	Token  string
	Digest string
}

// NewMockChainClient creates a MockChainClient.
func NewMockChainClient() *MockChainClient {
	return &MockChainClient{Balances: make(map[string]Balance)}
}

func (c *MockChainClient) Transfer(ctx context.Context, to string, amount int64, token string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.TransferErr != nil {
		return "", c.TransferErr
	}
	c.seq++
	t := MockTransfer{To: to, Amount: amount, Token: token, Digest: fmt.Sprintf("mockdigest-%d", c.seq)}
	c.Transfers = append(c.Transfers, t)
	return t.Digest, nil
}

func (c *MockChainClient) Refund(ctx context.Context, to string, amount int64, token string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.RefundErr != nil {
		return "", c.RefundErr
	}
	c.seq++
	t := MockTransfer{To: to, Amount: amount, Token: token, Digest: fmt.Sprintf("mockrefund-%d", c.seq)}
	c.Refunds = append(c.Refunds, t)
	return t.Digest, nil
}

func (c *MockChainClient) BalanceOf(ctx context.Context, address string) (Balance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Balances[address], nil
}

// MockNotifier is a Notifier for tests. SendErr forces failures; deliveries
// are recorded either way so tests can assert fire-and-forget behavior.
type MockNotifier struct {
	mu            sync.Mutex
	SendErr       error
	ClaimCodes    []MockClaimCode
	StatusChanges []MockStatusChange
}

// MockClaimCode records one SendClaimCode call.
type MockClaimCode struct {
	Recipient string
	Amount    int64
	Token     string
	PlainCode string
}

// MockStatusChange records one SendStatusChange call.
type MockStatusChange struct {
	Party  string
	Digest string
	Status Status
}

// NewMockNotifier creates a MockNotifier.
func NewMockNotifier() *MockNotifier {
	return &MockNotifier{}
}

func (n *MockNotifier) SendClaimCode(ctx context.Context, recipient string, amount int64, token, plainCode string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ClaimCodes = append(n.ClaimCodes, MockClaimCode{Recipient: recipient, Amount: amount, Token: token, PlainCode: plainCode})
	return n.SendErr
}

func (n *MockNotifier) SendStatusChange(ctx context.Context, party, digest string, status Status) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.StatusChanges = append(n.StatusChanges, MockStatusChange{Party: party, Digest: digest, Status: status})
	return n.SendErr
}
