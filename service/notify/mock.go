package notify

import (
	"context"
	"sync"
	"time"

	"github.com/brojonat/paylock/service/escrow"
)

// MockNotifier is a mock implementation of escrow.Notifier for testing.
type MockNotifier struct {
	mu              sync.RWMutex
	publishedEvents []*PaymentEvent
	publishError    error
	closed          bool
}

// NewMockNotifier creates a new mock notifier for testing.
func NewMockNotifier() *MockNotifier {
	return &MockNotifier{
		publishedEvents: make([]*PaymentEvent, 0),
	}
}

// SendClaimCode records the event and returns any configured error.
func (m *MockNotifier) SendClaimCode(ctx context.Context, recipient string, amount int64, token, plainCode string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publishError != nil {
		return m.publishError
	}

	m.publishedEvents = append(m.publishedEvents, &PaymentEvent{
		Kind:        KindClaimCode,
		Address:     recipient,
		Amount:      amount,
		TokenType:   token,
		PlainCode:   plainCode,
		PublishedAt: time.Now().UTC(),
	})
	return nil
}

// SendStatusChange records the event and returns any configured error.
func (m *MockNotifier) SendStatusChange(ctx context.Context, party, digest string, status escrow.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publishError != nil {
		return m.publishError
	}

	m.publishedEvents = append(m.publishedEvents, &PaymentEvent{
		Kind:        KindStatusChange,
		Address:     party,
		Digest:      digest,
		Status:      status,
		PublishedAt: time.Now().UTC(),
	})
	return nil
}

// Close marks the notifier as closed.
func (m *MockNotifier) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// GetPublishedEvents returns all published events (for testing).
func (m *MockNotifier) GetPublishedEvents() []*PaymentEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*PaymentEvent, len(m.publishedEvents))
	copy(out, m.publishedEvents)
	return out
}

// SetPublishError configures the error returned by subsequent sends.
func (m *MockNotifier) SetPublishError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishError = err
}
