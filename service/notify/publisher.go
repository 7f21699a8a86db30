package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/paylock/service/escrow"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	// StreamName is the name of the JetStream stream for payment events.
	StreamName = "PAYMENTS"

	// StreamSubjects is the subject pattern for the stream.
	StreamSubjects = "payments.*"

	// StreamRetention is how long messages are retained (30 days by default).
	StreamRetention = 30 * 24 * time.Hour
)

// JetStreamNotifier publishes payment events to NATS JetStream. It implements
// escrow.Notifier; delivery to the end user happens downstream via stream
// consumers, so a publish failure never blocks a payment transition.
type JetStreamNotifier struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// NewJetStreamNotifier connects to NATS and ensures the payment events stream
// exists.
func NewJetStreamNotifier(natsURL string, logger *slog.Logger) (*JetStreamNotifier, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("paylock-notifier"),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1), // Unlimited reconnects
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	notifier := &JetStreamNotifier{
		nc:     nc,
		js:     js,
		logger: logger,
	}

	if err := notifier.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream exists: %w", err)
	}

	logger.Info("NATS notifier initialized",
		"url", natsURL,
		"stream", StreamName,
	)

	return notifier, nil
}

// ensureStream creates the JetStream stream if it doesn't exist.
func (n *JetStreamNotifier) ensureStream() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream, err := n.js.Stream(ctx, StreamName)
	if err == nil {
		info, err := stream.Info(ctx)
		if err == nil {
			n.logger.Debug("JetStream stream already exists",
				"stream", StreamName,
				"messages", info.State.Msgs,
			)
		}
		return nil
	}

	n.logger.Info("creating JetStream stream", "stream", StreamName)

	streamConfig := jetstream.StreamConfig{
		Name:        StreamName,
		Description: "Payment notification events",
		Subjects:    []string{StreamSubjects},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      StreamRetention,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
	}

	_, err = n.js.CreateStream(ctx, streamConfig)
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	n.logger.Info("JetStream stream created successfully", "stream", StreamName)
	return nil
}

// SendClaimCode publishes a claim code event for the recipient.
func (n *JetStreamNotifier) SendClaimCode(ctx context.Context, recipient string, amount int64, token, plainCode string) error {
	return n.publish(ctx, &PaymentEvent{
		Kind:        KindClaimCode,
		Address:     recipient,
		Amount:      amount,
		TokenType:   token,
		PlainCode:   plainCode,
		PublishedAt: time.Now().UTC(),
	})
}

// SendStatusChange publishes a status change event for the party.
func (n *JetStreamNotifier) SendStatusChange(ctx context.Context, party, digest string, status escrow.Status) error {
	return n.publish(ctx, &PaymentEvent{
		Kind:        KindStatusChange,
		Address:     party,
		Digest:      digest,
		Status:      status,
		PublishedAt: time.Now().UTC(),
	})
}

func (n *JetStreamNotifier) publish(ctx context.Context, event *PaymentEvent) error {
	subject := fmt.Sprintf("payments.%s", event.Address)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal payment event: %w", err)
	}

	_, err = n.js.Publish(ctx, subject, data)
	if err != nil {
		return fmt.Errorf("failed to publish payment event: %w", err)
	}

	n.logger.Debug("published payment event",
		"subject", subject,
		"kind", event.Kind,
		"digest", event.Digest,
	)

	return nil
}

// Close closes the connection to NATS.
func (n *JetStreamNotifier) Close() error {
	if n.nc != nil {
		n.nc.Close()
		n.logger.Info("NATS notifier closed")
	}
	return nil
}
