package notify

import (
	"time"

	"github.com/brojonat/paylock/service/escrow"
)

// Event kinds published to the payment events stream.
const (
	KindClaimCode    = "claim_code"
	KindStatusChange = "status_change"
)

// PaymentEvent is a payment notification published to NATS JetStream on the
// subject "payments.{address}". Subscribers (mailers, webhook relays, bots)
// deliver it to the addressed party out of band.
type PaymentEvent struct {
	// Kind discriminates the payload: "claim_code" or "status_change".
	Kind string `json:"kind"`

	// Address is the party the event is for; it is also the subject suffix.
	Address string `json:"address"`

	// Digest identifies the payment record, when one exists.
	Digest string `json:"digest,omitempty"`

	// Claim code delivery. PlainCode appears only on the wire, never in any
	// store; subscribers must treat it as a one-time secret.
	Amount    int64  `json:"amount,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	PlainCode string `json:"plain_code,omitempty"`

	// Status carries the new slot status for status_change events.
	Status escrow.Status `json:"status,omitempty"`

	PublishedAt time.Time `json:"published_at"`
}
