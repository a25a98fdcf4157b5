package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/diagnosis/tripdesk/pkg/logger"
	"github.com/nats-io/nats.go"
)

type Publisher interface {
	Publish(ctx context.Context, subject string, data interface{}) error
	Close() error
}

type NATSEventBus struct {
	conn *nats.Conn
}

func NewNATSEventBus(url string) (*NATSEventBus, error) {
	conn, err := nats.Connect(url, nats.Name("tripdesk-checkout"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &NATSEventBus{conn: conn}, nil
}

func (n *NATSEventBus) Publish(ctx context.Context, subject string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	logger.DebugContext(ctx, "Publishing event", "subject", subject, "data", string(payload))

	return n.conn.Publish(subject, payload)
}

func (n *NATSEventBus) Close() error {
	n.conn.Close()
	return nil
}

// Discard drops every event. Used when NATS_URL is not configured.
type Discard struct{}

func (Discard) Publish(ctx context.Context, subject string, data interface{}) error {
	logger.DebugContext(ctx, "Event dropped (no bus configured)", "subject", subject)
	return nil
}

func (Discard) Close() error { return nil }

const (
	DiscountApplied  = "checkout.discount.applied"
	DiscountRejected = "checkout.discount.rejected"
	OrderCreated     = "checkout.order.created"

	PaymentFailed             = "payment.failed"
	PaymentVerificationFailed = "payment.verification_failed"

	BookingConfirmed = "booking.confirmed"
)

type DiscountEvent struct {
	SessionID string  `json:"session_id"`
	Kind      string  `json:"kind"`
	Code      string  `json:"code"`
	Amount    float64 `json:"amount,omitempty"`
	Reason    string  `json:"reason,omitempty"`
}

type OrderCreatedEvent struct {
	SessionID string    `json:"session_id"`
	OrderID   string    `json:"order_id"`
	Amount    float64   `json:"amount"`
	Currency  string    `json:"currency"`
	CreatedAt time.Time `json:"created_at"`
}

type PaymentFailedEvent struct {
	SessionID string    `json:"session_id"`
	OrderID   string    `json:"order_id,omitempty"`
	PaymentID string    `json:"payment_id,omitempty"`
	Reason    string    `json:"reason"`
	Message   string    `json:"message"`
	FailedAt  time.Time `json:"failed_at"`
}

type BookingConfirmedEvent struct {
	SessionID   string    `json:"session_id"`
	BookingID   string    `json:"booking_id"`
	ResourceRef string    `json:"resource_ref"`
	Guests      int       `json:"guests"`
	Amount      float64   `json:"amount"`
	ConfirmedAt time.Time `json:"confirmed_at"`
}
