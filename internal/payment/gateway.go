package payment

import (
	"context"
	"errors"
	"sync"

	"github.com/diagnosis/tripdesk/internal/domain"
)

var ErrUnknownOrder = errors.New("no payment is being collected for this order")

type EventKind string

const (
	EventSuccess   EventKind = "success"
	EventFailure   EventKind = "failure"
	EventDismissed EventKind = "dismissed"
)

// GatewayEvent is the single terminal outcome of a collection.
type GatewayEvent struct {
	Kind      EventKind
	PaymentID string
	Signature string
	Reason    string
}

// Gateway collects payment for an order created by the marketplace. Collect
// must deliver exactly one event on the returned channel.
type Gateway interface {
	Ready(ctx context.Context) bool
	Collect(ctx context.Context, order domain.PaymentOrder, prefill domain.Prefill) (<-chan GatewayEvent, error)
}

// ServerSettled is implemented by gateways that move money without waiting
// on the payer. An abandoned collection on such a gateway may still have
// charged the payer.
type ServerSettled interface {
	ServerSettled() bool
}

func serverSettled(g Gateway) bool {
	s, ok := g.(ServerSettled)
	return ok && s.ServerSettled()
}

// WidgetGateway bridges the payment widget running in the browser. The page
// reports the widget's lifecycle through MarkLoaded and Deliver.
type WidgetGateway struct {
	mu      sync.Mutex
	loaded  bool
	pending map[string]chan GatewayEvent
}

func NewWidgetGateway() *WidgetGateway {
	return &WidgetGateway{pending: make(map[string]chan GatewayEvent)}
}

func (w *WidgetGateway) MarkLoaded() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.loaded = true
}

func (w *WidgetGateway) Ready(context.Context) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.loaded
}

func (w *WidgetGateway) Collect(_ context.Context, order domain.PaymentOrder, _ domain.Prefill) (<-chan GatewayEvent, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	ch := make(chan GatewayEvent, 1)
	w.pending[order.OrderID] = ch
	return ch, nil
}

// Deliver routes a widget callback to the collection waiting on orderID.
// Only the first callback per order is accepted.
func (w *WidgetGateway) Deliver(orderID string, ev GatewayEvent) error {
	w.mu.Lock()
	ch, ok := w.pending[orderID]
	delete(w.pending, orderID)
	w.mu.Unlock()

	if !ok {
		return ErrUnknownOrder
	}
	ch <- ev
	return nil
}

var _ Gateway = (*WidgetGateway)(nil)
