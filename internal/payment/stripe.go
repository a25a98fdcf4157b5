package payment

import (
	"context"
	"errors"
	"sync"

	"github.com/diagnosis/tripdesk/internal/domain"
	"github.com/diagnosis/tripdesk/pkg/logger"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
)

type intentConfirmer interface {
	Confirm(id string, params *stripe.PaymentIntentConfirmParams) (*stripe.PaymentIntent, error)
}

type balanceReader interface {
	Get(params *stripe.BalanceParams) (*stripe.Balance, error)
}

// StripeGateway confirms the PaymentIntent the marketplace created for the
// order, using the tokenised payment method from the prefill. The order id is
// the PaymentIntent id.
type StripeGateway struct {
	intents intentConfirmer
	balance balanceReader

	mu    sync.Mutex
	ready bool
}

func NewStripeGateway(sc *client.API) *StripeGateway {
	return &StripeGateway{intents: sc.PaymentIntents, balance: sc.Balance}
}

// Ready pings the account once; after the first success it stays ready.
func (g *StripeGateway) Ready(ctx context.Context) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ready {
		return true
	}

	params := &stripe.BalanceParams{}
	params.Context = ctx
	if _, err := g.balance.Get(params); err != nil {
		logger.DebugContext(ctx, "Stripe not reachable yet", "error", err)
		return false
	}
	g.ready = true
	return true
}

// ServerSettled is true: the confirm call keeps running at Stripe after the
// session gives up on it.
func (g *StripeGateway) ServerSettled() bool { return true }

func (g *StripeGateway) Collect(ctx context.Context, order domain.PaymentOrder, prefill domain.Prefill) (<-chan GatewayEvent, error) {
	events := make(chan GatewayEvent, 1)

	if prefill.PaymentMethod == "" {
		events <- GatewayEvent{Kind: EventDismissed, Reason: "no payment method provided"}
		return events, nil
	}

	go func() {
		params := &stripe.PaymentIntentConfirmParams{
			PaymentMethod: stripe.String(prefill.PaymentMethod),
		}
		params.Context = ctx
		if prefill.Email != "" {
			params.ReceiptEmail = stripe.String(prefill.Email)
		}

		pi, err := g.intents.Confirm(order.OrderID, params)
		events <- stripeOutcome(pi, err)
	}()
	return events, nil
}

func stripeOutcome(pi *stripe.PaymentIntent, err error) GatewayEvent {
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Type == stripe.ErrorTypeCard {
			return GatewayEvent{Kind: EventFailure, Reason: stripeErr.Msg}
		}
		return GatewayEvent{Kind: EventFailure, Reason: "payment could not be processed"}
	}

	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded, stripe.PaymentIntentStatusProcessing:
		ev := GatewayEvent{Kind: EventSuccess, PaymentID: pi.ID}
		if pi.LatestCharge != nil {
			ev.Signature = pi.LatestCharge.ID
		}
		return ev
	case stripe.PaymentIntentStatusCanceled:
		return GatewayEvent{Kind: EventDismissed, Reason: "payment cancelled"}
	default:
		return GatewayEvent{Kind: EventFailure, Reason: "payment requires additional action: " + string(pi.Status)}
	}
}

var _ Gateway = (*StripeGateway)(nil)
