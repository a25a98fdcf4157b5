// Package payment runs the two-phase checkout protocol: create an order with
// the marketplace, collect payment through a gateway, then have the
// marketplace verify the payment before a booking counts as confirmed.
package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/diagnosis/tripdesk/internal/domain"
	"github.com/diagnosis/tripdesk/pkg/logger"
	"github.com/google/uuid"
)

type State string

const (
	StateIdle                     State = "idle"
	StateValidating               State = "validating"
	StateCreatingOrder            State = "creating_order"
	StateAwaitingGatewayReadiness State = "awaiting_gateway_readiness"
	StateCollectingPayment        State = "collecting_payment"
	StateVerifyingSignature       State = "verifying_signature"
	StateConfirmed                State = "confirmed"
	StateFailed                   State = "failed"
)

// InFlight reports whether a checkout is between Validating and
// VerifyingSignature.
func (s State) InFlight() bool {
	switch s {
	case StateValidating, StateCreatingOrder, StateAwaitingGatewayReadiness,
		StateCollectingPayment, StateVerifyingSignature:
		return true
	default:
		return false
	}
}

// OrderService is the marketplace side of the protocol. Both calls carry an
// idempotency key so a retried request cannot charge twice.
type OrderService interface {
	CreateOrder(ctx context.Context, idempotencyKey string, req domain.BookingRequest) (domain.PaymentOrder, error)
	VerifyPayment(ctx context.Context, idempotencyKey string, receipt domain.PaymentReceipt, req domain.BookingRequest) (domain.Booking, error)
}

type Config struct {
	ReadinessTimeout time.Duration
	PollInterval     time.Duration
	// CallTimeout bounds each marketplace call.
	CallTimeout time.Duration
	// OnOrderCreated, if set, is called once the marketplace issued an order.
	OnOrderCreated func(ctx context.Context, order domain.PaymentOrder)
}

// Precheck is an extra submission-time rule run during Validating, after the
// request itself passed validation.
type Precheck func(ctx context.Context) error

func DefaultConfig() Config {
	return Config{
		ReadinessTimeout: 10 * time.Second,
		PollInterval:     100 * time.Millisecond,
		CallTimeout:      20 * time.Second,
	}
}

// Orchestrator drives one session's checkout attempts. Phases run strictly in
// sequence and only one attempt may be in flight.
type Orchestrator struct {
	orders  OrderService
	gateway Gateway
	cfg     Config
	newKey  func() string

	mu         sync.Mutex
	state      State
	failure    *domain.PaymentFailure
	order      *domain.PaymentOrder
	receipt    *domain.PaymentReceipt
	prefill    domain.Prefill
	booking    *domain.Booking
	attemptKey string
}

func NewOrchestrator(orders OrderService, gateway Gateway, cfg Config) *Orchestrator {
	def := DefaultConfig()
	if cfg.ReadinessTimeout <= 0 {
		cfg.ReadinessTimeout = def.ReadinessTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	return &Orchestrator{
		orders:  orders,
		gateway: gateway,
		cfg:     cfg,
		newKey:  uuid.NewString,
		state:   StateIdle,
	}
}

// CanStart reports whether Checkout would begin a new attempt. Failures other
// than a cancelled payment or a validation error must be acknowledged first.
func (o *Orchestrator) CanStart() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.canStartLocked() == nil
}

// StartError is nil when Checkout would begin a new attempt, otherwise the
// error Checkout would return.
func (o *Orchestrator) StartError() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.canStartLocked()
}

func (o *Orchestrator) canStartLocked() error {
	switch o.state {
	case StateIdle:
		return nil
	case StateFailed:
		if o.failure != nil && o.failure.SilentlyRecoverable() {
			return nil
		}
		return domain.ErrAcknowledgementRequired
	case StateConfirmed:
		return domain.ErrAcknowledgementRequired
	default:
		return domain.ErrInFlight
	}
}

// Checkout runs one attempt to completion. It returns the confirmed booking,
// a *domain.PaymentFailure, or ErrInFlight / ErrAcknowledgementRequired when
// no attempt was started.
func (o *Orchestrator) Checkout(ctx context.Context, req domain.BookingRequest, prefill domain.Prefill, prechecks ...Precheck) (domain.Booking, error) {
	o.mu.Lock()
	if err := o.canStartLocked(); err != nil {
		o.mu.Unlock()
		return domain.Booking{}, err
	}
	o.failure = nil
	o.order = nil
	o.receipt = nil
	o.booking = nil
	o.prefill = prefill
	o.attemptKey = o.newKey()
	key := o.attemptKey
	o.transitionLocked(ctx, StateValidating)
	o.mu.Unlock()

	if err := ValidateRequest(req); err != nil {
		return domain.Booking{}, o.fail(ctx, domain.FailureValidation, err.Error(), err)
	}
	for _, check := range prechecks {
		if err := check(ctx); err != nil {
			return domain.Booking{}, o.fail(ctx, domain.FailureValidation, err.Error(), err)
		}
	}

	o.transition(ctx, StateCreatingOrder)
	order, err := o.createOrder(ctx, key, req)
	if err != nil {
		msg := "could not start the payment, please try again"
		if remote, ok := domain.AsRemote(err); ok {
			msg = remote.Error()
		}
		return domain.Booking{}, o.fail(ctx, domain.FailureOrderRejected, msg, err)
	}

	o.mu.Lock()
	o.order = &order
	o.transitionLocked(ctx, StateAwaitingGatewayReadiness)
	o.mu.Unlock()
	if o.cfg.OnOrderCreated != nil {
		o.cfg.OnOrderCreated(ctx, order)
	}

	if err := AwaitReady(ctx, o.gateway.Ready, o.cfg.PollInterval, o.cfg.ReadinessTimeout).Wait(); err != nil {
		return domain.Booking{}, o.fail(ctx, domain.FailureGatewayUnavailable,
			"the payment service is unavailable, please try again", err)
	}

	events, err := o.gateway.Collect(ctx, order, prefill)
	if err != nil {
		return domain.Booking{}, o.fail(ctx, domain.FailureGatewayUnavailable,
			"the payment service is unavailable, please try again", err)
	}
	o.transition(ctx, StateCollectingPayment)
	ev, err := awaitOutcome(ctx, events)
	switch {
	case errors.Is(err, errCollectionAbandoned) && serverSettled(o.gateway):
		msg := fmt.Sprintf("the outcome of payment for order %s is unknown; "+
			"please contact support and do not pay again", order.OrderID)
		return domain.Booking{}, o.fail(ctx, domain.FailureVerificationFailed, msg, err)
	case errors.Is(err, errCollectionAbandoned):
		return domain.Booking{}, o.fail(ctx, domain.FailureUserCancelled, "payment cancelled", nil)
	case err != nil:
		return domain.Booking{}, o.fail(ctx, domain.FailureGatewayUnavailable,
			"the payment service is unavailable, please try again", err)
	}
	switch ev.Kind {
	case EventDismissed:
		return domain.Booking{}, o.fail(ctx, domain.FailureUserCancelled, "payment cancelled", nil)
	case EventFailure:
		msg := "payment was declined"
		if ev.Reason != "" {
			msg = ev.Reason
		}
		return domain.Booking{}, o.fail(ctx, domain.FailureGatewayDeclined, msg, nil)
	case EventSuccess:
	default:
		return domain.Booking{}, o.fail(ctx, domain.FailureGatewayDeclined,
			"payment was declined", fmt.Errorf("unexpected gateway event %q", ev.Kind))
	}

	o.transition(ctx, StateVerifyingSignature)
	receipt := domain.PaymentReceipt{OrderID: order.OrderID, PaymentID: ev.PaymentID, Signature: ev.Signature}
	o.mu.Lock()
	o.receipt = &receipt
	o.mu.Unlock()
	booking, err := o.verify(ctx, key, receipt, req)
	if err == nil && !booking.IsConfirmed() {
		err = fmt.Errorf("booking %s returned with status %q", booking.ID, booking.Status)
	}
	if err != nil {
		msg := fmt.Sprintf("your payment (reference %s) was received but the booking could not be confirmed; "+
			"please contact support and do not pay again", ev.PaymentID)
		return domain.Booking{}, o.fail(ctx, domain.FailureVerificationFailed, msg, err)
	}

	o.mu.Lock()
	o.booking = &booking
	o.transitionLocked(ctx, StateConfirmed)
	o.mu.Unlock()
	return booking, nil
}

func (o *Orchestrator) createOrder(ctx context.Context, key string, req domain.BookingRequest) (domain.PaymentOrder, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	defer cancel()
	return o.orders.CreateOrder(ctx, key, req)
}

func (o *Orchestrator) verify(ctx context.Context, key string, receipt domain.PaymentReceipt, req domain.BookingRequest) (domain.Booking, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	defer cancel()
	return o.orders.VerifyPayment(ctx, key, receipt, req)
}

var errCollectionAbandoned = errors.New("collection abandoned before the gateway reported an outcome")

// awaitOutcome waits for the gateway's single event.
func awaitOutcome(ctx context.Context, events <-chan GatewayEvent) (GatewayEvent, error) {
	select {
	case ev, ok := <-events:
		if !ok {
			return GatewayEvent{}, errors.New("gateway closed without an outcome")
		}
		return ev, nil
	case <-ctx.Done():
		return GatewayEvent{}, fmt.Errorf("%w: %w", errCollectionAbandoned, ctx.Err())
	}
}

func (o *Orchestrator) fail(ctx context.Context, reason domain.PaymentFailureReason, msg string, cause error) *domain.PaymentFailure {
	failure := &domain.PaymentFailure{Reason: reason, Message: msg, Err: cause}

	o.mu.Lock()
	defer o.mu.Unlock()

	// the order is only kept when money may have moved against it
	if reason != domain.FailureVerificationFailed {
		o.order = nil
		o.receipt = nil
	}
	o.failure = failure

	attrs := []any{"reason", reason}
	if cause != nil {
		attrs = append(attrs, "error", cause)
	}
	switch reason {
	case domain.FailureVerificationFailed:
		logger.ErrorContext(ctx, "Payment verification failed", attrs...)
	case domain.FailureUserCancelled, domain.FailureValidation:
		logger.InfoContext(ctx, "Checkout stopped", attrs...)
	default:
		logger.WarnContext(ctx, "Checkout failed", attrs...)
	}
	o.transitionLocked(ctx, StateFailed)
	return failure
}

func (o *Orchestrator) transition(ctx context.Context, to State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitionLocked(ctx, to)
}

func (o *Orchestrator) transitionLocked(ctx context.Context, to State) {
	logger.DebugContext(ctx, "Checkout state changed", "from", o.state, "to", to)
	o.state = to
}

// Acknowledge returns a finished attempt to Idle. It is the explicit user
// action required before paying again after a non-recoverable outcome.
func (o *Orchestrator) Acknowledge() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state.InFlight() {
		return domain.ErrInFlight
	}
	o.state = StateIdle
	o.failure = nil
	o.order = nil
	o.receipt = nil
	o.booking = nil
	return nil
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) Failure() *domain.PaymentFailure {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.failure
}

// PendingOrder is the order being paid, or the order a failed verification
// refers to. Nil otherwise.
func (o *Orchestrator) PendingOrder() *domain.PaymentOrder {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.order == nil {
		return nil
	}
	order := *o.order
	return &order
}

// Receipt is the gateway's payment reference once collection succeeded. It is
// kept after a failed verification so support can trace the payment.
func (o *Orchestrator) Receipt() *domain.PaymentReceipt {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.receipt == nil {
		return nil
	}
	r := *o.receipt
	return &r
}

func (o *Orchestrator) Prefill() domain.Prefill {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.prefill
}

func (o *Orchestrator) Booking() *domain.Booking {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.booking
}

// AttemptKey is the idempotency key of the current or last attempt.
func (o *Orchestrator) AttemptKey() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.attemptKey
}
