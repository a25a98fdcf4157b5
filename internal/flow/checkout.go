package flow

import (
	"context"
	"errors"

	"github.com/diagnosis/tripdesk/internal/domain"
	"github.com/diagnosis/tripdesk/internal/payment"
	"github.com/diagnosis/tripdesk/internal/platform/mailer"
	"github.com/diagnosis/tripdesk/internal/pricing"
	"github.com/diagnosis/tripdesk/internal/repo/postgres"
	"github.com/diagnosis/tripdesk/pkg/events"
	"github.com/diagnosis/tripdesk/pkg/logger"
)

// ErrNoWidget is returned for browser callbacks on a session whose gateway is
// driven server-side.
var ErrNoWidget = errors.New("session gateway does not take browser callbacks")

type Status string

const (
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Action is what the page should offer next.
type Action string

const (
	ActionViewBooking    Action = "view_booking"
	ActionRetry          Action = "retry"
	ActionCorrect        Action = "correct"
	ActionAcknowledge    Action = "acknowledge"
	ActionReselectDates  Action = "reselect_dates"
	ActionContactSupport Action = "contact_support"
	ActionSignIn         Action = "sign_in"
)

type Outcome struct {
	Status  Status                      `json:"status"`
	Reason  domain.PaymentFailureReason `json:"reason,omitempty"`
	Message string                      `json:"message,omitempty"`
	Field   string                      `json:"field,omitempty"`
	Action  Action                      `json:"action"`
	Booking *domain.Booking             `json:"booking,omitempty"`

	OrderID   string `json:"orderId,omitempty"`
	PaymentID string `json:"paymentId,omitempty"`

	RequiresAcknowledgement bool `json:"requiresAcknowledgement"`
}

// Checkout runs one payment attempt to completion. paymentMethod is the
// opaque token a server-side gateway charges; the widget gateway ignores it.
// The returned error is non-nil only when no attempt was started.
func (c *Controller) Checkout(ctx context.Context, paymentMethod string) (Outcome, error) {
	run, err := c.begin(ctx, paymentMethod)
	if err != nil {
		return Outcome{}, err
	}
	return run(), nil
}

// Start begins an attempt in the background. The channel yields the outcome
// once and is then closed.
func (c *Controller) Start(ctx context.Context, paymentMethod string) (<-chan Outcome, error) {
	run, err := c.begin(ctx, paymentMethod)
	if err != nil {
		return nil, err
	}
	done := make(chan Outcome, 1)
	go func() {
		defer close(done)
		done <- run()
	}()
	return done, nil
}

func (c *Controller) begin(ctx context.Context, paymentMethod string) (func() Outcome, error) {
	ctx = c.ctx(ctx)
	if !c.session.Authenticated(c.now()) {
		return nil, domain.ErrAuthenticationRequired
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.editableLocked(); err != nil {
		return nil, err
	}
	if err := c.orchestrator.StartError(); err != nil {
		return nil, err
	}
	if c.promo.InFlight() || c.coupon.InFlight() {
		return nil, domain.ErrInFlight
	}

	req := c.requestLocked()
	prefill := domain.Prefill{
		Name:          c.contact.Name,
		Phone:         c.contact.Phone,
		Email:         c.contact.Email,
		Address:       c.contact.Address,
		PaymentMethod: paymentMethod,
	}
	quote := pricing.Quote(pricing.ComputeBaseAmount(c.guests, c.offering.Tiers),
		c.promo.Discount(), c.coupon.Discount(), c.offering.Currency)
	headcount := len(c.guests)
	destination := c.destination

	runCtx, cancel := context.WithCancel(ctx)
	c.submitting = true
	c.cancel = cancel
	c.outcome = nil

	prechecks := []payment.Precheck{
		func(context.Context) error { return c.availability.Revalidate(headcount) },
	}
	if c.deps.Proximity != nil {
		prechecks = append(prechecks, func(ctx context.Context) error {
			return c.deps.Proximity.Check(ctx, c.offering.Base, destination)
		})
	}

	return func() Outcome {
		defer cancel()
		booking, err := c.orchestrator.Checkout(runCtx, req, prefill, prechecks...)
		return c.settle(ctx, req, quote, booking, err)
	}, nil
}

// requestLocked builds the candidate booking. A picked slot or range is sent
// even when it was rejected so the submission-time check reports why.
func (c *Controller) requestLocked() domain.BookingRequest {
	req := domain.BookingRequest{
		ResourceRef: c.offering.ResourceRef,
		Guests:      append([]domain.Guest(nil), c.guests...),
		Contact:     c.contact,
		Destination: c.destination,
		PromoCode:   c.promo.RemoteID(),
		CouponCode:  c.coupon.RemoteID(),
	}
	switch c.offering.Mode {
	case domain.ModeSlot:
		if slot, ok := c.availability.Slot(); ok {
			req.SlotID = slot.ID
			req.TripDate = slot.Date.Format(domain.DateLayout)
		}
	case domain.ModeRange:
		snap := c.availability.Snapshot()
		if snap.Start != nil && snap.End != nil {
			req.DateRange = &domain.DateRange{Start: *snap.Start, End: *snap.End}
		}
	}
	return req
}

func (c *Controller) settle(ctx context.Context, req domain.BookingRequest, quote domain.PriceQuote, booking domain.Booking, err error) Outcome {
	var out Outcome
	if err == nil {
		out = c.confirm(ctx, req, quote, booking)
	} else {
		out = c.fail(ctx, req, quote, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.submitting = false
	c.cancel = nil
	c.outcome = &out
	if out.Status == StatusConfirmed {
		c.confirmed = out.Booking
		c.resetLocked()
	}
	return out
}

func (c *Controller) confirm(ctx context.Context, req domain.BookingRequest, quote domain.PriceQuote, booking domain.Booking) Outcome {
	amount, currency := booking.Amount, booking.Currency
	if amount <= 0 {
		amount = quote.FinalAmount
	}
	if currency == "" {
		currency = c.offering.Currency
	}
	if booking.Contact.Email == "" {
		booking.Contact = req.Contact
	}
	if len(booking.Guests) == 0 {
		booking.Guests = req.Guests
	}

	logger.InfoContext(ctx, "Booking confirmed", "booking_id", booking.ID, "amount", amount)
	c.publish(ctx, events.BookingConfirmed, events.BookingConfirmedEvent{
		SessionID:   c.session.ID,
		BookingID:   booking.ID,
		ResourceRef: req.ResourceRef,
		Guests:      len(req.Guests),
		Amount:      amount,
		ConfirmedAt: c.now(),
	})
	if c.deps.Mailer != nil {
		err := c.deps.Mailer.SendBookingConfirmation(ctx, booking, pricing.Format(amount, currency))
		if err != nil && !errors.Is(err, mailer.ErrNoRecipient) {
			logger.WarnContext(ctx, "Failed to send booking confirmation", "booking_id", booking.ID, "error", err)
		}
	}
	return Outcome{Status: StatusConfirmed, Action: ActionViewBooking, Booking: &booking}
}

func (c *Controller) fail(ctx context.Context, req domain.BookingRequest, quote domain.PriceQuote, err error) Outcome {
	failure, ok := domain.AsPaymentFailure(err)
	if !ok {
		return Outcome{Status: StatusFailed, Message: err.Error(), Action: ActionRetry}
	}

	out := Outcome{
		Status:                  StatusFailed,
		Reason:                  failure.Reason,
		Message:                 failure.Error(),
		RequiresAcknowledgement: !failure.SilentlyRecoverable(),
	}
	// money may have moved once a payment was collected, so only pre-payment
	// failures send the user to sign in
	switch {
	case failure.Reason == domain.FailureVerificationFailed:
		out.Action = ActionContactSupport
	case errors.Is(err, domain.ErrAuthenticationRequired) && beforePayment(failure.Reason):
		out.Action = ActionSignIn
		out.Message = domain.ErrAuthenticationRequired.Error()
	case failure.Reason == domain.FailureValidation:
		out.Action = ActionCorrect
		out.Field = fieldOf(err)
	case failure.Reason == domain.FailureUserCancelled:
		out.Status = StatusCancelled
		out.Action = ActionRetry
	case failure.Reason == domain.FailureOrderRejected:
		out.Action = ActionReselectDates
		c.availability.Invalidate(ctx)
	default:
		out.Action = ActionAcknowledge
	}

	if order := c.orchestrator.PendingOrder(); order != nil {
		out.OrderID = order.OrderID
	}
	if receipt := c.orchestrator.Receipt(); receipt != nil {
		out.PaymentID = receipt.PaymentID
	}

	switch failure.Reason {
	case domain.FailureValidation:
	case domain.FailureVerificationFailed:
		c.reportUnverified(ctx, req, quote, failure, out)
	default:
		c.publish(ctx, events.PaymentFailed, events.PaymentFailedEvent{
			SessionID: c.session.ID,
			Reason:    string(failure.Reason),
			Message:   out.Message,
			FailedAt:  c.now(),
		})
	}
	return out
}

// reportUnverified records a collected but unverified payment, tells the
// payer not to pay again, and raises the telemetry event. None of it changes
// the outcome.
func (c *Controller) reportUnverified(ctx context.Context, req domain.BookingRequest, quote domain.PriceQuote, failure *domain.PaymentFailure, out Outcome) {
	amount, currency := quote.FinalAmount, c.offering.Currency
	if order := c.orchestrator.PendingOrder(); order != nil {
		amount = order.Amount
		if order.Currency != "" {
			currency = order.Currency
		}
	}

	c.publish(ctx, events.PaymentVerificationFailed, events.PaymentFailedEvent{
		SessionID: c.session.ID,
		OrderID:   out.OrderID,
		PaymentID: out.PaymentID,
		Reason:    string(failure.Reason),
		Message:   out.Message,
		FailedAt:  c.now(),
	})

	if c.deps.Incidents != nil {
		detail := out.Message
		if failure.Err != nil {
			detail = failure.Err.Error()
		}
		in, err := c.deps.Incidents.Record(ctx, &postgres.Incident{
			SessionID:      c.session.ID,
			ResourceRef:    req.ResourceRef,
			OrderID:        out.OrderID,
			PaymentID:      out.PaymentID,
			IdempotencyKey: c.orchestrator.AttemptKey(),
			Amount:         amount,
			Currency:       currency,
			ContactName:    req.Contact.Name,
			ContactPhone:   req.Contact.Phone,
			ContactEmail:   req.Contact.Email,
			Detail:         detail,
		})
		if err != nil {
			logger.ErrorContext(ctx, "Failed to record payment incident",
				"order_id", out.OrderID, "payment_id", out.PaymentID, "error", err)
		} else {
			logger.InfoContext(ctx, "Payment incident recorded", "incident_id", in.ID)
		}
	}

	if c.deps.Mailer != nil {
		err := c.deps.Mailer.SendVerificationSupport(ctx, mailer.SupportNotice{
			Contact:   req.Contact,
			OrderID:   out.OrderID,
			PaymentID: out.PaymentID,
			Amount:    pricing.Format(amount, currency),
		})
		if err != nil {
			logger.WarnContext(ctx, "Failed to send support notice", "order_id", out.OrderID, "error", err)
		}
	}
}

func beforePayment(reason domain.PaymentFailureReason) bool {
	return reason == domain.FailureValidation || reason == domain.FailureOrderRejected
}

func fieldOf(err error) string {
	var verr domain.ValidationError
	if errors.As(err, &verr) {
		return verr.Field
	}
	var cerr domain.ConflictError
	if errors.As(err, &cerr) {
		return cerr.Field
	}
	return ""
}

// resetLocked drops everything the user entered for this attempt.
func (c *Controller) resetLocked() {
	c.contact = domain.ContactDetails{}
	c.guests = []domain.Guest{{}}
	c.destination = ""
	c.promo.Clear()
	c.coupon.Clear()
	c.availability.ClearSelection()
}

// Acknowledge is the user's explicit dismissal of the last outcome. It
// re-enables checkout after a failure that is not silently recoverable.
func (c *Controller) Acknowledge() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.submitting {
		return domain.ErrInFlight
	}
	if err := c.orchestrator.Acknowledge(); err != nil {
		return err
	}
	c.outcome = nil
	return nil
}

// Abandon closes the session. A payer still inside the widget is treated as
// having dismissed it.
func (c *Controller) Abandon(ctx context.Context) {
	c.mu.Lock()
	if c.abandoned {
		c.mu.Unlock()
		return
	}
	c.abandoned = true
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	logger.InfoContext(c.ctx(ctx), "Checkout session abandoned")
}

func (c *Controller) Outcome() *Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.outcome == nil {
		return nil
	}
	out := *c.outcome
	return &out
}

// Booking is the confirmed booking, or nil.
func (c *Controller) Booking() *domain.Booking {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.confirmed
}

func (c *Controller) CheckoutState() payment.State {
	return c.orchestrator.State()
}

func (c *Controller) widget() (*payment.WidgetGateway, error) {
	w, ok := c.deps.Gateway.(*payment.WidgetGateway)
	if !ok {
		return nil, ErrNoWidget
	}
	return w, nil
}

// GatewayLoaded records that the browser finished loading the widget.
func (c *Controller) GatewayLoaded() error {
	w, err := c.widget()
	if err != nil {
		return err
	}
	w.MarkLoaded()
	return nil
}

// GatewayEvent forwards a widget callback to the attempt waiting on it.
func (c *Controller) GatewayEvent(ev payment.GatewayEvent) error {
	w, err := c.widget()
	if err != nil {
		return err
	}
	order := c.orchestrator.PendingOrder()
	if order == nil {
		return payment.ErrUnknownOrder
	}
	return w.Deliver(order.OrderID, ev)
}
