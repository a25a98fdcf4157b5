package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/diagnosis/tripdesk/internal/availability"
	"github.com/diagnosis/tripdesk/internal/discount"
	"github.com/diagnosis/tripdesk/internal/domain"
	"github.com/diagnosis/tripdesk/internal/payment"
	"github.com/diagnosis/tripdesk/internal/platform/mailer"
	"github.com/diagnosis/tripdesk/internal/pricing"
	"github.com/diagnosis/tripdesk/internal/repo/postgres"
	"github.com/diagnosis/tripdesk/internal/utils"
	"github.com/diagnosis/tripdesk/pkg/events"
	"github.com/diagnosis/tripdesk/pkg/logger"
	"golang.org/x/sync/errgroup"
)

// ErrClosed is returned for edits after the session was confirmed or abandoned.
var ErrClosed = errors.New("checkout session is closed")

type Stage string

const (
	StageSelectDates Stage = "select_dates"
	StageContact     Stage = "contact"
	StageGuests      Stage = "guests"
	StageReview      Stage = "review"
	StagePaying      Stage = "paying"
	StageConfirmed   Stage = "confirmed"
	StageClosed      Stage = "closed"
)

// IncidentRecorder persists payments that were collected but not verified.
type IncidentRecorder interface {
	Record(ctx context.Context, in *postgres.Incident) (*postgres.Incident, error)
}

// Deps are the collaborators of one controller. Codes and Orders must already
// carry the session's credential. Events, Incidents and Mailer are optional.
type Deps struct {
	Codes     discount.Authority
	Orders    payment.OrderService
	Fetcher   *availability.Fetcher
	Proximity *availability.ProximityChecker
	Gateway   payment.Gateway
	Events    events.Publisher
	Incidents IncidentRecorder
	Mailer    mailer.Service
}

type Config struct {
	Payment     payment.Config
	HorizonDays int
	Now         func() time.Time
}

type Controller struct {
	session  Session
	offering domain.Offering
	deps     Deps
	now      func() time.Time

	availability *availability.Checker
	promo        *discount.Verifier
	coupon       *discount.Verifier
	orchestrator *payment.Orchestrator

	mu          sync.Mutex
	contact     domain.ContactDetails
	guests      []domain.Guest
	destination string
	submitting  bool
	cancel      context.CancelFunc
	outcome     *Outcome
	confirmed   *domain.Booking
	abandoned   bool
}

func New(session Session, offering domain.Offering, deps Deps, cfg Config) (*Controller, error) {
	if offering.ResourceRef == "" {
		return nil, domain.ValidationError{Field: "resourceRef", Msg: "offering has no resource reference"}
	}
	if offering.Mode != domain.ModeSlot && offering.Mode != domain.ModeRange {
		return nil, domain.ValidationError{Field: "mode", Msg: fmt.Sprintf("unsupported booking mode %q", offering.Mode)}
	}
	if deps.Codes == nil || deps.Orders == nil || deps.Fetcher == nil || deps.Gateway == nil {
		return nil, errors.New("flow: codes, orders, fetcher and gateway are required")
	}
	if deps.Events == nil {
		deps.Events = events.Discard{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	c := &Controller{
		session:  session,
		offering: offering,
		deps:     deps,
		now:      cfg.Now,
		guests:   []domain.Guest{{}},
	}
	c.availability = availability.NewChecker(deps.Fetcher, offering.ResourceRef, availability.Options{
		HorizonDays: cfg.HorizonDays,
		Now:         cfg.Now,
	})
	c.promo = discount.NewVerifier(domain.Promo, deps.Codes)
	c.coupon = discount.NewVerifier(domain.Coupon, deps.Codes)

	pcfg := cfg.Payment
	pcfg.OnOrderCreated = c.orderCreated
	c.orchestrator = payment.NewOrchestrator(deps.Orders, deps.Gateway, pcfg)
	return c, nil
}

func (c *Controller) Session() Session          { return c.session }
func (c *Controller) Offering() domain.Offering { return c.offering }

// Gateway is the session's payment gateway, for widget callbacks.
func (c *Controller) Gateway() payment.Gateway { return c.deps.Gateway }

// ctx tags log lines with the session id.
func (c *Controller) ctx(ctx context.Context) context.Context {
	return logger.WithSession(ctx, c.session.ID)
}

func (c *Controller) editableLocked() error {
	switch {
	case c.abandoned || c.confirmed != nil:
		return ErrClosed
	case c.submitting:
		return domain.ErrInFlight
	}
	return nil
}

func (c *Controller) editable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.editableLocked()
}

func (c *Controller) guestsUnlockedLocked() bool {
	_, selected := c.availability.Selection()
	return selected && c.contact.Complete()
}

func (c *Controller) rosterCompleteLocked() bool {
	if len(c.guests) == 0 {
		return false
	}
	for _, g := range c.guests {
		if !g.Complete() {
			return false
		}
	}
	return true
}

// discountsUnlockedLocked also gates checkout.
func (c *Controller) discountsUnlockedLocked() bool {
	return c.guestsUnlockedLocked() && c.rosterCompleteLocked()
}

// LoadAvailability fetches the blocked dates for the booking window.
func (c *Controller) LoadAvailability(ctx context.Context) error {
	return c.availability.Load(c.ctx(ctx))
}

func (c *Controller) SelectSlot(ctx context.Context, slotID string) error {
	if c.offering.Mode != domain.ModeSlot {
		return domain.ValidationError{Field: availability.FieldSlot, Msg: "this offering is booked by date range"}
	}
	slot, ok := c.offering.Slot(slotID)
	if !ok {
		return domain.ValidationError{Field: availability.FieldSlot, Msg: "unknown slot"}
	}

	c.mu.Lock()
	if err := c.editableLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	headcount := len(c.guests)
	c.mu.Unlock()

	return c.availability.SelectSlot(c.ctx(ctx), slot, headcount)
}

func (c *Controller) PickStart(ctx context.Context, day time.Time) error {
	if err := c.rangeEditable(); err != nil {
		return err
	}
	return c.availability.PickStart(c.ctx(ctx), day)
}

func (c *Controller) PickEnd(ctx context.Context, day time.Time) error {
	if err := c.rangeEditable(); err != nil {
		return err
	}
	return c.availability.PickEnd(c.ctx(ctx), day)
}

func (c *Controller) rangeEditable() error {
	if c.offering.Mode != domain.ModeRange {
		return domain.ValidationError{Field: availability.FieldStart, Msg: "this offering is booked by slot"}
	}
	return c.editable()
}

// SetContact stores normalized contact details. An invalid phone or email is
// rejected and the previous details are kept.
func (c *Controller) SetContact(in domain.ContactDetails) error {
	contact := domain.ContactDetails{
		Name:    utils.NormalizeString(in.Name),
		Phone:   utils.NormalizePhone(in.Phone),
		Address: utils.NormalizeString(in.Address),
		Email:   utils.NormalizeEmail(in.Email),
	}
	if contact.Phone != "" && !utils.IsValidPhone(contact.Phone) {
		return domain.ValidationError{Field: "contact.phone", Msg: "enter a valid phone number"}
	}
	if contact.Email != "" && !utils.IsValidEmail(contact.Email) {
		return domain.ValidationError{Field: "contact.email", Msg: "enter a valid email address"}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.editableLocked(); err != nil {
		return err
	}
	c.contact = contact
	return nil
}

func (c *Controller) Contact() domain.ContactDetails {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.contact
}

// AddGuest appends an empty row and returns its index.
func (c *Controller) AddGuest() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.guestEditableLocked(); err != nil {
		return 0, err
	}
	c.guests = append(c.guests, domain.Guest{})
	return len(c.guests) - 1, nil
}

func (c *Controller) UpdateGuest(index int, g domain.Guest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.guestEditableLocked(); err != nil {
		return err
	}
	if err := c.checkIndexLocked(index); err != nil {
		return err
	}
	g.Name = utils.NormalizeString(g.Name)
	g.Address = utils.NormalizeString(g.Address)
	g.IdentityNumber = utils.NormalizeString(g.IdentityNumber)
	g.IdentityDocumentRef = utils.NormalizeString(g.IdentityDocumentRef)
	c.guests[index] = g
	return nil
}

// RemoveGuest deletes a row. The last remaining row cannot be removed.
func (c *Controller) RemoveGuest(index int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.guestEditableLocked(); err != nil {
		return err
	}
	if err := c.checkIndexLocked(index); err != nil {
		return err
	}
	if len(c.guests) == 1 {
		return domain.ValidationError{Field: "guests", Msg: "at least one guest is required"}
	}
	c.guests = append(c.guests[:index], c.guests[index+1:]...)
	return nil
}

func (c *Controller) Guests() []domain.Guest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Guest(nil), c.guests...)
}

func (c *Controller) guestEditableLocked() error {
	if err := c.editableLocked(); err != nil {
		return err
	}
	if !c.guestsUnlockedLocked() {
		return domain.ErrLocked
	}
	return nil
}

func (c *Controller) checkIndexLocked(index int) error {
	if index < 0 || index >= len(c.guests) {
		return domain.ValidationError{Field: "guests", Msg: fmt.Sprintf("no guest at position %d", index+1)}
	}
	return nil
}

// SetDestination records where the trip should go. It is checked against the
// resource's base only when checkout is submitted.
func (c *Controller) SetDestination(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.editableLocked(); err != nil {
		return err
	}
	c.destination = utils.NormalizeString(text)
	return nil
}

func (c *Controller) verifier(kind domain.DiscountKind) (*discount.Verifier, error) {
	switch kind {
	case domain.Promo:
		return c.promo, nil
	case domain.Coupon:
		return c.coupon, nil
	default:
		return nil, domain.ValidationError{Field: "kind", Msg: fmt.Sprintf("unknown code kind %q", kind)}
	}
}

// SetCode records an edit of one code's text, dropping any applied discount
// of that kind.
func (c *Controller) SetCode(kind domain.DiscountKind, text string) error {
	v, err := c.verifier(kind)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.codesEditableLocked(); err != nil {
		return err
	}
	v.SetCode(utils.NormalizeCode(text))
	return nil
}

func (c *Controller) ClearCode(kind domain.DiscountKind) error {
	v, err := c.verifier(kind)
	if err != nil {
		return err
	}
	if err := c.editable(); err != nil {
		return err
	}
	v.Clear()
	return nil
}

func (c *Controller) codesEditableLocked() error {
	if err := c.editableLocked(); err != nil {
		return err
	}
	if !c.discountsUnlockedLocked() {
		return domain.ErrLocked
	}
	return nil
}

// VerifyCode checks one code against the current base amount. A rejection
// never blocks checkout; the booking proceeds without the code.
func (c *Controller) VerifyCode(ctx context.Context, kind domain.DiscountKind) (domain.DiscountCode, error) {
	v, err := c.verifier(kind)
	if err != nil {
		return domain.DiscountCode{Kind: kind}, err
	}

	c.mu.Lock()
	if err := c.codesEditableLocked(); err != nil {
		c.mu.Unlock()
		return v.State(), err
	}
	base := pricing.ComputeBaseAmount(c.guests, c.offering.Tiers)
	c.mu.Unlock()

	ctx = c.ctx(ctx)
	code, err := v.Verify(ctx, base)
	c.publishDiscount(ctx, code, err)
	return code, err
}

type CodeResult struct {
	Code domain.DiscountCode
	Err  error
}

// ApplyCodes verifies every entered code concurrently. Kinds with no text are
// skipped.
func (c *Controller) ApplyCodes(ctx context.Context) (map[domain.DiscountKind]CodeResult, error) {
	c.mu.Lock()
	if err := c.codesEditableLocked(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()

	var (
		g       errgroup.Group
		mu      sync.Mutex
		results = make(map[domain.DiscountKind]CodeResult, 2)
	)
	for _, v := range []*discount.Verifier{c.promo, c.coupon} {
		v := v
		if v.State().Code == "" {
			continue
		}
		g.Go(func() error {
			code, err := c.VerifyCode(ctx, v.Kind())
			mu.Lock()
			results[v.Kind()] = CodeResult{Code: code, Err: err}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (c *Controller) Code(kind domain.DiscountKind) domain.DiscountCode {
	v, err := c.verifier(kind)
	if err != nil {
		return domain.DiscountCode{Kind: kind}
	}
	return v.State()
}

func (c *Controller) publishDiscount(ctx context.Context, code domain.DiscountCode, err error) {
	ev := events.DiscountEvent{SessionID: c.session.ID, Kind: string(code.Kind), Code: code.Code}
	subject := events.DiscountApplied
	if err != nil {
		derr, ok := domain.AsDiscountError(err)
		if !ok || derr.Reason == domain.DiscountEmptyCode {
			return
		}
		subject = events.DiscountRejected
		ev.Reason = string(derr.Reason)
	} else {
		ev.Amount = code.DiscountAmount
	}
	c.publish(ctx, subject, ev)
}

// Quote prices the current roster with whichever codes are applied.
func (c *Controller) Quote() (domain.PriceQuote, pricing.Breakdown) {
	c.mu.Lock()
	b := pricing.Compute(c.guests, c.offering.Tiers)
	c.mu.Unlock()
	return pricing.Quote(b.BaseAmount, c.promo.Discount(), c.coupon.Discount(), c.offering.Currency), b
}

func (c *Controller) Stage() Stage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stageLocked()
}

func (c *Controller) stageLocked() Stage {
	_, selected := c.availability.Selection()
	switch {
	case c.confirmed != nil:
		return StageConfirmed
	case c.abandoned:
		return StageClosed
	case c.submitting:
		return StagePaying
	case !selected:
		return StageSelectDates
	case !c.contact.Complete():
		return StageContact
	case !c.rosterCompleteLocked():
		return StageGuests
	default:
		return StageReview
	}
}

func (c *Controller) publish(ctx context.Context, subject string, data any) {
	if err := c.deps.Events.Publish(ctx, subject, data); err != nil {
		logger.WarnContext(ctx, "Failed to publish event", "subject", subject, "error", err)
	}
}

func (c *Controller) orderCreated(ctx context.Context, order domain.PaymentOrder) {
	c.publish(ctx, events.OrderCreated, events.OrderCreatedEvent{
		SessionID: c.session.ID,
		OrderID:   order.OrderID,
		Amount:    order.Amount,
		Currency:  order.Currency,
		CreatedAt: c.now(),
	})
}
