package flow

import (
	"time"

	"github.com/diagnosis/tripdesk/internal/availability"
	"github.com/diagnosis/tripdesk/internal/domain"
	"github.com/diagnosis/tripdesk/internal/payment"
	"github.com/diagnosis/tripdesk/internal/pricing"
)

type Unlocked struct {
	Guests    bool `json:"guests"`
	Discounts bool `json:"discounts"`
	Checkout  bool `json:"checkout"`
}

type AvailabilityView struct {
	State       availability.State `json:"state"`
	WindowStart string             `json:"windowStart,omitempty"`
	WindowEnd   string             `json:"windowEnd,omitempty"`
	StartDate   string             `json:"startDate,omitempty"`
	EndDate     string             `json:"endDate,omitempty"`
	SlotID      string             `json:"slotId,omitempty"`
	Blocked     []string           `json:"blockedDates"`
}

type CodeView struct {
	domain.DiscountCode
	Locked   bool `json:"locked"`
	InFlight bool `json:"inFlight"`
}

type QuoteView struct {
	domain.PriceQuote
	Breakdown    pricing.Breakdown `json:"breakdown"`
	BaseDisplay  string            `json:"baseDisplay"`
	FinalDisplay string            `json:"finalDisplay"`
}

type CheckoutView struct {
	State   payment.State        `json:"state"`
	CanPay  bool                 `json:"canPay"`
	Order   *domain.PaymentOrder `json:"order,omitempty"`
	Prefill *domain.Prefill      `json:"prefill,omitempty"`
	Outcome *Outcome             `json:"outcome,omitempty"`
}

// View is everything the page needs to render the session.
type View struct {
	SessionID    string                `json:"sessionId"`
	Stage        Stage                 `json:"stage"`
	Offering     domain.Offering       `json:"offering"`
	Unlocked     Unlocked              `json:"unlocked"`
	Availability AvailabilityView      `json:"availability"`
	Contact      domain.ContactDetails `json:"contact"`
	Guests       []domain.Guest        `json:"guests"`
	Destination  string                `json:"destination,omitempty"`
	Promo        CodeView              `json:"promo"`
	Coupon       CodeView              `json:"coupon"`
	Quote        QuoteView             `json:"quote"`
	Checkout     CheckoutView          `json:"checkout"`
	Errors       map[string]string     `json:"errors,omitempty"`
	Booking      *domain.Booking       `json:"booking,omitempty"`
}

func (c *Controller) View() View {
	quote, breakdown := c.Quote()

	c.mu.Lock()
	defer c.mu.Unlock()

	v := View{
		SessionID:   c.session.ID,
		Stage:       c.stageLocked(),
		Offering:    c.offering,
		Contact:     c.contact,
		Guests:      append([]domain.Guest(nil), c.guests...),
		Destination: c.destination,
		Promo:       codeView(c.promo.State(), c.promo.Locked(), c.promo.InFlight()),
		Coupon:      codeView(c.coupon.State(), c.coupon.Locked(), c.coupon.InFlight()),
		Quote: QuoteView{
			PriceQuote:   quote,
			Breakdown:    breakdown,
			BaseDisplay:  pricing.Format(quote.BaseAmount, quote.Currency),
			FinalDisplay: pricing.Format(quote.FinalAmount, quote.Currency),
		},
		Booking: c.confirmed,
	}

	open := c.editableLocked() == nil
	v.Unlocked = Unlocked{
		Guests:    open && c.guestsUnlockedLocked(),
		Discounts: open && c.discountsUnlockedLocked(),
	}
	v.Unlocked.Checkout = v.Unlocked.Discounts && c.orchestrator.StartError() == nil &&
		!c.promo.InFlight() && !c.coupon.InFlight()

	snap := c.availability.Snapshot()
	v.Availability = availabilityView(snap)
	if from, to := c.availability.Window(); !from.IsZero() {
		v.Availability.WindowStart = from.Format(domain.DateLayout)
		v.Availability.WindowEnd = to.Format(domain.DateLayout)
	}
	v.Errors = fieldErrors(snap)

	v.Checkout = CheckoutView{
		State:  c.orchestrator.State(),
		CanPay: v.Unlocked.Checkout,
	}
	if order := c.orchestrator.PendingOrder(); order != nil {
		v.Checkout.Order = order
		prefill := c.orchestrator.Prefill()
		prefill.PaymentMethod = ""
		v.Checkout.Prefill = &prefill
	}
	if c.outcome != nil {
		out := *c.outcome
		v.Checkout.Outcome = &out
	}
	return v
}

func codeView(code domain.DiscountCode, locked, inFlight bool) CodeView {
	return CodeView{DiscountCode: code, Locked: locked, InFlight: inFlight}
}

func availabilityView(s availability.Snapshot) AvailabilityView {
	v := AvailabilityView{
		State:   s.State,
		SlotID:  s.SlotID,
		Blocked: domain.FormatDays(s.Blocked),
	}
	if v.Blocked == nil {
		v.Blocked = []string{}
	}
	v.StartDate = formatDay(s.Start)
	v.EndDate = formatDay(s.End)
	return v
}

func formatDay(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(domain.DateLayout)
}

func fieldErrors(s availability.Snapshot) map[string]string {
	errs := make(map[string]string)
	if s.StartError != nil {
		errs[availability.FieldStart] = s.StartError.Error()
	}
	if s.EndError != nil {
		errs[availability.FieldEnd] = s.EndError.Error()
	}
	if s.SlotError != nil {
		errs[availability.FieldSlot] = s.SlotError.Error()
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}
