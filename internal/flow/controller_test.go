package flow

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/diagnosis/tripdesk/internal/availability"
	"github.com/diagnosis/tripdesk/internal/discount"
	"github.com/diagnosis/tripdesk/internal/domain"
	"github.com/diagnosis/tripdesk/internal/payment"
	"github.com/diagnosis/tripdesk/internal/platform/mailer"
	"github.com/diagnosis/tripdesk/internal/repo/postgres"
	"github.com/diagnosis/tripdesk/pkg/auth"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(s string) time.Time {
	d, err := domain.ParseDay(s)
	if err != nil {
		panic(err)
	}
	return d
}

func fixedNow() time.Time { return day("2024-03-01").Add(9 * time.Hour) }

type fakeMarket struct {
	mu         sync.Mutex
	discounts  map[string]float64
	periods    []domain.DateRange
	fetches    int
	createErr  error
	verifyErr  error
	creates    []domain.BookingRequest
	verifyKeys []string

	// hold parks code verification until closed; held reports the call arrived
	hold chan struct{}
	held chan struct{}
}

func (m *fakeMarket) VerifyCode(ctx context.Context, kind domain.DiscountKind, code string, amount float64) (discount.Verification, error) {
	if m.hold != nil {
		m.held <- struct{}{}
		<-m.hold
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.discounts[code]
	if !ok {
		return discount.Verification{}, &domain.RemoteError{Status: 404, Message: "code not found"}
	}
	return discount.Verification{Discount: d, RemoteID: string(kind) + "-" + code}, nil
}

func (m *fakeMarket) BlockedPeriods(ctx context.Context, resourceID string, from, to time.Time) ([]domain.DateRange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetches++
	return m.periods, nil
}

func (m *fakeMarket) CreateOrder(ctx context.Context, key string, req domain.BookingRequest) (domain.PaymentOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creates = append(m.creates, req)
	if m.createErr != nil {
		return domain.PaymentOrder{}, m.createErr
	}
	return domain.PaymentOrder{OrderID: "order_1", Amount: 8199, Currency: "INR", GatewayKey: "pk_test"}, nil
}

func (m *fakeMarket) VerifyPayment(ctx context.Context, key string, receipt domain.PaymentReceipt, req domain.BookingRequest) (domain.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verifyKeys = append(m.verifyKeys, key)
	if m.verifyErr != nil {
		return domain.Booking{}, m.verifyErr
	}
	return domain.Booking{
		ID:          "bk_1",
		Status:      domain.BookingConfirmed,
		ResourceRef: req.ResourceRef,
		TripDate:    req.TripDate,
		Amount:      8199,
		Currency:    "INR",
		OrderID:     receipt.OrderID,
		PaymentID:   receipt.PaymentID,
	}, nil
}

func (m *fakeMarket) fetchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetches
}

type scriptedGateway struct {
	event payment.GatewayEvent
}

func (g *scriptedGateway) Ready(context.Context) bool { return true }

func (g *scriptedGateway) Collect(ctx context.Context, order domain.PaymentOrder, prefill domain.Prefill) (<-chan payment.GatewayEvent, error) {
	ch := make(chan payment.GatewayEvent, 1)
	ch <- g.event
	return ch, nil
}

type recordedEvents struct {
	mu       sync.Mutex
	subjects []string
}

func (r *recordedEvents) Publish(ctx context.Context, subject string, data interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subjects = append(r.subjects, subject)
	return nil
}

func (r *recordedEvents) Close() error { return nil }

func (r *recordedEvents) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.subjects...)
}

type fakeIncidents struct {
	recorded []postgres.Incident
}

func (f *fakeIncidents) Record(ctx context.Context, in *postgres.Incident) (*postgres.Incident, error) {
	out := *in
	out.ID = uuid.New()
	f.recorded = append(f.recorded, out)
	return &out, nil
}

type fakeMailer struct {
	confirmations []domain.Booking
	notices       []mailer.SupportNotice
}

func (f *fakeMailer) SendBookingConfirmation(ctx context.Context, b domain.Booking, amount string) error {
	f.confirmations = append(f.confirmations, b)
	return nil
}

func (f *fakeMailer) SendVerificationSupport(ctx context.Context, n mailer.SupportNotice) error {
	f.notices = append(f.notices, n)
	return nil
}

type fakeGeocoder map[string]domain.Coordinates

func (g fakeGeocoder) Geocode(ctx context.Context, q string) (domain.Coordinates, error) {
	return g[q], nil
}

type harness struct {
	market    *fakeMarket
	events    *recordedEvents
	incidents *fakeIncidents
	mailer    *fakeMailer
	deps      Deps
}

func newHarness(gw payment.Gateway) *harness {
	h := &harness{
		market: &fakeMarket{
			discounts: map[string]float64{"SUMMER": 500, "WELCOME": 300},
			periods:   []domain.DateRange{{Start: day("2024-03-20"), End: day("2024-03-22")}},
		},
		events:    &recordedEvents{},
		incidents: &fakeIncidents{},
		mailer:    &fakeMailer{},
	}
	h.deps = Deps{
		Codes:     h.market,
		Orders:    h.market,
		Fetcher:   availability.NewFetcher(h.market, availability.NewMemoryCache(), time.Minute),
		Gateway:   gw,
		Events:    h.events,
		Incidents: h.incidents,
		Mailer:    h.mailer,
	}
	return h
}

func slotOffering() domain.Offering {
	return domain.Offering{
		ResourceRef: "pkg-goa-3n",
		Name:        "Goa, 3 nights",
		Mode:        domain.ModeSlot,
		Tiers:       domain.TierPrices{Adult: 8999, Child: 4999},
		Currency:    "INR",
		Slots: []domain.Slot{
			{ID: "slot-1", Date: day("2024-03-15"), MaxCapacity: 10, Booked: 2},
			{ID: "slot-last-seat", Date: day("2024-03-16"), MaxCapacity: 4, Booked: 3},
		},
	}
}

func testSession() Session {
	return Session{ID: "sess-1", Credential: &auth.Credential{Token: "token"}, CreatedAt: fixedNow()}
}

func testConfig() Config {
	return Config{
		Payment:     payment.Config{ReadinessTimeout: time.Second, PollInterval: 5 * time.Millisecond, CallTimeout: time.Second},
		HorizonDays: 60,
		Now:         fixedNow,
	}
}

func (h *harness) controller(t *testing.T, offering domain.Offering) *Controller {
	t.Helper()
	c, err := New(testSession(), offering, h.deps, testConfig())
	require.NoError(t, err)
	return c
}

func adult() domain.Guest {
	return domain.Guest{
		Name: "Asha Rao", Age: domain.AgeOf(32), Address: "12 MG Road",
		IdentityNumber: "X1234567", IdentityDocumentRef: "doc-1",
	}
}

func contact() domain.ContactDetails {
	return domain.ContactDetails{Name: "Asha Rao", Phone: "+91 98000 00000", Address: "12 MG Road", Email: "asha@example.com"}
}

// fill walks the session up to the review stage on slot-1 with one adult.
func fill(t *testing.T, c *Controller) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, c.SelectSlot(ctx, "slot-1"))
	require.NoError(t, c.SetContact(contact()))
	require.NoError(t, c.UpdateGuest(0, adult()))
}

func TestStageGating(t *testing.T) {
	h := newHarness(&scriptedGateway{})
	c := h.controller(t, slotOffering())
	ctx := context.Background()

	assert.Equal(t, StageSelectDates, c.Stage())
	_, err := c.AddGuest()
	assert.ErrorIs(t, err, domain.ErrLocked)
	assert.ErrorIs(t, c.SetCode(domain.Promo, "summer"), domain.ErrLocked)

	require.NoError(t, c.SelectSlot(ctx, "slot-1"))
	assert.Equal(t, StageContact, c.Stage())
	assert.ErrorIs(t, c.UpdateGuest(0, adult()), domain.ErrLocked, "contact comes before guests")

	require.NoError(t, c.SetContact(contact()))
	assert.Equal(t, StageGuests, c.Stage())
	assert.ErrorIs(t, c.SetCode(domain.Promo, "summer"), domain.ErrLocked)
	assert.False(t, c.View().Unlocked.Checkout)

	require.NoError(t, c.UpdateGuest(0, adult()))
	assert.Equal(t, StageReview, c.Stage())
	assert.NoError(t, c.SetCode(domain.Promo, "summer"))

	v := c.View()
	assert.True(t, v.Unlocked.Guests)
	assert.True(t, v.Unlocked.Discounts)
	assert.True(t, v.Unlocked.Checkout)
	assert.Equal(t, "+919800000000", v.Contact.Phone)
	assert.Equal(t, []string{"2024-03-20", "2024-03-21", "2024-03-22"}, v.Availability.Blocked)

	_, err = c.AddGuest()
	require.NoError(t, err)
	assert.Equal(t, StageGuests, c.Stage(), "an empty row locks discounts again")
}

func TestGuestRoster(t *testing.T) {
	h := newHarness(&scriptedGateway{})
	c := h.controller(t, slotOffering())
	fill(t, c)

	err := c.RemoveGuest(0)
	assert.True(t, domain.IsValidation(err), "the last row stays")

	idx, err := c.AddGuest()
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
	child := adult()
	child.Name, child.Age = "  Ravi   Rao ", domain.AgeOf(9)
	require.NoError(t, c.UpdateGuest(idx, child))
	assert.Equal(t, "Ravi Rao", c.Guests()[1].Name)

	assert.True(t, domain.IsValidation(c.UpdateGuest(5, adult())))

	quote, breakdown := c.Quote()
	assert.Equal(t, 1, breakdown.Adults)
	assert.Equal(t, 1, breakdown.Children)
	assert.Equal(t, 13998.0, quote.FinalAmount)

	require.NoError(t, c.RemoveGuest(0))
	assert.Equal(t, "Ravi Rao", c.Guests()[0].Name)
}

func TestSetContactRejectsInvalidValues(t *testing.T) {
	h := newHarness(&scriptedGateway{})
	c := h.controller(t, slotOffering())

	bad := contact()
	bad.Phone = "12"
	var verr domain.ValidationError
	require.ErrorAs(t, c.SetContact(bad), &verr)
	assert.Equal(t, "contact.phone", verr.Field)

	bad = contact()
	bad.Email = "asha@"
	require.ErrorAs(t, c.SetContact(bad), &verr)
	assert.Equal(t, "contact.email", verr.Field)

	assert.Empty(t, c.Contact().Name, "rejected details are not stored")
}

func TestApplyCodesStacksBothDiscounts(t *testing.T) {
	h := newHarness(&scriptedGateway{})
	c := h.controller(t, slotOffering())
	fill(t, c)

	require.NoError(t, c.SetCode(domain.Promo, " summer "))
	require.NoError(t, c.SetCode(domain.Coupon, "welcome"))

	results, err := c.ApplyCodes(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.NoError(t, results[domain.Promo].Err)
	assert.NoError(t, results[domain.Coupon].Err)

	quote, _ := c.Quote()
	assert.Equal(t, 8999.0, quote.BaseAmount)
	assert.Equal(t, 8199.0, quote.FinalAmount)
	assert.True(t, c.View().Promo.Locked)

	require.NoError(t, c.SetCode(domain.Coupon, "welcome2"))
	quote, _ = c.Quote()
	assert.Equal(t, 8499.0, quote.FinalAmount, "editing an applied code drops its discount")
}

func TestApplyCodesRejectionDoesNotBlock(t *testing.T) {
	h := newHarness(&scriptedGateway{event: payment.GatewayEvent{Kind: payment.EventSuccess, PaymentID: "pay_1", Signature: "sig"}})
	c := h.controller(t, slotOffering())
	fill(t, c)

	require.NoError(t, c.SetCode(domain.Coupon, "bogus"))
	results, err := c.ApplyCodes(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)

	derr, ok := domain.AsDiscountError(results[domain.Coupon].Err)
	require.True(t, ok)
	assert.Equal(t, domain.DiscountInvalidCode, derr.Reason)
	assert.Contains(t, h.events.list(), "checkout.discount.rejected")

	out, err := c.Checkout(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, out.Status)
	assert.Empty(t, h.market.creates[0].CouponCode)
}

func TestCheckoutConfirmedClearsSession(t *testing.T) {
	h := newHarness(&scriptedGateway{event: payment.GatewayEvent{Kind: payment.EventSuccess, PaymentID: "pay_1", Signature: "sig"}})
	c := h.controller(t, slotOffering())
	fill(t, c)
	require.NoError(t, c.SetCode(domain.Promo, "summer"))
	_, err := c.VerifyCode(context.Background(), domain.Promo)
	require.NoError(t, err)

	out, err := c.Checkout(context.Background(), "")
	require.NoError(t, err)

	assert.Equal(t, StatusConfirmed, out.Status)
	assert.Equal(t, ActionViewBooking, out.Action)
	require.NotNil(t, out.Booking)
	assert.Equal(t, "bk_1", out.Booking.ID)

	require.Len(t, h.market.creates, 1)
	req := h.market.creates[0]
	assert.Equal(t, "promo-SUMMER", req.PromoCode)
	assert.Equal(t, "slot-1", req.SlotID)
	assert.Equal(t, "2024-03-15", req.TripDate)

	assert.Equal(t, StageConfirmed, c.Stage())
	assert.Equal(t, []domain.Guest{{}}, c.Guests())
	assert.Empty(t, c.Contact().Name)
	assert.Empty(t, c.Code(domain.Promo).Code)
	assert.NotNil(t, c.Booking())

	assert.Contains(t, h.events.list(), "checkout.order.created")
	assert.Contains(t, h.events.list(), "booking.confirmed")
	require.Len(t, h.mailer.confirmations, 1)
	assert.Equal(t, "asha@example.com", h.mailer.confirmations[0].Contact.Email)

	assert.ErrorIs(t, c.SetContact(contact()), ErrClosed)
	_, err = c.Checkout(context.Background(), "")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCheckoutVerificationFailureDirectsToSupport(t *testing.T) {
	h := newHarness(&scriptedGateway{event: payment.GatewayEvent{Kind: payment.EventSuccess, PaymentID: "pay_1", Signature: "sig"}})
	h.market.verifyErr = &domain.RemoteError{Status: 400, Message: "signature mismatch"}
	c := h.controller(t, slotOffering())
	fill(t, c)

	out, err := c.Checkout(context.Background(), "")
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, domain.FailureVerificationFailed, out.Reason)
	assert.Equal(t, ActionContactSupport, out.Action)
	assert.True(t, out.RequiresAcknowledgement)
	assert.Equal(t, "order_1", out.OrderID)
	assert.Equal(t, "pay_1", out.PaymentID)
	assert.Contains(t, out.Message, "do not pay again")
	assert.Nil(t, c.Booking())

	require.Len(t, h.incidents.recorded, 1)
	inc := h.incidents.recorded[0]
	assert.Equal(t, "pay_1", inc.PaymentID)
	assert.Equal(t, 8199.0, inc.Amount)
	assert.Equal(t, h.market.verifyKeys[0], inc.IdempotencyKey)
	assert.Equal(t, "signature mismatch", inc.Detail)
	require.Len(t, h.mailer.notices, 1)
	assert.Contains(t, h.events.list(), "payment.verification_failed")

	assert.Equal(t, adult(), c.Guests()[0], "entered details survive a failure")
	assert.False(t, c.View().Unlocked.Checkout)
	_, err = c.Checkout(context.Background(), "")
	assert.ErrorIs(t, err, domain.ErrAcknowledgementRequired)

	require.NoError(t, c.Acknowledge())
	assert.Nil(t, c.Outcome())
	assert.True(t, c.View().Unlocked.Checkout)
}

func TestCheckoutSignInNeverReplacesSupportAfterPayment(t *testing.T) {
	h := newHarness(&scriptedGateway{event: payment.GatewayEvent{Kind: payment.EventSuccess, PaymentID: "pay_1", Signature: "sig"}})
	h.market.verifyErr = fmt.Errorf("verify payment: %w", domain.ErrAuthenticationRequired)
	c := h.controller(t, slotOffering())
	fill(t, c)

	out, err := c.Checkout(context.Background(), "")
	require.NoError(t, err)

	assert.Equal(t, domain.FailureVerificationFailed, out.Reason)
	assert.Equal(t, ActionContactSupport, out.Action)
	assert.Contains(t, out.Message, "do not pay again")
	assert.Equal(t, "pay_1", out.PaymentID)
	require.Len(t, h.incidents.recorded, 1)
	assert.Equal(t, "pay_1", h.incidents.recorded[0].PaymentID)
	require.Len(t, h.mailer.notices, 1)
}

func TestCheckoutExpiredSessionBeforePaymentSignsIn(t *testing.T) {
	h := newHarness(&scriptedGateway{})
	h.market.createErr = fmt.Errorf("create order: %w", domain.ErrAuthenticationRequired)
	c := h.controller(t, slotOffering())
	fill(t, c)

	out, err := c.Checkout(context.Background(), "")
	require.NoError(t, err)

	assert.Equal(t, ActionSignIn, out.Action)
	assert.Empty(t, h.incidents.recorded)
}

func TestCheckoutWaitsForCodeVerification(t *testing.T) {
	h := newHarness(&scriptedGateway{event: payment.GatewayEvent{Kind: payment.EventSuccess, PaymentID: "pay_1", Signature: "sig"}})
	h.market.hold = make(chan struct{})
	h.market.held = make(chan struct{}, 1)
	c := h.controller(t, slotOffering())
	fill(t, c)
	require.NoError(t, c.SetCode(domain.Promo, "summer"))

	done := make(chan error, 1)
	go func() {
		_, err := c.VerifyCode(context.Background(), domain.Promo)
		done <- err
	}()
	<-h.market.held

	assert.False(t, c.View().Checkout.CanPay)
	_, err := c.Checkout(context.Background(), "")
	assert.ErrorIs(t, err, domain.ErrInFlight)

	close(h.market.hold)
	require.NoError(t, <-done)
	assert.True(t, c.View().Checkout.CanPay)
	assert.Empty(t, h.market.creates, "no order was created while the code was pending")
}

func TestCheckoutOrderRejectedForcesReselection(t *testing.T) {
	h := newHarness(&scriptedGateway{})
	h.market.createErr = &domain.RemoteError{Status: 409, Message: "Slot is fully booked"}
	c := h.controller(t, slotOffering())
	fill(t, c)
	require.Equal(t, 1, h.market.fetchCount())

	out, err := c.Checkout(context.Background(), "")
	require.NoError(t, err)

	assert.Equal(t, domain.FailureOrderRejected, out.Reason)
	assert.Equal(t, "Slot is fully booked", out.Message)
	assert.Equal(t, ActionReselectDates, out.Action)
	assert.Equal(t, StageSelectDates, c.Stage())
	assert.Equal(t, "Asha Rao", c.Contact().Name)
	assert.Equal(t, adult(), c.Guests()[0])

	require.NoError(t, c.SelectSlot(context.Background(), "slot-1"))
	assert.Equal(t, 2, h.market.fetchCount(), "blocked dates are fetched again")
}

func TestCheckoutRechecksCapacityAtSubmission(t *testing.T) {
	h := newHarness(&scriptedGateway{})
	c := h.controller(t, slotOffering())
	ctx := context.Background()

	require.NoError(t, c.SelectSlot(ctx, "slot-last-seat"))
	require.NoError(t, c.SetContact(contact()))
	require.NoError(t, c.UpdateGuest(0, adult()))
	_, err := c.AddGuest()
	require.NoError(t, err)
	require.NoError(t, c.UpdateGuest(1, adult()))

	out, err := c.Checkout(ctx, "")
	require.NoError(t, err)

	assert.Equal(t, domain.FailureValidation, out.Reason)
	assert.Equal(t, ActionCorrect, out.Action)
	assert.Equal(t, availability.FieldSlot, out.Field)
	assert.False(t, out.RequiresAcknowledgement)
	assert.Empty(t, h.market.creates)
	assert.Equal(t, "slot: only 1 places left on 2024-03-16", c.View().Errors[availability.FieldSlot])
}

func TestCheckoutRejectsDistantDestination(t *testing.T) {
	h := newHarness(&scriptedGateway{})
	h.deps.Proximity = availability.NewProximityChecker(fakeGeocoder{
		"Pune":  {Lat: 18.5204, Lng: 73.8567},
		"Delhi": {Lat: 28.6139, Lng: 77.2090},
	}, 150)
	offering := slotOffering()
	offering.Base = &domain.Coordinates{Lat: 19.0760, Lng: 72.8777}
	c := h.controller(t, offering)
	fill(t, c)

	require.NoError(t, c.SetDestination("Delhi"))
	out, err := c.Checkout(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, domain.FailureValidation, out.Reason)
	assert.Equal(t, availability.FieldDest, out.Field)
	assert.Empty(t, h.market.creates)

	require.NoError(t, c.SetDestination("Pune"))
	out, err = c.Checkout(context.Background(), "")
	require.NoError(t, err)
	assert.NotEqual(t, domain.FailureValidation, out.Reason)
	require.Len(t, h.market.creates, 1)
	assert.Equal(t, "Pune", h.market.creates[0].Destination)
}

func TestCheckoutRequiresCredential(t *testing.T) {
	expired := &auth.Credential{Token: "token", Claims: &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(fixedNow().Add(-time.Minute))},
	}}

	_, err := NewSession(expired, fixedNow())
	assert.ErrorIs(t, err, domain.ErrAuthenticationRequired)

	h := newHarness(&scriptedGateway{})
	session := testSession()
	session.Credential = expired
	c, err := New(session, slotOffering(), h.deps, testConfig())
	require.NoError(t, err)
	fill(t, c)

	_, err = c.Checkout(context.Background(), "")
	assert.ErrorIs(t, err, domain.ErrAuthenticationRequired)
	assert.Empty(t, h.market.creates)
}

func TestWidgetCallbacksDriveTheAttempt(t *testing.T) {
	gw := payment.NewWidgetGateway()
	h := newHarness(gw)
	c := h.controller(t, slotOffering())
	fill(t, c)
	ctx := context.Background()

	done, err := c.Start(ctx, "")
	require.NoError(t, err)

	_, err = c.Checkout(ctx, "")
	assert.ErrorIs(t, err, domain.ErrInFlight, "a second press is a no-op")
	assert.ErrorIs(t, c.SetContact(contact()), domain.ErrInFlight)

	require.NoError(t, c.GatewayLoaded())
	require.Eventually(t, func() bool {
		return c.CheckoutState() == payment.StateCollectingPayment
	}, time.Second, 5*time.Millisecond)

	v := c.View()
	assert.Equal(t, StagePaying, v.Stage)
	require.NotNil(t, v.Checkout.Order)
	assert.Equal(t, "order_1", v.Checkout.Order.OrderID)
	require.NotNil(t, v.Checkout.Prefill)
	assert.Equal(t, "Asha Rao", v.Checkout.Prefill.Name)

	require.NoError(t, c.GatewayEvent(payment.GatewayEvent{Kind: payment.EventDismissed}))
	out := <-done

	assert.Equal(t, StatusCancelled, out.Status)
	assert.Equal(t, ActionRetry, out.Action)
	assert.False(t, out.RequiresAcknowledgement)
	assert.ErrorIs(t, c.GatewayEvent(payment.GatewayEvent{Kind: payment.EventSuccess}), payment.ErrUnknownOrder)
	assert.True(t, c.View().Unlocked.Checkout, "a dismissal can be retried directly")
}

func TestAbandonWhileCollecting(t *testing.T) {
	gw := payment.NewWidgetGateway()
	gw.MarkLoaded()
	h := newHarness(gw)
	c := h.controller(t, slotOffering())
	fill(t, c)

	done, err := c.Start(context.Background(), "")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return c.CheckoutState() == payment.StateCollectingPayment
	}, time.Second, 5*time.Millisecond)

	c.Abandon(context.Background())
	out := <-done

	assert.Equal(t, StatusCancelled, out.Status)
	assert.Equal(t, StageClosed, c.Stage())
	assert.ErrorIs(t, c.SetDestination("Pune"), ErrClosed)
	assert.Empty(t, h.market.verifyKeys)
}

func TestServerGatewayHasNoCallbacks(t *testing.T) {
	h := newHarness(&scriptedGateway{})
	c := h.controller(t, slotOffering())

	assert.ErrorIs(t, c.GatewayLoaded(), ErrNoWidget)
	assert.ErrorIs(t, c.GatewayEvent(payment.GatewayEvent{Kind: payment.EventDismissed}), ErrNoWidget)
}

func TestNewRejectsBadOffering(t *testing.T) {
	h := newHarness(&scriptedGateway{})

	_, err := New(testSession(), domain.Offering{Mode: domain.ModeSlot}, h.deps, testConfig())
	assert.True(t, domain.IsValidation(err))

	o := slotOffering()
	o.Mode = "weekly"
	_, err = New(testSession(), o, h.deps, testConfig())
	assert.True(t, domain.IsValidation(err))
}

func TestRangeOfferingPicksDates(t *testing.T) {
	h := newHarness(&scriptedGateway{})
	o := slotOffering()
	o.Mode, o.Slots = domain.ModeRange, nil
	c := h.controller(t, o)
	ctx := context.Background()

	assert.True(t, domain.IsValidation(c.SelectSlot(ctx, "slot-1")))
	require.NoError(t, c.PickStart(ctx, day("2024-03-18")))
	err := c.PickEnd(ctx, day("2024-03-21"))
	require.True(t, domain.IsConflict(err))
	assert.Equal(t, "selected dates are unavailable: 2024-03-20, 2024-03-21", err.Error())
	assert.Equal(t, StageSelectDates, c.Stage())

	require.NoError(t, c.PickEnd(ctx, day("2024-03-19")))
	assert.Equal(t, StageContact, c.Stage())
	v := c.View()
	assert.Equal(t, "2024-03-18", v.Availability.StartDate)
	assert.Equal(t, "2024-03-19", v.Availability.EndDate)
	assert.Nil(t, v.Errors)
}
