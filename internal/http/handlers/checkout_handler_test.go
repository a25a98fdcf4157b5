package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/diagnosis/tripdesk/internal/availability"
	"github.com/diagnosis/tripdesk/internal/discount"
	"github.com/diagnosis/tripdesk/internal/domain"
	"github.com/diagnosis/tripdesk/internal/flow"
	"github.com/diagnosis/tripdesk/internal/http/handlers"
	"github.com/diagnosis/tripdesk/internal/http/middleware"
	"github.com/diagnosis/tripdesk/internal/http/response"
	"github.com/diagnosis/tripdesk/internal/payment"
	"github.com/diagnosis/tripdesk/pkg/auth"
	"github.com/diagnosis/tripdesk/pkg/events"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

// MockMarketplace implements handlers.Marketplace for testing
type MockMarketplace struct {
	mu        sync.Mutex
	offerings map[string]domain.Offering
	blocked   []domain.DateRange
	discounts map[string]float64
	verified  []domain.PaymentReceipt
}

func (m *MockMarketplace) Offering(ctx context.Context, ref string) (domain.Offering, error) {
	o, ok := m.offerings[ref]
	if !ok {
		return domain.Offering{}, &domain.RemoteError{Status: http.StatusNotFound, Message: "Resource not found"}
	}
	return o, nil
}

func (m *MockMarketplace) BlockedPeriods(ctx context.Context, resourceID string, from, to time.Time) ([]domain.DateRange, error) {
	return m.blocked, nil
}

func (m *MockMarketplace) VerifyCode(ctx context.Context, kind domain.DiscountKind, code string, amount float64) (discount.Verification, error) {
	d, ok := m.discounts[code]
	if !ok {
		return discount.Verification{}, &domain.RemoteError{Status: http.StatusNotFound, Message: "code not found"}
	}
	return discount.Verification{Discount: d, RemoteID: code}, nil
}

func (m *MockMarketplace) CreateOrder(ctx context.Context, key string, req domain.BookingRequest) (domain.PaymentOrder, error) {
	return domain.PaymentOrder{OrderID: "order_1", Amount: 8999, Currency: "INR", GatewayKey: "pk_test"}, nil
}

func (m *MockMarketplace) VerifyPayment(ctx context.Context, key string, receipt domain.PaymentReceipt, req domain.BookingRequest) (domain.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verified = append(m.verified, receipt)
	return domain.Booking{
		ID:          "bk_1",
		Status:      domain.BookingConfirmed,
		ResourceRef: req.ResourceRef,
		TripDate:    req.TripDate,
		Amount:      8999,
		Currency:    "INR",
		OrderID:     receipt.OrderID,
		PaymentID:   receipt.PaymentID,
	}, nil
}

type testServer struct {
	market *MockMarketplace
	store  *flow.Store
	router http.Handler
	today  time.Time
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	today := domain.Day(time.Now())
	market := &MockMarketplace{
		offerings: map[string]domain.Offering{
			"pkg-goa-3n": {
				ResourceRef: "pkg-goa-3n",
				Name:        "Goa, 3 nights",
				Mode:        domain.ModeSlot,
				Tiers:       domain.TierPrices{Adult: 8999, Child: 4999},
				Currency:    "INR",
				Slots:       []domain.Slot{{ID: "slot-1", Date: today.AddDate(0, 0, 14), MaxCapacity: 10, Booked: 2}},
			},
			"villa-1": {
				ResourceRef: "villa-1",
				Name:        "Hill villa",
				Mode:        domain.ModeRange,
				Tiers:       domain.TierPrices{Adult: 3000, Child: 1500},
				Currency:    "INR",
			},
		},
		blocked:   []domain.DateRange{{Start: today.AddDate(0, 0, 20), End: today.AddDate(0, 0, 22)}},
		discounts: map[string]float64{"SUMMER": 500},
	}
	store := flow.NewStore(time.Hour, nil)
	h := handlers.NewCheckoutHandler(handlers.CheckoutDeps{
		Marketplace: func(*auth.Credential) handlers.Marketplace { return market },
		Fetcher:     availability.NewFetcher(market, availability.NewMemoryCache(), time.Minute),
		NewGateway:  func() payment.Gateway { return payment.NewWidgetGateway() },
		Events:      events.Discard{},
		Flow: flow.Config{
			Payment:     payment.Config{ReadinessTimeout: 2 * time.Second, PollInterval: 5 * time.Millisecond, CallTimeout: time.Second},
			HorizonDays: 60,
		},
		Store:    store,
		LoginURL: "/login",
	})

	r := chi.NewRouter()
	r.Use(middleware.RequireCredential(secret, "/login", nil))
	r.Mount("/sessions", h.Routes())
	return &testServer{market: market, store: store, router: r, today: today}
}

func token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := auth.NewAccessToken(userID, userID+"@example.com", "customer", secret, time.Hour)
	require.NoError(t, err)
	return tok
}

func (s *testServer) do(t *testing.T, tok, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) create(t *testing.T, tok, ref string) flow.View {
	t.Helper()
	rec := s.do(t, tok, http.MethodPost, "/sessions", map[string]string{"resourceRef": ref})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeView(t, rec)
}

// peek reads the session view without failing the test, for polling.
func (s *testServer) peek(tok, path string) (flow.View, bool) {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	var v flow.View
	if rec.Code != http.StatusOK || json.NewDecoder(rec.Body).Decode(&v) != nil {
		return flow.View{}, false
	}
	return v, true
}

func decodeView(t *testing.T, rec *httptest.ResponseRecorder) flow.View {
	t.Helper()
	var v flow.View
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) response.ErrorResponse {
	t.Helper()
	var body response.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

var (
	contactBody = map[string]string{"name": "Asha Rao", "phone": "+91 98000 00000", "address": "12 MG Road", "email": "asha@example.com"}
	guestBody   = map[string]any{"name": "Asha Rao", "age": 32, "address": "12 MG Road", "identityNumber": "X1234567", "identityDocumentRef": "doc-1"}
)

// fillSession walks a slot session up to review.
func (s *testServer) fillSession(t *testing.T, tok, id string) {
	t.Helper()
	base := "/sessions/" + id
	require.Equal(t, http.StatusOK, s.do(t, tok, http.MethodPut, base+"/slot", map[string]string{"slotId": "slot-1"}).Code)
	require.Equal(t, http.StatusOK, s.do(t, tok, http.MethodPut, base+"/contact", contactBody).Code)
	rec := s.do(t, tok, http.MethodPut, base+"/guests/0", guestBody)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestCreateSession(t *testing.T) {
	s := newTestServer(t)
	tok := token(t, "user-1")

	v := s.create(t, tok, "pkg-goa-3n")
	assert.NotEmpty(t, v.SessionID)
	assert.Equal(t, flow.StageSelectDates, v.Stage)
	assert.Len(t, v.Guests, 1)
	assert.Len(t, v.Availability.Blocked, 3, "blocked dates are preloaded")
	assert.Equal(t, 1, s.store.Len())

	rec := s.do(t, tok, http.MethodPost, "/sessions", map[string]string{"resourceRef": "missing"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Resource not found", decodeError(t, rec).Error)

	rec = s.do(t, tok, http.MethodPost, "/sessions", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSessionRequiresCredential(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, "", http.MethodPost, "/sessions", map[string]string{"resourceRef": "pkg-goa-3n"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, response.CodeAuthRequired, body.Code)
	assert.Equal(t, "/login", body.LoginURL)
}

func TestSessionIsPrivateToItsOwner(t *testing.T) {
	s := newTestServer(t)
	v := s.create(t, token(t, "user-1"), "pkg-goa-3n")

	rec := s.do(t, token(t, "user-2"), http.MethodGet, "/sessions/"+v.SessionID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, token(t, "user-1"), http.MethodGet, "/sessions/unknown", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStepsAreGated(t *testing.T) {
	s := newTestServer(t)
	tok := token(t, "user-1")
	v := s.create(t, tok, "pkg-goa-3n")
	base := "/sessions/" + v.SessionID

	rec := s.do(t, tok, http.MethodPut, base+"/guests/0", guestBody)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, response.CodeLocked, decodeError(t, rec).Code)

	rec = s.do(t, tok, http.MethodPut, base+"/contact", map[string]string{"name": "Asha", "phone": "12", "address": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, response.CodeInvalidInput, body.Code)
	assert.Equal(t, map[string]any{"field": "contact.phone"}, body.Details)

	rec = s.do(t, tok, http.MethodPut, base+"/codes/voucher", map[string]string{"code": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, tok, http.MethodDelete, base+"/guests/abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRangeConflictListsDates(t *testing.T) {
	s := newTestServer(t)
	tok := token(t, "user-1")
	v := s.create(t, tok, "villa-1")
	base := "/sessions/" + v.SessionID

	start := s.today.AddDate(0, 0, 18).Format(domain.DateLayout)
	end := s.today.AddDate(0, 0, 21).Format(domain.DateLayout)

	rec := s.do(t, tok, http.MethodPut, base+"/dates/start", map[string]string{"date": start})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, tok, http.MethodPut, base+"/dates/end", map[string]string{"date": end})
	assert.Equal(t, http.StatusConflict, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, response.CodeConflict, body.Code)
	details, ok := body.Details.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []any{
		s.today.AddDate(0, 0, 20).Format(domain.DateLayout),
		s.today.AddDate(0, 0, 21).Format(domain.DateLayout),
	}, details["dates"])

	rec = s.do(t, tok, http.MethodPut, base+"/dates/end", map[string]string{"date": "next week"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVerifyCode(t *testing.T) {
	s := newTestServer(t)
	tok := token(t, "user-1")
	v := s.create(t, tok, "pkg-goa-3n")
	base := "/sessions/" + v.SessionID
	s.fillSession(t, tok, v.SessionID)

	require.Equal(t, http.StatusOK, s.do(t, tok, http.MethodPut, base+"/codes/promo", map[string]string{"code": " summer "}).Code)
	rec := s.do(t, tok, http.MethodPost, base+"/codes/promo/verify", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var out struct {
		Session flow.View `json:"session"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	assert.True(t, out.Session.Promo.Applied)
	assert.Equal(t, 8499.0, out.Session.Quote.FinalAmount)

	require.Equal(t, http.StatusOK, s.do(t, tok, http.MethodPut, base+"/codes/coupon", map[string]string{"code": "bogus"}).Code)
	rec = s.do(t, tok, http.MethodPost, base+"/codes/coupon/verify", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, response.CodeCodeRejected, body.Code)
	assert.Equal(t, map[string]any{"field": "codes.coupon", "reason": "invalid_code"}, body.Details)

	rec = s.do(t, tok, http.MethodPost, base+"/codes/verify", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var batch struct {
		Results map[string]struct {
			Reason string `json:"reason"`
		} `json:"results"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&batch))
	assert.Equal(t, "", batch.Results["promo"].Reason)
	assert.Equal(t, "invalid_code", batch.Results["coupon"].Reason)
}

func TestCheckoutThroughWidgetCallbacks(t *testing.T) {
	s := newTestServer(t)
	tok := token(t, "user-1")
	v := s.create(t, tok, "pkg-goa-3n")
	base := "/sessions/" + v.SessionID
	s.fillSession(t, tok, v.SessionID)

	rec := s.do(t, tok, http.MethodPost, base+"/gateway/success", map[string]string{"paymentId": "pay_1", "signature": "sig"})
	assert.Equal(t, http.StatusConflict, rec.Code, "nothing is being collected yet")

	require.Equal(t, http.StatusNoContent, s.do(t, tok, http.MethodPost, base+"/gateway/ready", nil).Code)
	rec = s.do(t, tok, http.MethodPost, base+"/checkout", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	rec = s.do(t, tok, http.MethodPost, base+"/checkout", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, response.CodeInFlight, decodeError(t, rec).Code)

	require.Eventually(t, func() bool {
		view, ok := s.peek(tok, base)
		return ok && view.Checkout.State == payment.StateCollectingPayment
	}, 2*time.Second, 10*time.Millisecond)

	rec = s.do(t, tok, http.MethodPost, base+"/gateway/success", map[string]string{"paymentId": "pay_1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "signature is required")

	rec = s.do(t, tok, http.MethodPost, base+"/gateway/success", map[string]string{"paymentId": "pay_1", "signature": "sig"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var final flow.View
	require.Eventually(t, func() bool {
		view, ok := s.peek(tok, base)
		final = view
		return ok && view.Checkout.Outcome != nil
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, flow.StatusConfirmed, final.Checkout.Outcome.Status)
	assert.Equal(t, flow.StageConfirmed, final.Stage)
	require.NotNil(t, final.Booking)
	assert.Equal(t, "bk_1", final.Booking.ID)
	require.Len(t, s.market.verified, 1)
	assert.Equal(t, "pay_1", s.market.verified[0].PaymentID)

	rec = s.do(t, tok, http.MethodPut, base+"/contact", contactBody)
	assert.Equal(t, http.StatusGone, rec.Code)
	assert.Equal(t, response.CodeSessionClosed, decodeError(t, rec).Code)
}

func TestAbandonSession(t *testing.T) {
	s := newTestServer(t)
	tok := token(t, "user-1")
	v := s.create(t, tok, "pkg-goa-3n")

	rec := s.do(t, tok, http.MethodDelete, "/sessions/"+v.SessionID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 0, s.store.Len())

	rec = s.do(t, tok, http.MethodGet, "/sessions/"+v.SessionID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
