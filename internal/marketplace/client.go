// Package marketplace is the REST client for the marketplace API that
// verifies codes, reports availability, creates payment orders and verifies
// payments.
package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/diagnosis/tripdesk/internal/availability"
	"github.com/diagnosis/tripdesk/internal/discount"
	"github.com/diagnosis/tripdesk/internal/domain"
	"github.com/diagnosis/tripdesk/internal/payment"
	"github.com/diagnosis/tripdesk/pkg/logger"
	"github.com/google/go-querystring/query"
)

type Client struct {
	baseURL       string
	client        *http.Client
	authorization string
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// WithAuthorization returns a copy that sends header as the Authorization
// value on every call.
func (c *Client) WithAuthorization(header string) *Client {
	cp := *c
	cp.authorization = header
	return &cp
}

// Offering reads what is being checked out: tier prices, booking mode,
// slots and the resource's base location.
func (c *Client) Offering(ctx context.Context, resourceRef string) (domain.Offering, error) {
	var o domain.Offering
	path := "/resource/" + url.PathEscape(resourceRef)
	if err := c.do(ctx, http.MethodGet, path, "", nil, &o); err != nil {
		return domain.Offering{}, err
	}
	if o.ResourceRef == "" {
		o.ResourceRef = resourceRef
	}
	if o.Mode == "" {
		o.Mode = domain.ModeSlot
		if len(o.Slots) == 0 {
			o.Mode = domain.ModeRange
		}
	}
	return o, nil
}

type verifyCodeRequest struct {
	Code   string  `json:"code"`
	Amount float64 `json:"amount"`
}

type verifyCodeResponse struct {
	Discount float64 `json:"discount"`
	PromoID  string  `json:"promoId"`
	CouponID string  `json:"couponId"`
}

func (c *Client) VerifyCode(ctx context.Context, kind domain.DiscountKind, code string, amount float64) (discount.Verification, error) {
	var resp verifyCodeResponse
	path := fmt.Sprintf("/discount/%s/verify", kind)
	if err := c.do(ctx, http.MethodPost, path, "", verifyCodeRequest{Code: code, Amount: amount}, &resp); err != nil {
		return discount.Verification{}, err
	}
	id := resp.PromoID
	if kind == domain.Coupon {
		id = resp.CouponID
	}
	return discount.Verification{Discount: resp.Discount, RemoteID: id}, nil
}

type availabilityQuery struct {
	StartDate string `url:"startDate"`
	EndDate   string `url:"endDate"`
}

type availabilityResponse struct {
	UnavailableDates []string           `json:"unavailableDates"`
	BlockedPeriods   []domain.DateRange `json:"blockedPeriods"`
}

// BlockedPeriods reads the resource's calendar. Single unavailable dates come
// back as one-day periods.
func (c *Client) BlockedPeriods(ctx context.Context, resourceID string, from, to time.Time) ([]domain.DateRange, error) {
	v, err := query.Values(availabilityQuery{
		StartDate: from.Format(domain.DateLayout),
		EndDate:   to.Format(domain.DateLayout),
	})
	if err != nil {
		return nil, err
	}

	var resp availabilityResponse
	path := fmt.Sprintf("/resource/%s/availability?%s", url.PathEscape(resourceID), v.Encode())
	if err := c.do(ctx, http.MethodGet, path, "", nil, &resp); err != nil {
		return nil, err
	}

	periods := make([]domain.DateRange, 0, len(resp.UnavailableDates)+len(resp.BlockedPeriods))
	for _, s := range resp.UnavailableDates {
		d, err := domain.ParseDay(s)
		if err != nil {
			return nil, fmt.Errorf("availability for %s: %w", resourceID, err)
		}
		periods = append(periods, domain.DateRange{Start: d, End: d})
	}
	return append(periods, resp.BlockedPeriods...), nil
}

func (c *Client) CreateOrder(ctx context.Context, idempotencyKey string, req domain.BookingRequest) (domain.PaymentOrder, error) {
	var order domain.PaymentOrder
	if err := c.do(ctx, http.MethodPost, "/payment/create-order", idempotencyKey, req, &order); err != nil {
		return domain.PaymentOrder{}, err
	}
	if order.OrderID == "" {
		return domain.PaymentOrder{}, errors.New("create-order response has no orderId")
	}
	return order, nil
}

type verifyPaymentRequest struct {
	domain.PaymentReceipt
	domain.BookingRequest
}

type verifyPaymentResponse struct {
	Status        string          `json:"status"`
	Message       string          `json:"message"`
	BookingRecord *domain.Booking `json:"bookingRecord"`
}

// VerifyPayment sends the gateway identifiers together with the original
// booking payload. Anything but a success status with a booking record is an
// error.
func (c *Client) VerifyPayment(ctx context.Context, idempotencyKey string, receipt domain.PaymentReceipt, req domain.BookingRequest) (domain.Booking, error) {
	var resp verifyPaymentResponse
	body := verifyPaymentRequest{PaymentReceipt: receipt, BookingRequest: req}
	if err := c.do(ctx, http.MethodPost, "/payment/verify", idempotencyKey, body, &resp); err != nil {
		return domain.Booking{}, err
	}

	switch strings.ToLower(resp.Status) {
	case "success", "confirmed", "ok":
	default:
		msg := resp.Message
		if msg == "" {
			msg = "payment could not be verified"
		}
		return domain.Booking{}, &domain.RemoteError{Status: http.StatusOK, Code: resp.Status, Message: msg}
	}
	if resp.BookingRecord == nil {
		return domain.Booking{}, errors.New("verify response has no booking record")
	}

	booking := *resp.BookingRecord
	if booking.Status == "" {
		booking.Status = domain.BookingConfirmed
	}
	status, ok := domain.ParseBookingStatus(string(booking.Status))
	if !ok {
		return domain.Booking{}, fmt.Errorf("booking %s has unknown status %q", booking.ID, booking.Status)
	}
	booking.Status = status
	if booking.OrderID == "" {
		booking.OrderID = receipt.OrderID
	}
	if booking.PaymentID == "" {
		booking.PaymentID = receipt.PaymentID
	}
	return booking, nil
}

type errorBody struct {
	Message string `json:"message"`
	Error   string `json:"error"`
	Code    string `json:"code"`
}

func (c *Client) do(ctx context.Context, method, path, idempotencyKey string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(raw)
	}

	endpoint := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authorization != "" {
		req.Header.Set("Authorization", c.authorization)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	if requestID, ok := ctx.Value(logger.RequestIDKey).(string); ok {
		req.Header.Set("X-Request-ID", requestID)
	}

	logger.DebugContext(ctx, "Calling marketplace", "method", method, "url", endpoint)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read %s %s: %w", method, path, err)
	}

	if resp.StatusCode >= 300 {
		return statusError(method, path, resp.StatusCode, raw)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// statusError maps 4xx answers to a RemoteError carrying the server's own
// message. 401 means the credential was refused; 5xx is treated like a
// transport failure.
func statusError(method, path string, status int, raw []byte) error {
	var eb errorBody
	_ = json.Unmarshal(raw, &eb)
	msg := eb.Message
	if msg == "" {
		msg = eb.Error
	}
	if msg == "" {
		msg = http.StatusText(status)
	}

	switch {
	case status == http.StatusUnauthorized:
		return fmt.Errorf("%s %s: %w", method, path, domain.ErrAuthenticationRequired)
	case status >= 500:
		return fmt.Errorf("%s %s: upstream status %d: %s", method, path, status, msg)
	default:
		return &domain.RemoteError{Status: status, Code: eb.Code, Message: msg}
	}
}

var (
	_ discount.Authority   = (*Client)(nil)
	_ availability.Source  = (*Client)(nil)
	_ payment.OrderService = (*Client)(nil)
)
