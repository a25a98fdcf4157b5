package mailer

import (
	"context"

	"github.com/diagnosis/tripdesk/internal/domain"
)

// Transport delivers one message and returns the provider's message id, if any.
type Transport interface {
	Send(ctx context.Context, toEmail, toName, subject, text, html string) (string, error)
}

type Service interface {
	SendBookingConfirmation(ctx context.Context, booking domain.Booking, amount string) error
	SendVerificationSupport(ctx context.Context, notice SupportNotice) error
}

// SupportNotice describes a payment that was taken but not turned into a
// booking.
type SupportNotice struct {
	Contact   domain.ContactDetails
	OrderID   string
	PaymentID string
	Amount    string
}
