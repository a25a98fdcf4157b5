package mailer

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"

	"github.com/diagnosis/tripdesk/internal/domain"
)

var ErrNoRecipient = errors.New("contact has no email address")

// Notifier renders checkout emails and hands them to a Transport.
type Notifier struct {
	transport    Transport
	supportEmail string
}

func NewNotifier(transport Transport, supportEmail string) *Notifier {
	return &Notifier{transport: transport, supportEmail: strings.TrimSpace(supportEmail)}
}

func (n *Notifier) SendBookingConfirmation(ctx context.Context, b domain.Booking, amount string) error {
	to := strings.TrimSpace(b.Contact.Email)
	if to == "" {
		return ErrNoRecipient
	}

	when := b.TripDate
	if b.DateRange != nil {
		when = fmt.Sprintf("%s to %s", b.DateRange.Start.Format(domain.DateLayout), b.DateRange.End.Format(domain.DateLayout))
	}

	subject := fmt.Sprintf("Booking %s confirmed", b.ID)
	text := fmt.Sprintf("Hi %s,\n\nYour booking %s is confirmed.\nDates: %s\nGuests: %d\nPaid: %s\nPayment reference: %s\n",
		b.Contact.Name, b.ID, when, len(b.Guests), amount, b.PaymentID)
	body := fmt.Sprintf(`<p>Hi %s,</p><p>Your booking <b>%s</b> is confirmed.</p>
<ul><li>Dates: %s</li><li>Guests: %d</li><li>Paid: %s</li><li>Payment reference: %s</li></ul>`,
		html.EscapeString(b.Contact.Name), html.EscapeString(b.ID), html.EscapeString(when),
		len(b.Guests), html.EscapeString(amount), html.EscapeString(b.PaymentID))

	_, err := n.transport.Send(ctx, to, b.Contact.Name, subject, text, body)
	return err
}

// SendVerificationSupport tells the payer to contact support instead of
// paying again, and copies the support inbox when one is configured.
func (n *Notifier) SendVerificationSupport(ctx context.Context, notice SupportNotice) error {
	subject := "Action needed: your payment was received but the booking is not confirmed"
	text := fmt.Sprintf("Hi %s,\n\nWe received your payment of %s (reference %s, order %s) but could not confirm your booking.\n"+
		"Please do not pay again. Reply to this email or contact support with the reference above.\n",
		notice.Contact.Name, notice.Amount, notice.PaymentID, notice.OrderID)
	body := fmt.Sprintf(`<p>Hi %s,</p><p>We received your payment of <b>%s</b> (reference <b>%s</b>, order %s) but could not confirm your booking.</p>
<p><b>Please do not pay again.</b> Contact support with the reference above.</p>`,
		html.EscapeString(notice.Contact.Name), html.EscapeString(notice.Amount),
		html.EscapeString(notice.PaymentID), html.EscapeString(notice.OrderID))

	var errs []error
	sent := false
	if to := strings.TrimSpace(notice.Contact.Email); to != "" {
		if _, err := n.transport.Send(ctx, to, notice.Contact.Name, subject, text, body); err != nil {
			errs = append(errs, fmt.Errorf("notify payer: %w", err))
		} else {
			sent = true
		}
	}
	if n.supportEmail != "" {
		internal := fmt.Sprintf("[verification failed] order %s payment %s", notice.OrderID, notice.PaymentID)
		detail := fmt.Sprintf("%s\nContact: %s, %s, %s\n", text, notice.Contact.Name, notice.Contact.Phone, notice.Contact.Email)
		if _, err := n.transport.Send(ctx, n.supportEmail, "Support", internal, detail, ""); err != nil {
			errs = append(errs, fmt.Errorf("notify support: %w", err))
		} else {
			sent = true
		}
	}
	if !sent && len(errs) == 0 {
		return ErrNoRecipient
	}
	return errors.Join(errs...)
}

var _ Service = (*Notifier)(nil)
