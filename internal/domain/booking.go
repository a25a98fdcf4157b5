package domain

import (
	"errors"
	"strings"
	"time"
)

type BookingStatus string

const (
	BookingPending   BookingStatus = "pending"
	BookingConfirmed BookingStatus = "confirmed"
	BookingCompleted BookingStatus = "completed"
	BookingCanceled  BookingStatus = "canceled"
)

func ParseBookingStatus(s string) (BookingStatus, bool) {
	switch BookingStatus(strings.ToLower(s)) {
	case BookingPending, BookingConfirmed, BookingCompleted, BookingCanceled:
		return BookingStatus(strings.ToLower(s)), true
	default:
		return "", false
	}
}

var (
	ErrBookingNotConfirmed = errors.New("booking is not confirmed")
	ErrBookingNotCompleted = errors.New("feedback can only be attached after the trip is completed")
	ErrFeedbackExists      = errors.New("feedback already attached")
	ErrInvalidRating       = errors.New("rating must be between 1 and 5")
)

// BookingRequest is the candidate booking payload. The same value is sent to
// create-order and, unchanged, to payment verification.
type BookingRequest struct {
	ResourceRef string         `json:"resourceRef"`
	SlotID      string         `json:"slotId,omitempty"`
	TripDate    string         `json:"tripDate,omitempty"`
	DateRange   *DateRange     `json:"dateRange,omitempty"`
	Guests      []Guest        `json:"guests"`
	Contact     ContactDetails `json:"contact"`
	Destination string         `json:"destination,omitempty"`
	PromoCode   string         `json:"promoCode,omitempty"`
	CouponCode  string         `json:"couponCode,omitempty"`
}

type Feedback struct {
	Rating      int       `json:"rating"`
	Comment     string    `json:"comment,omitempty"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// Booking exists only after the server verified the payment signature.
type Booking struct {
	ID          string         `json:"id"`
	Status      BookingStatus  `json:"status"`
	ResourceRef string         `json:"resourceRef"`
	SlotID      string         `json:"slotId,omitempty"`
	TripDate    string         `json:"tripDate,omitempty"`
	DateRange   *DateRange     `json:"dateRange,omitempty"`
	Guests      []Guest        `json:"guests"`
	Contact     ContactDetails `json:"contact"`
	Amount      float64        `json:"amount"`
	Currency    string         `json:"currency,omitempty"`
	OrderID     string         `json:"orderId,omitempty"`
	PaymentID   string         `json:"paymentId,omitempty"`
	Feedback    *Feedback      `json:"feedback,omitempty"`
	ConfirmedAt time.Time      `json:"confirmedAt"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
}

func (b *Booking) IsConfirmed() bool {
	return b.Status == BookingConfirmed || b.Status == BookingCompleted
}

// Complete moves a confirmed booking to completed after the trip.
func (b *Booking) Complete(now time.Time) error {
	if b.Status != BookingConfirmed {
		return ErrBookingNotConfirmed
	}
	b.Status = BookingCompleted
	b.CompletedAt = &now
	return nil
}

// AttachFeedback is the only mutation allowed on a completed booking, and only once.
func (b *Booking) AttachFeedback(rating int, comment string, now time.Time) error {
	if b.Status != BookingCompleted {
		return ErrBookingNotCompleted
	}
	if b.Feedback != nil {
		return ErrFeedbackExists
	}
	if rating < 1 || rating > 5 {
		return ErrInvalidRating
	}
	b.Feedback = &Feedback{Rating: rating, Comment: strings.TrimSpace(comment), SubmittedAt: now}
	return nil
}
