package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrAuthenticationRequired means no usable bearer credential is present;
	// the caller is sent to sign in instead of failing the payment flow.
	ErrAuthenticationRequired  = errors.New("sign in required to continue checkout")
	ErrInFlight                = errors.New("request already in progress")
	ErrLocked                  = errors.New("complete the previous step first")
	ErrAcknowledgementRequired = errors.New("previous payment outcome must be acknowledged first")
)

type ValidationError struct {
	Field string
	Msg   string
	Err   error
}

func (e ValidationError) Error() string {
	if e.Msg != "" && e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Msg)
	}
	if e.Msg != "" {
		return e.Msg
	}
	if e.Field != "" {
		return fmt.Sprintf("invalid %s", e.Field)
	}
	return "validation error"
}

func (e ValidationError) Unwrap() error { return e.Err }

// ConflictError reports every requested day that intersects the blocked set.
type ConflictError struct {
	Field string
	Dates []time.Time
}

func (e ConflictError) Error() string {
	if len(e.Dates) == 0 {
		return "selected dates are unavailable"
	}
	return "selected dates are unavailable: " + strings.Join(FormatDays(e.Dates), ", ")
}

// RemoteError is an explicit rejection from the marketplace API. Message is
// the server's own text and is shown to the user verbatim.
type RemoteError struct {
	Status  int
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("request rejected (status %d)", e.Status)
}

type DiscountFailureReason string

const (
	DiscountEmptyCode    DiscountFailureReason = "empty_code"
	DiscountInvalidCode  DiscountFailureReason = "invalid_code"
	DiscountNetworkError DiscountFailureReason = "network_error"
)

type DiscountError struct {
	Kind   DiscountKind
	Reason DiscountFailureReason
	Err    error
}

func (e DiscountError) Error() string {
	if e.Reason == DiscountEmptyCode {
		return fmt.Sprintf("enter a %s code first", e.Kind)
	}
	return fmt.Sprintf("could not apply %s code", e.Kind)
}

func (e DiscountError) Unwrap() error { return e.Err }

type PaymentFailureReason string

const (
	FailureValidation         PaymentFailureReason = "validation"
	FailureOrderRejected      PaymentFailureReason = "order_rejected"
	FailureGatewayUnavailable PaymentFailureReason = "gateway_unavailable"
	FailureGatewayDeclined    PaymentFailureReason = "gateway_declined"
	FailureUserCancelled      PaymentFailureReason = "user_cancelled"
	FailureVerificationFailed PaymentFailureReason = "verification_failed"
)

type PaymentFailure struct {
	Reason  PaymentFailureReason
	Message string
	Err     error
}

func (e *PaymentFailure) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Reason)
}

func (e *PaymentFailure) Unwrap() error { return e.Err }

// SilentlyRecoverable failures may be retried without the user acknowledging them.
func (e *PaymentFailure) SilentlyRecoverable() bool {
	return e.Reason == FailureUserCancelled || e.Reason == FailureValidation
}

// RequiresSupport is true when money may have moved without a booking record.
func (e *PaymentFailure) RequiresSupport() bool {
	return e.Reason == FailureVerificationFailed
}

func IsValidation(err error) bool {
	var target ValidationError
	return errors.As(err, &target)
}

func IsConflict(err error) bool {
	var target ConflictError
	return errors.As(err, &target)
}

func AsRemote(err error) (*RemoteError, bool) {
	var target *RemoteError
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

func AsPaymentFailure(err error) (*PaymentFailure, bool) {
	var target *PaymentFailure
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

func AsDiscountError(err error) (DiscountError, bool) {
	var target DiscountError
	if errors.As(err, &target) {
		return target, true
	}
	return DiscountError{}, false
}
