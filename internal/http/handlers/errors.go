package handlers

import (
	"errors"
	"net/http"

	"github.com/diagnosis/tripdesk/internal/discount"
	"github.com/diagnosis/tripdesk/internal/domain"
	"github.com/diagnosis/tripdesk/internal/flow"
	"github.com/diagnosis/tripdesk/internal/http/response"
	"github.com/diagnosis/tripdesk/internal/payment"
	"github.com/diagnosis/tripdesk/pkg/logger"
)

type fieldDetails struct {
	Field  string   `json:"field,omitempty"`
	Dates  []string `json:"dates,omitempty"`
	Reason string   `json:"reason,omitempty"`
}

// fail maps a domain error to the JSON error envelope.
func (h *CheckoutHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr     domain.ValidationError
		conflict domain.ConflictError
	)
	switch {
	case errors.Is(err, domain.ErrAuthenticationRequired):
		response.AuthRequired(w, domain.ErrAuthenticationRequired.Error(), h.deps.LoginURL)
	case errors.As(err, &conflict):
		response.WriteErrorWithDetails(w, http.StatusConflict, conflict.Error(), response.CodeConflict,
			fieldDetails{Field: conflict.Field, Dates: domain.FormatDays(conflict.Dates)})
	case errors.As(err, &verr):
		response.WriteErrorWithDetails(w, http.StatusBadRequest, verr.Error(), response.CodeInvalidInput,
			fieldDetails{Field: verr.Field})
	case isDiscount(err):
		derr, _ := domain.AsDiscountError(err)
		details := fieldDetails{Field: "codes." + string(derr.Kind), Reason: string(derr.Reason)}
		if derr.Reason == domain.DiscountNetworkError {
			response.WriteErrorWithDetails(w, http.StatusBadGateway, derr.Error(), response.CodeUpstream, details)
			return
		}
		response.WriteErrorWithDetails(w, http.StatusUnprocessableEntity, derr.Error(), response.CodeCodeRejected, details)
	case errors.Is(err, domain.ErrInFlight):
		response.Conflict(w, err.Error(), response.CodeInFlight)
	case errors.Is(err, domain.ErrLocked):
		response.Conflict(w, err.Error(), response.CodeLocked)
	case errors.Is(err, domain.ErrAcknowledgementRequired):
		response.Conflict(w, err.Error(), response.CodeAckRequired)
	case errors.Is(err, flow.ErrClosed):
		response.WriteError(w, http.StatusGone, err.Error(), response.CodeSessionClosed)
	case errors.Is(err, discount.ErrSuperseded), errors.Is(err, payment.ErrUnknownOrder):
		response.Conflict(w, err.Error(), response.CodeConflict)
	case errors.Is(err, flow.ErrNoWidget):
		response.BadRequest(w, err.Error())
	default:
		if remote, ok := domain.AsRemote(err); ok {
			status := remote.Status
			if status < 400 || status >= 500 {
				status = http.StatusBadGateway
			}
			response.WriteError(w, status, remote.Error(), response.CodeUpstream)
			return
		}
		logger.ErrorContext(r.Context(), "Checkout request failed", "error", err)
		response.WriteError(w, http.StatusBadGateway, "the booking service is unavailable, please try again", response.CodeUpstream)
	}
}

func isDiscount(err error) bool {
	_, ok := domain.AsDiscountError(err)
	return ok
}
