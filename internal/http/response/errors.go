package response

import (
	"encoding/json"
	"net/http"

	"github.com/diagnosis/tripdesk/pkg/logger"
)

// ErrorResponse represents a structured JSON error response
type ErrorResponse struct {
	Error    string `json:"error"`
	Code     string `json:"code,omitempty"`
	Details  any    `json:"details,omitempty"`
	LoginURL string `json:"login_url,omitempty"`
}

// JSON writes v with the given status.
func JSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to encode response", "error", err)
	}
}

// WriteError writes a structured JSON error response
func WriteError(w http.ResponseWriter, statusCode int, message string, code string) {
	JSON(w, statusCode, ErrorResponse{Error: message, Code: code})
}

// WriteErrorWithDetails writes a structured JSON error response with additional details
func WriteErrorWithDetails(w http.ResponseWriter, statusCode int, message, code string, details any) {
	JSON(w, statusCode, ErrorResponse{Error: message, Code: code, Details: details})
}

const (
	CodeInvalidInput       = "INVALID_INPUT"
	CodeAuthRequired       = "AUTH_REQUIRED"
	CodeForbidden          = "FORBIDDEN"
	CodeNotFound           = "NOT_FOUND"
	CodeConflict           = "CONFLICT"
	CodeInFlight           = "IN_FLIGHT"
	CodeLocked             = "STEP_LOCKED"
	CodeAckRequired        = "ACKNOWLEDGEMENT_REQUIRED"
	CodeSessionClosed      = "SESSION_CLOSED"
	CodeCodeRejected       = "CODE_REJECTED"
	CodePaymentFailed      = "PAYMENT_FAILED"
	CodeVerificationFailed = "VERIFICATION_FAILED"
	CodeUpstream           = "UPSTREAM_UNAVAILABLE"
	CodeRateLimit          = "RATE_LIMITED"
	CodeInternalError      = "INTERNAL_ERROR"
)

func BadRequest(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, message, CodeInvalidInput)
}

// AuthRequired sends the caller to sign in rather than failing the flow.
func AuthRequired(w http.ResponseWriter, message, loginURL string) {
	JSON(w, http.StatusUnauthorized, ErrorResponse{Error: message, Code: CodeAuthRequired, LoginURL: loginURL})
}

func Forbidden(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusForbidden, message, CodeForbidden)
}

func NotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, message, CodeNotFound)
}

func InternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, message, CodeInternalError)
}

func RateLimit(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusTooManyRequests, message, CodeRateLimit)
}

func Conflict(w http.ResponseWriter, message, code string) {
	WriteError(w, http.StatusConflict, message, code)
}
