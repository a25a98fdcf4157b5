package middleware

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/diagnosis/tripdesk/internal/http/response"
	"github.com/diagnosis/tripdesk/pkg/auth"
	"github.com/diagnosis/tripdesk/pkg/logger"
)

type ctxKey string

const CtxCredential ctxKey = "credential"

// RequireCredential rejects requests without a usable bearer credential with
// an AUTH_REQUIRED answer pointing at loginURL.
func RequireCredential(secret, loginURL string, now func() time.Time) func(http.Handler) http.Handler {
	if now == nil {
		now = time.Now
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cred, err := auth.ParseCredential(r.Header.Get("Authorization"), secret, now())
			if err != nil {
				msg := "sign in to continue checkout"
				if errors.Is(err, auth.ErrExpiredCredential) {
					msg = "your sign-in has expired, sign in again to continue"
				}
				logger.DebugContext(r.Context(), "Bearer credential rejected", "error", err)
				response.AuthRequired(w, msg, loginURL)
				return
			}
			ctx := context.WithValue(r.Context(), CtxCredential, cred)
			if sub := cred.Subject(); sub != "" {
				ctx = context.WithValue(ctx, logger.UserIDKey, sub)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func Credential(r *http.Request) *auth.Credential {
	if v := r.Context().Value(CtxCredential); v != nil {
		if c, ok := v.(*auth.Credential); ok {
			return c
		}
	}
	return nil
}

// RequireRole admits credentials carrying one of roles. It must run after
// RequireCredential.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cred := Credential(r)
			if cred == nil || cred.Claims == nil || !slices.Contains(roles, cred.Claims.Role) {
				response.Forbidden(w, "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
