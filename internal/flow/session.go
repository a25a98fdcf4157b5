// Package flow drives one checkout session: it gates each step on the
// previous one, owns the guest roster and both discount codes, and runs the
// payment orchestrator when the user pays.
package flow

import (
	"time"

	"github.com/diagnosis/tripdesk/internal/domain"
	"github.com/diagnosis/tripdesk/pkg/auth"
	"github.com/google/uuid"
)

// Session is created on checkout entry and discarded on confirmation,
// abandonment or expiry.
type Session struct {
	ID         string
	Credential *auth.Credential
	CreatedAt  time.Time
}

// NewSession requires a usable credential; without one the caller must send
// the user to sign in.
func NewSession(cred *auth.Credential, now time.Time) (Session, error) {
	if !cred.Valid(now) {
		return Session{}, domain.ErrAuthenticationRequired
	}
	return Session{ID: uuid.NewString(), Credential: cred, CreatedAt: now}, nil
}

// Authenticated reports whether the session's credential is still usable.
func (s Session) Authenticated(now time.Time) bool {
	return s.Credential.Valid(now)
}
