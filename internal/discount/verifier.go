// Package discount holds the promo and coupon verifiers. The two kinds share
// one contract and never see each other's state.
package discount

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/diagnosis/tripdesk/internal/domain"
	"github.com/diagnosis/tripdesk/pkg/logger"
)

// ErrSuperseded is returned when the code text was edited or cleared while its
// verification was in flight; the late result is discarded.
var ErrSuperseded = errors.New("code changed while it was being verified")

type Verification struct {
	Discount float64
	RemoteID string
}

// Authority is the remote service that accepts or rejects codes.
type Authority interface {
	VerifyCode(ctx context.Context, kind domain.DiscountKind, code string, amount float64) (Verification, error)
}

type Verifier struct {
	kind      domain.DiscountKind
	authority Authority

	mu          sync.Mutex
	text        string
	applied     bool
	appliedCode string
	discount    float64
	remoteID    string
	inFlight    bool
	generation  uint64
}

func NewVerifier(kind domain.DiscountKind, authority Authority) *Verifier {
	return &Verifier{kind: kind, authority: authority}
}

func (v *Verifier) Kind() domain.DiscountKind { return v.kind }

// SetCode records an edit of the code text. Editing while a discount is
// applied drops it, so the new text must be verified again.
func (v *Verifier) SetCode(text string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.applied {
		v.resetLocked()
	}
	v.text = text
	v.generation++
}

// Clear removes the code and any applied discount and unlocks the input.
func (v *Verifier) Clear() {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.resetLocked()
	v.text = ""
	v.generation++
}

func (v *Verifier) resetLocked() {
	v.applied = false
	v.appliedCode = ""
	v.discount = 0
	v.remoteID = ""
}

// Verify checks the current code against baseAmount. Re-verifying a code that
// is already applied returns the stored result without another remote call.
func (v *Verifier) Verify(ctx context.Context, baseAmount float64) (domain.DiscountCode, error) {
	v.mu.Lock()
	code := strings.TrimSpace(v.text)
	if code == "" {
		v.mu.Unlock()
		return domain.DiscountCode{Kind: v.kind}, domain.DiscountError{Kind: v.kind, Reason: domain.DiscountEmptyCode}
	}
	if v.applied && v.appliedCode == code {
		state := v.stateLocked()
		v.mu.Unlock()
		return state, nil
	}
	if v.inFlight {
		v.mu.Unlock()
		return domain.DiscountCode{Kind: v.kind, Code: code}, domain.ErrInFlight
	}
	v.inFlight = true
	gen := v.generation
	v.mu.Unlock()

	res, err := v.authority.VerifyCode(ctx, v.kind, code, baseAmount)

	v.mu.Lock()
	defer v.mu.Unlock()
	v.inFlight = false

	if gen != v.generation {
		return v.stateLocked(), ErrSuperseded
	}

	if err != nil {
		reason := domain.DiscountNetworkError
		if _, ok := domain.AsRemote(err); ok {
			reason = domain.DiscountInvalidCode
		}
		logger.WarnContext(ctx, "Discount code not applied",
			"kind", v.kind,
			"reason", reason,
			"error", err,
		)
		return v.stateLocked(), domain.DiscountError{Kind: v.kind, Reason: reason, Err: err}
	}

	amount := res.Discount
	if amount < 0 {
		amount = 0
	}
	v.applied = true
	v.appliedCode = code
	v.discount = amount
	v.remoteID = res.RemoteID

	logger.InfoContext(ctx, "Discount code applied", "kind", v.kind, "discount", amount)
	return v.stateLocked(), nil
}

func (v *Verifier) State() domain.DiscountCode {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stateLocked()
}

func (v *Verifier) stateLocked() domain.DiscountCode {
	code := v.text
	if v.applied {
		code = v.appliedCode
	}
	return domain.DiscountCode{
		Code:           code,
		Kind:           v.kind,
		DiscountAmount: v.discount,
		RemoteID:       v.remoteID,
		Applied:        v.applied,
	}
}

// Discount is 0 unless a code is applied.
func (v *Verifier) Discount() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.discount
}

func (v *Verifier) RemoteID() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.remoteID
}

// Locked reports whether the input should be read-only (a code is applied).
func (v *Verifier) Locked() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.applied
}

func (v *Verifier) InFlight() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.inFlight
}
