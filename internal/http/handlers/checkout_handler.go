package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/diagnosis/tripdesk/internal/availability"
	"github.com/diagnosis/tripdesk/internal/discount"
	"github.com/diagnosis/tripdesk/internal/domain"
	"github.com/diagnosis/tripdesk/internal/flow"
	"github.com/diagnosis/tripdesk/internal/http/middleware"
	"github.com/diagnosis/tripdesk/internal/http/response"
	"github.com/diagnosis/tripdesk/internal/payment"
	"github.com/diagnosis/tripdesk/internal/platform/mailer"
	"github.com/diagnosis/tripdesk/pkg/auth"
	"github.com/diagnosis/tripdesk/pkg/events"
	"github.com/diagnosis/tripdesk/pkg/logger"
	"github.com/go-chi/chi/v5"
)

// Marketplace is the per-credential view of the marketplace API.
type Marketplace interface {
	discount.Authority
	payment.OrderService
	Offering(ctx context.Context, resourceRef string) (domain.Offering, error)
}

type CheckoutDeps struct {
	// Marketplace binds the caller's credential to a marketplace client.
	Marketplace func(cred *auth.Credential) Marketplace
	Fetcher     *availability.Fetcher
	Proximity   *availability.ProximityChecker
	// NewGateway returns the payment gateway for a new session.
	NewGateway func() payment.Gateway
	Events     events.Publisher
	Incidents  flow.IncidentRecorder
	Mailer     mailer.Service
	Flow       flow.Config
	Store      *flow.Store
	LoginURL   string
	// VerifyLimit, if set, wraps the code verification routes.
	VerifyLimit func(http.Handler) http.Handler
}

type CheckoutHandler struct {
	deps CheckoutDeps
	now  func() time.Time
}

func NewCheckoutHandler(deps CheckoutDeps) *CheckoutHandler {
	now := deps.Flow.Now
	if now == nil {
		now = time.Now
	}
	return &CheckoutHandler{deps: deps, now: now}
}

// Routes expects the credential middleware to run first.
func (h *CheckoutHandler) Routes() chi.Router {
	limit := h.deps.VerifyLimit
	if limit == nil {
		limit = func(next http.Handler) http.Handler { return next }
	}

	r := chi.NewRouter()
	r.Post("/", h.create)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.view)
		r.Delete("/", h.abandon)
		r.Put("/contact", h.setContact)
		r.Put("/slot", h.selectSlot)
		r.Put("/dates/start", h.pickDate(true))
		r.Put("/dates/end", h.pickDate(false))
		r.Post("/guests", h.addGuest)
		r.Put("/guests/{index}", h.updateGuest)
		r.Delete("/guests/{index}", h.removeGuest)
		r.Put("/destination", h.setDestination)
		r.With(limit).Post("/codes/verify", h.applyCodes)
		r.Put("/codes/{kind}", h.setCode)
		r.Delete("/codes/{kind}", h.clearCode)
		r.With(limit).Post("/codes/{kind}/verify", h.verifyCode)
		r.Post("/checkout", h.checkout)
		r.Post("/acknowledge", h.acknowledge)
		r.Post("/gateway/ready", h.gatewayReady)
		r.Post("/gateway/success", h.gatewayEvent(payment.EventSuccess))
		r.Post("/gateway/failure", h.gatewayEvent(payment.EventFailure))
		r.Post("/gateway/dismiss", h.gatewayEvent(payment.EventDismissed))
	})
	return r
}

type createSessionReq struct {
	ResourceRef string `json:"resourceRef"`
}

func (h *CheckoutHandler) create(w http.ResponseWriter, r *http.Request) {
	cred := middleware.Credential(r)
	if cred == nil {
		response.AuthRequired(w, domain.ErrAuthenticationRequired.Error(), h.deps.LoginURL)
		return
	}
	var in createSessionReq
	if !decode(w, r, &in) {
		return
	}
	in.ResourceRef = strings.TrimSpace(in.ResourceRef)
	if in.ResourceRef == "" {
		response.BadRequest(w, "resourceRef is required")
		return
	}

	session, err := flow.NewSession(cred, h.now())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ctx := logger.WithSession(r.Context(), session.ID)

	mp := h.deps.Marketplace(cred)
	offering, err := mp.Offering(ctx, in.ResourceRef)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	ctrl, err := flow.New(session, offering, flow.Deps{
		Codes:     mp,
		Orders:    mp,
		Fetcher:   h.deps.Fetcher,
		Proximity: h.deps.Proximity,
		Gateway:   h.deps.NewGateway(),
		Events:    h.deps.Events,
		Incidents: h.deps.Incidents,
		Mailer:    h.deps.Mailer,
	}, h.deps.Flow)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := ctrl.LoadAvailability(ctx); err != nil {
		// the first pick retries the fetch
		logger.WarnContext(ctx, "Could not preload blocked dates", "error", err)
	}
	h.deps.Store.Put(ctrl)

	logger.InfoContext(ctx, "Checkout session created", "resource_ref", offering.ResourceRef, "mode", offering.Mode)
	response.JSON(w, http.StatusCreated, ctrl.View())
}

// session resolves the {id} session owned by the caller.
func (h *CheckoutHandler) session(w http.ResponseWriter, r *http.Request) (*flow.Controller, *http.Request, bool) {
	id := chi.URLParam(r, "id")
	ctrl, ok := h.deps.Store.Get(id)
	if !ok || !sameOwner(ctrl.Session(), middleware.Credential(r)) {
		response.NotFound(w, "checkout session not found")
		return nil, r, false
	}
	return ctrl, r.WithContext(logger.WithSession(r.Context(), id)), true
}

func sameOwner(s flow.Session, cred *auth.Credential) bool {
	if cred == nil {
		return false
	}
	return s.Credential.Subject() == cred.Subject()
}

func (h *CheckoutHandler) view(w http.ResponseWriter, r *http.Request) {
	ctrl, _, ok := h.session(w, r)
	if !ok {
		return
	}
	response.JSON(w, http.StatusOK, ctrl.View())
}

func (h *CheckoutHandler) abandon(w http.ResponseWriter, r *http.Request) {
	ctrl, r, ok := h.session(w, r)
	if !ok {
		return
	}
	h.deps.Store.Remove(r.Context(), ctrl.Session().ID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *CheckoutHandler) setContact(w http.ResponseWriter, r *http.Request) {
	ctrl, r, ok := h.session(w, r)
	if !ok {
		return
	}
	var in domain.ContactDetails
	if !decode(w, r, &in) {
		return
	}
	h.respond(w, r, ctrl, ctrl.SetContact(in))
}

type selectSlotReq struct {
	SlotID string `json:"slotId"`
}

func (h *CheckoutHandler) selectSlot(w http.ResponseWriter, r *http.Request) {
	ctrl, r, ok := h.session(w, r)
	if !ok {
		return
	}
	var in selectSlotReq
	if !decode(w, r, &in) {
		return
	}
	h.respond(w, r, ctrl, ctrl.SelectSlot(r.Context(), in.SlotID))
}

type pickDateReq struct {
	Date string `json:"date"`
}

func (h *CheckoutHandler) pickDate(start bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctrl, r, ok := h.session(w, r)
		if !ok {
			return
		}
		var in pickDateReq
		if !decode(w, r, &in) {
			return
		}
		day, err := domain.ParseDay(in.Date)
		if err != nil {
			response.BadRequest(w, "date must be YYYY-MM-DD")
			return
		}
		if start {
			err = ctrl.PickStart(r.Context(), day)
		} else {
			err = ctrl.PickEnd(r.Context(), day)
		}
		h.respond(w, r, ctrl, err)
	}
}

func (h *CheckoutHandler) addGuest(w http.ResponseWriter, r *http.Request) {
	ctrl, r, ok := h.session(w, r)
	if !ok {
		return
	}
	if _, err := ctrl.AddGuest(); err != nil {
		h.fail(w, r, err)
		return
	}
	response.JSON(w, http.StatusCreated, ctrl.View())
}

func (h *CheckoutHandler) updateGuest(w http.ResponseWriter, r *http.Request) {
	ctrl, r, ok := h.session(w, r)
	if !ok {
		return
	}
	index, ok := guestIndex(w, r)
	if !ok {
		return
	}
	var in domain.Guest
	if !decode(w, r, &in) {
		return
	}
	h.respond(w, r, ctrl, ctrl.UpdateGuest(index, in))
}

func (h *CheckoutHandler) removeGuest(w http.ResponseWriter, r *http.Request) {
	ctrl, r, ok := h.session(w, r)
	if !ok {
		return
	}
	index, ok := guestIndex(w, r)
	if !ok {
		return
	}
	h.respond(w, r, ctrl, ctrl.RemoveGuest(index))
}

type destinationReq struct {
	Destination string `json:"destination"`
}

func (h *CheckoutHandler) setDestination(w http.ResponseWriter, r *http.Request) {
	ctrl, r, ok := h.session(w, r)
	if !ok {
		return
	}
	var in destinationReq
	if !decode(w, r, &in) {
		return
	}
	h.respond(w, r, ctrl, ctrl.SetDestination(in.Destination))
}

type codeReq struct {
	Code string `json:"code"`
}

func (h *CheckoutHandler) setCode(w http.ResponseWriter, r *http.Request) {
	ctrl, r, ok := h.session(w, r)
	if !ok {
		return
	}
	kind, ok := codeKind(w, r)
	if !ok {
		return
	}
	var in codeReq
	if !decode(w, r, &in) {
		return
	}
	h.respond(w, r, ctrl, ctrl.SetCode(kind, in.Code))
}

func (h *CheckoutHandler) clearCode(w http.ResponseWriter, r *http.Request) {
	ctrl, r, ok := h.session(w, r)
	if !ok {
		return
	}
	kind, ok := codeKind(w, r)
	if !ok {
		return
	}
	h.respond(w, r, ctrl, ctrl.ClearCode(kind))
}

// codeResult is one code's answer in a batch verification. A rejected code
// does not fail the batch; checkout goes on without it.
type codeResult struct {
	Code   domain.DiscountCode `json:"code"`
	Error  string              `json:"error,omitempty"`
	Reason string              `json:"reason,omitempty"`
}

func newCodeResult(code domain.DiscountCode, err error) codeResult {
	out := codeResult{Code: code}
	if err == nil {
		return out
	}
	out.Error = err.Error()
	if derr, ok := domain.AsDiscountError(err); ok {
		out.Reason = string(derr.Reason)
	}
	return out
}

func (h *CheckoutHandler) verifyCode(w http.ResponseWriter, r *http.Request) {
	ctrl, r, ok := h.session(w, r)
	if !ok {
		return
	}
	kind, ok := codeKind(w, r)
	if !ok {
		return
	}
	code, err := ctrl.VerifyCode(r.Context(), kind)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	response.JSON(w, http.StatusOK, map[string]any{
		"result":  newCodeResult(code, nil),
		"session": ctrl.View(),
	})
}

func (h *CheckoutHandler) applyCodes(w http.ResponseWriter, r *http.Request) {
	ctrl, r, ok := h.session(w, r)
	if !ok {
		return
	}
	results, err := ctrl.ApplyCodes(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make(map[domain.DiscountKind]codeResult, len(results))
	for kind, res := range results {
		out[kind] = newCodeResult(res.Code, res.Err)
	}
	response.JSON(w, http.StatusOK, map[string]any{
		"results": out,
		"session": ctrl.View(),
	})
}

type checkoutReq struct {
	PaymentMethod string `json:"paymentMethod"`
}

// checkout starts the attempt and answers at once; the page follows the
// session view and the widget callbacks until an outcome appears.
func (h *CheckoutHandler) checkout(w http.ResponseWriter, r *http.Request) {
	ctrl, r, ok := h.session(w, r)
	if !ok {
		return
	}
	var in checkoutReq
	if r.ContentLength != 0 && !decode(w, r, &in) {
		return
	}
	if _, err := ctrl.Start(context.WithoutCancel(r.Context()), in.PaymentMethod); err != nil {
		h.fail(w, r, err)
		return
	}
	response.JSON(w, http.StatusAccepted, ctrl.View())
}

func (h *CheckoutHandler) acknowledge(w http.ResponseWriter, r *http.Request) {
	ctrl, r, ok := h.session(w, r)
	if !ok {
		return
	}
	h.respond(w, r, ctrl, ctrl.Acknowledge())
}

func (h *CheckoutHandler) gatewayReady(w http.ResponseWriter, r *http.Request) {
	ctrl, r, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := ctrl.GatewayLoaded(); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type gatewayEventReq struct {
	PaymentID string `json:"paymentId"`
	Signature string `json:"signature"`
	Reason    string `json:"reason"`
}

func (h *CheckoutHandler) gatewayEvent(kind payment.EventKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctrl, r, ok := h.session(w, r)
		if !ok {
			return
		}
		var in gatewayEventReq
		if r.ContentLength != 0 && !decode(w, r, &in) {
			return
		}
		if kind == payment.EventSuccess && (in.PaymentID == "" || in.Signature == "") {
			response.BadRequest(w, "paymentId and signature are required")
			return
		}
		err := ctrl.GatewayEvent(payment.GatewayEvent{
			Kind:      kind,
			PaymentID: in.PaymentID,
			Signature: in.Signature,
			Reason:    in.Reason,
		})
		if err != nil {
			h.fail(w, r, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

// respond answers an edit with the updated view, or with the edit's error.
func (h *CheckoutHandler) respond(w http.ResponseWriter, r *http.Request, ctrl *flow.Controller, err error) {
	if err != nil {
		h.fail(w, r, err)
		return
	}
	response.JSON(w, http.StatusOK, ctrl.View())
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		response.BadRequest(w, "invalid json")
		return false
	}
	return true
}

func guestIndex(w http.ResponseWriter, r *http.Request) (int, bool) {
	n, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || n < 0 {
		response.BadRequest(w, "invalid guest index")
		return 0, false
	}
	return n, true
}

func codeKind(w http.ResponseWriter, r *http.Request) (domain.DiscountKind, bool) {
	kind, ok := domain.ParseDiscountKind(chi.URLParam(r, "kind"))
	if !ok {
		response.BadRequest(w, "code kind must be promo or coupon")
		return "", false
	}
	return kind, true
}
