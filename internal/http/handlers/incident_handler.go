package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/diagnosis/tripdesk/internal/http/response"
	"github.com/diagnosis/tripdesk/internal/repo/postgres"
	"github.com/diagnosis/tripdesk/pkg/logger"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// IncidentStore is the support side of the incident ledger.
type IncidentStore interface {
	ListOpen(ctx context.Context, limit, offset int) ([]postgres.Incident, error)
	Resolve(ctx context.Context, id uuid.UUID) (bool, error)
}

// IncidentHandler lets support staff work through payments that were
// collected but never confirmed.
type IncidentHandler struct {
	repo IncidentStore
}

func NewIncidentHandler(repo IncidentStore) *IncidentHandler {
	return &IncidentHandler{repo: repo}
}

// Routes expects the credential and role middleware to run first.
func (h *IncidentHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.list)
	r.Post("/{id}/resolve", h.resolve)
	return r
}

func (h *IncidentHandler) list(w http.ResponseWriter, r *http.Request) {
	limit := 20
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			response.BadRequest(w, "invalid limit")
			return
		}
		if n > 100 {
			n = 100
		}
		limit = n
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			response.BadRequest(w, "invalid offset")
			return
		}
		offset = n
	}

	incidents, err := h.repo.ListOpen(r.Context(), limit, offset)
	if err != nil {
		logger.ErrorContext(r.Context(), "Failed to list payment incidents", "error", err)
		response.InternalError(w, "error listing incidents")
		return
	}
	if incidents == nil {
		incidents = []postgres.Incident{}
	}
	response.JSON(w, http.StatusOK, incidents)
}

func (h *IncidentHandler) resolve(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "invalid incident id")
		return
	}
	ok, err := h.repo.Resolve(r.Context(), id)
	if err != nil {
		logger.ErrorContext(r.Context(), "Failed to resolve payment incident", "incident_id", id, "error", err)
		response.InternalError(w, "error resolving incident")
		return
	}
	if !ok {
		response.NotFound(w, "no open incident with that id")
		return
	}
	logger.InfoContext(r.Context(), "Payment incident resolved", "incident_id", id)
	w.WriteHeader(http.StatusNoContent)
}
