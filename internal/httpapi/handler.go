package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/rpattn/jobledger/internal/auth"
	"github.com/rpattn/jobledger/internal/domain"
	"github.com/rpattn/jobledger/internal/export"
	"github.com/rpattn/jobledger/internal/ledger"
	"github.com/rpattn/jobledger/internal/repository"
)

// Handler serves the job order and history API.
type Handler struct {
	jobOrders   repository.JobOrderRepository
	history     *ledger.Service
	revertRoles []string
	validate    *validator.Validate
	logger      *slog.Logger
}

func NewHandler(jobOrders repository.JobOrderRepository, history *ledger.Service, revertRoles []string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		jobOrders:   jobOrders,
		history:     history,
		revertRoles: append([]string(nil), revertRoles...),
		validate:    newValidator(),
		logger:      logger,
	}
}

// Routes mounts every endpoint on a new router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Route("/job-orders", func(r chi.Router) {
		r.Get("/", h.handleListJobOrders)
		r.Post("/", h.handleCreateJobOrder)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.handleGetJobOrder)
			r.Patch("/", h.handleUpdateJobOrder)
			r.Get("/history", h.handleHistory)
			r.Get("/history/actors", h.handleActors)
			r.Get("/history/export", h.handleExport)
		})
	})
	r.Route("/history/{entryId}", func(r chi.Router) {
		r.Get("/", h.handleGetEntry)
		r.Get("/revert-preview", h.handlePreviewRevert)
		r.Post("/revert", h.handleRevert)
	})
	return r
}

type writeResponse struct {
	JobOrder domain.JobOrder `json:"job_order"`
	Warning  string          `json:"warning,omitempty"`
}

func (h *Handler) handleListJobOrders(w http.ResponseWriter, r *http.Request) {
	limit, err := parseIntQuery(r, "limit")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	offset, err := parseIntQuery(r, "offset")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	orders, err := h.jobOrders.List(r.Context(), limit, offset)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

func (h *Handler) handleCreateJobOrder(w http.ResponseWriter, r *http.Request) {
	actor, ok := auth.ActorFromContext(r.Context())
	if !ok {
		h.writeError(w, auth.ErrNoActor)
		return
	}

	defer r.Body.Close()
	var payload createJobOrderPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		return
	}

	order, err := domain.NewJobOrder(payload.JobOrderNumber, actor.ID).WithState(payload.state())
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		return
	}
	created, err := h.jobOrders.Create(r.Context(), actor.ID, order)
	h.writeWriteResult(w, http.StatusCreated, created, err)
}

func (h *Handler) handleGetJobOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "id")
	if !ok {
		return
	}
	order, err := h.jobOrders.GetByID(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *Handler) handleUpdateJobOrder(w http.ResponseWriter, r *http.Request) {
	actor, ok := auth.ActorFromContext(r.Context())
	if !ok {
		h.writeError(w, auth.ErrNoActor)
		return
	}
	id, ok := parseUUIDParam(w, r, "id")
	if !ok {
		return
	}

	defer r.Body.Close()
	var payload updateJobOrderPayload
	decoder := json.NewDecoder(r.Body)
	decoder.UseNumber()
	if err := decoder.Decode(&payload); err != nil {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		return
	}
	if err := h.validateChanges(payload.Changes); err != nil {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		return
	}

	updated, err := h.jobOrders.Update(r.Context(), id, actor.ID, domain.EntityState(payload.Changes), payload.ExpectedVersion)
	h.writeWriteResult(w, http.StatusOK, updated, err)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "id")
	if !ok {
		return
	}
	filter, err := parseHistoryFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	view, err := h.history.History(r.Context(), id, filter)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) handleActors(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "id")
	if !ok {
		return
	}
	actors, err := h.history.Actors(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, actors)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "id")
	if !ok {
		return
	}
	filter, err := parseHistoryFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// Render fully before writing headers so a failure still yields a clean error response
	var body bytes.Buffer
	fileName, err := h.history.ExportHistory(r.Context(), id, filter, format, &body)
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", format.MimeType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fileName))
	w.Header().Set("Content-Length", strconv.Itoa(body.Len()))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body.Bytes()); err != nil {
		h.logger.Warn("failed to stream history export", "job_order_id", id, "error", err)
	}
}

func (h *Handler) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	entryID, ok := parseUUIDParam(w, r, "entryId")
	if !ok {
		return
	}
	entry, err := h.history.Entry(r.Context(), entryID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) handlePreviewRevert(w http.ResponseWriter, r *http.Request) {
	entryID, ok := parseUUIDParam(w, r, "entryId")
	if !ok {
		return
	}
	changes, err := h.history.PreviewRevert(r.Context(), entryID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entry_id": entryID, "changes": changes})
}

func (h *Handler) handleRevert(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.RequireRole(r.Context(), h.revertRoles)
	if err != nil {
		h.writeError(w, err)
		return
	}
	entryID, ok := parseUUIDParam(w, r, "entryId")
	if !ok {
		return
	}

	defer r.Body.Close()
	var payload revertPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		http.Error(w, "revert must be confirmed", http.StatusBadRequest)
		return
	}

	order, err := h.history.RevertTo(r.Context(), entryID, actor.ID)
	if err != nil {
		var revertErr *domain.RevertError
		if errors.As(err, &revertErr) && revertErr.EntityChanged() {
			writeJSON(w, http.StatusOK, writeResponse{JobOrder: order, Warning: revertErr.Error()})
			return
		}
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, writeResponse{JobOrder: order})
}

// writeWriteResult reports an entity write; a committed write whose history was
// not recorded still succeeds, with a warning.
func (h *Handler) writeWriteResult(w http.ResponseWriter, status int, order domain.JobOrder, err error) {
	if err != nil {
		var appendErr *domain.LedgerAppendError
		if errors.As(err, &appendErr) {
			writeJSON(w, status, writeResponse{JobOrder: order, Warning: "change saved but not recorded in history"})
			return
		}
		h.writeError(w, err)
		return
	}
	writeJSON(w, status, writeResponse{JobOrder: order})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var revertErr *domain.RevertError
	switch {
	case errors.Is(err, auth.ErrNoActor):
		status = http.StatusUnauthorized
	case errors.Is(err, auth.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, domain.ErrJobOrderNotFound), errors.Is(err, domain.ErrLogEntryNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrVersionConflict):
		status = http.StatusConflict
	case errors.As(err, &revertErr) && revertErr.Kind == domain.RevertNoSnapshot:
		status = http.StatusUnprocessableEntity
	case errors.As(err, &revertErr) && revertErr.Kind == domain.RevertWriteFailed:
		status = http.StatusBadGateway
	default:
		var writeErr *domain.EntityWriteError
		if errors.As(err, &writeErr) {
			status = http.StatusBadRequest
		}
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "error", err)
	}
	http.Error(w, err.Error(), status)
}

func parseUUIDParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(strings.TrimSpace(chi.URLParam(r, name)))
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid %s: %v", name, err), http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

// parseIntQuery reads an optional non-negative integer query parameter; absent means 0.
func parseIntQuery(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("invalid %s: must be a non-negative integer", name)
	}
	return value, nil
}

func parseHistoryFilter(r *http.Request) (domain.HistoryFilter, error) {
	query := r.URL.Query()
	return domain.ParseHistoryFilter(query.Get("actor"), query.Get("from"), query.Get("to"))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
