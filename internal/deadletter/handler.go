package deadletter

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bookline-ai/intake-platform/internal/audit"
	"github.com/bookline-ai/intake-platform/internal/http/middleware"
	"github.com/bookline-ai/intake-platform/pkg/logging"
)

// Handler exposes the operator endpoints for inspecting and re-driving
// dead letters.
type Handler struct {
	store  *Store
	queue  Enqueuer
	audit  *audit.Service
	logger *logging.Logger
}

// NewHandler creates the admin dead-letter handler.
func NewHandler(store *Store, queue Enqueuer, auditSvc *audit.Service, logger *logging.Logger) *Handler {
	if store == nil {
		panic("deadletter: store cannot be nil")
	}
	if queue == nil {
		panic("deadletter: queue cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{store: store, queue: queue, audit: auditSvc, logger: logger}
}

// EntryResponse is one dead letter in API responses. Payloads are not
// exposed over the API.
type EntryResponse struct {
	EventID           string `json:"event_id"`
	PlatformAccountID string `json:"platform_account_id"`
	LastError         string `json:"last_error"`
	Attempts          int    `json:"attempts"`
	CorrelationID     string `json:"correlation_id"`
	StoredAt          string `json:"stored_at"`
}

// ListResponse wraps the dead-letter listing.
type ListResponse struct {
	Entries []EntryResponse `json:"entries"`
	Count   int             `json:"count"`
}

// List returns the newest dead letters.
// GET /admin/dead-letters
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	entries, err := h.store.List(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list dead letters", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	resp := ListResponse{Entries: []EntryResponse{}}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, EntryResponse{
			EventID:           e.EventID,
			PlatformAccountID: e.PlatformAccountID,
			LastError:         e.LastError,
			Attempts:          e.Attempts,
			CorrelationID:     e.CorrelationID,
			StoredAt:          e.StoredAt.Format(time.RFC3339),
		})
	}
	resp.Count = len(resp.Entries)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// Requeue re-drives one dead letter with a fresh attempt budget.
// POST /admin/dead-letters/{eventID}/requeue
func (h *Handler) Requeue(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	if eventID == "" {
		http.Error(w, "missing eventID", http.StatusBadRequest)
		return
	}

	actor := middleware.AdminSubject(r.Context())

	err := h.store.Requeue(r.Context(), eventID, h.queue)
	if errors.Is(err, ErrNotFound) {
		http.Error(w, "dead letter not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("failed to requeue dead letter", "event_id", eventID, "error", err)
		h.audit.Log(r.Context(), audit.Record{
			ActorID:      actor,
			Action:       audit.ActionRequeue,
			ResourceType: "dead_letter",
			ResourceID:   eventID,
			Status:       audit.StatusFailure,
			ErrorSummary: err.Error(),
		})
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	h.audit.Log(r.Context(), audit.Record{
		ActorID:      actor,
		Action:       audit.ActionRequeue,
		ResourceType: "dead_letter",
		ResourceID:   eventID,
		Status:       audit.StatusSuccess,
	})
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"event_id": eventID, "status": "requeued"})
}

// Delete discards one dead letter without re-driving it.
// DELETE /admin/dead-letters/{eventID}
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	if eventID == "" {
		http.Error(w, "missing eventID", http.StatusBadRequest)
		return
	}

	err := h.store.Delete(r.Context(), eventID)
	if errors.Is(err, ErrNotFound) {
		http.Error(w, "dead letter not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("failed to delete dead letter", "event_id", eventID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
