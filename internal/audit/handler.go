package audit

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/bookline-ai/intake-platform/pkg/logging"
)

// Handler exposes read-only audit trail queries for operators.
type Handler struct {
	service *Service
	logger  *logging.Logger
}

// NewHandler creates the admin audit handler.
func NewHandler(service *Service, logger *logging.Logger) *Handler {
	if service == nil {
		panic("audit: service cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{service: service, logger: logger}
}

// QueryResponse wraps the record listing.
type QueryResponse struct {
	Records []Record `json:"records"`
	Count   int      `json:"count"`
}

// Query returns audit records, newest first, filtered by query params.
// GET /admin/audit-records?correlation_id=&action=&status=&limit=
func (h *Handler) Query(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))

	records, err := h.service.Query(r.Context(), Filter{
		CorrelationID: q.Get("correlation_id"),
		Action:        q.Get("action"),
		Status:        q.Get("status"),
		Limit:         limit,
	})
	if err != nil {
		h.logger.Error("failed to query audit records", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []Record{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(QueryResponse{Records: records, Count: len(records)})
}
