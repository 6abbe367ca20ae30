// Package audit records an append-only trail of pipeline decisions: events
// accepted or dropped, jobs processed, bookings placed, dead letters
// re-driven. Records carry the correlation id so one inbound event can be
// traced across the webhook, queue and worker.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bookline-ai/intake-platform/pkg/logging"
)

// Statuses for audit records.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Actions recorded by the pipeline.
const (
	ActionEventReceived    = "event_received"
	ActionEventEnqueued    = "event_enqueued"
	ActionEventDropped     = "event_dropped"
	ActionTenantResolution = "tenant_resolution"
	ActionJobProcessed     = "job_processed"
	ActionBookingPlaced    = "booking_placed"
	ActionReplySent        = "reply_sent"
	ActionDeadLetterStored = "dead_letter_stored"
	ActionRequeue          = "dead_letter_requeued"
)

// Record is one audit trail entry.
type Record struct {
	ID            string         `json:"id"`
	CorrelationID string         `json:"correlation_id"`
	ActorID       string         `json:"actor_id,omitempty"`
	Action        string         `json:"action"`
	ResourceType  string         `json:"resource_type"`
	ResourceID    string         `json:"resource_id"`
	Status        string         `json:"status"`
	ErrorSummary  string         `json:"error_summary,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Filter narrows Query results. Zero values match everything.
type Filter struct {
	CorrelationID string
	Action        string
	Status        string
	Limit         int
}

// Service writes and reads audit records. A nil *Service is a no-op writer,
// so callers do not need to guard every audit call.
type Service struct {
	db     *sql.DB
	logger *logging.Logger
}

// NewService creates an audit service backed by the given database.
func NewService(db *sql.DB, logger *logging.Logger) *Service {
	if db == nil {
		panic("audit: database cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{db: db, logger: logger}
}

// Log inserts one record. Failures are logged, not returned: audit writes
// never abort the operation they describe.
func (s *Service) Log(ctx context.Context, rec Record) {
	if s == nil {
		return
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	var metadata []byte
	if rec.Metadata != nil {
		var err error
		metadata, err = json.Marshal(rec.Metadata)
		if err != nil {
			s.logger.Error("audit metadata encode failed", "action", rec.Action, "error", err)
			metadata = nil
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_records (id, correlation_id, actor_id, action, resource_type, resource_id, status, error_summary, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		rec.ID,
		rec.CorrelationID,
		nullString(rec.ActorID),
		rec.Action,
		rec.ResourceType,
		rec.ResourceID,
		rec.Status,
		nullString(rec.ErrorSummary),
		metadata,
		rec.CreatedAt,
	)
	if err != nil {
		s.logger.Error("audit write failed",
			"action", rec.Action,
			"resource_id", rec.ResourceID,
			"correlation_id", rec.CorrelationID,
			"error", err,
		)
	}
}

// Success records a successful action.
func (s *Service) Success(ctx context.Context, action, resourceType, resourceID, correlationID string, metadata map[string]any) {
	s.Log(ctx, Record{
		CorrelationID: correlationID,
		Action:        action,
		ResourceType:  resourceType,
		ResourceID:    resourceID,
		Status:        StatusSuccess,
		Metadata:      metadata,
	})
}

// Failure records a failed action with a short error summary.
func (s *Service) Failure(ctx context.Context, action, resourceType, resourceID, correlationID, errSummary string, metadata map[string]any) {
	s.Log(ctx, Record{
		CorrelationID: correlationID,
		Action:        action,
		ResourceType:  resourceType,
		ResourceID:    resourceID,
		Status:        StatusFailure,
		ErrorSummary:  errSummary,
		Metadata:      metadata,
	})
}

// Query returns records matching the filter, newest first.
func (s *Service) Query(ctx context.Context, f Filter) ([]Record, error) {
	if s == nil {
		return nil, nil
	}
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}

	query := `
		SELECT id, correlation_id, actor_id, action, resource_type, resource_id, status, error_summary, metadata, created_at
		FROM audit_records
		WHERE 1=1
	`
	args := []any{}
	argNum := 1

	if f.CorrelationID != "" {
		query += fmt.Sprintf(" AND correlation_id = $%d", argNum)
		args = append(args, f.CorrelationID)
		argNum++
	}
	if f.Action != "" {
		query += fmt.Sprintf(" AND action = $%d", argNum)
		args = append(args, f.Action)
		argNum++
	}
	if f.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argNum)
		args = append(args, f.Status)
		argNum++
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", argNum)
	args = append(args, f.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			rec          Record
			actor, esum  sql.NullString
			metadataJSON []byte
		)
		if err := rows.Scan(&rec.ID, &rec.CorrelationID, &actor, &rec.Action, &rec.ResourceType, &rec.ResourceID, &rec.Status, &esum, &metadataJSON, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: scan record: %w", err)
		}
		rec.ActorID = actor.String
		rec.ErrorSummary = esum.String
		if len(metadataJSON) > 0 {
			_ = json.Unmarshal(metadataJSON, &rec.Metadata)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: query rows: %w", err)
	}
	return records, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
