// Package export implements the de-identified export pipeline: job records
// and their state machine, incremental extraction watermarks, serialization,
// and the queue worker that drives an export end to end.
package export

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clinex/clinex/internal/deid"
)

// Status is the lifecycle state of an export job. Transitions are monotonic
// per attempt: pending -> processing -> completed | failed. A failed job may
// re-enter processing while the queue's retry budget lasts; completed is
// terminal.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Kind selects the export pipeline variant. Research exports are ad-hoc
// full-window extractions; OMOP exports are incremental per-table extractions
// driven by high-water marks.
type Kind string

const (
	KindResearch Kind = "research"
	KindOMOP     Kind = "omop"
)

// Format is the artifact serialization format.
type Format string

const (
	FormatCSV    Format = "csv"
	FormatNDJSON Format = "ndjson"
)

var validFormats = map[Format]bool{
	FormatCSV:    true,
	FormatNDJSON: true,
}

// Filters are the caller-supplied extraction predicates. They are advisory
// narrowing filters, not security boundaries; tenant isolation comes from the
// organisation scope on the job itself.
type Filters struct {
	ActiveOnly  bool       `json:"active_only,omitempty"`
	RiskLevels  []string   `json:"risk_levels,omitempty"`
	PeriodStart *time.Time `json:"period_start,omitempty"`
	PeriodEnd   *time.Time `json:"period_end,omitempty"`
}

// Job maps to the export_jobs table. It is created by the trigger endpoint
// and thereafter mutated only by the worker; rows are never deleted so the
// export history stays auditable.
type Job struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	Kind           Kind       `db:"kind" json:"kind"`
	ActorID        string     `db:"actor_id" json:"actor_id"`
	OrganisationID uuid.UUID  `db:"organisation_id" json:"organisation_id"`
	CohortID       *uuid.UUID `db:"cohort_id" json:"cohort_id,omitempty"`
	FilterExpr     string     `db:"filter_expr" json:"filter_expr,omitempty"`
	Filters        Filters    `db:"filters" json:"filters"`
	Format         Format     `db:"format" json:"format"`
	IncludeFields  []string   `db:"include_fields" json:"include_fields,omitempty"`
	Status         Status     `db:"status" json:"status"`
	ProcessingAt   *time.Time `db:"processing_at" json:"processing_at,omitempty"`
	RecordCount    *int       `db:"record_count" json:"record_count,omitempty"`
	FileURL        *string    `db:"file_url" json:"file_url,omitempty"`
	FileSizeBytes  *int64     `db:"file_size_bytes" json:"file_size_bytes,omitempty"`
	ExpiresAt      *time.Time `db:"expires_at" json:"expires_at,omitempty"`
	ErrorMessage   *string    `db:"error_message" json:"error_message,omitempty"`
	DeidMethod     string     `db:"deid_method" json:"deidentification_method"`
	DeidentifiedAt *time.Time `db:"deidentified_at" json:"deidentified_at,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	CompletedAt    *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// Completion carries the fields that must be written together when a job
// reaches completed: either all of them land or none do.
type Completion struct {
	RecordCount    int
	FileURL        string
	FileSizeBytes  int64
	ExpiresAt      time.Time
	DeidentifiedAt time.Time
	CompletedAt    time.Time
}

// CanTransition reports whether a status change is legal. completed is
// terminal; failed may re-enter processing because the queue retries a
// failed attempt until its budget is spent.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed
	case StatusFailed:
		return to == StatusProcessing
	default:
		return false
	}
}

// TriggerRequest is the payload accepted by the trigger endpoints.
type TriggerRequest struct {
	Filters       Filters  `json:"filters"`
	Format        Format   `json:"format"`
	IncludeFields []string `json:"include_fields,omitempty"`
	CohortID      *uuid.UUID `json:"cohort_id,omitempty"`
	FilterExpr    string   `json:"filter_expression,omitempty"`
}

// Validate rejects malformed trigger requests synchronously, before any job
// record exists. Validation failures never create a job or enqueue anything.
func (r *TriggerRequest) Validate() error {
	if r.Format == "" {
		return fmt.Errorf("%w: format is required", ErrInvalidRequest)
	}
	if !validFormats[r.Format] {
		return fmt.Errorf("%w: invalid format %q (must be csv or ndjson)", ErrInvalidRequest, r.Format)
	}
	if r.Filters.PeriodStart != nil && r.Filters.PeriodEnd != nil &&
		r.Filters.PeriodEnd.Before(*r.Filters.PeriodStart) {
		return fmt.Errorf("%w: period_end precedes period_start", ErrInvalidRequest)
	}
	return nil
}

// TriggerResponse is the 202 body returned on acceptance.
type TriggerResponse struct {
	ID                     uuid.UUID `json:"id"`
	Status                 Status    `json:"status"`
	EstimatedRows          int       `json:"estimated_rows"`
	DeidentificationMethod string    `json:"deidentification_method"`
}

// StatusProjection is the job view returned by the poll endpoint.
type StatusProjection struct {
	ID           uuid.UUID  `json:"id"`
	Status       Status     `json:"status"`
	RecordCount  *int       `json:"record_count,omitempty"`
	FileURL      *string    `json:"file_url,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Projection returns the poll view of a job.
func (j *Job) Projection() StatusProjection {
	return StatusProjection{
		ID:           j.ID,
		Status:       j.Status,
		RecordCount:  j.RecordCount,
		FileURL:      j.FileURL,
		ExpiresAt:    j.ExpiresAt,
		ErrorMessage: j.ErrorMessage,
		CreatedAt:    j.CreatedAt,
		CompletedAt:  j.CompletedAt,
	}
}

// ArtifactPath returns the bucket key for a job's artifact. The
// org-id/export-id convention guarantees no collision across tenants or jobs.
func (j *Job) ArtifactPath(ext string) string {
	return fmt.Sprintf("%s/%s.%s", j.OrganisationID, j.ID, ext)
}

// NewJob builds a pending job record for a validated trigger request.
func NewJob(kind Kind, actorID string, orgID uuid.UUID, req TriggerRequest) *Job {
	return &Job{
		ID:             uuid.New(),
		Kind:           kind,
		ActorID:        actorID,
		OrganisationID: orgID,
		CohortID:       req.CohortID,
		FilterExpr:     req.FilterExpr,
		Filters:        req.Filters,
		Format:         req.Format,
		IncludeFields:  req.IncludeFields,
		Status:         StatusPending,
		DeidMethod:     deid.MethodTag,
		CreatedAt:      time.Now().UTC(),
	}
}
