package export

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/clinex/clinex/internal/deid"
)

var (
	ErrJobNotFound       = errors.New("export job not found")
	ErrIllegalTransition = errors.New("illegal job status transition")
	// ErrInvalidRequest marks trigger validation failures so the HTTP layer
	// can tell a malformed request from an infrastructure fault.
	ErrInvalidRequest = errors.New("invalid export request")
)

// JobRepository persists export job records. Status-changing methods enforce
// the state machine: an illegal transition returns ErrIllegalTransition and
// leaves the row untouched.
type JobRepository interface {
	Create(ctx context.Context, job *Job) error
	GetByID(ctx context.Context, id uuid.UUID) (*Job, error)
	// GetForOrg scopes the lookup to one organisation: callers can never
	// observe another tenant's jobs, even with a valid id.
	GetForOrg(ctx context.Context, id, orgID uuid.UUID) (*Job, error)
	List(ctx context.Context, orgID uuid.UUID, status Status, limit, offset int) ([]*Job, int, error)

	// MarkProcessing claims a job. Legal from pending and, on queue retry,
	// from failed. Idempotent when the job is already processing.
	MarkProcessing(ctx context.Context, id uuid.UUID) error
	// MarkCompleted writes all completion fields atomically; legal only from
	// processing.
	MarkCompleted(ctx context.Context, id uuid.UUID, c Completion) error
	// MarkFailed records the error message; legal only from processing.
	MarkFailed(ctx context.Context, id uuid.UUID, message string) error

	// ListStaleProcessing returns jobs stuck in processing longer than the
	// threshold, evidence of a worker that died mid-run. They are surfaced
	// for operator review, never silently re-queued.
	ListStaleProcessing(ctx context.Context, olderThan time.Duration) ([]*Job, error)
}

// WatermarkStore tracks, per source table, the maximum source-row timestamp
// already exported. It is passed explicitly wherever incremental extraction
// needs it; there is no package-level instance.
type WatermarkStore interface {
	Read(ctx context.Context) (map[Table]time.Time, error)
	// Advance moves a table's watermark forward, never backward: the stored
	// value becomes max(existing, ts). Returns the effective stored value.
	Advance(ctx context.Context, table Table, ts time.Time) (time.Time, error)
	// ResetAll sets every table's watermark to the epoch, making the next
	// incremental run a full historical re-export.
	ResetAll(ctx context.Context) error
}

// CohortResolver turns an opaque filter expression into the patient-id set
// it selects. The query/aggregation engine behind it is an external
// collaborator.
type CohortResolver interface {
	Resolve(ctx context.Context, orgID uuid.UUID, filterExpr string) ([]uuid.UUID, error)
}

// ExtractionParams scope one extraction query. OrgID is mandatory tenant
// isolation; the rest are advisory narrowing filters.
type ExtractionParams struct {
	OrgID       uuid.UUID
	PeriodStart time.Time
	PeriodEnd   time.Time
	ActiveOnly  bool
	RiskLevels  []string
	PatientIDs  []uuid.UUID // cohort narrowing; empty means all patients
	After       time.Time   // watermark lower bound; zero means unbounded
}

// Extractor reads raw clinical rows from the primary store. Rows come back
// ordered by source timestamp ascending so a crash mid-export followed by a
// watermark advance on the max processed timestamp cannot skip rows.
type Extractor interface {
	EstimateRows(ctx context.Context, p ExtractionParams) (int, error)
	// EstimateTableRows counts one OMOP source table's rows changed after
	// p.After, using the same predicates as ExtractTable.
	EstimateTableRows(ctx context.Context, table Table, p ExtractionParams) (int, error)
	// Extract returns the research-export rowset (daily entries joined to
	// their patients).
	Extract(ctx context.Context, p ExtractionParams) ([]deid.Row, error)
	// ExtractTable returns one OMOP source table's rows changed after
	// p.After, plus the max source timestamp observed in the batch.
	ExtractTable(ctx context.Context, table Table, p ExtractionParams) ([]deid.Row, time.Time, error)
}
