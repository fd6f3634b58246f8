package export

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinex/clinex/internal/deid"
	"github.com/clinex/clinex/internal/platform/queue"
)

// jobPayload is the queue message body. Only the job id crosses the queue;
// everything else is re-read from the job row so a retry always sees the
// current record.
type jobPayload struct {
	JobID uuid.UUID `json:"job_id"`
}

// ServiceConfig carries the service's tunables.
type ServiceConfig struct {
	ResearchQueue    string
	OMOPQueue        string
	ExportPeriodDays int
	StaleAfter       time.Duration
}

// Service accepts export triggers and exposes job and watermark state. The
// heavy lifting happens in the worker; the service's job is to validate
// synchronously, persist a pending record, and hand off to the queue.
type Service struct {
	jobs       JobRepository
	extractor  Extractor
	queue      queue.Queue
	watermarks WatermarkStore
	cfg        ServiceConfig
	log        zerolog.Logger
}

// NewService wires an export service.
func NewService(jobs JobRepository, ex Extractor, q queue.Queue, wm WatermarkStore, cfg ServiceConfig, log zerolog.Logger) *Service {
	if cfg.ExportPeriodDays <= 0 {
		cfg.ExportPeriodDays = 365
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = time.Hour
	}
	return &Service{
		jobs:       jobs,
		extractor:  ex,
		queue:      q,
		watermarks: wm,
		cfg:        cfg,
		log:        log.With().Str("component", "export_service").Logger(),
	}
}

// Trigger validates the request, persists a pending job, and enqueues it. If
// the enqueue fails after the row is written, the pending row is left in
// place so a reconciliation sweep can re-enqueue it; the caller still gets an
// error.
func (s *Service) Trigger(ctx context.Context, kind Kind, actorID string, orgID uuid.UUID, req TriggerRequest) (*TriggerResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	estimated, err := s.estimateRows(ctx, kind, orgID, req.Filters)
	if err != nil {
		return nil, fmt.Errorf("estimate export size: %w", err)
	}

	job := NewJob(kind, actorID, orgID, req)
	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create export job: %w", err)
	}

	body, err := json.Marshal(jobPayload{JobID: job.ID})
	if err != nil {
		return nil, fmt.Errorf("encode job payload: %w", err)
	}
	queueName := s.cfg.ResearchQueue
	if kind == KindOMOP {
		queueName = s.cfg.OMOPQueue
	}
	if _, err := s.queue.Enqueue(ctx, queueName, body); err != nil {
		s.log.Error().Err(err).
			Str("job_id", job.ID.String()).
			Str("queue", queueName).
			Msg("job row created but enqueue failed; row left pending for reconciliation")
		return nil, fmt.Errorf("enqueue export job: %w", err)
	}

	s.log.Info().
		Str("job_id", job.ID.String()).
		Str("kind", string(kind)).
		Str("org_id", orgID.String()).
		Int("estimated_rows", estimated).
		Msg("export job accepted")

	return &TriggerResponse{
		ID:                     job.ID,
		Status:                 job.Status,
		EstimatedRows:          estimated,
		DeidentificationMethod: deid.MethodTag,
	}, nil
}

// estimateRows predicts how many rows the export will carry. Research exports
// count the joined research rowset; OMOP exports sum per-table counts above
// each table's current watermark, so the estimate reflects the incremental
// batch rather than all history.
func (s *Service) estimateRows(ctx context.Context, kind Kind, orgID uuid.UUID, f Filters) (int, error) {
	p := s.extractionParams(orgID, f, nil, time.Now().UTC())

	if kind != KindOMOP {
		return s.extractor.EstimateRows(ctx, p)
	}

	marks, err := s.watermarks.Read(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, table := range SourceTables {
		tp := p
		tp.After = marks[table]
		n, err := s.extractor.EstimateTableRows(ctx, table, tp)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// GetJob returns one job, scoped to the caller's organisation.
func (s *Service) GetJob(ctx context.Context, id, orgID uuid.UUID) (*Job, error) {
	return s.jobs.GetForOrg(ctx, id, orgID)
}

// ListJobs returns an organisation's jobs, newest first, optionally filtered
// by status.
func (s *Service) ListJobs(ctx context.Context, orgID uuid.UUID, status Status, limit, offset int) ([]*Job, int, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.jobs.List(ctx, orgID, status, limit, offset)
}

// Watermarks returns the current per-table incremental extraction positions.
func (s *Service) Watermarks(ctx context.Context) (map[Table]time.Time, error) {
	return s.watermarks.Read(ctx)
}

// ResetWatermarks rewinds every table to the epoch. The next OMOP export
// re-extracts all history.
func (s *Service) ResetWatermarks(ctx context.Context) error {
	if err := s.watermarks.ResetAll(ctx); err != nil {
		return err
	}
	s.log.Warn().Msg("export watermarks reset; next incremental run is a full re-export")
	return nil
}

// StaleJobs surfaces jobs stuck in processing past the configured threshold.
func (s *Service) StaleJobs(ctx context.Context) ([]*Job, error) {
	return s.jobs.ListStaleProcessing(ctx, s.cfg.StaleAfter)
}

// extractionParams builds the query scope for a job: explicit period bounds
// win, otherwise the window is the trailing configured number of days.
func (s *Service) extractionParams(orgID uuid.UUID, f Filters, patientIDs []uuid.UUID, now time.Time) ExtractionParams {
	end := now
	if f.PeriodEnd != nil {
		end = *f.PeriodEnd
	}
	start := end.AddDate(0, 0, -s.cfg.ExportPeriodDays)
	if f.PeriodStart != nil {
		start = *f.PeriodStart
	}
	return ExtractionParams{
		OrgID:       orgID,
		PeriodStart: start,
		PeriodEnd:   end,
		ActiveOnly:  f.ActiveOnly,
		RiskLevels:  f.RiskLevels,
		PatientIDs:  patientIDs,
	}
}
