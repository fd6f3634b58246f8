package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinex/clinex/internal/deid"
	"github.com/clinex/clinex/internal/platform/artifact"
	"github.com/clinex/clinex/internal/platform/queue"
)

// Outcome classifies one processing attempt. Retryable outcomes are handed
// back to the queue; fatal outcomes are acknowledged so a poison message
// cannot loop forever.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeRetryable
	OutcomeFatal
)

// WorkerConfig carries the worker's tunables.
type WorkerConfig struct {
	Queue            string
	Concurrency      int
	SignedURLTTL     time.Duration
	ExportPeriodDays int
}

// Worker consumes export jobs from one queue and runs them end to end:
// claim, extract, de-identify, serialize, upload, complete. Processing is
// at-least-once; every step is written so a duplicate delivery converges on
// the same completed job rather than corrupting it.
type Worker struct {
	jobs       JobRepository
	extractor  Extractor
	artifacts  artifact.Store
	watermarks WatermarkStore
	cohorts    CohortResolver
	queue      queue.Queue
	key        []byte
	cfg        WorkerConfig
	log        zerolog.Logger

	now         func() time.Time
	dequeueWait time.Duration
}

// dequeueBackoff is how long consume waits after a failed dequeue before
// contacting the broker again.
func (w *Worker) dequeueBackoff() time.Duration {
	if w.dequeueWait > 0 {
		return w.dequeueWait
	}
	return time.Second
}

// NewWorker wires an export worker. cohorts may be nil when no query engine
// is deployed; jobs carrying a filter expression then fail fatally.
func NewWorker(jobs JobRepository, ex Extractor, store artifact.Store, wm WatermarkStore, cohorts CohortResolver, q queue.Queue, key []byte, cfg WorkerConfig, log zerolog.Logger) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.SignedURLTTL <= 0 {
		cfg.SignedURLTTL = 48 * time.Hour
	}
	if cfg.ExportPeriodDays <= 0 {
		cfg.ExportPeriodDays = 365
	}
	return &Worker{
		jobs:       jobs,
		extractor:  ex,
		artifacts:  store,
		watermarks: wm,
		cohorts:    cohorts,
		queue:      q,
		key:        key,
		cfg:        cfg,
		log:        log.With().Str("component", "export_worker").Str("queue", cfg.Queue).Logger(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Run consumes the queue until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info().Int("concurrency", w.cfg.Concurrency).Msg("export worker starting")

	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.consume(ctx)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (w *Worker) consume(ctx context.Context) {
	for {
		msg, err := w.queue.Dequeue(ctx, w.cfg.Queue)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Error().Err(err).Msg("dequeue failed")
			// Back off before retrying so a broker outage does not spin
			// this loop at full speed.
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.dequeueBackoff()):
			}
			continue
		}
		w.handle(ctx, msg)
	}
}

func (w *Worker) handle(ctx context.Context, msg *queue.Message) {
	outcome := w.Process(ctx, msg.Body)
	switch outcome {
	case OutcomeCompleted, OutcomeFatal:
		if err := w.queue.Ack(ctx, msg); err != nil {
			w.log.Error().Err(err).Str("msg_id", msg.ID).Msg("ack failed")
		}
	case OutcomeRetryable:
		if err := w.queue.Nack(ctx, msg); err != nil {
			w.log.Error().Err(err).Str("msg_id", msg.ID).Msg("nack failed")
		}
	}
}

// Process runs one delivery. The job row is the source of truth: the message
// carries only the job id.
func (w *Worker) Process(ctx context.Context, body []byte) Outcome {
	var payload jobPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		w.log.Error().Err(err).Msg("undecodable job payload; dropping")
		return OutcomeFatal
	}
	log := w.log.With().Str("job_id", payload.JobID.String()).Logger()

	job, err := w.jobs.GetByID(ctx, payload.JobID)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			log.Error().Msg("queued job has no row; dropping")
			return OutcomeFatal
		}
		log.Error().Err(err).Msg("load job failed")
		return OutcomeRetryable
	}
	if job.Status == StatusCompleted {
		// Duplicate delivery after a successful run.
		log.Info().Msg("job already completed; dropping duplicate delivery")
		return OutcomeCompleted
	}

	if err := w.jobs.MarkProcessing(ctx, job.ID); err != nil {
		if errors.Is(err, ErrIllegalTransition) {
			log.Error().Str("status", string(job.Status)).Msg("job not claimable; dropping")
			return OutcomeFatal
		}
		log.Error().Err(err).Msg("claim job failed")
		return OutcomeRetryable
	}

	start := w.now()
	if err := w.runJob(ctx, job, log); err != nil {
		log.Error().Err(err).Msg("export attempt failed")
		if markErr := w.jobs.MarkFailed(ctx, job.ID, err.Error()); markErr != nil {
			log.Error().Err(markErr).Msg("record failure failed")
		}
		return OutcomeRetryable
	}

	log.Info().Dur("elapsed", w.now().Sub(start)).Msg("export completed")
	return OutcomeCompleted
}

func (w *Worker) runJob(ctx context.Context, job *Job, log zerolog.Logger) error {
	runAt := w.now()

	patientIDs, err := w.resolveCohort(ctx, job)
	if err != nil {
		return err
	}

	params := extractionWindow(job, patientIDs, runAt, w.cfg.ExportPeriodDays)
	transformer := deid.New(w.key, runAt)

	var clean []deid.Row
	var advances map[Table]time.Time
	switch job.Kind {
	case KindOMOP:
		clean, advances, err = w.extractOMOP(ctx, params, transformer, job.IncludeFields)
	default:
		clean, err = w.extractResearch(ctx, params, transformer, job.IncludeFields)
	}
	if err != nil {
		return err
	}

	data, contentType, ext, err := Serialize(clean, job.Format)
	if err != nil {
		return err
	}

	obj, err := w.artifacts.Put(ctx, job.ArtifactPath(ext), data, contentType)
	if err != nil {
		return fmt.Errorf("upload artifact: %w", err)
	}

	completedAt := w.now()
	err = w.jobs.MarkCompleted(ctx, job.ID, Completion{
		RecordCount:    len(clean),
		FileURL:        obj.URL,
		FileSizeBytes:  obj.Size,
		ExpiresAt:      obj.ExpiresAt,
		DeidentifiedAt: runAt,
		CompletedAt:    completedAt,
	})
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}

	// Watermarks advance only after the job row is completed: a crash before
	// this point re-extracts the same rows on retry instead of skipping them.
	for table, ts := range advances {
		if ts.IsZero() {
			continue
		}
		if _, err := w.watermarks.Advance(ctx, table, ts); err != nil {
			log.Error().Err(err).Str("table", string(table)).Msg("watermark advance failed")
		}
	}

	log.Info().
		Int("record_count", len(clean)).
		Int64("file_size_bytes", obj.Size).
		Str("format", string(job.Format)).
		Msg("artifact uploaded")
	return nil
}

func (w *Worker) resolveCohort(ctx context.Context, job *Job) ([]uuid.UUID, error) {
	if job.FilterExpr == "" {
		return nil, nil
	}
	if w.cohorts == nil {
		return nil, fmt.Errorf("job carries a filter expression but no cohort resolver is configured")
	}
	ids, err := w.cohorts.Resolve(ctx, job.OrganisationID, job.FilterExpr)
	if err != nil {
		return nil, fmt.Errorf("resolve cohort: %w", err)
	}
	return ids, nil
}

func (w *Worker) extractResearch(ctx context.Context, params ExtractionParams, t *deid.Transformer, include []string) ([]deid.Row, error) {
	raw, err := w.extractor.Extract(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("extract: %w", err)
	}
	return t.TransformAll(raw, include), nil
}

// extractOMOP runs the incremental per-table pipeline: each source table is
// extracted from its watermark forward, tagged with its record type, and
// de-identified. The per-table max source timestamps come back so the caller
// can advance watermarks after completion.
func (w *Worker) extractOMOP(ctx context.Context, params ExtractionParams, t *deid.Transformer, include []string) ([]deid.Row, map[Table]time.Time, error) {
	marks, err := w.watermarks.Read(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("read watermarks: %w", err)
	}

	var clean []deid.Row
	advances := make(map[Table]time.Time, len(SourceTables))
	for _, table := range SourceTables {
		p := params
		p.After = marks[table]
		raw, maxTS, err := w.extractor.ExtractTable(ctx, table, p)
		if err != nil {
			return nil, nil, fmt.Errorf("extract %s: %w", table, err)
		}
		rows := t.TransformAll(raw, include)
		for _, r := range rows {
			r["record_type"] = string(table)
		}
		clean = append(clean, rows...)
		advances[table] = maxTS
	}
	return clean, advances, nil
}

// extractionWindow builds the query scope for a job from its stored filters.
func extractionWindow(job *Job, patientIDs []uuid.UUID, now time.Time, periodDays int) ExtractionParams {
	end := now
	if job.Filters.PeriodEnd != nil {
		end = *job.Filters.PeriodEnd
	}
	start := end.AddDate(0, 0, -periodDays)
	if job.Filters.PeriodStart != nil {
		start = *job.Filters.PeriodStart
	}
	return ExtractionParams{
		OrgID:       job.OrganisationID,
		PeriodStart: start,
		PeriodEnd:   end,
		ActiveOnly:  job.Filters.ActiveOnly,
		RiskLevels:  job.Filters.RiskLevels,
		PatientIDs:  patientIDs,
	}
}
