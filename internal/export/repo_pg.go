package export

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type jobRepoPG struct{ pool *pgxpool.Pool }

// NewJobRepoPG returns a JobRepository backed by PostgreSQL.
func NewJobRepoPG(pool *pgxpool.Pool) JobRepository {
	return &jobRepoPG{pool: pool}
}

const jobCols = `id, kind, actor_id, organisation_id, cohort_id, filter_expr, filters,
	format, include_fields, status, processing_at, record_count, file_url,
	file_size_bytes, expires_at, error_message, deid_method, deidentified_at,
	created_at, completed_at`

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	err := row.Scan(&j.ID, &j.Kind, &j.ActorID, &j.OrganisationID, &j.CohortID,
		&j.FilterExpr, &j.Filters, &j.Format, &j.IncludeFields, &j.Status,
		&j.ProcessingAt, &j.RecordCount, &j.FileURL, &j.FileSizeBytes, &j.ExpiresAt,
		&j.ErrorMessage, &j.DeidMethod, &j.DeidentifiedAt, &j.CreatedAt, &j.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	return &j, err
}

func (r *jobRepoPG) Create(ctx context.Context, j *Job) error {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO export_jobs (id, kind, actor_id, organisation_id, cohort_id,
			filter_expr, filters, format, include_fields, status, deid_method, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		j.ID, j.Kind, j.ActorID, j.OrganisationID, j.CohortID,
		j.FilterExpr, j.Filters, j.Format, j.IncludeFields, j.Status, j.DeidMethod, j.CreatedAt)
	return err
}

func (r *jobRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Job, error) {
	return scanJob(r.pool.QueryRow(ctx,
		`SELECT `+jobCols+` FROM export_jobs WHERE id = $1`, id))
}

func (r *jobRepoPG) GetForOrg(ctx context.Context, id, orgID uuid.UUID) (*Job, error) {
	return scanJob(r.pool.QueryRow(ctx,
		`SELECT `+jobCols+` FROM export_jobs WHERE id = $1 AND organisation_id = $2`, id, orgID))
}

func (r *jobRepoPG) List(ctx context.Context, orgID uuid.UUID, status Status, limit, offset int) ([]*Job, int, error) {
	countQuery := `SELECT COUNT(*) FROM export_jobs WHERE organisation_id = $1`
	query := `SELECT ` + jobCols + ` FROM export_jobs WHERE organisation_id = $1`
	args := []interface{}{orgID}
	if status != "" {
		countQuery += ` AND status = $2`
		query += ` AND status = $2`
		args = append(args, status)
	}

	var total int
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, j)
	}
	return items, total, rows.Err()
}

// MarkProcessing claims the job before any extraction I/O. The WHERE clause
// enforces the state machine inside the update itself, so a racing claim or
// a terminal row comes back as zero rows affected rather than a bad write.
func (r *jobRepoPG) MarkProcessing(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE export_jobs SET status = 'processing', processing_at = NOW(),
			error_message = NULL
		WHERE id = $1 AND status IN ('pending', 'processing', 'failed')`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.transitionError(ctx, id)
	}
	return nil
}

// MarkCompleted writes every completion field in one statement: file_url and
// record_count are set if and only if the row lands in completed.
func (r *jobRepoPG) MarkCompleted(ctx context.Context, id uuid.UUID, c Completion) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE export_jobs SET status = 'completed',
			record_count = $2, file_url = $3, file_size_bytes = $4,
			expires_at = $5, deidentified_at = $6, completed_at = $7,
			error_message = NULL
		WHERE id = $1 AND status = 'processing'`,
		id, c.RecordCount, c.FileURL, c.FileSizeBytes,
		c.ExpiresAt, c.DeidentifiedAt, c.CompletedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.transitionError(ctx, id)
	}
	return nil
}

func (r *jobRepoPG) MarkFailed(ctx context.Context, id uuid.UUID, message string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE export_jobs SET status = 'failed', error_message = $2
		WHERE id = $1 AND status = 'processing'`, id, message)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.transitionError(ctx, id)
	}
	return nil
}

// ListStaleProcessing filters on processing_at, the moment the worker claimed
// the job, not created_at: a job that sat pending for hours and was claimed a
// moment ago is not stale.
func (r *jobRepoPG) ListStaleProcessing(ctx context.Context, olderThan time.Duration) ([]*Job, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	rows, err := r.pool.Query(ctx, `
		SELECT `+jobCols+` FROM export_jobs
		WHERE status = 'processing' AND processing_at < $1
		ORDER BY processing_at ASC`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, j)
	}
	return items, rows.Err()
}

// transitionError distinguishes a missing row from an illegal transition.
func (r *jobRepoPG) transitionError(ctx context.Context, id uuid.UUID) error {
	var status Status
	err := r.pool.QueryRow(ctx, `SELECT status FROM export_jobs WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrJobNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: job %s is %s", ErrIllegalTransition, id, status)
}
