package export

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinex/clinex/internal/deid"
)

// extractorPG reads raw clinical rows from the primary store. Every query is
// scoped by organisation id first (tenant isolation here is a PHI boundary,
// not an optimisation) and ordered by source timestamp ascending so the
// worker can advance watermarks from the max timestamp actually processed.
type extractorPG struct {
	pool *pgxpool.Pool
}

// NewExtractorPG returns an Extractor backed by PostgreSQL.
func NewExtractorPG(pool *pgxpool.Pool) Extractor {
	return &extractorPG{pool: pool}
}

// researchBase is the ad-hoc research rowset: daily entries joined to their
// patients. Identifier columns are selected so the transformer can derive
// pseudonym and age band; they never reach the artifact.
const researchBase = `
	FROM daily_entries d
	JOIN patients p ON p.id = d.patient_id
	WHERE p.organisation_id = $1
	  AND d.entry_date >= $2 AND d.entry_date <= $3`

func (e *extractorPG) EstimateRows(ctx context.Context, p ExtractionParams) (int, error) {
	query, args := buildResearchQuery(`SELECT COUNT(*)`, p, false)
	var count int
	if err := e.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("estimate rows: %w", err)
	}
	return count, nil
}

func (e *extractorPG) Extract(ctx context.Context, p ExtractionParams) ([]deid.Row, error) {
	query, args := buildResearchQuery(`
		SELECT p.id AS patient_id, p.birth_date, p.gender, p.state, p.risk_level, p.active,
		       d.entry_date AS entry_month, d.mood_score, d.sleep_hours, d.steps,
		       d.updated_at AS recorded_month`, p, true)

	rows, err := e.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("extract research rows: %w", err)
	}
	defer rows.Close()
	return collectRows(rows)
}

func buildResearchQuery(selectClause string, p ExtractionParams, ordered bool) (string, []interface{}) {
	query := selectClause + researchBase
	args := []interface{}{p.OrgID, p.PeriodStart, p.PeriodEnd}

	if p.ActiveOnly {
		query += ` AND p.active`
	}
	if len(p.RiskLevels) > 0 {
		args = append(args, p.RiskLevels)
		query += fmt.Sprintf(` AND p.risk_level = ANY($%d)`, len(args))
	}
	if len(p.PatientIDs) > 0 {
		args = append(args, p.PatientIDs)
		query += fmt.Sprintf(` AND d.patient_id = ANY($%d)`, len(args))
	}
	if !p.After.IsZero() {
		args = append(args, p.After)
		query += fmt.Sprintf(` AND d.updated_at > $%d`, len(args))
	}
	if ordered {
		query += ` ORDER BY d.updated_at ASC`
	}
	return query, args
}

// tableQueries holds the per-table OMOP extraction selects. Each query takes
// ($1 org, $2 watermark, $3 optional patient set) and selects the columns the
// transformer knows how to handle, plus updated_at for watermark tracking.
var tableQueries = map[Table]string{
	TablePatients: `
		SELECT p.id AS patient_id, p.birth_date, p.gender, p.state, p.risk_level,
		       p.active, p.updated_at
		FROM patients p
		WHERE p.organisation_id = $1 AND p.updated_at > $2`,
	TableDailyEntries: `
		SELECT d.patient_id, p.birth_date, d.entry_date AS entry_month,
		       d.mood_score, d.sleep_hours, d.steps, d.updated_at
		FROM daily_entries d JOIN patients p ON p.id = d.patient_id
		WHERE p.organisation_id = $1 AND d.updated_at > $2`,
	TableAssessments: `
		SELECT a.patient_id, p.birth_date, a.assessment_type,
		       a.score AS assessment_score, a.updated_at
		FROM assessments a JOIN patients p ON p.id = a.patient_id
		WHERE p.organisation_id = $1 AND a.updated_at > $2`,
	TableMedications: `
		SELECT m.patient_id, p.birth_date, m.medication_name, m.medication_class,
		       m.dosage, m.updated_at
		FROM medications m JOIN patients p ON p.id = m.patient_id
		WHERE p.organisation_id = $1 AND m.updated_at > $2`,
	TableDiagnoses: `
		SELECT dx.patient_id, p.birth_date, dx.diagnosis_code, dx.diagnosis_description,
		       dx.onset_date AS onset_month, dx.updated_at
		FROM diagnoses dx JOIN patients p ON p.id = dx.patient_id
		WHERE p.organisation_id = $1 AND dx.updated_at > $2`,
	TableAppointments: `
		SELECT ap.patient_id, p.birth_date, ap.scheduled_at AS appointment_month,
		       ap.appointment_type, ap.status AS appointment_status, ap.updated_at
		FROM appointments ap JOIN patients p ON p.id = ap.patient_id
		WHERE p.organisation_id = $1 AND ap.updated_at > $2`,
	TablePassiveHealth: `
		SELECT ph.patient_id, p.birth_date, ph.heart_rate_avg, ph.hrv_avg, ph.updated_at
		FROM passive_health ph JOIN patients p ON p.id = ph.patient_id
		WHERE p.organisation_id = $1 AND ph.updated_at > $2`,
	TableJournalEntries: `
		SELECT j.patient_id, p.birth_date, j.sentiment_score, j.word_count, j.updated_at
		FROM journal_entries j JOIN patients p ON p.id = j.patient_id
		WHERE p.organisation_id = $1 AND j.updated_at > $2`,
}

// buildTableQuery assembles one table's extraction predicates: org scope,
// watermark lower bound, optional cohort narrowing.
func buildTableQuery(table Table, p ExtractionParams) (string, []interface{}, error) {
	base, ok := tableQueries[table]
	if !ok {
		return "", nil, fmt.Errorf("unknown source table: %s", table)
	}

	after := p.After
	if after.IsZero() {
		after = time.Unix(0, 0).UTC()
	}
	args := []interface{}{p.OrgID, after}

	query := base
	if len(p.PatientIDs) > 0 {
		args = append(args, p.PatientIDs)
		if table == TablePatients {
			query += fmt.Sprintf(` AND p.id = ANY($%d)`, len(args))
		} else {
			query += fmt.Sprintf(` AND patient_id = ANY($%d)`, len(args))
		}
	}
	return query, args, nil
}

func (e *extractorPG) EstimateTableRows(ctx context.Context, table Table, p ExtractionParams) (int, error) {
	query, args, err := buildTableQuery(table, p)
	if err != nil {
		return 0, err
	}
	var count int
	if err := e.pool.QueryRow(ctx, `SELECT COUNT(*) FROM (`+query+`) candidates`, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("estimate table %s: %w", table, err)
	}
	return count, nil
}

func (e *extractorPG) ExtractTable(ctx context.Context, table Table, p ExtractionParams) ([]deid.Row, time.Time, error) {
	query, args, err := buildTableQuery(table, p)
	if err != nil {
		return nil, time.Time{}, err
	}
	query += ` ORDER BY updated_at ASC`

	rows, err := e.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("extract table %s: %w", table, err)
	}
	defer rows.Close()

	out, err := collectRows(rows)
	if err != nil {
		return nil, time.Time{}, err
	}

	var maxTS time.Time
	for _, r := range out {
		if ts, ok := r["updated_at"].(time.Time); ok && ts.After(maxTS) {
			maxTS = ts
		}
	}
	return out, maxTS, nil
}

// collectRows turns a pgx rowset into generic extraction rows keyed by the
// query's output column names.
func collectRows(rows pgx.Rows) ([]deid.Row, error) {
	fields := rows.FieldDescriptions()
	var out []deid.Row
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("read row values: %w", err)
		}
		row := make(deid.Row, len(fields))
		for i, fd := range fields {
			row[string(fd.Name)] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
