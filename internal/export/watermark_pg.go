package export

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// watermarksPG stores the high-water marks in a singleton row of the
// export_watermarks table (one timestamptz column per source table).
type watermarksPG struct {
	pool *pgxpool.Pool
}

// NewWatermarksPG returns a WatermarkStore backed by PostgreSQL.
func NewWatermarksPG(pool *pgxpool.Pool) WatermarkStore {
	return &watermarksPG{pool: pool}
}

func (s *watermarksPG) Read(ctx context.Context) (map[Table]time.Time, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT patients, daily_entries, assessments, medications,
		       diagnoses, appointments, passive_health, journal_entries
		FROM export_watermarks WHERE id = 1`)

	marks := make([]time.Time, len(SourceTables))
	dests := make([]interface{}, len(marks))
	for i := range marks {
		dests[i] = &marks[i]
	}
	if err := row.Scan(dests...); err != nil {
		return nil, fmt.Errorf("read watermarks: %w", err)
	}

	out := make(map[Table]time.Time, len(SourceTables))
	for i, t := range SourceTables {
		out[t] = marks[i].UTC()
	}
	return out, nil
}

// Advance uses GREATEST inside a single UPDATE so the read-modify-write is
// atomic: two overlapping runs touching the same table cannot interleave and
// regress the watermark.
func (s *watermarksPG) Advance(ctx context.Context, table Table, ts time.Time) (time.Time, error) {
	if !ValidTable(table) {
		return time.Time{}, fmt.Errorf("unknown source table: %s", table)
	}
	// Column name comes from the closed SourceTables set, never from input.
	query := fmt.Sprintf(
		`UPDATE export_watermarks SET %s = GREATEST(%s, $1) WHERE id = 1 RETURNING %s`,
		table, table, table)

	var effective time.Time
	if err := s.pool.QueryRow(ctx, query, ts.UTC()).Scan(&effective); err != nil {
		return time.Time{}, fmt.Errorf("advance watermark %s: %w", table, err)
	}
	return effective.UTC(), nil
}

func (s *watermarksPG) ResetAll(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE export_watermarks SET
			patients = 'epoch', daily_entries = 'epoch', assessments = 'epoch',
			medications = 'epoch', diagnoses = 'epoch', appointments = 'epoch',
			passive_health = 'epoch', journal_entries = 'epoch'
		WHERE id = 1`)
	if err != nil {
		return fmt.Errorf("reset watermarks: %w", err)
	}
	return nil
}
