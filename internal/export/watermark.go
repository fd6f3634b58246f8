package export

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Table names a source table tracked by the incremental export watermarks.
type Table string

const (
	TablePatients       Table = "patients"
	TableDailyEntries   Table = "daily_entries"
	TableAssessments    Table = "assessments"
	TableMedications    Table = "medications"
	TableDiagnoses      Table = "diagnoses"
	TableAppointments   Table = "appointments"
	TablePassiveHealth  Table = "passive_health"
	TableJournalEntries Table = "journal_entries"
)

// SourceTables lists every table the OMOP export covers, in export order.
var SourceTables = []Table{
	TablePatients,
	TableDailyEntries,
	TableAssessments,
	TableMedications,
	TableDiagnoses,
	TableAppointments,
	TablePassiveHealth,
	TableJournalEntries,
}

var knownTables = func() map[Table]bool {
	m := make(map[Table]bool, len(SourceTables))
	for _, t := range SourceTables {
		m[t] = true
	}
	return m
}()

// ValidTable reports whether t is a tracked source table.
func ValidTable(t Table) bool { return knownTables[t] }

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

// MemoryWatermarks is a thread-safe in-memory WatermarkStore for testing and
// development. All tables start at the epoch.
type MemoryWatermarks struct {
	mu    sync.Mutex
	marks map[Table]time.Time
}

// NewMemoryWatermarks returns a store with every table at the epoch.
func NewMemoryWatermarks() *MemoryWatermarks {
	s := &MemoryWatermarks{marks: make(map[Table]time.Time, len(SourceTables))}
	for _, t := range SourceTables {
		s.marks[t] = time.Unix(0, 0).UTC()
	}
	return s
}

func (s *MemoryWatermarks) Read(_ context.Context) (map[Table]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[Table]time.Time, len(s.marks))
	for t, ts := range s.marks {
		out[t] = ts
	}
	return out, nil
}

func (s *MemoryWatermarks) Advance(_ context.Context, table Table, ts time.Time) (time.Time, error) {
	if !ValidTable(table) {
		return time.Time{}, fmt.Errorf("unknown source table: %s", table)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ts.After(s.marks[table]) {
		s.marks[table] = ts.UTC()
	}
	return s.marks[table], nil
}

func (s *MemoryWatermarks) ResetAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range SourceTables {
		s.marks[t] = time.Unix(0, 0).UTC()
	}
	return nil
}
