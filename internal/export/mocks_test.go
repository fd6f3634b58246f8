package export

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clinex/clinex/internal/deid"
	"github.com/clinex/clinex/internal/platform/artifact"
)

// ── Mock Job Repository ──

// mockJobRepo enforces the same transition rules as the SQL implementation so
// worker tests exercise the real state machine.
type mockJobRepo struct {
	mu   sync.Mutex
	data map[uuid.UUID]*Job
}

func newMockJobRepo() *mockJobRepo {
	return &mockJobRepo{data: make(map[uuid.UUID]*Job)}
}

func (m *mockJobRepo) Create(_ context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	m.data[job.ID] = &cp
	return nil
}

func (m *mockJobRepo) GetByID(_ context.Context, id uuid.UUID) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.data[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

func (m *mockJobRepo) GetForOrg(_ context.Context, id, orgID uuid.UUID) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.data[id]
	if !ok || job.OrganisationID != orgID {
		return nil, ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

func (m *mockJobRepo) List(_ context.Context, orgID uuid.UUID, status Status, limit, offset int) ([]*Job, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Job
	for _, job := range m.data {
		if job.OrganisationID != orgID {
			continue
		}
		if status != "" && job.Status != status {
			continue
		}
		cp := *job
		out = append(out, &cp)
	}
	return out, len(out), nil
}

func (m *mockJobRepo) MarkProcessing(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.data[id]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status != StatusProcessing && !CanTransition(job.Status, StatusProcessing) {
		return ErrIllegalTransition
	}
	job.Status = StatusProcessing
	now := time.Now().UTC()
	job.ProcessingAt = &now
	job.ErrorMessage = nil
	return nil
}

func (m *mockJobRepo) MarkCompleted(_ context.Context, id uuid.UUID, c Completion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.data[id]
	if !ok {
		return ErrJobNotFound
	}
	if !CanTransition(job.Status, StatusCompleted) {
		return ErrIllegalTransition
	}
	job.Status = StatusCompleted
	job.RecordCount = &c.RecordCount
	job.FileURL = &c.FileURL
	job.FileSizeBytes = &c.FileSizeBytes
	job.ExpiresAt = &c.ExpiresAt
	job.DeidentifiedAt = &c.DeidentifiedAt
	job.CompletedAt = &c.CompletedAt
	return nil
}

func (m *mockJobRepo) MarkFailed(_ context.Context, id uuid.UUID, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.data[id]
	if !ok {
		return ErrJobNotFound
	}
	if !CanTransition(job.Status, StatusFailed) {
		return ErrIllegalTransition
	}
	job.Status = StatusFailed
	job.ErrorMessage = &message
	return nil
}

func (m *mockJobRepo) ListStaleProcessing(_ context.Context, olderThan time.Duration) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().UTC().Add(-olderThan)
	var out []*Job
	for _, job := range m.data {
		if job.Status == StatusProcessing && job.ProcessingAt != nil && job.ProcessingAt.Before(cutoff) {
			cp := *job
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ── Mock Extractor ──

type mockExtractor struct {
	rows      []deid.Row
	tableRows map[Table][]deid.Row
	tableTS   map[Table]time.Time
	err       error

	mu       sync.Mutex
	lastSeen ExtractionParams
	afters   map[Table]time.Time
}

func (m *mockExtractor) EstimateRows(_ context.Context, p ExtractionParams) (int, error) {
	if m.err != nil {
		return 0, m.err
	}
	return len(m.rows), nil
}

func (m *mockExtractor) EstimateTableRows(_ context.Context, table Table, p ExtractionParams) (int, error) {
	if m.err != nil {
		return 0, m.err
	}
	return len(m.tableRows[table]), nil
}

func (m *mockExtractor) Extract(_ context.Context, p ExtractionParams) ([]deid.Row, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.mu.Lock()
	m.lastSeen = p
	m.mu.Unlock()
	return m.rows, nil
}

func (m *mockExtractor) ExtractTable(_ context.Context, table Table, p ExtractionParams) ([]deid.Row, time.Time, error) {
	if m.err != nil {
		return nil, time.Time{}, m.err
	}
	m.mu.Lock()
	if m.afters == nil {
		m.afters = make(map[Table]time.Time)
	}
	m.afters[table] = p.After
	m.mu.Unlock()
	return m.tableRows[table], m.tableTS[table], nil
}

// ── Mock Cohort Resolver ──

type mockCohortResolver struct {
	ids []uuid.UUID
	err error
}

func (m *mockCohortResolver) Resolve(_ context.Context, _ uuid.UUID, _ string) ([]uuid.UUID, error) {
	return m.ids, m.err
}

// ── Flaky Artifact Store ──

// flakyStore fails the first n puts, then delegates. Used to drive the
// fail-then-retry path.
type flakyStore struct {
	inner    artifact.Store
	mu       sync.Mutex
	failures int
	puts     int
}

func (f *flakyStore) Put(ctx context.Context, path string, data []byte, contentType string) (*artifact.Object, error) {
	f.mu.Lock()
	f.puts++
	fail := f.puts <= f.failures
	f.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("simulated upload outage")
	}
	return f.inner.Put(ctx, path, data, contentType)
}
