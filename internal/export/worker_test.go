package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinex/clinex/internal/deid"
	"github.com/clinex/clinex/internal/platform/artifact"
	"github.com/clinex/clinex/internal/platform/queue"
)

var workerKey = []byte("0123456789abcdef0123456789abcdef")

func testWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Queue:            "exports:research",
		Concurrency:      1,
		SignedURLTTL:     48 * time.Hour,
		ExportPeriodDays: 365,
	}
}

func newTestWorker(repo JobRepository, ex Extractor, store artifact.Store, wm WatermarkStore) *Worker {
	q := queue.NewMemory(queue.DefaultConfig())
	return NewWorker(repo, ex, store, wm, nil, q, workerKey, testWorkerConfig(), zerolog.Nop())
}

func payloadFor(t *testing.T, jobID uuid.UUID) []byte {
	t.Helper()
	body, err := json.Marshal(jobPayload{JobID: jobID})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return body
}

func seedJob(t *testing.T, repo *mockJobRepo, kind Kind, format Format) *Job {
	t.Helper()
	job := NewJob(kind, "user-1", uuid.New(), TriggerRequest{Format: format})
	if err := repo.Create(context.Background(), job); err != nil {
		t.Fatalf("seed job: %v", err)
	}
	return job
}

func TestWorkerCompletesResearchJob(t *testing.T) {
	patientA := uuid.New()
	patientB := uuid.New()
	birthA := time.Date(1990, 4, 12, 0, 0, 0, 0, time.UTC)
	birthB := time.Date(1975, 11, 2, 0, 0, 0, 0, time.UTC)

	ex := &mockExtractor{rows: []deid.Row{
		{"patient_id": patientA, "birth_date": birthA, "first_name": "Ada", "mood_score": 7, "gender": "female"},
		{"patient_id": patientA, "birth_date": birthA, "first_name": "Ada", "mood_score": 5, "gender": "female"},
		{"patient_id": patientB, "birth_date": birthB, "first_name": "Grace", "mood_score": 9, "gender": "female"},
	}}
	repo := newMockJobRepo()
	store := artifact.NewMemory(48 * time.Hour)
	w := newTestWorker(repo, ex, store, NewMemoryWatermarks())

	job := seedJob(t, repo, KindResearch, FormatCSV)
	outcome := w.Process(context.Background(), payloadFor(t, job.ID))
	if outcome != OutcomeCompleted {
		t.Fatalf("outcome = %v, want completed", outcome)
	}

	got, err := repo.GetByID(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.RecordCount == nil || *got.RecordCount != 3 {
		t.Errorf("record count = %v, want 3", got.RecordCount)
	}
	if got.FileURL == nil || *got.FileURL == "" {
		t.Fatal("file url not set")
	}
	if got.ExpiresAt == nil || got.CompletedAt == nil || got.DeidentifiedAt == nil {
		t.Fatal("completion fields not written together")
	}
	ttl := got.ExpiresAt.Sub(*got.CompletedAt)
	if ttl < 47*time.Hour || ttl > 49*time.Hour {
		t.Errorf("signed url ttl = %v, want about 48h", ttl)
	}

	data, err := store.Fetch(*got.FileURL)
	if err != nil {
		t.Fatalf("fetch artifact: %v", err)
	}
	if strings.Contains(string(data), "Ada") || strings.Contains(string(data), "Grace") {
		t.Error("artifact leaks patient names")
	}
	if strings.Contains(string(data), patientA.String()) {
		t.Error("artifact leaks source patient id")
	}

	records, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		t.Fatalf("artifact is not valid csv: %v", err)
	}
	if len(records) != 4 {
		t.Fatalf("expected header + 3 rows, got %d", len(records))
	}
	header := records[0]
	col := func(name string) int {
		for i, h := range header {
			if h == name {
				return i
			}
		}
		t.Fatalf("column %q missing from header %v", name, header)
		return -1
	}
	pseudoCol := col("pseudonym")
	if records[1][pseudoCol] != records[2][pseudoCol] {
		t.Error("same patient must map to the same pseudonym")
	}
	if records[1][pseudoCol] == records[3][pseudoCol] {
		t.Error("different patients must map to different pseudonyms")
	}
	bandCol := col("age_band")
	if records[1][bandCol] == "" || records[3][bandCol] == "" {
		t.Error("age bands missing")
	}
}

func TestWorkerRetryableFailureThenSuccess(t *testing.T) {
	patient := uuid.New()
	ex := &mockExtractor{rows: []deid.Row{
		{"patient_id": patient, "birth_date": time.Date(1990, 1, 1, 0, 0, 0, 0, time.UTC), "mood_score": 6},
	}}
	repo := newMockJobRepo()
	store := &flakyStore{inner: artifact.NewMemory(48 * time.Hour), failures: 1}
	w := newTestWorker(repo, ex, store, NewMemoryWatermarks())

	job := seedJob(t, repo, KindResearch, FormatNDJSON)
	body := payloadFor(t, job.ID)

	if outcome := w.Process(context.Background(), body); outcome != OutcomeRetryable {
		t.Fatalf("first attempt outcome = %v, want retryable", outcome)
	}
	got, _ := repo.GetByID(context.Background(), job.ID)
	if got.Status != StatusFailed {
		t.Fatalf("status after failed attempt = %s, want failed", got.Status)
	}
	if got.ErrorMessage == nil || !strings.Contains(*got.ErrorMessage, "upload") {
		t.Errorf("error message = %v", got.ErrorMessage)
	}

	// Redelivery: the failed job re-enters processing and completes.
	if outcome := w.Process(context.Background(), body); outcome != OutcomeCompleted {
		t.Fatalf("second attempt outcome = %v, want completed", outcome)
	}
	got, _ = repo.GetByID(context.Background(), job.ID)
	if got.Status != StatusCompleted {
		t.Fatalf("status after retry = %s, want completed", got.Status)
	}
	if got.ErrorMessage != nil {
		t.Errorf("error message should clear on retry, got %q", *got.ErrorMessage)
	}
}

func TestWorkerOMOPAdvancesWatermarks(t *testing.T) {
	patient := uuid.New()
	birth := time.Date(1980, 6, 1, 0, 0, 0, 0, time.UTC)
	base := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)

	tableRows := make(map[Table][]deid.Row, len(SourceTables))
	tableTS := make(map[Table]time.Time, len(SourceTables))
	for i, table := range SourceTables {
		ts := base.Add(time.Duration(i) * time.Hour)
		tableRows[table] = []deid.Row{
			{"patient_id": patient, "birth_date": birth, "updated_at": ts},
		}
		tableTS[table] = ts
	}
	ex := &mockExtractor{tableRows: tableRows, tableTS: tableTS}
	repo := newMockJobRepo()
	wm := NewMemoryWatermarks()
	w := newTestWorker(repo, ex, artifact.NewMemory(48*time.Hour), wm)

	job := seedJob(t, repo, KindOMOP, FormatNDJSON)
	if outcome := w.Process(context.Background(), payloadFor(t, job.ID)); outcome != OutcomeCompleted {
		t.Fatalf("outcome = %v, want completed", outcome)
	}

	got, _ := repo.GetByID(context.Background(), job.ID)
	if got.RecordCount == nil || *got.RecordCount != len(SourceTables) {
		t.Errorf("record count = %v, want %d", got.RecordCount, len(SourceTables))
	}

	// Extraction started from the epoch for every table.
	epoch := time.Unix(0, 0).UTC()
	for _, table := range SourceTables {
		if !ex.afters[table].Equal(epoch) {
			t.Errorf("%s extracted after %v, want epoch", table, ex.afters[table])
		}
	}

	// Watermarks advanced to the max timestamp each table produced.
	marks, _ := wm.Read(context.Background())
	for _, table := range SourceTables {
		if !marks[table].Equal(tableTS[table]) {
			t.Errorf("%s watermark = %v, want %v", table, marks[table], tableTS[table])
		}
	}
}

func TestWorkerOMOPTagsRecordType(t *testing.T) {
	patient := uuid.New()
	birth := time.Date(1980, 6, 1, 0, 0, 0, 0, time.UTC)
	ts := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)

	ex := &mockExtractor{
		tableRows: map[Table][]deid.Row{
			TableAssessments: {{"patient_id": patient, "birth_date": birth, "assessment_type": "phq9", "updated_at": ts}},
		},
		tableTS: map[Table]time.Time{TableAssessments: ts},
	}
	repo := newMockJobRepo()
	store := artifact.NewMemory(48 * time.Hour)
	w := newTestWorker(repo, ex, store, NewMemoryWatermarks())

	job := seedJob(t, repo, KindOMOP, FormatNDJSON)
	if outcome := w.Process(context.Background(), payloadFor(t, job.ID)); outcome != OutcomeCompleted {
		t.Fatalf("outcome = %v, want completed", outcome)
	}

	got, _ := repo.GetByID(context.Background(), job.ID)
	data, err := store.Fetch(*got.FileURL)
	if err != nil {
		t.Fatalf("fetch artifact: %v", err)
	}
	var row map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(data), &row); err != nil {
		t.Fatalf("decode artifact row: %v", err)
	}
	if row["record_type"] != "assessments" {
		t.Errorf("record_type = %v, want assessments", row["record_type"])
	}
	if row["assessment_type"] != "phq9" {
		t.Errorf("assessment_type = %v", row["assessment_type"])
	}
	if _, leaked := row["updated_at"]; leaked {
		t.Error("raw source timestamp leaked into artifact")
	}
}

func TestWorkerFatalOutcomes(t *testing.T) {
	repo := newMockJobRepo()
	w := newTestWorker(repo, &mockExtractor{}, artifact.NewMemory(48*time.Hour), NewMemoryWatermarks())

	if outcome := w.Process(context.Background(), []byte("{not json")); outcome != OutcomeFatal {
		t.Errorf("undecodable payload outcome = %v, want fatal", outcome)
	}
	if outcome := w.Process(context.Background(), payloadFor(t, uuid.New())); outcome != OutcomeFatal {
		t.Errorf("unknown job outcome = %v, want fatal", outcome)
	}
}

func TestWorkerDuplicateDeliveryOfCompletedJob(t *testing.T) {
	patient := uuid.New()
	ex := &mockExtractor{rows: []deid.Row{
		{"patient_id": patient, "birth_date": time.Date(1990, 1, 1, 0, 0, 0, 0, time.UTC), "mood_score": 6},
	}}
	repo := newMockJobRepo()
	w := newTestWorker(repo, ex, artifact.NewMemory(48*time.Hour), NewMemoryWatermarks())

	job := seedJob(t, repo, KindResearch, FormatCSV)
	body := payloadFor(t, job.ID)

	if outcome := w.Process(context.Background(), body); outcome != OutcomeCompleted {
		t.Fatal("first delivery should complete")
	}
	first, _ := repo.GetByID(context.Background(), job.ID)

	if outcome := w.Process(context.Background(), body); outcome != OutcomeCompleted {
		t.Fatal("duplicate delivery should ack, not fail")
	}
	second, _ := repo.GetByID(context.Background(), job.ID)
	if *first.FileURL != *second.FileURL || !first.CompletedAt.Equal(*second.CompletedAt) {
		t.Error("duplicate delivery must not rewrite a completed job")
	}
}

func TestWorkerHonoursCohortFilter(t *testing.T) {
	cohortIDs := []uuid.UUID{uuid.New(), uuid.New()}
	ex := &mockExtractor{}
	repo := newMockJobRepo()
	q := queue.NewMemory(queue.DefaultConfig())
	w := NewWorker(repo, ex, artifact.NewMemory(48*time.Hour), NewMemoryWatermarks(),
		&mockCohortResolver{ids: cohortIDs}, q, workerKey, testWorkerConfig(), zerolog.Nop())

	job := NewJob(KindResearch, "user-1", uuid.New(), TriggerRequest{
		Format:     FormatCSV,
		FilterExpr: "risk_level >= high",
	})
	if err := repo.Create(context.Background(), job); err != nil {
		t.Fatalf("seed job: %v", err)
	}

	if outcome := w.Process(context.Background(), payloadFor(t, job.ID)); outcome != OutcomeCompleted {
		t.Fatalf("outcome = %v, want completed", outcome)
	}
	if len(ex.lastSeen.PatientIDs) != 2 {
		t.Fatalf("extractor saw %d cohort ids, want 2", len(ex.lastSeen.PatientIDs))
	}
}

func TestWorkerFailsJobWhenCohortUnresolvable(t *testing.T) {
	repo := newMockJobRepo()
	q := queue.NewMemory(queue.DefaultConfig())
	w := NewWorker(repo, &mockExtractor{}, artifact.NewMemory(48*time.Hour), NewMemoryWatermarks(),
		nil, q, workerKey, testWorkerConfig(), zerolog.Nop())

	job := NewJob(KindResearch, "user-1", uuid.New(), TriggerRequest{
		Format:     FormatCSV,
		FilterExpr: "risk_level >= high",
	})
	if err := repo.Create(context.Background(), job); err != nil {
		t.Fatalf("seed job: %v", err)
	}

	if outcome := w.Process(context.Background(), payloadFor(t, job.ID)); outcome != OutcomeRetryable {
		t.Fatalf("outcome = %v, want retryable", outcome)
	}
	got, _ := repo.GetByID(context.Background(), job.ID)
	if got.Status != StatusFailed || got.ErrorMessage == nil {
		t.Errorf("job = %+v, want failed with message", got)
	}
}

// failingQueue counts dequeue attempts and always errors.
type failingQueue struct {
	queue.Queue
	mu    sync.Mutex
	calls int
}

func (q *failingQueue) Dequeue(context.Context, string) (*queue.Message, error) {
	q.mu.Lock()
	q.calls++
	q.mu.Unlock()
	return nil, fmt.Errorf("broker unavailable")
}

func TestWorkerBacksOffWhenDequeueFails(t *testing.T) {
	q := &failingQueue{}
	repo := newMockJobRepo()
	w := NewWorker(repo, &mockExtractor{}, artifact.NewMemory(48*time.Hour), NewMemoryWatermarks(),
		nil, q, workerKey, testWorkerConfig(), zerolog.Nop())
	w.dequeueWait = 25 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	w.consume(ctx)

	q.mu.Lock()
	calls := q.calls
	q.mu.Unlock()
	// ~120ms at 25ms per retry; a hot loop would rack up thousands.
	if calls > 10 {
		t.Fatalf("dequeue retried %d times in 120ms; consume is not backing off", calls)
	}
	if calls < 2 {
		t.Fatalf("expected consume to keep retrying, got %d attempts", calls)
	}
}
