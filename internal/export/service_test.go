package export

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinex/clinex/internal/deid"
	"github.com/clinex/clinex/internal/platform/queue"
)

func testServiceConfig() ServiceConfig {
	return ServiceConfig{
		ResearchQueue:    "exports:research",
		OMOPQueue:        "exports:omop",
		ExportPeriodDays: 365,
		StaleAfter:       time.Hour,
	}
}

func newTestService(repo *mockJobRepo, ex *mockExtractor, q queue.Queue) *Service {
	return NewService(repo, ex, q, NewMemoryWatermarks(), testServiceConfig(), zerolog.Nop())
}

func TestTriggerInvalidFormatCreatesNothing(t *testing.T) {
	repo := newMockJobRepo()
	q := queue.NewMemory(queue.DefaultConfig())
	defer q.Close()
	svc := newTestService(repo, &mockExtractor{}, q)

	_, err := svc.Trigger(context.Background(), KindResearch, "user-1", uuid.New(), TriggerRequest{Format: "xlsx"})
	if err == nil {
		t.Fatal("expected validation error")
	}
	if len(repo.data) != 0 {
		t.Error("validation failure must not create a job")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if msg, err := q.Dequeue(ctx, "exports:research"); err == nil {
		t.Errorf("validation failure must not enqueue, got %v", msg)
	}
}

func TestTriggerResearchAcceptsAndEnqueues(t *testing.T) {
	repo := newMockJobRepo()
	ex := &mockExtractor{rows: []deid.Row{{"a": 1}, {"a": 2}, {"a": 3}}}
	q := queue.NewMemory(queue.DefaultConfig())
	defer q.Close()
	svc := newTestService(repo, ex, q)

	orgID := uuid.New()
	resp, err := svc.Trigger(context.Background(), KindResearch, "user-1", orgID, TriggerRequest{Format: FormatCSV})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if resp.Status != StatusPending {
		t.Errorf("status = %s, want pending", resp.Status)
	}
	if resp.EstimatedRows != 3 {
		t.Errorf("estimated rows = %d, want 3", resp.EstimatedRows)
	}
	if resp.DeidentificationMethod != deid.MethodTag {
		t.Errorf("deid method = %q", resp.DeidentificationMethod)
	}

	job, err := repo.GetByID(context.Background(), resp.ID)
	if err != nil {
		t.Fatalf("job row missing: %v", err)
	}
	if job.Status != StatusPending || job.OrganisationID != orgID {
		t.Errorf("job = %+v", job)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := q.Dequeue(ctx, "exports:research")
	if err != nil {
		t.Fatalf("expected queued message: %v", err)
	}
	var payload jobPayload
	if err := json.Unmarshal(msg.Body, &payload); err != nil {
		t.Fatalf("undecodable payload: %v", err)
	}
	if payload.JobID != resp.ID {
		t.Errorf("payload job id = %s, want %s", payload.JobID, resp.ID)
	}
}

func TestTriggerOMOPRoutesToOMOPQueue(t *testing.T) {
	repo := newMockJobRepo()
	q := queue.NewMemory(queue.DefaultConfig())
	defer q.Close()
	svc := newTestService(repo, &mockExtractor{}, q)

	resp, err := svc.Trigger(context.Background(), KindOMOP, "user-1", uuid.New(), TriggerRequest{Format: FormatNDJSON})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := q.Dequeue(ctx, "exports:omop")
	if err != nil {
		t.Fatalf("expected message on omop queue: %v", err)
	}
	var payload jobPayload
	if err := json.Unmarshal(msg.Body, &payload); err != nil || payload.JobID != resp.ID {
		t.Errorf("payload = %s err = %v", msg.Body, err)
	}
}

// brokenQueue fails every enqueue.
type brokenQueue struct{ queue.Queue }

func (brokenQueue) Enqueue(context.Context, string, []byte) (string, error) {
	return "", fmt.Errorf("broker unavailable")
}

func TestTriggerEnqueueFailureLeavesPendingRow(t *testing.T) {
	repo := newMockJobRepo()
	svc := newTestService(repo, &mockExtractor{}, brokenQueue{})

	_, err := svc.Trigger(context.Background(), KindResearch, "user-1", uuid.New(), TriggerRequest{Format: FormatCSV})
	if err == nil {
		t.Fatal("expected enqueue error")
	}
	if len(repo.data) != 1 {
		t.Fatalf("pending row must survive for reconciliation, have %d rows", len(repo.data))
	}
	for _, job := range repo.data {
		if job.Status != StatusPending {
			t.Errorf("surviving row status = %s, want pending", job.Status)
		}
	}
}

func TestTriggerOMOPEstimatesAcrossTables(t *testing.T) {
	repo := newMockJobRepo()
	ex := &mockExtractor{tableRows: map[Table][]deid.Row{
		TablePatients:    {{"a": 1}},
		TableAssessments: {{"a": 1}, {"a": 2}},
		TableMedications: {{"a": 1}, {"a": 2}, {"a": 3}},
	}}
	q := queue.NewMemory(queue.DefaultConfig())
	defer q.Close()
	svc := newTestService(repo, ex, q)

	resp, err := svc.Trigger(context.Background(), KindOMOP, "user-1", uuid.New(), TriggerRequest{Format: FormatNDJSON})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if resp.EstimatedRows != 6 {
		t.Errorf("estimated rows = %d, want 6 (sum across source tables)", resp.EstimatedRows)
	}
}

func TestStaleJobsMeasureFromClaimTime(t *testing.T) {
	repo := newMockJobRepo()
	q := queue.NewMemory(queue.DefaultConfig())
	defer q.Close()
	svc := newTestService(repo, &mockExtractor{}, q)

	// Created hours ago but claimed just now: not stale.
	job := NewJob(KindResearch, "user-1", uuid.New(), TriggerRequest{Format: FormatCSV})
	job.CreatedAt = time.Now().UTC().Add(-3 * time.Hour)
	if err := repo.Create(context.Background(), job); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := repo.MarkProcessing(context.Background(), job.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}

	stale, err := svc.StaleJobs(context.Background())
	if err != nil {
		t.Fatalf("StaleJobs: %v", err)
	}
	if len(stale) != 0 {
		t.Fatalf("job claimed moments ago must not be stale, got %d", len(stale))
	}

	// Claimed past the threshold: stale.
	old := time.Now().UTC().Add(-2 * time.Hour)
	repo.mu.Lock()
	repo.data[job.ID].ProcessingAt = &old
	repo.mu.Unlock()

	stale, err = svc.StaleJobs(context.Background())
	if err != nil {
		t.Fatalf("StaleJobs: %v", err)
	}
	if len(stale) != 1 {
		t.Fatalf("job claimed 2h ago should be stale, got %d", len(stale))
	}
}

func TestGetJobScopedToOrganisation(t *testing.T) {
	repo := newMockJobRepo()
	q := queue.NewMemory(queue.DefaultConfig())
	defer q.Close()
	svc := newTestService(repo, &mockExtractor{}, q)

	orgA := uuid.New()
	resp, err := svc.Trigger(context.Background(), KindResearch, "user-1", orgA, TriggerRequest{Format: FormatCSV})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}

	if _, err := svc.GetJob(context.Background(), resp.ID, orgA); err != nil {
		t.Errorf("owner org should see the job: %v", err)
	}
	if _, err := svc.GetJob(context.Background(), resp.ID, uuid.New()); err != ErrJobNotFound {
		t.Errorf("foreign org should get ErrJobNotFound, got %v", err)
	}
}
