package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/easel-dev/easel/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeTestJob(state string) *model.Job {
	now := time.Now().UTC().Truncate(time.Second)
	finished := now.Add(2 * time.Second)
	duration := 2000
	j := &model.Job{
		ID:          model.NewJobID(),
		WorkflowID:  "txt2img",
		SessionID:   model.NewSessionID(),
		State:       state,
		Bindings:    map[string]any{"2": "a castle", "3": float64(7)},
		OutputID:    model.NewOutputID(),
		SubmittedAt: now,
	}
	if model.Terminal(state) {
		j.FinishedAt = &finished
		j.DurationMS = &duration
	}
	return j
}

func TestArchiveAndGetJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	j := makeTestJob(model.StateCompleted)
	j.Result = []byte{0x89, 'P', 'N', 'G'}
	j.ResultFormat = model.FormatPNG

	if err := s.ArchiveJob(ctx, j); err != nil {
		t.Fatalf("ArchiveJob: %v", err)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.ID != j.ID {
		t.Errorf("ID = %q, want %q", got.ID, j.ID)
	}
	if got.State != model.StateCompleted {
		t.Errorf("State = %q, want %q", got.State, model.StateCompleted)
	}
	if got.WorkflowID != j.WorkflowID || got.SessionID != j.SessionID {
		t.Errorf("identity fields = %q/%q, want %q/%q", got.WorkflowID, got.SessionID, j.WorkflowID, j.SessionID)
	}
	if string(got.Result) != string(j.Result) || got.ResultFormat != model.FormatPNG {
		t.Errorf("result = %v format %d, want %v format %d", got.Result, got.ResultFormat, j.Result, model.FormatPNG)
	}
	if got.Bindings["2"] != "a castle" || got.Bindings["3"] != float64(7) {
		t.Errorf("bindings = %v, want original bindings", got.Bindings)
	}
	if got.DurationMS == nil || *got.DurationMS != 2000 {
		t.Errorf("DurationMS = %v, want 2000", got.DurationMS)
	}
	if got.FinishedAt == nil || !got.FinishedAt.Equal(*j.FinishedAt) {
		t.Errorf("FinishedAt = %v, want %v", got.FinishedAt, j.FinishedAt)
	}
}

func TestGetJobNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetJob(context.Background(), "nonexistent")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetJob error = %v, want ErrNotFound", err)
	}
}

func TestArchiveJobReplaces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	j := makeTestJob(model.StateFailed)
	j.FailureKind = model.FailureEngineError
	j.Error = "node exploded"

	if err := s.ArchiveJob(ctx, j); err != nil {
		t.Fatalf("first ArchiveJob: %v", err)
	}

	j.State = model.StateCompleted
	j.FailureKind = ""
	j.Error = ""
	if err := s.ArchiveJob(ctx, j); err != nil {
		t.Fatalf("second ArchiveJob: %v", err)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.State != model.StateCompleted || got.Error != "" {
		t.Errorf("replacement not applied: state=%q error=%q", got.State, got.Error)
	}

	_, total, err := s.ListJobs(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if total != 1 {
		t.Errorf("total after replace = %d, want 1", total)
	}
}

func TestListJobsPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 5; i++ {
		j := makeTestJob(model.StateCompleted)
		j.SubmittedAt = base.Add(time.Duration(i) * time.Second)
		if err := s.ArchiveJob(ctx, j); err != nil {
			t.Fatalf("ArchiveJob %d: %v", i, err)
		}
	}

	jobs, total, err := s.ListJobs(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(jobs) != 2 {
		t.Fatalf("page size = %d, want 2", len(jobs))
	}
	// Newest first.
	if !jobs[0].SubmittedAt.After(jobs[1].SubmittedAt) {
		t.Errorf("jobs not ordered newest-first: %v then %v", jobs[0].SubmittedAt, jobs[1].SubmittedAt)
	}

	rest, _, err := s.ListJobs(ctx, 10, 2)
	if err != nil {
		t.Fatalf("ListJobs offset: %v", err)
	}
	if len(rest) != 3 {
		t.Errorf("offset page size = %d, want 3", len(rest))
	}
}

func TestGetJobStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	durations := []int{1000, 3000}
	for i, state := range []string{model.StateCompleted, model.StateCompleted} {
		j := makeTestJob(state)
		j.DurationMS = &durations[i]
		if err := s.ArchiveJob(ctx, j); err != nil {
			t.Fatalf("ArchiveJob: %v", err)
		}
	}
	failed := makeTestJob(model.StateFailed)
	failed.DurationMS = nil
	if err := s.ArchiveJob(ctx, failed); err != nil {
		t.Fatalf("ArchiveJob failed job: %v", err)
	}

	stats, err := s.GetJobStats(ctx)
	if err != nil {
		t.Fatalf("GetJobStats: %v", err)
	}
	if stats.Total != 3 {
		t.Errorf("Total = %d, want 3", stats.Total)
	}
	if stats.CountByState[model.StateCompleted] != 2 || stats.CountByState[model.StateFailed] != 1 {
		t.Errorf("CountByState = %v", stats.CountByState)
	}
	if stats.AvgDurationMS != 2000 {
		t.Errorf("AvgDurationMS = %v, want 2000", stats.AvgDurationMS)
	}
}

func TestGetJobStatsEmpty(t *testing.T) {
	s := newTestStore(t)

	stats, err := s.GetJobStats(context.Background())
	if err != nil {
		t.Fatalf("GetJobStats: %v", err)
	}
	if stats.Total != 0 || stats.AvgDurationMS != 0 {
		t.Errorf("empty stats = %+v, want zeros", stats)
	}
}

func TestPrepLedger(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	fp := "d41d8cd98f00b204e9800998ecf8427e"

	installed, err := s.PrepInstalled(ctx, fp)
	if err != nil {
		t.Fatalf("PrepInstalled: %v", err)
	}
	if installed {
		t.Error("unknown fingerprint reported installed")
	}

	if err := s.SetPrepInstalled(ctx, fp, true); err != nil {
		t.Fatalf("SetPrepInstalled: %v", err)
	}
	installed, err = s.PrepInstalled(ctx, fp)
	if err != nil {
		t.Fatalf("PrepInstalled after set: %v", err)
	}
	if !installed {
		t.Error("fingerprint not reported installed after set")
	}

	// A failed install is recorded but not treated as installed.
	if err := s.SetPrepInstalled(ctx, fp, false); err != nil {
		t.Fatalf("SetPrepInstalled false: %v", err)
	}
	installed, err = s.PrepInstalled(ctx, fp)
	if err != nil {
		t.Fatalf("PrepInstalled after reset: %v", err)
	}
	if installed {
		t.Error("fingerprint reported installed after failure record")
	}
}

func TestListJobsEmptyArchive(t *testing.T) {
	s := newTestStore(t)

	jobs, total, err := s.ListJobs(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if total != 0 || len(jobs) != 0 {
		t.Errorf("empty archive returned %d jobs, total %d", len(jobs), total)
	}
}

func TestConcurrentArchive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const n = 10
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			j := makeTestJob(model.StateCompleted)
			j.WorkflowID = fmt.Sprintf("wf-%d", i)
			errs <- s.ArchiveJob(ctx, j)
		}(i)
	}
	for i := 0; i < n; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("concurrent ArchiveJob: %v", err)
		}
	}

	_, total, err := s.ListJobs(ctx, 100, 0)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if total != n {
		t.Errorf("total = %d, want %d", total, n)
	}
}
