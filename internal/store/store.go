package store

import (
	"context"

	"github.com/easel-dev/easel/internal/model"
)

// JobStats holds aggregate statistics over the job archive.
type JobStats struct {
	Total         int            `json:"total"`
	CountByState  map[string]int `json:"count_by_state"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for the job archive and the
// engine dependency-preparation ledger.
type Store interface {
	ArchiveJob(ctx context.Context, j *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, limit, offset int) ([]*model.Job, int, error)
	GetJobStats(ctx context.Context) (*JobStats, error)
	PrepInstalled(ctx context.Context, fingerprint string) (bool, error)
	SetPrepInstalled(ctx context.Context, fingerprint string, installed bool) error
	Close() error
}
