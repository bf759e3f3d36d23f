package fiscal

import (
	"context"
	"fmt"
	"time"

	"github.com/erp/fiscal/internal/domain/fiscal"
	"github.com/erp/fiscal/internal/domain/shared"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrJobNotFound indicates the requested job does not exist
var ErrJobNotFound = shared.NewDomainError("JOB_NOT_FOUND", "Job not found")

// JobDTO is the operator-facing view of a queued job
type JobDTO struct {
	ID           uuid.UUID `json:"id"`
	TenantID     uuid.UUID `json:"tenant_id"`
	JobType      string    `json:"job_type"`
	Status       string    `json:"status"`
	Attempts     int       `json:"attempts"`
	MaxAttempts  int       `json:"max_attempts"`
	LastError    string    `json:"last_error,omitempty"`
	ScheduledFor time.Time `json:"scheduled_for"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// JobStatsDTO aggregates queue depth per status
type JobStatsDTO struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Total      int64 `json:"total"`
}

// JobService exposes queue observability and the manual re-trigger for
// terminally failed jobs
type JobService struct {
	jobs   fiscal.JobRepository
	logger *zap.Logger
}

// NewJobService creates a job service
func NewJobService(jobs fiscal.JobRepository, logger *zap.Logger) *JobService {
	return &JobService{jobs: jobs, logger: logger}
}

// ListFailed returns terminally failed jobs, newest first
func (s *JobService) ListFailed(ctx context.Context, page, pageSize int) ([]JobDTO, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	jobs, total, err := s.jobs.ListFailed(ctx, page, pageSize)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list failed jobs: %w", err)
	}

	dtos := make([]JobDTO, len(jobs))
	for i, job := range jobs {
		dtos[i] = toJobDTO(&job)
	}
	return dtos, total, nil
}

// Stats returns queue depth grouped by status
func (s *JobService) Stats(ctx context.Context) (*JobStatsDTO, error) {
	counts, err := s.jobs.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}

	stats := &JobStatsDTO{
		Pending:    counts[fiscal.JobStatusPending],
		Processing: counts[fiscal.JobStatusProcessing],
		Completed:  counts[fiscal.JobStatusCompleted],
		Failed:     counts[fiscal.JobStatusFailed],
	}
	stats.Total = stats.Pending + stats.Processing + stats.Completed + stats.Failed
	return stats, nil
}

// Retry re-enqueues a terminally failed job with a fresh attempt budget
func (s *JobService) Retry(ctx context.Context, jobID uuid.UUID) (*JobDTO, error) {
	job, err := s.jobs.FindByID(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to find job: %w", err)
	}
	if job == nil {
		return nil, ErrJobNotFound
	}

	if err := job.ResetForRetry(); err != nil {
		return nil, err
	}
	if err := s.jobs.Update(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to update job: %w", err)
	}

	s.logger.Info("Failed job re-enqueued",
		zap.String("job_id", job.ID.String()),
		zap.String("job_type", string(job.JobType)))

	dto := toJobDTO(job)
	return &dto, nil
}

func toJobDTO(job *fiscal.Job) JobDTO {
	return JobDTO{
		ID:           job.ID,
		TenantID:     job.TenantID,
		JobType:      string(job.JobType),
		Status:       string(job.Status),
		Attempts:     job.Attempts,
		MaxAttempts:  job.MaxAttempts,
		LastError:    job.LastError,
		ScheduledFor: job.ScheduledFor,
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
	}
}
