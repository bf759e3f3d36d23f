package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/erp/fiscal/internal/domain/fiscal"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormJobRepository implements fiscal.JobRepository using GORM
type GormJobRepository struct {
	db *gorm.DB
}

// NewGormJobRepository creates a new GormJobRepository
func NewGormJobRepository(db *gorm.DB) *GormJobRepository {
	return &GormJobRepository{db: db}
}

// Enqueue inserts a new job
func (r *GormJobRepository) Enqueue(ctx context.Context, job *fiscal.Job) error {
	return r.db.WithContext(ctx).Create(job).Error
}

// ClaimNextEligible atomically claims one pending, due job. The row is
// selected under FOR UPDATE SKIP LOCKED and flipped to processing in the
// same transaction, so concurrent workers never receive the same job:
// a row locked by one worker is invisible to the others.
func (r *GormJobRepository) ClaimNextEligible(ctx context.Context, types []fiscal.JobType, now time.Time) (*fiscal.Job, error) {
	var job fiscal.Job
	claimed := false

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.
			Clauses(clause.Locking{
				Strength: "UPDATE",
				Options:  "SKIP LOCKED",
			}).
			Where("job_type IN ? AND status = ? AND scheduled_for <= ?",
				types, fiscal.JobStatusPending, now).
			Order("scheduled_for ASC").
			First(&job).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}

		job.Status = fiscal.JobStatusProcessing
		job.UpdatedAt = time.Now()
		if err := tx.Model(&fiscal.Job{}).
			Where("id = ?", job.ID).
			Updates(map[string]interface{}{
				"status":     fiscal.JobStatusProcessing,
				"updated_at": job.UpdatedAt,
			}).Error; err != nil {
			return err
		}

		claimed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, nil
	}
	return &job, nil
}

// Update persists job state changes
func (r *GormJobRepository) Update(ctx context.Context, job *fiscal.Job) error {
	return r.db.WithContext(ctx).Save(job).Error
}

// FindByID finds a job by ID
func (r *GormJobRepository) FindByID(ctx context.Context, id uuid.UUID) (*fiscal.Job, error) {
	var job fiscal.Job
	if err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &job, nil
}

// ListFailed returns terminally failed jobs, most recent first
func (r *GormJobRepository) ListFailed(ctx context.Context, page, pageSize int) ([]fiscal.Job, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	query := r.db.WithContext(ctx).Model(&fiscal.Job{}).
		Where("status = ?", fiscal.JobStatusFailed)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var jobs []fiscal.Job
	if err := query.
		Order("updated_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&jobs).Error; err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

// CountByStatus returns job counts grouped by status
func (r *GormJobRepository) CountByStatus(ctx context.Context) (map[fiscal.JobStatus]int64, error) {
	type statusCount struct {
		Status fiscal.JobStatus
		Count  int64
	}
	var rows []statusCount
	if err := r.db.WithContext(ctx).Model(&fiscal.Job{}).
		Select("status, COUNT(*) as count").
		Group("status").
		Find(&rows).Error; err != nil {
		return nil, err
	}

	counts := make(map[fiscal.JobStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

// Ensure GormJobRepository implements the interface
var _ fiscal.JobRepository = (*GormJobRepository)(nil)
