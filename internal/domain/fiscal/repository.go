package fiscal

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EmissionRepository defines persistence for FiscalEmission. Writes go
// through SaveWithLock so a delayed or duplicate job can never regress a
// record that moved on.
type EmissionRepository interface {
	Create(ctx context.Context, emission *FiscalEmission) error
	// SaveWithLock persists the aggregate guarded by its optimistic version;
	// returns shared.ErrConcurrencyConflict on a version mismatch
	SaveWithLock(ctx context.Context, emission *FiscalEmission) error
	FindByID(ctx context.Context, tenantID, id uuid.UUID) (*FiscalEmission, error)
	FindByAccessKey(ctx context.Context, tenantID uuid.UUID, accessKey string) (*FiscalEmission, error)
	FindByDocumentID(ctx context.Context, tenantID, documentID uuid.UUID) (*FiscalEmission, error)
	FindByNumberAndSeries(ctx context.Context, tenantID uuid.UUID, number int64, series int) (*FiscalEmission, error)
	List(ctx context.Context, tenantID uuid.UUID, filter EmissionFilter) ([]FiscalEmission, int64, error)
}

// EmissionFilter narrows emission listings
type EmissionFilter struct {
	Status   *EmissionStatus
	Series   *int
	Page     int
	PageSize int
}

// CancellationRepository defines persistence for CancellationRequest
type CancellationRepository interface {
	// Create inserts the request; returns shared.ErrAlreadyExists when a
	// cancellation for the same (tenant, access key, sequence) exists
	Create(ctx context.Context, req *CancellationRequest) error
	Update(ctx context.Context, req *CancellationRequest) error
	FindByID(ctx context.Context, id uuid.UUID) (*CancellationRequest, error)
	FindByAccessKey(ctx context.Context, tenantID uuid.UUID, accessKey string) (*CancellationRequest, error)
}

// CorrectionRepository defines persistence for CorrectionLetterRequest
type CorrectionRepository interface {
	// CreateWithNextSequence assigns max(sequence)+1 for the access key and
	// inserts the request inside a single transaction. Two concurrent
	// submissions for the same key never receive the same sequence.
	CreateWithNextSequence(ctx context.Context, req *CorrectionLetterRequest) error
	Update(ctx context.Context, req *CorrectionLetterRequest) error
	FindByID(ctx context.Context, id uuid.UUID) (*CorrectionLetterRequest, error)
	ListByAccessKey(ctx context.Context, tenantID uuid.UUID, accessKey string) ([]CorrectionLetterRequest, error)
}

// JobRepository defines the durable queue contract. ClaimNextEligible is the
// load-bearing operation: it must atomically move exactly one pending, due
// job to processing even with multiple worker processes polling concurrently.
type JobRepository interface {
	Enqueue(ctx context.Context, job *Job) error
	// ClaimNextEligible claims one pending job of the given types whose
	// scheduled time has passed, or returns nil when none is eligible
	ClaimNextEligible(ctx context.Context, types []JobType, now time.Time) (*Job, error)
	Update(ctx context.Context, job *Job) error
	FindByID(ctx context.Context, id uuid.UUID) (*Job, error)
	ListFailed(ctx context.Context, page, pageSize int) ([]Job, int64, error)
	CountByStatus(ctx context.Context) (map[JobStatus]int64, error)
}
