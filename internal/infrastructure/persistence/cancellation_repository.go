package persistence

import (
	"context"
	"errors"
	"strings"

	"github.com/erp/fiscal/internal/domain/fiscal"
	"github.com/erp/fiscal/internal/domain/shared"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GormCancellationRepository implements fiscal.CancellationRepository using GORM
type GormCancellationRepository struct {
	db *gorm.DB
}

// NewGormCancellationRepository creates a new GormCancellationRepository
func NewGormCancellationRepository(db *gorm.DB) *GormCancellationRepository {
	return &GormCancellationRepository{db: db}
}

// Create inserts the request. The unique index on (tenant, access_key,
// sequence) is the guarantee that a document is cancelled at most once; a
// duplicate insert surfaces as shared.ErrAlreadyExists.
func (r *GormCancellationRepository) Create(ctx context.Context, req *fiscal.CancellationRequest) error {
	if err := r.db.WithContext(ctx).Create(req).Error; err != nil {
		if isUniqueViolation(err) {
			return shared.ErrAlreadyExists
		}
		return err
	}
	return nil
}

// Update persists request state changes
func (r *GormCancellationRepository) Update(ctx context.Context, req *fiscal.CancellationRequest) error {
	return r.db.WithContext(ctx).Save(req).Error
}

// FindByID finds a cancellation request by ID
func (r *GormCancellationRepository) FindByID(ctx context.Context, id uuid.UUID) (*fiscal.CancellationRequest, error) {
	var req fiscal.CancellationRequest
	if err := r.db.WithContext(ctx).First(&req, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &req, nil
}

// FindByAccessKey finds the cancellation request for an access key, if any
func (r *GormCancellationRepository) FindByAccessKey(ctx context.Context, tenantID uuid.UUID, accessKey string) (*fiscal.CancellationRequest, error) {
	var req fiscal.CancellationRequest
	if err := r.db.WithContext(ctx).
		First(&req, "tenant_id = ? AND access_key = ?", tenantID, accessKey).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &req, nil
}

// isUniqueViolation reports whether err is a unique-constraint violation.
// Matches both gorm's translated error and the raw postgres SQLSTATE.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "23505") ||
		strings.Contains(err.Error(), "duplicate key")
}

// Ensure GormCancellationRepository implements the interface
var _ fiscal.CancellationRepository = (*GormCancellationRepository)(nil)
