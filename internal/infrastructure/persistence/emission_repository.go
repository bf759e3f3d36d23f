package persistence

import (
	"context"
	"errors"

	"github.com/erp/fiscal/internal/domain/fiscal"
	"github.com/erp/fiscal/internal/domain/shared"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GormEmissionRepository implements fiscal.EmissionRepository using GORM
type GormEmissionRepository struct {
	db *gorm.DB
}

// NewGormEmissionRepository creates a new GormEmissionRepository
func NewGormEmissionRepository(db *gorm.DB) *GormEmissionRepository {
	return &GormEmissionRepository{db: db}
}

// Create inserts a new emission record
func (r *GormEmissionRepository) Create(ctx context.Context, emission *fiscal.FiscalEmission) error {
	return r.db.WithContext(ctx).Create(emission).Error
}

// SaveWithLock persists the aggregate guarded by its optimistic version.
// The aggregate's guarded transition methods already incremented the version,
// so the conditional update matches against version-1.
func (r *GormEmissionRepository) SaveWithLock(ctx context.Context, emission *fiscal.FiscalEmission) error {
	result := r.db.WithContext(ctx).
		Model(&fiscal.FiscalEmission{}).
		Where("id = ? AND version = ?", emission.ID, emission.Version-1).
		Select("*").
		Updates(emission)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return shared.ErrConcurrencyConflict
	}
	return nil
}

// FindByID finds an emission by ID for a tenant
func (r *GormEmissionRepository) FindByID(ctx context.Context, tenantID, id uuid.UUID) (*fiscal.FiscalEmission, error) {
	var emission fiscal.FiscalEmission
	if err := r.db.WithContext(ctx).
		First(&emission, "id = ? AND tenant_id = ?", id, tenantID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &emission, nil
}

// FindByAccessKey finds an emission by its 44-digit access key
func (r *GormEmissionRepository) FindByAccessKey(ctx context.Context, tenantID uuid.UUID, accessKey string) (*fiscal.FiscalEmission, error) {
	var emission fiscal.FiscalEmission
	if err := r.db.WithContext(ctx).
		First(&emission, "tenant_id = ? AND access_key = ?", tenantID, accessKey).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &emission, nil
}

// FindByDocumentID finds the emission attempted for a business document
func (r *GormEmissionRepository) FindByDocumentID(ctx context.Context, tenantID, documentID uuid.UUID) (*fiscal.FiscalEmission, error) {
	var emission fiscal.FiscalEmission
	if err := r.db.WithContext(ctx).
		Order("created_at DESC").
		First(&emission, "document_id = ? AND tenant_id = ?", documentID, tenantID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &emission, nil
}

// FindByNumberAndSeries finds an emission by document number and series
func (r *GormEmissionRepository) FindByNumberAndSeries(ctx context.Context, tenantID uuid.UUID, number int64, series int) (*fiscal.FiscalEmission, error) {
	var emission fiscal.FiscalEmission
	if err := r.db.WithContext(ctx).
		First(&emission, "document_number = ? AND series = ? AND tenant_id = ?", number, series, tenantID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &emission, nil
}

// List returns emissions for a tenant with filtering and pagination
func (r *GormEmissionRepository) List(ctx context.Context, tenantID uuid.UUID, filter fiscal.EmissionFilter) ([]fiscal.FiscalEmission, int64, error) {
	query := r.db.WithContext(ctx).Model(&fiscal.FiscalEmission{}).Where("tenant_id = ?", tenantID)

	if filter.Status != nil {
		query = query.Where("status = ?", *filter.Status)
	}
	if filter.Series != nil {
		query = query.Where("series = ?", *filter.Series)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if filter.PageSize > 0 {
		query = query.Limit(filter.PageSize)
		if filter.Page > 0 {
			query = query.Offset((filter.Page - 1) * filter.PageSize)
		}
	}

	var emissions []fiscal.FiscalEmission
	if err := query.Order("created_at DESC").Find(&emissions).Error; err != nil {
		return nil, 0, err
	}
	return emissions, total, nil
}

// Ensure GormEmissionRepository implements the interface
var _ fiscal.EmissionRepository = (*GormEmissionRepository)(nil)
