package persistence

import (
	"context"
	"errors"

	"github.com/erp/fiscal/internal/domain/fiscal"
	"github.com/erp/fiscal/internal/domain/shared"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormCorrectionRepository implements fiscal.CorrectionRepository using GORM
type GormCorrectionRepository struct {
	db *gorm.DB
}

// NewGormCorrectionRepository creates a new GormCorrectionRepository
func NewGormCorrectionRepository(db *gorm.DB) *GormCorrectionRepository {
	return &GormCorrectionRepository{db: db}
}

// maxSequenceRetries bounds retry-on-conflict when two transactions read the
// same max sequence before either commits
const maxSequenceRetries = 3

// CreateWithNextSequence assigns max(sequence)+1 for the access key and
// inserts inside a single transaction. Existing rows for the key are read
// under FOR UPDATE so concurrent submissions serialize; the unique index on
// (tenant, access_key, sequence) catches the race when there are no prior
// rows to lock, and the insert is retried with a fresh read.
func (r *GormCorrectionRepository) CreateWithNextSequence(ctx context.Context, req *fiscal.CorrectionLetterRequest) error {
	var lastErr error
	for attempt := 0; attempt < maxSequenceRetries; attempt++ {
		err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var maxSeq int
			row := tx.Model(&fiscal.CorrectionLetterRequest{}).
				Clauses(clause.Locking{Strength: "UPDATE"}).
				Select("COALESCE(MAX(sequence), 0)").
				Where("tenant_id = ? AND access_key = ?", req.TenantID, req.AccessKey).
				Row()
			if err := row.Scan(&maxSeq); err != nil {
				return err
			}

			req.Sequence = maxSeq + 1
			return tx.Create(req).Error
		})
		if err == nil {
			return nil
		}
		if !isUniqueViolation(err) {
			return err
		}
		lastErr = err
	}
	return shared.NewDomainError("SEQUENCE_CONFLICT", "Could not assign a correction sequence: "+lastErr.Error())
}

// Update persists request state changes
func (r *GormCorrectionRepository) Update(ctx context.Context, req *fiscal.CorrectionLetterRequest) error {
	return r.db.WithContext(ctx).Save(req).Error
}

// FindByID finds a correction letter request by ID
func (r *GormCorrectionRepository) FindByID(ctx context.Context, id uuid.UUID) (*fiscal.CorrectionLetterRequest, error) {
	var req fiscal.CorrectionLetterRequest
	if err := r.db.WithContext(ctx).First(&req, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &req, nil
}

// ListByAccessKey returns all correction letters for an access key in
// sequence order
func (r *GormCorrectionRepository) ListByAccessKey(ctx context.Context, tenantID uuid.UUID, accessKey string) ([]fiscal.CorrectionLetterRequest, error) {
	var reqs []fiscal.CorrectionLetterRequest
	if err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND access_key = ?", tenantID, accessKey).
		Order("sequence ASC").
		Find(&reqs).Error; err != nil {
		return nil, err
	}
	return reqs, nil
}

// Ensure GormCorrectionRepository implements the interface
var _ fiscal.CorrectionRepository = (*GormCorrectionRepository)(nil)
