package fiscal

import (
	"fmt"
	"time"

	"github.com/erp/fiscal/internal/domain/shared"
	"github.com/google/uuid"
)

const (
	minCorrectionLength = 15
	maxCorrectionLength = 1000
)

// CorrectionLetterRequest records one amendment (CC-e) attempt for an
// authorized emission. Sequences are strictly serial per access key starting
// at 1; the repository assigns them inside a single transaction and the
// unique index on (tenant, access_key, sequence) rejects duplicates.
type CorrectionLetterRequest struct {
	shared.TenantAggregateRoot
	EmissionID     uuid.UUID     `gorm:"type:uuid;not null;index"`
	AccessKey      string        `gorm:"type:varchar(44);not null;uniqueIndex:idx_correction_tenant_key_seq,priority:2"`
	Sequence       int           `gorm:"not null;uniqueIndex:idx_correction_tenant_key_seq,priority:3"`
	CorrectionText string        `gorm:"type:varchar(1000);not null"`
	Status         RequestStatus `gorm:"type:varchar(20);not null;default:'PENDING';index"`
	StatusCode     int           `gorm:"not null;default:0"`
	StatusMessage  string        `gorm:"type:varchar(500)"`
	EventProtocol  string        `gorm:"type:varchar(20)"`
	RequestedBy    uuid.UUID     `gorm:"type:uuid;not null"`
	ProcessedAt    *time.Time
}

// TableName returns the table name for GORM
func (CorrectionLetterRequest) TableName() string {
	return "fiscal_correction_requests"
}

// NewCorrectionLetterRequest creates a pending correction letter. The
// sequence is assigned by the repository at insert time, not here.
func NewCorrectionLetterRequest(tenantID uuid.UUID, emission *FiscalEmission, correctionText string, requestedBy uuid.UUID) (*CorrectionLetterRequest, error) {
	if emission == nil {
		return nil, shared.NewDomainError("INVALID_EMISSION", "Emission is required")
	}
	if emission.AccessKey == "" {
		return nil, shared.NewDomainError("MISSING_ACCESS_KEY", "Emission has no access key")
	}
	if requestedBy == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_USER", "Requesting user ID is required")
	}

	normalized, err := NormalizeReason(correctionText, minCorrectionLength, maxCorrectionLength)
	if err != nil {
		return nil, err
	}

	return &CorrectionLetterRequest{
		TenantAggregateRoot: shared.NewTenantAggregateRoot(tenantID),
		EmissionID:          emission.ID,
		AccessKey:           emission.AccessKey,
		CorrectionText:      normalized,
		Status:              RequestStatusPending,
		RequestedBy:         requestedBy,
	}, nil
}

// MarkProcessed records a successful remote acceptance. Terminal.
func (r *CorrectionLetterRequest) MarkProcessed(statusCode int, statusMessage, eventProtocol string) error {
	if r.Status.IsTerminal() {
		if r.Status == RequestStatusProcessed {
			return nil
		}
		return shared.NewDomainError("INVALID_STATE", fmt.Sprintf("Cannot process request in %s status", r.Status))
	}
	now := time.Now()
	r.Status = RequestStatusProcessed
	r.StatusCode = statusCode
	r.StatusMessage = truncate(statusMessage, 500)
	r.EventProtocol = eventProtocol
	r.ProcessedAt = &now
	r.touch()
	return nil
}

// MarkFailed records a terminal failure
func (r *CorrectionLetterRequest) MarkFailed(statusCode int, statusMessage string) error {
	if r.Status.IsTerminal() {
		if r.Status == RequestStatusFailed {
			return nil
		}
		return shared.NewDomainError("INVALID_STATE", fmt.Sprintf("Cannot fail request in %s status", r.Status))
	}
	r.Status = RequestStatusFailed
	r.StatusCode = statusCode
	r.StatusMessage = truncate(statusMessage, 500)
	r.touch()
	return nil
}

func (r *CorrectionLetterRequest) touch() {
	r.UpdatedAt = time.Now()
	r.IncrementVersion()
}
