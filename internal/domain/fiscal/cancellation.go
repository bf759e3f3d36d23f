package fiscal

import (
	"fmt"
	"strings"
	"time"

	"github.com/erp/fiscal/internal/domain/shared"
	"github.com/google/uuid"
)

// RequestStatus represents the processing status of an amendment request
type RequestStatus string

const (
	RequestStatusPending   RequestStatus = "PENDING"
	RequestStatusProcessed RequestStatus = "PROCESSED"
	RequestStatusFailed    RequestStatus = "FAILED"
)

// IsTerminal returns true once the request can no longer change
func (s RequestStatus) IsTerminal() bool {
	return s == RequestStatusProcessed || s == RequestStatusFailed
}

// CancellationSequence is the only sequence the protocol allows for a
// cancellation event: exactly one cancellation per document.
const CancellationSequence = 1

const (
	minReasonLength = 15
	maxReasonLength = 255
)

// CancellationRequest records one attempt to revoke an authorized emission.
// Uniqueness of (tenant, access_key, sequence) is the mechanism preventing a
// second cancellation from ever reaching the remote service.
type CancellationRequest struct {
	shared.TenantAggregateRoot
	EmissionID    uuid.UUID     `gorm:"type:uuid;not null;index"`
	AccessKey     string        `gorm:"type:varchar(44);not null;uniqueIndex:idx_cancel_tenant_key_seq,priority:2"`
	Sequence      int           `gorm:"not null;uniqueIndex:idx_cancel_tenant_key_seq,priority:3"`
	Reason        string        `gorm:"type:varchar(255);not null"`
	Status        RequestStatus `gorm:"type:varchar(20);not null;default:'PENDING';index"`
	StatusCode    int           `gorm:"not null;default:0"`
	StatusMessage string        `gorm:"type:varchar(500)"`
	EventProtocol string        `gorm:"type:varchar(20)"`
	RequestedBy   uuid.UUID     `gorm:"type:uuid;not null"`
	ProcessedAt   *time.Time
}

// TableName returns the table name for GORM
func (CancellationRequest) TableName() string {
	return "fiscal_cancellation_requests"
}

// NewCancellationRequest creates a pending cancellation for an emission
func NewCancellationRequest(tenantID uuid.UUID, emission *FiscalEmission, reason string, requestedBy uuid.UUID) (*CancellationRequest, error) {
	if emission == nil {
		return nil, shared.NewDomainError("INVALID_EMISSION", "Emission is required")
	}
	if emission.AccessKey == "" {
		return nil, shared.NewDomainError("MISSING_ACCESS_KEY", "Emission has no access key")
	}
	if requestedBy == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_USER", "Requesting user ID is required")
	}

	normalized, err := NormalizeReason(reason, minReasonLength, maxReasonLength)
	if err != nil {
		return nil, err
	}

	return &CancellationRequest{
		TenantAggregateRoot: shared.NewTenantAggregateRoot(tenantID),
		EmissionID:          emission.ID,
		AccessKey:           emission.AccessKey,
		Sequence:            CancellationSequence,
		Reason:              normalized,
		Status:              RequestStatusPending,
		RequestedBy:         requestedBy,
	}, nil
}

// MarkProcessed records a successful remote cancellation. Terminal.
func (r *CancellationRequest) MarkProcessed(statusCode int, statusMessage, eventProtocol string) error {
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

// MarkFailed records a terminal failure. No further automatic retries happen;
// an operator must create a fresh request.
func (r *CancellationRequest) MarkFailed(statusCode int, statusMessage string) error {
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

func (r *CancellationRequest) touch() {
	r.UpdatedAt = time.Now()
	r.IncrementVersion()
}

// NormalizeReason collapses whitespace and validates the length bounds the
// remote service enforces on justification text
func NormalizeReason(reason string, min, max int) (string, error) {
	normalized := strings.Join(strings.Fields(reason), " ")
	if len(normalized) < min {
		return "", shared.NewDomainError("INVALID_REASON", fmt.Sprintf("Reason must have at least %d characters", min))
	}
	if len(normalized) > max {
		return "", shared.NewDomainError("INVALID_REASON", fmt.Sprintf("Reason cannot exceed %d characters", max))
	}
	return normalized, nil
}
