package fiscal

import (
	"fmt"
	"time"

	"github.com/erp/fiscal/internal/domain/shared"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EmissionStatus represents the lifecycle status of a fiscal emission
type EmissionStatus string

const (
	EmissionStatusDraft         EmissionStatus = "DRAFT"
	EmissionStatusSignedOffline EmissionStatus = "SIGNED_OFFLINE"
	EmissionStatusQueued        EmissionStatus = "QUEUED"
	EmissionStatusProcessing    EmissionStatus = "PROCESSING"
	EmissionStatusAuthorized    EmissionStatus = "AUTHORIZED"
	EmissionStatusDenied        EmissionStatus = "DENIED"
	EmissionStatusRejected      EmissionStatus = "REJECTED"
	EmissionStatusCancelled     EmissionStatus = "CANCELLED"
)

// IsTerminal returns true when no further submission can change the status.
// Cancellation of an authorized emission is a separate transition.
func (s EmissionStatus) IsTerminal() bool {
	switch s {
	case EmissionStatusAuthorized, EmissionStatusDenied, EmissionStatusRejected, EmissionStatusCancelled:
		return true
	}
	return false
}

// IsValid returns true if the status is a known value
func (s EmissionStatus) IsValid() bool {
	switch s {
	case EmissionStatusDraft, EmissionStatusSignedOffline, EmissionStatusQueued,
		EmissionStatusProcessing, EmissionStatusAuthorized, EmissionStatusDenied,
		EmissionStatusRejected, EmissionStatusCancelled:
		return true
	}
	return false
}

// Environment selects the tax-authority environment a document is issued against
type Environment string

const (
	EnvironmentProduction   Environment = "PRODUCTION"
	EnvironmentHomologation Environment = "HOMOLOGATION"
)

// TpAmb returns the numeric environment code used on the wire
func (e Environment) TpAmb() int {
	if e == EnvironmentProduction {
		return 1
	}
	return 2
}

// IsValid returns true if the environment is a known value
func (e Environment) IsValid() bool {
	return e == EnvironmentProduction || e == EnvironmentHomologation
}

// FiscalEmission is the aggregate root for one attempted invoice emission.
// It is the single authoritative record for the document's fiscal lifecycle;
// only the lifecycle service mutates it, always through the guarded methods
// below plus an optimistic-locked save.
type FiscalEmission struct {
	shared.TenantAggregateRoot
	AccessKey      string          `gorm:"type:varchar(44);uniqueIndex:idx_emission_tenant_key,priority:2"`
	DocumentID     uuid.UUID       `gorm:"type:uuid;not null;index"`
	DocumentNumber int64           `gorm:"not null;index:idx_emission_number_series"`
	Series         int             `gorm:"not null;index:idx_emission_number_series"`
	IssuerTaxID    string          `gorm:"type:varchar(14);not null"`
	Environment    Environment     `gorm:"type:varchar(20);not null"`
	Status         EmissionStatus  `gorm:"type:varchar(20);not null;default:'DRAFT';index"`
	TotalAmount    decimal.Decimal `gorm:"type:decimal(18,2);not null"`
	ReceiptNumber  string          `gorm:"type:varchar(20)"`
	Protocol       string          `gorm:"type:varchar(20)"` // nProt, set at most once
	AuthorizedAt   *time.Time
	LastStatusCode    int    `gorm:"not null;default:0"` // last cStat seen from the remote service
	LastStatusMessage string `gorm:"type:varchar(500)"`
	UnsignedXMLRef    string `gorm:"type:varchar(500)"` // artifact pointers, storage is external
	SignedXMLRef      string `gorm:"type:varchar(500)"`
	AuthorizationRef  string `gorm:"type:varchar(500)"`
	LastCorrectionSeq int    `gorm:"not null;default:0"`
}

// TableName returns the table name for GORM
func (FiscalEmission) TableName() string {
	return "fiscal_emissions"
}

// NewFiscalEmission creates a draft emission for a business document
func NewFiscalEmission(
	tenantID uuid.UUID,
	documentID uuid.UUID,
	documentNumber int64,
	series int,
	issuerTaxID string,
	env Environment,
	totalAmount decimal.Decimal,
) (*FiscalEmission, error) {
	if documentID == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_DOCUMENT", "Document ID cannot be empty")
	}
	if documentNumber <= 0 {
		return nil, shared.NewDomainError("INVALID_DOCUMENT_NUMBER", "Document number must be positive")
	}
	if series < 0 || series > 999 {
		return nil, shared.NewDomainError("INVALID_SERIES", "Series must be between 0 and 999")
	}
	if len(issuerTaxID) != 14 {
		return nil, shared.NewDomainError("INVALID_ISSUER", "Issuer tax ID must have 14 digits")
	}
	if !env.IsValid() {
		return nil, shared.NewDomainError("INVALID_ENVIRONMENT", "Environment must be production or homologation")
	}
	if totalAmount.LessThan(decimal.Zero) {
		return nil, shared.NewDomainError("INVALID_AMOUNT", "Total amount cannot be negative")
	}

	return &FiscalEmission{
		TenantAggregateRoot: shared.NewTenantAggregateRoot(tenantID),
		DocumentID:          documentID,
		DocumentNumber:      documentNumber,
		Series:              series,
		IssuerTaxID:         issuerTaxID,
		Environment:         env,
		Status:              EmissionStatusDraft,
		TotalAmount:         totalAmount,
	}, nil
}

// MarkSigned records the signing artifacts and moves draft -> signed_offline.
// The access key is immutable once assigned.
func (e *FiscalEmission) MarkSigned(accessKey AccessKey, unsignedRef, signedRef string) error {
	if e.Status != EmissionStatusDraft {
		return shared.NewDomainError("INVALID_STATE", fmt.Sprintf("Cannot sign emission in %s status", e.Status))
	}
	if e.AccessKey != "" && e.AccessKey != accessKey.String() {
		return shared.NewDomainError("ACCESS_KEY_CONFLICT", "Access key is immutable once assigned")
	}

	e.AccessKey = accessKey.String()
	e.UnsignedXMLRef = unsignedRef
	e.SignedXMLRef = signedRef
	e.Status = EmissionStatusSignedOffline
	e.touch()
	return nil
}

// MarkQueued moves signed_offline -> queued once the submission job exists
func (e *FiscalEmission) MarkQueued() error {
	if e.Status != EmissionStatusSignedOffline {
		return shared.NewDomainError("INVALID_STATE", fmt.Sprintf("Cannot queue emission in %s status", e.Status))
	}
	e.Status = EmissionStatusQueued
	e.touch()
	return nil
}

// MarkSubmitted records the receipt returned by the remote service and moves
// queued -> processing. Re-submission with the same receipt is a no-op so a
// replayed job cannot corrupt the record.
func (e *FiscalEmission) MarkSubmitted(receiptNumber string) error {
	if e.Status == EmissionStatusProcessing && e.ReceiptNumber == receiptNumber {
		return nil
	}
	if e.Status != EmissionStatusQueued {
		return shared.NewDomainError("INVALID_STATE", fmt.Sprintf("Cannot submit emission in %s status", e.Status))
	}
	if receiptNumber == "" {
		return shared.NewDomainError("INVALID_RECEIPT", "Receipt number cannot be empty")
	}
	e.ReceiptNumber = receiptNumber
	e.Status = EmissionStatusProcessing
	e.touch()
	return nil
}

// ErrTerminalConflict is returned when a second, different terminal verdict
// arrives for an emission that already reached a terminal state. This signals
// an inconsistent remote verdict and must be surfaced, never absorbed.
var ErrTerminalConflict = shared.NewDomainError("TERMINAL_STATE_CONFLICT", "Emission already reached a different terminal state")

// ApplyVerdict applies a terminal remote verdict (authorized / denied /
// rejected). Applying the same terminal status twice is idempotent; applying
// a different terminal status returns ErrTerminalConflict.
func (e *FiscalEmission) ApplyVerdict(target EmissionStatus, statusCode int, statusMessage, protocol string, authorizedAt *time.Time) error {
	switch target {
	case EmissionStatusAuthorized, EmissionStatusDenied, EmissionStatusRejected:
	default:
		return shared.NewDomainError("INVALID_VERDICT", fmt.Sprintf("%s is not a terminal verdict", target))
	}

	if e.Status.IsTerminal() {
		if e.Status == target {
			return nil
		}
		return ErrTerminalConflict
	}
	if e.Status != EmissionStatusProcessing && e.Status != EmissionStatusQueued {
		return shared.NewDomainError("INVALID_STATE", fmt.Sprintf("Cannot apply verdict to emission in %s status", e.Status))
	}

	e.Status = target
	e.LastStatusCode = statusCode
	e.LastStatusMessage = truncate(statusMessage, 500)
	if target == EmissionStatusAuthorized {
		if err := e.setProtocol(protocol, authorizedAt); err != nil {
			return err
		}
	}
	e.touch()
	return nil
}

// SetProtocol backfills a missing authorization protocol recovered from a
// remote query. It is idempotent for the same value and refuses to overwrite
// an existing, different protocol.
func (e *FiscalEmission) SetProtocol(protocol string, authorizedAt *time.Time) error {
	if err := e.setProtocol(protocol, authorizedAt); err != nil {
		return err
	}
	e.touch()
	return nil
}

func (e *FiscalEmission) setProtocol(protocol string, authorizedAt *time.Time) error {
	if protocol == "" {
		return shared.NewDomainError("INVALID_PROTOCOL", "Protocol number cannot be empty")
	}
	if e.Protocol != "" && e.Protocol != protocol {
		return shared.NewDomainError("PROTOCOL_CONFLICT", "Protocol number is set at most once and cannot change")
	}
	e.Protocol = protocol
	if e.AuthorizedAt == nil && authorizedAt != nil {
		e.AuthorizedAt = authorizedAt
	}
	return nil
}

// MarkCancelled moves authorized -> cancelled after a successful remote
// cancellation. Repeating the call is idempotent.
func (e *FiscalEmission) MarkCancelled(statusCode int, statusMessage string) error {
	if e.Status == EmissionStatusCancelled {
		return nil
	}
	if e.Status != EmissionStatusAuthorized {
		return shared.NewDomainError("INVALID_STATE", fmt.Sprintf("Cannot cancel emission in %s status", e.Status))
	}
	if e.Protocol == "" {
		return shared.NewDomainError("MISSING_PROTOCOL", "Cannot cancel emission without an authorization protocol")
	}
	e.Status = EmissionStatusCancelled
	e.LastStatusCode = statusCode
	e.LastStatusMessage = truncate(statusMessage, 500)
	e.touch()
	return nil
}

// AdvanceCorrectionSequence records that a correction letter with the given
// sequence was accepted. Sequences only move forward; a delayed job replaying
// an older sequence leaves the bookkeeping untouched.
func (e *FiscalEmission) AdvanceCorrectionSequence(sequence int) error {
	if e.Status != EmissionStatusAuthorized {
		return shared.NewDomainError("INVALID_STATE", fmt.Sprintf("Cannot amend emission in %s status", e.Status))
	}
	if sequence > e.LastCorrectionSeq {
		e.LastCorrectionSeq = sequence
		e.touch()
	}
	return nil
}

// RecordRemoteStatus updates the last-seen remote status without a transition
func (e *FiscalEmission) RecordRemoteStatus(statusCode int, statusMessage string) {
	e.LastStatusCode = statusCode
	e.LastStatusMessage = truncate(statusMessage, 500)
	e.touch()
}

// SetAuthorizationRef records the pointer to the stored authorization envelope
func (e *FiscalEmission) SetAuthorizationRef(ref string) {
	e.AuthorizationRef = ref
	e.touch()
}

// HasProtocol returns true when the authorization protocol is on file
func (e *FiscalEmission) HasProtocol() bool {
	return e.Protocol != ""
}

// IsAuthorized returns true if the emission is authorized
func (e *FiscalEmission) IsAuthorized() bool {
	return e.Status == EmissionStatusAuthorized
}

// IsCancelled returns true if the emission is cancelled
func (e *FiscalEmission) IsCancelled() bool {
	return e.Status == EmissionStatusCancelled
}

func (e *FiscalEmission) touch() {
	e.UpdatedAt = time.Now()
	e.IncrementVersion()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
