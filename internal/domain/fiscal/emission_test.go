package fiscal

import (
	"testing"
	"time"

	"github.com/erp/fiscal/internal/domain/shared"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helpers

func assertDomainError(t *testing.T, err error, code string) {
	t.Helper()
	var domainErr *shared.DomainError
	require.ErrorAs(t, err, &domainErr)
	assert.Equal(t, code, domainErr.Code)
}

func createTestEmission(t *testing.T) *FiscalEmission {
	t.Helper()
	emission, err := NewFiscalEmission(
		uuid.New(), uuid.New(), 42, 1, "12345678000195",
		EnvironmentHomologation, decimal.NewFromFloat(1500.50),
	)
	require.NoError(t, err)
	return emission
}

func createTestKey(t *testing.T, emission *FiscalEmission) AccessKey {
	t.Helper()
	key, err := ComputeAccessKey(AccessKeyParams{
		StateCode:      35,
		IssuerTaxID:    emission.IssuerTaxID,
		Series:         emission.Series,
		DocumentNumber: emission.DocumentNumber,
		DocumentID:     emission.DocumentID,
		EmissionDate:   time.Date(2024, 8, 15, 10, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return key
}

func createSignedEmission(t *testing.T) *FiscalEmission {
	t.Helper()
	emission := createTestEmission(t)
	key := createTestKey(t, emission)
	require.NoError(t, emission.MarkSigned(key, "ref/unsigned", "ref/signed"))
	return emission
}

func createProcessingEmission(t *testing.T) *FiscalEmission {
	t.Helper()
	emission := createSignedEmission(t)
	require.NoError(t, emission.MarkQueued())
	require.NoError(t, emission.MarkSubmitted("351000012345"))
	return emission
}

func createAuthorizedEmission(t *testing.T) *FiscalEmission {
	t.Helper()
	emission := createProcessingEmission(t)
	now := time.Now()
	require.NoError(t, emission.ApplyVerdict(EmissionStatusAuthorized, StatusAuthorized, "Autorizado o uso da NF-e", "135240000000001", &now))
	return emission
}

// ============================================
// EmissionStatus Tests
// ============================================

func TestEmissionStatus_IsValid(t *testing.T) {
	tests := []struct {
		status  EmissionStatus
		isValid bool
	}{
		{EmissionStatusDraft, true},
		{EmissionStatusSignedOffline, true},
		{EmissionStatusQueued, true},
		{EmissionStatusProcessing, true},
		{EmissionStatusAuthorized, true},
		{EmissionStatusDenied, true},
		{EmissionStatusRejected, true},
		{EmissionStatusCancelled, true},
		{EmissionStatus("INVALID"), false},
		{EmissionStatus(""), false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.isValid, tt.status.IsValid())
		})
	}
}

func TestEmissionStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status     EmissionStatus
		isTerminal bool
	}{
		{EmissionStatusDraft, false},
		{EmissionStatusSignedOffline, false},
		{EmissionStatusQueued, false},
		{EmissionStatusProcessing, false},
		{EmissionStatusAuthorized, true},
		{EmissionStatusDenied, true},
		{EmissionStatusRejected, true},
		{EmissionStatusCancelled, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.isTerminal, tt.status.IsTerminal())
		})
	}
}

func TestEnvironment_TpAmb(t *testing.T) {
	assert.Equal(t, 1, EnvironmentProduction.TpAmb())
	assert.Equal(t, 2, EnvironmentHomologation.TpAmb())
}

// ============================================
// FiscalEmission Creation Tests
// ============================================

func TestNewFiscalEmission(t *testing.T) {
	emission := createTestEmission(t)

	assert.NotEqual(t, uuid.Nil, emission.ID)
	assert.Equal(t, EmissionStatusDraft, emission.Status)
	assert.Equal(t, int64(42), emission.DocumentNumber)
	assert.Equal(t, 1, emission.Series)
	assert.Empty(t, emission.AccessKey)
	assert.Empty(t, emission.Protocol)
	assert.Zero(t, emission.LastCorrectionSeq)
}

func TestNewFiscalEmission_Validation(t *testing.T) {
	tenantID := uuid.New()
	amount := decimal.NewFromInt(100)

	tests := []struct {
		name    string
		mutate  func() (*FiscalEmission, error)
		errCode string
	}{
		{
			name: "nil document ID",
			mutate: func() (*FiscalEmission, error) {
				return NewFiscalEmission(tenantID, uuid.Nil, 42, 1, "12345678000195", EnvironmentHomologation, amount)
			},
			errCode: "INVALID_DOCUMENT",
		},
		{
			name: "zero document number",
			mutate: func() (*FiscalEmission, error) {
				return NewFiscalEmission(tenantID, uuid.New(), 0, 1, "12345678000195", EnvironmentHomologation, amount)
			},
			errCode: "INVALID_DOCUMENT_NUMBER",
		},
		{
			name: "series out of range",
			mutate: func() (*FiscalEmission, error) {
				return NewFiscalEmission(tenantID, uuid.New(), 42, 1000, "12345678000195", EnvironmentHomologation, amount)
			},
			errCode: "INVALID_SERIES",
		},
		{
			name: "short issuer tax ID",
			mutate: func() (*FiscalEmission, error) {
				return NewFiscalEmission(tenantID, uuid.New(), 42, 1, "123", EnvironmentHomologation, amount)
			},
			errCode: "INVALID_ISSUER",
		},
		{
			name: "unknown environment",
			mutate: func() (*FiscalEmission, error) {
				return NewFiscalEmission(tenantID, uuid.New(), 42, 1, "12345678000195", Environment("STAGING"), amount)
			},
			errCode: "INVALID_ENVIRONMENT",
		},
		{
			name: "negative amount",
			mutate: func() (*FiscalEmission, error) {
				return NewFiscalEmission(tenantID, uuid.New(), 42, 1, "12345678000195", EnvironmentHomologation, decimal.NewFromInt(-1))
			},
			errCode: "INVALID_AMOUNT",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			emission, err := tt.mutate()
			assert.Nil(t, emission)
			assertDomainError(t, err, tt.errCode)
		})
	}
}

// ============================================
// Lifecycle Transition Tests
// ============================================

func TestFiscalEmission_FullLifecycle(t *testing.T) {
	emission := createTestEmission(t)
	key := createTestKey(t, emission)

	require.NoError(t, emission.MarkSigned(key, "ref/unsigned", "ref/signed"))
	assert.Equal(t, EmissionStatusSignedOffline, emission.Status)
	assert.Equal(t, key.String(), emission.AccessKey)
	assert.Equal(t, "ref/unsigned", emission.UnsignedXMLRef)
	assert.Equal(t, "ref/signed", emission.SignedXMLRef)

	require.NoError(t, emission.MarkQueued())
	assert.Equal(t, EmissionStatusQueued, emission.Status)

	require.NoError(t, emission.MarkSubmitted("351000012345"))
	assert.Equal(t, EmissionStatusProcessing, emission.Status)
	assert.Equal(t, "351000012345", emission.ReceiptNumber)

	now := time.Now()
	require.NoError(t, emission.ApplyVerdict(EmissionStatusAuthorized, StatusAuthorized, "Autorizado o uso da NF-e", "135240000000001", &now))
	assert.Equal(t, EmissionStatusAuthorized, emission.Status)
	assert.Equal(t, "135240000000001", emission.Protocol)
	assert.NotNil(t, emission.AuthorizedAt)
	assert.Equal(t, StatusAuthorized, emission.LastStatusCode)
}

func TestFiscalEmission_MarkSigned_OnlyFromDraft(t *testing.T) {
	emission := createSignedEmission(t)
	key := AccessKey(emission.AccessKey)

	err := emission.MarkSigned(key, "ref/unsigned", "ref/signed")
	assertDomainError(t, err, "INVALID_STATE")
}

func TestFiscalEmission_MarkQueued_OnlyFromSigned(t *testing.T) {
	emission := createTestEmission(t)
	assertDomainError(t, emission.MarkQueued(), "INVALID_STATE")
}

func TestFiscalEmission_MarkSubmitted_ReplayIsIdempotent(t *testing.T) {
	emission := createProcessingEmission(t)
	version := emission.Version

	require.NoError(t, emission.MarkSubmitted("351000012345"))
	assert.Equal(t, EmissionStatusProcessing, emission.Status)
	assert.Equal(t, version, emission.Version)
}

func TestFiscalEmission_MarkSubmitted_DifferentReceiptRejected(t *testing.T) {
	emission := createProcessingEmission(t)
	assertDomainError(t, emission.MarkSubmitted("351999999999"), "INVALID_STATE")
}

func TestFiscalEmission_MarkSubmitted_EmptyReceipt(t *testing.T) {
	emission := createSignedEmission(t)
	require.NoError(t, emission.MarkQueued())
	assertDomainError(t, emission.MarkSubmitted(""), "INVALID_RECEIPT")
}

// ============================================
// Verdict Tests
// ============================================

func TestFiscalEmission_ApplyVerdict_SameTerminalIsIdempotent(t *testing.T) {
	emission := createAuthorizedEmission(t)
	version := emission.Version

	now := time.Now()
	require.NoError(t, emission.ApplyVerdict(EmissionStatusAuthorized, StatusAuthorized, "Autorizado o uso da NF-e", "135240000000001", &now))
	assert.Equal(t, version, emission.Version)
}

func TestFiscalEmission_ApplyVerdict_ConflictingTerminal(t *testing.T) {
	emission := createAuthorizedEmission(t)

	err := emission.ApplyVerdict(EmissionStatusDenied, 110, "Uso Denegado", "", nil)
	assert.ErrorIs(t, err, ErrTerminalConflict)
	assert.Equal(t, EmissionStatusAuthorized, emission.Status)
}

func TestFiscalEmission_ApplyVerdict_NonTerminalTarget(t *testing.T) {
	emission := createProcessingEmission(t)
	assertDomainError(t, emission.ApplyVerdict(EmissionStatusProcessing, StatusStillProcessing, "Lote em processamento", "", nil), "INVALID_VERDICT")
}

func TestFiscalEmission_ApplyVerdict_FromDraftRejected(t *testing.T) {
	emission := createTestEmission(t)
	assertDomainError(t, emission.ApplyVerdict(EmissionStatusAuthorized, StatusAuthorized, "", "135240000000001", nil), "INVALID_STATE")
}

func TestFiscalEmission_ApplyVerdict_DeniedKeepsProtocolEmpty(t *testing.T) {
	emission := createProcessingEmission(t)

	require.NoError(t, emission.ApplyVerdict(EmissionStatusDenied, 110, "Uso Denegado", "", nil))
	assert.Equal(t, EmissionStatusDenied, emission.Status)
	assert.Empty(t, emission.Protocol)
	assert.Nil(t, emission.AuthorizedAt)
}

// ============================================
// Protocol Tests
// ============================================

func TestFiscalEmission_SetProtocol(t *testing.T) {
	emission := createAuthorizedEmission(t)

	// Same value is idempotent
	require.NoError(t, emission.SetProtocol("135240000000001", nil))
	assert.Equal(t, "135240000000001", emission.Protocol)

	// A different value never overwrites
	assertDomainError(t, emission.SetProtocol("135240000000999", nil), "PROTOCOL_CONFLICT")
	assert.Equal(t, "135240000000001", emission.Protocol)
}

func TestFiscalEmission_SetProtocol_Empty(t *testing.T) {
	emission := createAuthorizedEmission(t)
	assertDomainError(t, emission.SetProtocol("", nil), "INVALID_PROTOCOL")
}

// ============================================
// Cancellation Tests
// ============================================

func TestFiscalEmission_MarkCancelled(t *testing.T) {
	emission := createAuthorizedEmission(t)

	require.NoError(t, emission.MarkCancelled(StatusCancelHomologated, "Cancelamento de NF-e homologado"))
	assert.Equal(t, EmissionStatusCancelled, emission.Status)
	assert.Equal(t, StatusCancelHomologated, emission.LastStatusCode)

	// Replay is a no-op
	require.NoError(t, emission.MarkCancelled(StatusCancelHomologated, "Cancelamento de NF-e homologado"))
}

func TestFiscalEmission_MarkCancelled_RequiresAuthorized(t *testing.T) {
	emission := createProcessingEmission(t)
	assertDomainError(t, emission.MarkCancelled(StatusCancelHomologated, ""), "INVALID_STATE")
}

func TestFiscalEmission_MarkCancelled_RequiresProtocol(t *testing.T) {
	emission := createAuthorizedEmission(t)
	emission.Protocol = ""
	assertDomainError(t, emission.MarkCancelled(StatusCancelHomologated, ""), "MISSING_PROTOCOL")
}

// ============================================
// Correction Sequence Tests
// ============================================

func TestFiscalEmission_AdvanceCorrectionSequence(t *testing.T) {
	emission := createAuthorizedEmission(t)

	require.NoError(t, emission.AdvanceCorrectionSequence(1))
	assert.Equal(t, 1, emission.LastCorrectionSeq)

	require.NoError(t, emission.AdvanceCorrectionSequence(2))
	assert.Equal(t, 2, emission.LastCorrectionSeq)

	// A replayed older sequence never moves the counter backwards
	require.NoError(t, emission.AdvanceCorrectionSequence(1))
	assert.Equal(t, 2, emission.LastCorrectionSeq)
}

func TestFiscalEmission_AdvanceCorrectionSequence_RequiresAuthorized(t *testing.T) {
	emission := createAuthorizedEmission(t)
	require.NoError(t, emission.MarkCancelled(StatusCancelHomologated, ""))
	assertDomainError(t, emission.AdvanceCorrectionSequence(1), "INVALID_STATE")
}

func TestFiscalEmission_RecordRemoteStatus(t *testing.T) {
	emission := createProcessingEmission(t)

	emission.RecordRemoteStatus(StatusStillProcessing, "Lote em processamento")
	assert.Equal(t, EmissionStatusProcessing, emission.Status)
	assert.Equal(t, StatusStillProcessing, emission.LastStatusCode)
	assert.Equal(t, "Lote em processamento", emission.LastStatusMessage)
}
