package fiscal

import (
	"context"
	"strings"
	"testing"

	"github.com/erp/fiscal/internal/domain/fiscal"
	"github.com/erp/fiscal/internal/infrastructure/sefaz"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type amendmentFixture struct {
	service       *AmendmentService
	emissions     *memEmissionRepo
	cancellations *memCancellationRepo
	corrections   *memCorrectionRepo
	jobs          *memJobRepo
	client        *fakeSefazClient
}

func newAmendmentFixture(client *fakeSefazClient) *amendmentFixture {
	emissions := newMemEmissionRepo()
	cancellations := newMemCancellationRepo()
	corrections := newMemCorrectionRepo()
	jobs := newMemJobRepo()
	resolver := NewResolver(emissions, client, fiscal.EnvironmentHomologation, zap.NewNop())

	return &amendmentFixture{
		service:       NewAmendmentService(emissions, cancellations, corrections, jobs, resolver, zap.NewNop()),
		emissions:     emissions,
		cancellations: cancellations,
		corrections:   corrections,
		jobs:          jobs,
		client:        client,
	}
}

const cancelReason = "Erro no preenchimento dos dados do destinatario"

func TestRequestCancellation_CreatesRequestAndJob(t *testing.T) {
	tenantID := uuid.New()
	fx := newAmendmentFixture(&fakeSefazClient{})
	emission := newAuthorizedEmission(t, tenantID)
	require.NoError(t, fx.emissions.Create(context.Background(), emission))

	result, err := fx.service.RequestCancellation(context.Background(), tenantID, uuid.New(),
		EmissionRef{EmissionID: &emission.ID}, cancelReason)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Sequence)

	request, err := fx.cancellations.FindByID(context.Background(), result.RequestID)
	require.NoError(t, err)
	require.NotNil(t, request)
	assert.Equal(t, fiscal.RequestStatusPending, request.Status)
	assert.Equal(t, emission.AccessKey, request.AccessKey)

	cancelJobs := fx.jobs.jobsOfType(fiscal.JobTypeCancel)
	require.Len(t, cancelJobs, 1)
	payload, err := cancelJobs[0].DecodePayload()
	require.NoError(t, err)
	assert.Equal(t, result.RequestID, payload.(fiscal.CancelPayload).RequestID)
}

func TestRequestCancellation_SecondRequestConflicts(t *testing.T) {
	tenantID := uuid.New()
	fx := newAmendmentFixture(&fakeSefazClient{})
	emission := newAuthorizedEmission(t, tenantID)
	require.NoError(t, fx.emissions.Create(context.Background(), emission))

	_, err := fx.service.RequestCancellation(context.Background(), tenantID, uuid.New(),
		EmissionRef{EmissionID: &emission.ID}, cancelReason)
	require.NoError(t, err)

	_, err = fx.service.RequestCancellation(context.Background(), tenantID, uuid.New(),
		EmissionRef{EmissionID: &emission.ID}, cancelReason)
	assert.ErrorIs(t, err, ErrCancellationExists)

	assert.Len(t, fx.jobs.jobsOfType(fiscal.JobTypeCancel), 1)
}

func TestRequestCancellation_AlreadyCancelled(t *testing.T) {
	tenantID := uuid.New()
	fx := newAmendmentFixture(&fakeSefazClient{})
	emission := newAuthorizedEmission(t, tenantID)
	require.NoError(t, emission.MarkCancelled(101, "Cancelamento de NF-e homologado"))
	require.NoError(t, fx.emissions.Create(context.Background(), emission))

	_, err := fx.service.RequestCancellation(context.Background(), tenantID, uuid.New(),
		EmissionRef{EmissionID: &emission.ID}, cancelReason)
	assert.ErrorIs(t, err, ErrAlreadyCancelled)
}

func TestRequestCancellation_NotAuthorized(t *testing.T) {
	tenantID := uuid.New()
	fx := newAmendmentFixture(&fakeSefazClient{})
	emission, err := fiscal.NewFiscalEmission(tenantID, uuid.New(), 42, 1, "12345678000195",
		fiscal.EnvironmentHomologation, decimal.NewFromInt(1))
	require.NoError(t, err)
	require.NoError(t, fx.emissions.Create(context.Background(), emission))

	_, err = fx.service.RequestCancellation(context.Background(), tenantID, uuid.New(),
		EmissionRef{EmissionID: &emission.ID}, cancelReason)
	assert.ErrorIs(t, err, ErrNotAuthorized)
}

func TestRequestCancellation_ProtocolUnavailableRefused(t *testing.T) {
	tenantID := uuid.New()
	client := &fakeSefazClient{
		queryFn: func(string) (*sefaz.Result, error) {
			return &sefaz.Result{StatusCode: 217, StatusMessage: "NF-e nao consta na base de dados da SEFAZ"}, nil
		},
	}
	fx := newAmendmentFixture(client)
	emission := newAuthorizedEmission(t, tenantID)
	emission.Protocol = ""
	require.NoError(t, fx.emissions.Create(context.Background(), emission))

	_, err := fx.service.RequestCancellation(context.Background(), tenantID, uuid.New(),
		EmissionRef{EmissionID: &emission.ID}, cancelReason)
	assert.ErrorIs(t, err, ErrProtocolUnavailable)

	assert.Empty(t, fx.jobs.jobsOfType(fiscal.JobTypeCancel))
}

func TestRequestCancellation_ReasonTooShort(t *testing.T) {
	tenantID := uuid.New()
	fx := newAmendmentFixture(&fakeSefazClient{})
	emission := newAuthorizedEmission(t, tenantID)
	require.NoError(t, fx.emissions.Create(context.Background(), emission))

	_, err := fx.service.RequestCancellation(context.Background(), tenantID, uuid.New(),
		EmissionRef{EmissionID: &emission.ID}, "curto")
	assert.Error(t, err)
	assert.Empty(t, fx.jobs.jobsOfType(fiscal.JobTypeCancel))
}

func TestRequestCorrection_AssignsSerialSequences(t *testing.T) {
	tenantID := uuid.New()
	fx := newAmendmentFixture(&fakeSefazClient{})
	emission := newAuthorizedEmission(t, tenantID)
	require.NoError(t, fx.emissions.Create(context.Background(), emission))

	text := "Correcao do endereco de entrega informado no documento"

	first, err := fx.service.RequestCorrection(context.Background(), tenantID, uuid.New(),
		EmissionRef{EmissionID: &emission.ID}, text)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Sequence)

	second, err := fx.service.RequestCorrection(context.Background(), tenantID, uuid.New(),
		EmissionRef{EmissionID: &emission.ID}, text)
	require.NoError(t, err)
	assert.Equal(t, 2, second.Sequence)

	assert.Len(t, fx.jobs.jobsOfType(fiscal.JobTypeCorrect), 2)
}

func TestRequestCorrection_NotAuthorized(t *testing.T) {
	tenantID := uuid.New()
	fx := newAmendmentFixture(&fakeSefazClient{})
	emission := newAuthorizedEmission(t, tenantID)
	require.NoError(t, emission.MarkCancelled(101, "Cancelamento de NF-e homologado"))
	require.NoError(t, fx.emissions.Create(context.Background(), emission))

	_, err := fx.service.RequestCorrection(context.Background(), tenantID, uuid.New(),
		EmissionRef{EmissionID: &emission.ID}, "Correcao do endereco de entrega informado")
	assert.ErrorIs(t, err, ErrNotAuthorized)
}

func TestRequestCorrection_TextNormalized(t *testing.T) {
	tenantID := uuid.New()
	fx := newAmendmentFixture(&fakeSefazClient{})
	emission := newAuthorizedEmission(t, tenantID)
	require.NoError(t, fx.emissions.Create(context.Background(), emission))

	result, err := fx.service.RequestCorrection(context.Background(), tenantID, uuid.New(),
		EmissionRef{EmissionID: &emission.ID}, "  Correcao   do\tendereco de entrega  ")
	require.NoError(t, err)

	request, err := fx.corrections.FindByID(context.Background(), result.RequestID)
	require.NoError(t, err)
	require.NotNil(t, request)
	assert.Equal(t, "Correcao do endereco de entrega", request.CorrectionText)
	assert.False(t, strings.Contains(request.CorrectionText, "\t"))
}

func TestGetCancellation_TenantScoped(t *testing.T) {
	tenantID := uuid.New()
	fx := newAmendmentFixture(&fakeSefazClient{})
	emission := newAuthorizedEmission(t, tenantID)
	require.NoError(t, fx.emissions.Create(context.Background(), emission))

	result, err := fx.service.RequestCancellation(context.Background(), tenantID, uuid.New(),
		EmissionRef{EmissionID: &emission.ID}, cancelReason)
	require.NoError(t, err)

	_, err = fx.service.GetCancellation(context.Background(), uuid.New(), result.RequestID)
	assert.Error(t, err)

	request, err := fx.service.GetCancellation(context.Background(), tenantID, result.RequestID)
	require.NoError(t, err)
	assert.Equal(t, result.RequestID, request.ID)
}
