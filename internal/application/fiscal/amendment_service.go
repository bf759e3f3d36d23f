package fiscal

import (
	"context"
	"errors"

	"github.com/erp/fiscal/internal/domain/fiscal"
	"github.com/erp/fiscal/internal/domain/shared"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrAlreadyCancelled is returned for a cancellation attempt on an emission
// that is already cancelled. This is a conflict, not a retry.
var ErrAlreadyCancelled = shared.NewDomainError("ALREADY_CANCELLED", "Emission is already cancelled")

// ErrCancellationExists is returned when a cancellation request for the
// access key already exists
var ErrCancellationExists = shared.NewDomainError("CANCELLATION_EXISTS", "A cancellation request already exists for this document")

// ErrNotAuthorized is returned when an amendment targets an emission that is
// not in the authorized state
var ErrNotAuthorized = shared.NewDomainError("EMISSION_NOT_AUTHORIZED", "Only authorized emissions can be amended")

// AmendmentResult is returned by request-creation operations
type AmendmentResult struct {
	RequestID uuid.UUID
	Sequence  int
	JobID     uuid.UUID
}

// AmendmentService creates cancellation and correction-letter requests and
// queues the jobs that drive them. All preconditions are checked here,
// synchronously, before any job exists.
type AmendmentService struct {
	emissions     fiscal.EmissionRepository
	cancellations fiscal.CancellationRepository
	corrections   fiscal.CorrectionRepository
	jobs          fiscal.JobRepository
	resolver      *Resolver
	logger        *zap.Logger
}

// NewAmendmentService creates an amendment service
func NewAmendmentService(
	emissions fiscal.EmissionRepository,
	cancellations fiscal.CancellationRepository,
	corrections fiscal.CorrectionRepository,
	jobs fiscal.JobRepository,
	resolver *Resolver,
	logger *zap.Logger,
) *AmendmentService {
	return &AmendmentService{
		emissions:     emissions,
		cancellations: cancellations,
		corrections:   corrections,
		jobs:          jobs,
		resolver:      resolver,
		logger:        logger,
	}
}

// RequestCancellation validates preconditions, creates the request row, and
// enqueues the job. The emission must be authorized and must carry its
// protocol; a missing protocol is backfilled from the remote service, and
// the request is refused when that also fails.
func (s *AmendmentService) RequestCancellation(ctx context.Context, tenantID, userID uuid.UUID, ref EmissionRef, reason string) (*AmendmentResult, error) {
	emission, err := s.resolver.Resolve(ctx, tenantID, ref)
	if err != nil {
		return nil, err
	}

	if emission.IsCancelled() {
		return nil, ErrAlreadyCancelled
	}
	if !emission.IsAuthorized() {
		return nil, ErrNotAuthorized
	}

	if err := s.resolver.EnsureProtocol(ctx, emission); err != nil {
		return nil, err
	}

	request, err := fiscal.NewCancellationRequest(tenantID, emission, reason, userID)
	if err != nil {
		return nil, err
	}

	if err := s.cancellations.Create(ctx, request); err != nil {
		if errors.Is(err, shared.ErrAlreadyExists) {
			return nil, ErrCancellationExists
		}
		return nil, err
	}

	job, err := fiscal.NewJob(tenantID, fiscal.CancelPayload{RequestID: request.ID})
	if err != nil {
		return nil, err
	}
	if err := s.jobs.Enqueue(ctx, job); err != nil {
		return nil, err
	}

	s.logger.Info("Cancellation requested",
		zap.String("emission_id", emission.ID.String()),
		zap.String("access_key", emission.AccessKey),
		zap.String("request_id", request.ID.String()),
		zap.String("job_id", job.ID.String()))

	return &AmendmentResult{
		RequestID: request.ID,
		Sequence:  request.Sequence,
		JobID:     job.ID,
	}, nil
}

// RequestCorrection validates preconditions, assigns the next strictly
// serial sequence, and enqueues the job
func (s *AmendmentService) RequestCorrection(ctx context.Context, tenantID, userID uuid.UUID, ref EmissionRef, correctionText string) (*AmendmentResult, error) {
	emission, err := s.resolver.Resolve(ctx, tenantID, ref)
	if err != nil {
		return nil, err
	}

	if !emission.IsAuthorized() {
		return nil, ErrNotAuthorized
	}

	if err := s.resolver.EnsureProtocol(ctx, emission); err != nil {
		return nil, err
	}

	request, err := fiscal.NewCorrectionLetterRequest(tenantID, emission, correctionText, userID)
	if err != nil {
		return nil, err
	}

	if err := s.corrections.CreateWithNextSequence(ctx, request); err != nil {
		return nil, err
	}

	job, err := fiscal.NewJob(tenantID, fiscal.CorrectPayload{RequestID: request.ID})
	if err != nil {
		return nil, err
	}
	if err := s.jobs.Enqueue(ctx, job); err != nil {
		return nil, err
	}

	s.logger.Info("Correction letter requested",
		zap.String("emission_id", emission.ID.String()),
		zap.String("access_key", emission.AccessKey),
		zap.String("request_id", request.ID.String()),
		zap.Int("sequence", request.Sequence),
		zap.String("job_id", job.ID.String()))

	return &AmendmentResult{
		RequestID: request.ID,
		Sequence:  request.Sequence,
		JobID:     job.ID,
	}, nil
}

// GetCancellation returns one cancellation request scoped to the tenant
func (s *AmendmentService) GetCancellation(ctx context.Context, tenantID, id uuid.UUID) (*fiscal.CancellationRequest, error) {
	request, err := s.cancellations.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if request == nil || request.TenantID != tenantID {
		return nil, shared.ErrNotFound
	}
	return request, nil
}

// GetCorrection returns one correction letter request scoped to the tenant
func (s *AmendmentService) GetCorrection(ctx context.Context, tenantID, id uuid.UUID) (*fiscal.CorrectionLetterRequest, error) {
	request, err := s.corrections.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if request == nil || request.TenantID != tenantID {
		return nil, shared.ErrNotFound
	}
	return request, nil
}

// ListCorrections returns the correction letters filed for an access key
func (s *AmendmentService) ListCorrections(ctx context.Context, tenantID uuid.UUID, accessKey string) ([]fiscal.CorrectionLetterRequest, error) {
	return s.corrections.ListByAccessKey(ctx, tenantID, accessKey)
}
