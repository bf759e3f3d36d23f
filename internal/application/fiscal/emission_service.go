package fiscal

import (
	"context"
	"fmt"
	"time"

	"github.com/erp/fiscal/internal/domain/fiscal"
	"github.com/erp/fiscal/internal/domain/shared"
	"github.com/erp/fiscal/internal/infrastructure/signing"
	"github.com/erp/fiscal/internal/infrastructure/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// EmitInput is the request to start a fiscal emission for a business document
type EmitInput struct {
	DocumentID     uuid.UUID       `json:"document_id" binding:"required"`
	DocumentNumber int64           `json:"document_number" binding:"required,min=1"`
	Series         int             `json:"series" binding:"min=0,max=999"`
	IssuerTaxID    string          `json:"issuer_tax_id" binding:"required,len=14"`
	TotalAmount    decimal.Decimal `json:"total_amount" binding:"required"`
}

// EmissionService drives the emission side of the lifecycle: create, sign,
// queue. The remote interaction happens asynchronously via the job queue.
type EmissionService struct {
	emissions   fiscal.EmissionRepository
	jobs        fiscal.JobRepository
	signer      *signing.Signer
	artifacts   storage.ArtifactStore
	idempotency shared.IdempotencyStore
	environment fiscal.Environment
	dedupTTL    time.Duration
	logger      *zap.Logger
}

// NewEmissionService creates an emission service
func NewEmissionService(
	emissions fiscal.EmissionRepository,
	jobs fiscal.JobRepository,
	signer *signing.Signer,
	artifacts storage.ArtifactStore,
	idempotency shared.IdempotencyStore,
	environment fiscal.Environment,
	dedupTTL time.Duration,
	logger *zap.Logger,
) *EmissionService {
	return &EmissionService{
		emissions:   emissions,
		jobs:        jobs,
		signer:      signer,
		artifacts:   artifacts,
		idempotency: idempotency,
		environment: environment,
		dedupTTL:    dedupTTL,
		logger:      logger,
	}
}

// EmitDocument creates the emission record, signs the document synchronously,
// and queues the remote submission. A duplicate trigger for the same business
// document returns the existing emission instead of creating a second one;
// if that emission stalled before reaching the queue (an earlier signing
// failure, or a crash mid-pipeline), the trigger resumes it from where it
// stopped. Signing failures (missing or invalid certificate) surface
// immediately; nothing is queued.
func (s *EmissionService) EmitDocument(ctx context.Context, tenantID, userID uuid.UUID, input EmitInput) (*fiscal.FiscalEmission, error) {
	if existing, err := s.emissions.FindByDocumentID(ctx, tenantID, input.DocumentID); err != nil {
		return nil, err
	} else if existing != nil {
		if err := s.advancePipeline(ctx, existing); err != nil {
			return nil, err
		}
		return existing, nil
	}

	dedupKey := fmt.Sprintf("emit:%s:%s", tenantID, input.DocumentID)
	fresh, err := s.idempotency.MarkProcessed(ctx, dedupKey, s.dedupTTL)
	if err != nil {
		s.logger.Warn("Idempotency store unavailable, relying on unique constraints", zap.Error(err))
	} else if !fresh {
		// A concurrent trigger won the race; its record may not be visible
		// yet
		if existing, err := s.emissions.FindByDocumentID(ctx, tenantID, input.DocumentID); err == nil && existing != nil {
			return existing, nil
		}
		return nil, shared.NewDomainError("EMISSION_IN_PROGRESS", "An emission for this document is already being created")
	}

	emission, err := fiscal.NewFiscalEmission(
		tenantID,
		input.DocumentID,
		input.DocumentNumber,
		input.Series,
		input.IssuerTaxID,
		s.environment,
		input.TotalAmount,
	)
	if err != nil {
		return nil, err
	}
	emission.SetCreatedBy(userID)

	if err := s.emissions.Create(ctx, emission); err != nil {
		return nil, err
	}

	if err := s.advancePipeline(ctx, emission); err != nil {
		return nil, err
	}
	return emission, nil
}

// advancePipeline drives an emission from wherever it stands to QUEUED with
// an emit job behind it. Re-entrant: a row stalled in DRAFT (signing failed
// on a previous trigger) is signed now, a row stalled in SIGNED_OFFLINE picks
// up at the queue step, and anything already queued or beyond is left
// untouched.
func (s *EmissionService) advancePipeline(ctx context.Context, emission *fiscal.FiscalEmission) error {
	if emission.Status == fiscal.EmissionStatusDraft {
		if err := s.signAndStore(ctx, emission); err != nil {
			return err
		}
	}
	if emission.Status != fiscal.EmissionStatusSignedOffline {
		return nil
	}

	// QUEUED is committed before the job exists. The reverse order lets a
	// worker claim the job while the row still reads SIGNED_OFFLINE and fail
	// the submission on its first attempt.
	if err := emission.MarkQueued(); err != nil {
		return err
	}
	if err := s.emissions.SaveWithLock(ctx, emission); err != nil {
		return err
	}

	job, err := fiscal.NewJob(emission.TenantID, fiscal.EmitPayload{EmissionID: emission.ID})
	if err != nil {
		return err
	}
	if err := s.jobs.Enqueue(ctx, job); err != nil {
		return err
	}

	s.logger.Info("Emission queued for submission",
		zap.String("emission_id", emission.ID.String()),
		zap.String("access_key", emission.AccessKey),
		zap.String("job_id", job.ID.String()))

	return nil
}

// signAndStore signs from the persisted emission fields rather than the
// triggering request, so a resumed row signs exactly what was recorded.
func (s *EmissionService) signAndStore(ctx context.Context, emission *fiscal.FiscalEmission) error {
	signed, err := s.signer.Sign(ctx, signing.DocumentData{
		TenantID:       emission.TenantID,
		DocumentID:     emission.DocumentID,
		DocumentNumber: emission.DocumentNumber,
		Series:         emission.Series,
		IssuerTaxID:    emission.IssuerTaxID,
		TotalAmount:    emission.TotalAmount,
		Environment:    emission.Environment,
		EmissionDate:   emission.CreatedAt,
	})
	if err != nil {
		s.logger.Warn("Document signing failed",
			zap.String("emission_id", emission.ID.String()),
			zap.Error(err))
		return err
	}

	accessKey := signed.AccessKey.String()
	unsignedRef, err := s.artifacts.Put(ctx, emission.TenantID, accessKey, storage.ArtifactUnsigned, signed.UnsignedXML)
	if err != nil {
		return err
	}
	signedRef, err := s.artifacts.Put(ctx, emission.TenantID, accessKey, storage.ArtifactSigned, signed.SignedXML)
	if err != nil {
		return err
	}

	if err := emission.MarkSigned(signed.AccessKey, unsignedRef, signedRef); err != nil {
		return err
	}
	return s.emissions.SaveWithLock(ctx, emission)
}

// GetEmission returns one emission scoped to the tenant
func (s *EmissionService) GetEmission(ctx context.Context, tenantID, id uuid.UUID) (*fiscal.FiscalEmission, error) {
	emission, err := s.emissions.FindByID(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if emission == nil {
		return nil, ErrEmissionNotFound
	}
	return emission, nil
}

// ListEmissions returns a filtered page of the tenant's emissions
func (s *EmissionService) ListEmissions(ctx context.Context, tenantID uuid.UUID, filter fiscal.EmissionFilter) ([]fiscal.FiscalEmission, int64, error) {
	return s.emissions.List(ctx, tenantID, filter)
}
