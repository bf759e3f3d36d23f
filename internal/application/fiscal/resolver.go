package fiscal

import (
	"context"
	"strconv"

	"github.com/erp/fiscal/internal/domain/fiscal"
	"github.com/erp/fiscal/internal/domain/shared"
	"github.com/erp/fiscal/internal/infrastructure/sefaz"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrProtocolUnavailable is returned when neither the local record nor the
// remote service can produce the authorization protocol. Cancellation and
// amendment must be refused with this error, never attempted.
var ErrProtocolUnavailable = shared.NewDomainError("PROTOCOL_UNAVAILABLE", "No authorization protocol is available for this document")

// ErrEmissionNotFound is returned when no identifier resolves to an emission
var ErrEmissionNotFound = shared.NewDomainError("EMISSION_NOT_FOUND", "No fiscal emission matches the given identifier")

// EmissionRef is a loose identifier for one emission. Exactly the strongest
// populated field wins: ID, then access key, then document ID, then
// number+series.
type EmissionRef struct {
	EmissionID     *uuid.UUID
	AccessKey      string
	DocumentID     *uuid.UUID
	DocumentNumber *int64
	Series         *int
}

// Resolver finds the authoritative emission record for a loose identifier and
// reconciles records that are missing their authorization protocol
type Resolver struct {
	emissions   fiscal.EmissionRepository
	client      sefaz.Client
	environment fiscal.Environment
	logger      *zap.Logger
}

// NewResolver creates a resolver
func NewResolver(emissions fiscal.EmissionRepository, client sefaz.Client, environment fiscal.Environment, logger *zap.Logger) *Resolver {
	return &Resolver{
		emissions:   emissions,
		client:      client,
		environment: environment,
		logger:      logger,
	}
}

// Resolve maps the reference onto exactly one emission. A valid access key
// with no local row triggers a remote backfill that reconstructs the record
// from the key's own fields plus the authority's answer.
func (r *Resolver) Resolve(ctx context.Context, tenantID uuid.UUID, ref EmissionRef) (*fiscal.FiscalEmission, error) {
	if ref.EmissionID != nil {
		emission, err := r.emissions.FindByID(ctx, tenantID, *ref.EmissionID)
		if err != nil {
			return nil, err
		}
		if emission != nil {
			return emission, nil
		}
	}

	if ref.AccessKey != "" {
		key, err := fiscal.ParseAccessKey(ref.AccessKey)
		if err != nil {
			return nil, err
		}
		emission, err := r.emissions.FindByAccessKey(ctx, tenantID, key.String())
		if err != nil {
			return nil, err
		}
		if emission != nil {
			return emission, nil
		}
		return r.backfill(ctx, tenantID, key)
	}

	if ref.DocumentID != nil {
		emission, err := r.emissions.FindByDocumentID(ctx, tenantID, *ref.DocumentID)
		if err != nil {
			return nil, err
		}
		if emission != nil {
			return emission, nil
		}
	}

	if ref.DocumentNumber != nil && ref.Series != nil {
		emission, err := r.emissions.FindByNumberAndSeries(ctx, tenantID, *ref.DocumentNumber, *ref.Series)
		if err != nil {
			return nil, err
		}
		if emission != nil {
			return emission, nil
		}
	}

	return nil, ErrEmissionNotFound
}

// EnsureProtocol guarantees the emission carries its authorization protocol,
// querying the remote service by access key when the local record lacks it.
// Returns ErrProtocolUnavailable when the authority has no record either.
func (r *Resolver) EnsureProtocol(ctx context.Context, emission *fiscal.FiscalEmission) error {
	if emission.HasProtocol() {
		return nil
	}
	if emission.AccessKey == "" {
		return ErrProtocolUnavailable
	}

	result, err := r.client.QueryByAccessKey(ctx, emission.AccessKey)
	if err != nil {
		return err
	}
	if result.Protocol == "" {
		r.logger.Warn("Remote service has no protocol for document",
			zap.String("access_key", emission.AccessKey),
			zap.Int("status_code", result.StatusCode),
			zap.String("status_message", result.StatusMessage))
		return ErrProtocolUnavailable
	}

	if err := emission.SetProtocol(result.Protocol, result.ReceivedAt); err != nil {
		return err
	}
	if err := r.emissions.SaveWithLock(ctx, emission); err != nil {
		return err
	}

	r.logger.Info("Backfilled authorization protocol",
		zap.String("emission_id", emission.ID.String()),
		zap.String("access_key", emission.AccessKey),
		zap.String("protocol", result.Protocol))

	return nil
}

// backfill reconstructs a missing local record. Issuer, series, and number
// are recovered from the access key itself; status and protocol come from the
// remote query. The total amount is unknown and stays zero.
func (r *Resolver) backfill(ctx context.Context, tenantID uuid.UUID, key fiscal.AccessKey) (*fiscal.FiscalEmission, error) {
	result, err := r.client.QueryByAccessKey(ctx, key.String())
	if err != nil {
		return nil, err
	}

	verdict := fiscal.ClassifyStatus(result.StatusCode)
	status, ok := fiscal.EmissionStatusForVerdict(verdict)
	if !ok {
		// The authority has no settled record for this key; nothing to
		// reconstruct from
		return nil, ErrEmissionNotFound
	}
	if status == fiscal.EmissionStatusRejected {
		return nil, ErrEmissionNotFound
	}

	s := key.String()
	issuer := s[6:20]
	series, _ := strconv.Atoi(s[22:25])
	number, _ := strconv.ParseInt(s[25:34], 10, 64)

	emission := &fiscal.FiscalEmission{
		TenantAggregateRoot: shared.NewTenantAggregateRoot(tenantID),
		AccessKey:           key.String(),
		DocumentID:          uuid.New(),
		DocumentNumber:      number,
		Series:              series,
		IssuerTaxID:         issuer,
		Environment:         r.environment,
		Status:              status,
		TotalAmount:         decimal.Zero,
		Protocol:            result.Protocol,
		AuthorizedAt:        result.ReceivedAt,
		LastStatusCode:      result.StatusCode,
		LastStatusMessage:   result.StatusMessage,
	}

	if err := r.emissions.Create(ctx, emission); err != nil {
		return nil, err
	}

	r.logger.Info("Reconstructed emission from remote record",
		zap.String("emission_id", emission.ID.String()),
		zap.String("access_key", key.String()),
		zap.String("status", string(status)))

	return emission, nil
}
