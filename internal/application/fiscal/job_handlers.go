package fiscal

import (
	"context"
	"errors"
	"fmt"

	"github.com/erp/fiscal/internal/domain/fiscal"
	"github.com/erp/fiscal/internal/infrastructure/sefaz"
	"github.com/erp/fiscal/internal/infrastructure/storage"
	"github.com/erp/fiscal/internal/infrastructure/worker"
	"go.uber.org/zap"
)

// JobHandlers executes the remote-facing lifecycle steps. Every handler is
// idempotent: it re-reads current state from the records, so a duplicated or
// replayed job converges instead of corrupting.
type JobHandlers struct {
	emissions     fiscal.EmissionRepository
	cancellations fiscal.CancellationRepository
	corrections   fiscal.CorrectionRepository
	jobs          fiscal.JobRepository
	client        sefaz.Client
	artifacts     storage.ArtifactStore
	resolver      *Resolver
	logger        *zap.Logger
}

// NewJobHandlers creates the handler set
func NewJobHandlers(
	emissions fiscal.EmissionRepository,
	cancellations fiscal.CancellationRepository,
	corrections fiscal.CorrectionRepository,
	jobs fiscal.JobRepository,
	client sefaz.Client,
	artifacts storage.ArtifactStore,
	resolver *Resolver,
	logger *zap.Logger,
) *JobHandlers {
	return &JobHandlers{
		emissions:     emissions,
		cancellations: cancellations,
		corrections:   corrections,
		jobs:          jobs,
		client:        client,
		artifacts:     artifacts,
		resolver:      resolver,
		logger:        logger,
	}
}

// Register binds every handler to its job type on the worker
func (h *JobHandlers) Register(w *worker.Worker) {
	w.Register(fiscal.JobTypeEmit, h.HandleEmit)
	w.Register(fiscal.JobTypePoll, h.HandlePoll)
	w.Register(fiscal.JobTypeCancel, h.HandleCancel)
	w.Register(fiscal.JobTypeCorrect, h.HandleCorrect)
}

// errStillProcessing drives the poll cadence: while the authority has not
// decided, the poll job fails retryably and the worker's backoff spaces out
// the re-polls. No second scheduler exists.
var errStillProcessing = errors.New("authority has not decided yet")

// HandleEmit submits the signed document and records the receipt
func (h *JobHandlers) HandleEmit(ctx context.Context, job *fiscal.Job) error {
	payload, err := job.DecodePayload()
	if err != nil {
		return fiscal.Permanent(err)
	}
	emissionID := payload.(fiscal.EmitPayload).EmissionID

	emission, err := h.emissions.FindByID(ctx, job.TenantID, emissionID)
	if err != nil {
		return err
	}
	if emission == nil {
		return fiscal.Permanent(fmt.Errorf("emission %s not found", emissionID))
	}

	switch emission.Status {
	case fiscal.EmissionStatusQueued:
		// proceed with submission
	case fiscal.EmissionStatusSignedOffline:
		// The queue flip commits before the job is enqueued, so this read is
		// stale (replica lag, or a manually replayed job); retry until the row
		// catches up
		return fmt.Errorf("emission %s is still %s", emissionID, emission.Status)
	case fiscal.EmissionStatusProcessing:
		// Replay after a crash between submission and poll enqueue; just make
		// sure the poll job exists
		return h.enqueuePoll(ctx, emission)
	default:
		if emission.Status.IsTerminal() {
			return nil
		}
		return fiscal.Permanent(fmt.Errorf("emission %s is %s, cannot submit", emissionID, emission.Status))
	}

	signedXML, err := h.artifacts.Get(ctx, emission.SignedXMLRef)
	if err != nil {
		if errors.Is(err, storage.ErrArtifactNotFound) {
			return fiscal.Permanent(fmt.Errorf("signed artifact missing for emission %s", emissionID))
		}
		return err
	}

	receipt, err := h.client.SubmitForProcessing(ctx, signedXML)
	if err != nil {
		return err
	}

	if err := emission.MarkSubmitted(receipt); err != nil {
		return fiscal.Permanent(err)
	}
	if err := h.emissions.SaveWithLock(ctx, emission); err != nil {
		return err
	}

	h.logger.Info("Document submitted",
		zap.String("emission_id", emission.ID.String()),
		zap.String("receipt", receipt))

	return h.enqueuePoll(ctx, emission)
}

// HandlePoll queries the verdict and applies the terminal transition
func (h *JobHandlers) HandlePoll(ctx context.Context, job *fiscal.Job) error {
	payload, err := job.DecodePayload()
	if err != nil {
		return fiscal.Permanent(err)
	}
	emissionID := payload.(fiscal.PollPayload).EmissionID

	emission, err := h.emissions.FindByID(ctx, job.TenantID, emissionID)
	if err != nil {
		return err
	}
	if emission == nil {
		return fiscal.Permanent(fmt.Errorf("emission %s not found", emissionID))
	}
	if emission.Status.IsTerminal() {
		return nil
	}

	var result *sefaz.Result
	if emission.ReceiptNumber != "" {
		result, err = h.client.QueryByReceipt(ctx, emission.ReceiptNumber)
	} else {
		result, err = h.client.QueryByAccessKey(ctx, emission.AccessKey)
	}
	if err != nil {
		return err
	}

	verdict := fiscal.ClassifyStatus(result.StatusCode)
	if verdict == fiscal.VerdictStillProcessing {
		emission.RecordRemoteStatus(result.StatusCode, result.StatusMessage)
		if err := h.emissions.SaveWithLock(ctx, emission); err != nil {
			return err
		}
		return errStillProcessing
	}

	target, _ := fiscal.EmissionStatusForVerdict(verdict)
	if err := emission.ApplyVerdict(target, result.StatusCode, result.StatusMessage, result.Protocol, result.ReceivedAt); err != nil {
		if errors.Is(err, fiscal.ErrTerminalConflict) {
			// Inconsistent remote verdict; surface it, never overwrite
			h.logger.Error("Conflicting terminal verdict from remote service",
				zap.String("emission_id", emission.ID.String()),
				zap.String("current_status", string(emission.Status)),
				zap.String("incoming_status", string(target)),
				zap.Int("status_code", result.StatusCode))
			return fiscal.Permanent(err)
		}
		return fiscal.Permanent(err)
	}

	if target == fiscal.EmissionStatusAuthorized && len(result.RawEnvelope) > 0 {
		ref, putErr := h.artifacts.Put(ctx, emission.TenantID, emission.AccessKey, storage.ArtifactAuthorization, result.RawEnvelope)
		if putErr != nil {
			h.logger.Warn("Failed to store authorization envelope",
				zap.String("emission_id", emission.ID.String()),
				zap.Error(putErr))
		} else {
			emission.SetAuthorizationRef(ref)
		}
	}

	if err := h.emissions.SaveWithLock(ctx, emission); err != nil {
		return err
	}

	h.logger.Info("Verdict applied",
		zap.String("emission_id", emission.ID.String()),
		zap.String("status", string(target)),
		zap.Int("status_code", result.StatusCode),
		zap.String("protocol", result.Protocol))

	return nil
}

// HandleCancel submits the cancellation event and settles both records
func (h *JobHandlers) HandleCancel(ctx context.Context, job *fiscal.Job) error {
	payload, err := job.DecodePayload()
	if err != nil {
		return fiscal.Permanent(err)
	}
	requestID := payload.(fiscal.CancelPayload).RequestID

	request, err := h.cancellations.FindByID(ctx, requestID)
	if err != nil {
		return err
	}
	if request == nil {
		return fiscal.Permanent(fmt.Errorf("cancellation request %s not found", requestID))
	}
	if request.Status.IsTerminal() {
		return nil
	}

	emission, err := h.emissions.FindByID(ctx, job.TenantID, request.EmissionID)
	if err != nil {
		return err
	}
	if emission == nil {
		return fiscal.Permanent(fmt.Errorf("emission %s not found", request.EmissionID))
	}

	if emission.IsCancelled() {
		// Replay after a crash between the emission save and the request
		// save; settle the request side
		if err := request.MarkProcessed(emission.LastStatusCode, emission.LastStatusMessage, ""); err != nil {
			return fiscal.Permanent(err)
		}
		return h.cancellations.Update(ctx, request)
	}

	if err := h.resolver.EnsureProtocol(ctx, emission); err != nil {
		if errors.Is(err, ErrProtocolUnavailable) {
			return h.failRequest(ctx, request, 0, "no authorization protocol available", err)
		}
		return err
	}

	result, err := h.client.SubmitCancellation(ctx, emission.AccessKey, emission.Protocol, request.Reason)
	if err != nil {
		return err
	}

	if !fiscal.IsEventAccepted(result.StatusCode) {
		// The authority rejected the event; retrying the same payload cannot
		// succeed
		return h.failRequest(ctx, request, result.StatusCode, result.StatusMessage,
			fmt.Errorf("cancellation rejected: %d %s", result.StatusCode, result.StatusMessage))
	}

	if err := emission.MarkCancelled(result.StatusCode, result.StatusMessage); err != nil {
		return fiscal.Permanent(err)
	}
	if err := h.emissions.SaveWithLock(ctx, emission); err != nil {
		return err
	}

	if err := request.MarkProcessed(result.StatusCode, result.StatusMessage, result.Protocol); err != nil {
		return fiscal.Permanent(err)
	}
	if err := h.cancellations.Update(ctx, request); err != nil {
		return err
	}

	h.logger.Info("Emission cancelled",
		zap.String("emission_id", emission.ID.String()),
		zap.String("access_key", emission.AccessKey),
		zap.String("event_protocol", result.Protocol))

	return nil
}

// HandleCorrect submits the correction letter event under its sequence
func (h *JobHandlers) HandleCorrect(ctx context.Context, job *fiscal.Job) error {
	payload, err := job.DecodePayload()
	if err != nil {
		return fiscal.Permanent(err)
	}
	requestID := payload.(fiscal.CorrectPayload).RequestID

	request, err := h.corrections.FindByID(ctx, requestID)
	if err != nil {
		return err
	}
	if request == nil {
		return fiscal.Permanent(fmt.Errorf("correction request %s not found", requestID))
	}
	if request.Status.IsTerminal() {
		return nil
	}

	emission, err := h.emissions.FindByID(ctx, job.TenantID, request.EmissionID)
	if err != nil {
		return err
	}
	if emission == nil {
		return fiscal.Permanent(fmt.Errorf("emission %s not found", request.EmissionID))
	}
	if !emission.IsAuthorized() {
		return h.failCorrection(ctx, request, 0, "emission is no longer authorized",
			fmt.Errorf("emission %s is %s", emission.ID, emission.Status))
	}

	result, err := h.client.SubmitCorrectionLetter(ctx, emission.AccessKey, request.Sequence, request.CorrectionText)
	if err != nil {
		return err
	}

	if !fiscal.IsEventAccepted(result.StatusCode) {
		return h.failCorrection(ctx, request, result.StatusCode, result.StatusMessage,
			fmt.Errorf("correction letter rejected: %d %s", result.StatusCode, result.StatusMessage))
	}

	if err := request.MarkProcessed(result.StatusCode, result.StatusMessage, result.Protocol); err != nil {
		return fiscal.Permanent(err)
	}
	if err := h.corrections.Update(ctx, request); err != nil {
		return err
	}

	if err := emission.AdvanceCorrectionSequence(request.Sequence); err == nil {
		if err := h.emissions.SaveWithLock(ctx, emission); err != nil {
			// Bookkeeping only; the request itself is settled
			h.logger.Warn("Failed to advance correction sequence",
				zap.String("emission_id", emission.ID.String()),
				zap.Error(err))
		}
	}

	h.logger.Info("Correction letter registered",
		zap.String("emission_id", emission.ID.String()),
		zap.String("access_key", emission.AccessKey),
		zap.Int("sequence", request.Sequence))

	return nil
}

func (h *JobHandlers) enqueuePoll(ctx context.Context, emission *fiscal.FiscalEmission) error {
	job, err := fiscal.NewJob(emission.TenantID, fiscal.PollPayload{EmissionID: emission.ID})
	if err != nil {
		return err
	}
	return h.jobs.Enqueue(ctx, job)
}

func (h *JobHandlers) failRequest(ctx context.Context, request *fiscal.CancellationRequest, statusCode int, statusMessage string, cause error) error {
	if err := request.MarkFailed(statusCode, statusMessage); err != nil {
		return fiscal.Permanent(err)
	}
	if err := h.cancellations.Update(ctx, request); err != nil {
		return err
	}
	return fiscal.Permanent(cause)
}

func (h *JobHandlers) failCorrection(ctx context.Context, request *fiscal.CorrectionLetterRequest, statusCode int, statusMessage string, cause error) error {
	if err := request.MarkFailed(statusCode, statusMessage); err != nil {
		return fiscal.Permanent(err)
	}
	if err := h.corrections.Update(ctx, request); err != nil {
		return err
	}
	return fiscal.Permanent(cause)
}
