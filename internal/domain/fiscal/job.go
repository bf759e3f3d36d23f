package fiscal

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/erp/fiscal/internal/domain/shared"
	"github.com/google/uuid"
)

// JobType tags the lifecycle step a job re-runs. Handlers register by type.
type JobType string

const (
	JobTypeEmit    JobType = "fiscal.emit"
	JobTypePoll    JobType = "fiscal.poll"
	JobTypeCancel  JobType = "fiscal.cancel"
	JobTypeCorrect JobType = "fiscal.correct"
)

// JobStatus represents the status of a queued job
type JobStatus string

const (
	JobStatusPending    JobStatus = "PENDING"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusFailed     JobStatus = "FAILED"
)

// Retry configuration. Backoff doubles per attempt and is capped: the source
// formula grows unbounded, the cap keeps a flaky document from drifting into
// multi-hour silence.
const (
	DefaultMaxAttempts = 8
	BackoffBase        = time.Minute
	BackoffCap         = 60 * time.Minute
)

// Job is a durable pointer to "re-run this lifecycle step". Its payload
// carries IDs only, so a job is safe to duplicate or lose: the handler
// re-reads current state from the emission and request records.
type Job struct {
	shared.BaseAggregateRoot
	TenantID     uuid.UUID `gorm:"type:uuid;not null;index"`
	JobType      JobType   `gorm:"type:varchar(50);not null;index:idx_job_claim"`
	Payload      []byte    `gorm:"type:jsonb;not null"`
	Status       JobStatus `gorm:"type:varchar(20);not null;default:'PENDING';index:idx_job_claim"`
	Attempts     int       `gorm:"not null;default:0"`
	MaxAttempts  int       `gorm:"not null"`
	LastError    string    `gorm:"type:varchar(1000)"`
	ScheduledFor time.Time `gorm:"not null;index:idx_job_claim"`
	CompletedAt  *time.Time
}

// TableName returns the table name for GORM
func (Job) TableName() string {
	return "fiscal_jobs"
}

// JobPayload is the tagged union of per-type payloads. Type returns the job
// type the payload belongs to, so a payload can never be enqueued under the
// wrong tag.
type JobPayload interface {
	Type() JobType
}

// EmitPayload drives the submit-for-processing step
type EmitPayload struct {
	EmissionID uuid.UUID `json:"emission_id"`
}

// Type implements JobPayload
func (EmitPayload) Type() JobType { return JobTypeEmit }

// PollPayload drives the query-by-receipt step
type PollPayload struct {
	EmissionID uuid.UUID `json:"emission_id"`
}

// Type implements JobPayload
func (PollPayload) Type() JobType { return JobTypePoll }

// CancelPayload drives the submit-cancellation step
type CancelPayload struct {
	RequestID uuid.UUID `json:"request_id"`
}

// Type implements JobPayload
func (CancelPayload) Type() JobType { return JobTypeCancel }

// CorrectPayload drives the submit-correction-letter step
type CorrectPayload struct {
	RequestID uuid.UUID `json:"request_id"`
}

// Type implements JobPayload
func (CorrectPayload) Type() JobType { return JobTypeCorrect }

// NewJob creates a pending job eligible to run immediately
func NewJob(tenantID uuid.UUID, payload JobPayload) (*Job, error) {
	if tenantID == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_TENANT", "Tenant ID cannot be empty")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal job payload: %w", err)
	}
	return &Job{
		BaseAggregateRoot: shared.NewBaseAggregateRoot(),
		TenantID:          tenantID,
		JobType:           payload.Type(),
		Payload:           raw,
		Status:            JobStatusPending,
		MaxAttempts:       DefaultMaxAttempts,
		ScheduledFor:      time.Now(),
	}, nil
}

// DecodePayload decodes the payload into the variant matching the job type
func (j *Job) DecodePayload() (JobPayload, error) {
	switch j.JobType {
	case JobTypeEmit:
		var p EmitPayload
		return p, json.Unmarshal(j.Payload, &p)
	case JobTypePoll:
		var p PollPayload
		return p, json.Unmarshal(j.Payload, &p)
	case JobTypeCancel:
		var p CancelPayload
		return p, json.Unmarshal(j.Payload, &p)
	case JobTypeCorrect:
		var p CorrectPayload
		return p, json.Unmarshal(j.Payload, &p)
	default:
		return nil, shared.NewDomainError("UNKNOWN_JOB_TYPE", fmt.Sprintf("No payload variant for job type %q", j.JobType))
	}
}

// MarkCompleted marks the job as successfully executed
func (j *Job) MarkCompleted() {
	now := time.Now()
	j.Status = JobStatusCompleted
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// MarkFailed records a handler failure. Below the attempt ceiling the job
// returns to pending with an exponential backoff; at the ceiling it becomes
// terminally failed and requires a manual re-trigger.
func (j *Job) MarkFailed(errMsg string) {
	j.Attempts++
	j.LastError = truncate(errMsg, 1000)
	j.UpdatedAt = time.Now()

	if j.Attempts >= j.MaxAttempts {
		j.Status = JobStatusFailed
		return
	}
	j.Status = JobStatusPending
	j.ScheduledFor = time.Now().Add(Backoff(j.Attempts))
}

// IsFailed returns true when the job exhausted its attempts
func (j *Job) IsFailed() bool {
	return j.Status == JobStatusFailed
}

// ResetForRetry re-enqueues a terminally failed job with a fresh attempt
// budget. This is the operator's manual re-trigger.
func (j *Job) ResetForRetry() error {
	if j.Status != JobStatusFailed {
		return shared.NewDomainError("INVALID_STATE", "Only failed jobs can be re-enqueued")
	}
	j.Status = JobStatusPending
	j.Attempts = 0
	j.LastError = ""
	j.ScheduledFor = time.Now()
	j.UpdatedAt = time.Now()
	return nil
}

// Backoff returns the delay before the next attempt: 2^attempts minutes,
// capped at BackoffCap
func Backoff(attempts int) time.Duration {
	if attempts < 1 {
		return BackoffBase
	}
	if attempts > 30 {
		return BackoffCap
	}
	d := BackoffBase * time.Duration(1<<uint(attempts))
	if d > BackoffCap {
		return BackoffCap
	}
	return d
}

// PermanentError wraps a handler error that retrying cannot fix: precondition
// failures and terminal remote rejections. The worker fails the job
// immediately instead of consuming retries.
type PermanentError struct {
	Err error
}

// Error implements the error interface
func (e *PermanentError) Error() string {
	return e.Err.Error()
}

// Unwrap exposes the wrapped error
func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent marks err as not retryable
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err is marked as not retryable
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
