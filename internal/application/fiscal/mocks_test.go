package fiscal

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/erp/fiscal/internal/domain/fiscal"
	"github.com/erp/fiscal/internal/domain/shared"
	"github.com/erp/fiscal/internal/infrastructure/sefaz"
	"github.com/google/uuid"
)

// In-memory repository fakes. They keep pointers, so handler mutations are
// visible to later assertions without a reload.

type memEmissionRepo struct {
	mu        sync.Mutex
	emissions map[uuid.UUID]*fiscal.FiscalEmission
	createErr error
	saveErr   error
}

func newMemEmissionRepo() *memEmissionRepo {
	return &memEmissionRepo{emissions: make(map[uuid.UUID]*fiscal.FiscalEmission)}
}

func (r *memEmissionRepo) Create(_ context.Context, emission *fiscal.FiscalEmission) error {
	if r.createErr != nil {
		return r.createErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emissions[emission.ID] = emission
	return nil
}

func (r *memEmissionRepo) SaveWithLock(_ context.Context, emission *fiscal.FiscalEmission) error {
	if r.saveErr != nil {
		return r.saveErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emissions[emission.ID] = emission
	return nil
}

func (r *memEmissionRepo) FindByID(_ context.Context, tenantID, id uuid.UUID) (*fiscal.FiscalEmission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.emissions[id]
	if !ok || e.TenantID != tenantID {
		return nil, nil
	}
	return e, nil
}

func (r *memEmissionRepo) FindByAccessKey(_ context.Context, tenantID uuid.UUID, accessKey string) (*fiscal.FiscalEmission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.emissions {
		if e.TenantID == tenantID && e.AccessKey == accessKey {
			return e, nil
		}
	}
	return nil, nil
}

func (r *memEmissionRepo) FindByDocumentID(_ context.Context, tenantID, documentID uuid.UUID) (*fiscal.FiscalEmission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.emissions {
		if e.TenantID == tenantID && e.DocumentID == documentID {
			return e, nil
		}
	}
	return nil, nil
}

func (r *memEmissionRepo) FindByNumberAndSeries(_ context.Context, tenantID uuid.UUID, number int64, series int) (*fiscal.FiscalEmission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.emissions {
		if e.TenantID == tenantID && e.DocumentNumber == number && e.Series == series {
			return e, nil
		}
	}
	return nil, nil
}

func (r *memEmissionRepo) List(_ context.Context, tenantID uuid.UUID, _ fiscal.EmissionFilter) ([]fiscal.FiscalEmission, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []fiscal.FiscalEmission
	for _, e := range r.emissions {
		if e.TenantID == tenantID {
			out = append(out, *e)
		}
	}
	return out, int64(len(out)), nil
}

type memCancellationRepo struct {
	mu        sync.Mutex
	requests  map[uuid.UUID]*fiscal.CancellationRequest
	createErr error
}

func newMemCancellationRepo() *memCancellationRepo {
	return &memCancellationRepo{requests: make(map[uuid.UUID]*fiscal.CancellationRequest)}
}

func (r *memCancellationRepo) Create(_ context.Context, req *fiscal.CancellationRequest) error {
	if r.createErr != nil {
		return r.createErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.requests {
		if existing.TenantID == req.TenantID && existing.AccessKey == req.AccessKey && existing.Sequence == req.Sequence {
			return shared.ErrAlreadyExists
		}
	}
	r.requests[req.ID] = req
	return nil
}

func (r *memCancellationRepo) Update(_ context.Context, req *fiscal.CancellationRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests[req.ID] = req
	return nil
}

func (r *memCancellationRepo) FindByID(_ context.Context, id uuid.UUID) (*fiscal.CancellationRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requests[id], nil
}

func (r *memCancellationRepo) FindByAccessKey(_ context.Context, tenantID uuid.UUID, accessKey string) (*fiscal.CancellationRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, req := range r.requests {
		if req.TenantID == tenantID && req.AccessKey == accessKey {
			return req, nil
		}
	}
	return nil, nil
}

type memCorrectionRepo struct {
	mu       sync.Mutex
	requests map[uuid.UUID]*fiscal.CorrectionLetterRequest
}

func newMemCorrectionRepo() *memCorrectionRepo {
	return &memCorrectionRepo{requests: make(map[uuid.UUID]*fiscal.CorrectionLetterRequest)}
}

func (r *memCorrectionRepo) CreateWithNextSequence(_ context.Context, req *fiscal.CorrectionLetterRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	maxSeq := 0
	for _, existing := range r.requests {
		if existing.TenantID == req.TenantID && existing.AccessKey == req.AccessKey && existing.Sequence > maxSeq {
			maxSeq = existing.Sequence
		}
	}
	req.Sequence = maxSeq + 1
	r.requests[req.ID] = req
	return nil
}

func (r *memCorrectionRepo) Update(_ context.Context, req *fiscal.CorrectionLetterRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests[req.ID] = req
	return nil
}

func (r *memCorrectionRepo) FindByID(_ context.Context, id uuid.UUID) (*fiscal.CorrectionLetterRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requests[id], nil
}

func (r *memCorrectionRepo) ListByAccessKey(_ context.Context, tenantID uuid.UUID, accessKey string) ([]fiscal.CorrectionLetterRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []fiscal.CorrectionLetterRequest
	for _, req := range r.requests {
		if req.TenantID == tenantID && req.AccessKey == accessKey {
			out = append(out, *req)
		}
	}
	return out, nil
}

type memJobRepo struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*fiscal.Job
}

func newMemJobRepo() *memJobRepo {
	return &memJobRepo{jobs: make(map[uuid.UUID]*fiscal.Job)}
}

func (r *memJobRepo) Enqueue(_ context.Context, job *fiscal.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = job
	return nil
}

func (r *memJobRepo) ClaimNextEligible(_ context.Context, types []fiscal.JobType, now time.Time) (*fiscal.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *fiscal.Job
	for _, job := range r.jobs {
		if job.Status != fiscal.JobStatusPending || job.ScheduledFor.After(now) {
			continue
		}
		matches := false
		for _, t := range types {
			if job.JobType == t {
				matches = true
				break
			}
		}
		if !matches {
			continue
		}
		if best == nil || job.ScheduledFor.Before(best.ScheduledFor) {
			best = job
		}
	}
	if best == nil {
		return nil, nil
	}
	best.Status = fiscal.JobStatusProcessing
	return best, nil
}

func (r *memJobRepo) Update(_ context.Context, job *fiscal.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = job
	return nil
}

func (r *memJobRepo) FindByID(_ context.Context, id uuid.UUID) (*fiscal.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.jobs[id], nil
}

func (r *memJobRepo) ListFailed(_ context.Context, _, _ int) ([]fiscal.Job, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []fiscal.Job
	for _, job := range r.jobs {
		if job.Status == fiscal.JobStatusFailed {
			out = append(out, *job)
		}
	}
	return out, int64(len(out)), nil
}

func (r *memJobRepo) CountByStatus(_ context.Context) (map[fiscal.JobStatus]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[fiscal.JobStatus]int64)
	for _, job := range r.jobs {
		counts[job.Status]++
	}
	return counts, nil
}

func (r *memJobRepo) jobsOfType(t fiscal.JobType) []*fiscal.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*fiscal.Job
	for _, job := range r.jobs {
		if job.JobType == t {
			out = append(out, job)
		}
	}
	return out
}

// fakeSefazClient scripts remote responses per operation. Unconfigured
// operations fail loudly so a test cannot silently hit the wrong path.
type fakeSefazClient struct {
	mu sync.Mutex

	submitFn  func(signedXML []byte) (string, error)
	receiptFn func(receipt string) (*sefaz.Result, error)
	queryFn   func(accessKey string) (*sefaz.Result, error)
	cancelFn  func(accessKey, protocol, reason string) (*sefaz.EventResult, error)
	correctFn func(accessKey string, sequence int, text string) (*sefaz.EventResult, error)

	submitCalls  int
	receiptCalls int
	queryCalls   int
	cancelCalls  int
	correctCalls int
}

var errUnscripted = errors.New("operation not scripted in fake client")

func (c *fakeSefazClient) SubmitForProcessing(_ context.Context, signedXML []byte) (string, error) {
	c.mu.Lock()
	c.submitCalls++
	fn := c.submitFn
	c.mu.Unlock()
	if fn == nil {
		return "", errUnscripted
	}
	return fn(signedXML)
}

func (c *fakeSefazClient) QueryByReceipt(_ context.Context, receipt string) (*sefaz.Result, error) {
	c.mu.Lock()
	c.receiptCalls++
	fn := c.receiptFn
	c.mu.Unlock()
	if fn == nil {
		return nil, errUnscripted
	}
	return fn(receipt)
}

func (c *fakeSefazClient) QueryByAccessKey(_ context.Context, accessKey string) (*sefaz.Result, error) {
	c.mu.Lock()
	c.queryCalls++
	fn := c.queryFn
	c.mu.Unlock()
	if fn == nil {
		return nil, errUnscripted
	}
	return fn(accessKey)
}

func (c *fakeSefazClient) SubmitCancellation(_ context.Context, accessKey, protocol, reason string) (*sefaz.EventResult, error) {
	c.mu.Lock()
	c.cancelCalls++
	fn := c.cancelFn
	c.mu.Unlock()
	if fn == nil {
		return nil, errUnscripted
	}
	return fn(accessKey, protocol, reason)
}

func (c *fakeSefazClient) SubmitCorrectionLetter(_ context.Context, accessKey string, sequence int, text string) (*sefaz.EventResult, error) {
	c.mu.Lock()
	c.correctCalls++
	fn := c.correctFn
	c.mu.Unlock()
	if fn == nil {
		return nil, errUnscripted
	}
	return fn(accessKey, sequence, text)
}
