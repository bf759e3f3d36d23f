package handler

import (
	"time"

	appfiscal "github.com/erp/fiscal/internal/application/fiscal"
	"github.com/erp/fiscal/internal/domain/fiscal"
	"github.com/erp/fiscal/internal/interfaces/http/dto"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// FiscalHandler exposes the emission lifecycle API
type FiscalHandler struct {
	BaseHandler
	emissions  *appfiscal.EmissionService
	amendments *appfiscal.AmendmentService
}

// NewFiscalHandler creates a new FiscalHandler
func NewFiscalHandler(emissions *appfiscal.EmissionService, amendments *appfiscal.AmendmentService) *FiscalHandler {
	return &FiscalHandler{emissions: emissions, amendments: amendments}
}

// RegisterRoutes registers fiscal routes
func (h *FiscalHandler) RegisterRoutes(rg *gin.RouterGroup) {
	group := rg.Group("/fiscal")
	{
		group.POST("/emissions", h.Emit)
		group.GET("/emissions", h.List)
		group.GET("/emissions/:id", h.Get)
		group.GET("/emissions/:id/corrections", h.ListCorrections)

		group.POST("/cancellations", h.RequestCancellation)
		group.GET("/cancellations/:id", h.GetCancellation)

		group.POST("/corrections", h.RequestCorrection)
		group.GET("/corrections/:id", h.GetCorrection)
	}
}

// EmissionResponse is the API view of one fiscal emission
type EmissionResponse struct {
	ID                uuid.UUID       `json:"id"`
	DocumentID        uuid.UUID       `json:"document_id"`
	DocumentNumber    int64           `json:"document_number"`
	Series            int             `json:"series"`
	IssuerTaxID       string          `json:"issuer_tax_id"`
	Environment       string          `json:"environment"`
	Status            string          `json:"status"`
	AccessKey         string          `json:"access_key,omitempty"`
	TotalAmount       decimal.Decimal `json:"total_amount"`
	ReceiptNumber     string          `json:"receipt_number,omitempty"`
	Protocol          string          `json:"protocol,omitempty"`
	AuthorizedAt      *time.Time      `json:"authorized_at,omitempty"`
	LastStatusCode    int             `json:"last_status_code,omitempty"`
	LastStatusMessage string          `json:"last_status_message,omitempty"`
	LastCorrectionSeq int             `json:"last_correction_seq,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

func toEmissionResponse(e *fiscal.FiscalEmission) EmissionResponse {
	return EmissionResponse{
		ID:                e.ID,
		DocumentID:        e.DocumentID,
		DocumentNumber:    e.DocumentNumber,
		Series:            e.Series,
		IssuerTaxID:       e.IssuerTaxID,
		Environment:       string(e.Environment),
		Status:            string(e.Status),
		AccessKey:         e.AccessKey,
		TotalAmount:       e.TotalAmount,
		ReceiptNumber:     e.ReceiptNumber,
		Protocol:          e.Protocol,
		AuthorizedAt:      e.AuthorizedAt,
		LastStatusCode:    e.LastStatusCode,
		LastStatusMessage: e.LastStatusMessage,
		LastCorrectionSeq: e.LastCorrectionSeq,
		CreatedAt:         e.CreatedAt,
		UpdatedAt:         e.UpdatedAt,
	}
}

// AmendmentRequest addresses an emission by its strongest available
// identifier and carries the justification text
type AmendmentRequest struct {
	EmissionID     *uuid.UUID `json:"emission_id,omitempty"`
	AccessKey      string     `json:"access_key,omitempty"`
	DocumentID     *uuid.UUID `json:"document_id,omitempty"`
	DocumentNumber *int64     `json:"document_number,omitempty"`
	Series         *int       `json:"series,omitempty"`
	Reason         string     `json:"reason"`
}

func (r AmendmentRequest) ref() appfiscal.EmissionRef {
	return appfiscal.EmissionRef{
		EmissionID:     r.EmissionID,
		AccessKey:      r.AccessKey,
		DocumentID:     r.DocumentID,
		DocumentNumber: r.DocumentNumber,
		Series:         r.Series,
	}
}

// AmendmentResponse is returned when an amendment request is accepted
type AmendmentResponse struct {
	RequestID uuid.UUID `json:"request_id"`
	Sequence  int       `json:"sequence"`
	JobID     uuid.UUID `json:"job_id"`
}

// RequestResponse is the API view of a cancellation or correction request
type RequestResponse struct {
	ID            uuid.UUID  `json:"id"`
	EmissionID    uuid.UUID  `json:"emission_id"`
	AccessKey     string     `json:"access_key"`
	Sequence      int        `json:"sequence"`
	Text          string     `json:"text"`
	Status        string     `json:"status"`
	StatusCode    int        `json:"status_code,omitempty"`
	StatusMessage string     `json:"status_message,omitempty"`
	EventProtocol string     `json:"event_protocol,omitempty"`
	ProcessedAt   *time.Time `json:"processed_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Emit starts a fiscal emission for a business document. The document is
// signed synchronously; the remote submission runs asynchronously.
func (h *FiscalHandler) Emit(c *gin.Context) {
	tenantID, err := getTenantID(c)
	if err != nil {
		h.Unauthorized(c, "Invalid tenant")
		return
	}
	userID, err := getUserID(c)
	if err != nil {
		h.Unauthorized(c, "Invalid user")
		return
	}

	var input appfiscal.EmitInput
	if err := c.ShouldBindJSON(&input); err != nil {
		h.BadRequest(c, "Invalid request body: "+err.Error())
		return
	}

	emission, err := h.emissions.EmitDocument(c.Request.Context(), tenantID, userID, input)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.Accepted(c, toEmissionResponse(emission))
}

// Get returns one emission by ID
func (h *FiscalHandler) Get(c *gin.Context) {
	tenantID, err := getTenantID(c)
	if err != nil {
		h.Unauthorized(c, "Invalid tenant")
		return
	}

	var req dto.IDRequest
	if err := c.ShouldBindUri(&req); err != nil {
		h.BadRequest(c, "Invalid emission ID")
		return
	}
	id := uuid.MustParse(req.ID)

	emission, err := h.emissions.GetEmission(c.Request.Context(), tenantID, id)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.Success(c, toEmissionResponse(emission))
}

// ListEmissionsRequest narrows the emission listing
type ListEmissionsRequest struct {
	dto.ListRequest
	Status string `form:"status"`
	Series *int   `form:"series"`
}

// List returns a filtered page of the tenant's emissions
func (h *FiscalHandler) List(c *gin.Context) {
	tenantID, err := getTenantID(c)
	if err != nil {
		h.Unauthorized(c, "Invalid tenant")
		return
	}

	var req ListEmissionsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.BadRequest(c, "Invalid query parameters: "+err.Error())
		return
	}
	req.Normalize()

	filter := fiscal.EmissionFilter{Page: req.Page, PageSize: req.PageSize, Series: req.Series}
	if req.Status != "" {
		status := fiscal.EmissionStatus(req.Status)
		if !status.IsValid() {
			h.BadRequest(c, "Unknown emission status: "+req.Status)
			return
		}
		filter.Status = &status
	}

	emissions, total, err := h.emissions.ListEmissions(c.Request.Context(), tenantID, filter)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	responses := make([]EmissionResponse, len(emissions))
	for i := range emissions {
		responses[i] = toEmissionResponse(&emissions[i])
	}

	h.SuccessWithMeta(c, responses, total, req.Page, req.PageSize)
}

// RequestCancellation files a cancellation for an authorized emission
func (h *FiscalHandler) RequestCancellation(c *gin.Context) {
	tenantID, err := getTenantID(c)
	if err != nil {
		h.Unauthorized(c, "Invalid tenant")
		return
	}
	userID, err := getUserID(c)
	if err != nil {
		h.Unauthorized(c, "Invalid user")
		return
	}

	var req AmendmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.BadRequest(c, "Invalid request body: "+err.Error())
		return
	}

	result, err := h.amendments.RequestCancellation(c.Request.Context(), tenantID, userID, req.ref(), req.Reason)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.Accepted(c, AmendmentResponse{
		RequestID: result.RequestID,
		Sequence:  result.Sequence,
		JobID:     result.JobID,
	})
}

// GetCancellation returns one cancellation request
func (h *FiscalHandler) GetCancellation(c *gin.Context) {
	tenantID, err := getTenantID(c)
	if err != nil {
		h.Unauthorized(c, "Invalid tenant")
		return
	}

	var req dto.IDRequest
	if err := c.ShouldBindUri(&req); err != nil {
		h.BadRequest(c, "Invalid request ID")
		return
	}

	request, err := h.amendments.GetCancellation(c.Request.Context(), tenantID, uuid.MustParse(req.ID))
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.Success(c, RequestResponse{
		ID:            request.ID,
		EmissionID:    request.EmissionID,
		AccessKey:     request.AccessKey,
		Sequence:      request.Sequence,
		Text:          request.Reason,
		Status:        string(request.Status),
		StatusCode:    request.StatusCode,
		StatusMessage: request.StatusMessage,
		EventProtocol: request.EventProtocol,
		ProcessedAt:   request.ProcessedAt,
		CreatedAt:     request.CreatedAt,
	})
}

// RequestCorrection files a correction letter for an authorized emission
func (h *FiscalHandler) RequestCorrection(c *gin.Context) {
	tenantID, err := getTenantID(c)
	if err != nil {
		h.Unauthorized(c, "Invalid tenant")
		return
	}
	userID, err := getUserID(c)
	if err != nil {
		h.Unauthorized(c, "Invalid user")
		return
	}

	var req AmendmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.BadRequest(c, "Invalid request body: "+err.Error())
		return
	}

	result, err := h.amendments.RequestCorrection(c.Request.Context(), tenantID, userID, req.ref(), req.Reason)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.Accepted(c, AmendmentResponse{
		RequestID: result.RequestID,
		Sequence:  result.Sequence,
		JobID:     result.JobID,
	})
}

// GetCorrection returns one correction letter request
func (h *FiscalHandler) GetCorrection(c *gin.Context) {
	tenantID, err := getTenantID(c)
	if err != nil {
		h.Unauthorized(c, "Invalid tenant")
		return
	}

	var req dto.IDRequest
	if err := c.ShouldBindUri(&req); err != nil {
		h.BadRequest(c, "Invalid request ID")
		return
	}

	request, err := h.amendments.GetCorrection(c.Request.Context(), tenantID, uuid.MustParse(req.ID))
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.Success(c, toCorrectionResponse(request))
}

// ListCorrections returns the correction letters filed for an emission
func (h *FiscalHandler) ListCorrections(c *gin.Context) {
	tenantID, err := getTenantID(c)
	if err != nil {
		h.Unauthorized(c, "Invalid tenant")
		return
	}

	var req dto.IDRequest
	if err := c.ShouldBindUri(&req); err != nil {
		h.BadRequest(c, "Invalid emission ID")
		return
	}

	emission, err := h.emissions.GetEmission(c.Request.Context(), tenantID, uuid.MustParse(req.ID))
	if err != nil {
		h.HandleError(c, err)
		return
	}

	corrections, err := h.amendments.ListCorrections(c.Request.Context(), tenantID, emission.AccessKey)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	responses := make([]RequestResponse, len(corrections))
	for i := range corrections {
		responses[i] = toCorrectionResponse(&corrections[i])
	}
	h.Success(c, responses)
}

func toCorrectionResponse(r *fiscal.CorrectionLetterRequest) RequestResponse {
	return RequestResponse{
		ID:            r.ID,
		EmissionID:    r.EmissionID,
		AccessKey:     r.AccessKey,
		Sequence:      r.Sequence,
		Text:          r.CorrectionText,
		Status:        string(r.Status),
		StatusCode:    r.StatusCode,
		StatusMessage: r.StatusMessage,
		EventProtocol: r.EventProtocol,
		ProcessedAt:   r.ProcessedAt,
		CreatedAt:     r.CreatedAt,
	}
}
