package handler

import (
	appfiscal "github.com/erp/fiscal/internal/application/fiscal"
	"github.com/erp/fiscal/internal/interfaces/http/dto"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// JobHandler exposes queue observability and the manual re-trigger
type JobHandler struct {
	BaseHandler
	jobs *appfiscal.JobService
}

// NewJobHandler creates a new JobHandler
func NewJobHandler(jobs *appfiscal.JobService) *JobHandler {
	return &JobHandler{jobs: jobs}
}

// RegisterRoutes registers job routes
func (h *JobHandler) RegisterRoutes(rg *gin.RouterGroup) {
	group := rg.Group("/fiscal/jobs")
	{
		group.GET("/failed", h.ListFailed)
		group.GET("/stats", h.Stats)
		group.POST("/:id/retry", h.Retry)
	}
}

// ListFailed returns terminally failed jobs
func (h *JobHandler) ListFailed(c *gin.Context) {
	var req dto.ListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.BadRequest(c, "Invalid query parameters: "+err.Error())
		return
	}
	req.Normalize()

	jobs, total, err := h.jobs.ListFailed(c.Request.Context(), req.Page, req.PageSize)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.SuccessWithMeta(c, jobs, total, req.Page, req.PageSize)
}

// Stats returns queue depth grouped by status
func (h *JobHandler) Stats(c *gin.Context) {
	stats, err := h.jobs.Stats(c.Request.Context())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, stats)
}

// Retry re-enqueues a terminally failed job
func (h *JobHandler) Retry(c *gin.Context) {
	var req dto.IDRequest
	if err := c.ShouldBindUri(&req); err != nil {
		h.BadRequest(c, "Invalid job ID")
		return
	}

	job, err := h.jobs.Retry(c.Request.Context(), uuid.MustParse(req.ID))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, job)
}
