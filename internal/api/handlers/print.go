package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/orrn/printd/internal/core"
	"github.com/orrn/printd/internal/logger"
	"github.com/orrn/printd/internal/render"
)

const JobIDHeader = "X-Job-ID"

type PrintRequest struct {
	PrinterName string `json:"printer_name" binding:"required"`
	Content     string `json:"content" binding:"required"`
	Format      string `json:"format" binding:"required,oneof=html url pdf"`
	AuthToken   string `json:"auth_token"`
}

type PrintResponse struct {
	Message string `json:"message"`
}

type JobSubmitter interface {
	Submit(ctx context.Context, req core.PrintJobRequest) (*core.JobResult, error)
}

type PrintHandler struct {
	pipeline JobSubmitter
}

func NewPrintHandler(pipeline JobSubmitter) *PrintHandler {
	return &PrintHandler{pipeline: pipeline}
}

var reasonCodes = map[core.Reason]string{
	core.ReasonPrinterNotFound:     "printer_not_found",
	core.ReasonPrinterLookupFailed: "printer_lookup_failed",
	core.ReasonRenderingFailed:     "rendering_failed",
	core.ReasonStagingFailed:       "staging_failed",
	core.ReasonDispatchFailed:      "dispatch_failed",
}

func (h *PrintHandler) Print(c *gin.Context) {
	var req PrintRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: err.Error(),
		})
		return
	}

	// Jobs run to completion even if the client goes away.
	ctx := context.WithoutCancel(c.Request.Context())

	res, err := h.pipeline.Submit(ctx, core.PrintJobRequest{
		PrinterName: req.PrinterName,
		Content:     req.Content,
		Format:      render.Format(req.Format),
		AuthToken:   req.AuthToken,
	})
	if err != nil {
		h.writeJobError(c, err)
		return
	}

	c.Header(JobIDHeader, res.JobID)
	c.JSON(http.StatusOK, PrintResponse{Message: "Printing"})
}

func (h *PrintHandler) writeJobError(c *gin.Context, err error) {
	var jobErr *core.JobError
	if !errors.As(err, &jobErr) {
		logger.FromGin(c).Error("print job failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: err.Error(),
		})
		return
	}

	c.Header(JobIDHeader, jobErr.JobID)
	status := http.StatusInternalServerError
	if jobErr.Reason == core.ReasonPrinterNotFound {
		status = http.StatusNotFound
	}
	code, ok := reasonCodes[jobErr.Reason]
	if !ok {
		code = "internal_error"
	}

	c.JSON(status, ErrorResponse{
		Error:   code,
		Message: jobErr.Error(),
		JobID:   jobErr.JobID,
	})
}

func (h *PrintHandler) RegisterRoutes(r gin.IRoutes) {
	r.POST("/print", h.Print)
}
