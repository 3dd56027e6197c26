package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/orrn/printd/internal/logger"
	"github.com/orrn/printd/internal/printer"
	"github.com/orrn/printd/internal/version"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	JobID   string `json:"job_id,omitempty"`
}

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

type PrinterHandler struct {
	directory printer.Directory
	timeout   time.Duration
}

func NewPrinterHandler(directory printer.Directory, timeout time.Duration) *PrinterHandler {
	return &PrinterHandler{directory: directory, timeout: timeout}
}

func Health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: version.Version,
	})
}

// ListPrinters reports the printers installed on this machine, queried from
// the OS on every call.
func (h *PrinterHandler) ListPrinters(c *gin.Context) {
	ctx := c.Request.Context()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	printers, err := h.directory.List(ctx)
	if err != nil {
		logger.FromGin(c).Error("failed to list printers", zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "printer_directory_error",
			Message: "Failed to retrieve printers",
		})
		return
	}

	if printers == nil {
		printers = []printer.Info{}
	}
	c.JSON(http.StatusOK, printers)
}

func (h *PrinterHandler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/printers", h.ListPrinters)
}
