package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/orrn/printd/internal/api/handlers"
	"github.com/orrn/printd/internal/api/middleware"
	"github.com/orrn/printd/internal/logger"
	"github.com/orrn/printd/internal/printer"
)

type RouterConfig struct {
	Directory        printer.Directory
	Pipeline         handlers.JobSubmitter
	DirectoryTimeout time.Duration
	// CORSOrigins nil allows any origin.
	CORSOrigins []string
	Logger      *zap.Logger
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	l := logger.OrNop(cfg.Logger).Named("http")

	r := gin.New()
	r.Use(middleware.RequestID())
	r.Use(logger.GinMiddleware(l))
	r.Use(logger.Recovery(l))
	r.Use(middleware.CORS(cfg.CORSOrigins))

	r.GET("/health", handlers.Health)
	handlers.NewPrinterHandler(cfg.Directory, cfg.DirectoryTimeout).RegisterRoutes(r)
	handlers.NewPrintHandler(cfg.Pipeline).RegisterRoutes(r)

	return r
}
