package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/kcpu/internal/domain/kloader"
	"github.com/GriffinCanCode/kcpu/internal/domain/library"
	"github.com/GriffinCanCode/kcpu/internal/domain/memory"
	"github.com/GriffinCanCode/kcpu/internal/domain/symbols"
	"github.com/GriffinCanCode/kcpu/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/kcpu/internal/shared/fault"
)

// Version is reported by the root endpoint.
const Version = "0.1.0"

// Controller is the loader surface the handlers drive.
type Controller interface {
	Load(ctx context.Context, buf []byte) (*kloader.LoadInfo, error)
	Find(name string) (symbols.EntryPoint, error)
	Symbols() []symbols.Entry
	StartBridge(ctx context.Context) error
	StartIdle(ctx context.Context) error
	StartUser(ctx context.Context, ep symbols.EntryPoint) error
	Stop(ctx context.Context) error
	Status() kloader.Status
	Layout() memory.Layout
}

// Handlers contains all HTTP handlers
type Handlers struct {
	loader  Controller
	library *library.Library
	metrics *monitoring.Metrics
	logger  *zap.Logger
}

// NewHandlers creates a new handler set. lib and metrics may be nil.
func NewHandlers(loader Controller, lib *library.Library, metrics *monitoring.Metrics, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		loader:  loader,
		library: lib,
		metrics: metrics,
		logger:  logger,
	}
}

// Register mounts every route on r.
func (h *Handlers) Register(r gin.IRouter) {
	r.GET("/", h.Root)
	r.GET("/health", h.Health)

	k := r.Group("/kernel")
	k.GET("/status", h.Status)
	k.POST("/load", h.Load)
	k.POST("/load/:name", h.LoadFromLibrary)
	k.GET("/symbols", h.ListSymbols)
	k.GET("/symbols/:name", h.FindSymbol)
	k.POST("/start/bridge", h.StartBridge)
	k.POST("/start/idle", h.StartIdle)
	k.POST("/start/user", h.StartUser)
	k.POST("/stop", h.Stop)

	lib := r.Group("/library")
	lib.GET("", h.ListLibrary)
	lib.DELETE("", h.ClearLibrary)
	lib.GET("/:name", h.GetLibrary)
	lib.PUT("/:name", h.PutLibrary)
	lib.DELETE("/:name", h.DeleteLibrary)

	r.GET("/metrics/json", h.MetricsJSON)
}

// Root handles the service banner
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "online",
		"service": "kcpu",
		"version": Version,
	})
}

// Health reports unhealthy once the coprocessor failed to halt.
func (h *Handlers) Health(c *gin.Context) {
	st := h.loader.Status()

	code, status := http.StatusOK, "healthy"
	if st.Faulted {
		code, status = http.StatusServiceUnavailable, "faulted"
	}
	c.JSON(code, gin.H{
		"status":  status,
		"mode":    st.Mode,
		"breaker": st.Breaker,
		"library": gin.H{"enabled": h.library != nil},
	})
}

// statusFor maps an error kind to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, fault.ErrHardwareFault):
		return http.StatusServiceUnavailable
	case errors.Is(err, fault.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, fault.ErrBadFormat),
		errors.Is(err, fault.ErrTruncated),
		errors.Is(err, fault.ErrCorrupt),
		errors.Is(err, fault.ErrRegionOverflow),
		errors.Is(err, fault.ErrDuplicateSymbol),
		errors.Is(err, fault.ErrAddressOutOfRange):
		return http.StatusUnprocessableEntity
	case errors.Is(err, fault.ErrSymbolNotFound), errors.Is(err, library.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, fault.ErrInvalidEntryPoint), errors.Is(err, fault.ErrSuperseded):
		return http.StatusConflict
	case errors.Is(err, fault.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, library.ErrInvalidName):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled):
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handlers) fail(c *gin.Context, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.String("kind", fault.Kind(err)),
			zap.Error(err),
		)
	}
	_ = c.Error(err)
	c.JSON(code, gin.H{
		"success": false,
		"error":   err.Error(),
		"kind":    fault.Kind(err),
	})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"success": false,
		"error":   msg,
	})
}
