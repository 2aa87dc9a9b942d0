package http

import (
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/kcpu/internal/domain/image"
	"github.com/GriffinCanCode/kcpu/internal/shared/fault"
)

// Status returns the loader state
func (h *Handlers) Status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"status":  h.loader.Status(),
	})
}

// readImage reads an uploaded image, decompressing gzip or zstd bodies.
func (h *Handlers) readImage(c *gin.Context) ([]byte, error) {
	limit := image.MaxImageSize(h.loader.Layout())

	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, int64(limit)+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(raw) > limit {
		return nil, fault.Errorf(fault.ErrTooLarge, "upload exceeds %d bytes", limit)
	}
	return image.Decode(raw, limit)
}

// Load places the uploaded image
func (h *Handlers) Load(c *gin.Context) {
	buf, err := h.readImage(c)
	if err != nil {
		h.fail(c, err)
		return
	}

	info, err := h.loader.Load(c.Request.Context(), buf)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"image":   info,
	})
}

// LoadFromLibrary places a stored image
func (h *Handlers) LoadFromLibrary(c *gin.Context) {
	if h.library == nil {
		badRequest(c, "kernel library not configured")
		return
	}

	name := c.Param("name")
	buf, err := h.library.Get(name)
	if err != nil {
		h.fail(c, err)
		return
	}

	info, err := h.loader.Load(c.Request.Context(), buf)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.logger.Info("Loaded kernel from library", zap.String("name", name), zap.String("load_id", info.ID.String()))
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"name":    name,
		"image":   info,
	})
}

// ListSymbols lists the symbol table of the placed image
func (h *Handlers) ListSymbols(c *gin.Context) {
	syms := h.loader.Symbols()
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"generation": h.loader.Status().Generation,
		"symbols":    syms,
		"count":      len(syms),
	})
}

// FindSymbol resolves one symbol
func (h *Handlers) FindSymbol(c *gin.Context) {
	ep, err := h.loader.Find(c.Param("name"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"name":       ep.Name(),
		"addr":       ep.Addr(),
		"addr_hex":   fmt.Sprintf("0x%08x", ep.Addr()),
		"generation": ep.Generation(),
	})
}

func (h *Handlers) started(c *gin.Context, err error) {
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"status":  h.loader.Status(),
	})
}

// StartBridge runs the bridge firmware
func (h *Handlers) StartBridge(c *gin.Context) {
	h.started(c, h.loader.StartBridge(c.Request.Context()))
}

// StartIdle runs the idle kernel
func (h *Handlers) StartIdle(c *gin.Context) {
	h.started(c, h.loader.StartIdle(c.Request.Context()))
}

// StartUser resolves a symbol of the placed image and runs it
func (h *Handlers) StartUser(c *gin.Context) {
	var req struct {
		Symbol string `json:"symbol" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request: "+err.Error())
		return
	}

	ep, err := h.loader.Find(req.Symbol)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.started(c, h.loader.StartUser(c.Request.Context(), ep))
}

// Stop halts the coprocessor
func (h *Handlers) Stop(c *gin.Context) {
	h.started(c, h.loader.Stop(c.Request.Context()))
}
