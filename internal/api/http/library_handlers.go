package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (h *Handlers) requireLibrary(c *gin.Context) bool {
	if h.library == nil {
		badRequest(c, "kernel library not configured")
		return false
	}
	return true
}

// ListLibrary lists stored images
func (h *Handlers) ListLibrary(c *gin.Context) {
	if !h.requireLibrary(c) {
		return
	}
	entries, err := h.library.List()
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"kernels": entries,
		"count":   len(entries),
	})
}

// ClearLibrary removes every stored image
func (h *Handlers) ClearLibrary(c *gin.Context) {
	if !h.requireLibrary(c) {
		return
	}
	n, err := h.library.Clear()
	if err != nil {
		h.fail(c, err)
		return
	}
	h.logger.Info("Cleared kernel library", zap.Int("removed", n))
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"removed": n,
	})
}

// GetLibrary downloads a stored image
func (h *Handlers) GetLibrary(c *gin.Context) {
	if !h.requireLibrary(c) {
		return
	}
	buf, err := h.library.Get(c.Param("name"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", buf)
}

// PutLibrary validates and stores an uploaded image
func (h *Handlers) PutLibrary(c *gin.Context) {
	if !h.requireLibrary(c) {
		return
	}
	buf, err := h.readImage(c)
	if err != nil {
		h.fail(c, err)
		return
	}

	entry, err := h.library.Put(c.Param("name"), buf)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.logger.Info("Stored kernel", zap.String("name", entry.Name), zap.Int64("size", entry.Size))
	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"kernel":  entry,
	})
}

// DeleteLibrary removes a stored image
func (h *Handlers) DeleteLibrary(c *gin.Context) {
	if !h.requireLibrary(c) {
		return
	}
	if err := h.library.Remove(c.Param("name")); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
