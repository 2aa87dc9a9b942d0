package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/GriffinCanCode/kcpu/internal/domain/kloader"
	"github.com/GriffinCanCode/kcpu/internal/infrastructure/monitoring"
)

// MetricsSnapshot is the JSON counterpart of /metrics.
type MetricsSnapshot struct {
	Timestamp time.Time           `json:"timestamp"`
	Loader    kloader.Status      `json:"loader"`
	Metrics   monitoring.Snapshot `json:"metrics"`
	Summary   MetricsSummary      `json:"summary"`
}

// MetricsSummary provides high-level metrics
type MetricsSummary struct {
	LoadSuccessRate  float64 `json:"load_success_rate"`
	ErrorRate        float64 `json:"error_rate"`
	HandoffP99Millis float64 `json:"handoff_p99_ms"`
}

// MetricsJSON returns the metric snapshot together with the loader status
func (h *Handlers) MetricsJSON(c *gin.Context) {
	if h.metrics == nil {
		badRequest(c, "metrics disabled")
		return
	}

	snap := h.metrics.Snapshot()
	c.JSON(http.StatusOK, MetricsSnapshot{
		Timestamp: time.Now(),
		Loader:    h.loader.Status(),
		Metrics:   snap,
		Summary:   summarize(snap),
	})
}

func summarize(s monitoring.Snapshot) MetricsSummary {
	var out MetricsSummary
	if s.Loads > 0 {
		out.LoadSuccessRate = float64(s.Loads-s.LoadFailures) / float64(s.Loads)
	}
	if s.TotalRequests > 0 {
		out.ErrorRate = float64(s.TotalErrors) / float64(s.TotalRequests)
	}
	out.HandoffP99Millis = s.Handoff.P99 * 1000
	return out
}
