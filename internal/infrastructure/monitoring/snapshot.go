package monitoring

import (
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gonum.org/v1/gonum/stat"
)

// Snapshot is the JSON view of the current metric values.
type Snapshot struct {
	Uptime        string         `json:"uptime"`
	TotalRequests int64          `json:"total_requests"`
	TotalErrors   int64          `json:"total_errors"`
	Loads         int64          `json:"loads"`
	LoadFailures  int64          `json:"load_failures"`
	Transitions   int64          `json:"transitions"`
	Faults        int64          `json:"hardware_faults"`
	Handoff       LatencySummary `json:"handoff"`
}

// LatencySummary describes recent hand-off latencies in seconds.
type LatencySummary struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
	P50    float64 `json:"p50"`
	P99    float64 `json:"p99"`
	Max    float64 `json:"max"`
}

// Snapshot returns the current values for the JSON API.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	c := m.snapshot
	samples := make([]float64, len(m.latencies))
	copy(samples, m.latencies)
	m.mu.Unlock()

	return Snapshot{
		Uptime:        time.Since(m.startTime).Round(time.Second).String(),
		TotalRequests: c.TotalRequests,
		TotalErrors:   c.TotalErrors,
		Loads:         c.Loads,
		LoadFailures:  c.LoadFailures,
		Transitions:   c.Transitions,
		Faults:        c.Faults,
		Handoff:       summarize(samples),
	}
}

func summarize(samples []float64) LatencySummary {
	if len(samples) == 0 {
		return LatencySummary{}
	}
	sort.Float64s(samples)

	s := LatencySummary{
		Count: len(samples),
		Mean:  stat.Mean(samples, nil),
		P50:   stat.Quantile(0.5, stat.Empirical, samples, nil),
		P99:   stat.Quantile(0.99, stat.Empirical, samples, nil),
		Max:   samples[len(samples)-1],
	}
	if len(samples) > 1 {
		s.StdDev = stat.StdDev(samples, nil)
	}
	return s
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
