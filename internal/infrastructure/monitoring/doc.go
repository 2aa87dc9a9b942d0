/*
Package monitoring provides metrics collection for the loader service.

# Overview

Metrics are Prometheus collectors registered on a private registry, so that
several collectors can coexist in one process (tests, embedded loaders).

# Features

- HTTP request metrics (latency, throughput, size)
- Kernel load metrics (result, placed bytes)
- Mode transition metrics and the current execution mode
- Hand-off latency histogram plus a rolling summary for the JSON API
- Hardware fault and circuit breaker state
- WebSocket connection metrics
- Go runtime and process collectors

# Usage

	metrics := monitoring.NewMetrics()

	router.Use(monitoring.Middleware(metrics))
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	metrics.RecordLoad("ok", 4096)
	metrics.RecordHandoff("user", 350*time.Microsecond)
*/
package monitoring
