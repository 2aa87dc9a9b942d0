// Package logging provides structured logging using uber/zap.
//
// Two modes:
//   - Production: JSON output for machine parsing
//   - Development: Colored console output for human readability
//
// Constructors never fail hard: an invalid configuration falls back to a
// no-op logger so the loader keeps running.
//
// Example Usage:
//
//	logger := logging.NewDefault()
//	logger.Info("Kernel loaded", zap.String("load_id", info.ID))
//	logger.Error("Hand-off failed", zap.Error(err))
package logging
