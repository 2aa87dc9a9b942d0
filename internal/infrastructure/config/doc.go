// Package config provides 12-factor configuration for the kernel loader
// service.
//
// Configuration is loaded from environment variables with sensible defaults.
// CLI flags can override environment variables for development flexibility.
//
// Configuration Sections:
//   - Server: HTTP and health server settings (port, host, gRPC port)
//   - Device: coprocessor backend, platform file and hand-off timing
//   - Library: kernel image directory and what to start on boot
//   - Logging: Log level and output format
//   - RateLimit: Per-IP rate limiting configuration
//
// The board memory map comes from an optional platform file:
//
//	layout, err := config.LoadLayout(cfg.Device.PlatformFile)
//
// Environment Variables:
//   - PORT, HOST, GRPC_PORT
//   - DEVICE_BACKEND, DEVMEM_PATH, PLATFORM_FILE, HANDOFF_TIMEOUT, HALT_TIMEOUT, HANDOFF_POLL
//   - LIBRARY_DIR, STARTUP_KERNEL, STARTUP_SYMBOL, IDLE_ON_BOOT
//   - LOG_LEVEL, LOG_DEV
//   - RATE_LIMIT_RPS, RATE_LIMIT_BURST, RATE_LIMIT_ENABLED
package config
