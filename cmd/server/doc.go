// Package main is the entry point for the kcpu loader service.
//
// The service owns one coprocessor: it places kernel images into the
// coprocessor's memory, resolves their entry points and drives the reset
// and mailbox hand-off that starts them.
//
// The server provides:
//   - REST API for loading, symbol lookup and mode transitions
//   - WebSocket stream of loader events at /kernel/events
//   - Kernel library backed by a directory of .kimg files
//   - Prometheus metrics and a gRPC health service
//
// Configuration:
//   - Environment variables (12-factor)
//   - CLI flags (override env vars)
//   - Platform layout file for non-default memory maps
//
// Usage:
//
//	# Simulated coprocessor, development logging
//	./server -dev
//
//	# Real hardware, boot a library kernel
//	./server -backend devmem -platform board.toml -startup blink
//
// Signals:
//   - SIGINT, SIGTERM: graceful shutdown; the coprocessor is halted before exit
package main
