// Package server wires the loader, the kernel library and the API into one
// process.
//
// Components:
//   - Backend: simulated coprocessor or /dev/mem-mapped hardware
//   - HTTP: gin router with tracing, metrics, CORS and rate limiting
//   - gRPC: standard health service, NOT_SERVING while the loader is faulted
//
// Boot starts the configured startup kernel (or the idle kernel). Serve
// always halts the coprocessor before it returns.
package server
