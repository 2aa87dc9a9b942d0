// Package http exposes the kernel loader over a JSON control API.
//
// Errors carry the loader error kind and map to fixed statuses: malformed
// images 422, oversized ones 413, unknown symbols 404, stale entry points
// and superseded starts 409, hand-off timeouts 504 and hardware faults 503.
package http
