// Package middleware holds the gin middleware of the control API: CORS and
// token bucket rate limiting per client IP or for the whole server.
package middleware
