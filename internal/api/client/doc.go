// Package client is a typed client for the kcpu HTTP API, used by kctl.
//
// Errors reported by the server come back as *Error and still match the
// fault sentinels:
//
//	_, err := c.Find(ctx, "main")
//	if errors.Is(err, fault.ErrSymbolNotFound) {
//		...
//	}
package client
