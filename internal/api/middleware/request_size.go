package middleware

import (
	"net/http"
)

const (
	// DefaultMaxBodySize caps JSON request bodies.
	DefaultMaxBodySize int64 = 1 << 20

	// MCPMaxBodySize caps MCP JSON-RPC messages.
	MCPMaxBodySize int64 = 4 << 20
)

// RequestSize wraps the body in http.MaxBytesReader. Decoders see a
// *http.MaxBytesError once the limit is crossed and answer 413.
func RequestSize(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}
