package server

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
)

// APIKeyHeader carries the client's API key, as sent by Bonsai SDK clients.
const APIKeyHeader = "x-api-key"

// authMiddleware returns middleware that validates the x-api-key header.
// When APIKey is empty, the middleware is a no-op (allows unauthenticated access).
// Exact paths /health, /version and /metrics are exempt from authentication.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.config.APIKey == "" {
		return next
	}

	keyBytes := []byte(s.config.APIKey)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health", "/version", "/metrics":
			next.ServeHTTP(w, r)
			return
		}

		provided := r.Header.Get(APIKeyHeader)
		if provided == "" || subtle.ConstantTimeCompare([]byte(provided), keyBytes) != 1 {
			unauthorizedResponse(w)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func unauthorizedResponse(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"}) //nolint:errcheck
}
