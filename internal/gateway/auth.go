package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// ExtractToken extracts the bearer token from request headers or query params.
// It checks, in order: Authorization: Bearer <token>, X-API-Key header, token
// query param (for browser websockets, which cannot set headers).
func ExtractToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// tokenMatches uses constant-time comparison to prevent timing attacks. An
// empty expected token never matches.
func tokenMatches(candidate, expected string) bool {
	if expected == "" || candidate == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(expected)) == 1
}

func (s *Server) authorize(r *http.Request) bool {
	return tokenMatches(ExtractToken(r), s.cfg.AuthToken)
}

// requireAuth wraps a handler so that requests without the server token get
// 401 and are counted as auth rejects.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorize(r) {
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.AuthRejects.Add(r.Context(), 1)
			}
			writeJSONError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}
