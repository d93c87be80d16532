package middleware

import (
	"net/http"
	"strings"
)

// CORS handles cross-origin requests for the allowed origins. Mobile
// clients never send an Origin header; this exists for the browser
// based admin tooling.
func (m *Middleware) CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	sc := m.cfg.RequestSigning
	allowedHeaders := strings.Join([]string{
		"Authorization",
		"Content-Type",
		m.cfg.APIKey.HeaderName,
		sc.DeviceIDHeader,
		sc.TimestampHeader,
		sc.NonceHeader,
		sc.SignatureHeader,
	}, ", ")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" {
				for _, allowed := range allowedOrigins {
					if origin == allowed {
						w.Header().Set("Access-Control-Allow-Origin", origin)
						w.Header().Set("Vary", "Origin")
						w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
						w.Header().Set("Access-Control-Allow-Headers", allowedHeaders)
						w.Header().Set("Access-Control-Max-Age", "600")
						break
					}
				}
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// SecurityHeaders sets the standard hardening headers on every response
func (m *Middleware) SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
