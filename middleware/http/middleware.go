// Package http provides HTTP middleware shared by the billing endpoints.
package http

import (
	"net/http"
	"strconv"
	"strings"
)

// Config holds CORS middleware configuration
type Config struct {
	// AllowedOrigin is sent as Access-Control-Allow-Origin.
	// Default: "*"
	AllowedOrigin string

	// AllowedMethods is sent as Access-Control-Allow-Methods.
	// Default: POST, GET, OPTIONS
	AllowedMethods []string

	// AllowedHeaders is sent as Access-Control-Allow-Headers.
	// Default: Content-Type plus both webhook signature headers
	AllowedHeaders []string

	// MaxAge is the preflight cache lifetime in seconds.
	// Default: 86400; a negative value omits the header
	MaxAge int
}

// DefaultConfig returns the permissive configuration every endpoint uses.
func DefaultConfig() Config {
	return Config{
		AllowedOrigin:  "*",
		AllowedMethods: []string{http.MethodPost, http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Signature", "Stripe-Signature"},
		MaxAge:         86400,
	}
}

// CORS creates a middleware that adds CORS headers to every response and
// answers preflight OPTIONS requests with 200 and an empty body.
func CORS(config Config) func(http.Handler) http.Handler {
	defaults := DefaultConfig()
	if config.AllowedOrigin == "" {
		config.AllowedOrigin = defaults.AllowedOrigin
	}
	if len(config.AllowedMethods) == 0 {
		config.AllowedMethods = defaults.AllowedMethods
	}
	if len(config.AllowedHeaders) == 0 {
		config.AllowedHeaders = defaults.AllowedHeaders
	}
	if config.MaxAge == 0 {
		config.MaxAge = defaults.MaxAge
	}

	methods := strings.Join(config.AllowedMethods, ", ")
	headers := strings.Join(config.AllowedHeaders, ", ")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", config.AllowedOrigin)
			h.Set("Access-Control-Allow-Methods", methods)
			h.Set("Access-Control-Allow-Headers", headers)
			if config.AllowedOrigin != "*" {
				h.Add("Vary", "Origin")
			}

			if r.Method == http.MethodOptions {
				if config.MaxAge > 0 {
					h.Set("Access-Control-Max-Age", strconv.Itoa(config.MaxAge))
				}
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// NoStore marks responses as uncacheable and disables content sniffing.
func NoStore(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		next.ServeHTTP(w, r)
	})
}
