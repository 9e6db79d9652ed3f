// Package api implements the kioku REST API using chi.
package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// tokenQueryParam carries the token for GET requests a browser issues
// without custom headers: EventSource streams and preview <img>/<audio> tags.
const tokenQueryParam = "access_token"

// requestToken extracts the presented token and whether one was presented.
func requestToken(r *http.Request) (string, bool) {
	if auth := r.Header.Get("Authorization"); auth != "" {
		tok, ok := strings.CutPrefix(auth, "Bearer ")
		return tok, ok
	}
	if r.Method == http.MethodGet {
		if tok := r.URL.Query().Get(tokenQueryParam); tok != "" {
			return tok, true
		}
	}
	return "", false
}

// AuthMiddleware returns middleware that validates a Bearer token.
// If enabled is false, all requests pass through.
// If enabled is true, requests must carry "Authorization: Bearer <token>";
// GET requests may pass it as ?access_token= instead.
func AuthMiddleware(enabled bool, token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !enabled {
				next.ServeHTTP(w, r)
				return
			}
			got, ok := requestToken(r)
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
