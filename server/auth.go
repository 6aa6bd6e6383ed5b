package server

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"
)

const tokenBytes = 32 // 32 bytes = 64 hex characters

// GenerateToken generates a cryptographically random token as a 64-character hex string.
func GenerateToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// requestToken extracts the Bearer token from the Authorization header, or
// the token query parameter for clients that cannot set headers
// (EventSource, browser WebSockets).
func requestToken(r *http.Request) (string, bool) {
	if h := r.Header.Get("Authorization"); h != "" {
		const bearerPrefix = "Bearer "
		if !strings.HasPrefix(h, bearerPrefix) {
			return "", false
		}
		return h[len(bearerPrefix):], true
	}
	if q := r.URL.Query().Get("token"); q != "" {
		return q, true
	}
	return "", false
}

// requireToken rejects requests whose token does not match expected,
// compared in constant time. An empty expected token disables the check.
func requireToken(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if expected == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := requestToken(r)
			if !ok {
				writeError(w, http.StatusUnauthorized, "missing authorization token")
				return
			}
			if subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
