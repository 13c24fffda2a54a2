package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"
)

// KeySet holds API keys as SHA-256 digests: raw keys don't sit in process
// memory after construction, and membership checks compare fixed-width
// digests in constant time.
type KeySet struct {
	digests [][sha256.Size]byte
}

// NewKeySet digests keys into a KeySet. Empty strings are dropped.
func NewKeySet(keys []string) *KeySet {
	ks := &KeySet{}
	for _, k := range keys {
		if k == "" {
			continue
		}
		ks.digests = append(ks.digests, sha256.Sum256([]byte(k)))
	}
	return ks
}

// Contains reports whether key is in the set. Every stored digest is
// compared so timing reveals the set size at most, never which entry
// matched.
func (ks *KeySet) Contains(key string) bool {
	if ks == nil || len(ks.digests) == 0 {
		return false
	}
	d := sha256.Sum256([]byte(key))
	match := 0
	for i := range ks.digests {
		match |= subtle.ConstantTimeCompare(d[:], ks.digests[i][:])
	}
	return match == 1
}

// RequireKey returns middleware admitting only requests that present a key
// from ks. Which routes demand which key set is decided by where the
// router mounts this (the /v1 group gets the client set, /admin the admin
// set, health/metrics none), not by path matching inside the middleware.
// When enabled is false the middleware admits everything, so the route
// wiring stays identical whether or not auth is configured.
func RequireKey(enabled bool, ks *KeySet) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !enabled {
				next.ServeHTTP(w, r)
				return
			}
			if key := clientKey(r); key == "" || !ks.Contains(key) {
				w.Header().Set("WWW-Authenticate", `Bearer realm="llmpool"`)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"error":{"message":"Invalid or missing API key","type":"authentication_error","code":"invalid_api_key"}}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientKey pulls the presented API key: an RFC 6750 Bearer token (scheme
// matched case-insensitively) wins over the X-API-Key header.
func clientKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}
