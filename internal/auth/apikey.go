// Package auth provides key generation, hashing, comparison, and request
// credential extraction shared by the server and CLI admin commands. The
// same scheme protects management API keys and endpoint connect keys.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"strings"
)

// Key prefixes make leaked keys easy to classify in logs and scanners.
const (
	APIKeyPrefix      = "drk_"
	EndpointKeyPrefix = "dre_"
)

// GenerateAPIKey returns a cryptographically random management API key.
func GenerateAPIKey() (string, error) {
	return generateKey(APIKeyPrefix)
}

// GenerateEndpointKey returns a cryptographically random device connect key.
func GenerateEndpointKey() (string, error) {
	return generateKey(EndpointKeyPrefix)
}

func generateKey(prefix string) (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return prefix + base64.RawURLEncoding.EncodeToString(b), nil
}

// HashAPIKey returns a deterministic SHA-256 hex digest of key + pepper.
func HashAPIKey(key, pepper string) string {
	sum := sha256.Sum256([]byte(key + ":" + pepper))
	return hex.EncodeToString(sum[:])
}

// ConstantTimeHashEquals compares two hex hash strings in constant time.
func ConstantTimeHashEquals(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, bool) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if len(authz) < len(prefix) || !strings.EqualFold(authz[:len(prefix)], prefix) {
		return "", false
	}
	key := strings.TrimSpace(authz[len(prefix):])
	return key, key != ""
}

// KeyFromRequest returns the bearer token, falling back to the "key" query
// parameter for clients that cannot set headers on a WebSocket handshake.
func KeyFromRequest(r *http.Request) (string, bool) {
	if key, ok := BearerToken(r); ok {
		return key, true
	}
	key := strings.TrimSpace(r.URL.Query().Get("key"))
	return key, key != ""
}
