package gateway

import (
	"crypto/subtle"
	"net/http"
)

// SecretHeader carries the shared secret on the WebSocket upgrade request.
const SecretHeader = "X-Npcagent-Secret"

// AuthHandler checks the shared secret presented by hosts.
type AuthHandler struct {
	sharedSecret string
}

// NewAuthHandler creates a handler. An empty secret accepts every request.
func NewAuthHandler(sharedSecret string) *AuthHandler {
	return &AuthHandler{
		sharedSecret: sharedSecret,
	}
}

// Enabled reports whether a secret is required.
func (a *AuthHandler) Enabled() bool {
	return a.sharedSecret != ""
}

// VerifySecret compares in constant time.
func (a *AuthHandler) VerifySecret(secret string) bool {
	if !a.Enabled() {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(a.sharedSecret), []byte(secret)) == 1
}

// Authorize checks the secret header of r.
func (a *AuthHandler) Authorize(r *http.Request) bool {
	return a.VerifySecret(r.Header.Get(SecretHeader))
}
