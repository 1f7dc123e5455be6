// Package pkce generates the per-login secrets: the PKCE verifier/challenge
// pair and the anti-CSRF state token.
package pkce

import (
	"crypto/rand"
	"encoding/base64"

	"github.com/Koohoko/codex-switcher/internal/auth/models"
	"golang.org/x/oauth2"
)

const (
	verifierBytes = 64
	stateBytes    = 32
)

// Generate returns a fresh PKCE pair. The verifier is 64 random bytes,
// base64url encoded without padding; the challenge is S256 of the verifier text.
func Generate() models.PkceCodes {
	verifier := randomToken(verifierBytes)
	return models.PkceCodes{
		CodeVerifier:  verifier,
		CodeChallenge: oauth2.S256ChallengeFromVerifier(verifier),
	}
}

// GenerateState returns a 32-byte random state token, base64url encoded without padding.
func GenerateState() string {
	return randomToken(stateBytes)
}

func randomToken(size int) string {
	buffer := make([]byte, size)
	// crypto/rand.Read never returns an error on supported platforms
	_, _ = rand.Read(buffer)
	return base64.RawURLEncoding.EncodeToString(buffer)
}
