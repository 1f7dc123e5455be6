package providers

import (
	"context"

	"github.com/Koohoko/codex-switcher/internal/auth/models"
)

// Provider defines the identity provider operations the login flow and the
// refresh scheduler depend on
type Provider interface {
	// GetAuthURL returns the authorization URL for the provider
	GetAuthURL(state, codeChallenge, redirectURI string) string

	// ExchangeCode exchanges an authorization code for tokens
	ExchangeCode(ctx context.Context, code, codeVerifier, redirectURI string) (*models.TokenResponse, error)

	// RefreshToken obtains a new token set from a refresh token
	RefreshToken(ctx context.Context, refreshToken string) (*models.TokenResponse, error)
}

// Refresher is the subset of Provider used for silent renewal
type Refresher interface {
	RefreshToken(ctx context.Context, refreshToken string) (*models.TokenResponse, error)
}
