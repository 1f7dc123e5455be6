package constants

import "strings"

const (
	// ClientID is the public client registered with the identity provider for the loopback flow
	ClientID = "app_EMoamEEZ73f0CkXaXp7hrann"

	// AuthURL is the provider authorization endpoint
	AuthURL = "https://auth.openai.com/oauth/authorize"

	// TokenURL is the provider token endpoint
	TokenURL = "https://auth.openai.com/oauth/token"

	// DefaultCallbackPort must match the redirect URI registered for ClientID
	DefaultCallbackPort = 1455

	// CallbackHost is the interface the loopback listener binds to
	CallbackHost = "127.0.0.1"

	// CallbackPath is the redirect path the provider sends the browser to
	CallbackPath = "/auth/callback"

	// CodeChallengeMethod is the only PKCE method the provider accepts
	CodeChallengeMethod = "S256"

	// Originator identifies the client flavour to the provider
	Originator = "codex_vscode"

	// AccountClaim is the namespaced id_token claim carrying provider account data
	AccountClaim = "https://api.openai.com/auth"

	// AccountIDClaim is the key inside AccountClaim holding the account id
	AccountIDClaim = "chatgpt_account_id"

	// DefaultExpiresIn is assumed when the token response omits expires_in (seconds)
	DefaultExpiresIn = 3600
)

// OAuth scopes
var DefaultScopes = []string{"openid", "profile", "email", "offline_access"}

// Scope returns DefaultScopes as the space separated value sent to the provider.
func Scope() string {
	return strings.Join(DefaultScopes, " ")
}

// Grant types
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
)

// Notification event names
const (
	EventAccountsUpdated  = "accounts-updated"
	EventCallbackReceived = "oauth-callback-received"
)
