package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Koohoko/codex-switcher/internal/auth/constants"
	"github.com/Koohoko/codex-switcher/internal/auth/models"
	"github.com/Koohoko/codex-switcher/internal/logger"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// maxTokenResponseBytes bounds how much of a token response is read
const maxTokenResponseBytes = 1 << 20

// Ensure OpenAIProvider implements the interface.
var _ Provider = (*OpenAIProvider)(nil)

// Endpoint is the fixed identity provider
var Endpoint = oauth2.Endpoint{
	AuthURL:   constants.AuthURL,
	TokenURL:  constants.TokenURL,
	AuthStyle: oauth2.AuthStyleInParams,
}

type OpenAIProvider struct {
	httpClient *http.Client
	endpoint   oauth2.Endpoint
	clientID   string
	scope      string
}

// Option customizes an OpenAIProvider
type Option func(*OpenAIProvider)

// WithHTTPClient replaces the HTTP client used for token requests
func WithHTTPClient(client *http.Client) Option {
	return func(p *OpenAIProvider) {
		p.httpClient = client
	}
}

// WithEndpoint points the provider at different endpoints, e.g. a test server
func WithEndpoint(endpoint oauth2.Endpoint) Option {
	return func(p *OpenAIProvider) {
		p.endpoint = endpoint
	}
}

func NewOpenAIProvider(timeout time.Duration, opts ...Option) *OpenAIProvider {
	p := &OpenAIProvider{
		httpClient: &http.Client{Timeout: timeout},
		endpoint:   Endpoint,
		clientID:   constants.ClientID,
		scope:      constants.Scope(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// GetAuthURL builds the authorization URL. Parameters keep the order the
// provider's own CLI sends and values are percent-encoded per RFC 3986.
func (p *OpenAIProvider) GetAuthURL(state, codeChallenge, redirectURI string) string {
	query := encodePairs([][2]string{
		{"response_type", "code"},
		{"client_id", p.clientID},
		{"redirect_uri", redirectURI},
		{"scope", p.scope},
		{"code_challenge", codeChallenge},
		{"code_challenge_method", constants.CodeChallengeMethod},
		{"id_token_add_organizations", "true"},
		{"codex_cli_simplified_flow", "true"},
		{"state", state},
		{"originator", constants.Originator},
	})
	return p.endpoint.AuthURL + "?" + query
}

// ExchangeCode trades the authorization code for tokens. The client is
// public, so client_id travels in the form body alongside the PKCE verifier.
func (p *OpenAIProvider) ExchangeCode(ctx context.Context, code, codeVerifier, redirectURI string) (*models.TokenResponse, error) {
	endpoint := p.endpoint
	endpoint.AuthStyle = oauth2.AuthStyleInParams
	cfg := oauth2.Config{
		ClientID:    p.clientID,
		Endpoint:    endpoint,
		RedirectURL: redirectURI,
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	token, err := cfg.Exchange(ctx, code, oauth2.VerifierOption(codeVerifier))
	if err != nil {
		return nil, exchangeError(err)
	}
	return models.NewTokenResponse(token), nil
}

// exchangeError sorts an oauth2 exchange failure into the token error kinds
func exchangeError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		rejected := &models.ProviderRejectedError{Body: string(retrieveErr.Body)}
		if retrieveErr.Response != nil {
			rejected.StatusCode = retrieveErr.Response.StatusCode
		}
		return rejected
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fmt.Errorf("%w: token request failed: %w", models.ErrNetwork, err)
	}
	return fmt.Errorf("%w: %w", models.ErrMalformedResponse, err)
}

// RefreshToken posts the refresh grant by hand because it carries scope,
// which oauth2.TokenSource never sends.
func (p *OpenAIProvider) RefreshToken(ctx context.Context, refreshToken string) (*models.TokenResponse, error) {
	return p.requestToken(ctx, [][2]string{
		{"grant_type", constants.GrantTypeRefreshToken},
		{"client_id", p.clientID},
		{"refresh_token", refreshToken},
		{"scope", p.scope},
	})
}

func (p *OpenAIProvider) requestToken(ctx context.Context, params [][2]string) (*models.TokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint.TokenURL, strings.NewReader(encodePairs(params)))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: token request failed: %w", models.ErrNetwork, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logger.Error("Failed to close response body", zap.Error(err))
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read token response: %w", models.ErrNetwork, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &models.ProviderRejectedError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var token models.TokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, fmt.Errorf("%w: failed to decode token response: %w", models.ErrMalformedResponse, err)
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("%w: token response missing access_token", models.ErrMalformedResponse)
	}

	return &token, nil
}

func encodePairs(pairs [][2]string) string {
	var builder strings.Builder
	for i, pair := range pairs {
		if i > 0 {
			builder.WriteByte('&')
		}
		builder.WriteString(escape(pair[0]))
		builder.WriteByte('=')
		builder.WriteString(escape(pair[1]))
	}
	return builder.String()
}

// escape leaves RFC 3986 unreserved characters alone and encodes space as %20.
// QueryEscape already turns a literal '+' into %2B, so the replacement is safe.
func escape(value string) string {
	return strings.ReplaceAll(url.QueryEscape(value), "+", "%20")
}
