package auth

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Koohoko/codex-switcher/internal/accounts"
	"github.com/Koohoko/codex-switcher/internal/auth/constants"
	"github.com/Koohoko/codex-switcher/internal/auth/models"
	"github.com/Koohoko/codex-switcher/internal/config"
	"github.com/Koohoko/codex-switcher/internal/metrics"
	"github.com/Koohoko/codex-switcher/internal/notify"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider implements providers.Provider for testing
type fakeProvider struct {
	mu        sync.Mutex
	exchanges []exchangeCall
	idToken   string
	err       error
}

type exchangeCall struct {
	code, verifier, redirectURI string
}

func (p *fakeProvider) GetAuthURL(state, codeChallenge, redirectURI string) string {
	query := url.Values{}
	query.Set("state", state)
	query.Set("code_challenge", codeChallenge)
	query.Set("redirect_uri", redirectURI)
	return "https://auth.example.test/authorize?" + query.Encode()
}

func (p *fakeProvider) ExchangeCode(ctx context.Context, code, codeVerifier, redirectURI string) (*models.TokenResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exchanges = append(p.exchanges, exchangeCall{code: code, verifier: codeVerifier, redirectURI: redirectURI})
	if p.err != nil {
		return nil, p.err
	}
	return &models.TokenResponse{
		AccessToken:  "access-" + code,
		RefreshToken: "refresh-" + code,
		IDToken:      p.idToken,
		ExpiresIn:    3600,
	}, nil
}

func (p *fakeProvider) RefreshToken(ctx context.Context, refreshToken string) (*models.TokenResponse, error) {
	return nil, errors.New("not used")
}

func (p *fakeProvider) calls() []exchangeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]exchangeCall(nil), p.exchanges...)
}

func signedIDToken(t *testing.T, email, accountID string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"email": email,
		constants.AccountClaim: map[string]interface{}{
			constants.AccountIDClaim: accountID,
		},
	})
	signed, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return signed
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

type serviceFixture struct {
	service  *Service
	provider *fakeProvider
	store    *accounts.Store
	sink     *notify.ChannelSink
	registry *prometheus.Registry
	port     int
}

func newServiceFixture(t *testing.T, timeout time.Duration) *serviceFixture {
	t.Helper()

	store, err := accounts.NewStore(context.Background(), accounts.NewMemoryPersister())
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	recorder, err := metrics.NewRecorder(reg)
	require.NoError(t, err)

	f := &serviceFixture{
		provider: &fakeProvider{idToken: signedIDToken(t, "user@example.com", "acc-123")},
		store:    store,
		sink:     notify.NewChannelSink(16),
		registry: reg,
		port:     freePort(t),
	}
	f.service = NewService(ServiceParams{
		Config: &config.OAuthConfig{
			CallbackPort:    f.port,
			CallbackTimeout: timeout,
		},
		Provider: f.provider,
		Registry: NewRegistry(),
		Store:    store,
		Sink:     f.sink,
		Recorder: recorder,
		Opener: func(string) error {
			t.Error("browser must not open when disabled")
			return nil
		},
	})
	t.Cleanup(f.service.Close)
	return f
}

func stateFrom(t *testing.T, authURL string) string {
	t.Helper()
	parsed, err := url.Parse(authURL)
	require.NoError(t, err)
	state := parsed.Query().Get("state")
	require.NotEmpty(t, state)
	return state
}

func (f *serviceFixture) callback(t *testing.T, query string) int {
	t.Helper()
	resp, err := http.Get("http://127.0.0.1:" + strconv.Itoa(f.port) + constants.CallbackPath + "?" + query)
	require.NoError(t, err)
	defer resp.Body.Close()
	return resp.StatusCode
}

func (f *serviceFixture) nextCallback(t *testing.T) models.CallbackResult {
	t.Helper()
	select {
	case result := <-f.service.Callbacks():
		return result
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for callback result")
		return models.CallbackResult{}
	}
}

func TestStartLoginServesCallback(t *testing.T) {
	f := newServiceFixture(t, 5*time.Second)
	ctx := context.Background()

	authURL, err := f.service.StartLogin(ctx)
	require.NoError(t, err)
	state := stateFrom(t, authURL)
	assert.True(t, f.service.registry.Pending())

	assert.Equal(t, http.StatusOK, f.callback(t, "code=abc123&state="+url.QueryEscape(state)))

	result := f.nextCallback(t)
	require.NoError(t, result.Err)
	assert.Equal(t, "abc123", result.Code)

	event := <-f.sink.Events()
	assert.Equal(t, constants.EventCallbackReceived, event.Name)
	assert.Equal(t, "abc123", event.Payload)

	token, err := f.service.CompleteLogin(ctx, result.Code)
	require.NoError(t, err)
	assert.Equal(t, "access-abc123", token.AccessToken)

	calls := f.provider.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "abc123", calls[0].code)
	assert.Len(t, calls[0].verifier, 86)
	assert.Equal(t, "http://localhost:"+strconv.Itoa(f.port)+"/auth/callback", calls[0].redirectURI)

	_, err = f.service.CompleteLogin(ctx, result.Code)
	assert.ErrorIs(t, err, models.ErrLoginExpiredOrNotStarted)
}

func TestStartLoginGeneratesFreshState(t *testing.T) {
	f := newServiceFixture(t, 5*time.Second)
	ctx := context.Background()

	first, err := f.service.StartLogin(ctx)
	require.NoError(t, err)
	second, err := f.service.StartLogin(ctx)
	require.NoError(t, err)

	assert.NotEqual(t, stateFrom(t, first), stateFrom(t, second))
}

func TestSecondLoginRejectsFirstState(t *testing.T) {
	f := newServiceFixture(t, 5*time.Second)
	ctx := context.Background()

	first, err := f.service.StartLogin(ctx)
	require.NoError(t, err)
	firstState := stateFrom(t, first)

	_, err = f.service.StartLogin(ctx)
	require.NoError(t, err)

	abandoned := f.nextCallback(t)
	assert.ErrorIs(t, abandoned.Err, models.ErrLoginAbandoned)

	assert.Equal(t, http.StatusBadRequest, f.callback(t, "code=old-code&state="+url.QueryEscape(firstState)))

	rejected := f.nextCallback(t)
	assert.ErrorIs(t, rejected.Err, models.ErrStateMismatch)
	assert.Empty(t, rejected.Code)

	_, err = f.service.CompleteLogin(ctx, "old-code")
	assert.ErrorIs(t, err, models.ErrLoginExpiredOrNotStarted)
	assert.Empty(t, f.provider.calls())
}

func TestCallbackMissingCode(t *testing.T) {
	f := newServiceFixture(t, 5*time.Second)

	authURL, err := f.service.StartLogin(context.Background())
	require.NoError(t, err)

	assert.Equal(t, http.StatusBadRequest, f.callback(t, "state="+url.QueryEscape(stateFrom(t, authURL))))
	result := f.nextCallback(t)
	assert.ErrorIs(t, result.Err, models.ErrMissingParameters)
	assert.False(t, f.service.registry.Pending())
}

func TestLoginTimesOut(t *testing.T) {
	f := newServiceFixture(t, 50*time.Millisecond)

	_, err := f.service.Login(context.Background(), LoginOptions{})
	assert.ErrorIs(t, err, models.ErrTimeout)
	assert.False(t, f.service.registry.Pending())

	// the port is free again
	ln, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(f.port))
	require.NoError(t, err)
	_ = ln.Close()
}

func TestLoginCancelled(t *testing.T) {
	f := newServiceFixture(t, 5*time.Second)
	ctx, cancel := context.WithCancel(context.Background())

	_, err := f.service.Login(ctx, LoginOptions{OnAuthURL: func(string) { cancel() }})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, f.service.registry.Pending())
}

func TestLoginStoresAccount(t *testing.T) {
	f := newServiceFixture(t, 5*time.Second)
	ctx := context.Background()

	login := func(name, code string) *accounts.Account {
		urls := make(chan string, 1)
		type outcome struct {
			account *accounts.Account
			err     error
		}
		done := make(chan outcome, 1)
		go func() {
			account, err := f.service.Login(ctx, LoginOptions{Name: name, OnAuthURL: func(u string) { urls <- u }})
			done <- outcome{account, err}
		}()

		state := stateFrom(t, <-urls)
		assert.Equal(t, http.StatusOK, f.callback(t, "code="+code+"&state="+url.QueryEscape(state)))

		got := <-done
		require.NoError(t, got.err)
		return got.account
	}

	first := login("", "code-1")
	assert.Equal(t, "user@example.com", first.Name)
	assert.Equal(t, "user@example.com", first.Email)
	assert.Equal(t, "acc-123", first.ProviderAccountID)
	assert.Equal(t, "refresh-code-1", first.RefreshToken)

	stored, err := f.store.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Contains(t, string(stored.AuthJSON), `"access_token":"access-code-1"`)
	assert.Contains(t, string(stored.AuthJSON), `"account_id":"acc-123"`)

	second := login("Work", "code-2")
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "Work", second.Name)
	listed, err := f.store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, listed, 1)

	var names []string
	for len(f.sink.Events()) > 0 {
		names = append(names, (<-f.sink.Events()).Name)
	}
	assert.Equal(t, []string{
		constants.EventCallbackReceived, constants.EventAccountsUpdated,
		constants.EventCallbackReceived, constants.EventAccountsUpdated,
	}, names)

	expected := `
# HELP codex_switcher_logins_total Completed login attempts by result.
# TYPE codex_switcher_logins_total counter
codex_switcher_logins_total{result="success"} 2
`
	assert.NoError(t, testutil.GatherAndCompare(f.registry, strings.NewReader(expected), "codex_switcher_logins_total"))
}

func TestCompleteLoginExchangeFailure(t *testing.T) {
	f := newServiceFixture(t, 5*time.Second)
	f.provider.err = &models.ProviderRejectedError{StatusCode: http.StatusBadRequest, Body: `{"error":"invalid_grant"}`}
	ctx := context.Background()

	_, err := f.service.StartLogin(ctx)
	require.NoError(t, err)

	_, err = f.service.CompleteLogin(ctx, "bad")
	assert.ErrorIs(t, err, models.ErrProviderRejected)

	var rejected *models.ProviderRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Contains(t, rejected.Body, "invalid_grant")

	expected := `
# HELP codex_switcher_logins_total Completed login attempts by result.
# TYPE codex_switcher_logins_total counter
codex_switcher_logins_total{result="failure"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(f.registry, strings.NewReader(expected), "codex_switcher_logins_total"))
}

func TestStartLoginPortBusy(t *testing.T) {
	f := newServiceFixture(t, 5*time.Second)
	ln, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(f.port))
	require.NoError(t, err)
	defer ln.Close()

	_, err = f.service.StartLogin(context.Background())
	assert.ErrorIs(t, err, models.ErrPortBind)
	assert.False(t, f.service.registry.Pending())
}

func TestRedirectURI(t *testing.T) {
	assert.Equal(t, "http://localhost:1455/auth/callback", RedirectURI(constants.DefaultCallbackPort))
}
