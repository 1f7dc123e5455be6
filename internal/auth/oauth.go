package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/Koohoko/codex-switcher/internal/accounts"
	"github.com/Koohoko/codex-switcher/internal/auth/constants"
	"github.com/Koohoko/codex-switcher/internal/auth/models"
	"github.com/Koohoko/codex-switcher/internal/auth/pkce"
	"github.com/Koohoko/codex-switcher/internal/auth/providers"
	"github.com/Koohoko/codex-switcher/internal/config"
	"github.com/Koohoko/codex-switcher/internal/logger"
	"github.com/Koohoko/codex-switcher/internal/metrics"
	"github.com/Koohoko/codex-switcher/internal/notify"
	"github.com/google/uuid"
	"github.com/pkg/browser"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// AccountStore is the part of the account store the login flow writes to
type AccountStore interface {
	Find(ctx context.Context, providerAccountID, email string) (accounts.Account, bool, error)
	Upsert(ctx context.Context, account accounts.Account) error
}

// BrowserOpener opens a URL for the user
type BrowserOpener func(url string) error

// ServiceParams are the dependencies of the login Service
type ServiceParams struct {
	fx.In

	Config   *config.OAuthConfig
	Provider providers.Provider
	Registry *Registry
	Evictor  PortEvictor
	Store    AccountStore
	Sink     notify.Sink
	Recorder *metrics.Recorder `optional:"true"`
	Opener   BrowserOpener     `optional:"true"`
}

// Service runs the loopback login flow
type Service struct {
	config   *config.OAuthConfig
	provider providers.Provider
	registry *Registry
	evictor  PortEvictor
	store    AccountStore
	sink     notify.Sink
	recorder *metrics.Recorder
	open     BrowserOpener

	callbacks chan models.CallbackResult
	now       func() time.Time
}

// attempt is one started login, tracked until its callback resolves
type attempt struct {
	authURL  string
	state    string
	listener *callbackListener
	result   chan models.CallbackResult
}

// LoginOptions tunes Login
type LoginOptions struct {
	// Name labels the account; empty keeps the stored name or uses the email
	Name string
	// OnAuthURL is called with the authorization URL once the listener is up
	OnAuthURL func(authURL string)
}

// NewService creates a new login service
func NewService(p ServiceParams) *Service {
	opener := p.Opener
	if opener == nil {
		opener = browser.OpenURL
	}
	evictor := p.Evictor
	if evictor == nil {
		evictor = NoopEvictor{}
	}
	sink := p.Sink
	if sink == nil {
		sink = notify.LogSink{}
	}

	return &Service{
		config:    p.Config,
		provider:  p.Provider,
		registry:  p.Registry,
		evictor:   evictor,
		store:     p.Store,
		sink:      sink,
		recorder:  p.Recorder,
		open:      opener,
		callbacks: make(chan models.CallbackResult, 1),
		now:       time.Now,
	}
}

// RedirectURI is the loopback redirect registered for the client
func RedirectURI(port uint16) string {
	return fmt.Sprintf("http://localhost:%d%s", port, constants.CallbackPath)
}

// Callbacks delivers the outcome of each login's callback. Results are
// dropped when nobody is reading.
func (s *Service) Callbacks() <-chan models.CallbackResult {
	return s.callbacks
}

// StartLogin binds the callback port, registers a new pending login and
// returns the authorization URL. Any login still pending is abandoned and
// its listener closed first. When port eviction is enabled, a foreign
// process holding the callback port is killed.
func (s *Service) StartLogin(ctx context.Context) (string, error) {
	started, err := s.start(ctx)
	if err != nil {
		return "", err
	}
	return started.authURL, nil
}

func (s *Service) start(ctx context.Context) (*attempt, error) {
	s.registry.Abandon()

	if s.config.EvictPortOwner {
		if err := s.evictor.Evict(ctx, s.config.CallbackPort); err != nil {
			return nil, fmt.Errorf("failed to free callback port %d: %w", s.config.CallbackPort, err)
		}
	}

	codes := pkce.Generate()
	state := pkce.GenerateState()

	listener, err := listenCallback(constants.CallbackHost, s.config.CallbackPort, state)
	if err != nil {
		return nil, err
	}

	port := listener.Port()
	authURL := s.provider.GetAuthURL(state, codes.CodeChallenge, RedirectURI(port))

	if s.registry.Start(models.PendingLogin{PKCE: codes, State: state, Port: port}, listener.Close) {
		logger.Info("Replaced a pending login")
	}

	started := &attempt{
		authURL:  authURL,
		state:    state,
		listener: listener,
		result:   make(chan models.CallbackResult, 1),
	}
	go s.awaitCallback(started)

	logger.Info("Login started", zap.Uint16("port", port))

	if s.config.OpenBrowser {
		if err := s.open(authURL); err != nil {
			logger.Warn("Failed to open browser, open the URL manually", zap.Error(err))
		}
	}
	return started, nil
}

func (s *Service) awaitCallback(started *attempt) {
	result := started.listener.Await(context.Background(), s.config.CallbackTimeout)

	if result.Err != nil {
		// the attempt is over; a fresh login has to start from scratch
		s.registry.Discard(started.state)
		logger.Warn("Login callback failed", zap.Error(result.Err))
	} else {
		s.sink.Notify(notify.New(constants.EventCallbackReceived, result.Code))
	}

	started.result <- result
	select {
	case s.callbacks <- result:
	default:
	}
}

// CompleteLogin consumes the pending login and exchanges code for tokens.
// A second call without a new StartLogin fails with ErrLoginExpiredOrNotStarted.
func (s *Service) CompleteLogin(ctx context.Context, code string) (*models.TokenResponse, error) {
	pending, err := s.registry.Take()
	if err != nil {
		return nil, err
	}

	token, err := s.provider.ExchangeCode(ctx, code, pending.PKCE.CodeVerifier, RedirectURI(pending.Port))
	if err != nil {
		s.recorder.Login(metrics.ResultFailure)
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}
	s.recorder.Login(metrics.ResultSuccess)
	return token, nil
}

// Login runs a whole login: start, wait for the callback, exchange the code
// and store the account. An account with the same provider account id, or
// failing that the same email, is updated in place.
func (s *Service) Login(ctx context.Context, opts LoginOptions) (*accounts.Account, error) {
	started, err := s.start(ctx)
	if err != nil {
		return nil, err
	}
	if opts.OnAuthURL != nil {
		opts.OnAuthURL(started.authURL)
	}

	var result models.CallbackResult
	select {
	case result = <-started.result:
	case <-ctx.Done():
		s.registry.Discard(started.state)
		started.listener.Close()
		return nil, ctx.Err()
	}
	if result.Err != nil {
		return nil, result.Err
	}

	token, err := s.CompleteLogin(ctx, result.Code)
	if err != nil {
		return nil, err
	}

	account, err := s.saveAccount(ctx, token, opts.Name)
	if err != nil {
		return nil, err
	}
	s.sink.Notify(notify.New(constants.EventAccountsUpdated, account.ID))
	return account, nil
}

// Close abandons any pending login
func (s *Service) Close() {
	s.registry.Abandon()
}

func (s *Service) saveAccount(ctx context.Context, token *models.TokenResponse, name string) (*accounts.Account, error) {
	now := s.now().UTC()

	info := &models.UserInfo{}
	if token.IDToken != "" {
		parsed, err := providers.ParseUserInfo(token.IDToken)
		if err != nil {
			logger.Warn("Could not read account details from id_token", zap.Error(err))
		} else {
			info = parsed
		}
	}

	authJSON, err := accounts.NewAuthRecord(token, info, now)
	if err != nil {
		return nil, fmt.Errorf("failed to build auth record: %w", err)
	}

	account := accounts.Account{
		Name:              name,
		Email:             info.Email,
		ProviderAccountID: info.AccountID,
		RefreshToken:      token.RefreshToken,
		AuthJSON:          authJSON,
		LastRefresh:       &now,
	}
	existing, found, err := s.store.Find(ctx, info.AccountID, info.Email)
	if err != nil {
		return nil, err
	}
	if found {
		account.ID = existing.ID
		account.AddedAt = existing.AddedAt
		if account.Name == "" {
			account.Name = existing.Name
		}
		if account.RefreshToken == "" {
			account.RefreshToken = existing.RefreshToken
		}
	} else {
		account.ID = uuid.NewString()
		account.AddedAt = now
	}
	if account.Name == "" {
		account.Name = info.Email
	}
	if account.Name == "" {
		account.Name = "Account " + account.ID[:8]
	}

	if err := s.store.Upsert(ctx, account); err != nil {
		return nil, err
	}
	logger.Info("Account saved", zap.String("account_id", account.ID), zap.String("name", account.Name))
	return &account, nil
}
