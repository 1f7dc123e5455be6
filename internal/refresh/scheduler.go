// Package refresh keeps stored access tokens valid by renewing them shortly
// before they expire.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Koohoko/codex-switcher/internal/accounts"
	"github.com/Koohoko/codex-switcher/internal/auth/constants"
	"github.com/Koohoko/codex-switcher/internal/auth/providers"
	"github.com/Koohoko/codex-switcher/internal/config"
	"github.com/Koohoko/codex-switcher/internal/logger"
	"github.com/Koohoko/codex-switcher/internal/metrics"
	"github.com/Koohoko/codex-switcher/internal/notify"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultInterval     = 30 * time.Minute
	defaultExpiryMargin = 10 * time.Minute
)

// ErrNoRefreshToken indicates an account that cannot be refreshed silently
var ErrNoRefreshToken = errors.New("refresh.no_refresh_token")

// AccountStore is the part of the account store the scheduler needs. Mutate
// runs its callback under the store lock, so no network I/O happens there.
type AccountStore interface {
	List(ctx context.Context) ([]accounts.Account, error)
	Get(ctx context.Context, id string) (accounts.Account, error)
	Mutate(ctx context.Context, id string, fn func(account *accounts.Account) error) error
}

// SchedulerParams are the dependencies of the Scheduler
type SchedulerParams struct {
	fx.In

	Config    *config.SchedulerConfig
	Store     AccountStore
	Refresher providers.Refresher
	Sink      notify.Sink
	Recorder  *metrics.Recorder `optional:"true"`
}

// Scheduler periodically scans the account store and renews tokens that
// expire within the margin. Accounts are refreshed concurrently up to the
// configured limit; a failing account is logged and retried next scan.
type Scheduler struct {
	store     AccountStore
	refresher providers.Refresher
	sink      notify.Sink
	recorder  *metrics.Recorder

	interval    time.Duration
	margin      time.Duration
	concurrency int
	now         func() time.Time

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// ScanResult summarises one pass over the store
type ScanResult struct {
	Checked   int
	Refreshed int
	Failed    int
}

// NewScheduler creates a new scheduler
func NewScheduler(p SchedulerParams) *Scheduler {
	s := &Scheduler{
		store:       p.Store,
		refresher:   p.Refresher,
		sink:        p.Sink,
		recorder:    p.Recorder,
		interval:    defaultInterval,
		margin:      defaultExpiryMargin,
		concurrency: 1,
		now:         time.Now,
	}
	if s.sink == nil {
		s.sink = notify.LogSink{}
	}
	if p.Config != nil {
		if p.Config.Interval > 0 {
			s.interval = p.Config.Interval
		}
		if p.Config.ExpiryMargin >= 0 {
			s.margin = p.Config.ExpiryMargin
		}
		if p.Config.Concurrency > 0 {
			s.concurrency = p.Config.Concurrency
		}
	}
	return s
}

// Start begins the scan loop. The first scan runs immediately. It runs
// until Stop is called or ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	stopCh := make(chan struct{})
	doneCh := make(chan struct{})
	s.running = true
	s.stopCh = stopCh
	s.doneCh = doneCh
	s.mu.Unlock()

	logger.Info("Refresh scheduler starting",
		zap.Duration("interval", s.interval),
		zap.Duration("expiry_margin", s.margin),
	)
	go s.run(ctx, stopCh, doneCh)
}

// Stop stops the loop and waits for an in-progress scan to finish. It is
// safe to call concurrently and after the loop ended on its own.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.stopCh = nil
	doneCh := s.doneCh
	s.mu.Unlock()

	<-doneCh
	logger.Info("Refresh scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	defer func() {
		// a loop ended by its context leaves the scheduler ready to start again
		s.mu.Lock()
		if s.doneCh == doneCh {
			s.running = false
			s.stopCh = nil
		}
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Scan(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Scan(ctx)
		}
	}
}

// Scan refreshes every account whose token expires within the margin.
// Accounts without a refresh token or without a readable expiry are skipped.
// Observers get a single accounts-updated notification when anything changed.
func (s *Scheduler) Scan(ctx context.Context) ScanResult {
	s.recorder.Scan()

	snapshot, err := s.store.List(ctx)
	if err != nil {
		logger.Error("Refresh scan could not read accounts", zap.Error(err))
		return ScanResult{}
	}
	now := s.now()

	var due []accounts.Account
	for _, account := range snapshot {
		if !account.HasRefreshToken() {
			continue
		}
		if account.ExpiringSoon(now, s.margin) {
			due = append(due, account)
		}
	}

	result := s.refreshMany(ctx, due, metrics.TriggerScheduled)
	result.Checked = len(snapshot)

	if result.Refreshed > 0 || result.Failed > 0 {
		logger.Info("Refresh scan finished",
			zap.Int("checked", result.Checked),
			zap.Int("refreshed", result.Refreshed),
			zap.Int("failed", result.Failed),
		)
	} else {
		logger.Debug("Refresh scan found nothing to do", zap.Int("checked", result.Checked))
	}
	return result
}

// RefreshAccount renews one account now, regardless of its expiry
func (s *Scheduler) RefreshAccount(ctx context.Context, id string) (accounts.Account, error) {
	account, err := s.store.Get(ctx, id)
	if err != nil {
		return accounts.Account{}, err
	}
	if !account.HasRefreshToken() {
		return accounts.Account{}, fmt.Errorf("refresh %s: %w", id, ErrNoRefreshToken)
	}

	if err := s.refreshOne(ctx, account, metrics.TriggerManual); err != nil {
		return accounts.Account{}, err
	}
	s.sink.Notify(notify.New(constants.EventAccountsUpdated, id))

	return s.store.Get(ctx, id)
}

// RefreshAll renews every account that has a refresh token, regardless of expiry
func (s *Scheduler) RefreshAll(ctx context.Context) (ScanResult, error) {
	snapshot, err := s.store.List(ctx)
	if err != nil {
		return ScanResult{}, err
	}

	var refreshable []accounts.Account
	for _, account := range snapshot {
		if account.HasRefreshToken() {
			refreshable = append(refreshable, account)
		}
	}

	result := s.refreshMany(ctx, refreshable, metrics.TriggerManual)
	result.Checked = len(snapshot)
	return result, nil
}

func (s *Scheduler) refreshMany(ctx context.Context, due []accounts.Account, trigger string) ScanResult {
	var refreshed, failed atomic.Int64

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for _, account := range due {
		g.Go(func() error {
			if err := s.refreshOne(ctx, account, trigger); err != nil {
				failed.Add(1)
				logger.Warn("Failed to refresh account",
					zap.String("account_id", account.ID),
					zap.String("name", account.Name),
					zap.Error(err),
				)
				return nil
			}
			refreshed.Add(1)
			return nil
		})
	}
	// per-account errors are logged above and never abort the group
	_ = g.Wait()

	result := ScanResult{Refreshed: int(refreshed.Load()), Failed: int(failed.Load())}
	if result.Refreshed > 0 {
		s.sink.Notify(notify.New(constants.EventAccountsUpdated, ""))
	}
	return result
}

// refreshOne calls the provider without holding the store lock, then merges
// the result into the account under it. A record that cannot take the new
// token is rejected before the provider is asked, since a provider that
// rotates refresh tokens invalidates the old one as soon as it answers.
func (s *Scheduler) refreshOne(ctx context.Context, account accounts.Account, trigger string) error {
	if err := accounts.ValidateAuthRecord(account.AuthJSON); err != nil {
		s.recorder.Refresh(trigger, metrics.ResultFailure)
		return fmt.Errorf("refresh %s: %w", account.ID, err)
	}

	token, err := s.refresher.RefreshToken(ctx, account.RefreshToken)
	if err != nil {
		s.recorder.Refresh(trigger, metrics.ResultFailure)
		return err
	}

	now := s.now()
	var mergeErr error
	err = s.store.Mutate(ctx, account.ID, func(stored *accounts.Account) error {
		// the rotated refresh token is kept even if the record changed
		// underneath us and no longer merges
		if token.RefreshToken != "" {
			stored.RefreshToken = token.RefreshToken
		}
		authJSON, err := accounts.ApplyRefresh(stored.AuthJSON, token, now)
		if err != nil {
			mergeErr = err
			return nil
		}
		stored.AuthJSON = authJSON
		refreshedAt := now.UTC()
		stored.LastRefresh = &refreshedAt
		return nil
	})
	if err == nil {
		err = mergeErr
	}
	if err != nil {
		s.recorder.Refresh(trigger, metrics.ResultFailure)
		return fmt.Errorf("failed to store refreshed token: %w", err)
	}

	s.recorder.Refresh(trigger, metrics.ResultSuccess)
	logger.Info("Refreshed account token", zap.String("account_id", account.ID), zap.String("trigger", trigger))
	return nil
}
