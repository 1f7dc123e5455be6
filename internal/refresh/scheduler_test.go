package refresh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRefresher struct {
	mu     sync.Mutex
	calls  []string
	fail   map[string]error
	before func(refreshToken string)
}

func (r *fakeRefresher) RefreshToken(ctx context.Context, refreshToken string) (*models.TokenResponse, error) {
	if r.before != nil {
		r.before(refreshToken)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, refreshToken)
	if err := r.fail[refreshToken]; err != nil {
		return nil, err
	}
	return &models.TokenResponse{
		AccessToken:  "new-access-for-" + refreshToken,
		RefreshToken: "rotated-" + refreshToken,
		ExpiresIn:    3600,
	}, nil
}

func (r *fakeRefresher) called() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type fixture struct {
	scheduler *Scheduler
	store     *accounts.Store
	refresher *fakeRefresher
	sink      *notify.ChannelSink
	registry  *prometheus.Registry
}

func newFixture(t *testing.T, seed ...accounts.Account) *fixture {
	t.Helper()

	store, err := accounts.NewStore(context.Background(), accounts.NewMemoryPersister(seed...))
	require.NoError(t, err)
	reg := prometheus.NewRegistry()
	recorder, err := metrics.NewRecorder(reg)
	require.NoError(t, err)

	f := &fixture{
		store:     store,
		refresher: &fakeRefresher{fail: map[string]error{}},
		sink:      notify.NewChannelSink(16),
		registry:  reg,
	}
	f.scheduler = NewScheduler(SchedulerParams{
		Config: &config.SchedulerConfig{
			Interval:     time.Hour,
			ExpiryMargin: 10 * time.Minute,
			Concurrency:  4,
		},
		Store:     store,
		Refresher: f.refresher,
		Sink:      f.sink,
		Recorder:  recorder,
	})
	return f
}

func (f *fixture) events() []notify.Event {
	var events []notify.Event
	for len(f.sink.Events()) > 0 {
		events = append(events, <-f.sink.Events())
	}
	return events
}

// accountExpiringIn builds an account whose tokens.expires_at is d from now
func accountExpiringIn(id string, d time.Duration, rfc3339 bool) accounts.Account {
	var expiresAt interface{} = time.Now().Add(d).Unix()
	if rfc3339 {
		expiresAt = time.Now().Add(d).UTC().Format(time.RFC3339)
	}
	raw, _ := json.Marshal(map[string]interface{}{
		"OPENAI_API_KEY": nil,
		"workspace":      map[string]interface{}{"theme": "dark"},
		"tokens": map[string]interface{}{
			"access_token":  "old-access-" + id,
			"refresh_token": "refresh-" + id,
			"account_id":    "acc-" + id,
			"expires_at":    expiresAt,
		},
	})
	return accounts.Account{
		ID:           id,
		Name:         "account " + id,
		RefreshToken: "refresh-" + id,
		AuthJSON:     raw,
		AddedAt:      time.Now(),
	}
}

func decodeAuth(t *testing.T, account accounts.Account) map[string]interface{} {
	t.Helper()
	var record map[string]interface{}
	require.NoError(t, json.Unmarshal(account.AuthJSON, &record))
	return record
}

func TestScanRefreshesOnlyExpiringAccounts(t *testing.T) {
	f := newFixture(t,
		accountExpiringIn("soon", 5*time.Minute, true),
		accountExpiringIn("later", 20*time.Minute, false),
	)
	ctx := context.Background()

	result := f.scheduler.Scan(ctx)
	assert.Equal(t, ScanResult{Checked: 2, Refreshed: 1}, result)
	assert.Equal(t, []string{"refresh-soon"}, f.refresher.called())

	soon, err := f.store.Get(ctx, "soon")
	require.NoError(t, err)
	assert.Equal(t, "rotated-refresh-soon", soon.RefreshToken)
	require.NotNil(t, soon.LastRefresh)

	record := decodeAuth(t, soon)
	assert.Equal(t, map[string]interface{}{"theme": "dark"}, record["workspace"])
	assert.Contains(t, record, "OPENAI_API_KEY")
	assert.Contains(t, record, "last_refresh")

	tokens := record["tokens"].(map[string]interface{})
	assert.Equal(t, "new-access-for-refresh-soon", tokens["access_token"])
	assert.Equal(t, "rotated-refresh-soon", tokens["refresh_token"])
	assert.Equal(t, "acc-soon", tokens["account_id"])

	// the expiry keeps its string encoding and moves about an hour out
	expiresAt, ok := soon.ExpiresAt()
	require.True(t, ok)
	assert.IsType(t, "", tokens["expires_at"])
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, time.Minute)

	later, err := f.store.Get(ctx, "later")
	require.NoError(t, err)
	assert.Equal(t, "refresh-later", later.RefreshToken)
	assert.Nil(t, later.LastRefresh)
}

func TestScanFailureDoesNotBlockOtherAccounts(t *testing.T) {
	f := newFixture(t,
		accountExpiringIn("a", time.Minute, false),
		accountExpiringIn("b", 2*time.Minute, false),
	)
	f.refresher.fail["refresh-a"] = fmt.Errorf("%w: connection reset", models.ErrNetwork)
	ctx := context.Background()

	result := f.scheduler.Scan(ctx)
	assert.Equal(t, ScanResult{Checked: 2, Refreshed: 1, Failed: 1}, result)
	assert.ElementsMatch(t, []string{"refresh-a", "refresh-b"}, f.refresher.called())

	a, err := f.store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "refresh-a", a.RefreshToken)

	b, err := f.store.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "rotated-refresh-b", b.RefreshToken)
}

func TestScanNotifiesOncePerScan(t *testing.T) {
	f := newFixture(t,
		accountExpiringIn("a", time.Minute, false),
		accountExpiringIn("b", time.Minute, true),
		accountExpiringIn("c", -time.Minute, false),
	)

	result := f.scheduler.Scan(context.Background())
	assert.Equal(t, 3, result.Refreshed)

	events := f.events()
	require.Len(t, events, 1)
	assert.Equal(t, constants.EventAccountsUpdated, events[0].Name)

	// everything is fresh now
	result = f.scheduler.Scan(context.Background())
	assert.Equal(t, 0, result.Refreshed)
	assert.Empty(t, f.events())
}

func TestScanNoNotificationWhenAllFail(t *testing.T) {
	f := newFixture(t, accountExpiringIn("a", time.Minute, false))
	f.refresher.fail["refresh-a"] = errors.New("boom")

	result := f.scheduler.Scan(context.Background())
	assert.Equal(t, 1, result.Failed)
	assert.Empty(t, f.events())
}

func TestScanSkipsUnrefreshableAccounts(t *testing.T) {
	noToken := accountExpiringIn("no-token", time.Minute, false)
	noToken.RefreshToken = ""
	noExpiry := accounts.Account{
		ID:           "no-expiry",
		RefreshToken: "refresh-no-expiry",
		AuthJSON:     json.RawMessage(`{"tokens":{"access_token":"x","expires_at":"whenever"}}`),
	}
	empty := accounts.Account{ID: "empty", RefreshToken: "refresh-empty"}
	f := newFixture(t, noToken, noExpiry, empty)

	result := f.scheduler.Scan(context.Background())
	assert.Equal(t, ScanResult{Checked: 3}, result)
	assert.Empty(t, f.refresher.called())
}

func TestScanAccountRemovedMidRefresh(t *testing.T) {
	f := newFixture(t, accountExpiringIn("a", time.Minute, false))
	f.refresher.before = func(string) {
		assert.NoError(t, f.store.Remove(context.Background(), "a"))
	}

	result := f.scheduler.Scan(context.Background())
	assert.Equal(t, ScanResult{Checked: 1, Failed: 1}, result)
	listed, err := f.store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, listed)
}

func TestScanMetrics(t *testing.T) {
	f := newFixture(t,
		accountExpiringIn("a", time.Minute, false),
		accountExpiringIn("b", time.Minute, false),
	)
	f.refresher.fail["refresh-b"] = errors.New("boom")

	f.scheduler.Scan(context.Background())

	expected := `
# HELP codex_switcher_refresh_scans_total Refresh scheduler scans over the account store.
# TYPE codex_switcher_refresh_scans_total counter
codex_switcher_refresh_scans_total 1
# HELP codex_switcher_token_refresh_total Token refresh attempts by trigger and result.
# TYPE codex_switcher_token_refresh_total counter
codex_switcher_token_refresh_total{result="failure",trigger="scheduled"} 1
codex_switcher_token_refresh_total{result="success",trigger="scheduled"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(f.registry, strings.NewReader(expected),
		"codex_switcher_refresh_scans_total", "codex_switcher_token_refresh_total"))
}

func TestRefreshAccount(t *testing.T) {
	noToken := accountExpiringIn("no-token", time.Hour, false)
	noToken.RefreshToken = ""
	f := newFixture(t, accountExpiringIn("a", 24*time.Hour, false), noToken)
	ctx := context.Background()

	account, err := f.scheduler.RefreshAccount(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "rotated-refresh-a", account.RefreshToken)
	require.Len(t, f.events(), 1)

	_, err = f.scheduler.RefreshAccount(ctx, "no-token")
	assert.ErrorIs(t, err, ErrNoRefreshToken)

	_, err = f.scheduler.RefreshAccount(ctx, "missing")
	assert.ErrorIs(t, err, accounts.ErrAccountNotFound)

	f.refresher.fail["rotated-refresh-a"] = &models.ProviderRejectedError{StatusCode: 401, Body: "revoked"}
	_, err = f.scheduler.RefreshAccount(ctx, "a")
	assert.ErrorIs(t, err, models.ErrProviderRejected)
}

func TestRefreshAll(t *testing.T) {
	noToken := accountExpiringIn("no-token", time.Hour, false)
	noToken.RefreshToken = ""
	f := newFixture(t,
		accountExpiringIn("a", 24*time.Hour, false),
		accountExpiringIn("b", 48*time.Hour, true),
		noToken,
	)

	result, err := f.scheduler.RefreshAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ScanResult{Checked: 3, Refreshed: 2}, result)
	assert.ElementsMatch(t, []string{"refresh-a", "refresh-b"}, f.refresher.called())
	assert.Len(t, f.events(), 1)
}

func TestSchedulerStartScansImmediately(t *testing.T) {
	f := newFixture(t, accountExpiringIn("a", time.Minute, false))

	f.scheduler.Start(context.Background())
	f.scheduler.Start(context.Background())

	select {
	case event := <-f.sink.Events():
		assert.Equal(t, constants.EventAccountsUpdated, event.Name)
	case <-time.After(5 * time.Second):
		t.Fatal("expected the first scan to run at start")
	}

	f.scheduler.Stop()
	f.scheduler.Stop()
	assert.Equal(t, []string{"refresh-a"}, f.refresher.called())
}

func TestSchedulerStopsOnContextCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	f.scheduler.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		f.scheduler.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop after cancellation")
	}
}

func TestSchedulerConcurrentStop(t *testing.T) {
	f := newFixture(t)
	f.scheduler.Start(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.scheduler.Stop()
		}()
	}
	wg.Wait()

	f.scheduler.mu.Lock()
	defer f.scheduler.mu.Unlock()
	assert.False(t, f.scheduler.running)
}

func TestSchedulerRestartsAfterContextEnds(t *testing.T) {
	f := newFixture(t, accountExpiringIn("a", time.Minute, false))
	// every scan finds the account due
	f.scheduler.margin = 24 * time.Hour

	awaitRefresh := func() {
		t.Helper()
		select {
		case event := <-f.sink.Events():
			assert.Equal(t, constants.EventAccountsUpdated, event.Name)
		case <-time.After(5 * time.Second):
			t.Fatal("expected a scan to refresh the account")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	f.scheduler.Start(ctx)
	awaitRefresh()
	cancel()

	require.Eventually(t, func() bool {
		f.scheduler.mu.Lock()
		defer f.scheduler.mu.Unlock()
		return !f.scheduler.running
	}, 5*time.Second, 10*time.Millisecond)

	f.scheduler.Start(context.Background())
	awaitRefresh()
	f.scheduler.Stop()

	assert.Equal(t, []string{"refresh-a", "rotated-refresh-a"}, f.refresher.called())
}

func TestRefreshAccountRejectsUnmergeableRecord(t *testing.T) {
	broken := accountExpiringIn("a", time.Minute, false)
	broken.AuthJSON = json.RawMessage(`["not", "an", "object"]`)
	f := newFixture(t, broken)
	ctx := context.Background()

	_, err := f.scheduler.RefreshAccount(ctx, "a")
	assert.ErrorIs(t, err, accounts.ErrAuthRecordNotObject)
	// the provider was never asked, so the stored refresh token is still valid
	assert.Empty(t, f.refresher.called())

	stored, err := f.store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "refresh-a", stored.RefreshToken)
}

func TestRefreshKeepsRotatedTokenWhenMergeFails(t *testing.T) {
	f := newFixture(t, accountExpiringIn("a", time.Minute, false))
	ctx := context.Background()
	f.refresher.before = func(string) {
		// the record is replaced while the provider call is in flight
		assert.NoError(t, f.store.Mutate(ctx, "a", func(account *accounts.Account) error {
			account.AuthJSON = json.RawMessage(`"replaced"`)
			return nil
		}))
	}

	_, err := f.scheduler.RefreshAccount(ctx, "a")
	assert.ErrorIs(t, err, accounts.ErrAuthRecordNotObject)

	stored, err := f.store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "rotated-refresh-a", stored.RefreshToken)
	assert.JSONEq(t, `"replaced"`, string(stored.AuthJSON))
	assert.Nil(t, stored.LastRefresh)
}

func TestNewSchedulerDefaults(t *testing.T) {
	s := NewScheduler(SchedulerParams{Refresher: &fakeRefresher{}})
	assert.Equal(t, 30*time.Minute, s.interval)
	assert.Equal(t, 10*time.Minute, s.margin)
	assert.Equal(t, 1, s.concurrency)
}
