package auth

import (
	"sync"

	"github.com/Koohoko/codex-switcher/internal/auth/models"
)

// Registry holds the single in-flight login. Starting a login replaces the
// previous one, whose release func is then called to free its listener.
type Registry struct {
	mu      sync.Mutex
	pending *pendingEntry
}

type pendingEntry struct {
	login   models.PendingLogin
	release func()
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Start stores login as the pending login. release, if not nil, is called
// when the entry is replaced or abandoned. It reports whether an earlier
// login was discarded.
func (r *Registry) Start(login models.PendingLogin, release func()) bool {
	r.mu.Lock()
	previous := r.pending
	r.pending = &pendingEntry{login: login, release: release}
	r.mu.Unlock()

	if previous == nil {
		return false
	}
	previous.releaseListener()
	return true
}

// Take removes and returns the pending login. The listener is left alone;
// it closes itself after serving its one callback.
func (r *Registry) Take() (models.PendingLogin, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pending == nil {
		return models.PendingLogin{}, models.ErrLoginExpiredOrNotStarted
	}
	login := r.pending.login
	r.pending = nil
	return login, nil
}

// Abandon drops the pending login, if any, and releases its listener
func (r *Registry) Abandon() {
	r.mu.Lock()
	previous := r.pending
	r.pending = nil
	r.mu.Unlock()

	if previous != nil {
		previous.releaseListener()
	}
}

// Discard drops the pending login only if it still carries state, so a
// finished attempt cannot remove a newer one.
func (r *Registry) Discard(state string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending != nil && r.pending.login.State == state {
		r.pending = nil
	}
}

// Pending reports whether a login is in flight
func (r *Registry) Pending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending != nil
}

func (e *pendingEntry) releaseListener() {
	if e.release != nil {
		e.release()
	}
}
