package accounts

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrAccountNotFound indicates no account has the requested id.
	ErrAccountNotFound = errors.New("accounts.not_found")
	// ErrInvalidAccount indicates an account without an id.
	ErrInvalidAccount = errors.New("accounts.invalid")
)

// Persister is the backing store. Put, Update and Delete each change a single
// account and are atomic against every other writer of the same backing
// store, other processes included. Update and Delete return
// ErrAccountNotFound for an unknown id.
type Persister interface {
	Load(ctx context.Context) ([]Account, error)
	Put(ctx context.Context, account Account) error
	Update(ctx context.Context, id string, fn func(account *Account) error) error
	Delete(ctx context.Context, id string) error
}

// Store is the shared multi-account store. It keeps no copy of its own:
// reads load the current accounts from the persister and writes change one
// account in place, so a daemon and a CLI working on the same backing store
// never overwrite each other. Writes from this process are serialised by one
// mutex; callers receive copies and change accounts only through Mutate,
// whose callback runs under the lock and therefore must not do network I/O.
type Store struct {
	mu        sync.Mutex
	persister Persister
}

// NewStore checks that the accounts in p can be read
func NewStore(ctx context.Context, p Persister) (*Store, error) {
	if _, err := p.Load(ctx); err != nil {
		return nil, fmt.Errorf("failed to load accounts: %w", err)
	}
	return &Store{persister: p}, nil
}

// List returns a snapshot of all accounts, oldest first
func (s *Store) List(ctx context.Context) ([]Account, error) {
	loaded, err := s.persister.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load accounts: %w", err)
	}
	sortAccounts(loaded)
	return loaded, nil
}

// Get returns a copy of one account
func (s *Store) Get(ctx context.Context, id string) (Account, error) {
	loaded, err := s.List(ctx)
	if err != nil {
		return Account{}, err
	}
	for _, account := range loaded {
		if account.ID == id {
			return account, nil
		}
	}
	return Account{}, fmt.Errorf("accounts.get %s: %w", id, ErrAccountNotFound)
}

// Find returns the first account matching the provider account id, or
// failing that the email.
func (s *Store) Find(ctx context.Context, providerAccountID, email string) (Account, bool, error) {
	snapshot, err := s.List(ctx)
	if err != nil {
		return Account{}, false, err
	}
	if providerAccountID != "" {
		for _, account := range snapshot {
			if account.ProviderAccountID == providerAccountID {
				return account, true, nil
			}
		}
	}
	if email != "" {
		for _, account := range snapshot {
			if account.Email == email {
				return account, true, nil
			}
		}
	}
	return Account{}, false, nil
}

// Mutate applies fn to the current stored version of the account and
// persists it, all while holding the lock. If fn fails nothing changes.
func (s *Store) Mutate(ctx context.Context, id string, fn func(account *Account) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.persister.Update(ctx, id, func(current *Account) error {
		working := current.Clone()
		if err := fn(&working); err != nil {
			return err
		}
		working.ID = id
		*current = working
		return nil
	})
	if errors.Is(err, ErrAccountNotFound) {
		return fmt.Errorf("accounts.mutate %s: %w", id, err)
	}
	return err
}

// Upsert inserts or replaces an account
func (s *Store) Upsert(ctx context.Context, account Account) error {
	if account.ID == "" {
		return fmt.Errorf("accounts.upsert: %w", ErrInvalidAccount)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.persister.Put(ctx, account.Clone()); err != nil {
		return fmt.Errorf("failed to save account %s: %w", account.ID, err)
	}
	return nil
}

// Remove deletes an account
func (s *Store) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.persister.Delete(ctx, id); err != nil {
		return fmt.Errorf("accounts.remove %s: %w", id, err)
	}
	return nil
}

func sortAccounts(accounts []Account) {
	sort.Slice(accounts, func(i, j int) bool {
		if !accounts[i].AddedAt.Equal(accounts[j].AddedAt) {
			return accounts[i].AddedAt.Before(accounts[j].AddedAt)
		}
		return accounts[i].ID < accounts[j].ID
	})
}
