package accounts

import (
	"context"
	"sync"
)

// MemoryPersister keeps accounts in process memory, intended for tests and dev.
type MemoryPersister struct {
	mutex    sync.Mutex
	accounts []Account
	saves    int
	err      error
}

// NewMemoryPersister seeds the persister with the given accounts
func NewMemoryPersister(seed ...Account) *MemoryPersister {
	return &MemoryPersister{accounts: cloneAll(seed)}
}

func (p *MemoryPersister) Load(ctx context.Context) ([]Account, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return cloneAll(p.accounts), nil
}

func (p *MemoryPersister) Put(ctx context.Context, account Account) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.err != nil {
		return p.err
	}
	p.accounts = putAccount(p.accounts, account.Clone())
	p.saves++
	return nil
}

func (p *MemoryPersister) Update(ctx context.Context, id string, fn func(account *Account) error) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	index := indexOf(p.accounts, id)
	if index < 0 {
		return ErrAccountNotFound
	}
	working := p.accounts[index].Clone()
	if err := fn(&working); err != nil {
		return err
	}
	if p.err != nil {
		return p.err
	}
	p.accounts[index] = working
	p.saves++
	return nil
}

func (p *MemoryPersister) Delete(ctx context.Context, id string) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	index := indexOf(p.accounts, id)
	if index < 0 {
		return ErrAccountNotFound
	}
	if p.err != nil {
		return p.err
	}
	p.accounts = append(p.accounts[:index], p.accounts[index+1:]...)
	p.saves++
	return nil
}

// Saves returns how many writes succeeded
func (p *MemoryPersister) Saves() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.saves
}

// FailWith makes subsequent writes return err; nil restores success
func (p *MemoryPersister) FailWith(err error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.err = err
}

func cloneAll(accounts []Account) []Account {
	clones := make([]Account, len(accounts))
	for i := range accounts {
		clones[i] = accounts[i].Clone()
	}
	return clones
}

func indexOf(accounts []Account, id string) int {
	for i := range accounts {
		if accounts[i].ID == id {
			return i
		}
	}
	return -1
}

// putAccount replaces the account with the same id or appends it
func putAccount(accounts []Account, account Account) []Account {
	if index := indexOf(accounts, account.ID); index >= 0 {
		accounts[index] = account
		return accounts
	}
	return append(accounts, account)
}
