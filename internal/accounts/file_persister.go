package accounts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Koohoko/codex-switcher/internal/utils"
	"github.com/gofrs/flock"
)

const (
	fileFormatVersion = 1
	lockRetryDelay    = 25 * time.Millisecond
)

type accountsFile struct {
	Version  int       `json:"version"`
	Accounts []Account `json:"accounts"`
}

// FilePersister stores accounts as one JSON document, replaced atomically on
// every save. Writers hold an advisory lock on a sibling ".lock" file while
// they read, change and rewrite the document, so processes sharing the file
// see each other's changes.
type FilePersister struct {
	path string

	// flock.Flock is not exclusive between goroutines of one process
	mu   sync.Mutex
	lock *flock.Flock
}

func NewFilePersister(path string) *FilePersister {
	return &FilePersister{
		path: path,
		lock: flock.New(path + ".lock"),
	}
}

func (p *FilePersister) Load(ctx context.Context) ([]Account, error) {
	data, err := os.ReadFile(p.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", p.path, err)
	}

	var file accountsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode %s: %w", p.path, err)
	}
	if file.Version > fileFormatVersion {
		return nil, fmt.Errorf("decode %s: unsupported format version %d", p.path, file.Version)
	}
	return file.Accounts, nil
}

func (p *FilePersister) Put(ctx context.Context, account Account) error {
	return p.rewrite(ctx, func(accounts []Account) ([]Account, error) {
		return putAccount(accounts, account), nil
	})
}

func (p *FilePersister) Update(ctx context.Context, id string, fn func(account *Account) error) error {
	return p.rewrite(ctx, func(accounts []Account) ([]Account, error) {
		index := indexOf(accounts, id)
		if index < 0 {
			return nil, ErrAccountNotFound
		}
		if err := fn(&accounts[index]); err != nil {
			return nil, err
		}
		return accounts, nil
	})
}

func (p *FilePersister) Delete(ctx context.Context, id string) error {
	return p.rewrite(ctx, func(accounts []Account) ([]Account, error) {
		index := indexOf(accounts, id)
		if index < 0 {
			return nil, ErrAccountNotFound
		}
		return append(accounts[:index], accounts[index+1:]...), nil
	})
}

// rewrite loads the document under the file lock, hands it to change and
// writes back what change returns. An error from change leaves the file alone.
func (p *FilePersister) rewrite(ctx context.Context, change func(accounts []Account) ([]Account, error)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(p.path), 0o700); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(p.path), err)
	}
	locked, err := p.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("lock %s: %w", p.lock.Path(), err)
	}
	if !locked {
		return fmt.Errorf("lock %s: not acquired", p.lock.Path())
	}
	defer func() {
		_ = p.lock.Unlock()
	}()

	current, err := p.Load(ctx)
	if err != nil {
		return err
	}
	next, err := change(current)
	if err != nil {
		return err
	}
	return p.write(next)
}

func (p *FilePersister) write(accounts []Account) error {
	if accounts == nil {
		accounts = []Account{}
	}
	data, err := json.MarshalIndent(accountsFile{Version: fileFormatVersion, Accounts: accounts}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode accounts: %w", err)
	}
	// tokens inside, keep it private to the user
	return utils.AtomicWriteFile(p.path, data, 0o600)
}
