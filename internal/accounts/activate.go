package accounts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/Koohoko/codex-switcher/internal/utils"
)

// ErrNoAuthRecord indicates an account without a token record to activate
var ErrNoAuthRecord = errors.New("accounts.no_auth_record")

// WriteAuthFile writes the account's token record to path, the credentials
// file the Codex tools read. The record is written as stored, field order
// included, with mode 0600.
func WriteAuthFile(account Account, path string) error {
	record, err := decodeRecord(account.AuthJSON)
	if err != nil {
		return fmt.Errorf("accounts.activate %s: %w", account.ID, err)
	}
	if len(record) == 0 {
		return fmt.Errorf("accounts.activate %s: %w", account.ID, ErrNoAuthRecord)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, account.AuthJSON, "", "  "); err != nil {
		return fmt.Errorf("accounts.activate %s: %w", account.ID, err)
	}
	pretty.WriteByte('\n')
	return utils.AtomicWriteFile(path, pretty.Bytes(), 0o600)
}

// ActiveProviderAccountID reads tokens.account_id from the credentials file
// at path. A missing file or one without an account id yields "".
func ActiveProviderAccountID(path string) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}

	var file struct {
		Tokens struct {
			AccountID string `json:"account_id"`
		} `json:"tokens"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return "", fmt.Errorf("decode %s: %w", path, err)
	}
	return file.Tokens.AccountID, nil
}

// Activate writes the token record of the account with id to path
func (s *Store) Activate(ctx context.Context, id, path string) (Account, error) {
	account, err := s.Get(ctx, id)
	if err != nil {
		return Account{}, err
	}
	if err := WriteAuthFile(account, path); err != nil {
		return Account{}, err
	}
	return account, nil
}

// Resolve finds an account by id, or failing that by its unique name
func (s *Store) Resolve(ctx context.Context, idOrName string) (Account, error) {
	listed, err := s.List(ctx)
	if err != nil {
		return Account{}, err
	}

	var byName []Account
	for _, account := range listed {
		if account.ID == idOrName {
			return account, nil
		}
		if account.Name == idOrName {
			byName = append(byName, account)
		}
	}
	switch len(byName) {
	case 1:
		return byName[0], nil
	case 0:
		return Account{}, fmt.Errorf("accounts.resolve %s: %w", idOrName, ErrAccountNotFound)
	default:
		return Account{}, fmt.Errorf("accounts.resolve %s: %d accounts share this name, use the id", idOrName, len(byName))
	}
}

// Export writes every account in the accounts file format to w
func (s *Store) Export(ctx context.Context, w io.Writer) error {
	listed, err := s.List(ctx)
	if err != nil {
		return err
	}
	if listed == nil {
		listed = []Account{}
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(accountsFile{Version: fileFormatVersion, Accounts: listed}); err != nil {
		return fmt.Errorf("encode accounts: %w", err)
	}
	return nil
}
