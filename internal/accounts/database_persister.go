package accounts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	// ErrUnsupportedDialect indicates a database URL scheme no driver serves.
	ErrUnsupportedDialect = errors.New("accounts_db.unsupported_dialect")

	errEmptyDatabaseURL = errors.New("accounts_db.empty_database_url")
	errMissingScheme    = errors.New("accounts_db.missing_scheme")
	errSQLiteNoPath     = errors.New("accounts_db.sqlite_no_path")
)

// dialect opens the GORM dialector for one URL scheme
type dialect struct {
	driver string
	open   func(databaseURL string, parsed *url.URL) (gorm.Dialector, error)
}

var dialects = map[string]dialect{
	"postgres":   {driver: "postgres", open: openPostgres},
	"postgresql": {driver: "postgres", open: openPostgres},
	"sqlite":     {driver: "sqlite", open: openSQLite},
	"sqlite3":    {driver: "sqlite", open: openSQLite},
}

type accountRecord struct {
	ID                string `gorm:"column:id;primaryKey"`
	Name              string `gorm:"column:name;not null"`
	Email             string `gorm:"column:email;index;not null;default:''"`
	ProviderAccountID string `gorm:"column:provider_account_id;index;not null;default:''"`
	RefreshToken      string `gorm:"column:refresh_token;not null;default:''"`
	AuthJSON          string `gorm:"column:auth_json;type:text;not null"`
	AddedAtUnix       int64  `gorm:"column:added_at_unix;not null"`
	LastRefreshUnix   int64  `gorm:"column:last_refresh_unix;not null;default:0"`
}

func (accountRecord) TableName() string {
	return "accounts"
}

// DatabasePersister keeps accounts in a SQL table through GORM.
type DatabasePersister struct {
	db          *gorm.DB
	driverLabel string
}

// NewDatabasePersister opens databaseURL (postgres:// or sqlite://) and migrates the schema
func NewDatabasePersister(ctx context.Context, databaseURL string) (*DatabasePersister, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("accounts_db.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := dialectorFor(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, fmt.Errorf("accounts_db.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&accountRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("accounts_db.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabasePersister{db: gormDB, driverLabel: driverLabel}, nil
}

// Driver exposes the selected database driver label.
func (p *DatabasePersister) Driver() string {
	return p.driverLabel
}

// Close releases the underlying connection pool
func (p *DatabasePersister) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (p *DatabasePersister) Load(ctx context.Context) ([]Account, error) {
	var records []accountRecord
	if err := p.db.WithContext(ctx).Order("added_at_unix, id").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("accounts_db.load.%s: %w", p.driverLabel, err)
	}

	loaded := make([]Account, 0, len(records))
	for _, record := range records {
		loaded = append(loaded, record.account())
	}
	return loaded, nil
}

// Put inserts the account or overwrites the row with its id
func (p *DatabasePersister) Put(ctx context.Context, account Account) error {
	record := newAccountRecord(account)
	if err := p.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&record).Error; err != nil {
		return fmt.Errorf("accounts_db.put.%s: %w", p.driverLabel, err)
	}
	return nil
}

// Update reads the row, applies fn and writes it back in one transaction.
// On postgres the row stays locked until the transaction ends; sqlite
// serialises writers on the whole database, and the driver's default busy
// timeout makes a second process wait rather than fail.
func (p *DatabasePersister) Update(ctx context.Context, id string, fn func(account *Account) error) error {
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx
		if p.driverLabel == "postgres" {
			query = query.Clauses(clause.Locking{Strength: "UPDATE"})
		}

		var record accountRecord
		if err := query.Where("id = ?", id).Take(&record).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrAccountNotFound
			}
			return err
		}

		account := record.account()
		if err := fn(&account); err != nil {
			return err
		}
		updated := newAccountRecord(account)
		updated.ID = id
		return tx.Save(&updated).Error
	})
	if err != nil {
		return fmt.Errorf("accounts_db.update.%s: %w", p.driverLabel, err)
	}
	return nil
}

// Delete removes the row with the given id
func (p *DatabasePersister) Delete(ctx context.Context, id string) error {
	result := p.db.WithContext(ctx).Where("id = ?", id).Delete(&accountRecord{})
	if result.Error != nil {
		return fmt.Errorf("accounts_db.delete.%s: %w", p.driverLabel, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("accounts_db.delete.%s: %w", p.driverLabel, ErrAccountNotFound)
	}
	return nil
}

func newAccountRecord(account Account) accountRecord {
	record := accountRecord{
		ID:                account.ID,
		Name:              account.Name,
		Email:             account.Email,
		ProviderAccountID: account.ProviderAccountID,
		RefreshToken:      account.RefreshToken,
		AuthJSON:          string(account.AuthJSON),
		AddedAtUnix:       account.AddedAt.Unix(),
	}
	if record.AuthJSON == "" {
		record.AuthJSON = "null"
	}
	if account.LastRefresh != nil {
		record.LastRefreshUnix = account.LastRefresh.Unix()
	}
	return record
}

func (r accountRecord) account() Account {
	account := Account{
		ID:                r.ID,
		Name:              r.Name,
		Email:             r.Email,
		ProviderAccountID: r.ProviderAccountID,
		RefreshToken:      r.RefreshToken,
		AuthJSON:          json.RawMessage(r.AuthJSON),
		AddedAt:           time.Unix(r.AddedAtUnix, 0).UTC(),
	}
	if r.LastRefreshUnix != 0 {
		lastRefresh := time.Unix(r.LastRefreshUnix, 0).UTC()
		account.LastRefresh = &lastRefresh
	}
	return account
}

// dialectorFor picks the driver from the URL scheme
func dialectorFor(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("accounts_db.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("accounts_db.dialect: %w", errMissingScheme)
	}

	scheme := strings.ToLower(parsed.Scheme)
	selected, ok := dialects[scheme]
	if !ok {
		return nil, "", fmt.Errorf("accounts_db.dialect.%s: %w", scheme, ErrUnsupportedDialect)
	}
	dialector, err := selected.open(databaseURL, parsed)
	if err != nil {
		return nil, "", fmt.Errorf("accounts_db.dialect.%s: %w", selected.driver, err)
	}
	return dialector, selected.driver, nil
}

func openPostgres(databaseURL string, _ *url.URL) (gorm.Dialector, error) {
	return postgres.Open(databaseURL), nil
}

// openSQLite accepts sqlite:///abs/path, sqlite://rel/path and
// sqlite:file::memory: forms, keeping any query as driver options.
func openSQLite(_ string, parsed *url.URL) (gorm.Dialector, error) {
	path := parsed.Opaque
	if path == "" {
		path = parsed.Host + parsed.Path
	}
	if path == "" {
		return nil, errSQLiteNoPath
	}
	if parsed.RawQuery != "" {
		path += "?" + parsed.RawQuery
	}
	return sqliteDialector.Open(path), nil
}
