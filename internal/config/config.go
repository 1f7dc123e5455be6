package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Version information - set by GoReleaser during build
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// GetVersionInfo returns a formatted version string
func GetVersionInfo() string {
	return fmt.Sprintf("codex-switcher version %s, commit %s, built at %s", version, commit, date)
}

// EnvPrefix is the prefix for environment overrides, e.g. CODEX_SWITCHER_SCHEDULER_INTERVAL.
const EnvPrefix = "CODEX_SWITCHER"

type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	OAuth     OAuthConfig     `mapstructure:"oauth"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Store     StoreConfig     `mapstructure:"store"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Codex     CodexConfig     `mapstructure:"codex"`
}

type LoggingConfig struct {
	Level             string `mapstructure:"level"`
	Format            string `mapstructure:"format"`
	Color             bool   `mapstructure:"color"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
	OutputPath        string `mapstructure:"output_path"`
	AppendToFile      bool   `mapstructure:"append_to_file"`
	DisableConsole    bool   `mapstructure:"disable_console"`
}

// OAuthConfig tunes the local side of the login handshake. The provider
// endpoints and client identity are fixed and live in auth/constants.
type OAuthConfig struct {
	CallbackPort    int           `mapstructure:"callback_port"`
	CallbackTimeout time.Duration `mapstructure:"callback_timeout"`
	EvictPortOwner  bool          `mapstructure:"evict_port_owner"`
	OpenBrowser     bool          `mapstructure:"open_browser"`
	HTTPTimeout     time.Duration `mapstructure:"http_timeout"`
}

type SchedulerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Interval     time.Duration `mapstructure:"interval"`
	ExpiryMargin time.Duration `mapstructure:"expiry_margin"`
	Concurrency  int           `mapstructure:"concurrency"`
}

type StoreConfig struct {
	Path        string `mapstructure:"path"`
	DatabaseURL string `mapstructure:"database_url"`
}

type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// CodexConfig locates the credentials file the Codex tools read
type CodexConfig struct {
	AuthPath string `mapstructure:"auth_path"`
}

// DefaultStorePath returns ~/.codex-switcher/accounts.json, falling back to
// the working directory when no home directory is available.
func DefaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "accounts.json"
	}
	return filepath.Join(home, ".codex-switcher", "accounts.json")
}

// DefaultCodexAuthPath returns $CODEX_HOME/auth.json, or ~/.codex/auth.json
// when CODEX_HOME is unset.
func DefaultCodexAuthPath() string {
	if codexHome := os.Getenv("CODEX_HOME"); codexHome != "" {
		return filepath.Join(codexHome, "auth.json")
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(".codex", "auth.json")
	}
	return filepath.Join(home, ".codex", "auth.json")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.color", true)

	v.SetDefault("oauth.callback_port", 1455)
	v.SetDefault("oauth.callback_timeout", 5*time.Minute)
	v.SetDefault("oauth.evict_port_owner", true)
	v.SetDefault("oauth.open_browser", true)
	v.SetDefault("oauth.http_timeout", 30*time.Second)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", 30*time.Minute)
	v.SetDefault("scheduler.expiry_margin", 10*time.Minute)
	v.SetDefault("scheduler.concurrency", 4)

	v.SetDefault("store.path", DefaultStorePath())
	v.SetDefault("store.database_url", "")

	v.SetDefault("metrics.listen_addr", "")

	v.SetDefault("codex.auth_path", DefaultCodexAuthPath())
}

// InitFlags registers the flags that may override configuration keys.
func InitFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "Path to a config file (default: ./config.yaml or ~/.codex-switcher/config.yaml)")
	flags.String("log-level", "", "Log level (debug|info|warn|error)")
	flags.String("store-path", "", "Path to the accounts file")
	flags.String("database-url", "", "Database URL for the account store (postgres:// or sqlite://)")
	flags.String("codex-auth-path", "", "Path of the Codex auth.json that switch writes")
}

// Load reads .env, the optional config file, environment variables and the
// given flags, in increasing order of precedence.
func Load(flags *pflag.FlagSet) (*Config, error) {
	// missing .env is fine
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	var configFile string
	if flags != nil {
		configFile, _ = flags.GetString("config")
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".codex-switcher"))
		}
		v.AddConfigPath("/etc/codex-switcher")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if flags != nil {
		bindFlag(v, flags, "logging.level", "log-level")
		bindFlag(v, flags, "store.path", "store-path")
		bindFlag(v, flags, "store.database_url", "database-url")
		bindFlag(v, flags, "codex.auth_path", "codex-auth-path")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// bindFlag only binds flags that exist on the set, so commands that do not
// register every flag still load cleanly.
func bindFlag(v *viper.Viper, flags *pflag.FlagSet, key, name string) {
	if flag := flags.Lookup(name); flag != nil {
		_ = v.BindPFlag(key, flag)
	}
}

// Validate checks the tunables that would otherwise break the scheduler or listener.
func (c *Config) Validate() error {
	if c.OAuth.CallbackPort <= 0 || c.OAuth.CallbackPort > 65535 {
		return fmt.Errorf("oauth.callback_port must be between 1 and 65535, got %d", c.OAuth.CallbackPort)
	}
	if c.OAuth.CallbackTimeout <= 0 {
		return fmt.Errorf("oauth.callback_timeout must be greater than zero")
	}
	if c.OAuth.HTTPTimeout <= 0 {
		return fmt.Errorf("oauth.http_timeout must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Scheduler.ExpiryMargin < 0 {
		return fmt.Errorf("scheduler.expiry_margin must not be negative")
	}
	if c.Scheduler.Concurrency < 1 {
		return fmt.Errorf("scheduler.concurrency must be at least 1, got %d", c.Scheduler.Concurrency)
	}
	if c.Store.Path == "" && c.Store.DatabaseURL == "" {
		return fmt.Errorf("store.path or store.database_url is required, please adjust the config or pass --store-path or %s_STORE_PATH environment variable", EnvPrefix)
	}
	if c.Codex.AuthPath == "" {
		return fmt.Errorf("codex.auth_path must not be empty")
	}
	return nil
}
