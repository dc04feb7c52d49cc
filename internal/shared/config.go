package shared

import (
	"bytes"
	"crypto/rand"
	_ "embed"
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

//go:embed config.example.toml
var exampleConf []byte

// Environment variables that override secrets from the config file.
const (
	EnvVaultKey     = "LIBSYNC_VAULT_KEY"
	EnvClientSecret = "LIBSYNC_CLIENT_SECRET"
)

// Config represents the application configuration loaded from a TOML file.
type Config struct {
	Database DatabaseConfig `toml:"database"`
	Server   ServerConfig   `toml:"server"`
	Log      LogConfig      `toml:"log"`
	Catalog  CatalogConfig  `toml:"catalog"`
	Client   ClientConfig   `toml:"client"`
	Worker   WorkerConfig   `toml:"worker"`
	Vault    VaultConfig    `toml:"vault"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Path         string `toml:"path"`
	MaxOpenConns int    `toml:"max_open_conns"`
	MaxIdleConns int    `toml:"max_idle_conns"`
}

// ServerConfig contains HTTP status server settings.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// LogConfig selects the log level ("debug", "info", "warn", "error").
type LogConfig struct {
	Level string `toml:"level"`
}

// CatalogConfig describes the upstream catalog API and its OAuth2 client.
type CatalogConfig struct {
	BaseURL      string   `toml:"base_url"`
	AuthURL      string   `toml:"auth_url"`
	TokenURL     string   `toml:"token_url"`
	ClientID     string   `toml:"client_id"`
	ClientSecret string   `toml:"client_secret"`
	RedirectURI  string   `toml:"redirect_uri"`
	Scopes       []string `toml:"scopes"`
}

// ClientConfig bounds outbound traffic to the catalog.
type ClientConfig struct {
	MaxConcurrency    int           `toml:"max_concurrency"`
	Timeout           time.Duration `toml:"timeout"`
	RequestsPerSecond float64       `toml:"requests_per_second"`
	Burst             int           `toml:"burst"`
	BreakerFailures   uint32        `toml:"breaker_failures"`
	BreakerCooldown   time.Duration `toml:"breaker_cooldown"`
}

// WorkerConfig tunes the scheduler loop and the sync algorithms.
type WorkerConfig struct {
	PollInterval        time.Duration `toml:"poll_interval"`
	HeartbeatInterval   time.Duration `toml:"heartbeat_interval"`
	HeartbeatStaleAfter time.Duration `toml:"heartbeat_stale_after"`
	ScheduleInterval    time.Duration `toml:"schedule_interval"`
	ContinuationDelay   time.Duration `toml:"continuation_delay"`
	BackoffBase         time.Duration `toml:"backoff_base"`
	BackoffMax          time.Duration `toml:"backoff_max"`
	StaleRunningAfter   time.Duration `toml:"stale_running_after"`
	PageLimit           int           `toml:"page_limit"`
	MaxPagesPerRun      int           `toml:"max_pages_per_run"`
	BackfillLimit       int           `toml:"backfill_limit"`
	BackfillMaxBatches  int           `toml:"backfill_max_batches"`
}

// VaultConfig holds the credential vault master key.
type VaultConfig struct {
	Key        string `toml:"key"`
	KeyVersion int    `toml:"key_version"`
}

// LoadConfig reads and parses a TOML configuration file from the specified path.
//
// Values missing from the file keep the embedded defaults and secrets are overridden from the environment.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := toml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	config.applyEnv()
	return config, nil
}

// DefaultConfig returns a Config with sensible defaults loaded from the embedded example config.
func DefaultConfig() *Config {
	var config Config
	if err := toml.Unmarshal(exampleConf, &config); err != nil {
		panic(fmt.Sprintf("failed to parse embedded default config: %v", err))
	}
	config.applyEnv()
	return &config
}

// CreateConfigFile creates a config.toml file at the specified path using the embedded example config.
func CreateConfigFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := os.WriteFile(path, exampleConf, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// GenerateVaultKey returns a random base64-encoded 32 byte master key.
func GenerateVaultKey() (string, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("failed to generate vault key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// CreateConfigFileWithKey is [CreateConfigFile] with the vault key filled in.
func CreateConfigFileWithKey(path, key string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	data := bytes.Replace(exampleConf, []byte(`key = ""`), []byte(fmt.Sprintf("key = %q", key)), 1)
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvVaultKey); v != "" {
		c.Vault.Key = v
	}
	if v := os.Getenv(EnvClientSecret); v != "" {
		c.Catalog.ClientSecret = v
	}
}

// VaultKey decodes the configured master key. It must be exactly 32 bytes once decoded.
func (c *Config) VaultKey() ([]byte, error) {
	if c.Vault.Key == "" {
		return nil, fmt.Errorf("%w: vault key is empty (set %s)", ErrInvalidKey, EnvVaultKey)
	}

	key, err := base64.StdEncoding.DecodeString(c.Vault.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: expected 32 bytes, got %d", ErrInvalidKey, len(key))
	}
	return key, nil
}

// Validate reports settings the worker cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Database.Path == "":
		return fmt.Errorf("%w: database.path is required", ErrInvalidConfig)
	case c.Catalog.BaseURL == "" || c.Catalog.TokenURL == "":
		return fmt.Errorf("%w: catalog.base_url and catalog.token_url are required", ErrInvalidConfig)
	case c.Client.MaxConcurrency < 1:
		return fmt.Errorf("%w: client.max_concurrency must be at least 1", ErrInvalidConfig)
	case c.Client.Timeout <= 0:
		return fmt.Errorf("%w: client.timeout must be positive", ErrInvalidConfig)
	case c.Worker.PollInterval <= 0 || c.Worker.HeartbeatInterval <= 0 || c.Worker.ScheduleInterval <= 0:
		return fmt.Errorf("%w: worker intervals must be positive", ErrInvalidConfig)
	case c.Worker.BackoffBase <= 0 || c.Worker.BackoffMax < c.Worker.BackoffBase:
		return fmt.Errorf("%w: worker.backoff_max must be >= worker.backoff_base > 0", ErrInvalidConfig)
	case c.Worker.PageLimit < 1 || c.Worker.PageLimit > 50:
		return fmt.Errorf("%w: worker.page_limit must be between 1 and 50", ErrInvalidConfig)
	case c.Worker.MaxPagesPerRun < 1 || c.Worker.BackfillLimit < 1 || c.Worker.BackfillMaxBatches < 1:
		return fmt.Errorf("%w: worker page and batch budgets must be positive", ErrInvalidConfig)
	}

	if _, err := c.VaultKey(); err != nil {
		return err
	}
	return nil
}
