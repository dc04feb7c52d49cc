package shared

import (
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestConfig(t *testing.T) {
	t.Run("DefaultConfig", func(t *testing.T) {
		config := DefaultConfig()

		if config.Database.Path != "./libsync.db" {
			t.Errorf("expected database path ./libsync.db, got %s", config.Database.Path)
		}

		if config.Server.Port != 3000 {
			t.Errorf("expected server port 3000, got %d", config.Server.Port)
		}

		if config.Client.MaxConcurrency != 4 {
			t.Errorf("expected max concurrency 4, got %d", config.Client.MaxConcurrency)
		}

		if config.Client.Timeout != 15*time.Second {
			t.Errorf("expected client timeout 15s, got %v", config.Client.Timeout)
		}

		if config.Worker.HeartbeatInterval != 10*time.Second {
			t.Errorf("expected heartbeat interval 10s, got %v", config.Worker.HeartbeatInterval)
		}

		if config.Worker.PageLimit != 50 {
			t.Errorf("expected page limit 50, got %d", config.Worker.PageLimit)
		}
	})

	t.Run("CreateConfigFile", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.toml")

		if err := CreateConfigFile(configPath); err != nil {
			t.Fatalf("failed to create config file: %v", err)
		}

		info, err := os.Stat(configPath)
		if err != nil {
			t.Fatalf("config file should exist: %v", err)
		}
		if info.Mode().Perm() != 0600 {
			t.Errorf("expected config mode 0600, got %v", info.Mode().Perm())
		}

		config, err := LoadConfig(configPath)
		if err != nil {
			t.Fatalf("failed to load created config: %v", err)
		}

		defaultConfig := DefaultConfig()
		if config.Database.Path != defaultConfig.Database.Path {
			t.Errorf("created config database path doesn't match default")
		}

		if err := CreateConfigFile(configPath); err == nil {
			t.Error("creating config file again should fail")
		}
	})

	t.Run("CreateConfigFileWithKey", func(t *testing.T) {
		t.Setenv(EnvVaultKey, "")
		configPath := filepath.Join(t.TempDir(), "config.toml")

		key, err := GenerateVaultKey()
		if err != nil {
			t.Fatalf("GenerateVaultKey failed: %v", err)
		}
		if err := CreateConfigFileWithKey(configPath, key); err != nil {
			t.Fatalf("failed to create config file: %v", err)
		}

		config, err := LoadConfig(configPath)
		if err != nil {
			t.Fatalf("failed to load created config: %v", err)
		}
		if config.Vault.Key != key {
			t.Errorf("expected generated key in config, got %q", config.Vault.Key)
		}
		if decoded, err := config.VaultKey(); err != nil || len(decoded) != 32 {
			t.Errorf("expected a usable 32 byte key, got %d bytes, err %v", len(decoded), err)
		}

		other, _ := GenerateVaultKey()
		if other == key {
			t.Error("expected distinct keys")
		}
	})

	t.Run("LoadConfig", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.toml")

		testConfig := `[database]
path = "/custom/path.db"

[server]
host = "0.0.0.0"
port = 8080

[catalog]
client_id = "test_client_id"
client_secret = "test_secret"

[worker]
poll_interval = "500ms"
backoff_max = "1h"
`
		if err := os.WriteFile(configPath, []byte(testConfig), 0644); err != nil {
			t.Fatalf("failed to write test config: %v", err)
		}

		config, err := LoadConfig(configPath)
		if err != nil {
			t.Fatalf("failed to load config: %v", err)
		}

		if config.Database.Path != "/custom/path.db" {
			t.Errorf("expected database path /custom/path.db, got %s", config.Database.Path)
		}

		if config.Server.Port != 8080 {
			t.Errorf("expected server port 8080, got %d", config.Server.Port)
		}

		if config.Catalog.ClientID != "test_client_id" {
			t.Errorf("expected client_id test_client_id, got %s", config.Catalog.ClientID)
		}

		if config.Worker.PollInterval != 500*time.Millisecond {
			t.Errorf("expected poll interval 500ms, got %v", config.Worker.PollInterval)
		}

		if config.Worker.BackoffMax != time.Hour {
			t.Errorf("expected backoff max 1h, got %v", config.Worker.BackoffMax)
		}

		if config.Worker.BackoffBase != 5*time.Second {
			t.Errorf("unset keys should keep defaults, got backoff base %v", config.Worker.BackoffBase)
		}
	})

	t.Run("Environment overrides secrets", func(t *testing.T) {
		key := base64.StdEncoding.EncodeToString([]byte(strings.Repeat("k", 32)))
		t.Setenv(EnvVaultKey, key)
		t.Setenv(EnvClientSecret, "from-env")

		config := DefaultConfig()
		if config.Vault.Key != key {
			t.Errorf("expected vault key from env, got %q", config.Vault.Key)
		}
		if config.Catalog.ClientSecret != "from-env" {
			t.Errorf("expected client secret from env, got %q", config.Catalog.ClientSecret)
		}
	})
}

func TestVaultKey(t *testing.T) {
	tc := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{name: "valid 32 byte key", key: base64.StdEncoding.EncodeToString(make([]byte, 32))},
		{name: "empty key", key: "", wantErr: true},
		{name: "short key", key: base64.StdEncoding.EncodeToString(make([]byte, 16)), wantErr: true},
		{name: "long key", key: base64.StdEncoding.EncodeToString(make([]byte, 33)), wantErr: true},
		{name: "not base64", key: "!!not-base64!!", wantErr: true},
	}

	for _, tt := range tc {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(EnvVaultKey, "")
			config := DefaultConfig()
			config.Vault.Key = tt.key

			key, err := config.VaultKey()
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidKey) {
					t.Errorf("expected ErrInvalidKey, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(key) != 32 {
				t.Errorf("expected 32 byte key, got %d", len(key))
			}
		})
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c := DefaultConfig()
		c.Vault.Key = base64.StdEncoding.EncodeToString(make([]byte, 32))
		return c
	}

	tc := []struct {
		name   string
		mutate func(c *Config)
	}{
		{name: "missing database path", mutate: func(c *Config) { c.Database.Path = "" }},
		{name: "zero concurrency", mutate: func(c *Config) { c.Client.MaxConcurrency = 0 }},
		{name: "zero timeout", mutate: func(c *Config) { c.Client.Timeout = 0 }},
		{name: "backoff max below base", mutate: func(c *Config) { c.Worker.BackoffMax = time.Second }},
		{name: "page limit above upstream maximum", mutate: func(c *Config) { c.Worker.PageLimit = 51 }},
		{name: "zero pages per run", mutate: func(c *Config) { c.Worker.MaxPagesPerRun = 0 }},
	}

	if err := valid().Validate(); err != nil {
		t.Fatalf("expected defaults with a key to validate, got %v", err)
	}

	for _, tt := range tc {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			if err := c.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}

	t.Run("missing vault key", func(t *testing.T) {
		c := valid()
		c.Vault.Key = ""
		if err := c.Validate(); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("expected ErrInvalidKey, got %v", err)
		}
	})
}
