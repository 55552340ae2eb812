// Package config loads walletctl settings from YAML.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/mesmerverse/vettid-dev/walletcore/hdwallet"
	"github.com/mesmerverse/vettid-dev/walletcore/keymanager"
	"github.com/mesmerverse/vettid-dev/walletcore/platform"
)

// Config holds the wallet core configuration
type Config struct {
	// LogLevel is a zerolog level name
	LogLevel string `yaml:"log_level"`

	// DataDir holds the sealed secure storage and the KV database
	DataDir string `yaml:"data_dir"`

	// Namespace of the secure KV cache
	Namespace string `yaml:"namespace"`

	Storage    StorageConfig    `yaml:"storage"`
	PIN        PINConfig        `yaml:"pin"`
	Security   SecurityConfig   `yaml:"security"`
	Derivation DerivationConfig `yaml:"derivation"`
}

// StorageConfig holds KV engine settings
type StorageConfig struct {
	// SQLitePath is relative to DataDir unless absolute
	SQLitePath string `yaml:"sqlite_path"`
	CacheSize  int    `yaml:"cache_size"`
}

// PINConfig holds PIN format rules
type PINConfig struct {
	MinLength int `yaml:"min_length"`
	MaxLength int `yaml:"max_length"`
}

// SecurityConfig holds the security preference
type SecurityConfig struct {
	Level       string `yaml:"level"`
	PinRequired bool   `yaml:"pin_required"`
	// Enrollment simulates the device's enrolled authentication
	Enrollment string `yaml:"enrollment"`
}

// DerivationConfig holds HD derivation settings
type DerivationConfig struct {
	Path  string `yaml:"path"`
	Label string `yaml:"label"`
}

// LoadConfig loads configuration from a YAML file, using defaults for a
// missing file and for omitted keys.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		LogLevel:  "info",
		DataDir:   defaultDataDir(),
		Namespace: "metadata",
		Storage: StorageConfig{
			SQLitePath: "kv.db",
			CacheSize:  100,
		},
		PIN: PINConfig{
			MinLength: 4,
			MaxLength: 8,
		},
		Security: SecurityConfig{
			Level:       string(keymanager.SecuritySecret),
			PinRequired: true,
			Enrollment:  string(platform.EnrollmentBiometricStrong),
		},
		Derivation: DerivationConfig{
			Path:  hdwallet.DefaultDerivationPath,
			Label: "Wallet",
		},
	}
}

// Validate checks values that cannot be defaulted
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must be set")
	}
	if c.PIN.MinLength < 4 || c.PIN.MaxLength < c.PIN.MinLength {
		return fmt.Errorf("invalid pin length range %d-%d", c.PIN.MinLength, c.PIN.MaxLength)
	}
	if c.Storage.CacheSize < 0 {
		return fmt.Errorf("storage.cache_size must not be negative")
	}
	if _, err := c.SecurityLevel(); err != nil {
		return err
	}
	if _, err := platform.ParseEnrollmentLevel(c.Security.Enrollment); err != nil {
		return err
	}
	if _, err := hdwallet.ParsePath(c.Derivation.Path); err != nil {
		return fmt.Errorf("derivation.path: %w", err)
	}
	return nil
}

// SecurityLevel parses Security.Level
func (c *Config) SecurityLevel() (keymanager.SecurityLevelType, error) {
	return keymanager.ParseSecurityLevel(c.Security.Level)
}

// SQLitePath resolves Storage.SQLitePath against DataDir
func (c *Config) SQLitePath() string {
	if c.Storage.SQLitePath == ":memory:" || filepath.IsAbs(c.Storage.SQLitePath) {
		return c.Storage.SQLitePath
	}
	return filepath.Join(c.DataDir, c.Storage.SQLitePath)
}

// KeyManagerOptions maps the PIN rules onto keymanager options
func (c *Config) KeyManagerOptions() keymanager.Options {
	opts := keymanager.DefaultOptions()
	opts.MinPinLength = c.PIN.MinLength
	opts.MaxPinLength = c.PIN.MaxLength
	return opts
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "walletcore")
	}
	return ".walletcore"
}
