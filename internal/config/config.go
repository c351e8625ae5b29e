// Package config implements the encrypted page store's bootstrap
// configuration: a YAML file describing the KMS provider to use,
// overridable by the KEYFILE, PASSPHRASE, KMS_KEY_ID and KMS_ENDPOINT
// environment variables.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sqlsec/sqlsec/pkg/keymaterial"
)

// Config is the top-level bootstrap configuration.
type Config struct {
	PageSize SizeBytes   `yaml:"page_size"`
	KMS      KMSConfig   `yaml:"kms"`
	Keyring  KeyringConfig `yaml:"keyring"`
}

// KMSConfig selects and configures the KEK provider.
type KMSConfig struct {
	// Provider is one of "keyfile", "passphrase", "cloud".
	Provider      string `yaml:"provider"`
	KeyID         string `yaml:"key_id"`
	KeyFile       string `yaml:"key_file"`
	Passphrase    string `yaml:"passphrase"`
	CloudEndpoint string `yaml:"cloud_endpoint"`
}

// KeyringConfig selects and configures the keyring sidecar backend.
type KeyringConfig struct {
	// Backend is one of "flatfile", "pebble".
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// SizeBytes is a byte count unmarshaled from human-friendly strings
// like "64MB" or a plain integer.
type SizeBytes int64

func (s *SizeBytes) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		*s = 0
		return nil
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		*s = 0
		return nil
	}

	multipliers := []struct {
		suffix string
		factor int64
	}{
		{"KB", 1024}, {"kb", 1024},
		{"MB", 1024 * 1024}, {"mb", 1024 * 1024},
		{"GB", 1024 * 1024 * 1024}, {"gb", 1024 * 1024 * 1024},
	}
	for _, m := range multipliers {
		if strings.HasSuffix(raw, m.suffix) {
			num := strings.TrimSuffix(raw, m.suffix)
			if i, err := strconv.ParseInt(num, 10, 64); err == nil {
				*s = SizeBytes(i * m.factor)
				return nil
			}
		}
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*s = SizeBytes(i)
		return nil
	}
	return fmt.Errorf("config: invalid size value %q", raw)
}

func (s SizeBytes) Int() int { return int(s) }

// Load reads configPath (if non-empty) and applies environment
// variable overrides: environment variables take precedence over file
// configuration.
func Load(configPath string) (*Config, error) {
	cfg := &Config{PageSize: 4096}

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: reading %s: %w", configPath, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parsing %s: %w", configPath, err)
			}
		}
	}

	applyEnv(cfg)
	setDefaults(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if keyfile := os.Getenv("KEYFILE"); keyfile != "" {
		cfg.KMS.Provider = "keyfile"
		cfg.KMS.KeyFile = keyfile
	}
	if passphrase := os.Getenv("PASSPHRASE"); passphrase != "" {
		cfg.KMS.Provider = "passphrase"
		cfg.KMS.Passphrase = passphrase
	}
	if keyID := os.Getenv("KMS_KEY_ID"); keyID != "" {
		cfg.KMS.Provider = "cloud"
		cfg.KMS.KeyID = keyID
	}
	if endpoint := os.Getenv("KMS_ENDPOINT"); endpoint != "" {
		cfg.KMS.CloudEndpoint = endpoint
	}
}

func setDefaults(cfg *Config) {
	if cfg.PageSize == 0 {
		cfg.PageSize = 4096
	}
	if cfg.Keyring.Backend == "" {
		cfg.Keyring.Backend = "flatfile"
	}
}

// LoadMasterKey resolves a raw 32-byte key from cfg.KMS.KeyFile (hex
// or raw bytes), for callers that need the keyfile-provider's key
// directly rather than through kmsprovider.KeyfileProvider.
func LoadMasterKey(cfg *Config) ([]byte, error) {
	if cfg.KMS.KeyFile == "" {
		return nil, fmt.Errorf("config: no key_file configured")
	}
	data, err := os.ReadFile(cfg.KMS.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("config: reading key file: %w", err)
	}
	trimmed := strings.TrimSpace(string(data))
	if decoded, err := hex.DecodeString(trimmed); err == nil && len(decoded) == keymaterial.DEKLen {
		return decoded, nil
	}
	if len(data) == keymaterial.DEKLen {
		return data, nil
	}
	return nil, fmt.Errorf("config: key file must contain %d raw bytes or their hex encoding", keymaterial.DEKLen)
}
