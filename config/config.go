// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package config loads the engine's YAML configuration: listed assets and
// their bucket sizes, the admin/self principals, the allow-listed executor
// signer set, the default tolerance, and a handful of operational knobs
// overridable by environment variable.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"
	"gopkg.in/yaml.v3"

	"github.com/luxfi/perpcore/types"
)

// AssetConfig describes one tradable pair as listed in the config file.
// BucketSize is a decimal string (not a YAML-native uint256) since YAML
// has no 256-bit integer scalar.
type AssetConfig struct {
	Index      uint64 `yaml:"index"`
	BucketSize string `yaml:"bucket_size"`
	Type       string `yaml:"type"` // crypto | forex | equity | commodity
}

// Config is the engine's full static configuration.
type Config struct {
	SelfAddress string   `yaml:"self_address"`
	AdminAddress string  `yaml:"admin_address"`
	Executors   []string `yaml:"executors"`

	Assets    []AssetConfig `yaml:"assets"`
	Tolerance uint64        `yaml:"tolerance"`

	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
}

// ConfigFileName is the default config file name, sibling to node.yaml-
// style daemons in the rest of the pack.
const ConfigFileName = "perpengine.yaml"

// DefaultConfig returns a Config with sane defaults: no assets listed, the
// spec-default tolerance of 10, info-level logging, and metrics on :9090.
func DefaultConfig() *Config {
	return &Config{
		Tolerance:   10,
		MetricsAddr: ":9090",
		LogLevel:    "info",
	}
}

// LoadConfig loads configuration from a YAML file under dataDir. If the
// file doesn't exist, a default config is written there and returned.
func LoadConfig(dataDir string) (*Config, error) {
	path := ConfigPath(dataDir)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := cfg.Save(path); err != nil {
			return nil, fmt.Errorf("create default config: %w", err)
		}
		cfg.applyEnvOverrides()
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration to path as YAML, creating parent
// directories as needed.
func (c *Config) Save(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	header := []byte("# perpcore engine configuration\n# generated automatically on first run\n\n")
	if err := os.WriteFile(path, append(header, data...), 0o600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// ConfigPath returns the full path to the config file under dataDir.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, ConfigFileName)
}

// applyEnvOverrides lets a handful of operational knobs be tuned without
// rewriting the YAML file, the same getEnv-with-default idiom used
// throughout the bot's env.go.
func (c *Config) applyEnvOverrides() {
	c.MetricsAddr = getEnv("PERPCORE_METRICS_ADDR", c.MetricsAddr)
	c.LogLevel = getEnv("PERPCORE_LOG_LEVEL", c.LogLevel)
	c.Tolerance = getEnvUint64("PERPCORE_TOLERANCE", c.Tolerance)
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getEnvUint64(key string, def uint64) uint64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// ParseSelf parses SelfAddress as a common.Address.
func (c *Config) ParseSelf() (common.Address, error) {
	return parseAddress(c.SelfAddress)
}

// ParseAdmin parses AdminAddress as a common.Address.
func (c *Config) ParseAdmin() (common.Address, error) {
	return parseAddress(c.AdminAddress)
}

// ParseExecutors parses every entry of Executors as a common.Address.
func (c *Config) ParseExecutors() ([]common.Address, error) {
	out := make([]common.Address, 0, len(c.Executors))
	for _, e := range c.Executors {
		addr, err := parseAddress(e)
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, nil
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("config: %q is not a valid address", s)
	}
	return common.HexToAddress(s), nil
}

// ToAssetInfos converts every AssetConfig entry into a types.AssetInfo,
// ready for Storage.ListAsset. FundingRate and Spread start at zero; the
// admin sets them later via Engine.SetFundingRate/SetSpread.
func (c *Config) ToAssetInfos() ([]types.AssetInfo, error) {
	out := make([]types.AssetInfo, 0, len(c.Assets))
	for _, a := range c.Assets {
		size, err := uint256.FromDecimal(a.BucketSize)
		if err != nil {
			return nil, fmt.Errorf("asset %d: invalid bucket_size %q: %w", a.Index, a.BucketSize, err)
		}
		assetType, err := parseAssetType(a.Type)
		if err != nil {
			return nil, fmt.Errorf("asset %d: %w", a.Index, err)
		}
		out = append(out, types.AssetInfo{
			AssetIndex:  a.Index,
			BucketSize:  size,
			AssetType:   assetType,
			FundingRate: uint256.NewInt(0),
			Spread:      uint256.NewInt(0),
		})
	}
	return out, nil
}

func parseAssetType(s string) (types.AssetType, error) {
	switch strings.ToLower(s) {
	case "crypto":
		return types.AssetTypeCrypto, nil
	case "forex":
		return types.AssetTypeForex, nil
	case "equity":
		return types.AssetTypeEquity, nil
	case "commodity":
		return types.AssetTypeCommodity, nil
	default:
		return 0, fmt.Errorf("unknown asset type %q", s)
	}
}
