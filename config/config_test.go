// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/luxfi/perpcore/types"
)

func TestLoadConfig_CreatesDefaultWhenMissing(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Tolerance != 10 {
		t.Fatalf("expected default tolerance 10, got %d", cfg.Tolerance)
	}
	if _, err := os.Stat(ConfigPath(dir)); err != nil {
		t.Fatalf("expected config file to be created: %v", err)
	}
}

func TestLoadConfig_RoundTripsYAML(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.SelfAddress = "0x1010101010101010101010101010101010101010"
	cfg.AdminAddress = "0x2020202020202020202020202020202020202020"
	cfg.Executors = []string{"0x3030303030303030303030303030303030303030"}
	cfg.Assets = []AssetConfig{{Index: 7, BucketSize: "1000000", Type: "crypto"}}

	path := ConfigPath(dir)
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if loaded.SelfAddress != cfg.SelfAddress {
		t.Fatalf("expected self_address to round-trip, got %q", loaded.SelfAddress)
	}
	if len(loaded.Assets) != 1 || loaded.Assets[0].Index != 7 {
		t.Fatalf("expected 1 asset with index 7, got %+v", loaded.Assets)
	}
}

func TestParseAddresses(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SelfAddress = "0x1010101010101010101010101010101010101010"
	cfg.AdminAddress = "not-an-address"

	if _, err := cfg.ParseSelf(); err != nil {
		t.Fatalf("expected valid self address to parse, got %v", err)
	}
	if _, err := cfg.ParseAdmin(); err == nil {
		t.Fatal("expected invalid admin address to fail parsing")
	}
}

func TestToAssetInfos(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Assets = []AssetConfig{
		{Index: 7, BucketSize: "1000000", Type: "crypto"},
		{Index: 8, BucketSize: "500", Type: "forex"},
	}

	infos, err := cfg.ToAssetInfos()
	if err != nil {
		t.Fatalf("ToAssetInfos failed: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("expected 2 assets, got %d", len(infos))
	}
	if infos[0].AssetType != types.AssetTypeCrypto {
		t.Fatalf("expected crypto asset type, got %v", infos[0].AssetType)
	}
	if infos[1].AssetType != types.AssetTypeForex {
		t.Fatalf("expected forex asset type, got %v", infos[1].AssetType)
	}
}

func TestToAssetInfos_InvalidType(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Assets = []AssetConfig{{Index: 1, BucketSize: "1", Type: "bogus"}}
	if _, err := cfg.ToAssetInfos(); err == nil {
		t.Fatal("expected unknown asset type to fail")
	}
}

func TestEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	if err := cfg.Save(ConfigPath(dir)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	t.Setenv("PERPCORE_TOLERANCE", "25")
	t.Setenv("PERPCORE_LOG_LEVEL", "debug")

	loaded, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if loaded.Tolerance != 25 {
		t.Fatalf("expected env override to set tolerance 25, got %d", loaded.Tolerance)
	}
	if loaded.LogLevel != "debug" {
		t.Fatalf("expected env override to set log level debug, got %q", loaded.LogLevel)
	}
}

func TestConfigPath(t *testing.T) {
	got := ConfigPath("/tmp/perpcore")
	want := filepath.Join("/tmp/perpcore", ConfigFileName)
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}
