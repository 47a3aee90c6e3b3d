package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestVaultSpecStrategyConfig(t *testing.T) {
	spec := VaultSpec{
		PoolID:                  "usdc-eth",
		Market:                  "ETH-PERP",
		Asset:                   "USDC",
		Product:                 "ETH",
		TargetLeverage:          "6",
		MinLeverage:             "2",
		MaxLeverage:             "9",
		EntryFee:                "0.001",
		ExitFee:                 "0.001",
		HedgeDeviationThreshold: "0.05",
	}

	cfg, err := spec.StrategyConfig()
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if cfg.Asset != "USDC" || cfg.Product != "ETH" {
		t.Errorf("tokens = %s/%s", cfg.Asset, cfg.Product)
	}
	if cfg.TargetLeverage.String() != "6.000000000000000000" {
		t.Errorf("target leverage = %s", cfg.TargetLeverage)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestVaultSpecDefaultsEmptyFeesToZero(t *testing.T) {
	spec := VaultSpec{
		PoolID:         "usdc-eth",
		Market:         "ETH-PERP",
		Asset:          "USDC",
		Product:        "ETH",
		TargetLeverage: "6",
		MinLeverage:    "2",
		MaxLeverage:    "9",
	}

	cfg, err := spec.StrategyConfig()
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if !cfg.EntryFee.IsZero() || !cfg.ExitFee.IsZero() {
		t.Errorf("fees = %s/%s, want zero", cfg.EntryFee, cfg.ExitFee)
	}
}

func TestVaultSpecRejectsBadDecimal(t *testing.T) {
	spec := VaultSpec{PoolID: "p", TargetLeverage: "six"}
	if _, err := spec.StrategyConfig(); err == nil {
		t.Fatal("expected error for non-numeric leverage")
	}
}

func TestLoadVaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vaults.json")
	content := `[
		{"pool_id": "usdc-eth", "market": "ETH-PERP", "asset": "USDC", "product": "ETH",
		 "target_leverage": "6", "min_leverage": "2", "max_leverage": "9"},
		{"pool_id": "usdc-btc", "market": "BTC-PERP", "asset": "USDC", "product": "BTC",
		 "target_leverage": "4", "min_leverage": "2", "max_leverage": "6"}
	]`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	specs, err := LoadVaults(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("got %d vaults, want 2", len(specs))
	}
	if specs[0].PoolID != "usdc-eth" || specs[1].Market != "BTC-PERP" {
		t.Errorf("unexpected specs: %+v", specs)
	}
}

func TestLoadVaultsRejectsDuplicates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vaults.json")
	content := `[
		{"pool_id": "usdc-eth", "market": "ETH-PERP"},
		{"pool_id": "usdc-eth", "market": "BTC-PERP"}
	]`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadVaults(path); err == nil {
		t.Fatal("expected error for duplicate pool_id")
	}
}
