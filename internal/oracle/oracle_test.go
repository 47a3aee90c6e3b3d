package oracle_test

import (
	"errors"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"

	"BasisVault/internal/oracle"
)

func TestMarkOracle_Convert(t *testing.T) {
	o := oracle.NewMarkOracle(0)
	now := time.Now()

	if err := o.SetPrice("USDC", sdkmath.LegacyOneDec(), 1, now); err != nil {
		t.Fatalf("set USDC: %v", err)
	}
	if err := o.SetPrice("ETH", sdkmath.LegacyNewDec(2000), 1, now); err != nil {
		t.Fatalf("set ETH: %v", err)
	}

	out, err := o.Convert(sdkmath.NewInt(3), "ETH", "USDC")
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if !out.Equal(sdkmath.NewInt(6000)) {
		t.Errorf("3 ETH → USDC: got %s, want 6000", out)
	}

	back, err := o.Convert(sdkmath.NewInt(6000), "USDC", "ETH")
	if err != nil {
		t.Fatalf("convert back: %v", err)
	}
	if !back.Equal(sdkmath.NewInt(3)) {
		t.Errorf("6000 USDC → ETH: got %s, want 3", back)
	}
}

func TestMarkOracle_RejectsInvalidPrice(t *testing.T) {
	o := oracle.NewMarkOracle(0)
	err := o.SetPrice("ETH", sdkmath.LegacyZeroDec(), 1, time.Now())
	if !errors.Is(err, oracle.ErrInvalidFeedPrice) {
		t.Errorf("got %v, want ErrInvalidFeedPrice", err)
	}
}

func TestMarkOracle_UnconfiguredFeed(t *testing.T) {
	o := oracle.NewMarkOracle(0)
	_, err := o.Price("ETH")
	if !errors.Is(err, oracle.ErrPriceFeedNotConfigured) {
		t.Errorf("got %v, want ErrPriceFeedNotConfigured", err)
	}
}

func TestMarkOracle_StaleUpdateIgnored(t *testing.T) {
	o := oracle.NewMarkOracle(0)
	now := time.Now()

	if err := o.SetPrice("ETH", sdkmath.LegacyNewDec(2000), 5, now); err != nil {
		t.Fatal(err)
	}
	// Same sequence replayed with a different price: dropped.
	if err := o.SetPrice("ETH", sdkmath.LegacyNewDec(9999), 5, now); err != nil {
		t.Fatal(err)
	}

	p, err := o.Price("ETH")
	if err != nil {
		t.Fatal(err)
	}
	if !p.Equal(sdkmath.LegacyNewDec(2000)) {
		t.Errorf("replayed sequence should be ignored, got %s", p)
	}
}
