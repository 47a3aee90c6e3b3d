package swap_test

import (
	"context"
	"errors"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/rs/zerolog"

	"BasisVault/internal/oracle"
	"BasisVault/internal/swap"
)

func newOracle(t *testing.T) *oracle.MarkOracle {
	t.Helper()
	o := oracle.NewMarkOracle(0)
	now := time.Now()
	if err := o.SetPrice("USDC", sdkmath.LegacyOneDec(), 1, now); err != nil {
		t.Fatal(err)
	}
	if err := o.SetPrice("ETH", sdkmath.LegacyNewDec(2000), 1, now); err != nil {
		t.Fatal(err)
	}
	return o
}

func TestQuotedSwapper_OracleQuote(t *testing.T) {
	s := swap.NewQuotedSwapper(newOracle(t), sdkmath.LegacyMustNewDecFromStr("0.001"), "", zerolog.Nop())

	out, err := s.Swap(context.Background(), swap.Request{
		TokenIn:  "USDC",
		TokenOut: "ETH",
		AmountIn: sdkmath.NewInt(20000),
		Kind:     swap.KindOracleQuote,
	})
	if err != nil {
		t.Fatalf("swap: %v", err)
	}
	// 20000 USDC → 10 ETH, minus 0.1% slippage → 9 (floored)
	if !out.Equal(sdkmath.NewInt(9)) {
		t.Errorf("got %s, want 9", out)
	}
}

func TestQuotedSwapper_MinReturn(t *testing.T) {
	s := swap.NewQuotedSwapper(newOracle(t), sdkmath.LegacyZeroDec(), "", zerolog.Nop())

	_, err := s.Swap(context.Background(), swap.Request{
		TokenIn:   "USDC",
		TokenOut:  "ETH",
		AmountIn:  sdkmath.NewInt(2000),
		MinReturn: sdkmath.NewInt(2),
		Kind:      swap.KindOracleQuote,
	})
	if !errors.Is(err, swap.ErrInsufficientReturn) {
		t.Errorf("got %v, want ErrInsufficientReturn", err)
	}
}

func TestQuotedSwapper_SameTokenRejected(t *testing.T) {
	s := swap.NewQuotedSwapper(newOracle(t), sdkmath.LegacyZeroDec(), "", zerolog.Nop())

	_, err := s.Swap(context.Background(), swap.Request{
		TokenIn:  "USDC",
		TokenOut: "USDC",
		AmountIn: sdkmath.NewInt(100),
	})
	if !errors.Is(err, swap.ErrInvalidTokens) {
		t.Errorf("got %v, want ErrInvalidTokens", err)
	}
}

func TestParseRoute_Valid(t *testing.T) {
	req := swap.Request{
		TokenIn:  "USDC",
		TokenOut: "ETH",
		AmountIn: sdkmath.NewInt(500),
		Kind:     swap.KindAggregator,
	}
	data := []byte(`{"src":"USDC","dst":"ETH","amount":"500","from":"vault-1","slippage":"0.5"}`)

	r, err := swap.ParseRoute(data, req, "vault-1")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if r.Src != "USDC" || r.Dst != "ETH" {
		t.Errorf("unexpected route: %+v", r)
	}
}

func TestParseRoute_TokenMismatch(t *testing.T) {
	req := swap.Request{TokenIn: "USDC", TokenOut: "ETH", AmountIn: sdkmath.NewInt(500)}
	data := []byte(`{"src":"DAI","dst":"ETH","amount":"500","from":"vault-1","slippage":"0.5"}`)

	_, err := swap.ParseRoute(data, req, "vault-1")
	if !errors.Is(err, swap.ErrInvalidTokens) {
		t.Errorf("got %v, want ErrInvalidTokens", err)
	}
}

func TestParseRoute_ReceiverMismatch(t *testing.T) {
	req := swap.Request{TokenIn: "USDC", TokenOut: "ETH", AmountIn: sdkmath.NewInt(500)}
	data := []byte(`{"src":"USDC","dst":"ETH","amount":"500","from":"intruder","slippage":"0.5"}`)

	_, err := swap.ParseRoute(data, req, "vault-1")
	if !errors.Is(err, swap.ErrInvalidReceiver) {
		t.Errorf("got %v, want ErrInvalidReceiver", err)
	}
}

func TestParseRoute_MissingFields(t *testing.T) {
	req := swap.Request{TokenIn: "USDC", TokenOut: "ETH", AmountIn: sdkmath.NewInt(500)}
	_, err := swap.ParseRoute([]byte(`{"src":"USDC","dst":"ETH"}`), req, "")
	if err == nil {
		t.Error("expected error for missing fields")
	}
}
