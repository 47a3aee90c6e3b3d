package swap

import (
	"context"
	"errors"
	"fmt"

	sdkmath "cosmossdk.io/math"
)

var (
	ErrUnsupportedSwapKind  = errors.New("unsupported swap kind")
	ErrInvalidTokens        = errors.New("swap route tokens do not match")
	ErrInvalidReceiver      = errors.New("swap route receiver mismatch")
	ErrAmountExceedsBalance = errors.New("swap amount exceeds balance")
	ErrInsufficientReturn   = errors.New("swap return below minimum")
)

// Kind selects the execution path for a swap. Operators pass it alongside
// an opaque route payload so a failed swap can be retried with different
// parameters.
type Kind int

const (
	// KindOracleQuote executes at the oracle price with a configured
	// slippage haircut. No route payload required.
	KindOracleQuote Kind = iota
	// KindAggregator executes a pre-built aggregator route (1inch-style
	// JSON payload, validated against the requested trade).
	KindAggregator
)

func (k Kind) String() string {
	switch k {
	case KindOracleQuote:
		return "oracle_quote"
	case KindAggregator:
		return "aggregator"
	default:
		return "unknown"
	}
}

// Request describes a single spot swap between the pool asset and the
// product token.
type Request struct {
	TokenIn  string
	TokenOut string
	AmountIn sdkmath.Int
	// MinReturn rejects executions below this output amount. Zero
	// disables the check.
	MinReturn sdkmath.Int
	Kind      Kind
	// RouteData is the opaque aggregator payload for KindAggregator.
	RouteData []byte
}

// Swapper executes spot swaps. A returned error means nothing was
// executed: callers treat it as a retryable "swap failed" signal, not a
// state-machine failure.
type Swapper interface {
	Swap(ctx context.Context, req Request) (sdkmath.Int, error)
}

func (r Request) validate() error {
	if r.TokenIn == "" || r.TokenOut == "" || r.TokenIn == r.TokenOut {
		return fmt.Errorf("%w: in=%q out=%q", ErrInvalidTokens, r.TokenIn, r.TokenOut)
	}
	if r.AmountIn.IsNil() || !r.AmountIn.IsPositive() {
		return fmt.Errorf("invalid swap amount: %s", r.AmountIn)
	}
	return nil
}
