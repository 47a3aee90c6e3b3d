package swap

import (
	"context"
	"fmt"

	sdkmath "cosmossdk.io/math"
	"github.com/rs/zerolog"

	"BasisVault/internal/oracle"
)

// QuotedSwapper executes swaps at the oracle price less a fixed slippage
// haircut. It backs both swap kinds: for KindAggregator the route payload
// is validated first, then execution is priced the same way (the real
// aggregator call happens off-process; this component owns the accounting
// contract either way).
type QuotedSwapper struct {
	oracle   oracle.PriceOracle
	slippage sdkmath.LegacyDec
	receiver string
	log      zerolog.Logger
}

func NewQuotedSwapper(o oracle.PriceOracle, slippage sdkmath.LegacyDec, receiver string, log zerolog.Logger) *QuotedSwapper {
	return &QuotedSwapper{
		oracle:   o,
		slippage: slippage,
		receiver: receiver,
		log:      log.With().Str("component", "swapper").Logger(),
	}
}

func (s *QuotedSwapper) Swap(ctx context.Context, req Request) (sdkmath.Int, error) {
	if err := req.validate(); err != nil {
		return sdkmath.Int{}, err
	}

	switch req.Kind {
	case KindOracleQuote:
	case KindAggregator:
		if _, err := ParseRoute(req.RouteData, req, s.receiver); err != nil {
			return sdkmath.Int{}, err
		}
	default:
		return sdkmath.Int{}, fmt.Errorf("%w: %d", ErrUnsupportedSwapKind, req.Kind)
	}

	quoted, err := s.oracle.Convert(req.AmountIn, req.TokenIn, req.TokenOut)
	if err != nil {
		return sdkmath.Int{}, fmt.Errorf("quote %s→%s: %w", req.TokenIn, req.TokenOut, err)
	}

	out := sdkmath.LegacyOneDec().Sub(s.slippage).MulInt(quoted).TruncateInt()
	if out.IsNegative() {
		out = sdkmath.ZeroInt()
	}

	if !req.MinReturn.IsNil() && req.MinReturn.IsPositive() && out.LT(req.MinReturn) {
		return sdkmath.Int{}, fmt.Errorf("%w: got %s, want at least %s", ErrInsufficientReturn, out, req.MinReturn)
	}

	s.log.Debug().
		Str("in", req.AmountIn.String()+" "+req.TokenIn).
		Str("out", out.String()+" "+req.TokenOut).
		Str("kind", req.Kind.String()).
		Msg("swap executed")

	return out, nil
}
