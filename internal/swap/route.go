package swap

import (
	"encoding/json"
	"fmt"

	sdkmath "cosmossdk.io/math"
)

// Route is the parsed aggregator payload. The field set mirrors what the
// aggregator API requires for a swap call: src, dst, amount, from and
// slippage are all mandatory.
type Route struct {
	Src      string `json:"src"`
	Dst      string `json:"dst"`
	Amount   string `json:"amount"`
	From     string `json:"from"`
	Slippage string `json:"slippage"`
}

// ParseRoute decodes and validates an aggregator route payload against
// the trade the controller is about to execute.
func ParseRoute(data []byte, req Request, receiver string) (Route, error) {
	var r Route
	if err := json.Unmarshal(data, &r); err != nil {
		return Route{}, fmt.Errorf("decode swap route: %w", err)
	}

	if r.Src == "" || r.Dst == "" || r.Amount == "" || r.From == "" || r.Slippage == "" {
		return Route{}, fmt.Errorf("swap route missing required fields")
	}
	if r.Src != req.TokenIn || r.Dst != req.TokenOut {
		return Route{}, fmt.Errorf("%w: route %s→%s, trade %s→%s",
			ErrInvalidTokens, r.Src, r.Dst, req.TokenIn, req.TokenOut)
	}
	if receiver != "" && r.From != receiver {
		return Route{}, fmt.Errorf("%w: route from %s, want %s", ErrInvalidReceiver, r.From, receiver)
	}

	amt, ok := sdkmath.NewIntFromString(r.Amount)
	if !ok || !amt.IsPositive() {
		return Route{}, fmt.Errorf("invalid route amount %q", r.Amount)
	}
	if !amt.Equal(req.AmountIn) {
		return Route{}, fmt.Errorf("route amount %s does not match trade amount %s", amt, req.AmountIn)
	}

	if _, err := sdkmath.LegacyNewDecFromStr(r.Slippage); err != nil {
		return Route{}, fmt.Errorf("invalid route slippage %q: %w", r.Slippage, err)
	}

	return r, nil
}
