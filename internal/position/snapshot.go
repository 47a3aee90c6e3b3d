package position

import (
	"fmt"

	sdkmath "cosmossdk.io/math"
)

// State is the adapter's serializable position record. Amounts travel as
// decimal strings so snapshots survive JSON round trips without
// precision loss. Pending requests are deliberately excluded: snapshots
// are only taken at rest.
type State struct {
	SizeInTokens  string `json:"size_in_tokens"`
	Collateral    string `json:"collateral"`
	AvgEntryPrice string `json:"avg_entry_price"`
	RealizedPnL   string `json:"realized_pnl"`
}

func (a *VenueAdapter) Snapshot() State {
	return State{
		SizeInTokens:  a.sizeInTokens.String(),
		Collateral:    a.collateral.String(),
		AvgEntryPrice: a.avgEntryPrice.String(),
		RealizedPnL:   a.realizedPnL.String(),
	}
}

func (a *VenueAdapter) Restore(s State) error {
	size, ok := sdkmath.NewIntFromString(s.SizeInTokens)
	if !ok {
		return fmt.Errorf("restore position: bad size %q", s.SizeInTokens)
	}
	collateral, ok := sdkmath.NewIntFromString(s.Collateral)
	if !ok {
		return fmt.Errorf("restore position: bad collateral %q", s.Collateral)
	}
	entry, err := sdkmath.LegacyNewDecFromStr(s.AvgEntryPrice)
	if err != nil {
		return fmt.Errorf("restore position: bad entry price %q: %w", s.AvgEntryPrice, err)
	}
	pnl, ok := sdkmath.NewIntFromString(s.RealizedPnL)
	if !ok {
		return fmt.Errorf("restore position: bad realized pnl %q", s.RealizedPnL)
	}

	a.sizeInTokens = size
	a.collateral = collateral
	a.avgEntryPrice = entry
	a.realizedPnL = pnl
	a.pendingIncrease = nil
	a.pendingDecrease = nil
	return nil
}
