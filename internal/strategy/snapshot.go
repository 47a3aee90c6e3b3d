package strategy

import (
	"fmt"

	sdkmath "cosmossdk.io/math"
)

// State is the controller's serializable resting state. The in-flight
// record is excluded: snapshots are only taken when no adjustment is
// outstanding at the venue.
type State struct {
	Status                    int    `json:"status"`
	ProductBalance            string `json:"product_balance"`
	AssetsToWithdraw          string `json:"assets_to_withdraw"`
	PendingDecreaseCollateral string `json:"pending_decrease_collateral"`
	FeesAccrued               string `json:"fees_accrued"`
	LastProductValue          string `json:"last_product_value"`
}

func (c *Controller) Snapshot() State {
	return State{
		Status:                    int(c.status),
		ProductBalance:            c.productBalance.String(),
		AssetsToWithdraw:          c.assetsToWithdraw.String(),
		PendingDecreaseCollateral: c.pendingDecreaseCollateral.String(),
		FeesAccrued:               c.feesAccrued.String(),
		LastProductValue:          c.lastProductValue.String(),
	}
}

func (c *Controller) Restore(s State) error {
	status := Status(s.Status)
	if status.InFlight() {
		return fmt.Errorf("restore controller: snapshot taken in flight status %s", status)
	}

	product, err := parseRestoreInt(s.ProductBalance, "product_balance")
	if err != nil {
		return err
	}
	atw, err := parseRestoreInt(s.AssetsToWithdraw, "assets_to_withdraw")
	if err != nil {
		return err
	}
	pending, err := parseRestoreInt(s.PendingDecreaseCollateral, "pending_decrease_collateral")
	if err != nil {
		return err
	}
	fees, err := parseRestoreInt(s.FeesAccrued, "fees_accrued")
	if err != nil {
		return err
	}
	lastValue, err := parseRestoreInt(s.LastProductValue, "last_product_value")
	if err != nil {
		return err
	}

	c.status = status
	c.productBalance = product
	c.assetsToWithdraw = atw
	c.pendingDecreaseCollateral = pending
	c.feesAccrued = fees
	c.lastProductValue = lastValue
	c.flight = nil
	return nil
}

func parseRestoreInt(raw, field string) (sdkmath.Int, error) {
	v, ok := sdkmath.NewIntFromString(raw)
	if !ok {
		return sdkmath.Int{}, fmt.Errorf("restore controller: bad %s %q", field, raw)
	}
	return v, nil
}
