package strategy

import (
	"context"
	"errors"
	"fmt"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"BasisVault/internal/basismath"
	"BasisVault/internal/oracle"
	"BasisVault/internal/pool"
	"BasisVault/internal/position"
	"BasisVault/internal/swap"
)

var (
	ErrInvalidStrategyStatus    = errors.New("operation not allowed in current strategy status")
	ErrZeroPendingUtilization   = errors.New("no pending utilization")
	ErrZeroPendingDeutilization = errors.New("no pending deutilization")
	ErrSwapFailed               = errors.New("swap failed")
	ErrCallbackNotAllowed       = errors.New("callback does not match the in-flight request")
	ErrNoUpkeepNeeded           = errors.New("no upkeep needed")
)

// adjustKind tags the purpose of the single in-flight adjustment so the
// callback can pick the matching success/failure handler.
type adjustKind int

const (
	adjustUtilize adjustKind = iota
	adjustDeutilize
	adjustForcedDeleverage
	adjustAddCollateral
	adjustRemoveCollateral
	adjustHedge
)

func (k adjustKind) String() string {
	switch k {
	case adjustUtilize:
		return "utilize"
	case adjustDeutilize:
		return "deutilize"
	case adjustForcedDeleverage:
		return "forced_deleverage"
	case adjustAddCollateral:
		return "add_collateral"
	case adjustRemoveCollateral:
		return "remove_collateral"
	case adjustHedge:
		return "hedge"
	default:
		return "unknown"
	}
}

// inflight is the provisional record of the one outstanding adjustment.
// It holds everything needed to unwind on a failure callback.
type inflight struct {
	kind       adjustKind
	requestID  uuid.UUID
	isIncrease bool

	sizeDelta       sdkmath.Int
	collateralDelta sdkmath.Int

	// swapSpent/swapProceeds record the spot leg executed before the
	// venue request: asset in, product out for utilize; product in,
	// asset out for deutilize.
	swapSpent    sdkmath.Int
	swapProceeds sdkmath.Int
	fee          sdkmath.Int
}

// Controller drives the leverage strategy for one pool: it deploys idle
// capital into a spot product leg plus a short position at the venue,
// unwinds it to service the withdrawal backlog, and keeps leverage
// inside the configured band. All operations run to completion under one
// lock held by the owning engine; at most one venue adjustment is in
// flight at a time.
type Controller struct {
	cfg Config

	pool    *pool.Pool
	adapter position.Adapter
	swapper swap.Swapper
	oracle  oracle.PriceOracle

	status Status

	productBalance            sdkmath.Int
	assetsToWithdraw          sdkmath.Int
	pendingDecreaseCollateral sdkmath.Int
	feesAccrued               sdkmath.Int

	// lastProductValue is the most recent successful valuation of the
	// spot leg, used when the price feed is briefly unavailable.
	lastProductValue sdkmath.Int

	flight *inflight

	log zerolog.Logger
}

func NewController(cfg Config, p *pool.Pool, adapter position.Adapter, swapper swap.Swapper, o oracle.PriceOracle, log zerolog.Logger) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid strategy config: %w", err)
	}
	return &Controller{
		cfg:                       cfg,
		pool:                      p,
		adapter:                   adapter,
		swapper:                   swapper,
		oracle:                    o,
		status:                    StatusIdle,
		productBalance:            sdkmath.ZeroInt(),
		assetsToWithdraw:          sdkmath.ZeroInt(),
		pendingDecreaseCollateral: sdkmath.ZeroInt(),
		feesAccrued:               sdkmath.ZeroInt(),
		lastProductValue:          sdkmath.ZeroInt(),
		log:                       log.With().Str("component", "controller").Str("pool", p.ID()).Logger(),
	}, nil
}

func (c *Controller) Status() Status { return c.status }

func (c *Controller) Config() Config { return c.cfg }

func (c *Controller) ProductBalance() sdkmath.Int { return c.productBalance }

func (c *Controller) PendingDecreaseCollateral() sdkmath.Int { return c.pendingDecreaseCollateral }

func (c *Controller) FeesAccrued() sdkmath.Int { return c.feesAccrued }

// CollectFees zeroes the accrued fee balance and returns it. The caller
// is responsible for the actual transfer to the fee receiver.
func (c *Controller) CollectFees() sdkmath.Int {
	amount := c.feesAccrued
	c.feesAccrued = sdkmath.ZeroInt()
	return amount
}

// AssetsToWithdraw is the pool-facing view of proceeds already recovered
// from the position but not yet returned to the pool's claimable funds.
func (c *Controller) AssetsToWithdraw() sdkmath.Int { return c.assetsToWithdraw }

// UtilizedAssets values everything the controller holds outside the
// pool: the spot product leg at mark price plus the position's net
// collateral balance.
func (c *Controller) UtilizedAssets() sdkmath.Int {
	total := c.productValue().Add(c.adapter.PositionNetBalance())
	if total.IsNegative() {
		return sdkmath.ZeroInt()
	}
	return total
}

// productValue is a pure view. The fallback cache is refreshed only on
// command paths, where the product balance itself changes.
func (c *Controller) productValue() sdkmath.Int {
	if c.productBalance.IsZero() {
		return sdkmath.ZeroInt()
	}
	v, err := c.oracle.Convert(c.productBalance, c.cfg.Product, c.cfg.Asset)
	if err != nil {
		c.log.Warn().Err(err).Msg("product valuation unavailable, using last known")
		return c.lastProductValue
	}
	return v
}

// refreshProductValue recomputes the valuation fallback after the
// product balance moved. A failed conversion keeps the previous cache.
func (c *Controller) refreshProductValue() {
	if c.productBalance.IsZero() {
		c.lastProductValue = sdkmath.ZeroInt()
		return
	}
	if v, err := c.oracle.Convert(c.productBalance, c.cfg.Product, c.cfg.Asset); err == nil {
		c.lastProductValue = v
	}
}

// backlogToCover is the withdrawal backlog not yet covered by recovered
// proceeds. Funds sitting in assetsToWithdraw are already on their way
// back to the pool, so they reduce what deutilization must still raise.
func (c *Controller) backlogToCover() sdkmath.Int {
	w := c.pool.TotalBacklog().Sub(c.assetsToWithdraw)
	if w.IsNegative() {
		return sdkmath.ZeroInt()
	}
	return w
}

// PendingUtilization is the amount of idle capital eligible for the next
// utilize call.
func (c *Controller) PendingUtilization() sdkmath.Int {
	return basismath.PendingUtilization(c.pool.IdleAssets(), c.cfg.TargetLeverage)
}

// PendingDeutilization is the product amount the next deutilize call
// should unwind to cover the outstanding backlog.
func (c *Controller) PendingDeutilization() sdkmath.Int {
	return basismath.PendingDeutilization(
		c.adapter.PositionSizeInTokens(),
		c.productBalance,
		c.adapter.PositionValue(),
		c.adapter.PositionNetBalance(),
		c.backlogToCover(),
		c.pendingDecreaseCollateral,
	)
}

func (c *Controller) setStatus(target Status) {
	if !c.status.CanTransitionTo(target) {
		panic(fmt.Sprintf("FATAL: illegal strategy transition %s -> %s", c.status, target))
	}
	if c.status != target {
		c.log.Info().Str("from", c.status.String()).Str("to", target.String()).Msg("status transition")
	}
	c.status = target
}

// Utilize deploys up to amount of idle capital: swaps the product leg,
// forwards the proportional collateral leg and submits an increase
// request to the venue. A failed swap leaves all state untouched and
// returns a retryable signal.
func (c *Controller) Utilize(ctx context.Context, amount sdkmath.Int, kind swap.Kind, routeData []byte) (uuid.UUID, error) {
	if c.status != StatusIdle {
		return uuid.Nil, fmt.Errorf("%w: %s", ErrInvalidStrategyStatus, c.status)
	}

	idle := c.pool.IdleAssets()
	swapAmount := sdkmath.MinInt(amount, sdkmath.MinInt(idle, basismath.PendingUtilization(idle, c.cfg.TargetLeverage)))
	if !swapAmount.IsPositive() {
		return uuid.Nil, ErrZeroPendingUtilization
	}

	collateral := basismath.CollateralForUtilization(swapAmount, c.cfg.TargetLeverage)
	total := swapAmount.Add(collateral)
	if err := c.pool.RemoveIdle(total); err != nil {
		return uuid.Nil, err
	}

	fee := basismath.FeeOn(swapAmount, c.cfg.EntryFee)
	swapIn := swapAmount.Sub(fee)

	received, err := c.swapper.Swap(ctx, swap.Request{
		TokenIn:   c.cfg.Asset,
		TokenOut:  c.cfg.Product,
		AmountIn:  swapIn,
		MinReturn: sdkmath.ZeroInt(),
		Kind:      kind,
		RouteData: routeData,
	})
	if err != nil {
		c.pool.AddIdle(total)
		c.log.Warn().Err(err).Str("amount", swapIn.String()).Msg("utilize swap failed")
		return uuid.Nil, fmt.Errorf("%w: %v", ErrSwapFailed, err)
	}

	c.productBalance = c.productBalance.Add(received)
	c.refreshProductValue()
	c.feesAccrued = c.feesAccrued.Add(fee)

	id, err := c.adapter.AdjustPosition(ctx, position.AdjustParams{
		SizeDeltaInTokens: received,
		CollateralDelta:   collateral,
		IsIncrease:        true,
	})
	if err != nil {
		// The venue never saw the request. Undo the spot leg and put
		// everything back into the pool.
		c.reverseUtilizeSwap(ctx, received, collateral, fee)
		return uuid.Nil, err
	}

	c.flight = &inflight{
		kind:            adjustUtilize,
		requestID:       id,
		isIncrease:      true,
		sizeDelta:       received,
		collateralDelta: collateral,
		swapSpent:       swapIn,
		swapProceeds:    received,
		fee:             fee,
	}
	c.setStatus(StatusDepositing)

	c.log.Info().
		Str("request_id", id.String()).
		Str("swapped", swapAmount.String()).
		Str("received", received.String()).
		Str("collateral", collateral.String()).
		Msg("utilize dispatched")

	return id, nil
}

// Deutilize unwinds amount of the product leg to raise funds for the
// withdrawal backlog: swaps product back to asset, parks the proceeds in
// assetsToWithdraw and submits a decrease request that also pulls the
// complementary collateral. From NeedRebalanceDown it runs as a forced
// deleverage instead: proceeds return to idle and no collateral moves.
func (c *Controller) Deutilize(ctx context.Context, amount sdkmath.Int, kind swap.Kind, routeData []byte) (uuid.UUID, error) {
	switch c.status {
	case StatusIdle:
		return c.deutilize(ctx, amount, kind, routeData)
	case StatusNeedRebalanceDown:
		return c.forcedDeleverage(ctx, amount, kind, routeData)
	default:
		return uuid.Nil, fmt.Errorf("%w: %s", ErrInvalidStrategyStatus, c.status)
	}
}

func (c *Controller) deutilize(ctx context.Context, amount sdkmath.Int, kind swap.Kind, routeData []byte) (uuid.UUID, error) {
	pending := c.PendingDeutilization()
	unwind := sdkmath.MinInt(amount, pending)
	if !unwind.IsPositive() {
		return uuid.Nil, ErrZeroPendingDeutilization
	}

	netProceeds, fee, err := c.sellProduct(ctx, unwind, kind, routeData)
	if err != nil {
		return uuid.Nil, err
	}

	c.assetsToWithdraw = c.assetsToWithdraw.Add(netProceeds)

	// Proceeds plus the collateral pulled here must exactly cover the
	// remaining backlog.
	collateral := c.backlogToCover().Sub(c.pendingDecreaseCollateral)
	if collateral.IsNegative() {
		collateral = sdkmath.ZeroInt()
	}
	net := c.adapter.PositionNetBalance()
	if collateral.GT(net) {
		collateral = net
	}
	c.pendingDecreaseCollateral = c.pendingDecreaseCollateral.Add(collateral)

	id, err := c.adapter.AdjustPosition(ctx, position.AdjustParams{
		SizeDeltaInTokens: unwind,
		CollateralDelta:   collateral,
		IsIncrease:        false,
	})
	if err != nil {
		c.assetsToWithdraw = c.assetsToWithdraw.Sub(netProceeds)
		c.pendingDecreaseCollateral = c.pendingDecreaseCollateral.Sub(collateral)
		c.reverseDeutilizeSwap(ctx, netProceeds, fee)
		return uuid.Nil, err
	}

	c.flight = &inflight{
		kind:            adjustDeutilize,
		requestID:       id,
		isIncrease:      false,
		sizeDelta:       unwind,
		collateralDelta: collateral,
		swapSpent:       unwind,
		swapProceeds:    netProceeds,
		fee:             fee,
	}
	c.setStatus(StatusWithdrawing)

	c.log.Info().
		Str("request_id", id.String()).
		Str("unwound", unwind.String()).
		Str("proceeds", netProceeds.String()).
		Str("collateral", collateral.String()).
		Msg("deutilize dispatched")

	return id, nil
}

func (c *Controller) forcedDeleverage(ctx context.Context, amount sdkmath.Int, kind swap.Kind, routeData []byte) (uuid.UUID, error) {
	required := c.forcedUnwindSize()
	unwind := sdkmath.MinInt(amount, required)
	if !unwind.IsPositive() {
		return uuid.Nil, ErrZeroPendingDeutilization
	}

	netProceeds, fee, err := c.sellProduct(ctx, unwind, kind, routeData)
	if err != nil {
		return uuid.Nil, err
	}

	id, err := c.adapter.AdjustPosition(ctx, position.AdjustParams{
		SizeDeltaInTokens: unwind,
		CollateralDelta:   sdkmath.ZeroInt(),
		IsIncrease:        false,
	})
	if err != nil {
		c.reverseDeutilizeSwap(ctx, netProceeds, fee)
		return uuid.Nil, err
	}

	c.flight = &inflight{
		kind:            adjustForcedDeleverage,
		requestID:       id,
		isIncrease:      false,
		sizeDelta:       unwind,
		swapSpent:       unwind,
		swapProceeds:    netProceeds,
		fee:             fee,
		collateralDelta: sdkmath.ZeroInt(),
	}
	c.setStatus(StatusRebalancingDown)

	c.log.Info().
		Str("request_id", id.String()).
		Str("unwound", unwind.String()).
		Msg("forced deleverage dispatched")

	return id, nil
}

// forcedUnwindSize is the position fraction that must be closed to bring
// leverage back to target when no idle capital can fund collateral:
// closing x of S shrinks value to V(S-x)/S, so x = S(V - target*N)/V.
func (c *Controller) forcedUnwindSize() sdkmath.Int {
	s := c.adapter.PositionSizeInTokens()
	v := c.adapter.PositionValue()
	n := c.adapter.PositionNetBalance()
	if !s.IsPositive() || !v.IsPositive() || n.IsNegative() {
		return sdkmath.MinInt(s, c.productBalance)
	}
	targetValue := c.cfg.TargetLeverage.MulInt(n).TruncateInt()
	if targetValue.GTE(v) {
		return sdkmath.ZeroInt()
	}
	x := basismath.MulDivCeil(s, v.Sub(targetValue), v)
	return sdkmath.MinInt(sdkmath.MinInt(x, s), c.productBalance)
}

// sellProduct executes the product->asset spot leg and accrues the exit
// fee. Returns net proceeds. No controller state changes on failure.
func (c *Controller) sellProduct(ctx context.Context, unwind sdkmath.Int, kind swap.Kind, routeData []byte) (sdkmath.Int, sdkmath.Int, error) {
	if unwind.GT(c.productBalance) {
		return sdkmath.Int{}, sdkmath.Int{}, fmt.Errorf("%w: have %s, need %s", swap.ErrAmountExceedsBalance, c.productBalance, unwind)
	}

	proceeds, err := c.swapper.Swap(ctx, swap.Request{
		TokenIn:   c.cfg.Product,
		TokenOut:  c.cfg.Asset,
		AmountIn:  unwind,
		MinReturn: sdkmath.ZeroInt(),
		Kind:      kind,
		RouteData: routeData,
	})
	if err != nil {
		c.log.Warn().Err(err).Str("amount", unwind.String()).Msg("deutilize swap failed")
		return sdkmath.Int{}, sdkmath.Int{}, fmt.Errorf("%w: %v", ErrSwapFailed, err)
	}

	c.productBalance = c.productBalance.Sub(unwind)
	c.refreshProductValue()
	fee := basismath.FeeOn(proceeds, c.cfg.ExitFee)
	c.feesAccrued = c.feesAccrued.Add(fee)
	return proceeds.Sub(fee), fee, nil
}

// CheckUpkeep reports whether PerformUpkeep has work to do, and why.
// Pure view, safe to poll.
func (c *Controller) CheckUpkeep() (bool, string) {
	if c.status.InFlight() {
		return false, "adjustment in flight"
	}
	if c.status == StatusNeedRebalanceDown {
		return true, "forced deleverage pending"
	}

	lev := c.adapter.CurrentLeverage()
	if lev.IsPositive() {
		if lev.GT(c.cfg.MaxLeverage) {
			return true, "leverage above maximum"
		}
		if lev.LT(c.cfg.MinLeverage) {
			return true, "leverage below minimum"
		}
	}

	dev := basismath.RelativeDeviation(c.productBalance, c.adapter.PositionSizeInTokens())
	if c.cfg.HedgeDeviationThreshold.IsPositive() && dev.GT(c.cfg.HedgeDeviationThreshold) {
		return true, "hedge deviation above threshold"
	}

	if c.backlogToCover().IsPositive() && c.PendingDeutilization().IsPositive() {
		return true, "withdrawal backlog outstanding"
	}

	return false, ""
}

// PerformUpkeep dispatches at most one piece of maintenance work, in
// priority order: forced deleverage, leverage band repair, hedge
// deviation repair, then backlog-driven deutilization. Swap legs run at
// the oracle quote.
func (c *Controller) PerformUpkeep(ctx context.Context) (uuid.UUID, error) {
	switch c.status {
	case StatusIdle, StatusNeedKeep, StatusNeedRebalanceDown:
	default:
		return uuid.Nil, fmt.Errorf("%w: %s", ErrInvalidStrategyStatus, c.status)
	}

	if c.status == StatusNeedRebalanceDown {
		return c.forcedDeleverage(ctx, c.forcedUnwindSize(), swap.KindOracleQuote, nil)
	}
	if c.status == StatusNeedKeep {
		c.setStatus(StatusIdle)
	}

	lev := c.adapter.CurrentLeverage()
	if lev.IsPositive() && lev.GT(c.cfg.MaxLeverage) {
		return c.addCollateral(ctx)
	}
	if lev.IsPositive() && lev.LT(c.cfg.MinLeverage) {
		return c.removeCollateral(ctx)
	}

	s := c.adapter.PositionSizeInTokens()
	dev := basismath.RelativeDeviation(c.productBalance, s)
	if c.cfg.HedgeDeviationThreshold.IsPositive() && dev.GT(c.cfg.HedgeDeviationThreshold) {
		return c.rehedge(ctx, s)
	}

	if c.backlogToCover().IsPositive() {
		pending := c.PendingDeutilization()
		if pending.IsPositive() {
			return c.deutilize(ctx, pending, swap.KindOracleQuote, nil)
		}
	}

	return uuid.Nil, ErrNoUpkeepNeeded
}

// addCollateral tops up position margin back to target leverage. With
// insufficient idle funds the controller parks in NeedRebalanceDown and
// waits for inflows or a forced deleverage.
func (c *Controller) addCollateral(ctx context.Context) (uuid.UUID, error) {
	v := c.adapter.PositionValue()
	n := c.adapter.PositionNetBalance()
	targetCollateral := sdkmath.LegacyNewDecFromInt(v).Quo(c.cfg.TargetLeverage).TruncateInt()
	needed := targetCollateral.Sub(n)
	if !needed.IsPositive() {
		return uuid.Nil, ErrNoUpkeepNeeded
	}

	if needed.GT(c.pool.IdleAssets()) {
		c.setStatus(StatusNeedRebalanceDown)
		c.log.Warn().
			Str("needed", needed.String()).
			Str("idle", c.pool.IdleAssets().String()).
			Msg("insufficient idle funds for deleverage, forced unwind pending")
		return uuid.Nil, nil
	}

	if err := c.pool.RemoveIdle(needed); err != nil {
		return uuid.Nil, err
	}

	id, err := c.adapter.AdjustPosition(ctx, position.AdjustParams{
		SizeDeltaInTokens: sdkmath.ZeroInt(),
		CollateralDelta:   needed,
		IsIncrease:        true,
	})
	if err != nil {
		c.pool.AddIdle(needed)
		return uuid.Nil, err
	}

	c.flight = &inflight{
		kind:            adjustAddCollateral,
		requestID:       id,
		isIncrease:      true,
		sizeDelta:       sdkmath.ZeroInt(),
		collateralDelta: needed,
		swapSpent:       sdkmath.ZeroInt(),
		swapProceeds:    sdkmath.ZeroInt(),
		fee:             sdkmath.ZeroInt(),
	}
	c.setStatus(StatusRebalancingUp)
	return id, nil
}

// removeCollateral withdraws excess margin when leverage drifts below
// the minimum. The collateral returns to pool idle on the callback.
func (c *Controller) removeCollateral(ctx context.Context) (uuid.UUID, error) {
	v := c.adapter.PositionValue()
	n := c.adapter.PositionNetBalance()
	targetCollateral := sdkmath.LegacyNewDecFromInt(v).Quo(c.cfg.TargetLeverage).TruncateInt()
	excess := n.Sub(targetCollateral)
	if !excess.IsPositive() {
		return uuid.Nil, ErrNoUpkeepNeeded
	}

	id, err := c.adapter.AdjustPosition(ctx, position.AdjustParams{
		SizeDeltaInTokens: sdkmath.ZeroInt(),
		CollateralDelta:   excess,
		IsIncrease:        false,
	})
	if err != nil {
		return uuid.Nil, err
	}

	c.flight = &inflight{
		kind:            adjustRemoveCollateral,
		requestID:       id,
		isIncrease:      false,
		sizeDelta:       sdkmath.ZeroInt(),
		collateralDelta: excess,
		swapSpent:       sdkmath.ZeroInt(),
		swapProceeds:    sdkmath.ZeroInt(),
		fee:             sdkmath.ZeroInt(),
	}
	c.setStatus(StatusRebalancingDown)
	return id, nil
}

// rehedge issues a pure size adjustment so the short matches the spot
// leg: increase when under-hedged, decrease when over-hedged.
func (c *Controller) rehedge(ctx context.Context, positionSize sdkmath.Int) (uuid.UUID, error) {
	diff := c.productBalance.Sub(positionSize)
	isIncrease := diff.IsPositive()
	if diff.IsNegative() {
		diff = diff.Neg()
	}
	if diff.IsZero() {
		return uuid.Nil, ErrNoUpkeepNeeded
	}

	id, err := c.adapter.AdjustPosition(ctx, position.AdjustParams{
		SizeDeltaInTokens: diff,
		CollateralDelta:   sdkmath.ZeroInt(),
		IsIncrease:        isIncrease,
	})
	if err != nil {
		return uuid.Nil, err
	}

	c.flight = &inflight{
		kind:            adjustHedge,
		requestID:       id,
		isIncrease:      isIncrease,
		sizeDelta:       diff,
		collateralDelta: sdkmath.ZeroInt(),
		swapSpent:       sdkmath.ZeroInt(),
		swapProceeds:    sdkmath.ZeroInt(),
		fee:             sdkmath.ZeroInt(),
	}
	c.setStatus(StatusKeeping)
	return id, nil
}

// AfterAdjustPosition is the venue adapter's terminal callback. It
// finalizes or unwinds the in-flight adjustment, returns the controller
// to a resting state and re-runs queue settlement when funds moved back
// to the pool.
func (c *Controller) AfterAdjustPosition(ctx context.Context, cb position.CallbackParams) error {
	if c.flight == nil || c.flight.requestID != cb.RequestID {
		return fmt.Errorf("%w: %s", ErrCallbackNotAllowed, cb.RequestID)
	}

	fl := c.flight
	c.flight = nil

	c.log.Info().
		Str("request_id", cb.RequestID.String()).
		Str("kind", fl.kind.String()).
		Bool("success", cb.IsSuccess).
		Msg("adjustment callback")

	next := StatusIdle

	switch fl.kind {
	case adjustUtilize:
		if !cb.IsSuccess {
			c.reverseUtilizeSwap(ctx, fl.swapProceeds, fl.collateralDelta, fl.fee)
		}

	case adjustDeutilize:
		if cb.IsSuccess {
			c.pendingDecreaseCollateral = c.pendingDecreaseCollateral.Sub(fl.collateralDelta)
			if c.pendingDecreaseCollateral.IsNegative() {
				panic("FATAL: pending decrease collateral underflow")
			}
			returned := c.assetsToWithdraw.Add(cb.CollateralDeltaAmount)
			c.assetsToWithdraw = sdkmath.ZeroInt()
			c.pool.AddIdle(returned)
			c.pool.SettleQueue()
		} else {
			c.pendingDecreaseCollateral = c.pendingDecreaseCollateral.Sub(fl.collateralDelta)
			if c.pendingDecreaseCollateral.IsNegative() {
				c.pendingDecreaseCollateral = sdkmath.ZeroInt()
			}
			c.assetsToWithdraw = c.assetsToWithdraw.Sub(fl.swapProceeds)
			if c.assetsToWithdraw.IsNegative() {
				panic("FATAL: assetsToWithdraw underflow on decrease rollback")
			}
			c.reverseDeutilizeSwap(ctx, fl.swapProceeds, fl.fee)
		}

	case adjustForcedDeleverage:
		if cb.IsSuccess {
			c.pool.AddIdle(fl.swapProceeds)
			c.pool.SettleQueue()
		} else {
			c.reverseDeutilizeSwap(ctx, fl.swapProceeds, fl.fee)
			next = StatusNeedRebalanceDown
		}

	case adjustAddCollateral:
		if !cb.IsSuccess {
			c.pool.AddIdle(fl.collateralDelta)
		}

	case adjustRemoveCollateral:
		if cb.IsSuccess {
			c.pool.AddIdle(cb.CollateralDeltaAmount)
			c.pool.SettleQueue()
		}

	case adjustHedge:
		// Size-only adjustment, nothing to unwind either way.
	}

	c.setStatus(next)

	if next == StatusIdle {
		if needed, reason := c.CheckUpkeep(); needed {
			c.setStatus(StatusNeedKeep)
			c.log.Info().Str("reason", reason).Msg("more work outstanding")
		}
	}

	return nil
}

// reverseUtilizeSwap undoes a utilize spot leg after the venue rejected
// the increase: product swaps back to asset at the oracle quote and the
// full pull returns to pool idle. The entry fee is refunded.
func (c *Controller) reverseUtilizeSwap(ctx context.Context, product, collateral, fee sdkmath.Int) {
	c.feesAccrued = c.feesAccrued.Sub(fee)
	if c.feesAccrued.IsNegative() {
		c.feesAccrued = sdkmath.ZeroInt()
	}

	recovered, err := c.swapper.Swap(ctx, swap.Request{
		TokenIn:   c.cfg.Product,
		TokenOut:  c.cfg.Asset,
		AmountIn:  product,
		MinReturn: sdkmath.ZeroInt(),
		Kind:      swap.KindOracleQuote,
	})
	if err != nil {
		// Keep the product leg; the hedge-deviation upkeep reconciles it
		// once swaps recover. Only the collateral and fee return now.
		c.log.Error().Err(err).Str("amount", product.String()).Msg("reverse swap failed, product leg retained")
		c.pool.AddIdle(collateral.Add(fee))
		c.pool.SettleQueue()
		return
	}

	c.productBalance = c.productBalance.Sub(product)
	c.refreshProductValue()
	c.pool.AddIdle(recovered.Add(collateral).Add(fee))
	c.pool.SettleQueue()
}

// reverseDeutilizeSwap swaps recovered asset proceeds back into the
// product leg after a decrease failed. The exit fee is refunded into the
// swap input so the round trip is whole.
func (c *Controller) reverseDeutilizeSwap(ctx context.Context, netProceeds, fee sdkmath.Int) {
	c.feesAccrued = c.feesAccrued.Sub(fee)
	if c.feesAccrued.IsNegative() {
		c.feesAccrued = sdkmath.ZeroInt()
	}

	amountIn := netProceeds.Add(fee)
	recovered, err := c.swapper.Swap(ctx, swap.Request{
		TokenIn:   c.cfg.Asset,
		TokenOut:  c.cfg.Product,
		AmountIn:  amountIn,
		MinReturn: sdkmath.ZeroInt(),
		Kind:      swap.KindOracleQuote,
	})
	if err != nil {
		// Funds stay in asset form and flow back to the pool instead.
		c.log.Error().Err(err).Str("amount", amountIn.String()).Msg("reverse swap failed, proceeds returned to pool")
		c.pool.AddIdle(amountIn)
		c.pool.SettleQueue()
		return
	}

	c.productBalance = c.productBalance.Add(recovered)
	c.refreshProductValue()
}
