package position

import (
	"context"
	"errors"
	"fmt"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"BasisVault/internal/oracle"
)

var (
	ErrAlreadyPending     = errors.New("adjustment already pending in this direction")
	ErrNoActiveRequests   = errors.New("no active adjustment requests")
	ErrInvalidRequestID   = errors.New("execution report for unknown request id")
	ErrZeroAdjustment     = errors.New("adjustment with zero size and collateral")
	ErrCallbackNotAllowed = errors.New("callback target not wired")
)

// AdjustParams describes one leverage-adjustment request: a position size
// delta in product tokens and a collateral delta in asset units, in one
// direction. Either delta may be zero, not both.
type AdjustParams struct {
	SizeDeltaInTokens sdkmath.Int
	CollateralDelta   sdkmath.Int
	IsIncrease        bool
}

// CallbackParams is the adapter's terminal report to the controller,
// delivered exactly once per request.
type CallbackParams struct {
	RequestID             uuid.UUID
	SizeDeltaInTokens     sdkmath.Int
	CollateralDeltaAmount sdkmath.Int
	IsIncrease            bool
	IsSuccess             bool
}

// Callback is the controller side of the asynchronous handshake.
type Callback interface {
	AfterAdjustPosition(ctx context.Context, params CallbackParams) error
}

// Adapter is the contract the controller programs against.
type Adapter interface {
	AdjustPosition(ctx context.Context, params AdjustParams) (uuid.UUID, error)
	PositionSizeInTokens() sdkmath.Int
	PositionNetBalance() sdkmath.Int
	PositionValue() sdkmath.Int
	CurrentLeverage() sdkmath.LegacyDec
	HasPending(isIncrease bool) bool
}

// VenueRequest is the wire form of an adjustment request submitted to
// the external position venue.
type VenueRequest struct {
	RequestID         uuid.UUID   `json:"request_id"`
	Market            string      `json:"market"`
	SizeDeltaInTokens sdkmath.Int `json:"size_delta_in_tokens"`
	CollateralDelta   sdkmath.Int `json:"collateral_delta"`
	IsIncrease        bool        `json:"is_increase"`
}

// VenueClient submits adjustment requests to the venue's execution
// authority. Results come back asynchronously as ExecutionReports.
type VenueClient interface {
	SubmitAdjustment(ctx context.Context, req VenueRequest) error
}

// ExecutionReport is one venue-side fill or failure notice. Venues that
// fill in parts send several non-final reports followed by a final one;
// the adapter aggregates them into a single terminal callback.
type ExecutionReport struct {
	// ReportID is the venue's unique identifier for this report message,
	// used for redelivery dedup upstream. Empty in direct-call tests.
	ReportID           string            `json:"report_id,omitempty"`
	RequestID          uuid.UUID         `json:"request_id"`
	FilledSizeInTokens sdkmath.Int       `json:"filled_size_in_tokens"`
	CollateralDelta    sdkmath.Int       `json:"collateral_delta"`
	ExecutionPrice     sdkmath.LegacyDec `json:"execution_price"`
	IsIncrease         bool              `json:"is_increase"`
	Success            bool              `json:"success"`
	Final              bool              `json:"final"`
	Reason             string            `json:"reason,omitempty"`
}

type activeRequest struct {
	id               uuid.UUID
	params           AdjustParams
	filledSize       sdkmath.Int
	filledCollateral sdkmath.Int
	lastPrice        sdkmath.LegacyDec
	submittedAt      time.Time
}

// VenueAdapter tracks the leveraged short held at the external venue and
// enforces the single-flight protocol: at most one outstanding increase
// and one outstanding decrease request at a time.
type VenueAdapter struct {
	market  string
	asset   string
	product string

	oracle oracle.PriceOracle
	client VenueClient
	cb     Callback

	sizeInTokens  sdkmath.Int
	collateral    sdkmath.Int
	avgEntryPrice sdkmath.LegacyDec // asset units per product token
	realizedPnL   sdkmath.Int

	pendingIncrease *activeRequest
	pendingDecrease *activeRequest

	clock func() time.Time
	log   zerolog.Logger
}

func NewVenueAdapter(market, asset, product string, o oracle.PriceOracle, client VenueClient, log zerolog.Logger) *VenueAdapter {
	return &VenueAdapter{
		market:        market,
		asset:         asset,
		product:       product,
		oracle:        o,
		client:        client,
		sizeInTokens:  sdkmath.ZeroInt(),
		collateral:    sdkmath.ZeroInt(),
		avgEntryPrice: sdkmath.LegacyZeroDec(),
		realizedPnL:   sdkmath.ZeroInt(),
		clock:         time.Now,
		log:           log.With().Str("component", "position_adapter").Str("market", market).Logger(),
	}
}

// SetCallback wires the controller. Done once by the factory.
func (a *VenueAdapter) SetCallback(cb Callback) { a.cb = cb }

func (a *VenueAdapter) Market() string { return a.market }

func (a *VenueAdapter) PositionSizeInTokens() sdkmath.Int { return a.sizeInTokens }

func (a *VenueAdapter) Collateral() sdkmath.Int { return a.collateral }

func (a *VenueAdapter) RealizedPnL() sdkmath.Int { return a.realizedPnL }

func (a *VenueAdapter) AvgEntryPrice() sdkmath.LegacyDec { return a.avgEntryPrice }

// PositionValue is the position notional in asset terms at the current
// mark price. Falls back to the entry valuation when the feed is down.
func (a *VenueAdapter) PositionValue() sdkmath.Int {
	if a.sizeInTokens.IsZero() {
		return sdkmath.ZeroInt()
	}
	v, err := a.oracle.Convert(a.sizeInTokens, a.product, a.asset)
	if err != nil {
		a.log.Warn().Err(err).Msg("mark valuation unavailable, using entry price")
		return a.avgEntryPrice.MulInt(a.sizeInTokens).TruncateInt()
	}
	return v
}

// PositionNetBalance is collateral plus unrealized PnL of the short leg.
func (a *VenueAdapter) PositionNetBalance() sdkmath.Int {
	if a.sizeInTokens.IsZero() {
		return a.collateral
	}
	entryValue := a.avgEntryPrice.MulInt(a.sizeInTokens).TruncateInt()
	unrealized := entryValue.Sub(a.PositionValue())
	return a.collateral.Add(unrealized)
}

// CurrentLeverage is position value over net balance; zero when there is
// no position or the net balance is non-positive.
func (a *VenueAdapter) CurrentLeverage() sdkmath.LegacyDec {
	net := a.PositionNetBalance()
	if !net.IsPositive() {
		return sdkmath.LegacyZeroDec()
	}
	return sdkmath.LegacyNewDecFromInt(a.PositionValue()).QuoInt(net)
}

func (a *VenueAdapter) HasPending(isIncrease bool) bool {
	if isIncrease {
		return a.pendingIncrease != nil
	}
	return a.pendingDecrease != nil
}

// AdjustPosition submits one adjustment request. Fails fast if a request
// in the same direction is already in flight; no state changes on any
// failure path.
func (a *VenueAdapter) AdjustPosition(ctx context.Context, params AdjustParams) (uuid.UUID, error) {
	if params.SizeDeltaInTokens.IsNil() {
		params.SizeDeltaInTokens = sdkmath.ZeroInt()
	}
	if params.CollateralDelta.IsNil() {
		params.CollateralDelta = sdkmath.ZeroInt()
	}
	if params.SizeDeltaInTokens.IsZero() && params.CollateralDelta.IsZero() {
		return uuid.Nil, ErrZeroAdjustment
	}
	if params.SizeDeltaInTokens.IsNegative() || params.CollateralDelta.IsNegative() {
		return uuid.Nil, fmt.Errorf("adjustment deltas must be non-negative: size=%s collateral=%s",
			params.SizeDeltaInTokens, params.CollateralDelta)
	}
	if a.HasPending(params.IsIncrease) {
		return uuid.Nil, ErrAlreadyPending
	}

	id := uuid.New()
	req := VenueRequest{
		RequestID:         id,
		Market:            a.market,
		SizeDeltaInTokens: params.SizeDeltaInTokens,
		CollateralDelta:   params.CollateralDelta,
		IsIncrease:        params.IsIncrease,
	}

	if err := a.client.SubmitAdjustment(ctx, req); err != nil {
		return uuid.Nil, fmt.Errorf("submit adjustment: %w", err)
	}

	active := &activeRequest{
		id:               id,
		params:           params,
		filledSize:       sdkmath.ZeroInt(),
		filledCollateral: sdkmath.ZeroInt(),
		lastPrice:        sdkmath.LegacyZeroDec(),
		submittedAt:      a.clock(),
	}
	if params.IsIncrease {
		a.pendingIncrease = active
	} else {
		a.pendingDecrease = active
	}

	a.log.Info().
		Str("request_id", id.String()).
		Str("size_delta", params.SizeDeltaInTokens.String()).
		Str("collateral_delta", params.CollateralDelta.String()).
		Bool("increase", params.IsIncrease).
		Msg("adjustment submitted")

	return id, nil
}

// HandleExecutionReport consumes one venue report. Partial fills are
// accumulated; the terminal report applies the aggregate to the position
// and invokes the controller callback exactly once. A failed request
// applies nothing (the venue rolls back its own partial work).
func (a *VenueAdapter) HandleExecutionReport(ctx context.Context, rep ExecutionReport) error {
	if a.pendingIncrease == nil && a.pendingDecrease == nil {
		return ErrNoActiveRequests
	}

	var active *activeRequest
	switch {
	case a.pendingIncrease != nil && a.pendingIncrease.id == rep.RequestID:
		active = a.pendingIncrease
	case a.pendingDecrease != nil && a.pendingDecrease.id == rep.RequestID:
		active = a.pendingDecrease
	default:
		return fmt.Errorf("%w: %s", ErrInvalidRequestID, rep.RequestID)
	}

	if !rep.FilledSizeInTokens.IsNil() && rep.FilledSizeInTokens.IsPositive() {
		active.filledSize = active.filledSize.Add(rep.FilledSizeInTokens)
	}
	if !rep.CollateralDelta.IsNil() && rep.CollateralDelta.IsPositive() {
		active.filledCollateral = active.filledCollateral.Add(rep.CollateralDelta)
	}
	if !rep.ExecutionPrice.IsNil() && rep.ExecutionPrice.IsPositive() {
		active.lastPrice = rep.ExecutionPrice
	}

	if !rep.Final {
		return nil
	}

	isIncrease := active.params.IsIncrease
	if isIncrease {
		a.pendingIncrease = nil
	} else {
		a.pendingDecrease = nil
	}

	cbParams := CallbackParams{
		RequestID:  rep.RequestID,
		IsIncrease: isIncrease,
		IsSuccess:  rep.Success,
	}

	if rep.Success {
		a.applyFill(active)
		cbParams.SizeDeltaInTokens = active.filledSize
		cbParams.CollateralDeltaAmount = active.filledCollateral
	} else {
		// Definitive failure: the venue executed nothing durable, so the
		// adapter-side position is untouched. Report the requested
		// deltas so the controller can unwind its provisional state.
		cbParams.SizeDeltaInTokens = active.params.SizeDeltaInTokens
		cbParams.CollateralDeltaAmount = active.params.CollateralDelta
	}

	a.log.Info().
		Str("request_id", rep.RequestID.String()).
		Bool("increase", isIncrease).
		Bool("success", rep.Success).
		Str("reason", rep.Reason).
		Msg("adjustment finalized")

	if a.cb == nil {
		return ErrCallbackNotAllowed
	}
	return a.cb.AfterAdjustPosition(ctx, cbParams)
}

func (a *VenueAdapter) applyFill(active *activeRequest) {
	price := active.lastPrice
	if !price.IsPositive() {
		price = a.avgEntryPrice
	}

	if active.params.IsIncrease {
		if active.filledSize.IsPositive() {
			a.avgEntryPrice = weightedEntry(a.sizeInTokens, a.avgEntryPrice, active.filledSize, price)
			a.sizeInTokens = a.sizeInTokens.Add(active.filledSize)
		}
		a.collateral = a.collateral.Add(active.filledCollateral)
		return
	}

	if active.filledSize.IsPositive() {
		closed := sdkmath.MinInt(active.filledSize, a.sizeInTokens)
		// Short leg: profit when exit price is below entry.
		pnl := a.avgEntryPrice.Sub(price).MulInt(closed).TruncateInt()
		a.realizedPnL = a.realizedPnL.Add(pnl)
		a.collateral = a.collateral.Add(pnl)
		a.sizeInTokens = a.sizeInTokens.Sub(closed)
		if a.sizeInTokens.IsZero() {
			a.avgEntryPrice = sdkmath.LegacyZeroDec()
		}
	}

	a.collateral = a.collateral.Sub(active.filledCollateral)
	if a.collateral.IsNegative() {
		a.log.Warn().Str("collateral", a.collateral.String()).Msg("collateral clamped to zero after decrease")
		a.collateral = sdkmath.ZeroInt()
	}
}

func weightedEntry(oldSize sdkmath.Int, oldEntry sdkmath.LegacyDec, fillSize sdkmath.Int, fillPrice sdkmath.LegacyDec) sdkmath.LegacyDec {
	if oldSize.IsZero() {
		return fillPrice
	}
	num := oldEntry.MulInt(oldSize).Add(fillPrice.MulInt(fillSize))
	return num.QuoInt(oldSize.Add(fillSize))
}
