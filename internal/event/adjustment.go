package event

import (
	"strconv"
	"time"
)

// AdjustmentDispatched records an adjustment request leaving for the
// venue: utilize, deutilize, rebalance or rehedge.
type AdjustmentDispatched struct {
	RequestID       string    `json:"request_id"`
	Pool            string    `json:"pool_id"`
	Kind            string    `json:"kind"`
	IsIncrease      bool      `json:"is_increase"`
	SizeDelta       string    `json:"size_delta_in_tokens"`
	CollateralDelta string    `json:"collateral_delta"`
	SwapProceeds    string    `json:"swap_proceeds,omitempty"`
	Fee             string    `json:"fee,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

func (e *AdjustmentDispatched) IdempotencyKey() string { return "dispatch:" + e.RequestID }
func (e *AdjustmentDispatched) EventType() EventType   { return EventTypeAdjustmentDispatched }
func (e *AdjustmentDispatched) PoolID() *string        { return &e.Pool }
func (e *AdjustmentDispatched) SourceSequence() int64  { return 0 }

// AdjustmentFinalized records the venue's terminal execution report and
// the controller's resulting state.
type AdjustmentFinalized struct {
	RequestID       string    `json:"request_id"`
	Pool            string    `json:"pool_id"`
	IsIncrease      bool      `json:"is_increase"`
	IsSuccess       bool      `json:"is_success"`
	SizeDelta       string    `json:"size_delta_in_tokens"`
	CollateralDelta string    `json:"collateral_delta"`
	Reason          string    `json:"reason,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

func (e *AdjustmentFinalized) IdempotencyKey() string { return "finalize:" + e.RequestID }
func (e *AdjustmentFinalized) EventType() EventType   { return EventTypeAdjustmentFinalized }
func (e *AdjustmentFinalized) PoolID() *string        { return &e.Pool }
func (e *AdjustmentFinalized) SourceSequence() int64  { return 0 }

// PriceUpdated records a mark price feed tick. Gaps in the feed sequence
// are tolerated; stale ticks are dropped.
type PriceUpdated struct {
	Token         string    `json:"token"`
	Price         string    `json:"price"`
	PriceSequence int64     `json:"price_sequence"`
	Timestamp     time.Time `json:"timestamp"`
}

func (e *PriceUpdated) IdempotencyKey() string {
	return "price:" + e.Token + ":" + strconv.FormatInt(e.PriceSequence, 10)
}
func (e *PriceUpdated) EventType() EventType  { return EventTypePriceUpdated }
func (e *PriceUpdated) PoolID() *string       { return nil }
func (e *PriceUpdated) SourceSequence() int64 { return e.PriceSequence }
