package pool

import (
	sdkmath "cosmossdk.io/math"
)

// Track selects one of the two independent withdrawal accumulator lanes.
// Settlement always drains the prioritized track before the normal one.
type Track int

const (
	TrackNormal Track = iota
	TrackPrioritized
)

func (t Track) String() string {
	switch t {
	case TrackNormal:
		return "normal"
	case TrackPrioritized:
		return "prioritized"
	default:
		return "unknown"
	}
}

// Accumulator is a pair of monotonic running totals. AccRequested grows
// when withdrawal requests are queued, Processed grows as idle funds are
// applied to the backlog. A request is settled once Processed has reached
// the AccRequested snapshot taken at its creation, which yields FIFO
// settlement without an explicit queue.
type Accumulator struct {
	AccRequested sdkmath.Int
	Processed    sdkmath.Int
}

func NewAccumulator() *Accumulator {
	return &Accumulator{
		AccRequested: sdkmath.ZeroInt(),
		Processed:    sdkmath.ZeroInt(),
	}
}

// Backlog returns the requested-but-unsettled amount on this track.
func (a *Accumulator) Backlog() sdkmath.Int {
	return a.AccRequested.Sub(a.Processed)
}

// Request appends amount to the running total and returns the new
// cumulative value, which the caller stores as the request's snapshot.
func (a *Accumulator) Request(amount sdkmath.Int) sdkmath.Int {
	a.AccRequested = a.AccRequested.Add(amount)
	return a.AccRequested
}

// Settle applies up to available idle funds to the backlog and returns
// the amount actually consumed. Processed never overtakes AccRequested.
func (a *Accumulator) Settle(available sdkmath.Int) sdkmath.Int {
	if !available.IsPositive() {
		return sdkmath.ZeroInt()
	}
	consumed := sdkmath.MinInt(available, a.Backlog())
	if !consumed.IsPositive() {
		return sdkmath.ZeroInt()
	}
	a.Processed = a.Processed.Add(consumed)
	return consumed
}
