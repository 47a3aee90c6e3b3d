package oracle

import (
	"errors"
	"fmt"
	"sync"
	"time"

	sdkmath "cosmossdk.io/math"
)

var (
	ErrInvalidFeedPrice       = errors.New("invalid feed price")
	ErrPriceFeedNotUpdated    = errors.New("price feed not updated")
	ErrPriceFeedNotConfigured = errors.New("price feed not configured")
)

// PriceOracle converts one asset's quantity into another's using live
// prices. Synchronous and trusted within the core.
type PriceOracle interface {
	// Price returns the current price of token in quote-currency terms.
	Price(token string) (sdkmath.LegacyDec, error)
	// Convert converts amount of from-token into to-token units, floored.
	Convert(amount sdkmath.Int, from, to string) (sdkmath.Int, error)
}

type feed struct {
	price     sdkmath.LegacyDec
	sequence  int64
	updatedAt time.Time
}

// MarkOracle is an in-memory oracle fed by external mark-price updates.
// Stale or out-of-order updates are dropped silently; reads against a
// feed older than maxAge fail.
type MarkOracle struct {
	mu     sync.RWMutex
	feeds  map[string]feed
	maxAge time.Duration
	now    func() time.Time
}

func NewMarkOracle(maxAge time.Duration) *MarkOracle {
	return &MarkOracle{
		feeds:  make(map[string]feed),
		maxAge: maxAge,
		now:    time.Now,
	}
}

// SetPrice records a price update for token. Non-positive prices are
// rejected; updates with a sequence at or below the stored one are
// ignored (idempotent replay).
func (o *MarkOracle) SetPrice(token string, price sdkmath.LegacyDec, sequence int64, ts time.Time) error {
	if price.IsNil() || !price.IsPositive() {
		return fmt.Errorf("%w: %s %s", ErrInvalidFeedPrice, token, price)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if cur, ok := o.feeds[token]; ok && sequence <= cur.sequence {
		return nil
	}

	o.feeds[token] = feed{price: price, sequence: sequence, updatedAt: ts}
	return nil
}

func (o *MarkOracle) Price(token string) (sdkmath.LegacyDec, error) {
	o.mu.RLock()
	f, ok := o.feeds[token]
	o.mu.RUnlock()

	if !ok {
		return sdkmath.LegacyDec{}, fmt.Errorf("%w: %s", ErrPriceFeedNotConfigured, token)
	}
	if o.maxAge > 0 && o.now().Sub(f.updatedAt) > o.maxAge {
		return sdkmath.LegacyDec{}, fmt.Errorf("%w: %s last updated %s", ErrPriceFeedNotUpdated, token, f.updatedAt)
	}
	return f.price, nil
}

func (o *MarkOracle) Convert(amount sdkmath.Int, from, to string) (sdkmath.Int, error) {
	if amount.IsZero() {
		return sdkmath.ZeroInt(), nil
	}
	if from == to {
		return amount, nil
	}

	fromPrice, err := o.Price(from)
	if err != nil {
		return sdkmath.Int{}, err
	}
	toPrice, err := o.Price(to)
	if err != nil {
		return sdkmath.Int{}, err
	}

	return fromPrice.MulInt(amount).Quo(toPrice).TruncateInt(), nil
}
