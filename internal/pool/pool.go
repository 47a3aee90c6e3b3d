package pool

import (
	"errors"
	"fmt"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/rs/zerolog"
)

var (
	ErrZeroAssets              = errors.New("zero asset amount")
	ErrZeroShares              = errors.New("zero shares")
	ErrInsufficientShares      = errors.New("insufficient shares")
	ErrInsufficientIdleBalance = errors.New("insufficient idle balance")
	ErrUnknownRequest          = errors.New("unknown withdrawal request")
	ErrRequestNotExecuted      = errors.New("withdrawal request not executed yet")
	ErrRequestAlreadyClaimed   = errors.New("withdrawal request already claimed")
	ErrUnauthorizedClaimer     = errors.New("caller is not the request receiver")
)

// PriorityProvider decides which accumulator track a withdrawal request
// belongs to. External collaborator; a nil provider routes everything to
// the normal track.
type PriorityProvider interface {
	IsPrioritized(owner string) bool
}

// StrategyView is the pool's read-only window into the controller. Both
// methods are pure queries with no side effects.
type StrategyView interface {
	// UtilizedAssets is the asset value currently deployed into the
	// leveraged exposure, including the spot hedge.
	UtilizedAssets() sdkmath.Int
	// AssetsToWithdraw is liquid value pulled out of the position but
	// not yet physically returned to the pool.
	AssetsToWithdraw() sdkmath.Int
}

// WithdrawResult reports how a withdrawal call was split between the
// synchronous payout and the queued remainder. Key is ZeroKey when the
// request settled fully synchronously.
type WithdrawResult struct {
	Key             RequestKey
	SharesBurned    sdkmath.Int
	ImmediateAssets sdkmath.Int
	QueuedAssets    sdkmath.Int
}

// Pool is the capital ledger: it holds the idle liquid balance, mints
// and burns proportional share claims, and owns the two withdrawal
// accumulator tracks plus the request records. The Pool mutates only its
// own state; the controller is consulted through StrategyView.
type Pool struct {
	id    string
	asset string

	assetBalance  sdkmath.Int // liquid asset units physically held
	assetsToClaim sdkmath.Int // reserved for settled, unclaimed requests

	totalShares sdkmath.Int
	shares      map[string]sdkmath.Int

	tracks   [2]*Accumulator
	requests map[RequestKey]*WithdrawRequest
	order    []RequestKey // creation order, audit only
	nonces   map[string]uint64

	priority PriorityProvider
	strategy StrategyView

	clock func() time.Time
	log   zerolog.Logger
}

func New(id, asset string, priority PriorityProvider, log zerolog.Logger) *Pool {
	return &Pool{
		id:            id,
		asset:         asset,
		assetBalance:  sdkmath.ZeroInt(),
		assetsToClaim: sdkmath.ZeroInt(),
		totalShares:   sdkmath.ZeroInt(),
		shares:        make(map[string]sdkmath.Int),
		tracks:        [2]*Accumulator{NewAccumulator(), NewAccumulator()},
		requests:      make(map[RequestKey]*WithdrawRequest),
		nonces:        make(map[string]uint64),
		priority:      priority,
		clock:         time.Now,
		log:           log.With().Str("component", "pool").Str("pool_id", id).Logger(),
	}
}

// SetStrategy wires the controller view. Done once by the factory after
// both sides exist.
func (p *Pool) SetStrategy(s StrategyView) { p.strategy = s }

func (p *Pool) ID() string    { return p.id }
func (p *Pool) Asset() string { return p.asset }

// === Views ===

func (p *Pool) AssetBalance() sdkmath.Int  { return p.assetBalance }
func (p *Pool) AssetsToClaim() sdkmath.Int { return p.assetsToClaim }
func (p *Pool) TotalShares() sdkmath.Int   { return p.totalShares }

func (p *Pool) SharesOf(owner string) sdkmath.Int {
	if s, ok := p.shares[owner]; ok {
		return s
	}
	return sdkmath.ZeroInt()
}

// IdleAssets is the liquid balance not reserved for pending claims.
func (p *Pool) IdleAssets() sdkmath.Int {
	return p.assetBalance.Sub(p.assetsToClaim)
}

// TotalAssets is the pool's net asset value: idle funds plus everything
// the controller holds on the pool's behalf, minus the queued backlog.
// Backlog shares were already burned at request time, so the backlog is
// a fixed liability owed to requesters, not depositor equity.
func (p *Pool) TotalAssets() sdkmath.Int {
	total := p.IdleAssets()
	if p.strategy != nil {
		total = total.Add(p.strategy.UtilizedAssets()).Add(p.strategy.AssetsToWithdraw())
	}
	total = total.Sub(p.TotalBacklog())
	if total.IsNegative() {
		return sdkmath.ZeroInt()
	}
	return total
}

// TrackState returns a copy of one track's accumulator.
func (p *Pool) TrackState(t Track) Accumulator { return *p.tracks[t] }

// TotalBacklog is the outstanding withdrawal amount across both tracks.
func (p *Pool) TotalBacklog() sdkmath.Int {
	return p.tracks[TrackNormal].Backlog().Add(p.tracks[TrackPrioritized].Backlog())
}

// Request returns a copy of the stored request record.
func (p *Pool) Request(key RequestKey) (WithdrawRequest, bool) {
	req, ok := p.requests[key]
	if !ok {
		return WithdrawRequest{}, false
	}
	return *req, true
}

// Requests returns all request records in creation order (audit view).
func (p *Pool) Requests() []WithdrawRequest {
	out := make([]WithdrawRequest, 0, len(p.order))
	for _, key := range p.order {
		out = append(out, *p.requests[key])
	}
	return out
}

// === Share conversions (deposits/redeems floor, mints/withdrawals
// ceil, rounding always in the pool's favor) ===

func (p *Pool) ConvertToShares(assets sdkmath.Int) sdkmath.Int {
	total := p.TotalAssets()
	if p.totalShares.IsZero() || total.IsZero() {
		return assets
	}
	return assets.Mul(p.totalShares).Quo(total)
}

func (p *Pool) ConvertToAssets(shares sdkmath.Int) sdkmath.Int {
	if p.totalShares.IsZero() {
		return shares
	}
	return shares.Mul(p.TotalAssets()).Quo(p.totalShares)
}

func (p *Pool) PreviewDeposit(assets sdkmath.Int) sdkmath.Int { return p.ConvertToShares(assets) }

func (p *Pool) PreviewRedeem(shares sdkmath.Int) sdkmath.Int { return p.ConvertToAssets(shares) }

// PreviewMint returns the assets required to mint exactly shares,
// rounded up.
func (p *Pool) PreviewMint(shares sdkmath.Int) sdkmath.Int {
	if p.totalShares.IsZero() {
		return shares
	}
	return ceilDiv(shares.Mul(p.TotalAssets()), p.totalShares)
}

// PreviewWithdraw returns the shares burned to withdraw exactly assets,
// rounded up.
func (p *Pool) PreviewWithdraw(assets sdkmath.Int) sdkmath.Int {
	total := p.TotalAssets()
	if p.totalShares.IsZero() || total.IsZero() {
		return assets
	}
	return ceilDiv(assets.Mul(p.totalShares), total)
}

func ceilDiv(num, den sdkmath.Int) sdkmath.Int {
	q, r := num.Quo(den), num.Mod(den)
	if r.IsZero() {
		return q
	}
	return q.Add(sdkmath.OneInt())
}

// === Deposit side ===

// Deposit mints shares for assets at the current exchange rate and
// immediately re-runs queue settlement with the fresh liquidity.
func (p *Pool) Deposit(assets sdkmath.Int, receiver string) (sdkmath.Int, error) {
	if assets.IsNil() || !assets.IsPositive() {
		return sdkmath.Int{}, ErrZeroAssets
	}

	shares := p.PreviewDeposit(assets)
	if shares.IsZero() {
		return sdkmath.Int{}, ErrZeroShares
	}

	p.mint(receiver, shares)
	p.assetBalance = p.assetBalance.Add(assets)
	settled := p.SettleQueue()

	p.log.Info().
		Str("receiver", receiver).
		Str("assets", assets.String()).
		Str("shares", shares.String()).
		Str("settled", settled.String()).
		Msg("deposit")

	return shares, nil
}

// Mint deposits exactly enough assets to mint shares (assets rounded up).
func (p *Pool) Mint(shares sdkmath.Int, receiver string) (sdkmath.Int, error) {
	if shares.IsNil() || !shares.IsPositive() {
		return sdkmath.Int{}, ErrZeroShares
	}

	assets := p.PreviewMint(shares)
	if assets.IsZero() {
		return sdkmath.Int{}, ErrZeroAssets
	}

	p.mint(receiver, shares)
	p.assetBalance = p.assetBalance.Add(assets)
	p.SettleQueue()

	return assets, nil
}

// === Withdraw side ===

// RequestWithdraw burns shares for exactly assets, pays what the idle
// balance covers synchronously and queues the remainder on the owner's
// track. Shares are burned before any payout (ledger state mutates
// before external effects).
func (p *Pool) RequestWithdraw(assets sdkmath.Int, receiver, owner string) (WithdrawResult, error) {
	if assets.IsNil() || !assets.IsPositive() {
		return WithdrawResult{}, ErrZeroAssets
	}
	shares := p.PreviewWithdraw(assets)
	if shares.IsZero() {
		return WithdrawResult{}, ErrZeroShares
	}
	return p.requestExit(assets, shares, receiver, owner)
}

// RequestRedeem burns exactly shares and withdraws their asset value.
func (p *Pool) RequestRedeem(shares sdkmath.Int, receiver, owner string) (WithdrawResult, error) {
	if shares.IsNil() || !shares.IsPositive() {
		return WithdrawResult{}, ErrZeroShares
	}
	assets := p.PreviewRedeem(shares)
	if assets.IsZero() {
		return WithdrawResult{}, ErrZeroAssets
	}
	return p.requestExit(assets, shares, receiver, owner)
}

func (p *Pool) requestExit(assets, shares sdkmath.Int, receiver, owner string) (WithdrawResult, error) {
	if p.SharesOf(owner).LT(shares) {
		return WithdrawResult{}, fmt.Errorf("%w: have %s, need %s", ErrInsufficientShares, p.SharesOf(owner), shares)
	}

	p.burn(owner, shares)

	idle := p.IdleAssets()
	immediate := sdkmath.MinInt(idle, assets)
	queued := assets.Sub(immediate)

	if immediate.IsPositive() {
		p.assetBalance = p.assetBalance.Sub(immediate)
	}

	result := WithdrawResult{
		Key:             ZeroKey,
		SharesBurned:    shares,
		ImmediateAssets: immediate,
		QueuedAssets:    queued,
	}

	if queued.IsPositive() {
		track := TrackNormal
		if p.priority != nil && p.priority.IsPrioritized(owner) {
			track = TrackPrioritized
		}

		snapshot := p.tracks[track].Request(queued)

		nonce := p.nonces[owner]
		p.nonces[owner] = nonce + 1
		key := newRequestKey(p.id, owner, nonce)

		req := &WithdrawRequest{
			Key:             key,
			Track:           track,
			RequestedAssets: queued,
			AccSnapshot:     snapshot,
			Owner:           owner,
			Receiver:        receiver,
			CreatedAt:       p.clock(),
			Last:            p.totalShares.IsZero(),
		}
		p.requests[key] = req
		p.order = append(p.order, key)
		result.Key = key

		p.log.Info().
			Str("key", key.String()).
			Str("owner", owner).
			Str("track", track.String()).
			Str("queued", queued.String()).
			Str("immediate", immediate.String()).
			Bool("last", req.Last).
			Msg("withdrawal queued")
	}

	return result, nil
}

// SettleQueue applies the current idle balance to the backlog,
// prioritized track first. Consumed funds move from idle to the
// reserved-for-claim bucket. Idempotent; callable by anyone; must run
// after every balance-increasing event.
func (p *Pool) SettleQueue() sdkmath.Int {
	idle := p.IdleAssets()
	if !idle.IsPositive() {
		return sdkmath.ZeroInt()
	}

	consumed := p.tracks[TrackPrioritized].Settle(idle)
	consumed = consumed.Add(p.tracks[TrackNormal].Settle(idle.Sub(consumed)))

	if consumed.IsPositive() {
		p.assetsToClaim = p.assetsToClaim.Add(consumed)
		p.log.Debug().Str("consumed", consumed.String()).Msg("queue settled")
	}
	return consumed
}

// IsClaimable reports whether a request can be claimed right now.
func (p *Pool) IsClaimable(key RequestKey) bool {
	req, ok := p.requests[key]
	if !ok || req.Claimed {
		return false
	}
	return p.isSettled(req)
}

func (p *Pool) isSettled(req *WithdrawRequest) bool {
	if p.tracks[req.Track].Processed.GTE(req.AccSnapshot) {
		return true
	}
	// The request that retired the pool's final shares settles once the
	// leveraged exposure is fully unwound, regardless of the counters.
	return req.Last && p.strategy != nil && p.strategy.UtilizedAssets().IsZero()
}

// Claim pays out a settled request to its receiver. For the pool's last
// outstanding request the payout absorbs the track's execution shortfall
// and any surplus idle left after the final unwind; for every other
// request it is exactly the requested amount.
func (p *Pool) Claim(key RequestKey, caller string) (sdkmath.Int, error) {
	req, ok := p.requests[key]
	if !ok {
		return sdkmath.Int{}, ErrUnknownRequest
	}
	if req.Claimed {
		return sdkmath.Int{}, ErrRequestAlreadyClaimed
	}
	if caller != req.Receiver {
		return sdkmath.Int{}, fmt.Errorf("%w: caller %s, receiver %s", ErrUnauthorizedClaimer, caller, req.Receiver)
	}

	track := p.tracks[req.Track]

	var payout sdkmath.Int
	switch {
	case track.Processed.GTE(req.AccSnapshot):
		payout = req.RequestedAssets
		p.assetsToClaim = p.assetsToClaim.Sub(payout)
		p.assetBalance = p.assetBalance.Sub(payout)

	case req.Last && p.strategy != nil && p.strategy.UtilizedAssets().IsZero():
		// Settled portion of this request: progress past the prior
		// requests' cumulative total, capped at what was asked for.
		reserved := track.Processed.Sub(req.AccSnapshot.Sub(req.RequestedAssets))
		if reserved.IsNegative() {
			reserved = sdkmath.ZeroInt()
		}
		reserved = sdkmath.MinInt(reserved, req.RequestedAssets)

		surplus := p.IdleAssets()
		if surplus.IsNegative() {
			surplus = sdkmath.ZeroInt()
		}

		payout = reserved.Add(surplus)
		p.assetsToClaim = p.assetsToClaim.Sub(reserved)
		p.assetBalance = p.assetBalance.Sub(payout)

		// Square the track: the shortfall was absorbed here, nothing
		// remains to settle.
		track.Processed = track.AccRequested

		p.log.Info().
			Str("key", key.String()).
			Str("requested", req.RequestedAssets.String()).
			Str("payout", payout.String()).
			Msg("last claim settled with shortfall/surplus adjustment")

	default:
		return sdkmath.Int{}, ErrRequestNotExecuted
	}

	req.Claimed = true
	req.ClaimedAt = p.clock()

	p.log.Info().
		Str("key", key.String()).
		Str("receiver", req.Receiver).
		Str("payout", payout.String()).
		Msg("claim")

	return payout, nil
}

// === Controller-facing transfers ===

// AddIdle credits liquid assets returned by the controller. The caller
// follows up with SettleQueue.
func (p *Pool) AddIdle(amount sdkmath.Int) {
	if amount.IsPositive() {
		p.assetBalance = p.assetBalance.Add(amount)
	}
}

// RemoveIdle debits liquid assets the controller is deploying.
func (p *Pool) RemoveIdle(amount sdkmath.Int) error {
	if !amount.IsPositive() {
		return ErrZeroAssets
	}
	if p.IdleAssets().LT(amount) {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientIdleBalance, p.IdleAssets(), amount)
	}
	p.assetBalance = p.assetBalance.Sub(amount)
	return nil
}

// CheckInvariants validates the pool's accounting identities. A failure
// is a defect, not a recoverable condition; the engine panics on it.
func (p *Pool) CheckInvariants() error {
	if p.IdleAssets().IsNegative() {
		return fmt.Errorf("idle balance negative: balance=%s toClaim=%s", p.assetBalance, p.assetsToClaim)
	}
	if p.assetsToClaim.IsNegative() {
		return fmt.Errorf("assetsToClaim negative: %s", p.assetsToClaim)
	}
	for _, t := range []Track{TrackNormal, TrackPrioritized} {
		acc := p.tracks[t]
		if acc.Processed.GT(acc.AccRequested) {
			return fmt.Errorf("track %s: processed %s exceeds accRequested %s", t, acc.Processed, acc.AccRequested)
		}
	}
	return nil
}

// === share bookkeeping ===

func (p *Pool) mint(owner string, shares sdkmath.Int) {
	p.shares[owner] = p.SharesOf(owner).Add(shares)
	p.totalShares = p.totalShares.Add(shares)
}

func (p *Pool) burn(owner string, shares sdkmath.Int) {
	p.shares[owner] = p.SharesOf(owner).Sub(shares)
	p.totalShares = p.totalShares.Sub(shares)
}
