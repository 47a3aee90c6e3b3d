package core

import (
	"time"

	sdkmath "cosmossdk.io/math"

	"BasisVault/internal/pool"
)

// PoolView is a consistent read of one pool's share accounting, taken
// under the engine mutex.
type PoolView struct {
	PoolID        string
	Asset         string
	TotalAssets   sdkmath.Int
	IdleAssets    sdkmath.Int
	AssetsToClaim sdkmath.Int
	TotalShares   sdkmath.Int
	TotalBacklog  sdkmath.Int
}

// ControllerView is a consistent read of one vault's strategy state.
type ControllerView struct {
	PoolID               string
	Market               string
	Status               string
	Leverage             sdkmath.LegacyDec
	ProductBalance       sdkmath.Int
	PositionSize         sdkmath.Int
	Collateral           sdkmath.Int
	AssetsToWithdraw     sdkmath.Int
	PendingUtilization   sdkmath.Int
	PendingDeutilization sdkmath.Int
	FeesAccrued          sdkmath.Int
}

// RequestView is the queryable form of one withdrawal request.
type RequestView struct {
	Key             string
	Track           string
	Owner           string
	Receiver        string
	RequestedAssets sdkmath.Int
	CreatedAt       time.Time
	Claimed         bool
	Claimable       bool
}

// PoolView returns the pool's share accounting state.
func (e *Engine) PoolView(poolID string) (PoolView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	inst, err := e.registry.ByPool(poolID)
	if err != nil {
		return PoolView{}, err
	}

	return PoolView{
		PoolID:        inst.Pool.ID(),
		Asset:         inst.Pool.Asset(),
		TotalAssets:   inst.Pool.TotalAssets(),
		IdleAssets:    inst.Pool.IdleAssets(),
		AssetsToClaim: inst.Pool.AssetsToClaim(),
		TotalShares:   inst.Pool.TotalShares(),
		TotalBacklog:  inst.Pool.TotalBacklog(),
	}, nil
}

// ControllerView returns the vault's strategy and position state.
func (e *Engine) ControllerView(poolID string) (ControllerView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	inst, err := e.registry.ByPool(poolID)
	if err != nil {
		return ControllerView{}, err
	}

	return ControllerView{
		PoolID:               inst.Pool.ID(),
		Market:               inst.Adapter.Market(),
		Status:               inst.Controller.Status().String(),
		Leverage:             inst.Adapter.CurrentLeverage(),
		ProductBalance:       inst.Controller.ProductBalance(),
		PositionSize:         inst.Adapter.PositionSizeInTokens(),
		Collateral:           inst.Adapter.Collateral(),
		AssetsToWithdraw:     inst.Controller.AssetsToWithdraw(),
		PendingUtilization:   inst.Controller.PendingUtilization(),
		PendingDeutilization: inst.Controller.PendingDeutilization(),
		FeesAccrued:          inst.Controller.FeesAccrued(),
	}, nil
}

// SharesOf returns an owner's share balance.
func (e *Engine) SharesOf(poolID, owner string) (sdkmath.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	inst, err := e.registry.ByPool(poolID)
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	return inst.Pool.SharesOf(owner), nil
}

// PreviewDeposit returns the shares a deposit would mint right now.
func (e *Engine) PreviewDeposit(poolID string, assets sdkmath.Int) (sdkmath.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	inst, err := e.registry.ByPool(poolID)
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	return inst.Pool.PreviewDeposit(assets), nil
}

// PreviewRedeem returns the assets a redemption would target right now.
func (e *Engine) PreviewRedeem(poolID string, shares sdkmath.Int) (sdkmath.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	inst, err := e.registry.ByPool(poolID)
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	return inst.Pool.PreviewRedeem(shares), nil
}

// RequestView returns one withdrawal request with its live claimability.
func (e *Engine) RequestView(poolID string, key pool.RequestKey) (RequestView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	inst, err := e.registry.ByPool(poolID)
	if err != nil {
		return RequestView{}, err
	}

	req, ok := inst.Pool.Request(key)
	if !ok {
		return RequestView{}, pool.ErrUnknownRequest
	}

	return requestView(inst.Pool, req), nil
}

// RequestViews returns every withdrawal request of a pool in creation
// order.
func (e *Engine) RequestViews(poolID string) ([]RequestView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	inst, err := e.registry.ByPool(poolID)
	if err != nil {
		return nil, err
	}

	reqs := inst.Pool.Requests()
	views := make([]RequestView, 0, len(reqs))
	for _, req := range reqs {
		views = append(views, requestView(inst.Pool, req))
	}
	return views, nil
}

// PoolIDs lists the registered pools.
func (e *Engine) PoolIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.registry.PoolIDs()
}

func requestView(p *pool.Pool, req pool.WithdrawRequest) RequestView {
	return RequestView{
		Key:             req.Key.String(),
		Track:           req.Track.String(),
		Owner:           req.Owner,
		Receiver:        req.Receiver,
		RequestedAssets: req.RequestedAssets,
		CreatedAt:       req.CreatedAt,
		Claimed:         req.Claimed,
		Claimable:       p.IsClaimable(req.Key),
	}
}
