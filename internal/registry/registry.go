package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"BasisVault/internal/oracle"
	"BasisVault/internal/pool"
	"BasisVault/internal/position"
	"BasisVault/internal/strategy"
	"BasisVault/internal/swap"
)

var (
	ErrPoolExists   = errors.New("pool already registered")
	ErrMarketExists = errors.New("market already registered")
	ErrNotFound     = errors.New("instance not found")
)

// Instance is one wired pool/controller/adapter triple. The factory is
// the only place the three are connected; nothing rewires them later.
type Instance struct {
	Pool       *pool.Pool
	Controller *strategy.Controller
	Adapter    *position.VenueAdapter
}

// Params describes one vault to spawn.
type Params struct {
	PoolID   string
	Market   string
	Config   strategy.Config
	Priority pool.PriorityProvider
}

// Factory builds wired instances from shared collaborators: one oracle,
// one swapper and one venue client serve every vault.
type Factory struct {
	oracle  oracle.PriceOracle
	swapper swap.Swapper
	venue   position.VenueClient
	log     zerolog.Logger
}

func NewFactory(o oracle.PriceOracle, s swap.Swapper, venue position.VenueClient, log zerolog.Logger) *Factory {
	return &Factory{oracle: o, swapper: s, venue: venue, log: log}
}

// Spawn builds and cross-wires one instance. The pool reads the
// controller through the strategy view; the adapter calls back into the
// controller on terminal execution reports.
func (f *Factory) Spawn(p Params) (*Instance, error) {
	if p.PoolID == "" || p.Market == "" {
		return nil, fmt.Errorf("pool id and market are required")
	}
	if p.Priority == nil {
		p.Priority = nobodyPrioritized{}
	}

	pl := pool.New(p.PoolID, p.Config.Asset, p.Priority, f.log)
	adapter := position.NewVenueAdapter(p.Market, p.Config.Asset, p.Config.Product, f.oracle, f.venue, f.log)

	ctrl, err := strategy.NewController(p.Config, pl, adapter, f.swapper, f.oracle, f.log)
	if err != nil {
		return nil, fmt.Errorf("spawn %s: %w", p.PoolID, err)
	}

	pl.SetStrategy(ctrl)
	adapter.SetCallback(ctrl)

	return &Instance{Pool: pl, Controller: ctrl, Adapter: adapter}, nil
}

type nobodyPrioritized struct{}

func (nobodyPrioritized) IsPrioritized(string) bool { return false }

// Registry indexes running instances by pool id and by venue market.
type Registry struct {
	mu       sync.RWMutex
	byPool   map[string]*Instance
	byMarket map[string]*Instance
}

func NewRegistry() *Registry {
	return &Registry{
		byPool:   make(map[string]*Instance),
		byMarket: make(map[string]*Instance),
	}
}

func (r *Registry) Register(inst *Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	poolID := inst.Pool.ID()
	market := inst.Adapter.Market()

	if _, ok := r.byPool[poolID]; ok {
		return fmt.Errorf("%w: %s", ErrPoolExists, poolID)
	}
	if _, ok := r.byMarket[market]; ok {
		return fmt.Errorf("%w: %s", ErrMarketExists, market)
	}

	r.byPool[poolID] = inst
	r.byMarket[market] = inst
	return nil
}

func (r *Registry) ByPool(poolID string) (*Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.byPool[poolID]
	if !ok {
		return nil, fmt.Errorf("%w: pool %s", ErrNotFound, poolID)
	}
	return inst, nil
}

func (r *Registry) ByMarket(market string) (*Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.byMarket[market]
	if !ok {
		return nil, fmt.Errorf("%w: market %s", ErrNotFound, market)
	}
	return inst, nil
}

// All returns every instance ordered by pool id. Deterministic order
// matters to callers that fold instance state into a digest.
func (r *Registry) All() []*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.byPool))
	for id := range r.byPool {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]*Instance, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.byPool[id])
	}
	return out
}

func (r *Registry) PoolIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.byPool))
	for id := range r.byPool {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
