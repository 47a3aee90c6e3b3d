package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"BasisVault/internal/event"
	"BasisVault/internal/observability"
	"BasisVault/internal/oracle"
	"BasisVault/internal/pool"
	"BasisVault/internal/position"
	"BasisVault/internal/registry"
	"BasisVault/internal/strategy"
	"BasisVault/internal/swap"
)

var (
	ErrCallerNotOperator = errors.New("caller is not an operator")
	ErrDuplicateCommand  = errors.New("duplicate command")
	ErrSnapshotInFlight  = errors.New("cannot snapshot while an adjustment is in flight")
)

// Output is one committed event handed to the persistence and projection
// workers.
type Output struct {
	Envelope *event.Envelope
}

// Config carries the engine's startup parameters.
type Config struct {
	StartSequence int64
	DedupCapacity int
	// Operators may invoke strategy commands: utilize, deutilize,
	// upkeep and fee collection.
	Operators []string
}

// Engine serializes every state-changing command across all vaults
// behind one mutex, assigns each committed command a global sequence,
// extends the state hash chain and emits an envelope per command. The
// persist channel send blocks (no event is ever lost); the projection
// channel send drops when full.
type Engine struct {
	mu sync.Mutex

	sequence int64
	hasher   *StateHasher
	registry *registry.Registry
	oracle   *oracle.MarkOracle
	dedup    *Deduper
	prices   *PriceSequenceTracker

	operators map[string]struct{}
	metrics   *observability.Metrics

	persistChan    chan<- Output
	projectionChan chan<- Output

	log zerolog.Logger
}

func NewEngine(
	cfg Config,
	reg *registry.Registry,
	o *oracle.MarkOracle,
	db DBDedupChecker,
	metrics *observability.Metrics,
	persistChan, projectionChan chan<- Output,
	log zerolog.Logger,
) *Engine {
	if cfg.DedupCapacity <= 0 {
		cfg.DedupCapacity = 1_000_000
	}
	operators := make(map[string]struct{}, len(cfg.Operators))
	for _, op := range cfg.Operators {
		operators[op] = struct{}{}
	}
	return &Engine{
		sequence:       cfg.StartSequence,
		hasher:         NewStateHasher(),
		registry:       reg,
		oracle:         o,
		dedup:          NewDeduper(cfg.DedupCapacity, db, metrics),
		prices:         NewPriceSequenceTracker(metrics),
		operators:      operators,
		metrics:        metrics,
		persistChan:    persistChan,
		projectionChan: projectionChan,
		log:            log.With().Str("component", "engine").Logger(),
	}
}

func (e *Engine) requireOperator(caller string) error {
	if _, ok := e.operators[caller]; !ok {
		return fmt.Errorf("%w: %s", ErrCallerNotOperator, caller)
	}
	return nil
}

// commit assigns the next sequence, hashes the post-command state and
// emits the envelope. Called with the engine lock held, after the
// command mutated state successfully.
func (e *Engine) commit(evt event.Event, ts time.Time) {
	payload, err := json.Marshal(evt)
	if err != nil {
		panic(fmt.Sprintf("FATAL: marshal %s event: %v", evt.EventType(), err))
	}

	seq := e.sequence
	prevHash := e.hasher.GetPrevHash()
	stateHash := e.hasher.ComputeHash(seq, stateDigest(e.registry.All()))
	e.sequence++

	out := Output{Envelope: &event.Envelope{
		Sequence:       seq,
		IdempotencyKey: evt.IdempotencyKey(),
		EventType:      evt.EventType(),
		PoolID:         evt.PoolID(),
		Timestamp:      ts,
		SourceSequence: evt.SourceSequence(),
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}}

	if e.persistChan != nil {
		select {
		case e.persistChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.PersistBackpressure.Inc()
			}
			e.persistChan <- out
		}
	}
	if e.projectionChan != nil {
		select {
		case e.projectionChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.ProjectionDrops.Inc()
			}
		}
	}

	e.dedup.MarkProcessed(evt.EventType().String(), evt.IdempotencyKey())

	if e.metrics != nil {
		e.metrics.CommandsApplied.WithLabelValues(evt.EventType().String()).Inc()
		e.metrics.EngineSequence.Set(float64(e.sequence))
	}
}

// checkInvariants runs after every command. A violated pool identity is
// a defect that must halt the process before the bad state persists.
func (e *Engine) checkInvariants(inst *registry.Instance) {
	if err := inst.Pool.CheckInvariants(); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated in pool %s: %v", inst.Pool.ID(), err))
	}
}

func (e *Engine) updateGauges(inst *registry.Instance) {
	if e.metrics == nil {
		return
	}
	id := inst.Pool.ID()
	e.metrics.PoolIdleAssets.WithLabelValues(id).Set(intGauge(inst.Pool.IdleAssets()))
	e.metrics.PoolTotalShares.WithLabelValues(id).Set(intGauge(inst.Pool.TotalShares()))
	e.metrics.PoolBacklog.WithLabelValues(id).Set(intGauge(inst.Pool.TotalBacklog()))
	e.metrics.PoolClaimable.WithLabelValues(id).Set(intGauge(inst.Pool.AssetsToClaim()))
	e.metrics.StrategyStatus.WithLabelValues(id).Set(float64(inst.Controller.Status()))
	e.metrics.StrategyProductBal.WithLabelValues(id).Set(intGauge(inst.Controller.ProductBalance()))
	lev, _ := inst.Adapter.CurrentLeverage().Float64()
	e.metrics.StrategyLeverage.WithLabelValues(id).Set(lev)
}

func intGauge(v sdkmath.Int) float64 {
	f, _ := sdkmath.LegacyNewDecFromInt(v).Float64()
	return f
}

func (e *Engine) reject(command, reason string) {
	if e.metrics != nil {
		e.metrics.CommandsRejected.WithLabelValues(command, reason).Inc()
	}
}

func (e *Engine) observe(command string, start time.Time) {
	if e.metrics != nil {
		e.metrics.CommandDuration.WithLabelValues(command).Observe(time.Since(start).Seconds())
	}
}

// === Pool commands ===

// Deposit mints shares for assets. depositID is the caller's idempotency
// key; a replay returns ErrDuplicateCommand without touching state.
func (e *Engine) Deposit(poolID, depositID, owner string, assets sdkmath.Int, ts time.Time) (sdkmath.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.observe("deposit", time.Now())

	if e.dedup.IsDuplicate(event.EventTypeDeposited.String(), depositID) {
		e.reject("deposit", "duplicate")
		return sdkmath.Int{}, fmt.Errorf("%w: deposit %s", ErrDuplicateCommand, depositID)
	}

	inst, err := e.registry.ByPool(poolID)
	if err != nil {
		e.reject("deposit", "unknown_pool")
		return sdkmath.Int{}, err
	}

	shares, err := inst.Pool.Deposit(assets, owner)
	if err != nil {
		e.reject("deposit", "validation")
		return sdkmath.Int{}, err
	}
	e.checkInvariants(inst)

	e.commit(&event.Deposited{
		DepositID: depositID,
		Pool:      poolID,
		Owner:     owner,
		Assets:    assets.String(),
		Shares:    shares.String(),
		Timestamp: ts,
	}, ts)
	e.updateGauges(inst)

	return shares, nil
}

// Mint deposits exactly enough assets to mint the requested shares.
func (e *Engine) Mint(poolID, mintID, owner string, shares sdkmath.Int, ts time.Time) (sdkmath.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.observe("mint", time.Now())

	if e.dedup.IsDuplicate(event.EventTypeSharesMinted.String(), mintID) {
		e.reject("mint", "duplicate")
		return sdkmath.Int{}, fmt.Errorf("%w: mint %s", ErrDuplicateCommand, mintID)
	}

	inst, err := e.registry.ByPool(poolID)
	if err != nil {
		e.reject("mint", "unknown_pool")
		return sdkmath.Int{}, err
	}

	assets, err := inst.Pool.Mint(shares, owner)
	if err != nil {
		e.reject("mint", "validation")
		return sdkmath.Int{}, err
	}
	e.checkInvariants(inst)

	e.commit(&event.SharesMinted{
		MintID:    mintID,
		Pool:      poolID,
		Owner:     owner,
		Shares:    shares.String(),
		Assets:    assets.String(),
		Timestamp: ts,
	}, ts)
	e.updateGauges(inst)

	return assets, nil
}

// RequestWithdraw burns shares for exactly assets; the synchronous part
// pays immediately and the remainder queues on the owner's track.
func (e *Engine) RequestWithdraw(poolID, owner, receiver string, assets sdkmath.Int, ts time.Time) (pool.WithdrawResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.observe("request_withdraw", time.Now())

	inst, err := e.registry.ByPool(poolID)
	if err != nil {
		e.reject("request_withdraw", "unknown_pool")
		return pool.WithdrawResult{}, err
	}

	result, err := inst.Pool.RequestWithdraw(assets, receiver, owner)
	if err != nil {
		e.reject("request_withdraw", "validation")
		return pool.WithdrawResult{}, err
	}

	e.finishExit(inst, poolID, owner, receiver, result, ts)
	return result, nil
}

// RequestRedeem burns exactly shares and withdraws their asset value.
func (e *Engine) RequestRedeem(poolID, owner, receiver string, shares sdkmath.Int, ts time.Time) (pool.WithdrawResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.observe("request_redeem", time.Now())

	inst, err := e.registry.ByPool(poolID)
	if err != nil {
		e.reject("request_redeem", "unknown_pool")
		return pool.WithdrawResult{}, err
	}

	result, err := inst.Pool.RequestRedeem(shares, receiver, owner)
	if err != nil {
		e.reject("request_redeem", "validation")
		return pool.WithdrawResult{}, err
	}

	e.finishExit(inst, poolID, owner, receiver, result, ts)
	return result, nil
}

func (e *Engine) finishExit(inst *registry.Instance, poolID, owner, receiver string, result pool.WithdrawResult, ts time.Time) {
	e.checkInvariants(inst)

	// Fully synchronous exits share the zero request key, so the event
	// gets a fresh id to keep the log's (event_type, idempotency_key)
	// uniqueness intact. Queued exits reuse the request key.
	withdrawID := uuid.NewString()
	requestKey := ""
	track := ""
	if !result.Key.IsZero() {
		requestKey = result.Key.String()
		withdrawID = requestKey
		if req, ok := inst.Pool.Request(result.Key); ok {
			track = req.Track.String()
			if e.metrics != nil {
				e.metrics.WithdrawRequests.WithLabelValues(poolID, track).Inc()
			}
		}
	}

	e.commit(&event.WithdrawRequested{
		WithdrawID:      withdrawID,
		RequestKey:      requestKey,
		Pool:            poolID,
		Owner:           owner,
		Receiver:        receiver,
		Track:           track,
		SharesBurned:    result.SharesBurned.String(),
		ImmediateAssets: result.ImmediateAssets.String(),
		QueuedAssets:    result.QueuedAssets.String(),
		Timestamp:       ts,
	}, ts)
	e.updateGauges(inst)
}

// Claim pays out a settled withdrawal request to its receiver.
func (e *Engine) Claim(poolID string, key pool.RequestKey, caller string, ts time.Time) (sdkmath.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.observe("claim", time.Now())

	inst, err := e.registry.ByPool(poolID)
	if err != nil {
		e.reject("claim", "unknown_pool")
		return sdkmath.Int{}, err
	}

	payout, err := inst.Pool.Claim(key, caller)
	if err != nil {
		e.reject("claim", "validation")
		return sdkmath.Int{}, err
	}
	e.checkInvariants(inst)

	e.commit(&event.Claimed{
		RequestKey: key.String(),
		Pool:       poolID,
		Caller:     caller,
		Payout:     payout.String(),
		Timestamp:  ts,
	}, ts)
	e.updateGauges(inst)

	if e.metrics != nil {
		e.metrics.ClaimsPaid.WithLabelValues(poolID).Inc()
	}
	return payout, nil
}

// SettleQueue applies idle funds to the withdrawal backlog. Anyone may
// call it; it only commits an event when funds actually moved.
func (e *Engine) SettleQueue(poolID, settleID string, ts time.Time) (sdkmath.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.observe("settle_queue", time.Now())

	if e.dedup.IsDuplicate(event.EventTypeQueueSettled.String(), settleID) {
		e.reject("settle_queue", "duplicate")
		return sdkmath.Int{}, fmt.Errorf("%w: settle %s", ErrDuplicateCommand, settleID)
	}

	inst, err := e.registry.ByPool(poolID)
	if err != nil {
		e.reject("settle_queue", "unknown_pool")
		return sdkmath.Int{}, err
	}

	consumed := inst.Pool.SettleQueue()
	e.checkInvariants(inst)

	if consumed.IsPositive() {
		e.commit(&event.QueueSettled{
			SettleID:  settleID,
			Pool:      poolID,
			Consumed:  consumed.String(),
			Timestamp: ts,
		}, ts)
		e.updateGauges(inst)
		if e.metrics != nil {
			e.metrics.SettlementsRun.WithLabelValues(poolID).Inc()
		}
	}
	return consumed, nil
}

// === Strategy commands (operator gated) ===

// Utilize deploys idle capital into the leveraged basis position.
func (e *Engine) Utilize(ctx context.Context, caller, poolID string, amount sdkmath.Int, kind swap.Kind, routeData []byte, ts time.Time) (uuid.UUID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.observe("utilize", time.Now())

	if err := e.requireOperator(caller); err != nil {
		e.reject("utilize", "unauthorized")
		return uuid.Nil, err
	}
	inst, err := e.registry.ByPool(poolID)
	if err != nil {
		e.reject("utilize", "unknown_pool")
		return uuid.Nil, err
	}

	id, err := inst.Controller.Utilize(ctx, amount, kind, routeData)
	if err != nil {
		e.rejectStrategy("utilize", poolID, err)
		return uuid.Nil, err
	}

	e.commitDispatch(inst, poolID, id, ts)
	return id, nil
}

// Deutilize unwinds the position to cover the withdrawal backlog, or
// runs the forced deleverage when one is pending.
func (e *Engine) Deutilize(ctx context.Context, caller, poolID string, amount sdkmath.Int, kind swap.Kind, routeData []byte, ts time.Time) (uuid.UUID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.observe("deutilize", time.Now())

	if err := e.requireOperator(caller); err != nil {
		e.reject("deutilize", "unauthorized")
		return uuid.Nil, err
	}
	inst, err := e.registry.ByPool(poolID)
	if err != nil {
		e.reject("deutilize", "unknown_pool")
		return uuid.Nil, err
	}

	id, err := inst.Controller.Deutilize(ctx, amount, kind, routeData)
	if err != nil {
		e.rejectStrategy("deutilize", poolID, err)
		return uuid.Nil, err
	}

	e.commitDispatch(inst, poolID, id, ts)
	return id, nil
}

// PerformUpkeep runs one maintenance action for the pool if any is due.
func (e *Engine) PerformUpkeep(ctx context.Context, caller, poolID string, ts time.Time) (uuid.UUID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.observe("upkeep", time.Now())

	if err := e.requireOperator(caller); err != nil {
		e.reject("upkeep", "unauthorized")
		return uuid.Nil, err
	}
	inst, err := e.registry.ByPool(poolID)
	if err != nil {
		e.reject("upkeep", "unknown_pool")
		return uuid.Nil, err
	}

	id, err := inst.Controller.PerformUpkeep(ctx)
	if err != nil {
		outcome := "error"
		if errors.Is(err, strategy.ErrNoUpkeepNeeded) {
			outcome = "noop"
		}
		if e.metrics != nil {
			e.metrics.UpkeepRuns.WithLabelValues(poolID, outcome).Inc()
		}
		return uuid.Nil, err
	}
	if e.metrics != nil {
		e.metrics.UpkeepRuns.WithLabelValues(poolID, "dispatched").Inc()
	}

	// A nil id with no error means the controller parked itself waiting
	// for a forced deleverage; nothing was dispatched.
	if id == uuid.Nil {
		e.updateGauges(inst)
		return uuid.Nil, nil
	}

	e.commitDispatch(inst, poolID, id, ts)
	return id, nil
}

// CheckUpkeep is the read-only probe for the scheduler.
func (e *Engine) CheckUpkeep(poolID string) (bool, string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	inst, err := e.registry.ByPool(poolID)
	if err != nil {
		return false, "", err
	}
	needed, reason := inst.Controller.CheckUpkeep()
	return needed, reason, nil
}

// CollectFees sweeps accrued entry and exit fees to a receiver.
func (e *Engine) CollectFees(caller, poolID, collectID, receiver string, ts time.Time) (sdkmath.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.observe("collect_fees", time.Now())

	if err := e.requireOperator(caller); err != nil {
		e.reject("collect_fees", "unauthorized")
		return sdkmath.Int{}, err
	}
	if e.dedup.IsDuplicate(event.EventTypeFeesCollected.String(), collectID) {
		e.reject("collect_fees", "duplicate")
		return sdkmath.Int{}, fmt.Errorf("%w: collect %s", ErrDuplicateCommand, collectID)
	}

	inst, err := e.registry.ByPool(poolID)
	if err != nil {
		e.reject("collect_fees", "unknown_pool")
		return sdkmath.Int{}, err
	}

	amount := inst.Controller.CollectFees()
	if !amount.IsPositive() {
		return sdkmath.ZeroInt(), nil
	}

	e.commit(&event.FeesCollected{
		CollectID: collectID,
		Pool:      poolID,
		Receiver:  receiver,
		Amount:    amount.String(),
		Timestamp: ts,
	}, ts)
	e.updateGauges(inst)

	return amount, nil
}

func (e *Engine) rejectStrategy(command, poolID string, err error) {
	reason := "validation"
	if errors.Is(err, strategy.ErrSwapFailed) {
		reason = "swap_failed"
		if e.metrics != nil {
			e.metrics.SwapFailures.WithLabelValues(poolID).Inc()
		}
	}
	e.reject(command, reason)
}

// commitDispatch records the AdjustmentDispatched event for a controller
// dispatch that just moved the status into an in-flight state.
func (e *Engine) commitDispatch(inst *registry.Instance, poolID string, id uuid.UUID, ts time.Time) {
	e.checkInvariants(inst)

	status := inst.Controller.Status()
	kind, isIncrease := dispatchContext(status)

	e.commit(&event.AdjustmentDispatched{
		RequestID:  id.String(),
		Pool:       poolID,
		Kind:       kind,
		IsIncrease: isIncrease,
		Timestamp:  ts,
	}, ts)
	e.updateGauges(inst)

	if e.metrics != nil {
		direction := "decrease"
		if isIncrease {
			direction = "increase"
		}
		e.metrics.AdjustmentsSent.WithLabelValues(poolID, direction).Inc()
	}
}

// dispatchContext maps the post-dispatch status onto the adjustment kind
// recorded in the event log.
func dispatchContext(s strategy.Status) (string, bool) {
	switch s {
	case strategy.StatusDepositing:
		return "utilize", true
	case strategy.StatusWithdrawing:
		return "deutilize", false
	case strategy.StatusRebalancingUp:
		return "add_collateral", true
	case strategy.StatusRebalancingDown:
		return "reduce_exposure", false
	case strategy.StatusKeeping:
		return "hedge", true
	default:
		return "unknown", false
	}
}

// === Ingested events ===

// HandleExecutionReport feeds one venue report into the position
// adapter. Redeliveries of a report with a known id are dropped.
func (e *Engine) HandleExecutionReport(ctx context.Context, market string, rep position.ExecutionReport, ts time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.observe("execution_report", time.Now())

	if rep.ReportID != "" && e.dedup.IsDuplicate("VenueReport", rep.ReportID) {
		e.reject("execution_report", "duplicate")
		return nil
	}

	inst, err := e.registry.ByMarket(market)
	if err != nil {
		e.reject("execution_report", "unknown_market")
		return err
	}

	if err := inst.Adapter.HandleExecutionReport(ctx, rep); err != nil {
		e.reject("execution_report", "validation")
		return err
	}
	if rep.ReportID != "" {
		e.dedup.MarkProcessed("VenueReport", rep.ReportID)
	}

	if e.metrics != nil {
		status := "partial"
		if rep.Final {
			status = "failure"
			if rep.Success {
				status = "success"
			}
		}
		e.metrics.VenueReports.WithLabelValues(market, status).Inc()
	}

	if !rep.Final {
		return nil
	}

	e.checkInvariants(inst)

	poolID := inst.Pool.ID()
	e.commit(&event.AdjustmentFinalized{
		RequestID:       rep.RequestID.String(),
		Pool:            poolID,
		IsIncrease:      rep.IsIncrease,
		IsSuccess:       rep.Success,
		SizeDelta:       rep.FilledSizeInTokens.String(),
		CollateralDelta: rep.CollateralDelta.String(),
		Reason:          rep.Reason,
		Timestamp:       ts,
	}, ts)
	e.updateGauges(inst)

	if e.metrics != nil {
		outcome := "failure"
		if rep.Success {
			outcome = "success"
		}
		e.metrics.AdjustmentsFinal.WithLabelValues(poolID, outcome).Inc()
	}
	return nil
}

// UpdatePrice applies one mark price tick. Stale ticks are dropped
// silently; sequence gaps are tolerated and counted.
func (e *Engine) UpdatePrice(token string, price sdkmath.LegacyDec, sequence int64, ts time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.observe("price_update", time.Now())

	if !e.prices.Observe(token, sequence) {
		e.reject("price_update", "stale")
		return nil
	}

	if err := e.oracle.SetPrice(token, price, sequence, ts); err != nil {
		e.reject("price_update", "validation")
		return err
	}

	e.commit(&event.PriceUpdated{
		Token:         token,
		Price:         price.String(),
		PriceSequence: sequence,
		Timestamp:     ts,
	}, ts)

	if e.metrics != nil {
		e.metrics.PriceUpdates.WithLabelValues(token).Inc()
	}
	return nil
}

// === Startup & snapshots ===

// GetSequence returns the next sequence the engine will assign.
func (e *Engine) GetSequence() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sequence
}

// GetStateHash returns the current hash chain tip.
func (e *Engine) GetStateHash() [32]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasher.GetPrevHash()
}

// InstanceSnapshot bundles one vault's serializable state.
type InstanceSnapshot struct {
	Pool       pool.State     `json:"pool"`
	Controller strategy.State `json:"controller"`
	Position   position.State `json:"position"`
}

// SnapshotState is the engine's complete warm-restart image.
type SnapshotState struct {
	Sequence       int64
	StateHash      [32]byte
	Vaults         map[string]InstanceSnapshot
	PriceSequences map[string]int64
	DedupKeys      []string
}

// CreateSnapshotState captures the current state. Snapshots are only
// taken at rest; an in-flight adjustment has provisional state that
// cannot be restored, so the caller retries later.
func (e *Engine) CreateSnapshotState() (*SnapshotState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	vaults := make(map[string]InstanceSnapshot)
	for _, inst := range e.registry.All() {
		if inst.Controller.Status().InFlight() {
			return nil, fmt.Errorf("%w: pool %s is %s", ErrSnapshotInFlight, inst.Pool.ID(), inst.Controller.Status())
		}
		vaults[inst.Pool.ID()] = InstanceSnapshot{
			Pool:       inst.Pool.Snapshot(),
			Controller: inst.Controller.Snapshot(),
			Position:   inst.Adapter.Snapshot(),
		}
	}

	return &SnapshotState{
		Sequence:       e.sequence - 1,
		StateHash:      e.hasher.GetPrevHash(),
		Vaults:         vaults,
		PriceSequences: e.prices.Partitions(),
		DedupKeys:      e.dedup.Keys(),
	}, nil
}

// RestoreFromSnapshot reinstates engine and vault state. Events logged
// after the snapshot sequence are replayed on top by the caller.
func (e *Engine) RestoreFromSnapshot(snap *SnapshotState) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for poolID, vs := range snap.Vaults {
		inst, err := e.registry.ByPool(poolID)
		if err != nil {
			return fmt.Errorf("restore: %w", err)
		}
		if err := inst.Pool.Restore(vs.Pool); err != nil {
			return err
		}
		if err := inst.Controller.Restore(vs.Controller); err != nil {
			return err
		}
		if err := inst.Adapter.Restore(vs.Position); err != nil {
			return err
		}
	}

	for token, seq := range snap.PriceSequences {
		e.prices.Restore(token, seq)
	}
	e.dedup.Warm(snap.DedupKeys)

	e.sequence = snap.Sequence + 1
	e.hasher.SetPrevHash(snap.StateHash)

	e.log.Info().
		Int64("sequence", e.sequence).
		Int("vaults", len(snap.Vaults)).
		Msg("restored from snapshot")
	return nil
}
