package core

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/rs/zerolog"

	"BasisVault/internal/event"
	"BasisVault/internal/oracle"
	"BasisVault/internal/pool"
	"BasisVault/internal/position"
	"BasisVault/internal/registry"
	"BasisVault/internal/strategy"
	"BasisVault/internal/swap"
)

type acceptAllVenue struct{}

func (acceptAllVenue) SubmitAdjustment(context.Context, position.VenueRequest) error { return nil }

type engineFixture struct {
	engine  *Engine
	reg     *registry.Registry
	oracle  *oracle.MarkOracle
	persist chan Output
	ts      time.Time
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()

	o := oracle.NewMarkOracle(0)
	swapper := swap.NewQuotedSwapper(o, sdkmath.LegacyZeroDec(), "controller", zerolog.Nop())
	factory := registry.NewFactory(o, swapper, acceptAllVenue{}, zerolog.Nop())
	reg := registry.NewRegistry()

	cfg := strategy.Config{
		Asset:                   "USDC",
		Product:                 "ETH",
		TargetLeverage:          sdkmath.LegacyNewDec(6),
		MinLeverage:             sdkmath.LegacyNewDec(2),
		MaxLeverage:             sdkmath.LegacyNewDec(9),
		EntryFee:                sdkmath.LegacyZeroDec(),
		ExitFee:                 sdkmath.LegacyZeroDec(),
		HedgeDeviationThreshold: sdkmath.LegacyNewDecWithPrec(5, 2),
	}
	inst, err := factory.Spawn(registry.Params{PoolID: "usdc-eth", Market: "ETH-PERP", Config: cfg})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if err := reg.Register(inst); err != nil {
		t.Fatalf("register: %v", err)
	}

	persist := make(chan Output, 128)
	eng := NewEngine(Config{Operators: []string{"ops"}}, reg, o, nil, nil, persist, nil, zerolog.Nop())

	f := &engineFixture{
		engine:  eng,
		reg:     reg,
		oracle:  o,
		persist: persist,
		ts:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.price(t, "USDC", "1", 1)
	f.price(t, "ETH", "2000", 1)
	return f
}

func (f *engineFixture) price(t *testing.T, token, price string, seq int64) {
	t.Helper()
	p, err := sdkmath.LegacyNewDecFromStr(price)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.engine.UpdatePrice(token, p, seq, f.ts); err != nil {
		t.Fatalf("price %s: %v", token, err)
	}
}

func (f *engineFixture) drain() []Output {
	out := make([]Output, 0, len(f.persist))
	for {
		select {
		case o := <-f.persist:
			out = append(out, o)
		default:
			return out
		}
	}
}

func itn(v int64) sdkmath.Int { return sdkmath.NewInt(v) }

func TestEngineDepositUtilizeWithdrawClaim(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	inst, _ := f.reg.ByPool("usdc-eth")

	shares, err := f.engine.Deposit("usdc-eth", "dep-1", "alice", itn(7_000_000), f.ts)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if !shares.Equal(itn(7_000_000)) {
		t.Fatalf("shares = %s, want 7000000", shares)
	}

	id, err := f.engine.Utilize(ctx, "ops", "usdc-eth", itn(10_000_000), swap.KindOracleQuote, nil, f.ts)
	if err != nil {
		t.Fatalf("utilize: %v", err)
	}
	rep := position.ExecutionReport{
		ReportID:           "rep-1",
		RequestID:          id,
		FilledSizeInTokens: itn(3_000),
		CollateralDelta:    itn(1_000_000),
		ExecutionPrice:     sdkmath.LegacyNewDec(2000),
		IsIncrease:         true,
		Success:            true,
		Final:              true,
	}
	if err := f.engine.HandleExecutionReport(ctx, "ETH-PERP", rep, f.ts); err != nil {
		t.Fatalf("report: %v", err)
	}

	// Redelivery of the same report id is dropped without touching state.
	if err := f.engine.HandleExecutionReport(ctx, "ETH-PERP", rep, f.ts); err != nil {
		t.Fatalf("replayed report: %v", err)
	}
	if got := inst.Adapter.PositionSizeInTokens(); !got.Equal(itn(3_000)) {
		t.Fatalf("position size after replay = %s, want 3000", got)
	}
	if inst.Controller.Status() != strategy.StatusIdle {
		t.Fatalf("status = %s, want idle", inst.Controller.Status())
	}
	if got := inst.Pool.TotalAssets(); !got.Equal(itn(7_000_000)) {
		t.Fatalf("total assets = %s, want 7000000", got)
	}

	result, err := f.engine.RequestWithdraw("usdc-eth", "alice", "alice", itn(3_500_000), f.ts)
	if err != nil {
		t.Fatalf("request withdraw: %v", err)
	}
	if !result.QueuedAssets.Equal(itn(3_500_000)) || result.Key.IsZero() {
		t.Fatalf("result = %+v, want fully queued", result)
	}

	id, err = f.engine.Deutilize(ctx, "ops", "usdc-eth", itn(1_000_000_000), swap.KindOracleQuote, nil, f.ts)
	if err != nil {
		t.Fatalf("deutilize: %v", err)
	}
	if err := f.engine.HandleExecutionReport(ctx, "ETH-PERP", position.ExecutionReport{
		ReportID:           "rep-2",
		RequestID:          id,
		FilledSizeInTokens: itn(1_500),
		CollateralDelta:    itn(500_000),
		ExecutionPrice:     sdkmath.LegacyNewDec(2000),
		IsIncrease:         false,
		Success:            true,
		Final:              true,
	}, f.ts); err != nil {
		t.Fatalf("decrease report: %v", err)
	}

	if !inst.Pool.IsClaimable(result.Key) {
		t.Fatal("request should be claimable after deutilize settles")
	}
	payout, err := f.engine.Claim("usdc-eth", result.Key, "alice", f.ts)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !payout.Equal(itn(3_500_000)) {
		t.Fatalf("payout = %s, want 3500000", payout)
	}

	// The persist stream is a contiguous hash chain.
	outputs := f.drain()
	wantTypes := []event.EventType{
		event.EventTypePriceUpdated,
		event.EventTypePriceUpdated,
		event.EventTypeDeposited,
		event.EventTypeAdjustmentDispatched,
		event.EventTypeAdjustmentFinalized,
		event.EventTypeWithdrawRequested,
		event.EventTypeAdjustmentDispatched,
		event.EventTypeAdjustmentFinalized,
		event.EventTypeClaimed,
	}
	if len(outputs) != len(wantTypes) {
		t.Fatalf("got %d envelopes, want %d", len(outputs), len(wantTypes))
	}
	for i, out := range outputs {
		env := out.Envelope
		if env.EventType != wantTypes[i] {
			t.Fatalf("envelope %d type = %s, want %s", i, env.EventType, wantTypes[i])
		}
		if env.Sequence != int64(i) {
			t.Fatalf("envelope %d sequence = %d", i, env.Sequence)
		}
		if i > 0 && env.PrevHash != outputs[i-1].Envelope.StateHash {
			t.Fatalf("envelope %d breaks the hash chain", i)
		}
	}
}

func TestEngineSynchronousExitsGetDistinctEventKeys(t *testing.T) {
	f := newEngineFixture(t)

	if _, err := f.engine.Deposit("usdc-eth", "dep-1", "alice", itn(1_000_000), f.ts); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	f.drain()

	// Two fully-idle withdrawals both come back with the zero request
	// key; their log envelopes must still carry distinct keys or the
	// event table's uniqueness index rejects the second row.
	for i := 0; i < 2; i++ {
		result, err := f.engine.RequestWithdraw("usdc-eth", "alice", "alice", itn(10_000), f.ts)
		if err != nil {
			t.Fatalf("withdraw %d: %v", i, err)
		}
		if !result.Key.IsZero() || !result.ImmediateAssets.Equal(itn(10_000)) {
			t.Fatalf("withdraw %d = %+v, want fully synchronous", i, result)
		}
	}

	outputs := f.drain()
	if len(outputs) != 2 {
		t.Fatalf("got %d envelopes, want 2", len(outputs))
	}
	keys := make(map[string]bool)
	for _, out := range outputs {
		env := out.Envelope
		if env.EventType != event.EventTypeWithdrawRequested {
			t.Fatalf("event type = %s, want WithdrawRequested", env.EventType)
		}
		if env.IdempotencyKey == "" || env.IdempotencyKey == pool.ZeroKey.String() {
			t.Fatalf("idempotency key = %q, want unique per event", env.IdempotencyKey)
		}
		keys[env.IdempotencyKey] = true

		var payload event.WithdrawRequested
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if payload.RequestKey != "" {
			t.Fatalf("request key = %q, want empty when nothing queued", payload.RequestKey)
		}
	}
	if len(keys) != 2 {
		t.Fatalf("idempotency keys collide: %v", keys)
	}
}

func TestEngineQueuedExitKeyedByRequestKey(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	if _, err := f.engine.Deposit("usdc-eth", "dep-1", "alice", itn(7_000_000), f.ts); err != nil {
		t.Fatal(err)
	}
	id, err := f.engine.Utilize(ctx, "ops", "usdc-eth", itn(10_000_000), swap.KindOracleQuote, nil, f.ts)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.engine.HandleExecutionReport(ctx, "ETH-PERP", position.ExecutionReport{
		ReportID:           "rep-1",
		RequestID:          id,
		FilledSizeInTokens: itn(3_000),
		CollateralDelta:    itn(1_000_000),
		ExecutionPrice:     sdkmath.LegacyNewDec(2000),
		IsIncrease:         true,
		Success:            true,
		Final:              true,
	}, f.ts); err != nil {
		t.Fatal(err)
	}
	f.drain()

	result, err := f.engine.RequestWithdraw("usdc-eth", "alice", "alice", itn(3_500_000), f.ts)
	if err != nil {
		t.Fatalf("request withdraw: %v", err)
	}
	if result.Key.IsZero() {
		t.Fatalf("result = %+v, want queued", result)
	}

	outputs := f.drain()
	if len(outputs) != 1 {
		t.Fatalf("got %d envelopes, want 1", len(outputs))
	}
	env := outputs[0].Envelope
	if env.IdempotencyKey != result.Key.String() {
		t.Fatalf("idempotency key = %q, want request key %q", env.IdempotencyKey, result.Key.String())
	}
	var payload event.WithdrawRequested
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.RequestKey != result.Key.String() {
		t.Fatalf("payload request key = %q, want %q", payload.RequestKey, result.Key.String())
	}
}

func TestEngineRejectsDuplicatesAndUnauthorized(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	if _, err := f.engine.Deposit("usdc-eth", "dep-1", "alice", itn(1_000), f.ts); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := f.engine.Deposit("usdc-eth", "dep-1", "alice", itn(1_000), f.ts); !errors.Is(err, ErrDuplicateCommand) {
		t.Fatalf("replayed deposit: got %v, want ErrDuplicateCommand", err)
	}

	if _, err := f.engine.Utilize(ctx, "mallory", "usdc-eth", itn(100), swap.KindOracleQuote, nil, f.ts); !errors.Is(err, ErrCallerNotOperator) {
		t.Fatalf("unauthorized utilize: got %v, want ErrCallerNotOperator", err)
	}
	if _, err := f.engine.Deposit("missing", "dep-2", "alice", itn(1_000), f.ts); err == nil {
		t.Fatal("deposit into unknown pool should fail")
	}

	inst, _ := f.reg.ByPool("usdc-eth")
	if got := inst.Pool.TotalShares(); !got.Equal(itn(1_000)) {
		t.Fatalf("total shares = %s, want 1000 (single deposit)", got)
	}
}

func TestEngineDropsStalePriceTicks(t *testing.T) {
	f := newEngineFixture(t)
	f.drain()

	// Sequence 1 was already applied in the fixture; a replay and an
	// older tick both disappear without an envelope.
	f.price(t, "ETH", "1500", 1)
	if len(f.drain()) != 0 {
		t.Fatal("stale tick produced an envelope")
	}
	p, _ := f.oracle.Price("ETH")
	if !p.Equal(sdkmath.LegacyNewDec(2000)) {
		t.Fatalf("price = %s, want 2000 (stale tick ignored)", p)
	}

	// A gap is tolerated: seq jumps 1 -> 5.
	f.price(t, "ETH", "2100", 5)
	p, _ = f.oracle.Price("ETH")
	if !p.Equal(sdkmath.LegacyNewDec(2100)) {
		t.Fatalf("price = %s, want 2100 after gap", p)
	}
	if len(f.drain()) != 1 {
		t.Fatal("accepted tick should produce one envelope")
	}
}

func TestEngineSnapshotRoundTrip(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	if _, err := f.engine.Deposit("usdc-eth", "dep-1", "alice", itn(7_000_000), f.ts); err != nil {
		t.Fatal(err)
	}
	id, err := f.engine.Utilize(ctx, "ops", "usdc-eth", itn(10_000_000), swap.KindOracleQuote, nil, f.ts)
	if err != nil {
		t.Fatal(err)
	}

	// In flight: provisional state must not be snapshotted.
	if _, err := f.engine.CreateSnapshotState(); !errors.Is(err, ErrSnapshotInFlight) {
		t.Fatalf("in-flight snapshot: got %v, want ErrSnapshotInFlight", err)
	}

	if err := f.engine.HandleExecutionReport(ctx, "ETH-PERP", position.ExecutionReport{
		ReportID:           "rep-1",
		RequestID:          id,
		FilledSizeInTokens: itn(3_000),
		CollateralDelta:    itn(1_000_000),
		ExecutionPrice:     sdkmath.LegacyNewDec(2000),
		IsIncrease:         true,
		Success:            true,
		Final:              true,
	}, f.ts); err != nil {
		t.Fatal(err)
	}

	snap, err := f.engine.CreateSnapshotState()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	// A cold engine restored from the snapshot continues the same chain.
	g := newEngineFixture(t)
	if err := g.engine.RestoreFromSnapshot(snap); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if g.engine.GetSequence() != f.engine.GetSequence() {
		t.Fatalf("sequence = %d, want %d", g.engine.GetSequence(), f.engine.GetSequence())
	}
	if g.engine.GetStateHash() != f.engine.GetStateHash() {
		t.Fatal("state hash differs after restore")
	}

	src, _ := f.reg.ByPool("usdc-eth")
	dst, _ := g.reg.ByPool("usdc-eth")
	if !dst.Pool.TotalAssets().Equal(src.Pool.TotalAssets()) {
		t.Fatalf("total assets = %s, want %s", dst.Pool.TotalAssets(), src.Pool.TotalAssets())
	}
	if !dst.Adapter.PositionSizeInTokens().Equal(itn(3_000)) {
		t.Fatalf("restored position size = %s", dst.Adapter.PositionSizeInTokens())
	}
	if dst.Controller.Status() != strategy.StatusIdle {
		t.Fatalf("restored status = %s", dst.Controller.Status())
	}

	// The warmed dedup index still rejects the replayed deposit.
	if _, err := g.engine.Deposit("usdc-eth", "dep-1", "alice", itn(7_000_000), f.ts); !errors.Is(err, ErrDuplicateCommand) {
		t.Fatalf("replayed deposit after restore: got %v, want ErrDuplicateCommand", err)
	}
}
