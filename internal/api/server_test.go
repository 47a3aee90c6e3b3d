package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/rs/zerolog"

	"BasisVault/internal/api"
	"BasisVault/internal/core"
	"BasisVault/internal/observability"
	"BasisVault/internal/oracle"
	"BasisVault/internal/position"
	"BasisVault/internal/registry"
	"BasisVault/internal/strategy"
	"BasisVault/internal/swap"
)

type acceptAllVenue struct{}

func (acceptAllVenue) SubmitAdjustment(context.Context, position.VenueRequest) error { return nil }

func newTestServer(t *testing.T) (*httptest.Server, *core.Engine) {
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

	engine := core.NewEngine(core.Config{Operators: []string{"ops"}}, reg, o, nil, nil, nil, nil, zerolog.Nop())

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := engine.UpdatePrice("USDC", sdkmath.LegacyNewDec(1), 1, ts); err != nil {
		t.Fatalf("price USDC: %v", err)
	}
	if err := engine.UpdatePrice("ETH", sdkmath.LegacyNewDec(2000), 1, ts); err != nil {
		t.Fatalf("price ETH: %v", err)
	}

	health := observability.NewHealthChecker()
	health.SetReady(true)
	srv := api.NewServer(engine, health, nil, zerolog.Nop())
	return httptest.NewServer(srv.Router()), engine
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestDepositAndPoolView(t *testing.T) {
	ts, _ := newTestServer(t)
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/v1/pools/usdc-eth/deposit", map[string]string{
		"deposit_id": "dep-1",
		"owner":      "alice",
		"assets":     "5000000",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("deposit status = %d", resp.StatusCode)
	}
	var dep map[string]string
	decodeBody(t, resp, &dep)
	if dep["shares"] != "5000000" {
		t.Fatalf("shares = %s, want 5000000", dep["shares"])
	}

	resp, err := http.Get(ts.URL + "/v1/pools/usdc-eth")
	if err != nil {
		t.Fatalf("get pool: %v", err)
	}
	var view map[string]string
	decodeBody(t, resp, &view)
	if view["total_assets"] != "5000000" {
		t.Errorf("total_assets = %s, want 5000000", view["total_assets"])
	}
	if view["idle_assets"] != "5000000" {
		t.Errorf("idle_assets = %s, want 5000000", view["idle_assets"])
	}

	resp, err = http.Get(ts.URL + "/v1/pools/usdc-eth/shares/alice")
	if err != nil {
		t.Fatalf("get shares: %v", err)
	}
	var shares map[string]string
	decodeBody(t, resp, &shares)
	if shares["shares"] != "5000000" {
		t.Errorf("alice shares = %s, want 5000000", shares["shares"])
	}
}

func TestDuplicateDepositConflicts(t *testing.T) {
	ts, _ := newTestServer(t)
	defer ts.Close()

	body := map[string]string{"deposit_id": "dep-1", "owner": "alice", "assets": "1000"}
	resp := postJSON(t, ts.URL+"/v1/pools/usdc-eth/deposit", body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first deposit status = %d", resp.StatusCode)
	}

	resp = postJSON(t, ts.URL+"/v1/pools/usdc-eth/deposit", body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate deposit status = %d, want 409", resp.StatusCode)
	}
}

func TestUnknownPoolIs404(t *testing.T) {
	ts, _ := newTestServer(t)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/pools/no-such-pool")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestUtilizeRequiresOperator(t *testing.T) {
	ts, _ := newTestServer(t)
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/v1/pools/usdc-eth/deposit", map[string]string{
		"deposit_id": "dep-1", "owner": "alice", "assets": "7000000",
	})
	resp.Body.Close()

	resp = postJSON(t, ts.URL+"/v1/pools/usdc-eth/utilize", map[string]string{
		"caller": "mallory",
		"amount": "1000000",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("unauthorized utilize status = %d, want 403", resp.StatusCode)
	}

	resp = postJSON(t, ts.URL+"/v1/pools/usdc-eth/utilize", map[string]string{
		"caller": "ops",
		"amount": "1000000",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("operator utilize status = %d, want 200", resp.StatusCode)
	}
	var adj map[string]interface{}
	decodeBody(t, resp, &adj)
	if adj["dispatched"] != true {
		t.Fatalf("dispatched = %v, want true", adj["dispatched"])
	}
	if id, ok := adj["request_id"].(string); !ok || id == "" {
		t.Fatal("missing request_id")
	}

	resp, err := http.Get(ts.URL + "/v1/pools/usdc-eth/strategy")
	if err != nil {
		t.Fatalf("get strategy: %v", err)
	}
	var view map[string]string
	decodeBody(t, resp, &view)
	if view["status"] != "depositing" {
		t.Errorf("status = %s, want depositing", view["status"])
	}
}

func TestHealthEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)
	defer ts.Close()

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s status = %d, want 200", path, resp.StatusCode)
		}
	}
}
