package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"BasisVault/internal/core"
	"BasisVault/internal/pool"
	"BasisVault/internal/registry"
	"BasisVault/internal/swap"
)

// --- read endpoints ---

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	hash := s.engine.GetStateHash()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sequence":   s.engine.GetSequence(),
		"state_hash": hex.EncodeToString(hash[:]),
	})
}

func (s *Server) handleListPools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pools": s.engine.PoolIDs(),
	})
}

type poolViewJSON struct {
	PoolID        string `json:"pool_id"`
	Asset         string `json:"asset"`
	TotalAssets   string `json:"total_assets"`
	IdleAssets    string `json:"idle_assets"`
	AssetsToClaim string `json:"assets_to_claim"`
	TotalShares   string `json:"total_shares"`
	TotalBacklog  string `json:"total_backlog"`
}

func (s *Server) handlePoolView(w http.ResponseWriter, r *http.Request) {
	view, err := s.engine.PoolView(chi.URLParam(r, "poolID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, poolViewJSON{
		PoolID:        view.PoolID,
		Asset:         view.Asset,
		TotalAssets:   view.TotalAssets.String(),
		IdleAssets:    view.IdleAssets.String(),
		AssetsToClaim: view.AssetsToClaim.String(),
		TotalShares:   view.TotalShares.String(),
		TotalBacklog:  view.TotalBacklog.String(),
	})
}

type controllerViewJSON struct {
	PoolID               string `json:"pool_id"`
	Market               string `json:"market"`
	Status               string `json:"status"`
	Leverage             string `json:"leverage"`
	ProductBalance       string `json:"product_balance"`
	PositionSize         string `json:"position_size_in_tokens"`
	Collateral           string `json:"collateral"`
	AssetsToWithdraw     string `json:"assets_to_withdraw"`
	PendingUtilization   string `json:"pending_utilization"`
	PendingDeutilization string `json:"pending_deutilization"`
	FeesAccrued          string `json:"fees_accrued"`
}

func (s *Server) handleStrategyView(w http.ResponseWriter, r *http.Request) {
	view, err := s.engine.ControllerView(chi.URLParam(r, "poolID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, controllerViewJSON{
		PoolID:               view.PoolID,
		Market:               view.Market,
		Status:               view.Status,
		Leverage:             view.Leverage.String(),
		ProductBalance:       view.ProductBalance.String(),
		PositionSize:         view.PositionSize.String(),
		Collateral:           view.Collateral.String(),
		AssetsToWithdraw:     view.AssetsToWithdraw.String(),
		PendingUtilization:   view.PendingUtilization.String(),
		PendingDeutilization: view.PendingDeutilization.String(),
		FeesAccrued:          view.FeesAccrued.String(),
	})
}

func (s *Server) handleSharesOf(w http.ResponseWriter, r *http.Request) {
	shares, err := s.engine.SharesOf(chi.URLParam(r, "poolID"), chi.URLParam(r, "owner"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"owner":  chi.URLParam(r, "owner"),
		"shares": shares.String(),
	})
}

func (s *Server) handlePreviewDeposit(w http.ResponseWriter, r *http.Request) {
	assets, err := parseAmount(r.URL.Query().Get("assets"))
	if err != nil {
		writeError(w, err)
		return
	}
	shares, err := s.engine.PreviewDeposit(chi.URLParam(r, "poolID"), assets)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"shares": shares.String()})
}

func (s *Server) handlePreviewRedeem(w http.ResponseWriter, r *http.Request) {
	shares, err := parseAmount(r.URL.Query().Get("shares"))
	if err != nil {
		writeError(w, err)
		return
	}
	assets, err := s.engine.PreviewRedeem(chi.URLParam(r, "poolID"), shares)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"assets": assets.String()})
}

type requestViewJSON struct {
	Key             string    `json:"request_key"`
	Track           string    `json:"track"`
	Owner           string    `json:"owner"`
	Receiver        string    `json:"receiver"`
	RequestedAssets string    `json:"requested_assets"`
	CreatedAt       time.Time `json:"created_at"`
	Claimed         bool      `json:"claimed"`
	Claimable       bool      `json:"claimable"`
}

func requestToJSON(v core.RequestView) requestViewJSON {
	return requestViewJSON{
		Key:             v.Key,
		Track:           v.Track,
		Owner:           v.Owner,
		Receiver:        v.Receiver,
		RequestedAssets: v.RequestedAssets.String(),
		CreatedAt:       v.CreatedAt,
		Claimed:         v.Claimed,
		Claimable:       v.Claimable,
	}
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	views, err := s.engine.RequestViews(chi.URLParam(r, "poolID"))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]requestViewJSON, 0, len(views))
	for _, v := range views {
		out = append(out, requestToJSON(v))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"requests": out})
}

func (s *Server) handleRequestView(w http.ResponseWriter, r *http.Request) {
	key, err := pool.ParseRequestKey(chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, err)
		return
	}
	view, err := s.engine.RequestView(chi.URLParam(r, "poolID"), key)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, requestToJSON(view))
}

func (s *Server) handleCheckUpkeep(w http.ResponseWriter, r *http.Request) {
	needed, reason, err := s.engine.CheckUpkeep(chi.URLParam(r, "poolID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"upkeep_needed": needed,
		"reason":        reason,
	})
}

// --- command endpoints ---

type depositRequest struct {
	DepositID string `json:"deposit_id"`
	Owner     string `json:"owner"`
	Assets    string `json:"assets"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if !decode(w, r, &req) {
		return
	}
	assets, err := parseAmount(req.Assets)
	if err != nil {
		writeError(w, err)
		return
	}
	shares, err := s.engine.Deposit(chi.URLParam(r, "poolID"), req.DepositID, req.Owner, assets, time.Now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"shares": shares.String()})
}

type mintRequest struct {
	MintID string `json:"mint_id"`
	Owner  string `json:"owner"`
	Shares string `json:"shares"`
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	var req mintRequest
	if !decode(w, r, &req) {
		return
	}
	shares, err := parseAmount(req.Shares)
	if err != nil {
		writeError(w, err)
		return
	}
	assets, err := s.engine.Mint(chi.URLParam(r, "poolID"), req.MintID, req.Owner, shares, time.Now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"assets": assets.String()})
}

type exitRequest struct {
	Owner    string `json:"owner"`
	Receiver string `json:"receiver"`
	Assets   string `json:"assets,omitempty"`
	Shares   string `json:"shares,omitempty"`
}

type exitResponse struct {
	RequestKey      string `json:"request_key,omitempty"`
	SharesBurned    string `json:"shares_burned"`
	ImmediateAssets string `json:"immediate_assets"`
	QueuedAssets    string `json:"queued_assets"`
}

func exitToJSON(result pool.WithdrawResult) exitResponse {
	resp := exitResponse{
		SharesBurned:    result.SharesBurned.String(),
		ImmediateAssets: result.ImmediateAssets.String(),
		QueuedAssets:    result.QueuedAssets.String(),
	}
	if !result.Key.IsZero() {
		resp.RequestKey = result.Key.String()
	}
	return resp
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req exitRequest
	if !decode(w, r, &req) {
		return
	}
	assets, err := parseAmount(req.Assets)
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := s.engine.RequestWithdraw(chi.URLParam(r, "poolID"), req.Owner, req.Receiver, assets, time.Now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exitToJSON(result))
}

func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	var req exitRequest
	if !decode(w, r, &req) {
		return
	}
	shares, err := parseAmount(req.Shares)
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := s.engine.RequestRedeem(chi.URLParam(r, "poolID"), req.Owner, req.Receiver, shares, time.Now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exitToJSON(result))
}

type claimRequest struct {
	RequestKey string `json:"request_key"`
	Caller     string `json:"caller"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if !decode(w, r, &req) {
		return
	}
	key, err := pool.ParseRequestKey(req.RequestKey)
	if err != nil {
		writeError(w, err)
		return
	}
	payout, err := s.engine.Claim(chi.URLParam(r, "poolID"), key, req.Caller, time.Now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"payout": payout.String()})
}

type settleRequest struct {
	SettleID string `json:"settle_id"`
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	var req settleRequest
	if !decode(w, r, &req) {
		return
	}
	consumed, err := s.engine.SettleQueue(chi.URLParam(r, "poolID"), req.SettleID, time.Now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"consumed": consumed.String()})
}

// --- operator endpoints ---

type strategyRequest struct {
	Caller    string `json:"caller"`
	Amount    string `json:"amount"`
	SwapKind  string `json:"swap_kind,omitempty"`
	RouteData []byte `json:"route_data,omitempty"`
}

func (s *Server) handleUtilize(w http.ResponseWriter, r *http.Request) {
	s.handleStrategy(w, r, s.engine.Utilize)
}

func (s *Server) handleDeutilize(w http.ResponseWriter, r *http.Request) {
	s.handleStrategy(w, r, s.engine.Deutilize)
}

func (s *Server) handleStrategy(
	w http.ResponseWriter,
	r *http.Request,
	call func(ctx context.Context, caller, poolID string, amount sdkmath.Int, kind swap.Kind, routeData []byte, ts time.Time) (uuid.UUID, error),
) {
	var req strategyRequest
	if !decode(w, r, &req) {
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	kind, err := parseSwapKind(req.SwapKind)
	if err != nil {
		writeError(w, err)
		return
	}

	id, err := call(r.Context(), req.Caller, chi.URLParam(r, "poolID"), amount, kind, req.RouteData, time.Now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, adjustmentResponse(id))
}

type upkeepRequest struct {
	Caller string `json:"caller"`
}

func (s *Server) handlePerformUpkeep(w http.ResponseWriter, r *http.Request) {
	var req upkeepRequest
	if !decode(w, r, &req) {
		return
	}
	id, err := s.engine.PerformUpkeep(r.Context(), req.Caller, chi.URLParam(r, "poolID"), time.Now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, adjustmentResponse(id))
}

type collectFeesRequest struct {
	Caller    string `json:"caller"`
	CollectID string `json:"collect_id"`
	Receiver  string `json:"receiver"`
}

func (s *Server) handleCollectFees(w http.ResponseWriter, r *http.Request) {
	var req collectFeesRequest
	if !decode(w, r, &req) {
		return
	}
	amount, err := s.engine.CollectFees(req.Caller, chi.URLParam(r, "poolID"), req.CollectID, req.Receiver, time.Now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"amount": amount.String()})
}

// adjustmentResponse reports whether an adjustment actually left for
// the venue. A nil id with no error means the controller had nothing
// to dispatch (or parked for forced deleverage).
func adjustmentResponse(id uuid.UUID) map[string]interface{} {
	resp := map[string]interface{}{
		"dispatched": id != uuid.Nil,
	}
	if id != uuid.Nil {
		resp["request_id"] = id.String()
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("decode request: %v", err)})
		return false
	}
	return true
}

func parseAmount(raw string) (sdkmath.Int, error) {
	if raw == "" {
		return sdkmath.Int{}, errors.New("missing amount")
	}
	v, ok := sdkmath.NewIntFromString(raw)
	if !ok {
		return sdkmath.Int{}, fmt.Errorf("invalid amount %q", raw)
	}
	return v, nil
}

func parseSwapKind(raw string) (swap.Kind, error) {
	switch raw {
	case "", "oracle_quote":
		return swap.KindOracleQuote, nil
	case "aggregator":
		return swap.KindAggregator, nil
	default:
		return 0, fmt.Errorf("unknown swap kind %q", raw)
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, pool.ErrUnknownRequest):
		return http.StatusNotFound
	case errors.Is(err, core.ErrCallerNotOperator), errors.Is(err, pool.ErrUnauthorizedClaimer):
		return http.StatusForbidden
	case errors.Is(err, core.ErrDuplicateCommand),
		errors.Is(err, pool.ErrRequestAlreadyClaimed),
		errors.Is(err, pool.ErrRequestNotExecuted),
		errors.Is(err, core.ErrSnapshotInFlight):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}
