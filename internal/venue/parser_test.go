package venue_test

import (
	"encoding/json"
	"testing"

	"BasisVault/internal/venue"
)

func marshal(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestParseExecutionReport(t *testing.T) {
	payload := map[string]interface{}{
		"report_id":             "rep-7",
		"request_id":            "550e8400-e29b-41d4-a716-446655440000",
		"market":                "ETH-PERP",
		"filled_size_in_tokens": "1500",
		"collateral_delta":      "500000",
		"execution_price":       "2000.5",
		"is_increase":           false,
		"success":               true,
		"final":                 true,
		"timestamp_us":          int64(1700000000000000),
	}

	market, rep, ts, err := venue.ParseExecutionReport(marshal(t, payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	if market != "ETH-PERP" {
		t.Errorf("market: got %s, want ETH-PERP", market)
	}
	if rep.ReportID != "rep-7" {
		t.Errorf("report_id: got %s, want rep-7", rep.ReportID)
	}
	if rep.RequestID.String() != "550e8400-e29b-41d4-a716-446655440000" {
		t.Errorf("request_id: got %s", rep.RequestID)
	}
	if rep.FilledSizeInTokens.String() != "1500" {
		t.Errorf("filled size: got %s, want 1500", rep.FilledSizeInTokens)
	}
	if rep.CollateralDelta.String() != "500000" {
		t.Errorf("collateral delta: got %s, want 500000", rep.CollateralDelta)
	}
	if rep.ExecutionPrice.String() != "2000.500000000000000000" {
		t.Errorf("execution price: got %s", rep.ExecutionPrice)
	}
	if rep.IsIncrease {
		t.Error("is_increase: got true, want false")
	}
	if !rep.Success || !rep.Final {
		t.Errorf("success/final: got %v/%v, want true/true", rep.Success, rep.Final)
	}
	if ts.UnixMicro() != 1700000000000000 {
		t.Errorf("timestamp: got %d", ts.UnixMicro())
	}
}

func TestParseExecutionReportFailureNotice(t *testing.T) {
	payload := map[string]interface{}{
		"report_id":             "rep-8",
		"request_id":            "550e8400-e29b-41d4-a716-446655440000",
		"market":                "ETH-PERP",
		"filled_size_in_tokens": "3000",
		"collateral_delta":      "1000000",
		"execution_price":       "0",
		"is_increase":           true,
		"success":               false,
		"final":                 true,
		"reason":                "insufficient venue liquidity",
		"timestamp_us":          int64(1700000000000000),
	}

	_, rep, _, err := venue.ParseExecutionReport(marshal(t, payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	if rep.Success {
		t.Error("success: got true, want false")
	}
	if rep.Reason != "insufficient venue liquidity" {
		t.Errorf("reason: got %q", rep.Reason)
	}
}

func TestParseExecutionReportMissingMarket_Fails(t *testing.T) {
	payload := map[string]interface{}{
		"request_id":            "550e8400-e29b-41d4-a716-446655440000",
		"filled_size_in_tokens": "1",
		"collateral_delta":      "1",
		"execution_price":       "1",
	}
	if _, _, _, err := venue.ParseExecutionReport(marshal(t, payload)); err == nil {
		t.Fatal("expected error for missing market")
	}
}

func TestParseExecutionReportInvalidRequestID_Fails(t *testing.T) {
	payload := map[string]interface{}{
		"request_id":            "not-a-uuid",
		"market":                "ETH-PERP",
		"filled_size_in_tokens": "1",
		"collateral_delta":      "1",
		"execution_price":       "1",
	}
	if _, _, _, err := venue.ParseExecutionReport(marshal(t, payload)); err == nil {
		t.Fatal("expected error for invalid request id")
	}
}

func TestParseExecutionReportInvalidAmount_Fails(t *testing.T) {
	payload := map[string]interface{}{
		"request_id":            "550e8400-e29b-41d4-a716-446655440000",
		"market":                "ETH-PERP",
		"filled_size_in_tokens": "one thousand",
		"collateral_delta":      "1",
		"execution_price":       "1",
	}
	if _, _, _, err := venue.ParseExecutionReport(marshal(t, payload)); err == nil {
		t.Fatal("expected error for invalid amount")
	}
}

func TestParsePriceTick(t *testing.T) {
	payload := map[string]interface{}{
		"token":          "ETH",
		"price":          "2000.25",
		"price_sequence": int64(42),
		"timestamp_us":   int64(1700000000000000),
	}

	tick, err := venue.ParsePriceTick(marshal(t, payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	if tick.Token != "ETH" {
		t.Errorf("token: got %s, want ETH", tick.Token)
	}
	if tick.Price.String() != "2000.250000000000000000" {
		t.Errorf("price: got %s", tick.Price)
	}
	if tick.Sequence != 42 {
		t.Errorf("sequence: got %d, want 42", tick.Sequence)
	}
	if tick.Timestamp.UnixMicro() != 1700000000000000 {
		t.Errorf("timestamp: got %d", tick.Timestamp.UnixMicro())
	}
}

func TestParsePriceTickMissingToken_Fails(t *testing.T) {
	if _, err := venue.ParsePriceTick([]byte(`{"price":"1","price_sequence":1}`)); err == nil {
		t.Fatal("expected error for missing token")
	}
}

func TestParsePriceTickInvalidJSON_Fails(t *testing.T) {
	if _, err := venue.ParsePriceTick([]byte(`{invalid json`)); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}
