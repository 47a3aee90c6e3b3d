package venue

import (
	"encoding/json"
	"fmt"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"

	"BasisVault/internal/position"
)

// Wire formats for messages received over NATS. Field names use
// snake_case to match upstream producers; amounts travel as decimal
// strings so venue and feed precision survive the trip.

type executionReportJSON struct {
	ReportID           string `json:"report_id"`
	RequestID          string `json:"request_id"`
	Market             string `json:"market"`
	FilledSizeInTokens string `json:"filled_size_in_tokens"`
	CollateralDelta    string `json:"collateral_delta"`
	ExecutionPrice     string `json:"execution_price"`
	IsIncrease         bool   `json:"is_increase"`
	Success            bool   `json:"success"`
	Final              bool   `json:"final"`
	Reason             string `json:"reason,omitempty"`
	TimestampUs        int64  `json:"timestamp_us"`
}

// ParseExecutionReport converts a venue report message into the typed
// form the engine consumes.
func ParseExecutionReport(data []byte) (market string, rep position.ExecutionReport, ts time.Time, err error) {
	var j executionReportJSON
	if err = json.Unmarshal(data, &j); err != nil {
		err = fmt.Errorf("parse ExecutionReport: %w", err)
		return
	}

	if j.Market == "" {
		err = fmt.Errorf("parse ExecutionReport: missing market")
		return
	}

	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		err = fmt.Errorf("parse request_id: %w", err)
		return
	}

	filledSize, ok := sdkmath.NewIntFromString(j.FilledSizeInTokens)
	if !ok {
		err = fmt.Errorf("parse filled_size_in_tokens %q", j.FilledSizeInTokens)
		return
	}
	collateralDelta, ok := sdkmath.NewIntFromString(j.CollateralDelta)
	if !ok {
		err = fmt.Errorf("parse collateral_delta %q", j.CollateralDelta)
		return
	}
	executionPrice, perr := sdkmath.LegacyNewDecFromStr(j.ExecutionPrice)
	if perr != nil {
		err = fmt.Errorf("parse execution_price: %w", perr)
		return
	}

	market = j.Market
	ts = time.UnixMicro(j.TimestampUs)
	rep = position.ExecutionReport{
		ReportID:           j.ReportID,
		RequestID:          requestID,
		FilledSizeInTokens: filledSize,
		CollateralDelta:    collateralDelta,
		ExecutionPrice:     executionPrice,
		IsIncrease:         j.IsIncrease,
		Success:            j.Success,
		Final:              j.Final,
		Reason:             j.Reason,
	}
	return
}

type priceTickJSON struct {
	Token         string `json:"token"`
	Price         string `json:"price"`
	PriceSequence int64  `json:"price_sequence"`
	TimestampUs   int64  `json:"timestamp_us"`
}

// PriceTick is a parsed mark price feed message.
type PriceTick struct {
	Token     string
	Price     sdkmath.LegacyDec
	Sequence  int64
	Timestamp time.Time
}

// ParsePriceTick converts a price feed message into its typed form.
func ParsePriceTick(data []byte) (PriceTick, error) {
	var j priceTickJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return PriceTick{}, fmt.Errorf("parse PriceTick: %w", err)
	}

	if j.Token == "" {
		return PriceTick{}, fmt.Errorf("parse PriceTick: missing token")
	}

	price, err := sdkmath.LegacyNewDecFromStr(j.Price)
	if err != nil {
		return PriceTick{}, fmt.Errorf("parse price: %w", err)
	}

	return PriceTick{
		Token:     j.Token,
		Price:     price,
		Sequence:  j.PriceSequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}
