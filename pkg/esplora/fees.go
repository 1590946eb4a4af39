package esplora

import (
	"context"
	"log"
)

// FeeRates are recommended sat/vB rates.
type FeeRates struct {
	High    float64
	Medium  float64
	Low     float64
	Economy float64
}

type recommendedFees struct {
	FastestFee  float64 `json:"fastestFee"`
	HalfHourFee float64 `json:"halfHourFee"`
	HourFee     float64 `json:"hourFee"`
	EconomyFee  float64 `json:"economyFee"`
	MinimumFee  float64 `json:"minimumFee"`
}

// GetFeeRates reads the mempool.space recommendation and falls back to the explorer's
// own /fee-estimates table.
func (c *Client) GetFeeRates(ctx context.Context) (FeeRates, error) {
	if c.feeHTTP != nil {
		var rec recommendedFees
		_, err := c.get(ctx, c.feeHTTP, "fee_recommended", "/v1/fees/recommended", &rec)
		if err == nil && rec.HalfHourFee > 0 {
			economy := rec.EconomyFee
			if economy <= 0 {
				economy = rec.MinimumFee
			}
			return normalize(FeeRates{High: rec.FastestFee, Medium: rec.HalfHourFee, Low: rec.HourFee, Economy: economy}), nil
		}
		log.Printf("level=warn component=esplora_client op=fee_recommended msg=\"fee feed unavailable; trying explorer estimates\" err=%v", err)
	}

	estimates := map[string]float64{}
	if _, err := c.get(ctx, c.http, "fee_estimates", "/fee-estimates", &estimates); err != nil {
		return FeeRates{}, err
	}
	return normalize(FeeRates{
		High:    estimates["1"],
		Medium:  estimates["3"],
		Low:     estimates["6"],
		Economy: estimates["144"],
	}), nil
}

// normalize fills missing tiers so every rate is at least 1 sat/vB and tiers stay ordered.
func normalize(r FeeRates) FeeRates {
	if r.Economy < 1 {
		r.Economy = 1
	}
	if r.Low < r.Economy {
		r.Low = r.Economy
	}
	if r.Medium < r.Low {
		r.Medium = r.Low
	}
	if r.High < r.Medium {
		r.High = r.Medium
	}
	return r
}
