package domain

import "strings"

// FeePriority selects which fee-rate tier a chain pays.
type FeePriority string

const (
	PriorityHigh    FeePriority = "high"
	PriorityMedium  FeePriority = "medium"
	PriorityLow     FeePriority = "low"
	PriorityEconomy FeePriority = "economy"
)

// ParseFeePriority validates a priority, defaulting empty input to medium.
func ParseFeePriority(raw string) (FeePriority, error) {
	switch p := FeePriority(strings.ToLower(strings.TrimSpace(raw))); p {
	case "":
		return PriorityMedium, nil
	case PriorityHigh, PriorityMedium, PriorityLow, PriorityEconomy:
		return p, nil
	}
	return "", &ValidationError{Field: "fee_priority", Reason: "must be one of high, medium, low, economy"}
}

// FeeRates are sat/vB rates per priority tier.
type FeeRates struct {
	High    float64 `json:"high"`
	Medium  float64 `json:"medium"`
	Low     float64 `json:"low"`
	Economy float64 `json:"economy"`
}

// For returns the rate for a priority; unknown priorities pay the medium rate.
func (r FeeRates) For(p FeePriority) float64 {
	switch p {
	case PriorityHigh:
		return r.High
	case PriorityLow:
		return r.Low
	case PriorityEconomy:
		return r.Economy
	}
	return r.Medium
}
