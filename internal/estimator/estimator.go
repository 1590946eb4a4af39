/**
 * @description
 * Pure fee and timing projections for relay chains. Hop delays follow the Fibonacci
 * sequence (1, 1, 2, 3, 5, ...) in blocks; fees assume one single-input P2WPKH
 * send-all transaction per forward.
 */
package estimator

import (
	"math"

	"github.com/fibrelay/relay-service/internal/domain"
)

const AvgBlockMinutes = 10.0

// FeeEstimate is the projected fee cost of a chain.
type FeeEstimate struct {
	FeeRateSatPerVByte float64            `json:"fee_rate_sat_per_vbyte"`
	FeePerTxSats       int64              `json:"fee_per_tx_sats"`
	NumTransactions    int                `json:"num_transactions"`
	TotalFeeSats       int64              `json:"total_fee_sats"`
	Priority           domain.FeePriority `json:"priority"`
}

// TimingEstimate is the projected wall-clock duration of a chain.
type TimingEstimate struct {
	DelaysPerHop     []int   `json:"delays_per_hop"`
	TotalDelayBlocks int     `json:"total_delay_blocks"`
	EstimatedMinutes float64 `json:"estimated_minutes"`
	EstimatedHours   float64 `json:"estimated_hours"`
	EstimatedDays    float64 `json:"estimated_days"`
}

// FibonacciSchedule returns the per-hop delays in blocks.
func FibonacciSchedule(n int) []int {
	if n <= 0 {
		return []int{}
	}
	schedule := make([]int, n)
	for i := range schedule {
		if i < 2 {
			schedule[i] = 1
			continue
		}
		schedule[i] = schedule[i-1] + schedule[i-2]
	}
	return schedule
}

// TotalDelayBlocks sums a schedule.
func TotalDelayBlocks(schedule []int) int {
	total := 0
	for _, d := range schedule {
		total += d
	}
	return total
}

// FeePerTx is the fee of one forward at the given rate.
func FeePerTx(rate float64) int64 {
	return int64(math.Ceil(rate * domain.EstimatedTxVBytes))
}

// EstimateFee projects the total fee for a chain of numHops hops. The count of
// numHops+1 transactions includes the funding deposit into the intake address.
func EstimateFee(numHops int, priority domain.FeePriority, rates domain.FeeRates) FeeEstimate {
	rate := rates.For(priority)
	perTx := FeePerTx(rate)
	numTx := numHops + 1
	return FeeEstimate{
		FeeRateSatPerVByte: rate,
		FeePerTxSats:       perTx,
		NumTransactions:    numTx,
		TotalFeeSats:       perTx * int64(numTx),
		Priority:           priority,
	}
}

// EstimateTiming converts a schedule into wall-clock estimates.
func EstimateTiming(schedule []int, avgBlockMinutes float64) TimingEstimate {
	if avgBlockMinutes <= 0 {
		avgBlockMinutes = AvgBlockMinutes
	}
	total := TotalDelayBlocks(schedule)
	minutes := float64(total) * avgBlockMinutes
	return TimingEstimate{
		DelaysPerHop:     append([]int{}, schedule...),
		TotalDelayBlocks: total,
		EstimatedMinutes: minutes,
		EstimatedHours:   round1(minutes / 60),
		EstimatedDays:    round2(minutes / 60 / 24),
	}
}

// DefaultFeeRates are used when the fee feed is unreachable.
func DefaultFeeRates(network domain.Network) domain.FeeRates {
	base := 10.0
	if network == domain.NetworkMainnet {
		base = 20.0
	}
	return domain.FeeRates{
		High:    base * 2,
		Medium:  base,
		Low:     math.Max(1, base/2),
		Economy: math.Max(1, base/4),
	}
}

// ValidateHops checks the hop count bounds.
func ValidateHops(numHops int) error {
	if numHops < domain.MinHops || numHops > domain.MaxHops {
		return &domain.ValidationError{Field: "num_hops", Reason: "must be between 2 and 10"}
	}
	return nil
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }
func round2(v float64) float64 { return math.Round(v*100) / 100 }
