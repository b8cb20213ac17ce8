// Package cost is the pure pricing model: estimation, burn rate, and runway
// math over inventory records. It performs no I/O; rate acquisition and its
// failure modes belong to the caller.
package cost

import (
	"math"
	"time"

	"github.com/edvin/agentvm/internal/model"
)

// billingIncrement is the smallest billable unit of credit. Estimates are
// always rounded up, never down: an underestimate could sneak a spend past
// the balance guard.
const billingIncrement = 0.01

// Estimate prices a proposed resource for its full TTL.
func Estimate(computeUnits int, ratePerUnitHour, ttlHours float64) model.CostEstimate {
	hourly := float64(computeUnits) * ratePerUnitHour
	return model.CostEstimate{
		ComputeUnits: computeUnits,
		TTLHours:     ttlHours,
		HourlyCost:   roundUp(hourly),
		TotalCost:    roundUp(hourly * ttlHours),
	}
}

// BurnRate sums the hourly cost of all records that are still accruing
// charges for the given payer. An empty payer matches every record.
func BurnRate(records []model.ResourceRecord, payer string) float64 {
	var total float64
	for _, r := range records {
		if payer != "" && r.PayerAddress != payer {
			continue
		}
		if model.IsBurning(r.State) {
			total += r.HourlyCost
		}
	}
	return total
}

// Runway returns the hours until the balance is exhausted at the current
// burn rate. ok is false when the burn rate is zero and runway is unbounded.
func Runway(balance, burnRate float64) (hours float64, ok bool) {
	if burnRate <= 0 {
		return 0, false
	}
	return balance / burnRate, true
}

// Accrued estimates the credits consumed by a record since its creation.
func Accrued(r *model.ResourceRecord, now time.Time) float64 {
	uptime := now.Sub(r.CreatedAt).Hours()
	if uptime < 0 {
		return 0
	}
	return roundUp(r.HourlyCost * uptime)
}

func roundUp(credits float64) float64 {
	return math.Ceil(credits/billingIncrement-1e-9) * billingIncrement
}
