package cost

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/agentvm/internal/model"
)

func TestEstimate_SimpleTier(t *testing.T) {
	// 1 unit at 5 credits/hour for 4 hours → 20 credits total.
	est := Estimate(1, 5.0, 4.0)

	assert.Equal(t, 1, est.ComputeUnits)
	assert.Equal(t, 4.0, est.TTLHours)
	assert.InDelta(t, 5.0, est.HourlyCost, 1e-9)
	assert.InDelta(t, 20.0, est.TotalCost, 1e-9)
}

func TestEstimate_RoundsUpToBillableIncrement(t *testing.T) {
	// 1.425/hour over 1 hour cannot round down to 1.42.
	est := Estimate(1, 1.425, 1.0)

	assert.InDelta(t, 1.43, est.HourlyCost, 1e-9)
	assert.InDelta(t, 1.43, est.TotalCost, 1e-9)
}

func TestEstimate_ScalesWithUnits(t *testing.T) {
	est := Estimate(4, 1.5, 2.0)

	assert.InDelta(t, 6.0, est.HourlyCost, 1e-9)
	assert.InDelta(t, 12.0, est.TotalCost, 1e-9)
}

func TestBurnRate_SkipsTerminalStates(t *testing.T) {
	records := []model.ResourceRecord{
		{State: model.StateHealthy, HourlyCost: 2.0, PayerAddress: "0xaaa"},
		{State: model.StateProvisioning, HourlyCost: 1.5, PayerAddress: "0xaaa"},
		{State: model.StateTerminated, HourlyCost: 9.0, PayerAddress: "0xaaa"},
		{State: model.StateFailed, HourlyCost: 9.0, PayerAddress: "0xaaa"},
	}

	assert.InDelta(t, 3.5, BurnRate(records, "0xaaa"), 1e-9)
}

func TestBurnRate_FiltersByPayer(t *testing.T) {
	records := []model.ResourceRecord{
		{State: model.StateHealthy, HourlyCost: 2.0, PayerAddress: "0xaaa"},
		{State: model.StateHealthy, HourlyCost: 4.0, PayerAddress: "0xbbb"},
	}

	assert.InDelta(t, 2.0, BurnRate(records, "0xaaa"), 1e-9)
	assert.InDelta(t, 6.0, BurnRate(records, ""), 1e-9)
}

func TestBurnRate_ExpiredStillBurns(t *testing.T) {
	// An expired record keeps costing until it is actually torn down.
	records := []model.ResourceRecord{
		{State: model.StateExpired, HourlyCost: 1.0},
	}

	assert.InDelta(t, 1.0, BurnRate(records, ""), 1e-9)
}

func TestRunway(t *testing.T) {
	hours, ok := Runway(100.0, 4.0)
	require.True(t, ok)
	assert.InDelta(t, 25.0, hours, 1e-9)
}

func TestRunway_UnboundedAtZeroBurn(t *testing.T) {
	_, ok := Runway(100.0, 0)
	assert.False(t, ok)
}

func TestAccrued(t *testing.T) {
	now := time.Now().UTC()
	r := &model.ResourceRecord{
		CreatedAt:  now.Add(-90 * time.Minute),
		HourlyCost: 2.0,
	}

	assert.InDelta(t, 3.0, Accrued(r, now), 1e-9)
}

func TestAccrued_NeverNegative(t *testing.T) {
	now := time.Now().UTC()
	r := &model.ResourceRecord{
		CreatedAt:  now.Add(time.Hour),
		HourlyCost: 2.0,
	}

	assert.Zero(t, Accrued(r, now))
}
