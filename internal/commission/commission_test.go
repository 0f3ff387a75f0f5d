package commission

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputeTierRates(t *testing.T) {
	// MonthlyUsed sits at each tier's cap so the rate applies instead of
	// a free monthly slot.
	tests := []struct {
		name  string
		price string
		tier  Tier
		used  int
		want  string
	}{
		{"free tier 8 percent", "10000", TierFree, 0, "800.00"},
		{"pro tier 3 percent", "10000", TierPro, 1, "300.00"},
		{"super pro 2 percent", "10000", TierSuperPro, 2, "200.00"},
		{"free tier large", "250000", TierFree, 0, "20000.00"},
		{"unknown tier pays free rate", "10000", Tier("platinum"), 0, "800.00"},
		{"empty tier pays free rate", "10000", Tier(""), 0, "800.00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := Compute(tt.price, Allowances{Tier: tt.tier, MonthlyUsed: tt.used})
			assert.Equal(t, tt.want, q.Commission)
			assert.False(t, q.ConsumesLifetimeFree)
			assert.False(t, q.ConsumesMonthlyFree)
		})
	}
}

func TestComputeMinimumFloor(t *testing.T) {
	// Exactly at the threshold: percentage applies.
	q := Compute("10000", Allowances{Tier: TierPro, MonthlyUsed: 1})
	assert.Equal(t, "300.00", q.Commission)

	// One unit below: fixed minimum applies regardless of tier.
	q = Compute("9999.99", Allowances{Tier: TierSuperPro, MonthlyUsed: 2})
	assert.Equal(t, "800.00", q.Commission)

	q = Compute("500", Allowances{Tier: TierFree})
	assert.Equal(t, "800.00", q.Commission)
}

func TestComputeLifetimeFree(t *testing.T) {
	q := Compute("50000", Allowances{Tier: TierFree, LifetimeRemaining: 2})
	assert.Equal(t, "0.00", q.Commission)
	assert.True(t, q.ConsumesLifetimeFree)
	assert.False(t, q.ConsumesMonthlyFree)
}

func TestComputeMonthlyAllowance(t *testing.T) {
	// Pro gets 1 free contract per month.
	q := Compute("50000", Allowances{Tier: TierPro, MonthlyUsed: 0})
	assert.Equal(t, "0.00", q.Commission)
	assert.True(t, q.ConsumesMonthlyFree)

	// Second contract this month pays the rate.
	q = Compute("50000", Allowances{Tier: TierPro, MonthlyUsed: 1})
	assert.Equal(t, "1500.00", q.Commission)
	assert.False(t, q.ConsumesMonthlyFree)

	// Super pro gets 2.
	q = Compute("50000", Allowances{Tier: TierSuperPro, MonthlyUsed: 1})
	assert.True(t, q.ConsumesMonthlyFree)
	q = Compute("50000", Allowances{Tier: TierSuperPro, MonthlyUsed: 2})
	assert.False(t, q.ConsumesMonthlyFree)

	// Free tier gets none.
	q = Compute("50000", Allowances{Tier: TierFree, MonthlyUsed: 0})
	assert.False(t, q.ConsumesMonthlyFree)
	assert.Equal(t, "4000.00", q.Commission)
}

func TestLifetimeBeatsMonthly(t *testing.T) {
	q := Compute("50000", Allowances{Tier: TierPro, LifetimeRemaining: 1, MonthlyUsed: 0})
	assert.True(t, q.ConsumesLifetimeFree)
	assert.False(t, q.ConsumesMonthlyFree)
}

func TestTotalPrice(t *testing.T) {
	assert.Equal(t, "10300.00", TotalPrice("10000", "300"))
	assert.Equal(t, "50000.00", TotalPrice("50000", "0.00"))
}
