// Package commission computes the platform fee charged on top of a
// contract price, based on the client's membership tier and remaining
// free-contract allowances.
package commission

import (
	"github.com/doerly/settlement/internal/money"
)

// Tier is a membership tier name.
type Tier string

const (
	TierFree     Tier = "free"
	TierPro      Tier = "pro"
	TierSuperPro Tier = "super_pro"
)

// Commission rates in basis points per tier.
const (
	RateFreeBps     int64 = 800 // 8%
	RateProBps      int64 = 300 // 3%
	RateSuperProBps int64 = 200 // 2%
)

// MinContractPrice is the price threshold below which the percentage rate
// is replaced by the fixed minimum commission. A price exactly at the
// threshold pays the percentage.
const MinContractPrice = "10000"

// MinCommission is the fixed commission for contracts priced below
// MinContractPrice.
const MinCommission = "800"

// MonthlyFreeContracts returns the number of commission-free contracts a
// tier grants per calendar month.
func MonthlyFreeContracts(tier Tier) int {
	switch tier {
	case TierPro:
		return 1
	case TierSuperPro:
		return 2
	default:
		return 0
	}
}

// RateBps returns the commission rate in basis points for a tier.
// Unknown tiers pay the free-tier rate.
func RateBps(tier Tier) int64 {
	switch tier {
	case TierPro:
		return RateProBps
	case TierSuperPro:
		return RateSuperProBps
	default:
		return RateFreeBps
	}
}

// Allowances is a snapshot of the client's free-contract counters at the
// moment of computation.
type Allowances struct {
	Tier              Tier
	LifetimeRemaining int // promotional "first N contracts free" counter
	MonthlyUsed       int // free contracts already consumed this month
}

// Quote is the result of a commission computation. ConsumesLifetimeFree
// and ConsumesMonthlyFree tell the caller which counter to decrement; at
// most one is set.
type Quote struct {
	Commission           string
	ConsumesLifetimeFree bool
	ConsumesMonthlyFree  bool
}

// Compute returns the commission for a contract price. It is a pure
// function of its inputs and never fails: malformed prices quote the
// fixed minimum.
//
// Precedence: lifetime free allowance, then monthly tier allowance, then
// the tier percentage with a fixed floor for small contracts.
func Compute(price string, a Allowances) Quote {
	if a.LifetimeRemaining > 0 {
		return Quote{Commission: "0.00", ConsumesLifetimeFree: true}
	}
	if a.MonthlyUsed < MonthlyFreeContracts(a.Tier) {
		return Quote{Commission: "0.00", ConsumesMonthlyFree: true}
	}
	if money.Cmp(price, MinContractPrice) < 0 {
		return Quote{Commission: money.Add(MinCommission, "0")}
	}
	return Quote{Commission: money.BasisPoints(price, RateBps(a.Tier))}
}

// TotalPrice returns price + commission.
func TotalPrice(price, commission string) string {
	return money.Add(price, commission)
}
