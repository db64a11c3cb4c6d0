// Package affinity implements per-character proficiency tracks: exact tier
// thresholds over unbounded integers, combat bonus lookup, and rate-limited
// awards.
//
// The 1.2 tier scale is the rational 6/5; the step from tier T to T+1 costs
// floor(100·6^(T-1)/5^(T-1)) experience, floored once per step. No floating
// point appears in this package.
package affinity

import "math/big"

// MaxTierCap is the hard ceiling on any affinity's tier range.
const MaxTierCap = 7

var (
	tierBase = big.NewInt(100)
	tierNum  = big.NewInt(6)
	tierDen  = big.NewInt(5)
)

// ExpForTier returns the experience needed to advance from tier to tier+1:
// floor(100 · (6/5)^(tier-1)).
func ExpForTier(tier int) *big.Int {
	if tier < 1 {
		tier = 1
	}
	k := int64(tier - 1)
	num := new(big.Int).Exp(tierNum, big.NewInt(k), nil)
	num.Mul(num, tierBase)
	den := new(big.Int).Exp(tierDen, big.NewInt(k), nil)
	return num.Quo(num, den)
}

// ThresholdForTier returns the cumulative experience at which a track reaches
// tier: the sum of ExpForTier over 1..tier-1. Tier 1 starts at zero.
func ThresholdForTier(tier int) *big.Int {
	total := new(big.Int)
	for t := 1; t < tier; t++ {
		total.Add(total, ExpForTier(t))
	}
	return total
}

// TierForExperience maps cumulative experience to a tier, capped at maxTier.
func TierForExperience(total *big.Int, maxTier int) int {
	if maxTier < 1 || maxTier > MaxTierCap {
		maxTier = MaxTierCap
	}
	remaining := new(big.Int).Set(total)
	tier := 1
	for tier < maxTier {
		need := ExpForTier(tier)
		if remaining.Cmp(need) < 0 {
			break
		}
		remaining.Sub(remaining, need)
		tier++
	}
	return tier
}

// BonusBP returns the damage/healing bonus for a tier in basis points:
// 2% per tier above Novice, so tier 1 = 0 and tier 7 = 1200.
func BonusBP(tier int) int {
	if tier < 1 {
		return 0
	}
	return (tier - 1) * 200
}

// ApplyBonus scales an integer damage or healing value by the tier bonus,
// flooring once.
func ApplyBonus(base int, tier int) int {
	return int(int64(base) * int64(10000+BonusBP(tier)) / 10000)
}
