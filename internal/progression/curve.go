// Package progression implements the experience engine: the exponential
// curve over exact unbounded integers, phase transitions, and at-most-once
// milestone rewards.
//
// All arithmetic is exact. The 1.15 scale factor is the rational 23/20, so
// the requirement for level L to L+1 is 1000·23^(L-1)/20^(L-1), floored to
// an integer only at the end. No floating point appears anywhere in this
// package.
package progression

import "math/big"

var (
	baseExp  = big.NewInt(1000)
	scaleNum = big.NewInt(23)
	scaleDen = big.NewInt(20)
	bpSquare = big.NewInt(100_000_000) // basis-point denominator squared
)

// ExpForLevel returns the experience required to advance from level to
// level+1: floor(1000 · (23/20)^(level-1)).
func ExpForLevel(level int) *big.Int {
	if level < 1 {
		level = 1
	}
	k := int64(level - 1)
	num := new(big.Int).Exp(scaleNum, big.NewInt(k), nil)
	num.Mul(num, baseExp)
	den := new(big.Int).Exp(scaleDen, big.NewInt(k), nil)
	return num.Quo(num, den)
}

// TotalExpToReach returns the cumulative experience needed to reach level
// from a fresh character: the sum of ExpForLevel over 1..level-1.
func TotalExpToReach(level int) *big.Int {
	total := new(big.Int)
	for l := 1; l < level; l++ {
		total.Add(total, ExpForLevel(l))
	}
	return total
}

// LevelForExperience returns the level a fresh character reaches with the
// given total experience, and the leftover experience within that level.
func LevelForExperience(total *big.Int) (int, *big.Int) {
	remaining := new(big.Int).Set(total)
	level := 1
	for {
		need := ExpForLevel(level)
		if remaining.Cmp(need) < 0 {
			return level, remaining
		}
		remaining.Sub(remaining, need)
		level++
	}
}

// applyMultipliers scales amount by two basis-point multipliers (race bonus
// and phase bonus) exactly, flooring once: amount·race·phase / 10^8.
func applyMultipliers(amount *big.Int, raceBP, phaseBP int) *big.Int {
	out := new(big.Int).Set(amount)
	out.Mul(out, big.NewInt(int64(raceBP)))
	out.Mul(out, big.NewInt(int64(phaseBP)))
	return out.Quo(out, bpSquare)
}
