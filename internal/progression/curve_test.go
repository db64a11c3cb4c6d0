package progression

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpForLevelBase(t *testing.T) {
	assert.Equal(t, "1000", ExpForLevel(1).String())
	assert.Equal(t, "1150", ExpForLevel(2).String())
	// 1000 * 1.15^2 = 1322.5, floored.
	assert.Equal(t, "1322", ExpForLevel(3).String())
}

// The per-level requirement must equal floor(1000·23^(L-1)/20^(L-1))
// computed independently in exact rational arithmetic, for every level in a
// wide range including levels far past where float64 loses integer
// precision.
func TestExpForLevelExactness(t *testing.T) {
	for _, level := range []int{1, 2, 10, 50, 100, 500, 1000, 2500} {
		k := int64(level - 1)
		num := new(big.Int).Exp(big.NewInt(23), big.NewInt(k), nil)
		num.Mul(num, big.NewInt(1000))
		den := new(big.Int).Exp(big.NewInt(20), big.NewInt(k), nil)
		want := new(big.Int).Quo(num, den)
		assert.Zero(t, want.Cmp(ExpForLevel(level)), "level %d", level)
	}
}

// Difference property: total(L+1) − total(L) is exactly the per-level
// requirement for L.
func TestTotalExpDifference(t *testing.T) {
	for l := 1; l <= 200; l++ {
		diff := new(big.Int).Sub(TotalExpToReach(l+1), TotalExpToReach(l))
		require.Zero(t, diff.Cmp(ExpForLevel(l)), "level %d", l)
	}
}

func TestExpForLevelIsHuge(t *testing.T) {
	// At level 1000 the requirement has grown past anything float64 could
	// hold exactly; confirm we still get a big positive integer.
	v := ExpForLevel(1000)
	require.True(t, v.Sign() > 0)
	assert.Greater(t, len(v.String()), 40)
}

func TestLevelForExperience(t *testing.T) {
	level, rem := LevelForExperience(big.NewInt(0))
	assert.Equal(t, 1, level)
	assert.Equal(t, "0", rem.String())

	// Exactly the level 1 requirement lands at level 2 with nothing left.
	level, rem = LevelForExperience(big.NewInt(1000))
	assert.Equal(t, 2, level)
	assert.Equal(t, "0", rem.String())

	// One short stays at level 1.
	level, rem = LevelForExperience(big.NewInt(999))
	assert.Equal(t, 1, level)
	assert.Equal(t, "999", rem.String())

	// Inverse property against the cumulative sum.
	for _, target := range []int{5, 17, 42, 99, 250} {
		total := TotalExpToReach(target)
		level, rem := LevelForExperience(total)
		assert.Equal(t, target, level)
		assert.Equal(t, "0", rem.String())
	}
}

func TestApplyMultipliers(t *testing.T) {
	// 1000 XP with a 5% race bonus and a 25% phase bonus:
	// 1000 · 10500 · 12500 / 10^8 = 1312.5 floored to 1312.
	out := applyMultipliers(big.NewInt(1000), 10500, 12500)
	assert.Equal(t, "1312", out.String())

	// Neutral multipliers are the identity.
	out = applyMultipliers(big.NewInt(12345), 10000, 10000)
	assert.Equal(t, "12345", out.String())
}

func TestPhaseForLevel(t *testing.T) {
	cases := []struct {
		level int
		name  string
		pts   int
	}{
		{1, "Novice", 3},
		{25, "Novice", 3},
		{26, "Apprentice", 4},
		{50, "Apprentice", 4},
		{51, "Journeyman", 5},
		{100, "Journeyman", 5},
		{101, "Expert", 6},
		{200, "Expert", 6},
		{201, "Master", 8},
		{500, "Master", 8},
		{501, "Grandmaster", 10},
		{1000, "Grandmaster", 10},
		{1001, "Legendary", 15},
		{99999, "Legendary", 15},
	}
	for _, tc := range cases {
		p := PhaseForLevel(tc.level)
		assert.Equal(t, tc.name, p.Name, "level %d", tc.level)
		assert.Equal(t, tc.pts, p.StatPointsPerLevel, "level %d", tc.level)
	}
}

func TestMilestonesUpTo(t *testing.T) {
	assert.Empty(t, milestonesUpTo(9))
	assert.Len(t, milestonesUpTo(10), 1)
	assert.Len(t, milestonesUpTo(100), 4)
	assert.Len(t, milestonesUpTo(10000), len(Milestones))
}
