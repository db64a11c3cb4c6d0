package progression

// Phase is a contiguous level range sharing a title, bonus multiplier, and
// stat-point rate. BonusBP is the multiplier in basis points (10000 = 1.0).
type Phase struct {
	Name               string `json:"name"`
	MinLevel           int    `json:"min_level"`
	MaxLevel           int    `json:"max_level"` // 0 = unbounded
	BonusBP            int    `json:"bonus_bp"`
	Title              string `json:"title"`
	StatPointsPerLevel int    `json:"stat_points_per_level"`
}

// Phases is the fixed phase table, ordered by level range.
var Phases = []Phase{
	{Name: "Novice", MinLevel: 1, MaxLevel: 25, BonusBP: 10000, Title: "the Novice", StatPointsPerLevel: 3},
	{Name: "Apprentice", MinLevel: 26, MaxLevel: 50, BonusBP: 11000, Title: "the Apprentice", StatPointsPerLevel: 4},
	{Name: "Journeyman", MinLevel: 51, MaxLevel: 100, BonusBP: 12500, Title: "the Journeyman", StatPointsPerLevel: 5},
	{Name: "Expert", MinLevel: 101, MaxLevel: 200, BonusBP: 15000, Title: "the Expert", StatPointsPerLevel: 6},
	{Name: "Master", MinLevel: 201, MaxLevel: 500, BonusBP: 20000, Title: "the Master", StatPointsPerLevel: 8},
	{Name: "Grandmaster", MinLevel: 501, MaxLevel: 1000, BonusBP: 30000, Title: "the Grandmaster", StatPointsPerLevel: 10},
	{Name: "Legendary", MinLevel: 1001, MaxLevel: 0, BonusBP: 50000, Title: "of Legend", StatPointsPerLevel: 15},
}

// PhaseForLevel maps a level to its phase.
func PhaseForLevel(level int) Phase {
	for _, p := range Phases {
		if level >= p.MinLevel && (p.MaxLevel == 0 || level <= p.MaxLevel) {
			return p
		}
	}
	return Phases[0]
}

// Milestone is a fixed-level reward granted at most once per character.
type Milestone struct {
	Level      int    `json:"level"`
	StatPoints int    `json:"stat_points"`
	Gold       int64  `json:"gold"`
	Title      string `json:"title,omitempty"`
}

// Milestones is the fixed milestone set, ordered by level.
var Milestones = []Milestone{
	{Level: 10, StatPoints: 5, Gold: 100},
	{Level: 25, StatPoints: 10, Gold: 500},
	{Level: 50, StatPoints: 15, Gold: 1500},
	{Level: 100, StatPoints: 25, Gold: 5000, Title: "Centurion"},
	{Level: 200, StatPoints: 30, Gold: 10000},
	{Level: 250, StatPoints: 35, Gold: 15000},
	{Level: 500, StatPoints: 50, Gold: 50000, Title: "Worldwalker"},
	{Level: 750, StatPoints: 60, Gold: 75000},
	{Level: 1000, StatPoints: 100, Gold: 150000, Title: "Millennial"},
	{Level: 1500, StatPoints: 120, Gold: 250000},
	{Level: 2000, StatPoints: 150, Gold: 500000},
	{Level: 2500, StatPoints: 175, Gold: 750000},
	{Level: 5000, StatPoints: 300, Gold: 2000000, Title: "Transcendent"},
	{Level: 7500, StatPoints: 400, Gold: 5000000},
	{Level: 10000, StatPoints: 500, Gold: 10000000, Title: "Eternal"},
}

// milestonesUpTo returns the milestones at or below level.
func milestonesUpTo(level int) []Milestone {
	var out []Milestone
	for _, m := range Milestones {
		if m.Level > level {
			break
		}
		out = append(out, m)
	}
	return out
}
