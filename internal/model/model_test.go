package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidDirection(t *testing.T) {
	for _, d := range Directions {
		assert.True(t, ValidDirection(d), string(d))
	}
	assert.False(t, ValidDirection("widdershins"))
	assert.False(t, ValidDirection(""))
}

func TestValidExperienceSource(t *testing.T) {
	for _, s := range []ExperienceSource{SourceCombat, SourceQuest, SourceExploration,
		SourceCrafting, SourcePVP, SourceEvent, SourceMilestone, SourceAdmin} {
		assert.True(t, ValidExperienceSource(s), string(s))
	}
	assert.False(t, ValidExperienceSource("lottery"))
}

func TestAccountSecurityLocked(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	var sec AccountSecurity
	assert.False(t, sec.Locked(now), "no lockout set")

	past := now.Add(-time.Minute)
	sec.LockedUntil = &past
	assert.False(t, sec.Locked(now), "expired lockout")

	future := now.Add(time.Minute)
	sec.LockedUntil = &future
	assert.True(t, sec.Locked(now))
}
