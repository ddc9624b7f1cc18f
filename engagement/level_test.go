package engagement

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevel_DefaultCurve_ObservedSample(t *testing.T) {
	// GIVEN: The default curve
	// WHEN: An account holds 1250 and then 1249 experience
	// THEN: Both are level 8, with 150 and 151 to the next level

	curve := DefaultCurve()

	p := ExperienceToLevel(curve, 1250)
	assert.Equal(t, 8, p.Level)
	assert.Equal(t, int64(150), p.ExperienceToNext)
	assert.Equal(t, int64(25), p.ExperienceIntoLevel)

	p = ExperienceToLevel(curve, 1249)
	assert.Equal(t, 8, p.Level)
	assert.Equal(t, int64(151), p.ExperienceToNext)
}

func TestLevel_LinearCurve150_Pinned(t *testing.T) {
	// GIVEN: threshold(n) = 150 * (n - 1)
	// THEN: 1250 lands in level 9 with 100 to go. The default curve exists
	//       because this one does not reproduce the observed sample.

	p := ExperienceToLevel(LinearCurve{Step: 150}, 1250)
	assert.Equal(t, 9, p.Level)
	assert.Equal(t, int64(100), p.ExperienceToNext)
}

func TestLevel_Boundaries(t *testing.T) {
	curve := LinearCurve{Step: 100, MaxLevel: 5}

	tests := []struct {
		xp        int64
		level     int
		into      int64
		remaining int64
	}{
		{xp: 0, level: 1, into: 0, remaining: 100},
		{xp: 99, level: 1, into: 99, remaining: 1},
		{xp: 100, level: 2, into: 0, remaining: 100},
		{xp: 399, level: 4, into: 99, remaining: 1},
		{xp: 400, level: 5, into: 0, remaining: 0},
		{xp: 10_000, level: 5, into: 9_600, remaining: 0},
		{xp: -5, level: 1, into: 0, remaining: 100},
	}
	for _, tt := range tests {
		p := ExperienceToLevel(curve, tt.xp)
		assert.Equal(t, tt.level, p.Level, "xp=%d", tt.xp)
		assert.Equal(t, tt.into, p.ExperienceIntoLevel, "xp=%d", tt.xp)
		assert.Equal(t, tt.remaining, p.ExperienceToNext, "xp=%d", tt.xp)
	}
}

func TestLevel_PureFunctionOfExperience(t *testing.T) {
	curve := DefaultCurve()
	for xp := int64(0); xp < 5000; xp += 37 {
		require.Equal(t, ExperienceToLevel(curve, xp), ExperienceToLevel(curve, xp))
	}
}

func TestLevel_MonotonicInExperience(t *testing.T) {
	for _, curve := range []LevelCurve{DefaultCurve(), ExponentialCurve{Base: 100, Growth: 1.2}} {
		prev := ExperienceToLevel(curve, 0)
		for xp := int64(1); xp < 20_000; xp += 13 {
			p := ExperienceToLevel(curve, xp)
			require.GreaterOrEqual(t, p.Level, prev.Level, "xp=%d", xp)
			prev = p
		}
	}
}

func TestLevel_ExponentialCurve_StrictlyIncreasing(t *testing.T) {
	curve := ExponentialCurve{Base: 100, Growth: 1.2}
	assert.Equal(t, int64(0), curve.Threshold(1))
	assert.Equal(t, int64(120), curve.Threshold(2))
	for n := 2; n <= curve.Cap(); n++ {
		require.Greater(t, curve.Threshold(n), curve.Threshold(n-1), "level %d", n)
	}
}

func TestLevel_ExponentialCurve_SmallGrowthStillIncreases(t *testing.T) {
	// GIVEN: A growth factor too small to change the truncated value
	curve := ExponentialCurve{Base: 175, Growth: 1.001, MaxLevel: 20}

	// THEN: Each level still needs at least one more point than the last
	assert.Equal(t, int64(175), curve.Threshold(2))
	assert.Equal(t, int64(176), curve.Threshold(3))
	assert.Equal(t, int64(177), curve.Threshold(4))
	for n := 2; n <= curve.Cap(); n++ {
		require.Greater(t, curve.Threshold(n), curve.Threshold(n-1), "level %d", n)
	}

	// AND: Experience maps to distinct levels
	assert.Equal(t, 2, ExperienceToLevel(curve, 175).Level)
	assert.Equal(t, 3, ExperienceToLevel(curve, 176).Level)
}

func TestLevel_ProgressPct(t *testing.T) {
	curve := LinearCurve{Step: 200, MaxLevel: 3}
	assert.InDelta(t, 50.0, LevelProgressPct(curve, ExperienceToLevel(curve, 100)), 0.001)
	assert.InDelta(t, 100.0, LevelProgressPct(curve, ExperienceToLevel(curve, 400)), 0.001)
}
