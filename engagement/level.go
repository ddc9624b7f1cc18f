/*
level.go - LevelProgression: experience to level mapping

PURPOSE:
  Maps cumulative experience to (level, experience into level, experience
  to next level). A pure, total function of experience alone: two accounts
  with equal experience always report the same level.

CURVES:
  LinearCurve:      Threshold(n) = Step * (n - 1)
  ExponentialCurve: Threshold(n) = Base * Growth^(n - 1), Threshold(1) = 0

  A curve returns the CUMULATIVE experience needed to reach a level and
  must be strictly increasing with Threshold(1) == 0.

DEFAULT:
  LinearCurve{Step: 175, MaxLevel: 100}
    1250 XP -> level 8, 150 to next (level 9 at 1400)
    1249 XP -> level 8, 151 to next

SEE ALSO:
  - account.go: ApplyLedgerEntry recomputes level fields on every entry
*/
package engagement

import "math"

// LevelCurve is the threshold policy.
type LevelCurve interface {
	// Threshold returns the cumulative experience required to reach level.
	Threshold(level int) int64
	// Cap returns the highest reachable level.
	Cap() int
}

// LevelProgress is the derived view of an experience total.
type LevelProgress struct {
	Level               int
	ExperienceIntoLevel int64
	ExperienceToNext    int64
}

// DefaultLevelStep is the per-level experience step of the default curve.
const DefaultLevelStep = 175

// DefaultMaxLevel caps every shipped curve.
const DefaultMaxLevel = 100

// DefaultCurve returns the curve used when none is configured.
func DefaultCurve() LevelCurve {
	return LinearCurve{Step: DefaultLevelStep, MaxLevel: DefaultMaxLevel}
}

// =============================================================================
// LINEAR CURVE
// =============================================================================

type LinearCurve struct {
	Step     int64
	MaxLevel int
}

func (c LinearCurve) Threshold(level int) int64 {
	if level <= 1 {
		return 0
	}
	return c.Step * int64(level-1)
}

func (c LinearCurve) Cap() int {
	if c.MaxLevel <= 0 {
		return DefaultMaxLevel
	}
	return c.MaxLevel
}

// =============================================================================
// EXPONENTIAL CURVE
// =============================================================================

// ExponentialCurve grows each threshold by Growth. Thresholds are forced to be
// strictly increasing even where integer truncation would repeat a value.
type ExponentialCurve struct {
	Base     float64
	Growth   float64
	MaxLevel int
}

func (c ExponentialCurve) Threshold(level int) int64 {
	if level <= 1 {
		return 0
	}
	var v int64
	for n := 2; n <= level; n++ {
		raw := int64(c.Base * math.Pow(c.Growth, float64(n-1)))
		if raw <= v {
			raw = v + 1
		}
		v = raw
	}
	return v
}

func (c ExponentialCurve) Cap() int {
	if c.MaxLevel <= 0 {
		return DefaultMaxLevel
	}
	return c.MaxLevel
}

// =============================================================================
// PROGRESSION
// =============================================================================

// ExperienceToLevel maps experience to its level progress under curve.
// Negative experience is treated as zero.
func ExperienceToLevel(curve LevelCurve, experience int64) LevelProgress {
	if curve == nil {
		curve = DefaultCurve()
	}
	if experience < 0 {
		experience = 0
	}

	maxLevel := curve.Cap()
	lo, hi := 1, maxLevel
	// Largest level whose threshold is <= experience.
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if curve.Threshold(mid) <= experience {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	level := lo

	progress := LevelProgress{
		Level:               level,
		ExperienceIntoLevel: experience - curve.Threshold(level),
	}
	if level < maxLevel {
		progress.ExperienceToNext = curve.Threshold(level+1) - experience
	}
	return progress
}

// LevelProgressPct returns progress toward the next level, 0-100.
func LevelProgressPct(curve LevelCurve, p LevelProgress) float64 {
	if curve == nil {
		curve = DefaultCurve()
	}
	if p.Level >= curve.Cap() {
		return 100
	}
	span := curve.Threshold(p.Level+1) - curve.Threshold(p.Level)
	if span <= 0 {
		return 100
	}
	return float64(p.ExperienceIntoLevel) / float64(span) * 100
}
