package engagement

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func day(d int) Date { return NewDate(2026, time.March, d) }

func TestStreak_FirstActivity(t *testing.T) {
	s := AdvanceStreak(StreakState{}, day(1))
	assert.Equal(t, StreakState{Current: 1, Longest: 1, LastActive: day(1)}, s)
}

func TestStreak_Rules(t *testing.T) {
	start := StreakState{Current: 3, Longest: 5, LastActive: day(10)}

	tests := []struct {
		name string
		day  Date
		want StreakState
	}{
		{"same day is no change", day(10), start},
		{"next day extends", day(11), StreakState{Current: 4, Longest: 5, LastActive: day(11)}},
		{"gap of two days resets", day(12), StreakState{Current: 1, Longest: 5, LastActive: day(12)}},
		{"large gap resets", day(25), StreakState{Current: 1, Longest: 5, LastActive: day(25)}},
		{"backfilled day is ignored", day(9), start},
		{"far past day is ignored", day(1), start},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AdvanceStreak(start, tt.day))
		})
	}
}

func TestStreak_LongestTracksRecord(t *testing.T) {
	// GIVEN: Activity on 1..6, a gap, then 9..10
	// THEN: Current ends at 2, longest stays 6

	s := StreakFromDays([]Date{day(1), day(2), day(3), day(4), day(5), day(6), day(9), day(10)})
	assert.Equal(t, 2, s.Current)
	assert.Equal(t, 6, s.Longest)
}

func TestStreak_SameDayEventsNeverChangeCount(t *testing.T) {
	s := StreakFromDays([]Date{day(1), day(2)})
	for i := 0; i < 10; i++ {
		s = AdvanceStreak(s, day(2))
	}
	assert.Equal(t, 2, s.Current)
}

func TestStreak_LongestNeverDecreases(t *testing.T) {
	days := []Date{day(1), day(2), day(3), day(7), day(4), day(8), day(20), day(21), day(30)}
	var s StreakState
	longest := 0
	for _, d := range days {
		s = AdvanceStreak(s, d)
		assert.GreaterOrEqual(t, s.Longest, longest)
		assert.GreaterOrEqual(t, s.Longest, s.Current)
		longest = s.Longest
	}
}

func TestStreak_MonthBoundary(t *testing.T) {
	s := StreakFromDays([]Date{NewDate(2026, time.February, 28), NewDate(2026, time.March, 1)})
	assert.Equal(t, 2, s.Current)
}

func TestStreak_EffectiveStreak(t *testing.T) {
	s := StreakState{Current: 4, Longest: 4, LastActive: day(10)}
	assert.Equal(t, 4, EffectiveStreak(s, day(10)))
	assert.Equal(t, 4, EffectiveStreak(s, day(11)))
	assert.Equal(t, 0, EffectiveStreak(s, day(12)))
	assert.Equal(t, 0, EffectiveStreak(StreakState{}, day(12)))
}

func TestStreak_DayResolvedInPatientZone(t *testing.T) {
	// GIVEN: 03:30 UTC on March 11 is still March 10 in New York
	// THEN: The two events count as the same day for a New York patient
	//       and as consecutive days for a UTC patient

	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	first := time.Date(2026, time.March, 10, 15, 0, 0, 0, time.UTC)
	second := time.Date(2026, time.March, 11, 3, 30, 0, 0, time.UTC)

	nyStreak := StreakFromDays([]Date{DateOf(first, ny), DateOf(second, ny)})
	utcStreak := StreakFromDays([]Date{DateOf(first, time.UTC), DateOf(second, time.UTC)})

	assert.Equal(t, 1, nyStreak.Current)
	assert.Equal(t, 2, utcStreak.Current)
}
