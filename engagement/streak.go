package engagement

// =============================================================================
// STREAK CALCULATOR
// =============================================================================

// StreakState is the streak-relevant slice of an account.
type StreakState struct {
	Current    int
	Longest    int
	LastActive Date
}

// AdvanceStreak folds one activity day into the streak.
//
//	day == LastActive       no change (already counted)
//	day == LastActive + 1   Current + 1
//	day >  LastActive + 1   Current = 1 (gap)
//	day <  LastActive       no change (backfilled event)
//
// The first activity ever sets Current and Longest to 1.
// Longest is max(Longest, Current) on return.
func AdvanceStreak(s StreakState, day Date) StreakState {
	if s.LastActive.IsZero() {
		s.Current = 1
		s.LastActive = day
		if s.Longest < 1 {
			s.Longest = 1
		}
		return s
	}
	if !day.After(s.LastActive) {
		return s
	}

	if DaysBetween(s.LastActive, day) == 1 {
		s.Current++
	} else {
		s.Current = 1
	}
	s.LastActive = day
	if s.Current > s.Longest {
		s.Longest = s.Current
	}
	return s
}

// StreakFromDays folds activity days in the order they were recorded.
func StreakFromDays(days []Date) StreakState {
	var s StreakState
	for _, d := range days {
		s = AdvanceStreak(s, d)
	}
	return s
}

// EffectiveStreak is the streak as seen on day today: a streak whose last
// active day is more than one day in the past is already broken.
// Stored state is not changed; the next activity resets it.
func EffectiveStreak(s StreakState, today Date) int {
	if s.LastActive.IsZero() || DaysBetween(s.LastActive, today) > 1 {
		return 0
	}
	return s.Current
}
