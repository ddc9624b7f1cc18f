/*
account.go - EngagementAccount and the pure ledger application step

PURPOSE:
  Account is the per-patient aggregate: points, level, streak counters,
  unlocked achievements and badges. It is only ever changed by applying a
  LedgerEntry (ApplyLedgerEntry) or by granting a badge, and both return a
  new value.

RECONSTRUCTION:
  Replay folds a patient's ledger in append order. The result must match the
  stored account for every ledger-derived field; Engine.Reconcile checks it.

  Badges are NOT ledger-derived (they come from catalog definitions at unlock
  time) and are excluded from the comparison.

SEE ALSO:
  - streak.go: AdvanceStreak
  - level.go: ExperienceToLevel
*/
package engagement

import (
	"slices"
	"time"
)

// Account is the EngagementAccount of one patient.
type Account struct {
	PatientID   PatientID
	TotalPoints int64
	Experience  int64

	// Derived from Experience on every apply.
	Level               int
	ExperienceIntoLevel int64
	ExperienceToNext    int64

	CurrentStreakDays int
	LongestStreakDays int
	LastActiveDate    Date

	UnlockedAchievements []AchievementID // sorted set
	Badges               []string        // sorted set

	TimeZone  string
	Version   int64
	Archived  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewAccount returns the zero-point account for patientID.
func NewAccount(patientID PatientID, timeZone string, now time.Time, curve LevelCurve) Account {
	a := Account{
		PatientID: patientID,
		TimeZone:  timeZone,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return a.withLevel(curve)
}

// Location resolves the account's registered time zone. Zones are validated
// at registration; an unresolvable name falls back to UTC.
func (a Account) Location() *time.Location {
	loc, err := LoadLocation(a.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (a Account) HasAchievement(id AchievementID) bool {
	_, found := slices.BinarySearch(a.UnlockedAchievements, id)
	return found
}

func (a Account) HasBadge(badge string) bool {
	_, found := slices.BinarySearch(a.Badges, badge)
	return found
}

func (a Account) Streak() StreakState {
	return StreakState{Current: a.CurrentStreakDays, Longest: a.LongestStreakDays, LastActive: a.LastActiveDate}
}

func (a Account) withLevel(curve LevelCurve) Account {
	p := ExperienceToLevel(curve, a.Experience)
	a.Level = p.Level
	a.ExperienceIntoLevel = p.ExperienceIntoLevel
	a.ExperienceToNext = p.ExperienceToNext
	return a
}

// =============================================================================
// APPLY
// =============================================================================

// ApplyLedgerEntry returns account with entry applied. Pure: the input
// account (including its slices) is never modified.
//
// Points and experience grow by PointsDelta, level fields are recomputed,
// activity entries advance the streak in the account's time zone, and
// achievement unlock entries add their achievement to the unlocked set.
func ApplyLedgerEntry(account Account, entry LedgerEntry, curve LevelCurve) Account {
	next := account
	next.TotalPoints += entry.PointsDelta
	next.Experience += entry.PointsDelta
	next = next.withLevel(curve)

	if entry.CountsAsActivity && !entry.EventType.IsSystem() {
		s := AdvanceStreak(account.Streak(), DateOf(entry.OccurredAt, account.Location()))
		next.CurrentStreakDays = s.Current
		next.LongestStreakDays = s.Longest
		next.LastActiveDate = s.LastActive
	}

	if entry.EventType == EventAchievementUnlocked && entry.SourceReference != "" {
		next.UnlockedAchievements = insertSorted(account.UnlockedAchievements, AchievementID(entry.SourceReference))
	}

	if !entry.RecordedAt.IsZero() {
		next.UpdatedAt = entry.RecordedAt
	}
	return next
}

// GrantBadge returns account with badge added. Granting twice is a no-op.
func GrantBadge(account Account, badge string) Account {
	if badge == "" {
		return account
	}
	account.Badges = insertSorted(account.Badges, badge)
	return account
}

// Replay rebuilds the ledger-derived state of an account from its entries,
// applied in the given (append) order.
func Replay(patientID PatientID, timeZone string, entries []LedgerEntry, curve LevelCurve) Account {
	a := NewAccount(patientID, timeZone, time.Time{}, curve)
	for _, e := range entries {
		a = ApplyLedgerEntry(a, e, curve)
	}
	return a
}

// insertSorted returns a new slice with v inserted, or s itself if present.
func insertSorted[T ~string](s []T, v T) []T {
	i, found := slices.BinarySearch(s, v)
	if found {
		return s
	}
	out := make([]T, 0, len(s)+1)
	out = append(out, s[:i]...)
	out = append(out, v)
	return append(out, s[i:]...)
}
