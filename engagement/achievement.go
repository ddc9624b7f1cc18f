/*
achievement.go - AchievementEvaluator

PURPOSE:
  Advances per-patient progress on achievement requirements and decides
  unlocks. Pure: the engine loads progress, calls AdvanceAchievement, then
  persists the result and appends the unlock entry through the ledger.

RULES:
  1. Activity of kind K adds its amount to every requirement of kind K,
     clamped to the requirement's target.
  2. Streak requirements also observe the account's current streak:
     current = max(current, min(streak, target)).
  3. ProgressPercent is the MINIMUM of floor(current*100/target) across
     requirements. Two requirements at 100% and 50% report 50.
  4. Unlock happens when every requirement reaches its target. Unlocked
     progress never changes again except UpdatedAt.

UNLOCK ENTRY:
  Key: achievement:<patient>:<achievement>
  Re-triggering an unlock appends nothing (AlreadyApplied).
*/
package engagement

import (
	"fmt"
	"slices"
	"time"
)

// AchievementProgress is the per-(patient, achievement) progress record.
type AchievementProgress struct {
	PatientID     PatientID
	AchievementID AchievementID

	// CurrentByRequirement is indexed like Achievement.Requirements.
	CurrentByRequirement []int64
	ProgressPercent      int
	Unlocked             bool
	UnlockedAt           time.Time
	UpdatedAt            time.Time
}

// Activity is one unit of requirement progress.
type Activity struct {
	Kind      RequirementKind
	Amount    int64
	CustomKey string
}

// Validate rejects non-positive amounts and kinds outside the closed set.
func (a Activity) Validate(patientID PatientID) error {
	if _, err := ParseRequirementKind(string(a.Kind)); err != nil {
		return err
	}
	if a.Amount <= 0 {
		return &InvalidAmountError{PatientID: patientID, Kind: a.Kind, Amount: a.Amount}
	}
	return nil
}

// AchievementUnlockKey is the idempotency key of an unlock ledger entry.
func AchievementUnlockKey(patientID PatientID, id AchievementID) string {
	return fmt.Sprintf("achievement:%s:%s", patientID, id)
}

// NewAchievementProgress returns empty progress for def.
func NewAchievementProgress(patientID PatientID, def Achievement) AchievementProgress {
	return AchievementProgress{
		PatientID:            patientID,
		AchievementID:        def.ID,
		CurrentByRequirement: make([]int64, len(def.Requirements)),
	}
}

// AdvanceAchievement applies activity (may be nil) and the observed streak
// to progress. It reports whether anything changed and whether this call
// performed the unlock.
func AdvanceAchievement(def Achievement, progress AchievementProgress, activity *Activity, streakDays int, now time.Time) (AchievementProgress, bool, bool, error) {
	if progress.Unlocked {
		return progress, false, false, nil
	}

	next := progress
	next.CurrentByRequirement = make([]int64, len(def.Requirements))
	copy(next.CurrentByRequirement, progress.CurrentByRequirement)

	for i, req := range def.Requirements {
		target := TargetOf(req)
		cur := next.CurrentByRequirement[i]

		var matches bool
		switch r := req.(type) {
		case AppointmentsRequirement, MessagesRequirement, DocumentsRequirement, GoalsRequirement:
			matches = activity != nil && activity.Kind == r.Kind()
		case StreakRequirement:
			matches = activity != nil && activity.Kind == KindStreak
			if observed := min(int64(streakDays), target); observed > cur {
				cur = observed
			}
		case CustomRequirement:
			matches = activity != nil && activity.Kind == KindCustom && activity.CustomKey == r.Key
		default:
			return progress, false, false, fmt.Errorf("%w: %T in achievement %s", ErrUnknownRequirementKind, req, def.ID)
		}

		if matches {
			cur = clampAdd(cur, activity.Amount, target)
		}
		next.CurrentByRequirement[i] = cur
	}

	next.ProgressPercent = achievementPercent(def.Requirements, next.CurrentByRequirement)
	if next.ProgressPercent < progress.ProgressPercent {
		next.ProgressPercent = progress.ProgressPercent
	}

	unlocked := len(def.Requirements) > 0 && allMet(def.Requirements, next.CurrentByRequirement)
	if unlocked {
		next.Unlocked = true
		next.UnlockedAt = now
		next.ProgressPercent = 100
	}

	changed := unlocked || next.ProgressPercent != progress.ProgressPercent ||
		!slices.Equal(next.CurrentByRequirement, progress.CurrentByRequirement)
	if !changed {
		return progress, false, false, nil
	}
	next.UpdatedAt = now
	return next, true, unlocked, nil
}

func clampAdd(cur, amount, target int64) int64 {
	if cur >= target || amount >= target-cur {
		return target
	}
	return cur + amount
}

// achievementPercent is the floored minimum percent across requirements.
func achievementPercent(reqs []Requirement, current []int64) int {
	if len(reqs) == 0 {
		return 0
	}
	pct := 100
	for i, r := range reqs {
		p := int(min(current[i], TargetOf(r)) * 100 / TargetOf(r))
		pct = min(pct, p)
	}
	return pct
}

func allMet(reqs []Requirement, current []int64) bool {
	for i, r := range reqs {
		if current[i] < TargetOf(r) {
			return false
		}
	}
	return true
}
