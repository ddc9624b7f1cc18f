/*
analytics.go - EngagementAnalyticsAggregator

PURPOSE:
  Derives rolling-window metrics from the ledger and challenge state.
  Nothing here writes; a snapshot can be recomputed at any time and runs
  concurrently with ingestion.

ENGAGEMENT SCORE:
  score = wActive     * activeDays / windowDays
        + wPoints     * p / (p + Kp)
        + wMilestones * m / (m + Km)

  p = points earned in window, m = achievements unlocked + challenges
  completed in window. Weights sum to 100, so the score is in [0, 100].
  Each term is non-decreasing in its input, which makes the score
  monotonic in every input. Rounded to 2 places.

TREND:
  The previous window has equal length and ends where the current starts.
  |current - previous| <= epsilon is stable.
*/
package engagement

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SCORE POLICY
// =============================================================================

// ScorePolicy holds the tunable weights of the engagement score.
type ScorePolicy struct {
	ActiveWeight    decimal.Decimal
	PointsWeight    decimal.Decimal
	MilestoneWeight decimal.Decimal

	// Inputs at which the points and milestone terms reach half weight.
	PointsHalfSaturation    int64
	MilestoneHalfSaturation int64

	TrendEpsilon decimal.Decimal
}

func DefaultScorePolicy() ScorePolicy {
	return ScorePolicy{
		ActiveWeight:            decimal.NewFromInt(50),
		PointsWeight:            decimal.NewFromInt(30),
		MilestoneWeight:         decimal.NewFromInt(20),
		PointsHalfSaturation:    500,
		MilestoneHalfSaturation: 2,
		TrendEpsilon:            decimal.NewFromInt(1),
	}
}

var hundred = decimal.NewFromInt(100)

func (p ScorePolicy) Validate() error {
	for _, w := range []decimal.Decimal{p.ActiveWeight, p.PointsWeight, p.MilestoneWeight} {
		if w.IsNegative() {
			return fmt.Errorf("score weights must be non-negative")
		}
	}
	if sum := p.ActiveWeight.Add(p.PointsWeight).Add(p.MilestoneWeight); !sum.Equal(hundred) {
		return fmt.Errorf("score weights must sum to 100, got %s", sum)
	}
	if p.PointsHalfSaturation <= 0 || p.MilestoneHalfSaturation <= 0 {
		return fmt.Errorf("half-saturation constants must be > 0")
	}
	if p.TrendEpsilon.IsNegative() {
		return fmt.Errorf("trend epsilon must be >= 0")
	}
	return nil
}

// ScoreInputs are the window metrics the score depends on.
type ScoreInputs struct {
	ActiveDays   int
	WindowDays   int
	PointsEarned int64
	Milestones   int
}

// EngagementScore computes the weighted score.
func EngagementScore(p ScorePolicy, in ScoreInputs) decimal.Decimal {
	score := decimal.Zero

	if in.WindowDays > 0 && in.ActiveDays > 0 {
		active := min(in.ActiveDays, in.WindowDays)
		ratio := decimal.NewFromInt(int64(active)).Div(decimal.NewFromInt(int64(in.WindowDays)))
		score = score.Add(p.ActiveWeight.Mul(ratio))
	}
	score = score.Add(p.PointsWeight.Mul(saturate(in.PointsEarned, p.PointsHalfSaturation)))
	score = score.Add(p.MilestoneWeight.Mul(saturate(int64(in.Milestones), p.MilestoneHalfSaturation)))

	return score.Round(2)
}

// saturate returns x / (x + k) for x > 0, else 0.
func saturate(x, k int64) decimal.Decimal {
	if x <= 0 {
		return decimal.Zero
	}
	dx := decimal.NewFromInt(x)
	return dx.Div(dx.Add(decimal.NewFromInt(k)))
}

// =============================================================================
// TREND
// =============================================================================

type Trend string

const (
	TrendUp     Trend = "up"
	TrendDown   Trend = "down"
	TrendStable Trend = "stable"
)

func ClassifyTrend(current, previous, epsilon decimal.Decimal) Trend {
	diff := current.Sub(previous)
	switch {
	case diff.Abs().LessThanOrEqual(epsilon):
		return TrendStable
	case diff.IsPositive():
		return TrendUp
	default:
		return TrendDown
	}
}

// =============================================================================
// WINDOW AGGREGATION
// =============================================================================

// WindowStats are the raw metrics of one window.
type WindowStats struct {
	Start                time.Time
	End                  time.Time
	WindowDays           int
	ActiveDays           int
	PointsEarned         int64
	EventsByType         map[EventType]int
	AchievementsUnlocked int
	ChallengesCompleted  int
}

func (w WindowStats) Inputs() ScoreInputs {
	return ScoreInputs{
		ActiveDays:   w.ActiveDays,
		WindowDays:   w.WindowDays,
		PointsEarned: w.PointsEarned,
		Milestones:   w.AchievementsUnlocked + w.ChallengesCompleted,
	}
}

// WindowDays counts the calendar days in loc touched by [start, end).
func WindowDays(start, end time.Time, loc *time.Location) int {
	if !end.After(start) {
		return 0
	}
	return DaysBetween(DateOf(start, loc), DateOf(end.Add(-time.Nanosecond), loc)) + 1
}

// AggregateWindow computes stats for [start, end) from ledger entries and
// challenge participations. Entries outside the window are ignored.
func AggregateWindow(entries []LedgerEntry, participations []Participation, start, end time.Time, loc *time.Location) WindowStats {
	stats := WindowStats{
		Start:        start,
		End:          end,
		WindowDays:   WindowDays(start, end, loc),
		EventsByType: make(map[EventType]int),
	}

	days := make(map[Date]struct{})
	for _, e := range entries {
		if e.OccurredAt.Before(start) || !e.OccurredAt.Before(end) {
			continue
		}
		stats.PointsEarned += e.PointsDelta
		stats.EventsByType[e.EventType]++
		if e.EventType == EventAchievementUnlocked {
			stats.AchievementsUnlocked++
		}
		if e.CountsAsActivity && !e.EventType.IsSystem() {
			days[DateOf(e.OccurredAt, loc)] = struct{}{}
		}
	}
	stats.ActiveDays = min(len(days), stats.WindowDays)

	for _, p := range participations {
		if p.IsComplete() && !p.CompletedAt.Before(start) && p.CompletedAt.Before(end) {
			stats.ChallengesCompleted++
		}
	}
	return stats
}

// =============================================================================
// SNAPSHOT
// =============================================================================

type InsightKind string

const (
	InsightTrend  InsightKind = "trend"
	InsightStreak InsightKind = "streak"
	InsightLevel  InsightKind = "level"
)

type Insight struct {
	Kind    InsightKind
	Message string
}

// AnalyticsSnapshot is derived and never authoritative.
type AnalyticsSnapshot struct {
	PatientID            PatientID
	WindowStart          time.Time
	WindowEnd            time.Time
	WindowDays           int
	ActiveDays           int
	ActiveDayRatio       decimal.Decimal
	PointsEarned         int64
	EventsByType         map[EventType]int
	AchievementsUnlocked int
	ChallengesCompleted  int
	EngagementScore      decimal.Decimal
	PreviousScore        decimal.Decimal
	Trend                Trend
	Insights             []Insight
	ComputedAt           time.Time
}

// PreviousWindow returns the window of equal length ending at start.
func PreviousWindow(start, end time.Time) (time.Time, time.Time) {
	return start.Add(-end.Sub(start)), start
}

// BuildSnapshot combines current and previous window stats with the
// account's streak and level into a snapshot.
func BuildSnapshot(policy ScorePolicy, account Account, current, previous WindowStats, now time.Time) AnalyticsSnapshot {
	score := EngagementScore(policy, current.Inputs())
	prevScore := EngagementScore(policy, previous.Inputs())
	trend := ClassifyTrend(score, prevScore, policy.TrendEpsilon)

	ratio := decimal.Zero
	if current.WindowDays > 0 {
		ratio = decimal.NewFromInt(int64(current.ActiveDays)).
			Div(decimal.NewFromInt(int64(current.WindowDays))).Round(4)
	}

	snap := AnalyticsSnapshot{
		PatientID:            account.PatientID,
		WindowStart:          current.Start,
		WindowEnd:            current.End,
		WindowDays:           current.WindowDays,
		ActiveDays:           current.ActiveDays,
		ActiveDayRatio:       ratio,
		PointsEarned:         current.PointsEarned,
		EventsByType:         current.EventsByType,
		AchievementsUnlocked: current.AchievementsUnlocked,
		ChallengesCompleted:  current.ChallengesCompleted,
		EngagementScore:      score,
		PreviousScore:        prevScore,
		Trend:                trend,
		ComputedAt:           now,
	}
	snap.Insights = insights(account, snap, now)
	return snap
}

func insights(account Account, snap AnalyticsSnapshot, now time.Time) []Insight {
	var out []Insight

	diff := snap.EngagementScore.Sub(snap.PreviousScore).Abs().StringFixed(2)
	switch snap.Trend {
	case TrendUp:
		out = append(out, Insight{InsightTrend, fmt.Sprintf("Engagement up %s points on the previous period", diff)})
	case TrendDown:
		out = append(out, Insight{InsightTrend, fmt.Sprintf("Engagement down %s points on the previous period", diff)})
	default:
		out = append(out, Insight{InsightTrend, "Engagement steady compared to the previous period"})
	}

	today := DateOf(now, account.Location())
	switch streak := EffectiveStreak(account.Streak(), today); {
	case streak >= 7:
		out = append(out, Insight{InsightStreak, fmt.Sprintf("%d-day activity streak", streak)})
	case streak > 0:
		out = append(out, Insight{InsightStreak, fmt.Sprintf("%d-day streak, longest is %d", streak, account.LongestStreakDays)})
	case account.LongestStreakDays > 0:
		out = append(out, Insight{InsightStreak, fmt.Sprintf("Streak lapsed, longest was %d days", account.LongestStreakDays)})
	}

	if account.ExperienceToNext > 0 {
		out = append(out, Insight{InsightLevel, fmt.Sprintf("%d XP to level %d", account.ExperienceToNext, account.Level+1)})
	} else if account.Level > 1 {
		out = append(out, Insight{InsightLevel, fmt.Sprintf("Maximum level %d reached", account.Level)})
	}
	return out
}
