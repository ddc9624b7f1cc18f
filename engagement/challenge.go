/*
challenge.go - ChallengeTracker

PURPOSE:
  Per-task completion, derived progress and leaderboard ranking for
  time-bounded challenges.

RULES:
  - now outside [StartDate, EndDate] -> ChallengeNotActive
  - task not in the challenge       -> UnknownTask
  - already completed task          -> no-op, participation unchanged
  - otherwise record the task, recompute ProgressPercent as
    round(completed / total * 100), and set CompletedAt at 100

LEADERBOARD:
  Recomputed in full after every completion, never patched:
    score desc, completedAt asc (unset last), patientID asc

  The engine serializes recomputation per challenge; it reads every
  participant's record.

TASK ENTRY:
  Key: challenge:<challenge>:<task>:<patient>
*/
package engagement

import (
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Participation is one patient's record in one challenge.
type Participation struct {
	ChallengeID      ChallengeID
	PatientID        PatientID
	CompletedTaskIDs []TaskID // in completion order
	Score            int64
	ProgressPercent  int
	CompletedAt      time.Time
	JoinedAt         time.Time
}

func (p Participation) HasCompleted(id TaskID) bool {
	return slices.Contains(p.CompletedTaskIDs, id)
}

func (p Participation) IsComplete() bool { return !p.CompletedAt.IsZero() }

// LeaderboardEntry is one ranked row.
type LeaderboardEntry struct {
	Rank            int
	PatientID       PatientID
	Score           int64
	ProgressPercent int
	CompletedAt     time.Time
}

// ChallengeTaskKey is the idempotency key of a task completion entry.
func ChallengeTaskKey(challengeID ChallengeID, taskID TaskID, patientID PatientID) string {
	return fmt.Sprintf("challenge:%s:%s:%s", challengeID, taskID, patientID)
}

// ChallengeProgressPercent rounds completed/total*100 half away from zero.
func ChallengeProgressPercent(completed, total int) int {
	if total <= 0 {
		return 0
	}
	pct := decimal.NewFromInt(int64(completed) * 100).
		Div(decimal.NewFromInt(int64(total))).
		Round(0)
	return int(pct.IntPart())
}

// CheckChallengeTask validates a completion request against the challenge
// window and task list.
func CheckChallengeTask(ch Challenge, taskID TaskID, now time.Time) (ChallengeTask, error) {
	if !ch.IsActive(now) {
		return ChallengeTask{}, &ChallengeNotActiveError{
			ChallengeID: ch.ID, Start: ch.StartDate, End: ch.EndDate, At: now,
		}
	}
	task, ok := ch.Task(taskID)
	if !ok {
		return ChallengeTask{}, &UnknownTaskError{ChallengeID: ch.ID, TaskID: taskID}
	}
	return task, nil
}

// CompleteChallengeTask records taskID on p. It reports false, with p
// unchanged, when the task was already completed.
func CompleteChallengeTask(ch Challenge, p Participation, taskID TaskID, now time.Time) (Participation, bool, error) {
	task, err := CheckChallengeTask(ch, taskID, now)
	if err != nil {
		return p, false, err
	}
	if p.HasCompleted(taskID) {
		return p, false, nil
	}

	next := p
	if next.JoinedAt.IsZero() {
		next.JoinedAt = now
	}
	next.CompletedTaskIDs = append(slices.Clip(p.CompletedTaskIDs), taskID)
	next.Score += task.PointsOnCompletion
	next.ProgressPercent = ChallengeProgressPercent(len(next.CompletedTaskIDs), len(ch.Tasks))
	if next.ProgressPercent == 100 && next.CompletedAt.IsZero() {
		next.CompletedAt = now
	}
	return next, true, nil
}

// RankLeaderboard orders participations and assigns 1-based ranks.
func RankLeaderboard(participations []Participation) []LeaderboardEntry {
	sorted := slices.Clone(participations)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.CompletedAt.Equal(b.CompletedAt) {
			switch {
			case a.CompletedAt.IsZero():
				return false
			case b.CompletedAt.IsZero():
				return true
			default:
				return a.CompletedAt.Before(b.CompletedAt)
			}
		}
		return a.PatientID < b.PatientID
	})

	entries := make([]LeaderboardEntry, len(sorted))
	for i, p := range sorted {
		entries[i] = LeaderboardEntry{
			Rank:            i + 1,
			PatientID:       p.PatientID,
			Score:           p.Score,
			ProgressPercent: p.ProgressPercent,
			CompletedAt:     p.CompletedAt,
		}
	}
	return entries
}
