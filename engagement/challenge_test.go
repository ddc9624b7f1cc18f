package engagement

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func threeTaskChallenge() Challenge {
	return Challenge{
		ID:        "hydration",
		Name:      "Hydration Week",
		StartDate: time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2026, time.March, 31, 23, 59, 59, 0, time.UTC),
		Tasks: []ChallengeTask{
			{ID: "t1", Name: "Log water", PointsOnCompletion: 10},
			{ID: "t2", Name: "Refill bottle", PointsOnCompletion: 20},
			{ID: "t3", Name: "Eight glasses", PointsOnCompletion: 30},
		},
		CompletionBadge: "hydrated",
	}
}

func TestChallenge_ProgressRoundsAndCompletes(t *testing.T) {
	// GIVEN: A 3-task challenge
	// WHEN: Completing 2 distinct tasks, then the 3rd
	// THEN: 67 after two (rounded), 100 and CompletedAt after three

	ch := threeTaskChallenge()
	p := Participation{ChallengeID: ch.ID, PatientID: "p1"}

	p, newly, err := CompleteChallengeTask(ch, p, "t1", t0)
	require.NoError(t, err)
	require.True(t, newly)
	p, _, err = CompleteChallengeTask(ch, p, "t2", t0.Add(time.Hour))
	require.NoError(t, err)

	assert.Equal(t, 67, p.ProgressPercent)
	assert.True(t, p.CompletedAt.IsZero())
	assert.Equal(t, int64(30), p.Score)

	done := t0.Add(2 * time.Hour)
	p, _, err = CompleteChallengeTask(ch, p, "t3", done)
	require.NoError(t, err)

	assert.Equal(t, 100, p.ProgressPercent)
	assert.Equal(t, done, p.CompletedAt)
	assert.Equal(t, int64(60), p.Score)
	assert.Equal(t, []TaskID{"t1", "t2", "t3"}, p.CompletedTaskIDs)
}

func TestChallenge_CompletingTwiceIsNoop(t *testing.T) {
	ch := threeTaskChallenge()
	p, _, err := CompleteChallengeTask(ch, Participation{ChallengeID: ch.ID, PatientID: "p1"}, "t1", t0)
	require.NoError(t, err)

	again, newly, err := CompleteChallengeTask(ch, p, "t1", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, newly)
	assert.Equal(t, p, again)
}

func TestChallenge_Window(t *testing.T) {
	ch := threeTaskChallenge()

	tests := []struct {
		name   string
		at     time.Time
		status ChallengeStatus
	}{
		{"before start", ch.StartDate.Add(-time.Second), ChallengeUpcoming},
		{"at start", ch.StartDate, ChallengeActive},
		{"at end", ch.EndDate, ChallengeActive},
		{"after end", ch.EndDate.Add(time.Second), ChallengeExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.status, ch.Status(tt.at))
			_, _, err := CompleteChallengeTask(ch, Participation{}, "t1", tt.at)
			if tt.status == ChallengeActive {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrChallengeNotActive)
			}
		})
	}
}

func TestChallenge_UnknownTask(t *testing.T) {
	ch := threeTaskChallenge()
	_, _, err := CompleteChallengeTask(ch, Participation{}, "t9", t0)

	var taskErr *UnknownTaskError
	require.ErrorAs(t, err, &taskErr)
	assert.Equal(t, TaskID("t9"), taskErr.TaskID)
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func TestChallengeProgressPercent(t *testing.T) {
	tests := []struct {
		completed, total, want int
	}{
		{0, 3, 0},
		{1, 3, 33},
		{2, 3, 67},
		{3, 3, 100},
		{1, 8, 13},
		{1, 6, 17},
		{0, 0, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ChallengeProgressPercent(tt.completed, tt.total), "%d/%d", tt.completed, tt.total)
	}
}

func TestRankLeaderboard_Ordering(t *testing.T) {
	// GIVEN: Ties on score broken by earlier completion, unset completion
	//        last, then patient id
	early := t0
	late := t0.Add(time.Hour)

	board := RankLeaderboard([]Participation{
		{PatientID: "dave", Score: 30},
		{PatientID: "carol", Score: 60, CompletedAt: late},
		{PatientID: "bob", Score: 60, CompletedAt: early},
		{PatientID: "erin", Score: 30},
		{PatientID: "alice", Score: 10, CompletedAt: early},
		{PatientID: "frank", Score: 30, CompletedAt: late},
	})

	var order []PatientID
	for i, e := range board {
		assert.Equal(t, i+1, e.Rank)
		order = append(order, e.PatientID)
	}
	assert.Equal(t, []PatientID{"bob", "carol", "frank", "dave", "erin", "alice"}, order)
}

func TestChallengeTaskKey(t *testing.T) {
	assert.Equal(t, "challenge:hydration:t2:p1", ChallengeTaskKey("hydration", "t2", "p1"))
}
