package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/engagement-engine/engagement"
)

var march10 = time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func ledgerEntry(key string, patient engagement.PatientID, points int64, at time.Time) engagement.LedgerEntry {
	return engagement.LedgerEntry{
		ID: engagement.EntryID("id-" + key), IdempotencyKey: key, PatientID: patient,
		EventType: engagement.EventSessionCompleted, PointsDelta: points,
		OccurredAt: at, RecordedAt: at, CountsAsActivity: true,
	}
}

// =============================================================================
// LEDGER
// =============================================================================

func TestSQLite_AppendIsIdempotent(t *testing.T) {
	// GIVEN: An entry appended once
	// WHEN: The same idempotency key is appended again
	// THEN: AlreadyApplied, and the ledger sum is unchanged

	s := newStore(t)
	ctx := context.Background()

	res, err := s.Append(ctx, ledgerEntry("k1", "p1", 25, march10))
	require.NoError(t, err)
	assert.Equal(t, engagement.Applied, res)

	dup := ledgerEntry("k1", "p1", 25, march10)
	dup.ID = "other-id"
	res, err = s.Append(ctx, dup)
	require.NoError(t, err)
	assert.Equal(t, engagement.AlreadyApplied, res)

	sum, err := s.SumPoints(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(25), sum)

	exists, err := s.Exists(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestSQLite_EntriesKeepAppendOrder(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	// Backfilled entry appended last stays last
	_, err := s.Append(ctx, ledgerEntry("a", "p1", 10, march10))
	require.NoError(t, err)
	_, err = s.Append(ctx, ledgerEntry("b", "p1", 20, march10.Add(time.Hour)))
	require.NoError(t, err)
	_, err = s.Append(ctx, ledgerEntry("c", "p1", 30, march10.Add(-48*time.Hour)))
	require.NoError(t, err)
	_, err = s.Append(ctx, ledgerEntry("d", "p2", 40, march10))
	require.NoError(t, err)

	entries, err := s.Entries(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{entries[0].IdempotencyKey, entries[1].IdempotencyKey, entries[2].IdempotencyKey})
	assert.True(t, entries[2].OccurredAt.Equal(march10.Add(-48*time.Hour)))
	assert.True(t, entries[0].CountsAsActivity)
}

func TestSQLite_EntriesInRangeIsHalfOpen(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	for i, offset := range []time.Duration{-time.Nanosecond, 0, 500 * time.Millisecond, 24 * time.Hour} {
		_, err := s.Append(ctx, ledgerEntry(string(rune('a'+i)), "p1", 1, march10.Add(offset)))
		require.NoError(t, err)
	}

	got, err := s.EntriesInRange(ctx, "p1", march10, march10.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].IdempotencyKey)
	assert.Equal(t, "c", got[1].IdempotencyKey)
}

func TestSQLite_RejectsNegativePoints(t *testing.T) {
	s := newStore(t)
	_, err := s.Append(context.Background(), ledgerEntry("neg", "p1", -5, march10))
	assert.ErrorIs(t, err, engagement.ErrStorageUnavailable)
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func TestSQLite_AccountRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.LoadAccount(ctx, "p1")
	require.ErrorIs(t, err, engagement.ErrAccountNotFound)

	a := engagement.NewAccount("p1", "Europe/Paris", march10, engagement.DefaultCurve())
	a.TotalPoints, a.Experience = 1250, 1250
	a.Level, a.ExperienceIntoLevel, a.ExperienceToNext = 8, 25, 150
	a.CurrentStreakDays, a.LongestStreakDays = 3, 9
	a.LastActiveDate = engagement.NewDate(2026, time.March, 10)
	a.UnlockedAchievements = []engagement.AchievementID{"first-steps", "journaler"}
	a.Badges = []string{"starter"}

	saved, err := s.SaveAccount(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, int64(1), saved.Version)

	loaded, err := s.LoadAccount(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, saved.TotalPoints, loaded.TotalPoints)
	assert.Equal(t, 8, loaded.Level)
	assert.Equal(t, int64(150), loaded.ExperienceToNext)
	assert.Equal(t, a.LastActiveDate, loaded.LastActiveDate)
	assert.Equal(t, a.UnlockedAchievements, loaded.UnlockedAchievements)
	assert.Equal(t, a.Badges, loaded.Badges)
	assert.Equal(t, "Europe/Paris", loaded.TimeZone)
	assert.True(t, loaded.CreatedAt.Equal(march10))
}

func TestSQLite_SaveAccountVersionConflict(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	a := engagement.Account{PatientID: "p1", Level: 1, CreatedAt: march10, UpdatedAt: march10}
	v1, err := s.SaveAccount(ctx, a)
	require.NoError(t, err)

	// Creating again from version 0 conflicts
	_, err = s.SaveAccount(ctx, a)
	var conflict *engagement.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.True(t, engagement.IsRetryable(err))

	v1.TotalPoints = 10
	v2, err := s.SaveAccount(ctx, v1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v2.Version)

	// Stale writer still holding v1
	_, err = s.SaveAccount(ctx, v1)
	assert.ErrorIs(t, err, engagement.ErrConcurrentModification)

	accounts, err := s.ListAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, int64(10), accounts[0].TotalPoints)
}

// =============================================================================
// PROGRESS, PARTICIPATIONS, LEADERBOARDS
// =============================================================================

func TestSQLite_AchievementProgressUpsert(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	p := engagement.AchievementProgress{
		PatientID: "p1", AchievementID: "communicator",
		CurrentByRequirement: []int64{1, 2}, ProgressPercent: 50, UpdatedAt: march10,
	}
	require.NoError(t, s.SaveAchievementProgress(ctx, p))

	p.CurrentByRequirement = []int64{2, 4}
	p.ProgressPercent = 100
	p.Unlocked = true
	p.UnlockedAt = march10.Add(time.Hour)
	require.NoError(t, s.SaveAchievementProgress(ctx, p))

	got, err := s.LoadAchievementProgress(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []int64{2, 4}, got[0].CurrentByRequirement)
	assert.True(t, got[0].Unlocked)
	assert.True(t, got[0].UnlockedAt.Equal(march10.Add(time.Hour)))
}

func TestSQLite_ParticipationsAndLeaderboard(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, found, err := s.LoadParticipation(ctx, "hydration", "p1")
	require.NoError(t, err)
	assert.False(t, found)

	parts := []engagement.Participation{
		{ChallengeID: "hydration", PatientID: "p1", CompletedTaskIDs: []engagement.TaskID{"t1", "t2"}, Score: 30, ProgressPercent: 67, JoinedAt: march10},
		{ChallengeID: "hydration", PatientID: "p2", CompletedTaskIDs: []engagement.TaskID{"t1", "t2", "t3"}, Score: 60, ProgressPercent: 100, CompletedAt: march10, JoinedAt: march10},
		{ChallengeID: "spring", PatientID: "p1", CompletedTaskIDs: []engagement.TaskID{"walk"}, Score: 5, ProgressPercent: 100, CompletedAt: march10, JoinedAt: march10},
	}
	for _, p := range parts {
		require.NoError(t, s.SaveParticipation(ctx, p))
	}

	got, found, err := s.LoadParticipation(ctx, "hydration", "p1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []engagement.TaskID{"t1", "t2"}, got.CompletedTaskIDs)
	assert.True(t, got.CompletedAt.IsZero())

	hydration, err := s.ListParticipations(ctx, "hydration")
	require.NoError(t, err)
	require.Len(t, hydration, 2)

	byPatient, err := s.ListParticipationsByPatient(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, byPatient, 2)
	assert.Equal(t, engagement.ChallengeID("hydration"), byPatient[0].ChallengeID)

	require.NoError(t, s.SaveLeaderboard(ctx, "hydration", engagement.RankLeaderboard(hydration)))
	// Replacing drops stale rows
	require.NoError(t, s.SaveLeaderboard(ctx, "hydration", engagement.RankLeaderboard(hydration[1:])))

	board, err := s.LoadLeaderboard(ctx, "hydration")
	require.NoError(t, err)
	require.Len(t, board, 1)
	assert.Equal(t, engagement.PatientID("p2"), board[0].PatientID)
	assert.Equal(t, 1, board[0].Rank)
	assert.True(t, board[0].CompletedAt.Equal(march10))
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestSQLite_WithTxRollsBack(t *testing.T) {
	// GIVEN: A transaction that appends, saves an account, then fails
	// THEN: No trace of either write remains

	s := newStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx engagement.Store) error {
		_, err := tx.Append(ctx, ledgerEntry("k1", "p1", 25, march10))
		require.NoError(t, err)
		_, err = tx.SaveAccount(ctx, engagement.Account{PatientID: "p1", TotalPoints: 25, CreatedAt: march10, UpdatedAt: march10})
		require.NoError(t, err)

		// Reads inside the transaction see its own writes
		sum, err := tx.SumPoints(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, int64(25), sum)
		return boom
	})
	require.ErrorIs(t, err, boom)

	exists, err := s.Exists(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, exists)
	_, err = s.LoadAccount(ctx, "p1")
	assert.ErrorIs(t, err, engagement.ErrAccountNotFound)
}

func TestSQLite_WithTxCommits(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx engagement.Store) error {
		if _, err := tx.Append(ctx, ledgerEntry("k1", "p1", 25, march10)); err != nil {
			return err
		}
		_, err := tx.SaveAccount(ctx, engagement.Account{PatientID: "p1", TotalPoints: 25, CreatedAt: march10, UpdatedAt: march10})
		return err
	})
	require.NoError(t, err)

	account, err := s.LoadAccount(ctx, "p1")
	require.NoError(t, err)
	sum, err := s.SumPoints(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, sum, account.TotalPoints)
}

// =============================================================================
// RECONCILIATION RUNS
// =============================================================================

func TestSQLite_ReconciliationRuns(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveReconciliationRun(ctx, engagement.ReconciliationRun{ID: "r1", StartedAt: march10, Status: "running"}))
	require.NoError(t, s.SaveReconciliationRun(ctx, engagement.ReconciliationRun{ID: "r2", StartedAt: march10.Add(time.Hour), Status: "running"}))
	require.NoError(t, s.SaveReconciliationRun(ctx, engagement.ReconciliationRun{
		ID: "r1", StartedAt: march10, CompletedAt: march10.Add(time.Minute),
		Accounts: 4, Mismatches: 1, Status: "completed",
	}))

	runs, err := s.ReconciliationRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "r2", runs[0].ID)
	assert.Equal(t, "completed", runs[1].Status)
	assert.Equal(t, 1, runs[1].Mismatches)

	runs, err = s.ReconciliationRuns(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

// =============================================================================
// ENGINE INTEGRATION
// =============================================================================

func TestSQLite_EngineEndToEnd(t *testing.T) {
	// GIVEN: An engine backed by SQLite
	// WHEN: Events, duplicates and task completions are ingested
	// THEN: The ledger reconciles with every stored account

	s := newStore(t)
	ctx := context.Background()

	goals, err := engagement.NewRequirement(engagement.KindGoals, 2, "", "")
	require.NoError(t, err)
	catalog := engagement.NewStaticCatalog(
		[]engagement.Achievement{{ID: "goal-getter", PointsOnUnlock: 40, Badge: "goals", Requirements: []engagement.Requirement{goals}}},
		[]engagement.Challenge{{
			ID: "hydration", StartDate: march10.AddDate(0, 0, -1), EndDate: march10.AddDate(0, 0, 20),
			Tasks: []engagement.ChallengeTask{{ID: "t1", PointsOnCompletion: 10}, {ID: "t2", PointsOnCompletion: 20}},
		}},
		[]engagement.EventRule{{Type: engagement.EventGoalCompleted, Points: 15, CountsAsActivity: true, RequirementKind: engagement.KindGoals}},
	)
	eng := engagement.NewEngine(s, catalog, engagement.WithClock(&engagement.FixedClock{T: march10}))

	for _, key := range []string{"g1", "g2", "g2", "g3"} {
		_, err := eng.SubmitEvent(ctx, engagement.Event{PatientID: "p1", Type: engagement.EventGoalCompleted, IdempotencyKey: key, OccurredAt: march10})
		require.NoError(t, err)
	}
	p, err := eng.CompleteTask(ctx, "p1", "hydration", "t1", "task-1")
	require.NoError(t, err)
	assert.Equal(t, 50, p.ProgressPercent)

	account, err := eng.GetAccount(ctx, "p1")
	require.NoError(t, err)
	// 3 goals * 15 + unlock 40 + task 10
	assert.Equal(t, int64(95), account.TotalPoints)
	assert.True(t, account.HasBadge("goals"))

	reports, err := eng.Reconcile(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.True(t, reports[0].OK(), "%v", reports[0].Mismatches)

	board, err := eng.GetLeaderboard(ctx, "hydration")
	require.NoError(t, err)
	require.Len(t, board, 1)
	assert.Equal(t, int64(10), board[0].Score)
}
