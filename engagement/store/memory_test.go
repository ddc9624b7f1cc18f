package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/engagement-engine/engagement"
)

var now = time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

func ledgerEntry(key string, patient engagement.PatientID, points int64, at time.Time) engagement.LedgerEntry {
	return engagement.LedgerEntry{
		ID: engagement.EntryID("id-" + key), IdempotencyKey: key, PatientID: patient,
		EventType: engagement.EventSessionCompleted, PointsDelta: points, OccurredAt: at, RecordedAt: at,
	}
}

func TestMemory_AppendIsIdempotent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	res, err := m.Append(ctx, ledgerEntry("k1", "p1", 25, now))
	require.NoError(t, err)
	assert.Equal(t, engagement.Applied, res)

	res, err = m.Append(ctx, ledgerEntry("k1", "p1", 25, now))
	require.NoError(t, err)
	assert.Equal(t, engagement.AlreadyApplied, res)

	sum, err := m.SumPoints(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(25), sum)
}

func TestMemory_EntriesInRange(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	for i, h := range []int{-1, 0, 5, 24} {
		_, err := m.Append(ctx, ledgerEntry(string(rune('a'+i)), "p1", 10, now.Add(time.Duration(h)*time.Hour)))
		require.NoError(t, err)
	}

	got, err := m.EntriesInRange(ctx, "p1", now, now.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].IdempotencyKey)
	assert.Equal(t, "c", got[1].IdempotencyKey)
}

func TestMemory_SaveAccountVersioning(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.LoadAccount(ctx, "p1")
	assert.ErrorIs(t, err, engagement.ErrAccountNotFound)

	saved, err := m.SaveAccount(ctx, engagement.Account{PatientID: "p1"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), saved.Version)

	// Stale write: the caller still holds version 0
	_, err = m.SaveAccount(ctx, engagement.Account{PatientID: "p1", TotalPoints: 5})
	assert.ErrorIs(t, err, engagement.ErrConcurrentModification)

	saved.TotalPoints = 10
	saved, err = m.SaveAccount(ctx, saved)
	require.NoError(t, err)
	assert.Equal(t, int64(2), saved.Version)
}

func TestMemory_ReconciliationRuns(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	for _, id := range []string{"r1", "r2", "r3"} {
		require.NoError(t, m.SaveReconciliationRun(ctx, engagement.ReconciliationRun{ID: id, StartedAt: now, Status: "running"}))
	}
	require.NoError(t, m.SaveReconciliationRun(ctx, engagement.ReconciliationRun{ID: "r2", StartedAt: now, Status: "completed"}))

	runs, err := m.ReconciliationRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "r3", runs[0].ID)
	assert.Equal(t, "r2", runs[1].ID)
	assert.Equal(t, "completed", runs[1].Status)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestTxMemory_RollbackOnError(t *testing.T) {
	// GIVEN: A transaction that appends, saves and then fails
	// THEN: Nothing is visible afterwards

	tm := NewTxMemory()
	ctx := context.Background()
	boom := errors.New("boom")

	err := tm.WithTx(ctx, func(s engagement.Store) error {
		_, err := s.Append(ctx, ledgerEntry("k1", "p1", 25, now))
		require.NoError(t, err)
		_, err = s.SaveAccount(ctx, engagement.Account{PatientID: "p1", TotalPoints: 25})
		require.NoError(t, err)
		require.NoError(t, s.SaveParticipation(ctx, engagement.Participation{ChallengeID: "c1", PatientID: "p1"}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	exists, err := tm.Exists(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, exists)
	_, err = tm.LoadAccount(ctx, "p1")
	assert.ErrorIs(t, err, engagement.ErrAccountNotFound)
	parts, err := tm.ListParticipations(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, parts)
}

func TestTxMemory_ReadsOwnWrites(t *testing.T) {
	tm := NewTxMemory()
	ctx := context.Background()

	_, err := tm.Append(ctx, ledgerEntry("k0", "p1", 5, now))
	require.NoError(t, err)

	err = tm.WithTx(ctx, func(s engagement.Store) error {
		res, err := s.Append(ctx, ledgerEntry("k1", "p1", 25, now))
		require.NoError(t, err)
		assert.Equal(t, engagement.Applied, res)

		res, err = s.Append(ctx, ledgerEntry("k1", "p1", 25, now))
		require.NoError(t, err)
		assert.Equal(t, engagement.AlreadyApplied, res)

		sum, err := s.SumPoints(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, int64(30), sum)

		saved, err := s.SaveAccount(ctx, engagement.Account{PatientID: "p1", TotalPoints: 30})
		require.NoError(t, err)
		loaded, err := s.LoadAccount(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, saved, loaded)

		// Outside the transaction nothing is visible yet
		exists, err := tm.Exists(ctx, "k1")
		require.NoError(t, err)
		assert.False(t, exists)
		return nil
	})
	require.NoError(t, err)

	account, err := tm.LoadAccount(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(30), account.TotalPoints)
	assert.Equal(t, int64(1), account.Version)
}

func TestTxMemory_CommitDetectsConflicts(t *testing.T) {
	tm := NewTxMemory()
	ctx := context.Background()

	t.Run("account version moved", func(t *testing.T) {
		err := tm.WithTx(ctx, func(s engagement.Store) error {
			_, err := s.SaveAccount(ctx, engagement.Account{PatientID: "p1"})
			require.NoError(t, err)

			// A competing writer lands first
			_, err = tm.SaveAccount(ctx, engagement.Account{PatientID: "p1"})
			require.NoError(t, err)
			return nil
		})
		assert.ErrorIs(t, err, engagement.ErrConcurrentModification)

		account, err := tm.LoadAccount(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), account.Version)
	})

	t.Run("ledger key taken", func(t *testing.T) {
		err := tm.WithTx(ctx, func(s engagement.Store) error {
			_, err := s.Append(ctx, ledgerEntry("shared", "p2", 10, now))
			require.NoError(t, err)

			_, err = tm.Append(ctx, ledgerEntry("shared", "p3", 10, now))
			require.NoError(t, err)
			return nil
		})
		var conflict *engagement.ConflictError
		require.ErrorAs(t, err, &conflict)

		entries, err := tm.Entries(ctx, "p2")
		require.NoError(t, err)
		assert.Empty(t, entries)
	})
}

func TestTxMemory_CanceledContext(t *testing.T) {
	tm := NewTxMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := tm.WithTx(ctx, func(engagement.Store) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestTxMemory_ListingsMergeStagedWrites(t *testing.T) {
	tm := NewTxMemory()
	ctx := context.Background()
	require.NoError(t, tm.SaveParticipation(ctx, engagement.Participation{ChallengeID: "c1", PatientID: "a", Score: 10}))

	err := tm.WithTx(ctx, func(s engagement.Store) error {
		require.NoError(t, s.SaveParticipation(ctx, engagement.Participation{ChallengeID: "c1", PatientID: "b", Score: 20}))
		require.NoError(t, s.SaveParticipation(ctx, engagement.Participation{ChallengeID: "c1", PatientID: "a", Score: 30}))

		parts, err := s.ListParticipations(ctx, "c1")
		require.NoError(t, err)
		require.Len(t, parts, 2)
		assert.Equal(t, int64(30), parts[0].Score)

		board := engagement.RankLeaderboard(parts)
		require.NoError(t, s.SaveLeaderboard(ctx, "c1", board))
		got, err := s.LoadLeaderboard(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, board, got)
		return nil
	})
	require.NoError(t, err)

	board, err := tm.LoadLeaderboard(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, board, 2)
	assert.Equal(t, engagement.PatientID("a"), board[0].PatientID)
}
