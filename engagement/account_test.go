package engagement

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(key string, t EventType, points int64, at time.Time, activity bool) LedgerEntry {
	return LedgerEntry{
		ID: EntryID(key), IdempotencyKey: key, PatientID: "p1",
		EventType: t, PointsDelta: points, OccurredAt: at, RecordedAt: at, CountsAsActivity: activity,
	}
}

func TestApplyLedgerEntry_PointsLevelAndStreak(t *testing.T) {
	curve := DefaultCurve()
	a := NewAccount("p1", "UTC", t0, curve)

	a = ApplyLedgerEntry(a, entry("e1", EventSessionCompleted, 200, t0, true), curve)

	assert.Equal(t, int64(200), a.TotalPoints)
	assert.Equal(t, int64(200), a.Experience)
	assert.Equal(t, 2, a.Level)
	assert.Equal(t, int64(150), a.ExperienceToNext)
	assert.Equal(t, 1, a.CurrentStreakDays)
	assert.Equal(t, 1, a.LongestStreakDays)
	assert.Equal(t, DateOf(t0, time.UTC), a.LastActiveDate)
}

func TestApplyLedgerEntry_IsPure(t *testing.T) {
	curve := DefaultCurve()
	a := NewAccount("p1", "UTC", t0, curve)
	a = ApplyLedgerEntry(a, entry("u1", EventAchievementUnlocked, 50, t0, false), curve)
	a.UnlockedAchievements = []AchievementID{"a"}
	snapshot := a

	unlock := entry("u2", EventAchievementUnlocked, 50, t0, false)
	unlock.SourceReference = "b"
	next := ApplyLedgerEntry(a, unlock, curve)

	assert.Equal(t, snapshot, a)
	assert.Equal(t, []AchievementID{"a"}, a.UnlockedAchievements)
	assert.Equal(t, []AchievementID{"a", "b"}, next.UnlockedAchievements)
}

func TestApplyLedgerEntry_SystemEntriesDoNotCountAsActivity(t *testing.T) {
	curve := DefaultCurve()
	a := NewAccount("p1", "UTC", t0, curve)

	// Even if flagged, engine-produced entries never advance the streak.
	a = ApplyLedgerEntry(a, entry("c1", EventChallengeTask, 10, t0, true), curve)
	assert.Equal(t, 0, a.CurrentStreakDays)
	assert.True(t, a.LastActiveDate.IsZero())
}

func TestGrantBadge(t *testing.T) {
	a := Account{PatientID: "p1"}
	a = GrantBadge(a, "starter")
	a = GrantBadge(a, "hydrated")
	a = GrantBadge(a, "starter")
	a = GrantBadge(a, "")

	assert.Equal(t, []string{"hydrated", "starter"}, a.Badges)
	assert.True(t, a.HasBadge("starter"))
	assert.False(t, a.HasBadge("legend"))
}

func TestReplay_MatchesIncrementalApplication(t *testing.T) {
	curve := DefaultCurve()
	entries := []LedgerEntry{
		entry("e1", EventSessionCompleted, 25, t0, true),
		entry("e2", EventJournalEntry, 10, t0.Add(24*time.Hour), true),
		entry("e3", EventSessionCompleted, 25, t0.Add(-48*time.Hour), true), // backfilled
		entry("e4", EventLogin, 0, t0.Add(72*time.Hour), true),
	}
	unlock := entry("u1", EventAchievementUnlocked, 150, t0.Add(72*time.Hour), false)
	unlock.SourceReference = "week-warrior"
	entries = append(entries, unlock)

	incremental := NewAccount("p1", "UTC", time.Time{}, curve)
	for _, e := range entries {
		incremental = ApplyLedgerEntry(incremental, e, curve)
	}
	replayed := Replay("p1", "UTC", entries, curve)

	assert.Equal(t, incremental.TotalPoints, replayed.TotalPoints)
	assert.Equal(t, int64(210), replayed.TotalPoints)
	assert.Equal(t, incremental.Level, replayed.Level)
	assert.Equal(t, 1, replayed.CurrentStreakDays) // gap between day 1 and day 3
	assert.Equal(t, 2, replayed.LongestStreakDays)
	assert.True(t, replayed.HasAchievement("week-warrior"))
}

// =============================================================================
// OWNER
// =============================================================================

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	var km KeyedMutex
	ctx := context.Background()

	var mu sync.Mutex
	inside, maxInside := 0, 0

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := km.Lock(ctx, "p1")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			inside++
			maxInside = max(maxInside, inside)
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxInside)
	assert.Equal(t, 0, km.Len())
}

func TestKeyedMutex_DifferentKeysIndependent(t *testing.T) {
	var km KeyedMutex
	ctx := context.Background()

	unlockA, err := km.Lock(ctx, "a")
	require.NoError(t, err)
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB, err := km.Lock(ctx, "b")
		if err == nil {
			unlockB()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b blocked behind a")
	}
}

func TestKeyedMutex_ContextCancel(t *testing.T) {
	var km KeyedMutex
	unlock, err := km.Lock(context.Background(), "p1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = km.Lock(ctx, "p1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	assert.Equal(t, 0, km.Len())
}
