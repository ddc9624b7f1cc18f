package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/engagement-engine/catalog"
	"github.com/warp/engagement-engine/engagement"
	"github.com/warp/engagement-engine/engagement/store"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func payload(t *testing.T, m EventMessage) []byte {
	t.Helper()
	ev, err := m.Event()
	require.NoError(t, err)
	data, err := Encode(ev)
	require.NoError(t, err)
	return data
}

// scriptedEngine returns queued errors before delegating to a result.
type scriptedEngine struct {
	mu     sync.Mutex
	errs   []error
	calls  int
	result engagement.SubmitResult
}

func (s *scriptedEngine) SubmitEvent(context.Context, engagement.Event) (engagement.SubmitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return engagement.SubmitResult{}, err
	}
	return s.result, nil
}

type countingCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *countingCounter) IngestMessage(_, result string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = make(map[string]int)
	}
	c.counts[result]++
}

// =============================================================================
// WIRE FORMAT
// =============================================================================

func TestDecode(t *testing.T) {
	at := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

	t.Run("full message", func(t *testing.T) {
		ev, err := Decode([]byte(`{
			"patient_id": "p1", "type": "challenge_task",
			"occurred_at": "2026-03-10T14:00:00Z", "idempotency_key": "k1",
			"challenge_id": "hydration", "task_id": "t1", "time_zone": "Asia/Tokyo"
		}`))
		require.NoError(t, err)
		assert.Equal(t, engagement.PatientID("p1"), ev.PatientID)
		assert.Equal(t, engagement.EventType("challenge_task"), ev.Type)
		assert.True(t, ev.OccurredAt.Equal(at))
		assert.Equal(t, "Asia/Tokyo", ev.TimeZone)
		require.NotNil(t, ev.ChallengeTask)
		assert.Equal(t, "hydration/t1", ev.ChallengeTask.String())
	})

	t.Run("task without challenge", func(t *testing.T) {
		_, err := Decode([]byte(`{"patient_id": "p1", "type": "x", "idempotency_key": "k", "task_id": "t1"}`))
		assert.ErrorIs(t, err, ErrMalformedMessage)
	})

	t.Run("not json", func(t *testing.T) {
		_, err := Decode([]byte(`not json`))
		assert.ErrorIs(t, err, ErrMalformedMessage)
	})

	t.Run("encode round trip", func(t *testing.T) {
		in := engagement.Event{
			PatientID:       "p2",
			Type:            engagement.EventActivity,
			RequirementKind: engagement.KindCustom,
			CustomKey:       "journal",
			Amount:          3,
			OccurredAt:      at,
			IdempotencyKey:  "k2",
		}
		data, err := Encode(in)
		require.NoError(t, err)
		out, err := Decode(data)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	})
}

// =============================================================================
// CONSUMER
// =============================================================================

func TestConsumer_AppliesAndCommits(t *testing.T) {
	// GIVEN an engine over the built-in catalog and a channel source
	eng := engagement.NewEngine(store.NewTxMemory(), catalog.Default(), engagement.WithLogger(quiet))
	src := NewChannelSource(10)
	counter := &countingCounter{}
	now := time.Now().UTC()

	src.Send(payload(t, EventMessage{PatientID: "p1", Type: "session_completed", OccurredAt: now, IdempotencyKey: "s-1"}))
	src.Send(payload(t, EventMessage{PatientID: "p1", Type: "session_completed", OccurredAt: now, IdempotencyKey: "s-1"}))
	src.Send([]byte(`{broken`))
	src.Send(payload(t, EventMessage{PatientID: "p1", Type: "message_sent", OccurredAt: now}))
	require.NoError(t, src.Close())

	// WHEN the consumer drains the source
	c := NewConsumer(src, eng, WithLogger(quiet), WithCounter(counter))
	require.NoError(t, c.Run(context.Background()))

	// THEN every message is committed, including duplicates and rejects
	assert.Equal(t, []int64{0, 1, 2, 3}, src.Committed())
	assert.Equal(t, 1, counter.counts[engagement.OutcomeApplied])
	assert.Equal(t, 1, counter.counts[engagement.OutcomeDuplicate])
	assert.Equal(t, 2, counter.counts[engagement.OutcomeRejected])

	// AND the session was applied exactly once (25 points + first-steps 50)
	acc, err := eng.GetAccount(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(75), acc.TotalPoints)
}

func TestConsumer_RetriesRetryableErrors(t *testing.T) {
	// GIVEN an engine that conflicts twice before succeeding
	eng := &scriptedEngine{
		errs:   []error{engagement.ErrConcurrentModification, engagement.NewStorageError("save", errors.New("disk busy"))},
		result: engagement.SubmitResult{Applied: true},
	}
	src := NewChannelSource(1)
	src.Send(payload(t, EventMessage{PatientID: "p1", Type: "login", IdempotencyKey: "k"}))
	require.NoError(t, src.Close())

	// WHEN consumed
	c := NewConsumer(src, eng, WithLogger(quiet), WithRetry(3, time.Microsecond))
	require.NoError(t, c.Run(context.Background()))

	// THEN it was attempted three times and committed once
	assert.Equal(t, 3, eng.calls)
	assert.Equal(t, []int64{0}, src.Committed())
}

func TestConsumer_StopsWithoutCommitWhenRetriesExhausted(t *testing.T) {
	eng := &scriptedEngine{errs: []error{
		engagement.ErrConcurrentModification,
		engagement.ErrConcurrentModification,
		engagement.ErrConcurrentModification,
	}}
	src := NewChannelSource(1)
	src.Send(payload(t, EventMessage{PatientID: "p1", Type: "login", IdempotencyKey: "k"}))

	c := NewConsumer(src, eng, WithLogger(quiet), WithRetry(2, time.Microsecond))
	err := c.Run(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, engagement.ErrConcurrentModification)
	assert.Equal(t, 2, eng.calls)
	assert.Empty(t, src.Committed())
}

func TestConsumer_NonRetryableErrorStops(t *testing.T) {
	boom := errors.New("boom")
	eng := &scriptedEngine{errs: []error{boom}}
	src := NewChannelSource(1)
	src.Send(payload(t, EventMessage{PatientID: "p1", Type: "login", IdempotencyKey: "k"}))

	err := NewConsumer(src, eng, WithLogger(quiet)).Run(context.Background())

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, eng.calls)
	assert.Empty(t, src.Committed())
}

func TestConsumer_ValidationErrorIsCommitted(t *testing.T) {
	eng := &scriptedEngine{errs: []error{engagement.ErrMissingIdempotencyKey}}
	src := NewChannelSource(1)
	src.Send(payload(t, EventMessage{PatientID: "p1", Type: "login"}))
	require.NoError(t, src.Close())

	require.NoError(t, NewConsumer(src, eng, WithLogger(quiet)).Run(context.Background()))
	assert.Equal(t, []int64{0}, src.Committed())
}

func TestConsumer_StopsOnCancel(t *testing.T) {
	src := NewChannelSource(1)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- NewConsumer(src, &scriptedEngine{}, WithLogger(quiet)).Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
}
