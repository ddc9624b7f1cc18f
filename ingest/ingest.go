/*
Package ingest feeds external events into the engine with at-least-once
delivery.

FLOW:
  Source.Fetch -> decode -> Engine.SubmitEvent -> Source.Commit

  A message is committed only after the engine accepted it, skipped it as a
  duplicate, or rejected it as invalid. Redelivery after a crash is safe
  because every event carries an idempotency key.

ERROR POLICY:
  decode or validation error   log, count as rejected, commit
  retryable (conflict, storage) retry up to MaxAttempts with backoff
  retries exhausted             stop without committing; the message is
                                redelivered on restart
  context canceled              stop

WIRE FORMAT:
  {
    "patient_id": "p-123",
    "type": "appointment_attended",
    "occurred_at": "2026-03-10T14:00:00Z",
    "idempotency_key": "ehr-visit-8841",
    "time_zone": "America/Chicago",
    "challenge_id": "hydration-march",
    "task_id": "log-water"
  }

SOURCES:
  - kafka.go:   segmentio/kafka-go consumer group reader
  - channel.go: in-process channel, for tests and embedding
*/
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/warp/engagement-engine/engagement"
)

// ErrMalformedMessage is returned for payloads that are not valid events.
var ErrMalformedMessage = errors.New("malformed event message")

// =============================================================================
// WIRE FORMAT
// =============================================================================

// EventMessage is the JSON form of engagement.Event shared by every
// transport.
type EventMessage struct {
	PatientID       string    `json:"patient_id"`
	Type            string    `json:"type"`
	RequirementKind string    `json:"requirement_kind,omitempty"`
	Amount          int64     `json:"amount,omitempty"`
	CustomKey       string    `json:"custom_key,omitempty"`
	AchievementID   string    `json:"achievement_id,omitempty"`
	ChallengeID     string    `json:"challenge_id,omitempty"`
	TaskID          string    `json:"task_id,omitempty"`
	OccurredAt      time.Time `json:"occurred_at"`
	IdempotencyKey  string    `json:"idempotency_key"`
	TimeZone        string    `json:"time_zone,omitempty"`
	SourceReference string    `json:"source_reference,omitempty"`
}

// Event converts the message. Field validation is left to the engine.
func (m EventMessage) Event() (engagement.Event, error) {
	ev := engagement.Event{
		PatientID:       engagement.PatientID(m.PatientID),
		Type:            engagement.EventType(m.Type),
		RequirementKind: engagement.RequirementKind(m.RequirementKind),
		Amount:          m.Amount,
		CustomKey:       m.CustomKey,
		AchievementID:   engagement.AchievementID(m.AchievementID),
		OccurredAt:      m.OccurredAt,
		IdempotencyKey:  m.IdempotencyKey,
		TimeZone:        m.TimeZone,
		SourceReference: m.SourceReference,
	}
	switch {
	case m.ChallengeID != "" && m.TaskID != "":
		ev.ChallengeTask = &engagement.ChallengeTaskRef{
			ChallengeID: engagement.ChallengeID(m.ChallengeID),
			TaskID:      engagement.TaskID(m.TaskID),
		}
	case m.ChallengeID != "" || m.TaskID != "":
		return engagement.Event{}, fmt.Errorf("%w: challenge_id and task_id must be set together", ErrMalformedMessage)
	}
	return ev, nil
}

// MessageFromEvent is the inverse of EventMessage.Event.
func MessageFromEvent(ev engagement.Event) EventMessage {
	m := EventMessage{
		PatientID:       string(ev.PatientID),
		Type:            string(ev.Type),
		RequirementKind: string(ev.RequirementKind),
		Amount:          ev.Amount,
		CustomKey:       ev.CustomKey,
		AchievementID:   string(ev.AchievementID),
		OccurredAt:      ev.OccurredAt,
		IdempotencyKey:  ev.IdempotencyKey,
		TimeZone:        ev.TimeZone,
		SourceReference: ev.SourceReference,
	}
	if ev.ChallengeTask != nil {
		m.ChallengeID = string(ev.ChallengeTask.ChallengeID)
		m.TaskID = string(ev.ChallengeTask.TaskID)
	}
	return m
}

// Decode parses one JSON payload into an event.
func Decode(data []byte) (engagement.Event, error) {
	var m EventMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return engagement.Event{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return m.Event()
}

// Encode is the inverse of Decode.
func Encode(ev engagement.Event) ([]byte, error) {
	return json.Marshal(MessageFromEvent(ev))
}

// =============================================================================
// SOURCE
// =============================================================================

// Message is one payload read from a Source.
type Message struct {
	Key       []byte
	Value     []byte
	Topic     string
	Partition int
	Offset    int64
}

// Source delivers messages until Commit acknowledges them.
type Source interface {
	Name() string
	// Fetch blocks until a message is available or ctx is done.
	Fetch(ctx context.Context) (Message, error)
	Commit(ctx context.Context, msg Message) error
	Close() error
}

// Submitter is the part of the engine the consumer needs.
type Submitter interface {
	SubmitEvent(ctx context.Context, ev engagement.Event) (engagement.SubmitResult, error)
}

// Counter is implemented by metrics.Recorder.
type Counter interface {
	IngestMessage(source, result string)
}

type nopCounter struct{}

func (nopCounter) IngestMessage(string, string) {}

// =============================================================================
// CONSUMER
// =============================================================================

// Consumer pulls from one Source and submits to the engine.
type Consumer struct {
	source       Source
	engine       Submitter
	logger       *slog.Logger
	counter      Counter
	maxAttempts  int
	retryBackoff time.Duration
}

type ConsumerOption func(*Consumer)

func WithLogger(l *slog.Logger) ConsumerOption { return func(c *Consumer) { c.logger = l } }
func WithCounter(m Counter) ConsumerOption     { return func(c *Consumer) { c.counter = m } }

// WithRetry sets how many times a retryable failure is attempted and the
// base backoff between attempts.
func WithRetry(maxAttempts int, backoff time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.maxAttempts = maxAttempts
		c.retryBackoff = backoff
	}
}

func NewConsumer(source Source, engine Submitter, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		source:       source,
		engine:       engine,
		logger:       slog.Default(),
		counter:      nopCounter{},
		maxAttempts:  5,
		retryBackoff: 200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxAttempts < 1 {
		c.maxAttempts = 1
	}
	return c
}

// Run processes messages until ctx is canceled (returns nil) or a message
// cannot be processed after every retry (returns the error).
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("ingest consumer started", "source", c.source.Name())
	defer c.logger.Info("ingest consumer stopped", "source", c.source.Name())

	for {
		msg, err := c.source.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrSourceClosed) {
				return nil
			}
			return fmt.Errorf("fetch from %s: %w", c.source.Name(), err)
		}

		if err := c.Handle(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// Handle processes and commits one message. It returns an error only when
// the message must not be committed.
func (c *Consumer) Handle(ctx context.Context, msg Message) error {
	result, err := c.process(ctx, msg)
	if err != nil {
		c.counter.IngestMessage(c.source.Name(), engagement.OutcomeFailed)
		return err
	}
	c.counter.IngestMessage(c.source.Name(), result)

	if err := c.source.Commit(ctx, msg); err != nil {
		return fmt.Errorf("commit offset %d: %w", msg.Offset, err)
	}
	return nil
}

func (c *Consumer) process(ctx context.Context, msg Message) (string, error) {
	ev, err := Decode(msg.Value)
	if err != nil {
		c.logger.Warn("dropping malformed message",
			"source", c.source.Name(), "offset", msg.Offset, "error", err)
		return engagement.OutcomeRejected, nil
	}

	for attempt := 1; ; attempt++ {
		res, err := c.engine.SubmitEvent(ctx, ev)
		switch {
		case err == nil && res.Applied:
			return engagement.OutcomeApplied, nil
		case err == nil:
			return engagement.OutcomeDuplicate, nil
		case engagement.IsValidationError(err):
			c.logger.Warn("dropping invalid event",
				"patient", ev.PatientID, "type", ev.Type, "key", ev.IdempotencyKey, "error", err)
			return engagement.OutcomeRejected, nil
		case !engagement.IsRetryable(err):
			return "", fmt.Errorf("submit %s: %w", ev.IdempotencyKey, err)
		case attempt >= c.maxAttempts:
			return "", fmt.Errorf("submit %s: giving up after %d attempts: %w", ev.IdempotencyKey, attempt, err)
		}

		c.logger.Warn("retrying event",
			"key", ev.IdempotencyKey, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(c.retryBackoff * time.Duration(attempt)):
		}
	}
}
