/*
errors.go - Centralized error types for the engagement engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Host layers (api, ingest) classify errors with the helpers at the bottom
  instead of matching individual sentinels.

ERROR CATEGORIES:
  1. No-op signals - DuplicateEvent (not a failure, the event was already applied)
  2. Validation errors - Caller bug or stale catalog reference, never retried
  3. Concurrency errors - ConcurrentModification, retried internally
  4. Store errors - StorageUnavailable, always surfaced

USAGE:
  if errors.Is(err, engagement.ErrChallengeNotActive) {
      // report distinctly, do not retry
  }

SEE ALSO:
  - engine.go: Retry loop for ErrConcurrentModification
  - api/handlers.go: HTTP status mapping
*/
package engagement

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrDuplicateEvent signals that an idempotency key was already applied.
	// Stores return it internally; the engine turns it into AlreadyApplied.
	ErrDuplicateEvent = errors.New("duplicate event")

	// ErrInvalidActivityAmount is returned when an activity amount is <= 0.
	ErrInvalidActivityAmount = errors.New("invalid activity amount")

	// ErrUnknownAchievement is returned when an event references an
	// achievement id that is absent from the catalog.
	ErrUnknownAchievement = errors.New("unknown achievement catalog entry")

	// ErrUnknownRequirementKind is returned for a requirement kind outside
	// the closed set.
	ErrUnknownRequirementKind = errors.New("unknown requirement kind")

	// ErrUnknownTask is returned when a task id is not part of the challenge.
	ErrUnknownTask = errors.New("unknown task")

	// ErrUnknownChallenge is returned when a challenge id is absent from the catalog.
	ErrUnknownChallenge = errors.New("unknown challenge")

	// ErrChallengeNotActive is returned when now is outside [StartDate, EndDate].
	ErrChallengeNotActive = errors.New("challenge not active")

	// ErrConcurrentModification is returned when optimistic locking detects a conflict.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrStorageUnavailable wraps every I/O failure of the underlying store.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrMissingIdempotencyKey is returned when an event has no idempotency key.
	ErrMissingIdempotencyKey = errors.New("idempotency key is required")

	// ErrInvalidEvent is returned for structurally invalid events.
	ErrInvalidEvent = errors.New("invalid event")

	// ErrAccountNotFound is returned by queries for a patient with no account.
	ErrAccountNotFound = errors.New("account not found")

	// ErrAccountArchived is returned when submitting to an archived account.
	ErrAccountArchived = errors.New("account archived")

	// ErrLedgerInconsistent is returned when an engine-generated ledger key
	// is already present but the state it implies is missing.
	ErrLedgerInconsistent = errors.New("ledger inconsistent")

	// ErrInvalidWindow is returned when an analytics window ends before it starts.
	ErrInvalidWindow = errors.New("invalid window: end before start")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// StorageError wraps a store I/O failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage unavailable: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error {
	return []error{ErrStorageUnavailable, e.Err}
}

// NewStorageError wraps err unless it is nil or already classified.
func NewStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorageUnavailable) || errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrDuplicateEvent) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// InvalidAmountError provides details about a rejected activity amount.
type InvalidAmountError struct {
	PatientID PatientID
	Kind      RequirementKind
	Amount    int64
}

func (e *InvalidAmountError) Error() string {
	return fmt.Sprintf("invalid activity amount %d for %s (patient %s)", e.Amount, e.Kind, e.PatientID)
}

func (e *InvalidAmountError) Unwrap() error { return ErrInvalidActivityAmount }

// UnknownAchievementError names the missing catalog entry.
type UnknownAchievementError struct {
	AchievementID AchievementID
}

func (e *UnknownAchievementError) Error() string {
	return fmt.Sprintf("unknown achievement catalog entry: %s", e.AchievementID)
}

func (e *UnknownAchievementError) Unwrap() error { return ErrUnknownAchievement }

// UnknownTaskError names the task that is not part of the challenge.
type UnknownTaskError struct {
	ChallengeID ChallengeID
	TaskID      TaskID
}

func (e *UnknownTaskError) Error() string {
	return fmt.Sprintf("unknown task %s in challenge %s", e.TaskID, e.ChallengeID)
}

func (e *UnknownTaskError) Unwrap() error { return ErrUnknownTask }

// ChallengeNotActiveError reports the challenge window and the evaluation time.
type ChallengeNotActiveError struct {
	ChallengeID ChallengeID
	Start       time.Time
	End         time.Time
	At          time.Time
}

func (e *ChallengeNotActiveError) Error() string {
	return fmt.Sprintf("challenge %s not active at %s (window %s - %s)",
		e.ChallengeID, e.At.Format(time.RFC3339), e.Start.Format(time.RFC3339), e.End.Format(time.RFC3339))
}

func (e *ChallengeNotActiveError) Unwrap() error { return ErrChallengeNotActive }

// ConflictError reports which record failed the optimistic version check.
type ConflictError struct {
	Record   string
	Expected int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("concurrent modification of %s (expected version %d)", e.Record, e.Expected)
}

func (e *ConflictError) Unwrap() error { return ErrConcurrentModification }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrStorageUnavailable)
}

// IsValidationError returns true if the error is due to invalid caller input
// or a stale catalog reference. These are never retried.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidActivityAmount) ||
		errors.Is(err, ErrUnknownAchievement) ||
		errors.Is(err, ErrUnknownRequirementKind) ||
		errors.Is(err, ErrUnknownTask) ||
		errors.Is(err, ErrUnknownChallenge) ||
		errors.Is(err, ErrChallengeNotActive) ||
		errors.Is(err, ErrMissingIdempotencyKey) ||
		errors.Is(err, ErrInvalidEvent) ||
		errors.Is(err, ErrInvalidWindow) ||
		errors.Is(err, ErrAccountArchived)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound)
}
