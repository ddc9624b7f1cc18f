/*
Package engagement provides the patient engagement scoring and progression engine.

PURPOSE:
  This package contains the computational core behind patient engagement:
  when an achievement unlocks, how a multi-day activity streak is computed,
  how a challenge's completion percentage is derived from its tasks, how
  cumulative points map to a level, and how a rolling window of events
  becomes an engagement score.

KEY CONCEPTS IN THIS FILE (types.go):
  - Identifiers: PatientID, AchievementID, ChallengeID, TaskID
  - EventType: What happened (session completed, journal entry, ...)
  - LedgerEntry: An immutable, idempotent record of a point-awarding event
  - Event / SubmitResult: The ingestion contract

DESIGN PRINCIPLES:
  1. Ledger first: every point award is a LedgerEntry appended exactly once
  2. Derived state: level, progress percentages and scores are recomputed,
     never stored independently of their inputs
  3. Per-patient ownership: updates for one patient are strictly ordered,
     different patients never share a lock
  4. No singletons: all state is keyed by patient and lives behind a Store

SEE ALSO:
  - ledger.go: LedgerStore contract
  - account.go: Account and ApplyLedgerEntry
  - engine.go: Ingestion, query and analytics operations
*/
package engagement

import "time"

// =============================================================================
// IDENTIFIERS
// =============================================================================

type PatientID string
type AchievementID string
type ChallengeID string
type TaskID string
type EntryID string

// =============================================================================
// EVENT TYPES
// =============================================================================

// EventType identifies what kind of event produced a ledger entry.
type EventType string

const (
	EventSessionCompleted    EventType = "session_completed"
	EventJournalEntry        EventType = "journal_entry"
	EventAppointmentAttended EventType = "appointment_attended"
	EventMessageSent         EventType = "message_sent"
	EventDocumentUploaded    EventType = "document_uploaded"
	EventGoalCompleted       EventType = "goal_completed"
	EventMotivationTool      EventType = "motivation_tool_used"
	EventLogin               EventType = "login"
	EventActivity            EventType = "activity"

	// System event types, appended by the engine itself.
	EventAchievementUnlocked EventType = "achievement_unlocked"
	EventChallengeTask       EventType = "challenge_task_completed"
)

// IsSystem reports whether the event type is produced by the engine rather
// than by the patient. System entries never count as calendar-day activity.
func (t EventType) IsSystem() bool {
	return t == EventAchievementUnlocked || t == EventChallengeTask
}

// =============================================================================
// LEDGER ENTRY - Immutable record of a point-awarding event
// =============================================================================

// LedgerEntry is the single source of truth for points.
// Account.TotalPoints must always equal the sum of PointsDelta over a
// patient's entries.
type LedgerEntry struct {
	ID              EntryID
	IdempotencyKey  string
	PatientID       PatientID
	EventType       EventType
	PointsDelta     int64
	OccurredAt      time.Time
	SourceReference string // achievement id, challenge task ref or tool id
	RecordedAt      time.Time

	// CountsAsActivity marks entries that advance the streak.
	CountsAsActivity bool
}

// AppendResult tells the caller whether an Append changed the ledger.
type AppendResult int

const (
	Applied AppendResult = iota
	AlreadyApplied
)

func (r AppendResult) String() string {
	if r == AlreadyApplied {
		return "already_applied"
	}
	return "applied"
}

// =============================================================================
// INGESTION CONTRACT
// =============================================================================

// ChallengeTaskRef points at one task of one challenge.
type ChallengeTaskRef struct {
	ChallengeID ChallengeID
	TaskID      TaskID
}

func (r ChallengeTaskRef) String() string {
	return string(r.ChallengeID) + "/" + string(r.TaskID)
}

// Event is an external occurrence submitted for ingestion.
type Event struct {
	PatientID       PatientID
	Type            EventType
	RequirementKind RequirementKind // optional; defaults from the catalog event rule
	Amount          int64           // activity amount for RequirementKind; defaults to 1
	CustomKey       string          // matches CustomRequirement.Key when kind is custom
	AchievementID   AchievementID   // optional; targets a single achievement
	ChallengeTask   *ChallengeTaskRef
	OccurredAt      time.Time
	IdempotencyKey  string
	TimeZone        string // only used when the account is created
	SourceReference string
}

// SubmitResult is returned from Engine.SubmitEvent.
type SubmitResult struct {
	Applied        bool // false when the idempotency key was already applied
	Account        Account
	Unlocked       []AchievementID
	CompletedTasks []ChallengeTaskRef
	LevelUp        bool

	// Participation is set when the event referenced a challenge task.
	Participation *Participation
}
