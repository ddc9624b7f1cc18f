/*
store.go - Persistence contract for the ledger and per-patient state

PURPOSE:
  Defines the boundary between the engine and whatever storage the host
  chooses. The engine never holds process-wide mutable state; everything is
  keyed by patient (or by challenge for leaderboards) and lives behind Store.

KEY INTERFACES:
  LedgerStore: Append-only, idempotent point ledger (the source of truth)
  StateStore:  Accounts (versioned), achievement progress, participations,
               leaderboards
  TxStore:     Store plus WithTx for all-or-nothing ingestion

APPEND-ONLY CONTRACT:
  LedgerStore has no Update or Delete. A second Append with a known
  idempotency key returns AlreadyApplied and changes nothing.

OPTIMISTIC VERSIONING:
  SaveAccount succeeds only if the stored version equals account.Version
  (0 = must not exist yet). The returned account carries Version + 1.
  A mismatch is ErrConcurrentModification.

FAILURES:
  Every I/O failure is returned as a StorageError (errors.Is(err,
  ErrStorageUnavailable)). Inside WithTx, any error rolls back everything.

IMPLEMENTATIONS:
  - engagement/store/memory.go: In-memory, for tests and single-process use
  - store/sqlite/sqlite.go: SQLite

SEE ALSO:
  - engine.go: The single caller of WithTx
*/
package engagement

import (
	"context"
	"time"
)

// =============================================================================
// LEDGER STORE
// =============================================================================

type LedgerStore interface {
	// Append inserts entry unless its idempotency key was seen before.
	Append(ctx context.Context, entry LedgerEntry) (AppendResult, error)

	// Exists reports whether idempotencyKey was applied.
	Exists(ctx context.Context, idempotencyKey string) (bool, error)

	// Entries returns the patient's entries in append order.
	Entries(ctx context.Context, patientID PatientID) ([]LedgerEntry, error)

	// EntriesInRange returns entries with OccurredAt in [from, to), in
	// append order.
	EntriesInRange(ctx context.Context, patientID PatientID, from, to time.Time) ([]LedgerEntry, error)

	// SumPoints returns the sum of PointsDelta over the patient's entries.
	SumPoints(ctx context.Context, patientID PatientID) (int64, error)
}

// =============================================================================
// STATE STORE
// =============================================================================

type StateStore interface {
	// LoadAccount returns ErrAccountNotFound when the patient has no account.
	LoadAccount(ctx context.Context, patientID PatientID) (Account, error)
	SaveAccount(ctx context.Context, account Account) (Account, error)
	ListAccounts(ctx context.Context) ([]Account, error)

	LoadAchievementProgress(ctx context.Context, patientID PatientID) ([]AchievementProgress, error)
	SaveAchievementProgress(ctx context.Context, progress AchievementProgress) error

	// LoadParticipation reports false when the patient never joined.
	LoadParticipation(ctx context.Context, challengeID ChallengeID, patientID PatientID) (Participation, bool, error)
	ListParticipations(ctx context.Context, challengeID ChallengeID) ([]Participation, error)
	ListParticipationsByPatient(ctx context.Context, patientID PatientID) ([]Participation, error)
	SaveParticipation(ctx context.Context, p Participation) error

	SaveLeaderboard(ctx context.Context, challengeID ChallengeID, entries []LeaderboardEntry) error
	LoadLeaderboard(ctx context.Context, challengeID ChallengeID) ([]LeaderboardEntry, error)
}

// Store is the complete persistence surface.
type Store interface {
	LedgerStore
	StateStore
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, nothing fn wrote is visible afterwards.
	// If fn returns nil, every write commits together.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// RECONCILIATION LOG - Optional, persisted run history
// =============================================================================

// ReconciliationRun records one pass of Engine.Reconcile.
type ReconciliationRun struct {
	ID          string
	StartedAt   time.Time
	CompletedAt time.Time
	Accounts    int
	Mismatches  int
	Status      string // completed, failed
	Error       string
}

// ReconciliationLog is implemented by stores that keep run history.
type ReconciliationLog interface {
	SaveReconciliationRun(ctx context.Context, run ReconciliationRun) error
	ReconciliationRuns(ctx context.Context, limit int) ([]ReconciliationRun, error)
}
