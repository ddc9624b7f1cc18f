/*
Package sqlite provides a SQLite-backed implementation of the engagement storage interfaces.

PURPOSE:
  Persists the points ledger and all per-patient state so an engine restart
  resumes exactly where it left off. In production, the same patterns apply
  to PostgreSQL - only minor SQL dialect differences.

INTERFACES IMPLEMENTED:
  engagement.Store:             Ledger + account/progress/participation state
  engagement.TxStore:           All-or-nothing ingestion
  engagement.ReconciliationLog: History of reconciliation runs

APPEND-ONLY ENFORCEMENT:
  The ledger_entries table is never updated or deleted from. A repeated
  idempotency key is absorbed by ON CONFLICT DO NOTHING and reported as
  AlreadyApplied.

KEY TABLES:
  ledger_entries:        Immutable ledger of point awards (seq = append order)
  accounts:              One row per patient, versioned for optimistic writes
  achievement_progress:  Per (patient, achievement) progress
  participations:        Per (challenge, patient) task completion
  leaderboards:          Ranked rows per challenge, replaced wholesale
  reconciliation_runs:   Scheduler history

CONCURRENCY:
  SQLite allows a single writer. The pool is capped at one connection, so
  WithTx serializes writers and every read inside a transaction goes
  through the same *sql.Tx. Account writes still carry a version check so
  the engine's retry contract holds for any backend.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Readers don't block the writer
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/engagement.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := engagement.NewEngine(store, catalog)

SEE ALSO:
  - engagement/store.go: Interface definitions
  - engagement/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/engagement-engine/engagement"
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

var (
	_ engagement.TxStore           = (*Store)(nil)
	_ engagement.Store             = queries{}
	_ engagement.ReconciliationLog = (*Store)(nil)
)

// Store implements the engagement storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	q  queries
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" databases are per-connection, and SQLite
	// has a single writer anyway.
	db.SetMaxOpenConns(1)

	store := &Store{db: db, q: queries{db: db}}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Ledger (append-only)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		idempotency_key TEXT NOT NULL UNIQUE,
		patient_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		points_delta INTEGER NOT NULL CHECK (points_delta >= 0),
		occurred_at TEXT NOT NULL,
		source_reference TEXT,
		recorded_at TEXT NOT NULL,
		counts_as_activity BOOLEAN NOT NULL DEFAULT FALSE
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_patient
		ON ledger_entries(patient_id, seq);
	CREATE INDEX IF NOT EXISTS idx_ledger_patient_occurred
		ON ledger_entries(patient_id, occurred_at);

	-- Accounts (versioned)
	CREATE TABLE IF NOT EXISTS accounts (
		patient_id TEXT PRIMARY KEY,
		total_points INTEGER NOT NULL DEFAULT 0,
		experience INTEGER NOT NULL DEFAULT 0,
		level INTEGER NOT NULL DEFAULT 1,
		experience_into_level INTEGER NOT NULL DEFAULT 0,
		experience_to_next INTEGER NOT NULL DEFAULT 0,
		current_streak_days INTEGER NOT NULL DEFAULT 0,
		longest_streak_days INTEGER NOT NULL DEFAULT 0,
		last_active_date TEXT,
		unlocked_achievements_json TEXT NOT NULL DEFAULT '[]',
		badges_json TEXT NOT NULL DEFAULT '[]',
		time_zone TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL,
		archived BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Achievement progress
	CREATE TABLE IF NOT EXISTS achievement_progress (
		patient_id TEXT NOT NULL,
		achievement_id TEXT NOT NULL,
		current_json TEXT NOT NULL,
		progress_percent INTEGER NOT NULL,
		unlocked BOOLEAN NOT NULL DEFAULT FALSE,
		unlocked_at TEXT,
		updated_at TEXT,
		PRIMARY KEY (patient_id, achievement_id)
	);

	-- Challenge participations
	CREATE TABLE IF NOT EXISTS participations (
		challenge_id TEXT NOT NULL,
		patient_id TEXT NOT NULL,
		completed_tasks_json TEXT NOT NULL,
		score INTEGER NOT NULL,
		progress_percent INTEGER NOT NULL,
		completed_at TEXT,
		joined_at TEXT,
		PRIMARY KEY (challenge_id, patient_id)
	);

	CREATE INDEX IF NOT EXISTS idx_participations_patient
		ON participations(patient_id);

	-- Leaderboards (materialized after every task completion)
	CREATE TABLE IF NOT EXISTS leaderboards (
		challenge_id TEXT NOT NULL,
		rank INTEGER NOT NULL,
		patient_id TEXT NOT NULL,
		score INTEGER NOT NULL,
		progress_percent INTEGER NOT NULL,
		completed_at TEXT,
		PRIMARY KEY (challenge_id, rank)
	);

	-- Reconciliation Runs (for scheduled reconciliation)
	CREATE TABLE IF NOT EXISTS reconciliation_runs (
		id TEXT PRIMARY KEY,
		started_at TEXT NOT NULL,
		completed_at TEXT,
		accounts INTEGER NOT NULL DEFAULT 0,
		mismatches INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'running',
		error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_reconciliation_runs_started
		ON reconciliation_runs(started_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (engagement.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction. fn's store reads and
// writes through the transaction only.
func (s *Store) WithTx(ctx context.Context, fn func(store engagement.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return engagement.NewStorageError("begin", err)
	}
	defer sqlTx.Rollback()

	if err := fn(queries{db: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return engagement.NewStorageError("commit", err)
	}
	return nil
}

// Reset removes all data. Used by tests and the CLI.
func (s *Store) Reset(ctx context.Context) error {
	for _, table := range []string{"ledger_entries", "accounts", "achievement_progress", "participations", "leaderboards", "reconciliation_runs"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return engagement.NewStorageError("reset", err)
		}
	}
	return nil
}

func (s *Store) Append(ctx context.Context, e engagement.LedgerEntry) (engagement.AppendResult, error) {
	return s.q.Append(ctx, e)
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	return s.q.Exists(ctx, key)
}

func (s *Store) Entries(ctx context.Context, patientID engagement.PatientID) ([]engagement.LedgerEntry, error) {
	return s.q.Entries(ctx, patientID)
}

func (s *Store) EntriesInRange(ctx context.Context, patientID engagement.PatientID, from, to time.Time) ([]engagement.LedgerEntry, error) {
	return s.q.EntriesInRange(ctx, patientID, from, to)
}

func (s *Store) SumPoints(ctx context.Context, patientID engagement.PatientID) (int64, error) {
	return s.q.SumPoints(ctx, patientID)
}

func (s *Store) LoadAccount(ctx context.Context, patientID engagement.PatientID) (engagement.Account, error) {
	return s.q.LoadAccount(ctx, patientID)
}

func (s *Store) SaveAccount(ctx context.Context, a engagement.Account) (engagement.Account, error) {
	return s.q.SaveAccount(ctx, a)
}

func (s *Store) ListAccounts(ctx context.Context) ([]engagement.Account, error) {
	return s.q.ListAccounts(ctx)
}

func (s *Store) LoadAchievementProgress(ctx context.Context, patientID engagement.PatientID) ([]engagement.AchievementProgress, error) {
	return s.q.LoadAchievementProgress(ctx, patientID)
}

func (s *Store) SaveAchievementProgress(ctx context.Context, p engagement.AchievementProgress) error {
	return s.q.SaveAchievementProgress(ctx, p)
}

func (s *Store) LoadParticipation(ctx context.Context, challengeID engagement.ChallengeID, patientID engagement.PatientID) (engagement.Participation, bool, error) {
	return s.q.LoadParticipation(ctx, challengeID, patientID)
}

func (s *Store) ListParticipations(ctx context.Context, challengeID engagement.ChallengeID) ([]engagement.Participation, error) {
	return s.q.ListParticipations(ctx, challengeID)
}

func (s *Store) ListParticipationsByPatient(ctx context.Context, patientID engagement.PatientID) ([]engagement.Participation, error) {
	return s.q.ListParticipationsByPatient(ctx, patientID)
}

func (s *Store) SaveParticipation(ctx context.Context, p engagement.Participation) error {
	return s.q.SaveParticipation(ctx, p)
}

func (s *Store) SaveLeaderboard(ctx context.Context, challengeID engagement.ChallengeID, entries []engagement.LeaderboardEntry) error {
	// DELETE + INSERT must not interleave with another writer.
	return s.WithTx(ctx, func(tx engagement.Store) error {
		return tx.SaveLeaderboard(ctx, challengeID, entries)
	})
}

func (s *Store) LoadLeaderboard(ctx context.Context, challengeID engagement.ChallengeID) ([]engagement.LeaderboardEntry, error) {
	return s.q.LoadLeaderboard(ctx, challengeID)
}

// =============================================================================
// QUERIES - engagement.Store over a querier
// =============================================================================

// queries runs every Store operation against db, which is the pool outside
// a transaction and the *sql.Tx inside one.
type queries struct {
	db querier
}

// -----------------------------------------------------------------------------
// Ledger
// -----------------------------------------------------------------------------

func (q queries) Append(ctx context.Context, e engagement.LedgerEntry) (engagement.AppendResult, error) {
	query := `
		INSERT INTO ledger_entries
		(id, idempotency_key, patient_id, event_type, points_delta, occurred_at,
		 source_reference, recorded_at, counts_as_activity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(idempotency_key) DO NOTHING
	`

	res, err := q.db.ExecContext(ctx, query,
		e.ID,
		e.IdempotencyKey,
		e.PatientID,
		e.EventType,
		e.PointsDelta,
		formatTime(e.OccurredAt),
		nullString(e.SourceReference),
		formatTime(e.RecordedAt),
		e.CountsAsActivity,
	)
	if err != nil {
		return 0, engagement.NewStorageError("append", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, engagement.NewStorageError("append", err)
	}
	if n == 0 {
		return engagement.AlreadyApplied, nil
	}
	return engagement.Applied, nil
}

func (q queries) Exists(ctx context.Context, idempotencyKey string) (bool, error) {
	var count int
	err := q.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM ledger_entries WHERE idempotency_key = ?",
		idempotencyKey,
	).Scan(&count)
	if err != nil {
		return false, engagement.NewStorageError("exists", err)
	}
	return count > 0, nil
}

const ledgerColumns = `id, idempotency_key, patient_id, event_type, points_delta, occurred_at,
	source_reference, recorded_at, counts_as_activity`

func (q queries) Entries(ctx context.Context, patientID engagement.PatientID) ([]engagement.LedgerEntry, error) {
	query := `SELECT ` + ledgerColumns + ` FROM ledger_entries WHERE patient_id = ? ORDER BY seq ASC`
	return q.queryEntries(ctx, query, patientID)
}

// EntriesInRange returns entries with from <= OccurredAt < to, in append order.
func (q queries) EntriesInRange(ctx context.Context, patientID engagement.PatientID, from, to time.Time) ([]engagement.LedgerEntry, error) {
	query := `SELECT ` + ledgerColumns + ` FROM ledger_entries
		WHERE patient_id = ? AND occurred_at >= ? AND occurred_at < ?
		ORDER BY seq ASC`
	return q.queryEntries(ctx, query, patientID, formatTime(from), formatTime(to))
}

func (q queries) SumPoints(ctx context.Context, patientID engagement.PatientID) (int64, error) {
	var total int64
	err := q.db.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(points_delta), 0) FROM ledger_entries WHERE patient_id = ?",
		patientID,
	).Scan(&total)
	if err != nil {
		return 0, engagement.NewStorageError("sum points", err)
	}
	return total, nil
}

func (q queries) queryEntries(ctx context.Context, query string, args ...any) ([]engagement.LedgerEntry, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, engagement.NewStorageError("load entries", err)
	}
	defer rows.Close()

	var entries []engagement.LedgerEntry
	for rows.Next() {
		var (
			e                      engagement.LedgerEntry
			occurredAt, recordedAt string
			source                 sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.IdempotencyKey, &e.PatientID, &e.EventType, &e.PointsDelta,
			&occurredAt, &source, &recordedAt, &e.CountsAsActivity); err != nil {
			return nil, engagement.NewStorageError("scan entry", err)
		}
		e.OccurredAt = parseTime(occurredAt)
		e.RecordedAt = parseTime(recordedAt)
		e.SourceReference = source.String
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, engagement.NewStorageError("load entries", err)
	}
	return entries, nil
}

// -----------------------------------------------------------------------------
// Accounts
// -----------------------------------------------------------------------------

const accountColumns = `patient_id, total_points, experience, level, experience_into_level,
	experience_to_next, current_streak_days, longest_streak_days, last_active_date,
	unlocked_achievements_json, badges_json, time_zone, version, archived, created_at, updated_at`

func (q queries) LoadAccount(ctx context.Context, patientID engagement.PatientID) (engagement.Account, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE patient_id = ?`, patientID)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return engagement.Account{}, engagement.ErrAccountNotFound
	}
	if err != nil {
		return engagement.Account{}, engagement.NewStorageError("load account", err)
	}
	return a, nil
}

// SaveAccount writes the account if the stored version still equals
// a.Version (0 = not stored yet) and returns it with the version bumped.
func (q queries) SaveAccount(ctx context.Context, a engagement.Account) (engagement.Account, error) {
	achievements, _ := json.Marshal(nonNil(a.UnlockedAchievements))
	badges, _ := json.Marshal(nonNil(a.Badges))
	next := a.Version + 1

	var (
		res sql.Result
		err error
	)
	if a.Version == 0 {
		res, err = q.db.ExecContext(ctx, `
			INSERT INTO accounts (`+accountColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(patient_id) DO NOTHING`,
			a.PatientID, a.TotalPoints, a.Experience, a.Level, a.ExperienceIntoLevel,
			a.ExperienceToNext, a.CurrentStreakDays, a.LongestStreakDays, nullString(a.LastActiveDate.String()),
			string(achievements), string(badges), a.TimeZone, next, a.Archived,
			formatTime(a.CreatedAt), formatTime(a.UpdatedAt),
		)
	} else {
		res, err = q.db.ExecContext(ctx, `
			UPDATE accounts SET
				total_points = ?, experience = ?, level = ?, experience_into_level = ?,
				experience_to_next = ?, current_streak_days = ?, longest_streak_days = ?,
				last_active_date = ?, unlocked_achievements_json = ?, badges_json = ?,
				time_zone = ?, version = ?, archived = ?, updated_at = ?
			WHERE patient_id = ? AND version = ?`,
			a.TotalPoints, a.Experience, a.Level, a.ExperienceIntoLevel,
			a.ExperienceToNext, a.CurrentStreakDays, a.LongestStreakDays,
			nullString(a.LastActiveDate.String()), string(achievements), string(badges),
			a.TimeZone, next, a.Archived, formatTime(a.UpdatedAt),
			a.PatientID, a.Version,
		)
	}
	if err != nil {
		return engagement.Account{}, engagement.NewStorageError("save account", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return engagement.Account{}, engagement.NewStorageError("save account", err)
	}
	if n == 0 {
		return engagement.Account{}, &engagement.ConflictError{Record: "account " + string(a.PatientID), Expected: a.Version}
	}

	a.Version = next
	return a, nil
}

func (q queries) ListAccounts(ctx context.Context) ([]engagement.Account, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY patient_id`)
	if err != nil {
		return nil, engagement.NewStorageError("list accounts", err)
	}
	defer rows.Close()

	var accounts []engagement.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, engagement.NewStorageError("scan account", err)
		}
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, engagement.NewStorageError("list accounts", err)
	}
	return accounts, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (engagement.Account, error) {
	var (
		a                    engagement.Account
		lastActive           sql.NullString
		achievements, badges string
		createdAt, updatedAt string
	)
	err := row.Scan(&a.PatientID, &a.TotalPoints, &a.Experience, &a.Level, &a.ExperienceIntoLevel,
		&a.ExperienceToNext, &a.CurrentStreakDays, &a.LongestStreakDays, &lastActive,
		&achievements, &badges, &a.TimeZone, &a.Version, &a.Archived, &createdAt, &updatedAt)
	if err != nil {
		return a, err
	}

	if lastActive.Valid && lastActive.String != "" {
		if a.LastActiveDate, err = engagement.ParseDate(lastActive.String); err != nil {
			return a, fmt.Errorf("last_active_date: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(achievements), &a.UnlockedAchievements); err != nil {
		return a, fmt.Errorf("unlocked_achievements_json: %w", err)
	}
	if err := json.Unmarshal([]byte(badges), &a.Badges); err != nil {
		return a, fmt.Errorf("badges_json: %w", err)
	}
	if len(a.UnlockedAchievements) == 0 {
		a.UnlockedAchievements = nil
	}
	if len(a.Badges) == 0 {
		a.Badges = nil
	}
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return a, nil
}

// -----------------------------------------------------------------------------
// Achievement progress
// -----------------------------------------------------------------------------

func (q queries) LoadAchievementProgress(ctx context.Context, patientID engagement.PatientID) ([]engagement.AchievementProgress, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT patient_id, achievement_id, current_json, progress_percent, unlocked, unlocked_at, updated_at
		FROM achievement_progress
		WHERE patient_id = ?
		ORDER BY achievement_id`, patientID)
	if err != nil {
		return nil, engagement.NewStorageError("load progress", err)
	}
	defer rows.Close()

	var result []engagement.AchievementProgress
	for rows.Next() {
		var (
			p                   engagement.AchievementProgress
			current             string
			unlockedAt, updated sql.NullString
		)
		if err := rows.Scan(&p.PatientID, &p.AchievementID, &current, &p.ProgressPercent,
			&p.Unlocked, &unlockedAt, &updated); err != nil {
			return nil, engagement.NewStorageError("scan progress", err)
		}
		if err := json.Unmarshal([]byte(current), &p.CurrentByRequirement); err != nil {
			return nil, engagement.NewStorageError("scan progress", err)
		}
		p.UnlockedAt = parseTime(unlockedAt.String)
		p.UpdatedAt = parseTime(updated.String)
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, engagement.NewStorageError("load progress", err)
	}
	return result, nil
}

func (q queries) SaveAchievementProgress(ctx context.Context, p engagement.AchievementProgress) error {
	current, _ := json.Marshal(nonNil(p.CurrentByRequirement))
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO achievement_progress
			(patient_id, achievement_id, current_json, progress_percent, unlocked, unlocked_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(patient_id, achievement_id) DO UPDATE SET
			current_json = excluded.current_json,
			progress_percent = excluded.progress_percent,
			unlocked = excluded.unlocked,
			unlocked_at = excluded.unlocked_at,
			updated_at = excluded.updated_at`,
		p.PatientID, p.AchievementID, string(current), p.ProgressPercent, p.Unlocked,
		nullTime(p.UnlockedAt), nullTime(p.UpdatedAt),
	)
	if err != nil {
		return engagement.NewStorageError("save progress", err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Participations and leaderboards
// -----------------------------------------------------------------------------

const participationColumns = `challenge_id, patient_id, completed_tasks_json, score, progress_percent, completed_at, joined_at`

func (q queries) LoadParticipation(ctx context.Context, challengeID engagement.ChallengeID, patientID engagement.PatientID) (engagement.Participation, bool, error) {
	parts, err := q.queryParticipations(ctx,
		`SELECT `+participationColumns+` FROM participations WHERE challenge_id = ? AND patient_id = ?`,
		challengeID, patientID)
	if err != nil || len(parts) == 0 {
		return engagement.Participation{}, false, err
	}
	return parts[0], true, nil
}

func (q queries) ListParticipations(ctx context.Context, challengeID engagement.ChallengeID) ([]engagement.Participation, error) {
	return q.queryParticipations(ctx,
		`SELECT `+participationColumns+` FROM participations WHERE challenge_id = ? ORDER BY patient_id`,
		challengeID)
}

func (q queries) ListParticipationsByPatient(ctx context.Context, patientID engagement.PatientID) ([]engagement.Participation, error) {
	return q.queryParticipations(ctx,
		`SELECT `+participationColumns+` FROM participations WHERE patient_id = ? ORDER BY challenge_id`,
		patientID)
}

func (q queries) SaveParticipation(ctx context.Context, p engagement.Participation) error {
	tasks, _ := json.Marshal(nonNil(p.CompletedTaskIDs))
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO participations (`+participationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(challenge_id, patient_id) DO UPDATE SET
			completed_tasks_json = excluded.completed_tasks_json,
			score = excluded.score,
			progress_percent = excluded.progress_percent,
			completed_at = excluded.completed_at`,
		p.ChallengeID, p.PatientID, string(tasks), p.Score, p.ProgressPercent,
		nullTime(p.CompletedAt), nullTime(p.JoinedAt),
	)
	if err != nil {
		return engagement.NewStorageError("save participation", err)
	}
	return nil
}

func (q queries) queryParticipations(ctx context.Context, query string, args ...any) ([]engagement.Participation, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, engagement.NewStorageError("load participations", err)
	}
	defer rows.Close()

	var result []engagement.Participation
	for rows.Next() {
		var (
			p                   engagement.Participation
			tasks               string
			completedAt, joined sql.NullString
		)
		if err := rows.Scan(&p.ChallengeID, &p.PatientID, &tasks, &p.Score, &p.ProgressPercent,
			&completedAt, &joined); err != nil {
			return nil, engagement.NewStorageError("scan participation", err)
		}
		if err := json.Unmarshal([]byte(tasks), &p.CompletedTaskIDs); err != nil {
			return nil, engagement.NewStorageError("scan participation", err)
		}
		if len(p.CompletedTaskIDs) == 0 {
			p.CompletedTaskIDs = nil
		}
		p.CompletedAt = parseTime(completedAt.String)
		p.JoinedAt = parseTime(joined.String)
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, engagement.NewStorageError("load participations", err)
	}
	return result, nil
}

// SaveLeaderboard replaces the challenge's rows. Callers outside a
// transaction go through Store.SaveLeaderboard, which wraps it in one.
func (q queries) SaveLeaderboard(ctx context.Context, challengeID engagement.ChallengeID, entries []engagement.LeaderboardEntry) error {
	if _, err := q.db.ExecContext(ctx, "DELETE FROM leaderboards WHERE challenge_id = ?", challengeID); err != nil {
		return engagement.NewStorageError("save leaderboard", err)
	}
	for _, e := range entries {
		_, err := q.db.ExecContext(ctx, `
			INSERT INTO leaderboards (challenge_id, rank, patient_id, score, progress_percent, completed_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			challengeID, e.Rank, e.PatientID, e.Score, e.ProgressPercent, nullTime(e.CompletedAt),
		)
		if err != nil {
			return engagement.NewStorageError("save leaderboard", err)
		}
	}
	return nil
}

func (q queries) LoadLeaderboard(ctx context.Context, challengeID engagement.ChallengeID) ([]engagement.LeaderboardEntry, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT rank, patient_id, score, progress_percent, completed_at
		FROM leaderboards
		WHERE challenge_id = ?
		ORDER BY rank`, challengeID)
	if err != nil {
		return nil, engagement.NewStorageError("load leaderboard", err)
	}
	defer rows.Close()

	var board []engagement.LeaderboardEntry
	for rows.Next() {
		var (
			e           engagement.LeaderboardEntry
			completedAt sql.NullString
		)
		if err := rows.Scan(&e.Rank, &e.PatientID, &e.Score, &e.ProgressPercent, &completedAt); err != nil {
			return nil, engagement.NewStorageError("scan leaderboard", err)
		}
		e.CompletedAt = parseTime(completedAt.String)
		board = append(board, e)
	}
	if err := rows.Err(); err != nil {
		return nil, engagement.NewStorageError("load leaderboard", err)
	}
	return board, nil
}

// =============================================================================
// RECONCILIATION RUNS STORE
// =============================================================================

// SaveReconciliationRun inserts a run or updates the run with the same ID.
func (s *Store) SaveReconciliationRun(ctx context.Context, r engagement.ReconciliationRun) error {
	query := `
		INSERT INTO reconciliation_runs (id, started_at, completed_at, accounts, mismatches, status, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			completed_at = excluded.completed_at,
			accounts = excluded.accounts,
			mismatches = excluded.mismatches,
			status = excluded.status,
			error = excluded.error
	`

	_, err := s.db.ExecContext(ctx, query,
		r.ID, formatTime(r.StartedAt), nullTime(r.CompletedAt),
		r.Accounts, r.Mismatches, r.Status, nullString(r.Error),
	)
	if err != nil {
		return engagement.NewStorageError("save reconciliation run", err)
	}
	return nil
}

// ReconciliationRuns returns the most recent runs first. limit <= 0 means all.
func (s *Store) ReconciliationRuns(ctx context.Context, limit int) ([]engagement.ReconciliationRun, error) {
	query := `
		SELECT id, started_at, completed_at, accounts, mismatches, status, error
		FROM reconciliation_runs
		ORDER BY started_at DESC, rowid DESC
	`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, engagement.NewStorageError("load reconciliation runs", err)
	}
	defer rows.Close()

	var runs []engagement.ReconciliationRun
	for rows.Next() {
		var (
			r                    engagement.ReconciliationRun
			startedAt            string
			completedAt, errText sql.NullString
		)
		if err := rows.Scan(&r.ID, &startedAt, &completedAt, &r.Accounts, &r.Mismatches, &r.Status, &errText); err != nil {
			return nil, engagement.NewStorageError("scan reconciliation run", err)
		}
		r.StartedAt = parseTime(startedAt)
		r.CompletedAt = parseTime(completedAt.String)
		r.Error = errText.String
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, engagement.NewStorageError("load reconciliation runs", err)
	}
	return runs, nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func nullTime(t time.Time) sql.NullString {
	return nullString(formatTime(t))
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

// nonNil keeps JSON columns as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
