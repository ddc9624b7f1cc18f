/*
engine.go - Ingestion, query and analytics operations

PURPOSE:
  Engine is the single entry point for collaborators. It owns no state of
  its own beyond the per-key locks: accounts, progress and the ledger live
  in the TxStore, definitions in the Catalog.

INGESTION FLOW (SubmitEvent):
  1. Validate the event and resolve its EventRule
  2. Lock the patient (then the challenge, if the event completes a task)
  3. In one transaction:
     a. Idempotency check; a known key returns Applied=false, no writes
     b. Append the event entry, apply it to the account (points, level, streak)
     c. Advance achievement progress; append unlock entries, grant badges
     d. Complete the challenge task; append the task entry, re-rank the
        leaderboard
     e. Save the account with an optimistic version check
  4. ErrConcurrentModification retries the whole transaction a bounded
     number of times before surfacing

READS:
  Queries and snapshots never take owner locks. They observe the latest
  committed state.

SEE ALSO:
  - store.go: TxStore contract
  - owner.go: Lock domains
*/
package engagement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Recorder receives ingestion outcomes for instrumentation.
type Recorder interface {
	EventProcessed(eventType EventType, outcome string, elapsed time.Duration)
	AchievementUnlocked(id AchievementID)
	TaskCompleted(id ChallengeID)
	LevelReached(level int)
	Retried()
	Reconciled(accounts, mismatches int)
}

type nopRecorder struct{}

func (nopRecorder) EventProcessed(EventType, string, time.Duration) {}
func (nopRecorder) AchievementUnlocked(AchievementID) {}
func (nopRecorder) TaskCompleted(ChallengeID) {}
func (nopRecorder) LevelReached(int) {}
func (nopRecorder) Retried() {}
func (nopRecorder) Reconciled(int, int) {}

// Outcome labels passed to Recorder.EventProcessed.
const (
	OutcomeApplied   = "applied"
	OutcomeDuplicate = "duplicate"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
)

// Engine processes engagement events for many patients concurrently.
type Engine struct {
	store    TxStore
	catalog  Catalog
	curve    LevelCurve
	clock    Clock
	scores   ScorePolicy
	logger   *slog.Logger
	recorder Recorder
	owner    Owner

	maxRetries int
	backoff    time.Duration
	defaultTZ  string
}

type Option func(*Engine)

func WithCurve(c LevelCurve) Option { return func(e *Engine) { e.curve = c } }
func WithClock(c Clock) Option { return func(e *Engine) { e.clock = c } }
func WithScorePolicy(p ScorePolicy) Option { return func(e *Engine) { e.scores = p } }
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }
func WithRecorder(r Recorder) Option { return func(e *Engine) { e.recorder = r } }
func WithMaxRetries(n int) Option { return func(e *Engine) { e.maxRetries = n } }
func WithRetryBackoff(d time.Duration) Option { return func(e *Engine) { e.backoff = d } }

// WithDefaultTimeZone sets the zone given to accounts created without one.
func WithDefaultTimeZone(tz string) Option { return func(e *Engine) { e.defaultTZ = tz } }

// DefaultMaxRetries bounds retries of ErrConcurrentModification.
const DefaultMaxRetries = 3

func NewEngine(store TxStore, catalog Catalog, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		catalog:    catalog,
		curve:      DefaultCurve(),
		clock:      SystemClock{},
		scores:     DefaultScorePolicy(),
		logger:     slog.Default(),
		recorder:   nopRecorder{},
		maxRetries: DefaultMaxRetries,
		backoff:    5 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Now() time.Time { return e.clock.Now() }
func (e *Engine) Catalog() Catalog { return e.catalog }
func (e *Engine) Curve() LevelCurve { return e.curve }

// =============================================================================
// INGESTION
// =============================================================================

// plan is a validated event, resolved against the catalog.
type plan struct {
	event     Event
	rule      EventRule
	activity  *Activity
	target    *Achievement
	challenge *Challenge
	now       time.Time
}

// SubmitEvent ingests one external event. Submitting the same idempotency
// key again returns Applied=false and the current account.
func (e *Engine) SubmitEvent(ctx context.Context, ev Event) (SubmitResult, error) {
	start := time.Now()

	p, err := e.prepare(ev)
	if err != nil {
		e.recorder.EventProcessed(ev.Type, OutcomeRejected, time.Since(start))
		return SubmitResult{}, err
	}

	unlockPatient, err := e.owner.LockPatient(ctx, ev.PatientID)
	if err != nil {
		return SubmitResult{}, err
	}
	defer unlockPatient()

	if p.challenge != nil {
		unlockChallenge, err := e.owner.LockChallenge(ctx, p.challenge.ID)
		if err != nil {
			return SubmitResult{}, err
		}
		defer unlockChallenge()
	}

	var res SubmitResult
	err = e.retry(ctx, func() error {
		var err error
		res, err = e.submitOnce(ctx, p)
		return err
	})
	elapsed := time.Since(start)

	switch {
	case err != nil && IsValidationError(err):
		e.recorder.EventProcessed(ev.Type, OutcomeRejected, elapsed)
		return SubmitResult{}, err
	case err != nil:
		e.recorder.EventProcessed(ev.Type, OutcomeFailed, elapsed)
		e.logger.Error("event ingestion failed",
			"patient", ev.PatientID, "type", ev.Type, "key", ev.IdempotencyKey, "error", err)
		return SubmitResult{}, err
	case !res.Applied:
		e.recorder.EventProcessed(ev.Type, OutcomeDuplicate, elapsed)
		e.logger.Debug("duplicate event ignored", "patient", ev.PatientID, "key", ev.IdempotencyKey)
		return res, nil
	}

	e.recorder.EventProcessed(ev.Type, OutcomeApplied, elapsed)
	for _, id := range res.Unlocked {
		e.recorder.AchievementUnlocked(id)
		e.logger.Info("achievement unlocked", "patient", ev.PatientID, "achievement", id)
	}
	for _, ref := range res.CompletedTasks {
		e.recorder.TaskCompleted(ref.ChallengeID)
	}
	if res.LevelUp {
		e.recorder.LevelReached(res.Account.Level)
		e.logger.Info("level up", "patient", ev.PatientID, "level", res.Account.Level)
	}
	e.logger.Debug("event applied",
		"patient", ev.PatientID, "type", ev.Type, "points", res.Account.TotalPoints, "elapsed", elapsed)
	return res, nil
}

// RecordActivity feeds requirement progress for one patient. It is a
// SubmitEvent of type "activity" carrying kind and amount.
func (e *Engine) RecordActivity(ctx context.Context, patientID PatientID, kind RequirementKind, amount int64, idempotencyKey string) (SubmitResult, error) {
	if err := (Activity{Kind: kind, Amount: amount}).Validate(patientID); err != nil {
		return SubmitResult{}, err
	}
	return e.SubmitEvent(ctx, Event{
		PatientID:       patientID,
		Type:            EventActivity,
		RequirementKind: kind,
		Amount:          amount,
		OccurredAt:      e.clock.Now(),
		IdempotencyKey:  idempotencyKey,
	})
}

// CompleteTask marks one challenge task complete for a patient and returns
// the resulting participation. Completing a completed task returns the
// participation unchanged.
func (e *Engine) CompleteTask(ctx context.Context, patientID PatientID, challengeID ChallengeID, taskID TaskID, idempotencyKey string) (Participation, error) {
	res, err := e.SubmitEvent(ctx, Event{
		PatientID:      patientID,
		Type:           EventActivity,
		ChallengeTask:  &ChallengeTaskRef{ChallengeID: challengeID, TaskID: taskID},
		OccurredAt:     e.clock.Now(),
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		return Participation{}, err
	}
	if res.Participation != nil {
		return *res.Participation, nil
	}
	return e.GetChallengeParticipation(ctx, patientID, challengeID)
}

// Ledger keys the engine writes for unlocks and task completions. Caller
// keys may not use these prefixes.
var reservedKeyPrefixes = []string{"achievement:", "challenge:"}

func reservedKey(key string) bool {
	for _, prefix := range reservedKeyPrefixes {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

func (e *Engine) prepare(ev Event) (plan, error) {
	switch {
	case ev.PatientID == "":
		return plan{}, fmt.Errorf("%w: patient id is required", ErrInvalidEvent)
	case ev.Type == "":
		return plan{}, fmt.Errorf("%w: event type is required", ErrInvalidEvent)
	case ev.Type.IsSystem():
		return plan{}, fmt.Errorf("%w: %s is produced by the engine", ErrInvalidEvent, ev.Type)
	case ev.IdempotencyKey == "":
		return plan{}, ErrMissingIdempotencyKey
	case reservedKey(ev.IdempotencyKey):
		return plan{}, fmt.Errorf("%w: idempotency key %q uses a reserved prefix", ErrInvalidEvent, ev.IdempotencyKey)
	}

	p := plan{event: ev, now: e.clock.Now()}
	if p.event.OccurredAt.IsZero() {
		p.event.OccurredAt = p.now
	}

	rule, ok := e.catalog.EventRule(ev.Type)
	if !ok {
		rule = DefaultEventRule(ev.Type)
	}
	p.rule = rule

	kind, key := ev.RequirementKind, ev.CustomKey
	if kind == "" {
		kind = rule.RequirementKind
	}
	if key == "" {
		key = rule.CustomKey
	}
	if kind != "" {
		amount := ev.Amount
		if amount == 0 {
			amount = 1
		}
		act := Activity{Kind: kind, Amount: amount, CustomKey: key}
		if err := act.Validate(ev.PatientID); err != nil {
			return plan{}, err
		}
		p.activity = &act
	} else if ev.Amount < 0 {
		return plan{}, &InvalidAmountError{PatientID: ev.PatientID, Amount: ev.Amount}
	}

	if ev.AchievementID != "" {
		def, ok := e.catalog.Achievement(ev.AchievementID)
		if !ok {
			return plan{}, &UnknownAchievementError{AchievementID: ev.AchievementID}
		}
		p.target = &def
	}

	if ref := ev.ChallengeTask; ref != nil {
		ch, ok := e.catalog.Challenge(ref.ChallengeID)
		if !ok {
			return plan{}, fmt.Errorf("%w: %s", ErrUnknownChallenge, ref.ChallengeID)
		}
		if _, err := CheckChallengeTask(ch, ref.TaskID, p.now); err != nil {
			return plan{}, err
		}
		p.challenge = &ch
	}
	return p, nil
}

func (e *Engine) retry(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !errors.Is(err, ErrConcurrentModification) || attempt >= e.maxRetries {
			return err
		}
		e.recorder.Retried()
		e.logger.Warn("concurrent modification, retrying", "attempt", attempt+1, "error", err)
		select {
		case <-time.After(e.backoff * time.Duration(attempt+1)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (e *Engine) submitOnce(ctx context.Context, p plan) (SubmitResult, error) {
	var res SubmitResult
	err := e.store.WithTx(ctx, func(s Store) error {
		res = SubmitResult{}
		ev := p.event

		seen, err := s.Exists(ctx, ev.IdempotencyKey)
		if err != nil {
			return err
		}
		if seen {
			res.Account, err = s.LoadAccount(ctx, ev.PatientID)
			if err != nil && !errors.Is(err, ErrAccountNotFound) {
				return err
			}
			return nil
		}

		account, err := e.loadOrCreate(ctx, s, ev.PatientID, ev.TimeZone, p.now)
		if err != nil {
			return err
		}
		if account.Archived {
			return fmt.Errorf("%w: %s", ErrAccountArchived, ev.PatientID)
		}
		startLevel := account.Level

		// Completing a completed task is a no-op, whatever the key.
		if p.challenge != nil {
			current, found, err := s.LoadParticipation(ctx, p.challenge.ID, ev.PatientID)
			if err != nil {
				return err
			}
			if found && current.HasCompleted(ev.ChallengeTask.TaskID) {
				res.Account = account
				res.Participation = &current
				return nil
			}
		}

		u := &update{engine: e, store: s, account: account, now: p.now, occurredAt: ev.OccurredAt}
		applied, err := u.append(ctx, ev.IdempotencyKey, ev.Type, p.rule.Points, ev.SourceReference, p.rule.CountsAsActivity)
		if err != nil {
			return err
		}
		if !applied {
			res.Account = account
			return nil
		}

		if err := u.advanceAchievements(ctx, p.activity, p.target); err != nil {
			return err
		}
		if p.challenge != nil {
			if err := u.completeTask(ctx, *p.challenge, ev.ChallengeTask.TaskID); err != nil {
				return err
			}
		}

		saved, err := s.SaveAccount(ctx, u.account)
		if err != nil {
			return err
		}

		res.Applied = true
		res.Account = saved
		res.Unlocked = u.unlocked
		res.CompletedTasks = u.completed
		res.Participation = u.participation
		res.LevelUp = saved.Level > startLevel
		return nil
	})
	return res, err
}

func (e *Engine) loadOrCreate(ctx context.Context, s Store, patientID PatientID, tz string, now time.Time) (Account, error) {
	account, err := s.LoadAccount(ctx, patientID)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return Account{}, err
	}
	if tz == "" {
		tz = e.defaultTZ
	}
	if _, err := LoadLocation(tz); err != nil {
		return Account{}, err
	}
	return NewAccount(patientID, tz, now, e.curve), nil
}

// update accumulates the effects of one event inside a transaction.
type update struct {
	engine     *Engine
	store      Store
	account    Account
	now        time.Time
	occurredAt time.Time

	unlocked      []AchievementID
	completed     []ChallengeTaskRef
	participation *Participation
}

// append writes one ledger entry and applies it to the account. It reports
// false when the key was already in the ledger.
func (u *update) append(ctx context.Context, key string, t EventType, points int64, source string, activity bool) (bool, error) {
	entry := LedgerEntry{
		ID:               EntryID(uuid.NewString()),
		IdempotencyKey:   key,
		PatientID:        u.account.PatientID,
		EventType:        t,
		PointsDelta:      points,
		OccurredAt:       u.occurredAt,
		SourceReference:  source,
		RecordedAt:       u.now,
		CountsAsActivity: activity,
	}
	result, err := u.store.Append(ctx, entry)
	if err != nil {
		return false, err
	}
	if result == AlreadyApplied {
		return false, nil
	}
	u.account = ApplyLedgerEntry(u.account, entry, u.engine.curve)
	return true, nil
}

func (u *update) advanceAchievements(ctx context.Context, activity *Activity, target *Achievement) error {
	records, err := u.store.LoadAchievementProgress(ctx, u.account.PatientID)
	if err != nil {
		return err
	}
	byID := make(map[AchievementID]AchievementProgress, len(records))
	for _, r := range records {
		byID[r.AchievementID] = r
	}

	for _, def := range u.engine.catalog.Achievements() {
		if u.account.HasAchievement(def.ID) {
			continue
		}
		act := activity
		if target != nil && target.ID != def.ID {
			act = nil
		}
		if act == nil && !def.Uses(KindStreak) {
			continue
		}

		prog, ok := byID[def.ID]
		if !ok {
			prog = NewAchievementProgress(u.account.PatientID, def)
		}
		next, changed, unlocked, err := AdvanceAchievement(def, prog, act, u.account.CurrentStreakDays, u.now)
		if err != nil {
			return err
		}
		if !changed {
			continue
		}
		if err := u.store.SaveAchievementProgress(ctx, next); err != nil {
			return err
		}
		if !unlocked {
			continue
		}

		key := AchievementUnlockKey(u.account.PatientID, def.ID)
		applied, err := u.append(ctx, key, EventAchievementUnlocked, def.PointsOnUnlock, string(def.ID), false)
		if err != nil {
			return err
		}
		if !applied {
			return fmt.Errorf("%w: unlock key %s already in ledger but %s is not unlocked",
				ErrLedgerInconsistent, key, def.ID)
		}
		u.account = GrantBadge(u.account, def.Badge)
		u.unlocked = append(u.unlocked, def.ID)
	}
	return nil
}

func (u *update) completeTask(ctx context.Context, ch Challenge, taskID TaskID) error {
	patientID := u.account.PatientID
	current, found, err := u.store.LoadParticipation(ctx, ch.ID, patientID)
	if err != nil {
		return err
	}
	if !found {
		current = Participation{ChallengeID: ch.ID, PatientID: patientID, JoinedAt: u.now}
	}

	next, newly, err := CompleteChallengeTask(ch, current, taskID, u.now)
	if err != nil {
		return err
	}
	u.participation = &next
	if !newly {
		return nil
	}

	if err := u.store.SaveParticipation(ctx, next); err != nil {
		return err
	}
	task, _ := ch.Task(taskID)
	ref := ChallengeTaskRef{ChallengeID: ch.ID, TaskID: taskID}
	key := ChallengeTaskKey(ch.ID, taskID, patientID)
	applied, err := u.append(ctx, key, EventChallengeTask, task.PointsOnCompletion, ref.String(), false)
	if err != nil {
		return err
	}
	if !applied {
		return fmt.Errorf("%w: task key %s already in ledger", ErrLedgerInconsistent, key)
	}
	u.completed = append(u.completed, ref)
	if next.IsComplete() && !current.IsComplete() {
		u.account = GrantBadge(u.account, ch.CompletionBadge)
	}

	all, err := u.store.ListParticipations(ctx, ch.ID)
	if err != nil {
		return err
	}
	return u.store.SaveLeaderboard(ctx, ch.ID, RankLeaderboard(all))
}

// =============================================================================
// ACCOUNT LIFECYCLE
// =============================================================================

// RegisterPatient creates an account ahead of the first event. Registering
// an existing patient returns the stored account unchanged.
func (e *Engine) RegisterPatient(ctx context.Context, patientID PatientID, timeZone string) (Account, error) {
	if patientID == "" {
		return Account{}, fmt.Errorf("%w: patient id is required", ErrInvalidEvent)
	}
	return e.mutateAccount(ctx, patientID, func(s Store) (Account, bool, error) {
		account, err := s.LoadAccount(ctx, patientID)
		if err == nil {
			return account, false, nil
		}
		if !errors.Is(err, ErrAccountNotFound) {
			return Account{}, false, err
		}
		account, err = e.loadOrCreate(ctx, s, patientID, timeZone, e.clock.Now())
		return account, true, err
	})
}

// ArchiveAccount marks the account archived. Archived accounts keep their
// ledger and state but reject new events.
func (e *Engine) ArchiveAccount(ctx context.Context, patientID PatientID) (Account, error) {
	return e.mutateAccount(ctx, patientID, func(s Store) (Account, bool, error) {
		account, err := s.LoadAccount(ctx, patientID)
		if err != nil {
			return Account{}, false, err
		}
		if account.Archived {
			return account, false, nil
		}
		account.Archived = true
		account.UpdatedAt = e.clock.Now()
		return account, true, nil
	})
}

func (e *Engine) mutateAccount(ctx context.Context, patientID PatientID, fn func(Store) (Account, bool, error)) (Account, error) {
	unlock, err := e.owner.LockPatient(ctx, patientID)
	if err != nil {
		return Account{}, err
	}
	defer unlock()

	var out Account
	err = e.retry(ctx, func() error {
		return e.store.WithTx(ctx, func(s Store) error {
			account, dirty, err := fn(s)
			if err != nil {
				return err
			}
			if dirty {
				account, err = s.SaveAccount(ctx, account)
				if err != nil {
					return err
				}
			}
			out = account
			return nil
		})
	})
	return out, err
}

// =============================================================================
// QUERIES - Read-only, lock-free
// =============================================================================

func (e *Engine) GetAccount(ctx context.Context, patientID PatientID) (Account, error) {
	return e.store.LoadAccount(ctx, patientID)
}

// GetAchievementProgress returns progress for every catalog achievement,
// ordered by achievement id. Achievements without activity report zero.
func (e *Engine) GetAchievementProgress(ctx context.Context, patientID PatientID) ([]AchievementProgress, error) {
	if _, err := e.store.LoadAccount(ctx, patientID); err != nil {
		return nil, err
	}
	records, err := e.store.LoadAchievementProgress(ctx, patientID)
	if err != nil {
		return nil, err
	}
	byID := make(map[AchievementID]AchievementProgress, len(records))
	for _, r := range records {
		byID[r.AchievementID] = r
	}

	defs := e.catalog.Achievements()
	out := make([]AchievementProgress, 0, len(defs))
	for _, def := range defs {
		if r, ok := byID[def.ID]; ok {
			out = append(out, r)
			delete(byID, def.ID)
			continue
		}
		out = append(out, NewAchievementProgress(patientID, def))
	}
	// Records whose definition left the catalog are still reported.
	for _, r := range byID {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AchievementID < out[j].AchievementID })
	return out, nil
}

// GetChallengeParticipation returns the patient's participation, or an
// empty record when the patient has not completed any task yet.
func (e *Engine) GetChallengeParticipation(ctx context.Context, patientID PatientID, challengeID ChallengeID) (Participation, error) {
	if _, ok := e.catalog.Challenge(challengeID); !ok {
		return Participation{}, fmt.Errorf("%w: %s", ErrUnknownChallenge, challengeID)
	}
	p, found, err := e.store.LoadParticipation(ctx, challengeID, patientID)
	if err != nil {
		return Participation{}, err
	}
	if !found {
		return Participation{ChallengeID: challengeID, PatientID: patientID}, nil
	}
	return p, nil
}

func (e *Engine) GetLeaderboard(ctx context.Context, challengeID ChallengeID) ([]LeaderboardEntry, error) {
	if _, ok := e.catalog.Challenge(challengeID); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChallenge, challengeID)
	}
	return e.store.LoadLeaderboard(ctx, challengeID)
}

func (e *Engine) LedgerEntries(ctx context.Context, patientID PatientID) ([]LedgerEntry, error) {
	return e.store.Entries(ctx, patientID)
}

// ActiveChallenges lists challenges active now.
func (e *Engine) ActiveChallenges() []Challenge {
	return ActiveChallenges(e.catalog, e.clock.Now())
}

// =============================================================================
// ANALYTICS
// =============================================================================

// GetSnapshot derives analytics for [windowStart, windowEnd).
func (e *Engine) GetSnapshot(ctx context.Context, patientID PatientID, windowStart, windowEnd time.Time) (AnalyticsSnapshot, error) {
	if !windowEnd.After(windowStart) {
		return AnalyticsSnapshot{}, ErrInvalidWindow
	}
	account, err := e.store.LoadAccount(ctx, patientID)
	if err != nil {
		return AnalyticsSnapshot{}, err
	}

	prevStart, prevEnd := PreviousWindow(windowStart, windowEnd)
	entries, err := e.store.EntriesInRange(ctx, patientID, prevStart, windowEnd)
	if err != nil {
		return AnalyticsSnapshot{}, err
	}
	participations, err := e.store.ListParticipationsByPatient(ctx, patientID)
	if err != nil {
		return AnalyticsSnapshot{}, err
	}

	loc := account.Location()
	current := AggregateWindow(entries, participations, windowStart, windowEnd, loc)
	previous := AggregateWindow(entries, participations, prevStart, prevEnd, loc)
	return BuildSnapshot(e.scores, account, current, previous, e.clock.Now()), nil
}

// =============================================================================
// RECONCILIATION
// =============================================================================

// ReconciliationReport compares one stored account with its ledger.
type ReconciliationReport struct {
	PatientID    PatientID
	StoredPoints int64
	LedgerPoints int64
	Replayed     Account
	Mismatches   []string
}

func (r ReconciliationReport) OK() bool { return len(r.Mismatches) == 0 }

// Reconcile checks every account against its ledger: SumPoints and a full
// replay must agree with the stored account. Each account is checked under
// its patient lock so in-flight updates are never half observed.
func (e *Engine) Reconcile(ctx context.Context) ([]ReconciliationReport, error) {
	accounts, err := e.store.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}

	reports := make([]ReconciliationReport, 0, len(accounts))
	mismatches := 0
	for _, a := range accounts {
		report, err := e.ReconcileAccount(ctx, a.PatientID)
		if err != nil {
			return reports, err
		}
		if !report.OK() {
			mismatches++
			e.logger.Warn("ledger mismatch", "patient", a.PatientID, "mismatches", report.Mismatches)
		}
		reports = append(reports, report)
	}
	e.recorder.Reconciled(len(accounts), mismatches)
	return reports, nil
}

// ReconcileAccount checks one account.
func (e *Engine) ReconcileAccount(ctx context.Context, patientID PatientID) (ReconciliationReport, error) {
	unlock, err := e.owner.LockPatient(ctx, patientID)
	if err != nil {
		return ReconciliationReport{}, err
	}
	defer unlock()

	stored, err := e.store.LoadAccount(ctx, patientID)
	if err != nil {
		return ReconciliationReport{}, err
	}
	sum, err := e.store.SumPoints(ctx, patientID)
	if err != nil {
		return ReconciliationReport{}, err
	}
	entries, err := e.store.Entries(ctx, patientID)
	if err != nil {
		return ReconciliationReport{}, err
	}

	replayed := Replay(patientID, stored.TimeZone, entries, e.curve)
	report := ReconciliationReport{
		PatientID:    patientID,
		StoredPoints: stored.TotalPoints,
		LedgerPoints: sum,
		Replayed:     replayed,
	}
	check := func(field string, stored, ledger any) {
		if stored != ledger {
			report.Mismatches = append(report.Mismatches, fmt.Sprintf("%s: stored %v, ledger %v", field, stored, ledger))
		}
	}
	check("total_points", stored.TotalPoints, sum)
	check("replayed_points", stored.TotalPoints, replayed.TotalPoints)
	check("level", stored.Level, replayed.Level)
	check("current_streak", stored.CurrentStreakDays, replayed.CurrentStreakDays)
	check("longest_streak", stored.LongestStreakDays, replayed.LongestStreakDays)
	check("last_active", stored.LastActiveDate, replayed.LastActiveDate)
	check("achievements", fmt.Sprint(stored.UnlockedAchievements), fmt.Sprint(replayed.UnlockedAchievements))
	return report, nil
}
