// Package store provides in-memory engagement.Store implementations.
package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/warp/engagement-engine/engagement"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu             sync.RWMutex
	entries        map[engagement.PatientID][]engagement.LedgerEntry
	keys           map[string]bool
	accounts       map[engagement.PatientID]engagement.Account
	progress       map[progressKey]engagement.AchievementProgress
	participations map[engagement.ChallengeID]map[engagement.PatientID]engagement.Participation
	leaderboards   map[engagement.ChallengeID][]engagement.LeaderboardEntry
	runs           []engagement.ReconciliationRun
}

type progressKey struct {
	PatientID     engagement.PatientID
	AchievementID engagement.AchievementID
}

var (
	_ engagement.Store             = (*Memory)(nil)
	_ engagement.TxStore           = (*TxMemory)(nil)
	_ engagement.ReconciliationLog = (*Memory)(nil)
)

func NewMemory() *Memory {
	return &Memory{
		entries:        make(map[engagement.PatientID][]engagement.LedgerEntry),
		keys:           make(map[string]bool),
		accounts:       make(map[engagement.PatientID]engagement.Account),
		progress:       make(map[progressKey]engagement.AchievementProgress),
		participations: make(map[engagement.ChallengeID]map[engagement.PatientID]engagement.Participation),
		leaderboards:   make(map[engagement.ChallengeID][]engagement.LeaderboardEntry),
	}
}

// -----------------------------------------------------------------------------
// Ledger
// -----------------------------------------------------------------------------

// Append adds a single entry. Append-only.
func (m *Memory) Append(_ context.Context, e engagement.LedgerEntry) (engagement.AppendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys[e.IdempotencyKey] {
		return engagement.AlreadyApplied, nil
	}
	m.appendLocked(e)
	return engagement.Applied, nil
}

func (m *Memory) appendLocked(e engagement.LedgerEntry) {
	m.entries[e.PatientID] = append(m.entries[e.PatientID], e)
	m.keys[e.IdempotencyKey] = true
}

func (m *Memory) Exists(_ context.Context, idempotencyKey string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.keys[idempotencyKey], nil
}

func (m *Memory) Entries(_ context.Context, patientID engagement.PatientID) ([]engagement.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]engagement.LedgerEntry, len(m.entries[patientID]))
	copy(result, m.entries[patientID])
	return result, nil
}

func (m *Memory) EntriesInRange(_ context.Context, patientID engagement.PatientID, from, to time.Time) ([]engagement.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return filterRange(m.entries[patientID], from, to), nil
}

func (m *Memory) SumPoints(_ context.Context, patientID engagement.PatientID) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sumPoints(m.entries[patientID]), nil
}

func filterRange(entries []engagement.LedgerEntry, from, to time.Time) []engagement.LedgerEntry {
	var result []engagement.LedgerEntry
	for _, e := range entries {
		if !e.OccurredAt.Before(from) && e.OccurredAt.Before(to) {
			result = append(result, e)
		}
	}
	return result
}

func sumPoints(entries []engagement.LedgerEntry) int64 {
	var total int64
	for _, e := range entries {
		total += e.PointsDelta
	}
	return total
}

// -----------------------------------------------------------------------------
// Accounts
// -----------------------------------------------------------------------------

func (m *Memory) LoadAccount(_ context.Context, patientID engagement.PatientID) (engagement.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[patientID]
	if !ok {
		return engagement.Account{}, engagement.ErrAccountNotFound
	}
	return a, nil
}

// SaveAccount stores account if the stored version still equals
// account.Version, and returns it with the version bumped.
func (m *Memory) SaveAccount(_ context.Context, account engagement.Account) (engagement.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := checkVersion(m.accounts, account); err != nil {
		return engagement.Account{}, err
	}
	account.Version++
	m.accounts[account.PatientID] = account
	return account, nil
}

func checkVersion(accounts map[engagement.PatientID]engagement.Account, account engagement.Account) error {
	var current int64
	if stored, ok := accounts[account.PatientID]; ok {
		current = stored.Version
	}
	if current != account.Version {
		return &engagement.ConflictError{Record: "account " + string(account.PatientID), Expected: account.Version}
	}
	return nil
}

func (m *Memory) ListAccounts(_ context.Context) ([]engagement.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]engagement.Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		result = append(result, a)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].PatientID < result[j].PatientID })
	return result, nil
}

// -----------------------------------------------------------------------------
// Achievement progress
// -----------------------------------------------------------------------------

func (m *Memory) LoadAchievementProgress(_ context.Context, patientID engagement.PatientID) ([]engagement.AchievementProgress, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return progressFor(m.progress, patientID), nil
}

func (m *Memory) SaveAchievementProgress(_ context.Context, p engagement.AchievementProgress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progress[progressKey{p.PatientID, p.AchievementID}] = p
	return nil
}

func progressFor(all map[progressKey]engagement.AchievementProgress, patientID engagement.PatientID) []engagement.AchievementProgress {
	var result []engagement.AchievementProgress
	for k, p := range all {
		if k.PatientID == patientID {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].AchievementID < result[j].AchievementID })
	return result
}

// -----------------------------------------------------------------------------
// Participations and leaderboards
// -----------------------------------------------------------------------------

func (m *Memory) LoadParticipation(_ context.Context, challengeID engagement.ChallengeID, patientID engagement.PatientID) (engagement.Participation, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.participations[challengeID][patientID]
	return p, ok, nil
}

func (m *Memory) ListParticipations(_ context.Context, challengeID engagement.ChallengeID) ([]engagement.Participation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedParticipations(m.participations[challengeID]), nil
}

func (m *Memory) ListParticipationsByPatient(_ context.Context, patientID engagement.PatientID) ([]engagement.Participation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []engagement.Participation
	for _, byPatient := range m.participations {
		if p, ok := byPatient[patientID]; ok {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ChallengeID < result[j].ChallengeID })
	return result, nil
}

func (m *Memory) SaveParticipation(_ context.Context, p engagement.Participation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveParticipationLocked(p)
	return nil
}

func (m *Memory) saveParticipationLocked(p engagement.Participation) {
	byPatient := m.participations[p.ChallengeID]
	if byPatient == nil {
		byPatient = make(map[engagement.PatientID]engagement.Participation)
		m.participations[p.ChallengeID] = byPatient
	}
	byPatient[p.PatientID] = p
}

func sortedParticipations(byPatient map[engagement.PatientID]engagement.Participation) []engagement.Participation {
	result := make([]engagement.Participation, 0, len(byPatient))
	for _, p := range byPatient {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].PatientID < result[j].PatientID })
	return result
}

func (m *Memory) SaveLeaderboard(_ context.Context, challengeID engagement.ChallengeID, entries []engagement.LeaderboardEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leaderboards[challengeID] = append([]engagement.LeaderboardEntry(nil), entries...)
	return nil
}

func (m *Memory) LoadLeaderboard(_ context.Context, challengeID engagement.ChallengeID) ([]engagement.LeaderboardEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]engagement.LeaderboardEntry(nil), m.leaderboards[challengeID]...), nil
}

// -----------------------------------------------------------------------------
// Reconciliation runs
// -----------------------------------------------------------------------------

// SaveReconciliationRun inserts or replaces the run with the same ID.
func (m *Memory) SaveReconciliationRun(_ context.Context, run engagement.ReconciliationRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.runs {
		if m.runs[i].ID == run.ID {
			m.runs[i] = run
			return nil
		}
	}
	m.runs = append(m.runs, run)
	return nil
}

// ReconciliationRuns returns the most recent runs first.
func (m *Memory) ReconciliationRuns(_ context.Context, limit int) ([]engagement.ReconciliationRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []engagement.ReconciliationRun
	for i := len(m.runs) - 1; i >= 0; i-- {
		if limit > 0 && len(result) == limit {
			break
		}
		result = append(result, m.runs[i])
	}
	return result, nil
}

// Reset drops every record.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.entries)
	clear(m.keys)
	clear(m.accounts)
	clear(m.progress)
	clear(m.participations)
	clear(m.leaderboards)
	m.runs = nil
	return nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
//
// Writes inside WithTx are staged in a private view and published under the
// write lock only when fn succeeds. Commit re-checks every account version
// and idempotency key the view relied on; a conflicting commit that landed
// in between fails with ErrConcurrentModification. Transactions for
// different patients therefore never wait on each other beyond the commit.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(engagement.Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	view := newTxView(tm.Memory)
	if err := fn(view); err != nil {
		return err
	}
	return view.commit()
}

type txView struct {
	parent *Memory

	entries        []engagement.LedgerEntry
	keys           map[string]bool
	accounts       map[engagement.PatientID]engagement.Account
	baseVersions   map[engagement.PatientID]int64
	progress       map[progressKey]engagement.AchievementProgress
	participations map[engagement.ChallengeID]map[engagement.PatientID]engagement.Participation
	leaderboards   map[engagement.ChallengeID][]engagement.LeaderboardEntry
}

func newTxView(parent *Memory) *txView {
	return &txView{
		parent:         parent,
		keys:           make(map[string]bool),
		accounts:       make(map[engagement.PatientID]engagement.Account),
		baseVersions:   make(map[engagement.PatientID]int64),
		progress:       make(map[progressKey]engagement.AchievementProgress),
		participations: make(map[engagement.ChallengeID]map[engagement.PatientID]engagement.Participation),
		leaderboards:   make(map[engagement.ChallengeID][]engagement.LeaderboardEntry),
	}
}

func (tv *txView) commit() error {
	m := tv.parent
	m.mu.Lock()
	defer m.mu.Unlock()

	for key := range tv.keys {
		if m.keys[key] {
			return &engagement.ConflictError{Record: "ledger key " + key}
		}
	}
	for id, base := range tv.baseVersions {
		if err := checkVersion(m.accounts, engagement.Account{PatientID: id, Version: base}); err != nil {
			return err
		}
	}

	for _, e := range tv.entries {
		m.appendLocked(e)
	}
	for id, a := range tv.accounts {
		m.accounts[id] = a
	}
	for k, p := range tv.progress {
		m.progress[k] = p
	}
	for _, byPatient := range tv.participations {
		for _, p := range byPatient {
			m.saveParticipationLocked(p)
		}
	}
	for id, board := range tv.leaderboards {
		m.leaderboards[id] = board
	}
	return nil
}

func (tv *txView) Append(ctx context.Context, e engagement.LedgerEntry) (engagement.AppendResult, error) {
	seen, err := tv.Exists(ctx, e.IdempotencyKey)
	if err != nil {
		return 0, err
	}
	if seen {
		return engagement.AlreadyApplied, nil
	}
	tv.entries = append(tv.entries, e)
	tv.keys[e.IdempotencyKey] = true
	return engagement.Applied, nil
}

func (tv *txView) Exists(ctx context.Context, idempotencyKey string) (bool, error) {
	if tv.keys[idempotencyKey] {
		return true, nil
	}
	return tv.parent.Exists(ctx, idempotencyKey)
}

func (tv *txView) Entries(ctx context.Context, patientID engagement.PatientID) ([]engagement.LedgerEntry, error) {
	result, err := tv.parent.Entries(ctx, patientID)
	if err != nil {
		return nil, err
	}
	for _, e := range tv.entries {
		if e.PatientID == patientID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (tv *txView) EntriesInRange(ctx context.Context, patientID engagement.PatientID, from, to time.Time) ([]engagement.LedgerEntry, error) {
	all, err := tv.Entries(ctx, patientID)
	if err != nil {
		return nil, err
	}
	return filterRange(all, from, to), nil
}

func (tv *txView) SumPoints(ctx context.Context, patientID engagement.PatientID) (int64, error) {
	all, err := tv.Entries(ctx, patientID)
	if err != nil {
		return 0, err
	}
	return sumPoints(all), nil
}

func (tv *txView) LoadAccount(ctx context.Context, patientID engagement.PatientID) (engagement.Account, error) {
	if a, ok := tv.accounts[patientID]; ok {
		return a, nil
	}
	return tv.parent.LoadAccount(ctx, patientID)
}

func (tv *txView) SaveAccount(ctx context.Context, account engagement.Account) (engagement.Account, error) {
	current, err := tv.LoadAccount(ctx, account.PatientID)
	switch {
	case err == nil:
		if current.Version != account.Version {
			return engagement.Account{}, &engagement.ConflictError{Record: "account " + string(account.PatientID), Expected: account.Version}
		}
	case errors.Is(err, engagement.ErrAccountNotFound):
		if account.Version != 0 {
			return engagement.Account{}, &engagement.ConflictError{Record: "account " + string(account.PatientID), Expected: account.Version}
		}
	default:
		return engagement.Account{}, err
	}

	if _, staged := tv.baseVersions[account.PatientID]; !staged {
		tv.baseVersions[account.PatientID] = account.Version
	}
	account.Version++
	tv.accounts[account.PatientID] = account
	return account, nil
}

func (tv *txView) ListAccounts(ctx context.Context) ([]engagement.Account, error) {
	stored, err := tv.parent.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	merged := make(map[engagement.PatientID]engagement.Account, len(stored)+len(tv.accounts))
	for _, a := range stored {
		merged[a.PatientID] = a
	}
	for id, a := range tv.accounts {
		merged[id] = a
	}
	result := make([]engagement.Account, 0, len(merged))
	for _, a := range merged {
		result = append(result, a)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].PatientID < result[j].PatientID })
	return result, nil
}

func (tv *txView) LoadAchievementProgress(ctx context.Context, patientID engagement.PatientID) ([]engagement.AchievementProgress, error) {
	stored, err := tv.parent.LoadAchievementProgress(ctx, patientID)
	if err != nil {
		return nil, err
	}
	merged := make(map[progressKey]engagement.AchievementProgress, len(stored))
	for _, p := range stored {
		merged[progressKey{p.PatientID, p.AchievementID}] = p
	}
	for k, p := range tv.progress {
		merged[k] = p
	}
	return progressFor(merged, patientID), nil
}

func (tv *txView) SaveAchievementProgress(_ context.Context, p engagement.AchievementProgress) error {
	tv.progress[progressKey{p.PatientID, p.AchievementID}] = p
	return nil
}

func (tv *txView) LoadParticipation(ctx context.Context, challengeID engagement.ChallengeID, patientID engagement.PatientID) (engagement.Participation, bool, error) {
	if p, ok := tv.participations[challengeID][patientID]; ok {
		return p, true, nil
	}
	return tv.parent.LoadParticipation(ctx, challengeID, patientID)
}

func (tv *txView) ListParticipations(ctx context.Context, challengeID engagement.ChallengeID) ([]engagement.Participation, error) {
	stored, err := tv.parent.ListParticipations(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	merged := make(map[engagement.PatientID]engagement.Participation, len(stored))
	for _, p := range stored {
		merged[p.PatientID] = p
	}
	for id, p := range tv.participations[challengeID] {
		merged[id] = p
	}
	return sortedParticipations(merged), nil
}

func (tv *txView) ListParticipationsByPatient(ctx context.Context, patientID engagement.PatientID) ([]engagement.Participation, error) {
	stored, err := tv.parent.ListParticipationsByPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	merged := make(map[engagement.ChallengeID]engagement.Participation, len(stored))
	for _, p := range stored {
		merged[p.ChallengeID] = p
	}
	for cid, byPatient := range tv.participations {
		if p, ok := byPatient[patientID]; ok {
			merged[cid] = p
		}
	}
	result := make([]engagement.Participation, 0, len(merged))
	for _, p := range merged {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ChallengeID < result[j].ChallengeID })
	return result, nil
}

func (tv *txView) SaveParticipation(_ context.Context, p engagement.Participation) error {
	byPatient := tv.participations[p.ChallengeID]
	if byPatient == nil {
		byPatient = make(map[engagement.PatientID]engagement.Participation)
		tv.participations[p.ChallengeID] = byPatient
	}
	byPatient[p.PatientID] = p
	return nil
}

func (tv *txView) SaveLeaderboard(_ context.Context, challengeID engagement.ChallengeID, entries []engagement.LeaderboardEntry) error {
	tv.leaderboards[challengeID] = append([]engagement.LeaderboardEntry(nil), entries...)
	return nil
}

func (tv *txView) LoadLeaderboard(ctx context.Context, challengeID engagement.ChallengeID) ([]engagement.LeaderboardEntry, error) {
	if board, ok := tv.leaderboards[challengeID]; ok {
		return append([]engagement.LeaderboardEntry(nil), board...), nil
	}
	return tv.parent.LoadLeaderboard(ctx, challengeID)
}
