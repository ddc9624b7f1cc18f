/*
handlers.go - HTTP API handlers for the engagement engine

PURPOSE:
  Exposes the engagement engine via REST API. Handles HTTP request/response
  and JSON serialization, and delegates to engagement.Engine.

ENDPOINTS:
  Events:
    POST   /api/events                                  Submit an event

  Patients:
    PUT    /api/patients/{id}                           Register (time zone)
    GET    /api/patients/{id}                           Account
    DELETE /api/patients/{id}                           Archive
    GET    /api/patients/{id}/ledger                    Ledger entries
    GET    /api/patients/{id}/achievements              Achievement progress
    POST   /api/patients/{id}/activities                Record activity
    GET    /api/patients/{id}/snapshot?start=&end=      Analytics snapshot
    GET    /api/patients/{id}/challenges/{cid}          Participation
    POST   /api/patients/{id}/challenges/{cid}/tasks/{tid}  Complete task

  Catalog:
    GET    /api/achievements                            Achievement definitions
    GET    /api/challenges[?status=active]              Challenge definitions
    GET    /api/challenges/{cid}/leaderboard            Leaderboard

  Operations:
    POST   /api/reconciliation/run                      Reconcile now
    GET    /api/reconciliation/runs                     Run history

REQUEST FLOW:
  1. Parse HTTP request
  2. Call the engine (it validates)
  3. Serialize response
  4. Map errors to status codes

ERROR HANDLING:
  Errors are returned as JSON with the status from statusFor:
  - 400: Malformed request body or query
  - 404: Account or catalog entry not found
  - 409: Concurrent modification survived every retry
  - 422: Validation errors (missing idempotency key, bad amount, ...)
  - 503: Storage unavailable
  - 500: Anything else

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/warp/engagement-engine/engagement"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Resetter is implemented by stores that can drop all data.
type Resetter interface {
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine    *engagement.Engine
	Scheduler *ReconciliationScheduler
	Store     Resetter // optional; enables scenario loading
	Logger    *slog.Logger

	// scenarioMu serializes scenario loads and resets with reads of
	// currentScenario.
	scenarioMu      sync.Mutex
	currentScenario string
}

// NewHandler creates a handler. scheduler and store may be nil.
func NewHandler(engine *engagement.Engine, scheduler *ReconciliationScheduler, store Resetter, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Engine: engine, Scheduler: scheduler, Store: store, Logger: logger}
}

// =============================================================================
// EVENT HANDLERS
// =============================================================================

// SubmitEvent ingests one event.
// Returns 201 when applied and 200 when the idempotency key was already seen.
func (h *Handler) SubmitEvent(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ev, err := req.Event()
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid event", err)
		return
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = h.Engine.Now()
	}

	res, err := h.Engine.SubmitEvent(r.Context(), ev)
	if err != nil {
		h.writeEngineError(w, "Failed to submit event", err)
		return
	}

	status := http.StatusCreated
	if !res.Applied {
		status = http.StatusOK
	}
	writeJSON(w, status, toSubmitResultDTO(res, h.Engine.Curve()))
}

// =============================================================================
// PATIENT HANDLERS
// =============================================================================

// RegisterPatient creates the account if needed. The time zone only takes
// effect on creation.
func (h *Handler) RegisterPatient(w http.ResponseWriter, r *http.Request) {
	var req RegisterPatientRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}

	acc, err := h.Engine.RegisterPatient(r.Context(), patientID(r), req.TimeZone)
	if err != nil {
		h.writeEngineError(w, "Failed to register patient", err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(acc, h.Engine.Curve()))
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	acc, err := h.Engine.GetAccount(r.Context(), patientID(r))
	if err != nil {
		h.writeEngineError(w, "Failed to get account", err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(acc, h.Engine.Curve()))
}

// ArchiveAccount stops further ingestion for the patient. History is kept.
func (h *Handler) ArchiveAccount(w http.ResponseWriter, r *http.Request) {
	acc, err := h.Engine.ArchiveAccount(r.Context(), patientID(r))
	if err != nil {
		h.writeEngineError(w, "Failed to archive account", err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(acc, h.Engine.Curve()))
}

func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	pid := patientID(r)
	if _, err := h.Engine.GetAccount(r.Context(), pid); err != nil {
		h.writeEngineError(w, "Failed to get ledger", err)
		return
	}
	entries, err := h.Engine.LedgerEntries(r.Context(), pid)
	if err != nil {
		h.writeEngineError(w, "Failed to get ledger", err)
		return
	}

	dtos := make([]LedgerEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toLedgerEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": dtos})
}

func (h *Handler) GetAchievementProgress(w http.ResponseWriter, r *http.Request) {
	progress, err := h.Engine.GetAchievementProgress(r.Context(), patientID(r))
	if err != nil {
		h.writeEngineError(w, "Failed to get achievement progress", err)
		return
	}

	dtos := make([]AchievementProgressDTO, len(progress))
	for i, p := range progress {
		dtos[i] = toAchievementProgressDTO(p)
	}
	writeJSON(w, http.StatusOK, map[string]any{"achievements": dtos})
}

// RecordActivity feeds requirement progress without a domain event.
func (h *Handler) RecordActivity(w http.ResponseWriter, r *http.Request) {
	var req RecordActivityRequest
	if !decodeBody(w, r, &req) {
		return
	}
	kind, err := engagement.ParseRequirementKind(req.Kind)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "Invalid requirement kind", err)
		return
	}

	res, err := h.Engine.RecordActivity(r.Context(), patientID(r), kind, req.Amount, req.IdempotencyKey)
	if err != nil {
		h.writeEngineError(w, "Failed to record activity", err)
		return
	}

	status := http.StatusCreated
	if !res.Applied {
		status = http.StatusOK
	}
	writeJSON(w, status, toSubmitResultDTO(res, h.Engine.Curve()))
}

// GetSnapshot returns analytics for [start, end). Both accept YYYY-MM-DD
// (midnight in the patient's time zone) or RFC 3339. The default window is
// the last 7 days including today.
func (h *Handler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	pid := patientID(r)

	acc, err := h.Engine.GetAccount(ctx, pid)
	if err != nil {
		h.writeEngineError(w, "Failed to get snapshot", err)
		return
	}
	loc := acc.Location()

	today := engagement.DateOf(h.Engine.Now(), loc)
	start := today.AddDays(-6).StartIn(loc)
	end := today.AddDays(1).StartIn(loc)

	if s := r.URL.Query().Get("start"); s != "" {
		if start, err = parseInstant(s, loc); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid start", err)
			return
		}
	}
	if s := r.URL.Query().Get("end"); s != "" {
		if end, err = parseInstant(s, loc); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid end", err)
			return
		}
	}

	snap, err := h.Engine.GetSnapshot(ctx, pid, start, end)
	if err != nil {
		h.writeEngineError(w, "Failed to get snapshot", err)
		return
	}
	writeJSON(w, http.StatusOK, toSnapshotDTO(snap))
}

func (h *Handler) GetParticipation(w http.ResponseWriter, r *http.Request) {
	p, err := h.Engine.GetChallengeParticipation(r.Context(), patientID(r), challengeID(r))
	if err != nil {
		h.writeEngineError(w, "Failed to get participation", err)
		return
	}
	writeJSON(w, http.StatusOK, toParticipationDTO(p))
}

func (h *Handler) CompleteTask(w http.ResponseWriter, r *http.Request) {
	var req CompleteTaskRequest
	if !decodeBody(w, r, &req) {
		return
	}

	p, err := h.Engine.CompleteTask(r.Context(), patientID(r), challengeID(r),
		engagement.TaskID(chi.URLParam(r, "tid")), req.IdempotencyKey)
	if err != nil {
		h.writeEngineError(w, "Failed to complete task", err)
		return
	}
	writeJSON(w, http.StatusOK, toParticipationDTO(p))
}

// =============================================================================
// CATALOG HANDLERS
// =============================================================================

func (h *Handler) ListAchievements(w http.ResponseWriter, r *http.Request) {
	defs := h.Engine.Catalog().Achievements()
	dtos := make([]AchievementDTO, len(defs))
	for i, a := range defs {
		dtos[i] = toAchievementDTO(a)
	}
	writeJSON(w, http.StatusOK, map[string]any{"achievements": dtos})
}

// ListChallenges returns all challenges, or only active ones with
// ?status=active.
func (h *Handler) ListChallenges(w http.ResponseWriter, r *http.Request) {
	now := h.Engine.Now()
	defs := h.Engine.Catalog().Challenges()
	if r.URL.Query().Get("status") == string(engagement.ChallengeActive) {
		defs = h.Engine.ActiveChallenges()
	}

	dtos := make([]ChallengeDTO, 0, len(defs))
	for _, c := range defs {
		dtos = append(dtos, toChallengeDTO(c, now))
	}
	writeJSON(w, http.StatusOK, map[string]any{"challenges": dtos})
}

func (h *Handler) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Engine.GetLeaderboard(r.Context(), challengeID(r))
	if err != nil {
		h.writeEngineError(w, "Failed to get leaderboard", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"challenge_id": chi.URLParam(r, "cid"),
		"entries":      toLeaderboardDTO(entries),
	})
}

// =============================================================================
// RECONCILIATION ENDPOINTS
// =============================================================================

// RunReconciliation performs one pass now.
// POST /api/reconciliation/run
func (h *Handler) RunReconciliation(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "Reconciliation is not configured", nil)
		return
	}
	run, err := h.Scheduler.RunNow(r.Context())
	if err != nil {
		h.writeEngineError(w, "Reconciliation failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toReconciliationRunDTO(run))
}

// ListReconciliationRuns returns run history, newest first.
// GET /api/reconciliation/runs?limit=20
func (h *Handler) ListReconciliationRuns(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		writeJSON(w, http.StatusOK, map[string]any{"runs": []ReconciliationRunDTO{}})
		return
	}

	limit := 20
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}

	runs, err := h.Scheduler.History(r.Context(), limit)
	if err != nil {
		h.writeEngineError(w, "Failed to get reconciliation runs", err)
		return
	}
	dtos := make([]ReconciliationRunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toReconciliationRunDTO(run)
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": dtos})
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func patientID(r *http.Request) engagement.PatientID {
	return engagement.PatientID(chi.URLParam(r, "id"))
}

func challengeID(r *http.Request) engagement.ChallengeID {
	return engagement.ChallengeID(chi.URLParam(r, "cid"))
}

func parseInstant(s string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	d, err := engagement.ParseDate(s)
	if err != nil {
		return time.Time{}, err
	}
	return d.StartIn(loc), nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case engagement.IsNotFound(err),
		errors.Is(err, engagement.ErrUnknownChallenge),
		errors.Is(err, engagement.ErrUnknownTask),
		errors.Is(err, engagement.ErrUnknownAchievement):
		return http.StatusNotFound
	case engagement.IsValidationError(err):
		return http.StatusUnprocessableEntity
	case errors.Is(err, engagement.ErrConcurrentModification):
		return http.StatusConflict
	case errors.Is(err, engagement.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeEngineError(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error(message, "status", status, "error", err)
	}
	writeError(w, status, message, err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
