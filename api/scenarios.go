/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
  Provides pre-built scenarios that populate the store with realistic
  patient activity. Every scenario goes through Engine.SubmitEvent, so the
  resulting accounts, achievements and leaderboards are exactly what real
  ingestion would produce.

AVAILABLE SCENARIOS:
  streak-week:     One patient active seven days in a row
  care-team:       Appointments and messages toward "communicator"
  self-care:       Journal entries and motivation tools
  challenge-race:  Three patients racing through the first active challenge

HOW SCENARIOS WORK:
  1. Reset the store (clear all data)
  2. Register the demo patients
  3. Submit events dated relative to the engine clock, oldest first
  4. Idempotency keys are "scenario:<id>:<n>", so loading twice without a
     reset is harmless

USAGE VIA API:
  POST /api/scenarios/load
  {"scenario_id": "streak-week"}

NOTE:
  Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler struct
  - catalog/presets.go: The built-in definitions these scenarios target
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/warp/engagement-engine/engagement"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "streak-week",
		Name:        "Streak Week",
		Description: "A patient completes a session every day for a week",
		Category:    "streaks",
	},
	{
		ID:          "care-team",
		Name:        "Care Team",
		Description: "Appointments attended and messages sent to the care team",
		Category:    "achievements",
	},
	{
		ID:          "self-care",
		Name:        "Self Care",
		Description: "Journal entries and motivation tool use",
		Category:    "achievements",
	},
	{
		ID:          "challenge-race",
		Name:        "Challenge Race",
		Description: "Three patients progressing through the active challenge",
		Category:    "challenges",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.scenarioMu.Lock()
	current := h.currentScenario
	h.scenarioMu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the store and loads the requested scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if h.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "Store does not support reset", nil)
		return
	}

	loaders := map[string]func(context.Context) error{
		"streak-week":    h.loadStreakWeekScenario,
		"care-team":      h.loadCareTeamScenario,
		"self-care":      h.loadSelfCareScenario,
		"challenge-race": h.loadChallengeRaceScenario,
	}
	load, ok := loaders[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusNotFound, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}

	h.scenarioMu.Lock()
	defer h.scenarioMu.Unlock()

	ctx := r.Context()
	if err := h.Store.Reset(ctx); err != nil {
		h.writeEngineError(w, "Failed to reset store", err)
		return
	}
	h.currentScenario = ""

	if err := load(ctx); err != nil {
		h.writeEngineError(w, "Failed to load scenario", err)
		return
	}
	h.currentScenario = req.ScenarioID
	h.Logger.Info("scenario loaded", "scenario", req.ScenarioID)

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "scenario_id": req.ScenarioID})
}

// ResetStore clears all data.
func (h *Handler) ResetStore(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "Store does not support reset", nil)
		return
	}
	h.scenarioMu.Lock()
	defer h.scenarioMu.Unlock()

	if err := h.Store.Reset(r.Context()); err != nil {
		h.writeEngineError(w, "Failed to reset store", err)
		return
	}
	h.currentScenario = ""
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

// scenarioFeed submits events for one scenario with sequential keys.
type scenarioFeed struct {
	h   *Handler
	id  string
	seq int
	now time.Time
}

func (h *Handler) feed(id string) *scenarioFeed {
	return &scenarioFeed{h: h, id: id, now: h.Engine.Now()}
}

func (f *scenarioFeed) submit(ctx context.Context, ev engagement.Event) error {
	f.seq++
	ev.IdempotencyKey = fmt.Sprintf("scenario:%s:%d", f.id, f.seq)
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = f.now
	}
	if _, err := f.h.Engine.SubmitEvent(ctx, ev); err != nil {
		return fmt.Errorf("scenario %s event %d (%s): %w", f.id, f.seq, ev.Type, err)
	}
	return nil
}

// daysAgo returns the engine time shifted back n days.
func (f *scenarioFeed) daysAgo(n int) time.Time {
	return f.now.AddDate(0, 0, -n)
}

func (h *Handler) loadStreakWeekScenario(ctx context.Context) error {
	f := h.feed("streak-week")
	if _, err := h.Engine.RegisterPatient(ctx, "demo-streak", ""); err != nil {
		return err
	}
	for day := 6; day >= 0; day-- {
		err := f.submit(ctx, engagement.Event{
			PatientID:  "demo-streak",
			Type:       engagement.EventSessionCompleted,
			OccurredAt: f.daysAgo(day),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) loadCareTeamScenario(ctx context.Context) error {
	f := h.feed("care-team")
	if _, err := h.Engine.RegisterPatient(ctx, "demo-care", ""); err != nil {
		return err
	}

	plan := []struct {
		t   engagement.EventType
		ago int
	}{
		{engagement.EventAppointmentAttended, 10},
		{engagement.EventMessageSent, 9},
		{engagement.EventMessageSent, 8},
		{engagement.EventDocumentUploaded, 8},
		{engagement.EventAppointmentAttended, 3},
		{engagement.EventMessageSent, 2},
		{engagement.EventMessageSent, 1},
	}
	for _, p := range plan {
		if err := f.submit(ctx, engagement.Event{PatientID: "demo-care", Type: p.t, OccurredAt: f.daysAgo(p.ago)}); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) loadSelfCareScenario(ctx context.Context) error {
	f := h.feed("self-care")
	if _, err := h.Engine.RegisterPatient(ctx, "demo-selfcare", ""); err != nil {
		return err
	}
	for day := 4; day >= 0; day-- {
		if err := f.submit(ctx, engagement.Event{
			PatientID:  "demo-selfcare",
			Type:       engagement.EventJournalEntry,
			OccurredAt: f.daysAgo(day),
		}); err != nil {
			return err
		}
		if day%2 == 0 {
			if err := f.submit(ctx, engagement.Event{
				PatientID:  "demo-selfcare",
				Type:       engagement.EventMotivationTool,
				OccurredAt: f.daysAgo(day),
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *Handler) loadChallengeRaceScenario(ctx context.Context) error {
	active := h.Engine.ActiveChallenges()
	if len(active) == 0 {
		return fmt.Errorf("%w: no active challenge to race in", engagement.ErrChallengeNotActive)
	}
	ch := active[0]
	f := h.feed("challenge-race")

	// Each racer completes a different number of tasks.
	racers := []struct {
		id    engagement.PatientID
		tasks int
	}{
		{"demo-racer-a", len(ch.Tasks)},
		{"demo-racer-b", (len(ch.Tasks) + 1) / 2},
		{"demo-racer-c", 1},
	}
	for _, racer := range racers {
		if _, err := h.Engine.RegisterPatient(ctx, racer.id, ""); err != nil {
			return err
		}
		for i := 0; i < racer.tasks && i < len(ch.Tasks); i++ {
			err := f.submit(ctx, engagement.Event{
				PatientID:     racer.id,
				Type:          engagement.EventActivity,
				ChallengeTask: &engagement.ChallengeTaskRef{ChallengeID: ch.ID, TaskID: ch.Tasks[i].ID},
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}
