/*
presets.go - Built-in patient engagement definitions

PURPOSE:
  Ready-to-use event rules and achievements for a care-team portal, so a
  deployment can run without a catalog file. Operators replace or extend
  them with their own JSON document.

EVENT RULES:
  session_completed     25 points  -> goals
  goal_completed        30 points  -> goals
  appointment_attended  40 points  -> appointments
  message_sent           5 points  -> messages
  document_uploaded     15 points  -> documents
  journal_entry         10 points  -> custom "journal"
  motivation_tool_used  10 points  -> custom "motivation"
  login                  0 points, not counted as activity

ACHIEVEMENT CATEGORIES:
  getting_started:  First steps in the program
  consistency:      Streak milestones (3, 7, 30, 100 days)
  care_team:        Appointments and messages
  self_care:        Journal and motivation tools

CHALLENGES:
  Challenges are time-boxed, so none are built in. MonthlyChallenge builds
  one spanning a calendar month.
*/
package catalog

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/warp/engagement-engine/engagement"
)

// DefaultDocument returns the built-in catalog document.
func DefaultDocument() DocumentJSON {
	notActivity := false
	return DocumentJSON{
		TimeZone: "UTC",
		EventRules: []EventRuleJSON{
			{Type: string(engagement.EventSessionCompleted), Points: 25, RequirementKind: string(engagement.KindGoals)},
			{Type: string(engagement.EventGoalCompleted), Points: 30, RequirementKind: string(engagement.KindGoals)},
			{Type: string(engagement.EventAppointmentAttended), Points: 40, RequirementKind: string(engagement.KindAppointments)},
			{Type: string(engagement.EventMessageSent), Points: 5, RequirementKind: string(engagement.KindMessages)},
			{Type: string(engagement.EventDocumentUploaded), Points: 15, RequirementKind: string(engagement.KindDocuments)},
			{Type: string(engagement.EventJournalEntry), Points: 10, RequirementKind: string(engagement.KindCustom), CustomKey: "journal"},
			{Type: string(engagement.EventMotivationTool), Points: 10, RequirementKind: string(engagement.KindCustom), CustomKey: "motivation"},
			{Type: string(engagement.EventLogin), Points: 0, CountsAsActivity: &notActivity},
		},
		Achievements: []AchievementJSON{
			// ── Getting started ──────────────────────────────────────
			achievement("first-steps", "First Steps", "getting_started", "easy", 50, "starter",
				req("goals", 1, "Complete your first session or goal")),
			achievement("first-message", "Hello There", "getting_started", "easy", 25, "",
				req("messages", 1, "Send your care team a message")),
			achievement("paperwork", "Paperwork Done", "getting_started", "easy", 30, "",
				req("documents", 1, "Upload a document")),

			// ── Consistency ──────────────────────────────────────────
			achievement("streak-3", "Warming Up", "consistency", "easy", 30, "",
				req("streak", 3, "Stay active 3 days in a row")),
			achievement("streak-7", "Week Warrior", "consistency", "medium", 100, "week-warrior",
				req("streak", 7, "Stay active 7 days in a row")),
			achievement("streak-30", "Monthly Master", "consistency", "hard", 500, "monthly-master",
				req("streak", 30, "Stay active 30 days in a row")),
			achievement("streak-100", "Centurion", "consistency", "legendary", 2000, "centurion",
				req("streak", 100, "Stay active 100 days in a row")),

			// ── Care team ────────────────────────────────────────────
			achievement("communicator", "Communicator", "care_team", "medium", 100, "",
				req("appointments", 2, "Attend 2 appointments"),
				req("messages", 4, "Send 4 messages")),
			achievement("regular", "Regular", "care_team", "hard", 300, "regular",
				req("appointments", 10, "Attend 10 appointments")),
			achievement("goal-getter", "Goal Getter", "care_team", "medium", 150, "",
				req("goals", 10, "Complete 10 sessions or goals")),

			// ── Self care ────────────────────────────────────────────
			achievement("journaler", "Reflective", "self_care", "easy", 30, "",
				RequirementJSON{Kind: "custom", Key: "journal", Target: 3, Description: "Write 3 journal entries"}),
			achievement("motivated", "Self Motivated", "self_care", "medium", 80, "",
				RequirementJSON{Kind: "custom", Key: "motivation", Target: 10, Description: "Use a motivation tool 10 times"}),
			achievement("balanced", "Balanced", "self_care", "hard", 250, "balanced",
				RequirementJSON{Kind: "custom", Key: "journal", Target: 20, Description: "Write 20 journal entries"},
				req("streak", 14, "Stay active 14 days in a row")),
		},
	}
}

// Default returns the built-in catalog.
func Default() *engagement.StaticCatalog {
	c, err := FromJSON(DefaultDocument())
	if err != nil {
		panic(fmt.Sprintf("catalog: built-in document is invalid: %v", err))
	}
	return c
}

// DefaultJSON returns the built-in document as indented JSON.
func DefaultJSON() []byte {
	data, _ := json.MarshalIndent(DefaultDocument(), "", "  ")
	return data
}

// MonthlyChallenge returns a challenge covering the given calendar month.
// Each task is worth pointsPerTask.
func MonthlyChallenge(id, name string, year int, month time.Month, pointsPerTask int64, tasks ...string) ChallengeJSON {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	last := first.AddDate(0, 1, -1)

	cj := ChallengeJSON{
		ID:              id,
		Name:            name,
		StartDate:       first.Format("2006-01-02"),
		EndDate:         last.Format("2006-01-02"),
		CompletionBadge: id,
	}
	for i, t := range tasks {
		cj.Tasks = append(cj.Tasks, TaskJSON{ID: fmt.Sprintf("task-%d", i+1), Name: t, Points: pointsPerTask})
	}
	return cj
}

func achievement(id, name, category, difficulty string, points int64, badge string, reqs ...RequirementJSON) AchievementJSON {
	return AchievementJSON{
		ID:           id,
		Name:         name,
		Category:     category,
		Difficulty:   difficulty,
		Points:       points,
		Badge:        badge,
		Requirements: reqs,
	}
}

func req(kind string, target int64, description string) RequirementJSON {
	return RequirementJSON{Kind: kind, Target: target, Description: description}
}
