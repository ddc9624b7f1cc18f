package catalog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/engagement-engine/engagement"
)

const validDoc = `{
  "time_zone": "America/New_York",
  "event_rules": [
    {"type": "session_completed", "points": 25, "requirement_kind": "goals"},
    {"type": "journal_entry", "points": 10, "requirement_kind": "custom", "custom_key": "journal"},
    {"type": "login", "points": 0, "counts_as_activity": false}
  ],
  "achievements": [
    {
      "id": "communicator",
      "name": "Communicator",
      "points": 100,
      "difficulty": "medium",
      "badge": "talker",
      "requirements": [
        {"kind": "appointments", "target": 2, "description": "Attend 2 appointments"},
        {"kind": "messages", "target": 4}
      ]
    },
    {
      "id": "journaler",
      "name": "Journaler",
      "points": 30,
      "requirements": [{"kind": "custom", "key": "journal", "target": 3}]
    }
  ],
  "challenges": [
    {
      "id": "hydration-march",
      "name": "Hydration Month",
      "start_date": "2026-03-01",
      "end_date": "2026-03-31",
      "tasks": [
        {"id": "t1", "name": "Log water", "points": 10},
        {"id": "t2", "name": "Refill bottle", "points": 20}
      ],
      "completion_badge": "hydrated"
    }
  ]
}`

func TestParse_ValidDocument(t *testing.T) {
	// GIVEN a document exercising every section
	// WHEN parsed
	cat, err := Parse([]byte(validDoc))
	require.NoError(t, err)

	// THEN rules carry their requirement kinds and activity flags
	rule, ok := cat.EventRule(engagement.EventJournalEntry)
	require.True(t, ok)
	assert.Equal(t, int64(10), rule.Points)
	assert.Equal(t, engagement.KindCustom, rule.RequirementKind)
	assert.Equal(t, "journal", rule.CustomKey)
	assert.True(t, rule.CountsAsActivity)

	login, ok := cat.EventRule(engagement.EventLogin)
	require.True(t, ok)
	assert.False(t, login.CountsAsActivity)

	// AND achievements keep requirement order and defaults
	a, ok := cat.Achievement("communicator")
	require.True(t, ok)
	assert.Equal(t, engagement.DifficultyMedium, a.Difficulty)
	assert.Equal(t, "talker", a.Badge)
	require.Len(t, a.Requirements, 2)
	assert.Equal(t, engagement.KindAppointments, a.Requirements[0].Kind())
	assert.Equal(t, int64(4), engagement.TargetOf(a.Requirements[1]))

	j, ok := cat.Achievement("journaler")
	require.True(t, ok)
	assert.Equal(t, engagement.DifficultyEasy, j.Difficulty)
	assert.Equal(t, "journal", engagement.CustomKeyOf(j.Requirements[0]))
}

func TestParse_DateOnlyBoundariesUseDocumentZone(t *testing.T) {
	cat, err := Parse([]byte(validDoc))
	require.NoError(t, err)

	c, ok := cat.Challenge("hydration-march")
	require.True(t, ok)

	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// THEN the window starts at local midnight and covers the whole last day
	assert.True(t, c.StartDate.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, ny)))
	assert.True(t, c.EndDate.Equal(time.Date(2026, 4, 1, 0, 0, 0, 0, ny).Add(-time.Nanosecond)))
	assert.True(t, c.IsActive(time.Date(2026, 3, 31, 23, 30, 0, 0, ny)))
	assert.False(t, c.IsActive(time.Date(2026, 4, 1, 0, 0, 0, 0, ny)))
}

func TestParse_RFC3339Boundaries(t *testing.T) {
	doc := `{"challenges": [{
	  "id": "sprint", "name": "Sprint",
	  "start_date": "2026-05-01T09:00:00Z",
	  "end_date": "2026-05-01T17:00:00Z",
	  "tasks": [{"id": "t1", "name": "Walk", "points": 5}]
	}]}`

	cat, err := Parse([]byte(doc))
	require.NoError(t, err)

	c, _ := cat.Challenge("sprint")
	assert.True(t, c.StartDate.Equal(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)))
	assert.True(t, c.EndDate.Equal(time.Date(2026, 5, 1, 17, 0, 0, 0, time.UTC)))
}

func TestParse_SchemaViolations(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not json", `{`},
		{"unknown top-level field", `{"rewards": []}`},
		{"negative points", `{"event_rules": [{"type": "x", "points": -1}]}`},
		{"unknown requirement kind", `{"achievements": [{"id": "a", "name": "A", "points": 1, "requirements": [{"kind": "steps", "target": 1}]}]}`},
		{"zero target", `{"achievements": [{"id": "a", "name": "A", "points": 1, "requirements": [{"kind": "goals", "target": 0}]}]}`},
		{"custom without key", `{"achievements": [{"id": "a", "name": "A", "points": 1, "requirements": [{"kind": "custom", "target": 1}]}]}`},
		{"no requirements", `{"achievements": [{"id": "a", "name": "A", "points": 1, "requirements": []}]}`},
		{"bad id", `{"achievements": [{"id": "Has Spaces", "name": "A", "points": 1, "requirements": [{"kind": "goals", "target": 1}]}]}`},
		{"unknown difficulty", `{"achievements": [{"id": "a", "name": "A", "points": 1, "difficulty": "epic", "requirements": [{"kind": "goals", "target": 1}]}]}`},
		{"challenge without tasks", `{"challenges": [{"id": "c", "name": "C", "start_date": "2026-03-01", "end_date": "2026-03-02", "tasks": []}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidCatalog)
		})
	}
}

func TestFromJSON_CrossReferenceErrors(t *testing.T) {
	task := []TaskJSON{{ID: "t1", Name: "T", Points: 1}}
	goal := []RequirementJSON{{Kind: "goals", Target: 1}}

	tests := []struct {
		name string
		doc  DocumentJSON
	}{
		{"duplicate achievement", DocumentJSON{Achievements: []AchievementJSON{
			{ID: "a", Name: "A", Requirements: goal},
			{ID: "a", Name: "A again", Requirements: goal},
		}}},
		{"duplicate challenge", DocumentJSON{Challenges: []ChallengeJSON{
			{ID: "c", Name: "C", StartDate: "2026-03-01", EndDate: "2026-03-02", Tasks: task},
			{ID: "c", Name: "C", StartDate: "2026-03-01", EndDate: "2026-03-02", Tasks: task},
		}}},
		{"duplicate task", DocumentJSON{Challenges: []ChallengeJSON{
			{ID: "c", Name: "C", StartDate: "2026-03-01", EndDate: "2026-03-02", Tasks: append(task, task...)},
		}}},
		{"duplicate rule", DocumentJSON{EventRules: []EventRuleJSON{{Type: "login"}, {Type: "login"}}}},
		{"system event rule", DocumentJSON{EventRules: []EventRuleJSON{{Type: string(engagement.EventAchievementUnlocked), Points: 5}}}},
		{"custom rule without key", DocumentJSON{EventRules: []EventRuleJSON{{Type: "journal_entry", RequirementKind: "custom"}}}},
		{"end before start", DocumentJSON{Challenges: []ChallengeJSON{
			{ID: "c", Name: "C", StartDate: "2026-03-10", EndDate: "2026-03-01", Tasks: task},
		}}},
		{"bad date", DocumentJSON{Challenges: []ChallengeJSON{
			{ID: "c", Name: "C", StartDate: "March 1st", EndDate: "2026-03-01", Tasks: task},
		}}},
		{"unknown time zone", DocumentJSON{TimeZone: "Mars/Olympus"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromJSON(tt.doc)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidCatalog)
		})
	}
}

func TestToJSON_RoundTrip(t *testing.T) {
	// GIVEN a parsed catalog
	cat, err := Parse([]byte(validDoc))
	require.NoError(t, err)

	// WHEN written back out and parsed again
	data, err := json.Marshal(ToJSON(cat))
	require.NoError(t, err)
	again, err := Parse(data)
	require.NoError(t, err)

	// THEN the definitions are identical
	assert.Equal(t, cat.EventRules(), again.EventRules())
	assert.Equal(t, cat.Achievements(), again.Achievements())

	c1, _ := cat.Challenge("hydration-march")
	c2, _ := again.Challenge("hydration-march")
	assert.True(t, c1.StartDate.Equal(c2.StartDate))
	assert.True(t, c1.EndDate.Equal(c2.EndDate))
	assert.Equal(t, c1.Tasks, c2.Tasks)
	assert.Equal(t, c1.CompletionBadge, c2.CompletionBadge)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.json")
	require.NoError(t, os.WriteFile(path, []byte(validDoc), 0o600))

	cat, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, cat.Achievements(), 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestDefault(t *testing.T) {
	// GIVEN the built-in document
	// WHEN validated against the schema and built
	require.NoError(t, ValidateSchema(DefaultJSON()))
	cat := Default()

	// THEN every non-system event type has a rule
	for _, et := range []engagement.EventType{
		engagement.EventSessionCompleted,
		engagement.EventJournalEntry,
		engagement.EventAppointmentAttended,
		engagement.EventMessageSent,
		engagement.EventDocumentUploaded,
		engagement.EventGoalCompleted,
		engagement.EventMotivationTool,
		engagement.EventLogin,
	} {
		_, ok := cat.EventRule(et)
		assert.True(t, ok, "missing rule for %s", et)
	}

	streak, ok := cat.Achievement("streak-7")
	require.True(t, ok)
	assert.Equal(t, "week-warrior", streak.Badge)
	assert.Empty(t, cat.Challenges())
}

func TestMonthlyChallenge(t *testing.T) {
	cj := MonthlyChallenge("feb-move", "Move in February", 2028, time.February, 15, "Walk", "Stretch")

	assert.Equal(t, "2028-02-01", cj.StartDate)
	assert.Equal(t, "2028-02-29", cj.EndDate)
	require.Len(t, cj.Tasks, 2)
	assert.Equal(t, "task-2", cj.Tasks[1].ID)

	doc := DefaultDocument()
	doc.Challenges = append(doc.Challenges, cj)
	cat, err := FromJSON(doc)
	require.NoError(t, err)

	c, ok := cat.Challenge("feb-move")
	require.True(t, ok)
	assert.True(t, c.IsActive(time.Date(2028, 2, 29, 23, 0, 0, 0, time.UTC)))
}
