/*
Package catalog converts JSON catalog documents into engagement definitions.

PURPOSE:
  Achievement, challenge and event-rule definitions are owned outside the
  engine. Care teams edit them as JSON; this package validates a document
  against the catalog JSON schema, checks the cross-references a schema
  cannot express, and builds a read-only engagement.StaticCatalog.

JSON SCHEMA:
  {
    "time_zone": "UTC",
    "event_rules": [
      {"type": "session_completed", "points": 25, "requirement_kind": "goals"}
    ],
    "achievements": [
      {
        "id": "communicator",
        "name": "Communicator",
        "category": "engagement",
        "points": 100,
        "difficulty": "medium",
        "requirements": [
          {"kind": "appointments", "target": 2, "description": "Attend 2 appointments"},
          {"kind": "messages", "target": 4, "description": "Send 4 messages"}
        ]
      }
    ],
    "challenges": [
      {
        "id": "hydration-march",
        "name": "Hydration Month",
        "start_date": "2026-03-01",
        "end_date": "2026-03-31",
        "tasks": [{"id": "log-water", "name": "Log water", "points": 10}],
        "completion_badge": "hydrated"
      }
    ]
  }

DATES:
  start_date and end_date accept either a calendar date or an RFC 3339
  timestamp. A calendar date is read in the document's time_zone (UTC by
  default); a date-only end_date covers that whole day.

USAGE:
  cat, err := catalog.Load("catalog.json")
  if err != nil {
      log.Fatal(err)
  }
  engine := engagement.NewEngine(store, cat)

  // Built-in preset
  cat := catalog.Default()

SEE ALSO:
  - engagement/catalog.go: Catalog interface and StaticCatalog
  - schema.go: Document schema
  - presets.go: Built-in definitions
*/
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/warp/engagement-engine/engagement"
)

// ErrInvalidCatalog is returned for documents that fail schema or
// cross-reference validation.
var ErrInvalidCatalog = errors.New("invalid catalog")

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// DocumentJSON is the JSON representation of a catalog.
type DocumentJSON struct {
	TimeZone     string            `json:"time_zone,omitempty"`
	EventRules   []EventRuleJSON   `json:"event_rules,omitempty"`
	Achievements []AchievementJSON `json:"achievements,omitempty"`
	Challenges   []ChallengeJSON   `json:"challenges,omitempty"`
}

// EventRuleJSON maps an event type to points and a requirement kind.
type EventRuleJSON struct {
	Type             string `json:"type"`
	Points           int64  `json:"points"`
	CountsAsActivity *bool  `json:"counts_as_activity,omitempty"` // default true
	RequirementKind  string `json:"requirement_kind,omitempty"`
	CustomKey        string `json:"custom_key,omitempty"`
}

// AchievementJSON is one achievement definition.
type AchievementJSON struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Description  string            `json:"description,omitempty"`
	Category     string            `json:"category,omitempty"`
	Icon         string            `json:"icon,omitempty"`
	Points       int64             `json:"points"`
	Difficulty   string            `json:"difficulty,omitempty"`
	Badge        string            `json:"badge,omitempty"`
	Requirements []RequirementJSON `json:"requirements"`
}

// RequirementJSON is one requirement; key is only used by custom kinds.
type RequirementJSON struct {
	Kind        string `json:"kind"`
	Target      int64  `json:"target"`
	Description string `json:"description,omitempty"`
	Key         string `json:"key,omitempty"`
}

// ChallengeJSON is one time-boxed challenge.
type ChallengeJSON struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Description     string     `json:"description,omitempty"`
	StartDate       string     `json:"start_date"`
	EndDate         string     `json:"end_date"`
	Tasks           []TaskJSON `json:"tasks"`
	CompletionBadge string     `json:"completion_badge,omitempty"`
}

// TaskJSON is one challenge task.
type TaskJSON struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Points int64  `json:"points"`
}

// =============================================================================
// LOADING
// =============================================================================

// Load reads and parses a catalog document from disk.
func Load(path string) (*engagement.StaticCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return Parse(data)
}

// Parse validates data against the catalog schema and builds a catalog.
func Parse(data []byte) (*engagement.StaticCatalog, error) {
	if err := ValidateSchema(data); err != nil {
		return nil, err
	}

	var doc DocumentJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	return FromJSON(doc)
}

// FromJSON converts a decoded document into a catalog. It checks what the
// schema cannot: unique ids, requirement construction, date order.
func FromJSON(doc DocumentJSON) (*engagement.StaticCatalog, error) {
	loc, err := engagement.LoadLocation(doc.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("%w: time_zone: %v", ErrInvalidCatalog, err)
	}

	rules := make([]engagement.EventRule, 0, len(doc.EventRules))
	seenRules := make(map[string]bool)
	for _, rj := range doc.EventRules {
		if seenRules[rj.Type] {
			return nil, fmt.Errorf("%w: duplicate event rule %q", ErrInvalidCatalog, rj.Type)
		}
		seenRules[rj.Type] = true

		rule, err := parseEventRule(rj)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}

	achievements := make([]engagement.Achievement, 0, len(doc.Achievements))
	seenAchievements := make(map[string]bool)
	for _, aj := range doc.Achievements {
		if seenAchievements[aj.ID] {
			return nil, fmt.Errorf("%w: duplicate achievement %q", ErrInvalidCatalog, aj.ID)
		}
		seenAchievements[aj.ID] = true

		a, err := parseAchievement(aj)
		if err != nil {
			return nil, err
		}
		achievements = append(achievements, a)
	}

	challenges := make([]engagement.Challenge, 0, len(doc.Challenges))
	seenChallenges := make(map[string]bool)
	for _, cj := range doc.Challenges {
		if seenChallenges[cj.ID] {
			return nil, fmt.Errorf("%w: duplicate challenge %q", ErrInvalidCatalog, cj.ID)
		}
		seenChallenges[cj.ID] = true

		c, err := parseChallenge(cj, loc)
		if err != nil {
			return nil, err
		}
		challenges = append(challenges, c)
	}

	return engagement.NewStaticCatalog(achievements, challenges, rules), nil
}

// ToJSON converts a catalog back into its document form. Challenge dates
// are written as RFC 3339 timestamps so they round-trip exactly.
func ToJSON(c *engagement.StaticCatalog) DocumentJSON {
	var doc DocumentJSON

	for _, r := range c.EventRules() {
		activity := r.CountsAsActivity
		doc.EventRules = append(doc.EventRules, EventRuleJSON{
			Type:             string(r.Type),
			Points:           r.Points,
			CountsAsActivity: &activity,
			RequirementKind:  string(r.RequirementKind),
			CustomKey:        r.CustomKey,
		})
	}

	for _, a := range c.Achievements() {
		aj := AchievementJSON{
			ID:          string(a.ID),
			Name:        a.Name,
			Description: a.Description,
			Category:    a.Category,
			Icon:        a.Icon,
			Points:      a.PointsOnUnlock,
			Difficulty:  string(a.Difficulty),
			Badge:       a.Badge,
		}
		for _, r := range a.Requirements {
			aj.Requirements = append(aj.Requirements, RequirementJSON{
				Kind:        string(r.Kind()),
				Target:      engagement.TargetOf(r),
				Description: engagement.DescriptionOf(r),
				Key:         engagement.CustomKeyOf(r),
			})
		}
		doc.Achievements = append(doc.Achievements, aj)
	}

	for _, ch := range c.Challenges() {
		cj := ChallengeJSON{
			ID:              string(ch.ID),
			Name:            ch.Name,
			Description:     ch.Description,
			StartDate:       ch.StartDate.UTC().Format(time.RFC3339Nano),
			EndDate:         ch.EndDate.UTC().Format(time.RFC3339Nano),
			CompletionBadge: ch.CompletionBadge,
		}
		for _, t := range ch.Tasks {
			cj.Tasks = append(cj.Tasks, TaskJSON{ID: string(t.ID), Name: t.Name, Points: t.PointsOnCompletion})
		}
		doc.Challenges = append(doc.Challenges, cj)
	}

	return doc
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func parseEventRule(rj EventRuleJSON) (engagement.EventRule, error) {
	t := engagement.EventType(rj.Type)
	if t.IsSystem() {
		return engagement.EventRule{}, fmt.Errorf("%w: event rule %q targets a system event type", ErrInvalidCatalog, rj.Type)
	}

	rule := engagement.EventRule{
		Type:             t,
		Points:           rj.Points,
		CountsAsActivity: rj.CountsAsActivity == nil || *rj.CountsAsActivity,
		CustomKey:        rj.CustomKey,
	}
	if rj.RequirementKind != "" {
		kind, err := engagement.ParseRequirementKind(rj.RequirementKind)
		if err != nil {
			return engagement.EventRule{}, fmt.Errorf("%w: event rule %q: %v", ErrInvalidCatalog, rj.Type, err)
		}
		if kind == engagement.KindCustom && rj.CustomKey == "" {
			return engagement.EventRule{}, fmt.Errorf("%w: event rule %q: custom kind needs custom_key", ErrInvalidCatalog, rj.Type)
		}
		rule.RequirementKind = kind
	}
	return rule, nil
}

func parseAchievement(aj AchievementJSON) (engagement.Achievement, error) {
	a := engagement.Achievement{
		ID:             engagement.AchievementID(aj.ID),
		Name:           aj.Name,
		Description:    aj.Description,
		Category:       aj.Category,
		Icon:           aj.Icon,
		PointsOnUnlock: aj.Points,
		Difficulty:     parseDifficulty(aj.Difficulty),
		Badge:          aj.Badge,
	}
	for i, rj := range aj.Requirements {
		kind, err := engagement.ParseRequirementKind(rj.Kind)
		if err != nil {
			return engagement.Achievement{}, fmt.Errorf("%w: achievement %q requirement %d: %v", ErrInvalidCatalog, aj.ID, i, err)
		}
		r, err := engagement.NewRequirement(kind, rj.Target, rj.Description, rj.Key)
		if err != nil {
			return engagement.Achievement{}, fmt.Errorf("%w: achievement %q requirement %d: %v", ErrInvalidCatalog, aj.ID, i, err)
		}
		a.Requirements = append(a.Requirements, r)
	}
	return a, nil
}

func parseDifficulty(s string) engagement.Difficulty {
	switch engagement.Difficulty(s) {
	case engagement.DifficultyMedium, engagement.DifficultyHard, engagement.DifficultyLegendary:
		return engagement.Difficulty(s)
	default:
		return engagement.DifficultyEasy
	}
}

func parseChallenge(cj ChallengeJSON, loc *time.Location) (engagement.Challenge, error) {
	start, err := parseBoundary(cj.StartDate, loc, false)
	if err != nil {
		return engagement.Challenge{}, fmt.Errorf("%w: challenge %q start_date: %v", ErrInvalidCatalog, cj.ID, err)
	}
	end, err := parseBoundary(cj.EndDate, loc, true)
	if err != nil {
		return engagement.Challenge{}, fmt.Errorf("%w: challenge %q end_date: %v", ErrInvalidCatalog, cj.ID, err)
	}
	if end.Before(start) {
		return engagement.Challenge{}, fmt.Errorf("%w: challenge %q ends before it starts", ErrInvalidCatalog, cj.ID)
	}

	c := engagement.Challenge{
		ID:              engagement.ChallengeID(cj.ID),
		Name:            cj.Name,
		Description:     cj.Description,
		StartDate:       start,
		EndDate:         end,
		CompletionBadge: cj.CompletionBadge,
	}
	seen := make(map[string]bool)
	for _, tj := range cj.Tasks {
		if seen[tj.ID] {
			return engagement.Challenge{}, fmt.Errorf("%w: challenge %q has duplicate task %q", ErrInvalidCatalog, cj.ID, tj.ID)
		}
		seen[tj.ID] = true
		c.Tasks = append(c.Tasks, engagement.ChallengeTask{
			ID:                 engagement.TaskID(tj.ID),
			Name:               tj.Name,
			PointsOnCompletion: tj.Points,
		})
	}
	return c, nil
}

// parseBoundary reads a date or timestamp. A date-only end boundary is the
// last instant of that day.
func parseBoundary(s string, loc *time.Location, end bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	d, err := engagement.ParseDate(s)
	if err != nil {
		return time.Time{}, err
	}
	if end {
		return d.AddDays(1).StartIn(loc).Add(-time.Nanosecond), nil
	}
	return d.StartIn(loc), nil
}
