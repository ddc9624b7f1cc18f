package engagement

import (
	"sort"
	"time"
)

// =============================================================================
// CATALOG - Read-only definitions owned by an external collaborator
// =============================================================================

// Catalog supplies achievement, challenge and event-rule definitions.
// Implementations must be safe for concurrent reads.
type Catalog interface {
	Achievement(id AchievementID) (Achievement, bool)
	Achievements() []Achievement
	Challenge(id ChallengeID) (Challenge, bool)
	Challenges() []Challenge
	EventRule(t EventType) (EventRule, bool)
}

type Difficulty string

const (
	DifficultyEasy      Difficulty = "easy"
	DifficultyMedium    Difficulty = "medium"
	DifficultyHard      Difficulty = "hard"
	DifficultyLegendary Difficulty = "legendary"
)

// Achievement is a milestone unlocked once every requirement is met.
type Achievement struct {
	ID             AchievementID
	Name           string
	Description    string
	Category       string
	Icon           string
	PointsOnUnlock int64
	Difficulty     Difficulty
	Badge          string // granted on unlock, optional
	Requirements   []Requirement
}

// Uses reports whether any requirement is of kind.
func (a Achievement) Uses(kind RequirementKind) bool {
	for _, r := range a.Requirements {
		if r.Kind() == kind {
			return true
		}
	}
	return false
}

type ChallengeTask struct {
	ID                 TaskID
	Name               string
	PointsOnCompletion int64
}

// Challenge is a time-bounded set of tasks. The window is inclusive on
// both ends.
type Challenge struct {
	ID              ChallengeID
	Name            string
	Description     string
	StartDate       time.Time
	EndDate         time.Time
	Tasks           []ChallengeTask
	CompletionBadge string
}

func (c Challenge) Task(id TaskID) (ChallengeTask, bool) {
	for _, t := range c.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return ChallengeTask{}, false
}

// ChallengeStatus is computed lazily from the clock; nothing expires a
// challenge in the background.
type ChallengeStatus string

const (
	ChallengeUpcoming ChallengeStatus = "upcoming"
	ChallengeActive   ChallengeStatus = "active"
	ChallengeExpired  ChallengeStatus = "expired"
)

func (c Challenge) Status(now time.Time) ChallengeStatus {
	switch {
	case now.Before(c.StartDate):
		return ChallengeUpcoming
	case now.After(c.EndDate):
		return ChallengeExpired
	default:
		return ChallengeActive
	}
}

func (c Challenge) IsActive(now time.Time) bool { return c.Status(now) == ChallengeActive }

// EventRule maps an event type to its point award and side effects.
type EventRule struct {
	Type             EventType
	Points           int64
	CountsAsActivity bool
	// RequirementKind is fed to the achievement evaluator when the event
	// does not name one itself. Empty means no requirement progress.
	RequirementKind RequirementKind
	CustomKey       string
}

// DefaultEventRule applies to event types the catalog does not list:
// no points, and calendar-day activity unless the type is a system type.
func DefaultEventRule(t EventType) EventRule {
	return EventRule{Type: t, CountsAsActivity: !t.IsSystem()}
}

// =============================================================================
// STATIC CATALOG - Immutable in-memory implementation
// =============================================================================

// StaticCatalog is an immutable Catalog. Build it once, share it freely.
type StaticCatalog struct {
	achievements map[AchievementID]Achievement
	challenges   map[ChallengeID]Challenge
	rules        map[EventType]EventRule
	achOrder     []AchievementID
	chOrder      []ChallengeID
}

// NewStaticCatalog indexes the definitions. Later duplicates replace
// earlier ones; listing order is by id.
func NewStaticCatalog(achievements []Achievement, challenges []Challenge, rules []EventRule) *StaticCatalog {
	c := &StaticCatalog{
		achievements: make(map[AchievementID]Achievement, len(achievements)),
		challenges:   make(map[ChallengeID]Challenge, len(challenges)),
		rules:        make(map[EventType]EventRule, len(rules)),
	}
	for _, a := range achievements {
		c.achievements[a.ID] = a
	}
	for _, ch := range challenges {
		c.challenges[ch.ID] = ch
	}
	for _, r := range rules {
		c.rules[r.Type] = r
	}
	for id := range c.achievements {
		c.achOrder = append(c.achOrder, id)
	}
	for id := range c.challenges {
		c.chOrder = append(c.chOrder, id)
	}
	sort.Slice(c.achOrder, func(i, j int) bool { return c.achOrder[i] < c.achOrder[j] })
	sort.Slice(c.chOrder, func(i, j int) bool { return c.chOrder[i] < c.chOrder[j] })
	return c
}

func (c *StaticCatalog) Achievement(id AchievementID) (Achievement, bool) {
	a, ok := c.achievements[id]
	return a, ok
}

func (c *StaticCatalog) Achievements() []Achievement {
	out := make([]Achievement, 0, len(c.achOrder))
	for _, id := range c.achOrder {
		out = append(out, c.achievements[id])
	}
	return out
}

func (c *StaticCatalog) Challenge(id ChallengeID) (Challenge, bool) {
	ch, ok := c.challenges[id]
	return ch, ok
}

func (c *StaticCatalog) Challenges() []Challenge {
	out := make([]Challenge, 0, len(c.chOrder))
	for _, id := range c.chOrder {
		out = append(out, c.challenges[id])
	}
	return out
}

func (c *StaticCatalog) EventRule(t EventType) (EventRule, bool) {
	r, ok := c.rules[t]
	return r, ok
}

// EventRules lists the configured rules ordered by event type.
func (c *StaticCatalog) EventRules() []EventRule {
	out := make([]EventRule, 0, len(c.rules))
	for _, r := range c.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// ActiveChallenges returns the challenges active at now, ordered by id.
func ActiveChallenges(c Catalog, now time.Time) []Challenge {
	var out []Challenge
	for _, ch := range c.Challenges() {
		if ch.IsActive(now) {
			out = append(out, ch)
		}
	}
	return out
}
