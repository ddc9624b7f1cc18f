package engagement

import "fmt"

// =============================================================================
// REQUIREMENT KINDS - Closed set
// =============================================================================

// RequirementKind identifies what a requirement measures.
type RequirementKind string

const (
	KindAppointments RequirementKind = "appointments"
	KindMessages     RequirementKind = "messages"
	KindDocuments    RequirementKind = "documents"
	KindGoals        RequirementKind = "goals"
	KindStreak       RequirementKind = "streak"
	KindCustom       RequirementKind = "custom"
)

// RequirementKinds lists every valid kind, in catalog order.
var RequirementKinds = []RequirementKind{
	KindAppointments, KindMessages, KindDocuments, KindGoals, KindStreak, KindCustom,
}

// ParseRequirementKind validates s against the closed set.
func ParseRequirementKind(s string) (RequirementKind, error) {
	for _, k := range RequirementKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRequirementKind, s)
}

// =============================================================================
// REQUIREMENT - Tagged variant, one struct per kind
// =============================================================================

// Goal carries the fields shared by every requirement kind.
type Goal struct {
	Target      int64
	Description string
}

func (g Goal) goal() Goal { return g }

// Requirement is one measurable unlock condition of an achievement.
// The set of implementations is closed; evaluation switches over them
// exhaustively.
type Requirement interface {
	Kind() RequirementKind
	goal() Goal
}

type AppointmentsRequirement struct{ Goal }
type MessagesRequirement struct{ Goal }
type DocumentsRequirement struct{ Goal }
type GoalsRequirement struct{ Goal }

// StreakRequirement is satisfied by consecutive active days.
type StreakRequirement struct{ Goal }

// CustomRequirement only counts activity carrying the same Key.
type CustomRequirement struct {
	Goal
	Key string
}

func (AppointmentsRequirement) Kind() RequirementKind { return KindAppointments }
func (MessagesRequirement) Kind() RequirementKind     { return KindMessages }
func (DocumentsRequirement) Kind() RequirementKind    { return KindDocuments }
func (GoalsRequirement) Kind() RequirementKind        { return KindGoals }
func (StreakRequirement) Kind() RequirementKind       { return KindStreak }
func (CustomRequirement) Kind() RequirementKind       { return KindCustom }

// TargetOf returns the requirement's target.
func TargetOf(r Requirement) int64 { return r.goal().Target }

// DescriptionOf returns the requirement's human description.
func DescriptionOf(r Requirement) string { return r.goal().Description }

// NewRequirement builds the variant for kind. key is only used for custom.
func NewRequirement(kind RequirementKind, target int64, description, key string) (Requirement, error) {
	if target <= 0 {
		return nil, fmt.Errorf("%w: requirement target must be > 0, got %d", ErrInvalidEvent, target)
	}
	g := Goal{Target: target, Description: description}
	switch kind {
	case KindAppointments:
		return AppointmentsRequirement{g}, nil
	case KindMessages:
		return MessagesRequirement{g}, nil
	case KindDocuments:
		return DocumentsRequirement{g}, nil
	case KindGoals:
		return GoalsRequirement{g}, nil
	case KindStreak:
		return StreakRequirement{g}, nil
	case KindCustom:
		if key == "" {
			return nil, fmt.Errorf("%w: custom requirement needs a key", ErrInvalidEvent)
		}
		return CustomRequirement{Goal: g, Key: key}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownRequirementKind, kind)
	}
}

// CustomKeyOf returns the key of a custom requirement, "" otherwise.
func CustomKeyOf(r Requirement) string {
	if c, ok := r.(CustomRequirement); ok {
		return c.Key
	}
	return ""
}
