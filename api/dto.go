/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the engagement domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Events:        EventRequest (shared wire format), SubmitResultDTO
  Patients:      RegisterPatientRequest, AccountDTO, LedgerEntryDTO
  Progression:   AchievementDTO, AchievementProgressDTO, RecordActivityRequest
  Challenges:    ChallengeDTO, ParticipationDTO, LeaderboardEntryDTO,
                 CompleteTaskRequest
  Analytics:     SnapshotDTO
  Operations:    ReconciliationRunDTO, ScenarioDTO, ErrorResponse

TIMES:
  Timestamps are RFC 3339 in UTC; calendar days are YYYY-MM-DD. Zero times
  are omitted.

SEE ALSO:
  - handlers.go: Uses these types
  - ingest/ingest.go: EventMessage, the event wire format
*/
package api

import (
	"time"

	"github.com/warp/engagement-engine/engagement"
	"github.com/warp/engagement-engine/ingest"
)

// EventRequest is the body of POST /api/events. It is the same document
// Kafka producers publish.
type EventRequest = ingest.EventMessage

type RegisterPatientRequest struct {
	TimeZone string `json:"time_zone"`
}

type RecordActivityRequest struct {
	Kind           string `json:"kind"`
	Amount         int64  `json:"amount"`
	IdempotencyKey string `json:"idempotency_key"`
}

type CompleteTaskRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type AccountDTO struct {
	PatientID            string   `json:"patient_id"`
	TotalPoints          int64    `json:"total_points"`
	Experience           int64    `json:"experience"`
	Level                int      `json:"level"`
	ExperienceIntoLevel  int64    `json:"experience_into_level"`
	ExperienceToNext     int64    `json:"experience_to_next"`
	LevelProgressPct     float64  `json:"level_progress_pct"`
	CurrentStreakDays    int      `json:"current_streak_days"`
	LongestStreakDays    int      `json:"longest_streak_days"`
	LastActiveDate       string   `json:"last_active_date,omitempty"`
	UnlockedAchievements []string `json:"unlocked_achievements"`
	Badges               []string `json:"badges"`
	TimeZone             string   `json:"time_zone,omitempty"`
	Archived             bool     `json:"archived,omitempty"`
	Version              int64    `json:"version"`
	CreatedAt            string   `json:"created_at,omitempty"`
	UpdatedAt            string   `json:"updated_at,omitempty"`
}

type SubmitResultDTO struct {
	Applied        bool              `json:"applied"`
	Account        AccountDTO        `json:"account"`
	Unlocked       []string          `json:"unlocked"`
	CompletedTasks []string          `json:"completed_tasks"`
	LevelUp        bool              `json:"level_up"`
	Participation  *ParticipationDTO `json:"participation,omitempty"`
}

type LedgerEntryDTO struct {
	ID               string `json:"id"`
	IdempotencyKey   string `json:"idempotency_key"`
	EventType        string `json:"event_type"`
	PointsDelta      int64  `json:"points_delta"`
	OccurredAt       string `json:"occurred_at"`
	RecordedAt       string `json:"recorded_at,omitempty"`
	SourceReference  string `json:"source_reference,omitempty"`
	CountsAsActivity bool   `json:"counts_as_activity"`
}

type RequirementDTO struct {
	Kind        string `json:"kind"`
	Target      int64  `json:"target"`
	Description string `json:"description,omitempty"`
	Key         string `json:"key,omitempty"`
}

type AchievementDTO struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	Description  string           `json:"description,omitempty"`
	Category     string           `json:"category,omitempty"`
	Icon         string           `json:"icon,omitempty"`
	Points       int64            `json:"points"`
	Difficulty   string           `json:"difficulty"`
	Badge        string           `json:"badge,omitempty"`
	Requirements []RequirementDTO `json:"requirements"`
}

type AchievementProgressDTO struct {
	AchievementID        string  `json:"achievement_id"`
	CurrentByRequirement []int64 `json:"current_by_requirement"`
	ProgressPercent      int     `json:"progress_percent"`
	Unlocked             bool    `json:"unlocked"`
	UnlockedAt           string  `json:"unlocked_at,omitempty"`
}

type TaskDTO struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Points int64  `json:"points"`
}

type ChallengeDTO struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Description     string    `json:"description,omitempty"`
	StartDate       string    `json:"start_date"`
	EndDate         string    `json:"end_date"`
	Status          string    `json:"status"`
	Tasks           []TaskDTO `json:"tasks"`
	CompletionBadge string    `json:"completion_badge,omitempty"`
}

type ParticipationDTO struct {
	ChallengeID      string   `json:"challenge_id"`
	PatientID        string   `json:"patient_id"`
	CompletedTaskIDs []string `json:"completed_task_ids"`
	Score            int64    `json:"score"`
	ProgressPercent  int      `json:"progress_percent"`
	CompletedAt      string   `json:"completed_at,omitempty"`
	JoinedAt         string   `json:"joined_at,omitempty"`
}

type LeaderboardEntryDTO struct {
	Rank            int    `json:"rank"`
	PatientID       string `json:"patient_id"`
	Score           int64  `json:"score"`
	ProgressPercent int    `json:"progress_percent"`
	CompletedAt     string `json:"completed_at,omitempty"`
}

type InsightDTO struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type SnapshotDTO struct {
	PatientID            string         `json:"patient_id"`
	WindowStart          string         `json:"window_start"`
	WindowEnd            string         `json:"window_end"`
	WindowDays           int            `json:"window_days"`
	ActiveDays           int            `json:"active_days"`
	ActiveDayRatio       string         `json:"active_day_ratio"`
	PointsEarned         int64          `json:"points_earned"`
	EventsByType         map[string]int `json:"events_by_type"`
	AchievementsUnlocked int            `json:"achievements_unlocked"`
	ChallengesCompleted  int            `json:"challenges_completed"`
	EngagementScore      string         `json:"engagement_score"`
	PreviousScore        string         `json:"previous_score"`
	Trend                string         `json:"trend"`
	Insights             []InsightDTO   `json:"insights"`
	ComputedAt           string         `json:"computed_at"`
}

type ReconciliationRunDTO struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Accounts    int    `json:"accounts"`
	Mismatches  int    `json:"mismatches"`
	Error       string `json:"error,omitempty"`
	StartedAt   string `json:"started_at"`
	CompletedAt string `json:"completed_at,omitempty"`
}

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func toStrings[T ~string](in []T) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = string(v)
	}
	return out
}

func toAccountDTO(a engagement.Account, curve engagement.LevelCurve) AccountDTO {
	return AccountDTO{
		PatientID:            string(a.PatientID),
		TotalPoints:          a.TotalPoints,
		Experience:           a.Experience,
		Level:                a.Level,
		ExperienceIntoLevel:  a.ExperienceIntoLevel,
		ExperienceToNext:     a.ExperienceToNext,
		LevelProgressPct: engagement.LevelProgressPct(curve, engagement.LevelProgress{
			Level:               a.Level,
			ExperienceIntoLevel: a.ExperienceIntoLevel,
			ExperienceToNext:    a.ExperienceToNext,
		}),
		CurrentStreakDays:    a.CurrentStreakDays,
		LongestStreakDays:    a.LongestStreakDays,
		LastActiveDate:       a.LastActiveDate.String(),
		UnlockedAchievements: toStrings(a.UnlockedAchievements),
		Badges:               append([]string{}, a.Badges...),
		TimeZone:             a.TimeZone,
		Archived:             a.Archived,
		Version:              a.Version,
		CreatedAt:            formatTime(a.CreatedAt),
		UpdatedAt:            formatTime(a.UpdatedAt),
	}
}

func toSubmitResultDTO(res engagement.SubmitResult, curve engagement.LevelCurve) SubmitResultDTO {
	dto := SubmitResultDTO{
		Applied:        res.Applied,
		Account:        toAccountDTO(res.Account, curve),
		Unlocked:       toStrings(res.Unlocked),
		CompletedTasks: make([]string, len(res.CompletedTasks)),
		LevelUp:        res.LevelUp,
	}
	for i, ref := range res.CompletedTasks {
		dto.CompletedTasks[i] = ref.String()
	}
	if res.Participation != nil {
		p := toParticipationDTO(*res.Participation)
		dto.Participation = &p
	}
	return dto
}

func toLedgerEntryDTO(e engagement.LedgerEntry) LedgerEntryDTO {
	return LedgerEntryDTO{
		ID:               string(e.ID),
		IdempotencyKey:   e.IdempotencyKey,
		EventType:        string(e.EventType),
		PointsDelta:      e.PointsDelta,
		OccurredAt:       formatTime(e.OccurredAt),
		RecordedAt:       formatTime(e.RecordedAt),
		SourceReference:  e.SourceReference,
		CountsAsActivity: e.CountsAsActivity,
	}
}

func toAchievementDTO(a engagement.Achievement) AchievementDTO {
	dto := AchievementDTO{
		ID:           string(a.ID),
		Name:         a.Name,
		Description:  a.Description,
		Category:     a.Category,
		Icon:         a.Icon,
		Points:       a.PointsOnUnlock,
		Difficulty:   string(a.Difficulty),
		Badge:        a.Badge,
		Requirements: make([]RequirementDTO, len(a.Requirements)),
	}
	for i, r := range a.Requirements {
		dto.Requirements[i] = RequirementDTO{
			Kind:        string(r.Kind()),
			Target:      engagement.TargetOf(r),
			Description: engagement.DescriptionOf(r),
			Key:         engagement.CustomKeyOf(r),
		}
	}
	return dto
}

func toAchievementProgressDTO(p engagement.AchievementProgress) AchievementProgressDTO {
	return AchievementProgressDTO{
		AchievementID:        string(p.AchievementID),
		CurrentByRequirement: append([]int64{}, p.CurrentByRequirement...),
		ProgressPercent:      p.ProgressPercent,
		Unlocked:             p.Unlocked,
		UnlockedAt:           formatTime(p.UnlockedAt),
	}
}

func toChallengeDTO(c engagement.Challenge, now time.Time) ChallengeDTO {
	dto := ChallengeDTO{
		ID:              string(c.ID),
		Name:            c.Name,
		Description:     c.Description,
		StartDate:       formatTime(c.StartDate),
		EndDate:         formatTime(c.EndDate),
		Status:          string(c.Status(now)),
		Tasks:           make([]TaskDTO, len(c.Tasks)),
		CompletionBadge: c.CompletionBadge,
	}
	for i, t := range c.Tasks {
		dto.Tasks[i] = TaskDTO{ID: string(t.ID), Name: t.Name, Points: t.PointsOnCompletion}
	}
	return dto
}

func toParticipationDTO(p engagement.Participation) ParticipationDTO {
	return ParticipationDTO{
		ChallengeID:      string(p.ChallengeID),
		PatientID:        string(p.PatientID),
		CompletedTaskIDs: toStrings(p.CompletedTaskIDs),
		Score:            p.Score,
		ProgressPercent:  p.ProgressPercent,
		CompletedAt:      formatTime(p.CompletedAt),
		JoinedAt:         formatTime(p.JoinedAt),
	}
}

func toLeaderboardDTO(entries []engagement.LeaderboardEntry) []LeaderboardEntryDTO {
	out := make([]LeaderboardEntryDTO, len(entries))
	for i, e := range entries {
		out[i] = LeaderboardEntryDTO{
			Rank:            e.Rank,
			PatientID:       string(e.PatientID),
			Score:           e.Score,
			ProgressPercent: e.ProgressPercent,
			CompletedAt:     formatTime(e.CompletedAt),
		}
	}
	return out
}

func toSnapshotDTO(s engagement.AnalyticsSnapshot) SnapshotDTO {
	dto := SnapshotDTO{
		PatientID:            string(s.PatientID),
		WindowStart:          formatTime(s.WindowStart),
		WindowEnd:            formatTime(s.WindowEnd),
		WindowDays:           s.WindowDays,
		ActiveDays:           s.ActiveDays,
		ActiveDayRatio:       s.ActiveDayRatio.StringFixed(2),
		PointsEarned:         s.PointsEarned,
		EventsByType:         make(map[string]int, len(s.EventsByType)),
		AchievementsUnlocked: s.AchievementsUnlocked,
		ChallengesCompleted:  s.ChallengesCompleted,
		EngagementScore:      s.EngagementScore.StringFixed(2),
		PreviousScore:        s.PreviousScore.StringFixed(2),
		Trend:                string(s.Trend),
		Insights:             make([]InsightDTO, len(s.Insights)),
		ComputedAt:           formatTime(s.ComputedAt),
	}
	for t, n := range s.EventsByType {
		dto.EventsByType[string(t)] = n
	}
	for i, in := range s.Insights {
		dto.Insights[i] = InsightDTO{Kind: string(in.Kind), Message: in.Message}
	}
	return dto
}

func toReconciliationRunDTO(r engagement.ReconciliationRun) ReconciliationRunDTO {
	return ReconciliationRunDTO{
		ID:          r.ID,
		Status:      r.Status,
		Accounts:    r.Accounts,
		Mismatches:  r.Mismatches,
		Error:       r.Error,
		StartedAt:   formatTime(r.StartedAt),
		CompletedAt: formatTime(r.CompletedAt),
	}
}
