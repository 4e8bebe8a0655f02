// Package reputation scores user behaviour and gates who may be matched with whom.
//
// Every processor takes an explicit record and returns a new one; the input is never
// mutated and the package holds no shared state. Callers must apply events for the
// same user one at a time (see Service).
package reputation

import (
	"errors"
	"fmt"
	"time"

	"github.com/peerlink/safety/internal/models"
)

const (
	MinScore          = 0
	MaxScore          = 100
	DefaultScore      = 100
	DefaultMatchFloor = 85

	callCompletedPoints  = 2
	longCallPoints       = 1
	longCallThreshold    = 900 * time.Second
	respectfulPoints     = 5
	inappropriatePoints  = -20
	quickSkipPenalty     = -5
	quickSkipThreshold   = 30 * time.Second
	reportPenalty        = -30
	confirmedPenalty     = -50
	aiViolationBase      = -40
	captureBase          = -10
	captureMultiplierCap = 5
)

// QuickSkipThreshold is how long a call must run before ending it no longer counts as a skip.
const QuickSkipThreshold = quickSkipThreshold

// Audit reasons.
const (
	ReasonCallCompleted      = "call_completed"
	ReasonRatedRespectful    = "rated_respectful"
	ReasonRatedInappropriate = "rated_inappropriate"
	ReasonQuickSkip          = "quick_skip"
	ReasonReportFiled        = "report_filed"
	ReasonReportConfirmed    = "report_confirmed"
	ReasonAIViolation        = "ai_violation"
	ReasonCaptureAttempt     = "capture_attempt"
	ReasonStreakBonus        = "streak_bonus"
	ReasonBadgeAwarded       = "badge_awarded"
)

// Badges awarded automatically by the processors.
const (
	BadgeFirstCall = "first_call"
	BadgeVeteran   = "veteran"
	BadgeRespected = "respected"
	BadgeStreak7   = "streak_7"
)

// ErrScoreOutOfRange means a record escaped clamping. It indicates a logic defect.
var ErrScoreOutOfRange = errors.New("reputation score out of range")

// Rating is the partner's verdict after a completed call.
type Rating string

const (
	RatingNone          Rating = ""
	RatingRespectful    Rating = "respectful"
	RatingInappropriate Rating = "inappropriate"
)

var severityMultiplier = map[models.Severity]float64{
	models.SeverityLow:      0.5,
	models.SeverityMedium:   1,
	models.SeverityHigh:     1.5,
	models.SeverityCritical: 2,
}

// Classify maps a score to its tier.
func Classify(score int) models.Tier {
	switch {
	case score >= 95:
		return models.TierPerfect
	case score >= 85:
		return models.TierGreat
	case score >= 70:
		return models.TierGood
	case score >= 50:
		return models.TierWarning
	}
	return models.TierBanned
}

// Stars maps a score to the 1-5 display scale using the tier breakpoints.
func Stars(score int) int {
	switch Classify(score) {
	case models.TierPerfect:
		return 5
	case models.TierGreat:
		return 4
	case models.TierGood:
		return 3
	case models.TierWarning:
		return 2
	}
	return 1
}

// CanMatch reports whether two users with these scores may be paired.
func CanMatch(score1, score2 int) bool {
	return score1 >= DefaultMatchFloor && score2 >= DefaultMatchFloor
}

// NewRecord returns the starting record for a user never seen before.
func NewRecord(userID string, now time.Time) *models.ReputationRecord {
	return &models.ReputationRecord{
		UserID:       userID,
		CurrentScore: DefaultScore,
		Tier:         Classify(DefaultScore),
		Badges:       map[string]bool{},
		History:      []models.ScoreChange{},
		UpdatedAt:    now,
	}
}

// Validate checks the record invariants.
func Validate(r *models.ReputationRecord) error {
	if r.CurrentScore < MinScore || r.CurrentScore > MaxScore {
		return fmt.Errorf("user %s score %d: %w", r.UserID, r.CurrentScore, ErrScoreOutOfRange)
	}
	if r.Tier != Classify(r.CurrentScore) {
		return fmt.Errorf("user %s tier %s does not match score %d", r.UserID, r.Tier, r.CurrentScore)
	}
	return nil
}

// Engine applies scoring rules. The zero value is not usable; use NewEngine.
type Engine struct {
	Now        func() time.Time
	MatchFloor int
}

// NewEngine creates an engine with the given matching floor (<= 0 means the default 85).
func NewEngine(matchFloor int) Engine {
	if matchFloor <= 0 {
		matchFloor = DefaultMatchFloor
	}
	return Engine{Now: time.Now, MatchFloor: matchFloor}
}

// CanMatch is the configured-floor variant of the package-level CanMatch.
func (e Engine) CanMatch(a, b *models.ReputationRecord) bool {
	return a.CurrentScore >= e.MatchFloor && b.CurrentScore >= e.MatchFloor
}

func (e Engine) now() time.Time {
	if e.Now == nil {
		return time.Now()
	}
	return e.Now()
}

func clamp(score int) int {
	if score < MinScore {
		return MinScore
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}

// adjust records the requested change in the audit trail and clamps the score.
func (e Engine) adjust(r *models.ReputationRecord, change int, reason, detail, fromUserID string) {
	r.CurrentScore = clamp(r.CurrentScore + change)
	r.Tier = Classify(r.CurrentScore)
	now := e.now()
	r.UpdatedAt = now
	r.History = append(r.History, models.ScoreChange{
		Timestamp:  now,
		Change:     change,
		Reason:     reason,
		Detail:     detail,
		FromUserID: fromUserID,
	})
}

func (e Engine) award(r *models.ReputationRecord, badge string) {
	if r.Badges == nil {
		r.Badges = map[string]bool{}
	}
	if r.Badges[badge] {
		return
	}
	r.Badges[badge] = true
	e.adjust(r, 0, ReasonBadgeAwarded, badge, "")
}

// AwardBadge grants a badge. Awarding a held badge is a no-op.
func (e Engine) AwardBadge(r *models.ReputationRecord, badge string) *models.ReputationRecord {
	out := r.Clone()
	e.award(out, badge)
	return out
}

// CallCompleted rewards a finished call and folds in the partner's rating.
func (e Engine) CallCompleted(r *models.ReputationRecord, duration time.Duration, rating Rating, fromUserID string) *models.ReputationRecord {
	out := r.Clone()
	n := float64(out.CompletedCalls)
	out.AverageCallDurationSeconds = (out.AverageCallDurationSeconds*n + duration.Seconds()) / (n + 1)
	out.TotalCalls++
	out.CompletedCalls++

	points, detail := callCompletedPoints, fmt.Sprintf("duration=%ds", int(duration.Seconds()))
	if duration >= longCallThreshold {
		points += longCallPoints
		detail += " long_call"
	}
	e.adjust(out, points, ReasonCallCompleted, detail, "")

	switch rating {
	case RatingRespectful:
		out.RespectfulRatings++
		e.adjust(out, respectfulPoints, ReasonRatedRespectful, "", fromUserID)
	case RatingInappropriate:
		e.adjust(out, inappropriatePoints, ReasonRatedInappropriate, "", fromUserID)
	}

	if out.CompletedCalls >= 1 {
		e.award(out, BadgeFirstCall)
	}
	if out.CompletedCalls >= 100 {
		e.award(out, BadgeVeteran)
	}
	if out.RespectfulRatings >= 10 {
		e.award(out, BadgeRespected)
	}
	return out
}

// CallSkipped penalizes skipping a partner before the conversation started.
func (e Engine) CallSkipped(r *models.ReputationRecord, duration time.Duration) *models.ReputationRecord {
	out := r.Clone()
	out.TotalCalls++
	out.SkippedCalls++
	if duration < quickSkipThreshold {
		e.adjust(out, quickSkipPenalty, ReasonQuickSkip, fmt.Sprintf("duration=%ds", int(duration.Seconds())), "")
	}
	return out
}

// ReportFiled applies a user report. A later moderator confirmation is a separate
// event and deducts again on top of the unconfirmed penalty.
func (e Engine) ReportFiled(r *models.ReputationRecord, confirmed bool, fromUserID, detail string) *models.ReputationRecord {
	out := r.Clone()
	if confirmed {
		out.ReportsConfirmed++
		e.adjust(out, confirmedPenalty, ReasonReportConfirmed, detail, fromUserID)
		return out
	}
	out.ReportsReceived++
	e.adjust(out, reportPenalty, ReasonReportFiled, detail, fromUserID)
	return out
}

// AIViolation applies the moderation penalty scaled by severity.
func (e Engine) AIViolation(r *models.ReputationRecord, vt models.ViolationType, sev models.Severity) *models.ReputationRecord {
	out := r.Clone()
	mult, ok := severityMultiplier[sev]
	if !ok {
		mult = 1
	}
	change := int(float64(aiViolationBase) * mult)
	e.adjust(out, change, ReasonAIViolation, fmt.Sprintf("%s/%s", vt, sev), "")
	return out
}

// CaptureAttempt applies an escalating penalty capped at five times the base.
func (e Engine) CaptureAttempt(r *models.ReputationRecord, attemptNumber int) *models.ReputationRecord {
	out := r.Clone()
	if attemptNumber < 1 {
		attemptNumber = 1
	}
	mult := attemptNumber
	if mult > captureMultiplierCap {
		mult = captureMultiplierCap
	}
	e.adjust(out, captureBase*mult, ReasonCaptureAttempt, fmt.Sprintf("attempt=%d", attemptNumber), "")
	return out
}

// StreakBonus adds one point per consecutive day.
func (e Engine) StreakBonus(r *models.ReputationRecord, days int) *models.ReputationRecord {
	out := r.Clone()
	if days <= 0 {
		return out
	}
	e.adjust(out, days, ReasonStreakBonus, fmt.Sprintf("days=%d", days), "")
	if days >= 7 {
		e.award(out, BadgeStreak7)
	}
	return out
}
