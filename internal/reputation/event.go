package reputation

import (
	"errors"
	"fmt"
	"time"

	"github.com/peerlink/safety/internal/models"
)

// EventKind selects the processor an Event is routed to.
type EventKind string

const (
	EventCallCompleted  EventKind = "call_completed"
	EventCallSkipped    EventKind = "call_skipped"
	EventReportFiled    EventKind = "report_filed"
	EventAIViolation    EventKind = "ai_violation"
	EventCaptureAttempt EventKind = "capture_attempt"
	EventStreakBonus    EventKind = "streak_bonus"
	EventBadge          EventKind = "badge"
)

var ErrUnknownEvent = errors.New("unknown reputation event")

// Event is the queueable envelope for one scoring input.
type Event struct {
	Kind            EventKind            `json:"kind"`
	UserID          string               `json:"user_id"`
	SessionID       string               `json:"session_id,omitempty"`
	FromUserID      string               `json:"from_user_id,omitempty"`
	DurationSeconds int                  `json:"duration_seconds,omitempty"`
	Rating          Rating               `json:"rating,omitempty"`
	Confirmed       bool                 `json:"confirmed,omitempty"`
	Detail          string               `json:"detail,omitempty"`
	ViolationType   models.ViolationType `json:"violation_type,omitempty"`
	Severity        models.Severity      `json:"severity,omitempty"`
	AttemptNumber   int                  `json:"attempt_number,omitempty"`
	Days            int                  `json:"days,omitempty"`
	Badge           string               `json:"badge,omitempty"`
}

// Validate rejects envelopes that cannot be applied.
func (ev Event) Validate() error {
	if ev.UserID == "" {
		return errors.New("event user_id required")
	}
	switch ev.Kind {
	case EventCallCompleted, EventCallSkipped, EventReportFiled, EventStreakBonus:
	case EventAIViolation:
		if _, ok := severityMultiplier[ev.Severity]; !ok {
			return fmt.Errorf("invalid severity %q", ev.Severity)
		}
	case EventCaptureAttempt:
		if ev.AttemptNumber < 1 {
			return errors.New("attempt_number must be >= 1")
		}
	case EventBadge:
		if ev.Badge == "" {
			return errors.New("badge required")
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Kind)
	}
	if ev.Rating != RatingNone && ev.Rating != RatingRespectful && ev.Rating != RatingInappropriate {
		return fmt.Errorf("invalid rating %q", ev.Rating)
	}
	return nil
}

// Apply routes the event to its processor and returns the updated record.
func (e Engine) Apply(r *models.ReputationRecord, ev Event) (*models.ReputationRecord, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	duration := time.Duration(ev.DurationSeconds) * time.Second
	var out *models.ReputationRecord
	switch ev.Kind {
	case EventCallCompleted:
		out = e.CallCompleted(r, duration, ev.Rating, ev.FromUserID)
	case EventCallSkipped:
		out = e.CallSkipped(r, duration)
	case EventReportFiled:
		out = e.ReportFiled(r, ev.Confirmed, ev.FromUserID, ev.Detail)
	case EventAIViolation:
		out = e.AIViolation(r, ev.ViolationType, ev.Severity)
	case EventCaptureAttempt:
		out = e.CaptureAttempt(r, ev.AttemptNumber)
	case EventStreakBonus:
		out = e.StreakBonus(r, ev.Days)
	case EventBadge:
		out = e.AwardBadge(r, ev.Badge)
	}
	if err := Validate(out); err != nil {
		return nil, err
	}
	return out, nil
}
