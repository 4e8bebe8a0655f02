package models

import "time"

// Tier is derived from the current score and never set independently.
type Tier string

const (
	TierBanned  Tier = "banned"
	TierWarning Tier = "warning"
	TierGood    Tier = "good"
	TierGreat   Tier = "great"
	TierPerfect Tier = "perfect"
)

// ScoreChange is one immutable audit entry.
type ScoreChange struct {
	Timestamp  time.Time `json:"timestamp"`
	Change     int       `json:"change"`
	Reason     string    `json:"reason"`
	Detail     string    `json:"detail,omitempty"`
	FromUserID string    `json:"from_user_id,omitempty"`
}

// ReputationRecord is the trust state of one user.
type ReputationRecord struct {
	UserID                     string          `json:"user_id"`
	CurrentScore               int             `json:"current_score"`
	Tier                       Tier            `json:"tier"`
	TotalCalls                 int             `json:"total_calls"`
	CompletedCalls             int             `json:"completed_calls"`
	SkippedCalls               int             `json:"skipped_calls"`
	ReportsReceived            int             `json:"reports_received"`
	ReportsConfirmed           int             `json:"reports_confirmed"`
	RespectfulRatings          int             `json:"respectful_ratings"`
	AverageCallDurationSeconds float64         `json:"average_call_duration_seconds"`
	Badges                     map[string]bool `json:"badges"`
	History                    []ScoreChange   `json:"history"`
	Version                    int64           `json:"version"`
	UpdatedAt                  time.Time       `json:"updated_at"`
}

// HasBadge reports whether the badge is held.
func (r *ReputationRecord) HasBadge(badge string) bool {
	return r.Badges[badge]
}

// Clone returns a deep copy so processors never mutate their input.
func (r *ReputationRecord) Clone() *ReputationRecord {
	out := *r
	out.Badges = make(map[string]bool, len(r.Badges))
	for k, v := range r.Badges {
		out.Badges[k] = v
	}
	out.History = make([]ScoreChange, len(r.History))
	copy(out.History, r.History)
	return &out
}
