package models

import "time"

// ViolationType classifies what a checker found.
type ViolationType string

const (
	ViolationNudity  ViolationType = "nudity"
	ViolationWeapon  ViolationType = "weapon"
	ViolationGesture ViolationType = "gesture"
	ViolationModesty ViolationType = "modesty"
	ViolationObject  ViolationType = "object"
)

// Severity is ordered low < medium < high < critical.
type Severity string

const (
	SeverityNone     Severity = ""
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank returns the ordinal of the severity, 0 for none.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// MaxSeverity returns the more severe of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Violation is produced by a checker and never mutated afterwards.
type Violation struct {
	Type       ViolationType `json:"type"`
	Severity   Severity      `json:"severity"`
	Confidence float64       `json:"confidence"`
	Detail     string        `json:"detail"`
	Timestamp  time.Time     `json:"timestamp"`
}

// Action is what the caller should do with the stream after a tick.
type Action string

const (
	ActionAllow      Action = "allow"
	ActionWarn       Action = "warn"
	ActionBlur       Action = "blur"
	ActionDisconnect Action = "disconnect"
)

// CheckerStatus distinguishes a clean check from one that could not run.
type CheckerStatus string

const (
	CheckerClean       CheckerStatus = "clean"
	CheckerFlagged     CheckerStatus = "flagged"
	CheckerUnavailable CheckerStatus = "unavailable"
)

// CheckerOutcome records what one checker did during a tick.
type CheckerOutcome struct {
	Checker string        `json:"checker"`
	Status  CheckerStatus `json:"status"`
	Error   string        `json:"error,omitempty"`
}

// ModerationResult is the verdict for one analysis tick.
type ModerationResult struct {
	Safe          bool             `json:"safe"`
	Violations    []Violation      `json:"violations"`
	Action        Action           `json:"action"`
	BlurLevel     int              `json:"blur_level"`
	MaxSeverity   Severity         `json:"max_severity,omitempty"`
	Checkers      []CheckerOutcome `json:"checkers,omitempty"`
	EvidenceFrame *Frame           `json:"-"`
	AnalyzedAt    time.Time        `json:"analyzed_at"`
}

// ViolationReport is a persisted violation or user report row.
type ViolationReport struct {
	ID          string        `json:"id"`
	SessionID   string        `json:"session_id"`
	UserID      string        `json:"user_id"`
	ReporterID  *string       `json:"reporter_id,omitempty"`
	Type        ViolationType `json:"type,omitempty"`
	Severity    Severity      `json:"severity,omitempty"`
	Source      string        `json:"source"` // "ai", "user", "capture"
	Detail      string        `json:"detail"`
	Confirmed   bool          `json:"confirmed"`
	EvidenceKey *string       `json:"evidence_key,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}
