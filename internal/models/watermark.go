package models

import "time"

// WatermarkPayload is the forensic record hidden in one outgoing frame.
type WatermarkPayload struct {
	UserID            string    `json:"user_id"`
	PartnerID         string    `json:"partner_id"`
	SessionID         string    `json:"session_id"`
	Timestamp         time.Time `json:"timestamp"`
	FrameNumber       uint64    `json:"frame_number"`
	IPHash            string    `json:"ip_hash"`
	DeviceFingerprint string    `json:"device_fingerprint"`
}

// CaptureMethod names the environment signal that suggested a capture.
type CaptureMethod string

const (
	CaptureVisibilityLost CaptureMethod = "visibility_lost"
	CaptureScreenshotKey  CaptureMethod = "screenshot_key"
	CaptureClipboardCopy  CaptureMethod = "clipboard_copy"
)

// CaptureAttempt is raised for every capture signal in a session.
type CaptureAttempt struct {
	SessionID     string        `json:"session_id"`
	UserID        string        `json:"user_id"`
	Method        CaptureMethod `json:"method"`
	Timestamp     time.Time     `json:"timestamp"`
	AttemptNumber int           `json:"attempt_number"`
}
