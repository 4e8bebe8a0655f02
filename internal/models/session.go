package models

import (
	"time"

	"github.com/google/uuid"
)

// ConnectionState is the lifecycle state of one peer connection.
type ConnectionState string

const (
	StateIdle           ConnectionState = "idle"
	StateAcquiringMedia ConnectionState = "acquiring-media"
	StateConnecting     ConnectionState = "connecting"
	StateConnected      ConnectionState = "connected"
	StateFailed         ConnectionState = "failed"
	StateClosed         ConnectionState = "closed"
)

// CanTransition reports whether moving from s to next is allowed.
// States only move forward, except connected -> failed and any -> closed.
func (s ConnectionState) CanTransition(next ConnectionState) bool {
	if next == StateClosed {
		return s != StateClosed
	}
	switch s {
	case StateIdle:
		return next == StateAcquiringMedia
	case StateAcquiringMedia:
		return next == StateConnecting
	case StateConnecting:
		return next == StateConnected || next == StateFailed
	case StateConnected:
		return next == StateFailed
	}
	return false
}

// Session identifies one live pairing.
type Session struct {
	ID           uuid.UUID  `json:"id"`
	LocalUserID  string     `json:"local_user_id"`
	RemoteUserID string     `json:"remote_user_id"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	EndReason    string     `json:"end_reason,omitempty"`
}

// Duration returns the elapsed session time, up to EndedAt when set.
func (s *Session) Duration(now time.Time) time.Duration {
	end := now
	if s.EndedAt != nil {
		end = *s.EndedAt
	}
	if end.Before(s.StartedAt) {
		return 0
	}
	return end.Sub(s.StartedAt)
}

// Frame is one sampled RGBA video image (4 bytes per pixel, raster order).
type Frame struct {
	Pix        []byte    `json:"-"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	CapturedAt time.Time `json:"captured_at"`
}

// Clone returns a deep copy of the frame.
func (f *Frame) Clone() *Frame {
	if f == nil {
		return nil
	}
	pix := make([]byte, len(f.Pix))
	copy(pix, f.Pix)
	return &Frame{Pix: pix, Width: f.Width, Height: f.Height, CapturedAt: f.CapturedAt}
}
