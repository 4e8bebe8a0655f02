// Package signaling drives one peer connection through its lifecycle: local media, offer and
// answer exchange over a session-scoped relay, trickle ICE, and teardown.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
)

var (
	// ErrMediaAcquisition is returned when the local camera or microphone cannot be opened.
	ErrMediaAcquisition = errors.New("signaling: media acquisition failed")
	// ErrSignaling marks a malformed or unusable relay message. It is never fatal.
	ErrSignaling = errors.New("signaling: bad message")
	// ErrAlreadyInitializing is returned by a second Initialize while one is in flight.
	ErrAlreadyInitializing = errors.New("signaling: already initializing")
)

// MessageType is the kind of relay message.
type MessageType string

const (
	TypeOffer        MessageType = "offer"
	TypeAnswer       MessageType = "answer"
	TypeICECandidate MessageType = "ice-candidate"
)

// Message is the relay wire format.
type Message struct {
	Type      MessageType     `json:"type"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	SessionID string          `json:"sessionId"`
	Data      json.RawMessage `json:"data"`
}

// Validate checks the envelope. It does not decode Data.
func (m Message) Validate() error {
	switch m.Type {
	case TypeOffer, TypeAnswer, TypeICECandidate:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrSignaling, m.Type)
	}
	if m.From == "" || m.To == "" {
		return fmt.Errorf("%w: missing from/to", ErrSignaling)
	}
	if _, err := uuid.Parse(m.SessionID); err != nil {
		return fmt.Errorf("%w: session id: %v", ErrSignaling, err)
	}
	if len(m.Data) == 0 {
		return fmt.Errorf("%w: empty data", ErrSignaling)
	}
	return nil
}

// Description decodes an offer or answer payload.
func (m Message) Description() (webrtc.SessionDescription, error) {
	var sd webrtc.SessionDescription
	if err := json.Unmarshal(m.Data, &sd); err != nil {
		return sd, fmt.Errorf("%w: sdp: %v", ErrSignaling, err)
	}
	if sd.SDP == "" {
		return sd, fmt.Errorf("%w: empty sdp", ErrSignaling)
	}
	return sd, nil
}

// Candidate decodes an ice-candidate payload.
func (m Message) Candidate() (webrtc.ICECandidateInit, error) {
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal(m.Data, &c); err != nil {
		return c, fmt.Errorf("%w: candidate: %v", ErrSignaling, err)
	}
	if c.Candidate == "" {
		return c, fmt.Errorf("%w: empty candidate", ErrSignaling)
	}
	return c, nil
}

// NewMessage builds a message with a JSON-encoded payload.
func NewMessage(t MessageType, from, to string, sessionID uuid.UUID, payload interface{}) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: t, From: from, To: to, SessionID: sessionID.String(), Data: data}, nil
}

// Relay is a pub/sub channel scoped to one session.
type Relay interface {
	Publish(ctx context.Context, sessionID uuid.UUID, msg Message) error
	Subscribe(ctx context.Context, sessionID uuid.UUID, handler func(Message)) (cancel func(), err error)
}
