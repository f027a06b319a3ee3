// Package protocol defines the wire types exchanged over the signaling
// transport. Everything here is JSON; payloads stay raw until the receiving
// side knows what to do with them.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/parleyhq/parley/internal/domain"
)

type EnvelopeType string

const (
	EnvelopeOffer     EnvelopeType = "offer"
	EnvelopeAnswer    EnvelopeType = "answer"
	EnvelopeCandidate EnvelopeType = "ice-candidate"
)

// Envelope is one directed signaling message between two room members.
// Transient: only meaningful while in flight, never persisted. The transport
// broadcasts to every subscriber; receivers must discard envelopes whose To
// is not their own user id.
type Envelope struct {
	Type    EnvelopeType    `json:"type"`
	From    domain.UserID   `json:"from"`
	To      domain.UserID   `json:"to"`
	Payload json.RawMessage `json:"payload"`
}

// SDPPayload carries an SDP offer or answer.
type SDPPayload struct {
	SDP string `json:"sdp"`
}

// CandidatePayload carries one trickled ICE candidate.
type CandidatePayload struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex,omitempty"`
}

// PresenceState is the continuously re-tracked state of one room member.
type PresenceState struct {
	UserID      domain.UserID `json:"user_id"`
	DisplayName string        `json:"display_name"`
	Muted       bool          `json:"muted"`
	Speaking    bool          `json:"speaking"`
	JoinedAt    time.Time     `json:"joined_at"`
}

// Participant converts a tracked state into the client's local view entity.
func (s PresenceState) Participant() domain.Participant {
	return domain.Participant{
		UserID:      s.UserID,
		DisplayName: s.DisplayName,
		Muted:       s.Muted,
		Speaking:    s.Speaking,
		JoinedAt:    s.JoinedAt,
	}
}

func MarshalSDP(sdp string) json.RawMessage {
	b, _ := json.Marshal(SDPPayload{SDP: sdp})
	return b
}

func MarshalCandidate(c CandidatePayload) json.RawMessage {
	b, _ := json.Marshal(c)
	return b
}
