package rtc

import (
	"github.com/pion/webrtc/v4"

	"github.com/parleyhq/parley/internal/protocol"
)

// Conn abstracts one media connection. The production implementation wraps a
// pion PeerConnection; tests substitute fakes. Callbacks must be registered
// before the first offer or answer is applied.
type Conn interface {
	// AddTrack attaches one local track. The track is shared with other
	// links; each connection holds its own sender.
	AddTrack(track webrtc.TrackLocal) error
	// CreateOffer produces and installs the local offer SDP.
	CreateOffer() (string, error)
	// ApplyOffer installs a remote offer and returns the local answer.
	ApplyOffer(sdp string) (string, error)
	// ApplyAnswer installs a remote answer on a connection that offered.
	ApplyAnswer(sdp string) error
	// AddRemoteCandidate appends one trickled remote candidate.
	AddRemoteCandidate(c protocol.CandidatePayload) error

	// OnCandidate registers the handler for locally gathered candidates.
	OnCandidate(fn func(c protocol.CandidatePayload))
	// OnStateChange reports media-path transitions mapped to link states.
	OnStateChange(fn func(s LinkState))
	// OnRemoteTrack fires when the remote side's media arrives.
	OnRemoteTrack(fn func(track *webrtc.TrackRemote))

	Close() error
}

// ConnFactory allocates a fresh connection per link.
type ConnFactory func() (Conn, error)
