// Package core declares the interfaces between the voice subsystem and its
// external collaborators: the signaling transport, the identity provider and
// the local media source. Adapters own the resources behind these interfaces;
// core packages only call through them.
package core

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/parleyhq/parley/internal/domain"
	"github.com/parleyhq/parley/internal/protocol"
)

// RoomEvents is the closed set of inbound events a transport subscription can
// deliver. The transport is the only source of inbound events; handlers must
// be invoked asynchronously with respect to Subscribe, one at a time, in
// arrival order.
type RoomEvents struct {
	// OnPresenceSync delivers the participant snapshot for the room. It may
	// race with individual join events; receivers treat the two as a union.
	OnPresenceSync func(states []protocol.PresenceState)
	// OnPresenceJoin delivers a newly tracked or re-tracked member state.
	OnPresenceJoin func(state protocol.PresenceState)
	// OnPresenceLeave delivers a member's departure.
	OnPresenceLeave func(userID domain.UserID)
	// OnEnvelope delivers one broadcast signaling envelope. Receivers filter
	// by Envelope.To themselves.
	OnEnvelope func(env protocol.Envelope)
	// OnClosed fires once if the underlying channel drops unexpectedly.
	// It does not fire after an explicit Unsubscribe.
	OnClosed func(err error)
}

// RoomHandle is one live subscription to a room-scoped broadcast channel.
type RoomHandle interface {
	// Send broadcasts an envelope to all current room subscribers.
	// Delivery is at-least-once and ordered per sender.
	Send(env protocol.Envelope) error
	// Track publishes (or re-publishes) this member's presence state.
	Track(state protocol.PresenceState) error
	// Untrack retracts this member's presence without unsubscribing.
	Untrack() error
	// Unsubscribe leaves the channel and releases the handle. Idempotent.
	Unsubscribe() error
}

// Transport is the room-scoped signaling channel with presence tracking.
type Transport interface {
	Subscribe(ctx context.Context, room domain.RoomID, ev RoomEvents) (RoomHandle, error)
}

// Identity yields the stable local user, if a session exists.
type Identity interface {
	CurrentUser() (*domain.User, bool)
}

// MediaSource is the local microphone stream. It is shared read-only across
// all peer links; only the room coordinator creates or closes it.
type MediaSource interface {
	// Tracks returns the local tracks to attach to each peer link. May be
	// empty (receive-only) when no capture device is available by design.
	Tracks() []webrtc.TrackLocal
	// Frames yields mono PCM frames for voice activity detection. The
	// channel closes when the source is closed.
	Frames() <-chan []int16
	// SetMuted gates outbound audio without releasing the device.
	SetMuted(muted bool)
	Close() error
}

// MediaOpener acquires the local media source. Fails when the platform denies
// microphone access; the failure is reported once, at acquisition time.
type MediaOpener func() (MediaSource, error)

// TrackSink receives remote audio keyed by the remote user. Each peer link's
// incoming track is attached exactly once.
type TrackSink interface {
	Attach(userID domain.UserID, track *webrtc.TrackRemote)
	Detach(userID domain.UserID)
}
