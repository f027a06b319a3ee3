package protocol

import "github.com/parleyhq/parley/internal/domain"

// Frame types sent by clients to the hub.
const (
	FrameJoin    = "join"
	FrameLeave   = "leave"
	FrameTrack   = "track"
	FrameUntrack = "untrack"
	FrameSignal  = "signal"
	FramePing    = "ping"
)

// Frame types sent by the hub to clients.
const (
	FrameRoomState     = "room_state"
	FramePresenceJoin  = "presence_join"
	FramePresenceLeave = "presence_leave"
	FramePong          = "pong"
	FrameError         = "error"
)

// ClientFrame is the single inbound frame shape on the hub side. Type decides
// which fields are meaningful.
type ClientFrame struct {
	Type     string         `json:"type"`
	Room     domain.RoomID  `json:"room,omitempty"`
	State    *PresenceState `json:"state,omitempty"`
	Envelope *Envelope      `json:"envelope,omitempty"`
}

// RoomStateFrame is the snapshot the hub sends to a member right after join.
type RoomStateFrame struct {
	Type         string          `json:"type"`
	Room         domain.RoomID   `json:"room"`
	Participants []PresenceState `json:"participants"`
}

// PresenceJoinFrame announces a newly tracked (or re-tracked) member state.
type PresenceJoinFrame struct {
	Type        string        `json:"type"`
	Participant PresenceState `json:"participant"`
}

// PresenceLeaveFrame announces an untracked or disconnected member.
type PresenceLeaveFrame struct {
	Type   string        `json:"type"`
	UserID domain.UserID `json:"user_id"`
}

// SignalFrame relays one envelope to room subscribers.
type SignalFrame struct {
	Type     string   `json:"type"`
	Envelope Envelope `json:"envelope"`
}

// ErrorFrame reports a hub-side rejection of a client frame.
type ErrorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}
