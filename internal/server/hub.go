package server

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/parleyhq/parley/internal/domain"
	"github.com/parleyhq/parley/internal/protocol"
)

// sender is the outbound half of one client connection. The hub only ever
// enqueues; blocking a slow client would stall the sender's room.
type sender interface {
	TrySend(data []byte) error
}

type member struct {
	conn  sender
	state *protocol.PresenceState // nil until the member tracks presence
}

type room struct {
	id      domain.RoomID
	members map[sender]*member
}

// Hub keeps the room membership and presence state for every connected
// client. Each connection subscribes to at most one room; frames from one
// sender are relayed in the order they arrive because the sender's read pump
// calls into the hub serially.
type Hub struct {
	mu     sync.Mutex
	rooms  map[domain.RoomID]*room
	byConn map[sender]domain.RoomID
}

func NewHub() *Hub {
	return &Hub{
		rooms:  make(map[domain.RoomID]*room),
		byConn: make(map[sender]domain.RoomID),
	}
}

// Join subscribes conn to roomID and returns the snapshot of every presence
// state currently tracked there. A connection already in a room is moved,
// with the same departure semantics as Leave.
func (h *Hub) Join(conn sender, roomID domain.RoomID) protocol.RoomStateFrame {
	h.mu.Lock()
	defer h.mu.Unlock()

	if prev, ok := h.byConn[conn]; ok && prev != roomID {
		h.leaveLocked(conn)
	}

	r, ok := h.rooms[roomID]
	if !ok {
		r = &room{id: roomID, members: make(map[sender]*member)}
		h.rooms[roomID] = r
	}
	if _, ok := r.members[conn]; !ok {
		r.members[conn] = &member{conn: conn}
	}
	h.byConn[conn] = roomID

	snapshot := protocol.RoomStateFrame{
		Type:         protocol.FrameRoomState,
		Room:         roomID,
		Participants: make([]protocol.PresenceState, 0, len(r.members)),
	}
	for _, m := range r.members {
		if m.state != nil {
			snapshot.Participants = append(snapshot.Participants, *m.state)
		}
	}
	return snapshot
}

// Track publishes (or re-publishes) the member's presence state to the rest
// of the room. A re-track overwrites the previous state.
func (h *Hub) Track(conn sender, state protocol.PresenceState) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, m, ok := h.memberLocked(conn)
	if !ok {
		return false
	}
	m.state = &state
	h.broadcastLocked(r, conn, protocol.PresenceJoinFrame{
		Type:        protocol.FramePresenceJoin,
		Participant: state,
	})
	return true
}

// Untrack retracts the member's presence without leaving the room.
func (h *Hub) Untrack(conn sender) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, m, ok := h.memberLocked(conn)
	if !ok || m.state == nil {
		return
	}
	userID := m.state.UserID
	m.state = nil
	h.broadcastLocked(r, conn, protocol.PresenceLeaveFrame{
		Type:   protocol.FramePresenceLeave,
		UserID: userID,
	})
}

// Relay broadcasts one signaling envelope to every other member of the
// sender's room. Receivers filter by the envelope's To field themselves.
func (h *Hub) Relay(conn sender, env protocol.Envelope) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, _, ok := h.memberLocked(conn)
	if !ok {
		return false
	}
	h.broadcastLocked(r, conn, protocol.SignalFrame{
		Type:     protocol.FrameSignal,
		Envelope: env,
	})
	return true
}

// Leave removes the connection from its room. A tracked member's departure
// is announced; an untracked one leaves silently. Called for both explicit
// leave frames and dropped sockets.
func (h *Hub) Leave(conn sender) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(conn)
}

func (h *Hub) leaveLocked(conn sender) {
	r, m, ok := h.memberLocked(conn)
	if !ok {
		return
	}
	delete(r.members, conn)
	delete(h.byConn, conn)
	if len(r.members) == 0 {
		delete(h.rooms, r.id)
	} else if m.state != nil {
		h.broadcastLocked(r, conn, protocol.PresenceLeaveFrame{
			Type:   protocol.FramePresenceLeave,
			UserID: m.state.UserID,
		})
	}
}

func (h *Hub) memberLocked(conn sender) (*room, *member, bool) {
	roomID, ok := h.byConn[conn]
	if !ok {
		return nil, nil, false
	}
	r := h.rooms[roomID]
	m := r.members[conn]
	return r, m, true
}

func (h *Hub) broadcastLocked(r *room, from sender, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "server").Msg("broadcast marshal")
		return
	}
	for conn := range r.members {
		if conn == from {
			continue
		}
		if err := conn.TrySend(data); err != nil {
			log.Warn().Err(err).Str("module", "server").Str("room", string(r.id)).Msg("broadcast dropped")
		}
	}
}
