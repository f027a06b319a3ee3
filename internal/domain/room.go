package domain

import "time"

type (
	RoomID   string
	ServerID string
)

// Participant is one user currently present in a voice room, as seen by a
// client's local view. The view is reconciled against transport presence
// events; the transport holds the authoritative copy.
type Participant struct {
	UserID      UserID    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Muted       bool      `json:"muted"`
	Speaking    bool      `json:"speaking"`
	JoinedAt    time.Time `json:"joined_at"`
}
