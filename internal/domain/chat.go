package domain

import "time"

type (
	ChannelID  string
	MessageID  string
	InviteCode string
)

const (
	ChannelText  = "text"
	ChannelVoice = "voice"
)

type Server struct {
	ID          ServerID  `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	OwnerID     UserID    `json:"owner_id"`
	CreatedAt   time.Time `json:"created_at"`
}

type Channel struct {
	ID        ChannelID `json:"id"`
	ServerID  ServerID  `json:"server_id"`
	Name      string    `json:"name"`
	Kind      string    `json:"kind"` // text or voice
	CreatedAt time.Time `json:"created_at"`
}

type Message struct {
	ID        MessageID `json:"id"`
	ChannelID ChannelID `json:"channel_id"`
	UserID    UserID    `json:"user_id"`
	Author    string    `json:"author"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type Invite struct {
	Code      InviteCode `json:"code"`
	ServerID  ServerID   `json:"server_id"`
	CreatedBy UserID     `json:"created_by"`
	ExpiresAt time.Time  `json:"expires_at"`
	MaxUses   int        `json:"max_uses"`
	Uses      int        `json:"uses"`
	CreatedAt time.Time  `json:"created_at"`
}
