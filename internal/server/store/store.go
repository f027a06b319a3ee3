// Package store persists the data-plane entities behind the REST API:
// users, servers, channels, messages and invites. The voice path never
// touches it; presence and signaling live only in memory.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/parleyhq/parley/internal/domain"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInviteExpired  = errors.New("invite expired")
	ErrInviteConsumed = errors.New("invite fully consumed")
)

// Store wraps the SQLite database. database/sql serializes access; the
// busy_timeout pragma covers writer contention.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db}, nil
}

const schema = `
	CREATE TABLE IF NOT EXISTS users (
		id           TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		created_at   DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS servers (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		description TEXT DEFAULT '',
		owner_id    TEXT NOT NULL REFERENCES users(id),
		created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS server_members (
		server_id TEXT NOT NULL REFERENCES servers(id),
		user_id   TEXT NOT NULL REFERENCES users(id),
		joined_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (server_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS channels (
		id         TEXT PRIMARY KEY,
		server_id  TEXT NOT NULL REFERENCES servers(id),
		name       TEXT NOT NULL,
		kind       TEXT NOT NULL CHECK (kind IN ('text', 'voice')),
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS messages (
		id         TEXT PRIMARY KEY,
		channel_id TEXT NOT NULL REFERENCES channels(id),
		user_id    TEXT NOT NULL REFERENCES users(id),
		content    TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages(channel_id, created_at);

	CREATE TABLE IF NOT EXISTS invites (
		code       TEXT PRIMARY KEY,
		server_id  TEXT NOT NULL REFERENCES servers(id),
		created_by TEXT NOT NULL REFERENCES users(id),
		expires_at DATETIME NOT NULL,
		max_uses   INTEGER NOT NULL DEFAULT 0,
		uses       INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
`

func (s *Store) Close() error { return s.db.Close() }

// --- users ------------------------------------------------------------------

func (s *Store) CreateUser(u *domain.User) error {
	_, err := s.db.Exec(
		`INSERT INTO users (id, display_name) VALUES (?, ?)`,
		string(u.ID), u.DisplayName,
	)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *Store) UserByID(id domain.UserID) (*domain.User, error) {
	var u domain.User
	var rawID string
	err := s.db.QueryRow(
		`SELECT id, display_name FROM users WHERE id = ?`, string(id),
	).Scan(&rawID, &u.DisplayName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select user: %w", err)
	}
	u.ID = domain.UserID(rawID)
	return &u, nil
}

// --- servers ----------------------------------------------------------------

// CreateServer creates the server, its default channels and the owner's
// membership in one transaction.
func (s *Store) CreateServer(name, description string, owner domain.UserID) (*domain.Server, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	srv := &domain.Server{
		ID:          domain.ServerID(uuid.NewString()),
		Name:        name,
		Description: description,
		OwnerID:     owner,
		CreatedAt:   time.Now().UTC(),
	}
	if _, err := tx.Exec(
		`INSERT INTO servers (id, name, description, owner_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		string(srv.ID), srv.Name, srv.Description, string(srv.OwnerID), srv.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("insert server: %w", err)
	}
	if _, err := tx.Exec(
		`INSERT INTO server_members (server_id, user_id) VALUES (?, ?)`,
		string(srv.ID), string(owner),
	); err != nil {
		return nil, fmt.Errorf("insert owner membership: %w", err)
	}
	for _, ch := range []struct{ name, kind string }{
		{"general", domain.ChannelText},
		{"General", domain.ChannelVoice},
	} {
		if _, err := tx.Exec(
			`INSERT INTO channels (id, server_id, name, kind) VALUES (?, ?, ?, ?)`,
			uuid.NewString(), string(srv.ID), ch.name, ch.kind,
		); err != nil {
			return nil, fmt.Errorf("insert default channel: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return srv, nil
}

// ServersForUser lists the servers the user is a member of, oldest first.
func (s *Store) ServersForUser(userID domain.UserID) ([]domain.Server, error) {
	rows, err := s.db.Query(`
		SELECT s.id, s.name, s.description, s.owner_id, s.created_at
		FROM servers s
		JOIN server_members m ON m.server_id = s.id
		WHERE m.user_id = ?
		ORDER BY s.created_at`, string(userID))
	if err != nil {
		return nil, fmt.Errorf("select servers: %w", err)
	}
	defer rows.Close()

	var out []domain.Server
	for rows.Next() {
		var srv domain.Server
		var id, owner string
		if err := rows.Scan(&id, &srv.Name, &srv.Description, &owner, &srv.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan server: %w", err)
		}
		srv.ID = domain.ServerID(id)
		srv.OwnerID = domain.UserID(owner)
		out = append(out, srv)
	}
	return out, rows.Err()
}

// SearchServers finds servers whose name contains the query,
// case-insensitive, newest first. An empty query matches nothing.
func (s *Store) SearchServers(query string, limit int) ([]domain.Server, error) {
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, name, description, owner_id, created_at
		FROM servers
		WHERE name LIKE ? ESCAPE '\'
		ORDER BY created_at DESC LIMIT ?`, "%"+escapeLike(query)+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("search servers: %w", err)
	}
	defer rows.Close()

	var out []domain.Server
	for rows.Next() {
		var srv domain.Server
		var id, owner string
		if err := rows.Scan(&id, &srv.Name, &srv.Description, &owner, &srv.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan server: %w", err)
		}
		srv.ID = domain.ServerID(id)
		srv.OwnerID = domain.UserID(owner)
		out = append(out, srv)
	}
	return out, rows.Err()
}

// escapeLike neutralizes LIKE metacharacters so user input matches literally.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func (s *Store) IsMember(serverID domain.ServerID, userID domain.UserID) (bool, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM server_members WHERE server_id = ? AND user_id = ?`,
		string(serverID), string(userID),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("select membership: %w", err)
	}
	return n > 0, nil
}

// --- channels ---------------------------------------------------------------

func (s *Store) CreateChannel(serverID domain.ServerID, name, kind string) (*domain.Channel, error) {
	ch := &domain.Channel{
		ID:        domain.ChannelID(uuid.NewString()),
		ServerID:  serverID,
		Name:      name,
		Kind:      kind,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := s.db.Exec(
		`INSERT INTO channels (id, server_id, name, kind, created_at) VALUES (?, ?, ?, ?, ?)`,
		string(ch.ID), string(ch.ServerID), ch.Name, ch.Kind, ch.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("insert channel: %w", err)
	}
	return ch, nil
}

func (s *Store) ChannelsForServer(serverID domain.ServerID) ([]domain.Channel, error) {
	rows, err := s.db.Query(`
		SELECT id, server_id, name, kind, created_at
		FROM channels WHERE server_id = ? ORDER BY created_at`, string(serverID))
	if err != nil {
		return nil, fmt.Errorf("select channels: %w", err)
	}
	defer rows.Close()

	var out []domain.Channel
	for rows.Next() {
		var ch domain.Channel
		var id, srv string
		if err := rows.Scan(&id, &srv, &ch.Name, &ch.Kind, &ch.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		ch.ID = domain.ChannelID(id)
		ch.ServerID = domain.ServerID(srv)
		out = append(out, ch)
	}
	return out, rows.Err()
}

func (s *Store) ChannelByID(id domain.ChannelID) (*domain.Channel, error) {
	var ch domain.Channel
	var rawID, srv string
	err := s.db.QueryRow(`
		SELECT id, server_id, name, kind, created_at
		FROM channels WHERE id = ?`, string(id),
	).Scan(&rawID, &srv, &ch.Name, &ch.Kind, &ch.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select channel: %w", err)
	}
	ch.ID = domain.ChannelID(rawID)
	ch.ServerID = domain.ServerID(srv)
	return &ch, nil
}

// --- messages ---------------------------------------------------------------

func (s *Store) AppendMessage(channelID domain.ChannelID, userID domain.UserID, content string) (*domain.Message, error) {
	msg := &domain.Message{
		ID:        domain.MessageID(uuid.NewString()),
		ChannelID: channelID,
		UserID:    userID,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := s.db.Exec(
		`INSERT INTO messages (id, channel_id, user_id, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		string(msg.ID), string(msg.ChannelID), string(msg.UserID), msg.Content, msg.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

// MessagesForChannel returns up to limit most recent messages, oldest first.
func (s *Store) MessagesForChannel(channelID domain.ChannelID, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT m.id, m.channel_id, m.user_id, u.display_name, m.content, m.created_at
		FROM (
			SELECT * FROM messages WHERE channel_id = ?
			ORDER BY created_at DESC LIMIT ?
		) m
		JOIN users u ON u.id = m.user_id
		ORDER BY m.created_at`, string(channelID), limit)
	if err != nil {
		return nil, fmt.Errorf("select messages: %w", err)
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		var msg domain.Message
		var id, ch, user string
		if err := rows.Scan(&id, &ch, &user, &msg.Author, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.ID = domain.MessageID(id)
		msg.ChannelID = domain.ChannelID(ch)
		msg.UserID = domain.UserID(user)
		out = append(out, msg)
	}
	return out, rows.Err()
}

// --- invites ----------------------------------------------------------------

func (s *Store) CreateInvite(serverID domain.ServerID, createdBy domain.UserID, ttl time.Duration, maxUses int) (*domain.Invite, error) {
	inv := &domain.Invite{
		Code:      domain.InviteCode(uuid.NewString()[:8]),
		ServerID:  serverID,
		CreatedBy: createdBy,
		ExpiresAt: time.Now().UTC().Add(ttl),
		MaxUses:   maxUses,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := s.db.Exec(
		`INSERT INTO invites (code, server_id, created_by, expires_at, max_uses, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		string(inv.Code), string(inv.ServerID), string(inv.CreatedBy),
		inv.ExpiresAt, inv.MaxUses, inv.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("insert invite: %w", err)
	}
	return inv, nil
}

// InvitesForServer lists the server's invites, newest first, expired ones
// included so members can see what is outstanding.
func (s *Store) InvitesForServer(serverID domain.ServerID) ([]domain.Invite, error) {
	rows, err := s.db.Query(`
		SELECT code, server_id, created_by, expires_at, max_uses, uses, created_at
		FROM invites WHERE server_id = ? ORDER BY created_at DESC`, string(serverID))
	if err != nil {
		return nil, fmt.Errorf("select invites: %w", err)
	}
	defer rows.Close()

	var out []domain.Invite
	for rows.Next() {
		var inv domain.Invite
		var code, srv, by string
		if err := rows.Scan(&code, &srv, &by, &inv.ExpiresAt, &inv.MaxUses, &inv.Uses, &inv.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan invite: %w", err)
		}
		inv.Code = domain.InviteCode(code)
		inv.ServerID = domain.ServerID(srv)
		inv.CreatedBy = domain.UserID(by)
		out = append(out, inv)
	}
	return out, rows.Err()
}

// RedeemInvite validates the code, bumps its use count and adds the user to
// the server, all in one transaction. Redeeming an invite for a server the
// user already belongs to succeeds without consuming a use.
func (s *Store) RedeemInvite(code domain.InviteCode, userID domain.UserID) (*domain.Server, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var inv domain.Invite
	var srvID string
	err = tx.QueryRow(
		`SELECT server_id, expires_at, max_uses, uses FROM invites WHERE code = ?`,
		string(code),
	).Scan(&srvID, &inv.ExpiresAt, &inv.MaxUses, &inv.Uses)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select invite: %w", err)
	}
	if time.Now().UTC().After(inv.ExpiresAt) {
		return nil, ErrInviteExpired
	}
	if inv.MaxUses > 0 && inv.Uses >= inv.MaxUses {
		return nil, ErrInviteConsumed
	}

	var srv domain.Server
	var owner string
	if err := tx.QueryRow(
		`SELECT id, name, description, owner_id, created_at FROM servers WHERE id = ?`, srvID,
	).Scan(&srvID, &srv.Name, &srv.Description, &owner, &srv.CreatedAt); err != nil {
		return nil, fmt.Errorf("select server: %w", err)
	}
	srv.ID = domain.ServerID(srvID)
	srv.OwnerID = domain.UserID(owner)

	var already int
	if err := tx.QueryRow(
		`SELECT COUNT(*) FROM server_members WHERE server_id = ? AND user_id = ?`,
		srvID, string(userID),
	).Scan(&already); err != nil {
		return nil, fmt.Errorf("select membership: %w", err)
	}
	if already == 0 {
		if _, err := tx.Exec(
			`INSERT INTO server_members (server_id, user_id) VALUES (?, ?)`,
			srvID, string(userID),
		); err != nil {
			return nil, fmt.Errorf("insert membership: %w", err)
		}
		if _, err := tx.Exec(
			`UPDATE invites SET uses = uses + 1 WHERE code = ?`, string(code),
		); err != nil {
			return nil, fmt.Errorf("bump invite uses: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &srv, nil
}
