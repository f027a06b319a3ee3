package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/parleyhq/parley/internal/domain"
	"github.com/parleyhq/parley/internal/server/store"
)

// APIController serves the data-plane REST endpoints. Authentication is a
// session cookie holding the user id, established by Register.
type APIController struct {
	Store *store.Store
}

func NewAPIController(st *store.Store) *APIController {
	return &APIController{Store: st}
}

func currentUser(c *gin.Context) (domain.UserID, bool) {
	sess := sessions.Default(c)
	v := sess.Get("user_id")
	id, ok := v.(string)
	if !ok || id == "" {
		return "", false
	}
	return domain.UserID(id), true
}

func (a *APIController) requireUser(c *gin.Context) (domain.UserID, bool) {
	id, ok := currentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not registered"})
		return "", false
	}
	return id, true
}

func (a *APIController) Register(c *gin.Context) {
	var req struct {
		DisplayName string `json:"display_name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_payload"})
		return
	}

	user, err := domain.NewUser(req.DisplayName)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := a.Store.CreateUser(user); err != nil {
		log.Error().Err(err).Str("module", "server").Msg("create user")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage"})
		return
	}

	sess := sessions.Default(c)
	sess.Set("user_id", string(user.ID))
	if err := sess.Save(); err != nil {
		log.Error().Err(err).Str("module", "server").Msg("save session")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session"})
		return
	}

	log.Info().Str("module", "server").Str("user", string(user.ID)).Str("name", user.DisplayName).Msg("registered")
	c.JSON(http.StatusCreated, user)
}

func (a *APIController) Me(c *gin.Context) {
	id, ok := a.requireUser(c)
	if !ok {
		return
	}
	user, err := a.Store.UserByID(id)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unknown user"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage"})
		return
	}
	c.JSON(http.StatusOK, user)
}

func (a *APIController) CreateServer(c *gin.Context) {
	id, ok := a.requireUser(c)
	if !ok {
		return
	}
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_payload"})
		return
	}
	srv, err := a.Store.CreateServer(req.Name, req.Description, id)
	if err != nil {
		log.Error().Err(err).Str("module", "server").Msg("create server")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage"})
		return
	}
	c.JSON(http.StatusCreated, srv)
}

func (a *APIController) ListServers(c *gin.Context) {
	id, ok := a.requireUser(c)
	if !ok {
		return
	}
	servers, err := a.Store.ServersForUser(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage"})
		return
	}
	c.JSON(http.StatusOK, servers)
}

// SearchServers is server discovery: any registered user may look up
// servers by name and join through an invite afterwards.
func (a *APIController) SearchServers(c *gin.Context) {
	if _, ok := a.requireUser(c); !ok {
		return
	}
	q := c.Query("q")
	if q == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing query"})
		return
	}
	servers, err := a.Store.SearchServers(q, 20)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage"})
		return
	}
	c.JSON(http.StatusOK, servers)
}

func (a *APIController) CreateChannel(c *gin.Context) {
	id, ok := a.requireUser(c)
	if !ok {
		return
	}
	serverID := domain.ServerID(c.Param("server"))
	if !a.mustBeMember(c, serverID, id) {
		return
	}
	var req struct {
		Name string `json:"name"`
		Kind string `json:"kind"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_payload"})
		return
	}
	if req.Kind != domain.ChannelText && req.Kind != domain.ChannelVoice {
		c.JSON(http.StatusBadRequest, gin.H{"error": "kind must be text or voice"})
		return
	}
	ch, err := a.Store.CreateChannel(serverID, req.Name, req.Kind)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage"})
		return
	}
	c.JSON(http.StatusCreated, ch)
}

func (a *APIController) ListChannels(c *gin.Context) {
	id, ok := a.requireUser(c)
	if !ok {
		return
	}
	serverID := domain.ServerID(c.Param("server"))
	if !a.mustBeMember(c, serverID, id) {
		return
	}
	channels, err := a.Store.ChannelsForServer(serverID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage"})
		return
	}
	c.JSON(http.StatusOK, channels)
}

func (a *APIController) ListMessages(c *gin.Context) {
	id, ok := a.requireUser(c)
	if !ok {
		return
	}
	ch, okCh := a.textChannel(c, id)
	if !okCh {
		return
	}
	messages, err := a.Store.MessagesForChannel(ch.ID, 50)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage"})
		return
	}
	c.JSON(http.StatusOK, messages)
}

func (a *APIController) SendMessage(c *gin.Context) {
	id, ok := a.requireUser(c)
	if !ok {
		return
	}
	ch, okCh := a.textChannel(c, id)
	if !okCh {
		return
	}
	var req struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_payload"})
		return
	}
	msg, err := a.Store.AppendMessage(ch.ID, id, req.Content)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage"})
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (a *APIController) CreateInvite(c *gin.Context) {
	id, ok := a.requireUser(c)
	if !ok {
		return
	}
	serverID := domain.ServerID(c.Param("server"))
	if !a.mustBeMember(c, serverID, id) {
		return
	}
	var req struct {
		TTLHours int `json:"ttl_hours"`
		MaxUses  int `json:"max_uses"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_payload"})
		return
	}
	if req.TTLHours <= 0 {
		req.TTLHours = 24
	}
	inv, err := a.Store.CreateInvite(serverID, id, time.Duration(req.TTLHours)*time.Hour, req.MaxUses)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage"})
		return
	}
	c.JSON(http.StatusCreated, inv)
}

func (a *APIController) ListInvites(c *gin.Context) {
	id, ok := a.requireUser(c)
	if !ok {
		return
	}
	serverID := domain.ServerID(c.Param("server"))
	if !a.mustBeMember(c, serverID, id) {
		return
	}
	invites, err := a.Store.InvitesForServer(serverID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage"})
		return
	}
	c.JSON(http.StatusOK, invites)
}

func (a *APIController) JoinInvite(c *gin.Context) {
	id, ok := a.requireUser(c)
	if !ok {
		return
	}
	code := domain.InviteCode(c.Param("code"))
	srv, err := a.Store.RedeemInvite(code, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown invite"})
	case errors.Is(err, store.ErrInviteExpired):
		c.JSON(http.StatusGone, gin.H{"error": "invite expired"})
	case errors.Is(err, store.ErrInviteConsumed):
		c.JSON(http.StatusGone, gin.H{"error": "invite fully consumed"})
	case err != nil:
		log.Error().Err(err).Str("module", "server").Msg("redeem invite")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage"})
	default:
		c.JSON(http.StatusOK, srv)
	}
}

func (a *APIController) mustBeMember(c *gin.Context, serverID domain.ServerID, userID domain.UserID) bool {
	ok, err := a.Store.IsMember(serverID, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage"})
		return false
	}
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a member"})
		return false
	}
	return true
}

// textChannel resolves the channel route parameter and checks that the user
// may post there. Voice channels carry no message history.
func (a *APIController) textChannel(c *gin.Context, userID domain.UserID) (*domain.Channel, bool) {
	ch, err := a.Store.ChannelByID(domain.ChannelID(c.Param("channel")))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown channel"})
		return nil, false
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage"})
		return nil, false
	}
	if !a.mustBeMember(c, ch.ServerID, userID) {
		return nil, false
	}
	if ch.Kind != domain.ChannelText {
		c.JSON(http.StatusBadRequest, gin.H{"error": "not a text channel"})
		return nil, false
	}
	return ch, true
}
