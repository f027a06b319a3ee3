package server

import (
	"context"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/server/store"
)

func genClientToken() string {
	return uuid.NewString()
}

// ClientTokenMiddleware gives every browser a stable anonymous token in a
// cookie, attached to each connection for log correlation.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Server, st *store.Store, hub *Hub) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	sessionStore := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("ParleySessions", sessionStore))
	r.Use(ClientTokenMiddleware())

	log.Info().Str("module", "server").Msg("router setup")

	apiCtl := NewAPIController(st)
	wsCtl := NewSignalWSController(hub, cfg.ReadLimit, cfg.PingPeriod)

	api := r.Group("/api")

	api.POST("/register", apiCtl.Register)
	api.GET("/me", apiCtl.Me)
	api.POST("/servers", apiCtl.CreateServer)
	api.GET("/servers", apiCtl.ListServers)
	api.GET("/servers/search", apiCtl.SearchServers)
	api.POST("/servers/:server/channels", apiCtl.CreateChannel)
	api.GET("/servers/:server/channels", apiCtl.ListChannels)
	api.GET("/channels/:channel/messages", apiCtl.ListMessages)
	api.POST("/channels/:channel/messages", apiCtl.SendMessage)
	api.POST("/servers/:server/invites", apiCtl.CreateInvite)
	api.GET("/servers/:server/invites", apiCtl.ListInvites)
	api.POST("/invites/:code/join", apiCtl.JoinInvite)

	api.GET("/ws/signal", func(c *gin.Context) {
		log.Info().Str("module", "server").Str("sid", c.GetString("client_token")).Msg("ws signal endpoint hit")
		wsCtl.HandleSignal(ctx, c)
	})

	return r
}
