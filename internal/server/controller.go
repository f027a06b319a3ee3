package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/parleyhq/parley/internal/protocol"
)

// SignalWSController terminates websocket signaling connections and feeds
// their frames into the hub.
type SignalWSController struct {
	Hub        *Hub
	ReadLimit  int64
	PingPeriod time.Duration
}

func NewSignalWSController(hub *Hub, readLimit int64, pingPeriod time.Duration) *SignalWSController {
	return &SignalWSController{
		Hub:        hub,
		ReadLimit:  readLimit,
		PingPeriod: pingPeriod,
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	sid := c.GetString("client_token")
	log.Info().Str("module", "server").Str("sid", sid).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Msg("ws upgrade")
		return
	}
	if ctl.ReadLimit > 0 {
		ws.SetReadLimit(ctl.ReadLimit)
	}

	conn := newWSConn(ws)
	ctx, cancel := context.WithCancel(ctx)

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, sid, conn)
}

func (ctl *SignalWSController) writePump(ctx context.Context, c *wsConn) {
	period := ctl.PingPeriod
	if period <= 0 {
		period = 54 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "server").Msg("writePump ctx done")
			return
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Warn().Err(err).Str("module", "server").Msg("writePump ping error")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Warn().Str("module", "server").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "server").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "server").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, sid string, c *wsConn) {
	defer func() {
		log.Info().Str("module", "server").Str("sid", sid).Msg("readPump closing")
		ctl.Hub.Leave(c)
		cancel()
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "server").Str("sid", sid).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Error().Err(err).Str("module", "server").Str("sid", sid).Msg("readPump read error")
				return
			}
			ctl.handleFrame(sid, c, data)
		}
	}
}

func (ctl *SignalWSController) handleFrame(sid string, c *wsConn, data []byte) {
	var f protocol.ClientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		log.Error().Err(err).Str("module", "server").Msg("bad json")
		ctl.sendError(c, "bad_payload")
		return
	}

	switch f.Type {
	case protocol.FrameJoin:
		if f.Room == "" {
			ctl.sendError(c, "missing room")
			return
		}
		log.Info().Str("module", "server").Str("sid", sid).Str("room", string(f.Room)).Msg("join")
		ctl.sendJSON(c, ctl.Hub.Join(c, f.Room))
	case protocol.FrameLeave:
		log.Info().Str("module", "server").Str("sid", sid).Msg("leave")
		ctl.Hub.Leave(c)
	case protocol.FrameTrack:
		if f.State == nil {
			ctl.sendError(c, "missing state")
			return
		}
		if !ctl.Hub.Track(c, *f.State) {
			ctl.sendError(c, "not in a room")
		}
	case protocol.FrameUntrack:
		ctl.Hub.Untrack(c)
	case protocol.FrameSignal:
		if f.Envelope == nil {
			ctl.sendError(c, "missing envelope")
			return
		}
		if !ctl.Hub.Relay(c, *f.Envelope) {
			ctl.sendError(c, "not in a room")
		}
	case protocol.FramePing:
		ctl.sendJSON(c, struct {
			Type string `json:"type"`
		}{Type: protocol.FramePong})
	default:
		log.Warn().Str("module", "server").Str("type", f.Type).Msg("unknown frame")
		ctl.sendError(c, "unknown frame type")
	}
}

func (ctl *SignalWSController) sendError(c *wsConn, msg string) {
	ctl.sendJSON(c, protocol.ErrorFrame{Type: protocol.FrameError, Error: msg})
}

func (ctl *SignalWSController) sendJSON(c *wsConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "server").Msg("sendJSON marshal")
		return
	}
	_ = c.TrySend(b)
}
