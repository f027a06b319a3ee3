// Package signal connects the voice coordinator to the hub over a websocket.
// One Subscribe call opens one socket; frames out go through a buffered queue
// and a single write pump, which preserves per-sender ordering end to end.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/parleyhq/parley/internal/core"
	"github.com/parleyhq/parley/internal/domain"
	"github.com/parleyhq/parley/internal/protocol"
)

var ErrBackpressure = errors.New("backpressure")

// Transport dials the hub's signaling endpoint. The cookie jar is shared
// with the REST client so the websocket carries the same session.
type Transport struct {
	baseURL string
	jar     http.CookieJar
	log     zerolog.Logger
}

func New(baseURL string, jar http.CookieJar, log zerolog.Logger) *Transport {
	return &Transport{baseURL: baseURL, jar: jar, log: log}
}

func (t *Transport) Subscribe(ctx context.Context, room domain.RoomID, ev core.RoomEvents) (core.RoomHandle, error) {
	wsURL, err := t.signalURL()
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{
		Jar:              t.jar,
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}

	h := &roomHandle{
		conn: conn,
		send: make(chan []byte, 32),
		ev:   ev,
		log:  t.log,
		done: make(chan struct{}),
	}

	go h.writePump()
	go h.readPump()

	if err := h.enqueue(protocol.ClientFrame{Type: protocol.FrameJoin, Room: room}); err != nil {
		_ = h.Unsubscribe()
		return nil, fmt.Errorf("join %s: %w", room, err)
	}
	return h, nil
}

func (t *Transport) signalURL() (string, error) {
	u, err := url.Parse(t.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = "/api/ws/signal"
	return u.String(), nil
}

type roomHandle struct {
	conn *websocket.Conn
	send chan []byte
	ev   core.RoomEvents
	log  zerolog.Logger

	mu     sync.Mutex
	closed bool // set by Unsubscribe; suppresses OnClosed

	done chan struct{} // closed when the write pump exits
}

func (h *roomHandle) Send(env protocol.Envelope) error {
	return h.enqueue(protocol.ClientFrame{Type: protocol.FrameSignal, Envelope: &env})
}

func (h *roomHandle) Track(state protocol.PresenceState) error {
	return h.enqueue(protocol.ClientFrame{Type: protocol.FrameTrack, State: &state})
}

func (h *roomHandle) Untrack() error {
	return h.enqueue(protocol.ClientFrame{Type: protocol.FrameUntrack})
}

func (h *roomHandle) Unsubscribe() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	// Best effort; the server also cleans up on socket close.
	if data, err := json.Marshal(protocol.ClientFrame{Type: protocol.FrameLeave}); err == nil {
		select {
		case h.send <- data:
		default:
		}
	}
	h.closed = true
	close(h.send)
	h.mu.Unlock()

	<-h.done
	return h.conn.Close()
}

// enqueue holds the handle mutex across the channel send so a concurrent
// Unsubscribe cannot close the queue underneath it.
func (h *roomHandle) enqueue(f protocol.ClientFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errors.New("subscription closed")
	}
	select {
	case h.send <- data:
		return nil
	default:
		return ErrBackpressure
	}
}

func (h *roomHandle) writePump() {
	defer close(h.done)
	for data := range h.send {
		if err := h.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
			h.log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
			return
		}
		if err := h.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
			return
		}
	}
	_ = h.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
}

// readPump dispatches inbound frames to the event handlers one at a time, in
// arrival order. It owns the OnClosed notification: the handler fires only
// for an unexpected drop, never after Unsubscribe.
func (h *roomHandle) readPump() {
	for {
		_, data, err := h.conn.ReadMessage()
		if err != nil {
			h.mu.Lock()
			closed := h.closed
			h.mu.Unlock()
			if !closed && h.ev.OnClosed != nil {
				h.ev.OnClosed(err)
			}
			return
		}
		h.dispatch(data)
	}
}

func (h *roomHandle) dispatch(data []byte) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		h.log.Error().Err(err).Str("module", "signal").Msg("bad frame json")
		return
	}

	switch head.Type {
	case protocol.FrameRoomState:
		var f protocol.RoomStateFrame
		if err := json.Unmarshal(data, &f); err != nil {
			h.log.Error().Err(err).Str("module", "signal").Msg("bad room_state frame")
			return
		}
		if h.ev.OnPresenceSync != nil {
			h.ev.OnPresenceSync(f.Participants)
		}
	case protocol.FramePresenceJoin:
		var f protocol.PresenceJoinFrame
		if err := json.Unmarshal(data, &f); err != nil {
			h.log.Error().Err(err).Str("module", "signal").Msg("bad presence_join frame")
			return
		}
		if h.ev.OnPresenceJoin != nil {
			h.ev.OnPresenceJoin(f.Participant)
		}
	case protocol.FramePresenceLeave:
		var f protocol.PresenceLeaveFrame
		if err := json.Unmarshal(data, &f); err != nil {
			h.log.Error().Err(err).Str("module", "signal").Msg("bad presence_leave frame")
			return
		}
		if h.ev.OnPresenceLeave != nil {
			h.ev.OnPresenceLeave(f.UserID)
		}
	case protocol.FrameSignal:
		var f protocol.SignalFrame
		if err := json.Unmarshal(data, &f); err != nil {
			h.log.Error().Err(err).Str("module", "signal").Msg("bad signal frame")
			return
		}
		if h.ev.OnEnvelope != nil {
			h.ev.OnEnvelope(f.Envelope)
		}
	case protocol.FramePong:
	case protocol.FrameError:
		var f protocol.ErrorFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return
		}
		h.log.Warn().Str("module", "signal").Str("error", f.Error).Msg("hub rejected frame")
	default:
		h.log.Warn().Str("module", "signal").Str("type", head.Type).Msg("unknown frame")
	}
}
