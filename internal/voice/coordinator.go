// Package voice is the room membership coordinator: the single authority for
// which room this client is in, who else is in it, and whether every other
// participant has a live peer link.
package voice

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/parleyhq/parley/internal/core"
	"github.com/parleyhq/parley/internal/domain"
	"github.com/parleyhq/parley/internal/protocol"
	"github.com/parleyhq/parley/internal/rtc"
	"github.com/parleyhq/parley/internal/vad"
)

// Config wires the coordinator to its collaborators. Transport, Identity and
// OpenMedia are required; ConnFactory defaults to pion with the given ICE
// servers; Sink is optional.
type Config struct {
	Transport   core.Transport
	Identity    core.Identity
	OpenMedia   core.MediaOpener
	ConnFactory rtc.ConnFactory
	Sink        core.TrackSink
	ICEServers  []string
	VAD         vad.Config
	Log         zerolog.Logger
}

// RoomState is the caller-visible view of the active session.
type RoomState struct {
	RoomID      domain.RoomID
	LocalUserID domain.UserID
	Connected   bool
	Recording   bool
}

// session is the per-room state, created by Join and destroyed by Leave.
// It is never global: every component receives it through the coordinator.
type session struct {
	gen      uint64
	roomID   domain.RoomID
	self     domain.User
	joinedAt time.Time

	muted    bool
	speaking bool

	handle core.RoomHandle
	media  core.MediaSource
	peers  *rtc.Manager
	pub    *publisher
	det    *vad.Detector
	stop   context.CancelFunc

	participants map[domain.UserID]*domain.Participant
	negotiating  map[domain.UserID]struct{}
}

// Coordinator owns at most one active room session. All inbound operations
// (transport events, link callbacks, VAD transitions, Join/Leave) serialize
// on one mutex; asynchronous continuations carry a generation stamp and are
// dropped when they outlive the session that started them.
type Coordinator struct {
	cfg Config

	mu  sync.Mutex
	st  *session
	gen uint64

	events chan Event
}

func NewCoordinator(cfg Config) *Coordinator {
	if cfg.VAD == (vad.Config{}) {
		cfg.VAD = vad.DefaultConfig()
	}
	if cfg.ConnFactory == nil {
		cfg.ConnFactory = rtc.NewPionFactory(cfg.ICEServers)
	}
	return &Coordinator{
		cfg:    cfg,
		events: make(chan Event, 16),
	}
}

// Events delivers roster updates and room-level failures. The channel is
// buffered; a slow consumer loses intermediate roster snapshots, but a
// ConnectionLost always reaches it.
func (c *Coordinator) Events() <-chan Event { return c.events }

// Join acquires the microphone, subscribes to the room's signaling channel
// and publishes local presence. Peer links are established as the snapshot
// and join events arrive.
func (c *Coordinator) Join(ctx context.Context, roomID domain.RoomID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.st != nil {
		return fmt.Errorf("%w: %s", ErrAlreadyInRoom, c.st.roomID)
	}

	user, ok := c.cfg.Identity.CurrentUser()
	if !ok {
		return ErrNoIdentity
	}

	media, err := c.cfg.OpenMedia()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}

	c.gen++
	gen := c.gen

	st := &session{
		gen:          gen,
		roomID:       roomID,
		self:         *user,
		joinedAt:     time.Now(),
		media:        media,
		participants: make(map[domain.UserID]*domain.Participant),
		negotiating:  make(map[domain.UserID]struct{}),
	}
	st.peers = rtc.NewManager(c.cfg.ConnFactory, rtc.Callbacks{
		Candidate:   func(remote domain.UserID, cand protocol.CandidatePayload) { c.onLocalCandidate(gen, remote, cand) },
		StateChange: func(remote domain.UserID, s rtc.LinkState) { c.onLinkState(gen, remote, s) },
		RemoteTrack: c.onRemoteTrack,
	}, c.cfg.Log)

	handle, err := c.cfg.Transport.Subscribe(ctx, roomID, core.RoomEvents{
		OnPresenceSync:  func(states []protocol.PresenceState) { c.onPresenceSync(gen, states) },
		OnPresenceJoin:  func(state protocol.PresenceState) { c.onPresenceJoin(gen, state) },
		OnPresenceLeave: func(userID domain.UserID) { c.onPresenceLeave(gen, userID) },
		OnEnvelope:      func(env protocol.Envelope) { c.onEnvelope(gen, env) },
		OnClosed:        func(err error) { c.onTransportClosed(gen, err) },
	})
	if err != nil {
		_ = media.Close()
		return fmt.Errorf("subscribe %s: %w", roomID, err)
	}

	st.handle = handle
	st.pub = &publisher{handle: handle, log: c.cfg.Log}
	st.det = vad.New(c.cfg.VAD, func(speaking bool) { c.onSpeaking(gen, speaking) })

	vctx, cancel := context.WithCancel(context.Background())
	st.stop = cancel
	go vad.Run(vctx, st.det, media.Frames())

	self := protocol.PresenceState{
		UserID:      st.self.ID,
		DisplayName: st.self.DisplayName,
		JoinedAt:    st.joinedAt,
	}
	st.participants[st.self.ID] = &domain.Participant{
		UserID:      st.self.ID,
		DisplayName: st.self.DisplayName,
		JoinedAt:    st.joinedAt,
	}

	c.st = st
	st.pub.publish(self)
	c.emitRoster()

	c.cfg.Log.Info().Str("module", "voice").Str("room", string(roomID)).Str("user", string(st.self.ID)).Msg("joined room")
	return nil
}

// Leave tears the session down: every peer link, the media stream, and the
// transport subscription, in that order, continuing past individual
// failures. Calling Leave when not joined is a no-op.
func (c *Coordinator) Leave() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.st == nil {
		return
	}
	c.teardownLocked()
}

// SetMuted flips the local mute state and re-publishes presence. Muting
// forces not-speaking without waiting for the detector's release dwell.
func (c *Coordinator) SetMuted(muted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.st
	if st == nil {
		return
	}
	st.muted = muted
	st.media.SetMuted(muted)
	if st.det.SetMuted(muted) {
		st.speaking = false
	}
	if p := st.participants[st.self.ID]; p != nil {
		p.Muted = muted
		p.Speaking = st.speaking
	}
	st.pub.publish(c.presenceLocked())
	c.emitRoster()
}

// State reports the active session, if any.
func (c *Coordinator) State() RoomState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.st == nil {
		return RoomState{}
	}
	return RoomState{
		RoomID:      c.st.roomID,
		LocalUserID: c.st.self.ID,
		Connected:   true,
		Recording:   len(c.st.media.Tracks()) > 0 && !c.st.muted,
	}
}

// Participants returns the reconciled local view, sorted by user id.
func (c *Coordinator) Participants() []domain.Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.st == nil {
		return nil
	}
	return c.rosterLocked()
}

// Links returns per-peer connection diagnostics.
func (c *Coordinator) Links() []rtc.LinkInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.st == nil {
		return nil
	}
	return c.st.peers.Links()
}

// --- inbound events ---------------------------------------------------------

func (c *Coordinator) onPresenceSync(gen uint64, states []protocol.PresenceState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stale(gen) {
		return
	}
	st := c.st

	// Deterministic processing order avoids dual-initiation between members
	// that observe each other in the same snapshot.
	sort.Slice(states, func(i, j int) bool { return states[i].UserID < states[j].UserID })

	// Snapshot and join events may race; merge as a union.
	for _, s := range states {
		if s.UserID == st.self.ID {
			continue
		}
		c.upsertLocked(s)
		c.ensureLinkLocked(gen, s.UserID)
	}
	c.emitRoster()
}

func (c *Coordinator) onPresenceJoin(gen uint64, state protocol.PresenceState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stale(gen) {
		return
	}
	if state.UserID == c.st.self.ID {
		return
	}
	c.upsertLocked(state)
	c.ensureLinkLocked(gen, state.UserID)
	c.emitRoster()
}

func (c *Coordinator) onPresenceLeave(gen uint64, userID domain.UserID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stale(gen) {
		return
	}
	delete(c.st.participants, userID)
	if err := c.st.peers.CloseLink(userID); err != nil {
		c.cfg.Log.Warn().Err(err).Str("module", "voice").Str("peer", string(userID)).Msg("close link on leave")
	}
	if c.cfg.Sink != nil {
		c.cfg.Sink.Detach(userID)
	}
	c.emitRoster()
}

func (c *Coordinator) onEnvelope(gen uint64, env protocol.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stale(gen) {
		return
	}
	st := c.st

	// The transport broadcasts to every subscriber; envelopes for another
	// member are not ours to act on.
	if env.To != st.self.ID {
		c.cfg.Log.Debug().Str("module", "voice").Str("to", string(env.To)).Msg("discarding misaddressed envelope")
		return
	}

	switch env.Type {
	case protocol.EnvelopeOffer:
		var p protocol.SDPPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.cfg.Log.Warn().Err(err).Str("module", "voice").Str("peer", string(env.From)).Msg("bad offer payload")
			return
		}
		// Signaling is authoritative over presence: an offer may arrive
		// before the join notification, so the link is created on demand.
		answer, err := st.peers.HandleOffer(env.From, p.SDP, st.media.Tracks())
		if err != nil {
			c.cfg.Log.Warn().Err(err).Str("module", "voice").Str("peer", string(env.From)).Msg("offer rejected")
			return
		}
		c.sendLocked(protocol.Envelope{
			Type:    protocol.EnvelopeAnswer,
			From:    st.self.ID,
			To:      env.From,
			Payload: protocol.MarshalSDP(answer),
		})

	case protocol.EnvelopeAnswer:
		var p protocol.SDPPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.cfg.Log.Warn().Err(err).Str("module", "voice").Str("peer", string(env.From)).Msg("bad answer payload")
			return
		}
		if err := st.peers.HandleAnswer(env.From, p.SDP); err != nil {
			c.cfg.Log.Warn().Err(err).Str("module", "voice").Str("peer", string(env.From)).Msg("answer rejected")
		}

	case protocol.EnvelopeCandidate:
		var p protocol.CandidatePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.cfg.Log.Warn().Err(err).Str("module", "voice").Str("peer", string(env.From)).Msg("bad candidate payload")
			return
		}
		if err := st.peers.HandleRemoteCandidate(env.From, p); err != nil {
			c.cfg.Log.Debug().Err(err).Str("module", "voice").Str("peer", string(env.From)).Msg("stray candidate")
		}

	default:
		c.cfg.Log.Warn().Str("module", "voice").Str("type", string(env.Type)).Msg("unknown envelope type")
	}
}

func (c *Coordinator) onTransportClosed(gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stale(gen) {
		return
	}
	c.cfg.Log.Error().Err(err).Str("module", "voice").Str("room", string(c.st.roomID)).Msg("signaling transport lost")
	c.teardownLocked()
	c.emit(ConnectionLost{Err: err})
}

func (c *Coordinator) onSpeaking(gen uint64, speaking bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stale(gen) {
		return
	}
	st := c.st
	st.speaking = speaking
	if p := st.participants[st.self.ID]; p != nil {
		p.Speaking = speaking
	}
	st.pub.publish(c.presenceLocked())
	c.emitRoster()
}

func (c *Coordinator) onLocalCandidate(gen uint64, remote domain.UserID, cand protocol.CandidatePayload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stale(gen) {
		return
	}
	c.sendLocked(protocol.Envelope{
		Type:    protocol.EnvelopeCandidate,
		From:    c.st.self.ID,
		To:      remote,
		Payload: protocol.MarshalCandidate(cand),
	})
}

func (c *Coordinator) onLinkState(gen uint64, remote domain.UserID, s rtc.LinkState) {
	c.cfg.Log.Info().Str("module", "voice").Str("peer", string(remote)).Str("state", s.String()).Msg("link state")
	if s != rtc.StateClosed && s != rtc.StateFailed {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stale(gen) {
		return
	}
	if c.cfg.Sink != nil {
		c.cfg.Sink.Detach(remote)
	}
}

func (c *Coordinator) onRemoteTrack(remote domain.UserID, track *webrtc.TrackRemote) {
	if c.cfg.Sink != nil {
		c.cfg.Sink.Attach(remote, track)
	}
}

// --- internals --------------------------------------------------------------

func (c *Coordinator) stale(gen uint64) bool {
	return c.st == nil || c.st.gen != gen
}

func (c *Coordinator) upsertLocked(s protocol.PresenceState) {
	if p, ok := c.st.participants[s.UserID]; ok {
		p.DisplayName = s.DisplayName
		p.Muted = s.Muted
		p.Speaking = s.Speaking
		if !s.JoinedAt.IsZero() {
			p.JoinedAt = s.JoinedAt
		}
		return
	}
	participant := s.Participant()
	c.st.participants[s.UserID] = &participant
}

// ensureLinkLocked starts negotiation toward remote when this side is the
// designated initiator and no link exists yet. The initiator is the side
// with the lexicographically smaller user id; the other side waits for the
// offer, which avoids dual initiation without a central broker.
func (c *Coordinator) ensureLinkLocked(gen uint64, remote domain.UserID) {
	st := c.st
	if st.self.ID >= remote || st.peers.Has(remote) {
		return
	}
	// The link only enters the manager once negotiate gets going, so the
	// in-flight set is what stops a snapshot and a join notification for the
	// same peer from each starting an exchange.
	if _, inflight := st.negotiating[remote]; inflight {
		return
	}
	st.negotiating[remote] = struct{}{}
	go c.negotiate(gen, remote)
}

// negotiate runs the offer exchange for one peer off the event path, so a
// slow negotiation never delays signaling for other peers. Every resumption
// re-checks the session generation: a Leave or room switch in between makes
// the continuation a no-op.
func (c *Coordinator) negotiate(gen uint64, remote domain.UserID) {
	defer func() {
		c.mu.Lock()
		if !c.stale(gen) {
			delete(c.st.negotiating, remote)
		}
		c.mu.Unlock()
	}()

	c.mu.Lock()
	if c.stale(gen) {
		c.mu.Unlock()
		return
	}
	st := c.st
	peers := st.peers
	tracks := st.media.Tracks()
	self := st.self.ID
	c.mu.Unlock()

	if peers.Has(remote) {
		return
	}
	if _, err := peers.CreateLink(remote, tracks); err != nil {
		c.cfg.Log.Warn().Err(err).Str("module", "voice").Str("peer", string(remote)).Msg("create link")
		return
	}
	offer, err := peers.Offer(remote)
	if err != nil {
		c.cfg.Log.Warn().Err(err).Str("module", "voice").Str("peer", string(remote)).Msg("create offer")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stale(gen) {
		// The session ended while the offer was being prepared; the link
		// must not outlive it.
		_ = peers.CloseLink(remote)
		return
	}
	c.sendLocked(protocol.Envelope{
		Type:    protocol.EnvelopeOffer,
		From:    self,
		To:      remote,
		Payload: protocol.MarshalSDP(offer),
	})
}

func (c *Coordinator) sendLocked(env protocol.Envelope) {
	if err := c.st.handle.Send(env); err != nil {
		c.cfg.Log.Warn().Err(err).Str("module", "voice").Str("type", string(env.Type)).Str("to", string(env.To)).Msg("send envelope")
	}
}

func (c *Coordinator) presenceLocked() protocol.PresenceState {
	st := c.st
	return protocol.PresenceState{
		UserID:      st.self.ID,
		DisplayName: st.self.DisplayName,
		Muted:       st.muted,
		Speaking:    st.speaking,
		JoinedAt:    st.joinedAt,
	}
}

func (c *Coordinator) rosterLocked() []domain.Participant {
	out := make([]domain.Participant, 0, len(c.st.participants))
	for _, p := range c.st.participants {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (c *Coordinator) emitRoster() {
	c.emit(Roster{Participants: c.rosterLocked()})
}

// emit never blocks the event path. Intermediate roster snapshots are
// droppable; a room-level failure is not, so a full buffer gives up its
// oldest event to make room for it.
func (c *Coordinator) emit(e Event) {
	select {
	case c.events <- e:
		return
	default:
	}
	if _, fatal := e.(ConnectionLost); !fatal {
		c.cfg.Log.Debug().Str("module", "voice").Msg("roster event dropped, slow consumer")
		return
	}
	select {
	case <-c.events:
	default:
	}
	select {
	case c.events <- e:
	default:
	}
}

// teardownLocked releases every session resource, best-effort: individual
// failures are collected and logged, never allowed to abort the rest.
func (c *Coordinator) teardownLocked() {
	st := c.st
	c.st = nil
	c.gen++

	st.stop()

	var errs []error
	errs = append(errs, st.peers.CloseAll()...)
	if err := st.media.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close media: %w", err))
	}
	if err := st.handle.Untrack(); err != nil {
		errs = append(errs, fmt.Errorf("untrack presence: %w", err))
	}
	if err := st.handle.Unsubscribe(); err != nil {
		errs = append(errs, fmt.Errorf("unsubscribe: %w", err))
	}
	if c.cfg.Sink != nil {
		for id := range st.participants {
			if id != st.self.ID {
				c.cfg.Sink.Detach(id)
			}
		}
	}

	if len(errs) > 0 {
		c.cfg.Log.Warn().Errs("errors", errs).Str("module", "voice").Str("room", string(st.roomID)).Msg("partial teardown failure")
	}
	c.cfg.Log.Info().Str("module", "voice").Str("room", string(st.roomID)).Msg("left room")
}
