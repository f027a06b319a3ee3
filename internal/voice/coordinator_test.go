package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/parleyhq/parley/internal/core"
	"github.com/parleyhq/parley/internal/domain"
	"github.com/parleyhq/parley/internal/protocol"
	"github.com/parleyhq/parley/internal/rtc"
)

type fakeHandle struct {
	mu           sync.Mutex
	sent         []protocol.Envelope
	tracked      []protocol.PresenceState
	untracked    bool
	unsubscribed bool
}

func (h *fakeHandle) Send(env protocol.Envelope) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, env)
	return nil
}

func (h *fakeHandle) Track(state protocol.PresenceState) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tracked = append(h.tracked, state)
	return nil
}

func (h *fakeHandle) Untrack() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.untracked = true
	return nil
}

func (h *fakeHandle) Unsubscribe() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribed = true
	return nil
}

func (h *fakeHandle) sentOfType(t protocol.EnvelopeType) []protocol.Envelope {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []protocol.Envelope
	for _, env := range h.sent {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

type fakeTransport struct {
	mu     sync.Mutex
	handle *fakeHandle
	ev     core.RoomEvents
	err    error
}

func (t *fakeTransport) Subscribe(_ context.Context, _ domain.RoomID, ev core.RoomEvents) (core.RoomHandle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return nil, t.err
	}
	t.ev = ev
	t.handle = &fakeHandle{}
	return t.handle, nil
}

func (t *fakeTransport) events() core.RoomEvents {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ev
}

type fakeMedia struct {
	mu       sync.Mutex
	frames   chan []int16
	muted    bool
	closed   bool
	closeErr error
}

func newFakeMedia() *fakeMedia {
	return &fakeMedia{frames: make(chan []int16)}
}

func (m *fakeMedia) Tracks() []webrtc.TrackLocal { return nil }
func (m *fakeMedia) Frames() <-chan []int16      { return m.frames }

func (m *fakeMedia) SetMuted(muted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.muted = muted
}

func (m *fakeMedia) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.frames)
	}
	return m.closeErr
}

func (m *fakeMedia) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

type fakeIdentity struct{ user *domain.User }

func (f *fakeIdentity) CurrentUser() (*domain.User, bool) {
	if f.user == nil {
		return nil, false
	}
	return f.user, true
}

type stubConn struct {
	mu       sync.Mutex
	closed   bool
	closeErr error
}

func (s *stubConn) AddTrack(webrtc.TrackLocal) error { return nil }
func (s *stubConn) CreateOffer() (string, error)     { return "offer-sdp", nil }
func (s *stubConn) ApplyOffer(string) (string, error) {
	return "answer-sdp", nil
}
func (s *stubConn) ApplyAnswer(string) error                           { return nil }
func (s *stubConn) AddRemoteCandidate(protocol.CandidatePayload) error { return nil }
func (s *stubConn) OnCandidate(func(protocol.CandidatePayload))        {}
func (s *stubConn) OnStateChange(func(rtc.LinkState))                  {}
func (s *stubConn) OnRemoteTrack(func(*webrtc.TrackRemote))            {}

func (s *stubConn) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return s.closeErr
}

type env struct {
	coord     *Coordinator
	transport *fakeTransport
	media     *fakeMedia
}

func newTestEnv(t *testing.T, selfID domain.UserID) *env {
	t.Helper()
	transport := &fakeTransport{}
	media := newFakeMedia()
	coord := NewCoordinator(Config{
		Transport: transport,
		Identity:  &fakeIdentity{user: &domain.User{ID: selfID, DisplayName: "self"}},
		OpenMedia: func() (core.MediaSource, error) { return media, nil },
		ConnFactory: func() (rtc.Conn, error) {
			return &stubConn{}, nil
		},
		Log: zerolog.Nop(),
	})
	return &env{coord: coord, transport: transport, media: media}
}

func (e *env) join(t *testing.T) {
	t.Helper()
	if err := e.coord.Join(context.Background(), "room-1"); err != nil {
		t.Fatalf("join: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func presence(id domain.UserID) protocol.PresenceState {
	return protocol.PresenceState{UserID: id, DisplayName: string(id), JoinedAt: time.Now()}
}

func TestJoinPublishesPresence(t *testing.T) {
	e := newTestEnv(t, "alice")
	e.join(t)

	h := e.transport.handle
	h.mu.Lock()
	tracked := len(h.tracked)
	h.mu.Unlock()
	if tracked != 1 {
		t.Fatalf("expected 1 presence publication, got %d", tracked)
	}

	st := e.coord.State()
	if !st.Connected || st.RoomID != "room-1" || st.LocalUserID != "alice" {
		t.Fatalf("unexpected state: %+v", st)
	}
	roster := e.coord.Participants()
	if len(roster) != 1 || roster[0].UserID != "alice" {
		t.Fatalf("unexpected roster: %+v", roster)
	}
}

func TestJoinWhileJoined(t *testing.T) {
	e := newTestEnv(t, "alice")
	e.join(t)
	if err := e.coord.Join(context.Background(), "room-2"); !errors.Is(err, ErrAlreadyInRoom) {
		t.Fatalf("expected ErrAlreadyInRoom, got %v", err)
	}
}

func TestJoinWithoutIdentity(t *testing.T) {
	e := newTestEnv(t, "alice")
	e.coord.cfg.Identity = &fakeIdentity{}
	if err := e.coord.Join(context.Background(), "room-1"); !errors.Is(err, ErrNoIdentity) {
		t.Fatalf("expected ErrNoIdentity, got %v", err)
	}
}

func TestJoinMediaFailure(t *testing.T) {
	e := newTestEnv(t, "alice")
	e.coord.cfg.OpenMedia = func() (core.MediaSource, error) {
		return nil, errors.New("device busy")
	}
	if err := e.coord.Join(context.Background(), "room-1"); !errors.Is(err, ErrMediaUnavailable) {
		t.Fatalf("expected ErrMediaUnavailable, got %v", err)
	}
	if e.coord.State().Connected {
		t.Fatal("failed join must not leave a session behind")
	}
}

func TestSubscribeFailureReleasesMedia(t *testing.T) {
	e := newTestEnv(t, "alice")
	e.transport.err = errors.New("channel error")
	if err := e.coord.Join(context.Background(), "room-1"); err == nil {
		t.Fatal("expected join to fail")
	}
	if !e.media.isClosed() {
		t.Fatal("media must be released when subscribe fails")
	}
}

func TestSmallerIDInitiates(t *testing.T) {
	e := newTestEnv(t, "alice")
	e.join(t)

	e.transport.events().OnPresenceJoin(presence("bob"))

	h := e.transport.handle
	waitFor(t, func() bool { return len(h.sentOfType(protocol.EnvelopeOffer)) == 1 },
		"alice must send one offer toward bob")
	offers := h.sentOfType(protocol.EnvelopeOffer)
	if offers[0].To != "bob" || offers[0].From != "alice" {
		t.Fatalf("misaddressed offer: %+v", offers[0])
	}
}

func TestLargerIDWaitsForOffer(t *testing.T) {
	e := newTestEnv(t, "bob")
	e.join(t)

	e.transport.events().OnPresenceJoin(presence("alice"))

	// Negotiation runs off the event path; give a stray goroutine time to
	// misbehave before asserting silence.
	time.Sleep(50 * time.Millisecond)
	if got := e.transport.handle.sentOfType(protocol.EnvelopeOffer); len(got) != 0 {
		t.Fatalf("bob must not initiate toward alice, sent %+v", got)
	}

	roster := e.coord.Participants()
	if len(roster) != 2 {
		t.Fatalf("alice must still be in the roster: %+v", roster)
	}
}

func TestOfferBeforePresenceJoin(t *testing.T) {
	e := newTestEnv(t, "bob")
	e.join(t)

	e.transport.events().OnEnvelope(protocol.Envelope{
		Type:    protocol.EnvelopeOffer,
		From:    "alice",
		To:      "bob",
		Payload: protocol.MarshalSDP("offer-sdp"),
	})

	answers := e.transport.handle.sentOfType(protocol.EnvelopeAnswer)
	if len(answers) != 1 || answers[0].To != "alice" {
		t.Fatalf("expected one answer to alice, got %+v", answers)
	}
	var p protocol.SDPPayload
	if err := json.Unmarshal(answers[0].Payload, &p); err != nil || p.SDP != "answer-sdp" {
		t.Fatalf("unexpected answer payload: %s (%v)", answers[0].Payload, err)
	}
	if got := e.coord.Links(); len(got) != 1 || got[0].Remote != "alice" {
		t.Fatalf("expected a link to alice, got %+v", got)
	}
}

func TestMisaddressedEnvelopeDiscarded(t *testing.T) {
	e := newTestEnv(t, "bob")
	e.join(t)

	e.transport.events().OnEnvelope(protocol.Envelope{
		Type:    protocol.EnvelopeOffer,
		From:    "alice",
		To:      "carol",
		Payload: protocol.MarshalSDP("offer-sdp"),
	})

	if got := e.transport.handle.sentOfType(protocol.EnvelopeAnswer); len(got) != 0 {
		t.Fatalf("must not answer an envelope addressed to another member: %+v", got)
	}
	if got := e.coord.Links(); len(got) != 0 {
		t.Fatalf("must not create a link for a misaddressed offer: %+v", got)
	}
}

func TestSyncAndJoinMerge(t *testing.T) {
	e := newTestEnv(t, "zed")
	e.join(t)

	ev := e.transport.events()
	ev.OnPresenceSync([]protocol.PresenceState{presence("bob")})
	updated := presence("bob")
	updated.DisplayName = "bob-renamed"
	updated.Muted = true
	ev.OnPresenceJoin(updated)

	roster := e.coord.Participants()
	if len(roster) != 2 {
		t.Fatalf("expected self plus bob, got %+v", roster)
	}
	if roster[0].UserID != "bob" || roster[0].DisplayName != "bob-renamed" || !roster[0].Muted {
		t.Fatalf("join must upsert over the snapshot entry: %+v", roster[0])
	}
}

func TestPresenceLeaveDropsParticipant(t *testing.T) {
	e := newTestEnv(t, "alice")
	e.join(t)

	ev := e.transport.events()
	ev.OnPresenceJoin(presence("bob"))
	waitFor(t, func() bool { return len(e.coord.Links()) == 1 }, "link to bob must come up")

	ev.OnPresenceLeave("bob")
	if got := e.coord.Links(); len(got) != 0 {
		t.Fatalf("bob's link must be closed on leave, got %+v", got)
	}
	roster := e.coord.Participants()
	if len(roster) != 1 || roster[0].UserID != "alice" {
		t.Fatalf("bob must be dropped from the roster: %+v", roster)
	}
}

func TestSetMutedRepublishesPresence(t *testing.T) {
	e := newTestEnv(t, "alice")
	e.join(t)

	e.coord.SetMuted(true)

	h := e.transport.handle
	h.mu.Lock()
	last := h.tracked[len(h.tracked)-1]
	h.mu.Unlock()
	if !last.Muted || last.Speaking {
		t.Fatalf("published state must be muted and not speaking: %+v", last)
	}
	e.media.mu.Lock()
	muted := e.media.muted
	e.media.mu.Unlock()
	if !muted {
		t.Fatal("media source must be muted")
	}
	if e.coord.State().Recording {
		t.Fatal("muted session must not report recording")
	}
}

func TestLeaveReleasesEverything(t *testing.T) {
	e := newTestEnv(t, "alice")
	e.join(t)
	e.transport.events().OnPresenceJoin(presence("bob"))
	waitFor(t, func() bool { return len(e.coord.Links()) == 1 }, "link to bob must come up")

	e.coord.Leave()

	h := e.transport.handle
	h.mu.Lock()
	untracked, unsubscribed := h.untracked, h.unsubscribed
	h.mu.Unlock()
	if !untracked || !unsubscribed {
		t.Fatal("leave must untrack presence and unsubscribe")
	}
	if !e.media.isClosed() {
		t.Fatal("leave must close the media source")
	}
	if e.coord.State().Connected {
		t.Fatal("state must report not connected after leave")
	}

	// Idempotent.
	e.coord.Leave()
}

func TestLeaveCancelsInflightNegotiation(t *testing.T) {
	e := newTestEnv(t, "alice")
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	e.coord.cfg.ConnFactory = func() (rtc.Conn, error) {
		once.Do(func() { close(started) })
		<-release
		return &stubConn{}, nil
	}
	e.join(t)

	e.transport.events().OnPresenceJoin(presence("bob"))
	<-started
	e.coord.Leave()
	close(release)

	// The stale continuation must drop its work instead of signaling.
	time.Sleep(50 * time.Millisecond)
	if got := e.transport.handle.sentOfType(protocol.EnvelopeOffer); len(got) != 0 {
		t.Fatalf("offer must not be sent after leave, got %+v", got)
	}
}

func TestSyncThenJoinSendsOneOffer(t *testing.T) {
	e := newTestEnv(t, "alice")
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	e.coord.cfg.ConnFactory = func() (rtc.Conn, error) {
		once.Do(func() { close(started) })
		<-release
		return &stubConn{}, nil
	}
	e.join(t)

	// Snapshot and join notification for the same peer, with the first
	// exchange still stalled in the factory when the second event lands.
	ev := e.transport.events()
	ev.OnPresenceSync([]protocol.PresenceState{presence("bob")})
	<-started
	ev.OnPresenceJoin(presence("bob"))
	close(release)

	waitFor(t, func() bool {
		return len(e.transport.handle.sentOfType(protocol.EnvelopeOffer)) >= 1
	}, "offer toward bob must go out")
	time.Sleep(50 * time.Millisecond)
	if got := e.transport.handle.sentOfType(protocol.EnvelopeOffer); len(got) != 1 {
		t.Fatalf("want exactly one offer toward bob, got %d", len(got))
	}
	if got := e.coord.Links(); len(got) != 1 {
		t.Fatalf("want one link toward bob, got %+v", got)
	}
}

func TestConnectionLostReachesSlowConsumer(t *testing.T) {
	e := newTestEnv(t, "zed")
	e.join(t)

	// No consumer drains events; the roster updates alone overflow the
	// buffer before the transport drops.
	ev := e.transport.events()
	for i := 0; i < 20; i++ {
		ev.OnPresenceJoin(presence(domain.UserID(fmt.Sprintf("p%02d", i))))
	}
	ev.OnClosed(errors.New("socket reset"))

	sawLost := false
drain:
	for {
		select {
		case got := <-e.coord.Events():
			if _, ok := got.(ConnectionLost); ok {
				sawLost = true
			}
		default:
			break drain
		}
	}
	if !sawLost {
		t.Fatal("room loss must reach a consumer that lagged behind roster updates")
	}
}

func TestLeaveContinuesPastCloseFailures(t *testing.T) {
	e := newTestEnv(t, "alice")
	e.media.closeErr = errors.New("device wedged")
	e.coord.cfg.ConnFactory = func() (rtc.Conn, error) {
		return &stubConn{closeErr: errors.New("pc stuck")}, nil
	}
	e.join(t)
	ev := e.transport.events()
	ev.OnPresenceJoin(presence("bob"))
	ev.OnPresenceJoin(presence("carol"))
	waitFor(t, func() bool { return len(e.coord.Links()) == 2 }, "links to bob and carol must come up")

	e.coord.Leave()

	h := e.transport.handle
	h.mu.Lock()
	untracked, unsubscribed := h.untracked, h.unsubscribed
	h.mu.Unlock()
	if !untracked || !unsubscribed {
		t.Fatal("failing link and media closes must not stop the rest of the teardown")
	}
	if !e.media.isClosed() {
		t.Fatal("media must still be released")
	}
	if got := e.coord.Links(); len(got) != 0 {
		t.Fatalf("links must be gone after leave, got %+v", got)
	}
	if e.coord.State().Connected {
		t.Fatal("state must report not connected after leave")
	}
}

func TestTransportLossEmitsConnectionLost(t *testing.T) {
	e := newTestEnv(t, "alice")
	e.join(t)

	cause := errors.New("socket reset")
	e.transport.events().OnClosed(cause)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-e.coord.Events():
			if lost, ok := ev.(ConnectionLost); ok {
				if !errors.Is(lost.Err, cause) {
					t.Fatalf("unexpected cause: %v", lost.Err)
				}
				if e.coord.State().Connected {
					t.Fatal("session must be torn down after transport loss")
				}
				return
			}
		case <-deadline:
			t.Fatal("expected a ConnectionLost event")
		}
	}
}

func TestStaleEventsIgnoredAfterLeave(t *testing.T) {
	e := newTestEnv(t, "alice")
	e.join(t)
	ev := e.transport.events()
	e.coord.Leave()

	// Handlers captured before the leave must all be inert now.
	ev.OnPresenceJoin(presence("bob"))
	ev.OnPresenceLeave("bob")
	ev.OnEnvelope(protocol.Envelope{
		Type:    protocol.EnvelopeOffer,
		From:    "bob",
		To:      "alice",
		Payload: protocol.MarshalSDP("offer-sdp"),
	})
	ev.OnClosed(errors.New("late close"))

	if got := e.coord.Participants(); got != nil {
		t.Fatalf("no roster after leave, got %+v", got)
	}
	if got := e.transport.handle.sentOfType(protocol.EnvelopeAnswer); len(got) != 0 {
		t.Fatalf("stale offer must not be answered, got %+v", got)
	}
}
