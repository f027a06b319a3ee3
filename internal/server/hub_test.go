package server

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/parleyhq/parley/internal/domain"
	"github.com/parleyhq/parley/internal/protocol"
)

type fakeSender struct {
	mu     sync.Mutex
	frames [][]byte
}

func (f *fakeSender) TrySend(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, data)
	return nil
}

func (f *fakeSender) typed(t *testing.T, frameType string) [][]byte {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]byte
	for _, data := range f.frames {
		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &head); err != nil {
			t.Fatalf("bad frame: %s", data)
		}
		if head.Type == frameType {
			out = append(out, data)
		}
	}
	return out
}

func state(id domain.UserID) protocol.PresenceState {
	return protocol.PresenceState{UserID: id, DisplayName: string(id)}
}

func TestJoinSnapshotOnlyTrackedMembers(t *testing.T) {
	h := NewHub()
	a, b, c := &fakeSender{}, &fakeSender{}, &fakeSender{}

	h.Join(a, "room-1")
	if !h.Track(a, state("alice")) {
		t.Fatal("track must succeed after join")
	}
	h.Join(b, "room-1") // joined but never tracked

	snap := h.Join(c, "room-1")
	if snap.Room != "room-1" {
		t.Fatalf("wrong room in snapshot: %s", snap.Room)
	}
	if len(snap.Participants) != 1 || snap.Participants[0].UserID != "alice" {
		t.Fatalf("snapshot must hold only tracked members, got %+v", snap.Participants)
	}
}

func TestTrackBroadcastsToOthers(t *testing.T) {
	h := NewHub()
	a, b := &fakeSender{}, &fakeSender{}
	h.Join(a, "room-1")
	h.Join(b, "room-1")

	h.Track(a, state("alice"))

	if got := b.typed(t, protocol.FramePresenceJoin); len(got) != 1 {
		t.Fatalf("b must see alice's presence, got %d frames", len(got))
	}
	if got := a.typed(t, protocol.FramePresenceJoin); len(got) != 0 {
		t.Fatal("the tracking member must not hear its own announcement")
	}

	// A re-track is an upsert, announced again.
	s := state("alice")
	s.Muted = true
	h.Track(a, s)
	frames := b.typed(t, protocol.FramePresenceJoin)
	if len(frames) != 2 {
		t.Fatalf("re-track must be re-announced, got %d frames", len(frames))
	}
	var f protocol.PresenceJoinFrame
	if err := json.Unmarshal(frames[1], &f); err != nil {
		t.Fatal(err)
	}
	if !f.Participant.Muted {
		t.Fatal("re-track must carry the updated state")
	}
}

func TestUntrackAnnouncesLeave(t *testing.T) {
	h := NewHub()
	a, b := &fakeSender{}, &fakeSender{}
	h.Join(a, "room-1")
	h.Join(b, "room-1")
	h.Track(a, state("alice"))

	h.Untrack(a)
	frames := b.typed(t, protocol.FramePresenceLeave)
	if len(frames) != 1 {
		t.Fatalf("expected one presence_leave, got %d", len(frames))
	}
	var f protocol.PresenceLeaveFrame
	if err := json.Unmarshal(frames[0], &f); err != nil {
		t.Fatal(err)
	}
	if f.UserID != "alice" {
		t.Fatalf("wrong user in leave frame: %s", f.UserID)
	}

	// Untracking twice stays silent.
	h.Untrack(a)
	if got := b.typed(t, protocol.FramePresenceLeave); len(got) != 1 {
		t.Fatal("a second untrack must not re-announce")
	}
}

func TestRelayReachesOthersOnly(t *testing.T) {
	h := NewHub()
	a, b, c := &fakeSender{}, &fakeSender{}, &fakeSender{}
	h.Join(a, "room-1")
	h.Join(b, "room-1")
	h.Join(c, "room-2")

	env := protocol.Envelope{Type: protocol.EnvelopeOffer, From: "alice", To: "bob"}
	if !h.Relay(a, env) {
		t.Fatal("relay must succeed for a room member")
	}

	if got := b.typed(t, protocol.FrameSignal); len(got) != 1 {
		t.Fatalf("b must receive the envelope, got %d", len(got))
	}
	if got := a.typed(t, protocol.FrameSignal); len(got) != 0 {
		t.Fatal("the sender must not receive its own envelope")
	}
	if got := c.typed(t, protocol.FrameSignal); len(got) != 0 {
		t.Fatal("other rooms must not receive the envelope")
	}
}

func TestRelayWithoutRoom(t *testing.T) {
	h := NewHub()
	a := &fakeSender{}
	if h.Relay(a, protocol.Envelope{Type: protocol.EnvelopeOffer}) {
		t.Fatal("relay must fail before join")
	}
	if h.Track(a, state("alice")) {
		t.Fatal("track must fail before join")
	}
}

func TestLeaveAnnouncesTrackedMember(t *testing.T) {
	h := NewHub()
	a, b := &fakeSender{}, &fakeSender{}
	h.Join(a, "room-1")
	h.Join(b, "room-1")
	h.Track(a, state("alice"))

	h.Leave(a)
	if got := b.typed(t, protocol.FramePresenceLeave); len(got) != 1 {
		t.Fatalf("tracked member's departure must be announced, got %d frames", len(got))
	}

	// The room is gone once its last member leaves; a new join starts clean.
	h.Leave(b)
	snap := h.Join(a, "room-1")
	if len(snap.Participants) != 0 {
		t.Fatalf("fresh room must be empty, got %+v", snap.Participants)
	}
}

func TestMoveBetweenRooms(t *testing.T) {
	h := NewHub()
	a, b := &fakeSender{}, &fakeSender{}
	h.Join(a, "room-1")
	h.Join(b, "room-1")
	h.Track(a, state("alice"))

	h.Join(a, "room-2")
	if got := b.typed(t, protocol.FramePresenceLeave); len(got) != 1 {
		t.Fatal("moving rooms must announce departure from the old one")
	}
	if !h.Track(a, state("alice")) {
		t.Fatal("track must work in the new room")
	}
}
