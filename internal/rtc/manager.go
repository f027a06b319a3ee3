package rtc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/parleyhq/parley/internal/domain"
	"github.com/parleyhq/parley/internal/protocol"
)

var (
	// ErrNegotiation means an offer or answer could not be applied. The
	// affected link is torn down; other links are unaffected.
	ErrNegotiation = errors.New("negotiation failed")
	// ErrUnknownPeer means a stray answer or candidate arrived for a peer
	// with no link. It is logged by callers, never surfaced to the user.
	ErrUnknownPeer = errors.New("unknown peer")
)

// Callbacks are the manager's outbound events, all keyed by the remote user.
type Callbacks struct {
	// Candidate forwards a locally gathered candidate for transport.
	Candidate func(remote domain.UserID, c protocol.CandidatePayload)
	// StateChange reports per-link state transitions after internal
	// bookkeeping (including the FAILED auto-close) has run.
	StateChange func(remote domain.UserID, s LinkState)
	// RemoteTrack reports incoming media for the output sink.
	RemoteTrack func(remote domain.UserID, track *webrtc.TrackRemote)
}

// Manager owns at most one Link per remote user id.
type Manager struct {
	factory ConnFactory
	cb      Callbacks
	log     zerolog.Logger

	mu    sync.Mutex
	links map[domain.UserID]*Link
}

func NewManager(factory ConnFactory, cb Callbacks, log zerolog.Logger) *Manager {
	return &Manager{
		factory: factory,
		cb:      cb,
		log:     log,
		links:   make(map[domain.UserID]*Link),
	}
}

// CreateLink allocates a connection to remote and attaches every local track.
// If a link already exists for this id the old one is torn down first, so
// there is never more than one connection per peer.
func (m *Manager) CreateLink(remote domain.UserID, tracks []webrtc.TrackLocal) (*Link, error) {
	m.mu.Lock()
	old := m.links[remote]
	delete(m.links, remote)
	m.mu.Unlock()
	if old != nil {
		// teardown logs its own failures; a broken old connection must not
		// stop the replacement.
		_ = m.teardown(old)
	}

	conn, err := m.factory()
	if err != nil {
		return nil, fmt.Errorf("allocate connection for %s: %w", remote, err)
	}

	l := &Link{remote: remote, conn: conn, state: StateNew}
	conn.OnCandidate(func(c protocol.CandidatePayload) {
		if m.cb.Candidate != nil {
			m.cb.Candidate(remote, c)
		}
	})
	conn.OnRemoteTrack(func(track *webrtc.TrackRemote) {
		l.mu.Lock()
		l.hasRemote = true
		l.mu.Unlock()
		if m.cb.RemoteTrack != nil {
			m.cb.RemoteTrack(remote, track)
		}
	})
	conn.OnStateChange(func(s LinkState) {
		l.setState(s)
		if s == StateFailed {
			// A failed link must not linger and must not retry.
			go m.CloseLink(remote)
		}
		if m.cb.StateChange != nil {
			m.cb.StateChange(remote, s)
		}
	})

	for _, t := range tracks {
		if err := conn.AddTrack(t); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("attach local track for %s: %w", remote, err)
		}
		l.hasLocalTrack = true
	}

	m.mu.Lock()
	m.links[remote] = l
	m.mu.Unlock()
	m.log.Debug().Str("module", "rtc").Str("peer", string(remote)).Msg("link created")
	return l, nil
}

// Offer moves the link into negotiation and returns the local offer SDP.
// The link must exist; the initiating side creates it first.
func (m *Manager) Offer(remote domain.UserID) (string, error) {
	l, ok := m.get(remote)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownPeer, remote)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	sdp, err := l.conn.CreateOffer()
	if err != nil {
		m.closeLocked(remote, l)
		return "", fmt.Errorf("%w: create offer for %s: %v", ErrNegotiation, remote, err)
	}
	if l.state == StateNew {
		l.state = StateNegotiating
	}
	return sdp, nil
}

// HandleOffer applies a remote offer and returns the answer SDP, creating the
// link first if absent (an offer can arrive before the join notification).
// On failure the link is torn down, never left half-open.
func (m *Manager) HandleOffer(remote domain.UserID, sdp string, tracks []webrtc.TrackLocal) (string, error) {
	l, ok := m.get(remote)
	if !ok {
		var err error
		l, err = m.CreateLink(remote, tracks)
		if err != nil {
			return "", err
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	answer, err := l.conn.ApplyOffer(sdp)
	if err != nil {
		m.closeLocked(remote, l)
		return "", fmt.Errorf("%w: apply offer from %s: %v", ErrNegotiation, remote, err)
	}
	if l.state == StateNew {
		l.state = StateNegotiating
	}
	return answer, nil
}

// HandleAnswer applies a remote answer on an existing link. A stray or late
// answer must not create a connection.
func (m *Manager) HandleAnswer(remote domain.UserID, sdp string) error {
	l, ok := m.get(remote)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, remote)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateClosed {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, remote)
	}
	if err := l.conn.ApplyAnswer(sdp); err != nil {
		m.closeLocked(remote, l)
		return fmt.Errorf("%w: apply answer from %s: %v", ErrNegotiation, remote, err)
	}
	return nil
}

// HandleRemoteCandidate appends a trickled candidate. Candidates arriving
// after teardown are expected under jitter and dropped without error.
func (m *Manager) HandleRemoteCandidate(remote domain.UserID, c protocol.CandidatePayload) error {
	l, ok := m.get(remote)
	if !ok {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateClosed {
		return nil
	}
	if err := l.conn.AddRemoteCandidate(c); err != nil {
		m.log.Warn().Err(err).Str("module", "rtc").Str("peer", string(remote)).Msg("add remote candidate")
	}
	return nil
}

// CloseLink releases the link for remote, if any. Idempotent: closing a
// closed or nonexistent link is a no-op.
func (m *Manager) CloseLink(remote domain.UserID) error {
	m.mu.Lock()
	l, ok := m.links[remote]
	if ok {
		delete(m.links, remote)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return m.teardown(l)
}

// CloseAll tears down every link, continuing past individual failures, and
// returns the errors it collected.
func (m *Manager) CloseAll() []error {
	m.mu.Lock()
	links := m.links
	m.links = make(map[domain.UserID]*Link)
	m.mu.Unlock()

	var errs []error
	for _, l := range links {
		if err := m.teardown(l); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// Has reports whether a live link exists for remote.
func (m *Manager) Has(remote domain.UserID) bool {
	_, ok := m.get(remote)
	return ok
}

// Links returns a read-only snapshot of every live link.
func (m *Manager) Links() []LinkInfo {
	m.mu.Lock()
	links := make([]*Link, 0, len(m.links))
	for _, l := range m.links {
		links = append(links, l)
	}
	m.mu.Unlock()

	out := make([]LinkInfo, 0, len(links))
	for _, l := range links {
		out = append(out, l.info())
	}
	return out
}

func (m *Manager) get(remote domain.UserID) (*Link, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[remote]
	return l, ok
}

func (m *Manager) teardown(l *Link) error {
	l.mu.Lock()
	if l.state == StateClosed {
		l.mu.Unlock()
		return nil
	}
	l.state = StateClosed
	l.mu.Unlock()

	if err := l.conn.Close(); err != nil {
		m.log.Warn().Err(err).Str("module", "rtc").Str("peer", string(l.remote)).Msg("close link")
		return fmt.Errorf("close link %s: %w", l.remote, err)
	}
	m.log.Debug().Str("module", "rtc").Str("peer", string(l.remote)).Msg("link closed")
	return nil
}

// closeLocked tears down a link whose mutex the caller already holds, used on
// negotiation failures.
func (m *Manager) closeLocked(remote domain.UserID, l *Link) {
	if l.state == StateClosed {
		return
	}
	l.state = StateClosed
	if err := l.conn.Close(); err != nil {
		m.log.Warn().Err(err).Str("module", "rtc").Str("peer", string(remote)).Msg("close link")
	}
	m.mu.Lock()
	if m.links[remote] == l {
		delete(m.links, remote)
	}
	m.mu.Unlock()
}
