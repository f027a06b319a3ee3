// Package rtc owns one media connection per remote participant and drives its
// lifecycle. The underlying WebRTC engine is hidden behind the Conn interface
// so link semantics are independent of pion plumbing.
package rtc

import (
	"sync"

	"github.com/parleyhq/parley/internal/domain"
)

type LinkState int

const (
	StateNew LinkState = iota
	StateNegotiating
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s LinkState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Link is one point-to-point media connection to one remote participant.
// Negotiation on a link is serialized by its own mutex; distinct links
// negotiate concurrently.
type Link struct {
	remote domain.UserID
	conn   Conn

	mu            sync.Mutex
	state         LinkState
	hasLocalTrack bool
	hasRemote     bool
}

// LinkInfo is a read-only view for callers outside the manager.
type LinkInfo struct {
	Remote         domain.UserID
	State          LinkState
	HasLocalTrack  bool
	HasRemoteTrack bool
}

func (l *Link) info() LinkInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	return LinkInfo{
		Remote:         l.remote,
		State:          l.state,
		HasLocalTrack:  l.hasLocalTrack,
		HasRemoteTrack: l.hasRemote,
	}
}

func (l *Link) setState(s LinkState) {
	l.mu.Lock()
	// CLOSED is terminal; the underlying engine may still report late
	// transitions after an explicit close.
	if l.state == StateClosed {
		l.mu.Unlock()
		return
	}
	l.state = s
	l.mu.Unlock()
}

func (l *Link) currentState() LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}
