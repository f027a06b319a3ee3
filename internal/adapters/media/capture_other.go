//go:build !linux

package media

import (
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/parleyhq/parley/internal/core"
)

// Open on platforms without a capture backend yields a receive-only source:
// no local tracks, no voice frames. Peer links still negotiate audio through
// their recvonly transceivers.
func Open(log zerolog.Logger) (core.MediaSource, error) {
	log.Warn().Str("module", "media").Msg("no capture backend on this platform, joining receive-only")
	return &silentSource{frames: make(chan []int16)}, nil
}

type silentSource struct {
	frames chan []int16

	mu     sync.Mutex
	closed bool
}

func (s *silentSource) Tracks() []webrtc.TrackLocal { return nil }
func (s *silentSource) Frames() <-chan []int16      { return s.frames }
func (s *silentSource) SetMuted(bool)               {}

func (s *silentSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.frames)
	}
	return nil
}
