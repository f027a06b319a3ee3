package media

import (
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/parleyhq/parley/internal/core"
	"github.com/parleyhq/parley/internal/domain"
)

// DrainSink consumes remote audio so the RTP session stays healthy. Playback
// is delegated to whatever the embedding application wires behind OnPacket;
// with no handler the packets are counted and dropped.
type DrainSink struct {
	log zerolog.Logger

	// OnPacket, when set, receives every RTP payload for the given user.
	OnPacket func(userID domain.UserID, payload []byte)

	mu    sync.Mutex
	stops map[domain.UserID]chan struct{}
}

var _ core.TrackSink = (*DrainSink)(nil)

func NewDrainSink(log zerolog.Logger) *DrainSink {
	return &DrainSink{
		log:   log,
		stops: make(map[domain.UserID]chan struct{}),
	}
}

func (s *DrainSink) Attach(userID domain.UserID, track *webrtc.TrackRemote) {
	s.mu.Lock()
	if prev, ok := s.stops[userID]; ok {
		close(prev)
	}
	stop := make(chan struct{})
	s.stops[userID] = stop
	s.mu.Unlock()

	s.log.Info().Str("module", "media").Str("peer", string(userID)).Str("codec", track.Codec().MimeType).Msg("remote track attached")
	go s.drain(userID, track, stop)
}

func (s *DrainSink) Detach(userID domain.UserID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stop, ok := s.stops[userID]; ok {
		close(stop)
		delete(s.stops, userID)
	}
}

func (s *DrainSink) drain(userID domain.UserID, track *webrtc.TrackRemote, stop <-chan struct{}) {
	var packets uint64
	defer func() {
		s.log.Info().Str("module", "media").Str("peer", string(userID)).Uint64("packets", packets).Msg("remote track drained")
	}()
	for {
		select {
		case <-stop:
			return
		default:
		}
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		packets++
		if s.OnPacket != nil {
			s.OnPacket(userID, pkt.Payload)
		}
	}
}
