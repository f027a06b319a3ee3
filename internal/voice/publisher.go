package voice

import (
	"github.com/rs/zerolog"

	"github.com/parleyhq/parley/internal/core"
	"github.com/parleyhq/parley/internal/protocol"
)

// publisher hands local state to the transport's presence mechanism on every
// change. No batching, no rate limiting: for a small-party room, freshness
// beats bandwidth. Publication is best-effort and must never block the caller
// (the VAD loop feeds it), so transport errors are logged and swallowed.
type publisher struct {
	handle core.RoomHandle
	log    zerolog.Logger
}

func (p *publisher) publish(state protocol.PresenceState) {
	if err := p.handle.Track(state); err != nil {
		p.log.Warn().Err(err).Str("module", "voice.presence").Msg("presence publish failed")
	}
}
