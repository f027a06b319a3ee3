package voice

import "github.com/parleyhq/parley/internal/domain"

// Event is the coordinator's outbound notification to the embedding layer.
type Event interface{ voiceEvent() }

// Roster reports the reconciled participant set after any membership or
// presence change, sorted by user id.
type Roster struct {
	Participants []domain.Participant
}

// ConnectionLost reports that the signaling transport dropped. The room is
// torn down; reconnection is an explicit new Join by the caller.
type ConnectionLost struct {
	Err error
}

func (Roster) voiceEvent()         {}
func (ConnectionLost) voiceEvent() {}
