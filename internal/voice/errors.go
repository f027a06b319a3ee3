package voice

import "errors"

var (
	// ErrAlreadyInRoom means Join was called while a room session is active.
	ErrAlreadyInRoom = errors.New("already in a room")
	// ErrMediaUnavailable means the platform denied microphone access.
	// Fatal to Join, fully recoverable by retrying Join later.
	ErrMediaUnavailable = errors.New("media unavailable")
	// ErrNoIdentity means no authenticated user is available to join as.
	ErrNoIdentity = errors.New("no local identity")
)
