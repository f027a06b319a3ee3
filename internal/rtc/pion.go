package rtc

import (
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/parleyhq/parley/internal/protocol"
)

// DefaultICEServers is used when the configuration names none.
var DefaultICEServers = []string{"stun:stun.l.google.com:19302"}

// NewPionFactory returns a ConnFactory backed by pion PeerConnections.
func NewPionFactory(iceServers []string) ConnFactory {
	if len(iceServers) == 0 {
		iceServers = DefaultICEServers
	}
	cfg := webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: iceServers}},
	}
	return func() (Conn, error) {
		pc, err := webrtc.NewPeerConnection(cfg)
		if err != nil {
			return nil, err
		}
		c := &pionConn{pc: pc}
		c.wire()
		return c, nil
	}
}

type pionConn struct {
	pc *webrtc.PeerConnection

	mu       sync.Mutex
	hasMedia bool
	onCand   func(protocol.CandidatePayload)
	onState  func(LinkState)
	onTrack  func(*webrtc.TrackRemote)
}

func (c *pionConn) wire() {
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.mu.Lock()
		fn := c.onCand
		c.mu.Unlock()
		if fn == nil {
			return
		}
		init := cand.ToJSON()
		p := protocol.CandidatePayload{Candidate: init.Candidate}
		if init.SDPMid != nil {
			p.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			p.SDPMLineIndex = *init.SDPMLineIndex
		}
		fn(p)
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.mu.Lock()
		fn := c.onState
		c.mu.Unlock()
		if fn == nil {
			return
		}
		switch s {
		case webrtc.PeerConnectionStateConnected:
			fn(StateConnected)
		case webrtc.PeerConnectionStateDisconnected:
			fn(StateDisconnected)
		case webrtc.PeerConnectionStateFailed:
			fn(StateFailed)
		case webrtc.PeerConnectionStateClosed:
			fn(StateClosed)
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.mu.Lock()
		fn := c.onTrack
		c.mu.Unlock()
		if fn != nil {
			fn(track)
		}
	})
}

func (c *pionConn) AddTrack(track webrtc.TrackLocal) error {
	if _, err := c.pc.AddTrack(track); err != nil {
		return err
	}
	c.mu.Lock()
	c.hasMedia = true
	c.mu.Unlock()
	return nil
}

// ensureMedia adds a receive-only audio transceiver when no local track was
// attached, so the SDP still carries a valid audio m-line.
func (c *pionConn) ensureMedia() error {
	c.mu.Lock()
	has := c.hasMedia
	c.hasMedia = true
	c.mu.Unlock()
	if has {
		return nil
	}
	_, err := c.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	return err
}

func (c *pionConn) CreateOffer() (string, error) {
	if err := c.ensureMedia(); err != nil {
		return "", err
	}
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}
	return offer.SDP, nil
}

func (c *pionConn) ApplyOffer(sdp string) (string, error) {
	if err := c.ensureMedia(); err != nil {
		return "", err
	}
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return "", err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	return answer.SDP, nil
}

func (c *pionConn) ApplyAnswer(sdp string) error {
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	return c.pc.SetRemoteDescription(answer)
}

func (c *pionConn) AddRemoteCandidate(p protocol.CandidatePayload) error {
	init := webrtc.ICECandidateInit{Candidate: p.Candidate}
	if p.SDPMid != "" {
		init.SDPMid = &p.SDPMid
	}
	init.SDPMLineIndex = &p.SDPMLineIndex
	return c.pc.AddICECandidate(init)
}

func (c *pionConn) OnCandidate(fn func(protocol.CandidatePayload)) {
	c.mu.Lock()
	c.onCand = fn
	c.mu.Unlock()
}

func (c *pionConn) OnStateChange(fn func(LinkState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *pionConn) OnRemoteTrack(fn func(*webrtc.TrackRemote)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *pionConn) Close() error {
	return c.pc.Close()
}
