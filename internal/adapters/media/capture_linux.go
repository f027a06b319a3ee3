//go:build linux

package media

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/wave"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"

	"github.com/parleyhq/parley/internal/core"
)

const opusClockRate = 48000

// Open captures the default microphone through pion/mediadevices (malgo on
// Linux). The track is encoded once to opus and fanned out to every peer
// link; a parallel PCM reader feeds voice activity detection.
func Open(log zerolog.Logger) (core.MediaSource, error) {
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}
	selector := mediadevices.NewCodecSelector(
		mediadevices.WithAudioEncoders(&opusParams),
	)

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
		Codec: selector,
	})
	if err != nil {
		return nil, fmt.Errorf("get user media: %w", err)
	}

	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("no audio track captured")
	}
	track, ok := tracks[0].(*mediadevices.AudioTrack)
	if !ok {
		return nil, fmt.Errorf("unexpected track type %T", tracks[0])
	}

	encoded, err := track.NewEncodedReader(webrtc.MimeTypeOpus)
	if err != nil {
		track.Close()
		return nil, fmt.Errorf("opus reader: %w", err)
	}

	local, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", "parley-mic",
	)
	if err != nil {
		encoded.Close()
		track.Close()
		return nil, fmt.Errorf("local track: %w", err)
	}

	src := &captureSource{
		track:   track,
		encoded: encoded,
		local:   local,
		frames:  make(chan []int16, 8),
		log:     log,
	}
	go src.pumpEncoded()
	go src.pumpPCM()

	log.Info().Str("module", "media").Str("label", track.ID()).Msg("microphone captured")
	return src, nil
}

type captureSource struct {
	track   *mediadevices.AudioTrack
	encoded mediadevices.EncodedReadCloser
	local   *webrtc.TrackLocalStaticSample
	frames  chan []int16
	log     zerolog.Logger

	mu     sync.Mutex
	muted  bool
	closed bool
}

func (s *captureSource) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{s.local}
}

func (s *captureSource) Frames() <-chan []int16 { return s.frames }

func (s *captureSource) SetMuted(muted bool) {
	s.mu.Lock()
	s.muted = muted
	s.mu.Unlock()
}

func (s *captureSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.encoded.Close()
	s.track.Close()
	return err
}

// pumpEncoded forwards opus packets from the encoder into the shared local
// track. While muted the packets are read and dropped, which keeps the
// encoder draining without sending audio.
func (s *captureSource) pumpEncoded() {
	for {
		buf, release, err := s.encoded.Read()
		if err != nil {
			s.log.Debug().Err(err).Str("module", "media").Msg("encoded reader done")
			return
		}

		s.mu.Lock()
		muted := s.muted
		s.mu.Unlock()
		if !muted {
			duration := 20 * time.Millisecond
			if buf.Samples > 0 {
				duration = time.Duration(buf.Samples) * time.Second / opusClockRate
			}
			data := make([]byte, len(buf.Data))
			copy(data, buf.Data)
			if err := s.local.WriteSample(media.Sample{Data: data, Duration: duration}); err != nil {
				s.log.Warn().Err(err).Str("module", "media").Msg("write sample")
			}
		}
		release()
	}
}

// pumpPCM feeds mono int16 frames to the detection channel. Frames are
// dropped when the consumer lags; voice detection tolerates gaps.
func (s *captureSource) pumpPCM() {
	defer close(s.frames)
	reader := s.track.NewReader(false)
	for {
		chunk, release, err := reader.Read()
		if err != nil {
			s.log.Debug().Err(err).Str("module", "media").Msg("pcm reader done")
			return
		}
		info := chunk.ChunkInfo()
		frame := make([]int16, info.Len)
		for i := 0; i < info.Len; i++ {
			sample := wave.Int16SampleFormat.Convert(chunk.At(i, 0))
			frame[i] = int16(sample.(wave.Int16Sample))
		}
		release()

		select {
		case s.frames <- frame:
		default:
		}
	}
}
