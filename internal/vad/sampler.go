package vad

import (
	"context"
	"time"
)

// Run drives det from a stream of PCM frames until ctx is canceled or the
// stream closes. The frame cadence is set by the producer (the capture
// adapter emits ~50-60 frames per second); the detector only needs a
// monotonic notion of now per frame.
func Run(ctx context.Context, det *Detector, frames <-chan []int16) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			det.Process(frame, time.Now())
		}
	}
}
