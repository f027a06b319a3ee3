// Package vad derives a debounced boolean speaking state from short-term
// energy of the local microphone stream.
package vad

import (
	"math"
	"sync"
	"time"
)

// Config holds the hysteresis band and dwell times. Loud must exceed Quiet so
// energy hovering at a single noise floor cannot toggle the state. The dwell
// times are asymmetric: entering the speaking state is quicker than leaving
// it, which keeps utterance starts and tails intact.
type Config struct {
	Loud    float64       // normalized RMS to enter speaking
	Quiet   float64       // normalized RMS to leave speaking
	Attack  time.Duration // continuous loud time before speaking=true
	Release time.Duration // continuous quiet time before speaking=false
}

func DefaultConfig() Config {
	return Config{
		Loud:    0.10,
		Quiet:   0.04,
		Attack:  300 * time.Millisecond,
		Release: 800 * time.Millisecond,
	}
}

// Detector consumes PCM frames from the sampling loop and reports each
// speaking transition exactly once. The sampling loop and the mute control
// run on different goroutines, so state is guarded internally; the onChange
// callback fires outside the lock.
type Detector struct {
	cfg      Config
	onChange func(speaking bool)

	mu         sync.Mutex
	speaking   bool
	muted      bool
	loudSince  time.Time
	quietSince time.Time
}

// New returns a detector that invokes onChange exactly once per detected
// transition. Mute-forced transitions are returned by SetMuted instead, so
// the owner decides how to report them.
func New(cfg Config, onChange func(speaking bool)) *Detector {
	return &Detector{cfg: cfg, onChange: onChange}
}

func (d *Detector) Speaking() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.speaking
}

// SetMuted suppresses detection while muted and forces not-speaking. It
// reports whether that forced a speaking-to-false transition; onChange is
// deliberately not invoked for it.
func (d *Detector) SetMuted(muted bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.muted = muted
	if !muted {
		return false
	}
	d.loudSince = time.Time{}
	d.quietSince = time.Time{}
	if d.speaking {
		d.speaking = false
		return true
	}
	return false
}

// Process consumes one PCM frame sampled at the capture cadence. now is
// injected so the dwell logic is testable against a synthetic clock.
func (d *Detector) Process(frame []int16, now time.Time) {
	d.mu.Lock()
	if d.muted {
		d.mu.Unlock()
		return
	}
	e := Energy(frame)

	var fire, next bool
	if !d.speaking {
		if e >= d.cfg.Loud {
			if d.loudSince.IsZero() {
				d.loudSince = now
			}
			if now.Sub(d.loudSince) >= d.cfg.Attack {
				d.speaking = true
				d.loudSince = time.Time{}
				d.quietSince = time.Time{}
				fire, next = true, true
			}
		} else {
			d.loudSince = time.Time{}
		}
	} else {
		if e <= d.cfg.Quiet {
			if d.quietSince.IsZero() {
				d.quietSince = now
			}
			if now.Sub(d.quietSince) >= d.cfg.Release {
				d.speaking = false
				d.loudSince = time.Time{}
				d.quietSince = time.Time{}
				fire, next = true, false
			}
		} else {
			d.quietSince = time.Time{}
		}
	}
	d.mu.Unlock()

	if fire {
		d.onChange(next)
	}
}

// Energy returns the RMS of a PCM frame normalized to [0, 1].
func Energy(frame []int16) float64 {
	if len(frame) == 0 {
		return 0
	}
	var acc float64
	for _, s := range frame {
		v := float64(s) / math.MaxInt16
		acc += v * v
	}
	return math.Sqrt(acc / float64(len(frame)))
}
