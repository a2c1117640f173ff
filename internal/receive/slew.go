// ABOUTME: Playback rate controller correcting clock drift by slewing
// ABOUTME: Bounded rate-of-change keeps corrections below audibility
package receive

import "math"

// Slew tuning defaults. Correction engages above StartThreshold of
// measured offset and releases below StopThreshold, aiming to cancel
// the offset over CorrectionWindow. The rate never leaves
// [MinRate, MaxRate] and never changes faster than MaxRatePPMPerSec.
const (
	DefaultSlewStartMicros     = 2000
	DefaultSlewStopMicros      = 100
	DefaultCorrectionWindowSec = 0.5
	DefaultMinRate             = 0.98
	DefaultMaxRate             = 1.02
	DefaultMaxRatePPMPerSec    = 4000
)

// SlewConfig carries the tunables for one rate controller.
type SlewConfig struct {
	StartMicros      int64
	StopMicros       int64
	WindowSec        float64
	MinRate          float64
	MaxRate          float64
	MaxRatePPMPerSec float64
}

func (c SlewConfig) withDefaults() SlewConfig {
	if c.StartMicros == 0 {
		c.StartMicros = DefaultSlewStartMicros
	}
	if c.StopMicros == 0 {
		c.StopMicros = DefaultSlewStopMicros
	}
	if c.WindowSec == 0 {
		c.WindowSec = DefaultCorrectionWindowSec
	}
	if c.MinRate == 0 {
		c.MinRate = DefaultMinRate
	}
	if c.MaxRate == 0 {
		c.MaxRate = DefaultMaxRate
	}
	if c.MaxRatePPMPerSec == 0 {
		c.MaxRatePPMPerSec = DefaultMaxRatePPMPerSec
	}
	return c
}

// RateAdjust decides the playback rate from the measured offset
// between actual and ideal stream position. Offsets inside the stop
// threshold leave the rate drifting back to unity; larger offsets
// engage a correction that would cancel the offset over the
// configured window. Hysteresis between the two thresholds prevents
// the controller from hunting around zero.
type RateAdjust struct {
	cfg     SlewConfig
	engaged bool
	rate    float64
}

// NewRateAdjust creates a controller at unity rate.
func NewRateAdjust(cfg SlewConfig) *RateAdjust {
	return &RateAdjust{cfg: cfg.withDefaults(), rate: 1.0}
}

// Rate returns the current playback rate.
func (r *RateAdjust) Rate() float64 {
	return r.rate
}

// Engaged reports whether a correction is active.
func (r *RateAdjust) Engaged() bool {
	return r.engaged
}

// Update recomputes the rate. offsetMicros is positive when playback
// runs ahead of the ideal position. elapsedSec is the time covered by
// this fill, which bounds how far the rate may move.
func (r *RateAdjust) Update(offsetMicros int64, elapsedSec float64) float64 {
	mag := offsetMicros
	if mag < 0 {
		mag = -mag
	}
	if r.engaged {
		if mag <= r.cfg.StopMicros {
			r.engaged = false
		}
	} else if mag >= r.cfg.StartMicros {
		r.engaged = true
	}

	desired := 1.0
	if r.engaged {
		// Position error shrinks at (rate - 1) stream seconds per
		// second, so this cancels offset over one window.
		desired = 1.0 - float64(offsetMicros)/1e6/r.cfg.WindowSec
		desired = math.Min(math.Max(desired, r.cfg.MinRate), r.cfg.MaxRate)
	}

	maxStep := r.cfg.MaxRatePPMPerSec * 1e-6 * elapsedSec
	diff := desired - r.rate
	if diff > maxStep {
		diff = maxStep
	} else if diff < -maxStep {
		diff = -maxStep
	}
	r.rate += diff
	return r.rate
}

// Reset returns the controller to unity, for stream resets.
func (r *RateAdjust) Reset() {
	r.engaged = false
	r.rate = 1.0
}
