package analysis

import (
	"emgscope/internal/log"
	"emgscope/internal/transport"
)

// ActivationDetector reports muscle activation onsets: the RMS of a window
// rising above threshold after having been below releaseRatio·threshold.
// The hysteresis keeps a noisy contraction from firing repeatedly.
type ActivationDetector struct {
	threshold    float64
	releaseRatio float64
	active       bool
	lastRMS      float64
	onsets       int
	transport    transport.Transport // Transport for sending events
	channel      func() int
}

var _ BlockProcessor = (*ActivationDetector)(nil)

// NewActivationDetector creates a detector. channel reports the currently
// selected channel for event payloads and may be nil.
func NewActivationDetector(threshold, releaseRatio float64, t transport.Transport, channel func() int) *ActivationDetector {
	if releaseRatio <= 0 || releaseRatio > 1 {
		releaseRatio = 0.5
	}
	log.Infof("Analysis: Initializing ActivationDetector (Threshold: %.3f, Release: %.2f)", threshold, releaseRatio)
	return &ActivationDetector{
		threshold:    threshold,
		releaseRatio: releaseRatio,
		transport:    t,
		channel:      channel,
	}
}

// Process analyses one window for an activation onset.
func (d *ActivationDetector) Process(samples []float32) {
	rms := RMS(samples)
	d.lastRMS = rms

	switch {
	case !d.active && rms > d.threshold:
		d.active = true
		d.onsets++
		if d.transport == nil {
			return
		}
		ch := 0
		if d.channel != nil {
			ch = d.channel()
		}
		event := map[string]any{
			"type":    "event",
			"name":    "activation",
			"channel": ch,
			"rms":     rms,
		}
		if err := d.transport.Send(event); err != nil {
			log.Warnf("ActivationDetector: ERROR sending activation event: %v", err)
		}
	case d.active && rms < d.threshold*d.releaseRatio:
		d.active = false
	}
}

// Active reports whether the last window was above threshold.
func (d *ActivationDetector) Active() bool { return d.active }

// Onsets returns the number of onsets seen so far.
func (d *ActivationDetector) Onsets() int { return d.onsets }

// LastRMS returns the RMS of the last processed window.
func (d *ActivationDetector) LastRMS() float64 { return d.lastRMS }
