// Package vad implements frame-level voice activity detection for the
// capture pipeline.
//
// The classifier combines two cheap time-domain features — RMS energy and
// zero-crossing count — with a hysteresis state machine so that isolated
// noisy or quiet frames never flip the speech/silence decision. It is
// synchronous by design: Classify returns immediately, making it suitable
// for the low-latency capture loop that gates transport input.
//
// A Classifier maintains per-stream state (phase and confirmation streaks)
// and is not safe for concurrent use; the capture pipeline owns it
// exclusively and exposes read-only snapshots via [Classifier.State].
package vad

import "math"

// Phase is the binary speech/silence decision carried by the classifier.
type Phase int

const (
	// Silence indicates no confirmed speech activity.
	Silence Phase = iota

	// Speaking indicates confirmed ongoing speech.
	Speaking
)

// String returns the human-readable name of the phase.
func (p Phase) String() string {
	switch p {
	case Silence:
		return "SILENCE"
	case Speaking:
		return "SPEAKING"
	default:
		return "UNKNOWN"
	}
}

// Sensitivity selects a preset parameter tier. Lower sensitivity trades
// responsiveness for robustness in noisy environments: looser thresholds and
// longer confirmation streaks. Higher sensitivity reacts faster in quiet
// environments.
type Sensitivity string

const (
	SensitivityLow    Sensitivity = "low"
	SensitivityMedium Sensitivity = "medium"
	SensitivityHigh   Sensitivity = "high"
)

// IsValid reports whether s is a recognised sensitivity tier.
func (s Sensitivity) IsValid() bool {
	switch s {
	case SensitivityLow, SensitivityMedium, SensitivityHigh:
		return true
	}
	return false
}

// Params holds the threshold set for one sensitivity tier.
type Params struct {
	// EnergyThreshold is the minimum normalised RMS ([0,1] where 1.0 is a
	// full-scale square wave) for a frame to count as potential speech.
	EnergyThreshold float64

	// ZeroCrossingRate is the minimum fraction of adjacent-sample sign
	// changes for a frame to count as potential speech. Expressed as a rate
	// rather than an absolute count so the thresholds are independent of the
	// capture frame size.
	ZeroCrossingRate float64

	// SpeechFramesToConfirm is the number of consecutive potential-speech
	// frames required to transition SILENCE → SPEAKING.
	SpeechFramesToConfirm int

	// SilenceFramesToConfirm is the number of consecutive non-speech frames
	// required to transition SPEAKING → SILENCE.
	SilenceFramesToConfirm int
}

// ParamsFor returns the preset parameter set for the given tier. Unknown
// tiers fall back to medium.
func ParamsFor(s Sensitivity) Params {
	switch s {
	case SensitivityLow:
		return Params{
			EnergyThreshold:        0.025,
			ZeroCrossingRate:       0.060,
			SpeechFramesToConfirm:  3,
			SilenceFramesToConfirm: 12,
		}
	case SensitivityHigh:
		return Params{
			EnergyThreshold:        0.008,
			ZeroCrossingRate:       0.035,
			SpeechFramesToConfirm:  1,
			SilenceFramesToConfirm: 8,
		}
	default:
		return Params{
			EnergyThreshold:        0.015,
			ZeroCrossingRate:       0.045,
			SpeechFramesToConfirm:  2,
			SilenceFramesToConfirm: 10,
		}
	}
}

// State is a read-only snapshot of the classifier, exposed to the visualizer
// and UI layers.
type State struct {
	Phase         Phase
	SpeechStreak  int
	SilenceStreak int
	Sensitivity   Sensitivity
}

// Classifier is the hysteresis state machine described above. Streak counters
// are explicit struct fields, mutated once per incoming frame.
type Classifier struct {
	sensitivity   Sensitivity
	params        Params
	phase         Phase
	speechStreak  int
	silenceStreak int
}

// New creates a Classifier in the SILENCE phase with the given tier's presets.
func New(s Sensitivity) *Classifier {
	return &Classifier{
		sensitivity: s,
		params:      ParamsFor(s),
	}
}

// Classify consumes one capture frame and returns the (possibly updated)
// phase. A frame is potential speech iff its RMS energy and zero-crossing
// rate both exceed the tier thresholds; the phase only changes after the
// tier's confirmation streak, and any contrary frame before confirmation
// resets the streak to zero.
func (c *Classifier) Classify(samples []int16) Phase {
	speechy := rms(samples) > c.params.EnergyThreshold &&
		zeroCrossingRate(samples) > c.params.ZeroCrossingRate

	if speechy {
		c.speechStreak++
		c.silenceStreak = 0
		if c.phase == Silence && c.speechStreak >= c.params.SpeechFramesToConfirm {
			c.phase = Speaking
			c.speechStreak = 0
		}
	} else {
		c.silenceStreak++
		c.speechStreak = 0
		if c.phase == Speaking && c.silenceStreak >= c.params.SilenceFramesToConfirm {
			c.phase = Silence
			c.silenceStreak = 0
		}
	}
	return c.phase
}

// Phase returns the current phase without consuming a frame.
func (c *Classifier) Phase() Phase { return c.phase }

// State returns a snapshot of the classifier state.
func (c *Classifier) State() State {
	return State{
		Phase:         c.phase,
		SpeechStreak:  c.speechStreak,
		SilenceStreak: c.silenceStreak,
		Sensitivity:   c.sensitivity,
	}
}

// SetSensitivity switches the active tier. The confirmation streaks are
// cleared so a half-accumulated streak under the old thresholds cannot
// trigger a transition under the new ones; the phase is preserved.
func (c *Classifier) SetSensitivity(s Sensitivity) {
	c.sensitivity = s
	c.params = ParamsFor(s)
	c.speechStreak = 0
	c.silenceStreak = 0
}

// Reset returns the classifier to {SILENCE, 0, 0}. Called on every session
// start and stop.
func (c *Classifier) Reset() {
	c.phase = Silence
	c.speechStreak = 0
	c.silenceStreak = 0
}

// rms computes the root-mean-square energy of the frame, normalised so that
// a full-scale signal is 1.0.
func rms(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		f := float64(s) / 32768
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// zeroCrossingRate returns the fraction of adjacent sample pairs whose signs
// differ. Voiced speech sits noticeably above steady low-frequency noise.
func zeroCrossingRate(samples []int16) float64 {
	if len(samples) < 2 {
		return 0
	}
	crossings := 0
	for i := 1; i < len(samples); i++ {
		if (samples[i-1] >= 0) != (samples[i] >= 0) {
			crossings++
		}
	}
	return float64(crossings) / float64(len(samples)-1)
}
