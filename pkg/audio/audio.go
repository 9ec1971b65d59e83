// Package audio defines the frame type and PCM conversion helpers shared by
// every stage of the Echolith voice pipeline.
//
// Frames are the atomic unit of audio transport — captured from the input
// device, processed by the voice-activity classifier, encoded for the live
// transport, and scheduled for playback. All PCM in this codebase is
// little-endian signed 16-bit; capture runs at 16 kHz mono and playback at
// 24 kHz mono.
package audio

import "time"

// Standard pipeline rates. The live providers negotiate these formats at
// session setup; the capture and playback stages are fixed to them.
const (
	// CaptureRate is the microphone capture sample rate in Hz.
	CaptureRate = 16000

	// PlaybackRate is the synthesised-speech playback sample rate in Hz.
	PlaybackRate = 24000

	// FrameSamples is the number of samples per capture frame. At 16 kHz this
	// is a 256 ms buffer, matching the cadence the live endpoints expect.
	FrameSamples = 4096
)

// Frame is a single fixed-cadence buffer of mono PCM samples. A frame is
// immutable once produced: the capture pipeline hands each frame to the
// classifier and to the transport encoder exactly once.
type Frame struct {
	// Samples holds signed 16-bit mono PCM.
	Samples []int16

	// SampleRate in Hz (e.g. 16000 for capture).
	SampleRate int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playing time of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}
