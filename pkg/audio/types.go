package audio

import "time"

// AudioFrame represents a single frame of audio data flowing through a call leg.
// Frames are the atomic unit of audio transport — received from a transport
// handler, resampled/transcoded by the pipeline, and forwarded to a provider
// executor (or the reverse, for playback back to the caller).
type AudioFrame struct {
	// PCM audio data. Sample rate and channel count are determined by the leg's format.
	Data []byte

	// SampleRate in Hz (e.g., 8000 for telephony µ-law, 24000 for provider output).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo. Every call leg in this module is mono.
	Channels int

	// Timestamp marks when this frame was captured, relative to call start.
	Timestamp time.Duration
}
