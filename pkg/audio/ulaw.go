// Package audio provides the codec path between the PBX's 8 kHz G.711 μ-law
// world and the providers' linear PCM16 world: μ-law↔PCM16 conversion,
// integer-ratio resampling, and slicing provider output into exact 20 ms
// frames for RTP.
//
// All PCM16 data is little-endian mono.
package audio

import "github.com/zaf/g711"

// Telephony constants for the PBX leg: 8 kHz μ-law, 20 ms frames.
const (
	PBXRate = 8000

	// FrameDurationMS is the RTP packetisation interval.
	FrameDurationMS = 20

	// UlawFrameBytes is the payload size of one 20 ms μ-law frame
	// (160 samples, one byte each).
	UlawFrameBytes = PBXRate * FrameDurationMS / 1000

	// UlawSilence is the μ-law encoding of a zero sample, used for padding.
	UlawSilence = 0xFF
)

// DecodeUlaw converts 8-bit μ-law samples to little-endian PCM16.
func DecodeUlaw(ulaw []byte) []byte {
	return g711.DecodeUlaw(ulaw)
}

// EncodeUlaw converts little-endian PCM16 samples to 8-bit μ-law. An odd
// trailing byte is ignored.
func EncodeUlaw(pcm []byte) []byte {
	return g711.EncodeUlaw(pcm)
}

// DurationSeconds returns the play time of a PCM16 buffer at the given
// sample rate. Used by the cost ledger to meter audio.
func DurationSeconds(pcmBytes int, sampleRate int) float64 {
	if sampleRate <= 0 {
		return 0
	}
	return float64(pcmBytes/2) / float64(sampleRate)
}
