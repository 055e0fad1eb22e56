package audio

// Framer accumulates provider PCM16 output and slices it into exact 20 ms
// μ-law frames for the PBX. Provider deltas arrive in arbitrary sizes; the
// framer carries the remainder between calls so no samples are dropped or
// duplicated across deltas.
//
// A Framer belongs to a single outbound stream and is not safe for concurrent
// use; the owning connection serialises access through its outbound path.
type Framer struct {
	srcRate int
	rest    []byte // unconsumed PCM16 at srcRate
}

// NewFramer creates a Framer for provider audio at the given sample rate.
func NewFramer(srcRate int) *Framer {
	return &Framer{srcRate: srcRate}
}

// pcmPerFrame is the number of source-rate PCM16 bytes that make one 20 ms frame.
func (f *Framer) pcmPerFrame() int {
	return f.srcRate * FrameDurationMS / 1000 * 2
}

// Push appends a PCM16 delta and returns all complete 20 ms μ-law frames now
// available. Each returned frame is exactly UlawFrameBytes long.
func (f *Framer) Push(pcm []byte) [][]byte {
	if len(pcm) == 0 {
		return nil
	}
	f.rest = append(f.rest, pcm...)

	need := f.pcmPerFrame()
	var frames [][]byte
	for len(f.rest) >= need {
		chunk := f.rest[:need]
		f.rest = f.rest[need:]
		frames = append(frames, f.encodeFrame(chunk))
	}
	return frames
}

// Flush returns the remaining partial frame padded with μ-law silence, or nil
// if nothing is buffered. Call on stream end so the tail of an utterance is
// not swallowed.
func (f *Framer) Flush() []byte {
	if len(f.rest) == 0 {
		return nil
	}
	// Zero PCM samples encode to μ-law silence, so padding the chunk with
	// zeroes before encoding yields a silence-padded frame.
	need := f.pcmPerFrame()
	chunk := make([]byte, need)
	copy(chunk, f.rest)
	f.rest = nil
	return f.encodeFrame(chunk)
}

// Pending reports how many buffered PCM16 bytes await the next full frame.
func (f *Framer) Pending() int { return len(f.rest) }

// Reset discards buffered audio. Used when the provider interrupts its own
// response (barge-in) and the stale tail must not reach the caller.
func (f *Framer) Reset() { f.rest = nil }

// encodeFrame downsamples one source-rate chunk to 8 kHz and μ-law encodes it.
func (f *Framer) encodeFrame(pcm []byte) []byte {
	return EncodeUlaw(Resample(pcm, f.srcRate, PBXRate))
}
