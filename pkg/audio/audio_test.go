package audio

import (
	"bytes"
	"math"
	"testing"
)

// pcm16 builds a little-endian PCM16 buffer from sample values.
func pcm16(samples ...int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

func sampleAt(pcm []byte, i int) int16 {
	return int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
}

func TestUlawRoundTripSilence(t *testing.T) {
	t.Parallel()

	ulaw := bytes.Repeat([]byte{UlawSilence}, UlawFrameBytes)
	pcm := DecodeUlaw(ulaw)
	if len(pcm) != UlawFrameBytes*2 {
		t.Fatalf("decoded %d bytes, want %d", len(pcm), UlawFrameBytes*2)
	}
	for i := 0; i < len(pcm)/2; i++ {
		if s := sampleAt(pcm, i); s != 0 {
			t.Fatalf("sample %d = %d, want 0", i, s)
		}
	}
	if got := EncodeUlaw(pcm); !bytes.Equal(got, ulaw) {
		t.Fatal("silence did not round-trip")
	}
}

func TestResampleUpDoublesSampleCount(t *testing.T) {
	t.Parallel()

	in := pcm16(0, 1000, 2000, 3000)
	out := Resample(in, 8000, 16000)
	if len(out) != len(in)*2 {
		t.Fatalf("len = %d, want %d", len(out), len(in)*2)
	}
	// Interpolated sample between 0 and 1000 must land between them.
	if s := sampleAt(out, 1); s <= 0 || s >= 1000 {
		t.Errorf("interpolated sample = %d, want in (0, 1000)", s)
	}
	// Grid samples map straight through.
	if s := sampleAt(out, 2); s != 1000 {
		t.Errorf("grid sample = %d, want 1000", s)
	}
}

func TestResampleDownHalvesSampleCount(t *testing.T) {
	t.Parallel()

	in := make([]byte, 0, 640)
	for i := 0; i < 320; i++ {
		v := int16(math.Sin(float64(i)/10) * 10000)
		in = append(in, byte(v), byte(v>>8))
	}
	out := Resample(in, 16000, 8000)
	if len(out) != len(in)/2 {
		t.Fatalf("len = %d, want %d", len(out), len(in)/2)
	}
}

func TestResampleRatios(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		src, dst int
		inBytes  int
		outBytes int
	}{
		{"pbx to 24k", 8000, 24000, 320, 960},
		{"24k to pbx", 24000, 8000, 960, 320},
		{"16k to 24k", 16000, 24000, 640, 960},
		{"identity", 16000, 16000, 640, 640},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			out := Resample(make([]byte, tt.inBytes), tt.src, tt.dst)
			if len(out) != tt.outBytes {
				t.Fatalf("len = %d, want %d", len(out), tt.outBytes)
			}
		})
	}
}

func TestResampleDegenerateInputs(t *testing.T) {
	t.Parallel()

	if out := Resample(nil, 8000, 16000); len(out) != 0 {
		t.Errorf("nil input produced %d bytes", len(out))
	}
	in := pcm16(42)
	if out := Resample(in, 8000, 0); !bytes.Equal(out, in) {
		t.Error("zero dst rate must return input unchanged")
	}
}

func TestFramerSlicesExactFrames(t *testing.T) {
	t.Parallel()

	f := NewFramer(16000)
	// 20 ms at 16 kHz is 640 PCM bytes; two frames' worth at once.
	frames := f.Push(make([]byte, 1280))
	if len(frames) != 2 {
		t.Fatalf("frames = %d, want 2", len(frames))
	}
	for i, fr := range frames {
		if len(fr) != UlawFrameBytes {
			t.Fatalf("frame %d len = %d, want %d", i, len(fr), UlawFrameBytes)
		}
	}
	if f.Pending() != 0 {
		t.Fatalf("pending = %d, want 0", f.Pending())
	}
}

func TestFramerCarriesRemainder(t *testing.T) {
	t.Parallel()

	f := NewFramer(24000)
	// 20 ms at 24 kHz is 960 PCM bytes.
	if frames := f.Push(make([]byte, 500)); frames != nil {
		t.Fatalf("partial delta produced %d frames", len(frames))
	}
	if f.Pending() != 500 {
		t.Fatalf("pending = %d, want 500", f.Pending())
	}
	frames := f.Push(make([]byte, 460))
	if len(frames) != 1 || f.Pending() != 0 {
		t.Fatalf("frames = %d pending = %d", len(frames), f.Pending())
	}
}

func TestFramerFlushPadsTail(t *testing.T) {
	t.Parallel()

	f := NewFramer(16000)
	f.Push(make([]byte, 100))
	tail := f.Flush()
	if len(tail) != UlawFrameBytes {
		t.Fatalf("tail len = %d, want %d", len(tail), UlawFrameBytes)
	}
	// Padding encodes as μ-law silence.
	if tail[UlawFrameBytes-1] != UlawSilence {
		t.Errorf("tail end = %#x, want silence", tail[UlawFrameBytes-1])
	}
	if f.Flush() != nil {
		t.Fatal("second flush must return nil")
	}
}

func TestFramerReset(t *testing.T) {
	t.Parallel()

	f := NewFramer(16000)
	f.Push(make([]byte, 100))
	f.Reset()
	if f.Pending() != 0 || f.Flush() != nil {
		t.Fatal("reset did not discard buffered audio")
	}
}

func TestDurationSeconds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		bytes, rate int
		want        float64
	}{
		{320, 8000, 0.02},
		{640, 16000, 0.02},
		{48000, 24000, 1.0},
		{0, 8000, 0},
		{320, 0, 0},
	}
	for _, tt := range tests {
		if got := DurationSeconds(tt.bytes, tt.rate); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("DurationSeconds(%d, %d) = %v, want %v", tt.bytes, tt.rate, got, tt.want)
		}
	}
}
