package broadcast

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/loopcap/agent/internal/audiotap"
)

func TestLinearToMulaw_Silence(t *testing.T) {
	if got := linearToMulaw(0); got != mulawSilence {
		t.Fatalf("linearToMulaw(0) = 0x%02X, want 0xFF", got)
	}
}

func TestLinearToMulaw_Symmetry(t *testing.T) {
	// Equal magnitudes differ only in the sign bit.
	pos := linearToMulaw(1000)
	neg := linearToMulaw(-1000)
	if pos^neg != 0x80 {
		t.Fatalf("linearToMulaw(1000)=0x%02X, linearToMulaw(-1000)=0x%02X, XOR=0x%02X (want 0x80)",
			pos, neg, pos^neg)
	}
}

func TestLinearToMulaw_KnownValues(t *testing.T) {
	tests := []struct {
		input int16
		want  byte
	}{
		{0, 0xFF},
		{4, 0xFE},
		{-4, 0x7E},
		{1000, 0xCE},
		{-1000, 0x4E},
		{32767, 0x80},  // positive clip
		{-32767, 0x00}, // negative clip
	}
	for _, tt := range tests {
		if got := linearToMulaw(tt.input); got != tt.want {
			t.Errorf("linearToMulaw(%d) = 0x%02X, want 0x%02X", tt.input, got, tt.want)
		}
	}
}

func TestLinearToMulaw_MonotonicPositive(t *testing.T) {
	// Companding inverts the bits last, so increasing magnitude must give
	// non-increasing byte values.
	prev := linearToMulaw(0)
	for i := int16(100); i < 32000; i += 100 {
		cur := linearToMulaw(i)
		if cur > prev {
			t.Fatalf("non-monotonic at %d: prev=0x%02X, cur=0x%02X", i, prev, cur)
		}
		prev = cur
	}
}

func stereoFloat32(frames int, gen func(i int) (float64, float64)) []byte {
	buf := make([]byte, frames*8)
	for i := 0; i < frames; i++ {
		l, r := gen(i)
		binary.LittleEndian.PutUint32(buf[i*8:], math.Float32bits(float32(l)))
		binary.LittleEndian.PutUint32(buf[i*8+4:], math.Float32bits(float32(r)))
	}
	return buf
}

func TestTranscoder_ExactFramePerTwentyMilliseconds(t *testing.T) {
	tc := newTranscoder(audiotap.EncodingFloat32LE)

	var frames [][]byte
	emit := func(f []byte) { frames = append(frames, f) }

	// 960 input frames at 48kHz is 20ms, exactly one PCMU frame after 6:1
	// decimation.
	in := stereoFloat32(960, func(i int) (float64, float64) {
		s := 0.5 * math.Sin(2*math.Pi*float64(i)/96)
		return s, s
	})
	tc.pushBuffer(in, 2, 48000, emit)

	if len(frames) != 1 {
		t.Fatalf("emitted %d frames, want 1", len(frames))
	}
	if len(frames[0]) != pcmuFrameSize {
		t.Fatalf("frame size = %d, want %d", len(frames[0]), pcmuFrameSize)
	}
}

func TestTranscoder_StateCarriesAcrossBuffers(t *testing.T) {
	tc := newTranscoder(audiotap.EncodingFloat32LE)

	var frames [][]byte
	emit := func(f []byte) { frames = append(frames, f) }

	half := stereoFloat32(480, func(i int) (float64, float64) { return 0.25, 0.25 })
	tc.pushBuffer(half, 2, 48000, emit)
	if len(frames) != 0 {
		t.Fatalf("half a frame of input emitted %d frames, want 0", len(frames))
	}

	tc.pushBuffer(half, 2, 48000, emit)
	if len(frames) != 1 {
		t.Fatalf("two half buffers emitted %d frames, want 1", len(frames))
	}
}

func TestTranscoder_ZerosEncodeAsSilence(t *testing.T) {
	tc := newTranscoder(audiotap.EncodingFloat32LE)

	var frames [][]byte
	tc.pushBuffer(make([]byte, 960*8), 2, 48000, func(f []byte) { frames = append(frames, f) })

	if len(frames) != 1 {
		t.Fatalf("emitted %d frames, want 1", len(frames))
	}
	for i, v := range frames[0] {
		if v != mulawSilence {
			t.Fatalf("byte %d = 0x%02X, want 0xFF silence", i, v)
		}
	}
}

func TestTranscoder_OpposedChannelsCancelToSilence(t *testing.T) {
	tc := newTranscoder(audiotap.EncodingFloat32LE)

	in := stereoFloat32(960, func(i int) (float64, float64) {
		s := 0.8 * math.Sin(2*math.Pi*float64(i)/96)
		return s, -s
	})

	var frames [][]byte
	tc.pushBuffer(in, 2, 48000, func(f []byte) { frames = append(frames, f) })

	if len(frames) != 1 {
		t.Fatalf("emitted %d frames, want 1", len(frames))
	}
	for i, v := range frames[0] {
		if v != mulawSilence {
			t.Fatalf("byte %d = 0x%02X, want 0xFF after downmix cancellation", i, v)
		}
	}
}

func TestTranscoder_Int16Input(t *testing.T) {
	tc := newTranscoder(audiotap.EncodingInt16LE)

	in := make([]byte, 960*4) // 960 stereo s16le frames
	for i := 0; i < 960; i++ {
		s := uint16(int16(0.5 * 32767 * math.Sin(2*math.Pi*float64(i)/96)))
		binary.LittleEndian.PutUint16(in[i*4:], s)
		binary.LittleEndian.PutUint16(in[i*4+2:], s)
	}

	var frames [][]byte
	tc.pushBuffer(in, 2, 48000, func(f []byte) { frames = append(frames, f) })

	if len(frames) != 1 {
		t.Fatalf("emitted %d frames, want 1", len(frames))
	}
	silent := true
	for _, v := range frames[0] {
		if v != mulawSilence {
			silent = false
			break
		}
	}
	if silent {
		t.Fatal("sine input transcoded to pure silence")
	}
}

func TestTranscoder_IgnoresUndecodableInput(t *testing.T) {
	tc := newTranscoder(audiotap.EncodingUnknown)

	called := false
	tc.pushBuffer(make([]byte, 4096), 2, 48000, func([]byte) { called = true })
	if called {
		t.Fatal("unknown encoding produced output")
	}
}

func BenchmarkTranscoderPushBuffer(b *testing.B) {
	tc := newTranscoder(audiotap.EncodingFloat32LE)
	in := stereoFloat32(480, func(i int) (float64, float64) {
		s := 0.5 * math.Sin(2*math.Pi*float64(i)/96)
		return s, s
	})
	emit := func([]byte) {}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		tc.pushBuffer(in, 2, 48000, emit)
	}
}
