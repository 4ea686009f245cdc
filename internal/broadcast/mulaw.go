package broadcast

import (
	"encoding/binary"
	"math"

	"github.com/loopcap/agent/internal/audiotap"
)

// pcmuFrameSize is 20ms of 8kHz μ-law, the sample size a PCMU track carries.
const pcmuFrameSize = 160

// mulawSilence is the μ-law code for zero amplitude.
const mulawSilence = 0xFF

// transcoder folds an interleaved PCM stream down to the 8kHz mono μ-law
// frames PCMU expects: channels averaged to mono, block-averaged down to
// 8kHz, each output sample companded. Decimation and frame state carry
// across buffers, so input buffer boundaries need not align with frames.
type transcoder struct {
	encoding   audiotap.SampleEncoding
	accum      float64
	accumCount int
	frame      [pcmuFrameSize]byte
	fill       int
}

func newTranscoder(encoding audiotap.SampleEncoding) *transcoder {
	return &transcoder{encoding: encoding}
}

// pushBuffer consumes one captured buffer and calls emit once per
// completed frame. emit receives a fresh slice it may retain.
func (t *transcoder) pushBuffer(data []byte, channels int, sampleRate float64, emit func([]byte)) {
	bytesPerSample := t.encoding.BytesPerSample()
	if bytesPerSample == 0 || channels <= 0 || sampleRate <= 0 {
		return
	}
	bytesPerFrame := channels * bytesPerSample
	frames := len(data) / bytesPerFrame

	ratio := sampleRate / 8000.0
	if ratio < 1 {
		ratio = 1
	}

	for i := 0; i < frames; i++ {
		// Mix down to mono: average all channels.
		var mono float64
		for ch := 0; ch < channels; ch++ {
			offset := i*bytesPerFrame + ch*bytesPerSample
			switch t.encoding {
			case audiotap.EncodingFloat32LE:
				mono += float64(math.Float32frombits(binary.LittleEndian.Uint32(data[offset:])))
			case audiotap.EncodingInt16LE:
				mono += float64(int16(binary.LittleEndian.Uint16(data[offset:]))) / 32768.0
			}
		}
		mono /= float64(channels)

		t.accum += mono
		t.accumCount++

		if float64(t.accumCount) >= ratio {
			avg := t.accum / float64(t.accumCount)
			if avg > 1.0 {
				avg = 1.0
			} else if avg < -1.0 {
				avg = -1.0
			}
			t.frame[t.fill] = linearToMulaw(int16(avg * 32767.0))
			t.fill++
			t.accum = 0
			t.accumCount = 0

			if t.fill >= pcmuFrameSize {
				out := make([]byte, pcmuFrameSize)
				copy(out, t.frame[:])
				emit(out)
				t.fill = 0
			}
		}
	}
}

// linearToMulaw converts a 16-bit signed PCM sample to μ-law encoding.
func linearToMulaw(sample int16) byte {
	const bias = 0x84
	const clip = 32635

	sign := byte(0)
	if sample < 0 {
		sign = 0x80
		sample = -sample
	}
	if sample > clip {
		sample = clip
	}
	sample += bias

	exp := 7
	for mask := int16(0x4000); exp > 0; exp-- {
		if sample&mask != 0 {
			break
		}
		mask >>= 1
	}
	mantissa := (sample >> (uint(exp) + 3)) & 0x0F
	return ^(sign | byte(exp<<4) | byte(mantissa))
}
