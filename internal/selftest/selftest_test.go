package selftest

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/loopcap/agent/internal/audiotap"
	"github.com/loopcap/agent/internal/meter"
)

func genFrames(g *toneGenerator, frames int) []int16 {
	buf := make([]byte, frames*2)
	g.fill(buf, frames)
	out := make([]int16, frames)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(buf[i*2:]))
	}
	return out
}

func TestToneGenerator_RMSMatchesVolume(t *testing.T) {
	g := &toneGenerator{freq: 440, rate: 48000, volume: 0.5}
	samples := genFrames(g, 48000)

	var sum float64
	for _, s := range samples {
		v := float64(s) / 32767.0
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(len(samples)))

	want := 0.5 / math.Sqrt2
	if math.Abs(rms-want) > 0.01 {
		t.Fatalf("got RMS %.4f, want %.4f", rms, want)
	}
}

func TestToneGenerator_FrequencyViaZeroCrossings(t *testing.T) {
	g := &toneGenerator{freq: 1000, rate: 48000, volume: 0.8}
	samples := genFrames(g, 48000)

	crossings := 0
	for i := 1; i < len(samples); i++ {
		if (samples[i-1] < 0) != (samples[i] < 0) {
			crossings++
		}
	}

	// A sine crosses zero twice per cycle. One second at 1 kHz.
	if crossings < 1990 || crossings > 2010 {
		t.Fatalf("got %d zero crossings, want ~2000", crossings)
	}
}

func TestToneGenerator_PhaseContinuousAcrossCalls(t *testing.T) {
	whole := &toneGenerator{freq: 440, rate: 48000, volume: 0.5}
	split := &toneGenerator{freq: 440, rate: 48000, volume: 0.5}

	wantSamples := genFrames(whole, 960)

	var got []int16
	for i := 0; i < 4; i++ {
		got = append(got, genFrames(split, 240)...)
	}

	for i := range wantSamples {
		if got[i] != wantSamples[i] {
			t.Fatalf("sample %d: got %d, want %d", i, got[i], wantSamples[i])
		}
	}
}

func TestToneGenerator_ShortBufferDoesNotPanic(t *testing.T) {
	g := &toneGenerator{freq: 440, rate: 48000, volume: 0.5}
	buf := make([]byte, 3)
	g.fill(buf, 10)
}

func TestConfig_Defaults(t *testing.T) {
	var cfg Config
	cfg.applyDefaults()

	if cfg.Frequency != 440 {
		t.Fatalf("got frequency %v, want 440", cfg.Frequency)
	}
	if cfg.Duration != 3*time.Second {
		t.Fatalf("got duration %v, want 3s", cfg.Duration)
	}
	if cfg.Volume != 0.2 {
		t.Fatalf("got volume %v, want 0.2", cfg.Volume)
	}

	cfg = Config{Frequency: 880, Duration: time.Second, Volume: 0.1}
	cfg.applyDefaults()
	if cfg.Frequency != 880 || cfg.Duration != time.Second || cfg.Volume != 0.1 {
		t.Fatalf("explicit values overwritten: %+v", cfg)
	}

	cfg = Config{Volume: 1.5}
	cfg.applyDefaults()
	if cfg.Volume != 0.2 {
		t.Fatalf("got volume %v for out-of-range input, want 0.2", cfg.Volume)
	}
}

func TestMeterProxy_SafeBeforeMeterExists(t *testing.T) {
	proxy := &meterProxy{}
	proxy.OnAudioBuffer(make([]byte, 64), 2, 48000)

	m := meter.New(audiotap.EncodingFloat32LE)
	proxy.m.Store(m)
	proxy.OnAudioBuffer(make([]byte, 64), 2, 48000)

	stats := m.Snapshot()
	if stats.Buffers != 1 {
		t.Fatalf("got %d buffers after store, want 1", stats.Buffers)
	}
}

func TestRun_UnsupportedPlatform(t *testing.T) {
	if audiotap.Available() {
		t.Skip("capture available on this platform")
	}
	_, err := Run(context.Background(), Config{Duration: 100 * time.Millisecond})
	if !errors.Is(err, audiotap.ErrNotSupported) {
		t.Fatalf("got %v, want ErrNotSupported", err)
	}
}

func TestRun_Hardware(t *testing.T) {
	if !audiotap.Available() {
		t.Skip("capture not available on this platform")
	}
	if testing.Short() {
		t.Skip("skipping hardware self-test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result, err := Run(ctx, Config{Duration: 2 * time.Second})
	if err != nil {
		t.Fatalf("self-test failed: %v", err)
	}
	if result.Played < time.Second {
		t.Fatalf("got play time %v, want at least 1s", result.Played)
	}
	if result.Stats.Buffers == 0 {
		t.Fatalf("tap delivered no buffers")
	}
}
