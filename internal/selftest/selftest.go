// Package selftest proves the capture path end to end on a real machine:
// it plays a known tone through the default output device and watches the
// tap hear it come back.
package selftest

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/loopcap/agent/internal/audiotap"
	"github.com/loopcap/agent/internal/logging"
	"github.com/loopcap/agent/internal/meter"
)

var log = logging.L("selftest")

// detectThresholdDBFS is the level the tapped signal must reach for the
// tone to count as heard. Well above the noise floor, well below the
// played volume.
const detectThresholdDBFS = -40.0

const (
	toneSampleRate = 48000
	toneChannels   = 1
)

// Config carries the tone parameters. Zero values take the defaults.
type Config struct {
	Frequency float64       // Hz, default 440
	Duration  time.Duration // default 3s
	Volume    float64       // 0..1, default 0.2
}

func (c *Config) applyDefaults() {
	if c.Frequency <= 0 {
		c.Frequency = 440
	}
	if c.Duration <= 0 {
		c.Duration = 3 * time.Second
	}
	if c.Volume <= 0 || c.Volume > 1 {
		c.Volume = 0.2
	}
}

// Result is what the self-test observed.
type Result struct {
	ToneDetected bool
	Played       time.Duration
	Format       audiotap.Format
	Stats        meter.Stats
}

// meterProxy lets the tap be created before the meter exists; the meter
// needs the tap's format to decode, and the tap needs its handler up
// front.
type meterProxy struct {
	m atomic.Pointer[meter.Meter]
}

func (p *meterProxy) OnAudioBuffer(data []byte, channels int, sampleRate float64) {
	if m := p.m.Load(); m != nil {
		m.OnAudioBuffer(data, channels, sampleRate)
	}
}

// Run plays the tone while tapping system audio, then reports whether the
// tap heard it. The context bounds the whole run.
func Run(ctx context.Context, cfg Config) (*Result, error) {
	cfg.applyDefaults()

	if !audiotap.Available() {
		return nil, audiotap.ErrNotSupported
	}

	proxy := &meterProxy{}
	tap, err := audiotap.New(proxy)
	if err != nil {
		return nil, fmt.Errorf("failed to create tap: %w", err)
	}
	defer tap.Close()

	format := tap.Format()
	m := meter.New(format.Encoding)
	proxy.m.Store(m)

	if err := tap.Start(); err != nil {
		return nil, fmt.Errorf("failed to start tap: %w", err)
	}
	defer tap.Stop()

	played, err := playTone(ctx, cfg)
	if err != nil {
		return nil, err
	}

	tap.Stop()
	stats := m.Snapshot()

	result := &Result{
		ToneDetected: stats.Buffers > 0 && stats.RMSDBFS > detectThresholdDBFS,
		Played:       played,
		Format:       format,
		Stats:        stats,
	}
	log.Info("self-test complete",
		"toneDetected", result.ToneDetected,
		"rmsDBFS", fmt.Sprintf("%.1f", stats.RMSDBFS),
		"buffers", stats.Buffers)
	return result, nil
}

// playTone drives the default output device with a sine for the
// configured duration, or until the context ends.
func playTone(ctx context.Context, cfg Config) (time.Duration, error) {
	malgoCtx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to init audio context: %w", err)
	}
	defer func() {
		_ = malgoCtx.Uninit()
		malgoCtx.Free()
	}()

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.SampleRate = toneSampleRate
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = toneChannels

	gen := &toneGenerator{
		freq:   cfg.Frequency,
		rate:   toneSampleRate,
		volume: cfg.Volume,
	}

	device, err := malgo.InitDevice(malgoCtx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: func(out, _ []byte, frameCount uint32) {
			gen.fill(out, int(frameCount))
		},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to init playback device: %w", err)
	}
	defer device.Uninit()

	if err := device.Start(); err != nil {
		return 0, fmt.Errorf("failed to start playback device: %w", err)
	}
	defer device.Stop()

	log.Info("playing tone",
		"frequency", cfg.Frequency,
		"duration", cfg.Duration,
		"volume", cfg.Volume)

	started := time.Now()
	select {
	case <-time.After(cfg.Duration):
	case <-ctx.Done():
		return time.Since(started), ctx.Err()
	}
	return time.Since(started), nil
}

// toneGenerator writes a mono s16le sine, carrying phase across callbacks
// so buffer boundaries stay click-free.
type toneGenerator struct {
	freq   float64
	rate   float64
	volume float64
	phase  float64
}

func (g *toneGenerator) fill(out []byte, frames int) {
	step := 2 * math.Pi * g.freq / g.rate
	for i := 0; i < frames && i*2+1 < len(out); i++ {
		v := int16(g.volume * 32767 * math.Sin(g.phase))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
		g.phase += step
		if g.phase >= 2*math.Pi {
			g.phase -= 2 * math.Pi
		}
	}
}
