// Package audiotap attaches to the platform's current default audio output
// device and delivers the PCM that device is rendering to a caller-supplied
// handler. It taps the outbound mix without owning a playback or recording
// pipeline of its own: buffers are handed over synchronously from the
// capture path with no buffering, resampling, or persistence in between.
// Consumers that need a queue own the queue.
//
// Capture backends are CoreAudio on macOS 14.2+ (cgo) and WASAPI loopback
// on Windows. Everywhere else the same surface exists and degrades cleanly:
// Available reports false and New fails with ErrNotSupported.
package audiotap

import (
	"sync/atomic"

	"github.com/loopcap/agent/internal/logging"
)

var log = logging.L("audiotap")

// Handler receives captured audio. OnAudioBuffer is invoked synchronously
// from the capture path, once per buffer, with the buffer's own channel
// count and the sample rate fixed when the tap was created. data is valid
// only for the duration of the call; handlers that keep samples must copy.
// The call must return quickly and must not block or take locks shared
// with lifecycle calls: on macOS it runs on the audio engine's real-time
// thread, and anything slow there causes dropouts in what the machine is
// actually playing.
type Handler interface {
	OnAudioBuffer(data []byte, channels int, sampleRate float64)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(data []byte, channels int, sampleRate float64)

func (f HandlerFunc) OnAudioBuffer(data []byte, channels int, sampleRate float64) {
	f(data, channels, sampleRate)
}

// SampleEncoding identifies how the samples in delivered buffers are encoded.
type SampleEncoding uint8

const (
	EncodingUnknown SampleEncoding = iota
	EncodingFloat32LE
	EncodingInt16LE
)

func (e SampleEncoding) String() string {
	switch e {
	case EncodingFloat32LE:
		return "f32le"
	case EncodingInt16LE:
		return "s16le"
	default:
		return "unknown"
	}
}

// BytesPerSample returns the width of one sample, or 0 when unknown.
func (e SampleEncoding) BytesPerSample() int {
	switch e {
	case EncodingFloat32LE:
		return 4
	case EncodingInt16LE:
		return 2
	default:
		return 0
	}
}

// Format describes a tap's stream: the device's channel count and sample
// rate read once when the tap is created, and the sample encoding the
// platform backend produces. It never changes for the life of the tap.
type Format struct {
	Channels   int
	SampleRate float64
	Encoding   SampleEncoding
}

// Available reports whether system-audio capture works on this host.
// Calling New without checking first is allowed; New performs the same
// check and fails cleanly.
func Available() bool {
	return defaultEngine.available()
}

// New resolves the current default output device, reads its stream format,
// and registers (but does not start) a tap delivering to h. On any failure
// everything partially acquired is released and no tap is returned.
func New(h Handler) (*Tap, error) {
	return newTap(defaultEngine, h)
}

// lastErrMax bounds the stored diagnostic string.
const lastErrMax = 256

var lastErr atomic.Value // string

func setLastError(msg string) {
	if len(msg) > lastErrMax {
		msg = msg[:lastErrMax]
	}
	lastErr.Store(msg)
}

// LastError returns the diagnostic recorded by the most recent failing
// call in this process, or the empty string if nothing has failed. The
// slot is shared process-wide and last-writer-wins: read it immediately
// after the call whose failure you care about, never from another
// goroutine and never across an intervening call. Failures are also
// returned as errors; prefer those.
func LastError() string {
	if s, ok := lastErr.Load().(string); ok {
		return s
	}
	return ""
}
