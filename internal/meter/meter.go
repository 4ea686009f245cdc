// Package meter measures the level of a captured audio stream. A Meter
// plugs straight into a tap as its handler and accumulates lock-free, so
// it is safe on the real-time capture path.
package meter

import (
	"encoding/binary"
	"math"
	"sync/atomic"

	"github.com/loopcap/agent/internal/audiotap"
)

// floorDBFS is the level reported for silence and anything below it.
const floorDBFS = -96.0

// clipThreshold marks a sample as clipped; full-scale int16 lands just
// under 1.0 after normalization, so the margin covers both encodings.
const clipThreshold = 0.9999

// Stats is one measurement window: everything accumulated since the
// previous Snapshot call.
type Stats struct {
	RMSDBFS  float64
	PeakDBFS float64
	Buffers  uint64
	Samples  uint64
	Bytes    uint64
	Clipped  uint64
}

// Silent reports whether the window contained no signal above the floor.
func (s Stats) Silent() bool {
	return s.Samples == 0 || s.RMSDBFS <= floorDBFS
}

// Meter accumulates squared sample energy and peak amplitude across
// buffers. All fields are atomics: OnAudioBuffer performs no allocation
// and takes no locks, and Snapshot may be called from any goroutine.
type Meter struct {
	encoding audiotap.SampleEncoding

	sumSquares atomic.Uint64 // float64 bits
	peak       atomic.Uint64 // float64 bits
	samples    atomic.Uint64
	buffers    atomic.Uint64
	bytes      atomic.Uint64
	clipped    atomic.Uint64
}

// New returns a Meter decoding samples with the given encoding. Buffers
// in an unknown encoding still count as buffers but contribute no signal.
func New(encoding audiotap.SampleEncoding) *Meter {
	return &Meter{encoding: encoding}
}

// OnAudioBuffer implements audiotap.Handler. Channels are not separated;
// the meter reads the interleaved stream as one signal.
func (m *Meter) OnAudioBuffer(data []byte, channels int, sampleRate float64) {
	m.buffers.Add(1)
	m.bytes.Add(uint64(len(data)))

	var sum float64
	var peak float64
	var count, clipped uint64

	switch m.encoding {
	case audiotap.EncodingFloat32LE:
		for i := 0; i+4 <= len(data); i += 4 {
			s := float64(math.Float32frombits(binary.LittleEndian.Uint32(data[i:])))
			sum += s * s
			if a := math.Abs(s); a > peak {
				peak = a
			}
			if s >= clipThreshold || s <= -clipThreshold {
				clipped++
			}
			count++
		}
	case audiotap.EncodingInt16LE:
		for i := 0; i+2 <= len(data); i += 2 {
			s := float64(int16(binary.LittleEndian.Uint16(data[i:]))) / 32768.0
			sum += s * s
			if a := math.Abs(s); a > peak {
				peak = a
			}
			if s >= clipThreshold || s <= -clipThreshold {
				clipped++
			}
			count++
		}
	default:
		return
	}

	addFloat(&m.sumSquares, sum)
	maxFloat(&m.peak, peak)
	m.samples.Add(count)
	if clipped > 0 {
		m.clipped.Add(clipped)
	}
}

// Snapshot returns the stats for the window since the last Snapshot and
// starts a new window.
func (m *Meter) Snapshot() Stats {
	sum := math.Float64frombits(m.sumSquares.Swap(0))
	peak := math.Float64frombits(m.peak.Swap(0))
	samples := m.samples.Swap(0)
	buffers := m.buffers.Swap(0)
	bytes := m.bytes.Swap(0)
	clipped := m.clipped.Swap(0)

	stats := Stats{
		RMSDBFS:  floorDBFS,
		PeakDBFS: floorDBFS,
		Buffers:  buffers,
		Samples:  samples,
		Bytes:    bytes,
		Clipped:  clipped,
	}
	if samples > 0 {
		stats.RMSDBFS = dbfs(math.Sqrt(sum / float64(samples)))
		stats.PeakDBFS = dbfs(peak)
	}
	return stats
}

// dbfs converts a normalized amplitude to decibels relative to full
// scale, clamped at the silence floor.
func dbfs(amplitude float64) float64 {
	if amplitude <= 0 {
		return floorDBFS
	}
	db := 20 * math.Log10(amplitude)
	if db < floorDBFS {
		return floorDBFS
	}
	return db
}

// addFloat adds delta to a float64 stored as bits, lock-free.
func addFloat(addr *atomic.Uint64, delta float64) {
	for {
		old := addr.Load()
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if addr.CompareAndSwap(old, next) {
			return
		}
	}
}

// maxFloat raises a float64 stored as bits to at least val, lock-free.
func maxFloat(addr *atomic.Uint64, val float64) {
	for {
		old := addr.Load()
		if math.Float64frombits(old) >= val {
			return
		}
		if addr.CompareAndSwap(old, math.Float64bits(val)) {
			return
		}
	}
}
