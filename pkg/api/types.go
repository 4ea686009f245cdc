package api

import (
	"encoding/binary"
	"fmt"
	"time"
)

// SampleFormat identifies the PCM encoding of frame payloads.
type SampleFormat uint8

const (
	SampleFormatUnknown   SampleFormat = 0
	SampleFormatFloat32LE SampleFormat = 1
	SampleFormatInt16LE   SampleFormat = 2
)

func (f SampleFormat) String() string {
	switch f {
	case SampleFormatFloat32LE:
		return "f32le"
	case SampleFormatInt16LE:
		return "s16le"
	default:
		return "unknown"
	}
}

// StreamHello is the first (JSON text) message on a stream socket. It fixes
// the format for every binary frame that follows; the format never changes
// mid-stream because the capture format is fixed when the tap is created.
type StreamHello struct {
	Hostname     string  `json:"hostname"`
	AgentVersion string  `json:"agentVersion,omitempty"`
	Channels     int     `json:"channels"`
	SampleRate   float64 `json:"sampleRate"`
	SampleFormat string  `json:"sampleFormat"`
}

// FrameHeaderSize is the fixed length of the binary frame prefix.
const FrameHeaderSize = 14

// FrameHeader prefixes every binary PCM frame on a stream socket.
// Layout, little-endian: Seq uint32, TimestampMicro int64, Channels uint8,
// SampleFormat uint8. The PCM payload follows immediately.
type FrameHeader struct {
	Seq            uint32
	TimestampMicro int64
	Channels       uint8
	SampleFormat   SampleFormat
}

// AppendTo appends the encoded header to dst and returns the extended slice.
func (h FrameHeader) AppendTo(dst []byte) []byte {
	var buf [FrameHeaderSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], h.Seq)
	binary.LittleEndian.PutUint64(buf[4:12], uint64(h.TimestampMicro))
	buf[12] = h.Channels
	buf[13] = byte(h.SampleFormat)
	return append(dst, buf[:]...)
}

// ParseFrameHeader decodes the header prefix of a binary frame and returns
// the header plus the PCM payload that follows it.
func ParseFrameHeader(frame []byte) (FrameHeader, []byte, error) {
	if len(frame) < FrameHeaderSize {
		return FrameHeader{}, nil, fmt.Errorf("frame too short: %d bytes, need %d", len(frame), FrameHeaderSize)
	}
	h := FrameHeader{
		Seq:            binary.LittleEndian.Uint32(frame[0:4]),
		TimestampMicro: int64(binary.LittleEndian.Uint64(frame[4:12])),
		Channels:       frame[12],
		SampleFormat:   SampleFormat(frame[13]),
	}
	return h, frame[FrameHeaderSize:], nil
}

// CapabilityReport describes whether (and how) this host can tap its system
// audio. Produced by the probe command, optionally posted to the server.
type CapabilityReport struct {
	Hostname     string    `json:"hostname" yaml:"hostname"`
	OS           string    `json:"os" yaml:"os"`
	Platform     string    `json:"platform" yaml:"platform"`
	OSVersion    string    `json:"osVersion" yaml:"osVersion"`
	Architecture string    `json:"architecture" yaml:"architecture"`
	AgentVersion string    `json:"agentVersion,omitempty" yaml:"agentVersion,omitempty"`
	TapAvailable bool      `json:"tapAvailable" yaml:"tapAvailable"`
	Reason       string    `json:"reason,omitempty" yaml:"reason,omitempty"`
	Channels     int       `json:"channels,omitempty" yaml:"channels,omitempty"`
	SampleRate   float64   `json:"sampleRate,omitempty" yaml:"sampleRate,omitempty"`
	CollectedAt  time.Time `json:"collectedAt" yaml:"collectedAt"`
}
