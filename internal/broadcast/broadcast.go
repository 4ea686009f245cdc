// Package broadcast streams a tapped audio signal to a WebRTC peer as a
// PCMU track. The broadcaster is a tap handler: buffers arrive on the
// capture path, hop through a small drop-oldest-never queue, and a worker
// transcodes and writes them, so the capture path never blocks on the
// network.
package broadcast

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/loopcap/agent/internal/audiotap"
	"github.com/loopcap/agent/internal/logging"
)

var log = logging.L("broadcast")

const (
	iceGatherTimeout = 20 * time.Second
	queueDepth       = 32
)

// Config carries the broadcaster's knobs. Encoding must match the tap the
// broadcaster is attached to.
type Config struct {
	StunServer string
	Encoding   audiotap.SampleEncoding
}

// Stats is a point-in-time view of the broadcaster.
type Stats struct {
	FramesSent    uint64
	ChunksDropped uint64
	State         string
}

type chunk struct {
	data       []byte
	channels   int
	sampleRate float64
}

// Broadcaster owns one peer connection with a single outgoing PCMU track.
// It starts muted; SetEnabled(true) begins sending once the peer is
// connected.
type Broadcaster struct {
	pc    *webrtc.PeerConnection
	track *webrtc.TrackLocalStaticSample
	tc    *transcoder

	enabled   atomic.Bool
	connected atomic.Bool

	in   chan chunk
	pool sync.Pool

	framesSent    atomic.Uint64
	chunksDropped atomic.Uint64

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
	wg        sync.WaitGroup
}

// New builds the peer connection and the audio track and starts the send
// worker. No media flows until Connect completes and SetEnabled(true) is
// called.
func New(cfg Config) (*Broadcaster, error) {
	stun := cfg.StunServer
	if stun == "" {
		stun = "stun:stun.l.google.com:19302"
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register default codecs: %w", err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine))

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: []string{stun}}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypePCMU,
			ClockRate: 8000,
			Channels:  1,
		},
		"audio",
		"loopcap",
	)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to create audio track: %w", err)
	}

	sender, err := pc.AddTrack(track)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to add audio track: %w", err)
	}

	b := &Broadcaster{
		pc:    pc,
		track: track,
		tc:    newTranscoder(cfg.Encoding),
		in:    make(chan chunk, queueDepth),
		pool: sync.Pool{
			New: func() any { return make([]byte, 0, 4096) },
		},
		done: make(chan struct{}),
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Info("peer connection state", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateConnected:
			b.connected.Store(true)
		case webrtc.PeerConnectionStateDisconnected,
			webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateClosed:
			b.connected.Store(false)
		}
	})

	// Drain RTCP so report backpressure never stalls the sender.
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		rtcpBuf := make([]byte, 1500)
		for {
			n, _, readErr := sender.Read(rtcpBuf)
			if readErr != nil {
				return
			}
			if _, perr := rtcp.Unmarshal(rtcpBuf[:n]); perr != nil {
				continue
			}
		}
	}()

	b.wg.Add(1)
	go b.sendLoop()

	return b, nil
}

// Connect accepts the viewer's SDP offer and returns the local answer,
// complete once ICE gathering finishes.
func (b *Broadcaster) Connect(offer string) (string, error) {
	if err := b.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer,
	}); err != nil {
		return "", fmt.Errorf("failed to set remote description: %w", err)
	}

	answer, err := b.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create answer: %w", err)
	}
	if err := b.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(b.pc)
	timer := time.NewTimer(iceGatherTimeout)
	defer timer.Stop()
	select {
	case <-gatherComplete:
	case <-timer.C:
		return "", fmt.Errorf("ICE gathering timed out after %s", iceGatherTimeout)
	case <-b.done:
		return "", fmt.Errorf("broadcaster closed during ICE gathering")
	}

	ld := b.pc.LocalDescription()
	if ld == nil {
		return "", fmt.Errorf("local description not available")
	}
	return ld.SDP, nil
}

// OnAudioBuffer implements audiotap.Handler. Disabled or unconnected, it
// is a cheap pair of atomic loads; otherwise the buffer is copied and
// queued, and dropped with a count when the worker is behind.
func (b *Broadcaster) OnAudioBuffer(data []byte, channels int, sampleRate float64) {
	if !b.enabled.Load() || !b.connected.Load() {
		return
	}

	buf := b.pool.Get().([]byte)[:0]
	buf = append(buf, data...)

	select {
	case b.in <- chunk{data: buf, channels: channels, sampleRate: sampleRate}:
	default:
		b.pool.Put(buf[:0])
		b.chunksDropped.Add(1)
	}
}

func (b *Broadcaster) sendLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case c := <-b.in:
			b.tc.pushBuffer(c.data, c.channels, c.sampleRate, b.writeFrame)
			b.pool.Put(c.data[:0])
		}
	}
}

func (b *Broadcaster) writeFrame(frame []byte) {
	err := b.track.WriteSample(media.Sample{
		Data:     frame,
		Duration: 20 * time.Millisecond,
	})
	if err != nil {
		log.Debug("write audio sample failed", "error", err)
		return
	}
	b.framesSent.Add(1)
}

// SetEnabled mutes or unmutes the outgoing stream.
func (b *Broadcaster) SetEnabled(v bool) {
	if b.enabled.Swap(v) != v {
		log.Info("broadcast audio toggled", "enabled", v)
	}
}

// Enabled reports whether the stream is unmuted.
func (b *Broadcaster) Enabled() bool {
	return b.enabled.Load()
}

// Stats returns the broadcaster's counters and connection state.
func (b *Broadcaster) Stats() Stats {
	s := Stats{
		FramesSent:    b.framesSent.Load(),
		ChunksDropped: b.chunksDropped.Load(),
	}
	if b.pc != nil {
		s.State = b.pc.ConnectionState().String()
	}
	return s
}

// Close tears down the worker and the peer connection. Safe to call more
// than once.
func (b *Broadcaster) Close() error {
	b.closeOnce.Do(func() {
		close(b.done)
		b.closeErr = b.pc.Close()
		b.wg.Wait()
	})
	return b.closeErr
}
