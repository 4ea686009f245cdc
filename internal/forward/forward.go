// Package forward ships tapped audio to a collector over WebSocket. The
// forwarder is a tap handler: each captured buffer becomes one binary
// frame behind a fixed header, queued without blocking and dropped with a
// count when the link cannot keep up. A text hello identifying the agent
// and the stream format opens every connection, and collector control
// messages (broadcast offers) ride the same socket.
package forward

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loopcap/agent/internal/audiotap"
	"github.com/loopcap/agent/internal/logging"
	"github.com/loopcap/agent/pkg/api"
)

var log = logging.L("forward")

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2.0
	jitterFactor   = 0.3

	defaultQueueSize = 64
)

// Config holds forwarder configuration. URL must be a ws:// or wss://
// endpoint; Format must match the tap the forwarder is attached to.
type Config struct {
	URL       string
	AuthToken string
	QueueSize int
	Hello     api.StreamHello
	Format    api.SampleFormat

	// OfferHandler, when set, answers broadcast offers relayed by the
	// collector. It receives the remote SDP offer and returns the local
	// answer.
	OfferHandler func(offer string) (string, error)
}

// SampleFormatFor maps a tap encoding onto the wire enum.
func SampleFormatFor(enc audiotap.SampleEncoding) api.SampleFormat {
	switch enc {
	case audiotap.EncodingFloat32LE:
		return api.SampleFormatFloat32LE
	case audiotap.EncodingInt16LE:
		return api.SampleFormatInt16LE
	default:
		return api.SampleFormatUnknown
	}
}

// Stats is a point-in-time view of the forwarder.
type Stats struct {
	FramesSent    uint64
	FramesDropped uint64
	BytesSent     uint64
	Reconnects    uint64
	Queued        int
}

// Forwarder manages the connection and the frame queue. Start blocks
// until Stop, reconnecting with jittered exponential backoff; callers run
// it on its own goroutine.
type Forwarder struct {
	config Config

	conn   *websocket.Conn
	connMu sync.RWMutex

	frames  chan []byte
	control chan []byte
	pool    sync.Pool

	seq        atomic.Uint32
	sent       atomic.Uint64
	sentBytes  atomic.Uint64
	dropped    atomic.Uint64
	reconnects atomic.Uint64

	done      chan struct{}
	stopOnce  sync.Once
	isRunning bool
	runningMu sync.RWMutex
}

// New creates a forwarder. It does not connect.
func New(cfg Config) *Forwarder {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	return &Forwarder{
		config:  cfg,
		frames:  make(chan []byte, cfg.QueueSize),
		control: make(chan []byte, 4),
		pool: sync.Pool{
			New: func() any { return make([]byte, 0, api.FrameHeaderSize+8192) },
		},
		done: make(chan struct{}),
	}
}

// Start runs the connect/pump cycle until Stop is called.
func (f *Forwarder) Start() {
	f.runningMu.Lock()
	if f.isRunning {
		f.runningMu.Unlock()
		return
	}
	f.isRunning = true
	f.runningMu.Unlock()

	f.reconnectLoop()
}

// Stop gracefully closes the connection and ends Start.
func (f *Forwarder) Stop() {
	f.stopOnce.Do(func() {
		f.runningMu.Lock()
		f.isRunning = false
		f.runningMu.Unlock()

		close(f.done)

		f.connMu.Lock()
		if f.conn != nil {
			f.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait),
			)
			f.conn.Close()
			f.conn = nil
		}
		f.connMu.Unlock()

		log.Info("forwarder stopped")
	})
}

// OnAudioBuffer implements audiotap.Handler. The buffer is copied behind a
// frame header and queued; a full queue drops the frame and counts it.
func (f *Forwarder) OnAudioBuffer(data []byte, channels int, sampleRate float64) {
	header := api.FrameHeader{
		Seq:            f.seq.Add(1) - 1,
		TimestampMicro: time.Now().UnixMicro(),
		Channels:       uint8(channels),
		SampleFormat:   f.config.Format,
	}

	msg := f.pool.Get().([]byte)[:0]
	msg = header.AppendTo(msg)
	msg = append(msg, data...)

	select {
	case f.frames <- msg:
	case <-f.done:
		f.pool.Put(msg[:0])
	default:
		f.pool.Put(msg[:0])
		f.dropped.Add(1)
	}
}

// Stats returns the forwarder's counters and current queue depth.
func (f *Forwarder) Stats() Stats {
	return Stats{
		FramesSent:    f.sent.Load(),
		FramesDropped: f.dropped.Load(),
		BytesSent:     f.sentBytes.Load(),
		Reconnects:    f.reconnects.Load(),
		Queued:        len(f.frames),
	}
}

func (f *Forwarder) connect() error {
	wsURL, err := f.buildWSURL()
	if err != nil {
		return fmt.Errorf("failed to build WebSocket URL: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	conn.SetReadLimit(maxMessageSize)

	// The hello precedes any frames on every connection so the collector
	// can bind the stream without per-frame metadata beyond the header.
	hello := f.config.Hello
	hello.SampleFormat = f.config.Format.String()
	payload, err := json.Marshal(hello)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to marshal hello: %w", err)
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		conn.Close()
		return fmt.Errorf("failed to send hello: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	log.Info("connected", "url", f.config.URL,
		"channels", hello.Channels, "sampleRate", hello.SampleRate)
	return nil
}

func (f *Forwarder) buildWSURL() (string, error) {
	u, err := url.Parse(f.config.URL)
	if err != nil {
		return "", err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if f.config.AuthToken != "" {
		q := u.Query()
		q.Set("token", f.config.AuthToken)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (f *Forwarder) reconnectLoop() {
	backoff := initialBackoff

	for {
		select {
		case <-f.done:
			return
		default:
		}

		if err := f.connect(); err != nil {
			log.Warn("connection failed", "error", err)

			jitter := time.Duration(float64(backoff) * jitterFactor * (rand.Float64()*2 - 1))
			sleep := backoff + jitter
			if sleep < 0 {
				sleep = backoff
			}

			log.Info("retrying", "delay", sleep)
			select {
			case <-f.done:
				return
			case <-time.After(sleep):
			}

			backoff = time.Duration(float64(backoff) * backoffFactor)
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		backoff = initialBackoff

		pumpDone := make(chan struct{})
		go f.writePump(pumpDone)
		f.readPump()
		close(pumpDone)

		// The read side is done, so the connection is dead either way.
		f.connMu.Lock()
		if f.conn != nil {
			f.conn.Close()
			f.conn = nil
		}
		f.connMu.Unlock()

		f.runningMu.RLock()
		running := f.isRunning
		f.runningMu.RUnlock()
		if !running {
			return
		}
		f.reconnects.Add(1)
	}
}

// readPump keeps the connection's read side alive for pongs and surfaces
// collector errors. The stream is one-way; anything else is ignored.
func (f *Forwarder) readPump() {
	f.connMu.RLock()
	conn := f.conn
	f.connMu.RUnlock()

	if conn == nil {
		return
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("read error", "error", err)
			}
			return
		}

		var msg struct {
			Type  string `json:"type"`
			Error string `json:"error"`
			SDP   string `json:"sdp"`
		}
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "error":
			log.Warn("collector reported error", "error", msg.Error)
		case "broadcast_offer":
			go f.handleOffer(msg.SDP)
		}
	}
}

// handleOffer answers a broadcast offer relayed by the collector. ICE
// gathering can take seconds, so it runs off the read loop and the answer
// goes back as a control message on the same connection.
func (f *Forwarder) handleOffer(offer string) {
	if f.config.OfferHandler == nil {
		log.Warn("broadcast offer received but no handler registered")
		return
	}

	reply := struct {
		Type  string `json:"type"`
		SDP   string `json:"sdp,omitempty"`
		Error string `json:"error,omitempty"`
	}{Type: "broadcast_answer"}

	answer, err := f.config.OfferHandler(offer)
	if err != nil {
		log.Warn("broadcast offer rejected", "error", err)
		reply.Error = err.Error()
	} else {
		reply.SDP = answer
	}

	payload, err := json.Marshal(reply)
	if err != nil {
		return
	}
	select {
	case f.control <- payload:
	case <-f.done:
	}
}

func (f *Forwarder) writePump(done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-f.done:
			return

		case msg := <-f.frames:
			f.connMu.RLock()
			conn := f.conn
			f.connMu.RUnlock()

			if conn == nil {
				f.pool.Put(msg[:0])
				continue
			}

			size := len(msg)
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.BinaryMessage, msg)
			f.pool.Put(msg[:0])
			if err != nil {
				log.Warn("frame write error", "error", err)
				return
			}
			f.sent.Add(1)
			f.sentBytes.Add(uint64(size))

		case msg := <-f.control:
			f.connMu.RLock()
			conn := f.conn
			f.connMu.RUnlock()

			if conn == nil {
				continue
			}

			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Warn("control write error", "error", err)
				return
			}

		case <-ticker.C:
			f.connMu.RLock()
			conn := f.conn
			f.connMu.RUnlock()

			if conn == nil {
				continue
			}

			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
