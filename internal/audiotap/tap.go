package audiotap

import (
	"sync"
	"sync/atomic"
)

// State is a tap's lifecycle position. A tap begins in StateCreated, moves
// between StateRunning and StateStopped, and ends in StateClosed.
type State uint8

const (
	StateCreated State = iota
	StateRunning
	StateStopped
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Tap is one registered capture on the default output device. Lifecycle
// methods are safe for concurrent use with each other and with delivery;
// delivery itself is gated only by the running flag, so one in-flight
// buffer may still reach the handler right as Stop returns, or be dropped
// right as Start returns. Callers must tolerate that overlap.
type Tap struct {
	mu      sync.Mutex
	state   State
	session osSession
	handler Handler
	format  Format

	// running is the only field the capture path reads. One lock-free
	// load per buffer; everything else in the struct is guarded by mu.
	running atomic.Bool
}

func newTap(eng osEngine, h Handler) (*Tap, error) {
	if !eng.available() {
		setLastError(ErrNotSupported.Error())
		return nil, ErrNotSupported
	}
	if h == nil {
		setLastError(ErrNilHandler.Error())
		return nil, ErrNilHandler
	}

	t := &Tap{state: StateCreated, handler: h}
	session, format, err := eng.open(t)
	if err != nil {
		setLastError(err.Error())
		return nil, err
	}
	t.session = session
	t.format = format

	log.Debug("tap created",
		"channels", format.Channels,
		"sampleRate", format.SampleRate,
		"encoding", format.Encoding.String())
	return t, nil
}

// Start asks the OS to begin driving deliveries to the handler. It fails
// on a nil or closed tap, on a tap that is already running, and when the
// OS refuses to start the device; in the OS case the tap stays in its
// previous state and Start may be retried.
func (t *Tap) Start() error {
	if t == nil {
		setLastError(ErrInvalidHandle.Error())
		return ErrInvalidHandle
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case StateClosed:
		setLastError(ErrTapClosed.Error())
		return ErrTapClosed
	case StateRunning:
		setLastError(ErrAlreadyRunning.Error())
		return ErrAlreadyRunning
	}

	if err := t.session.start(); err != nil {
		setLastError(err.Error())
		return err
	}

	t.state = StateRunning
	t.running.Store(true)
	log.Info("tap started",
		"channels", t.format.Channels,
		"sampleRate", t.format.SampleRate)
	return nil
}

// Stop halts delivery. Stopping a tap that is not running, already closed,
// or nil is a no-op, never an error. Start may be called again afterwards.
func (t *Tap) Stop() {
	if t == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateRunning {
		return
	}

	// Clear the gate before asking the OS to stop so buffers already in
	// flight drop instead of racing the teardown.
	t.running.Store(false)
	t.session.stop()
	t.state = StateStopped
	log.Info("tap stopped")
}

// Close stops the tap if it is running, unregisters it from the OS, and
// releases its resources. Closing an already-closed or nil tap is a no-op.
// A closed tap cannot be restarted; Format and State remain readable.
func (t *Tap) Close() error {
	if t == nil {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == StateClosed {
		return nil
	}

	if t.state == StateRunning {
		t.running.Store(false)
		t.session.stop()
	}
	t.session.close()
	t.state = StateClosed
	log.Info("tap closed")
	return nil
}

// Format returns the stream format read when the tap was created.
func (t *Tap) Format() Format {
	if t == nil {
		return Format{}
	}
	return t.format
}

// Running reports whether the tap is currently delivering buffers.
func (t *Tap) Running() bool {
	if t == nil {
		return false
	}
	return t.running.Load()
}

// State returns the tap's lifecycle state.
func (t *Tap) State() State {
	if t == nil {
		return StateClosed
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// deliver hands one captured buffer to the handler. This is the capture
// hot path: a single atomic load gates it, a stopped or closed tap drops
// the buffer silently, and nothing here allocates, locks, or logs.
func (t *Tap) deliver(data []byte, channels int, sampleRate float64) {
	if !t.running.Load() {
		return
	}
	t.handler.OnAudioBuffer(data, channels, sampleRate)
}
