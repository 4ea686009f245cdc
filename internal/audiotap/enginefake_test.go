package audiotap

import "sync"

// fakeEngine stands in for the platform facility so lifecycle and delivery
// semantics are testable on any build. It records how often sessions are
// opened, started, stopped, and closed, and can be armed to fail at each
// step the way a real backend does.
type fakeEngine struct {
	avail    bool
	format   Format
	openErr  error
	startErr error

	opens    int
	sessions []*fakeSession
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		avail:  true,
		format: Format{Channels: 2, SampleRate: 48000, Encoding: EncodingFloat32LE},
	}
}

func (e *fakeEngine) available() bool { return e.avail }

func (e *fakeEngine) open(t *Tap) (osSession, Format, error) {
	e.opens++
	if e.openErr != nil {
		return nil, Format{}, e.openErr
	}
	s := &fakeSession{tap: t, format: e.format, startErr: e.startErr}
	e.sessions = append(e.sessions, s)
	return s, e.format, nil
}

// last returns the most recently opened session.
func (e *fakeEngine) last() *fakeSession {
	if len(e.sessions) == 0 {
		return nil
	}
	return e.sessions[len(e.sessions)-1]
}

type fakeSession struct {
	tap      *Tap
	format   Format
	startErr error

	starts int
	stops  int
	closes int
}

func (s *fakeSession) start() error {
	if s.startErr != nil {
		return s.startErr
	}
	s.starts++
	return nil
}

func (s *fakeSession) stop()  { s.stops++ }
func (s *fakeSession) close() { s.closes++ }

// pump plays the OS role: it pushes one buffer at the tap's bridge exactly
// as a capture callback would, using the session's creation-time format.
func (s *fakeSession) pump(data []byte) {
	s.tap.deliver(data, s.format.Channels, s.format.SampleRate)
}

type bufferRecord struct {
	bytes      int
	channels   int
	sampleRate float64
}

// recordingHandler collects every delivery it sees.
type recordingHandler struct {
	mu    sync.Mutex
	calls []bufferRecord
}

func (h *recordingHandler) OnAudioBuffer(data []byte, channels int, sampleRate float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, bufferRecord{bytes: len(data), channels: channels, sampleRate: sampleRate})
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

func (h *recordingHandler) record(i int) bufferRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[i]
}
