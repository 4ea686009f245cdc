package audiotap

// osEngine is the platform audio facility behind the public surface. One
// implementation is compiled in per build: CoreAudio on darwin with cgo,
// WASAPI loopback on windows, and the unsupported stub everywhere else.
// Tests substitute their own.
type osEngine interface {
	// available reports whether the facility works on the running host.
	available() bool

	// open resolves the current default output device, reads its stream
	// format, and registers (without starting) delivery to t. On failure
	// it releases anything it acquired and returns only the error.
	open(t *Tap) (osSession, Format, error)
}

// osSession is one registered tap on the OS side. The Tap serializes all
// calls into it, always in the order start, stop, close.
type osSession interface {
	// start asks the OS to begin driving deliveries.
	start() error

	// stop asks the OS to pause deliveries. A later start resumes them.
	stop()

	// close unregisters the callback and releases OS resources. No
	// deliveries occur after close returns.
	close()
}

// unsupportedEngine backs the surface on hosts with no capture facility.
type unsupportedEngine struct{}

func (unsupportedEngine) available() bool { return false }

func (unsupportedEngine) open(*Tap) (osSession, Format, error) {
	return nil, Format{}, ErrNotSupported
}
