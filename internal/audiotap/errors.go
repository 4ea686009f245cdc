package audiotap

import (
	"errors"
	"fmt"
)

// Sentinel errors for tap creation and lifecycle. Every failing call also
// records its message in the package last-error slot (see LastError).
var (
	// ErrNotSupported means the host cannot tap system audio at all: the
	// OS is too old, the darwin build lacks cgo, or the platform has no
	// capture facility.
	ErrNotSupported = errors.New("system audio capture not available on this platform")

	// ErrNilHandler is returned by New when no handler is supplied.
	ErrNilHandler = errors.New("audio tap handler cannot be nil")

	// ErrInvalidHandle is returned by Start on a nil tap.
	ErrInvalidHandle = errors.New("invalid audio tap handle")

	// ErrTapClosed is returned by Start on a closed tap.
	ErrTapClosed = errors.New("audio tap is closed")

	// ErrAlreadyRunning is returned by Start on a running tap.
	ErrAlreadyRunning = errors.New("audio tap already running")

	// ErrDeviceUnavailable means no default output device could be resolved.
	ErrDeviceUnavailable = errors.New("failed to resolve default output device")

	// ErrFormatUnavailable means the device's stream format could not be read.
	ErrFormatUnavailable = errors.New("failed to read device stream format")
)

// OSStatusError reports a failed OS audio call, preserving the numeric
// status code the OS returned. Op names the call that failed, in the same
// wording across platforms ("start audio device", "create audio io proc").
type OSStatusError struct {
	Op     string
	Status int32
}

func (e *OSStatusError) Error() string {
	return fmt.Sprintf("failed to %s: status %d (0x%08X)", e.Op, e.Status, uint32(e.Status))
}
