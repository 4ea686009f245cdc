//go:build !darwin && !windows

package audiotap

var defaultEngine osEngine = unsupportedEngine{}

func init() {
	// LastError reports the platform gap even before any call is made.
	setLastError(ErrNotSupported.Error())
}
