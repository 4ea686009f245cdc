//go:build darwin && !cgo

package audiotap

// CoreAudio capture needs cgo. Without it, darwin degrades to the same
// surface as an unsupported platform.
var defaultEngine osEngine = unsupportedEngine{}

func init() {
	setLastError(ErrNotSupported.Error())
}
