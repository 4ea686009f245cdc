//go:build darwin && cgo

package audiotap

// This file holds only the exported bridge so the engine preamble's C
// definitions are not duplicated into the cgo export unit.

import "C"

import (
	"runtime/cgo"
	"unsafe"
)

// goTapDeliver is invoked from the IO proc on the audio engine's real-time
// thread, once per input buffer. The slice is a view over HAL-owned memory
// valid only for this call; deliver's handler contract matches.
//
//export goTapDeliver
func goTapDeliver(goHandle C.ulonglong, data unsafe.Pointer, byteLen C.int, channels C.int, sampleRate C.double) {
	t, ok := cgo.Handle(uintptr(goHandle)).Value().(*Tap)
	if !ok {
		return
	}
	buf := unsafe.Slice((*byte)(data), int(byteLen))
	t.deliver(buf, int(channels), float64(sampleRate))
}
