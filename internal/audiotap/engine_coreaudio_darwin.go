//go:build darwin && cgo

package audiotap

/*
#cgo CFLAGS: -x objective-c
#cgo LDFLAGS: -framework CoreAudio -framework AudioToolbox -framework Foundation

#include <CoreAudio/CoreAudio.h>
#include <AudioToolbox/AudioToolbox.h>
#include <stdlib.h>

// tapRef is the context handed to the IO proc. It lives in C memory so the
// HAL may hold it past the registering call, and carries the only fields
// the real-time thread reads without crossing into Go: the running gate
// and the creation-time sample rate.
typedef struct {
	unsigned long long goHandle;
	volatile int       running;
	double             sampleRate;
} tapRef;

extern void goTapDeliver(unsigned long long goHandle, void* data, int byteLen, int channels, double sampleRate);

// tapIOProc runs on the audio engine's real-time thread. No allocation,
// no locks, no blocking: a null or stopped context returns immediately,
// otherwise every non-empty input buffer is forwarded as-is. Returning
// noErr without touching outOutputData leaves the device's real output
// alone.
static OSStatus tapIOProc(
	AudioObjectID          inDevice,
	const AudioTimeStamp*  inNow,
	const AudioBufferList* inInputData,
	const AudioTimeStamp*  inInputTime,
	AudioBufferList*       outOutputData,
	const AudioTimeStamp*  inOutputTime,
	void*                  inClientData)
{
	tapRef* ref = (tapRef*)inClientData;
	if (ref == NULL || !ref->running || inInputData == NULL) {
		return noErr;
	}
	for (UInt32 i = 0; i < inInputData->mNumberBuffers; i++) {
		AudioBuffer buf = inInputData->mBuffers[i];
		if (buf.mData == NULL || buf.mDataByteSize == 0) {
			continue;
		}
		goTapDeliver(ref->goHandle, buf.mData, (int)buf.mDataByteSize,
			(int)buf.mNumberChannels, ref->sampleRate);
	}
	return noErr;
}

static int tapSupported(void) {
	if (@available(macOS 14.2, *)) {
		return 1;
	}
	return 0;
}

static AudioDeviceID tapDefaultOutputDevice(OSStatus* statusOut) {
	AudioDeviceID deviceID = kAudioDeviceUnknown;
	UInt32 size = sizeof(deviceID);
	AudioObjectPropertyAddress addr = {
		kAudioHardwarePropertyDefaultOutputDevice,
		kAudioObjectPropertyScopeGlobal,
		kAudioObjectPropertyElementMain
	};
	*statusOut = AudioObjectGetPropertyData(kAudioObjectSystemObject, &addr, 0, NULL, &size, &deviceID);
	return deviceID;
}

static OSStatus tapStreamFormat(AudioDeviceID deviceID, AudioStreamBasicDescription* format) {
	UInt32 size = sizeof(AudioStreamBasicDescription);
	AudioObjectPropertyAddress addr = {
		kAudioDevicePropertyStreamFormat,
		kAudioDevicePropertyScopeOutput,
		kAudioObjectPropertyElementMain
	};
	return AudioObjectGetPropertyData(deviceID, &addr, 0, NULL, &size, format);
}

static OSStatus tapRegister(AudioDeviceID deviceID, tapRef* ref, AudioDeviceIOProcID* procID) {
	return AudioDeviceCreateIOProcID(deviceID, tapIOProc, ref, procID);
}
*/
import "C"

import (
	"errors"
	"runtime/cgo"
	"unsafe"
)

var defaultEngine osEngine = coreaudioEngine{}

type coreaudioEngine struct{}

func (coreaudioEngine) available() bool {
	return C.tapSupported() == 1
}

func (coreaudioEngine) open(t *Tap) (osSession, Format, error) {
	if C.tapSupported() == 0 {
		return nil, Format{}, ErrNotSupported
	}

	var status C.OSStatus
	deviceID := C.tapDefaultOutputDevice(&status)
	if status != 0 || deviceID == C.kAudioDeviceUnknown {
		return nil, Format{}, ErrDeviceUnavailable
	}

	var desc C.AudioStreamBasicDescription
	if status := C.tapStreamFormat(deviceID, &desc); status != 0 {
		return nil, Format{}, ErrFormatUnavailable
	}

	format := Format{
		Channels:   int(desc.mChannelsPerFrame),
		SampleRate: float64(desc.mSampleRate),
		Encoding:   encodingFromASBD(desc),
	}

	ref := (*C.tapRef)(C.calloc(1, C.sizeof_tapRef))
	if ref == nil {
		return nil, Format{}, errors.New("failed to allocate tap context")
	}
	handle := cgo.NewHandle(t)
	ref.goHandle = C.ulonglong(uintptr(handle))
	ref.running = 0
	ref.sampleRate = C.double(format.SampleRate)

	var procID C.AudioDeviceIOProcID
	if status := C.tapRegister(deviceID, ref, &procID); status != 0 {
		handle.Delete()
		C.free(unsafe.Pointer(ref))
		return nil, Format{}, &OSStatusError{Op: "create audio io proc", Status: int32(status)}
	}

	log.Debug("registered io proc on default output device",
		"device", uint32(deviceID),
		"channels", format.Channels,
		"sampleRate", format.SampleRate)

	return &coreaudioSession{
		deviceID: deviceID,
		procID:   procID,
		ref:      ref,
		handle:   handle,
	}, format, nil
}

type coreaudioSession struct {
	deviceID C.AudioDeviceID
	procID   C.AudioDeviceIOProcID
	ref      *C.tapRef
	handle   cgo.Handle
}

func (s *coreaudioSession) start() error {
	s.ref.running = 1
	if status := C.AudioDeviceStart(s.deviceID, s.procID); status != 0 {
		s.ref.running = 0
		return &OSStatusError{Op: "start audio device", Status: int32(status)}
	}
	return nil
}

func (s *coreaudioSession) stop() {
	// Gate first so in-flight proc invocations stop crossing into Go
	// while the HAL winds the device down.
	s.ref.running = 0
	C.AudioDeviceStop(s.deviceID, s.procID)
}

func (s *coreaudioSession) close() {
	// DestroyIOProcID returns only once outstanding proc invocations
	// have drained, so the handle and context are safe to release after.
	C.AudioDeviceDestroyIOProcID(s.deviceID, s.procID)
	s.handle.Delete()
	C.free(unsafe.Pointer(s.ref))
	s.ref = nil
}

func encodingFromASBD(desc C.AudioStreamBasicDescription) SampleEncoding {
	if desc.mFormatID != C.kAudioFormatLinearPCM {
		return EncodingUnknown
	}
	switch {
	case desc.mFormatFlags&C.kAudioFormatFlagIsFloat != 0 && desc.mBitsPerChannel == 32:
		return EncodingFloat32LE
	case desc.mFormatFlags&C.kAudioFormatFlagIsSignedInteger != 0 && desc.mBitsPerChannel == 16:
		return EncodingInt16LE
	default:
		return EncodingUnknown
	}
}
