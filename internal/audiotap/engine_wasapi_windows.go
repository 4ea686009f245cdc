//go:build windows

package audiotap

import (
	"fmt"
	"runtime"
	"sync"
	"syscall"
	"time"
	"unsafe"
)

var defaultEngine osEngine = wasapiEngine{}

var (
	clsidMMDeviceEnumerator = comGUID{0xBCDE0395, 0xE52F, 0x467C, [8]byte{0x8E, 0x3D, 0xC4, 0x57, 0x92, 0x91, 0x69, 0x2E}}
	iidIMMDeviceEnumerator  = comGUID{0xA95664D2, 0x9614, 0x4F35, [8]byte{0xA7, 0x46, 0xDE, 0x8D, 0xB6, 0x36, 0x17, 0xE6}}
	iidIAudioClient         = comGUID{0x1CB9AD4C, 0xDBFA, 0x4c32, [8]byte{0xB1, 0x78, 0xC2, 0xF5, 0x68, 0xA7, 0x03, 0xB2}}
	iidIAudioCaptureClient  = comGUID{0xC8ADBD64, 0xE71E, 0x48a0, [8]byte{0xA4, 0xDE, 0x18, 0x5C, 0x39, 0x5C, 0xD3, 0x17}}
)

const (
	eRender  = 0 // EDataFlow
	eConsole = 0 // ERole

	audclntShareModeShared = 0
	audclntStreamLoopback  = 0x00020000
	audclntBufferSilent    = 0x2
	hrDeviceInvalidated    = 0x88890004 // AUDCLNT_E_DEVICE_INVALIDATED

	waveFormatPCM        = 0x0001
	waveFormatIEEEFloat  = 0x0003
	waveFormatExtensible = 0xFFFE

	// Vtable indices. IUnknown occupies 0..2; interface methods follow
	// in declaration order.
	mmdeGetDefaultAudioEndpoint = 4  // IMMDeviceEnumerator::GetDefaultAudioEndpoint
	mmDeviceActivate            = 3  // IMMDevice::Activate
	audioClientInitialize       = 3  // IAudioClient::Initialize
	audioClientGetMixFormat     = 8  // IAudioClient::GetMixFormat
	audioClientStart            = 10 // IAudioClient::Start
	audioClientStop             = 11 // IAudioClient::Stop
	audioClientGetService       = 14 // IAudioClient::GetService
	capClientGetBuffer          = 3  // IAudioCaptureClient::GetBuffer
	capClientReleaseBuffer      = 4  // IAudioCaptureClient::ReleaseBuffer
)

type waveFormatEx struct {
	FormatTag      uint16
	Channels       uint16
	SamplesPerSec  uint32
	AvgBytesPerSec uint32
	BlockAlign     uint16
	BitsPerSample  uint16
	CbSize         uint16
}

// wasapiEngine taps the render mix through a shared-mode loopback client
// on the default render endpoint. Loopback has shipped since Vista, so the
// facility is always present.
type wasapiEngine struct{}

func (wasapiEngine) available() bool { return true }

func (wasapiEngine) open(t *Tap) (osSession, Format, error) {
	s := &wasapiSession{tap: t}
	format, err := s.setup()
	if err != nil {
		s.close()
		return nil, Format{}, err
	}
	return s, format, nil
}

// wasapiSession owns the COM object chain for one loopback client. The Tap
// serializes start, stop, and close; only the drain goroutine runs
// concurrently, and it touches nothing the lifecycle mutates.
type wasapiSession struct {
	tap           *Tap
	enumerator    uintptr
	device        uintptr
	audioClient   uintptr
	captureClient uintptr
	format        waveFormatEx

	done chan struct{}
	wg   sync.WaitGroup
}

func (s *wasapiSession) setup() (Format, error) {
	// COINIT_MULTITHREADED; MTA objects stay callable from any thread,
	// including the drain goroutine started later.
	if hr, _, _ := procCoInitializeEx.Call(0, 0); int32(hr) < 0 {
		return Format{}, fmt.Errorf("%w: CoInitializeEx failed (hr 0x%08X)", ErrDeviceUnavailable, uint32(hr))
	}

	var enumerator uintptr
	hr, _, _ := syscall.SyscallN(
		procCoCreateInstance.Addr(),
		uintptr(unsafe.Pointer(&clsidMMDeviceEnumerator)),
		0,
		uintptr(clsctxAll),
		uintptr(unsafe.Pointer(&iidIMMDeviceEnumerator)),
		uintptr(unsafe.Pointer(&enumerator)),
	)
	if int32(hr) < 0 {
		return Format{}, fmt.Errorf("%w: create device enumerator (hr 0x%08X)", ErrDeviceUnavailable, uint32(hr))
	}
	s.enumerator = enumerator

	var device uintptr
	if _, err := comCall(enumerator, mmdeGetDefaultAudioEndpoint,
		uintptr(eRender), uintptr(eConsole), uintptr(unsafe.Pointer(&device))); err != nil {
		return Format{}, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	s.device = device

	var audioClient uintptr
	if _, err := comCall(device, mmDeviceActivate,
		uintptr(unsafe.Pointer(&iidIAudioClient)),
		uintptr(clsctxAll),
		0,
		uintptr(unsafe.Pointer(&audioClient)),
	); err != nil {
		return Format{}, fmt.Errorf("%w: activate audio client: %v", ErrDeviceUnavailable, err)
	}
	s.audioClient = audioClient

	var mixFormatPtr uintptr
	if _, err := comCall(audioClient, audioClientGetMixFormat, uintptr(unsafe.Pointer(&mixFormatPtr))); err != nil {
		return Format{}, fmt.Errorf("%w: %v", ErrFormatUnavailable, err)
	}
	// Copy the struct by value; the COM allocation itself is consumed by
	// Initialize below and freed after.
	s.format = *(*waveFormatEx)(unsafe.Pointer(mixFormatPtr))

	log.Debug("wasapi mix format",
		"channels", s.format.Channels,
		"sampleRate", s.format.SamplesPerSec,
		"bitsPerSample", s.format.BitsPerSample,
		"formatTag", fmt.Sprintf("0x%04X", s.format.FormatTag))

	const bufferDuration = int64(200 * 10000) // 200ms in 100ns units
	hrInit, err := comCall(audioClient, audioClientInitialize,
		uintptr(audclntShareModeShared),
		uintptr(audclntStreamLoopback),
		uintptr(bufferDuration),
		0,
		mixFormatPtr,
		0,
	)
	procCoTaskMemFree.Call(mixFormatPtr)
	if err != nil {
		return Format{}, &OSStatusError{Op: "initialize loopback capture", Status: int32(hrInit)}
	}

	var captureClient uintptr
	hrSvc, err := comCall(audioClient, audioClientGetService,
		uintptr(unsafe.Pointer(&iidIAudioCaptureClient)),
		uintptr(unsafe.Pointer(&captureClient)),
	)
	if err != nil {
		return Format{}, &OSStatusError{Op: "bind capture service", Status: int32(hrSvc)}
	}
	s.captureClient = captureClient

	return Format{
		Channels:   int(s.format.Channels),
		SampleRate: float64(s.format.SamplesPerSec),
		Encoding:   encodingFromWaveFormat(s.format),
	}, nil
}

func (s *wasapiSession) start() error {
	if hr, err := comCall(s.audioClient, audioClientStart); err != nil {
		return &OSStatusError{Op: "start audio device", Status: int32(hr)}
	}
	s.done = make(chan struct{})
	s.wg.Add(1)
	go s.run()
	return nil
}

func (s *wasapiSession) stop() {
	close(s.done)
	s.wg.Wait()
	comCall(s.audioClient, audioClientStop)
}

func (s *wasapiSession) close() {
	if s.captureClient != 0 {
		comRelease(s.captureClient)
		s.captureClient = 0
	}
	if s.audioClient != 0 {
		comRelease(s.audioClient)
		s.audioClient = 0
	}
	if s.device != 0 {
		comRelease(s.device)
		s.device = 0
	}
	if s.enumerator != 0 {
		comRelease(s.enumerator)
		s.enumerator = 0
	}
}

func (s *wasapiSession) run() {
	defer s.wg.Done()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if hr, _, _ := procCoInitializeEx.Call(0, 0); int32(hr) < 0 {
		log.Error("capture goroutine CoInitializeEx failed", "hr", fmt.Sprintf("0x%08X", uint32(hr)))
		return
	}
	defer procCoUninitialize.Call()

	s.drainLoop()
}

// drainLoop polls the capture client every 10ms and empties it, handing
// each packet straight to the tap. Packet memory belongs to WASAPI between
// GetBuffer and ReleaseBuffer, which brackets exactly the handler call.
func (s *wasapiSession) drainLoop() {
	channels := int(s.format.Channels)
	sampleRate := float64(s.format.SamplesPerSec)
	blockAlign := int(s.format.BlockAlign)

	// Reused for silent packets, which arrive without data to read.
	var scratch []byte

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}

		for {
			var dataPtr uintptr
			var numFrames uint32
			var flags uint32

			hr, _, _ := syscall.SyscallN(
				comVtblFn(s.captureClient, capClientGetBuffer),
				s.captureClient,
				uintptr(unsafe.Pointer(&dataPtr)),
				uintptr(unsafe.Pointer(&numFrames)),
				uintptr(unsafe.Pointer(&flags)),
				0,
				0,
			)
			if int32(hr) < 0 {
				if uint32(hr) == hrDeviceInvalidated {
					log.Warn("audio device invalidated, capture loop exiting")
					return
				}
				log.Debug("wasapi GetBuffer failed", "hr", fmt.Sprintf("0x%08X", uint32(hr)))
				break
			}
			if numFrames == 0 {
				break
			}

			totalBytes := int(numFrames) * blockAlign

			if flags&audclntBufferSilent != 0 || dataPtr == 0 {
				if cap(scratch) < totalBytes {
					scratch = make([]byte, totalBytes)
				}
				buf := scratch[:totalBytes]
				clear(buf)
				s.tap.deliver(buf, channels, sampleRate)
			} else {
				buf := unsafe.Slice((*byte)(unsafe.Pointer(dataPtr)), totalBytes)
				s.tap.deliver(buf, channels, sampleRate)
			}

			relHr, _, _ := syscall.SyscallN(
				comVtblFn(s.captureClient, capClientReleaseBuffer),
				s.captureClient,
				uintptr(numFrames),
			)
			if int32(relHr) < 0 {
				log.Warn("wasapi ReleaseBuffer failed", "hr", fmt.Sprintf("0x%08X", uint32(relHr)))
				return
			}
		}
	}
}

func encodingFromWaveFormat(f waveFormatEx) SampleEncoding {
	switch {
	case f.FormatTag == waveFormatIEEEFloat && f.BitsPerSample == 32:
		return EncodingFloat32LE
	case f.FormatTag == waveFormatPCM && f.BitsPerSample == 16:
		return EncodingInt16LE
	// The shared-mode mix format is usually WAVE_FORMAT_EXTENSIBLE;
	// 32-bit means the float engine format in practice.
	case f.FormatTag == waveFormatExtensible && f.BitsPerSample == 32:
		return EncodingFloat32LE
	case f.FormatTag == waveFormatExtensible && f.BitsPerSample == 16:
		return EncodingInt16LE
	default:
		return EncodingUnknown
	}
}
