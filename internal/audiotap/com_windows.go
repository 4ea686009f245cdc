//go:build windows

package audiotap

import (
	"fmt"
	"syscall"
	"unsafe"
)

// Raw COM vtable calling over syscalls. No cgo and no COM runtime
// wrappers; interface pointers are plain uintptrs and methods are resolved
// by vtable index.

// comGUID is a COM GUID (128-bit).
type comGUID struct {
	Data1 uint32
	Data2 uint16
	Data3 uint16
	Data4 [8]byte
}

// CLSCTX_INPROC_SERVER | CLSCTX_INPROC_HANDLER | CLSCTX_LOCAL_SERVER | CLSCTX_REMOTE_SERVER
const clsctxAll = 0x1 | 0x2 | 0x4 | 0x10

// comVtblFn resolves the function pointer at a vtable index.
// obj is a pointer to a COM interface (a pointer to a pointer to a vtable).
func comVtblFn(obj uintptr, vtableIdx int) uintptr {
	vtablePtr := *(*uintptr)(unsafe.Pointer(obj))
	return *(*uintptr)(unsafe.Pointer(vtablePtr + uintptr(vtableIdx)*unsafe.Sizeof(uintptr(0))))
}

// comCall invokes a COM vtable method at the given index, passing obj as
// the implicit this pointer. It returns the raw HRESULT either way so
// callers can preserve the numeric code.
func comCall(obj uintptr, vtableIdx int, args ...uintptr) (uintptr, error) {
	allArgs := make([]uintptr, 0, 1+len(args))
	allArgs = append(allArgs, obj)
	allArgs = append(allArgs, args...)
	ret, _, _ := syscall.SyscallN(comVtblFn(obj, vtableIdx), allArgs...)
	if int32(ret) < 0 {
		return ret, fmt.Errorf("COM vtable[%d] HRESULT 0x%08X", vtableIdx, uint32(ret))
	}
	return ret, nil
}

// comRelease calls IUnknown::Release (vtable index 2).
func comRelease(obj uintptr) {
	if obj != 0 {
		syscall.SyscallN(comVtblFn(obj, 2), obj)
	}
}

var (
	ole32DLL = syscall.NewLazyDLL("ole32.dll")

	procCoInitializeEx   = ole32DLL.NewProc("CoInitializeEx")
	procCoUninitialize   = ole32DLL.NewProc("CoUninitialize")
	procCoTaskMemFree    = ole32DLL.NewProc("CoTaskMemFree")
	procCoCreateInstance = ole32DLL.NewProc("CoCreateInstance")
)
