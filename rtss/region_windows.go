//go:build windows

package rtss

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	kernel32             = windows.NewLazySystemDLL("kernel32.dll")
	procOpenFileMappingW = kernel32.NewProc("OpenFileMappingW")

	user32                       = windows.NewLazySystemDLL("user32.dll")
	procGetForegroundWindow      = user32.NewProc("GetForegroundWindow")
	procGetWindowThreadProcessID = user32.NewProc("GetWindowThreadProcessId")
)

type mappedView struct {
	handle windows.Handle
	addr   uintptr
	data   []byte
}

func (v *mappedView) Bytes() []byte { return v.data }

func (v *mappedView) Close() error {
	var firstErr error
	if v.addr != 0 {
		if err := windows.UnmapViewOfFile(v.addr); err != nil {
			firstErr = err
		}
		v.addr = 0
		v.data = nil
	}
	if v.handle != 0 {
		if err := windows.CloseHandle(v.handle); err != nil && firstErr == nil {
			firstErr = err
		}
		v.handle = 0
	}
	return firstErr
}

// PlatformOpen maps the named file-mapping object read-only. path is unused on
// Windows.
func PlatformOpen(name, path string) OpenFunc {
	return func() (Region, error) {
		namePtr, err := windows.UTF16PtrFromString(name)
		if err != nil {
			return nil, fmt.Errorf("rtss: region name: %w", err)
		}
		h, _, callErr := procOpenFileMappingW.Call(uintptr(windows.FILE_MAP_READ), 0, uintptr(unsafe.Pointer(namePtr)))
		if h == 0 {
			return nil, fmt.Errorf("rtss: open mapping %s: %w", name, callErr)
		}
		handle := windows.Handle(h)
		addr, err := windows.MapViewOfFile(handle, windows.FILE_MAP_READ, 0, 0, 0)
		if err != nil {
			_ = windows.CloseHandle(handle)
			return nil, fmt.Errorf("rtss: map view: %w", err)
		}
		var info windows.MemoryBasicInformation
		if err := windows.VirtualQuery(addr, &info, unsafe.Sizeof(info)); err != nil {
			_ = windows.UnmapViewOfFile(addr)
			_ = windows.CloseHandle(handle)
			return nil, fmt.Errorf("rtss: query view size: %w", err)
		}
		data := unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(info.RegionSize))
		return &mappedView{handle: handle, addr: addr, data: data}, nil
	}
}

// PlatformForeground returns the owner pid of the foreground window.
func PlatformForeground() ForegroundFunc {
	return func() uint32 {
		hwnd, _, _ := procGetForegroundWindow.Call()
		if hwnd == 0 {
			return 0
		}
		var pid uint32
		tid, _, _ := procGetWindowThreadProcessID.Call(hwnd, uintptr(unsafe.Pointer(&pid)))
		if tid == 0 {
			return 0
		}
		return pid
	}
}
