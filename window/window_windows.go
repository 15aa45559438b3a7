//go:build windows

package window

import (
	"sync"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	user32                       = windows.NewLazySystemDLL("user32.dll")
	procEnumWindows              = user32.NewProc("EnumWindows")
	procGetWindowThreadProcessID = user32.NewProc("GetWindowThreadProcessId")
	procIsWindowVisible          = user32.NewProc("IsWindowVisible")
	procGetWindow                = user32.NewProc("GetWindow")
	procGetClientRect            = user32.NewProc("GetClientRect")
)

const gwOwner = 4

type rect struct {
	Left, Top, Right, Bottom int32
}

// enumState is shared with the callback, which is registered once because
// the runtime caps the number of callbacks a process may create.
var (
	enumMu     sync.Mutex
	enumPID    uint32
	enumResult uintptr
	enumProc   = windows.NewCallback(func(hwnd, _ uintptr) uintptr {
		var pid uint32
		procGetWindowThreadProcessID.Call(hwnd, uintptr(unsafe.Pointer(&pid)))
		if pid != enumPID {
			return 1
		}
		owner, _, _ := procGetWindow.Call(hwnd, gwOwner)
		visible, _, _ := procIsWindowVisible.Call(hwnd)
		if owner != 0 || visible == 0 {
			return 1
		}
		enumResult = hwnd
		return 0
	})
)

// FindMainWindow returns the visible, unowned top-level window of pid.
func FindMainWindow(pid int32) (Handle, bool) {
	if pid <= 0 {
		return 0, false
	}
	enumMu.Lock()
	defer enumMu.Unlock()
	enumPID = uint32(pid)
	enumResult = 0
	procEnumWindows.Call(enumProc, 0)
	if enumResult == 0 {
		return 0, false
	}
	return Handle(enumResult), true
}

// ClientSize returns the client-area size of the window.
func ClientSize(h Handle) (Size, bool) {
	var r rect
	ok, _, _ := procGetClientRect.Call(uintptr(h), uintptr(unsafe.Pointer(&r)))
	if ok == 0 {
		return Size{}, false
	}
	return Size{Width: int(r.Right - r.Left), Height: int(r.Bottom - r.Top)}, true
}
