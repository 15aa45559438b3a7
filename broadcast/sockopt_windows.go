//go:build windows

package broadcast

import "golang.org/x/sys/windows"

// soExclusiveAddrUse is ~SO_REUSEADDR as defined by winsock2.h.
const soExclusiveAddrUse = ^windows.SO_REUSEADDR

// configureListener claims the port exclusively so a second instance fails
// to bind.
func configureListener(fd uintptr) error {
	return windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, soExclusiveAddrUse, 1)
}
