//go:build unix

package broadcast

import "golang.org/x/sys/unix"

// configureListener enables SO_REUSEADDR so a restart can rebind while old
// connections sit in TIME_WAIT.
func configureListener(fd uintptr) error {
	return unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
}
