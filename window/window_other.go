//go:build !windows

package window

// FindMainWindow has no portable equivalent; the game window size is only
// reported on Windows.
func FindMainWindow(pid int32) (Handle, bool) { return 0, false }

// ClientSize reports no size outside Windows.
func ClientSize(h Handle) (Size, bool) { return Size{}, false }
