//go:build !windows

package rtss

// PlatformForeground has no window system to ask; nothing is ever foreground.
func PlatformForeground() ForegroundFunc {
	return nil
}
