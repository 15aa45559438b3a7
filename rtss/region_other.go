//go:build !windows && !unix

package rtss

import "errors"

const DefaultRegionPath = ""

// PlatformOpen always fails: no shared-memory transport on this platform.
func PlatformOpen(name, path string) OpenFunc {
	return func() (Region, error) {
		return nil, errors.New("rtss: shared memory not supported on this platform")
	}
}
