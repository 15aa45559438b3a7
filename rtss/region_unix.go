//go:build unix

package rtss

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// DefaultRegionPath is where a POSIX publisher is expected to expose the region.
const DefaultRegionPath = "/dev/shm/" + DefaultRegionName

type mmapRegion struct {
	data []byte
}

func (m *mmapRegion) Bytes() []byte { return m.data }

func (m *mmapRegion) Close() error {
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	return err
}

// PlatformOpen maps the file at path read-only. name is unused on Unix.
func PlatformOpen(name, path string) OpenFunc {
	if path == "" {
		path = DefaultRegionPath
	}
	return func() (Region, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("rtss: stat %s: %w", path, err)
		}
		size := info.Size()
		if size < headerSize {
			return nil, fmt.Errorf("rtss: region %s too small (%d bytes)", path, size)
		}
		data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
		if err != nil {
			return nil, fmt.Errorf("rtss: mmap %s: %w", path, err)
		}
		return &mmapRegion{data: data}, nil
	}
}
