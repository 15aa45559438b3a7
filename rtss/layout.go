package rtss

import (
	"bytes"
	"encoding/binary"
)

const (
	// Signature is the magic value at the head of the region ('RTSS').
	Signature uint32 = 'R'<<24 | 'T'<<16 | 'S'<<8 | 'S'
	// MinVersion is the oldest region layout this reader understands (2.0).
	MinVersion uint32 = 2<<16 | 0

	headerSize = 36
	maxPath    = 260

	offSignature    = 0
	offVersion      = 4
	offAppEntrySize = 8
	offAppArrOffset = 12
	offAppArrSize   = 16

	entryPID       = 0
	entryName      = 4
	entryTime0     = entryName + maxPath + 4
	entryTime1     = entryTime0 + 4
	entryFrames    = entryTime1 + 4
	entryFrameTime = entryFrames + 4
	minEntrySize   = entryFrameTime + 4
)

// header mirrors the fields of the region head this reader relies on.
type header struct {
	signature    uint32
	version      uint32
	appEntrySize uint32
	appArrOffset uint32
	appArrSize   uint32
}

// entry is a copy of one application record. Copies are taken because the
// owning process may reallocate the region at any time.
type entry struct {
	pid       uint32
	name      string
	time0     uint32
	time1     uint32
	frames    uint32
	frameTime uint32
}

func u32(b []byte, off int) uint32 {
	return binary.LittleEndian.Uint32(b[off : off+4])
}

func parseHeader(b []byte) (header, bool) {
	if len(b) < headerSize {
		return header{}, false
	}
	return header{
		signature:    u32(b, offSignature),
		version:      u32(b, offVersion),
		appEntrySize: u32(b, offAppEntrySize),
		appArrOffset: u32(b, offAppArrOffset),
		appArrSize:   u32(b, offAppArrSize),
	}, true
}

func (h header) valid() bool {
	return h.signature == Signature && h.version >= MinVersion
}

// findEntry scans the application array for pid. The scan stops at the first
// record that would fall outside the mapped bytes.
func findEntry(b []byte, h header, pid uint32, withName bool) (entry, bool) {
	if pid == 0 || h.appEntrySize < minEntrySize {
		return entry{}, false
	}
	stride := uint64(h.appEntrySize)
	base := uint64(h.appArrOffset)
	for i := uint64(0); i < uint64(h.appArrSize); i++ {
		start := base + i*stride
		if start+minEntrySize > uint64(len(b)) {
			return entry{}, false
		}
		rec := b[start : start+minEntrySize]
		if u32(rec, entryPID) != pid {
			continue
		}
		e := entry{
			pid:       pid,
			time0:     u32(rec, entryTime0),
			time1:     u32(rec, entryTime1),
			frames:    u32(rec, entryFrames),
			frameTime: u32(rec, entryFrameTime),
		}
		if withName {
			e.name = cString(rec[entryName : entryName+maxPath])
		}
		return e, true
	}
	return entry{}, false
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
