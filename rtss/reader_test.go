package rtss

import (
	"encoding/binary"
	"errors"
	"testing"
)

type memRegion struct {
	data   []byte
	closed *int
}

func (m *memRegion) Bytes() []byte { return m.data }

func (m *memRegion) Close() error {
	if m.closed != nil {
		*m.closed++
	}
	return nil
}

type appRecord struct {
	pid       uint32
	name      string
	time0     uint32
	time1     uint32
	frames    uint32
	frameTime uint32
}

func buildRegion(signature, version uint32, apps []appRecord) []byte {
	const entrySize = minEntrySize + 16
	const arrOffset = 64
	buf := make([]byte, arrOffset+entrySize*len(apps))
	le := binary.LittleEndian
	le.PutUint32(buf[offSignature:], signature)
	le.PutUint32(buf[offVersion:], version)
	le.PutUint32(buf[offAppEntrySize:], entrySize)
	le.PutUint32(buf[offAppArrOffset:], arrOffset)
	le.PutUint32(buf[offAppArrSize:], uint32(len(apps)))
	for i, app := range apps {
		rec := buf[arrOffset+i*entrySize:]
		le.PutUint32(rec[entryPID:], app.pid)
		copy(rec[entryName:entryName+maxPath], app.name)
		le.PutUint32(rec[entryTime0:], app.time0)
		le.PutUint32(rec[entryTime1:], app.time1)
		le.PutUint32(rec[entryFrames:], app.frames)
		le.PutUint32(rec[entryFrameTime:], app.frameTime)
	}
	return buf
}

func staticOpen(data []byte, opens *int) OpenFunc {
	return func() (Region, error) {
		if opens != nil {
			*opens++
		}
		return &memRegion{data: data}, nil
	}
}

func fixedPID(pid uint32) ForegroundFunc {
	return func() uint32 { return pid }
}

func TestFramerateAndFrametime(t *testing.T) {
	data := buildRegion(Signature, MinVersion, []appRecord{
		{pid: 10, name: `C:\Games\other.exe`, time0: 0, time1: 1000, frames: 30, frameTime: 33333},
		{pid: 42, name: `C:\Games\game.exe`, time0: 1000, time1: 1500, frames: 72, frameTime: 6944},
	})
	r := NewReader(staticOpen(data, nil), fixedPID(42))

	rounded, precise := r.Framerate()
	if rounded != 144 || precise != 144 {
		t.Fatalf("framerate = (%v, %v), want (144, 144)", rounded, precise)
	}
	rounded, precise = r.Frametime()
	if rounded != 7 || precise != 7 {
		t.Fatalf("frametime = (%v, %v), want (7, 7)", rounded, precise)
	}
	if got := r.ProcessName(); got != `C:\Games\game.exe` {
		t.Fatalf("ProcessName() = %q", got)
	}
}

func TestFrametimeRoundsUpToOneDecimal(t *testing.T) {
	data := buildRegion(Signature, MinVersion, []appRecord{
		{pid: 7, name: "a.exe", time0: 0, time1: 3000, frames: 179, frameTime: 16721},
	})
	r := NewReader(staticOpen(data, nil), fixedPID(7))
	rounded, precise := r.Frametime()
	if rounded != 17 || precise != 16.8 {
		t.Fatalf("frametime = (%v, %v), want (17, 16.8)", rounded, precise)
	}
	rounded, precise = r.Framerate()
	if rounded != 60 || precise != 59.7 {
		t.Fatalf("framerate = (%v, %v), want (60, 59.7)", rounded, precise)
	}
}

func TestZeroTimeDeltaYieldsZeroFramerate(t *testing.T) {
	data := buildRegion(Signature, MinVersion, []appRecord{
		{pid: 5, name: "a.exe", time0: 100, time1: 100, frames: 50},
	})
	r := NewReader(staticOpen(data, nil), fixedPID(5))
	if rounded, precise := r.Framerate(); rounded != 0 || precise != 0 {
		t.Fatalf("framerate = (%v, %v), want zeros", rounded, precise)
	}
}

func TestFramerateAcrossTickCounterWrap(t *testing.T) {
	data := buildRegion(Signature, MinVersion, []appRecord{
		{pid: 5, name: "a.exe", time0: 0xFFFFFFCE, time1: 50, frames: 6},
	})
	r := NewReader(staticOpen(data, nil), fixedPID(5))
	if rounded, precise := r.Framerate(); rounded != 60 || precise != 60 {
		t.Fatalf("framerate = (%v, %v), want (60, 60)", rounded, precise)
	}
}

func TestInvalidSignatureReturnsZeros(t *testing.T) {
	apps := []appRecord{{pid: 42, name: "game.exe", time0: 0, time1: 1000, frames: 60, frameTime: 16000}}
	cases := []struct {
		name      string
		signature uint32
		version   uint32
	}{
		{"bad signature", 0xDEADBEEF, MinVersion},
		{"old version", Signature, 1 << 16},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := NewReader(staticOpen(buildRegion(tc.signature, tc.version, apps), nil), fixedPID(42))
			if a, b := r.Framerate(); a != 0 || b != 0 {
				t.Fatalf("framerate = (%v, %v), want zeros", a, b)
			}
			if a, b := r.Frametime(); a != 0 || b != 0 {
				t.Fatalf("frametime = (%v, %v), want zeros", a, b)
			}
			if r.Open() {
				t.Fatalf("Open() should report an invalid region")
			}
			if r.IsValid() {
				t.Fatalf("IsValid() should be false")
			}
		})
	}
}

func TestMissingRegionDegradesSilently(t *testing.T) {
	r := NewReader(func() (Region, error) { return nil, errors.New("not running") }, fixedPID(42))
	if r.Open() {
		t.Fatalf("Open() should fail when the region is absent")
	}
	if s := r.Sample(); s != (Sample{}) {
		t.Fatalf("Sample() = %+v, want zero", s)
	}
}

func TestNoForegroundWindow(t *testing.T) {
	opens := 0
	data := buildRegion(Signature, MinVersion, []appRecord{{pid: 42, name: "game.exe", time1: 10, frames: 1}})
	r := NewReader(staticOpen(data, &opens), nil)
	if s := r.Sample(); s != (Sample{}) {
		t.Fatalf("Sample() = %+v, want zero", s)
	}
	if opens != 0 {
		t.Fatalf("region should not be mapped without a foreground pid, opened %d times", opens)
	}
}

func TestPidMismatchClearsCurrentEntry(t *testing.T) {
	data := buildRegion(Signature, MinVersion, []appRecord{{pid: 42, name: "game.exe", time1: 1000, frames: 60}})
	pid := uint32(42)
	r := NewReader(staticOpen(data, nil), func() uint32 { return pid })
	if s := r.Sample(); s.ProcessName != "game.exe" {
		t.Fatalf("expected game.exe, got %q", s.ProcessName)
	}
	pid = 99
	if s := r.Sample(); s != (Sample{}) {
		t.Fatalf("Sample() = %+v, want zero after pid change", s)
	}
	if r.ProcessName() != "" {
		t.Fatalf("ProcessName() should be cleared, got %q", r.ProcessName())
	}
}

func TestEveryReadRemapsRegion(t *testing.T) {
	opens := 0
	closes := 0
	data := buildRegion(Signature, MinVersion, []appRecord{{pid: 1, name: "a.exe", time1: 1000, frames: 30}})
	open := func() (Region, error) {
		opens++
		return &memRegion{data: data, closed: &closes}, nil
	}
	r := NewReader(open, fixedPID(1))
	r.Framerate()
	r.Frametime()
	r.Sample()
	if opens != 3 {
		t.Fatalf("expected 3 remaps, got %d", opens)
	}
	if closes != 2 {
		t.Fatalf("expected previous mappings to be closed, got %d closes", closes)
	}
	_ = r.Close()
	if closes != 3 {
		t.Fatalf("Close() should release the last mapping, got %d closes", closes)
	}
}

func TestTruncatedEntryArrayStopsScan(t *testing.T) {
	data := buildRegion(Signature, MinVersion, []appRecord{{pid: 3, name: "a.exe", time1: 1000, frames: 30}})
	binary.LittleEndian.PutUint32(data[offAppArrSize:], 50)
	r := NewReader(staticOpen(data, nil), fixedPID(77))
	if s := r.Sample(); s != (Sample{}) {
		t.Fatalf("Sample() = %+v, want zero", s)
	}
}

func TestSampleCombinesReadings(t *testing.T) {
	data := buildRegion(Signature, MinVersion, []appRecord{
		{pid: 9, name: `D:\Steam\steamapps\common\Game\bin\game.exe`, time0: 0, time1: 2000, frames: 120, frameTime: 16666},
	})
	r := NewReader(staticOpen(data, nil), fixedPID(9))
	s := r.Sample()
	want := Sample{Framerate: 60, FramerateRaw: 60, Frametime: 17, FrametimeRaw: 16.7, ProcessName: `D:\Steam\steamapps\common\Game\bin\game.exe`}
	if s != want {
		t.Fatalf("Sample() = %+v, want %+v", s, want)
	}
}
