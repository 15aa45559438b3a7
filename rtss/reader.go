// Package rtss reads frame statistics that an independently running overlay
// process publishes in a named shared-memory region. The region belongs to the
// other process: it can appear, disappear, or be reallocated at any moment, so
// every read remaps it and every failure degrades to zero values.
package rtss

import (
	"math"
	"sync"
)

// DefaultRegionName is the well-known name of the shared-memory object.
const DefaultRegionName = "RTSSSharedMemoryV2"

// Region is a read-only view of the mapped bytes.
type Region interface {
	Bytes() []byte
	Close() error
}

// OpenFunc maps the external region. It returns an error when the region does
// not exist, which is the normal state while the overlay is not running.
type OpenFunc func() (Region, error)

// ForegroundFunc returns the pid owning the foreground window, or 0.
type ForegroundFunc func() uint32

// Sample is everything one tick needs from the region.
type Sample struct {
	Framerate    float64
	FramerateRaw float64
	Frametime    float64
	FrametimeRaw float64
	ProcessName  string
}

// Reader attaches to the region on demand. It is safe for concurrent use.
type Reader struct {
	open       OpenFunc
	foreground ForegroundFunc

	mu      sync.Mutex
	region  Region
	current entry
}

// NewReader builds a reader over the given platform hooks. A nil foreground
// func means no window is ever foreground.
func NewReader(open OpenFunc, foreground ForegroundFunc) *Reader {
	if foreground == nil {
		foreground = func() uint32 { return 0 }
	}
	return &Reader{open: open, foreground: foreground}
}

// Open maps the region and reports whether it is present and valid.
func (r *Reader) Open() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resetLocked()
}

// IsValid reports whether the currently mapped region carries the expected
// signature and a supported version.
func (r *Reader) IsValid() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.validLocked()
}

// Close releases the mapping, if any.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeLocked()
}

// Framerate returns the foreground application's frame rate rounded to an
// integer and rounded up to one decimal.
func (r *Reader) Framerate() (float64, float64) {
	e, ok := r.lookup()
	if !ok {
		return 0, 0
	}
	return framerate(e)
}

// Frametime returns the foreground application's frame time in milliseconds,
// rounded and rounded up to one decimal.
func (r *Reader) Frametime() (float64, float64) {
	e, ok := r.lookup()
	if !ok {
		return 0, 0
	}
	return frametime(e)
}

// ProcessName returns the executable path of the cached entry, "" when the
// last lookup found nothing.
func (r *Reader) ProcessName() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current.name
}

// Purpose: Read framerate, frametime and process name with a single remap.
// Key aspects: Same failure semantics as the individual getters; zero Sample
// when the overlay is absent or the foreground app is not instrumented.
// Upstream: sampler.Sampler.Tick.
// Downstream: lookup, framerate, frametime.
func (r *Reader) Sample() Sample {
	e, ok := r.lookup()
	if !ok {
		return Sample{}
	}
	var s Sample
	s.Framerate, s.FramerateRaw = framerate(e)
	s.Frametime, s.FrametimeRaw = frametime(e)
	s.ProcessName = e.name
	return s
}

// lookup resolves the foreground pid, remaps the region and scans it. The
// mapping is never reused across calls because the owner reallocates it on
// internal state changes.
func (r *Reader) lookup() (entry, bool) {
	pid := r.foreground()
	r.mu.Lock()
	defer r.mu.Unlock()
	if pid == 0 {
		r.current = entry{}
		return entry{}, false
	}
	if !r.resetLocked() {
		r.current = entry{}
		return entry{}, false
	}
	b := r.region.Bytes()
	h, _ := parseHeader(b)
	// The name only needs decoding when the foreground app changed.
	needName := pid != r.current.pid
	e, ok := findEntry(b, h, pid, needName)
	if !ok {
		r.current = entry{}
		return entry{}, false
	}
	if needName {
		r.current = e
	} else {
		e.name = r.current.name
		r.current = e
	}
	return e, true
}

func (r *Reader) resetLocked() bool {
	_ = r.closeLocked()
	if r.open == nil {
		return false
	}
	region, err := r.open()
	if err != nil || region == nil {
		return false
	}
	r.region = region
	if !r.validLocked() {
		_ = r.closeLocked()
		return false
	}
	return true
}

func (r *Reader) validLocked() bool {
	if r.region == nil {
		return false
	}
	h, ok := parseHeader(r.region.Bytes())
	return ok && h.valid()
}

func (r *Reader) closeLocked() error {
	if r.region == nil {
		return nil
	}
	err := r.region.Close()
	r.region = nil
	return err
}

func framerate(e entry) (float64, float64) {
	var fps float64
	// The millisecond tick counter wraps; unsigned subtraction spans the wrap.
	if delta := e.time1 - e.time0; delta != 0 {
		fps = 1000.0 * float64(e.frames) / float64(delta)
	}
	return math.Round(fps), roundUpTenth(fps)
}

func frametime(e entry) (float64, float64) {
	ms := float64(e.frameTime) / 1000.0
	return math.Round(ms), roundUpTenth(ms)
}

func roundUpTenth(v float64) float64 {
	return math.Ceil(v*10.0) / 10.0
}
