// Package window measures the client area of a game's main window a few
// seconds after it becomes the active profile. A freshly started game often
// resizes itself during startup, so the measurement is deferred.
package window

import (
	"context"
	"log"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"widgetsensors/strutil"
)

// DefaultDelay is the wait between finding the window and measuring it.
const DefaultDelay = 3 * time.Second

// Size is a client-area size in pixels.
type Size struct {
	Width  int
	Height int
}

// String renders "WxH", or "" when either side is zero.
func (s Size) String() string {
	if s.Width <= 0 || s.Height <= 0 {
		return ""
	}
	return strconv.Itoa(s.Width) + "x" + strconv.Itoa(s.Height)
}

// Handle identifies a top-level window.
type Handle uintptr

// ProcessFinder returns the pid of a running process whose executable file
// name equals name (case-insensitive).
type ProcessFinder func(ctx context.Context, name string) (int32, bool)

// Options configures a Probe. Nil functions fall back to the platform
// implementations.
type Options struct {
	Delay       time.Duration
	FindProcess ProcessFinder
	FindWindow  func(pid int32) (Handle, bool)
	ClientSize  func(h Handle) (Size, bool)
}

// Probe tracks the window size of the current profile.
type Probe struct {
	delay       time.Duration
	findProcess ProcessFinder
	findWindow  func(pid int32) (Handle, bool)
	clientSize  func(h Handle) (Size, bool)

	mu   sync.RWMutex
	size Size
	// gen advances on every Track and Reset; a probe only stores its
	// result while its generation is still current.
	gen atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProbe builds a probe with the given options.
func NewProbe(opts Options) *Probe {
	if opts.Delay <= 0 {
		opts.Delay = DefaultDelay
	}
	if opts.FindProcess == nil {
		opts.FindProcess = FindProcessByName
	}
	if opts.FindWindow == nil {
		opts.FindWindow = FindMainWindow
	}
	if opts.ClientSize == nil {
		opts.ClientSize = ClientSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Probe{
		delay:       opts.Delay,
		findProcess: opts.FindProcess,
		findWindow:  opts.FindWindow,
		clientSize:  opts.ClientSize,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Purpose: Start measuring the window of the executable at exePath.
// Key aspects: Runs detached; the result is discarded when another Track or
// a Reset happened in the meantime. The previous size is cleared.
// Upstream: sampler profile change.
// Downstream: FindProcess, FindWindow, ClientSize.
func (p *Probe) Track(exePath string) {
	gen := p.gen.Add(1)
	p.mu.Lock()
	p.size = Size{}
	p.mu.Unlock()

	name := strutil.ExeName(exePath)
	if name == "" || p.ctx.Err() != nil {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(gen, name)
	}()
}

func (p *Probe) run(gen uint64, name string) {
	pid, ok := p.findProcess(p.ctx, name)
	if !ok {
		return
	}
	wnd, ok := p.findWindow(pid)
	if !ok {
		log.Printf("Window: no window found for %s (pid %d)", name, pid)
		return
	}
	timer := time.NewTimer(p.delay)
	defer timer.Stop()
	select {
	case <-p.ctx.Done():
		return
	case <-timer.C:
	}
	if p.gen.Load() != gen {
		return
	}
	size, ok := p.clientSize(wnd)
	if !ok {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen.Load() != gen {
		return
	}
	p.size = size
	log.Printf("Window: %s client area %s", name, size)
}

// Reset forgets the current size and invalidates pending probes.
func (p *Probe) Reset() {
	p.gen.Add(1)
	p.mu.Lock()
	p.size = Size{}
	p.mu.Unlock()
}

// Size returns the last measured size.
func (p *Probe) Size() Size {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.size
}

// Close cancels pending probes and waits for them to exit.
func (p *Probe) Close() {
	p.cancel()
	p.wg.Wait()
}
