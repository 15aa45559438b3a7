// Package plugins loads native add-in libraries that expose the fixed
// Init/CollectValues/Shutdown capability surface (plus the optional
// ExecuteCommand and OnProfileChanged entry points) and calls into them from
// the sampler, the command processor and the admin surface.
//
// The host speaks plugin ABI version 1 (ABIVersion): strings cross the
// boundary as NUL-terminated UTF-8, booleans as int, and CollectValues
// returns a buffer the plugin owns until its next call. A library may export
// PluginABIVersion returning the version it was built against; a mismatch is
// rejected at load time. Libraries without it are assumed to speak version 1.
package plugins

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"widgetsensors/internal/ratelimit"
	"widgetsensors/strutil"
)

// Exported symbol names every library is resolved against.
const (
	SymbolInit             = "Init"
	SymbolCollectValues    = "CollectValues"
	SymbolShutdown         = "Shutdown"
	SymbolExecuteCommand   = "ExecuteCommand"
	SymbolOnProfileChanged = "OnProfileChanged"
	SymbolABIVersion       = "PluginABIVersion"
)

// ABIVersion is the calling convention this host implements.
const ABIVersion = 1

const (
	defaultCallTimeout     = 250 * time.Millisecond
	defaultShutdownTimeout = 2 * time.Second
	skipLogInterval        = 30 * time.Second
)

// Library is an opened dynamic library. Lookup returns the Go function value
// bound to an exported symbol: func(string, bool) bool for Init,
// func(string) string for CollectValues, func() for Shutdown,
// func(string) bool for ExecuteCommand and func(string) for OnProfileChanged.
type Library interface {
	Lookup(symbol string) (any, bool)
	Close() error
}

// Opener opens the library at path.
type Opener func(path string) (Library, error)

// HostOptions configures a Host.
type HostOptions struct {
	DataDir         string
	Debug           bool
	Extension       string        // library file extension including the dot; platform default when empty
	CallTimeout     time.Duration // per CollectValues/ExecuteCommand/OnProfileChanged call
	ShutdownTimeout time.Duration
	MaxParallel     int
	Open            Opener            // platform loader when nil
	OnTimeout       func(name string) // called when a plugin call misses its deadline
}

// Symbols is the resolved capability set of one library. Optional entries are
// nil when the library does not export them.
type Symbols struct {
	Init             func(dataDir string, debug bool) bool
	CollectValues    func(profile string) string
	Shutdown         func()
	ExecuteCommand   func(command string) bool
	OnProfileChanged func(profile string)
}

// Handle owns one loaded library and its resolved entry points.
type Handle struct {
	name string
	path string
	lib  Library
	sym  Symbols

	onTimeout func(name string)

	// callMu serialises calls into the library. A call that outlives its
	// deadline keeps holding it until the plugin returns.
	callMu   sync.Mutex
	inflight atomic.Bool
	timeouts atomic.Uint64
	panics   atomic.Uint64
}

// Name is the lower-cased file name without extension.
func (h *Handle) Name() string { return h.name }

// Path is the file the library was loaded from.
func (h *Handle) Path() string { return h.path }

// Busy reports whether a call into the plugin is still running.
func (h *Handle) Busy() bool { return h.inflight.Load() }

// Timeouts returns how many calls missed their deadline.
func (h *Handle) Timeouts() uint64 { return h.timeouts.Load() }

// HasCommands reports whether the plugin exports ExecuteCommand.
func (h *Handle) HasCommands() bool { return h.sym.ExecuteCommand != nil }

// Host holds the name→handle table. Loading happens at startup; later calls
// only read the table, but a mutex still guards it so that the admin surface
// can list plugins while loading is in progress.
type Host struct {
	opts HostOptions

	mu      sync.RWMutex
	plugins map[string]*Handle
	order   []string

	shutdownOnce sync.Once
	skipped      *ratelimit.Counter
}

// NewHost creates an empty host.
func NewHost(opts HostOptions) *Host {
	opts = normalizeHostOptions(opts)
	return &Host{
		opts:    opts,
		plugins: make(map[string]*Handle),
		skipped: ratelimit.NewCounter(skipLogInterval),
	}
}

func normalizeHostOptions(opts HostOptions) HostOptions {
	if opts.Extension == "" {
		opts.Extension = DefaultExtension
	}
	if !strings.HasPrefix(opts.Extension, ".") {
		opts.Extension = "." + opts.Extension
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = defaultShutdownTimeout
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = runtime.GOMAXPROCS(0)
	}
	if opts.Open == nil {
		opts.Open = OpenLibrary
	}
	return opts
}

// PluginName derives the table key from a library path.
func PluginName(path string) string {
	base := filepath.Base(path)
	return strings.ToLower(strings.TrimSuffix(base, filepath.Ext(base)))
}

// Purpose: Load every library with the configured extension in dir.
// Key aspects: Files are visited in name order so collisions resolve
// deterministically; a missing directory is not an error.
// Upstream: main startup.
// Downstream: Load.
func (h *Host) Discover(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("plugins: read dir %s: %w", dir, err)
	}
	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), h.opts.Extension) {
			continue
		}
		if h.Load(filepath.Join(dir, entry.Name())) {
			loaded++
		}
	}
	return loaded, nil
}

// Purpose: Open one library, resolve its entry points and initialise it.
// Key aspects: Name collisions are rejected before Init runs. Any failure
// closes the library so no partially initialised plugin is retained.
// Upstream: Discover.
// Downstream: Opener, resolveSymbols, Init symbol.
func (h *Host) Load(path string) bool {
	name := PluginName(path)
	if name == "" {
		return false
	}
	h.mu.RLock()
	_, dup := h.plugins[name]
	h.mu.RUnlock()
	if dup {
		log.Printf("Plugins: skipping %s, a plugin named %q is already loaded", path, name)
		return false
	}

	lib, err := h.opts.Open(path)
	if err != nil {
		log.Printf("Plugins: failed to open %s: %v", path, err)
		return false
	}
	sym, err := resolveSymbols(lib)
	if err != nil {
		log.Printf("Plugins: rejecting %s: %v", path, err)
		closeLibrary(path, lib)
		return false
	}
	if !initPlugin(path, sym, h.opts.DataDir, h.opts.Debug) {
		log.Printf("Plugins: %s failed to initialise", path)
		closeLibrary(path, lib)
		return false
	}

	handle := &Handle{name: name, path: path, lib: lib, sym: sym, onTimeout: h.opts.OnTimeout}
	h.mu.Lock()
	if _, dup := h.plugins[name]; dup {
		h.mu.Unlock()
		// Lost a race with a concurrent Load of the same name.
		safeCall(func() { sym.Shutdown() })
		closeLibrary(path, lib)
		return false
	}
	h.plugins[name] = handle
	h.order = append(h.order, name)
	sort.Strings(h.order)
	h.mu.Unlock()
	log.Printf("Plugins: loaded %s (commands=%t profile_events=%t)", name, sym.ExecuteCommand != nil, sym.OnProfileChanged != nil)
	return true
}

func resolveSymbols(lib Library) (Symbols, error) {
	if err := checkABIVersion(lib); err != nil {
		return Symbols{}, err
	}
	var sym Symbols
	var ok bool
	raw, found := lib.Lookup(SymbolInit)
	if sym.Init, ok = raw.(func(string, bool) bool); !found || !ok {
		return Symbols{}, fmt.Errorf("missing or mistyped %s", SymbolInit)
	}
	raw, found = lib.Lookup(SymbolCollectValues)
	if sym.CollectValues, ok = raw.(func(string) string); !found || !ok {
		return Symbols{}, fmt.Errorf("missing or mistyped %s", SymbolCollectValues)
	}
	raw, found = lib.Lookup(SymbolShutdown)
	if sym.Shutdown, ok = raw.(func()); !found || !ok {
		return Symbols{}, fmt.Errorf("missing or mistyped %s", SymbolShutdown)
	}
	if raw, found = lib.Lookup(SymbolExecuteCommand); found {
		sym.ExecuteCommand, _ = raw.(func(string) bool)
	}
	if raw, found = lib.Lookup(SymbolOnProfileChanged); found {
		sym.OnProfileChanged, _ = raw.(func(string))
	}
	return sym, nil
}

// checkABIVersion accepts libraries that do not declare a version.
func checkABIVersion(lib Library) error {
	raw, found := lib.Lookup(SymbolABIVersion)
	if !found {
		return nil
	}
	version, ok := raw.(func() int)
	if !ok {
		return fmt.Errorf("mistyped %s", SymbolABIVersion)
	}
	var got int
	if !safeCall(func() { got = version() }) {
		return fmt.Errorf("panic in %s", SymbolABIVersion)
	}
	if got != ABIVersion {
		return fmt.Errorf("plugin ABI version %d, host speaks %d", got, ABIVersion)
	}
	return nil
}

func initPlugin(path string, sym Symbols, dataDir string, debug bool) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Plugins: panic in %s %s: %v", path, SymbolInit, r)
			ok = false
		}
	}()
	return sym.Init(dataDir, debug)
}

func closeLibrary(path string, lib Library) {
	if err := lib.Close(); err != nil {
		log.Printf("Plugins: failed to release %s: %v", path, err)
	}
}

// safeCall runs fn and reports whether it returned without panicking.
func safeCall(fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	fn()
	return true
}

type callResult int

const (
	callDone callResult = iota
	callSkipped
	callPanicked
	callTimedOut
)

// Call states shared between invoke and its worker goroutine. Whichever side
// moves a call out of callPending first decides whether the plugin runs.
const (
	callPending int32 = iota
	callStarted
	callAbandoned
)

// invoke runs fn on its own goroutine under the handle's call lock. With
// wait=false a plugin that is still busy is skipped at once; with wait=true
// the lock wait counts against timeout, and a call that never got the lock
// is abandoned and reported as skipped. A call that started but misses the
// timeout keeps running and keeps the handle busy until it returns.
func (h *Handle) invoke(op string, timeout time.Duration, wait bool, fn func()) callResult {
	if !wait && !h.callMu.TryLock() {
		return callSkipped
	}
	if wait && h.inflight.Load() {
		// Known stuck: do not queue another goroutine behind it.
		log.Printf("Plugins: %s busy, %s not delivered", h.name, op)
		return callSkipped
	}
	var state atomic.Int32
	done := make(chan bool, 1)
	go func() {
		if wait {
			h.callMu.Lock()
		}
		if !state.CompareAndSwap(callPending, callStarted) {
			h.callMu.Unlock()
			return
		}
		h.inflight.Store(true)
		ok := safeCall(fn)
		h.inflight.Store(false)
		h.callMu.Unlock()
		if !ok {
			h.panics.Add(1)
			log.Printf("Plugins: panic in %s.%s", h.name, op)
		}
		done <- ok
	}()
	result := func(ok bool) callResult {
		if ok {
			return callDone
		}
		return callPanicked
	}
	if timeout <= 0 {
		return result(<-done)
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ok := <-done:
		return result(ok)
	case <-timer.C:
		if state.CompareAndSwap(callPending, callAbandoned) {
			log.Printf("Plugins: %s busy, %s not delivered within %s", h.name, op, timeout)
			return callSkipped
		}
		h.timeouts.Add(1)
		log.Printf("Plugins: %s.%s exceeded %s, skipping until it returns", h.name, op, timeout)
		if h.onTimeout != nil {
			h.onTimeout(h.name)
		}
		return callTimedOut
	}
}

func (h *Host) snapshot() []*Handle {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Handle, 0, len(h.order))
	for _, name := range h.order {
		out = append(out, h.plugins[name])
	}
	return out
}

// Purpose: Gather one JSON member fragment from every loaded plugin.
// Key aspects: Calls fan out concurrently with a per-call deadline; busy,
// slow, panicking and empty plugins contribute nothing. Fragments come back
// in plugin-name order.
// Upstream: sampler.Sampler.Tick.
// Downstream: CollectValues symbol via Handle.invoke.
func (h *Host) CollectAll(profile string) []string {
	handles := h.snapshot()
	if len(handles) == 0 {
		return nil
	}
	results := make([]string, len(handles))
	var g errgroup.Group
	g.SetLimit(h.opts.MaxParallel)
	for i, handle := range handles {
		g.Go(func() error {
			var out string
			res := handle.invoke(SymbolCollectValues, h.opts.CallTimeout, false, func() {
				out = handle.sym.CollectValues(profile)
			})
			if res == callSkipped {
				if total, ok := h.skipped.Inc(); ok {
					log.Printf("Plugins: %s still busy, skipping collection (%d skipped so far)", handle.name, total)
				}
			}
			if res != callDone {
				return nil
			}
			results[i] = strings.TrimSpace(out)
			return nil
		})
	}
	_ = g.Wait()
	fragments := results[:0]
	for _, frag := range results {
		if frag != "" {
			fragments = append(fragments, frag)
		}
	}
	return fragments
}

// Dispatch routes a command document to one plugin. It returns false when the
// plugin is unknown, lacks ExecuteCommand, or reports failure.
func (h *Host) Dispatch(name, command string) bool {
	h.mu.RLock()
	handle, ok := h.plugins[strutil.NormalizeLower(name)]
	h.mu.RUnlock()
	if !ok || handle.sym.ExecuteCommand == nil {
		return false
	}
	var result bool
	if handle.invoke(SymbolExecuteCommand, h.opts.CallTimeout, true, func() {
		result = handle.sym.ExecuteCommand(command)
	}) != callDone {
		return false
	}
	return result
}

// NotifyProfileChanged delivers the profile to every plugin exporting
// OnProfileChanged. A failing plugin does not stop the others.
func (h *Host) NotifyProfileChanged(profile string) {
	for _, handle := range h.snapshot() {
		if handle.sym.OnProfileChanged == nil {
			continue
		}
		handle.invoke(SymbolOnProfileChanged, h.opts.CallTimeout, true, func() {
			handle.sym.OnProfileChanged(profile)
		})
	}
}

// Purpose: Shut every plugin down and release its library, exactly once.
// Key aspects: Must run after the sampler stopped. A plugin whose Shutdown
// does not return in time keeps its library mapped, since unloading code that
// is still executing would crash the process.
// Upstream: lifecycle teardown.
// Downstream: Shutdown symbol, Library.Close.
func (h *Host) ShutdownAll() {
	h.shutdownOnce.Do(func() {
		h.mu.Lock()
		handles := make([]*Handle, 0, len(h.order))
		for _, name := range h.order {
			handles = append(handles, h.plugins[name])
		}
		h.plugins = make(map[string]*Handle)
		h.order = nil
		h.mu.Unlock()

		for _, handle := range handles {
			if handle.Busy() {
				log.Printf("Plugins: %s is still inside a call; skipping Shutdown and leaving library loaded", handle.name)
				continue
			}
			switch handle.invoke(SymbolShutdown, h.opts.ShutdownTimeout, true, func() {
				handle.sym.Shutdown()
			}) {
			case callTimedOut, callSkipped:
				log.Printf("Plugins: %s did not shut down in time; leaving library loaded", handle.name)
				continue
			}
			closeLibrary(handle.path, handle.lib)
		}
		if len(handles) > 0 {
			log.Printf("Plugins: shut down %d plugin(s)", len(handles))
		}
	})
}

// Names lists the loaded plugins in name order.
func (h *Host) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]string(nil), h.order...)
}

// Handles returns the loaded handles in name order.
func (h *Host) Handles() []*Handle {
	return h.snapshot()
}

// Info describes one loaded plugin for diagnostics.
type Info struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	Commands bool   `json:"commands"`
	Busy     bool   `json:"busy"`
	Timeouts uint64 `json:"timeouts"`
}

// Describe reports every loaded plugin in name order.
func (h *Host) Describe() []Info {
	handles := h.snapshot()
	out := make([]Info, 0, len(handles))
	for _, handle := range handles {
		out = append(out, Info{
			Name:     handle.Name(),
			Path:     handle.Path(),
			Commands: handle.HasCommands(),
			Busy:     handle.Busy(),
			Timeouts: handle.Timeouts(),
		})
	}
	return out
}

// Len returns the number of loaded plugins.
func (h *Host) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.plugins)
}

// Timeouts counts plugin calls that missed their deadline.
func (h *Host) Timeouts() uint64 {
	var n uint64
	for _, handle := range h.snapshot() {
		n += handle.Timeouts()
	}
	return n
}

// Skipped counts CollectValues calls not made because the plugin was still
// busy with an earlier call.
func (h *Host) Skipped() uint64 { return h.skipped.Total() }
