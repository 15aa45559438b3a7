package plugins

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeLibrary struct {
	symbols map[string]any
	closed  atomic.Int32
}

func (f *fakeLibrary) Lookup(symbol string) (any, bool) {
	v, ok := f.symbols[symbol]
	return v, ok
}

func (f *fakeLibrary) Close() error {
	f.closed.Add(1)
	return nil
}

type fakePlugin struct {
	initResult bool
	output     string
	commands   []string
	profiles   []string
	shutdowns  int
	mu         sync.Mutex
}

func (p *fakePlugin) library(withCommands, withProfile bool) *fakeLibrary {
	syms := map[string]any{
		SymbolInit: func(string, bool) bool { return p.initResult },
		SymbolCollectValues: func(string) string {
			return p.output
		},
		SymbolShutdown: func() {
			p.mu.Lock()
			p.shutdowns++
			p.mu.Unlock()
		},
	}
	if withCommands {
		syms[SymbolExecuteCommand] = func(cmd string) bool {
			p.mu.Lock()
			p.commands = append(p.commands, cmd)
			p.mu.Unlock()
			return cmd != "fail"
		}
	}
	if withProfile {
		syms[SymbolOnProfileChanged] = func(profile string) {
			p.mu.Lock()
			p.profiles = append(p.profiles, profile)
			p.mu.Unlock()
		}
	}
	return &fakeLibrary{symbols: syms}
}

func opener(libs map[string]*fakeLibrary) Opener {
	return func(path string) (Library, error) {
		lib, ok := libs[filepath.Base(path)]
		if !ok {
			return nil, errors.New("no such library")
		}
		return lib, nil
	}
}

func TestLoadRejectsMissingShutdown(t *testing.T) {
	p := &fakePlugin{initResult: true, output: `"broken=>x": 1`}
	lib := p.library(false, false)
	delete(lib.symbols, SymbolShutdown)
	host := NewHost(HostOptions{Open: opener(map[string]*fakeLibrary{"broken.so": lib})})

	if host.Load("/plugins/broken.so") {
		t.Fatalf("expected load to fail without Shutdown")
	}
	if host.Len() != 0 {
		t.Fatalf("expected empty plugin table, got %v", host.Names())
	}
	if lib.closed.Load() != 1 {
		t.Fatalf("expected library to be released once, got %d", lib.closed.Load())
	}
	if frags := host.CollectAll("game.exe"); len(frags) != 0 {
		t.Fatalf("unexpected fragments %v", frags)
	}
}

func TestLoadRejectsMistypedSymbol(t *testing.T) {
	p := &fakePlugin{initResult: true}
	lib := p.library(false, false)
	lib.symbols[SymbolCollectValues] = func() string { return "" }
	host := NewHost(HostOptions{Open: opener(map[string]*fakeLibrary{"odd.so": lib})})
	if host.Load("/plugins/odd.so") {
		t.Fatalf("expected load to fail for mistyped CollectValues")
	}
	if lib.closed.Load() != 1 {
		t.Fatalf("expected library to be released")
	}
}

func TestABIVersionChecked(t *testing.T) {
	cases := []struct {
		name    string
		version any
		loads   bool
	}{
		{"undeclared", nil, true},
		{"current", func() int { return ABIVersion }, true},
		{"newer", func() int { return ABIVersion + 1 }, false},
		{"mistyped", func() string { return "1" }, false},
		{"panics", func() int { panic("version") }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := &fakePlugin{initResult: true}
			lib := p.library(false, false)
			if tc.version != nil {
				lib.symbols[SymbolABIVersion] = tc.version
			}
			host := NewHost(HostOptions{Open: opener(map[string]*fakeLibrary{"v.so": lib})})
			if got := host.Load("/p/v.so"); got != tc.loads {
				t.Fatalf("Load = %t, want %t", got, tc.loads)
			}
			if !tc.loads && lib.closed.Load() != 1 {
				t.Fatalf("rejected library must be released")
			}
		})
	}
}

func TestInitFailureUnloads(t *testing.T) {
	p := &fakePlugin{initResult: false, output: `"x=>y": 1`}
	lib := p.library(true, false)
	host := NewHost(HostOptions{Open: opener(map[string]*fakeLibrary{"x.so": lib})})
	if host.Load("/plugins/x.so") {
		t.Fatalf("expected load to fail when Init returns false")
	}
	if lib.closed.Load() != 1 {
		t.Fatalf("expected library to be released")
	}
	if host.Dispatch("x", "{}") {
		t.Fatalf("dispatch to a rejected plugin must fail")
	}
}

func TestInitPanicUnloads(t *testing.T) {
	p := &fakePlugin{}
	lib := p.library(false, false)
	lib.symbols[SymbolInit] = func(string, bool) bool { panic("boom") }
	host := NewHost(HostOptions{Open: opener(map[string]*fakeLibrary{"p.so": lib})})
	if host.Load("/plugins/p.so") {
		t.Fatalf("expected load to fail when Init panics")
	}
	if lib.closed.Load() != 1 {
		t.Fatalf("expected library to be released")
	}
}

func TestDuplicateNameKeepsFirst(t *testing.T) {
	first := &fakePlugin{initResult: true, output: `"hw=>cpu": 1`}
	second := &fakePlugin{initResult: true, output: `"hw=>cpu": 2`}
	firstLib := first.library(false, false)
	secondLib := second.library(false, false)
	inits := 0
	secondLib.symbols[SymbolInit] = func(string, bool) bool {
		inits++
		return true
	}
	dir := t.TempDir()
	sub := filepath.Join(dir, "extra")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	libs := map[string]*fakeLibrary{"hw.so": firstLib, "HW.so": secondLib}
	host := NewHost(HostOptions{Open: opener(libs)})

	if !host.Load(filepath.Join(dir, "hw.so")) {
		t.Fatalf("first load failed")
	}
	if host.Load(filepath.Join(sub, "HW.so")) {
		t.Fatalf("second load with colliding name should be skipped")
	}
	if inits != 0 {
		t.Fatalf("colliding library must not be initialised")
	}
	if got := host.CollectAll(""); !reflect.DeepEqual(got, []string{`"hw=>cpu": 1`}) {
		t.Fatalf("CollectAll = %v", got)
	}
	if firstLib.closed.Load() != 0 {
		t.Fatalf("first library must stay loaded")
	}
}

func TestDiscoverFiltersByExtension(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.so", "a.so", "notes.txt", "c.SO"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "d.so"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	a := &fakePlugin{initResult: true, output: `"a=>v": 1`}
	b := &fakePlugin{initResult: true, output: `"b=>v": 2`}
	c := &fakePlugin{initResult: true, output: ` `}
	host := NewHost(HostOptions{
		Extension: "so",
		Open: opener(map[string]*fakeLibrary{
			"a.so": a.library(false, false),
			"b.so": b.library(false, false),
			"c.SO": c.library(false, false),
		}),
	})
	n, err := host.Discover(dir)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 plugins, got %d", n)
	}
	if got := host.Names(); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Fatalf("Names = %v", got)
	}
	// Empty output is skipped without failing the tick.
	if got := host.CollectAll("x"); !reflect.DeepEqual(got, []string{`"a=>v": 1`, `"b=>v": 2`}) {
		t.Fatalf("CollectAll = %v", got)
	}
}

func TestDiscoverMissingDir(t *testing.T) {
	host := NewHost(HostOptions{Open: opener(nil)})
	n, err := host.Discover(filepath.Join(t.TempDir(), "missing"))
	if err != nil || n != 0 {
		t.Fatalf("Discover missing dir = (%d, %v)", n, err)
	}
}

func TestDispatchIsCaseInsensitive(t *testing.T) {
	withCmd := &fakePlugin{initResult: true}
	without := &fakePlugin{initResult: true}
	host := NewHost(HostOptions{Open: opener(map[string]*fakeLibrary{
		"OBS.so":   withCmd.library(true, false),
		"plain.so": without.library(false, false),
	})})
	host.Load("/p/OBS.so")
	host.Load("/p/plain.so")

	if !host.Dispatch("Obs", `{"command":"scene","params":[]}`) {
		t.Fatalf("expected dispatch to succeed")
	}
	if host.Dispatch("obs", "fail") {
		t.Fatalf("plugin failure must be reported")
	}
	if host.Dispatch("plain", "{}") {
		t.Fatalf("plugin without ExecuteCommand must return false")
	}
	if host.Dispatch("unknown", "{}") {
		t.Fatalf("unknown plugin must return false")
	}
	if !reflect.DeepEqual(withCmd.commands, []string{`{"command":"scene","params":[]}`, "fail"}) {
		t.Fatalf("commands = %v", withCmd.commands)
	}
}

func TestNotifyProfileChangedSurvivesPanics(t *testing.T) {
	a := &fakePlugin{initResult: true}
	b := &fakePlugin{initResult: true}
	c := &fakePlugin{initResult: true}
	aLib := a.library(false, true)
	aLib.symbols[SymbolOnProfileChanged] = func(string) { panic("bad plugin") }
	host := NewHost(HostOptions{Open: opener(map[string]*fakeLibrary{
		"a.so": aLib,
		"b.so": b.library(false, true),
		"c.so": c.library(false, false),
	})})
	host.Load("/p/a.so")
	host.Load("/p/b.so")
	host.Load("/p/c.so")

	host.NotifyProfileChanged("game.exe")
	host.NotifyProfileChanged("")
	if !reflect.DeepEqual(b.profiles, []string{"game.exe", ""}) {
		t.Fatalf("profiles = %v", b.profiles)
	}
}

func TestCollectAllSkipsSlowPlugin(t *testing.T) {
	release := make(chan struct{})
	slow := &fakePlugin{initResult: true}
	slowLib := slow.library(false, false)
	var calls atomic.Int32
	slowLib.symbols[SymbolCollectValues] = func(string) string {
		if calls.Add(1) == 1 {
			<-release
		}
		return `"slow=>v": 1`
	}
	fast := &fakePlugin{initResult: true, output: `"fast=>v": 2`}
	host := NewHost(HostOptions{
		CallTimeout: 20 * time.Millisecond,
		Open: opener(map[string]*fakeLibrary{
			"slow.so": slowLib,
			"fast.so": fast.library(false, false),
		}),
	})
	host.Load("/p/slow.so")
	host.Load("/p/fast.so")

	if got := host.CollectAll(""); !reflect.DeepEqual(got, []string{`"fast=>v": 2`}) {
		t.Fatalf("first tick = %v", got)
	}
	if host.Timeouts() != 1 {
		t.Fatalf("expected one timeout, got %d", host.Timeouts())
	}
	if got := host.CollectAll(""); !reflect.DeepEqual(got, []string{`"fast=>v": 2`}) {
		t.Fatalf("busy plugin should be skipped, got %v", got)
	}
	if host.Skipped() != 1 {
		t.Fatalf("expected one skipped call, got %d", host.Skipped())
	}
	if calls.Load() != 1 {
		t.Fatalf("busy plugin must not be re-entered, calls=%d", calls.Load())
	}

	close(release)
	deadline := time.Now().Add(2 * time.Second)
	for host.Handles()[1].Busy() {
		if time.Now().After(deadline) {
			t.Fatalf("slow plugin never returned")
		}
		time.Sleep(time.Millisecond)
	}
	if got := host.CollectAll(""); !reflect.DeepEqual(got, []string{`"fast=>v": 2`, `"slow=>v": 1`}) {
		t.Fatalf("recovered tick = %v", got)
	}
}

func TestCollectAllRecoversPanic(t *testing.T) {
	bad := &fakePlugin{initResult: true}
	badLib := bad.library(false, false)
	badLib.symbols[SymbolCollectValues] = func(string) string { panic("collect") }
	good := &fakePlugin{initResult: true, output: `"good=>v": 1`}
	host := NewHost(HostOptions{Open: opener(map[string]*fakeLibrary{
		"bad.so":  badLib,
		"good.so": good.library(false, false),
	})})
	host.Load("/p/bad.so")
	host.Load("/p/good.so")
	if got := host.CollectAll(""); !reflect.DeepEqual(got, []string{`"good=>v": 1`}) {
		t.Fatalf("CollectAll = %v", got)
	}
}

func TestHungPluginDoesNotBlockHost(t *testing.T) {
	hang := make(chan struct{})
	t.Cleanup(func() { close(hang) })
	stuck := &fakePlugin{initResult: true}
	stuckLib := stuck.library(true, true)
	stuckLib.symbols[SymbolCollectValues] = func(string) string {
		<-hang
		return `"stuck=>v": 1`
	}
	host := NewHost(HostOptions{
		CallTimeout:     50 * time.Millisecond,
		ShutdownTimeout: 100 * time.Millisecond,
		Open:            opener(map[string]*fakeLibrary{"stuck.so": stuckLib}),
	})
	host.Load("/p/stuck.so")

	if got := host.CollectAll(""); len(got) != 0 {
		t.Fatalf("hung plugin produced %v", got)
	}

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		host.NotifyProfileChanged("game.exe")
		if host.Dispatch("stuck", "{}") {
			t.Errorf("dispatch to a hung plugin must fail")
		}
		host.ShutdownAll()
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatalf("host calls blocked behind a hung plugin")
	}

	stuck.mu.Lock()
	defer stuck.mu.Unlock()
	if len(stuck.profiles) != 0 || len(stuck.commands) != 0 {
		t.Fatalf("abandoned calls must not reach the plugin later: profiles=%v commands=%v", stuck.profiles, stuck.commands)
	}
	if stuck.shutdowns != 0 {
		t.Fatalf("Shutdown must not run while the plugin is busy")
	}
	if stuckLib.closed.Load() != 0 {
		t.Fatalf("busy plugin library must stay loaded")
	}
	if host.Len() != 0 {
		t.Fatalf("expected empty table after shutdown")
	}
}

func TestLockWaitCountsAgainstDeadline(t *testing.T) {
	p := &fakePlugin{initResult: true}
	host := NewHost(HostOptions{
		CallTimeout: 30 * time.Millisecond,
		Open:        opener(map[string]*fakeLibrary{"obs.so": p.library(true, false)}),
	})
	host.Load("/p/obs.so")
	handle := host.Handles()[0]

	handle.callMu.Lock()
	start := time.Now()
	if host.Dispatch("obs", "late") {
		t.Fatalf("dispatch must fail while the call lock is held")
	}
	if waited := time.Since(start); waited > time.Second {
		t.Fatalf("dispatch waited %s for the call lock", waited)
	}
	handle.callMu.Unlock()

	if !host.Dispatch("obs", "next") {
		t.Fatalf("dispatch after release should succeed")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !reflect.DeepEqual(p.commands, []string{"next"}) {
		t.Fatalf("abandoned command reached the plugin: %v", p.commands)
	}
	if handle.Timeouts() != 0 {
		t.Fatalf("a call that never started is not a timeout, got %d", handle.Timeouts())
	}
}

func TestShutdownAllRunsOnce(t *testing.T) {
	p := &fakePlugin{initResult: true}
	lib := p.library(false, false)
	host := NewHost(HostOptions{Open: opener(map[string]*fakeLibrary{"one.so": lib})})
	host.Load("/p/one.so")

	host.ShutdownAll()
	host.ShutdownAll()
	if p.shutdowns != 1 {
		t.Fatalf("expected one Shutdown call, got %d", p.shutdowns)
	}
	if lib.closed.Load() != 1 {
		t.Fatalf("expected library released once, got %d", lib.closed.Load())
	}
	if host.Len() != 0 {
		t.Fatalf("expected empty table after shutdown")
	}
}

func TestPluginName(t *testing.T) {
	cases := map[string]string{
		"/a/b/HWInfo.dll":   "hwinfo",
		`plugins/obs.so`:    "obs",
		"/x/no_extension":   "no_extension",
		"/x/dotted.name.so": "dotted.name",
	}
	for in, want := range cases {
		if got := PluginName(in); got != want {
			t.Fatalf("PluginName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDescribeReportsLoadedPlugins(t *testing.T) {
	obs := &fakePlugin{initResult: true}
	plain := &fakePlugin{initResult: true}
	host := NewHost(HostOptions{Open: opener(map[string]*fakeLibrary{
		"OBS.so":   obs.library(true, false),
		"plain.so": plain.library(false, false),
	})})
	host.Load("/p/plain.so")
	host.Load("/p/OBS.so")

	got := host.Describe()
	want := []Info{
		{Name: "obs", Path: "/p/OBS.so", Commands: true},
		{Name: "plain", Path: "/p/plain.so"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Describe = %+v, want %+v", got, want)
	}
}
