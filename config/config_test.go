package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, text string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		t.Fatalf("write %s: %v", filepath.Base(path), err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.LoadedFrom != "" {
		t.Fatalf("expected no LoadedFrom, got %q", cfg.LoadedFrom)
	}
	if cfg.WebSocket.Port != 30001 || cfg.WebSocket.BindAddress != "127.0.0.1" {
		t.Fatalf("unexpected websocket defaults: %+v", cfg.WebSocket)
	}
	if cfg.SampleInterval() != 500*time.Millisecond {
		t.Fatalf("expected 500ms interval, got %s", cfg.SampleInterval())
	}
	if cfg.Plugins.CallTimeoutMS != 250 || cfg.Window.ProbeDelayMS != 3000 {
		t.Fatalf("unexpected plugin/window defaults: %+v %+v", cfg.Plugins, cfg.Window)
	}
	if !cfg.PowerEnabled() {
		t.Fatalf("expected power switching enabled by default")
	}
	if cfg.RTSS.RegionName != "RTSSSharedMemoryV2" {
		t.Fatalf("unexpected region name %q", cfg.RTSS.RegionName)
	}
	if cfg.Plugins.Dir != filepath.Join(cfg.DataDir, "plugins") {
		t.Fatalf("expected plugins dir under data dir, got %s", cfg.Plugins.Dir)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	writeFile(t, path, `data_dir: "`+filepath.ToSlash(dir)+`"
debug: true
websocket:
  port: 31000
  max_connections: 4
sampler:
  interval_ms: 250
plugins:
  dir: extra
power:
  enabled: false
stats:
  interval_seconds: -1
commands:
  - name: clip
    plugin: twitch
    command: create_clip
    params:
      duration: 30
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.LoadedFrom != path {
		t.Fatalf("expected LoadedFrom=%s, got %s", path, cfg.LoadedFrom)
	}
	if !cfg.Debug || cfg.WebSocket.Port != 31000 || cfg.WebSocket.MaxConnections != 4 {
		t.Fatalf("unexpected values: debug=%t ws=%+v", cfg.Debug, cfg.WebSocket)
	}
	if cfg.SampleInterval() != 250*time.Millisecond {
		t.Fatalf("expected 250ms, got %s", cfg.SampleInterval())
	}
	if cfg.Plugins.Dir != filepath.Join(filepath.FromSlash(filepath.ToSlash(dir)), "extra") {
		t.Fatalf("expected relative plugins dir anchored at data dir, got %s", cfg.Plugins.Dir)
	}
	if cfg.PowerEnabled() {
		t.Fatalf("expected power disabled")
	}
	if cfg.StatsInterval() != 0 {
		t.Fatalf("expected stats disabled, got %s", cfg.StatsInterval())
	}
	if len(cfg.Commands) != 1 || cfg.Commands[0].Plugin != "twitch" {
		t.Fatalf("unexpected commands: %+v", cfg.Commands)
	}
	if got := cfg.Commands[0].Params["duration"]; got != 30 {
		t.Fatalf("expected duration param 30, got %v (%T)", got, got)
	}
}

func TestLoadDirectoryMergesFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.yaml"), "websocket:\n  port: 32000\n")
	writeFile(t, filepath.Join(dir, "b.yml"), "admin:\n  enabled: true\n")
	writeFile(t, filepath.Join(dir, "notes.txt"), "websocket: [")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.WebSocket.Port != 32000 || !cfg.Admin.Enabled {
		t.Fatalf("expected merged values, got port=%d admin=%t", cfg.WebSocket.Port, cfg.Admin.Enabled)
	}
	if cfg.Admin.Address != "127.0.0.1:30002" {
		t.Fatalf("unexpected admin default %q", cfg.Admin.Address)
	}
}

func TestLoadRejectsInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	writeFile(t, path, "websocket: [")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestSetDataDirMovesDefaultPluginDir(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	other := t.TempDir()
	cfg.SetDataDir(other)
	if cfg.DataDir != other || cfg.Plugins.Dir != filepath.Join(other, "plugins") {
		t.Fatalf("unexpected dirs: data=%s plugins=%s", cfg.DataDir, cfg.Plugins.Dir)
	}
}
