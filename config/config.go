package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"widgetsensors/commands"
)

const (
	// FileName is the config file looked up in the data directory.
	FileName = "config.yaml"
	// EnvPath overrides the config location (file or directory of *.yaml).
	EnvPath = "WIDGET_SENSORS_CONFIG"
	// AppDirName is the data directory name under the user config dir.
	AppDirName = "WidgetSensors"
)

// Config represents the complete aggregator configuration
type Config struct {
	DataDir   string             `yaml:"data_dir"`
	Debug     bool               `yaml:"debug"`
	WebSocket WebSocketConfig    `yaml:"websocket"`
	Sampler   SamplerConfig      `yaml:"sampler"`
	Plugins   PluginsConfig      `yaml:"plugins"`
	RTSS      RTSSConfig         `yaml:"rtss"`
	Window    WindowConfig       `yaml:"window"`
	Power     PowerConfig        `yaml:"power"`
	Admin     AdminConfig        `yaml:"admin"`
	Logging   LoggingConfig      `yaml:"logging"`
	Stats     StatsConfig        `yaml:"stats"`
	Commands  []commands.Command `yaml:"commands"`

	// LoadedFrom is the file or directory the config came from; empty when
	// defaults were used.
	LoadedFrom string `yaml:"-"`
}

// WebSocketConfig contains broadcast server settings
type WebSocketConfig struct {
	BindAddress    string `yaml:"bind_address"`
	Port           int    `yaml:"port"`
	MaxConnections int    `yaml:"max_connections"`
	ReadLimitBytes int64  `yaml:"read_limit_bytes"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
}

// SamplerConfig contains the tick cadence
type SamplerConfig struct {
	IntervalMS int `yaml:"interval_ms"`
}

// PluginsConfig contains plugin discovery and call limits
type PluginsConfig struct {
	Dir               string `yaml:"dir"`
	Extension         string `yaml:"extension"`
	CallTimeoutMS     int    `yaml:"call_timeout_ms"`
	ShutdownTimeoutMS int    `yaml:"shutdown_timeout_ms"`
	MaxParallel       int    `yaml:"max_parallel"`
}

// RTSSConfig names the overlay's shared-memory region
type RTSSConfig struct {
	RegionName string `yaml:"region_name"`
	RegionPath string `yaml:"region_path"`
}

// WindowConfig contains window probe settings
type WindowConfig struct {
	ProbeDelayMS int `yaml:"probe_delay_ms"`
}

// PowerConfig controls power plan switching
type PowerConfig struct {
	Enabled         *bool  `yaml:"enabled"`
	RestoreBalanced bool   `yaml:"restore_balanced"`
	BalancedGUID    string `yaml:"balanced_guid"`
	UltimateGUID    string `yaml:"ultimate_guid"`
}

// AdminConfig contains admin HTTP settings
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// LoggingConfig contains log file settings
type LoggingConfig struct {
	Dir           string `yaml:"dir"`
	RetentionDays int    `yaml:"retention_days"`
}

// StatsConfig controls the periodic status log
type StatsConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
}

// DefaultDataDir returns <user config dir>/WidgetSensors, or a relative
// directory when the user config dir is unknown.
func DefaultDataDir() string {
	base, err := os.UserConfigDir()
	if err != nil || base == "" {
		return AppDirName
	}
	return filepath.Join(base, AppDirName)
}

// Purpose: Load configuration from a YAML file or a directory of YAML files.
// Key aspects: Directory files merge in name order; a missing path yields
// defaults; every zero value is normalised by applyDefaults.
// Upstream: main startup.
// Downstream: yaml.Unmarshal, applyDefaults.
func Load(path string) (*Config, error) {
	var cfg Config
	info, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		cfg.applyDefaults()
		return &cfg, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	files := []string{path}
	if info.IsDir() {
		files, err = yamlFiles(path)
		if err != nil {
			return nil, err
		}
	}
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", filepath.Base(file), err)
		}
	}
	cfg.LoadedFrom = path
	cfg.applyDefaults()
	return &cfg, nil
}

func yamlFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read config dir: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

func (c *Config) applyDefaults() {
	c.DataDir = strings.TrimSpace(c.DataDir)
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir()
	}
	if strings.TrimSpace(c.WebSocket.BindAddress) == "" {
		c.WebSocket.BindAddress = "127.0.0.1"
	}
	if c.WebSocket.Port <= 0 {
		c.WebSocket.Port = 30001
	}
	if c.WebSocket.MaxConnections < 0 {
		c.WebSocket.MaxConnections = 0
	}
	if c.WebSocket.ReadLimitBytes <= 0 {
		c.WebSocket.ReadLimitBytes = 64 * 1024
	}
	if c.WebSocket.WriteTimeoutMS <= 0 {
		c.WebSocket.WriteTimeoutMS = 5000
	}
	if c.Sampler.IntervalMS <= 0 {
		c.Sampler.IntervalMS = 500
	}
	if c.Plugins.CallTimeoutMS <= 0 {
		c.Plugins.CallTimeoutMS = 250
	}
	if c.Plugins.ShutdownTimeoutMS <= 0 {
		c.Plugins.ShutdownTimeoutMS = 2000
	}
	if c.Plugins.MaxParallel < 0 {
		c.Plugins.MaxParallel = 0
	}
	if strings.TrimSpace(c.RTSS.RegionName) == "" {
		c.RTSS.RegionName = "RTSSSharedMemoryV2"
	}
	if c.Window.ProbeDelayMS <= 0 {
		c.Window.ProbeDelayMS = 3000
	}
	if c.Power.Enabled == nil {
		enabled := true
		c.Power.Enabled = &enabled
	}
	if strings.TrimSpace(c.Admin.Address) == "" {
		c.Admin.Address = "127.0.0.1:30002"
	}
	if c.Logging.RetentionDays <= 0 {
		c.Logging.RetentionDays = 7
	}
	if c.Stats.IntervalSeconds == 0 {
		c.Stats.IntervalSeconds = 300
	}
	c.resolvePaths()
}

// resolvePaths anchors relative directories at the data dir.
func (c *Config) resolvePaths() {
	if strings.TrimSpace(c.Plugins.Dir) == "" {
		c.Plugins.Dir = filepath.Join(c.DataDir, "plugins")
	} else if !filepath.IsAbs(c.Plugins.Dir) {
		c.Plugins.Dir = filepath.Join(c.DataDir, c.Plugins.Dir)
	}
	if dir := strings.TrimSpace(c.Logging.Dir); dir != "" && !filepath.IsAbs(dir) {
		c.Logging.Dir = filepath.Join(c.DataDir, dir)
	}
}

// SetDataDir overrides the data directory and re-anchors derived paths that
// were left at their defaults.
func (c *Config) SetDataDir(dir string) {
	dir = strings.TrimSpace(dir)
	if dir == "" || dir == c.DataDir {
		return
	}
	if c.Plugins.Dir == filepath.Join(c.DataDir, "plugins") {
		c.Plugins.Dir = filepath.Join(dir, "plugins")
	}
	c.DataDir = dir
}

// PowerEnabled reports whether profile changes switch power plans.
func (c *Config) PowerEnabled() bool {
	return c.Power.Enabled == nil || *c.Power.Enabled
}

// SampleInterval returns the tick period.
func (c *Config) SampleInterval() time.Duration {
	return time.Duration(c.Sampler.IntervalMS) * time.Millisecond
}

// StatsInterval returns the status log period; zero disables it.
func (c *Config) StatsInterval() time.Duration {
	if c.Stats.IntervalSeconds < 0 {
		return 0
	}
	return time.Duration(c.Stats.IntervalSeconds) * time.Second
}

// Print displays the configuration
func (c *Config) Print() {
	source := c.LoadedFrom
	if source == "" {
		source = "defaults"
	}
	fmt.Printf("Config: %s\n", source)
	fmt.Printf("Data dir: %s (debug=%t)\n", c.DataDir, c.Debug)
	maxConn := "unlimited"
	if c.WebSocket.MaxConnections > 0 {
		maxConn = fmt.Sprintf("%d", c.WebSocket.MaxConnections)
	}
	fmt.Printf("WebSocket: %s:%d (max connections=%s)\n", c.WebSocket.BindAddress, c.WebSocket.Port, maxConn)
	fmt.Printf("Sampler: every %dms\n", c.Sampler.IntervalMS)
	fmt.Printf("Plugins: %s (call timeout %dms)\n", c.Plugins.Dir, c.Plugins.CallTimeoutMS)
	if c.PowerEnabled() {
		fmt.Printf("Power: enabled (restore balanced=%t)\n", c.Power.RestoreBalanced)
	}
	if c.Admin.Enabled {
		fmt.Printf("Admin: %s\n", c.Admin.Address)
	}
	if c.Logging.Dir != "" {
		fmt.Printf("Logging: %s (retention %d days)\n", c.Logging.Dir, c.Logging.RetentionDays)
	}
	if len(c.Commands) > 0 {
		names := make([]string, 0, len(c.Commands))
		for _, cmd := range c.Commands {
			names = append(names, cmd.Name)
		}
		fmt.Printf("Commands: %s\n", strings.Join(names, ", "))
	}
}
