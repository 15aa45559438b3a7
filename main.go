package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"widgetsensors/admin"
	"widgetsensors/broadcast"
	"widgetsensors/commands"
	"widgetsensors/config"
	"widgetsensors/covers"
	"widgetsensors/gamedb"
	"widgetsensors/ignorelist"
	"widgetsensors/internal/filewatch"
	"widgetsensors/plugins"
	"widgetsensors/power"
	"widgetsensors/rtss"
	"widgetsensors/sampler"
	"widgetsensors/snapshot"
	"widgetsensors/stats"
	"widgetsensors/window"
)

// Version is the aggregator release.
const Version = "2.0.0"

const (
	exitOK         = 0
	exitDataDir    = 1
	exitListenFail = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// Purpose: Load config, wire every service, serve until a quit signal.
// Key aspects: Returns the process exit code so deferred cleanup runs; only
// data-dir creation and the broadcast bind are fatal.
// Upstream: main.
// Downstream: buildServices, lifecycle.
func run(args []string) int {
	dataDirArg := ""
	if len(args) > 0 {
		dataDirArg = strings.TrimSpace(args[0])
	}
	cfg, err := loadConfig(dataDirArg)
	if err != nil {
		log.Printf("Error loading config: %v", err)
		return exitDataDir
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Printf("Unable to create data directory %s: %v", cfg.DataDir, err)
		return exitDataDir
	}

	fanout, err := setupLogging(cfg.Logging, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Logging: file sink disabled: %v\n", err)
	}
	log.SetFlags(0)
	log.SetOutput(fanout)
	defer fanout.Close()

	log.Printf("Widget Sensors v%s starting...", Version)
	cfg.Print()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, code := buildServices(cfg)
	if code != exitOK {
		return code
	}

	lc := startLifecycle(ctx, svc.sampler.Run)
	svc.registerTeardown(lc)
	go reportStats(ctx, svc.stats, cfg.StatsInterval())

	log.Printf("Widget Sensors ready: %d plugin(s), websocket on %s", svc.host.Len(), svc.broadcast.Addr())
	select {
	case <-ctx.Done():
		log.Printf("Received shutdown signal")
	case <-lc.Done():
	}
	lc.Shutdown()
	return exitOK
}

// loadConfig resolves the config location: $WIDGET_SENSORS_CONFIG, else
// <data dir>/config.yaml. A data dir passed on the command line wins over the
// one in the file.
func loadConfig(dataDirArg string) (*config.Config, error) {
	dataDir := dataDirArg
	if dataDir == "" {
		dataDir = config.DefaultDataDir()
	}
	path := strings.TrimSpace(os.Getenv(config.EnvPath))
	if path == "" {
		path = filepath.Join(dataDir, config.FileName)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if dataDirArg != "" {
		cfg.SetDataDir(dataDirArg)
	}
	return cfg, nil
}

// services is everything main owns between startup and teardown.
type services struct {
	stats     *stats.Tracker
	host      *plugins.Host
	reader    *rtss.Reader
	store     *snapshot.Store
	sampler   *sampler.Sampler
	broadcast *broadcast.Server
	admin     *admin.Server
	probe     *window.Probe
	covers    *covers.Store
	watchers  []*filewatch.Watcher
}

// Purpose: Construct and start every service in dependency order.
// Key aspects: Optional services that fail to start are logged and left out;
// a broadcast bind failure releases what was built and returns exit code 2.
// Upstream: run.
// Downstream: every package constructor.
func buildServices(cfg *config.Config) (*services, int) {
	svc := &services{stats: stats.NewTracker(), store: snapshot.NewStore(snapshot.DefaultCapacity)}

	svc.host = plugins.NewHost(plugins.HostOptions{
		DataDir:         cfg.DataDir,
		Debug:           cfg.Debug,
		Extension:       cfg.Plugins.Extension,
		CallTimeout:     time.Duration(cfg.Plugins.CallTimeoutMS) * time.Millisecond,
		ShutdownTimeout: time.Duration(cfg.Plugins.ShutdownTimeoutMS) * time.Millisecond,
		MaxParallel:     cfg.Plugins.MaxParallel,
		OnTimeout:       svc.stats.IncrementPluginTimeout,
	})
	if _, err := svc.host.Discover(cfg.Plugins.Dir); err != nil {
		log.Printf("Plugins: discovery failed: %v", err)
	}

	svc.reader = rtss.NewReader(rtss.PlatformOpen(cfg.RTSS.RegionName, cfg.RTSS.RegionPath), rtss.PlatformForeground())

	games := gamedb.Open(cfg.DataDir)
	if err := games.Load(); err != nil {
		log.Printf("Game DB: %v", err)
	}
	for _, file := range games.Files() {
		svc.watch(file, "Game DB", games.Load)
	}

	ignore := ignorelist.New(filepath.Join(cfg.DataDir, ignorelist.FileName))
	if err := ignore.Load(); err != nil {
		log.Printf("Ignore list: %v", err)
	}
	svc.watch(ignore.Path(), "Ignore list", ignore.Load)

	coverStore, err := covers.Open(filepath.Join(cfg.DataDir, "covers"))
	if err != nil {
		log.Printf("Covers: custom covers disabled: %v", err)
	} else {
		svc.covers = coverStore
	}

	svc.probe = window.NewProbe(window.Options{Delay: time.Duration(cfg.Window.ProbeDelayMS) * time.Millisecond})

	opts := sampler.Options{
		Interval:        cfg.SampleInterval(),
		Frames:          svc.reader,
		Plugins:         svc.host,
		Publisher:       svc.store,
		Apps:            games,
		Ignore:          ignore,
		Window:          svc.probe,
		RestoreBalanced: cfg.Power.RestoreBalanced,
		Stats:           svc.stats,
		Debug:           cfg.Debug,
	}
	var switcher *power.Switcher
	if cfg.PowerEnabled() {
		switcher = power.NewSwitcher(powerOverrides(cfg.Power))
		opts.Power = switcher
	}
	if svc.covers != nil {
		opts.Covers = svc.covers
	}
	svc.sampler = sampler.New(opts)
	// Publish once so the first client never waits a full interval.
	svc.sampler.Tick()

	svc.broadcast = broadcast.NewServer(broadcast.ServerOptions{
		BindAddress:    cfg.WebSocket.BindAddress,
		Port:           cfg.WebSocket.Port,
		MaxConnections: cfg.WebSocket.MaxConnections,
		ReadLimit:      cfg.WebSocket.ReadLimitBytes,
		WriteTimeout:   time.Duration(cfg.WebSocket.WriteTimeoutMS) * time.Millisecond,
		Source:         svc.store,
		OnCover:        svc.sampler.SetCover,
		Stats:          svc.stats,
	})
	if err := svc.broadcast.Start(); err != nil {
		log.Printf("Error: %v", err)
		svc.releaseAfterFailedStart()
		return nil, exitListenFail
	}

	if cfg.Admin.Enabled {
		svc.admin = newAdminServer(cfg, svc, ignore, switcher)
		if err := svc.admin.Start(); err != nil {
			log.Printf("Admin: %v", err)
			svc.admin = nil
		}
	}
	return svc, exitOK
}

func newAdminServer(cfg *config.Config, svc *services, ignore *ignorelist.List, switcher *power.Switcher) *admin.Server {
	opts := admin.Options{
		Address:  cfg.Admin.Address,
		Snapshot: svc.store,
		Plugins:  svc.host,
		Stats:    svc.stats,
		Profile:  svc.sampler,
		Ignore:   ignore,
	}
	processor, err := commands.NewProcessor(svc.host, cfg.Commands)
	if err != nil {
		log.Printf("Commands: %v", err)
	} else {
		opts.Commands = processor
	}
	if switcher != nil {
		opts.Power = switcher
	}
	if svc.covers != nil {
		opts.Covers = svc.covers
	}
	return admin.NewServer(opts)
}

func powerOverrides(cfg config.PowerConfig) map[power.Scheme]string {
	overrides := make(map[power.Scheme]string)
	if guid := strings.TrimSpace(cfg.BalancedGUID); guid != "" {
		overrides[power.Balanced] = guid
	}
	if guid := strings.TrimSpace(cfg.UltimateGUID); guid != "" {
		overrides[power.UltimatePerformance] = guid
	}
	return overrides
}

func (svc *services) watch(path, label string, reload filewatch.ReloadFunc) {
	w, err := filewatch.Watch(path, label, filewatch.DefaultDebounce, reload)
	if err != nil {
		log.Printf("%s: hot reload disabled: %v", label, err)
		return
	}
	svc.watchers = append(svc.watchers, w)
}

// registerTeardown lists the services in the order they must be released
// once the sampler goroutine has stopped.
func (svc *services) registerTeardown(lc *lifecycle) {
	lc.onShutdown("websocket server", func() error {
		svc.broadcast.Stop()
		return nil
	})
	if svc.admin != nil {
		lc.onShutdown("admin server", func() error {
			return svc.admin.Stop(context.Background())
		})
	}
	lc.onShutdown("plugins", func() error {
		svc.host.ShutdownAll()
		return nil
	})
	lc.onShutdown("watchers", svc.closeWatchers)
	lc.onShutdown("window probe", func() error {
		svc.probe.Close()
		return nil
	})
	lc.onShutdown("shared memory", svc.reader.Close)
	if svc.covers != nil {
		lc.onShutdown("covers", svc.covers.Close)
	}
}

func (svc *services) closeWatchers() error {
	var errs []error
	for _, w := range svc.watchers {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (svc *services) releaseAfterFailedStart() {
	svc.host.ShutdownAll()
	_ = svc.closeWatchers()
	svc.probe.Close()
	_ = svc.reader.Close()
	if svc.covers != nil {
		_ = svc.covers.Close()
	}
}

// reportStats logs the counters every interval; zero disables it.
func reportStats(ctx context.Context, tracker *stats.Tracker, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, line := range tracker.SnapshotLines() {
				log.Print(line)
			}
		}
	}
}
