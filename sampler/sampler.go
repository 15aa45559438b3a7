// Package sampler builds the telemetry snapshot on a fixed cadence. Each tick
// reads the overlay's frame statistics, tracks the foreground game profile,
// gathers plugin fragments and publishes one JSON document.
package sampler

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"widgetsensors/gamedb"
	"widgetsensors/internal/ratelimit"
	"widgetsensors/power"
	"widgetsensors/rtss"
	"widgetsensors/stats"
	"widgetsensors/strutil"
	"widgetsensors/window"
)

// DefaultInterval is the tick period.
const DefaultInterval = 500 * time.Millisecond

const dropLogInterval = time.Minute

// FrameSource supplies the overlay readings for one tick.
type FrameSource interface {
	Sample() rtss.Sample
}

// PluginHost is the part of the plugin host the sampler drives.
type PluginHost interface {
	CollectAll(profile string) []string
	NotifyProfileChanged(profile string)
}

// AppResolver maps an executable path to an application id or poster.
type AppResolver interface {
	Lookup(exePath string) gamedb.Match
}

// IgnoreChecker reports executables that never become a profile.
type IgnoreChecker interface {
	IsIgnored(path string) bool
}

// WindowProbe measures the profile's window asynchronously.
type WindowProbe interface {
	Track(exePath string)
	Reset()
	Size() window.Size
}

// PowerSwitcher changes the OS power plan.
type PowerSwitcher interface {
	SetScheme(power.Scheme) error
}

// CoverStore persists custom covers per process.
type CoverStore interface {
	Get(process string) (string, error)
	Put(process, src string) error
}

// Publisher receives every finished snapshot.
type Publisher interface {
	Publish(payload []byte)
}

// Options wires a Sampler. Frames, Plugins and Publisher are required; the
// rest may be nil.
type Options struct {
	Interval        time.Duration
	Frames          FrameSource
	Plugins         PluginHost
	Publisher       Publisher
	Apps            AppResolver
	Ignore          IgnoreChecker
	Window          WindowProbe
	Power           PowerSwitcher
	RestoreBalanced bool // switch back to Balanced when the profile clears
	Covers          CoverStore
	Stats           *stats.Tracker
	Debug           bool
}

// Sampler owns the profile state. Tick and Run are meant for a single
// goroutine; SetCover and State may be called from any goroutine.
type Sampler struct {
	opts Options

	tickMu  sync.Mutex
	stream  *jsoniter.Stream
	dropped *ratelimit.Counter

	mu      sync.Mutex
	profile string
	appID   int
	poster  string
}

// State is the tracked profile as of the last tick.
type State struct {
	Profile string `json:"profile"`
	AppID   int    `json:"app"`
	Poster  string `json:"poster"`
}

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// New builds a sampler.
func New(opts Options) *Sampler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	return &Sampler{
		opts:    opts,
		stream:  jsoniter.NewStream(json, nil, 2048),
		dropped: ratelimit.NewCounter(dropLogInterval),
	}
}

// Dropped returns how many plugin fragments failed validation.
func (s *Sampler) Dropped() uint64 { return s.dropped.Total() }

// Interval returns the configured tick period.
func (s *Sampler) Interval() time.Duration { return s.opts.Interval }

// Purpose: Run the sampling loop until ctx is cancelled.
// Key aspects: The only suspension point is one cancellable wait of
// interval minus the time the tick took, clamped at zero.
// Upstream: lifecycle controller goroutine.
// Downstream: Tick, sleepWithContext.
func (s *Sampler) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := time.Now()
		s.Tick()
		wait := s.opts.Interval - time.Since(start)
		if wait < 0 {
			wait = 0
		}
		if !sleepWithContext(ctx, wait) {
			return ctx.Err()
		}
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Purpose: Execute one sampling cycle and publish the result.
// Key aspects: Every source degrades to its zero value; the document always
// carries the six built-in members followed by valid plugin fragments.
// Upstream: Run, lifecycle initial publish.
// Downstream: FrameSource.Sample, PluginHost, AppResolver, Publisher.
func (s *Sampler) Tick() []byte {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	var sample rtss.Sample
	if s.opts.Frames != nil {
		sample = s.opts.Frames.Sample()
	}
	profile := sample.ProcessName
	if profile != "" && s.opts.Ignore != nil && s.opts.Ignore.IsIgnored(profile) {
		profile = ""
	}

	s.mu.Lock()
	changed := profile != s.profile
	s.mu.Unlock()
	if changed {
		s.changeProfile(profile)
	}

	var fragments []string
	if s.opts.Plugins != nil {
		fragments = s.opts.Plugins.CollectAll(profile)
	}
	var size window.Size
	if s.opts.Window != nil && profile != "" {
		size = s.opts.Window.Size()
	}

	s.mu.Lock()
	appID, poster := s.appID, s.poster
	s.mu.Unlock()

	payload := s.encode(sample, appID, poster, size, fragments)
	if s.opts.Publisher != nil {
		s.opts.Publisher.Publish(payload)
	}
	if s.opts.Stats != nil {
		s.opts.Stats.IncrementTicks()
		s.opts.Stats.RecordPublish(len(payload))
	}
	return payload
}

// changeProfile applies a transition. Only Tick calls it, under tickMu.
func (s *Sampler) changeProfile(profile string) {
	if s.opts.Stats != nil {
		s.opts.Stats.IncrementProfileChanges()
	}
	if profile == "" {
		log.Printf("Sampler: resetting profile")
		s.mu.Lock()
		s.profile = ""
		s.appID = 0
		s.poster = ""
		s.mu.Unlock()
		if s.opts.Window != nil {
			s.opts.Window.Reset()
		}
		if s.opts.Plugins != nil {
			s.opts.Plugins.NotifyProfileChanged("")
		}
		if s.opts.Power != nil && s.opts.RestoreBalanced {
			s.setPower(power.Balanced)
		}
		return
	}

	log.Printf("Sampler: new profile %s", profile)
	if s.opts.Power != nil {
		s.setPower(power.UltimatePerformance)
	}
	if s.opts.Plugins != nil {
		s.opts.Plugins.NotifyProfileChanged(profile)
	}

	var match gamedb.Match
	if s.opts.Apps != nil {
		match = s.opts.Apps.Lookup(profile)
	}
	if match.AppID != 0 {
		log.Printf("Sampler: found app id %d", match.AppID)
	} else if s.opts.Debug {
		log.Printf("Sampler: no app id for %s (key=%q)", profile, match.Key)
	}
	poster := match.Poster
	if s.opts.Covers != nil {
		cover, err := s.opts.Covers.Get(profile)
		if err != nil {
			log.Printf("Sampler: cover lookup failed for %s: %v", profile, err)
		} else if cover != "" {
			poster = cover
		}
	}

	s.mu.Lock()
	s.profile = profile
	s.appID = match.AppID
	s.poster = poster
	s.mu.Unlock()

	if s.opts.Window != nil {
		s.opts.Window.Track(profile)
	}
}

func (s *Sampler) setPower(scheme power.Scheme) {
	if err := s.opts.Power.SetScheme(scheme); err != nil && s.opts.Debug {
		log.Printf("Sampler: power scheme %s not applied: %v", scheme, err)
	}
}

// Purpose: Install a custom cover for the current profile.
// Key aspects: Takes effect on the next tick and is persisted per process
// file name; ignored while no profile is tracked.
// Upstream: broadcast server cover message, admin surface.
// Downstream: CoverStore.Put.
func (s *Sampler) SetCover(src string) {
	src = strings.TrimSpace(src)
	s.mu.Lock()
	profile := s.profile
	if profile == "" {
		s.mu.Unlock()
		if s.opts.Debug {
			log.Printf("Sampler: cover ignored, no active profile")
		}
		return
	}
	s.poster = src
	s.mu.Unlock()

	if s.opts.Covers != nil {
		if err := s.opts.Covers.Put(profile, src); err != nil {
			log.Printf("Sampler: failed to persist cover for %s: %v", profile, err)
			return
		}
	}
	log.Printf("Sampler: custom cover set for %s", processName(profile))
}

// State returns the tracked profile.
func (s *Sampler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{Profile: s.profile, AppID: s.appID, Poster: s.poster}
}

func (s *Sampler) encode(sample rtss.Sample, appID int, poster string, size window.Size, fragments []string) []byte {
	st := s.stream
	st.Reset(nil)
	st.WriteObjectStart()
	st.WriteObjectField("sensors")
	st.WriteObjectStart()

	writeSensor(st, "rtss=>framerate", "framerate", func() {
		st.WriteInt64(int64(sample.Framerate))
		st.WriteMore()
		st.WriteObjectField("valueRaw")
		st.WriteFloat64(sample.FramerateRaw)
	})
	st.WriteMore()
	writeSensor(st, "rtss=>frametime", "frametime", func() {
		st.WriteInt64(int64(sample.Frametime))
		st.WriteMore()
		st.WriteObjectField("valueRaw")
		st.WriteFloat64(sample.FrametimeRaw)
	})
	st.WriteMore()
	writeSensor(st, "rtss=>process", "process", func() { st.WriteString(processName(sample.ProcessName)) })
	st.WriteMore()
	writeSensor(st, "steam=>app", "app", func() { st.WriteInt(appID) })
	st.WriteMore()
	writeSensor(st, "game=>poster", "poster", func() { st.WriteString(poster) })
	st.WriteMore()
	writeSensor(st, "game=>size", "size", func() { st.WriteString(size.String()) })

	for _, frag := range fragments {
		if !validFragment(frag) {
			if total, ok := s.dropped.Inc(); ok || s.opts.Debug {
				log.Printf("Sampler: dropping malformed plugin fragment %.80q (%d dropped)", frag, total)
			}
			continue
		}
		st.WriteMore()
		st.WriteRaw(frag)
	}

	st.WriteObjectEnd()
	st.WriteObjectEnd()
	// The stream buffer is reused by the next tick; callers keep their own copy.
	return append([]byte(nil), st.Buffer()...)
}

func writeSensor(st *jsoniter.Stream, key, sensor string, value func()) {
	st.WriteObjectField(key)
	st.WriteObjectStart()
	st.WriteObjectField("sensor")
	st.WriteString(sensor)
	st.WriteMore()
	st.WriteObjectField("value")
	value()
	st.WriteObjectEnd()
}

// validFragment reports whether frag is a comma-separated list of JSON object
// members.
func validFragment(frag string) bool {
	if frag == "" {
		return false
	}
	return json.Valid([]byte("{" + frag + "}"))
}

// processName returns the file name of an executable path.
func processName(path string) string {
	return strutil.ExeName(path)
}
