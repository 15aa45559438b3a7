// Package stats keeps process-wide counters for the sampler and the broadcast
// server and renders them for the periodic status log and the admin surface.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// Tracker collects counters. Every method is safe for concurrent use.
type Tracker struct {
	// per-key counters live in sync.Map + atomic.Uint64 so hot paths don't fight over a mutex
	messageKinds   sync.Map // inbound message kind -> *atomic.Uint64
	pluginTimeouts sync.Map // plugin name -> *atomic.Uint64
	start          atomic.Int64

	ticks          atomic.Uint64
	publishes      atomic.Uint64
	publishedBytes atomic.Uint64
	lastSize       atomic.Uint64
	profileChanges atomic.Uint64
	sends          atomic.Uint64
	sendFailures   atomic.Uint64
	clients        atomic.Int64
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Uptime         time.Duration     `json:"uptime_ns"`
	Ticks          uint64            `json:"ticks"`
	Publishes      uint64            `json:"publishes"`
	PublishedBytes uint64            `json:"published_bytes"`
	LastSize       uint64            `json:"last_snapshot_bytes"`
	ProfileChanges uint64            `json:"profile_changes"`
	Sends          uint64            `json:"sends"`
	SendFailures   uint64            `json:"send_failures"`
	Clients        int64             `json:"clients"`
	Messages       map[string]uint64 `json:"messages"`
	PluginTimeouts map[string]uint64 `json:"plugin_timeouts"`
}

// NewTracker creates a new stats tracker
func NewTracker() *Tracker {
	t := &Tracker{}
	t.start.Store(time.Now().UnixNano())
	return t
}

// IncrementTicks counts one completed sampler cycle.
func (t *Tracker) IncrementTicks() {
	t.ticks.Add(1)
}

// RecordPublish counts one snapshot handed to the store.
func (t *Tracker) RecordPublish(size int) {
	if size < 0 {
		size = 0
	}
	t.publishes.Add(1)
	t.publishedBytes.Add(uint64(size))
	t.lastSize.Store(uint64(size))
}

// IncrementProfileChanges counts one foreground profile transition.
func (t *Tracker) IncrementProfileChanges() {
	t.profileChanges.Add(1)
}

// IncrementSends counts a snapshot frame written to a client.
func (t *Tracker) IncrementSends() {
	t.sends.Add(1)
}

// IncrementSendFailures counts a failed client write.
func (t *Tracker) IncrementSendFailures() {
	t.sendFailures.Add(1)
}

// IncrementMessage counts an inbound client message by kind (trigger, cover).
func (t *Tracker) IncrementMessage(kind string) {
	incrementCounter(&t.messageKinds, strings.ToLower(strings.TrimSpace(kind)))
}

// IncrementPluginTimeout counts a plugin call that missed its deadline.
func (t *Tracker) IncrementPluginTimeout(plugin string) {
	incrementCounter(&t.pluginTimeouts, strings.ToLower(strings.TrimSpace(plugin)))
}

// ClientConnected bumps the connected-clients gauge.
func (t *Tracker) ClientConnected() {
	t.clients.Add(1)
}

// ClientDisconnected lowers the connected-clients gauge.
func (t *Tracker) ClientDisconnected() {
	t.clients.Add(-1)
}

// Clients returns the number of connected clients.
func (t *Tracker) Clients() int64 {
	return t.clients.Load()
}

// Ticks returns the number of sampler cycles.
func (t *Tracker) Ticks() uint64 {
	return t.ticks.Load()
}

// GetUptime returns how long the tracker has been running
func (t *Tracker) GetUptime() time.Duration {
	start := t.start.Load()
	return time.Since(time.Unix(0, start))
}

// Snapshot copies every counter.
func (t *Tracker) Snapshot() Snapshot {
	return Snapshot{
		Uptime:         t.GetUptime(),
		Ticks:          t.ticks.Load(),
		Publishes:      t.publishes.Load(),
		PublishedBytes: t.publishedBytes.Load(),
		LastSize:       t.lastSize.Load(),
		ProfileChanges: t.profileChanges.Load(),
		Sends:          t.sends.Load(),
		SendFailures:   t.sendFailures.Load(),
		Clients:        t.clients.Load(),
		Messages:       copyCounts(&t.messageKinds),
		PluginTimeouts: copyCounts(&t.pluginTimeouts),
	}
}

// Reset resets all counters except the clients gauge.
func (t *Tracker) Reset() {
	clearCounts(&t.messageKinds)
	clearCounts(&t.pluginTimeouts)
	t.ticks.Store(0)
	t.publishes.Store(0)
	t.publishedBytes.Store(0)
	t.lastSize.Store(0)
	t.profileChanges.Store(0)
	t.sends.Store(0)
	t.sendFailures.Store(0)
	t.start.Store(time.Now().UnixNano())
}

// SnapshotLines returns human-readable stats ready for console display.
func (t *Tracker) SnapshotLines() []string {
	s := t.Snapshot()
	lines := make([]string, 0, 4)
	lines = append(lines, fmt.Sprintf("Sampler: %s ticks, %s profile changes, last snapshot %s, uptime %s",
		humanize.Comma(int64(s.Ticks)),
		humanize.Comma(int64(s.ProfileChanges)),
		humanize.IBytes(s.LastSize),
		s.Uptime.Truncate(time.Second)))
	lines = append(lines, fmt.Sprintf("Broadcast: %d clients, %s sends (%s failed), %s published",
		s.Clients,
		humanize.Comma(int64(s.Sends)),
		humanize.Comma(int64(s.SendFailures)),
		humanize.IBytes(s.PublishedBytes)))
	lines = append(lines, formatCounts("Messages", s.Messages))
	lines = append(lines, formatCounts("Plugin timeouts", s.PluginTimeouts))
	return lines
}

func formatCounts(label string, counts map[string]uint64) string {
	var builder strings.Builder
	builder.WriteString(label)
	builder.WriteString(": ")
	if len(counts) == 0 {
		builder.WriteString("(none)")
		return builder.String()
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for i, k := range keys {
		if i > 0 {
			builder.WriteString(", ")
		}
		fmt.Fprintf(&builder, "%s=%s", k, humanize.Comma(int64(counts[k])))
	}
	return builder.String()
}

func copyCounts(m *sync.Map) map[string]uint64 {
	counts := make(map[string]uint64)
	m.Range(func(key, value any) bool {
		counts[key.(string)] = value.(*atomic.Uint64).Load()
		return true
	})
	return counts
}

func clearCounts(m *sync.Map) {
	m.Range(func(key, _ any) bool {
		m.Delete(key)
		return true
	})
}

func incrementCounter(m *sync.Map, key string) {
	if key == "" {
		return
	}
	if value, ok := m.Load(key); ok {
		value.(*atomic.Uint64).Add(1)
		return
	}
	counter := &atomic.Uint64{}
	actual, loaded := m.LoadOrStore(key, counter)
	if loaded {
		actual.(*atomic.Uint64).Add(1)
		return
	}
	counter.Add(1)
}
