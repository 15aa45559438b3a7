package stats

import (
	"strings"
	"sync"
	"testing"
)

func TestCountersAndGauge(t *testing.T) {
	tr := NewTracker()
	tr.IncrementTicks()
	tr.IncrementTicks()
	tr.RecordPublish(1500)
	tr.RecordPublish(2048)
	tr.IncrementProfileChanges()
	tr.ClientConnected()
	tr.ClientConnected()
	tr.ClientDisconnected()
	tr.IncrementSends()
	tr.IncrementSendFailures()
	tr.IncrementMessage("Trigger")
	tr.IncrementMessage("trigger")
	tr.IncrementMessage("cover")
	tr.IncrementMessage(" ")
	tr.IncrementPluginTimeout("HWInfo")

	s := tr.Snapshot()
	if s.Ticks != 2 || s.Publishes != 2 || s.PublishedBytes != 3548 || s.LastSize != 2048 {
		t.Fatalf("unexpected sampler counters %+v", s)
	}
	if s.Clients != 1 || s.Sends != 1 || s.SendFailures != 1 || s.ProfileChanges != 1 {
		t.Fatalf("unexpected broadcast counters %+v", s)
	}
	if s.Messages["trigger"] != 2 || s.Messages["cover"] != 1 || len(s.Messages) != 2 {
		t.Fatalf("unexpected message counts %v", s.Messages)
	}
	if s.PluginTimeouts["hwinfo"] != 1 {
		t.Fatalf("unexpected plugin timeouts %v", s.PluginTimeouts)
	}
}

func TestSnapshotLines(t *testing.T) {
	tr := NewTracker()
	for i := 0; i < 1234; i++ {
		tr.IncrementTicks()
	}
	tr.RecordPublish(2048)
	tr.IncrementMessage("cover")
	tr.IncrementMessage("trigger")
	lines := tr.SnapshotLines()
	if len(lines) != 4 {
		t.Fatalf("expected 4 lines, got %d", len(lines))
	}
	if !strings.Contains(lines[0], "1,234 ticks") || !strings.Contains(lines[0], "2.0 KiB") {
		t.Fatalf("sampler line = %q", lines[0])
	}
	if lines[2] != "Messages: cover=1, trigger=1" {
		t.Fatalf("messages line = %q", lines[2])
	}
	if lines[3] != "Plugin timeouts: (none)" {
		t.Fatalf("timeouts line = %q", lines[3])
	}
}

func TestResetKeepsClientGauge(t *testing.T) {
	tr := NewTracker()
	tr.ClientConnected()
	tr.IncrementTicks()
	tr.IncrementMessage("trigger")
	tr.Reset()
	if tr.Ticks() != 0 || len(tr.Snapshot().Messages) != 0 {
		t.Fatalf("counters not reset")
	}
	if tr.Clients() != 1 {
		t.Fatalf("gauge must survive reset")
	}
}

func TestConcurrentIncrements(t *testing.T) {
	tr := NewTracker()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				tr.IncrementMessage("trigger")
				tr.IncrementSends()
			}
		}()
	}
	wg.Wait()
	s := tr.Snapshot()
	if s.Messages["trigger"] != 8000 || s.Sends != 8000 {
		t.Fatalf("lost increments: %+v", s)
	}
}
