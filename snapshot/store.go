// Package snapshot holds the single current serialized telemetry document and
// hands copies of it to any number of readers. The sampler publishes a fully
// built payload once per tick; broadcast connections copy it out under the same
// lock, so a reader always sees one complete publish and never the writer's
// memory.
package snapshot

import (
	"log"
	"sync"

	"github.com/dustin/go-humanize"
)

// DefaultCapacity is the initial size of the internal buffer.
const DefaultCapacity = 2048

// Store is a mutex-guarded, growable byte buffer holding the latest snapshot.
// There is no reader/writer distinction: payloads are small and the copy is
// cheap compared to the tick interval.
type Store struct {
	mu   sync.Mutex
	buf  []byte
	size int
}

// NewStore allocates a store with the given initial capacity (DefaultCapacity
// when capacity <= 0).
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{buf: make([]byte, capacity)}
}

// Purpose: Replace the current snapshot with payload.
// Key aspects: Copies under the lock; grows to twice the payload size when the
// payload does not fit so steady-state ticks never reallocate.
// Upstream: sampler.Sampler.Tick.
// Downstream: copy into the internal buffer.
func (s *Store) Publish(payload []byte) {
	s.mu.Lock()
	if len(payload) > len(s.buf) {
		newCap := grow(len(s.buf), len(payload))
		log.Printf("Snapshot: resizing buffer from %s to %s", humanize.IBytes(uint64(len(s.buf))), humanize.IBytes(uint64(newCap)))
		s.buf = make([]byte, newCap)
	}
	s.size = copy(s.buf, payload)
	s.mu.Unlock()
}

// Purpose: Copy the last published payload into dst.
// Key aspects: dst is reused when large enough, otherwise replaced by a buffer
// twice the payload size; the returned slice is exactly the payload length and
// never aliases the store.
// Upstream: broadcast client handlers, admin /snapshot.
// Downstream: copy out of the internal buffer.
func (s *Store) Snapshot(dst []byte) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.size > cap(dst) {
		dst = make([]byte, s.size, grow(cap(dst), s.size))
	}
	dst = dst[:s.size]
	copy(dst, s.buf[:s.size])
	return dst
}

// Len returns the length of the last published payload.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Cap returns the current capacity of the internal buffer.
func (s *Store) Cap() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// grow returns the capacity to use when need bytes no longer fit in current.
func grow(current, need int) int {
	next := need * 2
	if next < current*2 {
		next = current * 2
	}
	return next
}
