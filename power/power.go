// Package power switches the active OS power plan when a game starts.
package power

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
)

// Scheme is a power plan the aggregator knows how to select.
type Scheme int

const (
	Balanced Scheme = iota
	UltimatePerformance
)

// ErrUnsupported is returned on platforms without power plan control.
var ErrUnsupported = errors.New("power: power schemes are not supported on this platform")

// Well-known plan GUIDs. Ultimate Performance is frequently installed as a
// duplicate with a fresh GUID, so the Windows backend prefers a lookup by
// friendly name and falls back to these.
const (
	BalancedGUID            = "{381b4222-f694-41f0-9685-ff5bb260df2e}"
	UltimatePerformanceGUID = "{e9a42b02-d5df-448d-aa00-03f14749eb61}"
)

func (s Scheme) String() string {
	switch s {
	case Balanced:
		return "balanced"
	case UltimatePerformance:
		return "ultimate"
	default:
		return fmt.Sprintf("scheme(%d)", int(s))
	}
}

// FriendlyName is the plan's display name as Windows reports it.
func (s Scheme) FriendlyName() string {
	switch s {
	case Balanced:
		return "Balanced"
	case UltimatePerformance:
		return "Ultimate Performance"
	default:
		return ""
	}
}

// ParseScheme accepts "balanced" and "ultimate" (or "ultimate_performance").
func ParseScheme(name string) (Scheme, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "balanced":
		return Balanced, nil
	case "ultimate", "ultimate_performance", "ultimate-performance":
		return UltimatePerformance, nil
	default:
		return 0, fmt.Errorf("power: unknown scheme %q", name)
	}
}

// ApplyFunc activates a scheme on the host.
type ApplyFunc func(Scheme) error

// Switcher serialises plan changes and skips redundant ones.
type Switcher struct {
	apply ApplyFunc

	mu      sync.Mutex
	current Scheme
	known   bool
}

// NewSwitcher returns a switcher using the platform backend. GUID overrides
// keyed by scheme replace the name lookup.
func NewSwitcher(overrides map[Scheme]string) *Switcher {
	return NewSwitcherWithApply(platformApply(overrides))
}

// NewSwitcherWithApply returns a switcher that activates schemes through apply.
func NewSwitcherWithApply(apply ApplyFunc) *Switcher {
	return &Switcher{apply: apply}
}

// SetScheme activates s unless it is already the scheme this switcher last
// applied.
func (w *Switcher) SetScheme(s Scheme) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.known && w.current == s {
		return nil
	}
	if err := w.apply(s); err != nil {
		return err
	}
	w.current = s
	w.known = true
	log.Printf("Power: switched to %s", s.FriendlyName())
	return nil
}

// Current returns the scheme last applied, if any.
func (w *Switcher) Current() (Scheme, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current, w.known
}
