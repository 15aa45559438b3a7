// Package ignorelist holds the executables the sampler never treats as a game
// profile (launchers, overlays, browsers).
package ignorelist

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	jsoniter "github.com/json-iterator/go"

	"widgetsensors/strutil"
)

// FileName is the list's file name inside the data directory.
const FileName = "ignore_list.json"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrMalformed is returned when the file lacks the ignore_list array.
var ErrMalformed = errors.New("ignorelist: missing ignore_list array")

type fileEntry struct {
	Exe string `json:"exe"`
}

type fileFormat struct {
	IgnoreList *[]fileEntry `json:"ignore_list"`
}

// List is a set of lower-cased executable file names guarded by a
// reader/writer lock so it can be reloaded while the sampler reads it.
type List struct {
	path string

	mu      sync.RWMutex
	entries map[string]struct{}
}

// New returns an empty list persisted at path.
func New(path string) *List {
	return &List{path: path, entries: make(map[string]struct{})}
}

// Path returns the backing file.
func (l *List) Path() string { return l.path }

// Load replaces the in-memory set with the file contents. A missing file
// leaves the list empty and is not an error.
func (l *List) Load() error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			l.mu.Lock()
			l.entries = make(map[string]struct{})
			l.mu.Unlock()
			return nil
		}
		return fmt.Errorf("ignorelist: read %s: %w", l.path, err)
	}
	var doc fileFormat
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("ignorelist: parse %s: %w", l.path, err)
	}
	if doc.IgnoreList == nil {
		return ErrMalformed
	}
	entries := make(map[string]struct{}, len(*doc.IgnoreList))
	for _, e := range *doc.IgnoreList {
		if key := normalize(e.Exe); key != "" {
			entries[key] = struct{}{}
		}
	}
	l.mu.Lock()
	l.entries = entries
	l.mu.Unlock()
	return nil
}

// IsIgnored reports whether the file name of path is on the list.
func (l *List) IsIgnored(path string) bool {
	key := normalize(path)
	if key == "" {
		return false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.entries[key]
	return ok
}

// Add puts the file name of path on the list. It returns false when the name
// was already present or empty.
func (l *List) Add(path string) bool {
	key := normalize(path)
	if key == "" {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.entries[key]; ok {
		return false
	}
	l.entries[key] = struct{}{}
	return true
}

// Entries returns the sorted names on the list.
func (l *List) Entries() []string {
	l.mu.RLock()
	out := make([]string, 0, len(l.entries))
	for k := range l.entries {
		out = append(out, k)
	}
	l.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Purpose: Persist the list, keeping the previous file as <name>.bak.
// Key aspects: The old backup is replaced; a failed rotation aborts the save
// so the last good file is never lost.
// Upstream: admin POST /ignore.
// Downstream: os.Rename, jsoniter.
func (l *List) Save() error {
	names := l.Entries()
	doc := struct {
		IgnoreList []fileEntry `json:"ignore_list"`
	}{IgnoreList: make([]fileEntry, 0, len(names))}
	for _, name := range names {
		doc.IgnoreList = append(doc.IgnoreList, fileEntry{Exe: name})
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("ignorelist: encode: %w", err)
	}

	bak := l.path + ".bak"
	if _, err := os.Stat(l.path); err == nil {
		if err := os.Remove(bak); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("ignorelist: remove backup: %w", err)
		}
		if err := os.Rename(l.path, bak); err != nil {
			return fmt.Errorf("ignorelist: rotate backup: %w", err)
		}
	}
	if err := os.WriteFile(l.path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("ignorelist: write %s: %w", l.path, err)
	}
	return nil
}

func normalize(path string) string {
	return strutil.ExeKey(path)
}
