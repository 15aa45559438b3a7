// Package gamedb maps executable paths to installed-application identifiers
// using the line-oriented catalogue files the launcher scanners write into the
// data directory.
package gamedb

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// Catalogue file names inside the data directory. Despite the extension the
// contents are "appid,installpath" lines.
const (
	GamesFile = "gamedb.json"
	AppsFile  = "appdb.json"
)

// Entry is one catalogue line.
type Entry struct {
	Key  string
	Path string

	norm string
}

// Match is the result of resolving an executable.
type Match struct {
	Key    string
	AppID  int
	Poster string
}

// Database is a read-mostly table that can be reloaded while lookups run.
type Database struct {
	files []string

	mu      sync.RWMutex
	entries []Entry
}

// New returns an empty database backed by the given files.
func New(files ...string) *Database {
	return &Database{files: append([]string(nil), files...)}
}

// Open returns a database over the catalogue files in dataDir.
func Open(dataDir string) *Database {
	return New(filepath.Join(dataDir, GamesFile), filepath.Join(dataDir, AppsFile))
}

// Files lists the backing files.
func (d *Database) Files() []string {
	return append([]string(nil), d.files...)
}

// Purpose: Re-read every backing file and swap the table in one step.
// Key aspects: Missing files contribute nothing; malformed lines are skipped.
// Lookups never observe a half-loaded table.
// Upstream: main startup, filewatch reloads.
// Downstream: Parse.
func (d *Database) Load() error {
	var all []Entry
	skipped := 0
	for _, path := range d.files {
		f, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("gamedb: open %s: %w", path, err)
		}
		entries, bad, err := Parse(f)
		_ = f.Close()
		if err != nil {
			return fmt.Errorf("gamedb: read %s: %w", path, err)
		}
		all = append(all, entries...)
		skipped += bad
	}
	d.mu.Lock()
	d.entries = all
	d.mu.Unlock()
	if skipped > 0 {
		log.Printf("Game DB: loaded %d entries (%d malformed lines skipped)", len(all), skipped)
	} else {
		log.Printf("Game DB: loaded %d entries", len(all))
	}
	return nil
}

// Parse reads "key,installpath" lines. It returns the valid entries and the
// number of malformed lines.
func Parse(r io.Reader) ([]Entry, int, error) {
	var entries []Entry
	skipped := 0
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		key, path, ok := strings.Cut(line, ",")
		key = strings.TrimSpace(key)
		path = strings.TrimSpace(path)
		if !ok || key == "" || path == "" {
			skipped++
			continue
		}
		norm := normalizePath(path)
		if norm == "" {
			skipped++
			continue
		}
		entries = append(entries, Entry{Key: key, Path: path, norm: norm})
	}
	if err := scanner.Err(); err != nil {
		return nil, skipped, err
	}
	return entries, skipped, nil
}

// Resolve returns the key of the entry whose install path is contained in
// exePath, preferring the longest install path, or "".
func (d *Database) Resolve(exePath string) string {
	exe := normalizePath(exePath)
	if exe == "" {
		return ""
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	best := -1
	for i := range d.entries {
		e := &d.entries[i]
		if !strings.Contains(exe, e.norm) {
			continue
		}
		if best < 0 || len(e.norm) > len(d.entries[best].norm) {
			best = i
		}
	}
	if best < 0 {
		return ""
	}
	return d.entries[best].Key
}

// Lookup resolves exePath and classifies the key: keys beginning with "http"
// are poster URLs, numeric keys are application ids.
func (d *Database) Lookup(exePath string) Match {
	return Classify(d.Resolve(exePath))
}

// Classify interprets a catalogue key.
func Classify(key string) Match {
	m := Match{Key: key}
	switch {
	case key == "":
	case strings.HasPrefix(strings.ToLower(key), "http"):
		m.Poster = key
	default:
		if id, err := strconv.Atoi(key); err == nil && id > 0 {
			m.AppID = id
		}
	}
	return m
}

// Len returns the number of loaded entries.
func (d *Database) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}

func normalizePath(p string) string {
	p = strings.ToLower(strings.TrimSpace(p))
	p = strings.ReplaceAll(p, `\`, "/")
	return strings.TrimRight(p, "/")
}
