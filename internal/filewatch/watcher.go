// Package filewatch reloads a single file when its contents change on disk.
package filewatch

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/zeebo/xxh3"
)

// DefaultDebounce coalesces the burst of events editors emit for one save.
const DefaultDebounce = 200 * time.Millisecond

// ReloadFunc is invoked after the watched file settled with new contents.
type ReloadFunc func() error

// Watcher watches the parent directory of one file so that atomic
// replace-by-rename saves are observed as well as in-place writes.
type Watcher struct {
	path     string
	label    string
	debounce time.Duration
	reload   ReloadFunc

	fs     *fsnotify.Watcher
	digest uint64

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// Purpose: Start watching path and call reload whenever its digest changes.
// Key aspects: The current contents are hashed up front so the first event
// after startup only reloads when something really changed.
// Upstream: gamedb and ignorelist wiring in main.
// Downstream: fsnotify, xxh3.
func Watch(path, label string, debounce time.Duration, reload ReloadFunc) (*Watcher, error) {
	if reload == nil {
		return nil, errors.New("filewatch: reload func is required")
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("filewatch: resolve %s: %w", path, err)
	}
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("filewatch: create watcher: %w", err)
	}
	if err := fs.Add(filepath.Dir(abs)); err != nil {
		_ = fs.Close()
		return nil, fmt.Errorf("filewatch: watch %s: %w", filepath.Dir(abs), err)
	}
	if label == "" {
		label = filepath.Base(abs)
	}
	w := &Watcher{
		path:     abs,
		label:    label,
		debounce: debounce,
		reload:   reload,
		fs:       fs,
		done:     make(chan struct{}),
	}
	w.digest, _ = fileDigest(abs)
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// Path returns the absolute path being watched.
func (w *Watcher) Path() string { return w.path }

// Close stops the watcher and waits for the event loop to exit.
func (w *Watcher) Close() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.fs.Close()
		w.wg.Wait()
	})
	return err
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			timer.Reset(w.debounce)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			log.Printf("Filewatch: %s watcher error: %v", w.label, err)
		case <-timer.C:
			w.check()
		}
	}
}

func (w *Watcher) check() {
	digest, err := fileDigest(w.path)
	if err != nil && !os.IsNotExist(err) {
		log.Printf("Filewatch: %s unreadable: %v", w.label, err)
		return
	}
	if digest == w.digest {
		return
	}
	// The digest only advances on success so the next event retries a failed reload.
	if err := w.reload(); err != nil {
		log.Printf("Filewatch: %s reload failed: %v", w.label, err)
		return
	}
	w.digest = digest
	log.Printf("Filewatch: reloaded %s", w.label)
}

// fileDigest hashes the file contents; a missing file hashes to 0.
func fileDigest(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return xxh3.Hash(data), nil
}
