// Package covers persists user-chosen cover images per process so a custom
// poster survives restarts of both the aggregator and the game.
package covers

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/cockroachdb/pebble"

	"widgetsensors/strutil"
)

const (
	keyPrefix             = "cover|"
	defaultCacheSizeBytes = 1 << 20
)

// Cover is one stored mapping.
type Cover struct {
	Process string
	Src     string
}

// Store wraps the Pebble database holding covers.
type Store struct {
	mu    sync.RWMutex
	db    *pebble.DB
	cache *pebble.Cache
}

// Purpose: Open or create the cover database at path.
// Key aspects: Small owned block cache, released on Close.
// Upstream: main startup.
// Downstream: pebble.Open.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("covers: database path is empty")
	}
	if info, err := os.Stat(path); err == nil {
		if !info.IsDir() {
			return nil, fmt.Errorf("covers: %s exists and is not a directory", path)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("covers: stat path: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("covers: ensure directory: %w", err)
	}
	cache := pebble.NewCache(defaultCacheSizeBytes)
	db, err := pebble.Open(path, &pebble.Options{Cache: cache})
	if err != nil {
		cache.Unref()
		return nil, fmt.Errorf("covers: open: %w", err)
	}
	return &Store{db: db, cache: cache}, nil
}

// Close flushes and closes the database. Safe to call more than once.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if s.cache != nil {
		s.cache.Unref()
		s.cache = nil
	}
	return err
}

// Put stores src as the cover for the process.
func (s *Store) Put(process, src string) error {
	key, err := coverKey(process)
	if err != nil {
		return err
	}
	src = strings.TrimSpace(src)
	if src == "" {
		return s.Delete(process)
	}
	return s.withDB(func(db *pebble.DB) error {
		if err := db.Set(key, []byte(src), pebble.Sync); err != nil {
			return fmt.Errorf("covers: put %s: %w", process, err)
		}
		return nil
	})
}

// Get returns the stored cover, or "" when none.
func (s *Store) Get(process string) (string, error) {
	key, err := coverKey(process)
	if err != nil {
		return "", err
	}
	var src string
	err = s.withDB(func(db *pebble.DB) error {
		value, closer, err := db.Get(key)
		if err != nil {
			if errors.Is(err, pebble.ErrNotFound) {
				return nil
			}
			return fmt.Errorf("covers: get %s: %w", process, err)
		}
		defer closer.Close()
		src = string(value)
		return nil
	})
	return src, err
}

// Delete removes the cover for the process.
func (s *Store) Delete(process string) error {
	key, err := coverKey(process)
	if err != nil {
		return err
	}
	return s.withDB(func(db *pebble.DB) error {
		if err := db.Delete(key, pebble.Sync); err != nil {
			return fmt.Errorf("covers: delete %s: %w", process, err)
		}
		return nil
	})
}

// Entries lists every stored cover in key order.
func (s *Store) Entries() ([]Cover, error) {
	lower := []byte(keyPrefix)
	upper := []byte(keyPrefix)
	upper[len(upper)-1]++
	var out []Cover
	err := s.withDB(func(db *pebble.DB) error {
		iter, err := db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
		if err != nil {
			return fmt.Errorf("covers: entries iterator: %w", err)
		}
		defer iter.Close()
		for iter.First(); iter.Valid(); iter.Next() {
			out = append(out, Cover{
				Process: strings.TrimPrefix(string(iter.Key()), keyPrefix),
				Src:     string(iter.Value()),
			})
		}
		if err := iter.Error(); err != nil {
			return fmt.Errorf("covers: iterate entries: %w", err)
		}
		return nil
	})
	return out, err
}

// withDB runs fn under the read lock so Close cannot pull the database out
// from under an in-flight operation.
func (s *Store) withDB(fn func(db *pebble.DB) error) error {
	if s == nil {
		return errors.New("covers: store is not initialized")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return errors.New("covers: store is closed")
	}
	return fn(s.db)
}

// ProcessKey normalises a process path to the lower-cased file name used as
// the storage key.
func ProcessKey(process string) string {
	return strutil.ExeKey(process)
}

func coverKey(process string) ([]byte, error) {
	name := ProcessKey(process)
	if name == "" {
		return nil, errors.New("covers: process is empty")
	}
	return []byte(keyPrefix + name), nil
}
