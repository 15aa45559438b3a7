package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"

	"widgetsensors/config"
)

const (
	logTimestampLayout = "2006/01/02 15:04:05"
	logFilePrefix      = "widgetsensors-"
	logFileDateLayout  = "2006-01-02"
	maxPendingLogBytes = 16 * 1024
)

// logSink receives complete log lines.
type logSink interface {
	WriteLine(line string, now time.Time)
	Close() error
}

type consoleSink struct {
	w io.Writer
}

func (s *consoleSink) WriteLine(line string, now time.Time) {
	_, _ = io.WriteString(s.w, formatLogTimestamp(now)+" "+line+"\n")
}

func (s *consoleSink) Close() error { return nil }

// rotatingFileSink appends to one file per local day and prunes files older
// than the retention window whenever it opens a new one.
type rotatingFileSink struct {
	dir           string
	retentionDays int

	mu          sync.Mutex
	day         string
	file        *os.File
	lastErrorAt time.Time
}

// Purpose: Prepare the log directory and prune stale files.
// Key aspects: The first file is opened lazily on the first line.
// Upstream: setupLogging.
// Downstream: os.MkdirAll, pruneLogs.
func newRotatingFileSink(dir string, retentionDays int) (*rotatingFileSink, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("log directory is empty")
	}
	if retentionDays <= 0 {
		retentionDays = 7
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %q: %w", dir, err)
	}
	if err := pruneLogs(dir, time.Now(), retentionDays); err != nil {
		fmt.Fprintf(os.Stderr, "Logging: cleanup failed for %s: %v\n", dir, err)
	}
	return &rotatingFileSink{dir: dir, retentionDays: retentionDays}, nil
}

func (s *rotatingFileSink) WriteLine(line string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	day := now.Format(logFileDateLayout)
	if s.file == nil || s.day != day {
		s.openLocked(day, now)
	}
	if s.file == nil {
		return
	}
	if _, err := s.file.WriteString(formatLogTimestamp(now) + " " + line + "\n"); err != nil {
		s.reportLocked(now, fmt.Errorf("write failed: %w", err))
	}
}

func (s *rotatingFileSink) openLocked(day string, now time.Time) {
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
	path := filepath.Join(s.dir, logFileName(now))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		s.reportLocked(now, fmt.Errorf("open failed for %s: %w", path, err))
		return
	}
	s.file = file
	s.day = day
	if err := pruneLogs(s.dir, now, s.retentionDays); err != nil {
		s.reportLocked(now, fmt.Errorf("cleanup failed: %w", err))
	}
}

// reportLocked writes sink failures to stderr at most once a minute.
func (s *rotatingFileSink) reportLocked(now time.Time, err error) {
	if !s.lastErrorAt.IsZero() && now.Sub(s.lastErrorAt) < time.Minute {
		return
	}
	s.lastErrorAt = now
	fmt.Fprintf(os.Stderr, "Logging: %v\n", err)
}

func (s *rotatingFileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	s.day = ""
	return err
}

// logFanout is the log.Logger output: it splits writes into lines and hands
// each line to the console and file sinks.
type logFanout struct {
	mu      sync.Mutex
	pending []byte
	sinks   []logSink
}

// Purpose: Build the log output from config.
// Key aspects: The console sink is dropped when a log dir is configured and
// stdout is not a terminal; a file sink failure still returns a usable
// console-only fanout.
// Upstream: main startup.
// Downstream: newRotatingFileSink, term.IsTerminal.
func setupLogging(cfg config.LoggingConfig, console *os.File) (*logFanout, error) {
	interactive := console != nil && term.IsTerminal(int(console.Fd()))
	fanout := &logFanout{}
	if strings.TrimSpace(cfg.Dir) == "" {
		if console != nil {
			fanout.sinks = append(fanout.sinks, &consoleSink{w: console})
		}
		return fanout, nil
	}
	fileSink, err := newRotatingFileSink(cfg.Dir, cfg.RetentionDays)
	if err != nil {
		if console != nil {
			fanout.sinks = append(fanout.sinks, &consoleSink{w: console})
		}
		return fanout, err
	}
	if interactive {
		fanout.sinks = append(fanout.sinks, &consoleSink{w: console})
	}
	fanout.sinks = append(fanout.sinks, fileSink)
	return fanout, nil
}

func newLogFanout(sinks ...logSink) *logFanout {
	return &logFanout{sinks: sinks}
}

func (f *logFanout) Write(p []byte) (int, error) {
	f.mu.Lock()
	f.pending = append(f.pending, p...)
	var lines []string
	for {
		idx := bytes.IndexByte(f.pending, '\n')
		if idx < 0 {
			break
		}
		lines = append(lines, string(bytes.TrimRight(f.pending[:idx], "\r")))
		f.pending = f.pending[idx+1:]
	}
	if len(f.pending) > maxPendingLogBytes {
		lines = append(lines, string(f.pending))
		f.pending = nil
	}
	if len(f.pending) == 0 {
		f.pending = nil
	}
	sinks := f.sinks
	f.mu.Unlock()

	now := time.Now()
	for _, line := range lines {
		for _, sink := range sinks {
			sink.WriteLine(line, now)
		}
	}
	return len(p), nil
}

// Close flushes nothing; it closes every sink and returns the first error.
func (f *logFanout) Close() error {
	f.mu.Lock()
	sinks := f.sinks
	f.sinks = nil
	f.mu.Unlock()
	var firstErr error
	for _, sink := range sinks {
		if err := sink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func formatLogTimestamp(now time.Time) string {
	return now.Format(logTimestampLayout)
}

func logFileName(now time.Time) string {
	return logFilePrefix + now.Format(logFileDateLayout) + ".log"
}

func parseLogFileName(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, logFilePrefix) || filepath.Ext(name) != ".log" {
		return time.Time{}, false
	}
	stamp := strings.TrimSuffix(strings.TrimPrefix(name, logFilePrefix), ".log")
	parsed, err := time.ParseInLocation(logFileDateLayout, stamp, time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return parsed, true
}

// pruneLogs removes log files dated before the retention window; today counts
// as the first retained day.
func pruneLogs(dir string, now time.Time, retentionDays int) error {
	if retentionDays <= 0 {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	year, month, day := now.Date()
	cutoff := time.Date(year, month, day, 0, 0, 0, 0, time.Local).AddDate(0, 0, -(retentionDays - 1))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		date, ok := parseLogFileName(entry.Name())
		if ok && date.Before(cutoff) {
			_ = os.Remove(filepath.Join(dir, entry.Name()))
		}
	}
	return nil
}
