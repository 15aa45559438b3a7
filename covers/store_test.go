package covers

import (
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestPutGetPersists(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "covers")
	s := openTestStore(t, dir)
	if err := s.Put(`C:\Games\Witcher 3\bin\x64\Witcher3.exe`, "https://img.example.com/w3.jpg"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get("witcher3.EXE")
	if err != nil || got != "https://img.example.com/w3.jpg" {
		t.Fatalf("Get = (%q, %v)", got, err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened := openTestStore(t, dir)
	defer reopened.Close()
	got, err = reopened.Get("/mnt/games/witcher3.exe")
	if err != nil || got != "https://img.example.com/w3.jpg" {
		t.Fatalf("Get after reopen = (%q, %v)", got, err)
	}
}

func TestGetMissingReturnsEmpty(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	defer s.Close()
	got, err := s.Get("nothing.exe")
	if err != nil || got != "" {
		t.Fatalf("Get = (%q, %v)", got, err)
	}
	if _, err := s.Get(""); err == nil {
		t.Fatalf("expected error for empty process")
	}
}

func TestEmptySrcDeletes(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	defer s.Close()
	if err := s.Put("a.exe", "https://x/a.png"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put("a.exe", "  "); err != nil {
		t.Fatalf("Put empty: %v", err)
	}
	if got, _ := s.Get("a.exe"); got != "" {
		t.Fatalf("expected cover removed, got %q", got)
	}
}

func TestEntriesListsCovers(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	defer s.Close()
	_ = s.Put("b.exe", "https://x/b.png")
	_ = s.Put("a.exe", "https://x/a.png")
	entries, err := s.Entries()
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 2 || entries[0] != (Cover{Process: "a.exe", Src: "https://x/a.png"}) || entries[1].Process != "b.exe" {
		t.Fatalf("Entries = %+v", entries)
	}
}

func TestClosedStoreErrors(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := s.Put("a.exe", "x"); err == nil {
		t.Fatalf("expected error after close")
	}
}
