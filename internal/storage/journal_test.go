package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestJournalRoundTrip(t *testing.T) {
	tmpDir := t.TempDir()

	entries := []string{
		"Thu Feb 20, 2025 at 11:00:00 GMT: alice!a@h -> deploy prod",
		"Thu Feb 20, 2025 at 12:00:00 GMT: bob!b@h -> help",
	}

	if err := SaveJournal(tmpDir, entries); err != nil {
		t.Fatalf("SaveJournal failed: %v", err)
	}

	loaded, err := LoadJournal(tmpDir)
	if err != nil {
		t.Fatalf("LoadJournal failed: %v", err)
	}

	if len(loaded) != len(entries) {
		t.Fatalf("Expected %d entries, got %d", len(entries), len(loaded))
	}
	for i := range entries {
		if loaded[i] != entries[i] {
			t.Errorf("Entry %d mismatch: expected %q, got %q", i, entries[i], loaded[i])
		}
	}
}

func TestLoadJournalMissing(t *testing.T) {
	loaded, err := LoadJournal(t.TempDir())
	if err != nil {
		t.Fatalf("LoadJournal should not fail for missing file: %v", err)
	}
	if len(loaded) != 0 {
		t.Errorf("Expected empty journal, got %d entries", len(loaded))
	}
}

func TestAddEntryMaxEntries(t *testing.T) {
	entries := make([]string, maxEntries)
	for i := range entries {
		entries[i] = "entry"
	}
	entries[0] = "oldest"

	entries = AddEntry(entries, "new")

	if len(entries) != maxEntries {
		t.Errorf("Expected %d entries (max), got %d", maxEntries, len(entries))
	}
	if entries[len(entries)-1] != "new" {
		t.Errorf("New entry should be last")
	}
	if entries[0] == "oldest" {
		t.Errorf("Oldest entry should have been dropped")
	}
}

func TestSaveJournalTrims(t *testing.T) {
	tmpDir := t.TempDir()

	entries := make([]string, maxEntries+20)
	for i := range entries {
		entries[i] = "entry"
	}
	entries[len(entries)-1] = "newest"

	if err := SaveJournal(tmpDir, entries); err != nil {
		t.Fatalf("SaveJournal failed: %v", err)
	}
	loaded, _ := LoadJournal(tmpDir)
	if len(loaded) != maxEntries {
		t.Errorf("Expected %d entries on disk, got %d", maxEntries, len(loaded))
	}
	if loaded[len(loaded)-1] != "newest" {
		t.Errorf("Newest entry should be kept")
	}
}

func TestJournalRecord(t *testing.T) {
	tmpDir := filepath.Join(t.TempDir(), "data")

	j, err := OpenJournal(tmpDir, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("OpenJournal failed: %v", err)
	}
	j.now = func() time.Time { return time.Date(2025, 2, 20, 12, 0, 0, 0, time.UTC) }

	j.Record("alice!a@h", "deploy prod", true)
	j.Record("bob!b@h", "addacl user bob cmd deploy", false)

	want := []string{
		"Thu Feb 20, 2025 at 12:00:00 GMT: alice!a@h -> deploy prod",
		"Thu Feb 20, 2025 at 12:00:00 GMT: bob!b@h -> addacl user bob cmd deploy [denied]",
	}
	got := j.Entries()
	if len(got) != len(want) {
		t.Fatalf("Expected %d entries, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Entry %d mismatch: expected %q, got %q", i, want[i], got[i])
		}
	}

	data, err := os.ReadFile(filepath.Join(tmpDir, "journal.txt"))
	if err != nil {
		t.Fatalf("journal file missing: %v", err)
	}
	if string(data) != strings.Join(want, "\n")+"\n" {
		t.Errorf("journal file format wrong: got %q", string(data))
	}

	// a reopened journal continues where the old one stopped
	j2, err := OpenJournal(tmpDir, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("OpenJournal failed: %v", err)
	}
	if len(j2.Entries()) != 2 {
		t.Errorf("Expected 2 persisted entries, got %d", len(j2.Entries()))
	}
}
