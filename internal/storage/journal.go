package storage

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	maxEntries  = 500
	journalFile = "journal.txt"
	timeLayout  = "Mon Jan 02, 2006 at 15:04:05 GMT"
)

// Journal is the bounded audit trail of invoked commands, kept in memory
// and mirrored to <dataDir>/journal.txt (oldest first).
type Journal struct {
	dir string
	log *zap.Logger
	now func() time.Time

	mu      sync.Mutex
	entries []string
}

// OpenJournal loads an existing journal from dataDir, creating the
// directory if needed.
func OpenJournal(dataDir string, log *zap.Logger) (*Journal, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	entries, err := LoadJournal(dataDir)
	if err != nil {
		return nil, err
	}
	return &Journal{
		dir:     dataDir,
		log:     log.Named("journal"),
		now:     time.Now,
		entries: entries,
	}, nil
}

// Record appends "<timestamp>: <identity> -> <line>" and saves the journal.
// Denied invocations are marked. Save failures are logged only.
func (j *Journal) Record(identity, line string, allowed bool) {
	timestamp := j.now().UTC().Format(timeLayout)
	entry := fmt.Sprintf("%s: %s -> %s", timestamp, identity, line)
	if !allowed {
		entry += " [denied]"
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = AddEntry(j.entries, entry)
	if err := SaveJournal(j.dir, j.entries); err != nil {
		j.log.Error("failed to save journal", zap.Error(err))
	}
}

// Entries returns a copy of the journal, oldest first.
func (j *Journal) Entries() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

// LoadJournal reads the journal file. A missing file is an empty journal.
func LoadJournal(dataDir string) ([]string, error) {
	lines, err := readLines(filepath.Join(dataDir, journalFile))
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}
	return lines, nil
}

// SaveJournal writes the journal file (max 500 entries)
func SaveJournal(dataDir string, entries []string) error {
	// keep newest at end
	if len(entries) > maxEntries {
		entries = entries[len(entries)-maxEntries:]
	}
	return writeLines(filepath.Join(dataDir, journalFile), entries)
}

// AddEntry appends a new entry, dropping the oldest past the limit.
func AddEntry(entries []string, entry string) []string {
	entries = append(entries, entry)
	if len(entries) > maxEntries {
		entries = entries[1:]
	}
	return entries
}

func readLines(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines, scanner.Err()
}

func writeLines(path string, lines []string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	for _, line := range lines {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return w.Flush()
}
