package provenance

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/dchest/safefile"
	"github.com/gofrs/flock"
)

const filePerm = 0o644

// Store is the append-only pair of JSON logs under <project>/log/.
type Store struct {
	dir          string
	copyPath     string
	bidsPath     string
	copyLock     *flock.Flock
	bidsLock     *flock.Flock
}

// New opens (without yet creating) the provenance store rooted at
// <project>/log/.
func New(logDir string) *Store {
	copyPath := filepath.Join(logDir, "copy_results.json")
	bidsPath := filepath.Join(logDir, "bids_results.json")
	return &Store{
		dir:      logDir,
		copyPath: copyPath,
		bidsPath: bidsPath,
		copyLock: flock.New(copyPath + ".lock"),
		bidsLock: flock.New(bidsPath + ".lock"),
	}
}

func (s *Store) CopyLogPath() string { return s.copyPath }
func (s *Store) BidsLogPath() string { return s.bidsPath }

// normalizeStringSet replaces a nil path list with an empty one, so records
// are always written with JSON arrays. encoding/json decodes only arrays
// into []string; a log holding a bare-string path fails to decode and
// loadJSON reads it as empty.
func normalizeStringSet(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func loadJSON[T any](path string) []T {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var records []T
	if err := json.Unmarshal(data, &records); err != nil {
		// Readers tolerate partial/truncated writes by falling back to
		// an empty list rather than failing the run (spec §4.3/§9).
		return nil
	}
	return records
}

func saveJSON[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating log directory: %w", err)
	}
	fout, err := safefile.Create(path, filePerm)
	if err != nil {
		return fmt.Errorf("opening %s for atomic write: %w", path, err)
	}
	enc := json.NewEncoder(fout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(records); err != nil {
		fout.File.Close()
		os.Remove(fout.Name())
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	if err := fout.File.Sync(); err != nil {
		fout.File.Close()
		os.Remove(fout.Name())
		return fmt.Errorf("fsyncing %s: %w", path, err)
	}
	if err := fout.Commit(); err != nil {
		fout.File.Close()
		os.Remove(fout.Name())
		return fmt.Errorf("committing %s: %w", path, err)
	}
	return nil
}

// AppendCopy appends rec to copy_results.json unless an entry with the same
// (original_path, destinations) tuple already exists.
func (s *Store) AppendCopy(rec CopyRecord) error {
	if err := s.copyLock.Lock(); err != nil {
		return fmt.Errorf("locking copy log: %w", err)
	}
	defer s.copyLock.Unlock()

	records := loadJSON[CopyRecord](s.copyPath)
	rec.Destinations = normalizeStringSet(rec.Destinations)
	for _, existing := range records {
		if existing.OriginalPath == rec.OriginalPath && sameStringSet(existing.Destinations, rec.Destinations) {
			return nil
		}
	}
	records = append(records, rec)
	return saveJSON(s.copyPath, records)
}

// AppendBids appends rec to bids_results.json unless an entry with the same
// (source_path, bids_path) tuple already exists (spec's idempotence
// property: bidsify run twice yields zero new entries).
func (s *Store) AppendBids(rec BidsRecord) error {
	if err := s.bidsLock.Lock(); err != nil {
		return fmt.Errorf("locking bids log: %w", err)
	}
	defer s.bidsLock.Unlock()

	records := loadJSON[BidsRecord](s.bidsPath)
	rec.SourcePath = normalizeStringSet(rec.SourcePath)
	rec.BidsPath = normalizeStringSet(rec.BidsPath)
	for _, existing := range records {
		if sameStringSet(existing.SourcePath, rec.SourcePath) && sameStringSet(existing.BidsPath, rec.BidsPath) {
			return nil
		}
	}
	records = append(records, rec)
	return saveJSON(s.bidsPath, records)
}

func (s *Store) ReadCopyRecords() []CopyRecord { return loadJSON[CopyRecord](s.copyPath) }
func (s *Store) ReadBidsRecords() []BidsRecord { return loadJSON[BidsRecord](s.bidsPath) }

// SortSplitPaths orders a set of split-file paths with the base file
// first, then -1, -2, ... by numeric suffix — an explicit numeric sort,
// since lexicographic sort is not guaranteed to place "_raw.fif" before
// "_raw-1.fif" (spec §9's open question #3).
func SortSplitPaths(paths []string) []string {
	out := append([]string(nil), paths...)
	sort.Slice(out, func(i, j int) bool {
		ni, oki := splitIndex(out[i])
		nj, okj := splitIndex(out[j])
		if !oki && !okj {
			return out[i] < out[j]
		}
		if !oki {
			return true // base file sorts first
		}
		if !okj {
			return false
		}
		return ni < nj
	})
	return out
}

func splitIndex(path string) (int, bool) {
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	stem := base[:len(base)-len(ext)]
	idx := len(stem) - 1
	for idx >= 0 && stem[idx] >= '0' && stem[idx] <= '9' {
		idx--
	}
	if idx == len(stem)-1 || idx < 0 || stem[idx] != '-' {
		return 0, false
	}
	n, err := strconv.Atoi(stem[idx+1:])
	if err != nil {
		return 0, false
	}
	return n, true
}
