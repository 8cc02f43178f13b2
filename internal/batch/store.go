package batch

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Store persists terminal job records.
type Store interface {
	Save(rec Record) error
	Load(id string) (Record, error)
	List() ([]Record, error)
	// Prune removes records saved before cutoff and reports how many.
	Prune(cutoff time.Time) (int, error)
}

// FileStore keeps one JSON file per job in a directory.
type FileStore struct {
	dir string
	now func() time.Time
}

var _ Store = (*FileStore)(nil)

// NewFileStore returns a store rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("batch: create results dir: %w", err)
	}
	return &FileStore{dir: dir, now: time.Now}, nil
}

// Dir returns the results directory.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) path(id string) (string, error) {
	if _, err := uuid.Parse(id); err != nil {
		return "", fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return filepath.Join(s.dir, id+".json"), nil
}

// Save writes rec atomically (temp file + rename) and stamps saved_at.
func (s *FileStore) Save(rec Record) error {
	path, err := s.path(rec.JobID)
	if err != nil {
		return err
	}
	saved := s.now().UTC()
	rec.SavedAt = &saved
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("batch: marshal job %s: %w", rec.JobID, err)
	}

	tmp, err := os.CreateTemp(s.dir, ".job-*.tmp")
	if err != nil {
		return fmt.Errorf("batch: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("batch: write job %s: %w", rec.JobID, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("batch: sync job %s: %w", rec.JobID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("batch: close job %s: %w", rec.JobID, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("batch: rename job %s: %w", rec.JobID, err)
	}
	success = true
	return nil
}

// Load reads one record.
func (s *FileStore) Load(id string) (Record, error) {
	path, err := s.path(id)
	if err != nil {
		return Record{}, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Record{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return Record{}, fmt.Errorf("batch: read job %s: %w", id, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("batch: decode job %s: %w", id, err)
	}
	return rec, nil
}

// List returns every readable record, newest first. Unreadable files are
// skipped.
func (s *FileStore) List() ([]Record, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("batch: list results: %w", err)
	}
	out := []Record{}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		rec, err := s.Load(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Prune removes records saved before cutoff.
func (s *FileStore) Prune(cutoff time.Time) (int, error) {
	recs, err := s.List()
	if err != nil {
		return 0, err
	}
	n := 0
	var errs []error
	for _, rec := range recs {
		if rec.SavedAt == nil || !rec.SavedAt.Before(cutoff) {
			continue
		}
		path, _ := s.path(rec.JobID)
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}
