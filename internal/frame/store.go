package frame

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/activetigger/activetigger/internal/domain"
)

// Store serializes read-modify-write cycles on the parquet files of a
// project. One lock per file path; callers never touch the files directly.
type Store struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewStore() *Store {
	return &Store{locks: make(map[string]*sync.Mutex)}
}

func (s *Store) lock(path string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[path]
	if !ok {
		l = &sync.Mutex{}
		s.locks[path] = l
	}
	return l
}

// Load reads a frame under the path lock.
func (s *Store) Load(path string, cols ...string) (*Frame, error) {
	l := s.lock(path)
	l.Lock()
	defer l.Unlock()
	return ReadParquet(path, cols...)
}

// Save writes a frame under the path lock.
func (s *Store) Save(path string, f *Frame) error {
	l := s.lock(path)
	l.Lock()
	defer l.Unlock()
	return WriteParquet(path, f)
}

// Update applies fn to the frame at path and writes the result back, all
// under the path lock. fn may mutate in place and must return the frame to
// persist.
func (s *Store) Update(path string, fn func(*Frame) (*Frame, error)) error {
	l := s.lock(path)
	l.Lock()
	defer l.Unlock()
	f, err := ReadParquet(path)
	if err != nil {
		return err
	}
	out, err := fn(f)
	if err != nil {
		return err
	}
	return WriteParquet(path, out)
}

// Reset replaces the frame at path with an empty frame over the given ids,
// dropping every column. Used when partitions change.
func (s *Store) Reset(path string, ids []string) error {
	f, err := New(ids)
	if err != nil {
		return err
	}
	return s.Save(path, f)
}

// Remove deletes the file at path under its lock. Missing files are fine.
func (s *Store) Remove(path string) error {
	l := s.lock(path)
	l.Lock()
	defer l.Unlock()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("op=frame.Store.Remove: %w", err)
	}
	return nil
}

// ProjectPaths resolves the canonical file names under a project dir.
type ProjectPaths struct {
	Dir string
}

func (p ProjectPaths) All() string      { return filepath.Join(p.Dir, "data_all.parquet") }
func (p ProjectPaths) Train() string    { return filepath.Join(p.Dir, "train.parquet") }
func (p ProjectPaths) Valid() string    { return filepath.Join(p.Dir, "valid.parquet") }
func (p ProjectPaths) Test() string     { return filepath.Join(p.Dir, "test.parquet") }
func (p ProjectPaths) Features() string { return filepath.Join(p.Dir, "features.parquet") }

// Dataset maps a partition to its file, or ErrInvalid.
func (p ProjectPaths) Dataset(d domain.Dataset) (string, error) {
	switch d {
	case domain.DatasetAll:
		return p.All(), nil
	case domain.DatasetTrain:
		return p.Train(), nil
	case domain.DatasetValid:
		return p.Valid(), nil
	case domain.DatasetTest:
		return p.Test(), nil
	}
	return "", fmt.Errorf("op=frame.Dataset: %q: %w", d, domain.ErrInvalid)
}
