// Package state persists what the engine believes is correctly installed for
// each instance.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/afero"
)

// lockfileVersion is bumped on incompatible format changes
const lockfileVersion = 1

// Entry records one file believed to be installed and verified
type Entry struct {
	Path        string    `json:"path"`
	SHA1        string    `json:"sha1"`
	Size        int64     `json:"size"`
	InstalledAt time.Time `json:"installed_at"`
}

// State is the in-memory set of entries for one instance
type State struct {
	Instance string
	entries  map[string]Entry
}

// New creates an empty state for instance
func New(instance string) *State {
	return &State{Instance: instance, entries: make(map[string]Entry)}
}

// Get returns the entry for path
func (s *State) Get(path string) (Entry, bool) {
	e, ok := s.entries[path]
	return e, ok
}

// Put inserts or replaces an entry
func (s *State) Put(e Entry) {
	s.entries[e.Path] = e
}

// Delete removes path
func (s *State) Delete(path string) {
	delete(s.entries, path)
}

// Len returns the number of entries
func (s *State) Len() int {
	return len(s.entries)
}

// Entries returns all entries sorted by path
func (s *State) Entries() []Entry {
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// lockfile is the on-disk representation
type lockfile struct {
	Version   int       `json:"version"`
	Instance  string    `json:"instance"`
	UpdatedAt time.Time `json:"updated_at"`
	Files     []Entry   `json:"files"`
}

// Store reads and writes per-instance lockfiles in a directory
type Store struct {
	fs  afero.Fs
	dir string
	now func() time.Time
}

// NewStore creates a store rooted at dir
func NewStore(fs afero.Fs, dir string) *Store {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Store{fs: fs, dir: dir, now: time.Now}
}

// Path returns the lockfile path for instance
func (s *Store) Path(instance string) string {
	return filepath.Join(s.dir, instance+".lock.json")
}

// Load reads the lockfile for instance. A missing lockfile yields an empty
// state; a corrupt one yields an error and the caller decides how to proceed.
func (s *Store) Load(instance string) (*State, error) {
	data, err := afero.ReadFile(s.fs, s.Path(instance))
	if err != nil {
		if os.IsNotExist(err) {
			return New(instance), nil
		}
		return nil, fmt.Errorf("failed to read lockfile: %w", err)
	}

	var lf lockfile
	if err := json.Unmarshal(data, &lf); err != nil {
		return nil, fmt.Errorf("failed to parse lockfile: %w", err)
	}
	if lf.Version != lockfileVersion {
		return nil, fmt.Errorf("unsupported lockfile version %d", lf.Version)
	}

	st := New(instance)
	for _, e := range lf.Files {
		if e.Path == "" {
			return nil, fmt.Errorf("lockfile entry without path")
		}
		st.Put(e)
	}
	return st, nil
}

// Save writes st atomically: a crash leaves either the previous lockfile or
// the new one, never a partial file.
func (s *Store) Save(st *State) error {
	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	data, err := json.MarshalIndent(lockfile{
		Version:   lockfileVersion,
		Instance:  st.Instance,
		UpdatedAt: s.now().UTC(),
		Files:     st.Entries(),
	}, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := afero.TempFile(s.fs, s.dir, "."+st.Instance+".lock-*")
	if err != nil {
		return fmt.Errorf("failed to create temp lockfile: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = s.fs.Remove(tmpPath)
	}() // cleanup on error

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write lockfile: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync lockfile: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := s.fs.Rename(tmpPath, s.Path(st.Instance)); err != nil {
		return fmt.Errorf("failed to replace lockfile: %w", err)
	}
	return nil
}
