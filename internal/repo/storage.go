package repo

import (
	"encoding/json"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/renameio/v2"

	"github.com/bigrig/bigrig/internal/dist"
)

const (
	infoJSON = "info.json"
)

// validatePath checks that a slash separated path stays inside the storage
// directory.
func validatePath(p string) error {
	cleanPath := path.Clean(p)
	if cleanPath == ".." || strings.HasPrefix(cleanPath, "../") || strings.Contains(cleanPath, "/../") {
		return errors.New("unsafe path (contains directory traversal): " + p)
	}
	if path.IsAbs(cleanPath) || filepath.IsAbs(p) {
		return errors.New("unsafe path (absolute path not allowed): " + p)
	}
	return nil
}

// validateFilename checks that name is a bare file name.
func validateFilename(name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || name != filepath.Base(name) {
		return errors.Newf("unsafe file name %q", name)
	}
	return nil
}

// Storage manages a directory tree of distributions laid out as
// <project>/<filename>.
//
// Storage also keeps checksum information for stored files in info.json.
type Storage struct {
	dir string

	mu   sync.RWMutex
	info map[string]*dist.FileInfo
}

// NewStorage constructs Storage.
//
// dir must be an absolute path to an existing directory.
func NewStorage(dir string) (*Storage, error) {
	if !filepath.IsAbs(dir) {
		return nil, errors.New("none absolute: " + dir)
	}

	dir = filepath.Clean(dir)
	st, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !st.Mode().IsDir() {
		return nil, errors.New("not a directory: " + dir)
	}

	return &Storage{
		dir:  dir,
		info: make(map[string]*dist.FileInfo),
	}, nil
}

// Dir returns the directory of the Storage.
func (s *Storage) Dir() string {
	return s.dir
}

// Load loads the checksum index. A missing index is not an error.
func (s *Storage) Load() error {
	infoPath := filepath.Join(s.dir, infoJSON)

	data, err := os.ReadFile(infoPath) // #nosec G304 - infoPath is built from the storage dir and a constant
	switch {
	case os.IsNotExist(err):
		return nil
	case err != nil:
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := json.Unmarshal(data, &s.info); err != nil {
		return errors.Wrap(err, "Storage.Load: "+infoPath)
	}
	return nil
}

// Save writes the checksum index atomically.
func (s *Storage) Save() error {
	s.mu.RLock()
	data, err := json.MarshalIndent(s.info, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return err
	}

	infoPath := filepath.Join(s.dir, infoJSON)
	if err := renameio.WriteFile(infoPath, append(data, '\n'), 0644); err != nil {
		return errors.Wrap(err, "Storage.Save")
	}
	return DirSync(s.dir)
}

// Path returns the full path of p inside the storage.
func (s *Storage) Path(p string) (string, error) {
	if err := validatePath(p); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, filepath.FromSlash(path.Clean(p))), nil
}

// Record remembers fi for the stored file p.
func (s *Storage) Record(p string, fi *dist.FileInfo) error {
	if err := validatePath(p); err != nil {
		return errors.Wrap(err, "Record")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info[path.Clean(p)] = fi
	return nil
}

// Lookup returns the recorded info of p, or nil.
func (s *Storage) Lookup(p string) *dist.FileInfo {
	if validatePath(p) != nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info[path.Clean(p)]
}

// Paths returns the recorded paths below prefix in sorted order.
func (s *Storage) Paths(prefix string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var paths []string
	for p := range s.info {
		if prefix == "" || strings.HasPrefix(p, prefix+"/") {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	return paths
}

// Open opens the named file and returns it.
func (s *Storage) Open(p string) (*os.File, error) {
	fp, err := s.Path(p)
	if err != nil {
		return nil, errors.Wrap(err, "Open")
	}
	return os.Open(fp) // #nosec G304 - path validated
}
