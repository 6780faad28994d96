// Package store is the filesystem key-value and lease store every Pacer
// instance on a host coordinates through.
//
// Records are JSON documents at <root>/<namespace>/<key>.json. Writes are
// atomic: the document goes to a uniquely named temp file in the same
// directory, which is then renamed over the target, so readers observe
// either the previous document or the new one, never a torn write.
//
// Locks are TTL-bounded advisory lock files at <root>/locks/<resource>.lock.
// A crashed holder's lock becomes available once its TTL lapses; there is no
// other recovery path. All read-modify-write of shared records goes through
// [Store.WithFileLock].
//
// The filesystem is an afero.Fs so tests can run against an in-memory tree.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/Iron-Ham/pacer/internal/errors"
	"github.com/Iron-Ham/pacer/internal/logging"
	"github.com/spf13/afero"
)

const (
	recordExt = ".json"
	tmpSuffix = ".tmp"
)

// Sentinel errors returned by Get.
var (
	ErrNotFound = errors.ErrNotFound
	ErrCorrupt  = errors.ErrCorrupt
)

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// SanitizeKey maps a key or resource name onto the characters allowed in
// record and lock file names.
func SanitizeKey(key string) string {
	if key == "" {
		return "_"
	}
	return unsafeKeyChars.ReplaceAllString(key, "_")
}

// Store is a namespaced JSON record store with TTL lock files.
// It is safe for concurrent use by multiple goroutines and processes.
type Store struct {
	fs     afero.Fs
	root   string
	owner  string
	now    func() time.Time
	logger *logging.Logger
	guard  Guard
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for lock timestamps and expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithGuard overrides the guard serializing lock takeover and release.
func WithGuard(g Guard) Option {
	return func(s *Store) {
		s.guard = g
	}
}

// WithOwner sets the owner string recorded in lock files.
func WithOwner(owner string) Option {
	return func(s *Store) {
		s.owner = owner
	}
}

// New creates a Store rooted at root, creating the directory if needed.
// On an afero.OsFs the default guard is a flock(2) on <root>/locks/.guard;
// on any other filesystem it is a process-local mutex.
func New(fs afero.Fs, root string, opts ...Option) (*Store, error) {
	s := &Store{
		fs:     fs,
		root:   root,
		owner:  defaultOwner(),
		now:    time.Now,
		logger: logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := fs.MkdirAll(s.locksDir(), 0o755); err != nil {
		return nil, errors.Storage("store.init", true, fmt.Errorf("create %s: %w", s.locksDir(), err))
	}

	if s.guard == nil {
		if _, ok := fs.(*afero.OsFs); ok {
			s.guard = NewFlockGuard(filepath.Join(s.locksDir(), guardFileName))
		} else {
			s.guard = &MutexGuard{}
		}
	}

	return s, nil
}

func defaultOwner() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}

// Root returns the store's root directory.
func (s *Store) Root() string {
	return s.root
}

// Fs returns the underlying filesystem.
func (s *Store) Fs() afero.Fs {
	return s.fs
}

// Now returns the store clock's current time.
func (s *Store) Now() time.Time {
	return s.now()
}

// NamespaceDir returns the directory holding a namespace's records.
func (s *Store) NamespaceDir(ns string) string {
	return filepath.Join(s.root, SanitizeKey(ns))
}

func (s *Store) recordPath(ns, key string) string {
	return filepath.Join(s.NamespaceDir(ns), SanitizeKey(key)+recordExt)
}

// Put stores v as JSON under ns/key, replacing any existing record atomically.
func (s *Store) Put(ns, key string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.New(errors.KindValidation, "store.put", "marshal record", err)
	}
	return s.writeAtomic(s.NamespaceDir(ns), s.recordPath(ns, key), data)
}

// writeAtomic writes data to a temp file in dir, then renames it onto target.
func (s *Store) writeAtomic(dir, target string, data []byte) error {
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return errors.Storage("store.put", true, fmt.Errorf("create %s: %w", dir, err))
	}

	tmp, err := afero.TempFile(s.fs, dir, filepath.Base(target)+".*"+tmpSuffix)
	if err != nil {
		return errors.Storage("store.put", true, fmt.Errorf("create temp file: %w", err))
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = s.fs.Remove(tmpName)
		return errors.Storage("store.put", true, fmt.Errorf("write temp file: %w", err))
	}
	if err := tmp.Close(); err != nil {
		_ = s.fs.Remove(tmpName)
		return errors.Storage("store.put", true, fmt.Errorf("close temp file: %w", err))
	}

	if err := s.fs.Rename(tmpName, target); err != nil {
		_ = s.fs.Remove(tmpName) // best-effort cleanup
		return errors.Storage("store.put", true, fmt.Errorf("rename temp file: %w", err))
	}
	return nil
}

// Get decodes the record at ns/key into v. It returns an error wrapping
// ErrNotFound when the record is absent and ErrCorrupt when it cannot be
// decoded.
func (s *Store) Get(ns, key string, v any) error {
	data, err := afero.ReadFile(s.fs, s.recordPath(ns, key))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s/%s", ErrNotFound, ns, key)
		}
		return errors.Storage("store.get", false, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s/%s: %v", ErrCorrupt, ns, key, err)
	}
	return nil
}

// GetRaw returns the raw bytes of ns/key.
func (s *Store) GetRaw(ns, key string) ([]byte, error) {
	data, err := afero.ReadFile(s.fs, s.recordPath(ns, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, ns, key)
		}
		return nil, errors.Storage("store.get", false, err)
	}
	return data, nil
}

// ModTime returns the last modification time of ns/key.
func (s *Store) ModTime(ns, key string) (time.Time, error) {
	info, err := s.fs.Stat(s.recordPath(ns, key))
	if err != nil {
		if os.IsNotExist(err) {
			return time.Time{}, fmt.Errorf("%w: %s/%s", ErrNotFound, ns, key)
		}
		return time.Time{}, errors.Storage("store.stat", false, err)
	}
	return info.ModTime(), nil
}

// List returns the sorted keys in ns. A missing namespace is created and
// reported as empty.
func (s *Store) List(ns string) ([]string, error) {
	dir := s.NamespaceDir(ns)
	entries, err := afero.ReadDir(s.fs, dir)
	if err != nil {
		if os.IsNotExist(err) {
			if mkErr := s.fs.MkdirAll(dir, 0o755); mkErr != nil {
				return nil, errors.Storage("store.list", false, mkErr)
			}
			return nil, nil
		}
		return nil, errors.Storage("store.list", false, err)
	}

	var keys []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, recordExt) {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, recordExt))
	}
	sort.Strings(keys)
	return keys, nil
}

// Delete removes ns/key. Deleting a missing record is not an error.
func (s *Store) Delete(ns, key string) error {
	if err := s.fs.Remove(s.recordPath(ns, key)); err != nil && !os.IsNotExist(err) {
		return errors.Storage("store.delete", true, err)
	}
	return nil
}

// CleanupTempFiles removes temp files in ns left behind by writers that
// crashed between write and rename. Only files older than maxAge are removed.
func (s *Store) CleanupTempFiles(ns string, maxAge time.Duration) (int, error) {
	dir := s.NamespaceDir(ns)
	entries, err := afero.ReadDir(s.fs, dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errors.Storage("store.cleanup", false, err)
	}

	removed := 0
	cutoff := s.now().Add(-maxAge)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), tmpSuffix) || e.ModTime().After(cutoff) {
			continue
		}
		if err := s.fs.Remove(filepath.Join(dir, e.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}
