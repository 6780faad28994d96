package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Iron-Ham/pacer/internal/errors"
	"github.com/google/uuid"
	"github.com/spf13/afero"
)

const (
	locksDirName = "locks"
	lockExt      = ".lock"

	// corruptLockGrace is how long an unreadable lock file is treated as
	// live. A creator may be between O_EXCL create and write.
	corruptLockGrace = 5 * time.Second

	lockBackoffInitial = 10 * time.Millisecond
	lockBackoffMax     = 250 * time.Millisecond
)

// Lock is an advisory, TTL-bounded lock record.
type Lock struct {
	LockID     string    `json:"lock_id"`
	Resource   string    `json:"resource"`
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the lock's TTL has lapsed at now.
func (l *Lock) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

func (s *Store) locksDir() string {
	return filepath.Join(s.root, locksDirName)
}

func (s *Store) lockPath(resource string) string {
	return filepath.Join(s.locksDir(), SanitizeKey(resource)+lockExt)
}

// readLock returns the lock at path. A nil lock with a nil error means the
// file exists but is unreadable and still inside its grace period.
func (s *Store) readLock(path string) (*Lock, error) {
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		return nil, err
	}
	var l Lock
	if err := json.Unmarshal(data, &l); err != nil || l.LockID == "" {
		return nil, fmt.Errorf("%w: %s", ErrCorrupt, path)
	}
	return &l, nil
}

// takeoverable reports whether the lock file at path may be replaced: its
// TTL has lapsed, or it is corrupt and older than the grace period.
func (s *Store) takeoverable(path string, now time.Time) (bool, error) {
	l, err := s.readLock(path)
	switch {
	case err == nil:
		return l.Expired(now), nil
	case os.IsNotExist(err):
		return false, err
	case errors.Is(err, ErrCorrupt):
		info, statErr := s.fs.Stat(path)
		if statErr != nil {
			return false, statErr
		}
		return now.Sub(info.ModTime()) >= corruptLockGrace, nil
	default:
		return false, err
	}
}

// TryAcquireLock attempts to take resource for ttl without blocking. It
// returns (nil, false, nil) when a live lock is held by someone else.
func (s *Store) TryAcquireLock(resource string, ttl time.Duration) (*Lock, bool, error) {
	path := s.lockPath(resource)

	// Two passes: a lock released between our create attempt and takeover
	// check leaves no file, and the second create wins or loses cleanly.
	for range 2 {
		now := s.now()
		l := &Lock{
			LockID:     uuid.NewString(),
			Resource:   resource,
			Owner:      s.owner,
			AcquiredAt: now,
			ExpiresAt:  now.Add(ttl),
		}
		data, err := json.Marshal(l)
		if err != nil {
			return nil, false, errors.New(errors.KindStorage, "store.lock", "marshal lock", err)
		}

		f, err := s.fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			_, writeErr := f.Write(data)
			closeErr := f.Close()
			if writeErr != nil || closeErr != nil {
				_ = s.fs.Remove(path)
				return nil, false, errors.Storage("store.lock", true, errors.Join(writeErr, closeErr))
			}
			return l, true, nil
		}
		if !os.IsExist(err) {
			return nil, false, errors.Storage("store.lock", true, err)
		}

		acquired, gone, err := s.takeover(path, l, data)
		if err != nil {
			return nil, false, err
		}
		if acquired {
			s.logger.Debug("took over expired lock", "resource", resource)
			return l, true, nil
		}
		if !gone {
			return nil, false, nil
		}
	}
	return nil, false, nil
}

// takeover replaces the lock file at path with data if the current holder's
// lock is takeoverable. gone reports that the file vanished meanwhile.
func (s *Store) takeover(path string, l *Lock, data []byte) (acquired, gone bool, err error) {
	if err := s.guard.Lock(); err != nil {
		return false, false, errors.Storage("store.lock", true, err)
	}
	defer func() { _ = s.guard.Unlock() }()

	ok, err := s.takeoverable(path, s.now())
	if err != nil {
		if os.IsNotExist(err) {
			return false, true, nil
		}
		return false, false, errors.Storage("store.lock", false, err)
	}
	if !ok {
		return false, false, nil
	}

	if err := s.writeAtomic(s.locksDir(), path, data); err != nil {
		return false, false, err
	}
	return true, false, nil
}

// ReleaseLock removes the lock file if it still belongs to l. Releasing a
// lock that expired and was taken over by another holder is a no-op.
func (s *Store) ReleaseLock(l *Lock) error {
	if l == nil {
		return nil
	}
	if err := s.guard.Lock(); err != nil {
		return errors.Storage("store.unlock", true, err)
	}
	defer func() { _ = s.guard.Unlock() }()

	path := s.lockPath(l.Resource)
	current, err := s.readLock(path)
	if err != nil {
		// Missing or unreadable: nothing of ours to remove
		return nil
	}
	if current.LockID != l.LockID {
		return nil
	}
	if err := s.fs.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Storage("store.unlock", true, err)
	}
	return nil
}

// CleanupExpiredLocks removes every lock file whose TTL has lapsed and
// returns how many were removed.
func (s *Store) CleanupExpiredLocks() (int, error) {
	names, err := s.lockFiles()
	if err != nil {
		return 0, err
	}

	if err := s.guard.Lock(); err != nil {
		return 0, errors.Storage("store.cleanup_locks", true, err)
	}
	defer func() { _ = s.guard.Unlock() }()

	removed := 0
	now := s.now()
	for _, name := range names {
		path := filepath.Join(s.locksDir(), name)
		ok, err := s.takeoverable(path, now)
		if err != nil || !ok {
			continue
		}
		if err := s.fs.Remove(path); err == nil {
			removed++
		}
	}
	if removed > 0 {
		s.logger.Debug("removed expired locks", "count", removed)
	}
	return removed, nil
}

// ListLocks returns every readable lock record, sorted by resource.
func (s *Store) ListLocks() ([]Lock, error) {
	names, err := s.lockFiles()
	if err != nil {
		return nil, err
	}
	var locks []Lock
	for _, name := range names {
		l, err := s.readLock(filepath.Join(s.locksDir(), name))
		if err != nil {
			continue
		}
		locks = append(locks, *l)
	}
	sort.Slice(locks, func(i, j int) bool { return locks[i].Resource < locks[j].Resource })
	return locks, nil
}

func (s *Store) lockFiles() ([]string, error) {
	entries, err := afero.ReadDir(s.fs, s.locksDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Storage("store.list_locks", false, err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), lockExt) {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// WithFileLock acquires resource, runs fn, and releases the lock. It retries
// with exponential backoff until the lock is acquired or ctx ends, in which
// case it returns a retryable storage error wrapping ErrLockContended.
func (s *Store) WithFileLock(ctx context.Context, resource string, ttl time.Duration, fn func() error) error {
	backoff := lockBackoffInitial
	for {
		l, ok, err := s.TryAcquireLock(resource, ttl)
		if err != nil {
			return err
		}
		if ok {
			defer func() {
				if err := s.ReleaseLock(l); err != nil {
					s.logger.Warn("failed to release lock", "resource", resource, "error", err)
				}
			}()
			return fn()
		}

		s.logger.Debug("lock contended", "resource", resource, "backoff", backoff)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.New(errors.KindStorage, "store.with_lock",
				"lock "+resource+" not acquired", errors.Join(errors.ErrLockContended, ctx.Err()))
		case <-timer.C:
		}

		backoff *= 2
		if backoff > lockBackoffMax {
			backoff = lockBackoffMax
		}
	}
}
