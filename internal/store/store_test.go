package store

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Iron-Ham/pacer/internal/errors"
	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newMemStore(t *testing.T, opts ...Option) (*Store, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	s, err := New(fs, "/run/pacer", opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return s, fs
}

type record struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestSanitizeKey(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"inst-1a2b", "inst-1a2b"},
		{"anthropic:claude-3.5", "anthropic_claude-3.5"},
		{"a/b\\c d", "a_b_c_d"},
		{"", "_"},
	}
	for _, tt := range tests {
		if got := SanitizeKey(tt.in); got != tt.want {
			t.Errorf("SanitizeKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPutGet(t *testing.T) {
	s, fs := newMemStore(t)

	in := record{Name: "alpha", Count: 3}
	if err := s.Put("instances", "inst-1", in); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	var out record
	if err := s.Get("instances", "inst-1", &out); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("record mismatch (-want +got):\n%s", diff)
	}

	// No temp files are left behind after a successful write
	entries, _ := afero.ReadDir(fs, s.NamespaceDir("instances"))
	if len(entries) != 1 {
		t.Errorf("expected exactly one file in namespace, got %d", len(entries))
	}
}

func TestGet_NotFoundAndCorrupt(t *testing.T) {
	s, fs := newMemStore(t)

	var out record
	err := s.Get("instances", "missing", &out)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get missing = %v, want ErrNotFound", err)
	}

	path := filepath.Join(s.NamespaceDir("instances"), "broken.json")
	_ = fs.MkdirAll(s.NamespaceDir("instances"), 0o755)
	if err := afero.WriteFile(fs, path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	err = s.Get("instances", "broken", &out)
	if !errors.Is(err, ErrCorrupt) {
		t.Errorf("Get corrupt = %v, want ErrCorrupt", err)
	}
	if errors.KindOf(err) != errors.KindStorage {
		t.Errorf("KindOf corrupt = %s, want storage", errors.KindOf(err))
	}
}

func TestList(t *testing.T) {
	s, fs := newMemStore(t)

	keys, err := s.List("queue-state")
	if err != nil {
		t.Fatalf("List on missing namespace failed: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("expected empty list, got %v", keys)
	}
	if ok, _ := afero.DirExists(fs, s.NamespaceDir("queue-state")); !ok {
		t.Error("List should create the namespace directory")
	}

	for _, k := range []string{"c", "a", "b"} {
		if err := s.Put("queue-state", k, record{Name: k}); err != nil {
			t.Fatal(err)
		}
	}
	// A stray temp file is not a record
	_ = afero.WriteFile(fs, filepath.Join(s.NamespaceDir("queue-state"), "d.json.123.tmp"), []byte("{}"), 0o644)

	keys, err = s.List("queue-state")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"a", "b", "c"}, keys); diff != "" {
		t.Errorf("List mismatch (-want +got):\n%s", diff)
	}
}

func TestDelete(t *testing.T) {
	s, _ := newMemStore(t)

	if err := s.Delete("instances", "nope"); err != nil {
		t.Errorf("Delete of missing record returned %v", err)
	}

	_ = s.Put("instances", "x", record{})
	if err := s.Delete("instances", "x"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	var out record
	if err := s.Get("instances", "x", &out); !errors.Is(err, ErrNotFound) {
		t.Errorf("record still present after Delete: %v", err)
	}
}

func TestTryAcquireLock(t *testing.T) {
	clock := newFakeClock()
	s, _ := newMemStore(t, WithClock(clock.Now))

	l, ok, err := s.TryAcquireLock("queue-state-inst-1", time.Second)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	if l.Resource != "queue-state-inst-1" || l.LockID == "" {
		t.Errorf("unexpected lock %+v", l)
	}

	_, ok, err = s.TryAcquireLock("queue-state-inst-1", time.Second)
	if err != nil {
		t.Fatalf("second acquire error: %v", err)
	}
	if ok {
		t.Error("second acquire should fail while the lock is live")
	}

	if err := s.ReleaseLock(l); err != nil {
		t.Fatalf("ReleaseLock failed: %v", err)
	}
	l2, ok, err := s.TryAcquireLock("queue-state-inst-1", time.Second)
	if err != nil || !ok {
		t.Fatalf("acquire after release: ok=%v err=%v", ok, err)
	}
	if l2.LockID == l.LockID {
		t.Error("new acquisition should carry a new lock ID")
	}
}

func TestTryAcquireLock_TTLExpiry(t *testing.T) {
	clock := newFakeClock()
	s, _ := newMemStore(t, WithClock(clock.Now))

	first, ok, err := s.TryAcquireLock("total-limit", 5000*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}

	clock.Advance(4999 * time.Millisecond)
	if _, ok, _ := s.TryAcquireLock("total-limit", 5000*time.Millisecond); ok {
		t.Fatal("lock acquired before TTL lapsed")
	}

	clock.Advance(2 * time.Millisecond)
	second, ok, err := s.TryAcquireLock("total-limit", 5000*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("acquire after 5001ms: ok=%v err=%v", ok, err)
	}

	// The original holder's late release must not remove the new lock
	if err := s.ReleaseLock(first); err != nil {
		t.Fatal(err)
	}
	locks, _ := s.ListLocks()
	if len(locks) != 1 || locks[0].LockID != second.LockID {
		t.Errorf("expected new holder's lock to survive, got %+v", locks)
	}
}

func TestTryAcquireLock_CorruptLockFile(t *testing.T) {
	clock := newFakeClock()
	s, fs := newMemStore(t, WithClock(clock.Now))

	path := s.lockPath("res")
	if err := afero.WriteFile(fs, path, []byte(""), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, ok, _ := s.TryAcquireLock("res", time.Second); ok {
		t.Error("fresh unreadable lock should be treated as live")
	}

	clock.Advance(corruptLockGrace + time.Second)
	if _, ok, err := s.TryAcquireLock("res", time.Second); !ok || err != nil {
		t.Errorf("stale corrupt lock should be taken over: ok=%v err=%v", ok, err)
	}
}

func TestCleanupExpiredLocks(t *testing.T) {
	clock := newFakeClock()
	s, _ := newMemStore(t, WithClock(clock.Now))

	_, _, _ = s.TryAcquireLock("short-1", time.Second)
	_, _, _ = s.TryAcquireLock("short-2", time.Second)
	_, _, _ = s.TryAcquireLock("long", time.Hour)

	clock.Advance(2 * time.Second)
	n, err := s.CleanupExpiredLocks()
	if err != nil {
		t.Fatalf("CleanupExpiredLocks failed: %v", err)
	}
	if n != 2 {
		t.Errorf("removed %d locks, want 2", n)
	}

	locks, _ := s.ListLocks()
	if len(locks) != 1 || locks[0].Resource != "long" {
		t.Errorf("remaining locks = %+v", locks)
	}
}

func TestWithFileLock_Serializes(t *testing.T) {
	s, _ := newMemStore(t)

	var inside, maxInside atomic.Int32
	var counter int

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.WithFileLock(context.Background(), "counter", 5*time.Second, func() error {
				n := inside.Add(1)
				if n > maxInside.Load() {
					maxInside.Store(n)
				}
				counter++
				time.Sleep(time.Millisecond)
				inside.Add(-1)
				return nil
			})
			if err != nil {
				t.Errorf("WithFileLock failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if counter != 8 {
		t.Errorf("counter = %d, want 8", counter)
	}
	if maxInside.Load() != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxInside.Load())
	}
}

func TestWithFileLock_ContextExpires(t *testing.T) {
	s, _ := newMemStore(t)

	held, ok, err := s.TryAcquireLock("busy", time.Hour)
	if err != nil || !ok {
		t.Fatal("setup acquire failed")
	}
	defer func() { _ = s.ReleaseLock(held) }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	called := false
	err = s.WithFileLock(ctx, "busy", time.Second, func() error {
		called = true
		return nil
	})
	if called {
		t.Error("fn must not run without the lock")
	}
	if !errors.Is(err, errors.ErrLockContended) {
		t.Errorf("err = %v, want ErrLockContended", err)
	}
	if !errors.IsRetryable(err) {
		t.Error("lock timeout should be retryable")
	}
}

func TestWithFileLock_ReturnsFnError(t *testing.T) {
	s, _ := newMemStore(t)
	want := errors.ErrInvalidInput

	err := s.WithFileLock(context.Background(), "r", time.Second, func() error { return want })
	if !errors.Is(err, want) {
		t.Errorf("err = %v, want %v", err, want)
	}
	if _, ok, _ := s.TryAcquireLock("r", time.Second); !ok {
		t.Error("lock should be released after fn returns an error")
	}
}

func TestCleanupTempFiles(t *testing.T) {
	clock := newFakeClock()
	s, fs := newMemStore(t, WithClock(clock.Now))

	dir := s.NamespaceDir("instances")
	_ = fs.MkdirAll(dir, 0o755)
	_ = afero.WriteFile(fs, filepath.Join(dir, "x.json.1.tmp"), []byte("{}"), 0o644)
	_ = afero.WriteFile(fs, filepath.Join(dir, "y.json"), []byte("{}"), 0o644)

	clock.Advance(time.Hour)
	n, err := s.CleanupTempFiles("instances", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("removed %d temp files, want 1", n)
	}
	if ok, _ := afero.Exists(fs, filepath.Join(dir, "y.json")); !ok {
		t.Error("record must not be removed")
	}
}

func TestFlockGuard_OsFs(t *testing.T) {
	dir := t.TempDir()
	s, err := New(afero.NewOsFs(), dir)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, ok := s.guard.(*FlockGuard); !ok {
		t.Fatalf("expected FlockGuard on OsFs, got %T", s.guard)
	}

	l, ok, err := s.TryAcquireLock("os-lock", time.Second)
	if err != nil || !ok {
		t.Fatalf("acquire on OsFs: ok=%v err=%v", ok, err)
	}
	if err := s.ReleaseLock(l); err != nil {
		t.Fatalf("release on OsFs: %v", err)
	}
	if ok, _ := afero.Exists(afero.NewOsFs(), filepath.Join(dir, locksDirName, guardFileName)); !ok {
		t.Error("guard file should exist after a guarded operation")
	}
}
