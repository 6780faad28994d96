package store

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

const guardFileName = ".guard"

// Guard serializes lock takeover and release. It protects the window between
// reading an expired lock file and replacing it, which O_EXCL creation alone
// cannot cover.
type Guard interface {
	Lock() error
	Unlock() error
}

// MutexGuard is a process-local Guard.
type MutexGuard struct {
	mu sync.Mutex
}

// Lock acquires the mutex.
func (g *MutexGuard) Lock() error {
	g.mu.Lock()
	return nil
}

// Unlock releases the mutex.
func (g *MutexGuard) Unlock() error {
	g.mu.Unlock()
	return nil
}

// FlockGuard provides cross-process mutual exclusion using flock(2) on a
// guard file. A process mutex is held alongside so goroutines of the same
// process queue on the mutex rather than on the kernel lock.
type FlockGuard struct {
	path string
	mu   sync.Mutex
	file *os.File
}

// NewFlockGuard creates a FlockGuard on path. The file is created on first Lock.
func NewFlockGuard(path string) *FlockGuard {
	return &FlockGuard{path: path}
}

// Lock acquires an exclusive lock, blocking until available.
func (g *FlockGuard) Lock() error {
	g.mu.Lock()

	f, err := os.OpenFile(g.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		g.mu.Unlock()
		return fmt.Errorf("open guard file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		_ = f.Close()
		g.mu.Unlock()
		return fmt.Errorf("flock: %w", err)
	}

	g.file = f
	return nil
}

// Unlock releases the lock and closes the guard file.
func (g *FlockGuard) Unlock() error {
	defer g.mu.Unlock()

	if g.file == nil {
		return nil
	}

	f := g.file
	g.file = nil
	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		_ = f.Close()
		return fmt.Errorf("funlock: %w", err)
	}
	return f.Close()
}
