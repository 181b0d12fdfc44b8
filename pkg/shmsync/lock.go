package shmsync

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
)

// registry gives every (process, path) pair a single in-process mutex to
// serialize goroutines before they ever reach the kernel flock — flock is
// per-process, not per-goroutine, so without this layer two goroutines in
// the same process could both believe they hold an "exclusive" lock.
// Grounded on the teacher's pkg/slotcache/lock.go fileRegistry.
var registry sync.Map // path -> *sync.Mutex

func registryMutex(path string) *sync.Mutex {
	v, _ := registry.LoadOrStore(path, &sync.Mutex{})

	return v.(*sync.Mutex)
}

// fileLock is a blocking, exclusive flock(2)-backed lock on a regular
// file, gated by an in-process mutex. It is the shared plumbing behind
// both Semaphore and RWLock: spec.md §4.5 gives the rwlock no read-mode
// path, so both primitives are "exclusive, blocking, indefinite wait".
type fileLock struct {
	mu   *sync.Mutex
	f    *os.File
	held bool
}

func openFileLock(path string) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("shmsync: open %q: %w", path, err)
	}

	return &fileLock{mu: registryMutex(path), f: f}, nil
}

// Lock blocks until the lock is acquired. Acquisition is uninterruptible
// and has no timeout, per spec.md §4.5/§5.
func (l *fileLock) Lock() error {
	l.mu.Lock()

	if err := flockRetryEINTR(int(l.f.Fd()), syscall.LOCK_EX); err != nil {
		l.mu.Unlock()

		return fmt.Errorf("shmsync: flock: %w", err)
	}

	l.held = true

	return nil
}

func (l *fileLock) Unlock() error {
	if !l.held {
		return nil
	}

	err := flockRetryEINTR(int(l.f.Fd()), syscall.LOCK_UN)
	l.held = false
	l.mu.Unlock()

	if err != nil {
		return fmt.Errorf("shmsync: flock unlock: %w", err)
	}

	return nil
}

func (l *fileLock) Close() error {
	return l.f.Close()
}

func flockRetryEINTR(fd int, how int) error {
	for {
		err := syscall.Flock(fd, how)
		if errors.Is(err, syscall.EINTR) {
			continue
		}

		return err
	}
}

// Semaphore is the named semaphore from spec.md §4.5 (suffix "-sem"):
// opened by every opener (created if absent, never with O_EXCL) and held
// around the open-and-initialize and close-and-teardown sequences.
type Semaphore struct {
	lock *fileLock
	path string
}

// OpenSemaphore opens (creating if absent) the named semaphore for a
// database. Opening never itself acquires the lock; call Lock.
func OpenSemaphore(path string) (*Semaphore, error) {
	l, err := openFileLock(path)
	if err != nil {
		return nil, err
	}

	return &Semaphore{lock: l, path: path}, nil
}

func (s *Semaphore) Lock() error   { return s.lock.Lock() }
func (s *Semaphore) Unlock() error { return s.lock.Unlock() }
func (s *Semaphore) Close() error  { return s.lock.Close() }

// Unlink removes the semaphore's backing file. Only the last closer of a
// database should call this (spec.md §4.5's shared-resource policy).
func (s *Semaphore) Unlink() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("shmsync: unlink semaphore %q: %w", s.path, err)
	}

	return nil
}

// RWLock is the process-shared rwlock from spec.md §4.5, backed by the
// "-shm-info" file. Despite the name there is no read-mode path: every
// public operation acquires it in write mode, a deliberate design choice
// (treating mmap growth as intrinsically exclusive) rather than an
// oversight — see spec.md §4.5 and DESIGN.md.
type RWLock struct {
	lock *fileLock
}

func OpenRWLock(path string) (*RWLock, error) {
	l, err := openFileLock(path)
	if err != nil {
		return nil, err
	}

	return &RWLock{lock: l}, nil
}

func (r *RWLock) Lock() error   { return r.lock.Lock() }
func (r *RWLock) Unlock() error { return r.lock.Unlock() }
func (r *RWLock) Close() error  { return r.lock.Close() }
