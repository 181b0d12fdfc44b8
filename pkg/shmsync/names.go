// Package shmsync provides the two cross-process cooperation primitives
// spec.md §4.5 asks for: a named semaphore guarding open/close, and a
// process-shared rwlock guarding every other operation.
//
// Neither primitive uses cgo or a real POSIX shm_open/sem_open: both are
// built the way the teacher builds its own cross-process locking
// (pkg/slotcache/writer_lock.go, internal/fs/lock.go) — flock(2) on a
// regular file. A flock-backed file is a faithful stand-in for a POSIX
// semaphore/rwlock here: Linux's POSIX shm/sem objects are themselves
// tmpfs-backed regular files under the hood, so mmap'ing a regular file on
// a tmpfs-mounted directory (the default ShmDir, "/dev/shm") is the same
// mechanism with a friendlier API and no cgo dependency.
package shmsync

import "strings"

// Names derives the four object names spec.md §6 specifies for a database
// at an absolute path.
type Names struct {
	ShmInfo string
	HashMirror string
	Cache   string
	Sem     string
}

// DeriveNames computes the four paths for a database at dbPath, rooted
// under dir (spec.md's "/" + sanitize(P) is relative to whatever shared
// namespace the deployment uses; dir plays that role here).
func DeriveNames(dir, dbPath string) Names {
	base := dir + "/" + Sanitize(dbPath)

	return Names{
		ShmInfo:    base + "-shm-info",
		HashMirror: base + "-ht",
		Cache:      base + "-cache",
		Sem:        base + "-sem",
	}
}

// Sanitize replaces every character that is not an ASCII alphanumeric with
// '_', per spec.md §6.
func Sanitize(path string) string {
	var b strings.Builder
	b.Grow(len(path))

	for _, r := range path {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}

	return b.String()
}
