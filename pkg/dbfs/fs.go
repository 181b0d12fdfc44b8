// Package dbfs provides the filesystem seam for the database file.
// kvengine uses it only to write a new file's very first bytes
// crash-safely (BootstrapFile); opening, growing and mapping the file are
// done with direct syscalls in kvengine and do not go through File or FS.
//
// Adapted from the teacher's pkg/fs package: the same File/FS interface
// shape, trimmed to what an mmap-based engine actually needs (no Chaos/Crash
// fault-injection variants — kvengine's own crash-safety tests inject
// corruption directly into file bytes, not through this seam).
package dbfs

import (
	"io"
	"os"
)

// File is a subset of *os.File: enough to be usable with mmap (Fd),
// growth (ftruncate via Truncate), and flock (Fd again).
type File interface {
	io.ReadWriteCloser
	io.Seeker

	Fd() uintptr
	Stat() (os.FileInfo, error)
	Sync() error
	Truncate(size int64) error
}

// FS abstracts basic operations against the real filesystem, so tests can
// substitute a fake without touching disk.
type FS interface {
	OpenFile(path string, flag int, perm os.FileMode) (File, error)
	Stat(path string) (os.FileInfo, error)
	MkdirAll(path string, perm os.FileMode) error
	Remove(path string) error
}
