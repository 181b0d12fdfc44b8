package kvengine

import (
	"fmt"
	"syscall"
)

// fileMapping owns the file descriptor and its mapping for one process's
// handle onto a database file: spec.md §4.1's "file format & mmap
// manager". Grounded on the teacher's pkg/slotcache/open.go, which opens
// with syscall.Open and maps with syscall.Mmap directly rather than
// through os.File (needed here too: growth requires re-mmap'ing the same
// fd at a new length, which os.File's API does not expose cleanly).
type fileMapping struct {
	fd       int
	readOnly bool
	data     []byte
}

func openFileMapping(path string, readOnly bool, createIfAbsent bool, initialSize int64) (*fileMapping, error) {
	flags := syscall.O_RDWR
	if readOnly {
		flags = syscall.O_RDONLY
	}

	fd, err := syscall.Open(path, flags, 0o644)
	if err != nil {
		if createIfAbsent {
			fd, err = syscall.Open(path, syscall.O_RDWR|syscall.O_CREAT, 0o644)
		}

		if err != nil {
			return nil, fmt.Errorf("%w: open %q: %v", ErrIO, path, err)
		}
	}

	var st syscall.Stat_t
	if err := syscall.Fstat(fd, &st); err != nil {
		_ = syscall.Close(fd)

		return nil, fmt.Errorf("%w: fstat %q: %v", ErrIO, path, err)
	}

	size := st.Size
	if size == 0 && initialSize > 0 {
		if err := syscall.Ftruncate(fd, initialSize); err != nil {
			_ = syscall.Close(fd)

			return nil, fmt.Errorf("%w: ftruncate %q: %v", ErrIO, path, err)
		}

		size = initialSize
	}

	m := &fileMapping{fd: fd, readOnly: readOnly}

	if size > 0 {
		if err := m.mapFull(size); err != nil {
			_ = syscall.Close(fd)

			return nil, err
		}
	}

	return m, nil
}

func (m *fileMapping) mapFull(size int64) error {
	prot := syscall.PROT_READ
	if !m.readOnly {
		prot |= syscall.PROT_WRITE
	}

	data, err := syscall.Mmap(m.fd, 0, int(size), prot, syscall.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("%w: mmap: %v", ErrIO, err)
	}

	m.data = data

	return nil
}

// grow truncates the file to newSize and re-maps it. The caller must hold
// the write-mode rwlock (spec.md §4.1's "file growth is serialized").
// There is no portable mremap in the syscall package, so growth is
// unmap-then-remap-at-full-length — functionally equivalent to
// MREMAP_MAYMOVE for our purposes (the teacher takes the same approach:
// it never calls mremap either, always re-mmapping the full current
// length).
func (m *fileMapping) grow(newSize int64) error {
	if err := syscall.Ftruncate(m.fd, newSize); err != nil {
		return fmt.Errorf("%w: ftruncate: %v", ErrIO, err)
	}

	return m.remapTo(newSize)
}

// remapIfGrown implements spec.md §4.1's remap_if_grown: if sharedSize
// exceeds the locally mapped size, remap (never truncate; another process
// already grew the file).
func (m *fileMapping) remapIfGrown(sharedSize int64) error {
	if int64(len(m.data)) >= sharedSize {
		return nil
	}

	return m.remapTo(sharedSize)
}

func (m *fileMapping) remapTo(size int64) error {
	if m.data != nil {
		if err := syscall.Munmap(m.data); err != nil {
			return fmt.Errorf("%w: munmap: %v", ErrIO, err)
		}

		m.data = nil
	}

	return m.mapFull(size)
}

func (m *fileMapping) size() int64 { return int64(len(m.data)) }

func (m *fileMapping) close() error {
	var munmapErr, closeErr error

	if m.data != nil {
		munmapErr = syscall.Munmap(m.data)
	}

	closeErr = syscall.Close(m.fd)

	if munmapErr != nil {
		return fmt.Errorf("%w: munmap: %v", ErrIO, munmapErr)
	}

	if closeErr != nil {
		return fmt.Errorf("%w: close: %v", ErrIO, closeErr)
	}

	return nil
}
