package shmsync

import (
	"fmt"
	"os"
	"syscall"
)

// Segment is a fixed-size, named shared-memory-style region: a regular
// file, ftruncate'd to its final size once by the first opener and mmap'd
// MAP_SHARED by every opener. Used for the "-cache" dirty-write region
// (spec.md §4.4); domain logic (the open-addressing table itself) lives in
// pkg/kvengine, this type only owns the bytes.
type Segment struct {
	f    *os.File
	data []byte
}

// OpenSegment opens (creating if absent) a shared segment of exactly size
// bytes, growing it if a previous opener created it smaller (which should
// not happen for a fixed-capacity cache region, but is handled defensively
// since spec.md §4.4 describes the region as fixed-capacity-per-database,
// not fixed-capacity-forever-across-format-changes).
func OpenSegment(path string, size uint64) (*Segment, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("shmsync: open segment %q: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()

		return nil, fmt.Errorf("shmsync: stat segment %q: %w", path, err)
	}

	if uint64(info.Size()) < size {
		if err := f.Truncate(int64(size)); err != nil {
			_ = f.Close()

			return nil, fmt.Errorf("shmsync: grow segment %q: %w", path, err)
		}
	}

	data, err := syscall.Mmap(int(f.Fd()), 0, int(size), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		_ = f.Close()

		return nil, fmt.Errorf("shmsync: map segment %q: %w", path, err)
	}

	return &Segment{f: f, data: data}, nil
}

func (s *Segment) Bytes() []byte { return s.data }

func (s *Segment) Close() error {
	munmapErr := syscall.Munmap(s.data)
	closeErr := s.f.Close()

	if munmapErr != nil {
		return fmt.Errorf("shmsync: unmap segment: %w", munmapErr)
	}

	return closeErr
}

// Unlink removes the segment's backing file. Only the last closer of a
// database should call this.
func (s *Segment) Unlink(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("shmsync: unlink segment %q: %w", path, err)
	}

	return nil
}
