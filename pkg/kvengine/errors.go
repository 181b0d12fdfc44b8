package kvengine

import "errors"

// Error classification, mirroring the kinds spec.md §7 defines (not type
// names — plain sentinel values classified with errors.Is, exactly as the
// teacher's pkg/slotcache/errors.go does).
var (
	ErrInvalidParam       = errors.New("kvengine: invalid parameter")
	ErrIO                 = errors.New("kvengine: io")
	ErrOpenShm            = errors.New("kvengine: open shm")
	ErrMapShm             = errors.New("kvengine: map shm")
	ErrResizeShm          = errors.New("kvengine: resize shm")
	ErrCloseShm           = errors.New("kvengine: close shm")
	ErrOutOfMemory        = errors.New("kvengine: out of memory")
	ErrNotFound            = errors.New("kvengine: not found")
	ErrBufferTooSmall     = errors.New("kvengine: buffer too small")
	ErrReadOnly           = errors.New("kvengine: read only")
	ErrCorruptDbFile      = errors.New("kvengine: corrupt db file")
	ErrWrongDatabaseVersion = errors.New("kvengine: wrong database version")
	ErrFailure            = errors.New("kvengine: failure")

	// ErrFull is the cache-saturation failure spec.md §4.4 requires: a hard
	// failure, never a silent fall-through to the file.
	ErrFull = errors.New("kvengine: cache full")

	// ErrClosed indicates an operation on a handle already closed.
	ErrClosed = errors.New("kvengine: closed")
)
