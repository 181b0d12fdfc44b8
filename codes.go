package pco

import (
	"errors"

	"github.com/genivi/pcokv/pkg/kvengine"
)

// Code maps an error from any dispatch operation to the negative integer
// error code spec.md §7 describes the original C ABI returning (0 or a
// positive count on success, a negative kind-specific code on failure).
// Kept as a free function rather than a method on error since nil maps to
// 0, the success case.
func Code(err error) int32 {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, kvengine.ErrInvalidParam):
		return -1
	case errors.Is(err, kvengine.ErrIO):
		return -2
	case errors.Is(err, kvengine.ErrOpenShm):
		return -3
	case errors.Is(err, kvengine.ErrMapShm):
		return -4
	case errors.Is(err, kvengine.ErrResizeShm):
		return -5
	case errors.Is(err, kvengine.ErrCloseShm):
		return -6
	case errors.Is(err, kvengine.ErrOutOfMemory):
		return -7
	case errors.Is(err, kvengine.ErrNotFound):
		return -8
	case errors.Is(err, kvengine.ErrBufferTooSmall):
		return -9
	case errors.Is(err, kvengine.ErrReadOnly):
		return -10
	case errors.Is(err, kvengine.ErrCorruptDbFile):
		return -11
	case errors.Is(err, kvengine.ErrWrongDatabaseVersion):
		return -12
	case errors.Is(err, kvengine.ErrFull):
		return -13
	case errors.Is(err, kvengine.ErrClosed):
		return -14
	default:
		return -99
	}
}
