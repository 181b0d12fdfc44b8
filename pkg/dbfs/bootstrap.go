package dbfs

import (
	"bytes"
	"fmt"

	"github.com/natefinch/atomic"
)

// BootstrapFile writes the very first bytes of a brand-new database file
// atomically: either the whole of data lands at path, or nothing does.
//
// Without this, a crash between an initial write() and the following
// ftruncate() could leave a zero-length or truncated file on disk that a
// later opener has no way to distinguish from "an existing, merely-unsynced
// database" — it would read a short/garbage header and fail with
// CorruptDbFile, rather than being recognized as "needs (re)creation".
//
// Grounded on the teacher's use of github.com/natefinch/atomic in
// cache_binary.go/lock.go/ticket.go for the same "never leave a
// half-written file visible" property.
func BootstrapFile(path string, data []byte) error {
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("dbfs: bootstrap %q: %w", path, err)
	}

	return nil
}
