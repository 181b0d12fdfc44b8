package dbfs

import "os"

// Real implements FS using the real filesystem. Every method is a
// passthrough to the os package, exactly as the teacher's pkg/fs.Real.
type Real struct{}

// NewReal returns a new Real filesystem.
func NewReal() *Real {
	return &Real{}
}

func (r *Real) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	return os.OpenFile(path, flag, perm)
}

func (r *Real) Stat(path string) (os.FileInfo, error) {
	return os.Stat(path)
}

func (r *Real) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (r *Real) Remove(path string) error {
	return os.Remove(path)
}
