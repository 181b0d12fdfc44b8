package shmsync

import (
	"sync/atomic"
	"unsafe"
)

// Cross-process shared state lives in mmap'd byte slices, not Go memory, so
// it cannot use sync/atomic's typed atomic.Uint64 wrappers directly. These
// helpers reinterpret an 8-byte-aligned slice prefix as a *uint64 the same
// way the teacher's cache.go does for its generation counter and slot
// metadata (atomicLoadUint64/atomicStoreUint64): the byte slice backing a
// shared-memory mmap is exactly the same physical memory every cooperating
// process sees, so an atomic op here really is cross-process atomic on
// platforms (all Tier-1 Linux/amd64/arm64 targets) where aligned 64-bit
// loads/stores are atomic at the hardware level.
func loadU64(b []byte) uint64 {
	return atomic.LoadUint64((*uint64)(unsafe.Pointer(&b[0])))
}

func storeU64(b []byte, v uint64) {
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&b[0])), v)
}

func addU64(b []byte, delta int64) uint64 {
	return atomic.AddUint64((*uint64)(unsafe.Pointer(&b[0])), uint64(delta))
}

func casU64(b []byte, old, new uint64) bool {
	return atomic.CompareAndSwapUint64((*uint64)(unsafe.Pointer(&b[0])), old, new)
}
