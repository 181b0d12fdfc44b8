// Package pco is the public dispatch & handle table from spec.md §4.7: it
// hands out small integer handles, routes purpose-tagged operations down
// to pkg/kvengine, validates parameters at the boundary, and normalizes
// errors to the taxonomy in spec.md §7.
//
// Grounded on the teacher's cmd/sloty/main.go, which wraps pkg/slotcache
// behind a small handle-ish façade, and on the root-level ticket.go/
// lock.go pattern of a thin dispatch layer in front of a richer engine
// package.
package pco

import (
	"fmt"
	"sync"

	"github.com/genivi/pcokv/pkg/kvengine"
)

// Handle is the non-negative integer identifier returned by Open.
type Handle int32

// Purpose selects between the general database and the Resource
// Configuration Table, per spec.md §4.7. The engine itself does not
// interpret this; it only affects validation at this layer (RCT values
// must match the database's fixed record size exactly).
type Purpose = kvengine.Purpose

const (
	PurposeDB  = kvengine.PurposeDB
	PurposeRCT = kvengine.PurposeRCT
)

// Mode mirrors spec.md §6's open mode bitfield.
type Mode = kvengine.Mode

const (
	ModeCreate       = kvengine.ModeCreate
	ModeWriteThrough = kvengine.ModeWriteThrough
	ModeReadOnly     = kvengine.ModeReadOnly
)

// fixedSlots is the small fixed array spec.md §4.7 specifies for
// low-numbered handles; identifiers 0..fixedSlots-1 live here.
const fixedSlots = 16

// entry is one handle's bookkeeping: the open database, its purpose tag,
// and (for RCT handles) the fixed record size every value must match.
type entry struct {
	db        *kvengine.Database
	purpose   Purpose
	rctRecord int // RCT fixed record size; 0 for PurposeDB
}

// overflowNode is one element of the sorted overflow list spec.md §4.7
// describes for handles beyond the fixed array.
type overflowNode struct {
	id   Handle
	e    entry
	next *overflowNode
}

// Registry is the handle table. The zero value is ready to use. spec.md
// §4.7 describes a process-wide table; callers that want an explicit,
// non-global registry (in line with the teacher's preference for
// passed-in state over package globals) construct their own Registry
// instead of using the package-level Default one.
type Registry struct {
	mu sync.Mutex

	fixed    [fixedSlots]*entry
	overflow *overflowNode
}

// Default is the process-wide registry spec.md §4.7 assumes as the
// external C-callable contract's backing store. Nothing within this
// module uses it: cmd/pcoctl constructs its own *Registry.
var Default = &Registry{}

// Open allocates the smallest available handle and opens the underlying
// database, per spec.md §6's open(path, mode, key_size, value_size,
// slot_count). rctRecordSize is the fixed value size for PurposeRCT
// handles (ignored for PurposeDB); pass 0 for PurposeDB.
func (r *Registry) Open(path string, mode Mode, keySize, valueSize, slotCount uint64, purpose Purpose, rctRecordSize int) (Handle, error) {
	if purpose == PurposeRCT && rctRecordSize <= 0 {
		return -1, fmt.Errorf("%w: RCT open requires a positive record size", kvengine.ErrInvalidParam)
	}

	db, err := kvengine.Open(kvengine.Options{
		Path:        path,
		Mode:        mode,
		SlotCount:   slotCount,
		MaxKeyLen:   keySize,
		MaxValueLen: valueSize,
	})
	if err != nil {
		return -1, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.insert(entry{db: db, purpose: purpose, rctRecord: rctRecordSize})
}

// insert places e at the smallest available identifier, fixed array first
// then the sorted overflow list, per spec.md §4.7's allocation policy.
// Caller must hold r.mu.
func (r *Registry) insert(e entry) (Handle, error) {
	for i := range r.fixed {
		if r.fixed[i] == nil {
			cp := e
			r.fixed[i] = &cp

			return Handle(i), nil
		}
	}

	id := Handle(fixedSlots)

	var prev *overflowNode

	cur := r.overflow

	for cur != nil && cur.id == id {
		id++
		prev = cur
		cur = cur.next
	}

	node := &overflowNode{id: id, e: e, next: cur}

	if prev == nil {
		r.overflow = node
	} else {
		prev.next = node
	}

	return id, nil
}

func (r *Registry) lookup(h Handle) (*entry, error) {
	if h < 0 {
		return nil, fmt.Errorf("%w: negative handle", kvengine.ErrInvalidParam)
	}

	if int(h) < fixedSlots {
		e := r.fixed[h]
		if e == nil {
			return nil, fmt.Errorf("%w: unknown handle %d", kvengine.ErrInvalidParam, h)
		}

		return e, nil
	}

	for cur := r.overflow; cur != nil; cur = cur.next {
		if cur.id == h {
			return &cur.e, nil
		}
	}

	return nil, fmt.Errorf("%w: unknown handle %d", kvengine.ErrInvalidParam, h)
}

// remove deletes h from the table, freeing its identifier for reuse.
// Caller must hold r.mu.
func (r *Registry) remove(h Handle) {
	if int(h) < fixedSlots {
		r.fixed[h] = nil

		return
	}

	var prev *overflowNode

	for cur := r.overflow; cur != nil; cur = cur.next {
		if cur.id == h {
			if prev == nil {
				r.overflow = cur.next
			} else {
				prev.next = cur.next
			}

			return
		}

		prev = cur
	}
}

// Close closes h's underlying database and releases the handle, per
// spec.md §5's "every exit path decrements refcount" guarantee: the
// handle is removed from the table regardless of whether the underlying
// Close reports an error, so a failed close never leaks a table slot.
func (r *Registry) Close(h Handle) error {
	r.mu.Lock()
	e, err := r.lookup(h)
	if err != nil {
		r.mu.Unlock()

		return err
	}

	r.remove(h)
	r.mu.Unlock()

	return e.db.Close()
}

func (r *Registry) get(h Handle) (*entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.lookup(h)
}

// checkPurpose validates that purpose matches the handle's purpose tag
// and, for RCT, that value is exactly the fixed record size (spec.md
// §4.7: "the engine does not interpret the RCT value; it persists the
// fixed-size byte block unchanged" — but this dispatch layer enforces the
// size contract before ever reaching the engine).
func (e *entry) checkPurpose(purpose Purpose, value []byte, forWrite bool) error {
	if purpose != e.purpose {
		return fmt.Errorf("%w: handle purpose mismatch", kvengine.ErrInvalidParam)
	}

	if purpose == PurposeRCT && forWrite && len(value) != e.rctRecord {
		return fmt.Errorf("%w: RCT record must be exactly %d bytes", kvengine.ErrInvalidParam, e.rctRecord)
	}

	return nil
}

// WriteKey is spec.md §6's write_key(h, purpose, key, bytes).
func (r *Registry) WriteKey(h Handle, purpose Purpose, key, value []byte) (int, error) {
	e, err := r.get(h)
	if err != nil {
		return 0, err
	}

	if err := e.checkPurpose(purpose, value, true); err != nil {
		return 0, err
	}

	if err := e.db.Write(key, value); err != nil {
		return 0, err
	}

	return len(value), nil
}

// ReadKey is spec.md §6's read_key(h, purpose, key, buf).
func (r *Registry) ReadKey(h Handle, purpose Purpose, key, buf []byte) (int, error) {
	e, err := r.get(h)
	if err != nil {
		return 0, err
	}

	if err := e.checkPurpose(purpose, nil, false); err != nil {
		return 0, err
	}

	v, err := e.db.Read(key)
	if err != nil {
		return 0, err
	}

	if len(v) > len(buf) {
		return 0, kvengine.ErrBufferTooSmall
	}

	return copy(buf, v), nil
}

// KeySize is spec.md §6's key_size(h, purpose, key).
func (r *Registry) KeySize(h Handle, purpose Purpose, key []byte) (int, error) {
	e, err := r.get(h)
	if err != nil {
		return 0, err
	}

	if err := e.checkPurpose(purpose, nil, false); err != nil {
		return 0, err
	}

	return e.db.ValueSize(key)
}

// DeleteKey is spec.md §6's delete_key(h, purpose, key).
func (r *Registry) DeleteKey(h Handle, purpose Purpose, key []byte) error {
	e, err := r.get(h)
	if err != nil {
		return err
	}

	if err := e.checkPurpose(purpose, nil, false); err != nil {
		return err
	}

	return e.db.Delete(key)
}

// ListSize is spec.md §6's list_size(h, purpose).
func (r *Registry) ListSize(h Handle, purpose Purpose) (int, error) {
	e, err := r.get(h)
	if err != nil {
		return 0, err
	}

	if err := e.checkPurpose(purpose, nil, false); err != nil {
		return 0, err
	}

	return e.db.ListSize()
}

// ListKeys is spec.md §6's list_keys(h, purpose, buf).
func (r *Registry) ListKeys(h Handle, purpose Purpose, buf []byte) (int, error) {
	e, err := r.get(h)
	if err != nil {
		return 0, err
	}

	if err := e.checkPurpose(purpose, nil, false); err != nil {
		return 0, err
	}

	return e.db.ListKeys(buf)
}

// Generation exposes SPEC_FULL.md §13.2's change counter for h.
func (r *Registry) Generation(h Handle) (uint64, error) {
	e, err := r.get(h)
	if err != nil {
		return 0, err
	}

	return e.db.Generation(), nil
}

// UserHeader/SetUserHeader expose SPEC_FULL.md §13.1's caller-owned
// header region for h.
func (r *Registry) UserHeader(h Handle) (flags uint64, data [64]byte, err error) {
	e, err := r.get(h)
	if err != nil {
		return 0, data, err
	}

	flags, data = e.db.UserHeader()

	return flags, data, nil
}

func (r *Registry) SetUserHeader(h Handle, flags uint64, data [64]byte) error {
	e, err := r.get(h)
	if err != nil {
		return err
	}

	return e.db.SetUserHeader(flags, data)
}
