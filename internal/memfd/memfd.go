// Package memfd implements the sealed memory object: a byte region that
// starts mutable, is sealed exactly once, and from then on
// is shared read-only across every connection holding a reference.
package memfd

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"kdbusd/internal/kderr"
)

// Object is a sealed-memory-capable byte region. The zero value is not
// usable; construct with New.
type Object struct {
	id uuid.UUID

	mu     sync.Mutex
	data   []byte
	sealed bool

	refs atomic.Int64
}

// New allocates a mutable Object of the given size with one reference held
// by the caller (the creator).
func New(size int) *Object {
	o := &Object{
		id:   uuid.New(),
		data: make([]byte, size),
	}
	o.refs.Store(1)
	return o
}

// ID returns the object's stable identity, shared on the wire via a MEMFD
// record so every recipient resolves to the same underlying Object.
func (o *Object) ID() uuid.UUID {
	return o.id
}

// Size returns the fixed size of the backing region.
func (o *Object) Size() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.data)
}

// Write stores bytes at offset. Rejected once the object is sealed.
func (o *Object) Write(offset int, p []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sealed {
		return kderr.ErrWriteOnSealed
	}
	if offset < 0 || offset+len(p) > len(o.data) {
		return kderr.WithMsg(kderr.ErrMalformedHeader, "write offset/length exceeds object size")
	}
	copy(o.data[offset:], p)
	return nil
}

// Seal atomically transitions the object from mutable to sealed. It is a
// release barrier: any goroutine that observes Sealed() == true after this
// call (via MapReadOnly on a shared reference) also observes every byte
// written before Seal, because both sides serialize through o.mu.
func (o *Object) Seal() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sealed {
		return nil
	}
	o.sealed = true
	return nil
}

// Sealed reports whether the object has been sealed.
func (o *Object) Sealed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sealed
}

// MapReadOnly returns a copy of the data. Only valid once sealed.
func (o *Object) MapReadOnly() ([]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.sealed {
		return nil, kderr.WithMsg(kderr.ErrWriteOnSealed, "object is not sealed")
	}
	view := make([]byte, len(o.data))
	copy(view, o.data)
	return view, nil
}

// Unseal transitions a sealed object back to mutable. Only permitted when
// exactly one reference is live: unsealing a shared object would let the
// writer mutate bytes another connection is concurrently reading.
func (o *Object) Unseal() error {
	if o.refs.Load() != 1 {
		return kderr.ErrUnsealShared
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.refs.Load() != 1 {
		return kderr.ErrUnsealShared
	}
	o.sealed = false
	return nil
}

// Ref records a new outbound reference (e.g. attaching this object to a
// message bound for another connection) and returns the same Object so
// callers can chain it into a MEMFD record.
func (o *Object) Ref() *Object {
	o.refs.Add(1)
	return o
}

// Release drops one reference. The caller that created the object via New
// holds the first reference and must Release it when done, same as every
// recipient that received a reference via Ref.
func (o *Object) Release() {
	o.refs.Add(-1)
}

// RefCount returns the current live reference count.
func (o *Object) RefCount() int64 {
	return o.refs.Load()
}
