// Package bloom implements the broadcast subscription matcher: connections
// install a generation-versioned bloom bit mask, and a
// broadcast's own filter bits are tested against the floor generation at or
// below the message's generation.
package bloom

import (
	"sort"
	"sync"

	"kdbusd/internal/kderr"
)

// Filter is a single set of bloom bits, either a connection's subscription
// mask for one generation or a broadcast message's match filter.
type Filter struct {
	Bits []byte
}

// NewFilter allocates a zeroed filter of the given byte size. size must be a
// multiple of 8 to stay aligned with the BLOOM record wire layout.
func NewFilter(size int) Filter {
	return Filter{Bits: make([]byte, size)}
}

// SetBit sets bit index i (0-based, little-endian within each byte).
func (f Filter) SetBit(i int) {
	f.Bits[i/8] |= 1 << uint(i%8)
}

// TestBit reports whether bit index i is set.
func (f Filter) TestBit(i int) bool {
	return f.Bits[i/8]&(1<<uint(i%8)) != 0
}

// isSubset reports whether every bit set in a is also set in b.
func isSubset(a, b []byte) bool {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i]&^b[i] != 0 {
			return false
		}
	}
	return len(a) <= len(b)
}

// Mask holds a connection's bloom subscription across generations. Bits only
// ever grow from one installed generation to the next (a later generation's
// bits are always a superset of every earlier one), so matching against the
// nearest installed generation at or below a message's generation can never
// miss a bit the sender actually had when it was stamped.
type Mask struct {
	mu   sync.RWMutex
	size int
	gens []uint64 // sorted ascending
	bits map[uint64][]byte
}

// NewMask creates an empty Mask for bit arrays of the given byte size.
func NewMask(size int) *Mask {
	return &Mask{size: size, bits: make(map[uint64][]byte)}
}

// Install adds or replaces the mask for generation gen. It is validated
// against the immediate neighbors by generation NUMBER, not by insertion
// order, so installs may arrive out of order and still be checked correctly:
// gen's bits must be a superset of the nearest lower installed generation's
// bits, and a subset of the nearest higher installed generation's bits.
func (m *Mask) Install(gen uint64, bits []byte) error {
	if len(bits) != m.size {
		return kderr.WithMsg(kderr.ErrNonMonotoneMask, "mask size mismatch")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := sort.Search(len(m.gens), func(i int) bool { return m.gens[i] >= gen })
	replacing := idx < len(m.gens) && m.gens[idx] == gen

	if idx > 0 {
		lower := m.gens[idx-1]
		if !isSubset(m.bits[lower], bits) {
			return kderr.WithMsg(kderr.ErrNonMonotoneMask, "new generation must be superset of lower generation")
		}
	}
	hiIdx := idx
	if replacing {
		hiIdx = idx + 1
	}
	if hiIdx < len(m.gens) {
		higher := m.gens[hiIdx]
		if !isSubset(bits, m.bits[higher]) {
			return kderr.WithMsg(kderr.ErrNonMonotoneMask, "new generation must be subset of higher generation")
		}
	}

	stored := make([]byte, len(bits))
	copy(stored, bits)
	m.bits[gen] = stored
	if !replacing {
		m.gens = append(m.gens, 0)
		copy(m.gens[idx+1:], m.gens[idx:])
		m.gens[idx] = gen
	}
	return nil
}

// floorLocked returns the largest installed generation <= gen, and whether
// one exists. Caller must hold m.mu.
func (m *Mask) floorLocked(gen uint64) (uint64, bool) {
	idx := sort.Search(len(m.gens), func(i int) bool { return m.gens[i] > gen })
	if idx == 0 {
		return 0, false
	}
	return m.gens[idx-1], true
}

// Match tests filter against the floor generation at or below msgGen. A
// message matches iff (filter & ~mask) == 0: every bit the sender set is
// also set in the receiver's mask. It returns false with no error if no
// generation has been installed yet.
func (m *Mask) Match(msgGen uint64, filter Filter) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	gen, ok := m.floorLocked(msgGen)
	if !ok {
		return false, nil
	}
	return isSubset(filter.Bits, m.bits[gen]), nil
}

// Generations returns the installed generation numbers in ascending order.
func (m *Mask) Generations() []uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]uint64, len(m.gens))
	copy(out, m.gens)
	return out
}
