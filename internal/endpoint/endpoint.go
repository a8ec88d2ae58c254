// Package endpoint implements the bus access point: an open-mode gate
// (uid/gid/mode) plus an optional policy overlay, tracking
// the connections opened through it so a disconnect can cascade.
package endpoint

import (
	"sync"

	"kdbusd/internal/kderr"
	"kdbusd/internal/policy"
)

// Mode mirrors a Unix file-mode triple governing who may open the endpoint.
type Mode struct {
	UID  uint32
	GID  uint32
	Bits uint32 // e.g. 0600, 0666, interpreted the same way as file permission bits
}

// CanOpen reports whether a caller with (uid, gid) may open this endpoint.
func (m Mode) CanOpen(uid, gid uint32) bool {
	const (
		ownerRead = 0400
		groupRead = 0040
		otherRead = 0004
	)
	switch {
	case uid == m.UID:
		return m.Bits&ownerRead != 0
	case gid == m.GID:
		return m.Bits&groupRead != 0
	default:
		return m.Bits&otherRead != 0
	}
}

// Endpoint is an access point to one bus.
type Endpoint struct {
	ID        uint64
	BusID     uint64
	Name      string // "bus" for the default endpoint
	Mode      Mode
	isDefault bool

	mu           sync.Mutex
	overlay      *policy.Policy // nil means "no overlay, bus policy applies as-is"
	disconnected bool
	connIDs      map[uint64]struct{} // weak set: the bus table owns the connections
}

// New creates an Endpoint. isDefault must be true for exactly the one
// endpoint named "bus" created alongside its owning bus.
func New(id, busID uint64, name string, mode Mode, pol *policy.Policy, isDefault bool) *Endpoint {
	return &Endpoint{
		ID:        id,
		BusID:     busID,
		Name:      name,
		Mode:      mode,
		overlay:   pol,
		isDefault: isDefault,
		connIDs:   make(map[uint64]struct{}),
	}
}

// Overlay returns the endpoint's current policy overlay, nil if none.
func (e *Endpoint) Overlay() *policy.Policy {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.overlay
}

// SetOverlay replaces the endpoint's policy overlay. Connections already
// open keep running; the new overlay applies from the next policy check.
func (e *Endpoint) SetOverlay(pol *policy.Policy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.overlay = pol
}

// IsDefault reports whether this is the bus's default endpoint. SEE policy
// rules are only enforced on non-default endpoints.
func (e *Endpoint) IsDefault() bool {
	return e.isDefault
}

// Open admits a new connection id if the endpoint is live and the caller's
// credentials satisfy Mode.
func (e *Endpoint) Open(connID uint64, uid, gid uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disconnected {
		return kderr.ErrDisconnected
	}
	if !e.Mode.CanOpen(uid, gid) {
		return kderr.ErrPolicyDenied
	}
	e.connIDs[connID] = struct{}{}
	return nil
}

// Forget removes a connection id from the weak tracking set, called on BYE
// or any other path that terminates a single connection without tearing
// down the whole endpoint.
func (e *Endpoint) Forget(connID uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.connIDs, connID)
}

// Disconnect marks the endpoint dead and returns every connection id that
// was opened through it, for the caller (bus) to terminate.
func (e *Endpoint) Disconnect() []uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disconnected {
		return nil
	}
	e.disconnected = true
	ids := make([]uint64, 0, len(e.connIDs))
	for id := range e.connIDs {
		ids = append(ids, id)
	}
	e.connIDs = make(map[uint64]struct{})
	return ids
}

// Disconnected reports whether the endpoint has been torn down.
func (e *Endpoint) Disconnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.disconnected
}
