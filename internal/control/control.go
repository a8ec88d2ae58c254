// Package control implements the control surface: a tagged-union handle
// that starts Undefined and transitions exactly once to
// Control, NSOwner, BusOwner, or EP, coupling an object's lifetime to
// whichever handle created it.
package control

import (
	"sync"

	"kdbusd/internal/bus"
	"kdbusd/internal/conn"
	"kdbusd/internal/domain"
	"kdbusd/internal/endpoint"
	"kdbusd/internal/kderr"
	"kdbusd/internal/names"
	"kdbusd/internal/policy"
)

// Kind is the handle's dynamic type, set exactly once.
type Kind int

const (
	Undefined Kind = iota
	ControlKind
	NSOwnerKind
	BusOwnerKind
	EPKind
)

// Handle is a control-surface object. It is created Undefined/Control and
// transitions to NSOwner or BusOwner on its first (and only) MakeBus or
// MakeDomain call, or is created directly as an EP handle by opening an
// endpoint. Undefined is the kind of a zero-value Handle that no constructor
// built; NewControlHandle always starts as ControlKind.
type Handle struct {
	mu   sync.Mutex
	kind Kind
	used bool

	domain *domain.Domain // bound domain for a Control/NSOwner/BusOwner handle
	busObj *bus.Bus       // created by a BusOwner handle
	name   string         // name the bus or sub-domain was created under

	ep   *bus.Bus // the bus an EP handle's endpoint belongs to, for Hello/etc.
	conn *conn.Connection
}

// NewControlHandle opens a control handle bound to d, able to create exactly
// one bus or one sub-domain.
func NewControlHandle(d *domain.Domain) *Handle {
	return &Handle{kind: ControlKind, domain: d}
}

// NewEndpointHandle opens an unconnected connection handle on b. Its kind
// becomes EP immediately; HELLO later attaches the live conn.Connection, on
// the default endpoint (Hello) or on a chosen one (HelloOnEndpoint).
func NewEndpointHandle(b *bus.Bus) *Handle {
	return &Handle{kind: EPKind, ep: b}
}

// Kind reports the handle's current dynamic type.
func (h *Handle) Kind() Kind {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.kind
}

// MakeBus creates one bus from a Control handle. The handle may only be used
// once for this purpose; afterward it is a BusOwner handle that creates no
// further bus or sub-domain but can manage the bus's endpoints, and Close
// destroys the bus.
func (h *Handle) MakeBus(name string, flags uint64, pol *policy.Policy) (*bus.Bus, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.kind != ControlKind {
		return nil, kderr.ErrHandleWrongKind
	}
	if h.used {
		return nil, kderr.ErrHandleUsed
	}
	b, err := h.domain.MakeBus(name, flags, pol)
	if err != nil {
		return nil, err
	}
	h.used = true
	h.kind = BusOwnerKind
	h.busObj = b
	h.name = name
	return b, nil
}

// MakeDomain creates one sub-domain from a Control handle, with the same
// one-shot contract as MakeBus.
func (h *Handle) MakeDomain(name string) (*domain.Domain, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.kind != ControlKind {
		return nil, kderr.ErrHandleWrongKind
	}
	if h.used {
		return nil, kderr.ErrHandleUsed
	}
	child, err := h.domain.MakeDomain(name)
	if err != nil {
		return nil, err
	}
	h.used = true
	h.kind = NSOwnerKind
	h.name = name
	return child, nil
}

// MakeEndpoint creates a custom endpoint on the bus this handle owns. Only
// valid on a BusOwner handle; the one-shot creation contract covers buses
// and sub-domains, not endpoints, so a bus owner may add several.
func (h *Handle) MakeEndpoint(name string, mode endpoint.Mode, overlay *policy.Policy) (*endpoint.Endpoint, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.kind != BusOwnerKind {
		return nil, kderr.ErrHandleWrongKind
	}
	return h.busObj.MakeEndpoint(name, mode, overlay)
}

// SetEndpointPolicy replaces a custom endpoint's overlay on the owned bus.
func (h *Handle) SetEndpointPolicy(endpointID uint64, overlay *policy.Policy) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.kind != BusOwnerKind {
		return kderr.ErrHandleWrongKind
	}
	return h.busObj.SetEndpointPolicy(endpointID, overlay)
}

// Hello performs the HELLO handshake on an EP handle, attaching the
// resulting connection to the handle for subsequent connection operations.
func (h *Handle) Hello(poolSize int, attach conn.AttachMask, creds conn.Credentials) (*conn.Connection, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.kind != EPKind {
		return nil, kderr.ErrHandleWrongKind
	}
	if h.conn != nil {
		return nil, kderr.ErrHelloTwice
	}
	ep := h.ep.DefaultEndpoint()
	c, err := h.ep.Hello(ep.ID, poolSize, attach, creds)
	if err != nil {
		return nil, err
	}
	h.conn = c
	return c, nil
}

// HelloOnEndpoint is like Hello but targets a specific (non-default)
// endpoint id, for clients that opened a custom endpoint path.
func (h *Handle) HelloOnEndpoint(endpointID uint64, poolSize int, attach conn.AttachMask, creds conn.Credentials) (*conn.Connection, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.kind != EPKind {
		return nil, kderr.ErrHandleWrongKind
	}
	if h.conn != nil {
		return nil, kderr.ErrHelloTwice
	}
	c, err := h.ep.Hello(endpointID, poolSize, attach, creds)
	if err != nil {
		return nil, err
	}
	h.conn = c
	return c, nil
}

func (h *Handle) activeConn() (*bus.Bus, *conn.Connection, error) {
	if h.kind != EPKind || h.conn == nil {
		return nil, nil, kderr.ErrNotConnected
	}
	return h.ep, h.conn, nil
}

// Bye implements BYE on the handle's connection.
func (h *Handle) Bye() error {
	h.mu.Lock()
	b, c, err := h.activeConn()
	h.mu.Unlock()
	if err != nil {
		return err
	}
	return b.Bye(c.ID)
}

// Send implements SEND on the handle's connection.
func (h *Handle) Send(req bus.SendRequest) (uint64, error) {
	h.mu.Lock()
	b, c, err := h.activeConn()
	h.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return b.Send(c.ID, req)
}

// Recv implements RECV on the handle's connection.
func (h *Handle) Recv() (conn.MailboxEntry, error) {
	h.mu.Lock()
	b, c, err := h.activeConn()
	h.mu.Unlock()
	if err != nil {
		return conn.MailboxEntry{}, err
	}
	return b.Recv(c.ID)
}

// Free implements FREE on the handle's connection.
func (h *Handle) Free(offset int) error {
	h.mu.Lock()
	b, c, err := h.activeConn()
	h.mu.Unlock()
	if err != nil {
		return err
	}
	return b.Free(c.ID, offset)
}

// AddMatch implements ADD_MATCH on the handle's connection.
func (h *Handle) AddMatch(rule conn.MatchRule) error {
	h.mu.Lock()
	b, c, err := h.activeConn()
	h.mu.Unlock()
	if err != nil {
		return err
	}
	return b.AddMatch(c.ID, rule)
}

// RemoveMatch implements REMOVE_MATCH on the handle's connection.
func (h *Handle) RemoveMatch(cookie uint64) error {
	h.mu.Lock()
	b, c, err := h.activeConn()
	h.mu.Unlock()
	if err != nil {
		return err
	}
	return b.RemoveMatch(c.ID, cookie)
}

// RequestName implements NAME_ACQUIRE on the handle's connection.
func (h *Handle) RequestName(name string, flags names.AcquireFlags) error {
	h.mu.Lock()
	b, c, err := h.activeConn()
	h.mu.Unlock()
	if err != nil {
		return err
	}
	return b.RequestName(c.ID, name, flags)
}

// ReleaseName implements NAME_RELEASE on the handle's connection.
func (h *Handle) ReleaseName(name string) error {
	h.mu.Lock()
	b, c, err := h.activeConn()
	h.mu.Unlock()
	if err != nil {
		return err
	}
	return b.ReleaseName(c.ID, name)
}

// List implements NAME_LIST on the handle's connection.
func (h *Handle) List(filter string) ([]names.NameInfo, error) {
	h.mu.Lock()
	b, _, err := h.activeConn()
	h.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return b.ListNames(filter), nil
}

// Close destroys the object this handle created, if any, and for an EP
// handle, issues a BYE so the connection terminates cleanly. The created
// bus or sub-domain is detached from its owning domain by name, so the
// name becomes available for re-creation.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch h.kind {
	case BusOwnerKind:
		h.domain.RemoveBus(h.name)
	case NSOwnerKind:
		h.domain.RemoveSubdomain(h.name)
	case EPKind:
		if h.conn != nil {
			return h.ep.Bye(h.conn.ID)
		}
	}
	return nil
}
