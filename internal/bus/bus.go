// Package bus implements the bus object and, in router.go, the message
// router. A Bus owns its endpoints and connection table directly; every
// multi-connection operation is a method here keyed by connection id rather
// than a method on Connection reaching back into its bus.
package bus

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"kdbusd/internal/conn"
	"kdbusd/internal/endpoint"
	"kdbusd/internal/kderr"
	"kdbusd/internal/names"
	"kdbusd/internal/policy"
)

// DefaultEndpointName is the name every bus's built-in endpoint carries.
const DefaultEndpointName = "bus"

// Bus is a named exchange inside one domain.
type Bus struct {
	ID       uint64
	Name     string
	DomainID uint64
	Flags    uint64

	maskSize int
	log      *slog.Logger
	hooks    Hooks

	endpointSeq atomic.Uint64
	connSeq     atomic.Uint64
	msgSeq      atomic.Uint64

	mu           sync.RWMutex
	endpoints    map[uint64]*endpoint.Endpoint
	defaultEP    *endpoint.Endpoint
	connections  map[uint64]*conn.Connection
	disconnected bool

	Names  *names.Registry
	Policy *policy.Policy

	replyMu sync.Mutex
	pending map[uint64]pendingReply
}

type pendingReply struct {
	senderConnID uint64
	dstConnID    uint64
}

// Hooks are optional observer callbacks fired from the routing and naming
// paths. Any field may be nil. Callbacks run synchronously on the calling
// goroutine and must not block.
type Hooks struct {
	OnPolicyDenied func(verb policy.Verb, object string, uid, gid uint32)
	OnNameEvent    func(ev names.Event)
	OnRouted       func(kind string)
	OnFanout       func(recipients int)
}

// SetHooks installs the observer callbacks. Call before the bus starts
// accepting connections; the hooks field is not re-read under a lock.
func (b *Bus) SetHooks(h *Hooks) {
	if h != nil {
		b.hooks = *h
	}
}

func (b *Bus) denied(verb policy.Verb, object string, uid, gid uint32) {
	if b.hooks.OnPolicyDenied != nil {
		b.hooks.OnPolicyDenied(verb, object, uid, gid)
	}
}

// New creates a Bus with its default endpoint already installed. Connection
// ids begin at 1 and increase strictly for the bus's lifetime.
func New(id, domainID uint64, name string, flags uint64, maskSize int, pol *policy.Policy, log *slog.Logger) *Bus {
	if pol == nil {
		pol = &policy.Policy{}
	}
	if log == nil {
		log = slog.Default()
	}
	b := &Bus{
		ID:          id,
		Name:        name,
		DomainID:    domainID,
		Flags:       flags,
		maskSize:    maskSize,
		log:         log,
		endpoints:   make(map[uint64]*endpoint.Endpoint),
		connections: make(map[uint64]*conn.Connection),
		Names:       names.New(),
		Policy:      pol,
		pending:     make(map[uint64]pendingReply),
	}
	epID := b.endpointSeq.Add(1)
	b.defaultEP = endpoint.New(epID, id, DefaultEndpointName, endpoint.Mode{Bits: 0666}, nil, true)
	b.endpoints[epID] = b.defaultEP
	return b
}

func (b *Bus) nextConnID() uint64 { return b.connSeq.Add(1) }
func (b *Bus) nextMsgID() uint64  { return b.msgSeq.Add(1) }

// DefaultEndpoint returns the bus's always-present "bus" endpoint.
func (b *Bus) DefaultEndpoint() *endpoint.Endpoint {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.defaultEP
}

// Endpoint looks up an endpoint by id.
func (b *Bus) Endpoint(id uint64) (*endpoint.Endpoint, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ep, ok := b.endpoints[id]
	return ep, ok
}

// EndpointByName looks up an endpoint by its name ("bus" for the default).
func (b *Bus) EndpointByName(name string) (*endpoint.Endpoint, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ep := range b.endpoints {
		if ep.Name == name {
			return ep, true
		}
	}
	return nil, false
}

// MakeEndpoint creates a custom endpoint with a tighter policy overlay.
func (b *Bus) MakeEndpoint(name string, mode endpoint.Mode, overlay *policy.Policy) (*endpoint.Endpoint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disconnected {
		return nil, kderr.ErrDisconnected
	}
	id := b.endpointSeq.Add(1)
	ep := endpoint.New(id, b.ID, name, mode, overlay, false)
	b.endpoints[id] = ep
	b.log.Info("endpoint created", "bus", b.Name, "endpoint", name, "id", id)
	return ep, nil
}

func (b *Bus) effectivePolicy(ep *endpoint.Endpoint) policy.Combined {
	return policy.Effective(b.Policy, ep.Overlay())
}

// SetEndpointPolicy replaces the overlay of one endpoint.
func (b *Bus) SetEndpointPolicy(endpointID uint64, overlay *policy.Policy) error {
	ep, ok := b.Endpoint(endpointID)
	if !ok {
		return kderr.ErrNoDest
	}
	ep.SetOverlay(overlay)
	b.log.Info("endpoint policy updated", "bus", b.Name, "endpoint", ep.Name)
	return nil
}

// Hello admits a new connection through endpointID.
func (b *Bus) Hello(endpointID uint64, poolSize int, attach conn.AttachMask, creds conn.Credentials) (*conn.Connection, error) {
	b.mu.Lock()
	if b.disconnected {
		b.mu.Unlock()
		return nil, kderr.ErrDisconnected
	}
	ep, ok := b.endpoints[endpointID]
	if !ok {
		b.mu.Unlock()
		return nil, kderr.ErrNoDest
	}
	connID := b.nextConnID()
	b.mu.Unlock()

	if err := ep.Open(connID, creds.UID, creds.GID); err != nil {
		return nil, err
	}

	c := conn.New(connID, endpointID, poolSize, b.maskSize, creds, attach)
	b.mu.Lock()
	b.connections[connID] = c
	b.mu.Unlock()
	b.log.Info("connection accepted", "bus", b.Name, "endpoint", ep.Name, "conn", connID)
	return c, nil
}

// Connection looks up a live connection by id.
func (b *Bus) Connection(id uint64) (*conn.Connection, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.connections[id]
	return c, ok
}

// Bye terminates one connection: releases its names,
// forgets it at its endpoint, and notifies any observers watching it via a
// sender-scoped match rule.
func (b *Bus) Bye(connID uint64) error {
	return b.disconnectConnection(connID)
}

func (b *Bus) disconnectConnection(connID uint64) error {
	b.mu.Lock()
	c, ok := b.connections[connID]
	if !ok {
		b.mu.Unlock()
		return kderr.ErrNotConnected
	}
	delete(b.connections, connID)
	ep := b.endpoints[c.EndpointID]
	b.mu.Unlock()

	if ep != nil {
		ep.Forget(connID)
	}
	c.Terminate()

	events := b.Names.ReleaseAll(connID)
	b.deliverNameEvents(events)
	b.notifyPeerGone(connID)
	b.log.Info("connection disconnected", "bus", b.Name, "conn", connID)
	return nil
}

func (b *Bus) deliverNameEvents(events []names.Event) {
	for _, ev := range events {
		if b.hooks.OnNameEvent != nil {
			b.hooks.OnNameEvent(ev)
		}
		c, ok := b.Connection(ev.ConnID)
		if !ok {
			continue
		}
		tag := "name-acquired"
		if ev.Kind == names.EventNameLost {
			tag = "name-lost"
		}
		c.EnqueueSynthetic(conn.MailboxEntry{
			Kind:        conn.KindSynthetic,
			SyntheticOf: tag,
			Name:        ev.Name,
			MsgID:       b.nextMsgID(),
		})
	}
}

func (b *Bus) notifyPeerGone(departed uint64) {
	b.mu.RLock()
	var watchers []*conn.Connection
	for _, c := range b.connections {
		if c.WatchesSender(departed) {
			watchers = append(watchers, c)
		}
	}
	b.mu.RUnlock()

	for _, w := range watchers {
		w.EnqueueSynthetic(conn.MailboxEntry{
			Kind:        conn.KindSynthetic,
			SyntheticOf: "peer-gone",
			PeerID:      departed,
			MsgID:       b.nextMsgID(),
		})
	}
}

// RequestName implements REQUEST_NAME, gated by an OWN policy check.
func (b *Bus) RequestName(connID uint64, name string, flags names.AcquireFlags) error {
	c, ep, err := b.connAndEndpoint(connID)
	if err != nil {
		return err
	}
	pol := b.effectivePolicy(ep)
	if !pol.Decide(c.Credentials.UID, c.Credentials.GID, policy.Own, name) {
		b.denied(policy.Own, name, c.Credentials.UID, c.Credentials.GID)
		return kderr.ErrPolicyDenied
	}
	events, err := b.Names.Acquire(name, connID, flags)
	if err != nil {
		return err
	}
	b.deliverNameEvents(events)
	return nil
}

// ReleaseName implements RELEASE_NAME.
func (b *Bus) ReleaseName(connID uint64, name string) error {
	events, err := b.Names.Release(name, connID)
	if err != nil {
		return err
	}
	b.deliverNameEvents(events)
	return nil
}

// ListNames implements NAME_LIST.
func (b *Bus) ListNames(filter string) []names.NameInfo {
	return b.Names.List(filter)
}

// AddMatch implements ADD_MATCH.
func (b *Bus) AddMatch(connID uint64, rule conn.MatchRule) error {
	c, ok := b.Connection(connID)
	if !ok {
		return kderr.ErrNotConnected
	}
	return c.AddMatch(rule)
}

// RemoveMatch implements REMOVE_MATCH.
func (b *Bus) RemoveMatch(connID uint64, cookie uint64) error {
	c, ok := b.Connection(connID)
	if !ok {
		return kderr.ErrNotConnected
	}
	return c.RemoveMatch(cookie)
}

// Recv implements RECV, blocking until a message or cancellation arrives.
func (b *Bus) Recv(connID uint64) (conn.MailboxEntry, error) {
	c, ok := b.Connection(connID)
	if !ok {
		return conn.MailboxEntry{}, kderr.ErrNotConnected
	}
	return c.Recv()
}

// Free implements FREE, releasing a pool reservation after consumption.
func (b *Bus) Free(connID uint64, offset int) error {
	c, ok := b.Connection(connID)
	if !ok {
		return kderr.ErrNotConnected
	}
	return c.Pool.Free(offset)
}

func (b *Bus) connAndEndpoint(connID uint64) (*conn.Connection, *endpoint.Endpoint, error) {
	b.mu.RLock()
	c, ok := b.connections[connID]
	var ep *endpoint.Endpoint
	if ok {
		ep = b.endpoints[c.EndpointID]
	}
	b.mu.RUnlock()
	if !ok || ep == nil {
		return nil, nil, kderr.ErrNotConnected
	}
	return c, ep, nil
}

// ConnectionCount returns the number of currently live connections.
func (b *Bus) ConnectionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.connections)
}

// NamesOwnedCount returns the number of currently owned well-known names.
func (b *Bus) NamesOwnedCount() int {
	return len(b.Names.List(""))
}

// PoolBytesInUse returns the total bytes currently reserved across every
// live connection's receive pool.
func (b *Bus) PoolBytesInUse() int {
	b.mu.RLock()
	conns := make([]*conn.Connection, 0, len(b.connections))
	for _, c := range b.connections {
		conns = append(conns, c)
	}
	b.mu.RUnlock()

	total := 0
	for _, c := range conns {
		total += c.Pool.Used()
	}
	return total
}

// Disconnect tears the whole bus down: every endpoint, then every
// connection, is terminated, and the resulting connection ids are returned
// so the owning domain can account for them. Idempotent.
func (b *Bus) Disconnect() []uint64 {
	b.mu.Lock()
	if b.disconnected {
		b.mu.Unlock()
		return nil
	}
	b.disconnected = true
	eps := make([]*endpoint.Endpoint, 0, len(b.endpoints))
	for _, ep := range b.endpoints {
		eps = append(eps, ep)
	}
	b.mu.Unlock()

	seen := make(map[uint64]struct{})
	var all []uint64
	for _, ep := range eps {
		for _, id := range ep.Disconnect() {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			all = append(all, id)
		}
	}

	b.mu.Lock()
	for _, id := range all {
		if c, ok := b.connections[id]; ok {
			c.Terminate()
			delete(b.connections, id)
		}
	}
	b.mu.Unlock()

	b.log.Info("bus disconnected", "bus", b.Name, "connections", len(all))
	return all
}
