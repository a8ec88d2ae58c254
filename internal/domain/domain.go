// Package domain implements the namespace of buses and sub-domains: the
// top of the object graph, whose disconnect
// cascades down through every bus, endpoint, and connection it contains.
package domain

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"kdbusd/internal/bus"
	"kdbusd/internal/kderr"
	"kdbusd/internal/policy"
)

// DefaultMaskSize is the bloom mask byte size new buses get unless a caller
// overrides it. Bloom bit arrays stay a multiple of 8 bytes on the wire.
const DefaultMaskSize = 64

// Domain is a named container of buses plus sub-domains.
type Domain struct {
	ID     uint64
	Name   string
	Parent *Domain // nil for the root

	log   *slog.Logger
	hooks *bus.Hooks

	busSeq    atomic.Uint64
	domainSeq atomic.Uint64

	mu           sync.RWMutex
	buses        map[string]*bus.Bus
	subdomains   map[string]*Domain
	disconnected bool
}

// NewRoot creates the one root domain that exists from system start and is
// never destroyed by an ordinary handle close.
func NewRoot(log *slog.Logger) *Domain {
	if log == nil {
		log = slog.Default()
	}
	return &Domain{
		Name:       "root",
		log:        log,
		buses:      make(map[string]*bus.Bus),
		subdomains: make(map[string]*Domain),
	}
}

// SetHooks installs observer callbacks on every bus subsequently created in
// this domain and in sub-domains created after this call. Buses and
// sub-domains that already exist keep the hooks they had.
func (d *Domain) SetHooks(h *bus.Hooks) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hooks = h
}

// MakeBus creates a named bus within this domain.
func (d *Domain) MakeBus(name string, flags uint64, pol *policy.Policy) (*bus.Bus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.disconnected {
		return nil, kderr.ErrDisconnected
	}
	if _, exists := d.buses[name]; exists {
		return nil, kderr.WithMsg(kderr.ErrNameTaken, "bus name already exists in this domain")
	}
	id := d.busSeq.Add(1)
	b := bus.New(id, d.ID, name, flags, DefaultMaskSize, pol, d.log)
	b.SetHooks(d.hooks)
	d.buses[name] = b
	d.log.Info("bus created", "domain", d.Name, "bus", name, "id", id)
	return b, nil
}

// MakeDomain creates a named sub-domain.
func (d *Domain) MakeDomain(name string) (*Domain, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.disconnected {
		return nil, kderr.ErrDisconnected
	}
	if _, exists := d.subdomains[name]; exists {
		return nil, kderr.WithMsg(kderr.ErrNameTaken, "sub-domain name already exists")
	}
	id := d.domainSeq.Add(1)
	child := &Domain{
		ID:         id,
		Name:       name,
		Parent:     d,
		log:        d.log,
		hooks:      d.hooks,
		buses:      make(map[string]*bus.Bus),
		subdomains: make(map[string]*Domain),
	}
	d.subdomains[name] = child
	d.log.Info("sub-domain created", "domain", d.Name, "child", name, "id", id)
	return child, nil
}

// Buses returns the names of every direct child bus.
func (d *Domain) Buses() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.buses))
	for name := range d.buses {
		out = append(out, name)
	}
	return out
}

// Subdomains returns the names of every direct child sub-domain.
func (d *Domain) Subdomains() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.subdomains))
	for name := range d.subdomains {
		out = append(out, name)
	}
	return out
}

// Bus looks up a direct child bus by name.
func (d *Domain) Bus(name string) (*bus.Bus, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	b, ok := d.buses[name]
	return b, ok
}

// Subdomain looks up a direct child sub-domain by name.
func (d *Domain) Subdomain(name string) (*Domain, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	child, ok := d.subdomains[name]
	return child, ok
}

// Disconnect tears down this domain and cascades to every bus and
// sub-domain it owns: closing a control handle destroys exactly the object
// created with it and all descendants.
func (d *Domain) Disconnect() {
	d.mu.Lock()
	if d.disconnected {
		d.mu.Unlock()
		return
	}
	d.disconnected = true
	buses := make([]*bus.Bus, 0, len(d.buses))
	for _, b := range d.buses {
		buses = append(buses, b)
	}
	children := make([]*Domain, 0, len(d.subdomains))
	for _, c := range d.subdomains {
		children = append(children, c)
	}
	d.buses = make(map[string]*bus.Bus)
	d.subdomains = make(map[string]*Domain)
	d.mu.Unlock()

	for _, b := range buses {
		b.Disconnect()
	}
	for _, c := range children {
		c.Disconnect()
	}
	d.log.Info("domain disconnected", "domain", d.Name)
}

// ConnectionCount returns the live connection count across this domain's own
// buses and every descendant sub-domain, satisfying metrics.StatsSource.
func (d *Domain) ConnectionCount() int {
	d.mu.RLock()
	buses := make([]*bus.Bus, 0, len(d.buses))
	for _, b := range d.buses {
		buses = append(buses, b)
	}
	children := make([]*Domain, 0, len(d.subdomains))
	for _, c := range d.subdomains {
		children = append(children, c)
	}
	d.mu.RUnlock()

	total := 0
	for _, b := range buses {
		total += b.ConnectionCount()
	}
	for _, c := range children {
		total += c.ConnectionCount()
	}
	return total
}

// NamesOwnedCount returns the owned-name count across this domain's own
// buses and every descendant sub-domain, satisfying metrics.StatsSource.
func (d *Domain) NamesOwnedCount() int {
	d.mu.RLock()
	buses := make([]*bus.Bus, 0, len(d.buses))
	for _, b := range d.buses {
		buses = append(buses, b)
	}
	children := make([]*Domain, 0, len(d.subdomains))
	for _, c := range d.subdomains {
		children = append(children, c)
	}
	d.mu.RUnlock()

	total := 0
	for _, b := range buses {
		total += b.NamesOwnedCount()
	}
	for _, c := range children {
		total += c.NamesOwnedCount()
	}
	return total
}

// PoolBytesInUse returns the reserved pool bytes across this domain's own
// buses and every descendant sub-domain, satisfying metrics.StatsSource.
func (d *Domain) PoolBytesInUse() int {
	d.mu.RLock()
	buses := make([]*bus.Bus, 0, len(d.buses))
	for _, b := range d.buses {
		buses = append(buses, b)
	}
	children := make([]*Domain, 0, len(d.subdomains))
	for _, c := range d.subdomains {
		children = append(children, c)
	}
	d.mu.RUnlock()

	total := 0
	for _, b := range buses {
		total += b.PoolBytesInUse()
	}
	for _, c := range children {
		total += c.PoolBytesInUse()
	}
	return total
}

// RemoveBus detaches a bus by name and disconnects it (used when a
// creator's handle closes so only that one bus goes).
func (d *Domain) RemoveBus(name string) {
	d.mu.Lock()
	b, ok := d.buses[name]
	if ok {
		delete(d.buses, name)
	}
	d.mu.Unlock()
	if ok {
		b.Disconnect()
	}
}

// RemoveSubdomain detaches and disconnects a sub-domain by name.
func (d *Domain) RemoveSubdomain(name string) {
	d.mu.Lock()
	child, ok := d.subdomains[name]
	if ok {
		delete(d.subdomains, name)
	}
	d.mu.Unlock()
	if ok {
		child.Disconnect()
	}
}
