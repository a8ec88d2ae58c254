// Package names implements the per-bus well-known name registry: name
// string to owning connection, with a replace/queue protocol and
// `a.b.*` wildcard lookups.
package names

import (
	"strings"
	"sync"

	"kdbusd/internal/kderr"
)

// AcquireFlags mirror the NAME_ACQUIRE request flags.
type AcquireFlags struct {
	ReplaceExisting  bool
	AllowReplacement bool
	Queue            bool
}

type waiter struct {
	connID uint64
	flags  AcquireFlags
}

type entry struct {
	owner uint64
	flags AcquireFlags // flags the current owner acquired with
	queue []waiter
}

// EventKind distinguishes the synthetic notifications emitted on ownership
// transitions, delivered as kernel-sourced mailbox messages by the caller.
type EventKind int

const (
	// EventNameAcquired is sent to a connection that just became owner.
	EventNameAcquired EventKind = iota
	// EventNameLost is sent to a connection that was displaced or released.
	EventNameLost
)

// Event is a synthetic notification the caller (bus/router) must deliver.
type Event struct {
	Kind   EventKind
	Name   string
	ConnID uint64
}

// Registry is a per-bus name table. The zero value is not usable; use New.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

func isWildcard(name string) bool {
	return strings.HasSuffix(name, ".*")
}

// matchesWildcard reports whether pattern (ending ".*") matches name after
// stripping name's final label.
func matchesWildcard(pattern, name string) bool {
	prefix := strings.TrimSuffix(pattern, "*")
	idx := strings.LastIndexByte(name, '.')
	if idx < 0 {
		return false
	}
	return name[:idx+1] == prefix
}

// Acquire attempts to take ownership of name for connID under flags. It
// returns the synthetic events that must be delivered to affected
// connections (a NameLost to a booted owner, a NameAcquired to the new one).
func (r *Registry) Acquire(name string, connID uint64, flags AcquireFlags) ([]Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.entries[name]
	if !exists {
		r.entries[name] = &entry{owner: connID, flags: flags}
		return []Event{{Kind: EventNameAcquired, Name: name, ConnID: connID}}, nil
	}

	if e.owner == connID {
		e.flags = flags
		return nil, nil
	}

	if flags.ReplaceExisting && e.flags.AllowReplacement {
		oldOwner := e.owner
		e.queue = append(e.queue, waiter{connID: oldOwner, flags: e.flags})
		e.owner = connID
		e.flags = flags
		return []Event{
			{Kind: EventNameLost, Name: name, ConnID: oldOwner},
			{Kind: EventNameAcquired, Name: name, ConnID: connID},
		}, nil
	}

	if flags.Queue {
		e.queue = append(e.queue, waiter{connID: connID, flags: flags})
		return nil, nil
	}

	return nil, kderr.ErrNameTaken
}

// Release gives up ownership (or removes connID from the pending queue).
// If connID was owner and a queue exists, the head is promoted.
func (r *Registry) Release(name string, connID uint64) ([]Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.entries[name]
	if !exists {
		return nil, kderr.ErrNameNotFound
	}

	if e.owner != connID {
		for i, w := range e.queue {
			if w.connID == connID {
				e.queue = append(e.queue[:i], e.queue[i+1:]...)
				return nil, nil
			}
		}
		return nil, kderr.ErrNameNotFound
	}

	events := []Event{{Kind: EventNameLost, Name: name, ConnID: connID}}
	if len(e.queue) == 0 {
		delete(r.entries, name)
		return events, nil
	}
	next := e.queue[0]
	e.queue = e.queue[1:]
	e.owner = next.connID
	e.flags = next.flags
	events = append(events, Event{Kind: EventNameAcquired, Name: name, ConnID: next.connID})
	return events, nil
}

// ReleaseAll releases every name owned by, or queued for, connID, used on
// disconnect. Event order follows map iteration and is not deterministic;
// callers that need determinism should sort the result.
func (r *Registry) ReleaseAll(connID uint64) []Event {
	r.mu.Lock()
	names := make([]string, 0)
	for name, e := range r.entries {
		if e.owner == connID {
			names = append(names, name)
			continue
		}
		for _, w := range e.queue {
			if w.connID == connID {
				names = append(names, name)
				break
			}
		}
	}
	r.mu.Unlock()

	var events []Event
	for _, name := range names {
		evs, err := r.Release(name, connID)
		if err == nil {
			events = append(events, evs...)
		}
	}
	return events
}

// Lookup resolves name to its current owner's connection id, honoring
// wildcard patterns stored in the registry (`a.b.*` matches lookups of
// `a.b.c`). Exact matches take priority over wildcard matches.
func (r *Registry) Lookup(name string) (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[name]; ok {
		return e.owner, true
	}
	for pattern, e := range r.entries {
		if isWildcard(pattern) && matchesWildcard(pattern, name) {
			return e.owner, true
		}
	}
	return 0, false
}

// NameInfo describes one registry entry for LIST.
type NameInfo struct {
	Name   string
	Owner  uint64
	Queued []uint64
}

// List returns every name matching the given prefix filter ("" = all).
func (r *Registry) List(filter string) []NameInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []NameInfo
	for name, e := range r.entries {
		if filter != "" && !strings.HasPrefix(name, filter) {
			continue
		}
		queued := make([]uint64, len(e.queue))
		for i, w := range e.queue {
			queued[i] = w.connID
		}
		out = append(out, NameInfo{Name: name, Owner: e.owner, Queued: queued})
	}
	return out
}

// OwnedBy returns every name currently owned by connID.
func (r *Registry) OwnedBy(connID uint64) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []string
	for name, e := range r.entries {
		if e.owner == connID {
			out = append(out, name)
		}
	}
	return out
}
