// Package subsystem packages the process-wide global state (the root
// domain and everything under it) as a single object with a startup and
// shutdown primitive, so tests can instantiate a fresh instance instead of
// sharing mutable package-level state across test cases.
package subsystem

import (
	"log/slog"

	"kdbusd/internal/control"
	"kdbusd/internal/domain"
)

// Subsystem is the whole running bus system: one root domain and whatever
// buses/sub-domains/connections hang off it.
type Subsystem struct {
	Root *domain.Domain
	log  *slog.Logger
}

// New starts a fresh Subsystem with an empty root domain.
func New(log *slog.Logger) *Subsystem {
	if log == nil {
		log = slog.Default()
	}
	return &Subsystem{
		Root: domain.NewRoot(log),
		log:  log,
	}
}

// OpenControl opens a control handle bound to the root domain.
func (s *Subsystem) OpenControl() *control.Handle {
	return control.NewControlHandle(s.Root)
}

// Shutdown cascades a disconnect through every bus and sub-domain the root
// domain owns.
func (s *Subsystem) Shutdown() {
	s.Root.Disconnect()
}
