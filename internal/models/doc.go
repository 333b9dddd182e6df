// Package models defines the domain objects shared by the migration
// engine: Host (lazily-loaded, memoized attribute bag), Hypervisor and VM
// (both refine Host through embedding), the Registry that hands out
// shared instances of them, and small helpers (HypervisorType, Filter,
// size parsing and formatting).
//
// # Attribute lazy loading
//
// Host does not eagerly fetch attributes in its constructor. The first
// call to Get (or Keys) triggers a load through the AttributeReader it was
// built with, and the result is memoized for the Host's lifetime. Reads
// can fail (the reader may be backed by a network call), so the error is
// surfaced to the caller rather than panicking or silently returning a
// zero value.
//
// # Non-owning references
//
// VM.Hypervisor does not hold a strong reference to a Hypervisor object.
// It resolves the xen_host attribute and looks the Hypervisor up through
// a Registry, which hands back a shared, cached instance per hostname,
// rather than forming a durable cycle between the two.
package models
