// Package drbd implements one side of a DRBD replication pair bound to a
// (hypervisor, VM) tuple: metadata-volume creation, the device-mapper
// shim that transparently re-routes a VM's block traffic, DRBD resource
// file generation, take-over, sync wait, and tear-down.
//
// A session is acquired with Endpoint.Start and always torn down by
// its returned Session.Release, whether the surrounding orchestration
// succeeds or fails. Every forward step pushes its inverse onto a LIFO
// stack; on any failure the stack unwinds in exact reverse order. The
// quad the session owns - meta LV, DM shim, resource file, table dump
// file - is either entirely present or entirely absent; there is no
// valid intermediate state for an orchestrator to observe.
package drbd
