// Package errors defines the typed error kinds used across the migration
// engine: InvalidStateError, InconsistentAttributeError, RemoteExecError,
// HypervisorError and the IGVMError umbrella, plus a Warning marker for
// benign no-ops that a CLI may render as a non-fatal message.
package errors

import (
	"errors"
	"fmt"
)

// InvalidStateError signals that a requested transition or operation
// conflicts with the current state of a VM, hypervisor or DRBD resource:
// a VM not defined where expected, a destination name collision, a role
// mismatch, or a concurrent migration of the same VM.
type InvalidStateError struct {
	Reason string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid state: %s", e.Reason)
}

func NewInvalidStateError(format string, args ...any) *InvalidStateError {
	return &InvalidStateError{Reason: fmt.Sprintf(format, args...)}
}

func IsInvalidStateError(err error) bool {
	var target *InvalidStateError
	return errors.As(err, &target)
}

// InconsistentAttributeError signals that a live attribute read from a
// hypervisor or VM does not match the value recorded in Inventory.
type InconsistentAttributeError struct {
	Attribute      string
	Expected, Live any
}

func (e *InconsistentAttributeError) Error() string {
	return fmt.Sprintf(
		"inconsistent attribute %q: inventory has %v, hypervisor reports %v",
		e.Attribute, e.Expected, e.Live,
	)
}

func NewInconsistentAttributeError(attribute string, expected, live any) *InconsistentAttributeError {
	return &InconsistentAttributeError{Attribute: attribute, Expected: expected, Live: live}
}

func IsInconsistentAttributeError(err error) bool {
	var target *InconsistentAttributeError
	return errors.As(err, &target)
}

// RemoteExecError wraps a transport or non-zero-exit failure from a
// RemoteExec channel.
type RemoteExecError struct {
	Host    string
	Cmd     string
	Err     error
	Stderr  string
	WarnOnly bool
}

func (e *RemoteExecError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("remote exec on %s failed: %s: %v (%s)", e.Host, e.Cmd, e.Err, e.Stderr)
	}
	return fmt.Sprintf("remote exec on %s failed: %s: %v", e.Host, e.Cmd, e.Err)
}

func (e *RemoteExecError) Unwrap() error { return e.Err }

func NewRemoteExecError(host, cmd string, err error, stderr string) *RemoteExecError {
	return &RemoteExecError{Host: host, Cmd: cmd, Err: err, Stderr: stderr}
}

func IsRemoteExecError(err error) bool {
	var target *RemoteExecError
	return errors.As(err, &target)
}

// HypervisorError wraps a libvirt/xen-level operation refusal.
type HypervisorError struct {
	Host string
	Op   string
	Err  error
}

func (e *HypervisorError) Error() string {
	return fmt.Sprintf("hypervisor %s: %s: %v", e.Host, e.Op, e.Err)
}

func (e *HypervisorError) Unwrap() error { return e.Err }

func NewHypervisorError(host, op string, err error) *HypervisorError {
	return &HypervisorError{Host: host, Op: op, Err: err}
}

func IsHypervisorError(err error) bool {
	var target *HypervisorError
	return errors.As(err, &target)
}

// IGVMError is the umbrella kind for unclassified orchestration failures:
// rejected option combinations, pre-flight gate failures that don't fit a
// more specific kind, and best-effort cleanup failures during rollback.
type IGVMError struct {
	Reason string
	Err    error
}

func (e *IGVMError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *IGVMError) Unwrap() error { return e.Err }

func NewIGVMError(reason string, err error) *IGVMError {
	return &IGVMError{Reason: reason, Err: err}
}

func IsIGVMError(err error) bool {
	var target *IGVMError
	return errors.As(err, &target)
}

// Warning marks a benign no-op (same-size resize, already-running start)
// that a CLI may render as exit 0 with a message instead of a failure.
type Warning struct {
	Message string
}

func (w *Warning) Error() string  { return w.Message }
func (w *Warning) Warning() bool  { return true }

func NewWarning(format string, args ...any) *Warning {
	return &Warning{Message: fmt.Sprintf(format, args...)}
}

// IsWarning reports whether err (or anything it wraps) is a Warning.
func IsWarning(err error) bool {
	var target *Warning
	return errors.As(err, &target)
}
