package models

import (
	"context"
	"sync"
)

// Committer flushes a host's staged attribute writes to the backing
// Inventory. Implemented by internal/inventory.
type Committer interface {
	Commit(ctx context.Context, hostname string, staged map[string]any) error
}

// Commit flushes any staged writes through committer and, on success,
// folds them into the memoized attribute bag.
func (h *Host) Commit(ctx context.Context, committer Committer) error {
	staged := h.stagedCopy()
	if len(staged) == 0 {
		return nil
	}
	if err := committer.Commit(ctx, h.hostname, staged); err != nil {
		return err
	}
	h.clearStaged()
	return nil
}

// Registry hands out shared Hypervisor and VM instances keyed by
// hostname, so that repeated lookups of the same host (e.g. a VM
// resolving its owning hypervisor) observe the same staged writes rather
// than racing against independent copies.
type Registry struct {
	reader    AttributeReader
	committer Committer

	mu          sync.Mutex
	hypervisors map[string]*Hypervisor
	vms         map[string]*VM
}

func NewRegistry(reader AttributeReader, committer Committer) *Registry {
	return &Registry{
		reader:      reader,
		committer:   committer,
		hypervisors: make(map[string]*Hypervisor),
		vms:         make(map[string]*VM),
	}
}

func (r *Registry) Hypervisor(hostname string) *Hypervisor {
	r.mu.Lock()
	defer r.mu.Unlock()
	if hv, ok := r.hypervisors[hostname]; ok {
		return hv
	}
	hv := &Hypervisor{
		Host:     *NewHost(hostname, r.reader),
		registry: r,
	}
	r.hypervisors[hostname] = hv
	return hv
}

func (r *Registry) VM(hostname string) *VM {
	r.mu.Lock()
	defer r.mu.Unlock()
	if vm, ok := r.vms[hostname]; ok {
		return vm
	}
	vm := &VM{
		Host:     *NewHost(hostname, r.reader),
		registry: r,
	}
	r.vms[hostname] = vm
	return vm
}

func (r *Registry) Committer() Committer { return r.committer }
