package models

import (
	"context"
	"sync"
)

// AttributeReader loads the attribute bag for a host from the backing
// Inventory. Implemented by internal/inventory.
type AttributeReader interface {
	ReadAttributes(ctx context.Context, hostname string) (map[string]any, error)
}

// Host is identified uniquely by hostname; equality and hashing in Go
// terms means a Registry keys its cache by this string alone. Attribute
// reads are lazy and memoized; writes are staged until Commit.
type Host struct {
	hostname string
	reader   AttributeReader

	mu     sync.Mutex
	loaded bool
	attrs  map[string]any
	staged map[string]any
}

// NewHost creates a Host bound to reader for attribute loading.
func NewHost(hostname string, reader AttributeReader) *Host {
	return &Host{hostname: hostname, reader: reader}
}

func (h *Host) Hostname() string { return h.hostname }

func (h *Host) String() string { return h.hostname }

// Equal compares hosts by hostname only.
func (h *Host) Equal(other *Host) bool {
	if other == nil {
		return false
	}
	return h.hostname == other.hostname
}

func (h *Host) ensureLoaded(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.loaded {
		return nil
	}
	attrs, err := h.reader.ReadAttributes(ctx, h.hostname)
	if err != nil {
		return err
	}
	h.attrs = attrs
	h.loaded = true
	return nil
}

// Get returns the attribute named key, applying any staged (uncommitted)
// write over the loaded value, loading the bag on first access.
func (h *Host) Get(ctx context.Context, key string) (any, error) {
	if err := h.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if v, ok := h.staged[key]; ok {
		return v, nil
	}
	return h.attrs[key], nil
}

// GetDefault returns Get's value, or def if the key is absent.
func (h *Host) GetDefault(ctx context.Context, key string, def any) any {
	v, err := h.Get(ctx, key)
	if err != nil || v == nil {
		return def
	}
	return v
}

// Set stages an attribute write; it is not visible to the backing
// Inventory until Commit.
func (h *Host) Set(ctx context.Context, key string, value any) error {
	if err := h.ensureLoaded(ctx); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.staged == nil {
		h.staged = make(map[string]any)
	}
	h.staged[key] = value
	return nil
}

// IsDirty reports whether any attribute has an uncommitted staged write.
func (h *Host) IsDirty() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.staged) > 0
}

// Keys returns the set of known attribute names, loading the bag first.
func (h *Host) Keys(ctx context.Context) ([]string, error) {
	if err := h.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	keys := make([]string, 0, len(h.attrs))
	for k := range h.attrs {
		keys = append(keys, k)
	}
	return keys, nil
}

// stagedCopy returns a shallow copy of the currently staged writes, for
// handing to Inventory.Commit.
func (h *Host) stagedCopy() map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]any, len(h.staged))
	for k, v := range h.staged {
		out[k] = v
	}
	return out
}

// clearStaged folds staged writes into the loaded bag and clears the
// staging area. Called after a successful Commit.
func (h *Host) clearStaged() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.attrs == nil {
		h.attrs = make(map[string]any, len(h.staged))
	}
	for k, v := range h.staged {
		h.attrs[k] = v
	}
	h.staged = nil
}
