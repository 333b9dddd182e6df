package models

import (
	"context"

	"github.com/google/uuid"
)

// VM refines Host with the essential attributes of a virtual machine and
// the uid_name used to avoid resource-naming collisions on a migration
// destination.
type VM struct {
	Host
	registry *Registry
}

// Hypervisor resolves the owning hypervisor through the shared registry,
// without holding a durable reference to it - it looks up the xen_host
// attribute fresh each time rather than forming a durable cycle.
func (v *VM) Hypervisor(ctx context.Context) (*Hypervisor, error) {
	val, err := v.Get(ctx, "xen_host")
	if err != nil {
		return nil, err
	}
	hostname, _ := val.(string)
	return v.registry.Hypervisor(hostname), nil
}

func (v *VM) InternIP(ctx context.Context) (string, error) {
	val, err := v.Get(ctx, "intern_ip")
	if err != nil {
		return "", err
	}
	s, _ := val.(string)
	return s, nil
}

func (v *VM) MemoryMiB(ctx context.Context) (int64, error) {
	val, err := v.Get(ctx, "memory")
	if err != nil {
		return 0, err
	}
	return toInt64(val), nil
}

func (v *VM) NumCPU(ctx context.Context) (int, error) {
	val, err := v.Get(ctx, "num_cpu")
	if err != nil {
		return 0, err
	}
	return int(toInt64(val)), nil
}

func (v *VM) DiskSizeGiB(ctx context.Context) (int64, error) {
	val, err := v.Get(ctx, "disk_size_gib")
	if err != nil {
		return 0, err
	}
	return toInt64(val), nil
}

func (v *VM) State(ctx context.Context) (string, error) {
	val, err := v.Get(ctx, "state")
	if err != nil {
		return "", err
	}
	s, _ := val.(string)
	return s, nil
}

func (v *VM) OS(ctx context.Context) (string, error) {
	val, err := v.Get(ctx, "os")
	if err != nil {
		return "", err
	}
	s, _ := val.(string)
	return s, nil
}

// FQDN is an alias for Hostname: the resource file format and DRBD
// naming both key off the VM's fully-qualified hostname.
func (v *VM) FQDN() string { return v.Hostname() }

// UIDName returns the VM's unique, lv_name-distinct identifier used to
// name the destination-side DM shim during migration. If Inventory
// doesn't carry one yet (a freshly-created record, or a test fixture), a
// new one is generated and staged for the next Commit.
func (v *VM) UIDName(ctx context.Context) (string, error) {
	val, err := v.Get(ctx, "uid_name")
	if err != nil {
		return "", err
	}
	if s, ok := val.(string); ok && s != "" {
		return s, nil
	}
	generated := "vm-" + uuid.NewString()
	if err := v.Set(ctx, "uid_name", generated); err != nil {
		return "", err
	}
	return generated, nil
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
