package models

import (
	"context"
	"fmt"
)

// HypervisorType enumerates the hypervisor backends the engine supports
// behind a single libvirt control plane.
type HypervisorType string

const (
	HypervisorKVM HypervisorType = "kvm"
	HypervisorXen HypervisorType = "xen"
)

func ParseHypervisorType(s string) (HypervisorType, error) {
	switch HypervisorType(s) {
	case HypervisorKVM, HypervisorXen:
		return HypervisorType(s), nil
	default:
		return "", fmt.Errorf("unknown hypervisor_type %q", s)
	}
}

// Hypervisor refines Host with the essential attributes and derived
// queries of a physical machine hosting VMs.
type Hypervisor struct {
	Host
	registry *Registry
}

func (h *Hypervisor) Type(ctx context.Context) (HypervisorType, error) {
	v, err := h.Get(ctx, "hypervisor_type")
	if err != nil {
		return "", err
	}
	s, _ := v.(string)
	return ParseHypervisorType(s)
}

func (h *Hypervisor) InternIP(ctx context.Context) (string, error) {
	v, err := h.Get(ctx, "intern_ip")
	if err != nil {
		return "", err
	}
	s, _ := v.(string)
	return s, nil
}

func (h *Hypervisor) State(ctx context.Context) (string, error) {
	v, err := h.Get(ctx, "state")
	if err != nil {
		return "", err
	}
	s, _ := v.(string)
	return s, nil
}

// VMs returns the VMs this hypervisor currently hosts, per Inventory
// (vms_on(hv) = {v : v.xen_host == hv.hostname}).
func (h *Hypervisor) VMs(ctx context.Context, querier Querier) ([]*VM, error) {
	records, err := querier.Query(ctx, Filter{"servertype": "vm", "xen_host": h.Hostname()})
	if err != nil {
		return nil, err
	}
	vms := make([]*VM, 0, len(records))
	for _, rec := range records {
		hostname, _ := rec["hostname"].(string)
		if hostname == "" {
			continue
		}
		vms = append(vms, h.registry.VM(hostname))
	}
	return vms, nil
}

// Querier is the subset of Inventory used for vms_on-style lookups.
type Querier interface {
	Query(ctx context.Context, filters Filter) ([]map[string]any, error)
}

// Filter is a flat set of equality filters for Inventory.Query.
type Filter map[string]any

// FreeMemoryMiB is the fast-path (Inventory-only) free memory estimate:
// the hypervisor's 'memory' attribute minus the 'memory' of every VM
// Inventory assigns to it. The live figure comes from the hypervisor
// itself (hypervisor.Proxy.FreeVMMemoryMiB), not from this accessor.
func (h *Hypervisor) FreeMemoryMiB(ctx context.Context, querier Querier) (float64, error) {
	memory, err := h.Get(ctx, "memory")
	if err != nil {
		return 0, err
	}
	total, _ := toFloat(memory)

	vms, err := h.VMs(ctx, querier)
	if err != nil {
		return 0, err
	}
	var used float64
	for _, vm := range vms {
		m, err := vm.Get(ctx, "memory")
		if err != nil {
			return 0, err
		}
		f, _ := toFloat(m)
		used += f
	}
	return total - used, nil
}

// reservedRootAndSwapGiB is reserved out of the fast-path disk estimate:
// 10 GiB for root, 16 for swap.
const reservedRootAndSwapGiB = 16.0 + 10.0

// FreeDiskGiB is the fast-path (Inventory-only) free disk estimate.
func (h *Hypervisor) FreeDiskGiB(ctx context.Context, querier Querier) (float64, error) {
	disk, err := h.Get(ctx, "disk_size_gib")
	if err != nil {
		return 0, err
	}
	total, _ := toFloat(disk)

	vms, err := h.VMs(ctx, querier)
	if err != nil {
		return 0, err
	}
	var used float64
	for _, vm := range vms {
		d, err := vm.Get(ctx, "disk_size_gib")
		if err != nil {
			return 0, err
		}
		f, _ := toFloat(d)
		used += f
	}
	return total - used - reservedRootAndSwapGiB, nil
}

// CPUUtilPct95 is the 24h 95th-percentile hypervisor CPU utilisation, as
// recorded in Inventory (there is no live equivalent - it is a
// time-series rollup produced out of band).
func (h *Hypervisor) CPUUtilPct95(ctx context.Context) (float64, error) {
	v, err := h.Get(ctx, "cpu_util_pct")
	if err != nil {
		return 0, err
	}
	f, _ := toFloat(v)
	return f, nil
}

// VMCPUUtilPct95 is the 24h 95th-percentile VM-CPU utilisation.
func (h *Hypervisor) VMCPUUtilPct95(ctx context.Context) (float64, error) {
	v, err := h.Get(ctx, "cpu_util_vm_pct")
	if err != nil {
		return 0, err
	}
	f, _ := toFloat(v)
	return f, nil
}

// LoadAvg24h is the 24h average load average.
func (h *Hypervisor) LoadAvg24h(ctx context.Context) (float64, error) {
	v, err := h.Get(ctx, "load_avg_day")
	if err != nil {
		return 0, err
	}
	f, _ := toFloat(v)
	return f, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
