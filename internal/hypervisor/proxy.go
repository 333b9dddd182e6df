package hypervisor

import (
	"context"
	"fmt"

	"github.com/kubev2v/igvm/internal/models"
	"github.com/kubev2v/igvm/internal/remoteexec"
)

// Volume identifies the LVM-backed block device exposing a VM's disk.
type Volume struct {
	VGName string
	LVName string
}

// Path is the absolute block device path, /dev/{vg}/{lv}.
func (v Volume) Path() string {
	return fmt.Sprintf("/dev/%s/%s", v.VGName, v.LVName)
}

// Proxy is the HypervisorProxy contract. Run/Put/ReadFile are exposed
// directly since Endpoint needs the raw shell surface, not just the
// higher-level VM operations.
type Proxy interface {
	Hostname() string

	VMDefined(ctx context.Context, vm *models.VM) (bool, error)
	VMRunning(ctx context.Context, vm *models.VM) (bool, error)

	GetVolumeByVM(ctx context.Context, vm *models.VM) (Volume, error)
	GetBlockSize(ctx context.Context, path string) (int, error)

	FreeVMMemoryMiB(ctx context.Context) (int64, error)
	FreeDiskGiB(ctx context.Context) (int64, error)

	DomainXML(ctx context.Context, vm *models.VM) (string, error)
	DefineVM(ctx context.Context, xmlDesc string) error
	UndefineVM(ctx context.Context, vm *models.VM) error

	StartVM(ctx context.Context, vm *models.VM) error
	StopVM(ctx context.Context, vm *models.VM) error
	StopVMForce(ctx context.Context, vm *models.VM) error
	SuspendVM(ctx context.Context, vm *models.VM) error
	ResumeVM(ctx context.Context, vm *models.VM) error

	// Migrate drives the libvirt live-migration hand-off of vm's memory
	// and runtime state from this proxy's host to dest's host. The
	// underlying disk is expected to already be a DRBD-backed device
	// writable from both ends (allow-two-primaries).
	Migrate(ctx context.Context, vm *models.VM, dest Proxy) error

	VMSyncFromHypervisor(ctx context.Context, vm *models.VM) (map[string]any, error)

	Run(ctx context.Context, cmd string, opts ...remoteexec.RunOption) (string, error)
	Put(ctx context.Context, path string, data []byte, mode uint32) error
	ReadFile(ctx context.Context, path string) ([]byte, error)

	Close() error
}
