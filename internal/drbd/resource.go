package drbd

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/kubev2v/igvm/internal/hypervisor"
	"github.com/kubev2v/igvm/internal/models"
	"github.com/kubev2v/igvm/internal/remoteexec"
	igvmerrors "github.com/kubev2v/igvm/pkg/errors"
)

// Role distinguishes the two ends of a replication pair. The primary
// unilaterally takes ownership of the peer's data; the secondary waits
// for connection and then promotes itself, legal only because the
// session runs with allow-two-primaries.
type Role int

const (
	Primary Role = iota
	Secondary
)

func (r Role) String() string {
	if r == Primary {
		return "primary"
	}
	return "secondary"
}

// Resource is a replication session parameterised by (hypervisor, vm,
// role). Its derived fields mirror the backing LV's identity so the two
// ends of a pair can assemble a single resource file referencing both.
type Resource struct {
	proxy hypervisor.Proxy
	vm    *models.VM
	role  Role

	VGName    string
	LVName    string
	MetaDisk  string
	TableFile string

	minor      int
	minorKnown bool
}

// NewResource resolves a Resource's derived fields from the VM's
// current backing volume. On the primary side LVName equals the source
// LV name; on the secondary side it equals the VM's uid_name, so the
// destination-side DM shim can never collide with an LV that already
// exists on the destination host.
func NewResource(ctx context.Context, proxy hypervisor.Proxy, vm *models.VM, role Role) (*Resource, error) {
	volume, err := proxy.GetVolumeByVM(ctx, vm)
	if err != nil {
		return nil, err
	}

	lvName := volume.LVName
	if role == Secondary {
		lvName, err = vm.UIDName(ctx)
		if err != nil {
			return nil, err
		}
	}

	return &Resource{
		proxy:     proxy,
		vm:        vm,
		role:      role,
		VGName:    volume.VGName,
		LVName:    lvName,
		MetaDisk:  vm.FQDN() + "_meta",
		TableFile: fmt.Sprintf("/tmp/%s_%s_table", volume.VGName, lvName),
	}, nil
}

// Path is the absolute device path this resource replicates.
func (r *Resource) Path() string {
	return fmt.Sprintf("/dev/%s/%s", r.VGName, r.LVName)
}

// DeviceMinor extracts the LV's device minor from a stat of its node.
// The result is memoized: once a resource takes over the device the
// minor of the original LV node is no longer observable.
func (r *Resource) DeviceMinor(ctx context.Context) (int, error) {
	if r.minorKnown {
		return r.minor, nil
	}

	out, err := r.proxy.Run(ctx, fmt.Sprintf(`stat -L -c "%%T" /dev/%s/%s`, r.VGName, r.LVName), remoteexec.Silent())
	if err != nil {
		return 0, err
	}

	minor, err := strconv.ParseInt(strings.TrimSpace(out), 16, 64)
	if err != nil {
		return 0, igvmerrors.NewHypervisorError(r.proxy.Hostname(), "parse device minor", err)
	}
	r.minor = int(minor)
	r.minorKnown = true
	return r.minor, nil
}

// DevicePort is the collision-free per-device DRBD TCP port.
func (r *Resource) DevicePort(ctx context.Context) (int, error) {
	minor, err := r.DeviceMinor(ctx)
	if err != nil {
		return 0, err
	}
	return 8000 + minor, nil
}

// DeviceSize is the backing LV's size in bytes, read before the device
// is suspended - LVM's size query is unreliable against a held device.
func (r *Resource) DeviceSize(ctx context.Context) (int64, error) {
	out, err := r.proxy.Run(ctx, fmt.Sprintf(
		"lvs --noheadings -o lv_size --units b --nosuffix %s/%s", r.VGName, r.LVName,
	))
	if err != nil {
		return 0, err
	}
	size, err := strconv.ParseInt(strings.TrimSpace(out), 10, 64)
	if err != nil {
		return 0, igvmerrors.NewHypervisorError(r.proxy.Hostname(), "parse device size", err)
	}
	return size, nil
}

// HostConfig renders this endpoint's "on {host} { ... }" stanza for the
// shared resource file, referencing its own address, port, minor and
// backing disk/meta-disk paths.
func (r *Resource) HostConfig(ctx context.Context, internIP string) (string, error) {
	minor, err := r.DeviceMinor(ctx)
	if err != nil {
		return "", err
	}
	port, err := r.DevicePort(ctx)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf(
		"    on %s {\n"+
			"        address   %s:%d;\n"+
			"        device    /dev/drbd%d;\n"+
			"        disk      /dev/mapper/%s_orig;\n"+
			"        meta-disk /dev/%s/%s;\n"+
			"    }",
		r.proxy.Hostname(), internIP, port, minor, r.LVName, r.VGName, r.MetaDisk,
	), nil
}
