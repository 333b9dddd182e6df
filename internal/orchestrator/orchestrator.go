package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kubev2v/igvm/internal/drbd"
	"github.com/kubev2v/igvm/internal/hypervisor"
	"github.com/kubev2v/igvm/internal/inventory"
	"github.com/kubev2v/igvm/internal/models"
	"github.com/kubev2v/igvm/internal/remoteexec"
	igvmerrors "github.com/kubev2v/igvm/pkg/errors"
)

// Options are the caller-supplied flags of a single migration request.
type Options struct {
	Offline   bool
	NewIP     string
	RunPuppet bool
}

// Endpoints bundles the two hypervisor-level collaborators a migration
// needs for one invocation. GuestChannel is the VM's own RemoteExec
// channel, used only for block-size reconciliation on the online path;
// it may be nil when the VM is not running.
type Endpoints struct {
	Source       hypervisor.Proxy
	Destination  hypervisor.Proxy
	GuestChannel remoteexec.Channel
}

// Orchestrator drives a single live or offline migration of a VM
// between two hypervisors, enforcing the pre-flight gates, step
// ordering and rollback policy that make the DRBD hand-off safe.
type Orchestrator struct {
	inventory inventory.Inventory
	registry  *models.Registry
	log       *zap.SugaredLogger
}

func New(inv inventory.Inventory, registry *models.Registry) *Orchestrator {
	return &Orchestrator{
		inventory: inv,
		registry:  registry,
		log:       zap.S().Named("orchestrator"),
	}
}

// Migrate relocates vmHostname from its current hypervisor to
// destHostname. On any failure the VM keeps running on its source, the
// destination is left clean, and Inventory is untouched.
func (o *Orchestrator) Migrate(ctx context.Context, vmHostname, destHostname string, ep Endpoints, opts Options) error {
	vm := o.registry.VM(vmHostname)
	destHV := o.registry.Hypervisor(destHostname)

	if err := o.preflight(ctx, vm, destHV, ep, opts); err != nil {
		return err
	}

	if opts.Offline {
		return o.migrateOffline(ctx, vm, destHostname, ep, opts)
	}
	return o.migrateOnline(ctx, vm, destHostname, ep)
}

// preflight runs every gate that must pass before any mutation is made.
func (o *Orchestrator) preflight(ctx context.Context, vm *models.VM, destHV *models.Hypervisor, ep Endpoints, opts Options) error {
	defined, err := ep.Source.VMDefined(ctx, vm)
	if err != nil {
		return err
	}
	if !defined {
		return igvmerrors.NewInvalidStateError("%s is not defined on its recorded source hypervisor", vm.FQDN())
	}

	if err := o.checkAttributeConsistency(ctx, vm, ep.Source); err != nil {
		return err
	}

	if opts.NewIP != "" && !(opts.Offline && opts.RunPuppet) {
		return igvmerrors.NewIGVMError(
			"newip requires both offline and runpuppet", nil,
		)
	}
	if opts.RunPuppet && !opts.Offline {
		return igvmerrors.NewIGVMError("runpuppet is not supported on the online migration path", nil)
	}

	return o.checkDestinationCapacity(ctx, vm, destHV, ep.Destination)
}

// checkAttributeConsistency compares the live memory/num_cpu/disk_size_gib
// reported by the source hypervisor against the values recorded in
// Inventory; any mismatch means Inventory is stale and migrating on it
// would carry wrong sizing to the destination.
func (o *Orchestrator) checkAttributeConsistency(ctx context.Context, vm *models.VM, source hypervisor.Proxy) error {
	live, err := source.VMSyncFromHypervisor(ctx, vm)
	if err != nil {
		return err
	}

	memory, err := vm.MemoryMiB(ctx)
	if err != nil {
		return err
	}
	if liveMemory, ok := live["memory"].(int64); ok && liveMemory != memory {
		return igvmerrors.NewInconsistentAttributeError("memory", memory, liveMemory)
	}

	numCPU, err := vm.NumCPU(ctx)
	if err != nil {
		return err
	}
	if liveCPU, ok := live["num_cpu"].(int); ok && liveCPU != numCPU {
		return igvmerrors.NewInconsistentAttributeError("num_cpu", numCPU, liveCPU)
	}

	diskGiB, err := vm.DiskSizeGiB(ctx)
	if err != nil {
		return err
	}
	if liveDisk, ok := live["disk_size_gib"].(int); ok && int64(liveDisk) != diskGiB {
		return igvmerrors.NewInconsistentAttributeError("disk_size_gib", diskGiB, liveDisk)
	}

	return nil
}

// checkDestinationCapacity runs the cheap, Inventory-only estimate first
// and only pays for a live hypervisor round-trip once that passes.
func (o *Orchestrator) checkDestinationCapacity(ctx context.Context, vm *models.VM, destHV *models.Hypervisor, destProxy hypervisor.Proxy) error {
	memory, err := vm.MemoryMiB(ctx)
	if err != nil {
		return err
	}
	diskGiB, err := vm.DiskSizeGiB(ctx)
	if err != nil {
		return err
	}

	fastMemory, err := destHV.FreeMemoryMiB(ctx, o.inventory)
	if err != nil {
		return err
	}
	if fastMemory < float64(memory) {
		return igvmerrors.NewIGVMError(fmt.Sprintf(
			"destination %s has insufficient free memory (inventory estimate): need %s, have %s",
			destHV.Hostname(), models.FormatMiB(memory), models.FormatMiB(int64(fastMemory)),
		), nil)
	}
	fastDisk, err := destHV.FreeDiskGiB(ctx, o.inventory)
	if err != nil {
		return err
	}
	if fastDisk < float64(diskGiB) {
		return igvmerrors.NewIGVMError(fmt.Sprintf(
			"destination %s has insufficient free disk (inventory estimate): need %s, have %s",
			destHV.Hostname(), models.FormatGiB(float64(diskGiB)), models.FormatGiB(fastDisk),
		), nil)
	}

	liveMemory, err := destProxy.FreeVMMemoryMiB(ctx)
	if err != nil {
		return err
	}
	if liveMemory < memory {
		return igvmerrors.NewIGVMError(fmt.Sprintf(
			"destination %s has insufficient free memory (live): need %s, have %s",
			destHV.Hostname(), models.FormatMiB(memory), models.FormatMiB(liveMemory),
		), nil)
	}
	liveDisk, err := destProxy.FreeDiskGiB(ctx)
	if err != nil {
		return err
	}
	if liveDisk < diskGiB {
		return igvmerrors.NewIGVMError(fmt.Sprintf(
			"destination %s has insufficient free disk (live): need %s, have %s",
			destHV.Hostname(), models.FormatGiB(float64(diskGiB)), models.FormatGiB(float64(liveDisk)),
		), nil)
	}
	return nil
}

// drbdPair acquires the primary (source) and secondary (destination)
// DRBD sessions as a nested scoped pair: primary outer, secondary
// inner. Releasing unwinds in the opposite order - secondary first -
// so the primary's down never finds an active peer still attached.
type drbdPair struct {
	primarySession   *drbd.Session
	secondarySession *drbd.Session
	primary          *drbd.Endpoint
}

func (o *Orchestrator) acquireDRBDPair(ctx context.Context, vm *models.VM, sourceProxy, destProxy hypervisor.Proxy, sourceIP, destIP string) (*drbdPair, error) {
	primary, err := drbd.NewEndpoint(ctx, sourceProxy, vm, drbd.Primary, sourceIP)
	if err != nil {
		return nil, err
	}
	secondary, err := drbd.NewEndpoint(ctx, destProxy, vm, drbd.Secondary, destIP)
	if err != nil {
		return nil, err
	}

	primarySession, err := primary.Start(ctx, secondary)
	if err != nil {
		return nil, err
	}

	secondarySession, err := secondary.Start(ctx, primary)
	if err != nil {
		_ = primarySession.Release(ctx)
		return nil, err
	}

	return &drbdPair{primarySession: primarySession, secondarySession: secondarySession, primary: primary}, nil
}

func (p *drbdPair) release(ctx context.Context) {
	_ = p.secondarySession.Release(ctx)
	_ = p.primarySession.Release(ctx)
}

// applyOfflineProvisioning re-runs puppet on the freshly-started
// destination VM when the caller asked for it, optionally carrying a
// new IP into the run (RunPuppet/NewIP are only legal together, and
// only on the offline path - enforced in preflight). A bad
// puppet_environment attribute surfaces here as the destination's
// config regeneration refusing to run; the caller rolls the
// destination all the way back rather than leaving it half-started.
func (o *Orchestrator) applyOfflineProvisioning(ctx context.Context, vm *models.VM, destHostname string, ep Endpoints, opts Options) error {
	if !opts.RunPuppet {
		return nil
	}

	envAttr, err := vm.Get(ctx, "puppet_environment")
	if err != nil {
		return err
	}
	environment, _ := envAttr.(string)
	if environment == "" {
		environment = "production"
	}

	cmd := fmt.Sprintf("puppet agent --test --onetime --no-daemonize --environment %s", environment)
	if opts.NewIP != "" {
		cmd += fmt.Sprintf(" --certname %s FACTER_ipaddress=%s", vm.FQDN(), opts.NewIP)
	}

	if _, err := ep.Destination.Run(ctx, cmd); err != nil {
		return igvmerrors.NewIGVMError(fmt.Sprintf(
			"puppet regeneration failed on %s (environment %q)", destHostname, environment,
		), err)
	}

	if opts.NewIP != "" {
		if err := vm.Set(ctx, "intern_ip", opts.NewIP); err != nil {
			return err
		}
	}
	return nil
}

// reconcileBlockSize implements the pre-session block-size agreement:
// when the VM is running, its guest block size, the source LV's and
// the destination LV's are compared, and the minimum is staged onto
// the VM record, so the block size recorded for the guest is never
// larger than either backing store's.
func (o *Orchestrator) reconcileBlockSize(ctx context.Context, vm *models.VM, ep Endpoints) error {
	if ep.GuestChannel == nil {
		return nil
	}

	srcVolume, err := ep.Source.GetVolumeByVM(ctx, vm)
	if err != nil {
		return err
	}
	srcSize, err := ep.Source.GetBlockSize(ctx, srcVolume.Path())
	if err != nil {
		return err
	}

	dstVolume, err := ep.Destination.GetVolumeByVM(ctx, vm)
	if err != nil {
		return err
	}
	dstSize, err := ep.Destination.GetBlockSize(ctx, dstVolume.Path())
	if err != nil {
		return err
	}

	out, err := ep.GuestChannel.Run(ctx, "blockdev --getss /dev/vda", remoteexec.Silent())
	if err != nil {
		return err
	}
	var guestSize int
	if _, scanErr := fmt.Sscanf(out, "%d", &guestSize); scanErr != nil {
		return igvmerrors.NewRemoteExecError(ep.GuestChannel.Hostname(), "blockdev --getss /dev/vda", scanErr, out)
	}

	min := guestSize
	if srcSize < min {
		min = srcSize
	}
	if dstSize < min {
		min = dstSize
	}

	o.log.Infow("reconciled block size", "vm", vm.FQDN(), "guest", guestSize, "source", srcSize, "destination", dstSize, "chosen", min)
	return vm.Set(ctx, "block_size", min)
}

func (o *Orchestrator) migrateOnline(ctx context.Context, vm *models.VM, destHostname string, ep Endpoints) (err error) {
	sourceHV, err := vm.Hypervisor(ctx)
	if err != nil {
		return err
	}
	destHV := o.registry.Hypervisor(destHostname)

	sourceIP, err := sourceHV.InternIP(ctx)
	if err != nil {
		return err
	}
	destIP, err := destHV.InternIP(ctx)
	if err != nil {
		return err
	}

	if err = o.reconcileBlockSize(ctx, vm, ep); err != nil {
		return err
	}

	pair, err := o.acquireDRBDPair(ctx, vm, ep.Source, ep.Destination, sourceIP, destIP)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			pair.release(ctx)
		}
	}()

	if err = pair.primary.WaitForSync(ctx); err != nil {
		return err
	}

	destXML, err := ep.Source.DomainXML(ctx, vm)
	if err != nil {
		return err
	}
	if err = ep.Destination.DefineVM(ctx, destXML); err != nil {
		return err
	}

	if err = ep.Source.Migrate(ctx, vm, ep.Destination); err != nil {
		_ = ep.Destination.UndefineVM(ctx, vm)
		return err
	}

	if undefErr := ep.Source.UndefineVM(ctx, vm); undefErr != nil {
		o.log.Warnw("source undefine after successful migrate failed", "vm", vm.FQDN(), "error", undefErr)
	}

	pair.release(ctx)

	if err = vm.Set(ctx, "xen_host", destHostname); err != nil {
		return err
	}
	return vm.Commit(ctx, o.registry.Committer())
}

func (o *Orchestrator) migrateOffline(ctx context.Context, vm *models.VM, destHostname string, ep Endpoints, opts Options) (err error) {
	sourceHV, err := vm.Hypervisor(ctx)
	if err != nil {
		return err
	}
	destHV := o.registry.Hypervisor(destHostname)

	sourceIP, err := sourceHV.InternIP(ctx)
	if err != nil {
		return err
	}
	destIP, err := destHV.InternIP(ctx)
	if err != nil {
		return err
	}

	if err = ep.Source.StopVM(ctx, vm); err != nil {
		return err
	}
	// On any later failure the VM is started again on its source, after
	// the deferred DRBD release below has restored its original disk.
	defer func() {
		if err != nil {
			_ = ep.Source.StartVM(ctx, vm)
		}
	}()

	pair, err := o.acquireDRBDPair(ctx, vm, ep.Source, ep.Destination, sourceIP, destIP)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			pair.release(ctx)
		}
	}()

	if err = pair.primary.WaitForSync(ctx); err != nil {
		return err
	}

	destXML, err := ep.Source.DomainXML(ctx, vm)
	if err != nil {
		return err
	}
	if err = ep.Destination.DefineVM(ctx, destXML); err != nil {
		return err
	}
	if err = ep.Destination.StartVM(ctx, vm); err != nil {
		_ = ep.Destination.UndefineVM(ctx, vm)
		return err
	}

	if err = o.applyOfflineProvisioning(ctx, vm, destHostname, ep, opts); err != nil {
		_ = ep.Destination.StopVMForce(ctx, vm)
		_ = ep.Destination.UndefineVM(ctx, vm)
		return err
	}

	if undefErr := ep.Source.UndefineVM(ctx, vm); undefErr != nil {
		o.log.Warnw("source undefine after successful migrate failed", "vm", vm.FQDN(), "error", undefErr)
	}

	pair.release(ctx)

	if err = vm.Set(ctx, "xen_host", destHostname); err != nil {
		return err
	}
	return vm.Commit(ctx, o.registry.Committer())
}
