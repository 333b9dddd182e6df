package drbd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/kubev2v/igvm/internal/hypervisor"
	"github.com/kubev2v/igvm/internal/models"
	"github.com/kubev2v/igvm/internal/remoteexec"
)

// Endpoint is one side of a DRBD replication pair bound to a specific
// (hypervisor, vm) tuple. Construct one with NewEndpoint for each of the
// source and destination hosts, then call Start on each, passing the
// other endpoint as its peer: the primary (source) first, then the
// secondary (destination).
type Endpoint struct {
	proxy    hypervisor.Proxy
	vm       *models.VM
	role     Role
	internIP string
	resource *Resource
	guard    *collisionGuard
	log      *zap.SugaredLogger
}

// NewEndpoint resolves the endpoint's Resource from the VM's current
// backing volume on proxy's host. internIP is this host's address, used
// to render its stanza in the shared resource file.
func NewEndpoint(ctx context.Context, proxy hypervisor.Proxy, vm *models.VM, role Role, internIP string) (*Endpoint, error) {
	resource, err := NewResource(ctx, proxy, vm, role)
	if err != nil {
		return nil, err
	}
	return &Endpoint{
		proxy:    proxy,
		vm:       vm,
		role:     role,
		internIP: internIP,
		resource: resource,
		guard:    newCollisionGuard(proxy, proxy.Hostname(), vm.FQDN()),
		log:      zap.S().Named("drbd").With("host", proxy.Hostname(), "vm", vm.FQDN(), "role", role.String()),
	}, nil
}

// Session is the scoped, active replication session returned by
// Endpoint.Start. Release must be called exactly once, regardless of
// whether the surrounding migration succeeds, to tear the session down.
type Session struct {
	endpoint *Endpoint
}

// Release tears the session down: reload the original device-mapper
// table, resume I/O, take DRBD down, then remove the shim, the meta LV,
// the resource file and the table dump file.
func (s *Session) Release(ctx context.Context) error {
	return s.endpoint.stop(ctx)
}

// Start acquires the replication session: meta LV, device-mapper dump
// and shim, resource file, DRBD take-over, and the live splice that
// re-routes the VM's block traffic onto /dev/drbd{minor}. Any failure at
// any step unwinds every step that already succeeded, in exact reverse
// order, and the guard against a second concurrent migration is also
// released before returning.
func (e *Endpoint) Start(ctx context.Context, peer *Endpoint) (_ *Session, err error) {
	if err = e.guard.Acquire(ctx); err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			e.guard.Release(ctx)
		}
	}()

	vg, lv := e.resource.VGName, e.resource.LVName
	meta := e.resource.MetaDisk
	fqdn := e.vm.FQDN()

	var rollback []func(context.Context)
	defer func() {
		if err != nil {
			for i := len(rollback) - 1; i >= 0; i-- {
				rollback[i](ctx)
			}
		}
	}()

	// Create the 256MiB metadata LV.
	if _, err = e.proxy.Run(ctx, fmt.Sprintf("lvcreate -y -n %s -L256M %s", meta, vg)); err != nil {
		return nil, err
	}
	rollback = append(rollback, func(ctx context.Context) {
		_, _ = e.proxy.Run(ctx, fmt.Sprintf("lvremove -fy %s/%s", vg, meta))
	})

	// Zero the metadata device; DRBD refuses a dirty meta disk.
	if _, err = e.proxy.Run(ctx, fmt.Sprintf("dd if=/dev/zero of=/dev/%s/%s bs=1048576 count=256", vg, meta)); err != nil {
		return nil, err
	}

	// Dump the original device-mapper table so it can be restored.
	if _, err = e.proxy.Run(ctx, fmt.Sprintf("dmsetup table /dev/%s/%s > %s", vg, lv, e.resource.TableFile)); err != nil {
		return nil, err
	}
	rollback = append(rollback, func(ctx context.Context) {
		_, _ = e.proxy.Run(ctx, "rm "+e.resource.TableFile, remoteexec.WarnOnly())
	})

	// Give the original mapping a second name so the VM-visible device
	// can later be repointed at DRBD without losing access to it.
	if _, err = e.proxy.Run(ctx, fmt.Sprintf("dmsetup create %s_orig < %s", lv, e.resource.TableFile)); err != nil {
		return nil, err
	}
	rollback = append(rollback, func(ctx context.Context) {
		_, _ = e.proxy.Run(ctx, fmt.Sprintf("dmsetup remove %s_orig", lv))
	})

	// Write the resource file referencing both endpoints.
	data, cfgErr := buildConfig(ctx, e.resource, peer.resource, e.internIP, peer.internIP)
	if cfgErr != nil {
		err = cfgErr
		return nil, err
	}
	if err = e.proxy.Put(ctx, resourceFilePath(fqdn), data, resourceFileMode); err != nil {
		return nil, err
	}
	rollback = append(rollback, func(ctx context.Context) {
		_, _ = e.proxy.Run(ctx, "rm "+resourceFilePath(fqdn), remoteexec.WarnOnly())
	})

	if err = e.takeOverDevice(ctx); err != nil {
		return nil, err
	}

	return &Session{endpoint: e}, nil
}

// takeOverDevice suspends the device, brings DRBD up, establishes this
// endpoint's role, then splices the VM's block traffic onto the DRBD
// device. Its failure handling nests: a failure in the final resume
// reloads the original table and resumes before propagating, so the
// outer down+resume recovery always finds the device back on its
// original mapping.
func (e *Endpoint) takeOverDevice(ctx context.Context) (err error) {
	vg, lv := e.resource.VGName, e.resource.LVName
	fqdn := e.vm.FQDN()
	devicePath := fmt.Sprintf("/dev/%s/%s", vg, lv)

	// Size must be read before the device is suspended.
	devSize, err := e.resource.DeviceSize(ctx)
	if err != nil {
		return err
	}

	if _, err = e.proxy.Run(ctx, "dmsetup suspend "+devicePath); err != nil {
		return err
	}
	// A running guest is paused across any rollback resume below, so its
	// writes cannot race the swap back to the original table.
	guestPaused := false
	pauseGuest := func() {
		if running, rerr := e.proxy.VMRunning(ctx, e.vm); !guestPaused && rerr == nil && running {
			guestPaused = e.proxy.SuspendVM(ctx, e.vm) == nil
		}
	}
	defer func() {
		if err != nil {
			pauseGuest()
			// The "up" command can fail due to misconfiguration even
			// though DRBD partially started, so down is always
			// attempted and allowed to fail.
			_, _ = e.proxy.Run(ctx, fmt.Sprintf("drbdadm down %s", fqdn), remoteexec.WarnOnly())
			_, _ = e.proxy.Run(ctx, "dmsetup resume "+devicePath)
			if guestPaused {
				_ = e.proxy.ResumeVM(ctx, e.vm)
			}
		}
	}()

	if _, err = e.proxy.Run(ctx, fmt.Sprintf("drbdadm create-md %s", fqdn)); err != nil {
		return err
	}
	if _, err = e.proxy.Run(ctx, fmt.Sprintf("drbdadm up %s", fqdn)); err != nil {
		return err
	}

	if e.role == Primary {
		if _, err = e.proxy.Run(ctx, fmt.Sprintf("drbdadm -- --overwrite-data-of-peer primary %s", fqdn)); err != nil {
			return err
		}
	} else {
		// The device can't be live-replaced until DRBD reports itself
		// connected, and not writable until both ends are primary. The
		// peer's listening socket may not be up yet even though "up"
		// already returned, so the handshake itself gets a few bounded
		// retries rather than a single shot.
		if err = e.waitConnect(ctx, fqdn); err != nil {
			return err
		}
		if _, err = e.proxy.Run(ctx, fmt.Sprintf("drbdadm -- primary %s", fqdn)); err != nil {
			return err
		}
	}

	minor, err := e.resource.DeviceMinor(ctx)
	if err != nil {
		return err
	}

	// Device-mapper table units are always 512 bytes, regardless of the
	// device's logical block size.
	_, err = e.proxy.Run(ctx, fmt.Sprintf(
		`dmsetup load %s --table "0 %d linear /dev/drbd%d 0"`, devicePath, devSize/512, minor,
	))
	if err != nil {
		return err
	}

	if _, resumeErr := e.proxy.Run(ctx, "dmsetup resume "+devicePath); resumeErr != nil {
		// DRBD won't allow "down" while its device is still held open,
		// so the inactive slot must be put back to the original
		// mapping and resumed before the outer recovery can proceed.
		pauseGuest()
		_, _ = e.proxy.Run(ctx, fmt.Sprintf("dmsetup load %s < %s", devicePath, e.resource.TableFile))
		_, _ = e.proxy.Run(ctx, "dmsetup resume "+devicePath)
		err = resumeErr
		return err
	}
	return nil
}

// waitConnect retries "drbdadm wait-connect" a bounded number of times:
// the primary's "up" can return before its listener is actually
// accepting the secondary's handshake.
func (e *Endpoint) waitConnect(ctx context.Context, fqdn string) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.MaxInterval = 15 * time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		_, runErr := e.proxy.Run(ctx, fmt.Sprintf("drbdadm wait-connect %s", fqdn))
		return struct{}{}, runErr
	}, backoff.WithBackOff(b), backoff.WithMaxTries(5))
	return err
}

// stop tears a fully-established session down, in the order the
// device-mapper inactive/active slot swap requires: reload the original
// table, resume it live, then take DRBD down - never the reverse, or
// "down" finds its device still held open by the active mapping.
func (e *Endpoint) stop(ctx context.Context) error {
	defer e.guard.Release(ctx)

	vg, lv := e.resource.VGName, e.resource.LVName
	fqdn := e.vm.FQDN()
	devicePath := fmt.Sprintf("/dev/%s/%s", vg, lv)

	suspendedVM := false
	if e.role == Secondary {
		if defined, derr := e.proxy.VMDefined(ctx, e.vm); derr == nil && defined {
			if running, rerr := e.proxy.VMRunning(ctx, e.vm); rerr == nil && running {
				if serr := e.proxy.SuspendVM(ctx, e.vm); serr == nil {
					suspendedVM = true
				}
			}
		}
	}

	// No step here is warn_only: a failure at any point propagates
	// immediately rather than attempting the remaining cleanup, since a
	// half-finished teardown from here is as observable as the original
	// failure and shouldn't be masked by continuing past it.
	if _, err := e.proxy.Run(ctx, fmt.Sprintf("dmsetup load %s < %s", devicePath, e.resource.TableFile)); err != nil {
		return err
	}
	if _, err := e.proxy.Run(ctx, "dmsetup resume "+devicePath); err != nil {
		return err
	}
	if _, err := e.proxy.Run(ctx, fmt.Sprintf("drbdadm down %s", fqdn)); err != nil {
		return err
	}

	if suspendedVM {
		if err := e.proxy.ResumeVM(ctx, e.vm); err != nil {
			return err
		}
	}

	if _, err := e.proxy.Run(ctx, fmt.Sprintf("dmsetup remove %s_orig", lv)); err != nil {
		return err
	}
	if _, err := e.proxy.Run(ctx, fmt.Sprintf("lvremove -fy %s/%s", vg, e.resource.MetaDisk)); err != nil {
		return err
	}
	if _, err := e.proxy.Run(ctx, "rm "+resourceFilePath(fqdn)); err != nil {
		return err
	}
	if _, err := e.proxy.Run(ctx, "rm "+e.resource.TableFile); err != nil {
		return err
	}
	return nil
}

// WaitForSync blocks until the DRBD device reports UpToDate on both
// ends, surfacing the in-kernel progress bar as log output while it
// waits. The progress display is best-effort: if it never appears
// within five polls, the wait continues anyway, gated by the
// authoritative drbdsetup wait-sync call.
func (e *Endpoint) WaitForSync(ctx context.Context) error {
	minor, err := e.resource.DeviceMinor(ctx)
	if err != nil {
		return err
	}
	marker := fmt.Sprintf("%d: cs:", minor)

	progressMisses := 0
	showProgress := true
	for showProgress {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		data, err := e.proxy.ReadFile(ctx, "/proc/drbd")
		if err != nil {
			return err
		}
		lines := strings.Split(string(data), "\n")

		matched := false
		for i, line := range lines {
			if !strings.Contains(line, marker) {
				continue
			}
			matched = true
			if strings.Contains(line, "ds:UpToDate/UpToDate") {
				showProgress = false
			}
			if i+2 < len(lines) {
				e.log.Infow("drbd sync progress", "line", lines[i+2])
			} else {
				progressMisses++
				if progressMisses < 5 {
					e.log.Infow("waiting for DRBD progress bar to show up")
				} else {
					e.log.Warnw("could not find progress bar, migrating without it")
					showProgress = false
				}
			}
			break
		}
		if !matched {
			showProgress = false
		}

		if showProgress {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
		}
	}

	_, err = e.proxy.Run(ctx, fmt.Sprintf("drbdsetup wait-sync %d", minor))
	return err
}

// Resource exposes the endpoint's derived DRBD identity, for callers
// (e.g. the orchestrator's block-size reconciliation) that need the
// backing path without reaching into the endpoint's internals.
func (e *Endpoint) Resource() *Resource { return e.resource }
