package drbd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/kubev2v/igvm/internal/remoteexec"
	igvmerrors "github.com/kubev2v/igvm/pkg/errors"
)

// collisionGuard protects one (hostname, vm) pair against a second,
// concurrent migration attempting to reuse the same meta_disk name, DM
// shim name or DRBD port. A collision indicates a concurrent migration
// of the same VM and must abort rather than race, not wait in line.
//
// Two layers combine: a local flock(2) file keyed by hostname/VM pair
// guards this process against itself (e.g. a stray retry), and a
// remote, atomic "mkdir" on the hypervisor guards against a second
// process - possibly on another machine - doing the same thing.
type collisionGuard struct {
	local     *flock.Flock
	localPath string

	proxy   runner
	lockDir string
}

// runner is the subset of hypervisor.Proxy a collisionGuard needs; kept
// narrow so tests can fake it without a full Proxy.
type runner interface {
	Run(ctx context.Context, cmd string, opts ...remoteexec.RunOption) (string, error)
}

func newCollisionGuard(proxy runner, hostname, vmFQDN string) *collisionGuard {
	path := filepath.Join(os.TempDir(), fmt.Sprintf("igvm-drbd-%s-%s.lock", hostname, vmFQDN))
	return &collisionGuard{
		local:     flock.New(path),
		localPath: path,
		proxy:     proxy,
		lockDir:   fmt.Sprintf("/tmp/igvm-drbd-%s.lock.d", vmFQDN),
	}
}

// Acquire takes the local flock then the remote mkdir-based lock,
// failing with InvalidStateError if either is already held.
func (g *collisionGuard) Acquire(ctx context.Context) error {
	ok, err := g.local.TryLock()
	if err != nil {
		return igvmerrors.NewIGVMError("acquire local migration lock", err)
	}
	if !ok {
		return igvmerrors.NewInvalidStateError("a migration for this VM is already in progress on this process")
	}

	if _, err := g.proxy.Run(ctx, "mkdir "+g.lockDir); err != nil {
		_ = g.local.Unlock()
		return igvmerrors.NewInvalidStateError("a migration for this VM is already in progress on %s", g.lockDir)
	}
	return nil
}

// Release tears down both locks, best-effort: a failed release does not
// fail the migration, since the session's remaining resources (meta LV,
// DM shim, resource file) are the authoritative collision surface.
func (g *collisionGuard) Release(ctx context.Context) {
	_, _ = g.proxy.Run(ctx, "rmdir "+g.lockDir, remoteexec.WarnOnly())
	_ = g.local.Unlock()
}
