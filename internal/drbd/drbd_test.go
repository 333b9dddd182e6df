package drbd

import (
	"context"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/kubev2v/igvm/internal/hypervisor"
	"github.com/kubev2v/igvm/internal/models"
	fakechannel "github.com/kubev2v/igvm/internal/remoteexec/fake"
)

func TestDRBD(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "DRBD Suite")
}

// fakeAttrs is a minimal models.AttributeReader backed by a fixed map,
// for building VM fixtures without an Inventory.
type fakeAttrs map[string]any

func (f fakeAttrs) ReadAttributes(ctx context.Context, hostname string) (map[string]any, error) {
	out := make(map[string]any, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out, nil
}

// fakeProxy implements hypervisor.Proxy over a fake remoteexec.Channel,
// with scripted VM defined/running state and a fixed backing volume -
// enough surface for DRBDEndpoint, which never reaches the rest of the
// Proxy contract.
type fakeProxy struct {
	*fakechannel.Channel
	volume       hypervisor.Volume
	defined      bool
	running      bool
	suspendCalls int
	resumeCalls  int
}

func newFakeProxy(hostname string, volume hypervisor.Volume) *fakeProxy {
	return &fakeProxy{Channel: fakechannel.New(hostname), volume: volume}
}

func (p *fakeProxy) VMDefined(ctx context.Context, vm *models.VM) (bool, error) { return p.defined, nil }
func (p *fakeProxy) VMRunning(ctx context.Context, vm *models.VM) (bool, error) { return p.running, nil }
func (p *fakeProxy) GetVolumeByVM(ctx context.Context, vm *models.VM) (hypervisor.Volume, error) {
	return p.volume, nil
}
func (p *fakeProxy) GetBlockSize(ctx context.Context, path string) (int, error) { return 512, nil }
func (p *fakeProxy) FreeVMMemoryMiB(ctx context.Context) (int64, error)         { return 0, nil }
func (p *fakeProxy) FreeDiskGiB(ctx context.Context) (int64, error)             { return 0, nil }
func (p *fakeProxy) DomainXML(ctx context.Context, vm *models.VM) (string, error) {
	return "", nil
}
func (p *fakeProxy) DefineVM(ctx context.Context, xmlDesc string) error      { return nil }
func (p *fakeProxy) UndefineVM(ctx context.Context, vm *models.VM) error     { return nil }
func (p *fakeProxy) StartVM(ctx context.Context, vm *models.VM) error        { return nil }
func (p *fakeProxy) StopVM(ctx context.Context, vm *models.VM) error         { return nil }
func (p *fakeProxy) StopVMForce(ctx context.Context, vm *models.VM) error    { return nil }
func (p *fakeProxy) SuspendVM(ctx context.Context, vm *models.VM) error {
	p.suspendCalls++
	return nil
}
func (p *fakeProxy) ResumeVM(ctx context.Context, vm *models.VM) error {
	p.resumeCalls++
	return nil
}
func (p *fakeProxy) Migrate(ctx context.Context, vm *models.VM, dest hypervisor.Proxy) error {
	return nil
}
func (p *fakeProxy) VMSyncFromHypervisor(ctx context.Context, vm *models.VM) (map[string]any, error) {
	return nil, nil
}
func (p *fakeProxy) Close() error { return nil }

var _ hypervisor.Proxy = (*fakeProxy)(nil)

// noopCommitter discards commits; the drbd package never commits through
// a VM fixture directly, so tests only need a Registry that satisfies
// the constructor.
type noopCommitter struct{}

func (noopCommitter) Commit(ctx context.Context, hostname string, staged map[string]any) error {
	return nil
}

func newVM(hostname string, attrs fakeAttrs) *models.VM {
	reg := models.NewRegistry(attrs, noopCommitter{})
	return reg.VM(hostname)
}

var _ = Describe("Resource", func() {
	var (
		ctx   context.Context
		proxy *fakeProxy
		vm    *models.VM
	)

	BeforeEach(func() {
		ctx = context.Background()
		proxy = newFakeProxy("hv1.example.com", hypervisor.Volume{VGName: "vg0", LVName: "vm-src"})
		vm = newVM("web1.example.com", fakeAttrs{"uid_name": "vm-dest-uid"})
	})

	// Given a primary-role resource
	// When it resolves its LV name
	// Then it should reuse the source LV name directly
	It("should use the source LV name on the primary side", func() {
		r, err := NewResource(ctx, proxy, vm, Primary)
		Expect(err).NotTo(HaveOccurred())
		Expect(r.LVName).To(Equal("vm-src"))
		Expect(r.VGName).To(Equal("vg0"))
	})

	// Given a secondary-role resource
	// When it resolves its LV name
	// Then it should use the VM's uid_name, not the source LV name,
	// so the destination-side shim can never collide with an existing LV
	It("should use uid_name on the secondary side", func() {
		r, err := NewResource(ctx, proxy, vm, Secondary)
		Expect(err).NotTo(HaveOccurred())
		Expect(r.LVName).To(Equal("vm-dest-uid"))
	})

	// Given a resource's derived fields
	// When the meta disk and table file names are computed
	// Then they should follow the documented naming convention
	It("should derive meta_disk and table_file from fqdn/vg/lv", func() {
		r, err := NewResource(ctx, proxy, vm, Primary)
		Expect(err).NotTo(HaveOccurred())
		Expect(r.MetaDisk).To(Equal("web1.example.com_meta"))
		Expect(r.TableFile).To(Equal("/tmp/vg0_vm-src_table"))
	})

	// Given a stat output in hex
	// When DeviceMinor parses it
	// Then it should convert base-16 to a decimal minor and memoize it
	It("should parse the device minor as hexadecimal and memoize it", func() {
		r, err := NewResource(ctx, proxy, vm, Primary)
		Expect(err).NotTo(HaveOccurred())

		proxy.Responses[`stat -L -c "%T" /dev/vg0/vm-src`] = "fd"
		minor, err := r.DeviceMinor(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(minor).To(Equal(253))

		// Mutate the script; a memoized minor must not re-query.
		proxy.Responses[`stat -L -c "%T" /dev/vg0/vm-src`] = "ff"
		minor2, err := r.DeviceMinor(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(minor2).To(Equal(253))
	})

	// Given a device minor
	// When DevicePort is derived
	// Then it should be 8000 plus the minor
	It("should derive the device port as 8000+minor", func() {
		r, err := NewResource(ctx, proxy, vm, Primary)
		Expect(err).NotTo(HaveOccurred())
		proxy.Responses[`stat -L -c "%T" /dev/vg0/vm-src`] = "a"
		port, err := r.DevicePort(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(port).To(Equal(8010))
	})
})

var _ = Describe("Endpoint.Start rollback", func() {
	var (
		ctx              context.Context
		primaryProxy     *fakeProxy
		secondaryProxy   *fakeProxy
		vm               *models.VM
		primary, secondary *Endpoint
	)

	BeforeEach(func() {
		ctx = context.Background()
		primaryProxy = newFakeProxy("src.example.com", hypervisor.Volume{VGName: "vg0", LVName: "vm-src"})
		secondaryProxy = newFakeProxy("dst.example.com", hypervisor.Volume{VGName: "vg0", LVName: "vm-src"})
		vm = newVM("web1.example.com", fakeAttrs{"uid_name": "vm-dest-uid"})

		primaryProxy.Responses[`stat -L -c "%T" /dev/vg0/vm-src`] = "a"
		secondaryProxy.Responses[`stat -L -c "%T" /dev/vg0/vm-dest-uid`] = "a"
		primaryProxy.Responses["lvs --noheadings -o lv_size --units b --nosuffix vg0/vm-src"] = "1073741824"
		secondaryProxy.Responses["lvs --noheadings -o lv_size --units b --nosuffix vg0/vm-dest-uid"] = "1073741824"

		var err error
		primary, err = NewEndpoint(ctx, primaryProxy, vm, Primary, "10.0.0.1")
		Expect(err).NotTo(HaveOccurred())
		secondary, err = NewEndpoint(ctx, secondaryProxy, vm, Secondary, "10.0.0.2")
		Expect(err).NotTo(HaveOccurred())
	})

	// Given a failure injected at the final DRBD role-establishment step
	// When Start unwinds
	// Then every forward call it made should have a matching inverse,
	// in exact reverse order, with no leftover resource
	It("should unwind meta LV, shim and resource file when take-over fails", func() {
		primaryProxy.Errors["drbdadm -- --overwrite-data-of-peer primary web1.example.com"] = errBoom

		_, err := primary.Start(ctx, secondary)
		Expect(err).To(HaveOccurred())

		Expect(primaryProxy.Calls).To(ContainElement("lvcreate -y -n web1.example.com_meta -L256M vg0"))
		Expect(primaryProxy.Calls).To(ContainElement("lvremove -fy vg0/web1.example.com_meta"))
		Expect(primaryProxy.Calls).To(ContainElement("dmsetup remove vm-src_orig"))
		Expect(primaryProxy.Calls).To(ContainElement("rm /etc/drbd.d/web1.example.com.res"))
		Expect(primaryProxy.Calls).To(ContainElement("drbdadm down web1.example.com"))
		Expect(primaryProxy.Calls).To(ContainElement("dmsetup resume /dev/vg0/vm-src"))

		// The resource-file removal (C1 inverse) must happen before the
		// shim removal (L2 inverse), which must happen before the meta
		// LV removal (M1 inverse) - exact reverse of acquisition order.
		idxResourceFile := indexOf(primaryProxy.Calls, "rm /etc/drbd.d/web1.example.com.res")
		idxShim := indexOf(primaryProxy.Calls, "dmsetup remove vm-src_orig")
		idxMeta := indexOf(primaryProxy.Calls, "lvremove -fy vg0/web1.example.com_meta")
		Expect(idxResourceFile).To(BeNumerically("<", idxShim))
		Expect(idxShim).To(BeNumerically("<", idxMeta))
	})

	// Given a healthy take-over on both sides
	// When Start succeeds
	// Then no inverse commands should have run
	It("should leave every resource in place on a clean start", func() {
		session, err := primary.Start(ctx, secondary)
		Expect(err).NotTo(HaveOccurred())

		Expect(primaryProxy.Calls).NotTo(ContainElement("lvremove -fy vg0/web1.example.com_meta"))
		Expect(primaryProxy.Calls).NotTo(ContainElement("dmsetup remove vm-src_orig"))

		// Release the session so its collision guard does not hold the
		// local lock into the next spec.
		_ = session.Release(ctx)
	})

	// Given a fully-established session
	// When Release tears it down
	// Then it should reload the original table and resume before taking
	// DRBD down, never the reverse
	It("should reload and resume before taking DRBD down on release", func() {
		session, err := primary.Start(ctx, secondary)
		Expect(err).NotTo(HaveOccurred())

		err = session.Release(ctx)
		Expect(err).NotTo(HaveOccurred())

		idxLoad := indexOf(primaryProxy.Calls, "dmsetup load /dev/vg0/vm-src < /tmp/vg0_vm-src_table")
		idxResume := lastIndexOf(primaryProxy.Calls, "dmsetup resume /dev/vg0/vm-src")
		idxDown := indexOf(primaryProxy.Calls, "drbdadm down web1.example.com")
		Expect(idxLoad).To(BeNumerically(">=", 0))
		Expect(idxLoad).To(BeNumerically("<", idxResume))
		Expect(idxResume).To(BeNumerically("<", idxDown))
	})

	// Given a secondary endpoint for a VM that is defined and running
	// When Release tears it down
	// Then it should suspend the VM before the table reload and resume
	// it only after DRBD is down
	It("should quiesce the VM around the secondary-side teardown", func() {
		secondaryProxy.defined = true
		secondaryProxy.running = true

		session, err := secondary.Start(ctx, primary)
		Expect(err).NotTo(HaveOccurred())

		err = session.Release(ctx)
		Expect(err).NotTo(HaveOccurred())

		Expect(secondaryProxy.suspendCalls).To(Equal(1))
		Expect(secondaryProxy.resumeCalls).To(Equal(1))
	})
})

func indexOf(calls []string, target string) int {
	for i, c := range calls {
		if c == target {
			return i
		}
	}
	return -1
}

func lastIndexOf(calls []string, target string) int {
	idx := -1
	for i, c := range calls {
		if c == target {
			idx = i
		}
	}
	return idx
}

var errBoom = boomErr{}

type boomErr struct{}

func (boomErr) Error() string { return "boom" }
