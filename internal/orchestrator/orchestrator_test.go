package orchestrator

import (
	"context"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/kubev2v/igvm/internal/hypervisor"
	"github.com/kubev2v/igvm/internal/models"
	fakechannel "github.com/kubev2v/igvm/internal/remoteexec/fake"
	igvmerrors "github.com/kubev2v/igvm/pkg/errors"
)

func TestOrchestrator(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Orchestrator Suite")
}

// fakeInventory is an in-memory models.AttributeReader/Committer/Querier
// plus the remaining inventory.Inventory surface, backed by a fixed map
// per hostname.
type fakeInventory struct {
	hosts map[string]map[string]any
}

func newFakeInventory() *fakeInventory {
	return &fakeInventory{hosts: make(map[string]map[string]any)}
}

func (f *fakeInventory) seed(hostname string, attrs map[string]any) {
	cp := make(map[string]any, len(attrs))
	for k, v := range attrs {
		cp[k] = v
	}
	f.hosts[hostname] = cp
}

func (f *fakeInventory) ReadAttributes(ctx context.Context, hostname string) (map[string]any, error) {
	out := make(map[string]any)
	for k, v := range f.hosts[hostname] {
		out[k] = v
	}
	return out, nil
}

func (f *fakeInventory) Commit(ctx context.Context, hostname string, staged map[string]any) error {
	if f.hosts[hostname] == nil {
		f.hosts[hostname] = make(map[string]any)
	}
	for k, v := range staged {
		f.hosts[hostname][k] = v
	}
	return nil
}

func (f *fakeInventory) Query(ctx context.Context, filters models.Filter) ([]map[string]any, error) {
	var out []map[string]any
	for hostname, attrs := range f.hosts {
		match := true
		for k, v := range filters {
			if attrs[k] != v {
				match = false
				break
			}
		}
		if match {
			rec := map[string]any{"hostname": hostname}
			for k, v := range attrs {
				rec[k] = v
			}
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeInventory) Get(ctx context.Context, hostname, key string, def any) (any, error) {
	if v, ok := f.hosts[hostname][key]; ok {
		return v, nil
	}
	return def, nil
}

func (f *fakeInventory) Keys(ctx context.Context, hostname string) ([]string, error) {
	var keys []string
	for k := range f.hosts[hostname] {
		keys = append(keys, k)
	}
	return keys, nil
}

func (f *fakeInventory) Update(ctx context.Context, hostname string, mapping map[string]any) error {
	return f.Commit(ctx, hostname, mapping)
}

func (f *fakeInventory) RegisterHost(ctx context.Context, hostname, servertype string) error {
	if f.hosts[hostname] == nil {
		f.hosts[hostname] = make(map[string]any)
	}
	f.hosts[hostname]["servertype"] = servertype
	return nil
}

// fakeProxy implements hypervisor.Proxy end to end, enough to drive a
// full online or offline migration through the orchestrator: a scripted
// remoteexec.Channel underneath for DRBD's shell surface, plus directly
// scriptable higher-level fields for the libvirt-level operations.
type fakeProxy struct {
	*fakechannel.Channel

	volume hypervisor.Volume

	defined bool
	running bool

	blockSize    int
	freeVMMemory int64
	freeDiskGiB  int64

	domainXML string

	migrateErr  error
	defineErr   error
	undefineErr error
	startErr    error
	stopErr     error

	syncMemory int64
	syncCPU    int
	syncDiskGB int

	calls []string
}

func newFakeProxy(hostname string, volume hypervisor.Volume) *fakeProxy {
	return &fakeProxy{
		Channel:      fakechannel.New(hostname),
		volume:       volume,
		blockSize:    512,
		freeVMMemory: 1 << 20,
		freeDiskGiB:  1 << 20,
		domainXML:    "<domain/>",
	}
}

func (p *fakeProxy) VMDefined(ctx context.Context, vm *models.VM) (bool, error) { return p.defined, nil }
func (p *fakeProxy) VMRunning(ctx context.Context, vm *models.VM) (bool, error) { return p.running, nil }
func (p *fakeProxy) GetVolumeByVM(ctx context.Context, vm *models.VM) (hypervisor.Volume, error) {
	return p.volume, nil
}
func (p *fakeProxy) GetBlockSize(ctx context.Context, path string) (int, error) { return p.blockSize, nil }
func (p *fakeProxy) FreeVMMemoryMiB(ctx context.Context) (int64, error)         { return p.freeVMMemory, nil }
func (p *fakeProxy) FreeDiskGiB(ctx context.Context) (int64, error)             { return p.freeDiskGiB, nil }
func (p *fakeProxy) DomainXML(ctx context.Context, vm *models.VM) (string, error) {
	return p.domainXML, nil
}
func (p *fakeProxy) DefineVM(ctx context.Context, xmlDesc string) error {
	p.calls = append(p.calls, "define")
	return p.defineErr
}
func (p *fakeProxy) UndefineVM(ctx context.Context, vm *models.VM) error {
	p.calls = append(p.calls, "undefine")
	return p.undefineErr
}
func (p *fakeProxy) StartVM(ctx context.Context, vm *models.VM) error {
	p.calls = append(p.calls, "start")
	return p.startErr
}
func (p *fakeProxy) StopVM(ctx context.Context, vm *models.VM) error {
	p.calls = append(p.calls, "stop")
	return p.stopErr
}
func (p *fakeProxy) StopVMForce(ctx context.Context, vm *models.VM) error { return nil }
func (p *fakeProxy) SuspendVM(ctx context.Context, vm *models.VM) error  { return nil }
func (p *fakeProxy) ResumeVM(ctx context.Context, vm *models.VM) error  { return nil }
func (p *fakeProxy) Migrate(ctx context.Context, vm *models.VM, dest hypervisor.Proxy) error {
	p.calls = append(p.calls, "migrate")
	return p.migrateErr
}
func (p *fakeProxy) VMSyncFromHypervisor(ctx context.Context, vm *models.VM) (map[string]any, error) {
	return map[string]any{
		"memory":        p.syncMemory,
		"num_cpu":       p.syncCPU,
		"disk_size_gib": p.syncDiskGB,
	}, nil
}
func (p *fakeProxy) Close() error { return nil }

var _ hypervisor.Proxy = (*fakeProxy)(nil)

func newVMRegistry(inv *fakeInventory) *models.Registry {
	return models.NewRegistry(inv, inv)
}

// scriptDRBD pre-loads the fake channel responses a clean DRBD Start/
// WaitForSync pass needs: the stat-based minor, the lvs-based size, and
// a /proc/drbd with no matching "cs:" line so WaitForSync returns
// without sleeping.
func scriptDRBD(p *fakeProxy, vg, lv string, sizeBytes int64) {
	p.Responses[`stat -L -c "%T" /dev/`+vg+"/"+lv] = "a"
	p.Responses["lvs --noheadings -o lv_size --units b --nosuffix "+vg+"/"+lv] = itoa(sizeBytes)
	p.Files["/proc/drbd"] = []byte("version: 8.4\n")
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

var _ = Describe("Orchestrator", func() {
	const (
		vmHost   = "web1.example.com"
		srcHost  = "src.example.com"
		destHost = "dst.example.com"
	)

	var (
		ctx        context.Context
		inv        *fakeInventory
		registry   *models.Registry
		orch       *Orchestrator
		srcProxy   *fakeProxy
		destProxy  *fakeProxy
	)

	BeforeEach(func() {
		ctx = context.Background()
		inv = newFakeInventory()
		inv.seed(vmHost, map[string]any{
			"servertype":    "vm",
			"xen_host":      srcHost,
			"memory":        int64(2048),
			"num_cpu":       2,
			"disk_size_gib": int64(20),
			"uid_name":      "vm-dest-uid",
		})
		inv.seed(srcHost, map[string]any{
			"servertype":    "hypervisor",
			"intern_ip":     "10.0.0.1",
			"memory":        int64(65536),
			"disk_size_gib": int64(2000),
		})
		inv.seed(destHost, map[string]any{
			"servertype":    "hypervisor",
			"intern_ip":     "10.0.0.2",
			"memory":        int64(65536),
			"disk_size_gib": int64(2000),
		})

		registry = newVMRegistry(inv)
		orch = New(inv, registry)

		srcProxy = newFakeProxy(srcHost, hypervisor.Volume{VGName: "vg0", LVName: "vm-src"})
		destProxy = newFakeProxy(destHost, hypervisor.Volume{VGName: "vg0", LVName: "vm-dest-uid"})
		srcProxy.defined = true
		srcProxy.syncMemory = 2048
		srcProxy.syncCPU = 2
		srcProxy.syncDiskGB = 20

		scriptDRBD(srcProxy, "vg0", "vm-src", 1073741824)
		scriptDRBD(destProxy, "vg0", "vm-dest-uid", 1073741824)
	})

	// Given a VM in sync with Inventory and a destination with capacity
	// When an online migration runs
	// Then it should define the domain on the destination, migrate live,
	// undefine on the source, release the DRBD session pair and commit
	// the new xen_host
	It("completes a healthy online migration", func() {
		srcProxy.running = true
		ep := Endpoints{Source: srcProxy, Destination: destProxy}

		err := orch.Migrate(ctx, vmHost, destHost, ep, Options{})
		Expect(err).NotTo(HaveOccurred())

		Expect(destProxy.calls).To(ContainElement("define"))
		Expect(srcProxy.calls).To(ContainElement("migrate"))
		Expect(srcProxy.calls).To(ContainElement("undefine"))
		Expect(inv.hosts[vmHost]["xen_host"]).To(Equal(destHost))
	})

	// Given a VM in sync with Inventory and a destination with capacity
	// When an offline migration runs
	// Then it should stop the VM, define and start it on the
	// destination, undefine on the source and commit the new xen_host
	It("completes a healthy offline migration", func() {
		ep := Endpoints{Source: srcProxy, Destination: destProxy}

		err := orch.Migrate(ctx, vmHost, destHost, ep, Options{Offline: true})
		Expect(err).NotTo(HaveOccurred())

		Expect(srcProxy.calls).To(ContainElement("stop"))
		Expect(destProxy.calls).To(ContainElement("define"))
		Expect(destProxy.calls).To(ContainElement("start"))
		Expect(srcProxy.calls).To(ContainElement("undefine"))
		Expect(inv.hosts[vmHost]["xen_host"]).To(Equal(destHost))
	})

	// Given a source hypervisor reporting live attributes that disagree
	// with Inventory
	// When a migration is attempted
	// Then it should reject before any mutation, as an
	// InconsistentAttributeError
	It("rejects a migration when live attributes disagree with inventory", func() {
		srcProxy.syncMemory = 4096 // inventory has 2048
		ep := Endpoints{Source: srcProxy, Destination: destProxy}

		err := orch.Migrate(ctx, vmHost, destHost, ep, Options{})
		Expect(err).To(HaveOccurred())
		Expect(igvmerrors.IsInconsistentAttributeError(err)).To(BeTrue())

		Expect(srcProxy.calls).To(BeEmpty())
		Expect(destProxy.calls).To(BeEmpty())
		Expect(inv.hosts[vmHost]["xen_host"]).To(Equal(srcHost))
	})

	// Given the online migration path
	// When newip is requested alongside it
	// Then it should reject, since newip only applies to an offline
	// migration paired with runpuppet
	It("rejects newip on the online path", func() {
		ep := Endpoints{Source: srcProxy, Destination: destProxy}

		err := orch.Migrate(ctx, vmHost, destHost, ep, Options{NewIP: "10.0.0.9"})
		Expect(err).To(HaveOccurred())
		Expect(igvmerrors.IsIGVMError(err)).To(BeTrue())
		Expect(srcProxy.calls).To(BeEmpty())
	})

	// Given the online migration path
	// When runpuppet is requested alongside it
	// Then it should reject, since runpuppet only runs on the offline
	// path
	It("rejects runpuppet on the online path", func() {
		ep := Endpoints{Source: srcProxy, Destination: destProxy}

		err := orch.Migrate(ctx, vmHost, destHost, ep, Options{RunPuppet: true})
		Expect(err).To(HaveOccurred())
		Expect(igvmerrors.IsIGVMError(err)).To(BeTrue())
		Expect(srcProxy.calls).To(BeEmpty())
	})

	// Given a destination that fails to accept the migrated domain
	// definition
	// When an online migration is attempted
	// Then it should roll back the DRBD session pair and leave Inventory
	// untouched, surfacing the destination's failure
	It("rolls back the DRBD session pair when the destination define fails", func() {
		srcProxy.running = true
		destProxy.defineErr = igvmerrors.NewHypervisorError(destHost, "define", assertErr{})
		ep := Endpoints{Source: srcProxy, Destination: destProxy}

		err := orch.Migrate(ctx, vmHost, destHost, ep, Options{})
		Expect(err).To(HaveOccurred())
		Expect(igvmerrors.IsHypervisorError(err)).To(BeTrue())

		Expect(inv.hosts[vmHost]["xen_host"]).To(Equal(srcHost))

		Expect(srcProxy.Calls).To(ContainElement("drbdadm down " + vmHost))
		Expect(destProxy.Calls).To(ContainElement("drbdadm down " + vmHost))
		Expect(srcProxy.calls).NotTo(ContainElement("migrate"))
		Expect(srcProxy.calls).NotTo(ContainElement("undefine"))
	})

	// Given a destination with insufficient free memory recorded in
	// Inventory
	// When a migration is attempted
	// Then it should reject before acquiring any DRBD session, as an
	// IGVMError
	It("rejects a destination without enough free memory", func() {
		inv.hosts[destHost]["memory"] = int64(1024) // less than any VM already there plus this one
		ep := Endpoints{Source: srcProxy, Destination: destProxy}

		err := orch.Migrate(ctx, vmHost, destHost, ep, Options{})
		Expect(err).To(HaveOccurred())
		Expect(igvmerrors.IsIGVMError(err)).To(BeTrue())
		Expect(srcProxy.Calls).To(BeEmpty())
	})

	// Given an offline migration requesting puppet regeneration on the
	// destination
	// When the VM's recorded puppet_environment does not exist
	// Then it should roll the destination all the way back - undefined,
	// no DRBD state left on either host - and leave Inventory untouched
	It("rolls back when offline puppet regeneration fails on a bad environment", func() {
		inv.hosts[vmHost]["puppet_environment"] = "doesnotexist"
		destProxy.Errors["puppet agent --test --onetime --no-daemonize --environment doesnotexist"] = assertErr{}
		ep := Endpoints{Source: srcProxy, Destination: destProxy}

		err := orch.Migrate(ctx, vmHost, destHost, ep, Options{Offline: true, RunPuppet: true})
		Expect(err).To(HaveOccurred())
		Expect(igvmerrors.IsIGVMError(err)).To(BeTrue())

		Expect(inv.hosts[vmHost]["xen_host"]).To(Equal(srcHost))
		Expect(destProxy.calls).To(ContainElement("undefine"))
		Expect(destProxy.Calls).To(ContainElement("drbdadm down " + vmHost))
		Expect(srcProxy.Calls).To(ContainElement("drbdadm down " + vmHost))
		Expect(srcProxy.calls).NotTo(ContainElement("undefine"))
	})

	// Given an offline migration requesting puppet regeneration with a
	// new IP
	// When the destination's puppet run succeeds
	// Then it should carry the new IP into Inventory alongside the new
	// xen_host
	It("applies a new IP via puppet regeneration on a healthy offline migration", func() {
		inv.hosts[vmHost]["puppet_environment"] = "production"
		ep := Endpoints{Source: srcProxy, Destination: destProxy}

		err := orch.Migrate(ctx, vmHost, destHost, ep, Options{Offline: true, RunPuppet: true, NewIP: "10.0.0.9"})
		Expect(err).NotTo(HaveOccurred())

		Expect(destProxy.Calls).To(ContainElement(
			"puppet agent --test --onetime --no-daemonize --environment production --certname " + vmHost + " FACTER_ipaddress=10.0.0.9",
		))
		Expect(inv.hosts[vmHost]["xen_host"]).To(Equal(destHost))
		Expect(inv.hosts[vmHost]["intern_ip"]).To(Equal("10.0.0.9"))
	})
})

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
