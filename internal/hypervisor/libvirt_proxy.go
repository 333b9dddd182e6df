package hypervisor

import (
	"context"
	"encoding/xml"
	"fmt"
	"math"
	"strconv"
	"strings"

	libvirt "libvirt.org/go/libvirt"

	"go.uber.org/zap"

	"github.com/kubev2v/igvm/internal/models"
	"github.com/kubev2v/igvm/internal/remoteexec"
	igvmerrors "github.com/kubev2v/igvm/pkg/errors"
)

// LibvirtProxy implements Proxy over a libvirt connection plus a
// remoteexec.Channel, for one physical hypervisor.
type LibvirtProxy struct {
	hostname    string
	channel     remoteexec.Channel
	conn        *libvirt.Connect
	storagePool string
	log         *zap.SugaredLogger
}

// uri returns the libvirt connection URI for hvType against host.
func uri(hvType models.HypervisorType, host string) string {
	switch hvType {
	case models.HypervisorXen:
		return fmt.Sprintf("xen+ssh://%s/system", host)
	default:
		return fmt.Sprintf("qemu+ssh://%s/system", host)
	}
}

// Dial opens a libvirt connection to host and pairs it with channel for
// the shell-level operations libvirt doesn't cover (lvs and blockdev
// here; dmsetup, drbdadm and stat are issued through Run by
// internal/drbd).
func Dial(host string, hvType models.HypervisorType, channel remoteexec.Channel, storagePool string) (*LibvirtProxy, error) {
	conn, err := libvirt.NewConnect(uri(hvType, host))
	if err != nil {
		return nil, igvmerrors.NewHypervisorError(host, "connect", err)
	}
	return &LibvirtProxy{
		hostname:    host,
		channel:     channel,
		conn:        conn,
		storagePool: storagePool,
		log:         zap.S().Named("hypervisor").With("host", host),
	}, nil
}

func (p *LibvirtProxy) Hostname() string { return p.hostname }

func (p *LibvirtProxy) Close() error {
	_, err := p.conn.Close()
	return err
}

func (p *LibvirtProxy) lookupDomain(vm *models.VM) (*libvirt.Domain, error) {
	dom, err := p.conn.LookupDomainByName(vm.FQDN())
	if err != nil {
		return nil, err
	}
	return dom, nil
}

func (p *LibvirtProxy) VMDefined(ctx context.Context, vm *models.VM) (bool, error) {
	dom, err := p.lookupDomain(vm)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, igvmerrors.NewHypervisorError(p.hostname, "lookup domain", err)
	}
	defer dom.Free()
	return true, nil
}

func (p *LibvirtProxy) VMRunning(ctx context.Context, vm *models.VM) (bool, error) {
	dom, err := p.lookupDomain(vm)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, igvmerrors.NewHypervisorError(p.hostname, "lookup domain", err)
	}
	defer dom.Free()

	state, _, err := dom.GetState()
	if err != nil {
		return false, igvmerrors.NewHypervisorError(p.hostname, "get state", err)
	}
	return state == libvirt.DOMAIN_RUNNING, nil
}

// domainDiskXML is the minimal subset of a libvirt domain XML's disk
// element needed to recover the backing LV path.
type domainDiskXML struct {
	XMLName xml.Name `xml:"domain"`
	Devices struct {
		Disks []struct {
			Source struct {
				Dev  string `xml:"dev,attr"`
				File string `xml:"file,attr"`
			} `xml:"source"`
		} `xml:"disk"`
	} `xml:"devices"`
}

func (p *LibvirtProxy) GetVolumeByVM(ctx context.Context, vm *models.VM) (Volume, error) {
	desc, err := p.DomainXML(ctx, vm)
	if err != nil {
		return Volume{}, err
	}

	var parsed domainDiskXML
	if err := xml.Unmarshal([]byte(desc), &parsed); err != nil {
		return Volume{}, igvmerrors.NewHypervisorError(p.hostname, "parse domain xml", err)
	}
	if len(parsed.Devices.Disks) == 0 {
		return Volume{}, igvmerrors.NewInvalidStateError("%s has no disk defined", vm.FQDN())
	}

	path := parsed.Devices.Disks[0].Source.Dev
	if path == "" {
		path = parsed.Devices.Disks[0].Source.File
	}
	return parseVolumePath(path)
}

// parseVolumePath splits /dev/{vg}/{lv} into a Volume.
func parseVolumePath(path string) (Volume, error) {
	parts := strings.Split(path, "/")
	if len(parts) != 4 || parts[0] != "" || parts[1] != "dev" {
		return Volume{}, igvmerrors.NewInvalidStateError("unexpected volume path %q, want /dev/<vg>/<lv>", path)
	}
	return Volume{VGName: parts[2], LVName: parts[3]}, nil
}

func (p *LibvirtProxy) DomainXML(ctx context.Context, vm *models.VM) (string, error) {
	dom, err := p.lookupDomain(vm)
	if err != nil {
		return "", igvmerrors.NewHypervisorError(p.hostname, "lookup domain", err)
	}
	defer dom.Free()

	desc, err := dom.GetXMLDesc(0)
	if err != nil {
		return "", igvmerrors.NewHypervisorError(p.hostname, "get xml desc", err)
	}
	return desc, nil
}

func (p *LibvirtProxy) GetBlockSize(ctx context.Context, path string) (int, error) {
	out, err := p.channel.Run(ctx, fmt.Sprintf("blockdev --getss %s", path), remoteexec.Silent())
	if err != nil {
		return 0, err
	}
	size, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, igvmerrors.NewHypervisorError(p.hostname, "parse block size", err)
	}
	return size, nil
}

func (p *LibvirtProxy) FreeVMMemoryMiB(ctx context.Context) (int64, error) {
	bytes, err := p.conn.GetFreeMemory()
	if err != nil {
		return 0, igvmerrors.NewHypervisorError(p.hostname, "get free memory", err)
	}
	return int64(bytes / (1024 * 1024)), nil
}

func (p *LibvirtProxy) FreeDiskGiB(ctx context.Context) (int64, error) {
	pool, err := p.conn.LookupStoragePoolByName(p.storagePool)
	if err != nil {
		return 0, igvmerrors.NewHypervisorError(p.hostname, "lookup storage pool", err)
	}
	defer pool.Free()

	info, err := pool.GetInfo()
	if err != nil {
		return 0, igvmerrors.NewHypervisorError(p.hostname, "get storage pool info", err)
	}
	return int64(info.Available / (1024 * 1024 * 1024)), nil
}

func (p *LibvirtProxy) DefineVM(ctx context.Context, xmlDesc string) error {
	dom, err := p.conn.DomainDefineXML(xmlDesc)
	if err != nil {
		return igvmerrors.NewHypervisorError(p.hostname, "define domain", err)
	}
	dom.Free()
	return nil
}

func (p *LibvirtProxy) UndefineVM(ctx context.Context, vm *models.VM) error {
	dom, err := p.lookupDomain(vm)
	if err != nil {
		return igvmerrors.NewHypervisorError(p.hostname, "lookup domain", err)
	}
	defer dom.Free()

	if err := dom.Undefine(); err != nil {
		return igvmerrors.NewHypervisorError(p.hostname, "undefine domain", err)
	}
	return nil
}

func (p *LibvirtProxy) StartVM(ctx context.Context, vm *models.VM) error {
	dom, err := p.lookupDomain(vm)
	if err != nil {
		return igvmerrors.NewHypervisorError(p.hostname, "lookup domain", err)
	}
	defer dom.Free()

	if err := dom.Create(); err != nil {
		return igvmerrors.NewHypervisorError(p.hostname, "start domain", err)
	}
	return nil
}

func (p *LibvirtProxy) StopVM(ctx context.Context, vm *models.VM) error {
	dom, err := p.lookupDomain(vm)
	if err != nil {
		return igvmerrors.NewHypervisorError(p.hostname, "lookup domain", err)
	}
	defer dom.Free()

	if err := dom.Shutdown(); err != nil {
		return igvmerrors.NewHypervisorError(p.hostname, "shutdown domain", err)
	}
	return nil
}

func (p *LibvirtProxy) StopVMForce(ctx context.Context, vm *models.VM) error {
	dom, err := p.lookupDomain(vm)
	if err != nil {
		return igvmerrors.NewHypervisorError(p.hostname, "lookup domain", err)
	}
	defer dom.Free()

	if err := dom.Destroy(); err != nil {
		return igvmerrors.NewHypervisorError(p.hostname, "destroy domain", err)
	}
	return nil
}

func (p *LibvirtProxy) SuspendVM(ctx context.Context, vm *models.VM) error {
	dom, err := p.lookupDomain(vm)
	if err != nil {
		return igvmerrors.NewHypervisorError(p.hostname, "lookup domain", err)
	}
	defer dom.Free()

	if err := dom.Suspend(); err != nil {
		return igvmerrors.NewHypervisorError(p.hostname, "suspend domain", err)
	}
	return nil
}

func (p *LibvirtProxy) ResumeVM(ctx context.Context, vm *models.VM) error {
	dom, err := p.lookupDomain(vm)
	if err != nil {
		return igvmerrors.NewHypervisorError(p.hostname, "lookup domain", err)
	}
	defer dom.Free()

	if err := dom.Resume(); err != nil {
		return igvmerrors.NewHypervisorError(p.hostname, "resume domain", err)
	}
	return nil
}

// Migrate performs a live, peer-to-peer libvirt migration of vm from p's
// host to dest's host. The DRBD layer beneath the domain's disk already
// allows two primaries, so the guest's storage stays writable on both
// ends for the duration of the memory hand-off.
func (p *LibvirtProxy) Migrate(ctx context.Context, vm *models.VM, dest Proxy) error {
	destProxy, ok := dest.(*LibvirtProxy)
	if !ok {
		return igvmerrors.NewInvalidStateError("migrate destination is not a libvirt proxy")
	}

	dom, err := p.lookupDomain(vm)
	if err != nil {
		return igvmerrors.NewHypervisorError(p.hostname, "lookup domain", err)
	}
	defer dom.Free()

	flags := libvirt.MIGRATE_LIVE | libvirt.MIGRATE_PEER2PEER | libvirt.MIGRATE_PERSIST_DEST | libvirt.MIGRATE_UNDEFINE_SOURCE

	destDom, err := dom.Migrate(destProxy.conn, flags, vm.FQDN(), "", 0)
	if err != nil {
		return igvmerrors.NewHypervisorError(p.hostname, "migrate domain", err)
	}
	destDom.Free()
	return nil
}

func (p *LibvirtProxy) VMSyncFromHypervisor(ctx context.Context, vm *models.VM) (map[string]any, error) {
	dom, err := p.lookupDomain(vm)
	if err != nil {
		return nil, igvmerrors.NewHypervisorError(p.hostname, "lookup domain", err)
	}
	defer dom.Free()

	info, err := dom.GetInfo()
	if err != nil {
		return nil, igvmerrors.NewHypervisorError(p.hostname, "get domain info", err)
	}

	volume, err := p.GetVolumeByVM(ctx, vm)
	if err != nil {
		return nil, err
	}
	out, err := p.channel.Run(ctx, fmt.Sprintf("lvs --noheadings -o lv_size --units g --nosuffix %s/%s", volume.VGName, volume.LVName))
	if err != nil {
		return nil, err
	}
	// lvs reports fractional sizes (e.g. "6.00"), not just whole
	// gibibytes, so this must tolerate a decimal point.
	diskGiBFloat, err := strconv.ParseFloat(strings.TrimSpace(out), 64)
	if err != nil {
		return nil, igvmerrors.NewHypervisorError(p.hostname, "parse lv size", err)
	}

	return map[string]any{
		"memory":        int64(info.Memory / 1024),
		"num_cpu":       int(info.NrVirtCpu),
		"disk_size_gib": int(math.Round(diskGiBFloat)),
	}, nil
}

func (p *LibvirtProxy) Run(ctx context.Context, cmd string, opts ...remoteexec.RunOption) (string, error) {
	return p.channel.Run(ctx, cmd, opts...)
}

func (p *LibvirtProxy) Put(ctx context.Context, path string, data []byte, mode uint32) error {
	return p.channel.Put(ctx, path, data, mode)
}

func (p *LibvirtProxy) ReadFile(ctx context.Context, path string) ([]byte, error) {
	return p.channel.ReadFile(ctx, path)
}

func isNotFound(err error) bool {
	lverr, ok := err.(libvirt.Error)
	return ok && lverr.Code == libvirt.ERR_NO_DOMAIN
}

var _ Proxy = (*LibvirtProxy)(nil)
