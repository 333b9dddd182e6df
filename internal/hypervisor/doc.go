// Package hypervisor implements the HypervisorProxy contract: an
// adapter over a libvirt connection plus a remoteexec.Channel for one
// physical host. It answers VM defined/running queries, drives
// start/stop/suspend/resume/define/undefine, resolves the backing
// storage volume and block size for a VM's disk, and reports free
// hypervisor resources.
//
// Shell-level concerns (lvs, blockdev, stat) go through the Channel;
// libvirt-level concerns (domain lifecycle, live migration, free memory)
// go through libvirt.org/go/libvirt.
package hypervisor
