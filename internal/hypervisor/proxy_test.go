package hypervisor

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	igvmerrors "github.com/kubev2v/igvm/pkg/errors"
)

func TestHypervisor(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Hypervisor Suite")
}

var _ = Describe("Volume", func() {
	// Given a volume group and logical volume name
	// When Path is computed
	// Then it should be the absolute /dev/<vg>/<lv> device path
	It("should render the absolute device path", func() {
		v := Volume{VGName: "vg_drbd", LVName: "vm-abc123"}
		Expect(v.Path()).To(Equal("/dev/vg_drbd/vm-abc123"))
	})
})

var _ = Describe("parseVolumePath", func() {
	// Given a well-formed /dev/<vg>/<lv> path
	// When it is parsed
	// Then the volume group and logical volume names should split out
	It("should split a valid device path into vg/lv", func() {
		v, err := parseVolumePath("/dev/vg_drbd/vm-abc123")
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(Equal(Volume{VGName: "vg_drbd", LVName: "vm-abc123"}))
	})

	// Given a path that isn't shaped like /dev/<vg>/<lv>
	// When it is parsed
	// Then it should return an InvalidStateError
	It("should reject a malformed path", func() {
		_, err := parseVolumePath("/mnt/somewhere/else")
		Expect(err).To(HaveOccurred())
		Expect(igvmerrors.IsInvalidStateError(err)).To(BeTrue())
	})

	// Given a path with a missing vg or lv segment
	// When it is parsed
	// Then it should still reject rather than silently truncate
	It("should reject a path missing a segment", func() {
		_, err := parseVolumePath("/dev/vg_drbd")
		Expect(err).To(HaveOccurred())
		Expect(igvmerrors.IsInvalidStateError(err)).To(BeTrue())
	})
})
