package pagedir

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/vmsim/mem/vm"
)

var _ vm.TranslationTable = &Directory{}

var _ = Describe("Directory", func() {
	var dir *Directory

	BeforeEach(func() {
		dir = New(12)
	})

	It("should translate with the in-page offset", func() {
		Expect(dir.Install(0x8000, 0x3000, true)).To(Succeed())

		pAddr, writable, ok := dir.Lookup(0x8010)

		Expect(ok).To(BeTrue())
		Expect(writable).To(BeTrue())
		Expect(pAddr).To(Equal(uint64(0x3010)))
	})

	It("should refuse to install over a present mapping", func() {
		Expect(dir.Install(0x8000, 0x3000, false)).To(Succeed())

		err := dir.Install(0x8000, 0x4000, false)

		Expect(err).To(MatchError(ErrAlreadyMapped))
	})

	It("should refuse unaligned frames", func() {
		Expect(dir.Install(0x8000, 0x3001, false)).NotTo(Succeed())
	})

	It("should track accessed and dirty bits separately", func() {
		Expect(dir.Install(0x8000, 0x3000, true)).To(Succeed())

		dir.SetAccessed(0x8000, true)
		Expect(dir.IsAccessed(0x8000)).To(BeTrue())
		Expect(dir.IsDirty(0x8000)).To(BeFalse())

		dir.SetDirty(0x8abc, true)
		dir.SetAccessed(0x8000, false)
		Expect(dir.IsAccessed(0x8000)).To(BeFalse())
		Expect(dir.IsDirty(0x8000)).To(BeTrue())

		pAddr, _, _ := dir.Lookup(0x8000)
		Expect(pAddr).To(Equal(uint64(0x3000)))
	})

	It("should forget bits when the mapping is cleared", func() {
		Expect(dir.Install(0x8000, 0x3000, true)).To(Succeed())
		dir.SetDirty(0x8000, true)

		dir.Clear(0x8000)

		_, _, ok := dir.Lookup(0x8000)
		Expect(ok).To(BeFalse())
		Expect(dir.IsDirty(0x8000)).To(BeFalse())
		Expect(dir.Len()).To(Equal(0))
	})
})
