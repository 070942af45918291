package mmap

import (
	"bytes"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/sarchlab/vmsim/mem/vm"
	"github.com/sarchlab/vmsim/mem/vm/blockdev"
	"github.com/sarchlab/vmsim/mem/vm/fault"
	"github.com/sarchlab/vmsim/mem/vm/frame"
	"github.com/sarchlab/vmsim/mem/vm/pagedir"
	"github.com/sarchlab/vmsim/mem/vm/physmem"
	"github.com/sarchlab/vmsim/mem/vm/swap"
	"github.com/sarchlab/vmsim/mem/vm/vfs"
)

const (
	pageSize = 4096
	base     = fault.DefaultUserBase
)

type oneSpace struct {
	as *vm.AddressSpace
}

func (s oneSpace) AddressSpace(pid vm.PID) (*vm.AddressSpace, bool) {
	return s.as, pid == s.as.PID
}

var _ = Describe("Manager", func() {
	var (
		mockCtrl *gomock.Controller
		mem      *physmem.Memory
		pool     *frame.Pool
		h        *fault.Handler
		m        *Manager
		as       *vm.AddressSpace
		file     *vfs.MemFile
	)

	build := func(numFrames int) {
		as = vm.NewAddressSpace(1, vm.NewPageTable(12), pagedir.New(12))
		mem = physmem.New(numFrames, pageSize)
		swp := swap.NewManager(blockdev.NewMemDevice(64), pageSize, nil)
		pool = frame.NewPool(mem, swp, oneSpace{as}, nil)
		h = fault.MakeBuilder().WithPool(pool).WithSwap(swp).Build()
		m = NewManager(pool, h, nil)
	}

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		file = vfs.NewMemFile("data", bytes.Repeat([]byte("abcdefgh"), 625))
		build(4)
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should create one page per page of file", func() {
		id, err := m.Mmap(as, file, base)

		Expect(err).NotTo(HaveOccurred())
		Expect(id).To(Equal(vm.MapID(0)))
		Expect(file.OpenHandles()).To(Equal(2))
		Expect(m.Mappings(1)).To(Equal([]Info{
			{ID: 0, Addr: base, Length: 5000, NumPages: 2},
		}))

		second, found := as.Pages.Find(base + pageSize + 1)
		Expect(found).To(BeTrue())
		Expect(second.Loaded).To(BeFalse())
		Expect(second.Writable).To(BeTrue())
		Expect(second.MapID).To(Equal(id))

		r, backed := second.Backing()
		Expect(backed).To(BeTrue())
		Expect(r.Offset).To(Equal(int64(pageSize)))
		Expect(r.ReadBytes).To(Equal(uint64(5000 - pageSize)))
		Expect(r.ZeroBytes).To(Equal(uint64(2*pageSize - 5000)))
	})

	It("should read the file through the mapping", func() {
		_, err := m.Mmap(as, file, base)
		Expect(err).NotTo(HaveOccurred())

		buf := make([]byte, 2*pageSize)
		Expect(h.Read(as, base, buf)).To(Succeed())

		Expect(buf[:5000]).To(Equal(file.Bytes()))
		Expect(buf[5000:]).To(Equal(make([]byte, 2*pageSize-5000)))
	})

	It("should hand out increasing ids", func() {
		first, _ := m.Mmap(as, file, base)
		second, _ := m.Mmap(as, file, base+4*pageSize)

		Expect(m.Munmap(as, first)).To(Succeed())

		third, err := m.Mmap(as, file, base)

		Expect(err).NotTo(HaveOccurred())
		Expect([]vm.MapID{first, second, third}).To(Equal([]vm.MapID{0, 1, 2}))
	})

	DescribeTable("should reject bad requests",
		func(addr uint64, prepare func()) {
			if prepare != nil {
				prepare()
			}

			id, err := m.Mmap(as, file, addr)

			Expect(err).To(MatchError(vm.ErrInvalidArgument))
			Expect(id).To(Equal(vm.NoMapping))
			Expect(file.OpenHandles()).To(Equal(1))
			Expect(m.Mappings(1)).To(BeEmpty())
		},
		Entry("address 0", uint64(0), nil),
		Entry("unaligned address", base+1, nil),
		Entry("kernel address", fault.DefaultUserTop, nil),
		Entry("mapping running into the kernel", fault.DefaultUserTop-pageSize, nil),
		Entry("overlap with an existing page", base, func() {
			as.Pages.Insert(&vm.Page{
				VAddr:  base + pageSize,
				Source: vm.AnonSource{},
				MapID:  vm.NoMapping,
			})
		}),
		Entry("empty file", base, func() {
			file = vfs.NewMemFile("empty", nil)
		}),
	)

	It("should reject a nil file", func() {
		_, err := m.Mmap(as, nil, base)

		Expect(err).To(MatchError(vm.ErrInvalidArgument))
	})

	It("should leave the address space untouched on overlap", func() {
		as.Pages.Insert(&vm.Page{
			VAddr:  base + pageSize,
			Source: vm.AnonSource{},
			MapID:  vm.NoMapping,
		})

		_, err := m.Mmap(as, file, base)

		Expect(err).To(HaveOccurred())
		Expect(as.Pages.Len()).To(Equal(1))
	})

	It("should write back only the dirty pages on munmap", func() {
		file = vfs.NewMemFile("data", bytes.Repeat([]byte{'.'}, 2*pageSize))
		id, _ := m.Mmap(as, file, base)

		buf := make([]byte, 16)
		Expect(h.Read(as, base, buf)).To(Succeed())
		Expect(h.Write(as, base+pageSize+10, []byte("hello"))).To(Succeed())

		Expect(m.Munmap(as, id)).To(Succeed())

		expected := bytes.Repeat([]byte{'.'}, 2*pageSize)
		copy(expected[pageSize+10:], "hello")
		Expect(file.Bytes()).To(Equal(expected))
		Expect(as.Pages.Len()).To(Equal(0))
		Expect(pool.Frames()).To(BeEmpty())
		Expect(mem.NumFree()).To(Equal(4))
		Expect(file.OpenHandles()).To(Equal(1))
	})

	It("should not write more than the file holds", func() {
		id, _ := m.Mmap(as, file, base)

		Expect(h.Write(as, base+pageSize, bytes.Repeat([]byte{'z'}, pageSize))).
			To(Succeed())
		Expect(m.Munmap(as, id)).To(Succeed())

		Expect(file.Length()).To(Equal(int64(5000)))
		Expect(file.Bytes()[pageSize:]).
			To(Equal(bytes.Repeat([]byte{'z'}, 5000-pageSize)))
	})

	It("should ignore a second munmap of the same id", func() {
		id, _ := m.Mmap(as, file, base)
		Expect(h.Write(as, base, []byte("X"))).To(Succeed())

		Expect(m.Munmap(as, id)).To(Succeed())
		Expect(m.Munmap(as, id)).To(Succeed())

		Expect(file.OpenHandles()).To(Equal(1))
		Expect(mem.NumFree()).To(Equal(4))
	})

	It("should ignore an id that was never mapped", func() {
		Expect(m.Munmap(as, 42)).To(Succeed())
	})

	It("should write back a mapped page when it is evicted", func() {
		build(1)
		id, _ := m.Mmap(as, file, base)

		Expect(h.Write(as, base, []byte("XY"))).To(Succeed())
		Expect(h.Read(as, base+pageSize, make([]byte, 1))).To(Succeed())

		Expect(file.Bytes()[:4]).To(Equal([]byte("XYcd")))

		buf := make([]byte, 4)
		Expect(h.Read(as, base, buf)).To(Succeed())
		Expect(buf).To(Equal([]byte("XYcd")))

		Expect(m.Munmap(as, id)).To(Succeed())
	})

	It("should unmap everything", func() {
		other := vfs.NewMemFile("other", []byte("123"))
		_, _ = m.Mmap(as, file, base)
		_, _ = m.Mmap(as, other, base+4*pageSize)

		Expect(h.Write(as, base+4*pageSize, []byte("9"))).To(Succeed())

		Expect(m.UnmapAll(as)).To(Succeed())

		Expect(other.Bytes()).To(Equal([]byte("923")))
		Expect(m.Mappings(1)).To(BeEmpty())
		Expect(as.Pages.Len()).To(Equal(0))
		Expect(file.OpenHandles()).To(Equal(1))
		Expect(other.OpenHandles()).To(Equal(1))
	})

	It("should finish unmapping when a write-back fails", func() {
		orig := NewMockFile(mockCtrl)
		own := NewMockFile(mockCtrl)

		orig.EXPECT().Reopen().Return(own, nil)
		own.EXPECT().Length().Return(int64(10), nil)
		own.EXPECT().
			ReadAt(gomock.Any(), int64(0)).
			DoAndReturn(func(p []byte, _ int64) (int, error) {
				return copy(p, "0123456789"), nil
			})
		own.EXPECT().
			WriteAt(gomock.Any(), int64(0)).
			Return(0, errors.New("disk gone"))
		own.EXPECT().Close().Return(nil)

		id, err := m.Mmap(as, orig, base)
		Expect(err).NotTo(HaveOccurred())
		Expect(h.Write(as, base, []byte("!"))).To(Succeed())

		err = m.Munmap(as, id)

		Expect(err).To(MatchError(vm.ErrIO))
		Expect(as.Pages.Len()).To(Equal(0))
		Expect(pool.Frames()).To(BeEmpty())
	})
})
