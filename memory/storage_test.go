package memory_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/vmsim/memory"
)

var _ = Describe("Storage", func() {
	It("should read and write in single unit", func() {
		storage := memory.NewStorage(4096, 4096)
		Expect(storage.Write(0, []byte{1, 2, 3, 4})).To(Succeed())

		res, _ := storage.Read(0, 2)
		Expect(res).To(Equal([]byte{1, 2}))

		res, _ = storage.Read(1, 2)
		Expect(res).To(Equal([]byte{2, 3}))
	})

	It("should read and write across units", func() {
		storage := memory.NewStorage(8192, 4096)
		Expect(storage.Write(4094, []byte{1, 2, 3, 4})).To(Succeed())

		res, _ := storage.Read(4094, 4)
		Expect(res).To(Equal([]byte{1, 2, 3, 4}))
		Expect(storage.NumUnitsInUse()).To(Equal(2))
	})

	It("should read zeros from untouched units without allocating", func() {
		storage := memory.NewStorage(8192, 4096)

		buf := []byte{9, 9, 9}
		Expect(storage.ReadInto(100, buf)).To(Succeed())

		Expect(buf).To(Equal([]byte{0, 0, 0}))
		Expect(storage.NumUnitsInUse()).To(Equal(0))
	})

	It("should return error if accessing over the capacity", func() {
		storage := memory.NewStorage(4096, 4096)
		err := storage.Write(4095, []byte{1, 2})
		Expect(err).To(MatchError(memory.ErrOutOfRange))

		_, err = storage.Read(4096, 1)
		Expect(err).To(MatchError(memory.ErrOutOfRange))
	})

	It("should discard whole units", func() {
		storage := memory.NewStorage(8192, 4096)
		Expect(storage.Write(4096, []byte{7, 7})).To(Succeed())

		Expect(storage.Discard(4096, 4096)).To(Succeed())

		res, _ := storage.Read(4096, 2)
		Expect(res).To(Equal([]byte{0, 0}))
		Expect(storage.NumUnitsInUse()).To(Equal(0))
	})
})
