package monitoring

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"reflect"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/vmsim/mem/vm"
	"github.com/sarchlab/vmsim/mem/vm/blockdev"
	"github.com/sarchlab/vmsim/mem/vm/fault"
	"github.com/sarchlab/vmsim/mem/vm/vmm"
)

type sampleStruct struct {
	field1 int
	field2 string
	field3 *sampleStruct
	field4 []sampleStruct
}

var _ = Describe("Monitor", func() {
	var (
		m *Monitor
	)

	BeforeEach(func() {
		m = &Monitor{}
	})

	It("should walk int fields", func() {
		s := &sampleStruct{
			field1: 1,
		}

		elem, err := m.walkFields(s, "field1")

		Expect(err).To(BeNil())
		Expect(elem.Kind()).To(Equal(reflect.Int))
		Expect(elem.Int()).To(Equal(int64(1)))
	})

	It("should walk string fields", func() {
		s := &sampleStruct{
			field2: "abc",
		}

		elem, err := m.walkFields(s, "field2")

		Expect(err).To(BeNil())
		Expect(elem.Kind()).To(Equal(reflect.String))
		Expect(elem.String()).To(Equal("abc"))
	})

	It("should walk recursively", func() {
		s := &sampleStruct{
			field3: &sampleStruct{
				field1: 1,
			},
		}

		elem, err := m.walkFields(s, "field3.field1")

		Expect(err).To(BeNil())
		Expect(elem.Kind()).To(Equal(reflect.Int))
		Expect(elem.Int()).To(Equal(int64(1)))
	})

	It("should walk slice recursively", func() {
		s := &sampleStruct{
			field4: []sampleStruct{{
				field4: []sampleStruct{
					{field1: 1},
				},
			}, {}},
		}

		elem, err := m.walkFields(s, "field4.0.field4.0.field1")

		Expect(err).To(BeNil())
		Expect(elem.Int()).To(Equal(int64(1)))
	})

	It("should reject out of range slice indices", func() {
		s := &sampleStruct{field4: []sampleStruct{{}}}

		_, err := m.walkFields(s, "field4.3")

		Expect(err).To(Equal(fieldFormatError{}))
	})

	It("should sort and page processes", func() {
		infos := []vmm.ProcessInfo{
			{PID: 1, Resident: 1, Swapped: 5},
			{PID: 2, Resident: 3, Swapped: 0},
			{PID: 3, Resident: 2, Swapped: 2},
		}

		Expect(pids(sortAndSelectProcesses(infos, "resident", 0, 0))).
			To(Equal([]vm.PID{2, 3, 1}))
		Expect(pids(sortAndSelectProcesses(infos, "swapped", 2, 0))).
			To(Equal([]vm.PID{1, 3}))
		Expect(pids(sortAndSelectProcesses(infos, "pid", 2, 2))).
			To(Equal([]vm.PID{3}))
		Expect(sortAndSelectProcesses(infos, "pid", 1, 7)).To(BeEmpty())
	})

	It("should complete progress bars", func() {
		a := m.CreateProgressBar("a", 10)
		b := m.CreateProgressBar("b", 5)

		a.IncrementInProgress(4)
		a.MoveInProgressToFinished(3)
		m.CompleteProgressBar(b)

		Expect(m.progressBars).To(ConsistOf(a))
		Expect(a.Snapshot().Finished).To(Equal(uint64(3)))
		Expect(a.Snapshot().InProgress).To(Equal(uint64(1)))
		Expect(a.ID).ToNot(Equal(b.ID))
	})
})

var _ = Describe("Monitor API", func() {
	var (
		m      *Monitor
		c      *vmm.Comp
		router http.Handler
	)

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

		return rec
	}

	BeforeEach(func() {
		c = vmm.MakeBuilder().
			WithNumFrames(2).
			WithSwapDevice(blockdev.NewMemDevice(64)).
			Build("VMM")

		Expect(c.CreateProcess(1)).To(Succeed())
		Expect(c.CreateProcess(2)).To(Succeed())
		Expect(c.MapAnonymous(1, fault.DefaultUserBase, 3, true)).To(Succeed())
		Expect(c.MapAnonymous(2, fault.DefaultUserBase, 1, true)).To(Succeed())

		for i := uint64(0); i < 3; i++ {
			Expect(c.Write(1, fault.DefaultUserBase+i*4096, []byte{1})).
				To(Succeed())
		}

		m = NewMonitor()
		m.RegisterManager(c)
		router = m.Router()
	})

	It("should list managers", func() {
		rec := get("/api/list_managers")

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(MatchJSON(`["VMM"]`))
	})

	It("should serve stats", func() {
		rec := get("/api/stats/VMM")

		stats := vmm.Stats{}
		Expect(json.Unmarshal(rec.Body.Bytes(), &stats)).To(Succeed())
		Expect(stats).To(Equal(c.Stats()))
		Expect(stats.SwapOuts).To(Equal(uint64(1)))
	})

	It("should answer 404 for unknown managers", func() {
		Expect(get("/api/stats/Nope").Code).To(Equal(http.StatusNotFound))
		Expect(get("/api/processes/Nope").Code).To(Equal(http.StatusNotFound))
	})

	It("should list processes by resident pages", func() {
		rec := get("/api/processes/VMM?sort=resident&limit=1")

		var infos []vmm.ProcessInfo
		Expect(json.Unmarshal(rec.Body.Bytes(), &infos)).To(Succeed())
		Expect(infos).To(HaveLen(1))
		Expect(infos[0].PID).To(Equal(vm.PID(1)))
		Expect(infos[0].Resident).To(Equal(2))
		Expect(infos[0].Swapped).To(Equal(1))
	})

	It("should reject bad process queries", func() {
		Expect(get("/api/processes/VMM?sort=size").Code).
			To(Equal(http.StatusBadRequest))
		Expect(get("/api/processes/VMM?limit=-1").Code).
			To(Equal(http.StatusBadRequest))
	})

	It("should serve the details of a process", func() {
		Expect(get("/api/process/VMM/2").Code).To(Equal(http.StatusOK))
		Expect(get("/api/process/VMM/9").Code).To(Equal(http.StatusNotFound))
		Expect(get("/api/process/VMM/x").Code).To(Equal(http.StatusBadRequest))
	})

	It("should serve one field of the stats", func() {
		req := url.PathEscape(`{"manager":"VMM","field_name":"Processes"}`)

		rec := get("/api/field/" + req)

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(Equal("2"))
	})

	It("should serve progress bars", func() {
		bar := m.CreateProgressBar("workload", 8)
		bar.IncrementFinished(2)

		rec := get("/api/progress")

		var bars []ProgressBarSnapshot
		Expect(json.Unmarshal(rec.Body.Bytes(), &bars)).To(Succeed())
		Expect(bars).To(HaveLen(1))
		Expect(bars[0].Name).To(Equal("workload"))
		Expect(bars[0].Finished).To(Equal(uint64(2)))
	})

	It("should serve the web page", func() {
		rec := get("/")

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(HavePrefix("<!DOCTYPE html>"))
	})
})

func pids(infos []vmm.ProcessInfo) []vm.PID {
	out := make([]vm.PID, len(infos))
	for i, info := range infos {
		out[i] = info.PID
	}

	return out
}
