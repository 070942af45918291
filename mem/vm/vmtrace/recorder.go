// Package vmtrace provides hooks that observe the paging system, either
// recording every event into a database or counting them.
package vmtrace

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/sarchlab/vmsim/datarecording"
	"github.com/sarchlab/vmsim/mem/vm"
)

// EventTable is the table that a Recorder writes to.
const EventTable = "vm_event"

// Event is one row of the event table.
type Event struct {
	ID     string
	Seq    uint64
	Time   float64
	Domain string
	Pos    string
	PID    uint32
	VAddr  uint64
	Detail string
}

// EventFilter decides if an event is kept.
type EventFilter func(ctx vm.HookCtx) bool

// AllEvents keeps every event.
func AllEvents(vm.HookCtx) bool { return true }

// PositionFilter keeps the events at the given positions.
func PositionFilter(positions ...*vm.HookPos) EventFilter {
	return func(ctx vm.HookCtx) bool {
		for _, pos := range positions {
			if ctx.Pos == pos {
				return true
			}
		}

		return false
	}
}

// A Recorder is a hook that stores events through a DataRecorder.
type Recorder struct {
	lock    sync.Mutex
	backend datarecording.DataRecorder
	filter  EventFilter
	start   time.Time
	seq     uint64
}

// NewRecorder creates a recorder and its table.
func NewRecorder(
	backend datarecording.DataRecorder,
	filter EventFilter,
) *Recorder {
	if filter == nil {
		filter = AllEvents
	}

	backend.CreateTable(EventTable, Event{})

	return &Recorder{
		backend: backend,
		filter:  filter,
		start:   time.Now(),
	}
}

// Func records an event.
func (r *Recorder) Func(ctx vm.HookCtx) {
	if !r.filter(ctx) {
		return
	}

	r.lock.Lock()
	r.seq++
	seq := r.seq
	r.lock.Unlock()

	r.backend.InsertData(EventTable, Event{
		ID:     xid.New().String(),
		Seq:    seq,
		Time:   time.Since(r.start).Seconds(),
		Domain: fmt.Sprintf("%T", ctx.Domain),
		Pos:    ctx.Pos.Name,
		PID:    uint32(ctx.Item.PID),
		VAddr:  ctx.Item.VAddr,
		Detail: detailString(ctx.Detail),
	})
}

// NumRecorded returns the number of events recorded so far.
func (r *Recorder) NumRecorded() uint64 {
	r.lock.Lock()
	defer r.lock.Unlock()

	return r.seq
}

func detailString(detail any) string {
	switch d := detail.(type) {
	case nil:
		return ""
	case error:
		return d.Error()
	case fmt.Stringer:
		return d.String()
	default:
		return fmt.Sprint(d)
	}
}
