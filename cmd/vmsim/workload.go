package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"

	"github.com/sarchlab/vmsim/mem/vm"
	"github.com/sarchlab/vmsim/mem/vm/fault"
	"github.com/sarchlab/vmsim/mem/vm/vfs"
	"github.com/sarchlab/vmsim/mem/vm/vmm"
)

// Where the regions of every synthetic process start.
const (
	imageBase = fault.DefaultUserBase
	heapBase  = imageBase + 0x1000000
	fileBase  = imageBase + 0x2000000
)

// errCorrupted reports memory that did not read back what was written.
var errCorrupted = errors.New("memory content corrupted")

type progress interface {
	IncrementFinished(amount uint64)
}

// processResult is how one synthetic process ended.
type processResult struct {
	PID    vm.PID
	Steps  int
	Status int
	Err    error
}

type region struct {
	name     string
	addr     uint64
	size     uint64
	writable bool
	initial  func(off uint64) byte
}

// processRun drives one process. Every byte written is remembered, so that
// each read can be checked against what the process should see.
type processRun struct {
	pid    vm.PID
	comp   *vmm.Comp
	cfg    WorkloadConfig
	rng    *rand.Rand
	logger *slog.Logger

	regions []region
	shadow  map[uint64]byte
	file    *vfs.MemFile
	mapID   vm.MapID
}

func imageByte(pid vm.PID, off uint64) byte { return byte(off*7 + uint64(pid)) }
func fileByte(pid vm.PID, off uint64) byte  { return byte(off*13 + uint64(pid)) }

func makeContent(size uint64, gen func(off uint64) byte) []byte {
	content := make([]byte, size)
	for i := range content {
		content[i] = gen(uint64(i))
	}

	return content
}

// runWorkload runs cfg.Processes processes at the same time and tears each
// down when it is done.
func runWorkload(
	ctx context.Context,
	comp *vmm.Comp,
	cfg WorkloadConfig,
	bar progress,
	logger *slog.Logger,
) ([]processResult, error) {
	results := make([]processResult, cfg.Processes)
	errs := make([]error, cfg.Processes)

	var wg sync.WaitGroup

	for i := range cfg.Processes {
		run := &processRun{
			pid:    vm.PID(i + 1),
			comp:   comp,
			cfg:    cfg,
			rng:    rand.New(rand.NewPCG(cfg.Seed, uint64(i+1))),
			logger: logger.With("pid", i+1),
			shadow: make(map[uint64]byte),
			mapID:  vm.NoMapping,
		}

		wg.Add(1)

		go func() {
			defer wg.Done()

			results[i], errs[i] = run.run(ctx, bar)
		}()
	}

	wg.Wait()

	return results, errors.Join(errs...)
}

func (p *processRun) run(ctx context.Context, bar progress) (processResult, error) {
	res := processResult{PID: p.pid}

	if err := p.comp.CreateProcess(p.pid); err != nil {
		return res, err
	}

	if err := p.setup(); err != nil {
		return res, p.abort(err)
	}

	for res.Steps < p.cfg.Steps && ctx.Err() == nil {
		err := p.step()
		if errors.Is(err, errCorrupted) {
			return res, p.abort(err)
		}

		if err != nil {
			p.logger.Warn("process stopped", "step", res.Steps, "err", err)
			res.Err = err

			break
		}

		res.Steps++

		if bar != nil {
			bar.IncrementFinished(1)
		}
	}

	if err := p.finish(); err != nil {
		return res, p.abort(err)
	}

	status, err := p.comp.Teardown(p.pid, 0)
	res.Status = status

	return res, err
}

func (p *processRun) abort(err error) error {
	_, teardownErr := p.comp.Teardown(p.pid, vm.ExitAbnormal)

	return errors.Join(fmt.Errorf("process %d: %w", p.pid, err), teardownErr)
}

func (p *processRun) setup() error {
	pageSize := p.comp.PageSize()

	if p.cfg.ImagePages > 0 {
		if err := p.loadImage(pageSize); err != nil {
			return err
		}
	}

	if p.cfg.AnonPages > 0 {
		err := p.comp.MapAnonymous(p.pid, heapBase, p.cfg.AnonPages, true)
		if err != nil {
			return err
		}

		p.regions = append(p.regions, region{
			name:     "heap",
			addr:     heapBase,
			size:     uint64(p.cfg.AnonPages) * pageSize,
			writable: true,
			initial:  func(uint64) byte { return 0 },
		})
	}

	if p.cfg.FilePages > 0 {
		size := uint64(p.cfg.FilePages)*pageSize - 100
		p.file = vfs.NewMemFile(fmt.Sprintf("data-%d", p.pid),
			makeContent(size, func(off uint64) byte { return fileByte(p.pid, off) }))

		id, err := p.comp.Mmap(p.pid, p.file, fileBase)
		if err != nil {
			return err
		}

		p.mapID = id
		p.regions = append(p.regions, region{
			name:     "file",
			addr:     fileBase,
			size:     size,
			writable: true,
			initial:  func(off uint64) byte { return fileByte(p.pid, off) },
		})
	}

	return nil
}

// loadImage registers a read-only text segment followed by a writable data
// segment whose last half page is bss.
func (p *processRun) loadImage(pageSize uint64) error {
	numPages := uint64(p.cfg.ImagePages)
	textPages := numPages / 2
	imageSize := numPages*pageSize - pageSize/2

	image := vfs.NewMemFile(fmt.Sprintf("image-%d", p.pid),
		makeContent(imageSize, func(off uint64) byte { return imageByte(p.pid, off) }))

	textSize := textPages * pageSize
	if textPages > 0 {
		err := p.comp.LoadSegment(p.pid, image, 0, imageBase, textSize, 0, false)
		if err != nil {
			return err
		}
	}

	dataRead := imageSize - textSize
	dataZero := (numPages-textPages)*pageSize - dataRead

	err := p.comp.LoadSegment(p.pid, image, int64(textSize),
		imageBase+textSize, dataRead, dataZero, true)
	if err != nil {
		return err
	}

	initial := func(off uint64) byte {
		if off >= imageSize {
			return 0
		}

		return imageByte(p.pid, off)
	}

	if textPages > 0 {
		p.regions = append(p.regions, region{
			name:    "text",
			addr:    imageBase,
			size:    textSize,
			initial: initial,
		})
	}

	p.regions = append(p.regions, region{
		name:     "data",
		addr:     imageBase + textSize,
		size:     numPages*pageSize - textSize,
		writable: true,
		initial:  func(off uint64) byte { return initial(off + textSize) },
	})

	return nil
}

func (p *processRun) expected(r region, off uint64) byte {
	if b, ok := p.shadow[r.addr+off]; ok {
		return b
	}

	return r.initial(off)
}

func (p *processRun) step() error {
	if len(p.regions) == 0 {
		return nil
	}

	r := p.regions[p.rng.IntN(len(p.regions))]
	off := p.rng.Uint64N(r.size)
	addr := r.addr + off

	if r.writable && p.rng.Float64() < p.cfg.WriteRatio {
		b := byte(p.rng.Uint32())
		if err := p.comp.Write(p.pid, addr, []byte{b}); err != nil {
			return err
		}

		p.shadow[addr] = b

		return nil
	}

	buf := make([]byte, 1)
	if err := p.comp.Read(p.pid, addr, buf); err != nil {
		return err
	}

	if want := p.expected(r, off); buf[0] != want {
		return fmt.Errorf("%w: %s at %#x reads %#x, want %#x",
			errCorrupted, r.name, addr, buf[0], want)
	}

	return nil
}

// finish unmaps the file and checks that every write reached it. A killed
// process leaves its mappings to the teardown.
func (p *processRun) finish() error {
	if _, killed := p.killed(); killed || p.mapID == vm.NoMapping {
		return nil
	}

	if err := p.comp.Munmap(p.pid, p.mapID); err != nil {
		return err
	}

	content := p.file.Bytes()
	for off := range uint64(len(content)) {
		want := fileByte(p.pid, off)
		if b, ok := p.shadow[fileBase+off]; ok {
			want = b
		}

		if content[off] != want {
			return fmt.Errorf("%w: file offset %d holds %#x, want %#x",
				errCorrupted, off, content[off], want)
		}
	}

	return nil
}

func (p *processRun) killed() (int, bool) {
	as, found := p.comp.AddressSpace(p.pid)
	if !found {
		return 0, false
	}

	return as.Terminated()
}
