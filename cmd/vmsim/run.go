package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"

	"github.com/fatih/structs"
	"github.com/pkg/browser"

	"github.com/sarchlab/vmsim/datarecording"
	"github.com/sarchlab/vmsim/mem/vm/blockdev"
	"github.com/sarchlab/vmsim/mem/vm/vmm"
	"github.com/sarchlab/vmsim/mem/vm/vmtrace"
	"github.com/sarchlab/vmsim/monitoring"
)

// SummaryTable is the table that receives the final statistics when events
// are recorded.
const SummaryTable = "vm_summary"

type summaryEntry struct {
	Name  string
	Value uint64
}

func runSimulation(
	ctx context.Context,
	cfg Config,
	openBrowser bool,
	out io.Writer,
) error {
	if ctx == nil {
		ctx = context.Background()
	}

	logger, closeLog, err := initLogger(cfg.LogFile, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer closeLog()

	comp, closeSwap, err := buildManager(cfg, logger)
	if err != nil {
		return err
	}
	defer closeSwap()

	counter := vmtrace.NewCounter()
	comp.AcceptHook(counter)

	var recorder datarecording.DataRecorder
	if cfg.TraceDB != "" {
		recorder = datarecording.New(cfg.TraceDB)
		defer recorder.Close()

		comp.AcceptHook(vmtrace.NewRecorder(recorder, nil))
	}

	var bar progress
	if cfg.Monitor {
		m := monitoring.NewMonitor().WithPortNumber(cfg.MonitorPort)
		m.RegisterManager(comp)

		port := m.StartServer()
		defer m.StopServer()

		b := m.CreateProgressBar("workload",
			uint64(cfg.Workload.Processes*cfg.Workload.Steps))
		defer m.CompleteProgressBar(b)
		bar = b

		if openBrowser {
			url := fmt.Sprintf("http://localhost:%d", port)
			if err := browser.OpenURL(url); err != nil {
				logger.Warn("cannot open browser", "url", url, "err", err)
			}
		}
	}

	results, err := runWorkload(ctx, comp, cfg.Workload, bar, logger)

	summary := summarize(comp.Stats(), counter)
	if recorder != nil {
		recordSummary(recorder, summary)
	}

	printResults(out, results, summary)

	return err
}

func buildManager(cfg Config, logger *slog.Logger) (*vmm.Comp, func() error, error) {
	closeSwap := func() error { return nil }

	b := vmm.MakeBuilder().
		WithNumFrames(cfg.NumFrames).
		WithLog2PageSize(cfg.Log2PageSize).
		WithLogger(logger)

	sectors := (cfg.SwapPages << cfg.Log2PageSize) / blockdev.SectorSize

	switch {
	case cfg.SwapPages == 0:
	case cfg.SwapFile != "":
		dev, err := blockdev.OpenFileDevice(cfg.SwapFile, sectors)
		if err != nil {
			return nil, nil, err
		}

		b = b.WithSwapDevice(dev)
		closeSwap = dev.Close
	default:
		b = b.WithSwapDevice(blockdev.NewMemDevice(sectors))
	}

	return b.Build("VMM"), closeSwap, nil
}

func summarize(stats vmm.Stats, counter *vmtrace.Counter) []summaryEntry {
	var entries []summaryEntry

	for _, f := range structs.Fields(stats) {
		switch v := f.Value().(type) {
		case int:
			entries = append(entries, summaryEntry{f.Name(), uint64(v)})
		case uint64:
			entries = append(entries, summaryEntry{f.Name(), v})
		}
	}

	counts := counter.Snapshot()
	for _, name := range counter.Names() {
		entries = append(entries, summaryEntry{
			Name:  "Hook" + name,
			Value: counts[name],
		})
	}

	return entries
}

func recordSummary(recorder datarecording.DataRecorder, entries []summaryEntry) {
	recorder.CreateTable(SummaryTable, summaryEntry{})

	for _, e := range entries {
		recorder.InsertData(SummaryTable, e)
	}

	recorder.Flush()
}

func printResults(out io.Writer, results []processResult, summary []summaryEntry) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)

	fmt.Fprintln(w, "PID\tSTEPS\tSTATUS\tERROR")

	for _, r := range results {
		errStr := "-"
		if r.Err != nil {
			errStr = r.Err.Error()
		}

		fmt.Fprintf(w, "%d\t%d\t%d\t%s\n", r.PID, r.Steps, r.Status, errStr)
	}

	fmt.Fprintln(w)

	for _, e := range summary {
		fmt.Fprintf(w, "%s\t%d\n", e.Name, e.Value)
	}

	w.Flush()
}
