// Package monitoring turns a running virtual memory manager into a web
// server, so that its frames, swap and processes can be watched live.
package monitoring

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"reflect"
	"runtime/pprof"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	// Enable profiling
	_ "net/http/pprof"

	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/rs/xid"
	"github.com/shirou/gopsutil/process"
	"github.com/syifan/goseth"

	"github.com/sarchlab/vmsim/mem/vm"
	"github.com/sarchlab/vmsim/mem/vm/vmm"
	"github.com/sarchlab/vmsim/monitoring/web"
)

// A Manager is a virtual memory manager that can be monitored.
type Manager interface {
	Name() string
	Stats() vmm.Stats
	InspectProcess(pid vm.PID) (vmm.ProcessInfo, error)
	InspectProcesses() []vmm.ProcessInfo
}

// Monitor serves the state of the registered managers over HTTP.
type Monitor struct {
	managers   []Manager
	portNumber int
	listener   net.Listener

	progressBarsLock sync.Mutex
	progressBars     []*ProgressBar
}

// NewMonitor creates a new Monitor
func NewMonitor() *Monitor {
	return &Monitor{}
}

// WithPortNumber sets the port number of the monitor.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	if portNumber < 1000 {
		fmt.Fprintf(os.Stderr,
			"Port number %d is assigned to the monitoring server, "+
				"which is not allowed. Using a random port instead.\n", portNumber)
		portNumber = 0
	}

	m.portNumber = portNumber

	return m
}

// RegisterManager registers a manager to be monitored.
func (m *Monitor) RegisterManager(c Manager) {
	m.managers = append(m.managers, c)
}

// CreateProgressBar creates a new progress bar.
func (m *Monitor) CreateProgressBar(name string, total uint64) *ProgressBar {
	bar := &ProgressBar{
		ID:        xid.New().String(),
		Name:      name,
		StartTime: time.Now(),
		Total:     total,
	}

	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	m.progressBars = append(m.progressBars, bar)

	return bar
}

// CompleteProgressBar removes a bar to be shown on the webpage.
func (m *Monitor) CompleteProgressBar(pb *ProgressBar) {
	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	newBars := make([]*ProgressBar, 0, len(m.progressBars))
	for _, b := range m.progressBars {
		if b != pb {
			newBars = append(newBars, b)
		}
	}

	m.progressBars = newBars
}

// Router returns the handler that serves the monitoring API and the web page.
func (m *Monitor) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/api/list_managers", m.listManagers)
	r.HandleFunc("/api/stats/{name}", m.stats)
	r.HandleFunc("/api/processes/{name}", m.listProcesses)
	r.HandleFunc("/api/process/{name}/{pid}", m.processDetails)
	r.HandleFunc("/api/field/{json}", m.listFieldValue)
	r.HandleFunc("/api/progress", m.listProgressBars)
	r.HandleFunc("/api/resource", m.listResources)
	r.HandleFunc("/api/profile", m.collectProfile)
	r.PathPrefix("/debug/pprof/").Handler(http.DefaultServeMux)
	r.PathPrefix("/").Handler(http.FileServer(web.GetAssets()))

	return r
}

// StartServer starts the monitor as a web server and returns its port.
func (m *Monitor) StartServer() int {
	actualPort := ":0"
	if m.portNumber > 1000 {
		actualPort = ":" + strconv.Itoa(m.portNumber)
	}

	listener, err := net.Listen("tcp", actualPort)
	dieOnErr(err)

	m.listener = listener
	port := listener.Addr().(*net.TCPAddr).Port

	fmt.Fprintf(os.Stderr,
		"Monitoring virtual memory with http://localhost:%d\n", port)

	go func() {
		err := http.Serve(listener, m.Router())
		if err != nil && !errors.Is(err, net.ErrClosed) {
			dieOnErr(err)
		}
	}()

	return port
}

// StopServer closes the listener of the server.
func (m *Monitor) StopServer() error {
	if m.listener == nil {
		return nil
	}

	return m.listener.Close()
}

func (m *Monitor) listManagers(w http.ResponseWriter, _ *http.Request) {
	names := make([]string, 0, len(m.managers))
	for _, c := range m.managers {
		names = append(names, c.Name())
	}

	writeJSON(w, names)
}

func (m *Monitor) stats(w http.ResponseWriter, r *http.Request) {
	c := m.findManagerOr404(w, mux.Vars(r)["name"])
	if c == nil {
		return
	}

	writeJSON(w, c.Stats())
}

func (m *Monitor) listProcesses(w http.ResponseWriter, r *http.Request) {
	c := m.findManagerOr404(w, mux.Vars(r)["name"])
	if c == nil {
		return
	}

	sortMethod, limit, offset, err := m.processesParseParams(r)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, "Error: %s", err)

		return
	}

	infos := sortAndSelectProcesses(c.InspectProcesses(), sortMethod, limit, offset)

	writeJSON(w, infos)
}

func (m *Monitor) processDetails(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	c := m.findManagerOr404(w, vars["name"])
	if c == nil {
		return
	}

	pid, err := strconv.ParseUint(vars["pid"], 10, 32)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, "Error: %s", err)

		return
	}

	info, err := c.InspectProcess(vm.PID(pid))
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintf(w, "Error: %s", err)

		return
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(&info)
	serializer.SetMaxDepth(2)

	err = serializer.Serialize(w)
	dieOnErr(err)
}

type fieldReq struct {
	Manager   string `json:"manager,omitempty"`
	FieldName string `json:"field_name,omitempty"`
}

// listFieldValue serves one field of the stats of a manager, such as
// {"manager":"VMM","field_name":"SwapOuts"}.
func (m *Monitor) listFieldValue(w http.ResponseWriter, r *http.Request) {
	req := fieldReq{}

	err := json.Unmarshal([]byte(mux.Vars(r)["json"]), &req)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, "Error: %s", err)

		return
	}

	c := m.findManagerOr404(w, req.Manager)
	if c == nil {
		return
	}

	stats := c.Stats()

	elem, err := m.walkFields(&stats, req.FieldName)
	if err != nil || !elem.IsValid() {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, "Error: cannot find field %s", req.FieldName)

		return
	}

	writeJSON(w, elem.Interface())
}

func (*Monitor) processesParseParams(
	r *http.Request,
) (sort string, limit, offset int, err error) {
	sortMethod := r.URL.Query().Get("sort")
	if sortMethod == "" {
		sortMethod = "resident"
	}

	if sortMethod != "resident" && sortMethod != "swapped" &&
		sortMethod != "pid" {
		errStr := fmt.Sprintf(
			"Invalid sort method: %s. "+
				"Allowed values are `resident`, `swapped` and `pid`",
			sortMethod)

		return "", 0, 0, errors.New(errStr)
	}

	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		limitStr = "0"
	}

	limitNumber, err := strconv.Atoi(limitStr)
	if err != nil || limitNumber < 0 {
		return sortMethod, 0, 0, fmt.Errorf("invalid limit %q", limitStr)
	}

	offsetStr := r.URL.Query().Get("offset")
	if offsetStr == "" {
		offsetStr = "0"
	}

	offsetNumber, err := strconv.Atoi(offsetStr)
	if err != nil || offsetNumber < 0 {
		return sortMethod, limitNumber, 0,
			fmt.Errorf("invalid offset %q", offsetStr)
	}

	return sortMethod, limitNumber, offsetNumber, nil
}

// sortAndSelectProcesses orders the processes, most memory first, and cuts
// a page of them. A zero limit keeps everything after offset.
func sortAndSelectProcesses(
	infos []vmm.ProcessInfo,
	sortMethod string,
	limit, offset int,
) []vmm.ProcessInfo {
	switch sortMethod {
	case "resident":
		sort.SliceStable(infos, func(i, j int) bool {
			if infos[i].Resident != infos[j].Resident {
				return infos[i].Resident > infos[j].Resident
			}

			return infos[i].Swapped > infos[j].Swapped
		})
	case "swapped":
		sort.SliceStable(infos, func(i, j int) bool {
			if infos[i].Swapped != infos[j].Swapped {
				return infos[i].Swapped > infos[j].Swapped
			}

			return infos[i].Resident > infos[j].Resident
		})
	case "pid":
		sort.SliceStable(infos, func(i, j int) bool {
			return infos[i].PID < infos[j].PID
		})
	default:
		panic("Invalid sort method " + sortMethod)
	}

	offset = min(offset, len(infos))

	end := len(infos)
	if limit > 0 {
		end = min(offset+limit, end)
	}

	return infos[offset:end]
}

type fieldFormatError struct {
}

func (e fieldFormatError) Error() string {
	return "fieldFormatError"
}

func (m *Monitor) walkFields(
	root any,
	fields string,
) (reflect.Value, error) {
	elem := reflect.ValueOf(root)

	fieldNames := strings.Split(fields, ".")

	for len(fieldNames) > 0 {
		switch elem.Kind() {
		case reflect.Ptr, reflect.Interface:
			elem = elem.Elem()
		case reflect.Struct:
			elem = elem.FieldByName(fieldNames[0])
			fieldNames = fieldNames[1:]
		case reflect.Slice:
			index, err := strconv.Atoi(fieldNames[0])
			if err != nil || index < 0 || index >= elem.Len() {
				return elem, fieldFormatError{}
			}

			elem = elem.Index(index)
			fieldNames = fieldNames[1:]
		default:
			return elem, fieldFormatError{}
		}
	}

	if elem.Kind() == reflect.Ptr {
		elem = elem.Elem()
	}

	return elem, nil
}

func (m *Monitor) findManagerOr404(
	w http.ResponseWriter,
	name string,
) Manager {
	for _, c := range m.managers {
		if c.Name() == name {
			return c
		}
	}

	w.WriteHeader(http.StatusNotFound)
	_, err := w.Write([]byte("Manager not found"))
	dieOnErr(err)

	return nil
}

func (m *Monitor) listProgressBars(w http.ResponseWriter, _ *http.Request) {
	m.progressBarsLock.Lock()
	bars := make([]ProgressBarSnapshot, 0, len(m.progressBars))
	for _, b := range m.progressBars {
		bars = append(bars, b.Snapshot())
	}
	m.progressBarsLock.Unlock()

	writeJSON(w, bars)
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	pid := os.Getpid()
	process, err := process.NewProcess(int32(pid))
	dieOnErr(err)

	cpuPercent, err := process.CPUPercent()
	dieOnErr(err)

	memorySize, err := process.MemoryInfo()
	dieOnErr(err)

	writeJSON(w, resourceRsp{
		CPUPercent: cpuPercent,
		MemorySize: memorySize.RSS,
	})
}

func (m *Monitor) collectProfile(w http.ResponseWriter, _ *http.Request) {
	buf := bytes.NewBuffer(nil)

	err := pprof.StartCPUProfile(buf)
	if err != nil {
		w.WriteHeader(http.StatusConflict)
		fmt.Fprintf(w, "Error: %s", err)

		return
	}

	time.Sleep(time.Second)

	pprof.StopCPUProfile()

	prof, err := profile.ParseData(buf.Bytes())
	dieOnErr(err)

	writeJSON(w, prof)
}

func writeJSON(w http.ResponseWriter, v any) {
	bytes, err := json.Marshal(v)
	dieOnErr(err)

	w.Header().Set("Content-Type", "application/json")

	_, err = w.Write(bytes)
	dieOnErr(err)
}

func dieOnErr(err error) {
	if err != nil {
		log.Panic(err)
	}
}
