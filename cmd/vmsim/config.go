package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Config is everything needed to build a manager and drive a workload.
type Config struct {
	NumFrames    int    `json:"num_frames"`
	Log2PageSize uint64 `json:"log2_page_size"`
	SwapPages    uint64 `json:"swap_pages"`
	SwapFile     string `json:"swap_file"`
	LogLevel     string `json:"log_level"`
	LogFile      string `json:"log_file"`
	TraceDB      string `json:"trace_db"`
	Monitor      bool   `json:"monitor"`
	MonitorPort  int    `json:"monitor_port"`

	Workload WorkloadConfig `json:"workload"`
}

// WorkloadConfig shapes the synthetic processes.
type WorkloadConfig struct {
	Processes  int     `json:"processes"`
	Steps      int     `json:"steps"`
	ImagePages int     `json:"image_pages"`
	AnonPages  int     `json:"anon_pages"`
	FilePages  int     `json:"file_pages"`
	WriteRatio float64 `json:"write_ratio"`
	Seed       uint64  `json:"seed"`
}

func defaultConfig() Config {
	return Config{
		NumFrames:    64,
		Log2PageSize: 12,
		SwapPages:    1024,
		LogLevel:     "INFO",
		Workload: WorkloadConfig{
			Processes:  4,
			Steps:      2000,
			ImagePages: 8,
			AnonPages:  32,
			FilePages:  8,
			WriteRatio: 0.4,
			Seed:       1,
		},
	}
}

func (c Config) validate() error {
	switch {
	case c.NumFrames <= 0:
		return fmt.Errorf("num_frames must be positive, got %d", c.NumFrames)
	case c.Log2PageSize < 9 || c.Log2PageSize > 16:
		return fmt.Errorf("log2_page_size must be within [9, 16], got %d",
			c.Log2PageSize)
	case c.Workload.Processes < 0 || c.Workload.Steps < 0:
		return errors.New("workload processes and steps must not be negative")
	case c.Workload.ImagePages < 0 || c.Workload.AnonPages < 0 ||
		c.Workload.FilePages < 0:
		return errors.New("workload page counts must not be negative")
	case c.Workload.WriteRatio < 0 || c.Workload.WriteRatio > 1:
		return fmt.Errorf("write_ratio must be within [0, 1], got %g",
			c.Workload.WriteRatio)
	}

	return nil
}

// loadJSON overlays the fields present in a JSON file onto c.
func (c *Config) loadJSON(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	decoder := json.NewDecoder(f)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(c); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	return nil
}

// envVars reads the .env file and lets the process environment override
// it. A missing file is not an error.
func envVars(path string) (map[string]string, error) {
	vars, err := godotenv.Read(path)
	if errors.Is(err, fs.ErrNotExist) {
		vars = map[string]string{}
	} else if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	for _, key := range []string{
		"VMSIM_FRAMES", "VMSIM_SWAP_PAGES", "VMSIM_SWAP_FILE",
		"VMSIM_LOG_LEVEL", "VMSIM_LOG_FILE", "VMSIM_TRACE_DB",
		"VMSIM_MONITOR_PORT",
	} {
		if value, ok := os.LookupEnv(key); ok {
			vars[key] = value
		}
	}

	return vars, nil
}

func (c *Config) applyEnv(vars map[string]string) error {
	var err error

	if v, ok := vars["VMSIM_FRAMES"]; ok {
		if c.NumFrames, err = strconv.Atoi(v); err != nil {
			return fmt.Errorf("VMSIM_FRAMES: %w", err)
		}
	}

	if v, ok := vars["VMSIM_SWAP_PAGES"]; ok {
		if c.SwapPages, err = strconv.ParseUint(v, 10, 64); err != nil {
			return fmt.Errorf("VMSIM_SWAP_PAGES: %w", err)
		}
	}

	if v, ok := vars["VMSIM_MONITOR_PORT"]; ok {
		if c.MonitorPort, err = strconv.Atoi(v); err != nil {
			return fmt.Errorf("VMSIM_MONITOR_PORT: %w", err)
		}

		c.Monitor = true
	}

	if v, ok := vars["VMSIM_SWAP_FILE"]; ok {
		c.SwapFile = v
	}

	if v, ok := vars["VMSIM_LOG_LEVEL"]; ok {
		c.LogLevel = v
	}

	if v, ok := vars["VMSIM_LOG_FILE"]; ok {
		c.LogFile = v
	}

	if v, ok := vars["VMSIM_TRACE_DB"]; ok {
		c.TraceDB = v
	}

	return nil
}

func addConfigFlags(cmd *cobra.Command) {
	d := defaultConfig()
	flags := cmd.Flags()

	flags.String("config", "", "JSON configuration file")
	flags.String("env-file", ".env", "file with VMSIM_* variables")
	flags.Int("frames", d.NumFrames, "number of physical frames")
	flags.Uint64("log2-page-size", d.Log2PageSize, "log2 of the page size")
	flags.Uint64("swap-pages", d.SwapPages, "swap capacity in pages, 0 disables swap")
	flags.String("swap-file", "", "back the swap device with this file")
	flags.String("log-level", d.LogLevel, "DEBUG, INFO, WARN or ERROR")
	flags.String("log-file", "", "also write logs to this file")
	flags.String("trace-db", "", "record paging events into this SQLite database")
	flags.Bool("monitor", false, "serve the monitoring web page")
	flags.Int("monitor-port", 0, "port of the monitoring server")
	flags.Bool("open-browser", false, "open the monitoring page in a browser")
	flags.Int("processes", d.Workload.Processes, "number of processes")
	flags.Int("steps", d.Workload.Steps, "memory accesses per process")
	flags.Int("image-pages", d.Workload.ImagePages, "image pages per process")
	flags.Int("anon-pages", d.Workload.AnonPages, "anonymous pages per process")
	flags.Int("file-pages", d.Workload.FilePages, "mapped file pages per process")
	flags.Float64("write-ratio", d.Workload.WriteRatio, "share of accesses that write")
	flags.Uint64("seed", d.Workload.Seed, "random seed of the workload")
}

// loadConfig layers defaults, the JSON file, the environment and the flags
// that were set explicitly, in increasing precedence.
func loadConfig(cmd *cobra.Command) (Config, error) {
	cfg := defaultConfig()
	flags := cmd.Flags()

	if path, _ := flags.GetString("config"); path != "" {
		if err := cfg.loadJSON(path); err != nil {
			return cfg, err
		}
	}

	envFile, _ := flags.GetString("env-file")

	vars, err := envVars(envFile)
	if err != nil {
		return cfg, err
	}

	if err := cfg.applyEnv(vars); err != nil {
		return cfg, err
	}

	changed := func(name string) bool { return flags.Changed(name) }

	if changed("frames") {
		cfg.NumFrames, _ = flags.GetInt("frames")
	}

	if changed("log2-page-size") {
		cfg.Log2PageSize, _ = flags.GetUint64("log2-page-size")
	}

	if changed("swap-pages") {
		cfg.SwapPages, _ = flags.GetUint64("swap-pages")
	}

	if changed("swap-file") {
		cfg.SwapFile, _ = flags.GetString("swap-file")
	}

	if changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}

	if changed("log-file") {
		cfg.LogFile, _ = flags.GetString("log-file")
	}

	if changed("trace-db") {
		cfg.TraceDB, _ = flags.GetString("trace-db")
	}

	if changed("monitor") {
		cfg.Monitor, _ = flags.GetBool("monitor")
	}

	if changed("monitor-port") {
		cfg.MonitorPort, _ = flags.GetInt("monitor-port")
		cfg.Monitor = true
	}

	if changed("processes") {
		cfg.Workload.Processes, _ = flags.GetInt("processes")
	}

	if changed("steps") {
		cfg.Workload.Steps, _ = flags.GetInt("steps")
	}

	if changed("image-pages") {
		cfg.Workload.ImagePages, _ = flags.GetInt("image-pages")
	}

	if changed("anon-pages") {
		cfg.Workload.AnonPages, _ = flags.GetInt("anon-pages")
	}

	if changed("file-pages") {
		cfg.Workload.FilePages, _ = flags.GetInt("file-pages")
	}

	if changed("write-ratio") {
		cfg.Workload.WriteRatio, _ = flags.GetFloat64("write-ratio")
	}

	if changed("seed") {
		cfg.Workload.Seed, _ = flags.GetUint64("seed")
	}

	return cfg, cfg.validate()
}
