// Package hardware detects the local machine's CPU/RAM profile, estimates
// per-worker memory cost, and derives the optimal worker count for a given
// task count. The profile is cached on disk and re-detected when the
// signature no longer matches the machine.
package hardware

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

const (
	memoryHeadroomFactor = 1.20
	memoryFloorMB        = 300.0
	memoryFallbackMB     = 500.0
	defaultMemorySafety  = 0.75
	minTasksForParallel  = 3
)

// Profile is the cached hardware signature and memory-per-worker estimate.
type Profile struct {
	Signature       string  `json:"signature"`
	PhysicalCores   int     `json:"physical_cores"`
	LogicalCores    int     `json:"logical_cores"`
	TotalRAMGB      float64 `json:"total_ram_gb"`
	MemoryPerWorkMB float64 `json:"memory_per_worker_mb"`
}

// signature renders the "{physical_cores}c_{total_ram_gb}gb" cache key.
func signature(physicalCores int, totalRAMGB float64) string {
	return fmt.Sprintf("%dc_%.0fgb", physicalCores, totalRAMGB)
}

// detectHardware reads physical/logical core counts and total RAM via
// gopsutil.
func detectHardware() (physicalCores, logicalCores int, totalRAMGB float64, err error) {
	physicalCores, err = cpu.Counts(false)
	if err != nil || physicalCores == 0 {
		physicalCores = runtime.NumCPU()
	}
	logicalCores, err = cpu.Counts(true)
	if err != nil || logicalCores == 0 {
		logicalCores = runtime.NumCPU()
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		return physicalCores, logicalCores, 0, fmt.Errorf("hardware: read virtual memory: %w", err)
	}
	totalRAMGB = float64(vm.Total) / (1024 * 1024 * 1024)
	return physicalCores, logicalCores, totalRAMGB, nil
}

// SampleBacktest is one representative unit of work the profiler runs once
// to measure peak RSS. Callers pass in whatever their "any available
// symbol/timeframe" backtest looks like; hardware stays domain-agnostic.
type SampleBacktest func() error

// profileMemory runs sample (if provided) and measures this process' RSS
// afterward, applying the headroom/floor/fallback rules.
func profileMemory(sample SampleBacktest) float64 {
	if sample == nil {
		return memoryFallbackMB
	}
	if err := sample(); err != nil {
		return memoryFallbackMB
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return memoryFallbackMB
	}
	memInfo, err := proc.MemoryInfo()
	if err != nil || memInfo == nil {
		return memoryFallbackMB
	}

	rssMB := float64(memInfo.RSS) / (1024 * 1024)
	withHeadroom := rssMB * memoryHeadroomFactor
	if withHeadroom < memoryFloorMB {
		return memoryFloorMB
	}
	return withHeadroom
}

// Load reads the cached profile at path, re-profiling (and overwriting the
// cache) if the file is missing, corrupted, or its signature no longer
// matches the current hardware.
func Load(path string, sample SampleBacktest) (*Profile, error) {
	physicalCores, logicalCores, totalRAMGB, err := detectHardware()
	if err != nil {
		return nil, err
	}
	currentSig := signature(physicalCores, totalRAMGB)

	if cached, ok := loadCached(path); ok && cached.Signature == currentSig {
		return cached, nil
	}

	profile := &Profile{
		Signature:       currentSig,
		PhysicalCores:   physicalCores,
		LogicalCores:    logicalCores,
		TotalRAMGB:      totalRAMGB,
		MemoryPerWorkMB: profileMemory(sample),
	}
	if err := save(path, profile); err != nil {
		return nil, fmt.Errorf("hardware: save profile cache: %w", err)
	}
	return profile, nil
}

// loadCached reads and parses the cache file, treating any read or parse
// failure as "no usable cache" rather than a hard error.
func loadCached(path string) (*Profile, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, false
	}
	return &p, true
}

// save writes profile to path atomically: write to a temp file in the same
// directory, then rename over the destination. Mirrors
// internal/ohlcv/cache.go's manifest-write pattern.
func save(path string, profile *Profile) error {
	data, err := json.MarshalIndent(profile, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Mode selects how OptimalWorkers picks a worker count.
type Mode string

const (
	ModeAuto   Mode = "auto"
	ModeManual Mode = "manual"
)

// OptimalWorkers sizes the worker pool: manual mode returns the requested
// count, tiny task sets skip parallelism entirely, and auto mode takes the
// minimum of the core, memory, and task-count constraints.
func (p *Profile) OptimalWorkers(numTasks int, mode Mode, manualCount int, memorySafety, reserveCores float64) int {
	if mode == ModeManual {
		if manualCount < 1 {
			return 1
		}
		return manualCount
	}
	if numTasks <= minTasksForParallel {
		return 1
	}

	if memorySafety <= 0 {
		memorySafety = defaultMemorySafety
	}

	coreLimit := p.PhysicalCores - int(reserveCores)
	if coreLimit < 1 {
		coreLimit = 1
	}

	memPerWorker := p.MemoryPerWorkMB
	if memPerWorker <= 0 {
		memPerWorker = memoryFallbackMB
	}
	memLimit := int((p.TotalRAMGB * 1024 * memorySafety) / memPerWorker)

	workers := coreLimit
	if memLimit < workers {
		workers = memLimit
	}
	if numTasks < workers {
		workers = numTasks
	}
	if workers < 1 {
		workers = 1
	}
	return workers
}
