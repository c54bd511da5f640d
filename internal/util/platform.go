package util

import (
	"errors"
	"os"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

const mib = 1 << 20

// SystemInfo identifies the machine a stagehand process runs on, so replay
// runs reported from different CI hosts can be told apart.
type SystemInfo struct {
	Hostname      string `json:"hostname"`
	OS            string `json:"os"`
	Kernel        string `json:"kernel,omitempty"`
	Architecture  string `json:"architecture"`
	CPUModel      string `json:"cpu_model"`
	CPUCores      int    `json:"cpu_cores"`
	TotalMemoryMB uint64 `json:"total_memory_mb"`
	GoVersion     string `json:"go_version"`
}

// GetSystemInfo gathers what it can; unreadable fields stay empty.
func GetSystemInfo() SystemInfo {
	info := SystemInfo{
		OS:           runtime.GOOS,
		Architecture: runtime.GOARCH,
		CPUCores:     runtime.NumCPU(),
		GoVersion:    runtime.Version(),
	}

	if h, err := host.Info(); err == nil {
		info.Hostname = h.Hostname
		if h.Platform != "" {
			info.OS = strings.TrimSpace(h.Platform + " " + h.PlatformVersion)
		}
		info.Kernel = h.KernelVersion
	}
	if info.Hostname == "" {
		info.Hostname, _ = os.Hostname()
	}
	if cpus, err := cpu.Info(); err == nil && len(cpus) > 0 {
		info.CPUModel = cpus[0].ModelName
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		info.TotalMemoryMB = vm.Total / mib
	}
	return info
}

// ResourceUsage is a snapshot of memory and, when a path was given, of the
// disk holding it.
type ResourceUsage struct {
	MemoryUsedMB  uint64  `json:"memory_used_mb"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskPath      string  `json:"disk_path,omitempty"`
	DiskFreeMB    uint64  `json:"disk_free_mb,omitempty"`
	DiskPercent   float64 `json:"disk_percent,omitempty"`
}

// GetResourceUsage samples memory use and the disk usage of path. An empty
// path skips the disk. Partial results are returned alongside the error.
func GetResourceUsage(path string) (ResourceUsage, error) {
	var usage ResourceUsage
	var errs []error

	if vm, err := mem.VirtualMemory(); err == nil {
		usage.MemoryUsedMB = vm.Used / mib
		usage.MemoryPercent = vm.UsedPercent
	} else {
		errs = append(errs, err)
	}

	if path != "" {
		if du, err := disk.Usage(path); err == nil {
			usage.DiskPath = du.Path
			usage.DiskFreeMB = du.Free / mib
			usage.DiskPercent = du.UsedPercent
		} else {
			errs = append(errs, err)
		}
	}
	return usage, errors.Join(errs...)
}

// FileExists reports whether path names an existing file or directory.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// EnsureDir creates path and its parents.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}
