package metrics

import (
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/meshflow/orchestrator/common/models"
)

// SystemInfo describes the host a processor pod runs on; attached to health
// entry metadata once at startup.
type SystemInfo struct {
	Hostname         string
	OS               string
	Arch             string
	CPULogical       int
	GoVersion        string
	InContainer      bool
	ContainerRuntime string
}

// CaptureSystemInfo gathers host information.
func CaptureSystemInfo() SystemInfo {
	info := SystemInfo{
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
		CPULogical: runtime.NumCPU(),
		GoVersion:  runtime.Version(),
	}

	if hostname, err := os.Hostname(); err == nil {
		info.Hostname = hostname
	} else {
		info.Hostname = "unknown"
	}

	info.InContainer, info.ContainerRuntime = detectContainer()
	return info
}

// detectContainer checks if running in a container
func detectContainer() (bool, string) {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true, "docker"
	}
	if _, err := os.Stat("/var/run/secrets/kubernetes.io"); err == nil {
		return true, "kubernetes"
	}
	if data, err := os.ReadFile("/proc/1/cgroup"); err == nil {
		content := string(data)
		if strings.Contains(content, "docker") {
			return true, "docker"
		}
		if strings.Contains(content, "kubepods") {
			return true, "kubernetes"
		}
		if strings.Contains(content, "containerd") {
			return true, "containerd"
		}
	}
	return false, ""
}

// Metadata flattens the info for a health entry.
func (i SystemInfo) Metadata() map[string]string {
	meta := map[string]string{
		"hostname":   i.Hostname,
		"os":         i.OS,
		"arch":       i.Arch,
		"go_version": i.GoVersion,
	}
	if i.InContainer {
		meta["container_runtime"] = i.ContainerRuntime
	}
	return meta
}

// PerfSampler collects the performance snapshot attached to processor
// health entries: process CPU and memory plus a sliding success/throughput
// window fed by the activity pipeline.
type PerfSampler struct {
	proc   *process.Process
	window time.Duration

	mu         sync.Mutex
	windowFrom time.Time
	completed  int64
	failed     int64

	totalCompleted atomic.Int64
	totalFailed    atomic.Int64
}

// NewPerfSampler creates a sampler over the current process.
func NewPerfSampler(window time.Duration) *PerfSampler {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		proc = nil
	}
	return &PerfSampler{
		proc:       proc,
		window:     window,
		windowFrom: time.Now(),
	}
}

// RecordCompletion feeds one activity outcome into the window.
func (p *PerfSampler) RecordCompletion(success bool) {
	p.mu.Lock()
	if success {
		p.completed++
	} else {
		p.failed++
	}
	p.mu.Unlock()

	if success {
		p.totalCompleted.Add(1)
	} else {
		p.totalFailed.Add(1)
	}
}

// Totals returns lifetime completed/failed counts.
func (p *PerfSampler) Totals() (completed, failed int64) {
	return p.totalCompleted.Load(), p.totalFailed.Load()
}

// Sample returns the current performance snapshot and rolls the window when
// it has elapsed.
func (p *PerfSampler) Sample() models.PerformanceMetrics {
	now := time.Now()

	p.mu.Lock()
	elapsed := now.Sub(p.windowFrom)
	completed, failed := p.completed, p.failed
	if elapsed >= p.window {
		p.windowFrom = now
		p.completed = 0
		p.failed = 0
	}
	p.mu.Unlock()

	out := models.PerformanceMetrics{
		WindowSeconds:   int64(p.window.Seconds()),
		CollectedUnixMs: now.UnixMilli(),
	}

	total := completed + failed
	if total > 0 {
		out.SuccessRate = float64(completed) / float64(total)
	} else {
		out.SuccessRate = 1.0
	}
	if elapsed > 0 {
		out.ThroughputRate = float64(total) / elapsed.Seconds()
	}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		out.CPUPercent = percents[0]
	}
	if p.proc != nil {
		if mem, err := p.proc.MemoryInfo(); err == nil && mem != nil {
			out.MemoryBytes = mem.RSS
		}
	}

	return out
}
