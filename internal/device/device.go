// Package device advises the pool on GPU placement, backed by an
// nvidia-smi query with a macOS sysctl fallback. The pool does not track
// GPU memory itself; it consults this advisory estimate to prefer a CPU
// fallback when a model's device preference is "auto".
package device

import (
	"bytes"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/iimez/llmpool/internal/config"
)

// GPUInfo holds a single GPU's memory accounting.
type GPUInfo struct {
	Index      int
	Name       string
	MemTotalMB int
	MemUsedMB  int
	MemFreeMB  int
}

// Advisor caches GPU queries and decides placement for "auto" models.
type Advisor struct {
	mu       sync.Mutex
	cached   []GPUInfo
	cachedAt time.Time
	ttl      time.Duration
}

// NewAdvisor constructs an Advisor with a 5-second query cache.
func NewAdvisor() *Advisor {
	return &Advisor{ttl: 5 * time.Second}
}

// GPUs returns the current GPU memory snapshot, refreshing at most once per
// Advisor.ttl.
func (a *Advisor) GPUs() []GPUInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cached != nil && time.Since(a.cachedAt) < a.ttl {
		return a.cached
	}
	a.cached = queryGPUInfo()
	a.cachedAt = time.Now()
	return a.cached
}

// DecideGPU resolves a model's tri-state device preference into a concrete
// placement decision for a new instance.
// True/false are authoritative; "auto" consults the cached GPU snapshot and
// prefers GPU only when free memory looks plausible.
func (a *Advisor) DecideGPU(pref config.DeviceGPU) bool {
	if !pref.Auto {
		return pref.Required
	}
	for _, g := range a.GPUs() {
		if g.MemFreeMB > 512 {
			return true
		}
	}
	return false
}

func queryGPUInfo() []GPUInfo {
	cmd := exec.Command("nvidia-smi",
		"--query-gpu=index,name,memory.total,memory.used,memory.free",
		"--format=csv,noheader,nounits")
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return queryMacGPUInfo()
	}

	var gpus []GPUInfo
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		parts := strings.Split(line, ", ")
		if len(parts) < 5 {
			continue
		}
		idx, _ := strconv.Atoi(strings.TrimSpace(parts[0]))
		total, _ := strconv.Atoi(strings.TrimSpace(parts[2]))
		used, _ := strconv.Atoi(strings.TrimSpace(parts[3]))
		free, _ := strconv.Atoi(strings.TrimSpace(parts[4]))
		gpus = append(gpus, GPUInfo{
			Index:      idx,
			Name:       strings.TrimSpace(parts[1]),
			MemTotalMB: total,
			MemUsedMB:  used,
			MemFreeMB:  free,
		})
	}
	return gpus
}

func queryMacGPUInfo() []GPUInfo {
	cmd := exec.Command("sysctl", "-n", "hw.memsize")
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil
	}
	totalBytes, _ := strconv.ParseInt(strings.TrimSpace(out.String()), 10, 64)
	if totalBytes == 0 {
		return nil
	}
	totalMB := int(totalBytes / (1024 * 1024))
	return []GPUInfo{{
		Index:      0,
		Name:       "Apple Silicon (Unified Memory)",
		MemTotalMB: totalMB,
		MemFreeMB:  totalMB,
	}}
}

// VRAMEstimate estimates a model's VRAM footprint from its on-disk size.
type VRAMEstimate struct {
	FileSizeMB  int64
	EstVRAMMB   int64
	CanFit      bool
	AvailVRAMMB int
}

// EstimateVRAM approximates VRAM usage from the model's file size, applying
// the common ~1.2x overhead rule of thumb for KV cache and activations, and
// compares it against the most free GPU currently reported.
func (a *Advisor) EstimateVRAM(fileSizeMB int64) VRAMEstimate {
	est := VRAMEstimate{FileSizeMB: fileSizeMB, EstVRAMMB: fileSizeMB * 12 / 10}
	best := 0
	for _, g := range a.GPUs() {
		if g.MemFreeMB > best {
			best = g.MemFreeMB
		}
	}
	est.AvailVRAMMB = best
	est.CanFit = int64(best) >= est.EstVRAMMB
	return est
}
