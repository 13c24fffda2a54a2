package store

import (
	"sync"
	"time"
)

// sample is one (time, bytes) observation used to compute speed/ETA over a
// rolling window.
type sample struct {
	at    time.Time
	bytes int64
}

// DownloadProgress tracks a single file's download against a rolling
// window, so SpeedBps/ETA reflect recent throughput rather than the
// lifetime average.
type DownloadProgress struct {
	mu sync.Mutex

	File        string
	LoadedBytes int64
	TotalBytes  int64

	window  time.Duration
	samples []sample
}

// NewDownloadProgress constructs a tracker for one file with the given
// rolling window (default 5s if zero).
func NewDownloadProgress(file string, totalBytes int64, window time.Duration) *DownloadProgress {
	if window <= 0 {
		window = 5 * time.Second
	}
	return &DownloadProgress{File: file, TotalBytes: totalBytes, window: window}
}

// Observe records a new cumulative byte count.
func (p *DownloadProgress) Observe(loadedBytes int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	p.LoadedBytes = loadedBytes
	p.samples = append(p.samples, sample{at: now, bytes: loadedBytes})
	cutoff := now.Add(-p.window)
	i := 0
	for i < len(p.samples) && p.samples[i].at.Before(cutoff) {
		i++
	}
	// Keep one sample before the cutoff as the window's left edge so speed
	// computation always has a baseline.
	if i > 0 {
		i--
	}
	p.samples = p.samples[i:]
}

// Percent returns loaded/total as a 0-100 value, or 0 if total is unknown.
func (p *DownloadProgress) Percent() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.TotalBytes <= 0 {
		return 0
	}
	return 100 * float64(p.LoadedBytes) / float64(p.TotalBytes)
}

// SpeedBps returns the throughput observed across the rolling window.
func (p *DownloadProgress) SpeedBps() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.samples) < 2 {
		return 0
	}
	oldest := p.samples[0]
	newest := p.samples[len(p.samples)-1]
	elapsed := newest.at.Sub(oldest.at).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(newest.bytes-oldest.bytes) / elapsed
}

// ETA returns the estimated remaining duration, or 0 if it cannot be
// estimated (no throughput yet, or total bytes unknown).
func (p *DownloadProgress) ETA() time.Duration {
	speed := p.SpeedBps()
	if speed <= 0 {
		return 0
	}
	p.mu.Lock()
	remaining := p.TotalBytes - p.LoadedBytes
	p.mu.Unlock()
	if remaining <= 0 {
		return 0
	}
	return time.Duration(float64(remaining)/speed) * time.Second
}

// Snapshot is an immutable view of a DownloadProgress for getStatus.
type Snapshot struct {
	File        string
	LoadedBytes int64
	TotalBytes  int64
	Percent     float64
	SpeedBps    float64
	ETA         time.Duration
}

func (p *DownloadProgress) Snapshot() Snapshot {
	p.mu.Lock()
	file, loaded, total := p.File, p.LoadedBytes, p.TotalBytes
	p.mu.Unlock()
	return Snapshot{
		File:        file,
		LoadedBytes: loaded,
		TotalBytes:  total,
		Percent:     p.Percent(),
		SpeedBps:    p.SpeedBps(),
		ETA:         p.ETA(),
	}
}
