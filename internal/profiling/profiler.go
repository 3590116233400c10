// Package profiling writes CPU and heap profiles for long labeling and
// classification runs.
package profiling

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"sync"
	"time"

	"github.com/cvalentine99/nfa-ids/internal/logging"
)

// ErrRunning is returned when Start is called twice.
var ErrRunning = errors.New("profiler already running")

// Config selects which profiles are written and where.
type Config struct {
	OutputDir      string
	ProfileName    string
	CPUProfile     bool
	CPUProfileRate int
	MemProfile     bool
	MemProfileRate int
}

// DefaultConfig returns a config that writes both profiles to dir.
func DefaultConfig(dir string) *Config {
	return &Config{
		OutputDir:      dir,
		ProfileName:    "nfa-ids",
		CPUProfile:     true,
		CPUProfileRate: 100,
		MemProfile:     true,
		MemProfileRate: 512 * 1024,
	}
}

// Profiler owns the open CPU profile between Start and Stop.
type Profiler struct {
	config  *Config
	mu      sync.Mutex
	cpuFile *os.File
	running bool
	written []string
}

// New creates the output directory and returns an idle profiler.
func New(cfg *Config) (*Profiler, error) {
	if cfg == nil {
		cfg = DefaultConfig(".")
	}
	if err := os.MkdirAll(cfg.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return &Profiler{config: cfg}, nil
}

// Start begins CPU profiling when enabled.
func (p *Profiler) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return ErrRunning
	}
	if p.config.MemProfile && p.config.MemProfileRate > 0 {
		runtime.MemProfileRate = p.config.MemProfileRate
	}
	if p.config.CPUProfile {
		path := p.path("cpu")
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("failed to create CPU profile file: %w", err)
		}
		runtime.SetCPUProfileRate(p.config.CPUProfileRate)
		if err := pprof.StartCPUProfile(f); err != nil {
			f.Close()
			return fmt.Errorf("failed to start CPU profile: %w", err)
		}
		p.cpuFile = f
		p.written = append(p.written, path)
	}
	p.running = true
	return nil
}

// Stop flushes the CPU profile and writes a heap profile. It returns the
// paths written during this run.
func (p *Profiler) Stop() ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return nil, nil
	}
	p.running = false

	var errs []error
	if p.cpuFile != nil {
		pprof.StopCPUProfile()
		if err := p.cpuFile.Close(); err != nil {
			errs = append(errs, err)
		}
		p.cpuFile = nil
	}
	if p.config.MemProfile {
		path := p.path("mem")
		if err := writeHeap(path); err != nil {
			errs = append(errs, fmt.Errorf("failed to write memory profile: %w", err))
		} else {
			p.written = append(p.written, path)
		}
	}

	written := p.written
	p.written = nil
	logging.Debug("profiles written", "files", written)
	return written, errors.Join(errs...)
}

func (p *Profiler) path(kind string) string {
	ts := time.Now().Format("20060102-150405")
	return filepath.Join(p.config.OutputDir, fmt.Sprintf("%s-%s-%s.pprof", p.config.ProfileName, kind, ts))
}

func writeHeap(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	runtime.GC()
	return pprof.WriteHeapProfile(f)
}

// MemoryStats is a summary of the runtime heap for log lines.
type MemoryStats struct {
	HeapAlloc    uint64
	HeapInuse    uint64
	NumGC        uint32
	NumGoroutine int
}

// ReadMemoryStats samples the runtime.
func ReadMemoryStats() MemoryStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return MemoryStats{
		HeapAlloc:    m.HeapAlloc,
		HeapInuse:    m.HeapInuse,
		NumGC:        m.NumGC,
		NumGoroutine: runtime.NumGoroutine(),
	}
}

// FormatBytes renders n with a binary unit suffix.
func FormatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
