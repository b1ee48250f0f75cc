package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// WorkerSample is one resource reading of a worker process.
type WorkerSample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// WorkerCollectorConfig configures WorkerCollector.
type WorkerCollectorConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	MaxHistory int           `mapstructure:"max_history"`
}

// ring keeps the last n samples of one simulation.
type ring struct {
	samples  []WorkerSample
	startIdx int
	count    int
}

func (r *ring) add(s WorkerSample) {
	if r.count < len(r.samples) {
		r.samples[r.count] = s
		r.count++
		return
	}
	r.samples[r.startIdx] = s
	r.startIdx = (r.startIdx + 1) % len(r.samples)
}

func (r *ring) latest() (WorkerSample, bool) {
	if r.count == 0 {
		return WorkerSample{}, false
	}
	if r.count < len(r.samples) {
		return r.samples[r.count-1], true
	}
	return r.samples[(r.startIdx-1+len(r.samples))%len(r.samples)], true
}

func (r *ring) ordered() []WorkerSample {
	out := make([]WorkerSample, r.count)
	if r.count < len(r.samples) {
		copy(out, r.samples[:r.count])
		return out
	}
	n := copy(out, r.samples[r.startIdx:])
	copy(out[n:], r.samples[:r.startIdx])
	return out
}

// WorkerCollector periodically samples CPU and memory of worker processes,
// keyed by simulation id.
type WorkerCollector struct {
	enabled    bool
	interval   time.Duration
	maxHistory int

	mu      sync.RWMutex
	history map[string]*ring

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent *prometheus.GaugeVec
	memoryMB   *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
	numFDs     *prometheus.GaugeVec
}

func NewWorkerCollector(cfg WorkerCollectorConfig) *WorkerCollector {
	maxHistory := cfg.MaxHistory
	if maxHistory <= 0 {
		maxHistory = 100
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "simrunner",
			Subsystem: "worker",
			Name:      name,
			Help:      help,
		}, []string{"simulation"})
	}
	return &WorkerCollector{
		enabled:    cfg.Enabled,
		interval:   interval,
		maxHistory: maxHistory,
		history:    make(map[string]*ring),
		stopCh:     make(chan struct{}),
		cpuPercent: gauge("cpu_percent", "CPU usage percentage of worker processes."),
		memoryMB:   gauge("memory_mb", "Resident memory in MB of worker processes."),
		numThreads: gauge("num_threads", "Number of threads of worker processes."),
		numFDs:     gauge("num_fds", "Open file descriptors of worker processes (Unix only)."),
	}
}

// RegisterMetrics registers the worker gauges with r.
func (c *WorkerCollector) RegisterMetrics(r prometheus.Registerer) error {
	if !c.enabled {
		return nil
	}
	cs := []prometheus.Collector{c.cpuPercent, c.memoryMB, c.numThreads}
	if runtime.GOOS != "windows" {
		cs = append(cs, c.numFDs)
	}
	for _, col := range cs {
		if err := r.Register(col); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start samples the processes returned by pids (simulation id -> pid) every
// interval until ctx is done or Stop is called.
func (c *WorkerCollector) Start(ctx context.Context, pids func() map[string]int32) {
	if !c.enabled {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.collect(pids())
			}
		}
	}()
}

func (c *WorkerCollector) Stop() {
	if !c.enabled {
		return
	}
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *WorkerCollector) collect(pids map[string]int32) {
	now := time.Now()
	samples := make(map[string]WorkerSample, len(pids))
	for id, pid := range pids {
		if pid <= 0 {
			continue
		}
		s, err := sample(pid, now)
		if err != nil {
			slog.Debug("worker sample failed", "simulation", id, "pid", pid, "error", err)
			continue
		}
		samples[id] = s
	}
	for id, s := range samples {
		c.record(id, s)
	}
	c.prune(pids)
}

func (c *WorkerCollector) record(id string, s WorkerSample) {
	c.cpuPercent.WithLabelValues(id).Set(s.CPUPercent)
	c.memoryMB.WithLabelValues(id).Set(s.MemoryMB)
	c.numThreads.WithLabelValues(id).Set(float64(s.NumThreads))
	if runtime.GOOS != "windows" && s.NumFDs > 0 {
		c.numFDs.WithLabelValues(id).Set(float64(s.NumFDs))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.history[id]
	if !ok {
		r = &ring{samples: make([]WorkerSample, c.maxHistory)}
		c.history[id] = r
	}
	r.add(s)
}

// prune drops history and gauges of simulations that are no longer running.
func (c *WorkerCollector) prune(active map[string]int32) {
	c.mu.Lock()
	var gone []string
	for id := range c.history {
		if _, ok := active[id]; !ok {
			gone = append(gone, id)
			delete(c.history, id)
		}
	}
	c.mu.Unlock()
	for _, id := range gone {
		c.cpuPercent.DeleteLabelValues(id)
		c.memoryMB.DeleteLabelValues(id)
		c.numThreads.DeleteLabelValues(id)
		c.numFDs.DeleteLabelValues(id)
	}
}

func sample(pid int32, ts time.Time) (WorkerSample, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return WorkerSample{}, fmt.Errorf("failed to create process handle: %w", err)
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return WorkerSample{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	cpu, err := proc.CPUPercent()
	if err != nil {
		cpu = 0
	}
	threads, err := proc.NumThreads()
	if err != nil {
		threads = 0
	}
	s := WorkerSample{
		PID:        pid,
		CPUPercent: cpu,
		MemoryMB:   float64(mem.RSS) / 1024 / 1024,
		MemoryRSS:  mem.RSS,
		NumThreads: threads,
		Timestamp:  ts,
	}
	if runtime.GOOS != "windows" {
		if fds, err := proc.NumFDs(); err == nil {
			s.NumFDs = fds
		}
	}
	return s, nil
}

// Latest returns the most recent sample of a simulation's worker.
func (c *WorkerCollector) Latest(id string) (WorkerSample, bool) {
	if !c.enabled {
		return WorkerSample{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.history[id]
	if !ok {
		return WorkerSample{}, false
	}
	return r.latest()
}

// History returns the retained samples of a simulation's worker, oldest first.
func (c *WorkerCollector) History(id string) ([]WorkerSample, bool) {
	if !c.enabled {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.history[id]
	if !ok || r.count == 0 {
		return nil, false
	}
	return r.ordered(), true
}

func (c *WorkerCollector) IsEnabled() bool { return c.enabled }
