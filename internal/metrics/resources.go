package metrics

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// DefaultResourceInterval is the sampling period when none is configured.
const DefaultResourceInterval = 10 * time.Second

// Usage is the latest CPU and memory sample of one server process.
type Usage struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	SampledAt  time.Time `json:"sampled_at"`
}

// PIDSource lists the live server processes to sample, keyed by server id.
type PIDSource func() map[string]int32

// ResourceSampler periodically samples running servers with gopsutil.
type ResourceSampler struct {
	interval time.Duration
	source   PIDSource

	mu     sync.RWMutex
	latest map[string]Usage
	procs  map[string]*process.Process // kept so CPUPercent has a previous sample

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpu     *prometheus.GaugeVec
	memory  *prometheus.GaugeVec
	threads *prometheus.GaugeVec
}

func NewResourceSampler(interval time.Duration, source PIDSource) *ResourceSampler {
	if interval <= 0 {
		interval = DefaultResourceInterval
	}
	return &ResourceSampler{
		interval: interval,
		source:   source,
		latest:   make(map[string]Usage),
		procs:    make(map[string]*process.Process),
		stopCh:   make(chan struct{}),
		cpu: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "consolr",
			Subsystem: "server",
			Name:      "cpu_percent",
			Help:      "CPU usage percentage of running servers.",
		}, []string{"server"}),
		memory: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "consolr",
			Subsystem: "server",
			Name:      "memory_mb",
			Help:      "Resident memory of running servers in MB.",
		}, []string{"server"}),
		threads: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "consolr",
			Subsystem: "server",
			Name:      "num_threads",
			Help:      "Thread count of running servers.",
		}, []string{"server"}),
	}
}

// RegisterMetrics registers the sampler gauges with the provided registerer.
func (s *ResourceSampler) RegisterMetrics(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{s.cpu, s.memory, s.threads} {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start begins periodic sampling until ctx is done or Stop is called.
func (s *ResourceSampler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.SampleOnce()
			}
		}
	}()
}

func (s *ResourceSampler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// SampleOnce samples every live server and drops entries for servers that are gone.
func (s *ResourceSampler) SampleOnce() {
	pids := s.source()
	now := time.Now()
	results := make(map[string]Usage, len(pids))
	for id, pid := range pids {
		if pid <= 0 {
			continue
		}
		u, err := s.sample(id, pid, now)
		if err != nil {
			slog.Debug("resource sample failed", "server", id, "pid", pid, "error", err)
			continue
		}
		results[id] = u
	}

	s.mu.Lock()
	for id := range s.latest {
		if _, ok := results[id]; !ok {
			delete(s.latest, id)
			s.cpu.DeleteLabelValues(id)
			s.memory.DeleteLabelValues(id)
			s.threads.DeleteLabelValues(id)
		}
	}
	for id, p := range s.procs {
		if pid, ok := pids[id]; !ok || p.Pid != pid {
			delete(s.procs, id)
		}
	}
	for id, u := range results {
		s.latest[id] = u
		s.cpu.WithLabelValues(id).Set(u.CPUPercent)
		s.memory.WithLabelValues(id).Set(u.MemoryMB)
		s.threads.WithLabelValues(id).Set(float64(u.NumThreads))
	}
	s.mu.Unlock()
}

func (s *ResourceSampler) sample(id string, pid int32, now time.Time) (Usage, error) {
	s.mu.Lock()
	p, ok := s.procs[id]
	if !ok || p.Pid != pid {
		var err error
		p, err = process.NewProcess(pid)
		if err != nil {
			s.mu.Unlock()
			return Usage{}, err
		}
		s.procs[id] = p
	}
	s.mu.Unlock()

	mem, err := p.MemoryInfo()
	if err != nil {
		return Usage{}, err
	}
	u := Usage{PID: pid, MemoryMB: float64(mem.RSS) / 1024 / 1024, SampledAt: now}
	// the first call has no previous sample and reports 0
	if cpu, err := p.Percent(0); err == nil {
		u.CPUPercent = cpu
	}
	if n, err := p.NumThreads(); err == nil {
		u.NumThreads = n
	}
	return u, nil
}

// Get returns the latest sample for a server.
func (s *ResourceSampler) Get(id string) (Usage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.latest[id]
	return u, ok
}
