package metrics

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

const DefaultSampleInterval = time.Second

// ResourceSampler follows the process tree of a running command and reports
// its memory and CPU use.
type ResourceSampler struct {
	interval time.Duration
	log      *slog.Logger
}

func NewResourceSampler(interval time.Duration, logger *slog.Logger) *ResourceSampler {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ResourceSampler{interval: interval, log: logger}
}

// Usage is what one tracked command consumed.
type Usage struct {
	PeakRSS    uint64
	CPUSeconds float64
	Samples    int
}

// tracker accumulates samples for one command. CPU time is kept per pid so
// children that exit between samples still count with their last reading.
type tracker struct {
	mu    sync.Mutex
	peak  uint64
	cpu   map[int32]float64
	count int
}

func (t *tracker) add(rss uint64, cpu map[int32]float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count++
	if rss > t.peak {
		t.peak = rss
	}
	for pid, c := range cpu {
		if c > t.cpu[pid] {
			t.cpu[pid] = c
		}
	}
}

func (t *tracker) usage() Usage {
	t.mu.Lock()
	defer t.mu.Unlock()
	u := Usage{PeakRSS: t.peak, Samples: t.count}
	for _, c := range t.cpu {
		u.CPUSeconds += c
	}
	return u
}

// Track samples the tree rooted at pid until the returned stop function is
// called. stop takes a final sample, records the totals under job and
// returns them. It is safe to call stop more than once.
func (s *ResourceSampler) Track(job string, pid int) (stop func() Usage) {
	t := &tracker{cpu: make(map[int32]float64)}
	quit := make(chan struct{})
	done := make(chan struct{})

	sample := func() {
		rss, cpu := sampleTree(int32(pid))
		if len(cpu) == 0 {
			return
		}
		t.add(rss, cpu)
		setCommandRSS(job, rss)
	}

	go func() {
		defer close(done)
		sample()
		tk := time.NewTicker(s.interval)
		defer tk.Stop()
		for {
			select {
			case <-quit:
				return
			case <-tk.C:
				sample()
			}
		}
	}()

	var once sync.Once
	var u Usage
	return func() Usage {
		once.Do(func() {
			close(quit)
			<-done
			u = t.usage()
			observeCommand(job, u.PeakRSS, u.CPUSeconds)
			s.log.Debug("command resources", "job", job, "pid", pid,
				"peak_rss", u.PeakRSS, "cpu_seconds", u.CPUSeconds, "samples", u.Samples)
		})
		return u
	}
}

// sampleTree sums resident memory over root and its descendants and returns
// the CPU time of each. Processes that vanish mid-walk are skipped.
func sampleTree(root int32) (uint64, map[int32]float64) {
	cpu := make(map[int32]float64)
	var rss uint64
	p, err := process.NewProcess(root)
	if err != nil {
		return 0, cpu
	}
	queue := []*process.Process{p}
	seen := map[int32]bool{}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur.Pid] {
			continue
		}
		seen[cur.Pid] = true
		if mi, err := cur.MemoryInfo(); err == nil {
			rss += mi.RSS
		}
		if ts, err := cur.Times(); err == nil {
			cpu[cur.Pid] = ts.User + ts.System
		}
		if kids, err := cur.Children(); err == nil {
			queue = append(queue, kids...)
		}
	}
	return rss, cpu
}
