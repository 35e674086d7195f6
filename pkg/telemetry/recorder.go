package telemetry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StageEvent is one timed stage of the run.
type StageEvent struct {
	Name   string    `json:"name" yaml:"name"`
	Status string    `json:"status" yaml:"status"`
	Start  time.Time `json:"start" yaml:"start"`
	End    time.Time `json:"end" yaml:"end"`
	Error  string    `json:"error,omitempty" yaml:"error,omitempty"`
}

// Duration is how long the stage ran.
func (e StageEvent) Duration() time.Duration {
	return e.End.Sub(e.Start)
}

// Sample is one periodic host measurement.
type Sample struct {
	At         time.Time `json:"at" yaml:"at"`
	MemoryUsed uint64    `json:"memory_used" yaml:"memory_used"`
	CPUPercent float64   `json:"cpu_percent" yaml:"cpu_percent"`
}

// Snapshot is the telemetry record of a finished run.
type Snapshot struct {
	Start          time.Time     `json:"start" yaml:"start"`
	End            time.Time     `json:"end" yaml:"end"`
	Duration       time.Duration `json:"duration" yaml:"duration"`
	Stages         []StageEvent  `json:"stages" yaml:"stages"`
	Samples        int           `json:"samples" yaml:"samples"`
	PeakMemory     uint64        `json:"peak_memory_bytes" yaml:"peak_memory_bytes"`
	PeakCPUPercent float64       `json:"peak_cpu_percent" yaml:"peak_cpu_percent"`
	NetBytesSent   uint64        `json:"net_bytes_sent" yaml:"net_bytes_sent"`
	NetBytesRecv   uint64        `json:"net_bytes_recv" yaml:"net_bytes_recv"`
}

// Recorder collects stage events, resource samples and network deltas. It is
// safe for concurrent use by every pipeline in a run.
type Recorder struct {
	tracer   trace.Tracer
	interval time.Duration
	logger   *slog.Logger

	sample  func(ctx context.Context) (Sample, error)
	counter func(ctx context.Context) (sent, recv uint64, err error)

	active atomic.Int64

	mu       sync.Mutex
	start    time.Time
	events   []StageEvent
	samples  []Sample
	netSent  uint64
	netRecv  uint64
	netOK    bool
	stop     context.CancelFunc
	stopped  chan struct{}
	snapshot *Snapshot
}

// NewRecorder samples the host every interval while jobs are active.
func NewRecorder(interval time.Duration, logger *slog.Logger) *Recorder {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		tracer:   otel.Tracer("github.com/ranjithrajv/debian-multiarch-builder"),
		interval: interval,
		logger:   logger,
		sample:   hostSample,
		counter:  netCounters,
	}
}

func hostSample(ctx context.Context) (Sample, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Sample{}, err
	}
	s := Sample{At: time.Now(), MemoryUsed: vm.Used}
	if util, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(util) == 1 {
		s.CPUPercent = util[0]
	}
	return s, nil
}

func netCounters(ctx context.Context) (uint64, uint64, error) {
	counters, err := net.IOCountersWithContext(ctx, false)
	if err != nil {
		return 0, 0, err
	}
	if len(counters) != 1 {
		return 0, 0, nil
	}
	return counters[0].BytesSent, counters[0].BytesRecv, nil
}

// Start records the run start, snapshots network counters and launches the
// sampler. Only the first call has any effect.
func (r *Recorder) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped != nil || r.snapshot != nil {
		return
	}

	r.start = time.Now()
	if sent, recv, err := r.counter(ctx); err == nil {
		r.netSent, r.netRecv, r.netOK = sent, recv, true
	} else {
		r.logger.Debug("network counters unavailable", "error", err)
	}

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.stop = cancel
	r.stopped = make(chan struct{})
	go r.run(sctx, r.stopped)
}

func (r *Recorder) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.active.Load() == 0 {
				continue
			}
			s, err := r.sample(ctx)
			if err != nil {
				r.logger.Debug("resource sample failed", "error", err)
				continue
			}
			r.mu.Lock()
			r.samples = append(r.samples, s)
			r.mu.Unlock()
		}
	}
}

// Stage opens a named stage and a span. The returned func closes both with a
// status ("success", "failed", "skipped", ...) and an optional error.
func (r *Recorder) Stage(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(status string, err error)) {
	ctx, span := r.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	started := time.Now()
	var once sync.Once
	return ctx, func(status string, err error) {
		once.Do(func() {
			ev := StageEvent{Name: name, Status: status, Start: started, End: time.Now()}
			span.SetAttributes(attribute.String("status", status))
			if err != nil {
				ev.Error = err.Error()
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
		})
	}
}

// JobStarted marks a unit of work active; sampling happens only while at
// least one is.
func (r *Recorder) JobStarted() {
	r.active.Add(1)
}

// JobFinished balances JobStarted.
func (r *Recorder) JobFinished() {
	r.active.Add(-1)
}

// Active returns the number of running jobs.
func (r *Recorder) Active() int {
	return int(r.active.Load())
}

// Stop ends sampling, takes the closing network snapshot and returns the
// run's telemetry. Further calls return the same snapshot.
func (r *Recorder) Stop(ctx context.Context) Snapshot {
	r.mu.Lock()
	if r.snapshot != nil {
		defer r.mu.Unlock()
		return *r.snapshot
	}
	stop, stopped := r.stop, r.stopped
	r.mu.Unlock()

	if stop != nil {
		stop()
		<-stopped
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	end := time.Now()
	if r.start.IsZero() {
		r.start = end
	}
	snap := Snapshot{
		Start:    r.start,
		End:      end,
		Duration: end.Sub(r.start),
		Stages:   append([]StageEvent(nil), r.events...),
		Samples:  len(r.samples),
	}
	sort.SliceStable(snap.Stages, func(i, j int) bool {
		return snap.Stages[i].Start.Before(snap.Stages[j].Start)
	})
	for _, s := range r.samples {
		snap.PeakMemory = max(snap.PeakMemory, s.MemoryUsed)
		snap.PeakCPUPercent = max(snap.PeakCPUPercent, s.CPUPercent)
	}
	if r.netOK {
		if sent, recv, err := r.counter(ctx); err == nil {
			snap.NetBytesSent = delta(sent, r.netSent)
			snap.NetBytesRecv = delta(recv, r.netRecv)
		}
	}
	r.snapshot = &snap
	return snap
}

// counters can reset when interfaces come and go
func delta(after, before uint64) uint64 {
	if after < before {
		return 0
	}
	return after - before
}
