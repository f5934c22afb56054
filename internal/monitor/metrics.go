package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the prometheus collectors of the execution core plus an
// in-process latency window for the admin status page. A nil *Metrics is a
// valid no-op.
type Metrics struct {
	ordersTotal    *prometheus.CounterVec
	riskRejections *prometheus.CounterVec
	submitLatency  prometheus.Histogram
	schedulerTicks *prometheus.CounterVec
	reconcileRuns  prometheus.Counter
	reconcileFixes *prometheus.CounterVec
	killSwitch     prometheus.Gauge
	marketVolatile prometheus.Gauge
	scheduledJobs  prometheus.Gauge

	SubmitLatency *LatencyHistogram

	submitted uint64
	failed    uint64
	ticks     uint64
}

// NewMetrics creates and registers every collector on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ordersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "execution_core",
			Name:      "orders_total",
			Help:      "Orders by side and final status returned from submit.",
		}, []string{"side", "status"}),
		riskRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "execution_core",
			Name:      "risk_rejections_total",
			Help:      "Intents refused by the risk engine, by failing check.",
		}, []string{"check"}),
		submitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "execution_core",
			Name:      "submit_duration_seconds",
			Help:      "Wall time of one executor submit.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		schedulerTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "execution_core",
			Name:      "scheduler_ticks_total",
			Help:      "Scheduler job ticks by outcome.",
		}, []string{"outcome"}),
		reconcileRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "execution_core",
			Name:      "reconcile_runs_total",
			Help:      "Completed reconciler passes.",
		}),
		reconcileFixes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "execution_core",
			Name:      "reconcile_updates_total",
			Help:      "Ledger orders changed by the reconciler, by resulting status.",
		}, []string{"status"}),
		killSwitch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "execution_core",
			Name:      "kill_switch_active",
			Help:      "1 while the emergency stop is active.",
		}),
		marketVolatile: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "execution_core",
			Name:      "market_volatile",
			Help:      "1 while market status is volatile.",
		}),
		scheduledJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "execution_core",
			Name:      "scheduled_jobs",
			Help:      "Jobs registered with the scheduler.",
		}),
		SubmitLatency: NewLatencyHistogram(1000),
	}
	if reg != nil {
		reg.MustRegister(
			m.ordersTotal, m.riskRejections, m.submitLatency, m.schedulerTicks,
			m.reconcileRuns, m.reconcileFixes, m.killSwitch, m.marketVolatile, m.scheduledJobs,
		)
	}
	return m
}

// OrderFinished counts one submit outcome.
func (m *Metrics) OrderFinished(side, status string, took time.Duration) {
	if m == nil {
		return
	}
	m.ordersTotal.WithLabelValues(side, status).Inc()
	m.submitLatency.Observe(took.Seconds())
	m.SubmitLatency.RecordDuration(took)
	atomic.AddUint64(&m.submitted, 1)
	if status == "FAILED" {
		atomic.AddUint64(&m.failed, 1)
	}
}

// RiskRejected counts a refusal by check name.
func (m *Metrics) RiskRejected(check string) {
	if m == nil {
		return
	}
	m.riskRejections.WithLabelValues(check).Inc()
}

// SchedulerTick counts one job tick.
func (m *Metrics) SchedulerTick(outcome string) {
	if m == nil {
		return
	}
	m.schedulerTicks.WithLabelValues(outcome).Inc()
	atomic.AddUint64(&m.ticks, 1)
}

// SetScheduledJobs records the number of registered jobs.
func (m *Metrics) SetScheduledJobs(n int) {
	if m == nil {
		return
	}
	m.scheduledJobs.Set(float64(n))
}

// ReconcileRun counts a pass and the orders it changed per status.
func (m *Metrics) ReconcileRun(updated map[string]int) {
	if m == nil {
		return
	}
	m.reconcileRuns.Inc()
	for status, n := range updated {
		m.reconcileFixes.WithLabelValues(status).Add(float64(n))
	}
}

// SetKillSwitch mirrors the emergency stop into a gauge.
func (m *Metrics) SetKillSwitch(active bool) {
	if m == nil {
		return
	}
	m.killSwitch.Set(boolGauge(active))
}

// SetMarketVolatile mirrors market status into a gauge.
func (m *Metrics) SetMarketVolatile(volatile bool) {
	if m == nil {
		return
	}
	m.marketVolatile.Set(boolGauge(volatile))
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Snapshot is the JSON view served on the admin status endpoint.
type Snapshot struct {
	SubmitLatency   LatencyStats `json:"submit_latency"`
	OrdersSubmitted uint64       `json:"orders_submitted"`
	OrdersFailed    uint64       `json:"orders_failed"`
	SchedulerTicks  uint64       `json:"scheduler_ticks"`
	GoroutineCount  int          `json:"goroutine_count"`
	HeapAlloc       uint64       `json:"heap_alloc_bytes"`
	Timestamp       time.Time    `json:"timestamp"`
}

// GetSnapshot returns a point-in-time view.
func (m *Metrics) GetSnapshot() Snapshot {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	s := Snapshot{
		GoroutineCount: runtime.NumGoroutine(),
		HeapAlloc:      mem.HeapAlloc,
		Timestamp:      time.Now().UTC(),
	}
	if m == nil {
		return s
	}
	s.SubmitLatency = m.SubmitLatency.Stats()
	s.OrdersSubmitted = atomic.LoadUint64(&m.submitted)
	s.OrdersFailed = atomic.LoadUint64(&m.failed)
	s.SchedulerTicks = atomic.LoadUint64(&m.ticks)
	return s
}

// LatencyHistogram keeps a sliding window of samples in milliseconds.
// Stats are recomputed only after new samples arrive.
type LatencyHistogram struct {
	mu      sync.Mutex
	samples []float64
	next    int
	maxSize int
	dirty   bool
	cached  LatencyStats
}

// NewLatencyHistogram creates a window of size samples.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{samples: make([]float64, 0, size), maxSize: size, dirty: true}
}

// RecordDuration adds one sample.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ms := float64(d.Nanoseconds()) / 1e6
	if len(h.samples) < h.maxSize {
		h.samples = append(h.samples, ms)
	} else {
		h.samples[h.next] = ms
		h.next = (h.next + 1) % h.maxSize
	}
	h.dirty = true
}

// LatencyStats holds computed latency statistics in milliseconds.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// Stats returns min, max, avg and percentiles of the window.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.dirty {
		return h.cached
	}
	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}
	sorted := append([]float64(nil), h.samples...)
	sort.Float64s(sorted)
	var sum float64
	for _, v := range sorted {
		sum += v
	}
	h.cached = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false
	return h.cached
}
