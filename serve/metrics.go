// MetricsCollector tracks latency percentiles, throughput windows, batch size
// distributions and queue depth with fine-grained per-family locks and lazy
// cached aggregation. Scrapes happen on a seconds cadence while recording
// happens on a milliseconds cadence, so the dirty-flag caches absorb almost
// all read traffic.

package serve

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	latencySampleCap  = 1000
	batchSampleCap    = 1000
	queueDepthCap     = 100
	maxValidLatencyMs = 3_600_000 // clock-skew guard: reject anything past one hour
)

// LatencyMetrics is a latency distribution snapshot.
type LatencyMetrics struct {
	P50Ms  float64
	P95Ms  float64
	P99Ms  float64
	MinMs  float64
	MaxMs  float64
	MeanMs float64
	Count  int
}

// ThroughputMetrics reports rates over the rolling windows.
type ThroughputMetrics struct {
	TokensPerSecond5s    float64
	TokensPerSecond30s   float64
	TokensPerSecond60s   float64
	RequestsPerSecond5s  float64
	RequestsPerSecond30s float64
	RequestsPerSecond60s float64
}

// BatchMetrics is a batch size distribution snapshot.
type BatchMetrics struct {
	CurrentSize  int
	MinSize      int
	MaxSize      int
	MeanSize     float64
	Distribution map[int]int
}

// SchedulerMetrics is the complete collector snapshot.
type SchedulerMetrics struct {
	Latency         LatencyMetrics
	Throughput      ThroughputMetrics
	Batch           BatchMetrics
	QueueDepth      int
	ModeTransitions int
	UptimeSeconds   float64
	Timestamp       time.Time
}

type timedSample struct {
	at    time.Time
	value float64
}

type timedCount struct {
	at    time.Time
	count int
}

// MetricsCollector is safe for concurrent use. Each metric family has its own
// lock so recording different families never contends; reads snapshot under
// the family lock and compute outside it.
type MetricsCollector struct {
	windowSizes []time.Duration
	startTime   time.Time
	now         func() time.Time

	latencyMu     sync.Mutex
	latencies     []timedSample
	latencyDirty  bool
	cachedLatency *LatencyMetrics

	throughputMu     sync.Mutex
	tokenWindow      []timedCount
	requestWindow    []timedCount
	throughputDirty  bool
	cachedThroughput *ThroughputMetrics

	batchMu     sync.Mutex
	batchSizes  []int
	batchDist   map[int]int
	batchDirty  bool
	cachedBatch *BatchMetrics

	queueMu     sync.Mutex
	queueDepths []timedCount

	modeMu          sync.Mutex
	modeTransitions int
	currentMode     string
}

// NewMetricsCollector builds a collector with the standard 5/30/60 s windows.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		windowSizes: []time.Duration{5 * time.Second, 30 * time.Second, 60 * time.Second},
		startTime:   time.Now(),
		now:         time.Now,
		batchDist:   make(map[int]int),
	}
}

// RecordLatency records one latency sample in milliseconds. Non-finite,
// non-positive or absurdly large values are dropped: they come from clock
// skew or corrupted inputs and would poison the percentiles.
func (m *MetricsCollector) RecordLatency(latencyMs float64) {
	if math.IsNaN(latencyMs) || math.IsInf(latencyMs, 0) || latencyMs <= 0 || latencyMs >= maxValidLatencyMs {
		logrus.Warnf("Invalid latency %.2fms detected (clock skew or invalid input), ignoring sample", latencyMs)
		return
	}
	m.latencyMu.Lock()
	m.latencies = append(m.latencies, timedSample{at: m.now(), value: latencyMs})
	if len(m.latencies) > latencySampleCap {
		m.latencies = m.latencies[len(m.latencies)-latencySampleCap:]
	}
	m.latencyDirty = true
	m.latencyMu.Unlock()
}

// RecordThroughput records tokens generated and requests completed.
func (m *MetricsCollector) RecordThroughput(tokens, requests int) {
	at := m.now()
	m.throughputMu.Lock()
	m.tokenWindow = append(m.tokenWindow, timedCount{at: at, count: tokens})
	m.requestWindow = append(m.requestWindow, timedCount{at: at, count: requests})
	m.trimWindowsLocked(at)
	m.throughputDirty = true
	m.throughputMu.Unlock()
}

// trimWindowsLocked drops samples older than the widest window.
func (m *MetricsCollector) trimWindowsLocked(now time.Time) {
	widest := m.windowSizes[len(m.windowSizes)-1]
	cutoff := now.Add(-widest)
	drop := 0
	for drop < len(m.tokenWindow) && m.tokenWindow[drop].at.Before(cutoff) {
		drop++
	}
	if drop > 0 {
		m.tokenWindow = m.tokenWindow[drop:]
	}
	drop = 0
	for drop < len(m.requestWindow) && m.requestWindow[drop].at.Before(cutoff) {
		drop++
	}
	if drop > 0 {
		m.requestWindow = m.requestWindow[drop:]
	}
}

// RecordBatchSize records the size of one executed batch.
func (m *MetricsCollector) RecordBatchSize(size int) {
	m.batchMu.Lock()
	m.batchSizes = append(m.batchSizes, size)
	if len(m.batchSizes) > batchSampleCap {
		m.batchSizes = m.batchSizes[len(m.batchSizes)-batchSampleCap:]
	}
	m.batchDist[size]++
	m.batchDirty = true
	m.batchMu.Unlock()
}

// RecordQueueDepth records the current queue depth.
func (m *MetricsCollector) RecordQueueDepth(depth int) {
	at := m.now()
	m.queueMu.Lock()
	m.queueDepths = append(m.queueDepths, timedCount{at: at, count: depth})
	if len(m.queueDepths) > queueDepthCap {
		m.queueDepths = m.queueDepths[len(m.queueDepths)-queueDepthCap:]
	}
	m.queueMu.Unlock()
}

// RecordModeTransition counts scheduler mode changes (same mode repeated does
// not count).
func (m *MetricsCollector) RecordModeTransition(newMode string) {
	m.modeMu.Lock()
	if m.currentMode != "" && m.currentMode != newMode {
		m.modeTransitions++
	}
	m.currentMode = newMode
	m.modeMu.Unlock()
}

// GetLatencyMetrics computes (or returns the cached) latency snapshot.
func (m *MetricsCollector) GetLatencyMetrics() LatencyMetrics {
	m.latencyMu.Lock()
	if !m.latencyDirty && m.cachedLatency != nil {
		result := *m.cachedLatency
		m.latencyMu.Unlock()
		return result
	}
	if len(m.latencies) == 0 {
		empty := LatencyMetrics{}
		m.cachedLatency = &empty
		m.latencyDirty = false
		m.latencyMu.Unlock()
		return empty
	}
	values := make([]float64, len(m.latencies))
	for i, s := range m.latencies {
		values[i] = s.value
	}
	m.latencyMu.Unlock()

	// Sort and aggregate outside the lock.
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	result := LatencyMetrics{
		P50Ms:  percentileSorted(sorted, 50),
		P95Ms:  percentileSorted(sorted, 95),
		P99Ms:  percentileSorted(sorted, 99),
		MinMs:  sorted[0],
		MaxMs:  sorted[len(sorted)-1],
		MeanMs: sum / float64(len(sorted)),
		Count:  len(sorted),
	}

	m.latencyMu.Lock()
	m.cachedLatency = &result
	m.latencyDirty = false
	m.latencyMu.Unlock()
	return result
}

// GetThroughputMetrics computes (or returns the cached) throughput snapshot.
func (m *MetricsCollector) GetThroughputMetrics() ThroughputMetrics {
	now := m.now()

	m.throughputMu.Lock()
	if !m.throughputDirty && m.cachedThroughput != nil {
		result := *m.cachedThroughput
		m.throughputMu.Unlock()
		return result
	}
	tokens := make([]timedCount, len(m.tokenWindow))
	copy(tokens, m.tokenWindow)
	requests := make([]timedCount, len(m.requestWindow))
	copy(requests, m.requestWindow)
	m.throughputMu.Unlock()

	result := ThroughputMetrics{
		TokensPerSecond5s:    windowRate(tokens, m.windowSizes[0], now),
		TokensPerSecond30s:   windowRate(tokens, m.windowSizes[1], now),
		TokensPerSecond60s:   windowRate(tokens, m.windowSizes[2], now),
		RequestsPerSecond5s:  windowRate(requests, m.windowSizes[0], now),
		RequestsPerSecond30s: windowRate(requests, m.windowSizes[1], now),
		RequestsPerSecond60s: windowRate(requests, m.windowSizes[2], now),
	}

	m.throughputMu.Lock()
	m.cachedThroughput = &result
	m.throughputDirty = false
	m.throughputMu.Unlock()
	return result
}

// windowRate sums counts inside the window and divides by the span from the
// oldest in-window sample. Spans under 1ms report zero: insufficient data.
func windowRate(samples []timedCount, window time.Duration, now time.Time) float64 {
	cutoff := now.Add(-window)
	var total int
	var oldest time.Time
	found := false
	for _, s := range samples {
		if s.at.Before(cutoff) {
			continue
		}
		if !found {
			oldest = s.at
			found = true
		}
		total += s.count
	}
	if !found {
		return 0
	}
	span := now.Sub(oldest).Seconds()
	if span < 0.001 {
		return 0
	}
	return float64(total) / span
}

// GetBatchMetrics computes (or returns the cached) batch size snapshot.
func (m *MetricsCollector) GetBatchMetrics() BatchMetrics {
	m.batchMu.Lock()
	if !m.batchDirty && m.cachedBatch != nil {
		result := copyBatchMetrics(*m.cachedBatch)
		m.batchMu.Unlock()
		return result
	}
	if len(m.batchSizes) == 0 {
		empty := BatchMetrics{Distribution: map[int]int{}}
		m.cachedBatch = &empty
		m.batchDirty = false
		m.batchMu.Unlock()
		return copyBatchMetrics(empty)
	}
	sizes := make([]int, len(m.batchSizes))
	copy(sizes, m.batchSizes)
	dist := make(map[int]int, len(m.batchDist))
	for k, v := range m.batchDist {
		dist[k] = v
	}
	m.batchMu.Unlock()

	minSize, maxSize, sum := sizes[0], sizes[0], 0
	for _, s := range sizes {
		if s < minSize {
			minSize = s
		}
		if s > maxSize {
			maxSize = s
		}
		sum += s
	}
	result := BatchMetrics{
		CurrentSize:  sizes[len(sizes)-1],
		MinSize:      minSize,
		MaxSize:      maxSize,
		MeanSize:     float64(sum) / float64(len(sizes)),
		Distribution: dist,
	}

	m.batchMu.Lock()
	m.cachedBatch = &result
	m.batchDirty = false
	m.batchMu.Unlock()
	return copyBatchMetrics(result)
}

func copyBatchMetrics(b BatchMetrics) BatchMetrics {
	dist := make(map[int]int, len(b.Distribution))
	for k, v := range b.Distribution {
		dist[k] = v
	}
	b.Distribution = dist
	return b
}

// GetQueueDepth returns the most recently recorded queue depth.
func (m *MetricsCollector) GetQueueDepth() int {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	if len(m.queueDepths) == 0 {
		return 0
	}
	return m.queueDepths[len(m.queueDepths)-1].count
}

// GetMetrics assembles a complete snapshot. Each family is read under its own
// lock; the combined view is consistent enough for scraping without holding
// every lock at once.
func (m *MetricsCollector) GetMetrics() SchedulerMetrics {
	latency := m.GetLatencyMetrics()
	throughput := m.GetThroughputMetrics()
	batch := m.GetBatchMetrics()
	queueDepth := m.GetQueueDepth()

	m.modeMu.Lock()
	transitions := m.modeTransitions
	m.modeMu.Unlock()

	now := m.now()
	return SchedulerMetrics{
		Latency:         latency,
		Throughput:      throughput,
		Batch:           batch,
		QueueDepth:      queueDepth,
		ModeTransitions: transitions,
		UptimeSeconds:   now.Sub(m.startTime).Seconds(),
		Timestamp:       now,
	}
}

// ExportPrometheus renders the snapshot in Prometheus text exposition format.
func (m *MetricsCollector) ExportPrometheus() string {
	metrics := m.GetMetrics()
	var b strings.Builder

	writeGauge := func(name, help string, value float64) {
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s gauge\n%s %.2f\n", name, help, name, name, value)
	}

	writeGauge("mlx_latency_p50_milliseconds", "P50 latency", metrics.Latency.P50Ms)
	writeGauge("mlx_latency_p95_milliseconds", "P95 latency", metrics.Latency.P95Ms)
	writeGauge("mlx_latency_p99_milliseconds", "P99 latency", metrics.Latency.P99Ms)

	b.WriteString("# HELP mlx_throughput_tokens_per_second Token throughput\n")
	b.WriteString("# TYPE mlx_throughput_tokens_per_second gauge\n")
	fmt.Fprintf(&b, "mlx_throughput_tokens_per_second{window=\"5s\"} %.2f\n", metrics.Throughput.TokensPerSecond5s)
	fmt.Fprintf(&b, "mlx_throughput_tokens_per_second{window=\"30s\"} %.2f\n", metrics.Throughput.TokensPerSecond30s)
	fmt.Fprintf(&b, "mlx_throughput_tokens_per_second{window=\"60s\"} %.2f\n", metrics.Throughput.TokensPerSecond60s)

	writeGauge("mlx_batch_size_current", "Current batch size", float64(metrics.Batch.CurrentSize))
	writeGauge("mlx_queue_depth", "Current queue depth", float64(metrics.QueueDepth))

	fmt.Fprintf(&b, "# HELP mlx_mode_transitions_total Total mode transitions\n# TYPE mlx_mode_transitions_total counter\nmlx_mode_transitions_total %d\n", metrics.ModeTransitions)
	writeGauge("mlx_uptime_seconds", "Scheduler uptime", metrics.UptimeSeconds)

	return b.String()
}

// ExportJSON renders the snapshot as a JSON-serializable map for the RPC
// introspection surface.
func (m *MetricsCollector) ExportJSON() map[string]any {
	metrics := m.GetMetrics()
	distribution := make(map[string]int, len(metrics.Batch.Distribution))
	for size, count := range metrics.Batch.Distribution {
		distribution[fmt.Sprintf("%d", size)] = count
	}
	return map[string]any{
		"latency": map[string]any{
			"p50_ms":  metrics.Latency.P50Ms,
			"p95_ms":  metrics.Latency.P95Ms,
			"p99_ms":  metrics.Latency.P99Ms,
			"min_ms":  metrics.Latency.MinMs,
			"max_ms":  metrics.Latency.MaxMs,
			"mean_ms": metrics.Latency.MeanMs,
			"count":   metrics.Latency.Count,
		},
		"throughput": map[string]any{
			"tokens_per_second": map[string]any{
				"5s":  metrics.Throughput.TokensPerSecond5s,
				"30s": metrics.Throughput.TokensPerSecond30s,
				"60s": metrics.Throughput.TokensPerSecond60s,
			},
			"requests_per_second": map[string]any{
				"5s":  metrics.Throughput.RequestsPerSecond5s,
				"30s": metrics.Throughput.RequestsPerSecond30s,
				"60s": metrics.Throughput.RequestsPerSecond60s,
			},
		},
		"batch": map[string]any{
			"current_size": metrics.Batch.CurrentSize,
			"min_size":     metrics.Batch.MinSize,
			"max_size":     metrics.Batch.MaxSize,
			"mean_size":    metrics.Batch.MeanSize,
			"distribution": distribution,
		},
		"queue_depth":      metrics.QueueDepth,
		"mode_transitions": metrics.ModeTransitions,
		"uptime_seconds":   metrics.UptimeSeconds,
		"timestamp":        float64(metrics.Timestamp.UnixNano()) / 1e9,
	}
}

// Reset clears all samples and caches, keeping configuration.
func (m *MetricsCollector) Reset() {
	m.latencyMu.Lock()
	m.latencies = nil
	m.cachedLatency = nil
	m.latencyDirty = true
	m.latencyMu.Unlock()

	m.throughputMu.Lock()
	m.tokenWindow = nil
	m.requestWindow = nil
	m.cachedThroughput = nil
	m.throughputDirty = true
	m.throughputMu.Unlock()

	m.batchMu.Lock()
	m.batchSizes = nil
	m.batchDist = make(map[int]int)
	m.cachedBatch = nil
	m.batchDirty = true
	m.batchMu.Unlock()

	m.queueMu.Lock()
	m.queueDepths = nil
	m.queueMu.Unlock()

	m.modeMu.Lock()
	m.modeTransitions = 0
	m.currentMode = ""
	m.modeMu.Unlock()

	m.startTime = m.now()
}

// percentileSorted computes the p-th percentile of pre-sorted data using
// linear interpolation between closest ranks.
func percentileSorted(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}
	rank := p / 100.0 * float64(n-1)
	lowerIdx := int(math.Floor(rank))
	upperIdx := lowerIdx + 1
	if upperIdx >= n {
		return sorted[n-1]
	}
	fraction := rank - float64(lowerIdx)
	return sorted[lowerIdx] + fraction*(sorted[upperIdx]-sorted[lowerIdx])
}
