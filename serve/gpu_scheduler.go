// GPUScheduler serializes accelerator work: many CPU-side callers funnel jobs
// through one priority queue into a single commit worker that executes them
// strictly one at a time, with micro-batching, a fast path for sequential
// workloads, p99-driven auto-tuning and low-contention metrics.
//
// The commit worker is the only goroutine that issues accelerator operations.
// That is a correctness requirement, not a tuning choice: the accelerator's
// command-buffer API crashes under concurrent host-side submission.

package serve

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// JobPriority orders GPU jobs. URGENT jobs bypass the batching window.
type JobPriority int

const (
	JobUrgent     JobPriority = 0 // sub-millisecond target, no batching
	JobDefault    JobPriority = 1
	JobBackground JobPriority = 2 // preloading, warmup
)

// GPUOp is a deferred accelerator operation.
type GPUOp func(ctx context.Context) (any, error)

type jobResult struct {
	value any
	err   error
}

// GPUJob is one scheduled unit of accelerator work. The done channel is the
// completion slot the caller awaits; it is buffered so the worker never
// blocks fulfilling it.
type GPUJob struct {
	JobID      string
	Priority   JobPriority
	Op         GPUOp
	EnqueuedAt time.Time

	done chan jobResult
}

// CompletionTokenCounter lets job results contribute to throughput metrics.
type CompletionTokenCounter interface {
	CompletionTokens() int
}

// SchedulerConfig holds the scheduler knobs. Values read from the
// environment are clamped to their documented ranges.
type SchedulerConfig struct {
	Enabled        bool
	BatchWindowMs  float64
	MaxBatchSize   int
	P99ThresholdMs float64

	AutoTune   bool
	Controller ControllerConfig

	FastPath bool

	AdaptiveWindow         bool
	AdaptiveWindowLowMs    float64
	AdaptiveWindowMediumMs float64
	AdaptiveWindowHighMs   float64

	MetricsExport bool
	MetricsPort   int
}

// DefaultSchedulerConfig mirrors the documented defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Enabled:                true,
		BatchWindowMs:          1.0,
		MaxBatchSize:           4,
		P99ThresholdMs:         100.0,
		Controller:             DefaultControllerConfig(),
		FastPath:               true,
		AdaptiveWindowLowMs:    0.75,
		AdaptiveWindowMediumMs: 1.0,
		AdaptiveWindowHighMs:   2.0,
		MetricsPort:            9090,
	}
}

// SchedulerConfigFromEnv reads the MLX_GPU_SCHEDULER* family with clamping.
func SchedulerConfigFromEnv() SchedulerConfig {
	cfg := DefaultSchedulerConfig()
	cfg.Enabled = envOn("MLX_GPU_SCHEDULER", true)
	cfg.MaxBatchSize = clampInt(envInt("MLX_GPU_SCHEDULER_BATCH_SIZE", cfg.MaxBatchSize), 1, 16)
	cfg.BatchWindowMs = clampFloat(envFloat("MLX_GPU_SCHEDULER_WINDOW_MS", cfg.BatchWindowMs), 0.75, 5.0)
	cfg.P99ThresholdMs = clampFloat(envFloat("MLX_GPU_SCHEDULER_P99_THRESHOLD_MS", cfg.P99ThresholdMs), 50.0, 500.0)
	cfg.AutoTune = envOn("MLX_AUTO_TUNE", false)
	cfg.Controller = ControllerConfigFromEnv()
	cfg.FastPath = envOn("MLX_FAST_PATH", true)
	cfg.AdaptiveWindow = envOn("MLX_ADAPTIVE_WINDOW", false)
	cfg.AdaptiveWindowLowMs = envFloat("MLX_ADAPTIVE_WINDOW_LOW_MS", cfg.AdaptiveWindowLowMs)
	cfg.AdaptiveWindowMediumMs = envFloat("MLX_ADAPTIVE_WINDOW_MEDIUM_MS", cfg.AdaptiveWindowMediumMs)
	cfg.AdaptiveWindowHighMs = envFloat("MLX_ADAPTIVE_WINDOW_HIGH_MS", cfg.AdaptiveWindowHighMs)
	cfg.MetricsExport = envOn("MLX_METRICS_EXPORT", false)
	cfg.MetricsPort = envInt("MLX_METRICS_PORT", cfg.MetricsPort)
	return cfg
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// GPUScheduler owns the job queue, the commit worker, the metrics collector
// and (when auto-tune is on) the adaptive controller.
type GPUScheduler struct {
	cfg SchedulerConfig

	queue    *PriorityQueue[*GPUJob]
	running  atomic.Bool
	workerWG sync.WaitGroup
	stopCh   chan struct{}

	Metrics    *MetricsCollector
	controller *AdaptiveController
	exporter   *PrometheusExporter

	// legacy sliding-window latency tracking (used when auto-tune is off)
	legacyLatency *MetricsCollector

	// state mutated only by the commit worker plus read-only snapshots
	stateMu          sync.Mutex
	currentBatchSize int
	currentWindowMs  float64

	totalJobs         atomic.Int64
	totalBatches      atomic.Int64
	totalFastPath     atomic.Int64
	degradationEvents atomic.Int64

	adaptiveWindowAdjustments struct {
		low, medium, high atomic.Int64
	}

	jobSeq atomic.Int64
}

// NewGPUScheduler builds a scheduler; Start launches the commit worker.
func NewGPUScheduler(cfg SchedulerConfig) *GPUScheduler {
	s := &GPUScheduler{
		cfg:              cfg,
		queue:            NewPriorityQueue[*GPUJob](0),
		Metrics:          NewMetricsCollector(),
		legacyLatency:    NewMetricsCollector(),
		currentBatchSize: cfg.MaxBatchSize,
		currentWindowMs:  cfg.BatchWindowMs,
	}
	if cfg.AutoTune {
		s.controller = NewAdaptiveController(cfg.Controller)
		s.currentBatchSize = s.controller.CurrentBatchSize()
		logrus.Infof("AdaptiveController enabled: min_batch=%d, max_batch=%d",
			cfg.Controller.MinBatchSize, cfg.Controller.MaxBatchSize)
	}
	if cfg.MetricsExport {
		s.exporter = NewPrometheusExporter(s.Metrics, cfg.MetricsPort)
	}
	logrus.Infof("GPUScheduler initialized: enabled=%t, window=%.2fms, batch_size=%d, p99_threshold=%.0fms, auto_tune=%t, fast_path=%t, adaptive_window=%t",
		cfg.Enabled, cfg.BatchWindowMs, cfg.MaxBatchSize, cfg.P99ThresholdMs, cfg.AutoTune, cfg.FastPath, cfg.AdaptiveWindow)
	return s
}

// Start launches the commit worker and the metrics exporter. Idempotent.
func (s *GPUScheduler) Start() {
	if !s.cfg.Enabled {
		logrus.Info("GPUScheduler disabled - using direct passthrough mode")
		return
	}
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	s.stopCh = make(chan struct{})
	s.workerWG.Add(1)
	go s.commitWorker()

	if s.exporter != nil {
		if err := s.exporter.Start(); err != nil {
			logrus.Warnf("Prometheus exporter failed to start: %v", err)
		}
	}
}

// Stop signals shutdown, waits up to 5s for the commit worker to finish its
// current batch, then completes every pending job with a shutdown error.
func (s *GPUScheduler) Stop() {
	if !s.cfg.Enabled || !s.running.CompareAndSwap(true, false) {
		return
	}
	close(s.stopCh)
	s.queue.Close()

	done := make(chan struct{})
	go func() {
		s.workerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		logrus.Warn("GPUScheduler commit worker did not stop within 5s")
	}

	for _, job := range s.queue.Drain() {
		job.done <- jobResult{err: ErrSchedulerShutdown}
	}

	if s.exporter != nil {
		s.exporter.Stop()
	}
}

// Schedule submits an operation and blocks until it completes. In passthrough
// mode (scheduler disabled) the operation runs immediately on the caller.
func (s *GPUScheduler) Schedule(ctx context.Context, op GPUOp, priority JobPriority, jobID string) (any, error) {
	if !s.cfg.Enabled {
		return op(ctx)
	}
	if jobID == "" {
		jobID = fmt.Sprintf("job_%d", s.jobSeq.Add(1))
	}
	job := &GPUJob{
		JobID:      jobID,
		Priority:   priority,
		Op:         op,
		EnqueuedAt: time.Now(),
		done:       make(chan jobResult, 1),
	}
	s.totalJobs.Add(1)

	if err := s.queue.Put(int(priority), job.EnqueuedAt, job); err != nil {
		return nil, ErrSchedulerShutdown
	}

	select {
	case result := <-job.done:
		return result.value, result.err
	case <-ctx.Done():
		// The job may still execute; its completion slot is buffered so the
		// worker does not block on an abandoned caller.
		return nil, ctx.Err()
	}
}

// commitWorker is the single serialization point for accelerator work.
func (s *GPUScheduler) commitWorker() {
	defer s.workerWG.Done()
	for s.running.Load() {
		batch := s.collectBatch()
		if len(batch) == 0 {
			select {
			case <-s.stopCh:
				return
			case <-time.After(time.Millisecond):
			}
			continue
		}

		s.executeBatch(batch)
		s.totalBatches.Add(1)
		s.checkDegradation()
	}
}

// adjustWindowForLoad resizes the batching window from queue depth: short
// windows minimize latency under light load, long windows maximize
// throughput under heavy load.
func (s *GPUScheduler) adjustWindowForLoad() {
	if !s.cfg.AdaptiveWindow {
		return
	}
	depth := s.queue.Len()
	s.stateMu.Lock()
	switch {
	case depth <= 1:
		s.currentWindowMs = s.cfg.AdaptiveWindowLowMs
		s.adaptiveWindowAdjustments.low.Add(1)
	case depth <= 5:
		s.currentWindowMs = s.cfg.AdaptiveWindowMediumMs
		s.adaptiveWindowAdjustments.medium.Add(1)
	default:
		s.currentWindowMs = s.cfg.AdaptiveWindowHighMs
		s.adaptiveWindowAdjustments.high.Add(1)
	}
	s.stateMu.Unlock()
}

// collectBatch pulls jobs until the batch is full or the window deadline
// expires. URGENT jobs stop collection; the fast path commits immediately
// when exactly one job arrived and the queue is empty.
func (s *GPUScheduler) collectBatch() []*GPUJob {
	s.adjustWindowForLoad()

	s.stateMu.Lock()
	batchSize := s.currentBatchSize
	windowMs := s.currentWindowMs
	s.stateMu.Unlock()

	var batch []*GPUJob
	deadline := time.Now().Add(time.Duration(windowMs * float64(time.Millisecond)))

	for len(batch) < batchSize {
		timeout := time.Until(deadline)
		if timeout <= 0 {
			if len(batch) > 0 {
				break
			}
			timeout = time.Millisecond
		}

		job, err := s.queue.GetTimeout(timeout)
		if err != nil {
			break // window expired or queue closed
		}
		batch = append(batch, job)

		if job.Priority == JobUrgent {
			break
		}
		if s.cfg.FastPath && len(batch) == 1 && s.queue.Len() == 0 {
			s.totalFastPath.Add(1)
			break
		}
	}
	return batch
}

// executeBatch runs each job sequentially. Per-job failures (including
// panics inside the op) are captured in the completion slot and never escape
// into the worker loop.
func (s *GPUScheduler) executeBatch(batch []*GPUJob) {
	tokensGenerated := 0

	for _, job := range batch {
		result := s.runJob(job)
		job.done <- result

		if counter, ok := result.value.(CompletionTokenCounter); ok && result.err == nil {
			tokensGenerated += counter.CompletionTokens()
		}

		latencyMs := float64(time.Since(job.EnqueuedAt)) / float64(time.Millisecond)
		s.Metrics.RecordLatency(latencyMs)
		s.legacyLatency.RecordLatency(latencyMs)
	}

	s.Metrics.RecordBatchSize(len(batch))
	s.Metrics.RecordQueueDepth(s.queue.Len())
	if tokensGenerated > 0 {
		s.Metrics.RecordThroughput(tokensGenerated, len(batch))
	}
}

// runJob executes one op, converting panics into errors.
func (s *GPUScheduler) runJob(job *GPUJob) (result jobResult) {
	defer func() {
		if r := recover(); r != nil {
			result = jobResult{err: fmt.Errorf("gpu job %s panicked: %v", job.JobID, r)}
			logrus.Errorf("Commit worker recovered from panic in job %s: %v", job.JobID, r)
		}
	}()
	value, err := job.Op(context.Background())
	return jobResult{value: value, err: err}
}

// checkDegradation feeds p99 into the adaptive controller, or applies the
// legacy ladder (halve batch, then halve window, then warn) when auto-tune
// is off.
func (s *GPUScheduler) checkDegradation() {
	if s.controller != nil {
		latency := s.Metrics.GetLatencyMetrics()
		if latency.Count < 10 {
			return
		}
		newSize, adjusted := s.controller.Update(latency.P99Ms)
		if adjusted {
			s.stateMu.Lock()
			oldSize := s.currentBatchSize
			s.currentBatchSize = newSize
			s.stateMu.Unlock()
			logrus.Infof("AdaptiveController adjusted batch size: %d -> %d (P99=%.2fms)",
				oldSize, newSize, latency.P99Ms)
			s.Metrics.RecordModeTransition(fmt.Sprintf("batch_size_%d", newSize))
		}
		return
	}

	latency := s.legacyLatency.GetLatencyMetrics()
	if latency.Count < 100 {
		return
	}
	if latency.P99Ms <= s.cfg.P99ThresholdMs {
		return
	}
	s.degradationEvents.Add(1)

	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.currentBatchSize > 1 {
		s.currentBatchSize = maxInt(1, s.currentBatchSize/2)
		logrus.Warnf("Auto-degrade: batch_size -> %d (P99=%.2fms > %.0fms)",
			s.currentBatchSize, latency.P99Ms, s.cfg.P99ThresholdMs)
		return
	}
	if s.currentWindowMs > 0.5 {
		s.currentWindowMs = clampFloat(s.currentWindowMs/2, 0.5, s.cfg.BatchWindowMs)
		logrus.Warnf("Auto-degrade: window -> %.2fms (P99=%.2fms > %.0fms)",
			s.currentWindowMs, latency.P99Ms, s.cfg.P99ThresholdMs)
		return
	}
	logrus.Warnf("P99=%.2fms exceeds threshold %.0fms (degradation limit reached)",
		latency.P99Ms, s.cfg.P99ThresholdMs)
}

// QueueLen returns the current job queue depth.
func (s *GPUScheduler) QueueLen() int { return s.queue.Len() }

// Stats reports scheduler state for the introspection surface.
func (s *GPUScheduler) Stats() map[string]any {
	latency := s.Metrics.GetLatencyMetrics()

	s.stateMu.Lock()
	batchSize := s.currentBatchSize
	windowMs := s.currentWindowMs
	s.stateMu.Unlock()

	stats := map[string]any{
		"enabled":            s.cfg.Enabled,
		"total_jobs":         s.totalJobs.Load(),
		"total_batches":      s.totalBatches.Load(),
		"total_fast_path":    s.totalFastPath.Load(),
		"degradation_events": s.degradationEvents.Load(),
		"current_batch_size": batchSize,
		"current_window_ms":  windowMs,
		"queue_size":         s.queue.Len(),
		"latency_p50_ms":     latency.P50Ms,
		"latency_p95_ms":     latency.P95Ms,
		"latency_p99_ms":     latency.P99Ms,
		"sample_count":       latency.Count,
		"metrics":            s.Metrics.ExportJSON(),
	}
	if s.cfg.AdaptiveWindow {
		stats["adaptive_window_adjustments"] = map[string]any{
			"low":    s.adaptiveWindowAdjustments.low.Load(),
			"medium": s.adaptiveWindowAdjustments.medium.Load(),
			"high":   s.adaptiveWindowAdjustments.high.Load(),
		}
	}
	if s.controller != nil {
		autoTune := s.controller.Metrics()
		autoTune["enabled"] = true
		stats["auto_tune"] = autoTune
	} else {
		stats["auto_tune"] = map[string]any{"enabled": false}
	}
	if s.exporter != nil && s.exporter.Running() {
		stats["prometheus_url"] = s.exporter.EndpointURL()
	}
	return stats
}
