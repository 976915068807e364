// ContinuousBatcher implements step-synchronous continuous batching for one
// model: requests join the active batch at any generation step, each step runs
// one forward pass over the whole batch, and finished requests leave
// immediately so nothing blocks behind a long generation.

package serve

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// TokenCallback delivers one sampled token for a stream.
type TokenCallback func(streamID string, tokenID int, text string)

// CompletionStats describes a request's terminal event.
type CompletionStats struct {
	FinishReason    FinishReason
	TokensGenerated int
	DurationMs      float64
	TTFTMs          float64
	TokensPerSec    float64
	Error           string
}

// CompleteCallback delivers the single terminal event for a stream.
type CompleteCallback func(streamID string, stats CompletionStats)

type requestCallbacks struct {
	emitToken    TokenCallback
	emitComplete CompleteCallback
}

// BatcherConfig bounds one model's batcher.
type BatcherConfig struct {
	MaxBatchSize   int
	BatchWindow    time.Duration
	AdaptiveSizing bool
	PromptCache    PromptCacheConfig
	PendingCap     int
}

// BatcherConfigFrom maps the continuous_batching config section.
func BatcherConfigFrom(cfg *Config) BatcherConfig {
	return BatcherConfig{
		MaxBatchSize:   cfg.Batching.MaxBatchSize,
		BatchWindow:    time.Duration(cfg.Batching.BatchWindowMs * float64(time.Millisecond)),
		AdaptiveSizing: cfg.Batching.AdaptiveSizing,
		PromptCache: PromptCacheConfig{
			MaxSize:        cfg.Batching.PromptCacheSize,
			MaxMemoryBytes: int64(cfg.Batching.PromptCacheGB * float64(1<<30)),
		},
		PendingCap: 1024,
	}
}

// ContinuousBatcher owns its pending queue, active batch, memory controller,
// prompt cache and metrics. The background loop is the only goroutine that
// mutates the active batch; AddRequest and CancelRequest touch only the
// callbacks map and per-request atomic flags.
type ContinuousBatcher struct {
	handle *ModelHandle
	cfg    BatcherConfig

	pending chan *Request

	mu          sync.Mutex
	callbacks   map[string]*requestCallbacks
	activeBatch []*Request

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	Metrics     *MetricsCollector
	memoryCtrl  *MemoryController
	promptCache *PromptCache
	log         *logrus.Entry

	// gpuGate serializes accelerator access with the GPU scheduler path;
	// exactly one forward pass is in flight process-wide.
	gpuGate chan struct{}

	currentBatchLimit int
	avgBatchSize      float64

	totalRequests        atomic.Int64
	completedRequests    atomic.Int64
	totalTokensGenerated atomic.Int64

	eosTokenID int
	rng        *rand.Rand
	now        func() time.Time
}

// NewContinuousBatcher builds a batcher for one loaded model. gpuGate may be
// shared with the GPU scheduler path; nil means no cross-path gating.
func NewContinuousBatcher(handle *ModelHandle, cfg BatcherConfig, gpuGate chan struct{}) *ContinuousBatcher {
	if cfg.PendingCap <= 0 {
		cfg.PendingCap = 1024
	}
	b := &ContinuousBatcher{
		handle:            handle,
		cfg:               cfg,
		pending:           make(chan *Request, cfg.PendingCap),
		callbacks:         make(map[string]*requestCallbacks),
		Metrics:           NewMetricsCollector(),
		promptCache:       NewPromptCache(cfg.PromptCache),
		gpuGate:           gpuGate,
		currentBatchLimit: cfg.MaxBatchSize,
		eosTokenID:        handle.Tokenizer.EOSTokenID(),
		rng:               rand.New(rand.NewSource(time.Now().UnixNano())),
		now:               time.Now,
		log:               logrus.WithField("batcher", handle.ModelID),
	}
	b.memoryCtrl = NewMemoryController(
		DefaultMemoryControllerConfig(cfg.MaxBatchSize),
		handle.Backend.MemoryStats,
	)
	return b
}

// Start launches the background loop. Idempotent.
func (b *ContinuousBatcher) Start() {
	if !b.running.CompareAndSwap(false, true) {
		return
	}
	b.stopCh = make(chan struct{})
	b.doneCh = make(chan struct{})
	go b.batchLoop()
	b.log.Info("continuous batcher started")
}

// Stop signals shutdown, waits (bounded) for the loop to exit, then emits a
// shutdown completion for every active and pending request.
func (b *ContinuousBatcher) Stop() {
	if !b.running.CompareAndSwap(true, false) {
		return
	}
	close(b.stopCh)
	select {
	case <-b.doneCh:
	case <-time.After(5 * time.Second):
		b.log.Warn("batch loop did not stop within 5s")
	}

	b.mu.Lock()
	active := b.activeBatch
	b.activeBatch = nil
	b.mu.Unlock()

	for _, req := range active {
		req.finish(FinishShutdown)
		b.emitCompletion(req, "batcher stopped during processing")
	}

	for {
		select {
		case req := <-b.pending:
			req.finish(FinishShutdown)
			b.emitCompletion(req, "batcher stopped before processing could begin")
		default:
			b.log.Info("continuous batcher stopped")
			return
		}
	}
}

// AddRequest registers callbacks and enqueues the request; O(1) admission.
func (b *ContinuousBatcher) AddRequest(req *Request, emitToken TokenCallback, emitComplete CompleteCallback) error {
	if cached := b.promptCache.Get(req.Prompt); cached != nil {
		b.log.Debugf("prompt cache HIT for request %s (hash=%s, use_count=%d, saved %d tokens)",
			req.RequestID, cached.PromptHash, cached.UseCount, cached.PromptTokens)
	}

	b.mu.Lock()
	b.callbacks[req.RequestID] = &requestCallbacks{emitToken: emitToken, emitComplete: emitComplete}
	b.mu.Unlock()

	select {
	case b.pending <- req:
		b.totalRequests.Add(1)
		return nil
	default:
		b.mu.Lock()
		delete(b.callbacks, req.RequestID)
		b.mu.Unlock()
		return ErrGeneration(req.ModelID, "pending queue is full")
	}
}

// CancelRequest cancels a request wherever it currently lives. Active
// requests finish with reason cancelled at the next step; pending requests
// are skipped when the fill step sees their callbacks removed. Returns false
// for unknown or already-terminated ids.
func (b *ContinuousBatcher) CancelRequest(requestID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, req := range b.activeBatch {
		if req.RequestID == requestID {
			req.MarkCancelled()
			return true
		}
	}
	if _, ok := b.callbacks[requestID]; ok {
		delete(b.callbacks, requestID)
		return true
	}
	return false
}

// batchLoop is the step-synchronous core: fill, scan timeouts, gate on
// memory, generate one token for every active request, retire the finished.
func (b *ContinuousBatcher) batchLoop() {
	defer close(b.doneCh)

	for b.running.Load() {
		b.fillBatch()

		b.mu.Lock()
		batchSize := len(b.activeBatch)
		b.mu.Unlock()

		if batchSize == 0 {
			select {
			case <-b.stopCh:
				return
			case <-time.After(b.cfg.BatchWindow):
			}
			continue
		}

		b.expireRequests()

		b.mu.Lock()
		batchSize = len(b.activeBatch)
		b.mu.Unlock()
		if batchSize == 0 {
			continue
		}

		b.Metrics.RecordBatchSize(batchSize)

		memoryLimit := b.memoryCtrl.MaxBatchSize(batchSize)
		if memoryLimit != b.currentBatchLimit {
			b.log.Debugf("memory-adjusted batch size limit: %d -> %d", b.currentBatchLimit, memoryLimit)
			b.currentBatchLimit = minInt(memoryLimit, b.cfg.MaxBatchSize)
		}

		finished, err := b.generateBatchStep()
		if err != nil {
			// Whole-batch failure: every active request terminates with
			// error; the loop itself survives.
			b.log.Errorf("batch generation step failed: %v (active_batch_size=%d)", err, batchSize)
			b.mu.Lock()
			failed := b.activeBatch
			b.activeBatch = nil
			b.mu.Unlock()
			for _, req := range failed {
				req.ErrMessage = err.Error()
				req.finish(FinishError)
				b.emitCompletion(req, err.Error())
			}
			continue
		}

		b.retireFinished(finished)

		b.mu.Lock()
		if n := len(b.activeBatch); n > 0 {
			b.avgBatchSize = b.avgBatchSize*0.9 + float64(n)*0.1
		}
		b.mu.Unlock()
	}
}

// fillBatch pulls pending requests up to the current limit: first a
// non-blocking drain, then a bounded wait for stragglers. Requests whose
// callbacks vanished (cancelled while pending) are skipped.
func (b *ContinuousBatcher) fillBatch() {
	b.mu.Lock()
	capacity := b.currentBatchLimit - len(b.activeBatch)
	b.mu.Unlock()
	if capacity <= 0 {
		return
	}

	admit := func(req *Request) bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.callbacks[req.RequestID]; !ok {
			return false
		}
		b.activeBatch = append(b.activeBatch, req)
		return true
	}

	for capacity > 0 {
		select {
		case req := <-b.pending:
			if admit(req) {
				capacity--
			}
		default:
			capacity = b.waitForMore(capacity, admit)
			return
		}
	}
}

// waitForMore keeps admitting until the batch window closes.
func (b *ContinuousBatcher) waitForMore(capacity int, admit func(*Request) bool) int {
	if capacity <= 0 || b.cfg.BatchWindow <= 0 {
		return capacity
	}
	deadline := time.NewTimer(b.cfg.BatchWindow)
	defer deadline.Stop()
	for capacity > 0 {
		select {
		case req := <-b.pending:
			if admit(req) {
				capacity--
			}
		case <-deadline.C:
			return capacity
		case <-b.stopCh:
			return capacity
		}
	}
	return capacity
}

// expireRequests finishes requests past their deadline or flagged cancelled,
// then retires them.
func (b *ContinuousBatcher) expireRequests() {
	now := b.now()
	var finished []*Request

	b.mu.Lock()
	for _, req := range b.activeBatch {
		if req.Cancelled() {
			req.finish(FinishCancelled)
			finished = append(finished, req)
			continue
		}
		if req.TimeoutMs > 0 {
			if now.Sub(req.StartedAt).Milliseconds() > req.TimeoutMs {
				req.finish(FinishTimeout)
				finished = append(finished, req)
			}
		}
	}
	b.mu.Unlock()

	if len(finished) > 0 {
		b.retireFinished(finished)
	}
}

// generateBatchStep runs one forward pass for the whole batch and samples one
// token per request. Per-request sampling or decode errors finish only that
// request; a forward-pass error fails the step.
func (b *ContinuousBatcher) generateBatchStep() ([]*Request, error) {
	b.mu.Lock()
	batch := make([]*Request, len(b.activeBatch))
	copy(batch, b.activeBatch)
	b.mu.Unlock()
	if len(batch) == 0 {
		return nil, nil
	}

	inputs, mask := prepareBatchInput(batch)

	logits, err := b.forwardBatch(inputs, mask)
	if err != nil {
		return nil, err
	}
	if len(logits) < len(batch) {
		return nil, fmt.Errorf("backend returned %d logit rows for batch of %d", len(logits), len(batch))
	}

	var finished []*Request
	for i, req := range batch {
		if req.IsFinished {
			finished = append(finished, req)
			continue
		}

		rows := logits[i]
		if len(rows) == 0 {
			req.ErrMessage = "backend returned empty logits"
			req.finish(FinishError)
			finished = append(finished, req)
			continue
		}
		last := rows[len(rows)-1]

		tokenID := sampleToken(last, req.Temperature, req.TopP, b.rng)

		if req.FirstTokenAt.IsZero() {
			req.FirstTokenAt = b.now()
		}
		req.GeneratedTokens = append(req.GeneratedTokens, tokenID)
		b.totalTokensGenerated.Add(1)

		text, decodeErr := b.handle.Tokenizer.Decode([]int{tokenID})
		if decodeErr != nil {
			b.log.Errorf("token decode error for request %s: %v", req.RequestID, decodeErr)
			req.ErrMessage = decodeErr.Error()
			req.finish(FinishError)
			finished = append(finished, req)
			continue
		}
		req.GeneratedText += text

		b.emitToken(req, tokenID, text)

		switch {
		case b.eosTokenID >= 0 && tokenID == b.eosTokenID:
			req.finish(FinishEOS)
			finished = append(finished, req)
		case containsToken(req.StopTokenIDs, tokenID):
			req.finish(FinishStop)
			finished = append(finished, req)
		case hasStopSequence(req.GeneratedText, req.StopSequences):
			req.finish(FinishStop)
			finished = append(finished, req)
		case len(req.GeneratedTokens) >= req.MaxTokens:
			req.finish(FinishLength)
			finished = append(finished, req)
		}
	}

	return finished, nil
}

// forwardBatch issues the forward pass under the process-wide GPU gate and
// synchronizes outstanding accelerator work afterwards. Skipping the sync
// left command buffers in flight and crashed the accelerator.
func (b *ContinuousBatcher) forwardBatch(inputs, mask [][]int) ([][][]float32, error) {
	if b.gpuGate != nil {
		b.gpuGate <- struct{}{}
		defer func() { <-b.gpuGate }()
	}
	logits, err := b.handle.Backend.Forward(context.Background(), inputs, mask)
	if err != nil {
		return nil, err
	}
	if syncErr := b.handle.Backend.Synchronize(); syncErr != nil {
		return nil, syncErr
	}
	return logits, nil
}

// prepareBatchInput pads prompt+generated sequences to a common length with
// pad id 0 and builds the matching attention mask (1 real, 0 pad).
func prepareBatchInput(batch []*Request) (inputs [][]int, mask [][]int) {
	maxLen := 0
	sequences := make([][]int, len(batch))
	for i, req := range batch {
		seq := make([]int, 0, len(req.PromptTokens)+len(req.GeneratedTokens))
		seq = append(seq, req.PromptTokens...)
		seq = append(seq, req.GeneratedTokens...)
		sequences[i] = seq
		if len(seq) > maxLen {
			maxLen = len(seq)
		}
	}

	inputs = make([][]int, len(batch))
	mask = make([][]int, len(batch))
	for i, seq := range sequences {
		padded := make([]int, maxLen)
		rowMask := make([]int, maxLen)
		copy(padded, seq)
		for j := range seq {
			rowMask[j] = 1
		}
		inputs[i] = padded
		mask[i] = rowMask
	}
	return inputs, mask
}

func containsToken(tokens []int, tokenID int) bool {
	for _, t := range tokens {
		if t == tokenID {
			return true
		}
	}
	return false
}

func hasStopSequence(text string, sequences []string) bool {
	for _, seq := range sequences {
		if seq != "" && strings.Contains(text, seq) {
			return true
		}
	}
	return false
}

// retireFinished emits completions, records metrics, caches prompts and
// removes the requests from the active batch. Tokens for a request always
// precede its completion event because both happen on the loop goroutine.
func (b *ContinuousBatcher) retireFinished(finished []*Request) {
	if len(finished) == 0 {
		return
	}

	finishedIDs := make(map[string]bool, len(finished))
	for _, req := range finished {
		finishedIDs[req.RequestID] = true
	}

	for _, req := range finished {
		duration := b.now().Sub(req.StartedAt)
		b.Metrics.RecordLatency(float64(duration) / float64(time.Millisecond))
		b.Metrics.RecordThroughput(len(req.GeneratedTokens), 1)

		b.emitCompletion(req, req.ErrMessage)

		// Cache only successfully completed prompts; a direct hash check
		// avoids bumping the hit/miss counters.
		if (req.FinishReason == FinishEOS || req.FinishReason == FinishLength) && req.Prompt != "" {
			if !b.promptCache.Contains(req.Prompt) {
				b.promptCache.Add(req.Prompt, len(req.PromptTokens), "")
			}
		}

		b.completedRequests.Add(1)
	}

	b.mu.Lock()
	remaining := b.activeBatch[:0]
	for _, req := range b.activeBatch {
		if !finishedIDs[req.RequestID] {
			remaining = append(remaining, req)
		}
	}
	b.activeBatch = remaining
	b.mu.Unlock()
}

// emitToken invokes the stream's token callback; callback panics are logged
// and swallowed so they never crash the loop.
func (b *ContinuousBatcher) emitToken(req *Request, tokenID int, text string) {
	b.mu.Lock()
	cbs := b.callbacks[req.RequestID]
	b.mu.Unlock()
	if cbs == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			b.log.Errorf("token callback panic for %s: %v", req.StreamID, r)
		}
	}()
	cbs.emitToken(req.StreamID, tokenID, text)
}

// emitCompletion delivers the terminal event and drops the callbacks.
func (b *ContinuousBatcher) emitCompletion(req *Request, errMessage string) {
	b.mu.Lock()
	cbs := b.callbacks[req.RequestID]
	delete(b.callbacks, req.RequestID)
	b.mu.Unlock()
	if cbs == nil {
		return
	}

	duration := b.now().Sub(req.StartedAt)
	ttft := time.Duration(0)
	if !req.FirstTokenAt.IsZero() {
		ttft = req.FirstTokenAt.Sub(req.StartedAt)
	}
	tokensPerSec := 0.0
	if duration > 0 {
		tokensPerSec = float64(len(req.GeneratedTokens)) / duration.Seconds()
	}

	stats := CompletionStats{
		FinishReason:    req.FinishReason,
		TokensGenerated: len(req.GeneratedTokens),
		DurationMs:      float64(duration) / float64(time.Millisecond),
		TTFTMs:          float64(ttft) / float64(time.Millisecond),
		TokensPerSec:    tokensPerSec,
		Error:           errMessage,
	}

	defer func() {
		if r := recover(); r != nil {
			b.log.Errorf("completion callback panic for %s: %v", req.StreamID, r)
		}
	}()
	cbs.emitComplete(req.StreamID, stats)
}

// Stats reports batcher state.
func (b *ContinuousBatcher) Stats() map[string]any {
	b.mu.Lock()
	activeSize := len(b.activeBatch)
	avg := b.avgBatchSize
	b.mu.Unlock()
	return map[string]any{
		"running":                b.running.Load(),
		"active_batch_size":      activeSize,
		"pending_queue_size":     len(b.pending),
		"total_requests":         b.totalRequests.Load(),
		"completed_requests":     b.completedRequests.Load(),
		"avg_batch_size":         avg,
		"max_batch_size":         b.cfg.MaxBatchSize,
		"batch_window_ms":        float64(b.cfg.BatchWindow) / float64(time.Millisecond),
		"total_tokens_generated": b.totalTokensGenerated.Load(),
	}
}

// ExportMetrics returns the comprehensive metrics snapshot.
func (b *ContinuousBatcher) ExportMetrics() map[string]any {
	return b.Metrics.ExportJSON()
}

// HealthCheck flags the batcher unhealthy when it is stopped, overloaded or
// apparently stuck.
func (b *ContinuousBatcher) HealthCheck() map[string]any {
	var indicators []string

	running := b.running.Load()
	if !running {
		indicators = append(indicators, "Batcher not running")
	}

	pendingSize := len(b.pending)
	if pendingSize > b.cfg.MaxBatchSize*10 {
		indicators = append(indicators, fmt.Sprintf("Pending queue overloaded: %d requests", pendingSize))
	}

	total := b.totalRequests.Load()
	completed := b.completedRequests.Load()
	if completed == 0 && total >= int64(b.cfg.MaxBatchSize) {
		indicators = append(indicators, fmt.Sprintf("Batch loop may be stuck (%d requests, 0 completions)", total))
	}

	b.mu.Lock()
	activeSize := len(b.activeBatch)
	b.mu.Unlock()

	if indicators == nil {
		indicators = []string{}
	}
	return map[string]any{
		"healthy":            len(indicators) == 0,
		"running":            running,
		"active_batch_size":  activeSize,
		"pending_queue_size": pendingSize,
		"total_requests":     total,
		"completed_requests": completed,
		"max_batch_size":     b.cfg.MaxBatchSize,
		"error_indicators":   indicators,
	}
}

// MemoryMetrics exposes the memory controller state.
func (b *ContinuousBatcher) MemoryMetrics() map[string]any { return b.memoryCtrl.Metrics() }

// CacheMetrics exposes the prompt cache state.
func (b *ContinuousBatcher) CacheMetrics() map[string]any { return b.promptCache.Metrics() }

// OptimizationSummary combines memory, cache and throughput state for the
// batcher introspection endpoint.
func (b *ContinuousBatcher) OptimizationSummary() map[string]any {
	memory := b.memoryCtrl.Metrics()
	cache := b.promptCache.Metrics()
	b.mu.Lock()
	activeSize := len(b.activeBatch)
	avg := b.avgBatchSize
	b.mu.Unlock()
	return map[string]any{
		"memory_controller": map[string]any{
			"enabled":       true,
			"current_limit": memory["current_memory_limit"],
			"utilization":   memory["current_utilization"],
			"oom_prevented": memory["oom_prevention_count"],
		},
		"prompt_cache": map[string]any{
			"enabled":        true,
			"cache_size":     cache["cache_size"],
			"hit_rate":       cache["hit_rate"],
			"total_requests": cache["total_requests"],
			"cache_hits":     cache["cache_hits"],
			"memory_mb":      cache["total_memory_mb"],
		},
		"performance": map[string]any{
			"total_requests":     b.totalRequests.Load(),
			"completed_requests": b.completedRequests.Load(),
			"avg_batch_size":     avg,
			"max_batch_size":     b.cfg.MaxBatchSize,
			"active_batch_size":  activeSize,
		},
	}
}
