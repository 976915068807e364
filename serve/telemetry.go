// RuntimeTelemetry samples per-call generation and tokenization latencies for
// the runtime/telemetry report. Sampling keeps the overhead negligible at
// high request rates.

package serve

import (
	"math/rand"
	"sort"
	"sync"
	"time"
)

const telemetrySampleCap = 1000

// RuntimeTelemetry is safe for concurrent use.
type RuntimeTelemetry struct {
	enabled      bool
	samplingRate float64

	mu sync.Mutex

	generateCalls     int64
	generateTokens    int64
	generateLatencies []float64

	tokenizeCalls     int64
	tokenizeTokens    int64
	tokenizeLatencies []float64

	errorCount   int64
	timeoutCount int64

	startTime time.Time
	rng       *rand.Rand
}

// NewRuntimeTelemetry builds a recorder from the telemetry config section.
func NewRuntimeTelemetry(cfg TelemetryConfig) *RuntimeTelemetry {
	return &RuntimeTelemetry{
		enabled:      cfg.Enabled,
		samplingRate: cfg.SamplingRate,
		startTime:    time.Now(),
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (t *RuntimeTelemetry) sampled() bool {
	if t.samplingRate >= 1.0 {
		return true
	}
	return t.rng.Float64() < t.samplingRate
}

// RecordGenerate records one generation call.
func (t *RuntimeTelemetry) RecordGenerate(durationMs float64, tokens int) {
	if !t.enabled {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.generateCalls++
	t.generateTokens += int64(tokens)
	if t.sampled() {
		t.generateLatencies = appendBounded(t.generateLatencies, durationMs, telemetrySampleCap)
	}
}

// RecordTokenize records one tokenization call.
func (t *RuntimeTelemetry) RecordTokenize(durationMs float64, tokens int) {
	if !t.enabled {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tokenizeCalls++
	t.tokenizeTokens += int64(tokens)
	if t.sampled() {
		t.tokenizeLatencies = appendBounded(t.tokenizeLatencies, durationMs, telemetrySampleCap)
	}
}

// RecordError counts a failure; isTimeout also bumps the timeout counter.
func (t *RuntimeTelemetry) RecordError(isTimeout bool) {
	if !t.enabled {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errorCount++
	if isTimeout {
		t.timeoutCount++
	}
}

func appendBounded(samples []float64, value float64, limit int) []float64 {
	samples = append(samples, value)
	if len(samples) > limit {
		samples = samples[len(samples)-limit:]
	}
	return samples
}

// Report assembles the telemetry report.
func (t *RuntimeTelemetry) Report() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()

	return map[string]any{
		"enabled":        t.enabled,
		"sampling_rate":  t.samplingRate,
		"uptime_seconds": time.Since(t.startTime).Seconds(),
		"generation":     latencyReport(t.generateCalls, t.generateTokens, t.generateLatencies),
		"tokenization":   latencyReport(t.tokenizeCalls, t.tokenizeTokens, t.tokenizeLatencies),
		"errors": map[string]any{
			"total":    t.errorCount,
			"timeouts": t.timeoutCount,
		},
	}
}

func latencyReport(calls, tokens int64, latencies []float64) map[string]any {
	report := map[string]any{
		"calls":  calls,
		"tokens": tokens,
	}
	if len(latencies) == 0 {
		report["latency_ms"] = map[string]any{"p50": 0.0, "p95": 0.0, "p99": 0.0}
		return report
	}
	sorted := make([]float64, len(latencies))
	copy(sorted, latencies)
	sort.Float64s(sorted)
	report["latency_ms"] = map[string]any{
		"p50": percentileSorted(sorted, 50),
		"p95": percentileSorted(sorted, 95),
		"p99": percentileSorted(sorted, 99),
	}
	return report
}

// Reset clears all counters and samples.
func (t *RuntimeTelemetry) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.generateCalls, t.generateTokens = 0, 0
	t.tokenizeCalls, t.tokenizeTokens = 0, 0
	t.errorCount, t.timeoutCount = 0, 0
	t.generateLatencies = nil
	t.tokenizeLatencies = nil
	t.startTime = time.Now()
}
