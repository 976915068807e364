// AdaptiveController steers the GPU scheduler's batch size from p99 latency
// feedback. EMA smoothing damps oscillation; a separate degradation detector
// short-circuits the periodic cadence when latency spikes.

package serve

import (
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// ControllerConfig bounds the adaptive tuner.
type ControllerConfig struct {
	MinBatchSize         int
	MaxBatchSize         int
	EMAAlpha             float64
	AdjustmentInterval   int
	P99TargetMs          float64
	P99ToleranceMs       float64
	DegradationThreshold float64
	MaxAdjustmentStep    int
}

// DefaultControllerConfig mirrors the documented defaults.
func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		MinBatchSize:         2,
		MaxBatchSize:         8,
		EMAAlpha:             0.3,
		AdjustmentInterval:   10,
		P99TargetMs:          100.0,
		P99ToleranceMs:       20.0,
		DegradationThreshold: 2.0,
		MaxAdjustmentStep:    1,
	}
}

// ControllerConfigFromEnv overlays the MLX_AUTO_TUNE_* environment knobs.
func ControllerConfigFromEnv() ControllerConfig {
	cfg := DefaultControllerConfig()
	cfg.MinBatchSize = envInt("MLX_AUTO_TUNE_MIN_BATCH", cfg.MinBatchSize)
	cfg.MaxBatchSize = envInt("MLX_AUTO_TUNE_MAX_BATCH", cfg.MaxBatchSize)
	cfg.EMAAlpha = envFloat("MLX_AUTO_TUNE_EMA_ALPHA", cfg.EMAAlpha)
	cfg.AdjustmentInterval = envInt("MLX_AUTO_TUNE_INTERVAL", cfg.AdjustmentInterval)
	cfg.P99TargetMs = envFloat("MLX_GPU_SCHEDULER_P99_THRESHOLD_MS", cfg.P99TargetMs)
	return cfg
}

func envInt(key string, fallback int) int {
	if raw := os.Getenv(key); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			return v
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if raw := os.Getenv(key); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			return v
		}
	}
	return fallback
}

func envOn(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	return raw == "on" || raw == "1" || raw == "true"
}

// adjustmentRecord captures one applied batch-size change.
type adjustmentRecord struct {
	At        time.Time
	BatchSize int
	Reason    string
}

// AdaptiveController is not safe for concurrent use; the scheduler's commit
// worker is its only caller.
type AdaptiveController struct {
	cfg     ControllerConfig
	enabled bool

	currentBatchSize  int
	batchCount        int
	adjustmentCount   int
	degradationEvents int

	emaP99Ms   float64
	emaSeeded  bool
	p99History []float64

	lastAdjustment time.Time
	history        []adjustmentRecord
}

// NewAdaptiveController builds an enabled controller with the given bounds.
func NewAdaptiveController(cfg ControllerConfig) *AdaptiveController {
	return &AdaptiveController{
		cfg:              cfg,
		enabled:          true,
		currentBatchSize: cfg.MinBatchSize,
		lastAdjustment:   time.Now(),
	}
}

// Update feeds one p99 observation and returns the recommended batch size
// plus whether an adjustment was applied this call.
func (c *AdaptiveController) Update(p99LatencyMs float64) (int, bool) {
	if !c.enabled {
		return c.currentBatchSize, false
	}

	// EMA initializes to the first sample to avoid a cold-start bias to zero.
	if !c.emaSeeded {
		c.emaP99Ms = p99LatencyMs
		c.emaSeeded = true
	} else {
		c.emaP99Ms = c.cfg.EMAAlpha*p99LatencyMs + (1-c.cfg.EMAAlpha)*c.emaP99Ms
	}

	c.p99History = append(c.p99History, p99LatencyMs)
	if len(c.p99History) > 100 {
		c.p99History = c.p99History[len(c.p99History)-100:]
	}
	c.batchCount++

	if c.detectDegradation(p99LatencyMs) {
		c.degradationEvents++
		logrus.Warnf("Degradation detected: P99=%.2fms, EMA=%.2fms, threshold=%.2fms",
			p99LatencyMs, c.emaP99Ms, c.cfg.P99TargetMs*c.cfg.DegradationThreshold)
		newSize := maxInt(c.cfg.MinBatchSize, c.currentBatchSize-2)
		if newSize != c.currentBatchSize {
			c.applyAdjustment(newSize, "degradation_emergency")
			return newSize, true
		}
	}

	if c.batchCount%c.cfg.AdjustmentInterval == 0 {
		newSize := c.calculateAdjustment()
		if newSize != c.currentBatchSize {
			c.applyAdjustment(newSize, "periodic_adjustment")
			return newSize, true
		}
	}

	return c.currentBatchSize, false
}

// detectDegradation flags a spike: p99 beyond target*multiplier AND clearly
// above the smoothed baseline.
func (c *AdaptiveController) detectDegradation(p99LatencyMs float64) bool {
	if !c.emaSeeded {
		return false
	}
	threshold := c.cfg.P99TargetMs * c.cfg.DegradationThreshold
	return p99LatencyMs > threshold && p99LatencyMs > c.emaP99Ms*1.5
}

// calculateAdjustment steps the batch size by at most one toward the target.
func (c *AdaptiveController) calculateAdjustment() int {
	if !c.emaSeeded {
		return c.currentBatchSize
	}
	deviation := c.emaP99Ms - c.cfg.P99TargetMs
	switch {
	case deviation < -c.cfg.P99ToleranceMs:
		return minInt(c.cfg.MaxBatchSize, c.currentBatchSize+c.cfg.MaxAdjustmentStep)
	case deviation > c.cfg.P99ToleranceMs:
		return maxInt(c.cfg.MinBatchSize, c.currentBatchSize-c.cfg.MaxAdjustmentStep)
	default:
		return c.currentBatchSize
	}
}

func (c *AdaptiveController) applyAdjustment(newSize int, reason string) {
	oldSize := c.currentBatchSize
	c.currentBatchSize = newSize
	c.adjustmentCount++
	c.lastAdjustment = time.Now()
	c.history = append(c.history, adjustmentRecord{At: c.lastAdjustment, BatchSize: newSize, Reason: reason})
	if len(c.history) > 100 {
		c.history = c.history[len(c.history)-100:]
	}
	logrus.Infof("Batch size adjusted: %d -> %d (reason: %s, adjustments: %d, batches: %d)",
		oldSize, newSize, reason, c.adjustmentCount, c.batchCount)
}

// CurrentBatchSize returns the current recommendation.
func (c *AdaptiveController) CurrentBatchSize() int { return c.currentBatchSize }

// StabilityScore maps adjustment frequency into [0, 1]; a 10% adjustment
// rate or worse scores zero.
func (c *AdaptiveController) StabilityScore() float64 {
	if c.batchCount == 0 {
		return 1.0
	}
	rate := float64(c.adjustmentCount) / float64(maxInt(1, c.batchCount))
	score := 1.0 - rate*10
	if score < 0 {
		return 0
	}
	return score
}

// Metrics reports the controller state for the stats surface.
func (c *AdaptiveController) Metrics() map[string]any {
	lastP99 := 0.0
	if len(c.p99History) > 0 {
		lastP99 = c.p99History[len(c.p99History)-1]
	}
	recent := c.history
	if len(recent) > 10 {
		recent = recent[len(recent)-10:]
	}
	recentOut := make([]map[string]any, 0, len(recent))
	for _, r := range recent {
		recentOut = append(recentOut, map[string]any{
			"timestamp":  float64(r.At.UnixNano()) / 1e9,
			"batch_size": r.BatchSize,
			"reason":     r.Reason,
		})
	}
	return map[string]any{
		"current_batch_size": c.currentBatchSize,
		"p99_latency_ms":     lastP99,
		"ema_p99_ms":         c.emaP99Ms,
		"batch_count":        c.batchCount,
		"adjustment_count":   c.adjustmentCount,
		"degradation_events": c.degradationEvents,
		"stability_score":    c.StabilityScore(),
		"recent_adjustments": recentOut,
	}
}

// Reset clears state, keeping configuration.
func (c *AdaptiveController) Reset() {
	c.currentBatchSize = c.cfg.MinBatchSize
	c.batchCount = 0
	c.adjustmentCount = 0
	c.degradationEvents = 0
	c.emaP99Ms = 0
	c.emaSeeded = false
	c.p99History = nil
	c.history = nil
	c.lastAdjustment = time.Now()
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
