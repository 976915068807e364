// MemoryController caps the continuous batcher's batch size from accelerator
// memory utilization. It complements the latency-driven AdaptiveController:
// the effective batch limit is the memory cap, never above the configured max.

package serve

import (
	"time"

	"github.com/sirupsen/logrus"
)

// MemoryStats is one accelerator memory snapshot.
type MemoryStats struct {
	ActiveBytes int64
	PeakBytes   int64
	CacheBytes  int64
	Utilization float64
	Timestamp   time.Time
}

// neutralUtilization is reported when the backend cannot measure memory, so
// the controller neither grows nor shrinks the cap.
const neutralUtilization = 0.5

// MemoryStatsFunc supplies memory snapshots; ok is false when the backend
// cannot report.
type MemoryStatsFunc func() (MemoryStats, bool)

// MemoryControllerConfig bounds the memory-based cap.
type MemoryControllerConfig struct {
	MaxMemoryUtilization float64
	MinBatchSize         int
	MaxBatchSize         int
	SamplingWindow       int
}

// DefaultMemoryControllerConfig mirrors the documented defaults.
func DefaultMemoryControllerConfig(maxBatchSize int) MemoryControllerConfig {
	return MemoryControllerConfig{
		MaxMemoryUtilization: 0.85,
		MinBatchSize:         1,
		MaxBatchSize:         maxBatchSize,
		SamplingWindow:       5,
	}
}

// MemoryController is called from a single batch loop; it is not safe for
// concurrent use.
type MemoryController struct {
	cfg       MemoryControllerConfig
	statsFunc MemoryStatsFunc

	currentLimit int
	sampleCount  int
	history      []MemoryStats

	oomPreventionCount int
	scaleUpCount       int
}

const memoryHistoryCap = 100

// NewMemoryController builds a controller reading stats via statsFunc. A nil
// statsFunc always yields the neutral fallback.
func NewMemoryController(cfg MemoryControllerConfig, statsFunc MemoryStatsFunc) *MemoryController {
	return &MemoryController{
		cfg:          cfg,
		statsFunc:    statsFunc,
		currentLimit: cfg.MaxBatchSize,
	}
}

// snapshot reads memory stats, substituting the neutral utilization when the
// backend cannot report.
func (m *MemoryController) snapshot() MemoryStats {
	if m.statsFunc != nil {
		if stats, ok := m.statsFunc(); ok {
			if stats.Utilization == 0 && stats.PeakBytes > 0 {
				stats.Utilization = float64(stats.ActiveBytes) / float64(stats.PeakBytes)
			}
			if stats.PeakBytes == 0 {
				stats.Utilization = neutralUtilization
			}
			if stats.Timestamp.IsZero() {
				stats.Timestamp = time.Now()
			}
			return stats
		}
	}
	return MemoryStats{Utilization: neutralUtilization, Timestamp: time.Now()}
}

// MaxBatchSize returns the memory-safe batch limit. Memory is sampled every
// SamplingWindow calls; between samples the previous cap is returned.
func (m *MemoryController) MaxBatchSize(currentBatchSize int) int {
	m.sampleCount++
	if m.sampleCount%m.cfg.SamplingWindow != 0 {
		return m.currentLimit
	}

	stats := m.snapshot()
	m.history = append(m.history, stats)
	if len(m.history) > memoryHistoryCap {
		m.history = m.history[len(m.history)-memoryHistoryCap:]
	}

	oldLimit := m.currentLimit
	newLimit := oldLimit

	switch {
	case stats.PeakBytes == 0:
		// Unreported memory (neutral utilization): hold the current cap.
	case stats.Utilization > m.cfg.MaxMemoryUtilization:
		// Memory pressure: back off from the batch size actually in use.
		newLimit = maxInt(m.cfg.MinBatchSize, currentBatchSize-1)
		if newLimit < oldLimit {
			m.oomPreventionCount++
			logrus.Warnf("Memory pressure HIGH (%.1f%% > %.1f%%), reducing batch size limit: %d -> %d",
				stats.Utilization*100, m.cfg.MaxMemoryUtilization*100, oldLimit, newLimit)
		}
	case stats.Utilization < m.cfg.MaxMemoryUtilization-0.15:
		// Hysteresis band clear: headroom available, scale up faster.
		newLimit = minInt(m.cfg.MaxBatchSize, oldLimit+2)
		if newLimit > oldLimit {
			m.scaleUpCount++
			logrus.Infof("Memory available (%.1f%% < %.1f%%), increasing batch size limit: %d -> %d",
				stats.Utilization*100, m.cfg.MaxMemoryUtilization*100, oldLimit, newLimit)
		}
	}

	m.currentLimit = newLimit
	return newLimit
}

// Metrics reports controller state for monitoring.
func (m *MemoryController) Metrics() map[string]any {
	stats := m.snapshot()

	var avgUtil, minUtil, maxUtil, avgActiveGB float64
	if len(m.history) > 0 {
		recent := m.history
		if len(recent) > 10 {
			recent = recent[len(recent)-10:]
		}
		minUtil = recent[0].Utilization
		maxUtil = recent[0].Utilization
		for _, s := range recent {
			avgUtil += s.Utilization
			avgActiveGB += float64(s.ActiveBytes) / (1 << 30)
			if s.Utilization < minUtil {
				minUtil = s.Utilization
			}
			if s.Utilization > maxUtil {
				maxUtil = s.Utilization
			}
		}
		avgUtil /= float64(len(recent))
		avgActiveGB /= float64(len(recent))
	}

	return map[string]any{
		"current_memory_limit":   m.currentLimit,
		"min_batch_size":         m.cfg.MinBatchSize,
		"max_batch_size":         m.cfg.MaxBatchSize,
		"max_memory_utilization": m.cfg.MaxMemoryUtilization,
		"current_utilization":    stats.Utilization,
		"active_memory_gb":       float64(stats.ActiveBytes) / (1 << 30),
		"peak_memory_gb":         float64(stats.PeakBytes) / (1 << 30),
		"cache_memory_gb":        float64(stats.CacheBytes) / (1 << 30),
		"avg_utilization":        avgUtil,
		"min_utilization":        minUtil,
		"max_utilization":        maxUtil,
		"avg_active_memory_gb":   avgActiveGB,
		"oom_prevention_count":   m.oomPreventionCount,
		"scale_up_count":         m.scaleUpCount,
		"sample_count":           m.sampleCount,
		"memory_samples":         len(m.history),
	}
}

// ResetStats clears counters and history, restoring the cap to the maximum.
func (m *MemoryController) ResetStats() {
	m.oomPreventionCount = 0
	m.scaleUpCount = 0
	m.sampleCount = 0
	m.history = nil
	m.currentLimit = m.cfg.MaxBatchSize
}
