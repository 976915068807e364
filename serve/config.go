// Runtime configuration: YAML file with environment overlays, validated
// fail-fast at load. The GPU scheduler additionally honors MLX_* environment
// variables (see SchedulerConfigFromEnv in gpu_scheduler.go).

package serve

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// BridgeConfig bounds the stdio transport.
type BridgeConfig struct {
	MaxBufferSize      int `yaml:"max_buffer_size"`
	StreamQueueSize    int `yaml:"stream_queue_size"`
	QueuePutMaxRetries int `yaml:"queue_put_max_retries"`
	QueuePutBackoffMs  int `yaml:"queue_put_backoff_ms"`
}

// ModelConfig bounds model loading and generation parameters.
type ModelConfig struct {
	DefaultContextLength    int      `yaml:"default_context_length"`
	DefaultMaxTokens        int      `yaml:"default_max_tokens"`
	SupportedDtypes         []string `yaml:"supported_dtypes"`
	MaxGenerationTokens     int      `yaml:"max_generation_tokens"`
	MaxTemperature          float64  `yaml:"max_temperature"`
	TrustedModelDirectories []string `yaml:"trusted_model_directories"`
}

// MLXConfig holds accelerator-facing switches. ConcurrencyLimit must stay 1:
// the accelerator's command-buffer API is not safe to drive from multiple
// host threads.
type MLXConfig struct {
	ConcurrencyLimit int  `yaml:"concurrency_limit"`
	ForceMetalSync   bool `yaml:"force_metal_sync"`
}

// KVCachePoolConfig configures the shared KV cache pool.
type KVCachePoolConfig struct {
	Enabled             bool    `yaml:"enabled"`
	MaxSize             int     `yaml:"max_size"`
	TTLSeconds          float64 `yaml:"ttl_seconds"`
	EnablePrefixSharing bool    `yaml:"enable_prefix_sharing"`
	PrefixLengthRatio   float64 `yaml:"prefix_length_ratio"`
	MaxMemoryMB         int64   `yaml:"max_memory_mb"`
	LogOperations       bool    `yaml:"log_operations"`
}

// BatchingConfig configures the per-model continuous batchers.
type BatchingConfig struct {
	MaxBatchSize    int     `yaml:"max_batch_size"`
	BatchWindowMs   float64 `yaml:"batch_window_ms"`
	AdaptiveSizing  bool    `yaml:"adaptive_sizing"`
	PromptCacheSize int     `yaml:"prompt_cache_size"`
	PromptCacheGB   float64 `yaml:"prompt_cache_gb"`
}

// TelemetryConfig controls the sampled latency telemetry.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// Config is the root runtime configuration. The optimization sections are
// passed through opaquely to the native modules that consume them; the core
// only echoes them in telemetry.
type Config struct {
	Bridge    BridgeConfig      `yaml:"python_bridge"`
	Model     ModelConfig       `yaml:"model"`
	MLX       MLXConfig         `yaml:"mlx"`
	KVCache   KVCachePoolConfig `yaml:"kv_cache_pool"`
	Batching  BatchingConfig    `yaml:"continuous_batching"`
	Telemetry TelemetryConfig   `yaml:"telemetry"`

	MetalOptimizations    map[string]any `yaml:"metal_optimizations"`
	CPUOptimizations      map[string]any `yaml:"cpu_optimizations"`
	AdvancedOptimizations map[string]any `yaml:"advanced_optimizations"`
}

// DefaultConfig mirrors the documented defaults so the runtime can start
// without a config file.
func DefaultConfig() *Config {
	return &Config{
		Bridge: BridgeConfig{
			MaxBufferSize:      1 << 20,
			StreamQueueSize:    100,
			QueuePutMaxRetries: 100,
			QueuePutBackoffMs:  10,
		},
		Model: ModelConfig{
			DefaultContextLength: 8192,
			DefaultMaxTokens:     512,
			SupportedDtypes:      []string{"float16", "bfloat16", "float32"},
			MaxGenerationTokens:  4096,
			MaxTemperature:       2.0,
		},
		MLX: MLXConfig{
			ConcurrencyLimit: 1,
			ForceMetalSync:   true,
		},
		KVCache: KVCachePoolConfig{
			Enabled:             true,
			MaxSize:             50,
			TTLSeconds:          300.0,
			EnablePrefixSharing: true,
			PrefixLengthRatio:   0.6,
			MaxMemoryMB:         1024,
		},
		Batching: BatchingConfig{
			MaxBatchSize:    8,
			BatchWindowMs:   10.0,
			AdaptiveSizing:  true,
			PromptCacheSize: 100,
			PromptCacheGB:   1.0,
		},
		Telemetry: TelemetryConfig{
			Enabled:      true,
			SamplingRate: 1.0,
		},
	}
}

// LoadConfig reads the base YAML file and deep-merges the overlay selected by
// env ("production", "development", "test") from the file's "environments"
// section. An empty path returns the defaults.
func LoadConfig(path, env string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, cfg.Validate()
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	merged := doc
	if env != "" {
		if envs, ok := doc["environments"].(map[string]any); ok {
			if overlay, ok := envs[env].(map[string]any); ok {
				merged = deepMerge(doc, overlay)
				logrus.Infof("Applied %q configuration overlay", env)
			}
		}
	}
	delete(merged, "environments")

	// Round-trip the merged map through YAML into the typed config so zero
	// values fall back to the defaults seeded above.
	out, err := yaml.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode merged config: %w", err)
	}
	if err := yaml.Unmarshal(out, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// deepMerge overlays override onto base, recursing into nested maps.
func deepMerge(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}
	for k, v := range override {
		if baseMap, ok := result[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMerge(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// Validate fails fast on out-of-bounds configuration.
func (c *Config) Validate() error {
	if c.Bridge.MaxBufferSize < 1024 {
		return fmt.Errorf("max_buffer_size must be >= 1024 bytes, got %d", c.Bridge.MaxBufferSize)
	}
	if c.Bridge.StreamQueueSize < 1 {
		return fmt.Errorf("stream_queue_size must be >= 1, got %d", c.Bridge.StreamQueueSize)
	}
	if c.Bridge.QueuePutMaxRetries < 1 || c.Bridge.QueuePutBackoffMs < 0 {
		return fmt.Errorf("invalid stream queue backoff settings (retries=%d, backoff_ms=%d)",
			c.Bridge.QueuePutMaxRetries, c.Bridge.QueuePutBackoffMs)
	}
	if c.Model.MaxTemperature < 0 || c.Model.MaxTemperature > 10.0 {
		return fmt.Errorf("max_temperature must be in range [0, 10], got %g", c.Model.MaxTemperature)
	}
	if c.Model.MaxGenerationTokens < 1 {
		return fmt.Errorf("max_generation_tokens must be >= 1, got %d", c.Model.MaxGenerationTokens)
	}
	if c.MLX.ConcurrencyLimit != 1 {
		return fmt.Errorf("mlx.concurrency_limit must be 1 (concurrent accelerator access is unsafe), got %d", c.MLX.ConcurrencyLimit)
	}
	if c.KVCache.PrefixLengthRatio <= 0 || c.KVCache.PrefixLengthRatio > 1 {
		return fmt.Errorf("kv_cache_pool.prefix_length_ratio must be in (0, 1], got %g", c.KVCache.PrefixLengthRatio)
	}
	if c.Batching.MaxBatchSize < 1 {
		return fmt.Errorf("continuous_batching.max_batch_size must be >= 1, got %d", c.Batching.MaxBatchSize)
	}
	if c.Telemetry.SamplingRate < 0 || c.Telemetry.SamplingRate > 1.0 {
		return fmt.Errorf("telemetry.sampling_rate must be in range [0, 1], got %g", c.Telemetry.SamplingRate)
	}
	return nil
}
