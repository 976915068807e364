// RuntimeServer is the outward-facing dispatcher: it owns the loaded model
// handles, the per-model continuous batchers, the global GPU scheduler, the
// KV cache pool and the streaming payload pools, and translates RPC calls
// into core operations.

package serve

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"
)

const runtimeVersion = "0.1.0"

// activeStream tracks one in-flight generation stream.
type activeStream struct {
	emitter *streamEmitter
	cancel  context.CancelFunc
}

// RuntimeServer is constructed once at process start and owns every
// subsystem. The commit worker inside the GPU scheduler is one-per-process
// because the resource it serializes is one-per-process; the runtime creates
// it and hands out references.
type RuntimeServer struct {
	cfg    *Config
	loader ModelLoader

	Scheduler *GPUScheduler
	telemetry *RuntimeTelemetry
	kvPool    *KVCachePool

	// gpuGate is the process-wide accelerator gate shared with the batchers;
	// its capacity is mlx.concurrency_limit, which must be 1.
	gpuGate chan struct{}

	mu           sync.Mutex
	models       map[string]*ModelHandle
	visionModels map[string]*ModelHandle
	batchers     map[string]*ContinuousBatcher
	streams      map[string]*activeStream

	restartCount      atomic.Int64
	shutdownRequested atomic.Bool
	notify            notifyFunc

	chunkPool *ObjectPool[map[string]any]
	statsPool *ObjectPool[map[string]any]
	eventPool *ObjectPool[map[string]any]

	startTime time.Time
	log       *logrus.Entry
}

// NewRuntimeServer wires the runtime from config. The loader binds the tensor
// library; tests inject scripted loaders.
func NewRuntimeServer(cfg *Config, loader ModelLoader, schedCfg SchedulerConfig) *RuntimeServer {
	mapFactory := func() map[string]any { return make(map[string]any, 8) }
	mapReset := func(m map[string]any) {
		for k := range m {
			delete(m, k)
		}
	}
	rt := &RuntimeServer{
		cfg:          cfg,
		loader:       loader,
		Scheduler:    NewGPUScheduler(schedCfg),
		telemetry:    NewRuntimeTelemetry(cfg.Telemetry),
		gpuGate:      make(chan struct{}, cfg.MLX.ConcurrencyLimit),
		models:       make(map[string]*ModelHandle),
		visionModels: make(map[string]*ModelHandle),
		batchers:     make(map[string]*ContinuousBatcher),
		streams:      make(map[string]*activeStream),
		chunkPool:    NewObjectPool(mapFactory, mapReset, 100, true),
		statsPool:    NewObjectPool(mapFactory, mapReset, 20, true),
		eventPool:    NewObjectPool(mapFactory, mapReset, 20, true),
		startTime:    time.Now(),
		log:          logrus.WithField("component", "runtime"),
	}
	if cfg.KVCache.Enabled {
		rt.kvPool = NewKVCachePool(cfg.KVCache)
	}
	rt.notify = func(method string, params map[string]any) {
		rt.log.Debugf("notification %s dropped (no transport attached)", method)
	}
	return rt
}

// SetNotify attaches the transport's notification writer.
func (rt *RuntimeServer) SetNotify(fn notifyFunc) { rt.notify = fn }

// Start launches the GPU scheduler.
func (rt *RuntimeServer) Start() { rt.Scheduler.Start() }

// ShutdownRequested reports whether a shutdown RPC has been handled.
func (rt *RuntimeServer) ShutdownRequested() bool { return rt.shutdownRequested.Load() }

// Dispatch routes one RPC method to its handler. Unknown methods are
// validation failures.
func (rt *RuntimeServer) Dispatch(method string, params json.RawMessage) (any, error) {
	switch method {
	case "runtime/info":
		return rt.runtimeInfo()
	case "runtime/state":
		return rt.runtimeState()
	case "runtime/telemetry":
		return rt.telemetryReport()
	case "shutdown":
		return rt.shutdown()
	case "load_model":
		return rt.loadModel(params)
	case "load_vision_model":
		return rt.loadVisionModel(params)
	case "unload_model":
		return rt.unloadModel(params)
	case "generate":
		return rt.generate(params)
	case "generate_with_image":
		return rt.generateWithImage(params)
	case "continuous_generate":
		return rt.continuousGenerate(params)
	case "batch_generate":
		return rt.batchGenerate(params)
	case "cancel_request":
		return rt.cancelRequest(params)
	case "tokenize":
		return rt.tokenize(params)
	case "batch_tokenize":
		return rt.batchTokenize(params)
	case "check_draft":
		return rt.checkDraft(params)
	case "batch_check_draft":
		return rt.batchCheckDraft(params)
	case "get_batcher_metrics":
		return rt.batcherMetrics(params)
	case "get_batcher_health":
		return rt.batcherHealth(params)
	case "get_optimization_metrics":
		return rt.optimizationMetrics(params)
	default:
		return nil, validationErrorf("Unknown method: %s", method)
	}
}

// SerializeError maps an error to a JSON-RPC error object. Validation errors
// pass through verbatim; runtime errors use the code taxonomy; everything
// else is scrubbed to a generic internal error so no path or stack content
// leaks onto the wire.
func SerializeError(err error) (code int, message string, data map[string]any) {
	switch e := err.(type) {
	case *RuntimeError:
		data = map[string]any{}
		if e.ModelID != "" {
			data["model_id"] = e.ModelID
		}
		return e.Code, e.Message, data
	case *ValidationError:
		logrus.Warnf("Validation error: %s", e.Message)
		return CodeInvalidParams, e.Message, map[string]any{"type": "ValidationError"}
	default:
		logrus.Errorf("Unexpected error in runtime: %v", err)
		return CodeInternal, "An unexpected internal error occurred", map[string]any{"type": "InternalError"}
	}
}

func (rt *RuntimeServer) runtimeInfo() (any, error) {
	memory := map[string]any{"rss": 0, "vms": 0}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if info, err := proc.MemoryInfo(); err == nil && info != nil {
			memory["rss"] = info.RSS
			memory["vms"] = info.VMS
		}
	}

	capabilities := []string{
		"load_model", "unload_model", "generate", "batch_generate",
		"continuous_generate", "cancel_request",
		"get_batcher_metrics", "get_batcher_health", "get_optimization_metrics",
		"tokenize", "batch_tokenize", "check_draft", "batch_check_draft",
		"load_vision_model", "generate_with_image",
		"runtime/telemetry",
	}

	return map[string]any{
		"version":      runtimeVersion,
		"protocol":     "json-rpc-2.0",
		"capabilities": capabilities,
		"memory":       memory,
	}, nil
}

// runtimeState increments restart_count on every call: the control plane
// reuses it as a monotonic liveness probe, so it intentionally does not track
// true process restarts.
func (rt *RuntimeServer) runtimeState() (any, error) {
	count := rt.restartCount.Add(1)

	rt.mu.Lock()
	loaded := make([]map[string]any, 0, len(rt.models)+len(rt.visionModels))
	for modelID := range rt.models {
		loaded = append(loaded, map[string]any{"model_id": modelID, "state": "ready", "type": "text"})
	}
	for modelID := range rt.visionModels {
		loaded = append(loaded, map[string]any{"model_id": modelID, "state": "ready", "type": "vision"})
	}
	activeStreams := len(rt.streams)
	rt.mu.Unlock()

	return map[string]any{
		"loaded_models":  loaded,
		"active_streams": activeStreams,
		"restart_count":  count,
	}, nil
}

func (rt *RuntimeServer) telemetryReport() (any, error) {
	report := rt.telemetry.Report()
	report["scheduler"] = rt.Scheduler.Stats()
	if rt.kvPool != nil {
		report["kv_cache_pool"] = rt.kvPool.Stats()
	}

	rt.mu.Lock()
	batchers := make(map[string]any, len(rt.batchers))
	for modelID, batcher := range rt.batchers {
		batchers[modelID] = batcher.Stats()
	}
	rt.mu.Unlock()
	report["batchers"] = batchers

	report["object_pools"] = map[string]any{
		"chunk": rt.chunkPool.Stats(),
		"stats": rt.statsPool.Stats(),
		"event": rt.eventPool.Stats(),
	}
	report["native_optimizations"] = map[string]any{
		"metal":    rt.cfg.MetalOptimizations,
		"cpu":      rt.cfg.CPUOptimizations,
		"advanced": rt.cfg.AdvancedOptimizations,
	}
	return report, nil
}

func (rt *RuntimeServer) loadModel(raw json.RawMessage) (any, error) {
	var params LoadModelParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, validationErrorf("invalid load_model params: %v", err)
	}
	modelID, err := ValidateModelID(params.ModelID)
	if err != nil {
		return nil, err
	}
	if err := ValidateLoadModelParams(&params); err != nil {
		return nil, err
	}
	if params.LocalPath != "" {
		resolved, err := ValidateLocalPath(params.LocalPath, rt.cfg.Model.TrustedModelDirectories)
		if err != nil {
			return nil, err
		}
		params.LocalPath = resolved
	}

	handle, err := rt.loader.Load(modelID, &params)
	if err != nil {
		if _, ok := err.(*RuntimeError); ok {
			return nil, err
		}
		return nil, ErrModelLoad(modelID, fmt.Sprintf("Unexpected error: %v", err))
	}

	rt.mu.Lock()
	rt.models[modelID] = handle
	rt.mu.Unlock()
	rt.log.Infof("model %s loaded (params=%d, dtype=%s, context=%d)",
		modelID, handle.Metadata.ParameterCount, handle.Metadata.Dtype, handle.Metadata.ContextLength)

	return map[string]any{
		"model_id":        modelID,
		"state":           "ready",
		"context_length":  handle.Metadata.ContextLength,
		"parameter_count": handle.Metadata.ParameterCount,
		"dtype":           handle.Metadata.Dtype,
		"is_vision_model": handle.Metadata.IsVision,
	}, nil
}

func (rt *RuntimeServer) loadVisionModel(raw json.RawMessage) (any, error) {
	var params LoadModelParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, validationErrorf("invalid load_vision_model params: %v", err)
	}
	modelID, err := ValidateModelID(params.ModelID)
	if err != nil {
		return nil, err
	}
	if err := ValidateVisionLoadParams(&params); err != nil {
		return nil, err
	}
	if params.LocalPath != "" {
		resolved, err := ValidateLocalPath(params.LocalPath, rt.cfg.Model.TrustedModelDirectories)
		if err != nil {
			return nil, err
		}
		params.LocalPath = resolved
	}

	handle, err := rt.loader.LoadVision(modelID, &params)
	if err != nil {
		if _, ok := err.(*RuntimeError); ok {
			return nil, err
		}
		return nil, ErrModelLoad(modelID, fmt.Sprintf("Unexpected error: %v", err))
	}

	rt.mu.Lock()
	rt.visionModels[modelID] = handle
	rt.mu.Unlock()

	return map[string]any{
		"model_id":        modelID,
		"state":           "ready",
		"context_length":  handle.Metadata.ContextLength,
		"dtype":           handle.Metadata.Dtype,
		"quantization":    params.Quantization,
		"revision":        params.Revision,
		"is_vision_model": true,
	}, nil
}

// unloadModel stops the model's batcher, waits for in-flight use to drain,
// then releases the handle.
func (rt *RuntimeServer) unloadModel(raw json.RawMessage) (any, error) {
	var params struct {
		ModelID string `json:"model_id"`
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, validationErrorf("invalid unload_model params: %v", err)
	}
	modelID, err := ValidateModelID(params.ModelID)
	if err != nil {
		return nil, err
	}

	rt.mu.Lock()
	handle, isText := rt.models[modelID]
	if isText {
		delete(rt.models, modelID)
	} else {
		handle = rt.visionModels[modelID]
		delete(rt.visionModels, modelID)
	}
	batcher := rt.batchers[modelID]
	delete(rt.batchers, modelID)
	rt.mu.Unlock()

	if batcher != nil {
		batcher.Stop()
	}
	if handle != nil {
		if !handle.WaitDrained(5 * time.Second) {
			rt.log.Warnf("model %s still in use after drain timeout, unloading anyway", modelID)
		}
		if err := rt.loader.Unload(handle); err != nil {
			rt.log.Warnf("unload of %s reported: %v", modelID, err)
		}
	}
	return map[string]any{"success": true}, nil
}

// buildRequest turns validated params into a Request with config defaults.
func (rt *RuntimeServer) buildRequest(params *GenerateParams, streamID string) *Request {
	req := &Request{
		RequestID:     params.RequestID,
		StreamID:      streamID,
		ModelID:       params.ModelID,
		Prompt:        params.Prompt,
		MaxTokens:     rt.cfg.Model.DefaultMaxTokens,
		Temperature:   0.0,
		TopP:          1.0,
		StopSequences: params.StopSequences,
		StopTokenIDs:  params.StopTokenIDs,
		Priority:      PriorityNormal,
		StartedAt:     time.Now(),
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if params.MaxTokens != nil {
		req.MaxTokens = *params.MaxTokens
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if params.Seed != nil {
		req.Seed = *params.Seed
		req.HasSeed = true
	}
	if params.TimeoutMs != nil {
		req.TimeoutMs = *params.TimeoutMs
	}
	if params.Priority != nil {
		req.Priority = Priority(*params.Priority)
	}
	return req
}

// registerStream reserves a unique stream id and its emitter.
func (rt *RuntimeServer) registerStream(streamID string, cancel context.CancelFunc) (*streamEmitter, error) {
	budget := time.Duration(rt.cfg.Bridge.QueuePutBackoffMs*rt.cfg.Bridge.QueuePutMaxRetries) * time.Millisecond
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if _, exists := rt.streams[streamID]; exists {
		return nil, validationErrorf("Stream ID %q is already in use", streamID)
	}
	emitter := newStreamEmitter(streamID, rt.cfg.Bridge.StreamQueueSize, budget, func(method string, params map[string]any) {
		rt.notify(method, params)
	})
	rt.streams[streamID] = &activeStream{emitter: emitter, cancel: cancel}
	return emitter, nil
}

func (rt *RuntimeServer) removeStream(streamID string) {
	rt.mu.Lock()
	delete(rt.streams, streamID)
	rt.mu.Unlock()
}

func (rt *RuntimeServer) getModel(modelID string) (*ModelHandle, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if handle, ok := rt.models[modelID]; ok {
		return handle, nil
	}
	return nil, ErrModelNotLoaded(modelID)
}

func (rt *RuntimeServer) getVisionModel(modelID string) (*ModelHandle, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if handle, ok := rt.visionModels[modelID]; ok {
		return handle, nil
	}
	return nil, ErrModelNotLoaded(modelID)
}

// generate starts a single-stream generation routed through the GPU
// scheduler and returns the handshake immediately; tokens arrive as
// notifications.
func (rt *RuntimeServer) generate(raw json.RawMessage) (any, error) {
	var params GenerateParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, validationErrorf("invalid generate params: %v", err)
	}
	return rt.startGeneration(&params, nil)
}

// generateWithImage validates the image payload then follows the same
// scheduler path; the decoded image is one more input flowing to the
// backend's forward pass.
func (rt *RuntimeServer) generateWithImage(raw json.RawMessage) (any, error) {
	var params GenerateParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, validationErrorf("invalid generate_with_image params: %v", err)
	}
	if params.Image == "" {
		return nil, validationErrorf("image parameter is required for vision generation")
	}
	image, err := ValidateBase64Image(params.Image)
	if err != nil {
		return nil, err
	}
	return rt.startGeneration(&params, image)
}

func (rt *RuntimeServer) startGeneration(params *GenerateParams, image []byte) (any, error) {
	modelID, err := ValidateModelID(params.ModelID)
	if err != nil {
		return nil, err
	}
	if err := ValidateGenerationParams(params, rt.cfg); err != nil {
		return nil, err
	}

	var handle *ModelHandle
	if image != nil {
		handle, err = rt.getVisionModel(modelID)
	} else {
		handle, err = rt.getModel(modelID)
	}
	if err != nil {
		return nil, err
	}

	streamID := params.StreamID
	if streamID == "" {
		streamID = uuid.NewString()
	}

	ctx, cancel := context.WithCancel(context.Background())
	emitter, err := rt.registerStream(streamID, cancel)
	if err != nil {
		cancel()
		return nil, err
	}

	req := rt.buildRequest(params, streamID)
	handle.Acquire()
	started := time.Now()

	go rt.runGeneration(ctx, handle, req, emitter)

	return map[string]any{
		"stream_id":  streamID,
		"started_at": float64(started.UnixNano()) / 1e9,
	}, nil
}

// runGeneration is the low-traffic path: one stream, one token per scheduled
// GPU job. Each step is a scheduler job so many concurrent streams still
// serialize at the commit worker with priority ordering.
func (rt *RuntimeServer) runGeneration(ctx context.Context, handle *ModelHandle, req *Request, emitter *streamEmitter) {
	defer func() {
		handle.Release()
		emitter.close()
		rt.removeStream(req.StreamID)
	}()

	start := time.Now()

	promptTokens, err := handle.Tokenizer.Encode(req.Prompt, true)
	if err != nil {
		rt.telemetry.RecordError(false)
		rt.emitErrorEvent(emitter, req.StreamID, ErrTokenizer(req.ModelID, err.Error()).Error())
		return
	}
	req.PromptTokens = promptTokens

	if rt.kvPool != nil {
		rt.kvPool.Get(req.Prompt)
	}

	jobPriority := JobDefault
	if req.Priority <= PriorityHigh {
		jobPriority = JobUrgent
	} else if req.Priority >= PriorityBackground {
		jobPriority = JobBackground
	}

	rng := rt.newRequestRNG(req)
	eosTokenID := handle.Tokenizer.EOSTokenID()

	for !req.IsFinished {
		if ctx.Err() != nil {
			req.finish(FinishCancelled)
			break
		}
		if req.TimeoutMs > 0 && time.Since(req.StartedAt).Milliseconds() > req.TimeoutMs {
			req.finish(FinishTimeout)
			rt.telemetry.RecordError(true)
			break
		}

		value, err := rt.Scheduler.Schedule(ctx, func(opCtx context.Context) (any, error) {
			return rt.forwardSingle(opCtx, handle, req)
		}, jobPriority, "")
		if err != nil {
			if err == ErrSchedulerShutdown {
				req.finish(FinishShutdown)
				break
			}
			if ctx.Err() != nil {
				req.finish(FinishCancelled)
				break
			}
			rt.telemetry.RecordError(false)
			req.ErrMessage = ErrGeneration(req.ModelID, err.Error()).Error()
			req.finish(FinishError)
			break
		}

		logits := value.([]float32)
		tokenID := sampleToken(logits, req.Temperature, req.TopP, rng)

		if req.FirstTokenAt.IsZero() {
			req.FirstTokenAt = time.Now()
		}
		req.GeneratedTokens = append(req.GeneratedTokens, tokenID)

		text, decodeErr := handle.Tokenizer.Decode([]int{tokenID})
		if decodeErr != nil {
			req.ErrMessage = ErrTokenizer(req.ModelID, decodeErr.Error()).Error()
			req.finish(FinishError)
			break
		}
		req.GeneratedText += text

		chunk := rt.chunkPool.Acquire()
		chunk["stream_id"] = req.StreamID
		chunk["token"] = text
		chunk["token_id"] = tokenID
		chunk["is_final"] = false
		chunk["cumulative_text"] = req.GeneratedText
		if sendErr := emitter.sendPooled(streamChunk, chunk, func() { rt.chunkPool.Release(chunk) }); sendErr != nil {
			req.ErrMessage = sendErr.Error()
			req.finish(FinishError)
			break
		}

		switch {
		case eosTokenID >= 0 && tokenID == eosTokenID:
			req.finish(FinishEOS)
		case containsToken(req.StopTokenIDs, tokenID):
			req.finish(FinishStop)
		case hasStopSequence(req.GeneratedText, req.StopSequences):
			req.finish(FinishStop)
		case len(req.GeneratedTokens) >= req.MaxTokens:
			req.finish(FinishLength)
		}
	}

	total := time.Since(start)
	rt.telemetry.RecordGenerate(float64(total)/float64(time.Millisecond), len(req.GeneratedTokens))

	if rt.kvPool != nil && (req.FinishReason == FinishEOS || req.FinishReason == FinishLength) {
		rt.kvPool.Put(req.Prompt, captureKV(handle.Backend), len(req.PromptTokens))
	}

	ttft := time.Duration(0)
	if !req.FirstTokenAt.IsZero() {
		ttft = req.FirstTokenAt.Sub(req.StartedAt)
	}
	tokensPerSec := 0.0
	if total > 0 {
		tokensPerSec = float64(len(req.GeneratedTokens)) / total.Seconds()
	}

	stats := rt.statsPool.Acquire()
	stats["stream_id"] = req.StreamID
	stats["tokens_generated"] = len(req.GeneratedTokens)
	stats["tokens_per_second"] = tokensPerSec
	stats["time_to_first_token"] = ttft.Seconds()
	stats["total_time"] = total.Seconds()
	_ = emitter.sendPooled(streamStats, stats, func() { rt.statsPool.Release(stats) })

	event := rt.eventPool.Acquire()
	event["stream_id"] = req.StreamID
	event["is_final"] = true
	switch req.FinishReason {
	case FinishError:
		event["event"] = "error"
		event["error"] = req.ErrMessage
	case FinishCancelled:
		event["event"] = "cancelled"
	case FinishShutdown:
		event["event"] = "shutdown"
	default:
		event["event"] = "completed"
		event["finish_reason"] = string(req.FinishReason)
	}
	_ = emitter.sendPooled(streamEvent, event, func() { rt.eventPool.Release(event) })
}

// forwardSingle runs one single-request forward pass under the GPU gate.
func (rt *RuntimeServer) forwardSingle(ctx context.Context, handle *ModelHandle, req *Request) ([]float32, error) {
	rt.gpuGate <- struct{}{}
	defer func() { <-rt.gpuGate }()

	seq := make([]int, 0, len(req.PromptTokens)+len(req.GeneratedTokens))
	seq = append(seq, req.PromptTokens...)
	seq = append(seq, req.GeneratedTokens...)
	mask := make([]int, len(seq))
	for i := range mask {
		mask[i] = 1
	}

	logits, err := handle.Backend.Forward(ctx, [][]int{seq}, [][]int{mask})
	if err != nil {
		return nil, err
	}
	if syncErr := handle.Backend.Synchronize(); syncErr != nil {
		return nil, syncErr
	}
	if len(logits) == 0 || len(logits[0]) == 0 {
		return nil, fmt.Errorf("backend returned empty logits")
	}
	rows := logits[0]
	return rows[len(rows)-1], nil
}

// KVCapture is an optional backend capability: backends that can hand out
// their KV state after a pass implement it, and the pool stores the blob.
type KVCapture interface {
	CaptureKV() any
}

func captureKV(backend ModelBackend) any {
	if capture, ok := backend.(KVCapture); ok {
		return capture.CaptureKV()
	}
	return nil
}

func (rt *RuntimeServer) newRequestRNG(req *Request) *rand.Rand {
	if req.HasSeed {
		return rand.New(rand.NewSource(req.Seed))
	}
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}

func (rt *RuntimeServer) emitErrorEvent(emitter *streamEmitter, streamID, message string) {
	_ = emitter.send(streamEvent, map[string]any{
		"stream_id": streamID,
		"event":     "error",
		"error":     message,
		"is_final":  true,
	})
}

// continuousGenerate admits a request into the per-model batcher and returns
// the same handshake shape as generate; there is no synchronous body.
func (rt *RuntimeServer) continuousGenerate(raw json.RawMessage) (any, error) {
	var params GenerateParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, validationErrorf("invalid continuous_generate params: %v", err)
	}
	modelID, err := ValidateModelID(params.ModelID)
	if err != nil {
		return nil, err
	}
	if err := ValidateGenerationParams(&params, rt.cfg); err != nil {
		return nil, err
	}
	handle, err := rt.getModel(modelID)
	if err != nil {
		return nil, err
	}

	streamID := params.StreamID
	if streamID == "" {
		streamID = uuid.NewString()
	}

	emitter, err := rt.registerStream(streamID, func() {})
	if err != nil {
		return nil, err
	}

	batcher := rt.batcherFor(modelID, handle)

	req := rt.buildRequest(&params, streamID)
	promptTokens, err := handle.Tokenizer.Encode(req.Prompt, true)
	if err != nil {
		emitter.close()
		rt.removeStream(streamID)
		return nil, ErrTokenizer(modelID, err.Error())
	}
	req.PromptTokens = promptTokens
	started := time.Now()

	emitToken := func(sid string, tokenID int, text string) {
		chunk := rt.chunkPool.Acquire()
		chunk["stream_id"] = sid
		chunk["token"] = text
		chunk["token_id"] = tokenID
		chunk["is_final"] = false
		_ = emitter.sendPooled(streamChunk, chunk, func() { rt.chunkPool.Release(chunk) })
	}
	emitComplete := func(sid string, stats CompletionStats) {
		statsPayload := rt.statsPool.Acquire()
		statsPayload["stream_id"] = sid
		statsPayload["tokens_generated"] = stats.TokensGenerated
		statsPayload["tokens_per_second"] = stats.TokensPerSec
		statsPayload["time_to_first_token"] = stats.TTFTMs / 1000.0
		statsPayload["total_time"] = stats.DurationMs / 1000.0
		_ = emitter.sendPooled(streamStats, statsPayload, func() { rt.statsPool.Release(statsPayload) })

		event := rt.eventPool.Acquire()
		event["stream_id"] = sid
		event["is_final"] = true
		switch stats.FinishReason {
		case FinishError:
			event["event"] = "error"
			event["error"] = stats.Error
		case FinishCancelled:
			event["event"] = "cancelled"
		case FinishTimeout:
			event["event"] = "completed"
			event["finish_reason"] = string(FinishTimeout)
		case FinishShutdown:
			event["event"] = "shutdown"
		default:
			event["event"] = "completed"
			event["finish_reason"] = string(stats.FinishReason)
		}
		_ = emitter.sendPooled(streamEvent, event, func() { rt.eventPool.Release(event) })

		emitter.close()
		rt.removeStream(sid)
	}

	if err := batcher.AddRequest(req, emitToken, emitComplete); err != nil {
		emitter.close()
		rt.removeStream(streamID)
		return nil, err
	}

	return map[string]any{
		"stream_id":  streamID,
		"started_at": float64(started.UnixNano()) / 1e9,
	}, nil
}

// batcherFor returns (lazily creating and starting) the model's batcher.
func (rt *RuntimeServer) batcherFor(modelID string, handle *ModelHandle) *ContinuousBatcher {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if batcher, ok := rt.batchers[modelID]; ok {
		return batcher
	}
	batcher := NewContinuousBatcher(handle, BatcherConfigFrom(rt.cfg), rt.gpuGate)
	batcher.Start()
	rt.batchers[modelID] = batcher
	return batcher
}

// cancelRequest cancels a continuous-batching request by id. Cancelling an id
// that has already terminated is a no-op returning false.
func (rt *RuntimeServer) cancelRequest(raw json.RawMessage) (any, error) {
	var params struct {
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, validationErrorf("invalid cancel_request params: %v", err)
	}
	if params.RequestID == "" {
		return nil, validationErrorf("request_id is required")
	}

	rt.mu.Lock()
	batchers := make([]*ContinuousBatcher, 0, len(rt.batchers))
	for _, b := range rt.batchers {
		batchers = append(batchers, b)
	}
	rt.mu.Unlock()

	for _, batcher := range batchers {
		if batcher.CancelRequest(params.RequestID) {
			return map[string]any{"cancelled": true}, nil
		}
	}
	return map[string]any{"cancelled": false}, nil
}

// batchGenerate fans out multiple generates SEQUENTIALLY. Concurrent dispatch
// at this boundary causes accelerator faults; serialization here is a
// correctness requirement, not a performance choice.
func (rt *RuntimeServer) batchGenerate(raw json.RawMessage) (any, error) {
	var params struct {
		Requests []GenerateParams `json:"requests"`
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, validationErrorf("batch_generate expects 'requests' to be a list")
	}
	if len(params.Requests) == 0 {
		return map[string]any{"results": []any{}}, nil
	}
	if err := requireUniqueStreamIDs(params.Requests); err != nil {
		return nil, err
	}

	results := make([]map[string]any, 0, len(params.Requests))
	for i := range params.Requests {
		req := params.Requests[i]
		result, err := rt.startGeneration(&req, nil)
		if err != nil {
			_, message, _ := SerializeError(err)
			results = append(results, map[string]any{"success": false, "result": nil, "error": message})
			continue
		}
		results = append(results, map[string]any{"success": true, "result": result, "error": nil})
	}
	return map[string]any{"results": results}, nil
}

func (rt *RuntimeServer) tokenize(raw json.RawMessage) (any, error) {
	var params TokenizeParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, validationErrorf("invalid tokenize params: %v", err)
	}
	modelID, err := ValidateModelID(params.ModelID)
	if err != nil {
		return nil, err
	}
	if err := ValidateTokenizeParams(&params); err != nil {
		return nil, err
	}
	handle, err := rt.getModel(modelID)
	if err != nil {
		return nil, err
	}

	addSpecial := true
	if params.AddSpecialTokens != nil {
		addSpecial = *params.AddSpecialTokens
	}

	start := time.Now()
	tokens, err := handle.Tokenizer.Encode(params.Text, addSpecial)
	if err != nil {
		return nil, ErrTokenizer(modelID, fmt.Sprintf("Tokenization failed: %v", err))
	}
	tokenStrings, err := handle.Tokenizer.TokenStrings(tokens)
	if err != nil {
		return nil, ErrTokenizer(modelID, fmt.Sprintf("Tokenization failed: %v", err))
	}
	rt.telemetry.RecordTokenize(float64(time.Since(start))/float64(time.Millisecond), len(tokens))

	return map[string]any{
		"tokens":        tokens,
		"token_strings": tokenStrings,
	}, nil
}

func (rt *RuntimeServer) batchTokenize(raw json.RawMessage) (any, error) {
	var params struct {
		Requests []TokenizeParams `json:"requests"`
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, validationErrorf("batch_tokenize expects 'requests' to be a list")
	}
	results := make([]map[string]any, 0, len(params.Requests))
	for i := range params.Requests {
		encoded, err := json.Marshal(params.Requests[i])
		if err != nil {
			results = append(results, map[string]any{"success": false, "result": nil, "error": err.Error()})
			continue
		}
		result, err := rt.tokenize(encoded)
		if err != nil {
			_, message, _ := SerializeError(err)
			results = append(results, map[string]any{"success": false, "result": nil, "error": message})
			continue
		}
		results = append(results, map[string]any{"success": true, "result": result, "error": nil})
	}
	return map[string]any{"results": results}, nil
}

// checkDraft reports whether a draft model can speculate for a primary:
// vocabulary mismatch is fatal, everything else is advisory.
func (rt *RuntimeServer) checkDraft(raw json.RawMessage) (any, error) {
	var params struct {
		PrimaryID string `json:"primary_id"`
		DraftID   string `json:"draft_id"`
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, validationErrorf("invalid check_draft params: %v", err)
	}
	primaryID, err := ValidateModelID(params.PrimaryID)
	if err != nil {
		return nil, err
	}
	draftID, err := ValidateModelID(params.DraftID)
	if err != nil {
		return nil, err
	}
	primary, err := rt.getModel(primaryID)
	if err != nil {
		return nil, err
	}
	draft, err := rt.getModel(draftID)
	if err != nil {
		return nil, err
	}

	var errs, warnings []string

	primaryVocab := primary.Tokenizer.VocabSize()
	draftVocab := draft.Tokenizer.VocabSize()
	if primaryVocab != draftVocab {
		errs = append(errs, fmt.Sprintf(
			"Vocabulary size mismatch: primary=%d, draft=%d. Speculative decoding requires identical vocabulary.",
			primaryVocab, draftVocab))
	}

	primaryArch := primary.Metadata.Architecture
	draftArch := draft.Metadata.Architecture
	if primaryArch != "" && draftArch != "" && primaryArch != draftArch {
		warnings = append(warnings, fmt.Sprintf(
			"Architecture mismatch: primary=%s, draft=%s. Different architectures may have compatibility issues.",
			primaryArch, draftArch))
	}

	primaryParams := primary.Metadata.ParameterCount
	draftParams := draft.Metadata.ParameterCount
	if draftParams >= primaryParams {
		warnings = append(warnings, fmt.Sprintf(
			"Draft model is not smaller than primary: draft=%d, primary=%d. Expected performance gain may not materialize.",
			draftParams, primaryParams))
	}

	speedupRatio := 1.0
	sizeRatio := "N/A"
	if draftParams > 0 && primaryParams > 0 {
		ratio := float64(draftParams) / float64(primaryParams)
		speedupRatio = 1.0 + (1.0-ratio)*0.3
		sizeRatio = fmt.Sprintf("%.1f%%", ratio*100)
	}

	if primary.Tokenizer.BOSTokenID() != draft.Tokenizer.BOSTokenID() {
		warnings = append(warnings, fmt.Sprintf("BOS token mismatch: primary=%d, draft=%d",
			primary.Tokenizer.BOSTokenID(), draft.Tokenizer.BOSTokenID()))
	}
	if primary.Tokenizer.EOSTokenID() != draft.Tokenizer.EOSTokenID() {
		warnings = append(warnings, fmt.Sprintf("EOS token mismatch: primary=%d, draft=%d",
			primary.Tokenizer.EOSTokenID(), draft.Tokenizer.EOSTokenID()))
	}

	compatible := len(errs) == 0
	recommendation := "May not provide significant speedup"
	if compatible && primaryParams > 0 && draftParams < primaryParams/2 {
		recommendation = "Good pairing"
	}
	if errs == nil {
		errs = []string{}
	}
	if warnings == nil {
		warnings = []string{}
	}

	return map[string]any{
		"compatible": compatible,
		"errors":     errs,
		"warnings":   warnings,
		"details": map[string]any{
			"primary_model": map[string]any{
				"id":              primaryID,
				"vocab_size":      primaryVocab,
				"parameter_count": primaryParams,
				"architecture":    primaryArch,
			},
			"draft_model": map[string]any{
				"id":              draftID,
				"vocab_size":      draftVocab,
				"parameter_count": draftParams,
				"architecture":    draftArch,
			},
			"performance_estimate": map[string]any{
				"expected_speedup": fmt.Sprintf("%.2fx", speedupRatio),
				"size_ratio":       sizeRatio,
				"recommendation":   recommendation,
			},
		},
	}, nil
}

func (rt *RuntimeServer) batchCheckDraft(raw json.RawMessage) (any, error) {
	var params struct {
		Requests []json.RawMessage `json:"requests"`
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, validationErrorf("batch_check_draft expects 'requests' to be a list")
	}
	results := make([]map[string]any, 0, len(params.Requests))
	for _, reqRaw := range params.Requests {
		result, err := rt.checkDraft(reqRaw)
		if err != nil {
			_, message, _ := SerializeError(err)
			results = append(results, map[string]any{"success": false, "result": nil, "error": message})
			continue
		}
		results = append(results, map[string]any{"success": true, "result": result, "error": nil})
	}
	return map[string]any{"results": results}, nil
}

type batcherParams struct {
	ModelID string `json:"model_id"`
}

// batcherLookup resolves the model's batcher, or all batchers when model_id
// is omitted.
func (rt *RuntimeServer) batcherLookup(raw json.RawMessage) (map[string]*ContinuousBatcher, error) {
	var params batcherParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, validationErrorf("invalid params: %v", err)
		}
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if params.ModelID != "" {
		batcher, ok := rt.batchers[params.ModelID]
		if !ok {
			return map[string]*ContinuousBatcher{}, nil
		}
		return map[string]*ContinuousBatcher{params.ModelID: batcher}, nil
	}
	out := make(map[string]*ContinuousBatcher, len(rt.batchers))
	for id, b := range rt.batchers {
		out[id] = b
	}
	return out, nil
}

func (rt *RuntimeServer) batcherMetrics(raw json.RawMessage) (any, error) {
	batchers, err := rt.batcherLookup(raw)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(batchers))
	for id, b := range batchers {
		out[id] = map[string]any{
			"stats":   b.Stats(),
			"metrics": b.ExportMetrics(),
		}
	}
	return map[string]any{"batchers": out}, nil
}

func (rt *RuntimeServer) batcherHealth(raw json.RawMessage) (any, error) {
	batchers, err := rt.batcherLookup(raw)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(batchers))
	healthy := true
	for id, b := range batchers {
		health := b.HealthCheck()
		out[id] = health
		if ok, _ := health["healthy"].(bool); !ok {
			healthy = false
		}
	}
	return map[string]any{"healthy": healthy, "batchers": out}, nil
}

func (rt *RuntimeServer) optimizationMetrics(raw json.RawMessage) (any, error) {
	batchers, err := rt.batcherLookup(raw)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(batchers))
	for id, b := range batchers {
		out[id] = b.OptimizationSummary()
	}
	result := map[string]any{"batchers": out}
	if rt.kvPool != nil {
		result["kv_cache_pool"] = rt.kvPool.Stats()
	}
	return result, nil
}

// shutdown drains batchers, cancels streams, unloads models and stops the
// scheduler, in that order.
func (rt *RuntimeServer) shutdown() (any, error) {
	if !rt.shutdownRequested.CompareAndSwap(false, true) {
		return map[string]any{"success": true}, nil
	}
	rt.log.Info("shutdown requested")

	rt.mu.Lock()
	batchers := make([]*ContinuousBatcher, 0, len(rt.batchers))
	for _, b := range rt.batchers {
		batchers = append(batchers, b)
	}
	rt.batchers = make(map[string]*ContinuousBatcher)
	streams := make([]*activeStream, 0, len(rt.streams))
	for _, s := range rt.streams {
		streams = append(streams, s)
	}
	handles := make([]*ModelHandle, 0, len(rt.models)+len(rt.visionModels))
	for _, h := range rt.models {
		handles = append(handles, h)
	}
	for _, h := range rt.visionModels {
		handles = append(handles, h)
	}
	rt.models = make(map[string]*ModelHandle)
	rt.visionModels = make(map[string]*ModelHandle)
	rt.mu.Unlock()

	for _, b := range batchers {
		b.Stop()
	}
	for _, s := range streams {
		s.cancel()
	}
	for _, h := range handles {
		if !h.WaitDrained(5 * time.Second) {
			rt.log.Warnf("model %s still in use at shutdown", h.ModelID)
		}
		if err := rt.loader.Unload(h); err != nil {
			rt.log.Warnf("unload of %s reported: %v", h.ModelID, err)
		}
	}
	rt.Scheduler.Stop()

	if rt.kvPool != nil {
		rt.kvPool.Clear()
	}
	return map[string]any{"success": true}, nil
}
