package serve

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// notifCapture records notifications with deep-copied params, since pooled
// payload maps are recycled after the notify call returns.
type notifCapture struct {
	mu    sync.Mutex
	items []capturedNotif
}

type capturedNotif struct {
	method string
	params map[string]any
}

func (c *notifCapture) notify(method string, params map[string]any) {
	clone := make(map[string]any, len(params))
	for k, v := range params {
		clone[k] = v
	}
	c.mu.Lock()
	c.items = append(c.items, capturedNotif{method: method, params: clone})
	c.mu.Unlock()
}

func (c *notifCapture) byMethod(method string) []capturedNotif {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []capturedNotif
	for _, n := range c.items {
		if n.method == method {
			out = append(out, n)
		}
	}
	return out
}

func (c *notifCapture) forStream(streamID string) (chunks, stats, events []capturedNotif) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range c.items {
		if n.params["stream_id"] != streamID {
			continue
		}
		switch n.method {
		case "stream.chunk":
			chunks = append(chunks, n)
		case "stream.stats":
			stats = append(stats, n)
		case "stream.event":
			events = append(events, n)
		}
	}
	return
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func newTestRuntime(t *testing.T) (*RuntimeServer, *fakeLoader, *notifCapture) {
	t.Helper()
	loader := newFakeLoader()
	schedCfg := DefaultSchedulerConfig()
	schedCfg.MetricsExport = false
	rt := NewRuntimeServer(DefaultConfig(), loader, schedCfg)
	capture := &notifCapture{}
	rt.SetNotify(capture.notify)
	rt.Start()
	t.Cleanup(func() { _, _ = rt.shutdown() })
	return rt, loader, capture
}

func mustDispatch(t *testing.T, rt *RuntimeServer, method, params string) map[string]any {
	t.Helper()
	result, err := rt.Dispatch(method, json.RawMessage(params))
	require.NoError(t, err, "method %s failed", method)
	out, ok := result.(map[string]any)
	require.True(t, ok, "method %s returned %T", method, result)
	return out
}

func TestRuntime_LoadModelReturnsMetadata(t *testing.T) {
	rt, _, _ := newTestRuntime(t)
	result := mustDispatch(t, rt, "load_model", `{"model_id":"model-A"}`)
	assert.Equal(t, "model-A", result["model_id"])
	assert.Equal(t, "ready", result["state"])
	assert.Equal(t, "float16", result["dtype"])
	assert.Equal(t, false, result["is_vision_model"])
}

func TestRuntime_GenerateStreamsFiveTokensThenCompletes(t *testing.T) {
	// GIVEN a loaded model
	rt, _, capture := newTestRuntime(t)
	mustDispatch(t, rt, "load_model", `{"model_id":"model-A"}`)

	// WHEN generating 5 tokens greedily on stream s1
	result := mustDispatch(t, rt, "generate",
		`{"model_id":"model-A","prompt":"Hello","max_tokens":5,"temperature":0,"stream_id":"s1"}`)
	assert.Equal(t, "s1", result["stream_id"])
	assert.Contains(t, result, "started_at")

	// THEN exactly 5 chunks, one stats and one completed/length event arrive
	waitFor(t, 5*time.Second, func() bool {
		_, _, events := capture.forStream("s1")
		return len(events) == 1
	}, "terminal event never arrived for s1")

	chunks, stats, events := capture.forStream("s1")
	assert.Len(t, chunks, 5)
	require.Len(t, stats, 1)
	require.Len(t, events, 1)
	assert.Equal(t, "completed", events[0].params["event"])
	assert.Equal(t, string(FinishLength), events[0].params["finish_reason"])
	assert.Equal(t, true, events[0].params["is_final"])
	assert.Equal(t, 5, stats[0].params["tokens_generated"])
}

func TestRuntime_GenerateStopsOnEOS(t *testing.T) {
	// GIVEN a backend that emits EOS at prompt length + 2
	rt, loader, capture := newTestRuntime(t)
	backend := loader.backendFor("model-A")
	backend.eosAtLen = len("Hello") + 2
	mustDispatch(t, rt, "load_model", `{"model_id":"model-A"}`)

	// WHEN generating with headroom for 10 tokens
	mustDispatch(t, rt, "generate",
		`{"model_id":"model-A","prompt":"Hello","max_tokens":10,"temperature":0,"stream_id":"s2"}`)

	waitFor(t, 5*time.Second, func() bool {
		_, _, events := capture.forStream("s2")
		return len(events) == 1
	}, "terminal event never arrived for s2")

	// THEN 3 chunks arrived and the completion reason is eos
	chunks, _, events := capture.forStream("s2")
	assert.Len(t, chunks, 3)
	assert.Equal(t, "completed", events[0].params["event"])
	assert.Equal(t, string(FinishEOS), events[0].params["finish_reason"])
}

func TestRuntime_GenerateUnknownModelFails(t *testing.T) {
	rt, _, _ := newTestRuntime(t)
	_, err := rt.Dispatch("generate", json.RawMessage(`{"model_id":"ghost","prompt":"hi"}`))
	require.Error(t, err)
	code, _, _ := SerializeError(err)
	assert.Equal(t, CodeModelNotLoaded, code)
}

func TestRuntime_DuplicateStreamIDRejected(t *testing.T) {
	// GIVEN a long-running stream occupying id "dup"
	rt, loader, _ := newTestRuntime(t)
	loader.backendFor("model-A").forwardDelay = 10 * time.Millisecond
	mustDispatch(t, rt, "load_model", `{"model_id":"model-A"}`)
	mustDispatch(t, rt, "generate",
		`{"model_id":"model-A","prompt":"Hello","max_tokens":200,"stream_id":"dup"}`)

	// WHEN reusing the id while the stream is active
	_, err := rt.Dispatch("generate", json.RawMessage(
		`{"model_id":"model-A","prompt":"Hello","max_tokens":5,"stream_id":"dup"}`))

	// THEN the duplicate is rejected up front
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already in use")
}

func TestRuntime_ContinuousGenerateCompletes(t *testing.T) {
	// GIVEN a loaded model
	rt, _, capture := newTestRuntime(t)
	mustDispatch(t, rt, "load_model", `{"model_id":"model-A"}`)

	// WHEN admitting to the continuous batcher
	result := mustDispatch(t, rt, "continuous_generate",
		`{"model_id":"model-A","prompt":"Q1","max_tokens":4,"temperature":0,"stream_id":"c1"}`)
	assert.Equal(t, "c1", result["stream_id"])

	// THEN the stream completes with chunks then a terminal event
	waitFor(t, 5*time.Second, func() bool {
		_, _, events := capture.forStream("c1")
		return len(events) == 1
	}, "continuous stream never completed")

	chunks, stats, events := capture.forStream("c1")
	assert.Len(t, chunks, 4)
	assert.Len(t, stats, 1)
	assert.Equal(t, "completed", events[0].params["event"])
}

func TestRuntime_BatchGenerateSequentialResults(t *testing.T) {
	rt, _, capture := newTestRuntime(t)
	mustDispatch(t, rt, "load_model", `{"model_id":"model-A"}`)

	result := mustDispatch(t, rt, "batch_generate", `{"requests":[
		{"model_id":"model-A","prompt":"a","max_tokens":2,"stream_id":"b1"},
		{"model_id":"model-A","prompt":"b","max_tokens":2,"stream_id":"b2"},
		{"model_id":"ghost","prompt":"c","max_tokens":2,"stream_id":"b3"}
	]}`)

	results := result["results"].([]map[string]any)
	require.Len(t, results, 3)
	assert.Equal(t, true, results[0]["success"])
	assert.Equal(t, true, results[1]["success"])
	assert.Equal(t, false, results[2]["success"])
	assert.Contains(t, results[2]["error"], "Model not loaded")

	// Both admitted streams eventually terminate.
	waitFor(t, 5*time.Second, func() bool {
		_, _, e1 := capture.forStream("b1")
		_, _, e2 := capture.forStream("b2")
		return len(e1) == 1 && len(e2) == 1
	}, "batch streams never completed")
}

func TestRuntime_BatchGenerateDuplicateStreamIDsRejected(t *testing.T) {
	rt, _, _ := newTestRuntime(t)
	mustDispatch(t, rt, "load_model", `{"model_id":"model-A"}`)
	_, err := rt.Dispatch("batch_generate", json.RawMessage(
		`{"requests":[{"model_id":"model-A","prompt":"a","stream_id":"x"},{"model_id":"model-A","prompt":"b","stream_id":"x"}]}`))
	assert.Error(t, err)
}

func TestRuntime_Tokenize(t *testing.T) {
	rt, _, _ := newTestRuntime(t)
	mustDispatch(t, rt, "load_model", `{"model_id":"model-A"}`)

	result := mustDispatch(t, rt, "tokenize", `{"model_id":"model-A","text":"Hello"}`)
	tokens := result["tokens"].([]int)
	strings := result["token_strings"].([]string)
	assert.Len(t, tokens, 5)
	assert.Len(t, strings, 5)
}

func TestRuntime_TokenizeUnloadedModel(t *testing.T) {
	rt, _, _ := newTestRuntime(t)
	_, err := rt.Dispatch("tokenize", json.RawMessage(`{"model_id":"model-A","text":"x"}`))
	code, _, _ := SerializeError(err)
	assert.Equal(t, CodeModelNotLoaded, code)
}

func TestRuntime_CheckDraftCompatibleWithWarnings(t *testing.T) {
	rt, _, _ := newTestRuntime(t)
	mustDispatch(t, rt, "load_model", `{"model_id":"primary"}`)
	mustDispatch(t, rt, "load_model", `{"model_id":"draft"}`)

	result := mustDispatch(t, rt, "check_draft", `{"primary_id":"primary","draft_id":"draft"}`)

	// Same fake vocab: compatible. Same parameter count: size warning.
	assert.Equal(t, true, result["compatible"])
	warnings := result["warnings"].([]string)
	assert.NotEmpty(t, warnings)
	details := result["details"].(map[string]any)
	assert.Contains(t, details, "performance_estimate")
}

func TestRuntime_StateIncrementsRestartCount(t *testing.T) {
	rt, _, _ := newTestRuntime(t)
	mustDispatch(t, rt, "load_model", `{"model_id":"model-A"}`)

	first := mustDispatch(t, rt, "runtime/state", `{}`)
	second := mustDispatch(t, rt, "runtime/state", `{}`)

	// restart_count is a monotonic probe bumped on EVERY state call.
	assert.Equal(t, int64(1), first["restart_count"])
	assert.Equal(t, int64(2), second["restart_count"])

	models := first["loaded_models"].([]map[string]any)
	require.Len(t, models, 1)
	assert.Equal(t, "model-A", models[0]["model_id"])
}

func TestRuntime_InfoShape(t *testing.T) {
	rt, _, _ := newTestRuntime(t)
	result := mustDispatch(t, rt, "runtime/info", `{}`)
	assert.Equal(t, "json-rpc-2.0", result["protocol"])
	assert.Contains(t, result, "memory")
	capabilities := result["capabilities"].([]string)
	assert.Contains(t, capabilities, "continuous_generate")
}

func TestRuntime_TelemetryReportShape(t *testing.T) {
	rt, _, _ := newTestRuntime(t)
	result := mustDispatch(t, rt, "runtime/telemetry", `{}`)
	assert.Contains(t, result, "scheduler")
	assert.Contains(t, result, "generation")
	assert.Contains(t, result, "object_pools")
}

func TestRuntime_CancelUnknownRequestIsNoOp(t *testing.T) {
	rt, _, _ := newTestRuntime(t)
	result := mustDispatch(t, rt, "cancel_request", `{"request_id":"gone"}`)
	assert.Equal(t, false, result["cancelled"])
}

func TestRuntime_CancelContinuousRequest(t *testing.T) {
	// GIVEN a slow continuous generation
	rt, loader, capture := newTestRuntime(t)
	loader.backendFor("model-A").forwardDelay = 10 * time.Millisecond
	mustDispatch(t, rt, "load_model", `{"model_id":"model-A"}`)
	mustDispatch(t, rt, "continuous_generate",
		`{"model_id":"model-A","prompt":"long","max_tokens":500,"stream_id":"cx","request_id":"rx"}`)
	time.Sleep(50 * time.Millisecond)

	// WHEN cancelling by request id
	result := mustDispatch(t, rt, "cancel_request", `{"request_id":"rx"}`)
	assert.Equal(t, true, result["cancelled"])

	// THEN the stream terminates with a cancelled event
	waitFor(t, 5*time.Second, func() bool {
		_, _, events := capture.forStream("cx")
		return len(events) == 1
	}, "cancelled stream never terminated")
	_, _, events := capture.forStream("cx")
	assert.Equal(t, "cancelled", events[0].params["event"])
}

func TestRuntime_UnloadModelDrains(t *testing.T) {
	rt, loader, _ := newTestRuntime(t)
	mustDispatch(t, rt, "load_model", `{"model_id":"model-A"}`)
	result := mustDispatch(t, rt, "unload_model", `{"model_id":"model-A"}`)
	assert.Equal(t, true, result["success"])
	assert.Contains(t, loader.unloaded, "model-A")

	// Generating afterwards fails with model-not-loaded.
	_, err := rt.Dispatch("generate", json.RawMessage(`{"model_id":"model-A","prompt":"x"}`))
	code, _, _ := SerializeError(err)
	assert.Equal(t, CodeModelNotLoaded, code)
}

func TestRuntime_BatcherHealthAndMetricsEndpoints(t *testing.T) {
	rt, _, capture := newTestRuntime(t)
	mustDispatch(t, rt, "load_model", `{"model_id":"model-A"}`)
	mustDispatch(t, rt, "continuous_generate",
		`{"model_id":"model-A","prompt":"q","max_tokens":2,"stream_id":"h1"}`)
	waitFor(t, 5*time.Second, func() bool {
		_, _, events := capture.forStream("h1")
		return len(events) == 1
	}, "stream never completed")

	health := mustDispatch(t, rt, "get_batcher_health", `{}`)
	assert.Equal(t, true, health["healthy"])

	metrics := mustDispatch(t, rt, "get_batcher_metrics", `{"model_id":"model-A"}`)
	batchers := metrics["batchers"].(map[string]any)
	assert.Contains(t, batchers, "model-A")

	summary := mustDispatch(t, rt, "get_optimization_metrics", `{}`)
	assert.Contains(t, summary, "batchers")
}

func TestRuntime_VisionLoadAndGenerate(t *testing.T) {
	rt, _, capture := newTestRuntime(t)
	result := mustDispatch(t, rt, "load_vision_model", `{"model_id":"vision-A"}`)
	assert.Equal(t, true, result["is_vision_model"])

	image := fmt.Sprintf(`{"model_id":"vision-A","prompt":"describe","max_tokens":2,"stream_id":"v1","image":"%s"}`,
		"aGVsbG8gaW1hZ2U=") // "hello image"
	mustDispatch(t, rt, "generate_with_image", image)

	waitFor(t, 5*time.Second, func() bool {
		_, _, events := capture.forStream("v1")
		return len(events) == 1
	}, "vision stream never completed")
}

func TestRuntime_ShutdownStopsEverything(t *testing.T) {
	rt, loader, _ := newTestRuntime(t)
	mustDispatch(t, rt, "load_model", `{"model_id":"model-A"}`)

	result := mustDispatch(t, rt, "shutdown", `{}`)
	assert.Equal(t, true, result["success"])
	assert.True(t, rt.ShutdownRequested())
	assert.Contains(t, loader.unloaded, "model-A")
}
