package serve

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBatcherConfig() BatcherConfig {
	return BatcherConfig{
		MaxBatchSize:   8,
		BatchWindow:    5 * time.Millisecond,
		AdaptiveSizing: true,
		PromptCache:    PromptCacheConfig{MaxSize: 100, MaxMemoryBytes: 1 << 30},
		PendingCap:     64,
	}
}

func startTestBatcher(t *testing.T, backend *fakeBackend) *ContinuousBatcher {
	t.Helper()
	b := NewContinuousBatcher(newFakeHandleWith("model-A", backend), testBatcherConfig(), nil)
	b.Start()
	t.Cleanup(b.Stop)
	return b
}

func TestContinuousBatcher_ShortGenerationFinishesWithLength(t *testing.T) {
	// GIVEN a backend that never emits EOS and a 5-token budget
	b := startTestBatcher(t, newFakeBackend())
	rec := newEventRecorder()
	req := testRequest("r1", "Hello", 5)

	// WHEN the request runs to completion
	require.NoError(t, b.AddRequest(req, rec.emitToken, rec.emitComplete))
	require.True(t, rec.waitComplete(5*time.Second), "request did not complete")

	// THEN exactly 5 tokens were emitted and the terminal reason is length
	assert.Equal(t, 5, rec.tokenCount())
	completions := rec.completions()
	require.Len(t, completions, 1)
	assert.Equal(t, FinishLength, completions[0].FinishReason)
	assert.Equal(t, 5, completions[0].TokensGenerated)
	assert.Greater(t, completions[0].TokensPerSec, 0.0)
}

func TestContinuousBatcher_EOSStopsEarly(t *testing.T) {
	// GIVEN a backend that emits EOS once the sequence reaches prompt+2
	backend := newFakeBackend()
	prompt := "Hello"
	promptLen := len(prompt) // fake tokenizer: one token per byte
	backend.eosAtLen = promptLen + 2

	b := startTestBatcher(t, backend)
	rec := newEventRecorder()
	req := testRequest("r1", prompt, 10)

	// WHEN the request runs
	require.NoError(t, b.AddRequest(req, rec.emitToken, rec.emitComplete))
	require.True(t, rec.waitComplete(5*time.Second))

	// THEN 3 tokens arrived (the third being EOS) and the reason is eos
	assert.Equal(t, 3, rec.tokenCount())
	completions := rec.completions()
	require.Len(t, completions, 1)
	assert.Equal(t, FinishEOS, completions[0].FinishReason)
}

func TestContinuousBatcher_TwoRequestsShareBatch(t *testing.T) {
	// GIVEN a slow-ish backend so the second request joins mid-flight
	backend := newFakeBackend()
	backend.forwardDelay = 3 * time.Millisecond
	b := startTestBatcher(t, backend)

	recA := newEventRecorder()
	recB := newEventRecorder()

	// WHEN one request is admitted at t=0 and another joins shortly after
	require.NoError(t, b.AddRequest(testRequest("q1", "Q1", 10), recA.emitToken, recA.emitComplete))
	time.Sleep(12 * time.Millisecond)
	require.NoError(t, b.AddRequest(testRequest("q2", "Q2", 10), recB.emitToken, recB.emitComplete))

	require.True(t, recA.waitComplete(5*time.Second))
	require.True(t, recB.waitComplete(5*time.Second))

	// THEN both completed and the running average batch size saw overlap
	assert.Equal(t, FinishLength, recA.completions()[0].FinishReason)
	assert.Equal(t, FinishLength, recB.completions()[0].FinishReason)
	stats := b.Stats()
	assert.Greater(t, stats["avg_batch_size"].(float64), 1.0,
		"expected overlapping requests to push avg batch size above 1")
}

func TestContinuousBatcher_EveryAdmittedRequestGetsOneTerminalEvent(t *testing.T) {
	// GIVEN a burst of admitted requests
	b := startTestBatcher(t, newFakeBackend())

	const n = 12
	recorders := make([]*eventRecorder, n)
	for i := 0; i < n; i++ {
		recorders[i] = newEventRecorder()
		req := testRequest(fmt.Sprintf("r%d", i), "prompt", 3)
		require.NoError(t, b.AddRequest(req, recorders[i].emitToken, recorders[i].emitComplete))
	}

	// THEN every request emits exactly one terminal event
	for i, rec := range recorders {
		require.True(t, rec.waitComplete(5*time.Second), "request %d never completed", i)
		assert.Len(t, rec.completions(), 1, "request %d got duplicate terminal events", i)
	}
	assert.Equal(t, int64(n), b.completedRequests.Load())
}

func TestContinuousBatcher_TimeoutFinishesRequest(t *testing.T) {
	// GIVEN a request with a 30ms deadline against a slow backend
	backend := newFakeBackend()
	backend.forwardDelay = 20 * time.Millisecond
	b := startTestBatcher(t, backend)

	rec := newEventRecorder()
	req := testRequest("slow", "prompt", 1_000_000)
	req.MaxTokens = 4096
	req.TimeoutMs = 30

	require.NoError(t, b.AddRequest(req, rec.emitToken, rec.emitComplete))
	require.True(t, rec.waitComplete(5*time.Second))

	assert.Equal(t, FinishTimeout, rec.completions()[0].FinishReason)
}

func TestContinuousBatcher_CancelPendingRequest(t *testing.T) {
	// GIVEN a batcher that has not been started, so admissions stay pending
	b := NewContinuousBatcher(newFakeHandle("model-A"), testBatcherConfig(), nil)
	rec := newEventRecorder()
	req := testRequest("pending", "prompt", 5)
	require.NoError(t, b.AddRequest(req, rec.emitToken, rec.emitComplete))

	// WHEN cancelling before the loop ever picks it up
	assert.True(t, b.CancelRequest("pending"))

	// THEN the callbacks are forgotten; cancelling again is a no-op false
	assert.False(t, b.CancelRequest("pending"))
}

func TestContinuousBatcher_CancelActiveRequest(t *testing.T) {
	// GIVEN an active long-running request
	backend := newFakeBackend()
	backend.forwardDelay = 5 * time.Millisecond
	b := startTestBatcher(t, backend)

	rec := newEventRecorder()
	req := testRequest("active", "prompt", 1_000)
	require.NoError(t, b.AddRequest(req, rec.emitToken, rec.emitComplete))
	time.Sleep(30 * time.Millisecond)

	// WHEN cancelling mid-generation
	assert.True(t, b.CancelRequest("active"))
	require.True(t, rec.waitComplete(5*time.Second))

	// THEN the terminal event is cancelled
	assert.Equal(t, FinishCancelled, rec.completions()[0].FinishReason)
}

func TestContinuousBatcher_CancelUnknownReturnsFalse(t *testing.T) {
	b := startTestBatcher(t, newFakeBackend())
	assert.False(t, b.CancelRequest("no-such-request"))
}

func TestContinuousBatcher_WholeBatchErrorFailsAllMembers(t *testing.T) {
	// GIVEN a backend whose forward pass always fails
	backend := newFakeBackend()
	backend.forwardErr = fmt.Errorf("command buffer fault")
	b := startTestBatcher(t, backend)

	recA := newEventRecorder()
	recB := newEventRecorder()
	require.NoError(t, b.AddRequest(testRequest("a", "pa", 5), recA.emitToken, recA.emitComplete))
	require.NoError(t, b.AddRequest(testRequest("b", "pb", 5), recB.emitToken, recB.emitComplete))

	require.True(t, recA.waitComplete(5*time.Second))
	require.True(t, recB.waitComplete(5*time.Second))

	// THEN both members fail with the backend error, and the loop survives
	assert.Equal(t, FinishError, recA.completions()[0].FinishReason)
	assert.Contains(t, recA.completions()[0].Error, "command buffer fault")
	assert.Equal(t, FinishError, recB.completions()[0].FinishReason)

	// AND a later healthy request (after clearing the fault) completes
	backend.forwardErr = nil
	recC := newEventRecorder()
	require.NoError(t, b.AddRequest(testRequest("c", "pc", 2), recC.emitToken, recC.emitComplete))
	require.True(t, recC.waitComplete(5*time.Second))
	assert.Equal(t, FinishLength, recC.completions()[0].FinishReason)
}

func TestContinuousBatcher_CallbackPanicIsSwallowed(t *testing.T) {
	// GIVEN token callbacks that panic
	b := startTestBatcher(t, newFakeBackend())
	rec := newEventRecorder()
	explosive := func(string, int, string) { panic("consumer bug") }

	req := testRequest("boom", "prompt", 2)
	require.NoError(t, b.AddRequest(req, explosive, rec.emitComplete))

	// THEN the loop survives and still delivers the terminal event
	require.True(t, rec.waitComplete(5*time.Second))
	assert.Equal(t, FinishLength, rec.completions()[0].FinishReason)
}

func TestContinuousBatcher_StopEmitsShutdownForPending(t *testing.T) {
	// GIVEN a running batcher with work stacked behind a slow forward pass
	b := NewContinuousBatcher(newFakeHandle("model-A"), testBatcherConfig(), nil)
	b.Start()

	// Hold the loop busy with a long forward so pendings stack up.
	backend := b.handle.Backend.(*fakeBackend)
	backend.forwardDelay = 50 * time.Millisecond

	recs := make([]*eventRecorder, 3)
	for i := range recs {
		recs[i] = newEventRecorder()
		req := testRequest(fmt.Sprintf("s%d", i), "prompt", 1_000)
		require.NoError(t, b.AddRequest(req, recs[i].emitToken, recs[i].emitComplete))
	}

	// WHEN stopping
	b.Stop()

	// THEN every admitted request still received exactly one terminal event
	var reasons []FinishReason
	for i, rec := range recs {
		require.True(t, rec.waitComplete(2*time.Second), "request %d lost its terminal event", i)
		completions := rec.completions()
		require.Len(t, completions, 1)
		reasons = append(reasons, completions[0].FinishReason)
	}
	for _, reason := range reasons {
		assert.Contains(t, []FinishReason{FinishShutdown, FinishLength, FinishTimeout}, reason)
	}
}

func TestContinuousBatcher_StopThenStartYieldsCleanState(t *testing.T) {
	// GIVEN a batcher that processed work and stopped
	b := NewContinuousBatcher(newFakeHandle("model-A"), testBatcherConfig(), nil)
	b.Start()
	rec := newEventRecorder()
	require.NoError(t, b.AddRequest(testRequest("r", "p", 2), rec.emitToken, rec.emitComplete))
	require.True(t, rec.waitComplete(5*time.Second))
	b.Stop()

	// WHEN starting again
	b.Start()
	defer b.Stop()

	// THEN the stats snapshot shows an empty, running batcher
	stats := b.Stats()
	assert.Equal(t, true, stats["running"])
	assert.Equal(t, 0, stats["active_batch_size"])
	assert.Equal(t, 0, stats["pending_queue_size"])
}

func TestContinuousBatcher_HealthCheck(t *testing.T) {
	// Not running: unhealthy.
	b := NewContinuousBatcher(newFakeHandle("model-A"), testBatcherConfig(), nil)
	health := b.HealthCheck()
	assert.Equal(t, false, health["healthy"])

	// Running and idle: healthy.
	b.Start()
	defer b.Stop()
	health = b.HealthCheck()
	assert.Equal(t, true, health["healthy"])
}

func TestContinuousBatcher_PromptCachedAfterCompletion(t *testing.T) {
	// GIVEN a completed generation
	b := startTestBatcher(t, newFakeBackend())
	rec := newEventRecorder()
	require.NoError(t, b.AddRequest(testRequest("r", "cache me", 2), rec.emitToken, rec.emitComplete))
	require.True(t, rec.waitComplete(5*time.Second))

	// THEN the prompt landed in the prompt cache for future admissions
	assert.True(t, b.promptCache.Contains("cache me"))
}

func TestContinuousBatcher_StartIsIdempotent(t *testing.T) {
	b := startTestBatcher(t, newFakeBackend())
	b.Start() // second call must not spawn a second loop
	rec := newEventRecorder()
	require.NoError(t, b.AddRequest(testRequest("r", "p", 2), rec.emitToken, rec.emitComplete))
	require.True(t, rec.waitComplete(5*time.Second))
	assert.Len(t, rec.completions(), 1)
}

func TestContinuousBatcher_ConcurrentAdmissionsSurvive(t *testing.T) {
	// GIVEN concurrent producers admitting against a running loop
	b := startTestBatcher(t, newFakeBackend())

	const n = 20
	var wg sync.WaitGroup
	recorders := make([]*eventRecorder, n)
	for i := 0; i < n; i++ {
		recorders[i] = newEventRecorder()
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := testRequest(fmt.Sprintf("c%d", i), "prompt", 2)
			_ = b.AddRequest(req, recorders[i].emitToken, recorders[i].emitComplete)
		}(i)
	}
	wg.Wait()

	for i, rec := range recorders {
		require.True(t, rec.waitComplete(5*time.Second), "request %d never completed", i)
	}
}
