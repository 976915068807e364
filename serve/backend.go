// Capability interfaces for the tensor library and tokenizer. The runtime
// never touches accelerator APIs directly; everything flows through these
// interfaces so the core stays testable against scripted backends.

package serve

import (
	"context"
	"sync"
	"time"
)

// ModelBackend is the capability set the core consumes from the tensor
// library. Forward runs one pass over a [batch, seq] token matrix with an
// attention mask (1 for real tokens, 0 for padding) and returns
// [batch, seq, vocab] logits.
//
// Synchronize flushes all outstanding accelerator work; it MUST be called
// after every generation step. Skipping it leaves command buffers in flight
// and crashes the accelerator under concurrent submission.
//
// MemoryStats reports accelerator memory usage; ok is false when the backend
// cannot report, in which case callers fall back to a neutral utilization.
type ModelBackend interface {
	Forward(ctx context.Context, tokens [][]int, mask [][]int) ([][][]float32, error)
	Synchronize() error
	MemoryStats() (stats MemoryStats, ok bool)
	Close() error
}

// Tokenizer is the opaque text/token mapping owned by a ModelHandle.
type Tokenizer interface {
	Encode(text string, addSpecialTokens bool) ([]int, error)
	Decode(tokens []int) (string, error)
	TokenStrings(tokens []int) ([]string, error)
	VocabSize() int
	BOSTokenID() int
	// EOSTokenID returns -1 when the tokenizer has no EOS token.
	EOSTokenID() int
}

// ModelMetadata describes a loaded model.
type ModelMetadata struct {
	ParameterCount int64
	Dtype          string
	ContextLength  int
	Architecture   string
	IsVision       bool
	LoadedAt       time.Time
}

// ModelHandle represents a loaded model. It is exclusively owned by the
// runtime: created on load_model, destroyed on unload_model or shutdown.
// Backend and Tokenizer stay valid until the handle is unloaded; unload
// waits for all in-flight use to drain via the reference count.
type ModelHandle struct {
	ModelID   string
	Backend   ModelBackend
	Tokenizer Tokenizer
	Metadata  ModelMetadata

	mu    sync.Mutex
	drain *sync.Cond
	refs  int
}

// NewModelHandle wires up the drain condition for unload accounting.
func NewModelHandle(modelID string, backend ModelBackend, tokenizer Tokenizer, meta ModelMetadata) *ModelHandle {
	h := &ModelHandle{
		ModelID:   modelID,
		Backend:   backend,
		Tokenizer: tokenizer,
		Metadata:  meta,
	}
	h.drain = sync.NewCond(&h.mu)
	return h
}

// Acquire marks the handle in use by one more stream or batcher step.
func (h *ModelHandle) Acquire() {
	h.mu.Lock()
	h.refs++
	h.mu.Unlock()
}

// Release drops one in-flight reference, waking a pending unload at zero.
func (h *ModelHandle) Release() {
	h.mu.Lock()
	if h.refs > 0 {
		h.refs--
	}
	if h.refs == 0 {
		h.drain.Broadcast()
	}
	h.mu.Unlock()
}

// WaitDrained blocks until no in-flight use remains or the timeout elapses.
// Returns false when the timeout fired first.
func (h *ModelHandle) WaitDrained(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	h.mu.Lock()
	defer h.mu.Unlock()
	for h.refs > 0 {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		t := time.AfterFunc(remaining, h.drain.Broadcast)
		h.drain.Wait()
		t.Stop()
	}
	return true
}

// ModelLoader materializes handles from local model directories. The real
// implementation binds the tensor library; tests inject scripted backends.
type ModelLoader interface {
	Load(modelID string, params *LoadModelParams) (*ModelHandle, error)
	LoadVision(modelID string, params *LoadModelParams) (*ModelHandle, error)
	Unload(handle *ModelHandle) error
}
