package serve

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// fakeTokenizer maps every input byte to a fixed token id so prompt lengths
// are predictable in tests. Token ids 1 and 2 are reserved for BOS/EOS.
type fakeTokenizer struct {
	encodeErr error
	decodeErr error
}

const (
	fakeVocabSize    = 16
	fakeBOSToken     = 1
	fakeEOSToken     = 2
	fakePromptToken  = 5
	fakeDefaultToken = 7
)

func (t *fakeTokenizer) Encode(text string, _ bool) ([]int, error) {
	if t.encodeErr != nil {
		return nil, t.encodeErr
	}
	tokens := make([]int, len(text))
	for i := range tokens {
		tokens[i] = fakePromptToken
	}
	return tokens, nil
}

func (t *fakeTokenizer) Decode(tokens []int) (string, error) {
	if t.decodeErr != nil {
		return "", t.decodeErr
	}
	out := ""
	for _, tok := range tokens {
		out += fmt.Sprintf("<%d>", tok)
	}
	return out, nil
}

func (t *fakeTokenizer) TokenStrings(tokens []int) ([]string, error) {
	out := make([]string, len(tokens))
	for i, tok := range tokens {
		out[i] = fmt.Sprintf("<%d>", tok)
	}
	return out, nil
}

func (t *fakeTokenizer) VocabSize() int  { return fakeVocabSize }
func (t *fakeTokenizer) BOSTokenID() int { return fakeBOSToken }
func (t *fakeTokenizer) EOSTokenID() int { return fakeEOSToken }

// fakeBackend emits deterministic argmax logits: fakeDefaultToken everywhere,
// switching to EOS once a row's real length reaches eosAtLen. It also tracks
// concurrent Forward calls so tests can assert single-flight serialization.
type fakeBackend struct {
	eosAtLen     int // emit EOS when a sequence's unpadded length reaches this; 0 = never
	forwardErr   error
	forwardDelay time.Duration

	inFlight     atomic.Int32
	maxInFlight  atomic.Int32
	forwardCalls atomic.Int64
	syncCalls    atomic.Int64
	closed       atomic.Bool
	memStats     MemoryStats
	memStatsOK   bool
	memStatsMu   sync.Mutex
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{}
}

func (b *fakeBackend) setMemStats(stats MemoryStats, ok bool) {
	b.memStatsMu.Lock()
	b.memStats = stats
	b.memStatsOK = ok
	b.memStatsMu.Unlock()
}

func (b *fakeBackend) Forward(_ context.Context, tokens [][]int, mask [][]int) ([][][]float32, error) {
	current := b.inFlight.Add(1)
	defer b.inFlight.Add(-1)
	for {
		observed := b.maxInFlight.Load()
		if current <= observed || b.maxInFlight.CompareAndSwap(observed, current) {
			break
		}
	}
	b.forwardCalls.Add(1)

	if b.forwardDelay > 0 {
		time.Sleep(b.forwardDelay)
	}
	if b.forwardErr != nil {
		return nil, b.forwardErr
	}

	logits := make([][][]float32, len(tokens))
	for i, row := range tokens {
		realLen := len(row)
		if i < len(mask) {
			realLen = 0
			for _, m := range mask[i] {
				if m == 1 {
					realLen++
				}
			}
		}
		next := fakeDefaultToken
		if b.eosAtLen > 0 && realLen >= b.eosAtLen {
			next = fakeEOSToken
		}
		positions := make([][]float32, len(row))
		for p := range positions {
			vocabRow := make([]float32, fakeVocabSize)
			vocabRow[next] = 10.0
			positions[p] = vocabRow
		}
		logits[i] = positions
	}
	return logits, nil
}

func (b *fakeBackend) Synchronize() error {
	b.syncCalls.Add(1)
	return nil
}

func (b *fakeBackend) MemoryStats() (MemoryStats, bool) {
	b.memStatsMu.Lock()
	defer b.memStatsMu.Unlock()
	return b.memStats, b.memStatsOK
}

func (b *fakeBackend) Close() error {
	b.closed.Store(true)
	return nil
}

func newFakeHandle(modelID string) *ModelHandle {
	return newFakeHandleWith(modelID, newFakeBackend())
}

func newFakeHandleWith(modelID string, backend *fakeBackend) *ModelHandle {
	return NewModelHandle(modelID, backend, &fakeTokenizer{}, ModelMetadata{
		ParameterCount: 1_000_000,
		Dtype:          "float16",
		ContextLength:  4096,
		Architecture:   "llama",
		LoadedAt:       time.Now(),
	})
}

// fakeLoader hands out fake handles and remembers unloads.
type fakeLoader struct {
	mu       sync.Mutex
	backends map[string]*fakeBackend
	unloaded []string
	loadErr  error
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{backends: make(map[string]*fakeBackend)}
}

func (l *fakeLoader) backendFor(modelID string) *fakeBackend {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.backends[modelID]; ok {
		return b
	}
	b := newFakeBackend()
	l.backends[modelID] = b
	return b
}

func (l *fakeLoader) Load(modelID string, _ *LoadModelParams) (*ModelHandle, error) {
	if l.loadErr != nil {
		return nil, l.loadErr
	}
	return newFakeHandleWith(modelID, l.backendFor(modelID)), nil
}

func (l *fakeLoader) LoadVision(modelID string, params *LoadModelParams) (*ModelHandle, error) {
	handle, err := l.Load(modelID, params)
	if err != nil {
		return nil, err
	}
	handle.Metadata.IsVision = true
	return handle, nil
}

func (l *fakeLoader) Unload(handle *ModelHandle) error {
	l.mu.Lock()
	l.unloaded = append(l.unloaded, handle.ModelID)
	l.mu.Unlock()
	return handle.Backend.Close()
}

// eventRecorder collects stream callbacks for assertions.
type eventRecorder struct {
	mu        sync.Mutex
	tokens    []int
	texts     []string
	completed []CompletionStats
	done      chan struct{}
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{done: make(chan struct{}, 1)}
}

func (r *eventRecorder) emitToken(_ string, tokenID int, text string) {
	r.mu.Lock()
	r.tokens = append(r.tokens, tokenID)
	r.texts = append(r.texts, text)
	r.mu.Unlock()
}

func (r *eventRecorder) emitComplete(_ string, stats CompletionStats) {
	r.mu.Lock()
	r.completed = append(r.completed, stats)
	r.mu.Unlock()
	select {
	case r.done <- struct{}{}:
	default:
	}
}

func (r *eventRecorder) waitComplete(timeout time.Duration) bool {
	select {
	case <-r.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (r *eventRecorder) tokenCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tokens)
}

func (r *eventRecorder) completions() []CompletionStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]CompletionStats, len(r.completed))
	copy(out, r.completed)
	return out
}

func testRequest(id, prompt string, maxTokens int) *Request {
	tokens, _ := (&fakeTokenizer{}).Encode(prompt, true)
	return &Request{
		RequestID:    id,
		StreamID:     "stream-" + id,
		ModelID:      "model-A",
		Prompt:       prompt,
		PromptTokens: tokens,
		MaxTokens:    maxTokens,
		Temperature:  0,
		TopP:         1.0,
		StartedAt:    time.Now(),
	}
}
