// Request is the unit of generation work flowing from the RPC edge through the
// continuous batcher. A request is owned by exactly one batcher once admitted;
// callbacks live in the batcher's map keyed by RequestID, never on the request.

package serve

import (
	"sync/atomic"
	"time"
)

// FinishReason records why a request stopped producing tokens.
type FinishReason string

const (
	FinishEOS       FinishReason = "eos"
	FinishLength    FinishReason = "length"
	FinishStop      FinishReason = "stop"
	FinishTimeout   FinishReason = "timeout"
	FinishCancelled FinishReason = "cancelled"
	FinishError     FinishReason = "error"
	FinishShutdown  FinishReason = "shutdown"
)

// Request is one generation unit.
//
// Invariants: len(GeneratedTokens) never exceeds MaxTokens; once IsFinished is
// set no more tokens are appended; StreamID is unique across currently-active
// streams (enforced by the runtime at admission).
type Request struct {
	RequestID string
	StreamID  string
	ModelID   string

	Prompt          string
	PromptTokens    []int
	GeneratedTokens []int
	GeneratedText   string

	MaxTokens   int
	Temperature float64
	TopP        float64
	Seed        int64
	HasSeed     bool

	StopSequences []string
	StopTokenIDs  []int

	// TimeoutMs of zero means no deadline.
	TimeoutMs int64

	Priority Priority

	IsFinished   bool
	FinishReason FinishReason
	ErrMessage   string

	StartedAt    time.Time
	FirstTokenAt time.Time

	// cancelled is flipped by CancelRequest from outside the batch loop;
	// the loop observes it at the start of each step.
	cancelled atomic.Bool
}

// MarkCancelled flags the request for cancellation at the next batch step.
func (r *Request) MarkCancelled() { r.cancelled.Store(true) }

// Cancelled reports whether cancellation was requested.
func (r *Request) Cancelled() bool { return r.cancelled.Load() }

// finish seals the request. Subsequent calls are no-ops so a request carries
// exactly one terminal reason.
func (r *Request) finish(reason FinishReason) {
	if r.IsFinished {
		return
	}
	r.IsFinished = true
	r.FinishReason = reason
}

// Priority orders admission: lower value means higher priority.
type Priority int

const (
	PriorityCritical   Priority = 0
	PriorityHigh       Priority = 1
	PriorityNormal     Priority = 2
	PriorityLow        Priority = 3
	PriorityBackground Priority = 4
)

// String names the priority level for metrics and logs.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityNormal:
		return "NORMAL"
	case PriorityLow:
		return "LOW"
	case PriorityBackground:
		return "BACKGROUND"
	default:
		return "UNKNOWN"
	}
}
