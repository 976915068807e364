// Per-stream notification plumbing. Each active stream owns a bounded queue
// drained by one writer goroutine; the generation side enqueues with a fixed
// total wait budget and fails the stream when the consumer cannot keep up.

package serve

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// streamEventName tags the notification variants. Serialization is the only
// place the tag becomes a JSON-RPC method name.
type streamEventName int

const (
	streamChunk streamEventName = iota
	streamStats
	streamEvent
)

func (n streamEventName) method() string {
	switch n {
	case streamChunk:
		return "stream.chunk"
	case streamStats:
		return "stream.stats"
	default:
		return "stream.event"
	}
}

type notification struct {
	name   streamEventName
	params map[string]any
	// release recycles pooled payloads after the transport write completes.
	release func()
}

// notifyFunc writes one JSON-RPC notification to the transport.
type notifyFunc func(method string, params map[string]any)

// streamEmitter decouples token production from transport writes. The queue
// is bounded; send blocks up to the configured budget and then fails the
// stream rather than stalling the batch loop indefinitely.
type streamEmitter struct {
	streamID string
	queue    chan notification
	budget   time.Duration
	notify   notifyFunc

	failed    atomic.Bool
	closeOnce sync.Once
	drained   chan struct{}
}

// newStreamEmitter starts the writer goroutine for one stream.
func newStreamEmitter(streamID string, queueSize int, budget time.Duration, notify notifyFunc) *streamEmitter {
	e := &streamEmitter{
		streamID: streamID,
		queue:    make(chan notification, queueSize),
		budget:   budget,
		notify:   notify,
		drained:  make(chan struct{}),
	}
	go e.writeLoop()
	return e
}

func (e *streamEmitter) writeLoop() {
	for n := range e.queue {
		e.notify(n.name.method(), n.params)
		if n.release != nil {
			n.release()
		}
	}
	close(e.drained)
}

// send enqueues one notification. A full queue is given the wait budget to
// drain; beyond that the stream is marked failed and ErrStreamBackpressure is
// returned. A chunk already queued at this boundary may still be delivered —
// that is documented behavior.
func (e *streamEmitter) send(name streamEventName, params map[string]any) error {
	return e.sendPooled(name, params, nil)
}

// sendPooled is send with a post-write release hook for pooled payloads.
func (e *streamEmitter) sendPooled(name streamEventName, params map[string]any, release func()) error {
	if e.failed.Load() {
		if release != nil {
			release()
		}
		return ErrStreamBackpressure
	}
	n := notification{name: name, params: params, release: release}
	select {
	case e.queue <- n:
		return nil
	default:
	}
	select {
	case e.queue <- n:
		return nil
	case <-time.After(e.budget):
		if e.failed.CompareAndSwap(false, true) {
			logrus.Errorf("stream %s: consumer too slow, failing stream after %s wait", e.streamID, e.budget)
		}
		if release != nil {
			release()
		}
		return ErrStreamBackpressure
	}
}

// close stops accepting notifications and waits for the queue to drain so the
// terminal event is flushed before the stream is forgotten.
func (e *streamEmitter) close() {
	e.closeOnce.Do(func() {
		close(e.queue)
	})
	select {
	case <-e.drained:
	case <-time.After(5 * time.Second):
		logrus.Warnf("stream %s: writer did not drain within 5s", e.streamID)
	}
}
