package serve

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriorityQueue_OrderingProperty(t *testing.T) {
	// GIVEN a random multiset of (priority, timestamp) puts
	q := NewPriorityQueue[int](0)
	rng := rand.New(rand.NewSource(42))
	base := time.Now()
	n := 500
	for i := 0; i < n; i++ {
		priority := rng.Intn(5)
		at := base.Add(time.Duration(i) * time.Microsecond)
		require.NoError(t, q.Put(priority, at, i))
	}

	// WHEN draining the queue
	// THEN priorities are non-decreasing and, within one priority, values
	// (which encode enqueue order) are strictly increasing.
	drained := 0
	lastPriority := -1
	lastValueByPriority := map[int]int{}
	for q.Len() > 0 {
		p, ok := q.PeekPriority()
		require.True(t, ok)
		v, err := q.TryGet()
		require.NoError(t, err)

		assert.GreaterOrEqual(t, p, lastPriority, "priority order violated")
		if last, seen := lastValueByPriority[p]; seen {
			assert.Greater(t, v, last, "FIFO order violated within priority %d", p)
		}
		lastValueByPriority[p] = v
		lastPriority = p
		drained++
	}
	assert.Equal(t, n, drained)
}

func TestPriorityQueue_FIFOWithinPriority(t *testing.T) {
	// GIVEN several items at the same priority with increasing timestamps
	q := NewPriorityQueue[string](0)
	base := time.Now()
	for i, v := range []string{"a", "b", "c", "d"} {
		require.NoError(t, q.Put(1, base.Add(time.Duration(i)*time.Millisecond), v))
	}

	// WHEN dequeuing
	var got []string
	for q.Len() > 0 {
		v, err := q.TryGet()
		require.NoError(t, err)
		got = append(got, v)
	}

	// THEN the enqueue order is preserved
	assert.Equal(t, []string{"a", "b", "c", "d"}, got)
}

func TestPriorityQueue_LowerValueDequeuesFirst(t *testing.T) {
	q := NewPriorityQueue[string](0)
	now := time.Now()
	require.NoError(t, q.Put(2, now, "normal"))
	require.NoError(t, q.Put(0, now.Add(time.Second), "urgent"))

	v, err := q.TryGet()
	require.NoError(t, err)
	assert.Equal(t, "urgent", v)
}

func TestPriorityQueue_TryGetEmpty(t *testing.T) {
	// GIVEN an empty queue
	q := NewPriorityQueue[int](0)

	// WHEN TryGet is called
	_, err := q.TryGet()

	// THEN it fails with ErrQueueEmpty rather than blocking or panicking
	assert.ErrorIs(t, err, ErrQueueEmpty)
}

func TestPriorityQueue_GetBlocksUntilPut(t *testing.T) {
	q := NewPriorityQueue[int](0)
	got := make(chan int, 1)
	go func() {
		v, err := q.Get()
		if err == nil {
			got <- v
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Put(1, time.Now(), 99))

	select {
	case v := <-got:
		assert.Equal(t, 99, v)
	case <-time.After(time.Second):
		t.Fatal("Get did not wake after Put")
	}
}

func TestPriorityQueue_GetTimeoutExpires(t *testing.T) {
	q := NewPriorityQueue[int](0)
	start := time.Now()
	_, err := q.GetTimeout(30 * time.Millisecond)
	assert.ErrorIs(t, err, ErrQueueEmpty)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestPriorityQueue_PutBlocksWhenFull(t *testing.T) {
	// GIVEN a queue of capacity 1 that is full
	q := NewPriorityQueue[int](1)
	require.NoError(t, q.Put(1, time.Now(), 1))

	unblocked := make(chan error, 1)
	go func() {
		unblocked <- q.Put(1, time.Now(), 2)
	}()

	// THEN the second Put blocks until a Get frees a slot
	select {
	case <-unblocked:
		t.Fatal("Put did not block on a full queue")
	case <-time.After(30 * time.Millisecond):
	}

	_, err := q.Get()
	require.NoError(t, err)
	select {
	case err := <-unblocked:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Put did not wake after Get")
	}
}

func TestPriorityQueue_CloseWakesBlockedCallers(t *testing.T) {
	q := NewPriorityQueue[int](0)
	errs := make(chan error, 1)
	go func() {
		_, err := q.Get()
		errs <- err
	}()
	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrQueueClosed)
	case <-time.After(time.Second):
		t.Fatal("Get did not wake on Close")
	}
}

func TestPriorityQueue_ConcurrentProducersConsumers(t *testing.T) {
	// GIVEN many producers and consumers hammering one queue
	q := NewPriorityQueue[int](0)
	const producers, perProducer = 8, 100

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(seed int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(seed)))
			for i := 0; i < perProducer; i++ {
				_ = q.Put(rng.Intn(3), time.Now(), i)
			}
		}(p)
	}

	var consumed sync.WaitGroup
	var count int64
	var countMu sync.Mutex
	for c := 0; c < 4; c++ {
		consumed.Add(1)
		go func() {
			defer consumed.Done()
			for {
				_, err := q.GetTimeout(200 * time.Millisecond)
				if err != nil {
					return
				}
				countMu.Lock()
				count++
				countMu.Unlock()
			}
		}()
	}

	wg.Wait()
	consumed.Wait()

	// THEN every item was consumed exactly once
	assert.Equal(t, int64(producers*perProducer), count)
}

func TestPriorityQueue_MetricsAndClear(t *testing.T) {
	q := NewPriorityQueue[int](4)
	require.NoError(t, q.Put(0, time.Now(), 1))
	require.NoError(t, q.Put(2, time.Now(), 2))

	metrics := q.Metrics()
	assert.Equal(t, 2, metrics["current_size"])
	assert.Equal(t, int64(2), metrics["total_enqueued"])

	q.Clear()
	assert.Equal(t, 0, q.Len())
	_, ok := q.PeekPriority()
	assert.False(t, ok)
}
