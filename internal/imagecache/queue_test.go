package imagecache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// orderedRun records the order in which items start and blocks each one on
// a gate so the test controls when slots free up.
type orderedRun struct {
	mu      sync.Mutex
	started []string
	gate    chan struct{}
}

func (r *orderedRun) run(_ context.Context, it *queueItem) (string, error) {
	r.mu.Lock()
	r.started = append(r.started, it.url)
	r.mu.Unlock()
	<-r.gate
	return it.url, nil
}

func (r *orderedRun) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.started))
	copy(out, r.started)
	return out
}

func (r *orderedRun) waitStarted(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(r.snapshot()) >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("only %d of %d items started", len(r.snapshot()), n)
}

func TestQueueConcurrencyCap(t *testing.T) {
	r := &orderedRun{gate: make(chan struct{})}
	q := newDownloadQueue(2, 0, r.run)

	ctx := context.Background()
	for _, url := range []string{"a", "b", "c", "d"} {
		q.enqueue(ctx, "owner", url, CacheKey(url), PriorityBackground)
	}

	r.waitStarted(t, 2)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, r.snapshot(), 2, "no more than maxActive downloads may run")

	close(r.gate)
	r.waitStarted(t, 4)
}

func TestQueuePriorityAtDequeue(t *testing.T) {
	r := &orderedRun{gate: make(chan struct{}, 16)}
	q := newDownloadQueue(1, 0, r.run)

	ctx := context.Background()
	// First item occupies the only slot; the rest pile up waiting.
	q.enqueue(ctx, "owner", "first", CacheKey("first"), PriorityBackground)
	r.waitStarted(t, 1)

	q.enqueue(ctx, "owner", "bg1", CacheKey("bg1"), PriorityBackground)
	q.enqueue(ctx, "owner", "bg2", CacheKey("bg2"), PriorityBackground)
	// A visible item enqueued last must still jump every waiting
	// background item once a slot frees.
	visDone := q.enqueue(ctx, "owner", "vis", CacheKey("vis"), PriorityVisible)

	for i := 0; i < 4; i++ {
		r.gate <- struct{}{}
	}

	select {
	case res := <-visDone:
		require.NoError(t, res.err)
	case <-time.After(2 * time.Second):
		t.Fatal("visible download never finished")
	}

	r.waitStarted(t, 4)
	assert.Equal(t, []string{"first", "vis", "bg1", "bg2"}, r.snapshot())
}

func TestQueueFIFOWithinPriority(t *testing.T) {
	r := &orderedRun{gate: make(chan struct{}, 16)}
	q := newDownloadQueue(1, 0, r.run)

	ctx := context.Background()
	q.enqueue(ctx, "owner", "hold", CacheKey("hold"), PriorityVisible)
	r.waitStarted(t, 1)

	urls := []string{"b1", "b2", "b3"}
	for _, u := range urls {
		q.enqueue(ctx, "owner", u, CacheKey(u), PriorityBackground)
	}
	for i := 0; i < 4; i++ {
		r.gate <- struct{}{}
	}

	r.waitStarted(t, 4)
	assert.Equal(t, []string{"hold", "b1", "b2", "b3"}, r.snapshot())
}

func TestQueueWaitingItemKeepsOwnContext(t *testing.T) {
	type runRecord struct {
		url string
		err error
	}
	var mu sync.Mutex
	var runs []runRecord
	gate := make(chan struct{})

	run := func(ctx context.Context, it *queueItem) (string, error) {
		mu.Lock()
		runs = append(runs, runRecord{url: it.url, err: ctx.Err()})
		mu.Unlock()
		if it.url == "holder" {
			<-gate
		}
		return it.url, nil
	}
	q := newDownloadQueue(1, 0, run)

	// The holder occupies the only slot under a context that will be
	// canceled before the slot frees.
	holderCtx, cancelHolder := context.WithCancel(context.Background())
	q.enqueue(holderCtx, "owner", "holder", CacheKey("holder"), PriorityVisible)

	waiterDone := q.enqueue(context.Background(), "owner", "waiter", CacheKey("waiter"), PriorityVisible)

	cancelHolder()
	close(gate)

	select {
	case res := <-waiterDone:
		require.NoError(t, res.err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiting download never finished")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, runs, 2)
	assert.Equal(t, "waiter", runs[1].url)
	assert.NoError(t, runs[1].err, "a waiting item must run under its own live context, not the canceled context that freed the slot")
}

func TestQueueDepthCallback(t *testing.T) {
	r := &orderedRun{gate: make(chan struct{}, 16)}
	q := newDownloadQueue(1, 0, r.run)

	var mu sync.Mutex
	var depths []int
	q.onDepth = func(d int) {
		mu.Lock()
		depths = append(depths, d)
		mu.Unlock()
	}

	ctx := context.Background()
	q.enqueue(ctx, "owner", "x", CacheKey("x"), PriorityVisible)
	q.enqueue(ctx, "owner", "y", CacheKey("y"), PriorityVisible)
	r.gate <- struct{}{}
	r.gate <- struct{}{}
	r.waitStarted(t, 2)

	mu.Lock()
	defer mu.Unlock()
	assert.NotEmpty(t, depths)
	assert.Contains(t, depths, 1, "second item must have been observed waiting")
}
