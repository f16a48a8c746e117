package imagecache

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Download priorities. Priority-0 items belong to images currently on
// screen and are always served before background prefetches.
const (
	PriorityVisible    = 0
	PriorityBackground = 1
)

type queueItem struct {
	ctx      context.Context // the enqueuing caller's context
	ownerID  string
	url      string
	key      string
	priority int
	done     chan queueResult
}

type queueResult struct {
	path string
	err  error
}

// downloadQueue caps in-flight downloads and serves waiting items in
// priority order. Ordering is enforced at dequeue time with a snapshot
// sort, so a high-priority item enqueued late still waits for a slot but
// jumps every waiting low-priority item.
type downloadQueue struct {
	mu        sync.Mutex
	waiting   []*queueItem
	active    int
	maxActive int

	pacer *rate.Limiter // spaces starts while other downloads are active

	run func(ctx context.Context, it *queueItem) (string, error)

	onDepth func(int)
}

func newDownloadQueue(maxActive int, spacing time.Duration, run func(context.Context, *queueItem) (string, error)) *downloadQueue {
	q := &downloadQueue{
		maxActive: maxActive,
		run:       run,
	}
	if spacing > 0 {
		q.pacer = rate.NewLimiter(rate.Every(spacing), 1)
	}
	return q
}

// enqueue adds an item and immediately tries to dispatch. The returned
// channel receives exactly one result.
func (q *downloadQueue) enqueue(ctx context.Context, ownerID, url, key string, priority int) <-chan queueResult {
	it := &queueItem{
		ctx:      ctx,
		ownerID:  ownerID,
		url:      url,
		key:      key,
		priority: priority,
		done:     make(chan queueResult, 1),
	}

	q.mu.Lock()
	q.waiting = append(q.waiting, it)
	q.notifyDepth()
	q.dispatchLocked()
	q.mu.Unlock()

	return it.done
}

// dispatchLocked fills free slots with the highest-priority waiting items.
// Each item runs under the context it was enqueued with, not the context
// that happened to free the slot. Caller holds q.mu.
func (q *downloadQueue) dispatchLocked() {
	for q.active < q.maxActive && len(q.waiting) > 0 {
		sort.SliceStable(q.waiting, func(i, j int) bool {
			return q.waiting[i].priority < q.waiting[j].priority
		})
		it := q.waiting[0]
		q.waiting = q.waiting[1:]
		q.notifyDepth()

		additional := q.active > 0
		q.active++

		go q.work(it, additional)
	}
}

func (q *downloadQueue) work(it *queueItem, additional bool) {
	if additional && q.pacer != nil {
		_ = q.pacer.Wait(it.ctx)
	}

	path, err := q.run(it.ctx, it)
	it.done <- queueResult{path: path, err: err}

	q.mu.Lock()
	q.active--
	q.dispatchLocked()
	q.mu.Unlock()
}

func (q *downloadQueue) notifyDepth() {
	if q.onDepth != nil {
		q.onDepth(len(q.waiting))
	}
}
