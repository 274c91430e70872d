package forwarder

import (
	"context"
	"sync"
	"time"

	"relaybot/internal/extract"
)

type entry struct {
	cand     extract.Candidate
	queuedAt time.Time
}

// fifo is a FIFO queue with an optional size bound. A zero max means
// unbounded. put never blocks; take blocks until an entry arrives or the
// context is cancelled.
type fifo struct {
	mu    sync.Mutex
	items []entry
	max   int

	// signal carries at most one pending wakeup; take re-checks the
	// queue after every receive, so a single token is enough.
	signal chan struct{}
}

func newFifo(max int) *fifo {
	if max < 0 {
		max = 0
	}
	return &fifo{max: max, signal: make(chan struct{}, 1)}
}

func (q *fifo) put(e entry) error {
	q.mu.Lock()
	if q.max > 0 && len(q.items) >= q.max {
		q.mu.Unlock()
		return ErrQueueFull
	}
	q.items = append(q.items, e)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

func (q *fifo) take(ctx context.Context) (entry, bool) {
	for {
		// Cancellation wins over a non-empty queue: after shutdown the
		// worker must not drain (and claim) entries that were still
		// queued when the signal arrived.
		if ctx.Err() != nil {
			return entry{}, false
		}

		q.mu.Lock()
		if len(q.items) > 0 {
			e := q.items[0]
			q.items[0] = entry{}
			q.items = q.items[1:]
			if len(q.items) == 0 {
				q.items = nil
			}
			q.mu.Unlock()
			return e, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return entry{}, false
		case <-q.signal:
		}
	}
}

func (q *fifo) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
