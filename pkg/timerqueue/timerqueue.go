// Package timerqueue provides a low-resolution, heap-ordered timer queue.
//
// The aperture load balancer's jitter loop depends on a process-wide,
// shared timer source rather than spawning a goroutine per scheduled fire;
// this package models that as an injectable collaborator so callers (and
// tests) can own the queue's lifecycle explicitly instead of reaching for a
// global singleton.
package timerqueue

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"
)

// Handle is returned by Schedule and can cancel a pending firing. Canceling
// after the timer has already fired is a no-op.
type Handle interface {
	Cancel()
}

// Queue is a single-goroutine, min-heap-ordered timer queue.
type Queue struct {
	nowFn func() time.Time

	mu    sync.Mutex
	items timerHeap

	wake chan struct{}
	stop chan struct{}
	once sync.Once
}

// New starts a Queue backed by time.Now and returns it. Close releases its
// background goroutine.
func New() *Queue {
	return NewWithSource(time.Now)
}

// NewWithSource starts a Queue backed by the given clock, for deterministic
// tests.
func NewWithSource(nowFn func() time.Time) *Queue {
	q := &Queue{
		nowFn: nowFn,
		wake:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
	}
	go q.run()
	return q
}

// Now returns the queue's current notion of time.
func (q *Queue) Now() time.Time {
	return q.nowFn()
}

// Schedule arranges for fn to run (on the queue's background goroutine) at
// or after the given time. fn must not block for long; it is expected to
// hand off any real work to its own goroutine.
func (q *Queue) Schedule(at time.Time, fn func()) Handle {
	item := &timerItem{at: at, fn: fn}

	q.mu.Lock()
	heap.Push(&q.items, item)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return item
}

// Close stops the queue's background goroutine. Pending, unfired items are
// discarded.
func (q *Queue) Close() {
	q.once.Do(func() { close(q.stop) })
}

func (q *Queue) run() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		q.mu.Lock()
		wait := time.Hour
		if len(q.items) > 0 {
			if d := q.items[0].at.Sub(q.nowFn()); d > 0 {
				wait = d
			} else {
				wait = 0
			}
		}
		q.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-q.stop:
			return
		case <-q.wake:
			continue
		case <-timer.C:
			q.fireDue()
		}
	}
}

func (q *Queue) fireDue() {
	now := q.nowFn()
	for {
		q.mu.Lock()
		if len(q.items) == 0 || q.items[0].at.After(now) {
			q.mu.Unlock()
			return
		}
		item := heap.Pop(&q.items).(*timerItem)
		q.mu.Unlock()

		if !item.canceled.Load() {
			item.fn()
		}
	}
}

type timerItem struct {
	at       time.Time
	fn       func()
	index    int
	canceled atomic.Bool
}

func (t *timerItem) Cancel() {
	t.canceled.Store(true)
}

type timerHeap []*timerItem

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x interface{}) {
	item := x.(*timerItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}
