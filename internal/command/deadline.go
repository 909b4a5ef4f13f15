package command

import (
	"container/heap"
	"sync"
	"time"
)

// idleWait is how long the watcher sleeps when nothing is scheduled. Any
// push that becomes the earliest deadline wakes it early.
const idleWait = time.Hour

type deadlineEntry struct {
	at time.Time
	id string
}

type deadlineHeap []deadlineEntry

func (h deadlineHeap) Len() int           { return len(h) }
func (h deadlineHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h deadlineHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *deadlineHeap) Push(x any)        { *h = append(*h, x.(deadlineEntry)) }
func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = deadlineEntry{}
	*h = old[:n-1]
	return e
}

// deadlineQueue is a min-heap of command deadlines shared by every command.
// Entries for commands resolved early stay until their deadline and are
// ignored when popped.
type deadlineQueue struct {
	mu   sync.Mutex
	h    deadlineHeap
	wake chan struct{}
}

func newDeadlineQueue() *deadlineQueue {
	return &deadlineQueue{wake: make(chan struct{}, 1)}
}

func (q *deadlineQueue) push(at time.Time, id string) {
	q.mu.Lock()
	heap.Push(&q.h, deadlineEntry{at: at, id: id})
	earliest := q.h[0].id == id
	q.mu.Unlock()

	if earliest {
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
}

func (q *deadlineQueue) peek() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return time.Time{}, false
	}
	return q.h[0].at, true
}

// popDue removes and returns every id whose deadline is not after now.
func (q *deadlineQueue) popDue(now time.Time) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var due []string
	for len(q.h) > 0 && !q.h[0].at.After(now) {
		due = append(due, heap.Pop(&q.h).(deadlineEntry).id)
	}
	return due
}

func (q *deadlineQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}
