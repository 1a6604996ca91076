// Package queue orders pending jobs for dispatch. It holds lightweight
// references only; job bodies live in the store.
package queue

import (
	"container/list"
	"sync"
	"time"

	"github.com/mwhitton/conveyor/internal/job"
)

// Ref identifies one pending job in the queue.
type Ref struct {
	ID        string
	Priority  job.Priority
	CreatedAt time.Time
}

// PriorityQueue keeps one FIFO per priority class. Within a class, entries
// are ordered by CreatedAt ascending, so a retried job re-enters ahead of
// anything enqueued after it.
type PriorityQueue struct {
	mu    sync.Mutex
	lists map[job.Priority]*list.List
	index map[string]*list.Element
}

// dispatch order across classes
var priorities = []job.Priority{job.PriorityHigh, job.PriorityNormal, job.PriorityLow}

// New creates an empty priority queue.
func New() *PriorityQueue {
	q := &PriorityQueue{
		lists: make(map[job.Priority]*list.List, len(priorities)),
		index: make(map[string]*list.Element),
	}
	for _, p := range priorities {
		q.lists[p] = list.New()
	}
	return q
}

// Push inserts a reference into its priority class, positioned by CreatedAt.
// New jobs carry the latest timestamp and land at the back in O(1); retried
// jobs walk forward from the back to their slot.
func (q *PriorityQueue) Push(ref Ref) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, dup := q.index[ref.ID]; dup {
		return
	}

	l := q.listFor(ref.Priority)
	for el := l.Back(); el != nil; el = el.Prev() {
		if !el.Value.(Ref).CreatedAt.After(ref.CreatedAt) {
			q.index[ref.ID] = l.InsertAfter(ref, el)
			return
		}
	}
	q.index[ref.ID] = l.PushFront(ref)
}

// PopFront removes and returns the highest-priority, oldest reference.
// The second return is false when the queue is empty.
func (q *PriorityQueue) PopFront() (Ref, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, p := range priorities {
		l := q.lists[p]
		if el := l.Front(); el != nil {
			ref := el.Value.(Ref)
			l.Remove(el)
			delete(q.index, ref.ID)
			return ref, true
		}
	}
	return Ref{}, false
}

// Remove deletes the reference with the given id, if present. Used when a
// pending job is cancelled.
func (q *PriorityQueue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	el, ok := q.index[id]
	if !ok {
		return false
	}
	ref := el.Value.(Ref)
	q.listFor(ref.Priority).Remove(el)
	delete(q.index, id)
	return true
}

// Contains reports whether the id is currently queued.
func (q *PriorityQueue) Contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.index[id]
	return ok
}

// Len returns the total number of queued references.
func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.index)
}

// LenByPriority returns the queue depth of one priority class.
func (q *PriorityQueue) LenByPriority(p job.Priority) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.listFor(p).Len()
}

// Drain empties the queue and returns the removed references.
func (q *PriorityQueue) Drain() []Ref {
	q.mu.Lock()
	defer q.mu.Unlock()

	refs := make([]Ref, 0, len(q.index))
	for _, p := range priorities {
		l := q.lists[p]
		for el := l.Front(); el != nil; el = el.Next() {
			refs = append(refs, el.Value.(Ref))
		}
		l.Init()
	}
	q.index = make(map[string]*list.Element)
	return refs
}

func (q *PriorityQueue) listFor(p job.Priority) *list.List {
	if l, ok := q.lists[p]; ok {
		return l
	}
	return q.lists[job.PriorityNormal]
}
