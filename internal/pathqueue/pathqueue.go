// Package pathqueue implements a bounded-memory FIFO of path strings used
// for single-threaded breadth-first traversal of a directory tree.
//
// It is intentionally not safe for concurrent use: callers run a single BFS
// to completion on one goroutine before touching the queue again, mirroring
// how the event loop drives a targeted rescan (see watcher.Watcher's
// fallback walk).
package pathqueue

// Queue is a recursion-free FIFO of owned path strings. The zero value is
// ready to use.
type Queue struct {
	items []string
	head  int
}

// New returns an empty Queue with capacity pre-allocated for hint entries.
func New(hint int) *Queue {
	if hint < 0 {
		hint = 0
	}
	return &Queue{items: make([]string, 0, hint)}
}

// Enqueue appends p to the back of the queue.
func (q *Queue) Enqueue(p string) {
	q.items = append(q.items, p)
	q.compact()
}

// Dequeue removes and returns the path at the front of the queue. The
// second return value is false if the queue is empty.
func (q *Queue) Dequeue() (string, bool) {
	if q.head >= len(q.items) {
		return "", false
	}
	p := q.items[q.head]
	q.items[q.head] = ""
	q.head++
	q.compact()
	return p, true
}

// Empty reports whether the queue currently holds no paths.
func (q *Queue) Empty() bool {
	return q.head >= len(q.items)
}

// Len reports the number of paths currently queued.
func (q *Queue) Len() int {
	return len(q.items) - q.head
}

// Drain empties the queue, discarding all remaining paths. Used to unwind a
// BFS that must abort partway through (e.g. on an allocation failure
// reported by the caller).
func (q *Queue) Drain() {
	q.items = q.items[:0]
	q.head = 0
}

// compact reclaims the dequeued prefix once it grows large relative to the
// live tail, so a long-running BFS doesn't hold onto an ever-growing slice.
func (q *Queue) compact() {
	if q.head == 0 {
		return
	}
	if q.head < 64 && q.head*2 < len(q.items) {
		return
	}
	n := copy(q.items, q.items[q.head:])
	q.items = q.items[:n]
	q.head = 0
}
