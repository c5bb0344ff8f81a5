package sync

import "sync"

// queue is a FIFO safe for concurrent use. Each queue carries its own lock
// so unrelated queues never contend.
type queue[T any] struct {
	mu    sync.Mutex
	items []T
	head  int
}

func newQueue[T any]() *queue[T] {
	return &queue[T]{}
}

func (q *queue[T]) push(items ...T) {
	q.mu.Lock()
	q.items = append(q.items, items...)
	q.mu.Unlock()
}

func (q *queue[T]) pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if q.head == len(q.items) {
		return zero, false
	}
	item := q.items[q.head]
	q.items[q.head] = zero
	q.head++
	q.compact()
	return item, true
}

// popN removes up to n items; n <= 0 drains the queue.
func (q *queue[T]) popN(n int) []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	avail := len(q.items) - q.head
	if n <= 0 || n > avail {
		n = avail
	}
	if n == 0 {
		return nil
	}
	out := make([]T, n)
	copy(out, q.items[q.head:q.head+n])
	var zero T
	for i := q.head; i < q.head+n; i++ {
		q.items[i] = zero
	}
	q.head += n
	q.compact()
	return out
}

func (q *queue[T]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

// compact releases the consumed prefix once it dominates the backing array.
// Caller must hold q.mu.
func (q *queue[T]) compact() {
	if q.head == len(q.items) {
		q.items, q.head = q.items[:0], 0
		return
	}
	if q.head > 64 && q.head*2 > len(q.items) {
		q.items = append([]T(nil), q.items[q.head:]...)
		q.head = 0
	}
}
