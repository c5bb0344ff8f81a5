package sync

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// refreshQueue holds accounts whose storage commitment must be re-proven.
// An account is queued at most once; queuing it again keeps the earlier
// entry.
type refreshQueue struct {
	mu    sync.Mutex
	order []common.Hash
	tasks map[common.Hash]RefreshTask
}

func newRefreshQueue() *refreshQueue {
	return &refreshQueue{tasks: make(map[common.Hash]RefreshTask)}
}

// push queues task and reports whether it was new.
func (q *refreshQueue) push(task RefreshTask) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.tasks[task.Account]; ok {
		return false
	}
	q.tasks[task.Account] = task
	q.order = append(q.order, task.Account)
	return true
}

// drain removes and returns every queued task in arrival order.
func (q *refreshQueue) drain() []RefreshTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.order) == 0 {
		return nil
	}
	out := make([]RefreshTask, 0, len(q.order))
	for _, account := range q.order {
		out = append(out, q.tasks[account])
	}
	q.order = nil
	q.tasks = make(map[common.Hash]RefreshTask)
	return out
}

func (q *refreshQueue) contains(account common.Hash) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.tasks[account]
	return ok
}

func (q *refreshQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}
