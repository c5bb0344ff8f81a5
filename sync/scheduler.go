package sync

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// NextRequest returns the next unit of work to dispatch, or nil when
// nothing is ready. The boolean reports that the bulk phase has finished;
// a nil request with false is back-pressure, not an error.
//
// Work is picked in this order: the whole refresh queue, a storage
// continuation, a storage batch if the storage backlog is large, an account
// range while fewer than PartitionCount are in flight, a storage batch, a
// bytecode batch. When nothing is left the finished record is persisted.
func (s *Syncer) NextRequest() (Request, bool) {
	if s.finished.Load() {
		return nil, true
	}
	if !s.pivot.canSync() {
		return nil, false
	}
	s.started.CompareAndSwap(0, time.Now().UnixNano())
	root := s.pivot.pivot().Root

	if req := s.nextRefresh(root); req != nil {
		return req, false
	}
	if req := s.nextSubRange(root); req != nil {
		return req, false
	}
	if s.storageTasks.len() >= s.cfg.StorageBacklog {
		if req := s.nextStorageBatch(root); req != nil {
			return req, false
		}
	}
	if req := s.nextAccountRange(root); req != nil {
		return req, false
	}
	if req := s.nextStorageBatch(root); req != nil {
		return req, false
	}
	if req := s.nextCodes(); req != nil {
		return req, false
	}
	if s.IsBulkPhaseFinished() && s.markFinished() {
		return nil, true
	}
	return nil, false
}

// acquire claims an in-flight slot of kind ahead of a queue pop, so the
// work is never invisible to the completion check.
func (s *Syncer) acquire(kind RequestKind) {
	n := s.inflight[kind].Add(1)
	inflightGauge.WithLabelValues(kind.String()).Set(float64(n))
}

// unclaim gives back a slot claimed by acquire whose pop found nothing.
func (s *Syncer) unclaim(kind RequestKind) {
	n := s.inflight[kind].Add(-1)
	inflightGauge.WithLabelValues(kind.String()).Set(float64(n))
}

func (s *Syncer) id() uint64 { return s.nextID.Add(1) }

func (s *Syncer) nextRefresh(root common.Hash) Request {
	s.acquire(KindRefresh)
	tasks := s.refresh.drain()
	if len(tasks) == 0 {
		s.unclaim(KindRefresh)
		return nil
	}
	return &RefreshRequest{ID: s.id(), Root: root, Tasks: tasks}
}

func (s *Syncer) nextSubRange(root common.Hash) Request {
	s.acquire(KindStorageRange)
	task, ok := s.subRanges.pop()
	if !ok {
		s.unclaim(KindStorageRange)
		return nil
	}
	return &StorageRangeRequest{ID: s.id(), Root: root, Tasks: []StorageTask{task}, Bytes: s.cfg.ResponseBytes}
}

func (s *Syncer) nextStorageBatch(root common.Hash) Request {
	s.acquire(KindStorageRange)
	tasks := s.storageTasks.popN(s.cfg.MaxStorageAccounts)
	if len(tasks) == 0 {
		s.unclaim(KindStorageRange)
		return nil
	}
	return &StorageRangeRequest{ID: s.id(), Root: root, Tasks: tasks, Bytes: s.cfg.ResponseBytes}
}

func (s *Syncer) nextAccountRange(root common.Hash) Request {
	if s.inflight[KindAccountRange].Load() >= int64(s.cfg.PartitionCount) {
		return nil
	}
	s.acquire(KindAccountRange)
	p, ok := s.parts.dequeue()
	if !ok {
		s.unclaim(KindAccountRange)
		return nil
	}
	next, _ := p.Next()
	return &AccountRangeRequest{ID: s.id(), Root: root, Origin: next, Limit: p.Limit, Bytes: s.cfg.ResponseBytes}
}

func (s *Syncer) nextCodes() Request {
	s.acquire(KindBytecode)
	hashes := s.codeTasks.popN(s.cfg.MaxCodeBatch)
	if len(hashes) == 0 {
		s.unclaim(KindBytecode)
		return nil
	}
	return &BytecodeRequest{ID: s.id(), Hashes: hashes, Bytes: s.cfg.ResponseBytes}
}
