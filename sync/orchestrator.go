package sync

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// HandleResponse ingests a peer response for req and routes the outcome:
// follow-up work is queued, failed work is re-queued or sent to the refresh
// queue, and only then is the request's in-flight slot released. The
// returned error is non-nil only for invariant violations and local
// storage failures.
func (s *Syncer) HandleResponse(req Request, resp Response) (Result, error) {
	if isNilResponse(resp) || resp.Kind() != req.Kind() {
		if err := s.RetryRequest(req); err != nil {
			return ResultDifferentRoot, err
		}
		return ResultDifferentRoot, fmt.Errorf("%w: request %d (%s)", ErrResponseMismatch, req.RequestID(), req.Kind())
	}
	var (
		result Result
		err    error
	)
	switch r := req.(type) {
	case *AccountRangeRequest:
		result, err = s.onAccountRange(r, resp.(*AccountRangeResponse))
	case *StorageRangeRequest:
		result, err = s.onStorageRanges(r, resp.(*StorageRangeResponse))
	case *BytecodeRequest:
		result, err = s.onBytecodes(r, resp.(*BytecodeResponse))
	case *RefreshRequest:
		result, err = s.onRefresh(r, resp.(*RefreshResponse))
	default:
		return ResultDifferentRoot, fmt.Errorf("%w: %T", ErrUnknownRequest, req)
	}
	if err != nil {
		s.log.Error("State sync invariant violated", "id", req.RequestID(), "kind", req.Kind(), "err", err)
		return result, err
	}
	resultCounter.WithLabelValues(req.Kind().String(), result.String()).Inc()
	return result, nil
}

// isNilResponse reports whether resp is nil or a nil pointer of one of the
// response types.
func isNilResponse(resp Response) bool {
	switch r := resp.(type) {
	case nil:
		return true
	case *AccountRangeResponse:
		return r == nil
	case *StorageRangeResponse:
		return r == nil
	case *BytecodeResponse:
		return r == nil
	case *RefreshResponse:
		return r == nil
	default:
		return false
	}
}

// RetryRequest returns the work of a request that produced no response,
// such as a timeout or disconnect, to the queue it came from.
func (s *Syncer) RetryRequest(req Request) error {
	retryCounter.WithLabelValues(req.Kind().String()).Inc()

	switch r := req.(type) {
	case *AccountRangeRequest:
		p, err := s.parts.lookup(r.Limit)
		if err != nil {
			s.release(KindAccountRange)
			return err
		}
		s.parts.ready.push(p)
	case *StorageRangeRequest:
		s.requeueStorage(r.Tasks)
	case *BytecodeRequest:
		s.codeTasks.push(r.Hashes...)
	case *RefreshRequest:
		s.requeueRefresh(r.Tasks)
	default:
		return fmt.Errorf("%w: %T", ErrUnknownRequest, req)
	}
	return s.release(req.Kind())
}

// release frees the in-flight slot of a finished request.
func (s *Syncer) release(kind RequestKind) error {
	n := s.inflight[kind].Add(-1)
	if n < 0 {
		s.inflight[kind].Add(1)
		s.log.Error("In-flight counter underflow", "kind", kind)
		return fmt.Errorf("%w: %s", ErrCounterUnderflow, kind)
	}
	inflightGauge.WithLabelValues(kind.String()).Set(float64(n))
	return nil
}

// complete retires n units of outstanding work.
func (s *Syncer) complete(n int) {
	if n > 0 {
		s.pending.Add(-int64(n))
	}
}

// addStorage queues new whole-account storage tasks.
func (s *Syncer) addStorage(tasks []StorageTask) {
	if len(tasks) == 0 {
		return
	}
	s.pending.Add(int64(len(tasks)))
	s.storageTasks.push(tasks...)
}

// addCodes queues newly seen code hashes.
func (s *Syncer) addCodes(hashes []common.Hash) {
	if len(hashes) == 0 {
		return
	}
	s.pending.Add(int64(len(hashes)))
	s.codeTasks.push(hashes...)
}

// requeueStorage puts existing storage tasks back where they came from.
func (s *Syncer) requeueStorage(tasks []StorageTask) {
	for _, task := range tasks {
		if task.Origin != (common.Hash{}) {
			s.subRanges.push(task)
		} else {
			s.storageTasks.push(task)
		}
	}
}

// requeueRefresh moves existing tasks to the refresh queue. A task for an
// account that is already queued is merged into the queued entry.
func (s *Syncer) requeueRefresh(tasks []RefreshTask) {
	for _, task := range tasks {
		if !s.refresh.push(task) {
			s.complete(1)
		}
	}
}

// noteExpired force-advances the pivot after too many consecutive
// expired-root responses.
func (s *Syncer) noteExpired() {
	threshold := int64(s.cfg.ExpiredPivotThreshold)
	if threshold == 0 {
		return
	}
	if s.expiredStreak.Add(1) < threshold {
		return
	}
	s.expiredStreak.Store(0)
	before := s.pivot.pivot().Number
	if s.pivot.advance() && s.pivot.pivot().Number > before {
		s.log.Warn("Pivot expired at peers, advanced", "from", before, "to", s.pivot.pivot().Number)
	}
}

func (s *Syncer) onAccountRange(req *AccountRangeRequest, resp *AccountRangeResponse) (Result, error) {
	p, err := s.parts.lookup(req.Limit)
	if err != nil {
		s.release(KindAccountRange)
		return ResultDifferentRoot, err
	}
	out, err := s.ingestAccountRange(req, resp)
	if err != nil {
		s.parts.ready.push(p)
		s.release(KindAccountRange)
		return ResultDifferentRoot, err
	}
	switch out.result {
	case ResultOK:
		s.expiredStreak.Store(0)
		s.addStorage(out.storage)
		s.addCodes(out.codes)
		if err := s.parts.updateProgress(req.Limit, out.next, out.more); err != nil {
			s.release(KindAccountRange)
			return out.result, err
		}
		if !s.parts.requeueIfMore(p) {
			s.complete(1)
		}
	case ResultExpiredRoot:
		s.noteExpired()
		s.parts.ready.push(p)
	default:
		s.parts.ready.push(p)
	}
	rangeProgress.Set(s.parts.progress() * 100)
	return out.result, s.release(KindAccountRange)
}

func (s *Syncer) onStorageRanges(req *StorageRangeRequest, resp *StorageRangeResponse) (Result, error) {
	out, err := s.ingestStorageRanges(req, resp)
	if err != nil {
		s.requeueStorage(req.Tasks)
		s.release(KindStorageRange)
		return ResultDifferentRoot, err
	}
	if out.result == ResultExpiredRoot {
		s.noteExpired()
	} else {
		s.expiredStreak.Store(0)
	}
	if out.subRange != nil {
		s.subRanges.push(*out.subRange)
	}
	s.requeueStorage(out.retry)
	s.requeueRefresh(out.refresh)
	s.complete(out.done)
	return out.result, s.release(KindStorageRange)
}

func (s *Syncer) onBytecodes(req *BytecodeRequest, resp *BytecodeResponse) (Result, error) {
	out, err := s.ingestBytecodes(req, resp)
	if err != nil {
		s.codeTasks.push(req.Hashes...)
		s.release(KindBytecode)
		return ResultDifferentRoot, err
	}
	s.codeTasks.push(out.retry...)
	s.complete(out.done)
	return out.result, s.release(KindBytecode)
}

func (s *Syncer) onRefresh(req *RefreshRequest, resp *RefreshResponse) (Result, error) {
	out, err := s.ingestRefresh(req, resp)
	if err != nil {
		s.requeueRefresh(req.Tasks)
		s.release(KindRefresh)
		return ResultDifferentRoot, err
	}
	if out.result == ResultExpiredRoot {
		s.noteExpired()
	}
	s.storageTasks.push(out.storage...)
	s.subRanges.push(out.subRanges...)
	s.requeueRefresh(out.failed)
	s.complete(out.done)
	return out.result, s.release(KindRefresh)
}
