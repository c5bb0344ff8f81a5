// Package sync implements state snapshot synchronization: the account key
// space is split into partitions that are fetched in parallel as Merkle
// proven ranges against a pivot state root, storage and bytecode follow-ups
// are queued as accounts arrive, and storage whose parent commitment could
// not be confirmed is re-proven through a refresh path. The only durable
// progress is a versioned record marking the bulk phase as finished.
//
// The engine never blocks on the network. An outer loop (see Run) asks for
// requests with NextRequest, dispatches them to peers and hands the answers
// back through HandleResponse or RetryRequest, from any goroutine.
package sync

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethdb"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/eth2030/statesync/core/rawdb"
	"github.com/eth2030/statesync/log"
	"github.com/eth2030/statesync/trie"
)

// Syncer drives one state sync run. All methods are safe for concurrent
// use.
type Syncer struct {
	cfg   Config
	db    ethdb.KeyValueStore
	store *trie.Store
	pivot *pivotTracker
	parts *partitionTable
	log   log.Logger

	storageTasks *queue[StorageTask] // whole-account storage fetches
	subRanges    *queue[StorageTask] // storage continuations from a slot cursor
	codeTasks    *queue[common.Hash]
	refresh      *refreshQueue
	seenCodes    *lru.Cache[common.Hash, struct{}]

	inflight [numRequestKinds]atomic.Int64

	// pending counts outstanding units of work: partitions not yet
	// exhausted plus every queued or in-flight storage, code and refresh
	// task. Follow-ups are added before their parent is released, so it
	// only reaches zero once nothing is left anywhere.
	pending atomic.Int64

	nextID        atomic.Uint64
	expiredStreak atomic.Int64
	finished      atomic.Bool
	started       atomic.Int64 // unix nanos of the first request

	finishMu  sync.Mutex
	finishErr error // last failed attempt to persist the finished record
}

// New creates a Syncer writing into db. If db holds a finished progress
// record the bulk phase is skipped entirely.
func New(cfg Config, db ethdb.KeyValueStore, headers HeaderSource) (*Syncer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	parts, err := newPartitionTable(cfg.PartitionCount)
	if err != nil {
		return nil, err
	}
	seen, err := lru.New[common.Hash, struct{}](cfg.CodeCacheSize)
	if err != nil {
		return nil, err
	}
	logger := log.Module("snap")
	s := &Syncer{
		cfg:          cfg,
		db:           db,
		store:        trie.NewStore(db, cfg.WriteBatchItems),
		pivot:        newPivotTracker(headers, cfg.MaxPivotDistance, logger),
		parts:        parts,
		log:          logger,
		storageTasks: newQueue[StorageTask](),
		subRanges:    newQueue[StorageTask](),
		codeTasks:    newQueue[common.Hash](),
		refresh:      newRefreshQueue(),
		seenCodes:    seen,
	}
	record, err := rawdb.ReadSyncProgress(db)
	if err != nil {
		return nil, err
	}
	if record != nil && record.Finished {
		s.finished.Store(true)
		s.pivot.adopt(record.PivotNumber, record.PivotRoot)
		s.log.Info("State sync already finished", "number", record.PivotNumber, "root", record.PivotRoot)
		return s, nil
	}
	parts.enqueueAll()
	s.pending.Add(int64(cfg.PartitionCount))
	return s, nil
}

// Store returns the commitment store the sync writes into.
func (s *Syncer) Store() *trie.Store { return s.store }

// CanSync reports whether a pivot is available.
func (s *Syncer) CanSync() bool { return s.pivot.canSync() }

// Pivot returns the current pivot.
func (s *Syncer) Pivot() PivotState { return s.pivot.pivot() }

// UpdatePivot re-resolves the pivot from the header source. Requests
// issued afterwards target the new root.
func (s *Syncer) UpdatePivot() PivotState {
	s.pivot.advance()
	return s.pivot.pivot()
}

// IsBulkPhaseFinished reports whether every queue is empty, no request is
// in flight and no unit of work is outstanding. It is evaluated afresh on
// every call.
func (s *Syncer) IsBulkPhaseFinished() bool {
	if s.finished.Load() {
		return true
	}
	if s.parts.ready.len() != 0 || s.refresh.len() != 0 {
		return false
	}
	if s.storageTasks.len() != 0 || s.subRanges.len() != 0 || s.codeTasks.len() != 0 {
		return false
	}
	for kind := range s.inflight {
		if s.inflight[kind].Load() != 0 {
			return false
		}
	}
	return s.pending.Load() == 0
}

// InFlight returns the number of outstanding requests of kind.
func (s *Syncer) InFlight(kind RequestKind) int64 {
	return s.inflight[kind].Load()
}

// markFinished persists the finished record once. The finished flag is set
// only after the record is on disk; on failure it reports false, keeps the
// error for finishError and the next idle call tries again.
func (s *Syncer) markFinished() bool {
	s.finishMu.Lock()
	defer s.finishMu.Unlock()

	if s.finished.Load() {
		return true
	}
	pivot := s.pivot.pivot()
	if err := s.store.Commit(pivot.Number, pivot.Root); err != nil {
		s.finishErr = fmt.Errorf("%w: flush state: %w", ErrPersistProgress, err)
		s.log.Error("Failed to flush synced state", "err", err)
		return false
	}
	err := rawdb.WriteSyncProgress(s.db, &rawdb.SyncProgress{
		Finished:    true,
		PivotNumber: pivot.Number,
		PivotRoot:   pivot.Root,
	})
	if err != nil {
		s.finishErr = fmt.Errorf("%w: %w", ErrPersistProgress, err)
		s.log.Error("Failed to persist sync progress", "err", err)
		return false
	}
	s.finishErr = nil
	s.finished.Store(true)
	rangeProgress.Set(100)
	s.log.Info("State sync bulk phase finished", "number", pivot.Number, "root", pivot.Root)
	return true
}

// finishError returns the error of the last failed attempt to persist the
// finished record, or nil.
func (s *Syncer) finishError() error {
	s.finishMu.Lock()
	defer s.finishMu.Unlock()
	return s.finishErr
}
