package sync

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/eth2030/statesync/log"
)

// HeaderSource supplies candidate pivot headers. FinalizedHeader returns
// nil while no finalized header is known.
type HeaderSource interface {
	FinalizedHeader() *types.Header
}

// PivotState is the target the sync run converges toward.
type PivotState struct {
	Root   common.Hash
	Number uint64
	Stale  bool
}

// pivotTracker holds the current pivot. Its block number never decreases.
type pivotTracker struct {
	headers     HeaderSource
	maxDistance uint64
	log         log.Logger

	mu     sync.RWMutex
	root   common.Hash
	number uint64
	set    bool
}

func newPivotTracker(headers HeaderSource, maxDistance uint64, logger log.Logger) *pivotTracker {
	return &pivotTracker{headers: headers, maxDistance: maxDistance, log: logger}
}

// pivot returns the current pivot, marking it stale when the finalized
// head has moved more than maxDistance blocks past it.
func (p *pivotTracker) pivot() PivotState {
	p.mu.RLock()
	state := PivotState{Root: p.root, Number: p.number}
	p.mu.RUnlock()

	if head := p.headers.FinalizedHeader(); head != nil && head.Number != nil && p.maxDistance > 0 {
		state.Stale = head.Number.Uint64() > state.Number+p.maxDistance
	}
	return state
}

// canSync resolves the initial pivot if needed and reports whether one
// exists. A missing header is not an error; callers poll.
func (p *pivotTracker) canSync() bool {
	p.mu.RLock()
	set := p.set
	p.mu.RUnlock()
	if set {
		return true
	}
	return p.advance()
}

// advance re-resolves the finalized header and adopts it if it is newer
// than the current pivot. It reports whether a pivot is set afterwards.
func (p *pivotTracker) advance() bool {
	head := p.headers.FinalizedHeader()

	p.mu.Lock()
	defer p.mu.Unlock()

	if head == nil || head.Number == nil || head.Number.Sign() == 0 {
		return p.set
	}
	number := head.Number.Uint64()
	if p.set && number <= p.number {
		return true
	}
	if p.set {
		p.log.Info("Advancing sync pivot", "from", p.number, "to", number, "root", head.Root)
		pivotUpdates.Inc()
	} else {
		p.log.Info("Selected sync pivot", "number", number, "root", head.Root)
	}
	p.root, p.number, p.set = head.Root, number, true
	pivotNumber.Set(float64(number))
	return true
}

// adopt sets the pivot directly, used when resuming from a persisted
// record.
func (p *pivotTracker) adopt(number uint64, root common.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.set && number <= p.number {
		return
	}
	p.root, p.number, p.set = root, number, true
	pivotNumber.Set(float64(number))
}
