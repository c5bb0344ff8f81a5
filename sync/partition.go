package sync

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Partition is a contiguous slice of the account key space. Limit is
// exclusive except for the last partition, whose limit is MaxHash.
type Partition struct {
	Low   common.Hash
	Limit common.Hash

	mu   sync.Mutex
	next common.Hash
	more bool
}

// Next returns the progress cursor and whether keys remain to the right.
func (p *Partition) Next() (common.Hash, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.next, p.more
}

// Progress returns the fraction of the partition already covered.
func (p *Partition) Progress() float64 {
	next, more := p.Next()
	if !more {
		return 1
	}
	low := new(uint256.Int).SetBytes32(p.Low[:])
	span := new(uint256.Int).SetBytes32(p.Limit[:])
	span.Sub(span, low)
	if span.IsZero() {
		return 1
	}
	done := new(uint256.Int).SetBytes32(next[:])
	done.Sub(done, low)
	return done.Float64() / span.Float64()
}

// partitionTable splits the key space into equal partitions. The map from
// limit key to partition is never modified after construction; each
// partition guards its own cursor.
type partitionTable struct {
	parts   []*Partition
	byLimit map[common.Hash]*Partition
	ready   *queue[*Partition]
}

func newPartitionTable(count int) (*partitionTable, error) {
	if count < MinPartitions || count > MaxPartitions {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPartitions, count)
	}
	t := &partitionTable{
		parts:   make([]*Partition, count),
		byLimit: make(map[common.Hash]*Partition, count),
		ready:   newQueue[*Partition](),
	}
	low := common.Hash{}
	for i := 0; i < count; i++ {
		limit := common.MaxHash
		if i < count-1 {
			limit = splitPoint(i+1, count)
		}
		p := &Partition{
			Low:   low,
			Limit: limit,
			next:  low,
			more:  true,
		}
		t.parts[i] = p
		t.byLimit[limit] = p
		low = limit
	}
	return t, nil
}

// splitPoint returns floor(2^256 * i / n). With 2^256 = n*q + r + 1 this is
// i*q + i*(r+1)/n, which stays inside 256 bits for 0 < i < n.
func splitPoint(i, n int) common.Hash {
	q, r := new(uint256.Int), new(uint256.Int)
	q.DivMod(new(uint256.Int).SetAllOne(), uint256.NewInt(uint64(n)), r)
	r.AddUint64(r, 1)
	r.Mul(r, uint256.NewInt(uint64(i)))
	r.Div(r, uint256.NewInt(uint64(n)))
	q.Mul(q, uint256.NewInt(uint64(i)))
	return common.Hash(q.Add(q, r).Bytes32())
}

// enqueueAll queues every partition that still has keys to the right.
func (t *partitionTable) enqueueAll() {
	for _, p := range t.parts {
		if _, more := p.Next(); more {
			t.ready.push(p)
		}
	}
}

func (t *partitionTable) dequeue() (*Partition, bool) {
	return t.ready.pop()
}

// requeueIfMore puts p back on the ready queue unless it is exhausted.
func (t *partitionTable) requeueIfMore(p *Partition) bool {
	if _, more := p.Next(); !more {
		return false
	}
	t.ready.push(p)
	return true
}

func (t *partitionTable) lookup(limit common.Hash) (*Partition, error) {
	p, ok := t.byLimit[limit]
	if !ok {
		return nil, fmt.Errorf("%w: %x", ErrUnknownPartition, limit)
	}
	return p, nil
}

// updateProgress moves the cursor of the partition identified by limit.
// A cursor below the current one leaves it untouched.
func (t *partitionTable) updateProgress(limit, next common.Hash, more bool) error {
	p, err := t.lookup(limit)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if next.Cmp(p.next) >= 0 {
		p.next = next
	}
	p.more = more
	return nil
}

// progress returns the mean coverage across all partitions.
func (t *partitionTable) progress() float64 {
	var sum float64
	for _, p := range t.parts {
		sum += p.Progress()
	}
	return sum / float64(len(t.parts))
}

// incKey returns key+1 and false if the increment overflowed.
func incKey(key common.Hash) (common.Hash, bool) {
	next, overflow := new(uint256.Int).AddOverflow(new(uint256.Int).SetBytes32(key[:]), uint256.NewInt(1))
	if overflow {
		return common.Hash{}, false
	}
	return common.Hash(next.Bytes32()), true
}
