// pacer.go provides a Pacer that decouples logical state writes from
// physical database batches. Tiny writes are combined until an item
// threshold is reached, and oversized flushes are split so that a single
// huge batch never stalls the storage engine.
package rawdb

import (
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/ethdb"
)

// DefaultPacerItems is the number of buffered operations that triggers an
// automatic flush.
const DefaultPacerItems = 128

// ErrPacerClosed is returned when operating on a closed Pacer.
var ErrPacerClosed = errors.New("pacer: writer is closed")

type pacerOp struct {
	key    []byte
	value  []byte
	delete bool
}

// Pacer buffers Put and Delete operations in front of an ethdb key-value
// store. It satisfies ethdb.KeyValueWriter, so any accessor that writes to
// a database can write through a Pacer instead. It is safe for concurrent
// use.
//
// A Pacer with an item threshold of one or less writes straight through to
// the backing store. Outcomes are identical in both modes; only write
// latency differs.
type Pacer struct {
	mu     sync.Mutex
	db     ethdb.KeyValueStore
	ops    []pacerOp
	items  int
	closed bool

	flushes int
}

// NewPacer creates a Pacer that flushes into db once items operations are
// buffered.
func NewPacer(db ethdb.KeyValueStore, items int) *Pacer {
	return &Pacer{db: db, items: items}
}

// Put buffers a key-value write.
func (p *Pacer) Put(key, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPacerClosed
	}
	if p.items <= 1 {
		return p.db.Put(key, value)
	}
	p.ops = append(p.ops, pacerOp{
		key:   append([]byte{}, key...),
		value: append([]byte{}, value...),
	})
	if len(p.ops) >= p.items {
		return p.flushLocked()
	}
	return nil
}

// Delete buffers a key deletion.
func (p *Pacer) Delete(key []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPacerClosed
	}
	if p.items <= 1 {
		return p.db.Delete(key)
	}
	p.ops = append(p.ops, pacerOp{key: append([]byte{}, key...), delete: true})
	if len(p.ops) >= p.items {
		return p.flushLocked()
	}
	return nil
}

// Len returns the number of buffered operations.
func (p *Pacer) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ops)
}

// Flushes returns how many physical batches have been written.
func (p *Pacer) Flushes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flushes
}

// Flush writes all buffered operations to the backing store.
func (p *Pacer) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPacerClosed
	}
	return p.flushLocked()
}

// flushLocked drains the buffer. Caller must hold p.mu.
func (p *Pacer) flushLocked() error {
	if len(p.ops) == 0 {
		return nil
	}
	batch := p.db.NewBatch()
	for _, op := range p.ops {
		var err error
		if op.delete {
			err = batch.Delete(op.key)
		} else {
			err = batch.Put(op.key, op.value)
		}
		if err != nil {
			return err
		}
		if batch.ValueSize() >= ethdb.IdealBatchSize {
			if err := batch.Write(); err != nil {
				return err
			}
			p.flushes++
			batch.Reset()
		}
	}
	if batch.ValueSize() > 0 {
		if err := batch.Write(); err != nil {
			return err
		}
		p.flushes++
	}
	p.ops = p.ops[:0]
	return nil
}

// Close flushes any remaining operations. Further writes return
// ErrPacerClosed.
func (p *Pacer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	err := p.flushLocked()
	p.closed = true
	return err
}
