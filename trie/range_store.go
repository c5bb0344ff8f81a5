// range_store.go implements the commitment store that state sync writes
// verified ranges into. Leaves are persisted in go-ethereum's flat snapshot
// layout (slim accounts, raw storage slots, bytecodes), so the trie root
// can be regenerated from disk once the sync completes.
package trie

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	gethrawdb "github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/rlp"
	gethtrie "github.com/ethereum/go-ethereum/trie"

	"github.com/eth2030/statesync/core/rawdb"
	"github.com/eth2030/statesync/log"
)

// Store errors.
var (
	ErrBadAccount      = errors.New("range store: undecodable account")
	ErrStorageMismatch = errors.New("range store: storage root mismatch")
	ErrStateMismatch   = errors.New("range store: state root mismatch")
)

// Store persists verified ranges. Verification runs outside the writer
// lock; every merge into the database is serialized by it, so callers may
// apply ranges from any number of goroutines.
type Store struct {
	db    ethdb.KeyValueStore
	pacer *rawdb.Pacer
	mu    sync.Mutex
	log   log.Logger

	accounts atomic.Uint64
	slots    atomic.Uint64
	codes    atomic.Uint64
	bytes    atomic.Uint64

	committed atomic.Uint64
}

// NewStore creates a store writing into db through a pacer flushing every
// batchItems operations.
func NewStore(db ethdb.KeyValueStore, batchItems int) *Store {
	return &Store{
		db:    db,
		pacer: rawdb.NewPacer(db, batchItems),
		log:   log.Module("trie"),
	}
}

// ApplyAccountRange verifies a range of full-RLP accounts against root and,
// when it matches, stores the accounts in slim snapshot form.
func (s *Store) ApplyAccountRange(root, origin common.Hash, keys []common.Hash, values [][]byte, proof [][]byte) (RangeVerdict, error) {
	verdict := VerifyRange(root, origin, keys, values, proof)
	if !verdict.Matches {
		return verdict, nil
	}
	slim := make([][]byte, len(values))
	for i, blob := range values {
		acct := new(types.StateAccount)
		if err := rlp.DecodeBytes(blob, acct); err != nil {
			return RangeVerdict{}, fmt.Errorf("%w: %x: %v", ErrBadAccount, keys[i], err)
		}
		slim[i] = types.SlimAccountRLP(*acct)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, key := range keys {
		if err := s.pacer.Put(accountKey(key), slim[i]); err != nil {
			return RangeVerdict{}, err
		}
		s.bytes.Add(uint64(common.HashLength + len(slim[i])))
	}
	s.accounts.Add(uint64(len(keys)))
	return verdict, nil
}

// ApplyStorageRange verifies a range of storage slots of account against
// the account's storage root and stores the slots when it matches.
func (s *Store) ApplyStorageRange(account, root, origin common.Hash, keys []common.Hash, values [][]byte, proof [][]byte) (RangeVerdict, error) {
	verdict := VerifyRange(root, origin, keys, values, proof)
	if !verdict.Matches {
		return verdict, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, key := range keys {
		if err := s.pacer.Put(storageKey(account, key), values[i]); err != nil {
			return RangeVerdict{}, err
		}
		s.bytes.Add(uint64(2*common.HashLength + len(values[i])))
	}
	s.slots.Add(uint64(len(keys)))
	return verdict, nil
}

// WriteAccount replaces a single full-RLP account leaf, used after the
// account has been re-proven against a newer root.
func (s *Store) WriteAccount(hash common.Hash, blob []byte) error {
	acct := new(types.StateAccount)
	if err := rlp.DecodeBytes(blob, acct); err != nil {
		return fmt.Errorf("%w: %x: %v", ErrBadAccount, hash, err)
	}
	slim := types.SlimAccountRLP(*acct)

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pacer.Put(accountKey(hash), slim)
}

// DeleteAccount removes an account leaf that no longer exists at the
// current root.
func (s *Store) DeleteAccount(hash common.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pacer.Delete(accountKey(hash))
}

// DeleteStorage removes every stored slot of account, used before its
// storage is fetched again from slot zero under a new root.
func (s *Store) DeleteStorage(account common.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.pacer.Flush(); err != nil {
		return err
	}
	var keys [][]byte
	it := gethrawdb.IterateStorageSnapshots(s.db, account)
	for it.Next() {
		keys = append(keys, common.CopyBytes(it.Key()))
	}
	err := it.Error()
	it.Release()
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := s.pacer.Delete(key); err != nil {
			return err
		}
	}
	if len(keys) > 0 {
		s.log.Debug("Dropped stale storage", "account", account, "slots", len(keys))
	}
	return nil
}

// WriteCode stores a bytecode under its hash. The caller verifies the hash.
func (s *Store) WriteCode(hash common.Hash, code []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.pacer.Put(codeKey(hash), code); err != nil {
		return err
	}
	s.codes.Add(1)
	s.bytes.Add(uint64(len(code)))
	return nil
}

// HasCode reports whether the bytecode is already in the database. Codes
// still buffered in the pacer are not seen.
func (s *Store) HasCode(hash common.Hash) bool {
	return gethrawdb.HasCode(s.db, hash)
}

// Commit flushes all buffered writes and records the pivot the state was
// synced against.
func (s *Store) Commit(number uint64, root common.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.pacer.Flush(); err != nil {
		return err
	}
	s.committed.Store(number)
	s.log.Info("Committed synced state", "number", number, "root", root,
		"accounts", s.accounts.Load(), "slots", s.slots.Load(), "codes", s.codes.Load())
	return nil
}

// Close flushes outstanding writes and refuses further ones.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pacer.Close()
}

// StoreStats is a snapshot of the store's counters.
type StoreStats struct {
	Accounts, Slots, Codes, Bytes uint64
	Committed                     uint64
}

// Stats returns the current counters.
func (s *Store) Stats() StoreStats {
	return StoreStats{
		Accounts:  s.accounts.Load(),
		Slots:     s.slots.Load(),
		Codes:     s.codes.Load(),
		Bytes:     s.bytes.Load(),
		Committed: s.committed.Load(),
	}
}

// StateRoot regenerates the account trie root from the persisted leaves.
func (s *Store) StateRoot() (common.Hash, error) {
	if err := s.flush(); err != nil {
		return common.Hash{}, err
	}
	return s.regenerate(false)
}

// Verify regenerates every storage trie and the account trie and checks
// them against the stored storage roots and want.
func (s *Store) Verify(want common.Hash) error {
	if err := s.flush(); err != nil {
		return err
	}
	got, err := s.regenerate(true)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%w: have %x, want %x", ErrStateMismatch, got, want)
	}
	return nil
}

func (s *Store) flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pacer.Flush()
}

func (s *Store) regenerate(deep bool) (common.Hash, error) {
	prefix := gethrawdb.SnapshotAccountPrefix
	it := s.db.NewIterator(prefix, nil)
	defer it.Release()

	stack := gethtrie.NewStackTrie(nil)
	for it.Next() {
		key := it.Key()
		if len(key) != len(prefix)+common.HashLength {
			continue
		}
		hash := common.BytesToHash(key[len(prefix):])
		full, err := types.FullAccountRLP(it.Value())
		if err != nil {
			return common.Hash{}, fmt.Errorf("%w: %x: %v", ErrBadAccount, hash, err)
		}
		if deep {
			if err := s.verifyStorage(hash, it.Value()); err != nil {
				return common.Hash{}, err
			}
		}
		if err := stack.Update(hash[:], full); err != nil {
			return common.Hash{}, err
		}
	}
	if err := it.Error(); err != nil {
		return common.Hash{}, err
	}
	return stack.Hash(), nil
}

func (s *Store) verifyStorage(account common.Hash, slim []byte) error {
	acct, err := types.FullAccount(slim)
	if err != nil {
		return fmt.Errorf("%w: %x: %v", ErrBadAccount, account, err)
	}
	it := gethrawdb.IterateStorageSnapshots(s.db, account)
	defer it.Release()

	stack := gethtrie.NewStackTrie(nil)
	prefixLen := len(gethrawdb.SnapshotStoragePrefix) + common.HashLength
	for it.Next() {
		key := it.Key()
		if len(key) != prefixLen+common.HashLength {
			continue
		}
		if err := stack.Update(key[prefixLen:], it.Value()); err != nil {
			return err
		}
	}
	if err := it.Error(); err != nil {
		return err
	}
	if got := stack.Hash(); got != acct.Root {
		return fmt.Errorf("%w: account %x: have %x, want %x", ErrStorageMismatch, account, got, acct.Root)
	}
	if !bytes.Equal(acct.CodeHash, types.EmptyCodeHash[:]) && !gethrawdb.HasCode(s.db, common.BytesToHash(acct.CodeHash)) {
		return fmt.Errorf("range store: account %x: missing code %x", account, acct.CodeHash)
	}
	return nil
}

func accountKey(hash common.Hash) []byte {
	return append(common.CopyBytes(gethrawdb.SnapshotAccountPrefix), hash[:]...)
}

func storageKey(account, slot common.Hash) []byte {
	key := append(common.CopyBytes(gethrawdb.SnapshotStoragePrefix), account[:]...)
	return append(key, slot[:]...)
}

func codeKey(hash common.Hash) []byte {
	return append(common.CopyBytes(gethrawdb.CodePrefix), hash[:]...)
}
