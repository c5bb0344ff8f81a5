// state_server.go serves account ranges, storage ranges, bytecodes and
// single-account proofs out of in-memory go-ethereum tries. It plays the
// remote side of state sync for tests and for the statesync tool, and keeps
// several state versions so a moving pivot can be simulated.
package trie

import (
	"errors"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	gethtrie "github.com/ethereum/go-ethereum/trie"
	"github.com/ethereum/go-ethereum/trie/trienode"
	"github.com/ethereum/go-ethereum/triedb"
	"github.com/holiman/uint256"
)

// ErrUnknownState is returned when a state root is not served.
var ErrUnknownState = errors.New("state server: unknown state root")

// Account is a plain account description used to build a served state.
// Storage maps slot hashes to 32-byte words; zero words are skipped.
type Account struct {
	Nonce   uint64
	Balance *uint256.Int
	Code    []byte
	Storage map[common.Hash]common.Hash
}

// sortedTrie is a trie together with its leaves in key order.
type sortedTrie struct {
	trie *gethtrie.Trie
	keys []common.Hash
	vals map[common.Hash][]byte
}

func (st *sortedTrie) seek(origin common.Hash) int {
	return sort.Search(len(st.keys), func(i int) bool {
		return st.keys[i].Cmp(origin) >= 0
	})
}

func (st *sortedTrie) prove(proof *trienode.ProofSet, keys ...common.Hash) error {
	for _, key := range keys {
		if err := st.trie.Prove(key[:], proof); err != nil {
			return err
		}
	}
	return nil
}

type servedState struct {
	accounts *sortedTrie
	storage  map[common.Hash]*sortedTrie
}

// StateServer holds any number of state versions keyed by their root. It is
// safe for concurrent use; all trie access is serialized.
type StateServer struct {
	mu     sync.Mutex
	db     *triedb.Database
	states map[common.Hash]*servedState
	codes  map[common.Hash][]byte
}

// NewStateServer creates an empty server.
func NewStateServer() *StateServer {
	return &StateServer{
		db:     triedb.NewDatabase(rawdb.NewMemoryDatabase(), nil),
		states: make(map[common.Hash]*servedState),
		codes:  make(map[common.Hash][]byte),
	}
}

// AddState builds the account and storage tries for accounts (keyed by
// account hash) and returns the resulting state root.
func (s *StateServer) AddState(accounts map[common.Hash]Account) (common.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := &servedState{
		accounts: s.newSortedTrie(),
		storage:  make(map[common.Hash]*sortedTrie),
	}
	for hash, acct := range accounts {
		storageRoot := types.EmptyRootHash
		if len(acct.Storage) > 0 {
			st := s.newSortedTrie()
			for slot, word := range acct.Storage {
				if word == (common.Hash{}) {
					continue
				}
				blob, err := rlp.EncodeToBytes(common.TrimLeftZeroes(word[:]))
				if err != nil {
					return common.Hash{}, err
				}
				st.insert(slot, blob)
			}
			if len(st.keys) > 0 {
				st.finalize()
				storageRoot = st.trie.Hash()
				state.storage[hash] = st
			}
		}
		codeHash := types.EmptyCodeHash
		if len(acct.Code) > 0 {
			codeHash = crypto.Keccak256Hash(acct.Code)
			s.codes[codeHash] = common.CopyBytes(acct.Code)
		}
		balance := acct.Balance
		if balance == nil {
			balance = new(uint256.Int)
		}
		blob, err := rlp.EncodeToBytes(&types.StateAccount{
			Nonce:    acct.Nonce,
			Balance:  balance,
			Root:     storageRoot,
			CodeHash: codeHash[:],
		})
		if err != nil {
			return common.Hash{}, err
		}
		state.accounts.insert(hash, blob)
	}
	state.accounts.finalize()
	root := state.accounts.trie.Hash()
	s.states[root] = state
	return root, nil
}

func (s *StateServer) newSortedTrie() *sortedTrie {
	return &sortedTrie{
		trie: gethtrie.NewEmpty(s.db),
		vals: make(map[common.Hash][]byte),
	}
}

func (st *sortedTrie) insert(key common.Hash, value []byte) {
	st.trie.MustUpdate(key[:], value)
	st.keys = append(st.keys, key)
	st.vals[key] = value
}

func (st *sortedTrie) finalize() {
	sort.Slice(st.keys, func(i, j int) bool { return st.keys[i].Cmp(st.keys[j]) < 0 })
}

// HasState reports whether root is served.
func (s *StateServer) HasState(root common.Hash) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.states[root]
	return ok
}

// DropState stops serving root, as a peer does once it prunes old state.
func (s *StateServer) DropState(root common.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, root)
}

// Account returns the decoded account stored under hash at root.
func (s *StateServer) Account(root, hash common.Hash) (*types.StateAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[root]
	if !ok {
		return nil, ErrUnknownState
	}
	blob, ok := state.accounts.vals[hash]
	if !ok {
		return nil, nil
	}
	acct := new(types.StateAccount)
	if err := rlp.DecodeBytes(blob, acct); err != nil {
		return nil, err
	}
	return acct, nil
}

// AccountRange returns the accounts from origin onwards, stopping after the
// first key at or beyond limit or once maxBytes is reached (zero means no
// byte limit). The proof covers origin and the last returned key. An
// unknown root yields an empty response.
func (s *StateServer) AccountRange(root, origin, limit common.Hash, maxBytes uint64) ([]common.Hash, [][]byte, [][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[root]
	if !ok {
		return nil, nil, nil, nil
	}
	keys, vals, _ := state.accounts.collect(origin, limit, maxBytes, 0)
	proof := trienode.NewProofSet()
	if err := state.accounts.prove(proof, origin); err != nil {
		return nil, nil, nil, err
	}
	if len(keys) > 0 {
		if err := state.accounts.prove(proof, keys[len(keys)-1]); err != nil {
			return nil, nil, nil, err
		}
	}
	return keys, vals, proof.List(), nil
}

// collect gathers leaves from origin up to and including the first key at
// or beyond limit. It reports whether the byte budget cut the range short.
func (st *sortedTrie) collect(origin, limit common.Hash, maxBytes, used uint64) ([]common.Hash, [][]byte, bool) {
	var (
		keys []common.Hash
		vals [][]byte
	)
	for i := st.seek(origin); i < len(st.keys); i++ {
		key := st.keys[i]
		keys = append(keys, key)
		vals = append(vals, st.vals[key])
		used += uint64(common.HashLength + len(st.vals[key]))
		if key.Cmp(limit) >= 0 {
			return keys, vals, false
		}
		if maxBytes > 0 && used >= maxBytes {
			return keys, vals, i+1 < len(st.keys)
		}
	}
	return keys, vals, false
}

// StorageRanges returns the storage slots of accounts at root. Origin and
// limit apply to the first account only. When the byte budget cuts an
// account short, or the first account starts at a non-zero origin, that
// account's boundaries are proven and no further accounts are served.
func (s *StateServer) StorageRanges(root common.Hash, accounts []common.Hash, origin, limit common.Hash, maxBytes uint64) ([][]common.Hash, [][][]byte, [][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[root]
	if !ok {
		return nil, nil, nil, nil
	}
	var (
		keys [][]common.Hash
		vals [][][]byte
		used uint64
	)
	for i, account := range accounts {
		if maxBytes > 0 && used >= maxBytes {
			break
		}
		start, end := common.Hash{}, common.MaxHash
		if i == 0 {
			start, end = origin, limit
		}
		st := state.storage[account]
		if st == nil {
			keys = append(keys, nil)
			vals = append(vals, nil)
			continue
		}
		k, v, aborted := st.collect(start, end, maxBytes, used)
		for j := range k {
			used += uint64(common.HashLength + len(v[j]))
		}
		keys = append(keys, k)
		vals = append(vals, v)

		if start != (common.Hash{}) || aborted {
			proof := trienode.NewProofSet()
			if err := st.prove(proof, start); err != nil {
				return nil, nil, nil, err
			}
			if len(k) > 0 {
				if err := st.prove(proof, k[len(k)-1]); err != nil {
					return nil, nil, nil, err
				}
			}
			return keys, vals, proof.List(), nil
		}
	}
	return keys, vals, nil, nil
}

// Codes returns the known bytecodes among hashes, skipping unknown ones.
func (s *StateServer) Codes(hashes []common.Hash, maxBytes uint64) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		codes [][]byte
		used  uint64
	)
	for _, hash := range hashes {
		code, ok := s.codes[hash]
		if !ok {
			continue
		}
		codes = append(codes, code)
		used += uint64(len(code))
		if maxBytes > 0 && used >= maxBytes {
			break
		}
	}
	return codes
}

// AccountProofs proves every key against root into a single node set.
func (s *StateServer) AccountProofs(root common.Hash, keys []common.Hash) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[root]
	if !ok {
		return nil, nil
	}
	proof := trienode.NewProofSet()
	if err := state.accounts.prove(proof, keys...); err != nil {
		return nil, err
	}
	return proof.List(), nil
}
