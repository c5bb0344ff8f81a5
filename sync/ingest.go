package sync

import (
	"bytes"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rlp"
	"golang.org/x/crypto/sha3"

	"github.com/eth2030/statesync/trie"
)

// accountOutcome is the verdict on an account range response together with
// the follow-up work it produced.
type accountOutcome struct {
	result  Result
	lastKey common.Hash
	next    common.Hash
	more    bool
	storage []StorageTask
	codes   []common.Hash
}

// classify maps a failed verdict to a result.
func classify(verdict trie.RangeVerdict) Result {
	switch {
	case verdict.Matches:
		return ResultOK
	case verdict.RootMissing:
		return ResultMissingRootInProof
	default:
		return ResultDifferentRoot
	}
}

// inPartition reports whether key belongs to the partition ending at limit.
func inPartition(key, limit common.Hash) bool {
	return limit == common.MaxHash || key.Cmp(limit) < 0
}

// ingestAccountRange verifies and stores an account range. Only accounts
// inside the requested partition produce storage and code follow-ups; a
// first key at or beyond the limit merely ends the partition.
func (s *Syncer) ingestAccountRange(req *AccountRangeRequest, resp *AccountRangeResponse) (accountOutcome, error) {
	if len(resp.Keys) == 0 && len(resp.Values) == 0 && len(resp.Proof) == 0 {
		return accountOutcome{result: ResultExpiredRoot}, nil
	}
	verdict, err := s.store.ApplyAccountRange(req.Root, req.Origin, resp.Keys, resp.Values, resp.Proof)
	if err != nil {
		return accountOutcome{}, err
	}
	out := accountOutcome{result: classify(verdict), lastKey: verdict.LastKey}
	if out.result != ResultOK {
		s.log.Debug("Account range rejected", "origin", req.Origin, "limit", req.Limit, "result", out.result)
		return out, nil
	}
	out.more = verdict.HasMore && verdict.LastKey.Cmp(req.Limit) < 0
	out.next = req.Limit
	if out.more {
		if next, ok := incKey(verdict.LastKey); ok {
			out.next = next
		} else {
			out.more = false
		}
	}
	for i, key := range resp.Keys {
		if !inPartition(key, req.Limit) {
			break
		}
		acct := new(types.StateAccount)
		if err := rlp.DecodeBytes(resp.Values[i], acct); err != nil {
			return accountOutcome{}, err
		}
		if acct.Root != types.EmptyRootHash {
			out.storage = append(out.storage, StorageTask{Account: key, Root: acct.Root})
		}
		if !bytes.Equal(acct.CodeHash, types.EmptyCodeHash[:]) {
			hash := common.BytesToHash(acct.CodeHash)
			if seen, _ := s.seenCodes.ContainsOrAdd(hash, struct{}{}); !seen && !s.store.HasCode(hash) {
				out.codes = append(out.codes, hash)
			}
		}
	}
	storedLeaves.WithLabelValues("account").Add(float64(len(resp.Keys)))
	return out, nil
}

// storageOutcome sorts the tasks of a storage request by what must happen
// to them next.
type storageOutcome struct {
	result   Result
	done     int
	subRange *StorageTask
	refresh  []RefreshTask
	retry    []StorageTask
}

// ingestStorageRanges verifies each served account against its own storage
// root. A failure is scoped to the account it belongs to: the account goes
// to the refresh queue with its pending cursor. Accounts the peer did not
// get to are retried unchanged.
func (s *Syncer) ingestStorageRanges(req *StorageRangeRequest, resp *StorageRangeResponse) (storageOutcome, error) {
	var entries int
	for _, keys := range resp.Keys {
		entries += len(keys)
	}
	if entries == 0 && len(resp.Proof) == 0 {
		return storageOutcome{result: ResultExpiredRoot, retry: req.Tasks}, nil
	}
	if len(resp.Keys) != len(resp.Values) || len(resp.Keys) > len(req.Tasks) {
		return storageOutcome{result: ResultDifferentRoot, retry: req.Tasks}, nil
	}
	out := storageOutcome{result: ResultOK}
	served := len(resp.Keys)
	for i, task := range req.Tasks {
		if i >= served {
			out.retry = append(out.retry, task)
			continue
		}
		var proof [][]byte
		if i == served-1 {
			proof = resp.Proof
		}
		verdict, err := s.store.ApplyStorageRange(task.Account, task.Root, task.Origin, resp.Keys[i], resp.Values[i], proof)
		if err != nil {
			return storageOutcome{}, err
		}
		if result := classify(verdict); result != ResultOK {
			s.log.Debug("Storage range rejected", "account", task.Account, "origin", task.Origin, "result", result)
			out.refresh = append(out.refresh, RefreshTask{
				Account:       task.Account,
				StorageOrigin: task.Origin,
				StorageRoot:   task.Root,
			})
			if out.result != ResultMissingRootInProof {
				out.result = result
			}
			continue
		}
		storedLeaves.WithLabelValues("slot").Add(float64(len(resp.Keys[i])))
		if verdict.HasMore {
			if next, ok := incKey(verdict.LastKey); ok {
				out.subRange = &StorageTask{Account: task.Account, Root: task.Root, Origin: next}
				continue
			}
		}
		out.done++
	}
	return out, nil
}

// codeOutcome lists delivered and missing bytecodes.
type codeOutcome struct {
	result Result
	done   int
	retry  []common.Hash
}

// ingestBytecodes matches delivered codes to requested hashes by keccak256
// and stores the matches.
func (s *Syncer) ingestBytecodes(req *BytecodeRequest, resp *BytecodeResponse) (codeOutcome, error) {
	if len(resp.Codes) == 0 {
		return codeOutcome{result: ResultExpiredRoot, retry: req.Hashes}, nil
	}
	delivered := make(map[common.Hash][]byte, len(resp.Codes))
	hasher := sha3.NewLegacyKeccak256()
	for _, code := range resp.Codes {
		hasher.Reset()
		hasher.Write(code)
		delivered[common.BytesToHash(hasher.Sum(nil))] = code
	}
	out := codeOutcome{result: ResultOK}
	for _, hash := range req.Hashes {
		code, ok := delivered[hash]
		if !ok {
			out.retry = append(out.retry, hash)
			continue
		}
		if err := s.store.WriteCode(hash, code); err != nil {
			return codeOutcome{}, err
		}
		out.done++
	}
	if out.done == 0 {
		out.result = ResultDifferentRoot
	}
	storedLeaves.WithLabelValues("code").Add(float64(out.done))
	return out, nil
}

// refreshOutcome sorts refresh tasks by what must happen to them next.
type refreshOutcome struct {
	result    Result
	done      int
	storage   []StorageTask
	subRanges []StorageTask
	failed    []RefreshTask
}

// ingestRefresh re-proves each account against the request root. A fresh
// storage root re-enqueues the storage fetch, continuing from the pending
// cursor when there is one. A deleted account or an empty storage root
// completes the task. Whenever storage restarts from slot zero or goes
// away, the slots stored under the old root are dropped first.
func (s *Syncer) ingestRefresh(req *RefreshRequest, resp *RefreshResponse) (refreshOutcome, error) {
	if len(resp.Proof) == 0 {
		return refreshOutcome{result: ResultExpiredRoot, failed: req.Tasks}, nil
	}
	if !trie.HasRootNode(req.Root, resp.Proof) {
		return refreshOutcome{result: ResultMissingRootInProof, failed: req.Tasks}, nil
	}
	out := refreshOutcome{result: ResultOK}
	for _, task := range req.Tasks {
		blob, err := trie.VerifyLeaf(req.Root, task.Account, resp.Proof)
		if err != nil {
			out.failed = append(out.failed, task)
			out.result = ResultDifferentRoot
			continue
		}
		if blob == nil {
			if err := s.store.DeleteStorage(task.Account); err != nil {
				return refreshOutcome{}, err
			}
			if err := s.store.DeleteAccount(task.Account); err != nil {
				return refreshOutcome{}, err
			}
			out.done++
			continue
		}
		acct := new(types.StateAccount)
		if err := rlp.DecodeBytes(blob, acct); err != nil {
			out.failed = append(out.failed, task)
			out.result = ResultDifferentRoot
			continue
		}
		if err := s.store.WriteAccount(task.Account, blob); err != nil {
			return refreshOutcome{}, err
		}
		if acct.Root == types.EmptyRootHash || task.StorageOrigin == (common.Hash{}) {
			if err := s.store.DeleteStorage(task.Account); err != nil {
				return refreshOutcome{}, err
			}
		}
		switch {
		case acct.Root == types.EmptyRootHash:
			out.done++
		case task.StorageOrigin != (common.Hash{}):
			out.subRanges = append(out.subRanges, StorageTask{Account: task.Account, Root: acct.Root, Origin: task.StorageOrigin})
		default:
			out.storage = append(out.storage, StorageTask{Account: task.Account, Root: acct.Root})
		}
	}
	return out, nil
}
