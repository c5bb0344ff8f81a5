// range_proof.go classifies Merkle range proofs for state sync. A range of
// sorted leaves plus the boundary proof nodes either reconstructs the
// expected root, lacks the root node entirely (the peer proved against a
// different commitment), or is inconsistent for another reason.
package trie

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	gethtrie "github.com/ethereum/go-ethereum/trie"
	"github.com/ethereum/go-ethereum/trie/trienode"
)

// RangeVerdict is the outcome of verifying a range of leaves against an
// expected root.
type RangeVerdict struct {
	Matches     bool        // The leaves and proof reconstruct the expected root.
	RootMissing bool        // The proof carries no node hashing to the expected root.
	LastKey     common.Hash // Last key of the range, or the origin if the range is empty.
	HasMore     bool        // The trie holds keys to the right of LastKey.
}

// VerifyRange checks that keys/values starting at origin belong to the trie
// committed to by root. A nil proof means the range claims to be the whole
// trie. Keys must be sorted; values must be the raw trie leaf values.
func VerifyRange(root, origin common.Hash, keys []common.Hash, values [][]byte, proof [][]byte) RangeVerdict {
	verdict := RangeVerdict{LastKey: origin}
	if len(keys) > 0 {
		verdict.LastKey = keys[len(keys)-1]
	}
	if len(keys) != len(values) {
		return verdict
	}
	raw := make([][]byte, len(keys))
	for i := range keys {
		raw[i] = keys[i][:]
	}
	if len(proof) == 0 {
		more, err := gethtrie.VerifyRangeProof(root, origin[:], raw, values, nil)
		verdict.Matches = err == nil
		verdict.HasMore = more
		return verdict
	}
	if !HasRootNode(root, proof) {
		verdict.RootMissing = true
		return verdict
	}
	more, err := gethtrie.VerifyRangeProof(root, origin[:], raw, values, proofSet(proof))
	if err != nil {
		return verdict
	}
	verdict.Matches = true
	verdict.HasMore = more
	return verdict
}

// VerifyLeaf proves a single key against root using the supplied proof
// nodes. A nil value with a nil error means the key is provably absent.
func VerifyLeaf(root, key common.Hash, proof [][]byte) ([]byte, error) {
	return gethtrie.VerifyProof(root, key[:], proofSet(proof))
}

// proofSet indexes raw proof nodes by their hash.
func proofSet(proof [][]byte) *trienode.ProofSet {
	nodes := make(trienode.ProofList, 0, len(proof))
	for _, node := range proof {
		nodes = append(nodes, node)
	}
	return nodes.Set()
}

// HasRootNode reports whether any proof node hashes to root.
func HasRootNode(root common.Hash, proof [][]byte) bool {
	for _, node := range proof {
		if crypto.Keccak256Hash(node) == root {
			return true
		}
	}
	return false
}
