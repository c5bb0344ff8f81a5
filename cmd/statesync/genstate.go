package main

import (
	"encoding/binary"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/eth2030/statesync/trie"
)

// genState builds a deterministic synthetic state of n accounts. Every
// third account carries slots storage entries and every fifth carries
// code. The salt changes the balance and storage of every fourth account,
// so two salts give states that differ in a quarter of their accounts.
func genState(n, slots int, salt uint64) map[common.Hash]trie.Account {
	accounts := make(map[common.Hash]trie.Account, n)
	for i := 0; i < n; i++ {
		var idx [8]byte
		binary.BigEndian.PutUint64(idx[:], uint64(i))

		bump := uint64(0)
		if i%4 == 0 {
			bump = salt
		}
		acct := trie.Account{
			Nonce:   uint64(i % 17),
			Balance: uint256.NewInt(uint64(i+1)*1e9 + bump),
		}
		if i%3 == 0 && slots > 0 {
			acct.Storage = make(map[common.Hash]common.Hash, slots)
			for j := 0; j < slots; j++ {
				var key [16]byte
				copy(key[:8], idx[:])
				binary.BigEndian.PutUint64(key[8:], uint64(j))

				var word common.Hash
				binary.BigEndian.PutUint64(word[16:24], bump)
				binary.BigEndian.PutUint64(word[24:], uint64(j+1))
				acct.Storage[crypto.Keccak256Hash(key[:])] = word
			}
		}
		if i%5 == 0 {
			// PUSH8 <i> PUSH1 0 SSTORE
			acct.Code = append(append([]byte{0x67}, idx[:]...), 0x60, 0x00, 0x55)
		}
		accounts[crypto.Keccak256Hash(idx[:])] = acct
	}
	return accounts
}

// chainHead is a header source whose finalized header can be swapped while
// a sync runs.
type chainHead struct {
	mu     sync.Mutex
	header *types.Header
}

func newChainHead(number uint64, root common.Hash) *chainHead {
	h := new(chainHead)
	h.set(number, root)
	return h
}

func (h *chainHead) FinalizedHeader() *types.Header {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.header
}

func (h *chainHead) set(number uint64, root common.Hash) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.header = &types.Header{Number: new(big.Int).SetUint64(number), Root: root}
}
