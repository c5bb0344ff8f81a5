package sync

import (
	"context"
	"encoding/binary"
	"errors"
	"math/big"
	gosync "sync"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/eth2030/statesync/trie"
)

// testHeaders is a HeaderSource whose finalized header is set by the test.
type testHeaders struct {
	mu     gosync.Mutex
	header *types.Header
}

func (h *testHeaders) FinalizedHeader() *types.Header {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.header
}

func (h *testHeaders) set(number uint64, root common.Hash) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.header = &types.Header{Number: new(big.Int).SetUint64(number), Root: root}
}

func newTestHeaders(number uint64, root common.Hash) *testHeaders {
	h := new(testHeaders)
	h.set(number, root)
	return h
}

// testConfig returns a config with small batches and no pacing.
func testConfig(partitions int) Config {
	cfg := DefaultConfig()
	cfg.PartitionCount = partitions
	cfg.StorageBacklog = 4
	cfg.WriteBatchItems = 8
	cfg.Workers = 4
	cfg.IdleWait = 0
	cfg.ReportInterval = 0
	cfg.PivotCheckInterval = 0
	return cfg
}

func newTestSyncer(t *testing.T, cfg Config, headers HeaderSource) *Syncer {
	t.Helper()
	s, err := New(cfg, memorydb.New(), headers)
	require.NoError(t, err)
	return s
}

// hashWithPrefix returns a hash starting with prefix and padded with fill.
func hashWithPrefix(prefix byte, fill byte) common.Hash {
	var h common.Hash
	for i := range h {
		h[i] = fill
	}
	h[0] = prefix
	return h
}

// slotAccount returns an account carrying n storage slots salted by salt.
func slotAccount(n int, salt uint64) trie.Account {
	acct := trie.Account{Nonce: 1, Balance: uint256.NewInt(1), Storage: make(map[common.Hash]common.Hash, n)}
	for i := 0; i < n; i++ {
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], uint64(i))
		var word common.Hash
		binary.BigEndian.PutUint64(word[16:24], salt)
		binary.BigEndian.PutUint64(word[24:], uint64(i+1))
		acct.Storage[crypto.Keccak256Hash(key[:])] = word
	}
	return acct
}

// randomState builds n hashed accounts, a third of them with storage and a
// fifth with code.
func randomState(n, slots int) map[common.Hash]trie.Account {
	accounts := make(map[common.Hash]trie.Account, n)
	for i := 0; i < n; i++ {
		var idx [8]byte
		binary.BigEndian.PutUint64(idx[:], uint64(i))
		acct := trie.Account{Nonce: uint64(i), Balance: uint256.NewInt(uint64(i + 1))}
		if i%3 == 0 {
			acct = slotAccount(slots, uint64(i))
		}
		if i%5 == 0 {
			acct.Code = append([]byte{0x60, 0x80, 0x60, 0x40}, idx[:]...)
		}
		accounts[crypto.Keccak256Hash(idx[:])] = acct
	}
	return accounts
}

// serve answers req from srv via a ServerPeer.
func serve(t *testing.T, srv *trie.StateServer, req Request) Response {
	t.Helper()
	resp, err := request(context.Background(), NewServerPeer("test", srv), req)
	require.NoError(t, err)
	return resp
}

// flakyPeer fails every request.
type flakyPeer struct {
	id    string
	calls atomic.Int64
}

var errFlaky = errors.New("flaky peer: connection reset")

func (p *flakyPeer) ID() string { return p.id }

func (p *flakyPeer) RequestAccountRange(context.Context, *AccountRangeRequest) (*AccountRangeResponse, error) {
	p.calls.Add(1)
	return nil, errFlaky
}

func (p *flakyPeer) RequestStorageRanges(context.Context, *StorageRangeRequest) (*StorageRangeResponse, error) {
	p.calls.Add(1)
	return nil, errFlaky
}

func (p *flakyPeer) RequestBytecodes(context.Context, *BytecodeRequest) (*BytecodeResponse, error) {
	p.calls.Add(1)
	return nil, errFlaky
}

func (p *flakyPeer) RequestRefresh(context.Context, *RefreshRequest) (*RefreshResponse, error) {
	p.calls.Add(1)
	return nil, errFlaky
}
